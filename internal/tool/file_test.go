package tool

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomhq/loom/internal/entity"
)

func writeTemp(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestReadFile_Whole(t *testing.T) {
	dir := t.TempDir()
	writeTemp(t, dir, "a.txt", "one\ntwo\nthree\n")

	r := &ReadFile{WorkDir: dir}
	res := r.Execute(context.Background(), map[string]any{"path": "a.txt"})

	require.True(t, res.Success)
	assert.Equal(t, "one\ntwo\nthree\n", res.Output)
}

func TestReadFile_Window(t *testing.T) {
	dir := t.TempDir()
	writeTemp(t, dir, "a.txt", "l1\nl2\nl3\nl4\nl5")

	r := &ReadFile{WorkDir: dir}
	res := r.Execute(context.Background(), map[string]any{
		"path": "a.txt", "offset": float64(2), "limit": float64(2),
	})
	require.True(t, res.Success)
	assert.Equal(t, "l2\nl3", res.Output)

	res = r.Execute(context.Background(), map[string]any{"path": "a.txt", "offset": float64(99)})
	assert.Equal(t, string(entity.CodeInvalidArgs), res.ErrorCode())
}

func TestReadFile_MissingAndDirectory(t *testing.T) {
	dir := t.TempDir()
	r := &ReadFile{WorkDir: dir}

	res := r.Execute(context.Background(), map[string]any{"path": "ghost.txt"})
	assert.Equal(t, string(entity.CodeExecutionFailed), res.ErrorCode())

	res = r.Execute(context.Background(), map[string]any{"path": "."})
	assert.Equal(t, string(entity.CodeExecutionFailed), res.ErrorCode())
	assert.Contains(t, res.Output, "directory")
}

func TestWriteFile_CreatesParents(t *testing.T) {
	dir := t.TempDir()
	w := &WriteFile{WorkDir: dir}

	res := w.Execute(context.Background(), map[string]any{
		"path": "nested/deep/out.txt", "content": "payload",
	})
	require.True(t, res.Success)
	assert.Equal(t, true, res.Metadata["created"])

	data, err := os.ReadFile(filepath.Join(dir, "nested/deep/out.txt"))
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))

	// Overwrite reports created=false.
	res = w.Execute(context.Background(), map[string]any{
		"path": "nested/deep/out.txt", "content": "v2",
	})
	require.True(t, res.Success)
	assert.Equal(t, false, res.Metadata["created"])
}

func TestWriteFile_EmptyContentAllowed(t *testing.T) {
	dir := t.TempDir()
	w := &WriteFile{WorkDir: dir}

	res := w.Execute(context.Background(), map[string]any{"path": "empty.txt", "content": ""})
	assert.True(t, res.Success)

	res = w.Execute(context.Background(), map[string]any{"path": "missing.txt"})
	assert.Equal(t, string(entity.CodeInvalidArgs), res.ErrorCode())
}

func replacements(ops ...map[string]any) []any {
	out := make([]any, len(ops))
	for i, op := range ops {
		out[i] = op
	}
	return out
}

func TestBatchReplace_MultipleOps(t *testing.T) {
	dir := t.TempDir()
	path := writeTemp(t, dir, "code.go", "func old() {\n\treturn alpha\n}\n// alpha note\n")

	b := &BatchReplace{WorkDir: dir}
	res := b.Execute(context.Background(), map[string]any{
		"path": "code.go",
		"replacements": replacements(
			map[string]any{"old_string": "func old()", "new_string": "func renamed()"},
			map[string]any{"old_string": "alpha", "new_string": "beta", "replace_all": true},
		),
	})
	require.True(t, res.Success, res.Output)

	data, _ := os.ReadFile(path)
	assert.Equal(t, "func renamed() {\n\treturn beta\n}\n// beta note\n", string(data))
	assert.Equal(t, 2, res.Metadata["modified_count"])
	assert.Equal(t, 0, res.Metadata["failed_count"])
}

func TestBatchReplace_EmptyReplacements(t *testing.T) {
	dir := t.TempDir()
	writeTemp(t, dir, "f.txt", "x")

	b := &BatchReplace{WorkDir: dir}
	res := b.Execute(context.Background(), map[string]any{
		"path": "f.txt", "replacements": []any{},
	})
	assert.Equal(t, string(entity.CodeEmptyReplacement), res.ErrorCode())
}

func TestBatchReplace_FailedOpDoesNotBlockTheRest(t *testing.T) {
	dir := t.TempDir()
	path := writeTemp(t, dir, "f.txt", "alpha\nbeta\n")

	b := &BatchReplace{WorkDir: dir}
	res := b.Execute(context.Background(), map[string]any{
		"path": "f.txt",
		"replacements": replacements(
			map[string]any{"old_string": "alpha", "new_string": "gamma"},
			map[string]any{"old_string": "absent", "new_string": "x"},
		),
	})

	// The write completed, so the call succeeds; the unmatched op is
	// reported per-op instead of failing the batch.
	require.True(t, res.Success, res.Output)
	assert.Equal(t, 1, res.Metadata["modified_count"])
	assert.Equal(t, 1, res.Metadata["failed_count"])
	assert.Contains(t, res.Output, "not found")

	data, _ := os.ReadFile(path)
	assert.Equal(t, "gamma\nbeta\n", string(data))

	ops, ok := res.Metadata["operations"].([]map[string]any)
	require.True(t, ok)
	require.Len(t, ops, 2)
	assert.Equal(t, true, ops[0]["applied"])
	assert.Equal(t, false, ops[1]["applied"])
}

func TestBatchReplace_AmbiguousMatchSkipped(t *testing.T) {
	dir := t.TempDir()
	path := writeTemp(t, dir, "f.txt", "dup dup")

	b := &BatchReplace{WorkDir: dir}
	res := b.Execute(context.Background(), map[string]any{
		"path": "f.txt",
		"replacements": replacements(
			map[string]any{"old_string": "dup", "new_string": "uniq"},
		),
	})
	require.True(t, res.Success)
	assert.Equal(t, 0, res.Metadata["modified_count"])
	assert.Equal(t, 1, res.Metadata["failed_count"])
	assert.Contains(t, res.Output, "replace_all")

	// Nothing applied, nothing written.
	data, _ := os.ReadFile(path)
	assert.Equal(t, "dup dup", string(data))
}

func TestBatchReplace_NoOpAndEmptyOldRecordedAsFailures(t *testing.T) {
	dir := t.TempDir()
	writeTemp(t, dir, "f.txt", "content")
	b := &BatchReplace{WorkDir: dir}

	res := b.Execute(context.Background(), map[string]any{
		"path": "f.txt",
		"replacements": replacements(
			map[string]any{"old_string": "", "new_string": "x"},
			map[string]any{"old_string": "content", "new_string": "content"},
		),
	})
	require.True(t, res.Success)
	assert.Equal(t, 0, res.Metadata["modified_count"])
	assert.Equal(t, 2, res.Metadata["failed_count"])
	assert.Contains(t, res.Output, "empty old_string")
	assert.Contains(t, res.Output, "no-op")
}

func TestBatchReplace_PreservesCRLF(t *testing.T) {
	dir := t.TempDir()
	path := writeTemp(t, dir, "win.txt", "first\r\nsecond\r\nthird\r\n")

	b := &BatchReplace{WorkDir: dir}
	res := b.Execute(context.Background(), map[string]any{
		"path": "win.txt",
		// The model sends LF; matching must still hit the CRLF file.
		"replacements": replacements(
			map[string]any{"old_string": "first\nsecond", "new_string": "merged"},
		),
	})
	require.True(t, res.Success, res.Output)

	data, _ := os.ReadFile(path)
	assert.Equal(t, "merged\r\nthird\r\n", string(data))
}
