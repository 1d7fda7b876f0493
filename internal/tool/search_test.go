package tool

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomhq/loom/internal/entity"
)

func searchFixture(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "pkg/sub"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ".git"), 0o755))
	files := map[string]string{
		"main.go":         "package main\n\nfunc main() { start() }\n",
		"pkg/util.go":     "package pkg\n\nfunc start() {}\n",
		"pkg/sub/deep.go": "package sub\n// start marker\n",
		"README.md":       "start here\n",
		".git/config":     "start = true\n",
	}
	for name, content := range files {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
	}
	return dir
}

func TestGlob_RecursivePattern(t *testing.T) {
	dir := searchFixture(t)
	g := &Glob{WorkDir: dir}

	res := g.Execute(context.Background(), map[string]any{"pattern": "**/*.go"})
	require.True(t, res.Success)
	assert.Equal(t, 3, res.Metadata["matches"])
	assert.Contains(t, res.Output, "deep.go")
	assert.NotContains(t, res.Output, "README.md")
}

func TestGlob_NoMatches(t *testing.T) {
	g := &Glob{WorkDir: searchFixture(t)}
	res := g.Execute(context.Background(), map[string]any{"pattern": "**/*.rs"})
	require.True(t, res.Success)
	assert.Equal(t, 0, res.Metadata["matches"])
}

func TestGlob_InvalidPattern(t *testing.T) {
	g := &Glob{WorkDir: t.TempDir()}
	res := g.Execute(context.Background(), map[string]any{"pattern": "[unclosed"})
	assert.Equal(t, string(entity.CodeInvalidArgs), res.ErrorCode())
}

func TestGrep_FindsMatchesWithLineNumbers(t *testing.T) {
	dir := searchFixture(t)
	g := &Grep{WorkDir: dir}

	res := g.Execute(context.Background(), map[string]any{"pattern": `func start`})
	require.True(t, res.Success)
	assert.Equal(t, 1, res.Metadata["matches"])
	assert.Contains(t, res.Output, "util.go:3:")
}

func TestGrep_IncludeFilterAndSkippedDirs(t *testing.T) {
	dir := searchFixture(t)
	g := &Grep{WorkDir: dir}

	res := g.Execute(context.Background(), map[string]any{
		"pattern": "start", "include": "*.go",
	})
	require.True(t, res.Success)
	assert.NotContains(t, res.Output, "README.md")
	assert.NotContains(t, res.Output, ".git", "version-control internals must be skipped")
}

func TestGrep_InvalidRegexp(t *testing.T) {
	g := &Grep{WorkDir: t.TempDir()}
	res := g.Execute(context.Background(), map[string]any{"pattern": "(unclosed"})
	assert.Equal(t, string(entity.CodeInvalidArgs), res.ErrorCode())
}

func TestGrep_NoMatches(t *testing.T) {
	g := &Grep{WorkDir: searchFixture(t)}
	res := g.Execute(context.Background(), map[string]any{"pattern": "zzz-never"})
	require.True(t, res.Success)
	assert.Equal(t, "No matches", res.Output)
}

func TestWebFetch_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("fetched body"))
	}))
	defer srv.Close()

	wf := &WebFetch{}
	res := wf.Execute(context.Background(), map[string]any{"url": srv.URL})
	require.True(t, res.Success)
	assert.Equal(t, "fetched body", res.Output)
	assert.Equal(t, 200, res.Metadata["status"])
}

func TestWebFetch_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer srv.Close()

	wf := &WebFetch{}
	res := wf.Execute(context.Background(), map[string]any{"url": srv.URL})
	assert.False(t, res.Success)
	assert.Contains(t, res.Output, "403")
}

func TestWebFetch_RejectsNonHTTP(t *testing.T) {
	wf := &WebFetch{}
	for _, u := range []string{"", "ftp://host/file", "not a url", "file:///etc/passwd"} {
		res := wf.Execute(context.Background(), map[string]any{"url": u})
		assert.Equal(t, string(entity.CodeInvalidArgs), res.ErrorCode(), "url %q", u)
	}
}

func TestWebFetch_TruncatesLargeBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(strings.Repeat("x", webFetchBodyLimit+1000)))
	}))
	defer srv.Close()

	wf := &WebFetch{}
	res := wf.Execute(context.Background(), map[string]any{"url": srv.URL})
	require.True(t, res.Success)
	assert.Equal(t, true, res.Metadata["truncated"])
	assert.Contains(t, res.Output, "body truncated")
}
