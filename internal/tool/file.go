package tool

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/loomhq/loom/internal/entity"
)

const readFileLimit = 256 << 10

// resolvePath anchors relative paths at the tool working directory.
func resolvePath(workDir, path string) string {
	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}
	return filepath.Join(workDir, path)
}

// ReadFile returns file contents, optionally a line window.
type ReadFile struct {
	WorkDir string
}

func (r *ReadFile) Name() string { return "read_file" }

func (r *ReadFile) Description() string {
	return "Read a file. Use offset and limit to read a window of a large file."
}

func (r *ReadFile) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path":   map[string]any{"type": "string", "description": "File path, relative to the working directory"},
			"offset": map[string]any{"type": "integer", "description": "1-based first line to return"},
			"limit":  map[string]any{"type": "integer", "description": "Maximum number of lines to return"},
		},
		"required": []any{"path"},
	}
}

func (r *ReadFile) ReadOnly() bool { return true }

func (r *ReadFile) Execute(_ context.Context, args map[string]any) entity.ToolResult {
	path := resolvePath(r.WorkDir, stringArg(args, "path"))

	info, err := os.Stat(path)
	if err != nil {
		return Failure(entity.CodeExecutionFailed, "read %s: %v", path, err)
	}
	if info.IsDir() {
		return Failure(entity.CodeExecutionFailed, "%s is a directory", path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Failure(entity.CodeExecutionFailed, "read %s: %v", path, err)
	}

	content := string(data)
	lines := strings.Split(content, "\n")
	totalLines := len(lines)

	offset := intArg(args, "offset", 1)
	limit := intArg(args, "limit", 0)
	if offset > 1 || limit > 0 {
		if offset < 1 {
			offset = 1
		}
		if offset > totalLines {
			return Failure(entity.CodeInvalidArgs, "offset %d past end of file (%d lines)", offset, totalLines)
		}
		end := totalLines
		if limit > 0 && offset-1+limit < end {
			end = offset - 1 + limit
		}
		content = strings.Join(lines[offset-1:end], "\n")
	}

	truncated := false
	if len(content) > readFileLimit {
		content = content[:readFileLimit]
		truncated = true
	}

	meta := map[string]any{
		"path":        path,
		"total_lines": totalLines,
		"size":        info.Size(),
	}
	if truncated {
		meta["truncated"] = true
		content += "\n... [truncated; use offset/limit to read more]"
	}
	return Success(content, meta)
}

// WriteFile creates or overwrites a file, creating parent directories.
type WriteFile struct {
	WorkDir string
}

func (w *WriteFile) Name() string { return "write_file" }

func (w *WriteFile) Description() string {
	return "Write content to a file, creating it and any parent directories."
}

func (w *WriteFile) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path":    map[string]any{"type": "string", "description": "File path, relative to the working directory"},
			"content": map[string]any{"type": "string", "description": "Full file content"},
		},
		"required": []any{"path", "content"},
	}
}

func (w *WriteFile) ReadOnly() bool { return false }

func (w *WriteFile) Execute(_ context.Context, args map[string]any) entity.ToolResult {
	path := resolvePath(w.WorkDir, stringArg(args, "path"))
	content, hasContent := args["content"].(string)
	if !hasContent {
		return Failure(entity.CodeInvalidArgs, "write_file requires content")
	}

	_, statErr := os.Stat(path)
	created := os.IsNotExist(statErr)

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return Failure(entity.CodeExecutionFailed, "create parent dirs for %s: %v", path, err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return Failure(entity.CodeExecutionFailed, "write %s: %v", path, err)
	}

	verb := "Updated"
	if created {
		verb = "Created"
	}
	return Success(
		fmt.Sprintf("%s %s (%d bytes)", verb, path, len(content)),
		map[string]any{"path": path, "bytes": len(content), "created": created},
	)
}

// BatchReplace applies multiple exact string replacements to one file in a
// single operation. Each replacement is matched against the ORIGINAL content,
// so ops cannot invalidate each other, and each records its own outcome: a
// failed op is skipped while the rest still apply.
type BatchReplace struct {
	WorkDir string
}

func (b *BatchReplace) Name() string { return "batch_replace" }

func (b *BatchReplace) Description() string {
	return "Apply multiple exact string replacements to a file atomically. " +
		"Each old_string must match the current file content exactly."
}

func (b *BatchReplace) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{"type": "string", "description": "File path, relative to the working directory"},
			"replacements": map[string]any{
				"type": "array",
				"items": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"old_string":  map[string]any{"type": "string"},
						"new_string":  map[string]any{"type": "string"},
						"replace_all": map[string]any{"type": "boolean"},
					},
					"required": []any{"old_string", "new_string"},
				},
			},
		},
		"required": []any{"path", "replacements"},
	}
}

func (b *BatchReplace) ReadOnly() bool { return false }

func (b *BatchReplace) Execute(_ context.Context, args map[string]any) entity.ToolResult {
	path := resolvePath(b.WorkDir, stringArg(args, "path"))

	rawOps, _ := args["replacements"].([]any)
	if len(rawOps) == 0 {
		return Failure(entity.CodeEmptyReplacement, "batch_replace requires at least one replacement")
	}

	info, err := os.Stat(path)
	if err != nil {
		return Failure(entity.CodeExecutionFailed, "read %s: %v", path, err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Failure(entity.CodeExecutionFailed, "read %s: %v", path, err)
	}

	// Normalize to LF for matching; the original ending style is restored
	// on write so CRLF files stay CRLF.
	original := string(data)
	crlf := strings.Contains(original, "\r\n")
	if crlf {
		original = strings.ReplaceAll(original, "\r\n", "\n")
	}

	updated := original
	modified, failed := 0, 0
	details := make([]map[string]any, 0, len(rawOps))
	var failures []string

	failOp := func(i int, reason string) {
		failed++
		details = append(details, map[string]any{"index": i, "applied": false, "reason": reason})
		failures = append(failures, fmt.Sprintf("replacement %d: %s", i, reason))
	}

	for i, raw := range rawOps {
		m, ok := raw.(map[string]any)
		if !ok {
			failOp(i, "not an object")
			continue
		}
		old := strings.ReplaceAll(stringArg(m, "old_string"), "\r\n", "\n")
		repl := strings.ReplaceAll(stringArg(m, "new_string"), "\r\n", "\n")
		all := boolArg(m, "replace_all")

		switch {
		case old == "":
			failOp(i, "empty old_string")
			continue
		case old == repl:
			failOp(i, "no-op (old_string equals new_string)")
			continue
		}

		count := strings.Count(original, old)
		switch {
		case count == 0:
			failOp(i, "old_string not found")
			continue
		case count > 1 && !all:
			failOp(i, fmt.Sprintf("old_string matches %d times; make it unique or set replace_all", count))
			continue
		}

		n := 1
		if all {
			n = -1
		}
		updated = strings.Replace(updated, old, repl, n)
		modified++
		details = append(details, map[string]any{"index": i, "applied": true})
	}

	if modified > 0 {
		if crlf {
			updated = strings.ReplaceAll(updated, "\n", "\r\n")
		}
		if err := os.WriteFile(path, []byte(updated), info.Mode().Perm()); err != nil {
			return Failure(entity.CodeExecutionFailed, "write %s: %v", path, err)
		}
	}

	output := fmt.Sprintf("Applied %d of %d replacement(s) to %s", modified, len(rawOps), path)
	if len(failures) > 0 {
		output += "\n" + strings.Join(failures, "\n")
	}
	return Success(output, map[string]any{
		"path":           path,
		"modified_count": modified,
		"failed_count":   failed,
		"operations":     details,
	})
}
