package tool

import (
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/loomhq/loom/internal/entity"
)

const (
	globMaxResults = 500
	grepMaxMatches = 200
	grepMaxFileSz  = 1 << 20
)

var skipDirs = map[string]bool{
	".git":         true,
	"node_modules": true,
	".idea":        true,
	".vscode":      true,
}

// Glob matches files against a doublestar pattern, newest first.
type Glob struct {
	WorkDir string
}

func (g *Glob) Name() string { return "glob" }

func (g *Glob) Description() string {
	return "Find files matching a glob pattern like '**/*.go'. Results are sorted by modification time, newest first."
}

func (g *Glob) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"pattern": map[string]any{"type": "string", "description": "Glob pattern, ** matches across directories"},
			"path":    map[string]any{"type": "string", "description": "Directory to search, defaults to the working directory"},
		},
		"required": []any{"pattern"},
	}
}

func (g *Glob) ReadOnly() bool { return true }

func (g *Glob) Execute(_ context.Context, args map[string]any) entity.ToolResult {
	pattern := stringArg(args, "pattern")
	root := resolvePath(g.WorkDir, stringArg(args, "path"))
	if stringArg(args, "path") == "" {
		root = g.WorkDir
	}

	if !doublestar.ValidatePattern(pattern) {
		return Failure(entity.CodeInvalidArgs, "invalid glob pattern %q", pattern)
	}

	matches, err := doublestar.Glob(os.DirFS(root), pattern)
	if err != nil {
		return Failure(entity.CodeExecutionFailed, "glob %q in %s: %v", pattern, root, err)
	}

	type hit struct {
		path string
		mod  int64
	}
	hits := make([]hit, 0, len(matches))
	for _, m := range matches {
		full := filepath.Join(root, m)
		info, err := os.Stat(full)
		if err != nil || info.IsDir() {
			continue
		}
		hits = append(hits, hit{path: full, mod: info.ModTime().UnixNano()})
	}
	sort.Slice(hits, func(i, j int) bool { return hits[i].mod > hits[j].mod })

	truncated := false
	if len(hits) > globMaxResults {
		hits = hits[:globMaxResults]
		truncated = true
	}

	if len(hits) == 0 {
		return Success(fmt.Sprintf("No files match %q under %s", pattern, root),
			map[string]any{"matches": 0})
	}

	var b strings.Builder
	for _, h := range hits {
		b.WriteString(h.path)
		b.WriteByte('\n')
	}
	if truncated {
		fmt.Fprintf(&b, "... [first %d matches shown]\n", globMaxResults)
	}
	return Success(strings.TrimRight(b.String(), "\n"), map[string]any{"matches": len(hits)})
}

// Grep searches file contents with a Go regexp.
type Grep struct {
	WorkDir string
}

func (g *Grep) Name() string { return "grep" }

func (g *Grep) Description() string {
	return "Search file contents with a regular expression. Returns matching lines as path:line:text."
}

func (g *Grep) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"pattern": map[string]any{"type": "string", "description": "Go regular expression"},
			"path":    map[string]any{"type": "string", "description": "Directory or file to search, defaults to the working directory"},
			"include": map[string]any{"type": "string", "description": "Glob filter on file names, e.g. '*.go'"},
		},
		"required": []any{"pattern"},
	}
}

func (g *Grep) ReadOnly() bool { return true }

func (g *Grep) Execute(ctx context.Context, args map[string]any) entity.ToolResult {
	re, err := regexp.Compile(stringArg(args, "pattern"))
	if err != nil {
		return Failure(entity.CodeInvalidArgs, "invalid pattern: %v", err)
	}
	include := stringArg(args, "include")
	if include != "" && !doublestar.ValidatePattern(include) {
		return Failure(entity.CodeInvalidArgs, "invalid include filter %q", include)
	}

	root := g.WorkDir
	if p := stringArg(args, "path"); p != "" {
		root = resolvePath(g.WorkDir, p)
	}

	var (
		b        strings.Builder
		matches  int
		capped   bool
		walkStop = fmt.Errorf("grep: match cap reached")
	)
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			if skipDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if include != "" {
			if ok, _ := doublestar.Match(include, d.Name()); !ok {
				return nil
			}
		}
		info, err := d.Info()
		if err != nil || info.Size() > grepMaxFileSz {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil || bytes.IndexByte(data, 0) >= 0 {
			return nil
		}
		for i, line := range strings.Split(string(data), "\n") {
			if re.MatchString(line) {
				fmt.Fprintf(&b, "%s:%d:%s\n", path, i+1, strings.TrimRight(line, "\r"))
				matches++
				if matches >= grepMaxMatches {
					capped = true
					return walkStop
				}
			}
		}
		return nil
	})
	if err != nil && err != walkStop {
		if ctx.Err() != nil {
			return Failure(entity.CodeExecutionFailed, "search interrupted: %v", ctx.Err())
		}
		return Failure(entity.CodeExecutionFailed, "search %s: %v", root, err)
	}

	if matches == 0 {
		return Success("No matches", map[string]any{"matches": 0})
	}
	out := strings.TrimRight(b.String(), "\n")
	if capped {
		out += fmt.Sprintf("\n... [first %d matches shown]", grepMaxMatches)
	}
	return Success(out, map[string]any{"matches": matches})
}
