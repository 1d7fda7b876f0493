package tool

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/loomhq/loom/internal/entity"
)

const webFetchBodyLimit = 512 << 10

// WebFetch retrieves a URL and returns the body as text. It is read-only and
// therefore available in plan mode.
type WebFetch struct {
	Client *http.Client
}

func (w *WebFetch) Name() string { return "web_fetch" }

func (w *WebFetch) Description() string {
	return "Fetch a URL over HTTP(S) and return the response body as text."
}

func (w *WebFetch) Schema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"url": map[string]any{"type": "string", "description": "Absolute http(s) URL to fetch"},
		},
		"required": []any{"url"},
	}
}

func (w *WebFetch) ReadOnly() bool { return true }

func (w *WebFetch) Timeout() time.Duration { return 30 * time.Second }

func (w *WebFetch) Execute(ctx context.Context, args map[string]any) entity.ToolResult {
	raw := stringArg(args, "url")
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return Failure(entity.CodeInvalidArgs, "url must be absolute http(s): %q", raw)
	}

	client := w.Client
	if client == nil {
		client = http.DefaultClient
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return Failure(entity.CodeInvalidArgs, "build request: %v", err)
	}
	req.Header.Set("User-Agent", "loom/1.0")

	resp, err := client.Do(req)
	if err != nil {
		return Failure(entity.CodeExecutionFailed, "fetch %s: %v", u, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, webFetchBodyLimit+1))
	if err != nil {
		return Failure(entity.CodeExecutionFailed, "read body from %s: %v", u, err)
	}
	truncated := len(body) > webFetchBodyLimit
	if truncated {
		body = body[:webFetchBodyLimit]
	}

	if resp.StatusCode >= 400 {
		return Failure(entity.CodeExecutionFailed, "GET %s returned %d:\n%s",
			u, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	meta := map[string]any{
		"status":       resp.StatusCode,
		"content_type": resp.Header.Get("Content-Type"),
		"bytes":        len(body),
	}
	out := string(body)
	if truncated {
		meta["truncated"] = true
		out += fmt.Sprintf("\n... [body truncated at %d bytes]", webFetchBodyLimit)
	}
	return Success(out, meta)
}
