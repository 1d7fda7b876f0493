package tool

import (
	"context"
	"fmt"
	"time"

	"github.com/loomhq/loom/internal/entity"
)

// Tool is one capability the model can invoke. Execute returns a result
// envelope in every case; errors are data, not control flow.
type Tool interface {
	Name() string
	Description() string
	// Schema is the JSON Schema for the arguments object.
	Schema() map[string]any
	// ReadOnly tools stay available in plan mode.
	ReadOnly() bool
	Execute(ctx context.Context, args map[string]any) entity.ToolResult
}

// TimeoutAware lets a tool declare its own execution budget, still capped by
// the registry's hard limit.
type TimeoutAware interface {
	Timeout() time.Duration
}

// Success builds a passing result.
func Success(output string, meta map[string]any) entity.ToolResult {
	return entity.ToolResult{Success: true, Output: output, Metadata: meta}
}

// Failure builds a failing result carrying a stable code under
// Metadata["error"].
func Failure(code entity.ErrorCode, format string, args ...any) entity.ToolResult {
	return entity.ToolResult{
		Success:  false,
		Output:   fmt.Sprintf(format, args...),
		Metadata: map[string]any{"error": string(code)},
	}
}

// Argument accessors. JSON numbers arrive as float64; these normalize the
// common cases so tools stay terse.

func stringArg(args map[string]any, key string) string {
	v, _ := args[key].(string)
	return v
}

func boolArg(args map[string]any, key string) bool {
	v, _ := args[key].(bool)
	return v
}

func intArg(args map[string]any, key string, def int) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	default:
		return def
	}
}

func floatArg(args map[string]any, key string, def float64) float64 {
	switch v := args[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	default:
		return def
	}
}
