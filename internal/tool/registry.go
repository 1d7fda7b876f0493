package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/loomhq/loom/internal/entity"
	"github.com/loomhq/loom/internal/llm"
)

const (
	// DefaultTimeout bounds a tool execution unless the tool declares its
	// own budget.
	DefaultTimeout = 60 * time.Second
	// MaxTimeout is the hard cap no tool may exceed.
	MaxTimeout = 600 * time.Second
)

// Registry holds the available tools and runs the dispatch protocol: every
// invocation resolves to a ToolResult, whatever goes wrong on the way.
type Registry struct {
	mu        sync.RWMutex
	tools     map[string]Tool
	order     []string
	validator *schemaValidator
	logger    *zap.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		tools:     make(map[string]Tool),
		validator: newSchemaValidator(),
		logger:    logger,
	}
}

// Register adds a tool. Duplicate names are a wiring error.
func (r *Registry) Register(t Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := t.Name()
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool %q already registered", name)
	}
	r.tools[name] = t
	r.order = append(r.order, name)
	return nil
}

// MustRegister panics on duplicate registration; for wiring at startup.
func (r *Registry) MustRegister(tools ...Tool) {
	for _, t := range tools {
		if err := r.Register(t); err != nil {
			panic(err)
		}
	}
}

// Get returns a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Names lists registered tool names in registration order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Definitions exports the tool surface for the provider request. In plan
// mode only read-only tools are advertised, so the model never tries a
// mutation it would be denied.
func (r *Registry) Definitions(planMode bool) []llm.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]llm.ToolDefinition, 0, len(r.order))
	for _, name := range r.order {
		t := r.tools[name]
		if planMode && !t.ReadOnly() {
			continue
		}
		out = append(out, llm.ToolDefinition{
			Name:        t.Name(),
			Description: t.Description(),
			Parameters:  t.Schema(),
		})
	}
	return out
}

// Dispatch runs one tool call through the full protocol:
//
//  1. resolve the tool           -> TOOL_NOT_FOUND
//  2. parse the argument JSON    -> INVALID_ARGS
//  3. validate against schema    -> SCHEMA_VIOLATION
//  4. plan-mode gate             -> TOOL_FORBIDDEN_IN_PLAN_MODE
//  5. apply the timeout budget
//  6. execute with panic recovery -> EXECUTION_FAILED
//
// It never returns an error: failures are encoded in the result so the loop
// can hand them back to the model.
func (r *Registry) Dispatch(ctx context.Context, call entity.ToolCall, planMode bool) entity.ToolResult {
	t, ok := r.Get(call.Name)
	if !ok {
		return Failure(entity.CodeToolNotFound, "unknown tool %q; available: %s",
			call.Name, strings.Join(r.Names(), ", "))
	}

	args, err := parseArguments(call.Arguments)
	if err != nil {
		return Failure(entity.CodeInvalidArgs, "arguments for %q are not a JSON object: %v", call.Name, err)
	}

	if err := r.validator.validate(call.Name, t.Schema(), args); err != nil {
		return Failure(entity.CodeSchemaViolation, "arguments for %q rejected: %v", call.Name, err)
	}

	if planMode && !t.ReadOnly() {
		return Failure(entity.CodePlanModeForbid,
			"tool %q mutates state and is unavailable in plan mode", call.Name)
	}

	timeout := DefaultTimeout
	if ta, ok := t.(TimeoutAware); ok && ta.Timeout() > 0 {
		timeout = ta.Timeout()
	}
	if secs := floatArg(args, "timeout", 0); secs > 0 {
		timeout = time.Duration(secs * float64(time.Second))
	}
	if timeout > MaxTimeout {
		timeout = MaxTimeout
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	result := r.execute(execCtx, t, args)
	elapsed := time.Since(start)

	// Relabel context-driven failures so the model sees why the tool died
	// rather than a generic exec error.
	if !result.Success {
		switch {
		case ctx.Err() == context.Canceled:
			result = Failure(entity.CodeAborted, "tool %q canceled", call.Name)
		case execCtx.Err() == context.DeadlineExceeded:
			result = Failure(entity.CodeExecutionFailed,
				"tool %q timed out after %s", call.Name, timeout)
		}
	}

	r.logger.Debug("Tool dispatched",
		zap.String("tool", call.Name),
		zap.String("call_id", call.ID),
		zap.Bool("success", result.Success),
		zap.Duration("elapsed", elapsed),
	)
	return result
}

// execute isolates tool panics: a crashing tool yields a failed result, not
// a crashed loop.
func (r *Registry) execute(ctx context.Context, t Tool, args map[string]any) (result entity.ToolResult) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("Tool panicked",
				zap.String("tool", t.Name()),
				zap.Any("panic", rec),
			)
			result = Failure(entity.CodeExecutionFailed, "tool %q panicked: %v", t.Name(), rec)
		}
	}()
	return t.Execute(ctx, args)
}

// parseArguments decodes the accumulated argument string. Empty and
// whitespace-only strings mean "no arguments".
func parseArguments(raw string) (map[string]any, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, err
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}
