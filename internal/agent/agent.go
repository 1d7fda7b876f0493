package agent

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/loomhq/loom/internal/bus"
	"github.com/loomhq/loom/internal/compact"
	"github.com/loomhq/loom/internal/entity"
	"github.com/loomhq/loom/internal/llm"
	"github.com/loomhq/loom/internal/memory"
	"github.com/loomhq/loom/internal/stream"
	"github.com/loomhq/loom/internal/tool"
	"github.com/loomhq/loom/pkg/safego"
)

const (
	defaultMaxSteps       = 50
	defaultToolParallel   = 4
	defaultThinkingMode   = llm.ThinkingAuto
	defaultSystemFallback = "You are a capable software engineering agent. Use the available tools to complete the user's task."
)

// Caller abstracts the provider transport so the loop can be driven by a
// real client or a scripted stream in tests.
type Caller interface {
	Stream(ctx context.Context, req *llm.Request) (*llm.Scanner, error)
}

// clientCaller resolves the adapter per request and streams through the
// shared client.
type clientCaller struct {
	client   *llm.Client
	registry *llm.Registry
}

func (c *clientCaller) Stream(ctx context.Context, req *llm.Request) (*llm.Scanner, error) {
	adapter, err := c.registry.Resolve(req.Model)
	if err != nil {
		return nil, err
	}
	return c.client.Stream(ctx, adapter, req)
}

// Options wires an agent. Store, Tools, Model, SessionID, and either Caller
// or Client+Registry are required.
type Options struct {
	SessionID    string
	Model        string
	SystemPrompt string
	Temperature  *float64
	MaxTokens    int
	ThinkingMode llm.ThinkingMode
	PlanMode     bool
	MaxSteps     int
	MaxParallel  int
	Retry        RetryPolicy

	Store     *memory.Store
	Tools     *tool.Registry
	Client    *llm.Client
	Registry  *llm.Registry
	Caller    Caller
	Bus       *bus.Bus
	Compactor *compact.Compactor
	Logger    *zap.Logger
}

// Agent runs the think/act loop for one session. A single Execute runs at a
// time; concurrent calls fail fast with AGENT_BUSY.
type Agent struct {
	opts   Options
	caller Caller
	state  *stateMachine
	logger *zap.Logger

	mu        sync.Mutex
	running   bool
	cancelRun context.CancelFunc
	lastUsage *entity.Usage
}

// New validates options and opens (or creates) the session. A new session
// gets the system prompt as its first message so compaction can preserve it.
func New(opts Options) (*Agent, error) {
	if !entity.ValidSessionID(opts.SessionID) {
		return nil, entity.NewError(entity.CodeInvalidSessionID,
			fmt.Sprintf("session id %q must match [A-Za-z0-9_-]{1,128}", opts.SessionID))
	}
	if opts.Store == nil || opts.Tools == nil {
		return nil, entity.NewError(entity.CodeBadRequest, "agent requires a store and a tool registry")
	}
	if opts.Model == "" {
		return nil, entity.NewError(entity.CodeBadRequest, "agent requires a model id")
	}
	caller := opts.Caller
	if caller == nil {
		if opts.Client == nil || opts.Registry == nil {
			return nil, entity.NewError(entity.CodeBadRequest,
				"agent requires a caller or a client and adapter registry")
		}
		caller = &clientCaller{client: opts.Client, registry: opts.Registry}
	}
	if opts.MaxSteps <= 0 {
		opts.MaxSteps = defaultMaxSteps
	}
	if opts.MaxParallel <= 0 {
		opts.MaxParallel = defaultToolParallel
	}
	if opts.ThinkingMode == "" {
		opts.ThinkingMode = defaultThinkingMode
	}
	if opts.Retry == (RetryPolicy{}) {
		opts.Retry = DefaultRetryPolicy()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	sess, err := opts.Store.Open(opts.SessionID)
	if err != nil {
		return nil, err
	}
	if len(sess.Messages) == 0 {
		prompt := opts.SystemPrompt
		if prompt == "" {
			prompt = defaultSystemFallback
		}
		if _, err := opts.Store.AppendMessage(opts.SessionID, entity.Message{
			Role:    entity.RoleSystem,
			Content: prompt,
		}); err != nil {
			return nil, err
		}
	}

	return &Agent{
		opts:   opts,
		caller: caller,
		state:  newStateMachine(),
		logger: opts.Logger.With(zap.String("session_id", opts.SessionID)),
	}, nil
}

// SessionID returns the bound session id.
func (a *Agent) SessionID() string { return a.opts.SessionID }

// State returns the current run state.
func (a *Agent) State() entity.AgentState { return a.state.State() }

// Messages returns the persisted conversation.
func (a *Agent) Messages() ([]entity.Message, error) {
	sess, err := a.opts.Store.LoadSession(a.opts.SessionID)
	if err != nil {
		return nil, err
	}
	return sess.Messages, nil
}

// Abort cancels the in-flight Execute, if any. Safe to call at any time.
func (a *Agent) Abort() {
	a.mu.Lock()
	cancel := a.cancelRun
	a.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Execute runs the loop for one user input: stream a model turn, run any
// requested tools, feed results back, repeat until the model answers in
// plain text. Events flow to cb and the bus in emission order.
func (a *Agent) Execute(ctx context.Context, input string, cb entity.StreamCallback) (*entity.AssembledMessage, error) {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return nil, entity.NewError(entity.CodeAgentBusy, "an execution is already in flight for this agent")
	}
	runCtx, cancel := context.WithCancel(ctx)
	a.running = true
	a.cancelRun = cancel
	a.mu.Unlock()

	defer func() {
		cancel()
		a.mu.Lock()
		a.running = false
		a.cancelRun = nil
		a.mu.Unlock()
	}()

	emit := a.emitter(cb)

	if err := a.state.to(entity.StateThinking); err != nil {
		return nil, entity.WrapError(entity.CodeBadRequest, "agent not ready", err)
	}
	emit(entity.StatusEvent(entity.StateThinking, ""))

	if _, err := a.opts.Store.AppendMessage(a.opts.SessionID, entity.Message{
		Role:    entity.RoleUser,
		Content: input,
	}); err != nil {
		return nil, a.fail(emit, err)
	}

	for step := 1; step <= a.opts.MaxSteps; step++ {
		// Compaction runs before the provider call so an over-threshold
		// history never reaches the model, including histories inherited
		// from a previous run.
		if err := a.maybeCompact(runCtx, emit); err != nil {
			if entity.IsAborted(err) {
				return nil, a.abort(emit, err)
			}
			// Compaction trouble must not kill a healthy run.
			a.logger.Warn("Compaction failed, continuing", zap.Error(err))
		}

		assembled, err := a.modelTurn(runCtx, emit)
		if err != nil {
			if entity.IsAborted(err) {
				return nil, a.abort(emit, err)
			}
			return nil, a.fail(emit, err)
		}

		if _, err := a.opts.Store.AppendMessage(a.opts.SessionID, assembled.ToMessage()); err != nil {
			return nil, a.fail(emit, err)
		}
		if assembled.Usage != nil {
			a.mu.Lock()
			a.lastUsage = assembled.Usage
			a.mu.Unlock()
		}

		ev := entity.StatusEvent(a.state.State(), "")
		ev.Step = &entity.StepInfo{
			Step:       step,
			TokensUsed: assembled.Usage.Total(),
			Model:      a.opts.Model,
		}
		emit(ev)

		if !assembled.HasToolCalls() {
			if err := a.state.to(entity.StateCompleted); err == nil {
				emit(entity.StatusEvent(entity.StateCompleted, ""))
			}
			return assembled, nil
		}

		if err := a.state.to(entity.StateRunning); err != nil {
			return nil, a.fail(emit, err)
		}
		emit(entity.StatusEvent(entity.StateRunning, ""))

		if err := a.runToolCalls(runCtx, assembled.ToolCalls, emit); err != nil {
			if entity.IsAborted(err) {
				return nil, a.abort(emit, err)
			}
			return nil, a.fail(emit, err)
		}

		if err := a.state.to(entity.StateThinking); err != nil {
			return nil, a.fail(emit, err)
		}
		emit(entity.StatusEvent(entity.StateThinking, ""))
	}

	return nil, a.fail(emit, entity.NewError(entity.CodeLLMError,
		fmt.Sprintf("run did not converge within %d steps", a.opts.MaxSteps)))
}

// modelTurn performs one provider call with retries and assembles the
// response. The retry unit covers both the call and stream consumption: a
// stream that dies mid-flight is retried from the top.
func (a *Agent) modelTurn(ctx context.Context, emit entity.StreamCallback) (*entity.AssembledMessage, error) {
	req, err := a.buildRequest()
	if err != nil {
		return nil, err
	}

	var assembled *entity.AssembledMessage
	err = withRetry(ctx, a.opts.Retry, a.logger, func() error {
		assembled = nil
		scanner, err := a.caller.Stream(ctx, req)
		if err != nil {
			return err
		}
		defer scanner.Close()

		proc := stream.New(emit, a.logger)
		for {
			chunk, err := scanner.Next()
			if err == io.EOF {
				break
			}
			if err != nil {
				return err
			}
			if err := proc.Consume(chunk); err != nil {
				return err
			}
		}
		msg, err := proc.Finalize()
		if err != nil {
			return err
		}
		assembled = msg
		return nil
	})
	if err != nil {
		return nil, err
	}
	return assembled, nil
}

func (a *Agent) buildRequest() (*llm.Request, error) {
	sess, err := a.opts.Store.LoadSession(a.opts.SessionID)
	if err != nil {
		return nil, err
	}
	return &llm.Request{
		Model:        a.opts.Model,
		Messages:     sess.Messages,
		Tools:        a.opts.Tools.Definitions(a.opts.PlanMode),
		Temperature:  a.opts.Temperature,
		MaxTokens:    a.opts.MaxTokens,
		ThinkingMode: a.opts.ThinkingMode,
		Stream:       true,
	}, nil
}

// runToolCalls executes the turn's calls with bounded parallelism, then
// persists and reports results in call order so the transcript and event
// sequence stay deterministic regardless of completion order.
func (a *Agent) runToolCalls(ctx context.Context, calls []entity.ToolCall, emit entity.StreamCallback) error {
	sem := semaphore.NewWeighted(int64(a.opts.MaxParallel))
	results := make([]entity.ToolResult, len(calls))

	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		i, call := i, call
		safego.Go(a.logger, "tool-"+call.Name, func() {
			defer wg.Done()
			if err := sem.Acquire(ctx, 1); err != nil {
				results[i] = tool.Failure(entity.CodeAborted, "tool %q canceled", call.Name)
				return
			}
			defer sem.Release(1)
			results[i] = a.opts.Tools.Dispatch(ctx, call, a.opts.PlanMode)
		})
	}
	wg.Wait()

	for i, call := range calls {
		res := results[i]

		status := entity.ToolCallSuccess
		if !res.Success {
			status = entity.ToolCallError
		}
		emit(entity.Event{
			Type:       entity.EventToolCallResult,
			CallID:     call.ID,
			Result:     &res,
			CallStatus: status,
			Timestamp:  time.Now(),
		})
		if res.Success && (call.Name == "write_file" || call.Name == "batch_replace") {
			path, _ := res.Metadata["path"].(string)
			emit(entity.Event{
				Type:      entity.EventCodePatch,
				CallID:    call.ID,
				Path:      path,
				Timestamp: time.Now(),
			})
		}

		meta := map[string]any{"success": res.Success}
		if code := res.ErrorCode(); code != "" {
			meta["error"] = code
		}
		if _, err := a.opts.Store.AppendMessage(a.opts.SessionID, entity.Message{
			Role:       entity.RoleTool,
			Content:    res.Output,
			ToolCallID: call.ID,
			Metadata:   meta,
		}); err != nil {
			return err
		}
	}

	if ctx.Err() != nil {
		return entity.WrapError(entity.CodeAborted, "run canceled during tool execution", ctx.Err())
	}
	return nil
}

// maybeCompact applies compaction when a threshold is crossed.
func (a *Agent) maybeCompact(ctx context.Context, emit entity.StreamCallback) error {
	if a.opts.Compactor == nil {
		return nil
	}
	sess, err := a.opts.Store.LoadSession(a.opts.SessionID)
	if err != nil {
		return err
	}
	a.mu.Lock()
	usage := a.lastUsage
	a.mu.Unlock()

	if !a.opts.Compactor.ShouldCompact(sess.Messages, usage) {
		return nil
	}

	prefixLen, replacement, ok, err := a.opts.Compactor.Compact(ctx, sess.Messages)
	if err != nil || !ok {
		return err
	}
	updated, err := a.opts.Store.ReplacePrefix(a.opts.SessionID, prefixLen, replacement)
	if err != nil {
		return err
	}

	emit(entity.Event{
		Type:      entity.EventCompaction,
		Message:   fmt.Sprintf("compacted %d messages into a summary", prefixLen-len(replacement)+1),
		Timestamp: time.Now(),
	})
	a.logger.Info("Session compacted",
		zap.Int("messages_after", updated.TotalMessages),
		zap.Int("compaction_count", updated.CompactionCount),
	)
	return nil
}

// emitter fans events to the callback and the bus.
func (a *Agent) emitter(cb entity.StreamCallback) entity.StreamCallback {
	return func(ev entity.Event) {
		if cb != nil {
			cb(ev)
		}
		if a.opts.Bus != nil {
			a.opts.Bus.Emit(ev)
		}
	}
}

func (a *Agent) fail(emit entity.StreamCallback, err error) error {
	if serr := a.state.to(entity.StateFailed); serr == nil {
		emit(entity.ErrorEvent(err, "run"))
		emit(entity.StatusEvent(entity.StateFailed, err.Error()))
	}
	return err
}

func (a *Agent) abort(emit entity.StreamCallback, err error) error {
	if serr := a.state.to(entity.StateAborted); serr == nil {
		emit(entity.StatusEvent(entity.StateAborted, ""))
	}
	return err
}
