package stream

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/loomhq/loom/internal/entity"
	"github.com/loomhq/loom/internal/llm"
)

// DefaultBudget caps the total bytes accumulated across content, reasoning,
// and tool-call arguments for one assistant turn.
const DefaultBudget = 2 << 20

type phase int

const (
	phaseIdle phase = iota
	phaseReasoning
	phaseText
)

// Processor folds a chunk stream into one assembled assistant turn, emitting
// segment lifecycle events as it goes. It is single-use: one processor per
// provider call.
type Processor struct {
	cb     entity.StreamCallback
	logger *zap.Logger
	budget int

	phase     phase
	content   strings.Builder
	reasoning strings.Builder

	calls     map[int]*entity.ToolCall
	callArgs  map[int]*strings.Builder
	callOrder []int

	finish   string
	usage    *entity.Usage
	total    int
	overflow bool
	closed   bool
}

// Option configures a processor.
type Option func(*Processor)

// WithBudget overrides the accumulation cap. Zero or negative keeps the
// default.
func WithBudget(n int) Option {
	return func(p *Processor) {
		if n > 0 {
			p.budget = n
		}
	}
}

// New creates a processor. cb may be nil for headless assembly.
func New(cb entity.StreamCallback, logger *zap.Logger, opts ...Option) *Processor {
	if cb == nil {
		cb = func(entity.Event) {}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Processor{
		cb:       cb,
		logger:   logger,
		budget:   DefaultBudget,
		calls:    make(map[int]*entity.ToolCall),
		callArgs: make(map[int]*strings.Builder),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Consume folds one chunk into the turn. Returns BUFFER_OVERFLOW once the
// accumulation budget is exhausted; the caller must stop feeding chunks and
// fail the turn.
func (p *Processor) Consume(chunk *llm.Chunk) error {
	if p.closed {
		return entity.NewError(entity.CodeParseFailed, "consume after finalize")
	}
	if chunk == nil {
		return nil
	}
	if chunk.Usage != nil {
		p.usage = chunk.Usage
	}
	for _, choice := range chunk.Choices {
		if err := p.consumeDelta(choice.Delta); err != nil {
			return err
		}
		if choice.FinishReason != nil && *choice.FinishReason != "" {
			p.finish = *choice.FinishReason
		}
	}
	return nil
}

func (p *Processor) consumeDelta(d llm.Delta) error {
	if d.ReasoningContent != "" {
		if err := p.charge(len(d.ReasoningContent)); err != nil {
			return err
		}
		p.enterPhase(phaseReasoning)
		p.reasoning.WriteString(d.ReasoningContent)
		p.emit(entity.Event{Type: entity.EventReasoningDelta, Content: d.ReasoningContent})
	}
	if d.Content != "" {
		if err := p.charge(len(d.Content)); err != nil {
			return err
		}
		p.enterPhase(phaseText)
		p.content.WriteString(d.Content)
		p.emit(entity.Event{Type: entity.EventTextDelta, Content: d.Content})
	}
	for _, tc := range d.ToolCalls {
		if err := p.consumeToolCall(tc); err != nil {
			return err
		}
	}
	return nil
}

// consumeToolCall accumulates a fragment. Fragments are correlated by chunk
// index, never by id — ids only appear on the first fragment.
func (p *Processor) consumeToolCall(tc llm.ToolCallDelta) error {
	if err := p.charge(len(tc.Function.Arguments)); err != nil {
		return err
	}
	p.closePhase()

	call, seen := p.calls[tc.Index]
	if !seen {
		call = &entity.ToolCall{Status: entity.ToolCallPending}
		p.calls[tc.Index] = call
		p.callArgs[tc.Index] = &strings.Builder{}
		p.callOrder = append(p.callOrder, tc.Index)
	}
	if tc.ID != "" {
		call.ID = tc.ID
	}
	if tc.Function.Name != "" {
		call.Name = tc.Function.Name
	}
	if tc.Function.Arguments != "" {
		p.callArgs[tc.Index].WriteString(tc.Function.Arguments)
		p.emit(entity.Event{
			Type:    entity.EventToolCallStream,
			CallID:  call.ID,
			Content: tc.Function.Arguments,
		})
	}
	return nil
}

func (p *Processor) charge(n int) error {
	p.total += n
	if p.total <= p.budget {
		return nil
	}
	if !p.overflow {
		p.overflow = true
		p.logger.Warn("Stream accumulation budget exceeded",
			zap.Int("budget", p.budget),
			zap.Int("accumulated", p.total),
		)
	}
	return entity.NewError(entity.CodeBufferOverflow,
		fmt.Sprintf("stream exceeded %d byte budget", p.budget))
}

// enterPhase closes the current segment and opens the requested one, emitting
// the matching lifecycle events.
func (p *Processor) enterPhase(next phase) {
	if p.phase == next {
		return
	}
	p.closePhase()
	p.phase = next
	switch next {
	case phaseReasoning:
		p.emit(entity.Event{Type: entity.EventReasoningStart})
	case phaseText:
		p.emit(entity.Event{Type: entity.EventTextStart})
	}
}

func (p *Processor) closePhase() {
	switch p.phase {
	case phaseReasoning:
		p.emit(entity.Event{Type: entity.EventReasoningComplete, Content: p.reasoning.String()})
	case phaseText:
		p.emit(entity.Event{Type: entity.EventTextComplete, Content: p.content.String()})
	}
	p.phase = phaseIdle
}

// Finalize closes open segments and returns the assembled turn. A
// content_filter finish is terminal; tool calls are returned in chunk-index
// order with their accumulated argument strings, unparsed.
func (p *Processor) Finalize() (*entity.AssembledMessage, error) {
	if p.closed {
		return nil, entity.NewError(entity.CodeParseFailed, "finalize called twice")
	}
	p.closed = true
	p.closePhase()

	if p.overflow {
		// Hand back what accumulated, clipped, so callers can surface the
		// partial turn alongside the failure.
		partial := &entity.AssembledMessage{
			Content:      clipMiddle(p.content.String(), overflowKeep, overflowKeep),
			Reasoning:    clipMiddle(p.reasoning.String(), overflowKeep, overflowKeep),
			FinishReason: p.finish,
			Usage:        p.usage,
		}
		return partial, entity.NewError(entity.CodeBufferOverflow,
			fmt.Sprintf("stream exceeded %d byte budget", p.budget))
	}
	if p.finish == entity.FinishContentFilter {
		return nil, entity.NewError(entity.CodeContentFiltered, "provider filtered the response")
	}

	msg := &entity.AssembledMessage{
		Content:      p.content.String(),
		Reasoning:    p.reasoning.String(),
		FinishReason: p.finish,
		Usage:        p.usage,
	}

	sort.Ints(p.callOrder)
	for _, idx := range p.callOrder {
		call := *p.calls[idx]
		call.Arguments = p.callArgs[idx].String()
		if call.ID == "" {
			// Providers occasionally omit ids; synthesize a stable one so
			// tool results can still be correlated.
			call.ID = fmt.Sprintf("call_%d_%d", idx, time.Now().UnixNano())
		}
		msg.ToolCalls = append(msg.ToolCalls, call)
	}

	if msg.FinishReason == "" {
		if msg.HasToolCalls() {
			msg.FinishReason = entity.FinishToolCalls
		} else {
			msg.FinishReason = entity.FinishStop
		}
	}

	if msg.HasToolCalls() {
		p.emit(entity.Event{Type: entity.EventToolCallCreated, ToolCalls: msg.ToolCalls})
	}
	return msg, nil
}

func (p *Processor) emit(ev entity.Event) {
	ev.Timestamp = time.Now()
	p.cb(ev)
}

// overflowKeep bounds each end of a clipped overflow payload.
const overflowKeep = 4 << 10

// clipMiddle keeps the head and tail of an oversized payload with an ellipsis
// marker in between.
func clipMiddle(s string, head, tail int) string {
	if len(s) <= head+tail {
		return s
	}
	dropped := len(s) - head - tail
	return fmt.Sprintf("%s\n... [%d bytes truncated] ...\n%s", s[:head], dropped, s[len(s)-tail:])
}
