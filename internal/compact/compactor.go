package compact

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/loomhq/loom/internal/entity"
	"github.com/loomhq/loom/internal/llm"
)

// Config holds the compaction thresholds. Either trigger fires.
type Config struct {
	MaxMessages   int
	ContextRatio  float64
	ContextWindow int
	KeepRecent    int
}

// DefaultConfig mirrors the shipped defaults.
func DefaultConfig() Config {
	return Config{
		MaxMessages:   40,
		ContextRatio:  0.9,
		ContextWindow: 128_000,
		KeepRecent:    8,
	}
}

// Summarizer condenses a message region into prose. Implementations may call
// the provider; failures fall back to a local extract.
type Summarizer interface {
	Summarize(ctx context.Context, msgs []entity.Message) (string, error)
}

// Compactor decides when a conversation needs compaction and computes the
// replacement prefix. It never mutates storage; the caller applies the plan
// through the store's ReplacePrefix.
type Compactor struct {
	cfg        Config
	est        *Estimator
	summarizer Summarizer
	logger     *zap.Logger
}

// New creates a compactor. summarizer may be nil, in which case only the
// local fallback summary is used.
func New(cfg Config, est *Estimator, summarizer Summarizer, logger *zap.Logger) *Compactor {
	if est == nil {
		est = NewEstimator()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxMessages <= 0 {
		cfg.MaxMessages = DefaultConfig().MaxMessages
	}
	if cfg.ContextRatio <= 0 {
		cfg.ContextRatio = DefaultConfig().ContextRatio
	}
	if cfg.ContextWindow <= 0 {
		cfg.ContextWindow = DefaultConfig().ContextWindow
	}
	if cfg.KeepRecent <= 0 {
		cfg.KeepRecent = DefaultConfig().KeepRecent
	}
	return &Compactor{cfg: cfg, est: est, summarizer: summarizer, logger: logger}
}

// ShouldCompact reports whether either threshold is crossed. The provider's
// own prompt token count, when available from the last turn, beats the local
// estimate.
func (c *Compactor) ShouldCompact(msgs []entity.Message, lastUsage *entity.Usage) bool {
	if len(msgs) > c.cfg.MaxMessages {
		return true
	}
	tokens := 0
	if lastUsage != nil && lastUsage.PromptTokens > 0 {
		tokens = lastUsage.PromptTokens
	} else {
		tokens = c.est.CountMessages(msgs)
	}
	return float64(tokens) >= c.cfg.ContextRatio*float64(c.cfg.ContextWindow)
}

// Plan computes the compaction boundary: how many leading messages to
// replace and where the preserved tail starts. The tail never begins with a
// tool result whose originating assistant turn was cut away, and leading
// system messages are always preserved.
func (c *Compactor) Plan(msgs []entity.Message) (systemLen, prefixLen int, ok bool) {
	systemLen = 0
	for systemLen < len(msgs) && msgs[systemLen].Role == entity.RoleSystem {
		systemLen++
	}

	tailStart := len(msgs) - c.cfg.KeepRecent
	if tailStart < systemLen {
		tailStart = systemLen
	}
	// Walk back over orphaned tool results and the summary's own landing
	// spot: a tail starting mid tool exchange would break provider message
	// pairing rules.
	for tailStart > systemLen && tailStart < len(msgs) && msgs[tailStart].Role == entity.RoleTool {
		tailStart--
	}

	// Compacting fewer than two messages is churn, not relief.
	if tailStart-systemLen < 2 {
		return systemLen, 0, false
	}
	return systemLen, tailStart, true
}

// Compact summarizes everything between the system prefix and the preserved
// tail and returns the replacement messages for ReplacePrefix: the original
// system messages followed by one flagged summary message. ok is false when
// there is nothing worth compacting.
func (c *Compactor) Compact(ctx context.Context, msgs []entity.Message) (prefixLen int, replacement []entity.Message, ok bool, err error) {
	systemLen, tailStart, ok := c.Plan(msgs)
	if !ok {
		return 0, nil, false, nil
	}
	region := msgs[systemLen:tailStart]

	summary := ""
	if c.summarizer != nil {
		summary, err = c.summarizer.Summarize(ctx, region)
		if err != nil {
			if entity.IsAborted(err) {
				return 0, nil, false, err
			}
			c.logger.Warn("Summarization failed, using local extract", zap.Error(err))
			summary = ""
		}
	}
	if strings.TrimSpace(summary) == "" {
		summary = fallbackSummary(region)
	}

	replacement = make([]entity.Message, 0, systemLen+1)
	replacement = append(replacement, msgs[:systemLen]...)
	replacement = append(replacement, entity.Message{
		Role:      entity.RoleAssistant,
		Content:   "Summary of the earlier conversation (compacted):\n\n" + summary,
		Metadata:  map[string]any{"compacted": true},
		Timestamp: time.Now().UTC(),
	})

	c.logger.Info("Compaction planned",
		zap.Int("replaced_messages", tailStart),
		zap.Int("kept_tail", len(msgs)-tailStart),
	)
	return tailStart, replacement, true, nil
}

// fallbackSummary extracts the assistant's own words when no model summary
// is available. It loses detail but keeps the thread recognizable.
func fallbackSummary(msgs []entity.Message) string {
	var parts []string
	for _, m := range msgs {
		if m.IsCompactionSummary() {
			// A summary of a summary compounds the loss.
			continue
		}
		switch m.Role {
		case entity.RoleUser:
			if m.Content != "" {
				parts = append(parts, "User asked: "+firstLine(m.Content))
			}
		case entity.RoleAssistant:
			if m.Content != "" {
				parts = append(parts, m.Content)
			}
			for _, tc := range m.ToolCalls {
				parts = append(parts, fmt.Sprintf("(ran %s)", tc.Name))
			}
		}
	}
	if len(parts) == 0 {
		return "No notable content in the compacted region."
	}
	out := strings.Join(parts, "\n")
	const maxLen = 4000
	if len(out) > maxLen {
		out = out[:maxLen] + "\n... [summary truncated]"
	}
	return out
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// LLMSummarizer asks the configured model to condense the region.
type LLMSummarizer struct {
	Client   *llm.Client
	Registry *llm.Registry
	Model    string
}

const summaryPrompt = "Condense the following conversation into a compact summary. " +
	"Preserve decisions, file paths, tool outcomes, and any unresolved questions. " +
	"Write plain prose, no preamble."

// Summarize renders the region as a transcript and requests a non-streaming
// completion.
func (s *LLMSummarizer) Summarize(ctx context.Context, msgs []entity.Message) (string, error) {
	adapter, err := s.Registry.Resolve(s.Model)
	if err != nil {
		return "", err
	}

	chunk, err := s.Client.Complete(ctx, adapter, &llm.Request{
		Model: s.Model,
		Messages: []entity.Message{
			{Role: entity.RoleSystem, Content: summaryPrompt},
			{Role: entity.RoleUser, Content: renderTranscript(msgs)},
		},
		ThinkingMode: llm.ThinkingDisabled,
	})
	if err != nil {
		return "", err
	}
	var b strings.Builder
	for _, choice := range chunk.Choices {
		b.WriteString(choice.Delta.Content)
	}
	return strings.TrimSpace(b.String()), nil
}

func renderTranscript(msgs []entity.Message) string {
	var b strings.Builder
	for _, m := range msgs {
		fmt.Fprintf(&b, "[%s] %s\n", m.Role, m.Content)
		for _, tc := range m.ToolCalls {
			fmt.Fprintf(&b, "[tool call] %s(%s)\n", tc.Name, tc.Arguments)
		}
	}
	return b.String()
}
