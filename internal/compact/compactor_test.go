package compact

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomhq/loom/internal/entity"
)

type fakeSummarizer struct {
	summary string
	err     error
	got     []entity.Message
}

func (f *fakeSummarizer) Summarize(_ context.Context, msgs []entity.Message) (string, error) {
	f.got = msgs
	return f.summary, f.err
}

func msg(role entity.Role, content string) entity.Message {
	return entity.Message{Role: role, Content: content}
}

func conversation(n int) []entity.Message {
	msgs := []entity.Message{msg(entity.RoleSystem, "you are an agent")}
	for i := 0; i < n; i++ {
		if i%2 == 0 {
			msgs = append(msgs, msg(entity.RoleUser, fmt.Sprintf("question %d", i)))
		} else {
			msgs = append(msgs, msg(entity.RoleAssistant, fmt.Sprintf("answer %d", i)))
		}
	}
	return msgs
}

func testConfig() Config {
	return Config{MaxMessages: 10, ContextRatio: 0.9, ContextWindow: 1000, KeepRecent: 4}
}

func TestShouldCompact_MessageThreshold(t *testing.T) {
	c := New(testConfig(), nil, nil, nil)

	assert.False(t, c.ShouldCompact(conversation(9), nil))
	assert.True(t, c.ShouldCompact(conversation(12), nil))
}

func TestShouldCompact_TokenRatioFromUsage(t *testing.T) {
	c := New(testConfig(), nil, nil, nil)
	msgs := conversation(4)

	assert.False(t, c.ShouldCompact(msgs, &entity.Usage{PromptTokens: 500}))
	assert.True(t, c.ShouldCompact(msgs, &entity.Usage{PromptTokens: 900}))
}

func TestShouldCompact_EstimatedTokens(t *testing.T) {
	c := New(testConfig(), nil, nil, nil)
	// One enormous message blows the estimated ratio before the message
	// count threshold.
	msgs := []entity.Message{msg(entity.RoleUser, strings.Repeat("word ", 5000))}
	assert.True(t, c.ShouldCompact(msgs, nil))
}

func TestPlan_PreservesSystemPrefixAndTail(t *testing.T) {
	c := New(testConfig(), nil, nil, nil)
	msgs := conversation(12) // 13 total with system

	systemLen, prefixLen, ok := c.Plan(msgs)
	require.True(t, ok)
	assert.Equal(t, 1, systemLen)
	assert.Equal(t, len(msgs)-4, prefixLen)
}

func TestPlan_TailNeverStartsWithToolResult(t *testing.T) {
	c := New(testConfig(), nil, nil, nil)

	msgs := []entity.Message{
		msg(entity.RoleSystem, "sys"),
		msg(entity.RoleUser, "u1"),
		msg(entity.RoleAssistant, "a1"),
		msg(entity.RoleUser, "u2"),
		msg(entity.RoleAssistant, "a2"),
		{Role: entity.RoleAssistant, ToolCalls: []entity.ToolCall{{ID: "c1", Name: "bash"}}},
		{Role: entity.RoleTool, ToolCallID: "c1", Content: "result-1"},
		{Role: entity.RoleTool, ToolCallID: "c2", Content: "result-2"},
		msg(entity.RoleAssistant, "final"),
		msg(entity.RoleUser, "next request"),
	}
	// KeepRecent 4 would start the tail at the tool results; the boundary
	// must retreat to the assistant turn that issued the calls.
	_, prefixLen, ok := c.Plan(msgs)
	require.True(t, ok)
	assert.Equal(t, entity.RoleAssistant, msgs[prefixLen].Role)
	assert.NotEmpty(t, msgs[prefixLen].ToolCalls)
}

func TestPlan_TooSmallToCompact(t *testing.T) {
	c := New(testConfig(), nil, nil, nil)
	_, _, ok := c.Plan(conversation(4))
	assert.False(t, ok)
}

func TestCompact_UsesSummarizerAndFlagsSummary(t *testing.T) {
	fake := &fakeSummarizer{summary: "they discussed parser fixes"}
	c := New(testConfig(), nil, fake, nil)
	msgs := conversation(12)

	prefixLen, replacement, ok, err := c.Compact(context.Background(), msgs)
	require.NoError(t, err)
	require.True(t, ok)

	// Replacement: system prefix + one summary assistant message.
	require.Len(t, replacement, 2)
	assert.Equal(t, entity.RoleSystem, replacement[0].Role)
	assert.Equal(t, entity.RoleAssistant, replacement[1].Role)
	assert.True(t, replacement[1].IsCompactionSummary())
	assert.Contains(t, replacement[1].Content, "parser fixes")
	assert.Less(t, len(replacement), prefixLen)

	// The summarizer saw only the compacted region, not system or tail.
	require.NotEmpty(t, fake.got)
	assert.NotEqual(t, entity.RoleSystem, fake.got[0].Role)
	assert.Equal(t, len(msgs)-1-4, len(fake.got))
}

func TestCompact_FallsBackWhenSummarizerFails(t *testing.T) {
	fake := &fakeSummarizer{err: errors.New("provider down")}
	c := New(testConfig(), nil, fake, nil)

	_, replacement, ok, err := c.Compact(context.Background(), conversation(12))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Contains(t, replacement[1].Content, "question 0")
}

func TestCompact_AbortPropagates(t *testing.T) {
	fake := &fakeSummarizer{err: entity.NewError(entity.CodeAborted, "canceled")}
	c := New(testConfig(), nil, fake, nil)

	_, _, _, err := c.Compact(context.Background(), conversation(12))
	assert.True(t, entity.IsAborted(err))
}

func TestCompact_NothingToDo(t *testing.T) {
	c := New(testConfig(), nil, &fakeSummarizer{summary: "x"}, nil)
	_, _, ok, err := c.Compact(context.Background(), conversation(3))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFallbackSummary_SkipsPriorSummaries(t *testing.T) {
	msgs := []entity.Message{
		{Role: entity.RoleAssistant, Content: "old summary", Metadata: map[string]any{"compacted": true}},
		msg(entity.RoleUser, "real question"),
		{Role: entity.RoleAssistant, Content: "did things", ToolCalls: []entity.ToolCall{{Name: "bash"}}},
	}
	got := fallbackSummary(msgs)
	assert.NotContains(t, got, "old summary")
	assert.Contains(t, got, "real question")
	assert.Contains(t, got, "(ran bash)")
}

func TestEstimator_Monotonic(t *testing.T) {
	e := NewEstimator()
	short := e.CountText("hello")
	long := e.CountText(strings.Repeat("hello world ", 100))
	assert.Greater(t, long, short)
	assert.Zero(t, e.CountText(""))

	m := entity.Message{Role: entity.RoleAssistant, Content: "hi",
		ToolCalls: []entity.ToolCall{{Name: "bash", Arguments: `{"command":"ls"}`}}}
	assert.Greater(t, e.CountMessage(m), e.CountText("hi"))
}
