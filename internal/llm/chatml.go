package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/loomhq/loom/internal/entity"
)

// Default endpoints per vendor. Overridable through config.
const (
	glmDefaultBase      = "https://open.bigmodel.cn/api/paas/v4"
	kimiDefaultBase     = "https://api.moonshot.cn/v1"
	minimaxDefaultBase  = "https://api.minimax.io/v1"
	deepseekDefaultBase = "https://api.deepseek.com/v1"
)

func init() {
	RegisterFactory("glm", func(creds Credentials) Adapter {
		return newChatAdapter("glm", creds, glmDefaultBase, true)
	})
	RegisterFactory("kimi", func(creds Credentials) Adapter {
		return newChatAdapter("kimi", creds, kimiDefaultBase, false)
	})
	RegisterFactory("minimax", func(creds Credentials) Adapter {
		return newChatAdapter("minimax", creds, minimaxDefaultBase, false)
	})
	RegisterFactory("deepseek", func(creds Credentials) Adapter {
		return newChatAdapter("deepseek", creds, deepseekDefaultBase, false)
	})
	RegisterFactory(VendorGeneric, func(creds Credentials) Adapter {
		if creds.BaseURL == "" {
			return nil
		}
		return newChatAdapter(VendorGeneric, creds, "", false)
	})
}

// chatAdapter speaks the OpenAI-compatible chat-completions dialect every
// supported vendor exposes. Vendor differences reduce to the base URL and
// whether the thinking knob is honored.
type chatAdapter struct {
	vendor           string
	baseURL          string
	apiKey           string
	supportsThinking bool
}

func newChatAdapter(vendor string, creds Credentials, defaultBase string, thinking bool) *chatAdapter {
	base := creds.BaseURL
	if base == "" {
		base = defaultBase
	}
	return &chatAdapter{
		vendor:           vendor,
		baseURL:          strings.TrimRight(base, "/"),
		apiKey:           creds.APIKey,
		supportsThinking: thinking,
	}
}

func (a *chatAdapter) Vendor() string { return a.vendor }

// Wire types for the outbound request body.

type wireToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type wireMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	ToolCalls  []wireToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

type wireTool struct {
	Type     string         `json:"type"`
	Function ToolDefinition `json:"function"`
}

type wireThinking struct {
	Type string `json:"type"`
}

type wireStreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type wireRequest struct {
	Model         string             `json:"model"`
	Messages      []wireMessage      `json:"messages"`
	Tools         []wireTool         `json:"tools,omitempty"`
	Temperature   *float64           `json:"temperature,omitempty"`
	MaxTokens     int                `json:"max_tokens,omitempty"`
	Stream        bool               `json:"stream"`
	StreamOptions *wireStreamOptions `json:"stream_options,omitempty"`
	Thinking      *wireThinking      `json:"thinking,omitempty"`
}

// BuildRequest marshals the normalized request into the vendor dialect.
// Reasoning content is never echoed back to the provider; it is display
// state, not conversation state.
func (a *chatAdapter) BuildRequest(ctx context.Context, req *Request) (*http.Request, error) {
	body := wireRequest{
		Model:       req.Model,
		Messages:    make([]wireMessage, 0, len(req.Messages)),
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Stream:      req.Stream,
	}
	for _, m := range req.Messages {
		body.Messages = append(body.Messages, toWireMessage(m))
	}
	for _, t := range req.Tools {
		body.Tools = append(body.Tools, wireTool{Type: "function", Function: t})
	}
	if req.Stream {
		body.StreamOptions = &wireStreamOptions{IncludeUsage: true}
	}
	if a.supportsThinking {
		switch req.ThinkingMode {
		case ThinkingEnabled:
			body.Thinking = &wireThinking{Type: "enabled"}
		case ThinkingDisabled:
			body.Thinking = &wireThinking{Type: "disabled"}
		}
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, entity.WrapError(entity.CodeBadRequest, "marshal request body", err)
	}

	url := a.baseURL + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, entity.WrapError(entity.CodeBadRequest, "build request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+a.apiKey)
	if req.Stream {
		httpReq.Header.Set("Accept", "text/event-stream")
	}
	return httpReq, nil
}

func toWireMessage(m entity.Message) wireMessage {
	wm := wireMessage{
		Role:       string(m.Role),
		Content:    m.Content,
		ToolCallID: m.ToolCallID,
	}
	for _, tc := range m.ToolCalls {
		wtc := wireToolCall{ID: tc.ID, Type: "function"}
		wtc.Function.Name = tc.Name
		wtc.Function.Arguments = tc.Arguments
		wm.ToolCalls = append(wm.ToolCalls, wtc)
	}
	return wm
}

// DecodeChunk parses one streaming frame. The normalized Chunk shares the
// wire layout, so this is a straight unmarshal.
func (a *chatAdapter) DecodeChunk(raw []byte) (*Chunk, error) {
	var chunk Chunk
	if err := json.Unmarshal(raw, &chunk); err != nil {
		return nil, fmt.Errorf("decode %s chunk: %w", a.vendor, err)
	}
	return &chunk, nil
}

// wireResponse is the non-streaming completion shape: a full message instead
// of a delta.
type wireResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Role             string         `json:"role"`
			Content          string         `json:"content"`
			ReasoningContent string         `json:"reasoning_content"`
			ToolCalls        []wireToolCall `json:"tool_calls"`
		} `json:"message"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *entity.Usage `json:"usage"`
}

// DecodeResponse maps a full completion onto a single chunk so downstream
// assembly is identical for both transport modes.
func (a *chatAdapter) DecodeResponse(raw []byte) (*Chunk, error) {
	var resp wireResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("decode %s response: %w", a.vendor, err)
	}
	chunk := &Chunk{ID: resp.ID, Model: resp.Model, Usage: resp.Usage}
	for _, choice := range resp.Choices {
		c := Choice{
			Delta: Delta{
				Role:             choice.Message.Role,
				Content:          choice.Message.Content,
				ReasoningContent: choice.Message.ReasoningContent,
			},
			FinishReason: choice.FinishReason,
		}
		for i, tc := range choice.Message.ToolCalls {
			delta := ToolCallDelta{Index: i, ID: tc.ID, Type: tc.Type}
			delta.Function.Name = tc.Function.Name
			delta.Function.Arguments = tc.Function.Arguments
			c.Delta.ToolCalls = append(c.Delta.ToolCalls, delta)
		}
		chunk.Choices = append(chunk.Choices, c)
	}
	return chunk, nil
}
