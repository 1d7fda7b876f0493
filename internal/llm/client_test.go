package llm

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomhq/loom/internal/entity"
)

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		status    int
		code      entity.ErrorCode
		retryable bool
	}{
		{400, entity.CodeBadRequest, false},
		{401, entity.CodeAuthFailed, false},
		{403, entity.CodeAuthFailed, false},
		{404, entity.CodeNotFound, false},
		{408, entity.CodeTimeout, true},
		{422, entity.CodeLLMError, false},
		{429, entity.CodeRateLimited, true},
		{500, entity.CodeServerError, true},
		{502, entity.CodeServerError, true},
		{503, entity.CodeServerError, true},
	}
	for _, tt := range tests {
		err := classifyStatus(tt.status, "", http.Header{})
		assert.Equal(t, tt.code, err.Code, "status %d", tt.status)
		assert.Equal(t, tt.retryable, err.Retryable(), "status %d", tt.status)
		assert.Equal(t, tt.status, err.StatusCode)
	}
}

func TestParseRetryAfter(t *testing.T) {
	assert.Equal(t, 30*time.Second, parseRetryAfter("30"))
	assert.Equal(t, time.Duration(0), parseRetryAfter(""))
	assert.Equal(t, time.Duration(0), parseRetryAfter("-5"))
	assert.Equal(t, time.Duration(0), parseRetryAfter("soon"))

	future := time.Now().Add(90 * time.Second).UTC().Format(http.TimeFormat)
	got := parseRetryAfter(future)
	assert.InDelta(t, 90*time.Second, got, float64(5*time.Second))

	past := time.Now().Add(-time.Minute).UTC().Format(http.TimeFormat)
	assert.Equal(t, time.Duration(0), parseRetryAfter(past))
}

func TestClient_RateLimitCarriesRetryAfter(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "7")
		w.WriteHeader(http.StatusTooManyRequests)
		io.WriteString(w, `{"error":{"message":"slow down"}}`)
	}))
	defer srv.Close()

	c := NewClient(nil)
	req, _ := http.NewRequest(http.MethodPost, srv.URL, strings.NewReader("{}"))
	_, err := c.Do(context.Background(), req)

	var classified *entity.Error
	require.ErrorAs(t, err, &classified)
	assert.Equal(t, entity.CodeRateLimited, classified.Code)
	assert.Equal(t, 7*time.Second, classified.RetryAfter)
	assert.Contains(t, classified.Message, "slow down")
}

func TestClient_CancellationBeatsOtherClassification(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	c := NewClient(nil)
	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	_, err := c.Do(ctx, req)
	assert.Equal(t, entity.CodeAborted, entity.CodeOf(err))
}

func TestClient_DefaultDeadlineClassifiesAsTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	c := NewClient(nil, WithRequestTimeout(30*time.Millisecond))
	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	_, err := c.Do(context.Background(), req)
	assert.Equal(t, entity.CodeTimeout, entity.CodeOf(err))
	assert.True(t, entity.IsRetryable(err))
}

func TestClient_ConnectionRefusedIsNetworkError(t *testing.T) {
	c := NewClient(nil, WithRequestTimeout(time.Second))
	req, _ := http.NewRequest(http.MethodGet, "http://127.0.0.1:1", nil)
	_, err := c.Do(context.Background(), req)
	assert.Equal(t, entity.CodeNetworkError, entity.CodeOf(err))
	assert.True(t, entity.IsRetryable(err))
}

func TestClient_BodyIdleTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, "data: {\"id\":\"first\"}\n\n")
		w.(http.Flusher).Flush()
		// Then stall far past the idle window.
		<-r.Context().Done()
	}))
	defer srv.Close()

	c := NewClient(nil, WithIdleTimeout(50*time.Millisecond))
	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	resp, err := c.Do(context.Background(), req)
	require.NoError(t, err)
	defer resp.Body.Close()

	buf := make([]byte, 1024)
	n, err := resp.Body.Read(buf)
	require.NoError(t, err)
	assert.Contains(t, string(buf[:n]), "first")

	_, err = resp.Body.Read(buf)
	assert.Equal(t, entity.CodeBodyTimeout, entity.CodeOf(err))
	assert.True(t, entity.IsRetryable(err))
}

func TestClient_StreamEndToEnd(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "text/event-stream", r.Header.Get("Accept"))
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "text/event-stream")
		io.WriteString(w, "data: {\"choices\":[{\"delta\":{\"content\":\"hi\"}}]}\n\n")
		io.WriteString(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	c := NewClient(nil)
	adapter := newChatAdapter("glm", Credentials{BaseURL: srv.URL, APIKey: "test-key"}, "", true)
	scanner, err := c.Stream(context.Background(), adapter, &Request{
		Model:    "glm-4.7",
		Messages: []entity.Message{{Role: entity.RoleUser, Content: "hello"}},
	})
	require.NoError(t, err)

	chunks, err := scanner.Drain()
	require.NoError(t, err)
	require.Len(t, chunks, 1)
	assert.Equal(t, "hi", chunks[0].Choices[0].Delta.Content)
}

func TestClient_CompleteMapsFullResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{
			"id": "resp-1",
			"choices": [{
				"message": {
					"role": "assistant",
					"content": "done",
					"tool_calls": [{"id":"c1","type":"function","function":{"name":"bash","arguments":"{\"command\":\"ls\"}"}}]
				},
				"finish_reason": "tool_calls"
			}],
			"usage": {"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15}
		}`)
	}))
	defer srv.Close()

	c := NewClient(nil)
	adapter := newChatAdapter("kimi", Credentials{BaseURL: srv.URL, APIKey: "k"}, "", false)
	chunk, err := c.Complete(context.Background(), adapter, &Request{Model: "kimi-k2"})
	require.NoError(t, err)

	assert.Equal(t, "done", chunk.Choices[0].Delta.Content)
	assert.Equal(t, "tool_calls", chunk.FinishReason())
	require.Len(t, chunk.Choices[0].Delta.ToolCalls, 1)
	assert.Equal(t, "bash", chunk.Choices[0].Delta.ToolCalls[0].Function.Name)
	assert.Equal(t, 15, chunk.Usage.Total())
}

func TestClassifyTransportError_PassesThroughClassified(t *testing.T) {
	orig := entity.NewError(entity.CodeBodyTimeout, "stalled")
	got := classifyTransportError(context.Background(), orig)
	assert.Same(t, orig, got)
}

func TestClassifyTransportError_UnknownErrorIsTerminal(t *testing.T) {
	// A non-network failure, e.g. a broken request body reader, must not be
	// retried as if the connection were flaky.
	got := classifyTransportError(context.Background(), errors.New("body reader exploded"))
	assert.Equal(t, entity.CodeLLMError, got.Code)
	assert.False(t, entity.IsRetryable(got))

	got = classifyTransportError(context.Background(), io.ErrUnexpectedEOF)
	assert.Equal(t, entity.CodeNetworkError, got.Code)
	assert.True(t, entity.IsRetryable(got))
}
