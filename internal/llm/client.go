package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/loomhq/loom/internal/entity"
)

const (
	// defaultRequestTimeout bounds the whole request when the caller's context
	// carries no deadline. Streams can legitimately run for minutes; the idle
	// timeout below is the primary liveness signal.
	defaultRequestTimeout = 300 * time.Second

	// defaultIdleTimeout is the longest we wait between body reads before
	// declaring the stream dead.
	defaultIdleTimeout = 60 * time.Second

	maxErrorBodyBytes = 8 << 10
)

// Client issues provider requests over a shared, tuned transport and
// classifies every failure into a stable error code.
type Client struct {
	hc             *http.Client
	requestTimeout time.Duration
	idleTimeout    time.Duration
	logger         *zap.Logger
}

// ClientOption customizes client construction.
type ClientOption func(*Client)

// WithRequestTimeout overrides the default whole-request deadline applied
// when the caller's context has none. Zero disables the default.
func WithRequestTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.requestTimeout = d }
}

// WithIdleTimeout overrides the between-reads body timeout. Zero disables it.
func WithIdleTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.idleTimeout = d }
}

// WithHTTPClient swaps the underlying http.Client, mainly for tests.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.hc = hc }
}

// NewClient builds a client with connection pooling suitable for repeated
// calls to the same provider host.
func NewClient(logger *zap.Logger, opts ...ClientOption) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{
		hc: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
		requestTimeout: defaultRequestTimeout,
		idleTimeout:    defaultIdleTimeout,
		logger:         logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Do sends req and returns the response with a live body on 2xx. Non-2xx
// responses and transport failures come back as classified *entity.Error.
// The returned body enforces the idle timeout and, when a default deadline
// was injected, releases it on Close.
func (c *Client) Do(ctx context.Context, req *http.Request) (*http.Response, error) {
	cancel := context.CancelFunc(nil)
	if _, hasDeadline := ctx.Deadline(); !hasDeadline && c.requestTimeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, c.requestTimeout)
	}

	resp, err := c.hc.Do(req.WithContext(ctx))
	if err != nil {
		if cancel != nil {
			cancel()
		}
		return nil, classifyTransportError(ctx, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		if cancel != nil {
			defer cancel()
		}
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		c.logger.Warn("Provider returned error status",
			zap.Int("status", resp.StatusCode),
			zap.String("url", req.URL.Redacted()),
			zap.ByteString("body", body),
		)
		return nil, classifyStatus(resp.StatusCode, string(body), resp.Header)
	}

	resp.Body = &bodyReader{
		rc:     resp.Body,
		idle:   c.idleTimeout,
		cancel: cancel,
	}
	return resp, nil
}

// Stream issues a streaming request through the adapter and returns a
// scanner over the normalized chunks.
func (c *Client) Stream(ctx context.Context, a Adapter, req *Request) (*Scanner, error) {
	req.Stream = true
	httpReq, err := a.BuildRequest(ctx, req)
	if err != nil {
		return nil, err
	}
	resp, err := c.Do(ctx, httpReq)
	if err != nil {
		return nil, err
	}
	return NewScanner(ctx, resp.Body, a.DecodeChunk, c.logger), nil
}

// Complete issues a non-streaming request and returns the single chunk the
// full response maps to.
func (c *Client) Complete(ctx context.Context, a Adapter, req *Request) (*Chunk, error) {
	req.Stream = false
	httpReq, err := a.BuildRequest(ctx, req)
	if err != nil {
		return nil, err
	}
	resp, err := c.Do(ctx, httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classifyTransportError(ctx, err)
	}
	chunk, err := a.DecodeResponse(raw)
	if err != nil {
		return nil, entity.WrapError(entity.CodeParseFailed, "decode completion response", err)
	}
	return chunk, nil
}

// bodyReader wraps a response body with an idle watchdog: if a single Read
// blocks past the idle window the underlying body is closed, surfacing
// BODY_TIMEOUT instead of hanging the stream.
type bodyReader struct {
	rc       io.ReadCloser
	idle     time.Duration
	cancel   context.CancelFunc
	timedOut atomic.Bool
	closed   atomic.Bool
}

func (b *bodyReader) Read(p []byte) (int, error) {
	if b.idle <= 0 {
		return b.readClassified(p, nil)
	}
	watchdog := time.AfterFunc(b.idle, func() {
		b.timedOut.Store(true)
		b.rc.Close()
	})
	return b.readClassified(p, watchdog)
}

func (b *bodyReader) readClassified(p []byte, watchdog *time.Timer) (int, error) {
	n, err := b.rc.Read(p)
	if watchdog != nil {
		watchdog.Stop()
	}
	if err == nil || err == io.EOF {
		return n, err
	}
	if b.timedOut.Load() {
		return n, entity.WrapError(entity.CodeBodyTimeout,
			fmt.Sprintf("no bytes from stream within %s", b.idle), err)
	}
	return n, err
}

func (b *bodyReader) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := b.rc.Close()
	if b.cancel != nil {
		b.cancel()
	}
	return err
}

// classifyTransportError maps a failed round-trip or body read onto the
// stable taxonomy. Caller cancellation wins over everything else.
func classifyTransportError(ctx context.Context, err error) *entity.Error {
	var classified *entity.Error
	if errors.As(err, &classified) {
		return classified
	}
	if errors.Is(err, context.Canceled) || ctx.Err() == context.Canceled {
		return entity.WrapError(entity.CodeAborted, "request canceled", err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return entity.WrapError(entity.CodeTimeout, "request deadline exceeded", err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return entity.WrapError(entity.CodeTimeout, "network timeout", err)
		}
		return entity.WrapError(entity.CodeNetworkError, "request failed", err)
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		// Server hung up mid-body; the connection is the problem, not us.
		return entity.WrapError(entity.CodeNetworkError, "stream ended unexpectedly", err)
	}
	// Anything unrecognized is terminal: retrying a deterministic failure
	// just burns the retry budget.
	return entity.WrapError(entity.CodeLLMError, "request failed", err)
}

// classifyStatus maps an HTTP error status onto the taxonomy. 429 responses
// carry the server's suggested wait when a Retry-After header is present.
func classifyStatus(status int, body string, header http.Header) *entity.Error {
	msg := strings.TrimSpace(body)
	if msg == "" {
		msg = http.StatusText(status)
	}

	var code entity.ErrorCode
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		code = entity.CodeAuthFailed
	case status == http.StatusNotFound:
		code = entity.CodeNotFound
	case status == http.StatusRequestTimeout:
		code = entity.CodeTimeout
	case status == http.StatusTooManyRequests:
		code = entity.CodeRateLimited
	case status >= 500:
		code = entity.CodeServerError
	case status == http.StatusBadRequest:
		code = entity.CodeBadRequest
	default:
		code = entity.CodeLLMError
	}

	e := entity.NewError(code, fmt.Sprintf("provider returned %d: %s", status, msg))
	e.StatusCode = status
	if code == entity.CodeRateLimited {
		e.RetryAfter = parseRetryAfter(header.Get("Retry-After"))
	}
	return e
}

// parseRetryAfter handles both delta-seconds and HTTP-date forms. Unparseable
// or past values yield zero.
func parseRetryAfter(v string) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
