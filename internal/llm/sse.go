package llm

import (
	"bufio"
	"bytes"
	"context"
	"io"
	"sync"

	"go.uber.org/zap"
)

// DecodeFunc parses one raw SSE data payload into a normalized chunk.
type DecodeFunc func(raw []byte) (*Chunk, error)

var (
	dataPrefix = []byte("data:")
	doneMarker = []byte("[DONE]")
)

// scanner line limits. Provider frames are small, but a tool-call arguments
// delta can carry a large file payload in one line.
const (
	scanInitialBuf = 64 << 10
	scanMaxLine    = 4 << 20
)

// Scanner reads an SSE response body and yields normalized chunks one at a
// time. Framing rules:
//
//   - lines split on any run of CR/LF, empty lines skipped
//   - ":" comment lines and non-data fields (event:, id:) skipped
//   - "data:" payloads and bare JSON object lines are both accepted
//   - "[DONE]" terminates the stream
//   - payloads that fail to decode are dropped, not fatal
//   - a partial line at EOF is still processed
//
// The body is released exactly once, on every exit path.
type Scanner struct {
	ctx    context.Context
	body   io.ReadCloser
	sc     *bufio.Scanner
	decode DecodeFunc
	logger *zap.Logger

	closeOnce sync.Once
	finished  bool
}

// NewScanner wraps an SSE body. decode is typically Adapter.DecodeChunk.
func NewScanner(ctx context.Context, body io.ReadCloser, decode DecodeFunc, logger *zap.Logger) *Scanner {
	if logger == nil {
		logger = zap.NewNop()
	}
	sc := bufio.NewScanner(body)
	sc.Buffer(make([]byte, 0, scanInitialBuf), scanMaxLine)
	sc.Split(scanEventLines)
	return &Scanner{
		ctx:    ctx,
		body:   body,
		sc:     sc,
		decode: decode,
		logger: logger,
	}
}

// Next returns the next chunk. io.EOF signals normal termination ("[DONE]"
// or stream end); any other error is classified and terminal.
func (s *Scanner) Next() (*Chunk, error) {
	if s.finished {
		return nil, io.EOF
	}
	for s.sc.Scan() {
		line := bytes.TrimSpace(s.sc.Bytes())
		if len(line) == 0 || line[0] == ':' {
			continue
		}

		var payload []byte
		switch {
		case bytes.HasPrefix(line, dataPrefix):
			payload = bytes.TrimSpace(line[len(dataPrefix):])
		case line[0] == '{':
			// Some providers omit the SSE field name entirely.
			payload = line
		default:
			continue
		}

		if bytes.Equal(payload, doneMarker) {
			s.finish()
			return nil, io.EOF
		}

		chunk, err := s.decode(payload)
		if err != nil {
			s.logger.Debug("Dropping undecodable stream payload",
				zap.Error(err),
				zap.Int("bytes", len(payload)),
			)
			continue
		}
		return chunk, nil
	}

	err := s.sc.Err()
	s.finish()
	if err != nil {
		return nil, classifyTransportError(s.ctx, err)
	}
	return nil, io.EOF
}

func (s *Scanner) finish() {
	s.finished = true
	s.Close()
}

// Close releases the response body. Safe to call multiple times and
// required if the caller abandons the stream early.
func (s *Scanner) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.body.Close()
	})
	return err
}

// scanEventLines is a bufio.SplitFunc that treats any run of CR/LF bytes as
// a single separator, so CRLF, bare CR, and bare LF framings all work, and
// flushes a trailing partial line at EOF.
func scanEventLines(data []byte, atEOF bool) (advance int, token []byte, err error) {
	start := 0
	for start < len(data) && (data[start] == '\n' || data[start] == '\r') {
		start++
	}
	for i := start; i < len(data); i++ {
		if data[i] == '\n' || data[i] == '\r' {
			return i + 1, data[start:i], nil
		}
	}
	if atEOF {
		if start < len(data) {
			return len(data), data[start:], nil
		}
		return start, nil, nil
	}
	return start, nil, nil
}

// Drain consumes the remainder of the stream, returning the chunks in order.
// Used by the non-streaming path in tests and by callers that want the whole
// turn at once.
func (s *Scanner) Drain() ([]*Chunk, error) {
	var chunks []*Chunk
	for {
		chunk, err := s.Next()
		if err == io.EOF {
			return chunks, nil
		}
		if err != nil {
			return chunks, err
		}
		chunks = append(chunks, chunk)
	}
}
