package entity

import (
	"errors"
	"fmt"
	"time"
)

// ErrorCode is a stable, machine-readable error identifier. Codes are part of
// the public surface: they appear in tool result metadata and event payloads.
type ErrorCode string

const (
	// Retryable transport errors.
	CodeTimeout      ErrorCode = "TIMEOUT"
	CodeBodyTimeout  ErrorCode = "BODY_TIMEOUT"
	CodeNetworkError ErrorCode = "NETWORK_ERROR"
	CodeRateLimited  ErrorCode = "RATE_LIMITED"
	CodeServerError  ErrorCode = "SERVER_ERROR"

	// Terminal transport errors.
	CodeAuthFailed      ErrorCode = "AUTH_FAILED"
	CodeNotFound        ErrorCode = "NOT_FOUND"
	CodeBadRequest      ErrorCode = "BAD_REQUEST"
	CodeContentFiltered ErrorCode = "CONTENT_FILTERED"
	CodeLLMError        ErrorCode = "LLM_ERROR"

	// Tool errors — encoded in ToolResult, never abort the loop.
	CodeToolNotFound     ErrorCode = "TOOL_NOT_FOUND"
	CodeInvalidArgs      ErrorCode = "INVALID_ARGS"
	CodeSchemaViolation  ErrorCode = "SCHEMA_VIOLATION"
	CodePlanModeForbid   ErrorCode = "TOOL_FORBIDDEN_IN_PLAN_MODE"
	CodeExecutionFailed  ErrorCode = "EXECUTION_FAILED"
	CodeCommandRequired  ErrorCode = "COMMAND_REQUIRED"
	CodeEmptyReplacement ErrorCode = "EMPTY_REPLACEMENTS"

	// Stream errors.
	CodeBufferOverflow ErrorCode = "BUFFER_OVERFLOW"
	CodeParseFailed    ErrorCode = "PARSE_FAILED"

	// Storage errors.
	CodeCorrupt          ErrorCode = "CORRUPT"
	CodeReadDirFailed    ErrorCode = "READ_DIR_FAILED"
	CodeCreateDirFailed  ErrorCode = "CREATE_DIR_FAILED"
	CodeInvalidSessionID ErrorCode = "INVALID_SESSION_ID"

	// Cancellation and loop control.
	CodeAborted   ErrorCode = "ABORTED"
	CodeAgentBusy ErrorCode = "AGENT_BUSY"
)

// retryableCodes drive the agent loop's backoff policy. Everything else is
// terminal or surfaced as data.
var retryableCodes = map[ErrorCode]bool{
	CodeTimeout:      true,
	CodeBodyTimeout:  true,
	CodeNetworkError: true,
	CodeRateLimited:  true,
	CodeServerError:  true,
}

// Error is the structured error used across the core. It wraps the original
// cause with classification metadata so the retry policy is a pure function
// of the classified result.
type Error struct {
	Code       ErrorCode
	Message    string
	StatusCode int           // HTTP status if applicable, 0 otherwise
	RetryAfter time.Duration // server-suggested wait, 0 if absent
	Cause      error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap enables errors.Is/errors.As on the cause chain.
func (e *Error) Unwrap() error { return e.Cause }

// Retryable reports whether the loop should retry after this error.
func (e *Error) Retryable() bool { return retryableCodes[e.Code] }

// NewError creates a classified error without a cause.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WrapError classifies an underlying error.
func WrapError(code ErrorCode, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// CodeOf extracts the stable code from an error chain. Unclassified errors
// report CodeLLMError (terminal).
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeLLMError
}

// IsRetryable reports whether an error chain contains a retryable code.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable()
	}
	return false
}

// IsAborted reports whether the error chain is a cancellation.
func IsAborted(err error) bool {
	return CodeOf(err) == CodeAborted
}

// RetryAfterOf returns the server-suggested wait from the chain, if any.
func RetryAfterOf(err error) time.Duration {
	var e *Error
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}
