package domain

import (
	"context"
	"errors"
	"fmt"
)

// Category sentinels. Domain errors wrap one of these so callers can branch
// on the failure class with errors.Is without caring about the specific
// operation that failed.
var (
	ErrNotFound      = errors.New("not found")
	ErrDuplicate     = errors.New("duplicate")
	ErrTimeout       = errors.New("operation timed out")
	ErrLimitReached  = errors.New("limit reached")
	ErrInvalidInput  = errors.New("invalid input")
	ErrProviderError = errors.New("provider error")
	ErrStorage       = errors.New("storage failure")

	// ErrToolFailure marks a tool handler failure. Tool failures surface to
	// the model as error results and are never retried by the execution loop.
	ErrToolFailure = errors.New("tool execution failed")

	// ErrCancelled marks a generation cut short by context cancellation.
	ErrCancelled = errors.New("cancelled")
)

// Domain sentinels, each wrapping a category sentinel.
var (
	ErrThreadNotFound   = fmt.Errorf("thread %w", ErrNotFound)
	ErrMessageNotFound  = fmt.Errorf("message %w", ErrNotFound)
	ErrToolNotFound     = fmt.Errorf("tool %w", ErrNotFound)
	ErrProviderNotFound = fmt.Errorf("llm provider %w", ErrNotFound)

	ErrDuplicateTool = fmt.Errorf("%w tool registration", ErrDuplicate)

	// ErrMaxSteps is returned when the execution loop exhausts its step
	// budget with the model still requesting tools. Appended history and
	// the partial step trace are preserved.
	ErrMaxSteps = fmt.Errorf("agent step %w", ErrLimitReached)

	// ErrContextOverflow marks a conversation that exceeds the model's
	// context window.
	ErrContextOverflow = fmt.Errorf("context window %w", ErrLimitReached)

	// ErrRateLimit marks provider 429 responses. Retryable.
	ErrRateLimit = fmt.Errorf("provider rate %w", ErrLimitReached)

	// ErrProviderUnavailable marks provider 5xx responses. Retryable.
	ErrProviderUnavailable = fmt.Errorf("%w: upstream unavailable", ErrProviderError)

	// ErrAuthInvalid marks provider 401/403 responses. Fatal.
	ErrAuthInvalid = fmt.Errorf("%w: authentication rejected", ErrProviderError)

	// Gateway / RPC errors.
	ErrGatewayAuthFailed = fmt.Errorf("gateway %w", ErrAuthInvalid)
	ErrRPCMethodNotFound = fmt.Errorf("rpc method %w", ErrNotFound)
	ErrRPCInvalidPayload = fmt.Errorf("%w: rpc payload", ErrInvalidInput)
)

// DomainError wraps a sentinel with the operation that failed and optional
// detail. It participates in errors.Is/As chains through Unwrap.
type DomainError struct {
	Op     string // operation, e.g. "ThreadService.Get"
	Err    error  // wrapped sentinel or cause
	Detail string // optional context, e.g. an entity ID
}

// Error implements the error interface.
func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

// Unwrap returns the wrapped error.
func (e *DomainError) Unwrap() error { return e.Err }

// Code returns the stable string code for the wrapped error.
func (e *DomainError) Code() ErrorCode { return ErrorCodeOf(e.Err) }

// NewDomainError creates a DomainError with operation context.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// WrapOp wraps err with operation context. Returns nil when err is nil.
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return &DomainError{Op: op, Err: err}
}

// IsRetryableError reports whether err is transient: a later attempt with
// identical input may succeed.
func IsRetryableError(err error) bool {
	return errors.Is(err, ErrRateLimit) ||
		errors.Is(err, ErrProviderUnavailable) ||
		errors.Is(err, ErrTimeout)
}

// ErrorCode is a stable machine-readable error identifier used in gateway
// frames and terminal stream events.
type ErrorCode string

const (
	CodeThreadNotFound   ErrorCode = "THREAD_NOT_FOUND"
	CodeMessageNotFound  ErrorCode = "MESSAGE_NOT_FOUND"
	CodeToolNotFound     ErrorCode = "TOOL_NOT_FOUND"
	CodeProviderNotFound ErrorCode = "PROVIDER_NOT_FOUND"
	CodeDuplicateTool    ErrorCode = "DUPLICATE_TOOL"
	CodeMaxSteps         ErrorCode = "MAX_STEPS"
	CodeContextOverflow  ErrorCode = "CONTEXT_OVERFLOW"
	CodeRateLimit        ErrorCode = "RATE_LIMIT"
	CodeProviderDown     ErrorCode = "PROVIDER_UNAVAILABLE"
	CodeAuthInvalid      ErrorCode = "AUTH_INVALID"
	CodeGatewayAuth      ErrorCode = "GATEWAY_AUTH_FAILED"
	CodeRPCMethod        ErrorCode = "RPC_METHOD_NOT_FOUND"
	CodeRPCPayload       ErrorCode = "RPC_INVALID_PAYLOAD"

	CodeNotFound     ErrorCode = "NOT_FOUND"
	CodeDuplicate    ErrorCode = "DUPLICATE"
	CodeTimeout      ErrorCode = "TIMEOUT"
	CodeLimitReached ErrorCode = "LIMIT_REACHED"
	CodeInvalidInput ErrorCode = "INVALID_INPUT"
	CodeProvider     ErrorCode = "PROVIDER_ERROR"
	CodeStorage      ErrorCode = "STORAGE"
	CodeToolFailure  ErrorCode = "TOOL_FAILURE"
	CodeCancelled    ErrorCode = "CANCELLED"
	CodeUnknown      ErrorCode = "UNKNOWN"
)

// errorCodes maps sentinels to codes. Specific sentinels are listed before
// their categories because the first errors.Is match wins.
var errorCodes = []struct {
	sentinel error
	code     ErrorCode
}{
	{ErrThreadNotFound, CodeThreadNotFound},
	{ErrMessageNotFound, CodeMessageNotFound},
	{ErrToolNotFound, CodeToolNotFound},
	{ErrProviderNotFound, CodeProviderNotFound},
	{ErrDuplicateTool, CodeDuplicateTool},
	{ErrMaxSteps, CodeMaxSteps},
	{ErrContextOverflow, CodeContextOverflow},
	{ErrRateLimit, CodeRateLimit},
	{ErrProviderUnavailable, CodeProviderDown},
	{ErrGatewayAuthFailed, CodeGatewayAuth},
	{ErrAuthInvalid, CodeAuthInvalid},
	{ErrRPCMethodNotFound, CodeRPCMethod},
	{ErrRPCInvalidPayload, CodeRPCPayload},

	{ErrNotFound, CodeNotFound},
	{ErrDuplicate, CodeDuplicate},
	{ErrTimeout, CodeTimeout},
	{ErrLimitReached, CodeLimitReached},
	{ErrInvalidInput, CodeInvalidInput},
	{ErrProviderError, CodeProvider},
	{ErrStorage, CodeStorage},
	{ErrToolFailure, CodeToolFailure},
	{ErrCancelled, CodeCancelled},
}

// ErrorCodeOf maps any error to its stable code. Unrecognized and nil errors
// map to CodeUnknown.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}
	if errors.Is(err, context.Canceled) {
		return CodeCancelled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CodeTimeout
	}
	for _, entry := range errorCodes {
		if errors.Is(err, entry.sentinel) {
			return entry.code
		}
	}
	return CodeUnknown
}
