package tool

import (
	"errors"
	"strings"

	"agentcore/internal/domain"
)

// retryableSentinels are failure classes where an identical retry may
// succeed. The execution loop never retries tool calls itself; the flag is
// surfaced to the model so it can decide to ask again.
var retryableSentinels = []error{
	domain.ErrTimeout,
	domain.ErrRateLimit,
	domain.ErrProviderError,
}

// retryablePatterns catch transient failures from handlers that return bare
// errors without sentinel wrapping. Matched case-insensitively.
var retryablePatterns = []string{
	"connection refused",
	"connection reset",
	"no such host",
	"timeout",
	"deadline exceeded",
	"temporarily unavailable",
	"service unavailable",
	"try again",
}

// classifyToolError reports whether a tool failure is transient.
func classifyToolError(err error) bool {
	if err == nil {
		return false
	}
	for _, sentinel := range retryableSentinels {
		if errors.Is(err, sentinel) {
			return true
		}
	}
	lower := strings.ToLower(err.Error())
	for _, p := range retryablePatterns {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}
