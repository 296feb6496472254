package usecase

import (
	"errors"
	"regexp"
	"strconv"
	"strings"

	"agentcore/internal/domain"
)

// ErrorCategory indicates whether a provider error is retryable or permanent.
type ErrorCategory int

const (
	ErrorCategoryUnknown   ErrorCategory = iota
	ErrorCategoryRetryable               // 429, 5xx, connection errors
	ErrorCategoryPermanent               // 400, 401, 403, context overflow, malformed
)

// ClassifiedError holds the result of error classification.
type ClassifiedError struct {
	Original   error
	Category   ErrorCategory
	Sentinel   error // mapped domain sentinel, or nil
	StatusCode int   // extracted HTTP status, or 0 if unknown
}

// ErrorClassifier decides which provider failures the execution loop may
// retry. Tool failures never pass through here; they are surfaced to the
// model as error results instead.
type ErrorClassifier struct{}

// NewErrorClassifier creates a classifier.
func NewErrorClassifier() *ErrorClassifier {
	return &ErrorClassifier{}
}

// statusPattern matches the "status NNN:" fragment the provider adapters
// embed when mapping HTTP failures.
var statusPattern = regexp.MustCompile(`\bstatus (\d{3}):`)

// Classify inspects a provider error and returns its category and mapped
// sentinel. Sentinels win over string matching so wrapped domain errors are
// classified deterministically.
func (c *ErrorClassifier) Classify(err error) ClassifiedError {
	if err == nil {
		return ClassifiedError{}
	}

	if byS := c.classifyBySentinel(err); byS.Category != ErrorCategoryUnknown {
		return byS
	}

	errStr := err.Error()
	if matches := statusPattern.FindStringSubmatch(errStr); len(matches) == 2 {
		code, _ := strconv.Atoi(matches[1])
		return c.classifyByStatus(err, code)
	}

	return c.classifyByString(err, errStr)
}

// Retryable reports whether the loop may attempt the identical call again.
func (c *ErrorClassifier) Retryable(err error) bool {
	return c.Classify(err).Category == ErrorCategoryRetryable
}

func (c *ErrorClassifier) classifyBySentinel(err error) ClassifiedError {
	switch {
	case errors.Is(err, domain.ErrRateLimit):
		return ClassifiedError{Original: err, Category: ErrorCategoryRetryable, Sentinel: domain.ErrRateLimit}
	case errors.Is(err, domain.ErrProviderUnavailable):
		return ClassifiedError{Original: err, Category: ErrorCategoryRetryable, Sentinel: domain.ErrProviderUnavailable}
	case errors.Is(err, domain.ErrTimeout):
		return ClassifiedError{Original: err, Category: ErrorCategoryRetryable, Sentinel: domain.ErrTimeout}
	case errors.Is(err, domain.ErrContextOverflow):
		// Nothing about a retry shrinks the conversation; overflow is a
		// validation failure, not a transient one.
		return ClassifiedError{Original: err, Category: ErrorCategoryPermanent, Sentinel: domain.ErrContextOverflow}
	case errors.Is(err, domain.ErrAuthInvalid):
		return ClassifiedError{Original: err, Category: ErrorCategoryPermanent, Sentinel: domain.ErrAuthInvalid}
	case errors.Is(err, domain.ErrInvalidInput):
		return ClassifiedError{Original: err, Category: ErrorCategoryPermanent, Sentinel: domain.ErrInvalidInput}
	default:
		return ClassifiedError{Original: err, Category: ErrorCategoryUnknown}
	}
}

func (c *ErrorClassifier) classifyByStatus(err error, code int) ClassifiedError {
	switch {
	case code == 429:
		return ClassifiedError{Original: err, Category: ErrorCategoryRetryable, Sentinel: domain.ErrRateLimit, StatusCode: code}
	case code == 401 || code == 403:
		return ClassifiedError{Original: err, Category: ErrorCategoryPermanent, Sentinel: domain.ErrAuthInvalid, StatusCode: code}
	case code == 408:
		return ClassifiedError{Original: err, Category: ErrorCategoryRetryable, Sentinel: domain.ErrTimeout, StatusCode: code}
	case code >= 500:
		return ClassifiedError{Original: err, Category: ErrorCategoryRetryable, Sentinel: domain.ErrProviderUnavailable, StatusCode: code}
	case code >= 400:
		return ClassifiedError{Original: err, Category: ErrorCategoryPermanent, StatusCode: code}
	default:
		return ClassifiedError{Original: err, Category: ErrorCategoryUnknown, StatusCode: code}
	}
}

// transientFragments catch transport-level failures that arrive as bare
// errors from the HTTP client rather than mapped provider responses.
var transientFragments = []string{
	"connection refused",
	"connection reset",
	"broken pipe",
	"no such host",
	"timeout",
	"deadline exceeded",
	"temporarily unavailable",
	"eof",
}

func (c *ErrorClassifier) classifyByString(err error, errStr string) ClassifiedError {
	lower := strings.ToLower(errStr)
	for _, fragment := range transientFragments {
		if strings.Contains(lower, fragment) {
			return ClassifiedError{Original: err, Category: ErrorCategoryRetryable}
		}
	}
	return ClassifiedError{Original: err, Category: ErrorCategoryUnknown}
}
