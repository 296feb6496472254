package llm

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"go.opentelemetry.io/otel/trace"

	"agentcore/internal/domain"
	"agentcore/internal/infra/tracer"
)

const (
	// maxResponseBody caps how much of a provider response we read.
	maxResponseBody = 10 * 1024 * 1024
	// maxErrorDetail caps how much of an error body ends up in error strings.
	maxErrorDetail = 2048
)

// postJSON sends a JSON POST and returns the response body. Non-200 statuses
// are mapped to domain errors so callers can classify them with errors.Is.
func postJSON(ctx context.Context, client *http.Client, url string, body []byte, headers map[string]string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, mapHTTPError(resp.StatusCode, respBody)
	}
	return respBody, nil
}

// postStream sends a JSON POST expecting an SSE response and returns the open
// response. The caller owns Body. Non-200 statuses are drained and mapped.
func postStream(ctx context.Context, client *http.Client, url string, body []byte, headers map[string]string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorDetail))
		return nil, mapHTTPError(resp.StatusCode, respBody)
	}
	return resp, nil
}

// mapHTTPError converts a provider HTTP status into a domain error so the
// retry loop and circuit breaker can tell transient failures from fatal ones.
func mapHTTPError(statusCode int, body []byte) error {
	detail := string(body)
	if len(detail) > maxErrorDetail {
		detail = detail[:maxErrorDetail]
	}

	switch {
	case statusCode == http.StatusTooManyRequests:
		return fmt.Errorf("%w: status %d: %s", domain.ErrRateLimit, statusCode, detail)
	case statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden:
		return fmt.Errorf("%w: status %d: %s", domain.ErrAuthInvalid, statusCode, detail)
	case statusCode == http.StatusRequestEntityTooLarge:
		return fmt.Errorf("%w: status %d: %s", domain.ErrContextOverflow, statusCode, detail)
	case statusCode == http.StatusBadRequest && strings.Contains(detail, "context_length_exceeded"):
		// OpenAI reports overflow as a 400 with this error code in the body.
		return fmt.Errorf("%w: status %d: %s", domain.ErrContextOverflow, statusCode, detail)
	case statusCode == http.StatusRequestTimeout:
		return fmt.Errorf("%w: status %d: %s", domain.ErrTimeout, statusCode, detail)
	case statusCode >= 500:
		return fmt.Errorf("%w: status %d: %s", domain.ErrProviderUnavailable, statusCode, detail)
	default:
		return fmt.Errorf("%w: status %d: %s", domain.ErrProviderError, statusCode, detail)
	}
}

// logChatCompleted emits the standard debug line after a successful chat call.
func logChatCompleted(logger *slog.Logger, providerName string, result *domain.ChatResponse) {
	logger.Debug("llm chat completed",
		"provider", providerName,
		"model", result.Model,
		"tokens", result.Usage.TotalTokens,
	)
}

// setUsageAttrs records token usage on a trace span.
func setUsageAttrs(span trace.Span, usage domain.Usage) {
	span.SetAttributes(
		tracer.IntAttr("llm.prompt_tokens", usage.PromptTokens),
		tracer.IntAttr("llm.completion_tokens", usage.CompletionTokens),
	)
}
