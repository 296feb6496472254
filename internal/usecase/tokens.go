package usecase

import (
	"fmt"
	"log/slog"

	tiktoken "github.com/pkoukk/tiktoken-go"

	"agentcore/internal/domain"
)

// perMessageOverhead approximates the tokens the chat protocol spends on
// role markers and separators around each message.
const perMessageOverhead = 4

// TokenCounter estimates prompt size with a tiktoken encoding. Estimates
// only: exact counts are model-specific, which is why the guard keeps a
// safety margin.
type TokenCounter struct {
	enc *tiktoken.Tiktoken
}

// NewTokenCounter builds a counter for the given encoding name. Empty
// defaults to cl100k_base.
func NewTokenCounter(encoding string) (*TokenCounter, error) {
	if encoding == "" {
		encoding = "cl100k_base"
	}
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("tiktoken encoding %q: %w", encoding, err)
	}
	return &TokenCounter{enc: enc}, nil
}

// Count returns the token count of a single text.
func (tc *TokenCounter) Count(text string) int {
	return len(tc.enc.Encode(text, nil, nil))
}

// CountMessages sums the token estimate for a full conversation, including
// tool call names and arguments carried on assistant messages.
func (tc *TokenCounter) CountMessages(msgs []domain.Message) int {
	total := 0
	for _, m := range msgs {
		total += perMessageOverhead
		total += tc.Count(m.Content)
		for _, call := range m.ToolCalls {
			total += tc.Count(call.Name)
			total += tc.Count(string(call.Arguments))
		}
	}
	return total
}

// ContextGuardConfig holds window guard settings.
type ContextGuardConfig struct {
	MaxTokens     int     // model context window, default 128000
	ReserveTokens int     // head-room kept for the completion, default 1000
	SafetyMargin  float64 // fraction of the window never used, default 0.15
}

// ContextGuard fails a generation before the model call when the
// conversation cannot fit the model's context window.
type ContextGuard struct {
	maxTokens     int
	reserveTokens int
	safetyMargin  float64
	counter       *TokenCounter
	logger        *slog.Logger
}

// NewContextGuard creates a guard. Out-of-range config fields are clamped
// to usable defaults.
func NewContextGuard(cfg ContextGuardConfig, counter *TokenCounter, logger *slog.Logger) *ContextGuard {
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 128000
	}
	if cfg.ReserveTokens <= 0 {
		cfg.ReserveTokens = 1000
	}
	if cfg.SafetyMargin <= 0 {
		cfg.SafetyMargin = 0.15
	}
	if cfg.SafetyMargin > 0.5 {
		cfg.SafetyMargin = 0.5
	}
	return &ContextGuard{
		maxTokens:     cfg.MaxTokens,
		reserveTokens: cfg.ReserveTokens,
		safetyMargin:  cfg.SafetyMargin,
		counter:       counter,
		logger:        logger,
	}
}

// Limit returns the usable token budget after margin and reserve.
func (g *ContextGuard) Limit() int {
	return int(float64(g.maxTokens)*(1-g.safetyMargin)) - g.reserveTokens
}

// Check returns ErrContextOverflow when msgs exceed the usable budget.
func (g *ContextGuard) Check(msgs []domain.Message) error {
	tokens := g.counter.CountMessages(msgs)
	limit := g.Limit()
	if tokens <= limit {
		return nil
	}

	g.logger.Warn("context window exceeded",
		"tokens", tokens, "limit", limit, "max_tokens", g.maxTokens)
	return fmt.Errorf("%w: %d tokens over limit %d", domain.ErrContextOverflow, tokens, limit)
}
