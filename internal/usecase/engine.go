package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"agentcore/internal/domain"
	"agentcore/internal/infra/tracer"
)

// Execution loop constants.
const (
	defaultMaxSteps = 5

	maxLLMRetries  = 3
	baseRetryDelay = 500 * time.Millisecond
	maxRetryDelay  = 10 * time.Second
)

// ToolRunner executes one tool call. Implementations never return a Go
// error; every failure mode is a ToolResult with IsError set.
type ToolRunner interface {
	Invoke(ctx context.Context, call domain.ToolCall) domain.ToolResult
}

// EngineConfig holds executor settings.
type EngineConfig struct {
	Model        string
	MaxSteps     int
	MaxTokens    int
	Temperature  float64
	SystemPrompt string
	StreamBuffer int
}

// EngineDeps holds injected dependencies for the executor.
type EngineDeps struct {
	Provider   domain.LLMProvider
	Tools      ToolRunner
	Threads    *ThreadService
	Classifier *ErrorClassifier // optional, nil = fail on first provider error
	Guard      *ContextGuard    // optional, nil = no window check
	Bus        domain.EventBus  // optional, nil = no events
	Logger     *slog.Logger
}

// Engine drives the generation state machine: call the model, execute any
// requested tools, feed the results back, repeat until the model answers in
// text or the step budget runs out. One Engine serves many sessions; all
// per-generation state lives on the stack of Run.
type Engine struct {
	deps EngineDeps
	cfg  EngineConfig
}

// NewEngine creates an executor. MaxSteps defaults when non-positive.
func NewEngine(deps EngineDeps, cfg EngineConfig) *Engine {
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = defaultMaxSteps
	}
	return &Engine{deps: deps, cfg: cfg}
}

// Run executes one generation against threadID and delivers every event,
// terminal included, through sink before closing it. The returned
// FinalResult is non-nil on success; on step-limit exhaustion it still
// carries the partial step trace alongside the error.
func (e *Engine) Run(ctx context.Context, threadID, input string, schemas []domain.ToolSchema, sink *emitter) (*domain.FinalResult, error) {
	defer sink.close()

	result, steps, err := e.run(ctx, threadID, input, schemas, sink)
	if err != nil {
		sink.emitTerminal(ctx, domain.AgentEvent{
			Kind: domain.KindError,
			Err:  err.Error(),
			Code: domain.ErrorCodeOf(err),
		})
		if steps != nil {
			return &domain.FinalResult{
				ThreadID:  threadID,
				Steps:     steps,
				CreatedAt: time.Now().UTC(),
			}, err
		}
		return nil, err
	}

	sink.emitTerminal(ctx, domain.AgentEvent{
		Kind:  domain.KindGenerationComplete,
		Final: result,
	})
	return result, nil
}

// run is the loop proper. It returns the accumulated steps even on failure
// so the partial trace survives step-limit exhaustion.
func (e *Engine) run(ctx context.Context, threadID, input string, schemas []domain.ToolSchema, sink *emitter) (*domain.FinalResult, []domain.Step, error) {
	ctx, span := tracer.StartSpan(ctx, "engine.generate", tracer.WithThread(threadID))
	defer span.End()

	if input == "" {
		err := domain.NewDomainError("Engine.Run", domain.ErrInvalidInput, "empty input")
		tracer.RecordError(span, err)
		return nil, nil, err
	}

	ctx = domain.ContextWithThreadID(ctx, threadID)

	// The user message persists immediately: a generation that fails later
	// still leaves an accurate history.
	if _, err := e.deps.Threads.AddMessage(ctx, threadID, domain.Message{
		Role:    domain.RoleUser,
		Content: input,
	}); err != nil {
		tracer.RecordError(span, err)
		return nil, nil, err
	}

	history, err := e.deps.Threads.AllMessages(ctx, threadID)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, nil, err
	}

	if e.deps.Guard != nil {
		if err := e.deps.Guard.Check(e.withSystem(history)); err != nil {
			tracer.RecordError(span, err)
			return nil, nil, err
		}
	}

	var (
		steps      []domain.Step
		totalUsage domain.Usage
	)

	for stepIdx := 0; stepIdx < e.cfg.MaxSteps; stepIdx++ {
		if ctx.Err() != nil {
			return nil, steps, cancelErr(ctx)
		}
		span.AddEvent("engine.step", trace.WithAttributes(tracer.IntAttr("step", stepIdx)))
		startedAt := time.Now().UTC()

		req := domain.ChatRequest{
			Model:       e.cfg.Model,
			Messages:    e.withSystem(history),
			Tools:       schemas,
			MaxTokens:   e.cfg.MaxTokens,
			Temperature: e.cfg.Temperature,
		}

		e.publish(ctx, domain.EventLLMCallStarted, threadID)
		msg, usage, callErr := e.callModel(ctx, req, sink)
		if callErr != nil {
			tracer.RecordError(span, callErr)
			return nil, steps, callErr
		}
		e.publish(ctx, domain.EventLLMCallCompleted, threadID)
		totalUsage.Add(usage)

		stored, err := e.deps.Threads.AddMessage(ctx, threadID, msg)
		if err != nil {
			tracer.RecordError(span, err)
			return nil, steps, err
		}
		history = append(history, stored)

		e.deps.Logger.Debug("model step",
			"thread_id", threadID, "step", stepIdx,
			"tool_calls", len(msg.ToolCalls), "tokens", usage.TotalTokens)

		// Text answer ends the generation.
		if len(msg.ToolCalls) == 0 {
			step := domain.Step{
				Index:       stepIdx,
				Content:     msg.Content,
				Usage:       usage,
				StartedAt:   startedAt,
				CompletedAt: time.Now().UTC(),
			}
			steps = append(steps, step)
			_ = sink.emit(ctx, domain.AgentEvent{Kind: domain.KindStepComplete, Step: &step})

			tracer.SetOK(span)
			return &domain.FinalResult{
				ThreadID:  threadID,
				Content:   msg.Content,
				Steps:     steps,
				Usage:     totalUsage,
				CreatedAt: time.Now().UTC(),
			}, steps, nil
		}

		results := e.invokeTools(ctx, msg.ToolCalls, sink)

		// One tool-role message per result, in the original call order, so
		// every call message has its paired result in the history before
		// the next model call. Appends survive cancellation: a call whose
		// tool already ran gets its result recorded no matter what.
		appendCtx := context.WithoutCancel(ctx)
		for i, result := range results {
			toolMsg := domain.Message{
				Role:       domain.RoleTool,
				Name:       msg.ToolCalls[i].Name,
				Content:    result.Content,
				ToolCallID: result.ToolCallID,
			}
			stored, appendErr := e.deps.Threads.AddMessage(appendCtx, threadID, toolMsg)
			if appendErr != nil {
				tracer.RecordError(span, appendErr)
				return nil, steps, appendErr
			}
			history = append(history, stored)
		}

		for i := range results {
			result := results[i]
			_ = sink.emit(ctx, domain.AgentEvent{
				Kind:   domain.KindToolCallComplete,
				CallID: result.ToolCallID,
				Result: &result,
			})
		}

		step := domain.Step{
			Index:       stepIdx,
			Content:     msg.Content,
			ToolCalls:   msg.ToolCalls,
			ToolResults: results,
			Usage:       usage,
			StartedAt:   startedAt,
			CompletedAt: time.Now().UTC(),
		}
		steps = append(steps, step)
		_ = sink.emit(ctx, domain.AgentEvent{Kind: domain.KindStepComplete, Step: &step})
	}

	err = domain.NewDomainError("Engine.Run", domain.ErrMaxSteps,
		fmt.Sprintf("gave up after %d steps", e.cfg.MaxSteps))
	tracer.RecordError(span, err)
	return nil, steps, err
}

// invokeTools fans the step's calls out concurrently and collects results
// into an indexed slice, so result order always matches call order no
// matter which tool finishes first. Once the assistant message carrying the
// calls is in the history, the step always resolves: emit failures from a
// departed consumer never leave a call without its result.
func (e *Engine) invokeTools(ctx context.Context, calls []domain.ToolCall, sink *emitter) []domain.ToolResult {
	for i := range calls {
		call := calls[i]
		_ = sink.emit(ctx, domain.AgentEvent{Kind: domain.KindToolCallStart, Call: &call})
	}

	results := make([]domain.ToolResult, len(calls))
	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func(idx int, c domain.ToolCall) {
			defer wg.Done()
			results[idx] = e.deps.Tools.Invoke(ctx, c)
		}(i, call)
	}
	wg.Wait()
	return results
}

// callModel performs the model call with bounded retry. Only failures the
// classifier marks retryable are attempted again; retries re-send the same
// request and never touch the thread.
func (e *Engine) callModel(ctx context.Context, req domain.ChatRequest, sink *emitter) (domain.Message, domain.Usage, error) {
	maxAttempts := 1
	if e.deps.Classifier != nil {
		maxAttempts = maxLLMRetries
	}

	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		msg, usage, callErr := e.callOnce(ctx, req, sink)
		if callErr == nil {
			return msg, usage, nil
		}
		if ctx.Err() != nil {
			return domain.Message{}, domain.Usage{}, cancelErr(ctx)
		}
		lastErr = callErr

		if e.deps.Classifier == nil || !e.deps.Classifier.Retryable(callErr) {
			return domain.Message{}, domain.Usage{}, lastErr
		}

		if attempt < maxAttempts-1 {
			delay := retryBackoff(attempt)
			e.deps.Logger.Info("retrying model call",
				"attempt", attempt+1, "delay", delay, "error", callErr)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return domain.Message{}, domain.Usage{}, cancelErr(ctx)
			}
		}
	}
	return domain.Message{}, domain.Usage{}, lastErr
}

// callOnce performs a single model call. When the sink has a live consumer
// and the provider streams, deltas flow out as TextDelta events while the
// accumulator folds them into the complete assistant message.
func (e *Engine) callOnce(ctx context.Context, req domain.ChatRequest, sink *emitter) (domain.Message, domain.Usage, error) {
	sp, canStream := e.deps.Provider.(domain.StreamingLLMProvider)
	if sink.out == nil || !canStream {
		llmCtx, llmSpan := tracer.StartSpan(ctx, "llm.chat")
		resp, err := e.deps.Provider.Chat(llmCtx, req)
		llmSpan.End()
		if err != nil {
			return domain.Message{}, domain.Usage{}, err
		}
		return resp.Message, resp.Usage, nil
	}

	llmCtx, llmSpan := tracer.StartSpan(ctx, "llm.chat_stream")
	deltaCh, err := sp.ChatStream(llmCtx, req)
	llmSpan.End()
	if err != nil {
		return domain.Message{}, domain.Usage{}, err
	}

	acc := newStreamAccumulator()
	for delta := range deltaCh {
		acc.addDelta(delta)
		if delta.Content == "" {
			continue
		}
		if emitErr := sink.emit(ctx, domain.AgentEvent{
			Kind:  domain.KindTextDelta,
			Delta: delta.Content,
		}); emitErr != nil {
			return domain.Message{}, domain.Usage{}, cancelErr(ctx)
		}
	}
	msg, usage := acc.build()
	return msg, usage, nil
}

// withSystem prepends the configured system prompt unless the history
// already starts with one.
func (e *Engine) withSystem(history []domain.Message) []domain.Message {
	if e.cfg.SystemPrompt == "" {
		return history
	}
	if len(history) > 0 && history[0].Role == domain.RoleSystem {
		return history
	}
	msgs := make([]domain.Message, 0, len(history)+1)
	msgs = append(msgs, domain.Message{Role: domain.RoleSystem, Content: e.cfg.SystemPrompt})
	return append(msgs, history...)
}

func (e *Engine) publish(ctx context.Context, eventType domain.EventType, threadID string) {
	if e.deps.Bus == nil {
		return
	}
	e.deps.Bus.Publish(ctx, domain.Event{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		ThreadID:  threadID,
	})
}

// cancelErr wraps the context's failure in the domain cancellation
// sentinel. Deadline expiry keeps its timeout identity.
func cancelErr(ctx context.Context) error {
	err := ctx.Err()
	if err == context.DeadlineExceeded {
		return fmt.Errorf("%w: %v", domain.ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", domain.ErrCancelled, context.Cause(ctx))
}

// retryBackoff computes exponential backoff with 0-25% jitter.
func retryBackoff(attempt int) time.Duration {
	delay := baseRetryDelay * time.Duration(1<<uint(attempt))
	if delay > maxRetryDelay {
		delay = maxRetryDelay
	}
	jitter := time.Duration(rand.Int63n(int64(delay/4) + 1))
	return delay + jitter
}
