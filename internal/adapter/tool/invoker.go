package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel/trace"

	"agentcore/internal/domain"
	"agentcore/internal/infra/tracer"
)

// defaultInvokeTimeout bounds a single tool execution when config does not
// say otherwise.
const defaultInvokeTimeout = 30 * time.Second

// Invoker runs tool calls through the full pipeline: lookup, argument
// validation, bounded execution. Invoke never returns a Go error and never
// lets a handler panic escape; every failure mode becomes a ToolResult with
// IsError set, paired to the originating call by ToolCallID.
type Invoker struct {
	registry *Registry
	timeout  time.Duration
	logger   *slog.Logger
}

// NewInvoker creates an Invoker over registry. A non-positive timeout falls
// back to the default.
func NewInvoker(registry *Registry, timeout time.Duration, logger *slog.Logger) *Invoker {
	if timeout <= 0 {
		timeout = defaultInvokeTimeout
	}
	return &Invoker{registry: registry, timeout: timeout, logger: logger}
}

// Registry exposes the underlying registry for descriptor snapshots.
func (v *Invoker) Registry() *Registry { return v.registry }

// Timeout reports the per-call execution bound.
func (v *Invoker) Timeout() time.Duration { return v.timeout }

// Invoke executes one tool call. The returned result always carries the
// call's ID, so N calls produce N results regardless of what went wrong.
func (v *Invoker) Invoke(ctx context.Context, call domain.ToolCall) domain.ToolResult {
	ctx, span := tracer.StartSpan(ctx, "tool.invoke",
		trace.WithAttributes(
			tracer.StringAttr("tool.name", call.Name),
			tracer.StringAttr("tool.call_id", call.ID),
		),
	)
	defer span.End()

	result := v.run(ctx, call)
	result.ToolCallID = call.ID

	if result.IsError {
		tracer.RecordError(span, fmt.Errorf("%s", result.Content))
		v.logger.Warn("tool call failed",
			"tool", call.Name, "call_id", call.ID,
			"retryable", result.IsRetryable, "error", result.Content)
	} else {
		tracer.SetOK(span)
		v.logger.Debug("tool call completed", "tool", call.Name, "call_id", call.ID)
	}
	return result
}

func (v *Invoker) run(ctx context.Context, call domain.ToolCall) domain.ToolResult {
	t, err := v.registry.Get(call.Name)
	if err != nil {
		return domain.ToolResult{
			IsError: true,
			Content: fmt.Sprintf("unknown tool %q", call.Name),
		}
	}

	args := call.Arguments
	if len(args) == 0 {
		// Providers send empty argument strings for zero-parameter tools.
		args = json.RawMessage("{}")
	}

	ctx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	type outcome struct {
		result *domain.ToolResult
		err    error
		panic  any
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				v.logger.Error("tool handler panicked",
					"tool", call.Name, "panic", r, "stack", string(debug.Stack()))
				done <- outcome{panic: r}
			}
		}()
		res, execErr := t.Execute(ctx, args)
		done <- outcome{result: res, err: execErr}
	}()

	select {
	case out := <-done:
		switch {
		case out.panic != nil:
			return domain.ToolResult{
				IsError: true,
				Content: fmt.Sprintf("tool %q panicked: %v", call.Name, out.panic),
			}
		case out.err != nil:
			return domain.ToolResult{
				IsError:     true,
				IsRetryable: classifyToolError(out.err),
				Content:     fmt.Sprintf("tool %q failed: %v", call.Name, out.err),
			}
		case out.result == nil:
			return domain.ToolResult{
				IsError: true,
				Content: fmt.Sprintf("tool %q returned no result", call.Name),
			}
		default:
			return *out.result
		}

	case <-ctx.Done():
		// The handler goroutine keeps running until it notices the
		// cancelled context; its eventual send lands in the buffered
		// channel and is garbage collected with it.
		if ctx.Err() == context.DeadlineExceeded {
			return domain.ToolResult{
				IsError:     true,
				IsRetryable: true,
				Content:     fmt.Sprintf("tool %q timed out after %s", call.Name, v.timeout),
			}
		}
		return domain.ToolResult{
			IsError: true,
			Content: fmt.Sprintf("tool %q cancelled: %v", call.Name, ctx.Err()),
		}
	}
}
