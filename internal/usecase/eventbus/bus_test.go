package eventbus

import (
	"context"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"agentcore/internal/domain"
)

func newTestBus() *Bus {
	return New(slog.Default())
}

func newEvent(t domain.EventType) domain.Event {
	return domain.Event{Type: t, Timestamp: time.Now()}
}

func TestPublishSubscribe(t *testing.T) {
	bus := newTestBus()

	var got atomic.Int32
	bus.Subscribe(domain.EventMessageAppended, func(_ context.Context, e domain.Event) {
		if e.Type == domain.EventMessageAppended {
			got.Add(1)
		}
	})

	bus.Publish(context.Background(), newEvent(domain.EventMessageAppended))
	bus.Close() // drain
	if got.Load() != 1 {
		t.Fatalf("expected 1, got %d", got.Load())
	}
}

func TestTypedSubscriberIgnoresOtherTypes(t *testing.T) {
	bus := newTestBus()

	var got atomic.Int32
	bus.Subscribe(domain.EventThreadCreated, func(_ context.Context, _ domain.Event) {
		got.Add(1)
	})

	bus.Publish(context.Background(), newEvent(domain.EventMessageAppended))
	bus.Publish(context.Background(), newEvent(domain.EventThreadCreated))
	bus.Close()

	if got.Load() != 1 {
		t.Fatalf("expected 1, got %d", got.Load())
	}
}

func TestSubscribeAll(t *testing.T) {
	bus := newTestBus()

	var got atomic.Int32
	bus.SubscribeAll(func(_ context.Context, _ domain.Event) {
		got.Add(1)
	})

	bus.Publish(context.Background(), newEvent(domain.EventMessageAppended))
	bus.Publish(context.Background(), newEvent(domain.EventToolCallStarted))
	bus.Close()

	if got.Load() != 2 {
		t.Fatalf("expected 2, got %d", got.Load())
	}
}

func TestUnsubscribe(t *testing.T) {
	bus := newTestBus()

	var got atomic.Int32
	unsub := bus.Subscribe(domain.EventMessageAppended, func(_ context.Context, _ domain.Event) {
		got.Add(1)
	})

	unsub()
	bus.Publish(context.Background(), newEvent(domain.EventMessageAppended))
	bus.Close()

	if got.Load() != 0 {
		t.Fatalf("expected 0 after unsubscribe, got %d", got.Load())
	}
}

func TestPublishAfterCloseIsNoOp(t *testing.T) {
	bus := newTestBus()

	var got atomic.Int32
	bus.SubscribeAll(func(_ context.Context, _ domain.Event) {
		got.Add(1)
	})

	bus.Close()
	bus.Publish(context.Background(), newEvent(domain.EventMessageAppended))

	if got.Load() != 0 {
		t.Fatalf("expected 0 after close, got %d", got.Load())
	}
}

func TestPanickingHandlerIsRecovered(t *testing.T) {
	bus := newTestBus()

	var got atomic.Int32
	bus.SubscribeAll(func(_ context.Context, _ domain.Event) {
		panic("boom")
	})
	bus.SubscribeAll(func(_ context.Context, _ domain.Event) {
		got.Add(1)
	})

	bus.Publish(context.Background(), newEvent(domain.EventMessageAppended))
	bus.Close()

	if got.Load() != 1 {
		t.Fatalf("second handler should still run, got %d", got.Load())
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	bus := newTestBus()
	bus.Close()
	bus.Close()
}
