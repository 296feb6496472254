package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"agentcore/internal/domain"
)

// StatusResponse is the JSON body returned by GET /api/v1/status.
type StatusResponse struct {
	Agent StatusAgent `json:"agent"`
	Tools StatusTools `json:"tools"`
}

// StatusAgent holds service overview info.
type StatusAgent struct {
	Name          string `json:"name"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

// StatusTools holds tool registry and usage counters.
type StatusTools struct {
	Registered  int   `json:"registered"`
	CallsTotal  int64 `json:"calls_total"`
	ErrorsTotal int64 `json:"errors_total"`
}

// Metrics tracks counters for the status and metrics endpoints, fed from the
// event bus.
type Metrics struct {
	ToolCallsTotal   atomic.Int64
	LLMCallsTotal    atomic.Int64
	MessagesTotal    atomic.Int64
	GenerationsTotal atomic.Int64
	FailuresTotal    atomic.Int64
}

// NewMetrics creates the collector and subscribes its counters to bus.
func NewMetrics(bus domain.EventBus) *Metrics {
	m := &Metrics{}
	if bus == nil {
		return m
	}
	bus.Subscribe(domain.EventToolCallCompleted, func(context.Context, domain.Event) {
		m.ToolCallsTotal.Add(1)
	})
	bus.Subscribe(domain.EventLLMCallCompleted, func(context.Context, domain.Event) {
		m.LLMCallsTotal.Add(1)
	})
	bus.Subscribe(domain.EventMessageAppended, func(context.Context, domain.Event) {
		m.MessagesTotal.Add(1)
	})
	bus.Subscribe(domain.EventGenerationCompleted, func(context.Context, domain.Event) {
		m.GenerationsTotal.Add(1)
	})
	bus.Subscribe(domain.EventGenerationFailed, func(context.Context, domain.Event) {
		m.FailuresTotal.Add(1)
	})
	return m
}

func healthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
	}
}

func statusHandler(deps *HandlerDeps, startTime time.Time, metrics *Metrics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		registered := 0
		if deps.Tools != nil {
			registered = len(deps.Tools.Schemas())
		}

		resp := StatusResponse{
			Agent: StatusAgent{
				Name:          "agentcore",
				UptimeSeconds: int64(time.Since(startTime).Seconds()),
			},
			Tools: StatusTools{
				Registered:  registered,
				CallsTotal:  metrics.ToolCallsTotal.Load(),
				ErrorsTotal: metrics.FailuresTotal.Load(),
			},
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}
}
