package gateway

import (
	"fmt"
	"net/http"
	"runtime"
	"time"
)

// metricsHandler serves GET /metrics in Prometheus text format. The
// lightweight text encoding keeps the full prometheus client out of the
// dependency tree.
func metricsHandler(deps *HandlerDeps, startTime time.Time, metrics *Metrics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

		registered := 0
		if deps.Tools != nil {
			registered = len(deps.Tools.Schemas())
		}

		fmt.Fprintf(w, "# HELP agentcore_tools_registered Number of registered tools.\n")
		fmt.Fprintf(w, "# TYPE agentcore_tools_registered gauge\n")
		fmt.Fprintf(w, "agentcore_tools_registered %d\n", registered)

		fmt.Fprintf(w, "# HELP agentcore_tool_calls_total Total tool invocations.\n")
		fmt.Fprintf(w, "# TYPE agentcore_tool_calls_total counter\n")
		fmt.Fprintf(w, "agentcore_tool_calls_total %d\n", metrics.ToolCallsTotal.Load())

		fmt.Fprintf(w, "# HELP agentcore_llm_calls_total Total model calls.\n")
		fmt.Fprintf(w, "# TYPE agentcore_llm_calls_total counter\n")
		fmt.Fprintf(w, "agentcore_llm_calls_total %d\n", metrics.LLMCallsTotal.Load())

		fmt.Fprintf(w, "# HELP agentcore_messages_total Total messages appended.\n")
		fmt.Fprintf(w, "# TYPE agentcore_messages_total counter\n")
		fmt.Fprintf(w, "agentcore_messages_total %d\n", metrics.MessagesTotal.Load())

		fmt.Fprintf(w, "# HELP agentcore_generations_total Total completed generations.\n")
		fmt.Fprintf(w, "# TYPE agentcore_generations_total counter\n")
		fmt.Fprintf(w, "agentcore_generations_total %d\n", metrics.GenerationsTotal.Load())

		fmt.Fprintf(w, "# HELP agentcore_generation_failures_total Total failed generations.\n")
		fmt.Fprintf(w, "# TYPE agentcore_generation_failures_total counter\n")
		fmt.Fprintf(w, "agentcore_generation_failures_total %d\n", metrics.FailuresTotal.Load())

		fmt.Fprintf(w, "# HELP agentcore_uptime_seconds Seconds since the service started.\n")
		fmt.Fprintf(w, "# TYPE agentcore_uptime_seconds gauge\n")
		fmt.Fprintf(w, "agentcore_uptime_seconds %.0f\n", time.Since(startTime).Seconds())

		var mem runtime.MemStats
		runtime.ReadMemStats(&mem)

		fmt.Fprintf(w, "# HELP go_goroutines Number of goroutines.\n")
		fmt.Fprintf(w, "# TYPE go_goroutines gauge\n")
		fmt.Fprintf(w, "go_goroutines %d\n", runtime.NumGoroutine())

		fmt.Fprintf(w, "# HELP go_memstats_alloc_bytes Bytes of allocated heap objects.\n")
		fmt.Fprintf(w, "# TYPE go_memstats_alloc_bytes gauge\n")
		fmt.Fprintf(w, "go_memstats_alloc_bytes %d\n", mem.Alloc)
	}
}
