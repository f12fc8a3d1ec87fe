package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"runtime"
	"time"
)

// handleHealth is the liveness probe: always 200 while the process can
// answer, with enough numbers to eyeball a running instance.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"status":      "ok",
		"uptime_sec":  int64(time.Since(s.startTime).Seconds()),
		"connections": s.guard.Connections(),
		"goroutines":  runtime.NumGoroutine(),
		"store":       s.st.BreakerState(),
	})
}

// handleReady is the readiness probe: 503 while the store is unreachable
// or the server is draining, so load balancers route around this replica.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	status := "ready"
	code := http.StatusOK

	if s.shuttingDown.Load() {
		status = "shutting_down"
		code = http.StatusServiceUnavailable
	} else {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.st.Ping(ctx); err != nil {
			status = "store_unavailable"
			code = http.StatusServiceUnavailable
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]any{
		"status":  status,
		"breaker": s.st.BreakerState(),
	})
}
