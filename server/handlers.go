package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// Handlers holds the HTTP handler dependencies.
type Handlers struct {
	deps Deps
}

// NewHandlers builds the handler set over deps.
func NewHandlers(deps Deps) *Handlers {
	return &Handlers{deps: deps}
}

// HandleHealthz reports process liveness.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// HandleReadyz reports readiness: both backing stores must answer a ping.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	checks := map[string]string{}
	ready := true
	if h.deps.DB != nil {
		if err := h.deps.DB.PingContext(ctx); err != nil {
			checks["postgres"] = err.Error()
			ready = false
		} else {
			checks["postgres"] = "ok"
		}
	}
	if h.deps.Redis != nil {
		if err := h.deps.Redis.Ping(ctx).Err(); err != nil {
			checks["redis"] = err.Error()
			ready = false
		} else {
			checks["redis"] = "ok"
		}
	}
	w.Header().Set("Content-Type", "application/json")
	if !ready {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(checks)
}

// HandleStatus mirrors the current stream snapshot for non-websocket clients.
// The stream field is an explicit null while offline.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	info := h.deps.Watcher.Current()
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"online": info != nil,
		"stream": info,
	})
}
