package server

import (
	"log/slog"
	"net/http"
)

// HandleSourceConnect is the stream server's "encoder attached" webhook.
// Idempotent: repeated calls while polling change nothing.
func (h *Handlers) HandleSourceConnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	slog.Info("source-connect webhook received", slog.String("remote_addr", r.RemoteAddr))
	h.deps.Watcher.HandleSourceConnect()
	w.WriteHeader(http.StatusNoContent)
}

// HandleSourceDisconnect is the stream server's "encoder detached" webhook.
// Idempotent: calling it while offline only re-announces the offline state.
func (h *Handlers) HandleSourceDisconnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	slog.Info("source-disconnect webhook received", slog.String("remote_addr", r.RemoteAddr))
	h.deps.Watcher.HandleSourceDisconnect()
	w.WriteHeader(http.StatusNoContent)
}
