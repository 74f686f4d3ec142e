package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
)

// HandleChatHistory serves backward pagination over the chat log.
// Query params: limit (required, positive), before (optional ms timestamp,
// exclusive). Walk older pages by repeating with before = earliestTimestamp.
func (h *Handlers) HandleChatHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	limitRaw := r.URL.Query().Get("limit")
	limit, err := strconv.Atoi(limitRaw)
	if err != nil || limit <= 0 {
		http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
		return
	}
	var before *int64
	if v := r.URL.Query().Get("before"); v != "" {
		ts, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			http.Error(w, "before must be an integer timestamp", http.StatusBadRequest)
			return
		}
		before = &ts
	}

	page, err := h.deps.ChatLog.GetPage(r.Context(), limit, before)
	if err != nil {
		slog.Error("chat history query failed", slog.Any("err", err))
		http.Error(w, "chat history unavailable", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"messages": page.Messages,
		"pagination": map[string]any{
			"hasMore":           page.HasMore,
			"earliestTimestamp": page.EarliestTimestamp,
		},
	})
}
