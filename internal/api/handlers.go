package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// Handlers holds the HTTP handler dependencies for the operator status API.
type Handlers struct {
	provider Provider
	logger   *slog.Logger
}

// NewHandlers creates a new handlers instance.
func NewHandlers(provider Provider, logger *slog.Logger) *Handlers {
	return &Handlers{
		provider: provider,
		logger:   logger.With("component", "api-handlers"),
	}
}

// HandleHealth returns a simple liveness response.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// HandleSnapshot returns the current engine status: per-asset book/position/
// quote/risk state plus aggregate risk.
func (h *Handlers) HandleSnapshot(w http.ResponseWriter, r *http.Request) {
	snapshot := BuildSnapshot(h.provider)

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(snapshot); err != nil {
		h.logger.Error("failed to encode snapshot", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
}
