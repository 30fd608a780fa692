package handlers

import (
	"context"
	"net/http"
	"time"
)

// Pinger is the slice of the store the health check needs.
type Pinger interface {
	Ping(ctx context.Context) error
}

// StatusHandler serves liveness and readiness probes.
type StatusHandler struct {
	store     Pinger
	version   string
	startedAt time.Time
}

func NewStatusHandler(store Pinger, version string) *StatusHandler {
	return &StatusHandler{store: store, version: version, startedAt: time.Now()}
}

// HandleStatus serves /status, the lightweight liveness probe.
func (h *StatusHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "online",
		"timestamp": time.Now().UTC(),
	})
}

// HandleHealth serves /health. It is a readiness probe: a store that does
// not answer makes the whole service unavailable.
func (h *StatusHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := h.store.Ping(ctx); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "degraded",
			"store":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "healthy",
		"version": h.version,
		"uptime":  time.Since(h.startedAt).Round(time.Second).String(),
	})
}
