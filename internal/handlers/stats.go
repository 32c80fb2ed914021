package handlers

import (
	"net/http"
	"time"
)

// StatsHandler exposes the observability snapshot.
type StatsHandler struct {
	core Core
}

// NewStatsHandler creates a stats handler.
func NewStatsHandler(core Core) *StatsHandler {
	return &StatsHandler{core: core}
}

// Get returns queue and cache state with a timestamp.
func (h *StatsHandler) Get(w http.ResponseWriter, r *http.Request) {
	stats := h.core.Stats()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"queue":     stats.Queue,
		"cache":     stats.Cache,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}
