package handlers

import (
	"context"
	"net/http"
)

// StatsHandler serves engine snapshots as JSON.
type StatsHandler struct {
	engine Engine
}

// NewStatsHandler returns a handler reading from e.
func NewStatsHandler(e Engine) *StatsHandler {
	return &StatsHandler{engine: e}
}

// Stats handles GET /stats.
func (h *StatsHandler) Stats(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), probeTimeout)
	defer cancel()

	st, err := h.engine.Stats(ctx)
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, okResponse(st))
}

// Extents handles GET /stats/extents.
func (h *StatsHandler) Extents(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), probeTimeout)
	defer cancel()

	extents, err := h.engine.Extents(ctx)
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, errorResponse(err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, okResponse(extents))
}

// Info handles GET /stats/info. It does not touch the loop.
func (h *StatsHandler) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, okResponse(h.engine.Info()))
}
