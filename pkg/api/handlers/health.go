package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/marmos91/extentdb/pkg/engine"
	"github.com/marmos91/extentdb/pkg/serializer"
)

// Engine is the part of an open engine the handlers read from.
type Engine interface {
	Info() serializer.Info
	Stats(ctx context.Context) (engine.Stats, error)
	Extents(ctx context.Context) ([]serializer.ExtentInfo, error)
}

// probeTimeout bounds a round trip through the engine's loop.
const probeTimeout = 5 * time.Second

// HealthHandler serves liveness and readiness probes.
type HealthHandler struct {
	engine Engine
}

// NewHealthHandler returns a handler probing e. e may be nil, in which case
// readiness always fails.
func NewHealthHandler(e Engine) *HealthHandler {
	return &HealthHandler{engine: e}
}

// Liveness handles GET /health. It succeeds while the HTTP server runs.
func (h *HealthHandler) Liveness(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthyResponse(map[string]string{
		"service": "extentdb",
	}))
}

// Readiness handles GET /health/ready. The engine is ready when its loop
// answers a stats request within probeTimeout.
func (h *HealthHandler) Readiness(w http.ResponseWriter, r *http.Request) {
	if h.engine == nil {
		writeJSON(w, http.StatusServiceUnavailable, unhealthyResponse("engine not open"))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), probeTimeout)
	defer cancel()

	start := time.Now()
	st, err := h.engine.Stats(ctx)
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, unhealthyResponse(err.Error()))
		return
	}

	writeJSON(w, http.StatusOK, healthyResponse(map[string]any{
		"uuid":        st.Info.UUID.String(),
		"write_state": st.Cache.State,
		"latency":     time.Since(start).String(),
	}))
}
