package handlers

import (
	"net/http"

	"github.com/agentstation/sensorbridge/internal/server/response"
	"github.com/agentstation/sensorbridge/internal/upstream"
)

// HandleHealth handles GET /health and GET /api/v1/health.
// @Summary Health check
// @Description Health check endpoint (liveness probe)
// @Tags health
// @Produce json
// @Success 200 {object} response.Response{data=object}
// @Router /api/v1/health [get].
func (h *Handlers) HandleHealth(w http.ResponseWriter, _ *http.Request) {
	response.OK(w, map[string]any{
		"status":  "healthy",
		"service": "sensorbridge",
		"version": h.version,
	})
}

// HandleReady handles GET /api/v1/ready. The bridge is ready while the broker
// link is connected.
// @Summary Readiness check
// @Description Readiness check reporting the upstream broker link state
// @Tags health
// @Produce json
// @Success 200 {object} response.Response{data=object}
// @Failure 503 {object} response.Response{error=response.Error}
// @Router /api/v1/ready [get].
func (h *Handlers) HandleReady(w http.ResponseWriter, _ *http.Request) {
	state := h.upstream.State()
	if state != upstream.Connected {
		response.ServiceUnavailable(w, "Upstream broker is "+state.String())
		return
	}

	response.OK(w, map[string]any{
		"status":      "ready",
		"upstream":    state.String(),
		"subscribers": h.subscribers.Count(),
	})
}
