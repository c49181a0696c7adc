package handlers

import (
	"net/http"

	"github.com/kozaktomas/face-recognizer/internal/recognition"
)

// HealthHandler reports service health.
type HealthHandler struct {
	service *recognition.Service
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(svc *recognition.Service) *HealthHandler {
	return &HealthHandler{service: svc}
}

// Get returns the health report. Unhealthy services answer 503 so load
// balancers stop routing to them; degraded ones still answer 200.
func (h *HealthHandler) Get(w http.ResponseWriter, r *http.Request) {
	report := h.service.Health(r.Context())
	status := http.StatusOK
	if !report.Healthy {
		status = http.StatusServiceUnavailable
	}
	respondJSON(w, status, report)
}
