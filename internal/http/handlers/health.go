package handlers

import (
	"context"
	"net/http"
	"time"
)

const healthTimeout = 3 * time.Second

type healthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

// Health is the liveness check.
func (a *App) Health(w http.ResponseWriter, r *http.Request) {
	a.json(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Readiness checks the job store and the backend. An unreachable backend
// degrades the service without failing it since jobs can still be queued.
func (a *App) Readiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	resp := healthResponse{Status: "healthy", Checks: map[string]string{}}
	code := http.StatusOK

	if _, err := a.Jobs.Stats(ctx); err != nil {
		a.Logger.Warn().Err(err).Msg("health: job store unreachable")
		resp.Checks["database"] = "unhealthy"
		resp.Status = "unhealthy"
		code = http.StatusServiceUnavailable
	} else {
		resp.Checks["database"] = "healthy"
	}

	if a.Backend != nil && a.Backend.HealthCheck(ctx) {
		resp.Checks["comfyui"] = "healthy"
	} else {
		resp.Checks["comfyui"] = "degraded"
		if resp.Status == "healthy" {
			resp.Status = "degraded"
		}
	}
	a.json(w, code, resp)
}
