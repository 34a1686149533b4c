package handlers

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog"

	"genqueue/internal/comfyui"
	"genqueue/internal/jobs"
)

// BackendHealth reports whether the generation backend is reachable.
type BackendHealth interface {
	HealthCheck(ctx context.Context) bool
}

// ModelCatalog lists the installed workflow templates.
type ModelCatalog interface {
	Describe() ([]comfyui.TemplateInfo, error)
}

type App struct {
	Jobs    *jobs.Service
	Backend BackendHealth
	Models  ModelCatalog
	Logger  zerolog.Logger
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

func (a *App) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *App) error(w http.ResponseWriter, code int, kind, msg string) {
	a.json(w, code, errorBody{Error: kind, Message: msg})
}
