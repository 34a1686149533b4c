package handlers

import (
	"net/http"

	"genqueue/internal/comfyui"
)

func (a *App) ListModels(w http.ResponseWriter, r *http.Request) {
	if a.Models == nil {
		a.json(w, http.StatusOK, map[string]any{"models": []comfyui.TemplateInfo{}})
		return
	}
	infos, err := a.Models.Describe()
	if err != nil {
		a.Logger.Error().Err(err).Msg("failed to list workflow templates")
		a.error(w, http.StatusInternalServerError, "internal", "failed to list models")
		return
	}
	if infos == nil {
		infos = []comfyui.TemplateInfo{}
	}
	a.json(w, http.StatusOK, map[string]any{"models": infos})
}
