package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"genqueue/internal/domain"
	"genqueue/internal/jobs"
	"genqueue/internal/progress"
)

const maxRequestBody = 64 << 10

type generationResponse struct {
	ID             string     `json:"id"`
	Name           string     `json:"name"`
	Prompt         string     `json:"prompt"`
	NegativePrompt string     `json:"negative_prompt,omitempty"`
	Status         string     `json:"status"`
	Model          string     `json:"model"`
	Steps          int        `json:"steps"`
	Guidance       float64    `json:"guidance"`
	Width          int        `json:"width"`
	Height         int        `json:"height"`
	Seed           *int       `json:"seed"`
	ErrorMessage   string     `json:"error_message,omitempty"`
	ImageURL       string     `json:"image_url,omitempty"`
	DurationMs     *int64     `json:"duration_ms"`
	CreatedAt      time.Time  `json:"created_at"`
	CompletedAt    *time.Time `json:"completed_at"`
}

type pagedResponse struct {
	Items      []generationResponse `json:"items"`
	Page       int                  `json:"page"`
	PageSize   int                  `json:"page_size"`
	TotalItems int                  `json:"total_items"`
	TotalPages int                  `json:"total_pages"`
}

func toResponse(job *domain.Job) generationResponse {
	resp := generationResponse{
		ID:             job.ID,
		Name:           job.Name,
		Prompt:         job.Prompt,
		NegativePrompt: job.NegativePrompt,
		Status:         string(job.Status),
		Model:          job.Model,
		Steps:          job.Steps,
		Guidance:       job.Guidance,
		Width:          job.Width,
		Height:         job.Height,
		Seed:           job.Seed,
		ErrorMessage:   job.ErrorMessage,
		DurationMs:     job.DurationMs,
		CreatedAt:      job.CreatedAt,
		CompletedAt:    job.CompletedAt,
	}
	if job.Status == domain.JobStatusCompleted {
		resp.ImageURL = progress.ImageURL(job.ID)
	}
	return resp
}

func (a *App) CreateGeneration(w http.ResponseWriter, r *http.Request) {
	var req jobs.Request
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid payload")
		return
	}
	job, err := a.Jobs.Enqueue(r.Context(), req)
	if err != nil {
		var verr *jobs.ValidationError
		if errors.As(err, &verr) {
			a.json(w, http.StatusBadRequest, errorBody{Error: "validation_failed", Message: verr.Message, Field: verr.Field})
			return
		}
		a.Logger.Error().Err(err).Msg("failed to queue generation")
		a.error(w, http.StatusInternalServerError, "internal", "failed to queue generation")
		return
	}
	w.Header().Set("Location", "/api/generations/"+job.ID)
	a.json(w, http.StatusCreated, toResponse(job))
}

func (a *App) ListGenerations(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, _ := strconv.Atoi(q.Get("page"))
	pageSize, _ := strconv.Atoi(q.Get("page_size"))
	if pageSize == 0 {
		pageSize, _ = strconv.Atoi(q.Get("pageSize"))
	}
	var status *domain.JobStatus
	if raw := q.Get("status"); raw != "" {
		s, err := domain.ParseJobStatus(raw)
		if err != nil {
			a.error(w, http.StatusBadRequest, "bad_request", "unknown status")
			return
		}
		status = &s
	}

	res, err := a.Jobs.List(r.Context(), page, pageSize, status)
	if err != nil {
		a.Logger.Error().Err(err).Msg("failed to list generations")
		a.error(w, http.StatusInternalServerError, "internal", "failed to list generations")
		return
	}
	items := make([]generationResponse, 0, len(res.Items))
	for i := range res.Items {
		items = append(items, toResponse(&res.Items[i]))
	}
	a.json(w, http.StatusOK, pagedResponse{
		Items:      items,
		Page:       res.Page,
		PageSize:   res.PageSize,
		TotalItems: res.TotalItems,
		TotalPages: res.TotalPages(),
	})
}

func (a *App) GetGeneration(w http.ResponseWriter, r *http.Request) {
	job, err := a.Jobs.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		a.lookupError(w, err)
		return
	}
	a.json(w, http.StatusOK, toResponse(job))
}

func (a *App) CancelGeneration(w http.ResponseWriter, r *http.Request) {
	err := a.Jobs.Cancel(r.Context(), chi.URLParam(r, "id"))
	switch {
	case err == nil:
		w.WriteHeader(http.StatusNoContent)
	case errors.Is(err, jobs.ErrNotCancellable):
		a.error(w, http.StatusConflict, "conflict", err.Error())
	default:
		a.lookupError(w, err)
	}
}

func (a *App) GenerationImage(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	rc, err := a.Jobs.OpenImage(r.Context(), id)
	if err != nil {
		if errors.Is(err, jobs.ErrImageUnavailable) {
			a.error(w, http.StatusNotFound, "not_found", err.Error())
			return
		}
		a.lookupError(w, err)
		return
	}
	defer rc.Close()
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Content-Disposition", `inline; filename="`+domain.OutputKey(id)+`"`)
	w.Header().Set("Cache-Control", "private, max-age=86400")
	if _, err := io.Copy(w, rc); err != nil {
		a.Logger.Warn().Err(err).Str("job_id", id).Msg("image stream interrupted")
	}
}

func (a *App) lookupError(w http.ResponseWriter, err error) {
	if errors.Is(err, domain.ErrNotFound) {
		a.error(w, http.StatusNotFound, "not_found", "generation not found")
		return
	}
	a.Logger.Error().Err(err).Msg("generation lookup failed")
	a.error(w, http.StatusInternalServerError, "internal", "failed to load generation")
}
