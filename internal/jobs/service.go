// Package jobs is the intake side of the generation queue: it validates and
// stores new jobs, answers lookups and cancels jobs that have not started.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"genqueue/internal/domain"
	"genqueue/internal/progress"
	"genqueue/internal/storage"
)

const (
	DefaultModel    = "sdxl"
	DefaultSteps    = 20
	DefaultGuidance = 7.5
	DefaultSize     = 1024

	DefaultPageSize = 20
	MaxPageSize     = 100

	maxPromptRunes = 2000
	nameRunes      = 50
	randomSeed     = -1
)

var (
	// ErrNotCancellable is returned when a job has already left the queue.
	ErrNotCancellable = errors.New("job cannot be cancelled")
	// ErrImageUnavailable is returned when a job has no stored image.
	ErrImageUnavailable = errors.New("image not available")
)

// ValidationError describes the first invalid field of a Request.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

func (e *ValidationError) Unwrap() error { return domain.ErrInvalidJob }

// Request carries the caller supplied generation parameters. Nil fields take
// their defaults.
type Request struct {
	Prompt         string   `json:"prompt"`
	NegativePrompt string   `json:"negative_prompt,omitempty"`
	Model          string   `json:"model,omitempty"`
	Steps          *int     `json:"steps,omitempty"`
	Guidance       *float64 `json:"guidance,omitempty"`
	Width          *int     `json:"width,omitempty"`
	Height         *int     `json:"height,omitempty"`
	Seed           *int     `json:"seed,omitempty"`
}

// Page is one slice of the newest-first job listing.
type Page struct {
	Items      []domain.Job
	Page       int
	PageSize   int
	TotalItems int
}

// TotalPages rounds up.
func (p Page) TotalPages() int {
	if p.PageSize <= 0 {
		return 0
	}
	return (p.TotalItems + p.PageSize - 1) / p.PageSize
}

type Broadcaster interface {
	BroadcastToJob(ctx context.Context, jobID string, env progress.Envelope)
}

// ImageSource opens stored outputs by key.
type ImageSource interface {
	Open(key string) (io.ReadCloser, error)
}

type Observer interface {
	JobQueued()
	JobCancelled()
}

type Options struct {
	Broadcaster Broadcaster
	Observer    Observer
	Logger      zerolog.Logger
	Now         func() time.Time
}

type Service struct {
	store    domain.JobStore
	images   ImageSource
	notify   Broadcaster
	observer Observer
	logger   zerolog.Logger
	now      func() time.Time
}

func NewService(store domain.JobStore, images ImageSource, opts Options) *Service {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{
		store:    store,
		images:   images,
		notify:   opts.Broadcaster,
		observer: opts.Observer,
		logger:   opts.Logger,
		now:      opts.Now,
	}
}

// Enqueue validates req and stores a new queued job.
func (s *Service) Enqueue(ctx context.Context, req Request) (*domain.Job, error) {
	job, err := buildJob(req)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	job.ID = uuid.NewString()
	job.Status = domain.JobStatusQueued
	job.CreatedAt = now
	job.UpdatedAt = now

	if err := s.store.Insert(ctx, job); err != nil {
		return nil, fmt.Errorf("insert job: %w", err)
	}
	if s.observer != nil {
		s.observer.JobQueued()
	}
	s.logger.Info().Str("job_id", job.ID).Str("model", job.Model).Str("name", job.Name).Msg("jobs: queued")
	return job, nil
}

func (s *Service) Get(ctx context.Context, id string) (*domain.Job, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, domain.ErrNotFound
	}
	return s.store.Get(ctx, id)
}

// List returns page (1-based) of jobs newest first, optionally filtered by
// status. Out of range paging values are clamped.
func (s *Service) List(ctx context.Context, page, pageSize int, status *domain.JobStatus) (Page, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = DefaultPageSize
	}
	if pageSize > MaxPageSize {
		pageSize = MaxPageSize
	}
	items, err := s.store.List(ctx, domain.ListFilter{
		Skip:   (page - 1) * pageSize,
		Take:   pageSize,
		Status: status,
	})
	if err != nil {
		return Page{}, fmt.Errorf("list jobs: %w", err)
	}
	counts, err := s.store.CountByStatus(ctx)
	if err != nil {
		return Page{}, fmt.Errorf("count jobs: %w", err)
	}
	total := 0
	for st, n := range counts {
		if status == nil || st == *status {
			total += n
		}
	}
	return Page{Items: items, Page: page, PageSize: pageSize, TotalItems: total}, nil
}

// Cancel moves a queued job to cancelled. A job that is no longer queued,
// including one claimed by a worker concurrently, yields ErrNotCancellable.
func (s *Service) Cancel(ctx context.Context, id string) error {
	job, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if job.Status != domain.JobStatusQueued {
		return fmt.Errorf("%w: status is %s", ErrNotCancellable, job.Status)
	}
	ok, err := s.store.UpdateStatusIfCurrent(ctx, id, domain.JobStatusQueued, domain.JobStatusCancelled, domain.JobUpdate{
		UpdatedAt: s.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("cancel job: %w", err)
	}
	if !ok {
		current, err := s.store.Get(ctx, id)
		if err != nil {
			return err
		}
		return fmt.Errorf("%w: status is %s", ErrNotCancellable, current.Status)
	}

	if s.notify != nil {
		s.notify.BroadcastToJob(ctx, id, progress.Cancelled(id))
	}
	if s.observer != nil {
		s.observer.JobCancelled()
	}
	s.logger.Info().Str("job_id", id).Msg("jobs: cancelled")
	return nil
}

// OpenImage streams the rendered image of a completed job.
func (s *Service) OpenImage(ctx context.Context, id string) (io.ReadCloser, error) {
	job, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Status != domain.JobStatusCompleted {
		return nil, fmt.Errorf("%w: generation not completed", ErrImageUnavailable)
	}
	rc, err := s.images.Open(domain.OutputKey(job.ID))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: image file not found", ErrImageUnavailable)
	}
	return rc, err
}

func buildJob(req Request) (*domain.Job, error) {
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, &ValidationError{Field: "prompt", Message: "prompt is required"}
	}
	if utf8.RuneCountInString(req.Prompt) > maxPromptRunes {
		return nil, &ValidationError{Field: "prompt", Message: fmt.Sprintf("prompt exceeds %d characters", maxPromptRunes)}
	}

	job := &domain.Job{
		Name:           jobName(req.Prompt),
		Prompt:         req.Prompt,
		NegativePrompt: req.NegativePrompt,
		Model:          req.Model,
		Steps:          intOr(req.Steps, DefaultSteps),
		Guidance:       DefaultGuidance,
		Width:          intOr(req.Width, DefaultSize),
		Height:         intOr(req.Height, DefaultSize),
	}
	if job.Model == "" {
		job.Model = DefaultModel
	}
	if req.Guidance != nil {
		job.Guidance = *req.Guidance
	}
	if req.Seed != nil && *req.Seed != randomSeed {
		seed := *req.Seed
		if seed < 0 || seed > math.MaxInt32 {
			return nil, &ValidationError{Field: "seed", Message: fmt.Sprintf("seed must be -1 or 0-%d", math.MaxInt32)}
		}
		job.Seed = &seed
	}

	if !validDimension(job.Width) {
		return nil, &ValidationError{Field: "width", Message: "width must be 64-2048 and divisible by 64"}
	}
	if !validDimension(job.Height) {
		return nil, &ValidationError{Field: "height", Message: "height must be 64-2048 and divisible by 64"}
	}
	if job.Steps < 1 || job.Steps > 100 {
		return nil, &ValidationError{Field: "steps", Message: "steps must be 1-100"}
	}
	if job.Guidance < 0 || job.Guidance > 30 {
		return nil, &ValidationError{Field: "guidance", Message: "guidance must be 0-30"}
	}
	return job, nil
}

func jobName(prompt string) string {
	if utf8.RuneCountInString(prompt) <= nameRunes {
		return prompt
	}
	return string([]rune(prompt)[:nameRunes]) + "..."
}

func validDimension(v int) bool {
	return v >= 64 && v <= 2048 && v%64 == 0
}

func intOr(v *int, fallback int) int {
	if v == nil {
		return fallback
	}
	return *v
}

// Stats returns the number of stored jobs per status.
func (s *Service) Stats(ctx context.Context) (map[domain.JobStatus]int, error) {
	return s.store.CountByStatus(ctx)
}
