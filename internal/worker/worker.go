// Package worker drives queued generation jobs through the backend one at a
// time. Replicas coordinate only through JobStore.ClaimNext.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"

	"genqueue/internal/comfyui"
	"genqueue/internal/domain"
)

const (
	defaultPollInterval        = 5 * time.Second
	defaultBackendPollInterval = 2 * time.Second
	defaultBackendTimeout      = 300 * time.Second
	persistTimeout             = 10 * time.Second
)

// ErrTimeout is wrapped by the error of a job whose backend never finished.
var ErrTimeout = errors.New("generation timed out")

var errNoOutput = errors.New("no output image found")

// Backend is the generation service contract the worker depends on.
type Backend interface {
	Submit(ctx context.Context, wf comfyui.Workflow) (string, error)
	GetStatus(ctx context.Context, backendJobID string) (*comfyui.History, error)
	FetchOutput(ctx context.Context, ref comfyui.OutputRef) (io.ReadCloser, error)
}

type Templates interface {
	Resolve(name string, p comfyui.Params) (comfyui.Workflow, error)
}

// Tracker links backend prompts to jobs and emits terminal notifications.
type Tracker interface {
	Track(backendJobID, jobID string)
	NotifyCompleted(ctx context.Context, jobID, outputPath string)
	NotifyFailed(ctx context.Context, jobID, errText string)
}

type OutputWriter interface {
	WriteStream(ctx context.Context, key string, r io.Reader) (string, error)
}

// Observer receives job lifecycle measurements.
type Observer interface {
	JobStarted()
	JobFinished(status domain.JobStatus, took time.Duration)
}

type Options struct {
	PollInterval        time.Duration
	BackendPollInterval time.Duration
	BackendTimeout      time.Duration
	Tracker             Tracker
	Observer            Observer
	Logger              zerolog.Logger
	Now                 func() time.Time
}

// Worker is the single logical owner of job execution in a process.
type Worker struct {
	store     domain.JobStore
	backend   Backend
	templates Templates
	outputs   OutputWriter
	tracker   Tracker
	observer  Observer
	logger    zerolog.Logger
	now       func() time.Time

	pollInterval        time.Duration
	backendPollInterval time.Duration
	backendTimeout      time.Duration
}

func New(store domain.JobStore, backend Backend, templates Templates, outputs OutputWriter, opts Options) *Worker {
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.BackendPollInterval <= 0 {
		opts.BackendPollInterval = defaultBackendPollInterval
	}
	if opts.BackendTimeout <= 0 {
		opts.BackendTimeout = defaultBackendTimeout
	}
	if opts.Tracker == nil {
		opts.Tracker = nopTracker{}
	}
	if opts.Observer == nil {
		opts.Observer = nopObserver{}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Worker{
		store:               store,
		backend:             backend,
		templates:           templates,
		outputs:             outputs,
		tracker:             opts.Tracker,
		observer:            opts.Observer,
		logger:              opts.Logger,
		now:                 opts.Now,
		pollInterval:        opts.PollInterval,
		backendPollInterval: opts.BackendPollInterval,
		backendTimeout:      opts.BackendTimeout,
	}
}

// Run processes jobs until ctx is done. After a job it looks for the next one
// immediately; an empty queue waits one poll interval.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info().Dur("poll_interval", w.pollInterval).Msg("worker: started")
	for {
		processed, err := w.ProcessNext(ctx)
		if ctx.Err() != nil {
			w.logger.Info().Msg("worker: stopped")
			return ctx.Err()
		}
		if err != nil {
			w.logger.Error().Err(err).Msg("worker: failed to claim job")
		}
		if processed {
			continue
		}
		select {
		case <-ctx.Done():
			w.logger.Info().Msg("worker: stopped")
			return ctx.Err()
		case <-time.After(w.pollInterval):
		}
	}
}

// ProcessNext claims the oldest queued job and runs it to a terminal status.
// It reports false when no job could be claimed. Job failures are recorded on
// the job, not returned.
func (w *Worker) ProcessNext(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNext(ctx, w.now().UTC())
	if errors.Is(err, domain.ErrNoJobAvailable) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("claim job: %w", err)
	}

	w.logger.Info().Str("job_id", job.ID).Str("model", job.Model).Msg("worker: picked job")
	w.observer.JobStarted()
	outputPath, runErr := w.execute(ctx, job)
	w.finish(ctx, job, outputPath, runErr)
	return true, nil
}

func (w *Worker) execute(ctx context.Context, job *domain.Job) (string, error) {
	wf, err := w.templates.Resolve(comfyui.TemplateName(job.Model), comfyui.Params{
		Prompt:         job.Prompt,
		NegativePrompt: job.NegativePrompt,
		Seed:           job.Seed,
		Steps:          job.Steps,
		Guidance:       job.Guidance,
		Width:          job.Width,
		Height:         job.Height,
	})
	if err != nil {
		return "", err
	}

	backendJobID, err := w.backend.Submit(ctx, wf)
	if err != nil {
		return "", err
	}
	ok, err := w.store.UpdateStatusIfCurrent(ctx, job.ID, domain.JobStatusProcessing, domain.JobStatusProcessing, domain.JobUpdate{
		BackendJobID: &backendJobID,
		UpdatedAt:    w.now().UTC(),
	})
	if err != nil {
		return "", fmt.Errorf("record backend job id: %w", err)
	}
	if !ok {
		return "", fmt.Errorf("job %s is no longer processing", job.ID)
	}
	w.tracker.Track(backendJobID, job.ID)
	w.logger.Info().Str("job_id", job.ID).Str("backend_job_id", backendJobID).Msg("worker: submitted to backend")

	history, err := w.await(ctx, backendJobID)
	if err != nil {
		return "", err
	}
	ref, ok := history.FirstImage()
	if !ok {
		return "", errNoOutput
	}
	body, err := w.backend.FetchOutput(ctx, ref)
	if err != nil {
		return "", err
	}
	defer body.Close()
	path, err := w.outputs.WriteStream(ctx, domain.OutputKey(job.ID), body)
	if err != nil {
		return "", fmt.Errorf("save output: %w", err)
	}
	return path, nil
}

// await polls the backend until the prompt finishes, the timeout elapses or
// ctx is done. The first poll happens one interval after submission.
func (w *Worker) await(ctx context.Context, backendJobID string) (*comfyui.History, error) {
	deadline := time.NewTimer(w.backendTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(w.backendPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-deadline.C:
			return nil, fmt.Errorf("%w after %s", ErrTimeout, seconds(w.backendTimeout))
		case <-ticker.C:
		}
		history, err := w.backend.GetStatus(ctx, backendJobID)
		if err != nil {
			return nil, err
		}
		if !history.Done() {
			continue
		}
		if history.Failed() {
			return nil, fmt.Errorf("backend execution failed: %s", history.ErrorText())
		}
		return history, nil
	}
}

// finish records the terminal status. It still runs when ctx was cancelled
// mid-job so a stopping worker never leaves the job processing. Subscribers
// only hear about a terminal status this worker actually wrote.
func (w *Worker) finish(ctx context.Context, job *domain.Job, outputPath string, runErr error) {
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	now := w.now().UTC()
	log := w.logger.With().Str("job_id", job.ID).Logger()

	took := now.Sub(job.CreatedAt)
	if took < 0 {
		took = 0
	}

	if runErr == nil {
		durationMs := took.Milliseconds()
		ok, err := w.store.UpdateStatusIfCurrent(pctx, job.ID, domain.JobStatusProcessing, domain.JobStatusCompleted, domain.JobUpdate{
			OutputPath:  &outputPath,
			CompletedAt: &now,
			DurationMs:  &durationMs,
			UpdatedAt:   now,
		})
		switch {
		case err != nil:
			log.Error().Err(err).Msg("worker: persist completion failed")
		case !ok:
			log.Warn().Msg("worker: job left processing before completion was recorded")
		default:
			log.Info().Int64("duration_ms", durationMs).Str("output_path", outputPath).Msg("worker: job completed")
			w.tracker.NotifyCompleted(pctx, job.ID, outputPath)
		}
		w.observer.JobFinished(w.recordedStatus(pctx, job.ID, domain.JobStatusCompleted, ok, err), took)
		return
	}

	msg := runErr.Error()
	if ctx.Err() != nil {
		msg = "worker stopped before completion: " + msg
	}
	ok, err := w.store.UpdateStatusIfCurrent(pctx, job.ID, domain.JobStatusProcessing, domain.JobStatusFailed, domain.JobUpdate{
		ErrorMessage: &msg,
		UpdatedAt:    now,
	})
	switch {
	case err != nil:
		log.Error().Err(err).Msg("worker: persist failure failed")
	case !ok:
		log.Warn().Msg("worker: job left processing before failure was recorded")
	default:
		log.Error().Err(runErr).Msg("worker: job failed")
		w.tracker.NotifyFailed(pctx, job.ID, msg)
	}
	w.observer.JobFinished(w.recordedStatus(pctx, job.ID, domain.JobStatusFailed, ok, err), took)
}

// recordedStatus is the status the job ended in: the attempted one when the
// write went through or its outcome is unknown, the stored one otherwise.
func (w *Worker) recordedStatus(ctx context.Context, id string, attempted domain.JobStatus, ok bool, err error) domain.JobStatus {
	if ok || err != nil {
		return attempted
	}
	job, gerr := w.store.Get(ctx, id)
	if gerr != nil {
		return attempted
	}
	return job.Status
}

func seconds(d time.Duration) string {
	if d%time.Second == 0 {
		return fmt.Sprintf("%ds", int64(d/time.Second))
	}
	return d.String()
}

type nopTracker struct{}

func (nopTracker) Track(string, string) {}
func (nopTracker) NotifyCompleted(context.Context, string, string) {}
func (nopTracker) NotifyFailed(context.Context, string, string) {}

type nopObserver struct{}

func (nopObserver) JobStarted() {}
func (nopObserver) JobFinished(domain.JobStatus, time.Duration) {}
