package domain

import (
	"context"
	"time"
)

// ListFilter narrows JobStore.List results. Results are newest first.
type ListFilter struct {
	Skip   int
	Take   int
	Status *JobStatus
}

// JobStore is the durable record of generation jobs. It is the single arbiter
// of the one-processing-job invariant: every status change goes through a
// conditional write and ClaimNext refuses to claim while a job is processing.
type JobStore interface {
	Insert(ctx context.Context, job *Job) error
	Get(ctx context.Context, id string) (*Job, error)
	FindOldestQueued(ctx context.Context) (*Job, error)
	// ClaimNext atomically moves the oldest queued job to processing and
	// returns it, or ErrNoJobAvailable.
	ClaimNext(ctx context.Context, now time.Time) (*Job, error)
	// UpdateStatusIfCurrent writes next only while the stored status is still
	// expected. A lost race returns false with a nil error.
	UpdateStatusIfCurrent(ctx context.Context, id string, expected, next JobStatus, upd JobUpdate) (bool, error)
	List(ctx context.Context, filter ListFilter) ([]Job, error)
	CountByStatus(ctx context.Context) (map[JobStatus]int, error)
	// FailStale fails processing jobs not updated since olderThan.
	FailStale(ctx context.Context, olderThan time.Time, reason string) (int, error)
}
