package domain

import (
	"fmt"
	"strings"
	"time"
)

// JobStatus enumerates job lifecycle states.
type JobStatus string

const (
	JobStatusQueued     JobStatus = "queued"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCancelled  JobStatus = "cancelled"
)

// transitions lists every status change a job may make. Anything absent is rejected.
var transitions = map[JobStatus][]JobStatus{
	JobStatusQueued:     {JobStatusProcessing, JobStatusCancelled},
	JobStatusProcessing: {JobStatusCompleted, JobStatusFailed},
}

// Valid reports whether s is a known status.
func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusQueued, JobStatusProcessing, JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether no transition leaves s.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCancelled
}

// ParseJobStatus normalizes free-form input into a JobStatus.
func ParseJobStatus(v string) (JobStatus, error) {
	s := JobStatus(strings.ToLower(strings.TrimSpace(v)))
	if !s.Valid() {
		return "", fmt.Errorf("%w: unknown status %q", ErrInvalidJob, v)
	}
	return s, nil
}

// CanTransition reports whether a job may move from one status to another.
func CanTransition(from, to JobStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CheckUpdate validates a conditional status write. Writing the same
// non-terminal status is allowed so fields can be updated in place.
func CheckUpdate(expected, next JobStatus) error {
	if expected == next && expected.Valid() && !expected.Terminal() {
		return nil
	}
	if !CanTransition(expected, next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, expected, next)
	}
	return nil
}

// Job is a single image generation request tracked through its lifecycle.
type Job struct {
	ID             string
	Name           string
	Prompt         string
	NegativePrompt string
	Model          string
	Width          int
	Height         int
	Steps          int
	Guidance       float64
	Seed           *int
	Status         JobStatus
	BackendJobID   string
	OutputPath     string
	ErrorMessage   string
	CreatedAt      time.Time
	UpdatedAt      time.Time
	CompletedAt    *time.Time
	DurationMs     *int64
}

// JobUpdate carries the optional fields written alongside a status change.
// Nil pointers leave the stored value untouched.
type JobUpdate struct {
	BackendJobID *string
	OutputPath   *string
	ErrorMessage *string
	CompletedAt  *time.Time
	DurationMs   *int64
	UpdatedAt    time.Time
}

// OutputKey is the id-addressed storage key of a job's rendered image.
func OutputKey(jobID string) string {
	return jobID + ".png"
}
