package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"genqueue/internal/domain"
)

// StaleReason is the error message recorded on recovered jobs.
const StaleReason = "worker interrupted before completion"

// RecoverStale fails processing jobs that have not been updated within grace,
// freeing the single processing slot after a crash. grace must exceed the
// backend timeout so live jobs on other replicas are never touched.
func RecoverStale(ctx context.Context, store domain.JobStore, grace time.Duration, logger zerolog.Logger) (int, error) {
	cutoff := time.Now().Add(-grace).UTC()
	n, err := store.FailStale(ctx, cutoff, StaleReason)
	if err != nil {
		return 0, fmt.Errorf("recover stale jobs: %w", err)
	}
	if n > 0 {
		logger.Warn().Int("jobs", n).Dur("grace", grace).Msg("worker: failed stale processing jobs")
	}
	return n, nil
}
