package repo

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"genqueue/internal/domain"
	"genqueue/internal/infra"
	"genqueue/internal/sqlinline"
)

// JobRepositoryPG implements domain.JobStore on PostgreSQL.
type JobRepositoryPG struct {
	sql infra.SQLExecutor
}

// NewJobRepository creates a new job repository backed by PostgreSQL.
func NewJobRepository(sql infra.SQLExecutor) *JobRepositoryPG {
	return &JobRepositoryPG{sql: sql}
}

// EnsureSchema creates the jobs table and its indexes.
func (r *JobRepositoryPG) EnsureSchema(ctx context.Context) error {
	for _, q := range sqlinline.QEnsureJobSchema {
		if _, err := r.sql.Exec(ctx, q); err != nil {
			return fmt.Errorf("ensure job schema: %w", err)
		}
	}
	return nil
}

// Insert stores a new queued job.
func (r *JobRepositoryPG) Insert(ctx context.Context, job *domain.Job) error {
	if job == nil || job.ID == "" {
		return fmt.Errorf("%w: id is required", domain.ErrInvalidJob)
	}
	_, err := r.sql.Exec(ctx, sqlinline.QJobInsert,
		job.ID,
		job.Name,
		job.Prompt,
		job.NegativePrompt,
		job.Model,
		job.Width,
		job.Height,
		job.Steps,
		job.Guidance,
		job.Seed,
		string(job.Status),
		job.BackendJobID,
		job.OutputPath,
		job.ErrorMessage,
		job.CreatedAt,
		job.UpdatedAt,
		job.CompletedAt,
		job.DurationMs,
	)
	return err
}

// Get fetches a job by its identifier.
func (r *JobRepositoryPG) Get(ctx context.Context, id string) (*domain.Job, error) {
	job, err := scanJob(r.sql.QueryRow(ctx, sqlinline.QJobGet, id))
	if err != nil {
		if infra.IsNoRows(err) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return job, nil
}

// FindOldestQueued returns the next job in FIFO order without claiming it.
func (r *JobRepositoryPG) FindOldestQueued(ctx context.Context) (*domain.Job, error) {
	job, err := scanJob(r.sql.QueryRow(ctx, sqlinline.QJobOldestQueued))
	if err != nil {
		if infra.IsNoRows(err) {
			return nil, domain.ErrNoJobAvailable
		}
		return nil, err
	}
	return job, nil
}

// ClaimNext moves the oldest queued job to processing in one statement.
func (r *JobRepositoryPG) ClaimNext(ctx context.Context, now time.Time) (*domain.Job, error) {
	job, err := scanJob(r.sql.QueryRow(ctx, sqlinline.QWorkerClaimJob, now.UTC()))
	if err != nil {
		// Another replica won the single processing slot.
		if infra.IsNoRows(err) || infra.IsUniqueViolation(err) {
			return nil, domain.ErrNoJobAvailable
		}
		return nil, err
	}
	return job, nil
}

// UpdateStatusIfCurrent performs the conditional status write.
func (r *JobRepositoryPG) UpdateStatusIfCurrent(ctx context.Context, id string, expected, next domain.JobStatus, upd domain.JobUpdate) (bool, error) {
	if err := domain.CheckUpdate(expected, next); err != nil {
		return false, err
	}
	updatedAt := upd.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}
	tag, err := r.sql.Exec(ctx, sqlinline.QJobUpdateIfCurrent,
		id,
		string(expected),
		string(next),
		upd.BackendJobID,
		upd.OutputPath,
		upd.ErrorMessage,
		upd.CompletedAt,
		upd.DurationMs,
		updatedAt.UTC(),
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// List returns jobs newest first.
func (r *JobRepositoryPG) List(ctx context.Context, filter domain.ListFilter) ([]domain.Job, error) {
	var status *string
	if filter.Status != nil {
		s := string(*filter.Status)
		status = &s
	}
	rows, err := r.sql.Query(ctx, sqlinline.QJobList, filter.Skip, filter.Take, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

// CountByStatus returns the number of jobs per status.
func (r *JobRepositoryPG) CountByStatus(ctx context.Context) (map[domain.JobStatus]int, error) {
	rows, err := r.sql.Query(ctx, sqlinline.QJobCountByStatus)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[domain.JobStatus]int)
	for rows.Next() {
		var (
			status string
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[domain.JobStatus(status)] = int(n)
	}
	return counts, rows.Err()
}

// FailStale fails processing jobs not updated since olderThan.
func (r *JobRepositoryPG) FailStale(ctx context.Context, olderThan time.Time, reason string) (int, error) {
	tag, err := r.sql.Exec(ctx, sqlinline.QWorkerFailStale, olderThan.UTC(), reason, time.Now().UTC())
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func scanJob(row pgx.Row) (*domain.Job, error) {
	var (
		job    domain.Job
		status string
	)
	if err := row.Scan(
		&job.ID,
		&job.Name,
		&job.Prompt,
		&job.NegativePrompt,
		&job.Model,
		&job.Width,
		&job.Height,
		&job.Steps,
		&job.Guidance,
		&job.Seed,
		&status,
		&job.BackendJobID,
		&job.OutputPath,
		&job.ErrorMessage,
		&job.CreatedAt,
		&job.UpdatedAt,
		&job.CompletedAt,
		&job.DurationMs,
	); err != nil {
		return nil, err
	}
	job.Status = domain.JobStatus(status)
	return &job, nil
}

var _ domain.JobStore = (*JobRepositoryPG)(nil)
