package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"genqueue/internal/domain"
	"genqueue/internal/infra"
	"genqueue/internal/sqlinline"
)

// JobRepositorySQLite implements domain.JobStore on SQLite for single-host
// deployments and tests.
type JobRepositorySQLite struct {
	db *sql.DB
}

// NewSQLiteJobRepository wraps an open SQLite handle.
func NewSQLiteJobRepository(db *sql.DB) *JobRepositorySQLite {
	return &JobRepositorySQLite{db: db}
}

func (r *JobRepositorySQLite) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	_, body, err := infra.ExtractMarker(query)
	if err != nil {
		return nil, err
	}
	return r.db.ExecContext(ctx, body, args...)
}

func (r *JobRepositorySQLite) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	_, body, err := infra.ExtractMarker(query)
	if err != nil {
		// An invalid marker is a programming error; surface it through Scan.
		body = "select raise(abort, 'sql marker missing or invalid')"
		args = nil
	}
	return r.db.QueryRowContext(ctx, body, args...)
}

func (r *JobRepositorySQLite) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	_, body, err := infra.ExtractMarker(query)
	if err != nil {
		return nil, err
	}
	return r.db.QueryContext(ctx, body, args...)
}

// EnsureSchema creates the jobs table and its indexes.
func (r *JobRepositorySQLite) EnsureSchema(ctx context.Context) error {
	for _, q := range sqlinline.QSQLiteEnsureJobSchema {
		if _, err := r.exec(ctx, q); err != nil {
			return fmt.Errorf("ensure job schema: %w", err)
		}
	}
	return nil
}

func (r *JobRepositorySQLite) Insert(ctx context.Context, job *domain.Job) error {
	if job == nil || job.ID == "" {
		return fmt.Errorf("%w: id is required", domain.ErrInvalidJob)
	}
	var seed sql.NullInt64
	if job.Seed != nil {
		seed = sql.NullInt64{Int64: int64(*job.Seed), Valid: true}
	}
	_, err := r.exec(ctx, sqlinline.QSQLiteJobInsert,
		job.ID,
		job.Name,
		job.Prompt,
		job.NegativePrompt,
		job.Model,
		job.Width,
		job.Height,
		job.Steps,
		job.Guidance,
		seed,
		string(job.Status),
		job.BackendJobID,
		job.OutputPath,
		job.ErrorMessage,
		toMillis(job.CreatedAt),
		toMillis(job.UpdatedAt),
		nullMillis(job.CompletedAt),
		nullInt(job.DurationMs),
	)
	return err
}

func (r *JobRepositorySQLite) Get(ctx context.Context, id string) (*domain.Job, error) {
	job, err := scanSQLiteJob(r.queryRow(ctx, sqlinline.QSQLiteJobGet, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return job, err
}

func (r *JobRepositorySQLite) FindOldestQueued(ctx context.Context) (*domain.Job, error) {
	job, err := scanSQLiteJob(r.queryRow(ctx, sqlinline.QSQLiteJobOldestQueued))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNoJobAvailable
	}
	return job, err
}

func (r *JobRepositorySQLite) ClaimNext(ctx context.Context, now time.Time) (*domain.Job, error) {
	job, err := scanSQLiteJob(r.queryRow(ctx, sqlinline.QSQLiteClaimJob, toMillis(now)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNoJobAvailable
	}
	return job, err
}

func (r *JobRepositorySQLite) UpdateStatusIfCurrent(ctx context.Context, id string, expected, next domain.JobStatus, upd domain.JobUpdate) (bool, error) {
	if err := domain.CheckUpdate(expected, next); err != nil {
		return false, err
	}
	updatedAt := upd.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}
	res, err := r.exec(ctx, sqlinline.QSQLiteJobUpdateIfCurrent,
		string(next),
		nullString(upd.BackendJobID),
		nullString(upd.OutputPath),
		nullString(upd.ErrorMessage),
		nullMillis(upd.CompletedAt),
		nullInt(upd.DurationMs),
		toMillis(updatedAt),
		id,
		string(expected),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *JobRepositorySQLite) List(ctx context.Context, filter domain.ListFilter) ([]domain.Job, error) {
	var status sql.NullString
	if filter.Status != nil {
		status = sql.NullString{String: string(*filter.Status), Valid: true}
	}
	rows, err := r.query(ctx, sqlinline.QSQLiteJobList, status, status, filter.Take, filter.Skip)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []domain.Job
	for rows.Next() {
		job, err := scanSQLiteJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

func (r *JobRepositorySQLite) CountByStatus(ctx context.Context) (map[domain.JobStatus]int, error) {
	rows, err := r.query(ctx, sqlinline.QSQLiteJobCountByStatus)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[domain.JobStatus]int)
	for rows.Next() {
		var (
			status string
			n      int
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[domain.JobStatus(status)] = n
	}
	return counts, rows.Err()
}

func (r *JobRepositorySQLite) FailStale(ctx context.Context, olderThan time.Time, reason string) (int, error) {
	res, err := r.exec(ctx, sqlinline.QSQLiteFailStale, reason, toMillis(time.Now()), toMillis(olderThan))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteJob(row rowScanner) (*domain.Job, error) {
	var (
		job         domain.Job
		status      string
		seed        sql.NullInt64
		createdAt   int64
		updatedAt   int64
		completedAt sql.NullInt64
		durationMs  sql.NullInt64
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
		&seed,
		&status,
		&job.BackendJobID,
		&job.OutputPath,
		&job.ErrorMessage,
		&createdAt,
		&updatedAt,
		&completedAt,
		&durationMs,
	); err != nil {
		return nil, err
	}
	job.Status = domain.JobStatus(status)
	job.CreatedAt = fromMillis(createdAt)
	job.UpdatedAt = fromMillis(updatedAt)
	if seed.Valid {
		v := int(seed.Int64)
		job.Seed = &v
	}
	if completedAt.Valid {
		t := fromMillis(completedAt.Int64)
		job.CompletedAt = &t
	}
	if durationMs.Valid {
		v := durationMs.Int64
		job.DurationMs = &v
	}
	return &job, nil
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func nullInt(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func nullString(v *string) sql.NullString {
	if v == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *v, Valid: true}
}

var _ domain.JobStore = (*JobRepositorySQLite)(nil)
