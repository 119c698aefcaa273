package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"reconstruction-service/internal/models"
)

var (
	// ErrNotFound is returned when no job exists for the given id.
	ErrNotFound = errors.New("job not found")
	// ErrInvalidTransition is returned when a status update does not follow
	// the job state graph. Callers on the async path log it and move on.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Store wraps pgxpool for Postgres persistence of job records.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

// NewWithPool wraps an existing pool; used by tests.
func NewWithPool(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Ping checks database connectivity for health reporting.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// CreateJobParams collects inputs required to insert a job record.
type CreateJobParams struct {
	ID          string
	Title       string
	Description string
	PreviewPath string
	Inputs      []models.InputFile
}

// CreateJob inserts a job row plus its ordered input files in one transaction.
// The job starts in status pending.
func (s *Store) CreateJob(ctx context.Context, p CreateJobParams) (models.Job, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Job{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	now := time.Now().UTC()
	_, err = tx.Exec(ctx, `
		INSERT INTO jobs (id, title, description, status, progress, preview_path, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 0, $5, $6, $6)
	`, p.ID, p.Title, p.Description, models.StatusPending, p.PreviewPath, now)
	if err != nil {
		return models.Job{}, fmt.Errorf("insert job: %w", err)
	}

	for i, in := range p.Inputs {
		_, err = tx.Exec(ctx, `
			INSERT INTO job_inputs (job_id, position, path, original_name, size, content_type)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, p.ID, i, in.Path, in.OriginalName, in.Size, in.ContentType)
		if err != nil {
			return models.Job{}, fmt.Errorf("insert job input: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return models.Job{}, fmt.Errorf("commit: %w", err)
	}

	return models.Job{
		ID:          p.ID,
		Title:       p.Title,
		Description: p.Description,
		Status:      models.StatusPending,
		PreviewPath: p.PreviewPath,
		Inputs:      p.Inputs,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// GetJob fetches a job with its inputs and artifacts.
func (s *Store) GetJob(ctx context.Context, id string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, title, description, status, progress, message, error_detail, preview_path, created_at, updated_at, completed_at
		FROM jobs WHERE id = $1
	`, id)

	var job models.Job
	if err := row.Scan(&job.ID, &job.Title, &job.Description, &job.Status, &job.Progress,
		&job.Message, &job.ErrorDetail, &job.PreviewPath, &job.CreatedAt, &job.UpdatedAt, &job.CompletedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Job{}, ErrNotFound
		}
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}

	inputs, err := s.jobInputs(ctx, id)
	if err != nil {
		return models.Job{}, err
	}
	job.Inputs = inputs

	artifacts, err := s.jobArtifacts(ctx, id)
	if err != nil {
		return models.Job{}, err
	}
	job.Artifacts = artifacts
	return job, nil
}

func (s *Store) jobInputs(ctx context.Context, id string) ([]models.InputFile, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT path, original_name, size, content_type
		FROM job_inputs WHERE job_id = $1 ORDER BY position
	`, id)
	if err != nil {
		return nil, fmt.Errorf("query job inputs: %w", err)
	}
	defer rows.Close()

	var inputs []models.InputFile
	for rows.Next() {
		var in models.InputFile
		if err := rows.Scan(&in.Path, &in.OriginalName, &in.Size, &in.ContentType); err != nil {
			return nil, fmt.Errorf("scan job input: %w", err)
		}
		inputs = append(inputs, in)
	}
	return inputs, rows.Err()
}

func (s *Store) jobArtifacts(ctx context.Context, id string) ([]models.Artifact, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT kind, path, size FROM job_artifacts WHERE job_id = $1 ORDER BY kind, path
	`, id)
	if err != nil {
		return nil, fmt.Errorf("query job artifacts: %w", err)
	}
	defer rows.Close()

	var artifacts []models.Artifact
	for rows.Next() {
		var a models.Artifact
		if err := rows.Scan(&a.Kind, &a.Path, &a.Size); err != nil {
			return nil, fmt.Errorf("scan job artifact: %w", err)
		}
		artifacts = append(artifacts, a)
	}
	return artifacts, rows.Err()
}

// ListFilter narrows and pages ListJobs results.
type ListFilter struct {
	Status string
	Search string
	Page   int
	Limit  int
}

// ListJobs returns a page of job rows (without inputs/artifacts) plus the
// total match count.
func (s *Store) ListJobs(ctx context.Context, f ListFilter) ([]models.Job, int, error) {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.Limit < 1 || f.Limit > 50 {
		f.Limit = 10
	}

	where := []string{"TRUE"}
	args := []any{}
	if f.Status != "" {
		args = append(args, f.Status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if f.Search != "" {
		args = append(args, "%"+f.Search+"%")
		where = append(where, fmt.Sprintf("(title ILIKE $%d OR description ILIKE $%d)", len(args), len(args)))
	}
	cond := strings.Join(where, " AND ")

	var total int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM jobs WHERE `+cond, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}

	args = append(args, f.Limit, (f.Page-1)*f.Limit)
	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
		SELECT id, title, description, status, progress, message, error_detail, preview_path, created_at, updated_at, completed_at
		FROM jobs WHERE %s ORDER BY created_at DESC LIMIT $%d OFFSET $%d
	`, cond, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()

	var jobs []models.Job
	for rows.Next() {
		var job models.Job
		if err := rows.Scan(&job.ID, &job.Title, &job.Description, &job.Status, &job.Progress,
			&job.Message, &job.ErrorDetail, &job.PreviewPath, &job.CreatedAt, &job.UpdatedAt, &job.CompletedAt); err != nil {
			return nil, 0, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, total, rows.Err()
}

// StatusPatch carries the optional fields of a status update. Nil fields are
// left untouched.
type StatusPatch struct {
	Message     *string
	ErrorDetail *string
	Progress    *int
}

// UpdateOption customizes a status update.
type UpdateOption func(*StatusPatch)

func WithMessage(msg string) UpdateOption {
	return func(p *StatusPatch) { p.Message = &msg }
}

func WithErrorDetail(detail string) UpdateOption {
	return func(p *StatusPatch) { p.ErrorDetail = &detail }
}

func WithProgress(progress int) UpdateOption {
	return func(p *StatusPatch) { p.Progress = &progress }
}

// ApplyOptions folds options into a patch. Exported so alternative JobStore
// implementations can honor the same options.
func ApplyOptions(opts ...UpdateOption) StatusPatch {
	var p StatusPatch
	for _, opt := range opts {
		opt(&p)
	}
	return p
}

// UpdateJobStatus transitions a job to the given status. The transition is
// validated against the state graph inside the UPDATE itself, so concurrent
// updaters cannot interleave an illegal move: the row only changes when its
// current status is an allowed predecessor. Terminal statuses also stamp
// completed_at.
func (s *Store) UpdateJobStatus(ctx context.Context, id, status string, opts ...UpdateOption) error {
	if !models.ValidStatus(status) {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, status)
	}
	allowed := models.AllowedFrom(status)
	if len(allowed) == 0 {
		return fmt.Errorf("%w: no path into %q", ErrInvalidTransition, status)
	}

	p := ApplyOptions(opts...)

	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $2,
		    message = COALESCE($3, message),
		    error_detail = COALESCE($4, error_detail),
		    progress = COALESCE($5, progress),
		    completed_at = CASE WHEN $6 THEN NOW() ELSE completed_at END,
		    updated_at = NOW()
		WHERE id = $1 AND status = ANY($7)
	`, id, status, p.Message, p.ErrorDetail, p.Progress, models.IsTerminal(status), allowed)
	if err != nil {
		return fmt.Errorf("update job status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var current string
		err := s.pool.QueryRow(ctx, `SELECT status FROM jobs WHERE id = $1`, id).Scan(&current)
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("check job status: %w", err)
		}
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, status)
	}
	return nil
}

// UpdateProgress records a progress percentage while a job is processing.
// GREATEST keeps progress monotonic under racing line events, and the status
// guard makes the write a no-op once the job reaches a terminal state. The
// returned flag reports whether the row changed.
func (s *Store) UpdateProgress(ctx context.Context, id string, progress int, message string) (bool, error) {
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET progress = GREATEST(progress, $2), message = $3, updated_at = NOW()
		WHERE id = $1 AND status = $4
	`, id, progress, message, models.StatusProcessing)
	if err != nil {
		return false, fmt.Errorf("update progress: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// SetArtifacts replaces the artifact set for a job.
func (s *Store) SetArtifacts(ctx context.Context, id string, artifacts []models.Artifact) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM job_artifacts WHERE job_id = $1`, id); err != nil {
		return fmt.Errorf("clear artifacts: %w", err)
	}
	for _, a := range artifacts {
		if _, err := tx.Exec(ctx, `
			INSERT INTO job_artifacts (job_id, kind, path, size) VALUES ($1, $2, $3, $4)
		`, id, a.Kind, a.Path, a.Size); err != nil {
			return fmt.Errorf("insert artifact: %w", err)
		}
	}
	return tx.Commit(ctx)
}

// JobIDsInStatus returns ids of all jobs currently in the given status.
// Used by startup reconciliation to find orphaned processing jobs.
func (s *Store) JobIDsInStatus(ctx context.Context, status string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT id FROM jobs WHERE status = $1`, status)
	if err != nil {
		return nil, fmt.Errorf("query jobs by status: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan job id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// DeleteJob removes a job record; inputs and artifacts cascade. Deleting a
// missing job is a no-op so cleanup stays idempotent.
func (s *Store) DeleteJob(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM jobs WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete job: %w", err)
	}
	return nil
}
