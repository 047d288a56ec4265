package repositories

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/northstar-et/backend/internal/models"
)

// ExportRepo persists asynchronous export jobs. Jobs are claimed by the
// worker with SKIP LOCKED so multiple workers never double-run one job.
type ExportRepo struct {
	pool *pgxpool.Pool
}

func NewExportRepo(pool *pgxpool.Pool) *ExportRepo {
	return &ExportRepo{pool: pool}
}

func (r *ExportRepo) Create(ctx context.Context, job *models.ExportJob) error {
	return r.pool.QueryRow(ctx, `
		INSERT INTO export_jobs (id, tenant_id, requested_by, format, filter, status, row_estimate)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at, updated_at
	`, job.ID, job.TenantID, job.RequestedBy, job.Format, []byte(job.Filter), job.Status, job.RowEstimate,
	).Scan(&job.CreatedAt, &job.UpdatedAt)
}

func (r *ExportRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.ExportJob, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, tenant_id, requested_by, format, filter, status, row_estimate,
		       file_path, error, created_at, updated_at, completed_at
		FROM export_jobs WHERE id = $1
	`, id)
	job, err := scanExportJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("export job %s not found", id)
	}
	return job, err
}

// ClaimNextPending atomically moves the oldest pending job to running and
// returns it, or nil when the queue is empty.
func (r *ExportRepo) ClaimNextPending(ctx context.Context) (*models.ExportJob, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE export_jobs SET status = $1, updated_at = now()
		WHERE id = (
			SELECT id FROM export_jobs
			WHERE status = $2
			ORDER BY created_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, tenant_id, requested_by, format, filter, status, row_estimate,
		          file_path, error, created_at, updated_at, completed_at
	`, models.ExportStatusRunning, models.ExportStatusPending)
	job, err := scanExportJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return job, err
}

func (r *ExportRepo) MarkCompleted(ctx context.Context, id uuid.UUID, filePath string, rowCount int64) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE export_jobs
		SET status = $1, file_path = $2, row_estimate = $3, updated_at = now(), completed_at = now()
		WHERE id = $4
	`, models.ExportStatusCompleted, filePath, rowCount, id)
	return err
}

func (r *ExportRepo) MarkFailed(ctx context.Context, id uuid.UUID, reason string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE export_jobs
		SET status = $1, error = $2, updated_at = now()
		WHERE id = $3
	`, models.ExportStatusFailed, reason, id)
	return err
}

func scanExportJob(row pgx.Row) (*models.ExportJob, error) {
	var job models.ExportJob
	var filter []byte
	err := row.Scan(&job.ID, &job.TenantID, &job.RequestedBy, &job.Format, &filter, &job.Status,
		&job.RowEstimate, &job.FilePath, &job.Error, &job.CreatedAt, &job.UpdatedAt, &job.CompletedAt)
	if err != nil {
		return nil, err
	}
	job.Filter = filter
	return &job, nil
}
