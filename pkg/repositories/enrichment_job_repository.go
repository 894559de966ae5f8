package repositories

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/VAV-Technologies/clay-clone-sub000/pkg/apperrors"
	"github.com/VAV-Technologies/clay-clone-sub000/pkg/database"
	"github.com/VAV-Technologies/clay-clone-sub000/pkg/models"
)

// EnrichmentJobRepository provides sync-job data access.
type EnrichmentJobRepository interface {
	Create(ctx context.Context, job *models.EnrichmentJob) error
	Get(ctx context.Context, id uuid.UUID) (*models.EnrichmentJob, error)
	Update(ctx context.Context, job *models.EnrichmentJob) error

	// GetActiveByColumn returns pending/running jobs targeting a column.
	GetActiveByColumn(ctx context.Context, columnID uuid.UUID) ([]*models.EnrichmentJob, error)
}

type enrichmentJobRepository struct {
	db *database.DB
}

// NewEnrichmentJobRepository creates a new Postgres-backed job repository.
func NewEnrichmentJobRepository(db *database.DB) EnrichmentJobRepository {
	return &enrichmentJobRepository{db: db}
}

const enrichmentJobColumns = `
	id, table_id, config_id, column_id, row_ids, current_index,
	processed_count, error_count, total_cost, status,
	created_at, updated_at, started_at, completed_at`

func (r *enrichmentJobRepository) Create(ctx context.Context, job *models.EnrichmentJob) error {
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	now := time.Now()
	job.CreatedAt = now
	job.UpdatedAt = now
	if job.Status == "" {
		job.Status = models.JobStatusPending
	}

	rowIDs, err := json.Marshal(job.RowIDs)
	if err != nil {
		return fmt.Errorf("failed to marshal row ids: %w", err)
	}

	query := `
		INSERT INTO enrichment_jobs (` + enrichmentJobColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`

	_, err = r.db.Exec(ctx, query,
		job.ID, job.TableID, job.ConfigID, job.ColumnID, rowIDs, job.CurrentIndex,
		job.ProcessedCount, job.ErrorCount, job.TotalCost, job.Status,
		job.CreatedAt, job.UpdatedAt, job.StartedAt, job.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create enrichment job: %w", err)
	}

	return nil
}

func (r *enrichmentJobRepository) Get(ctx context.Context, id uuid.UUID) (*models.EnrichmentJob, error) {
	query := `SELECT ` + enrichmentJobColumns + ` FROM enrichment_jobs WHERE id = $1`

	job, err := scanEnrichmentJob(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get enrichment job: %w", err)
	}
	return job, nil
}

func (r *enrichmentJobRepository) Update(ctx context.Context, job *models.EnrichmentJob) error {
	job.UpdatedAt = time.Now()

	query := `
		UPDATE enrichment_jobs
		SET current_index = $2, processed_count = $3, error_count = $4,
		    total_cost = $5, status = $6, updated_at = $7,
		    started_at = $8, completed_at = $9
		WHERE id = $1`

	result, err := r.db.Exec(ctx, query,
		job.ID, job.CurrentIndex, job.ProcessedCount, job.ErrorCount,
		job.TotalCost, job.Status, job.UpdatedAt,
		job.StartedAt, job.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update enrichment job: %w", err)
	}
	if result.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}

	return nil
}

func (r *enrichmentJobRepository) GetActiveByColumn(ctx context.Context, columnID uuid.UUID) ([]*models.EnrichmentJob, error) {
	query := `
		SELECT ` + enrichmentJobColumns + `
		FROM enrichment_jobs
		WHERE column_id = $1 AND status IN ('pending', 'running')
		ORDER BY created_at`

	rows, err := r.db.Query(ctx, query, columnID)
	if err != nil {
		return nil, fmt.Errorf("failed to get active jobs: %w", err)
	}
	defer rows.Close()

	var result []*models.EnrichmentJob
	for rows.Next() {
		job, err := scanEnrichmentJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan enrichment job: %w", err)
		}
		result = append(result, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read enrichment jobs: %w", err)
	}
	return result, nil
}

func scanEnrichmentJob(row pgx.Row) (*models.EnrichmentJob, error) {
	var job models.EnrichmentJob
	var rowIDs []byte

	err := row.Scan(
		&job.ID, &job.TableID, &job.ConfigID, &job.ColumnID, &rowIDs, &job.CurrentIndex,
		&job.ProcessedCount, &job.ErrorCount, &job.TotalCost, &job.Status,
		&job.CreatedAt, &job.UpdatedAt, &job.StartedAt, &job.CompletedAt,
	)
	if err != nil {
		return nil, err
	}

	if len(rowIDs) > 0 {
		if err := json.Unmarshal(rowIDs, &job.RowIDs); err != nil {
			return nil, fmt.Errorf("failed to unmarshal row ids: %w", err)
		}
	}

	return &job, nil
}

var _ EnrichmentJobRepository = (*enrichmentJobRepository)(nil)
