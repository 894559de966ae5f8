package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/VAV-Technologies/clay-clone-sub000/pkg/apperrors"
	"github.com/VAV-Technologies/clay-clone-sub000/pkg/database"
	"github.com/VAV-Technologies/clay-clone-sub000/pkg/models"
)

// BatchJobRepository provides bulk-job data access, including the persisted
// custom-id to row-id mapping written at submission time.
type BatchJobRepository interface {
	Create(ctx context.Context, job *models.BatchEnrichmentJob) error
	Get(ctx context.Context, id uuid.UUID) (*models.BatchEnrichmentJob, error)
	Update(ctx context.Context, job *models.BatchEnrichmentJob) error

	// ListActive returns every bulk job not yet in a terminal state.
	ListActive(ctx context.Context) ([]*models.BatchEnrichmentJob, error)

	// GetByGroup returns all chunk jobs sharing a batch group id.
	GetByGroup(ctx context.Context, groupID uuid.UUID) ([]*models.BatchEnrichmentJob, error)

	// GetActiveByColumn returns non-terminal jobs targeting a column.
	GetActiveByColumn(ctx context.Context, columnID uuid.UUID) ([]*models.BatchEnrichmentJob, error)

	// SaveRowMappings persists the ordered custom-id/row-id pairs for a job.
	SaveRowMappings(ctx context.Context, mappings []models.BatchJobRow) error

	// GetRowMappings returns a job's mappings in submission order.
	GetRowMappings(ctx context.Context, jobID uuid.UUID) ([]models.BatchJobRow, error)
}

type batchJobRepository struct {
	db *database.DB
}

// NewBatchJobRepository creates a new Postgres-backed bulk job repository.
func NewBatchJobRepository(db *database.DB) BatchJobRepository {
	return &batchJobRepository{db: db}
}

const batchJobColumns = `
	id, table_id, config_id, column_id,
	input_file_id, provider_job_id, output_file_id, error_file_id,
	status, external_status, error_message,
	row_count, processed_count, success_count, error_count,
	total_cost, input_tokens, output_tokens,
	batch_group_id, batch_number, total_batches,
	created_at, updated_at, completed_at`

func (r *batchJobRepository) Create(ctx context.Context, job *models.BatchEnrichmentJob) error {
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	now := time.Now()
	job.CreatedAt = now
	job.UpdatedAt = now
	if job.Status == "" {
		job.Status = models.BatchJobStatusUploading
	}

	query := `
		INSERT INTO batch_enrichment_jobs (` + batchJobColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12,
		        $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23, $24)`

	_, err := r.db.Exec(ctx, query,
		job.ID, job.TableID, job.ConfigID, job.ColumnID,
		job.InputFileID, job.ProviderJobID, job.OutputFileID, job.ErrorFileID,
		job.Status, job.ExternalStatus, job.ErrorMessage,
		job.RowCount, job.ProcessedCount, job.SuccessCount, job.ErrorCount,
		job.TotalCost, job.InputTokens, job.OutputTokens,
		job.BatchGroupID, job.BatchNumber, job.TotalBatches,
		job.CreatedAt, job.UpdatedAt, job.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create batch job: %w", err)
	}

	return nil
}

func (r *batchJobRepository) Get(ctx context.Context, id uuid.UUID) (*models.BatchEnrichmentJob, error) {
	query := `SELECT ` + batchJobColumns + ` FROM batch_enrichment_jobs WHERE id = $1`

	job, err := scanBatchJob(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get batch job: %w", err)
	}
	return job, nil
}

func (r *batchJobRepository) Update(ctx context.Context, job *models.BatchEnrichmentJob) error {
	job.UpdatedAt = time.Now()

	query := `
		UPDATE batch_enrichment_jobs
		SET input_file_id = $2, provider_job_id = $3, output_file_id = $4, error_file_id = $5,
		    status = $6, external_status = $7, error_message = $8,
		    row_count = $9, processed_count = $10, success_count = $11, error_count = $12,
		    total_cost = $13, input_tokens = $14, output_tokens = $15,
		    updated_at = $16, completed_at = $17
		WHERE id = $1`

	result, err := r.db.Exec(ctx, query,
		job.ID, job.InputFileID, job.ProviderJobID, job.OutputFileID, job.ErrorFileID,
		job.Status, job.ExternalStatus, job.ErrorMessage,
		job.RowCount, job.ProcessedCount, job.SuccessCount, job.ErrorCount,
		job.TotalCost, job.InputTokens, job.OutputTokens,
		job.UpdatedAt, job.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update batch job: %w", err)
	}
	if result.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}

	return nil
}

func (r *batchJobRepository) ListActive(ctx context.Context) ([]*models.BatchEnrichmentJob, error) {
	query := `
		SELECT ` + batchJobColumns + `
		FROM batch_enrichment_jobs
		WHERE status NOT IN ('complete', 'error', 'cancelled')
		ORDER BY created_at`

	return r.queryJobs(ctx, query)
}

func (r *batchJobRepository) GetByGroup(ctx context.Context, groupID uuid.UUID) ([]*models.BatchEnrichmentJob, error) {
	query := `
		SELECT ` + batchJobColumns + `
		FROM batch_enrichment_jobs
		WHERE batch_group_id = $1
		ORDER BY batch_number`

	return r.queryJobs(ctx, query, groupID)
}

func (r *batchJobRepository) GetActiveByColumn(ctx context.Context, columnID uuid.UUID) ([]*models.BatchEnrichmentJob, error) {
	query := `
		SELECT ` + batchJobColumns + `
		FROM batch_enrichment_jobs
		WHERE column_id = $1 AND status NOT IN ('complete', 'error', 'cancelled')
		ORDER BY created_at`

	return r.queryJobs(ctx, query, columnID)
}

func (r *batchJobRepository) SaveRowMappings(ctx context.Context, mappings []models.BatchJobRow) error {
	if len(mappings) == 0 {
		return nil
	}

	rows := make([][]any, 0, len(mappings))
	for _, m := range mappings {
		rows = append(rows, []any{m.JobID, m.CustomID, m.RowID, m.Position})
	}

	_, err := r.db.CopyFrom(ctx,
		pgx.Identifier{"batch_job_rows"},
		[]string{"job_id", "custom_id", "row_id", "position"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return fmt.Errorf("failed to save row mappings: %w", err)
	}

	return nil
}

func (r *batchJobRepository) GetRowMappings(ctx context.Context, jobID uuid.UUID) ([]models.BatchJobRow, error) {
	query := `
		SELECT job_id, custom_id, row_id, position
		FROM batch_job_rows
		WHERE job_id = $1
		ORDER BY position`

	rows, err := r.db.Query(ctx, query, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to get row mappings: %w", err)
	}
	defer rows.Close()

	var result []models.BatchJobRow
	for rows.Next() {
		var m models.BatchJobRow
		if err := rows.Scan(&m.JobID, &m.CustomID, &m.RowID, &m.Position); err != nil {
			return nil, fmt.Errorf("failed to scan row mapping: %w", err)
		}
		result = append(result, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read row mappings: %w", err)
	}
	return result, nil
}

func (r *batchJobRepository) queryJobs(ctx context.Context, query string, args ...any) ([]*models.BatchEnrichmentJob, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query batch jobs: %w", err)
	}
	defer rows.Close()

	var result []*models.BatchEnrichmentJob
	for rows.Next() {
		job, err := scanBatchJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan batch job: %w", err)
		}
		result = append(result, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read batch jobs: %w", err)
	}
	return result, nil
}

func scanBatchJob(row pgx.Row) (*models.BatchEnrichmentJob, error) {
	var job models.BatchEnrichmentJob
	err := row.Scan(
		&job.ID, &job.TableID, &job.ConfigID, &job.ColumnID,
		&job.InputFileID, &job.ProviderJobID, &job.OutputFileID, &job.ErrorFileID,
		&job.Status, &job.ExternalStatus, &job.ErrorMessage,
		&job.RowCount, &job.ProcessedCount, &job.SuccessCount, &job.ErrorCount,
		&job.TotalCost, &job.InputTokens, &job.OutputTokens,
		&job.BatchGroupID, &job.BatchNumber, &job.TotalBatches,
		&job.CreatedAt, &job.UpdatedAt, &job.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	return &job, nil
}

var _ BatchJobRepository = (*batchJobRepository)(nil)
