package services

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/VAV-Technologies/clay-clone-sub000/pkg/batch"
	"github.com/VAV-Technologies/clay-clone-sub000/pkg/models"
	"github.com/VAV-Technologies/clay-clone-sub000/pkg/repositories"
)

// BulkSubmissionSummary reports what a bulk submission produced: one
// provider job per chunk, plus aggregates.
type BulkSubmissionSummary struct {
	GroupID       *uuid.UUID                   `json:"group_id,omitempty"`
	Jobs          []*models.BatchEnrichmentJob `json:"jobs"`
	SubmittedRows int                          `json:"submitted_rows"`
	FailedChunks  int                          `json:"failed_chunks"`
	OutputColumns []*models.Column             `json:"output_columns,omitempty"`
}

// BatchOrchestrator routes large enrichment runs through the provider's
// asynchronous batch API: it builds the request file per chunk, uploads it,
// creates the provider job, and tags every affected cell with the job that
// owns it. Chunk failures are isolated; sibling chunks still submit.
type BatchOrchestrator interface {
	// Submit partitions the request into provider-safe chunks and submits
	// each as its own provider job. Row sets needing more than one chunk
	// share a generated group id.
	Submit(ctx context.Context, req EnrichmentRequest) (*BulkSubmissionSummary, error)

	// Cancel asks the provider to cancel every active bulk job targeting
	// the column, best-effort, and marks them cancelled locally either
	// way. Returns the number of jobs cancelled.
	Cancel(ctx context.Context, columnID uuid.UUID) (int, error)
}

type batchOrchestrator struct {
	configs  repositories.EnrichmentConfigRepository
	columns  repositories.ColumnRepository
	rows     repositories.RowRepository
	jobs     repositories.BatchJobRepository
	provider batch.Provider
	prompts  PromptBuilder
	writer   CellWriter
	logger   *zap.Logger
}

var _ BatchOrchestrator = (*batchOrchestrator)(nil)

// OrchestratorDeps bundles the orchestrator's collaborators.
type OrchestratorDeps struct {
	Configs  repositories.EnrichmentConfigRepository
	Columns  repositories.ColumnRepository
	Rows     repositories.RowRepository
	Jobs     repositories.BatchJobRepository
	Provider batch.Provider
	Prompts  PromptBuilder
	Writer   CellWriter
}

// NewBatchOrchestrator creates a BatchOrchestrator.
func NewBatchOrchestrator(deps OrchestratorDeps, logger *zap.Logger) BatchOrchestrator {
	return &batchOrchestrator{
		configs:  deps.Configs,
		columns:  deps.Columns,
		rows:     deps.Rows,
		jobs:     deps.Jobs,
		provider: deps.Provider,
		prompts:  deps.Prompts,
		writer:   deps.Writer,
		logger:   logger.Named("batch_orchestrator"),
	}
}

func (o *batchOrchestrator) Submit(ctx context.Context, req EnrichmentRequest) (*BulkSubmissionSummary, error) {
	cfg, err := o.configs.Get(ctx, req.ConfigID)
	if err != nil {
		return nil, fmt.Errorf("failed to load enrichment config %s: %w", req.ConfigID, err)
	}

	cols, err := o.columns.GetByTable(ctx, req.TableID)
	if err != nil {
		return nil, fmt.Errorf("failed to load columns for table %s: %w", req.TableID, err)
	}
	tableColumns := make([]models.Column, 0, len(cols))
	for _, c := range cols {
		tableColumns = append(tableColumns, *c)
	}

	var outputCols []*models.Column
	if len(cfg.OutputColumns) > 0 {
		outputCols, err = o.columns.EnsureOutputColumns(ctx, req.TableID, cfg.ID, cfg.OutputColumns)
		if err != nil {
			return nil, fmt.Errorf("failed to materialize output columns: %w", err)
		}
	}

	rows, err := o.rows.Get(ctx, req.RowIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to load rows: %w", err)
	}
	selected := selectRows(rows, req.ColumnID, req.Options)

	summary := &BulkSubmissionSummary{OutputColumns: outputCols}
	if len(selected) == 0 {
		return summary, nil
	}

	chunks := chunkRows(selected, batch.MaxRowsPerJob)
	var groupID *uuid.UUID
	if len(chunks) > 1 {
		gid := uuid.New()
		groupID = &gid
		summary.GroupID = groupID
	}

	for i, chunk := range chunks {
		job, err := o.submitChunk(ctx, cfg, req, tableColumns, outputCols, chunk, groupID, i+1, len(chunks))
		if err != nil {
			// The chunk's cells and job record already carry the error;
			// siblings keep going.
			o.logger.Error("bulk chunk submission failed",
				zap.Int("batch_number", i+1),
				zap.Int("total_batches", len(chunks)),
				zap.Error(err))
			summary.FailedChunks++
			if job != nil {
				summary.Jobs = append(summary.Jobs, job)
			}
			continue
		}
		summary.Jobs = append(summary.Jobs, job)
		summary.SubmittedRows += job.RowCount
	}

	return summary, nil
}

// submitChunk runs one chunk through the full submission sequence. On
// failure the job record and the chunk's cells are marked with the error
// before returning.
func (o *batchOrchestrator) submitChunk(
	ctx context.Context,
	cfg *models.EnrichmentConfig,
	req EnrichmentRequest,
	tableColumns []models.Column,
	outputCols []*models.Column,
	chunk []*models.Row,
	groupID *uuid.UUID,
	batchNumber, totalBatches int,
) (*models.BatchEnrichmentJob, error) {
	now := time.Now().UTC()
	job := &models.BatchEnrichmentJob{
		ID:           uuid.New(),
		TableID:      req.TableID,
		ConfigID:     cfg.ID,
		ColumnID:     req.ColumnID,
		Status:       models.BatchJobStatusUploading,
		RowCount:     len(chunk),
		BatchGroupID: groupID,
		BatchNumber:  batchNumber,
		TotalBatches: totalBatches,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := o.jobs.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to create bulk job record: %w", err)
	}

	requests := make([]batch.Request, len(chunk))
	mappings := make([]models.BatchJobRow, len(chunk))
	for i, row := range chunk {
		customID := batch.CustomIDForRow(row.ID)
		requests[i] = batch.Request{
			CustomID:    customID,
			Model:       cfg.Model,
			Temperature: cfg.Temperature,
			Prompt:      o.prompts.Build(cfg.Template, row, tableColumns, cfg.OutputColumns),
		}
		mappings[i] = models.BatchJobRow{
			JobID:    job.ID,
			CustomID: customID,
			RowID:    row.ID,
			Position: i,
		}
	}

	content, err := batch.EncodeRequests(requests)
	if err != nil {
		o.failChunk(ctx, job, chunk, req.ColumnID, outputCols, fmt.Sprintf("failed to encode batch requests: %v", err))
		return job, err
	}

	if err := o.jobs.SaveRowMappings(ctx, mappings); err != nil {
		o.failChunk(ctx, job, chunk, req.ColumnID, outputCols, fmt.Sprintf("failed to persist row mappings: %v", err))
		return job, err
	}

	fileName := fmt.Sprintf("enrichment-%s-batch-%d.jsonl", job.ID, batchNumber)
	fileID, err := o.provider.UploadFile(ctx, fileName, content)
	if err != nil {
		o.failChunk(ctx, job, chunk, req.ColumnID, outputCols, fmt.Sprintf("failed to upload batch file: %v", err))
		return job, err
	}
	job.InputFileID = fileID

	// Cells get tagged before job creation so a crash between the two
	// leaves them pointing at a job the reconciler can fail, not at
	// nothing.
	o.markSubmitted(ctx, chunk, req.ColumnID, outputCols, job.ID)

	created, err := o.provider.CreateJob(ctx, fileID, map[string]string{
		"job_id":    job.ID.String(),
		"table_id":  req.TableID.String(),
		"column_id": req.ColumnID.String(),
	})
	if err != nil {
		o.failChunk(ctx, job, chunk, req.ColumnID, outputCols, fmt.Sprintf("failed to create provider job: %v", err))
		return job, err
	}

	job.ProviderJobID = created.JobID
	job.Status = models.BatchJobStatusSubmitted
	job.ExternalStatus = string(created.Status)
	job.UpdatedAt = time.Now().UTC()
	if err := o.jobs.Update(ctx, job); err != nil {
		return job, fmt.Errorf("failed to record provider job id: %w", err)
	}

	o.logger.Info("bulk chunk submitted",
		zap.String("job_id", job.ID.String()),
		zap.String("provider_job_id", job.ProviderJobID),
		zap.Int("rows", job.RowCount),
		zap.Int("batch_number", batchNumber),
		zap.Int("total_batches", totalBatches))

	return job, nil
}

// markSubmitted tags the chunk's target and output cells batch_submitted
// with the owning job id.
func (o *batchOrchestrator) markSubmitted(ctx context.Context, chunk []*models.Row, columnID uuid.UUID, outputCols []*models.Column, jobID uuid.UUID) {
	writes := make([]CellWrite, 0, len(chunk))
	for _, row := range chunk {
		cell := row.Cell(columnID)
		cell.MarkBatchSubmitted(jobID)
		row.SetCell(columnID, cell)
		for _, out := range outputCols {
			outCell := row.Cell(out.ID)
			outCell.MarkBatchSubmitted(jobID)
			row.SetCell(out.ID, outCell)
		}
		writes = append(writes, CellWrite{RowID: row.ID, Data: row.Data})
	}
	if _, err := o.writer.WriteCells(ctx, writes); err != nil {
		o.logger.Warn("failed to mark cells batch_submitted", zap.Error(err))
	}
}

// failChunk records a submission failure on the job and errors out the
// chunk's cells so nothing is left pointing at a job that never ran.
func (o *batchOrchestrator) failChunk(ctx context.Context, job *models.BatchEnrichmentJob, chunk []*models.Row, columnID uuid.UUID, outputCols []*models.Column, message string) {
	now := time.Now().UTC()
	job.Status = models.BatchJobStatusError
	job.ErrorMessage = message
	job.UpdatedAt = now
	job.CompletedAt = &now
	if err := o.jobs.Update(ctx, job); err != nil {
		o.logger.Error("failed to record chunk failure", zap.Error(err))
	}

	writes := make([]CellWrite, 0, len(chunk))
	for _, row := range chunk {
		cell := row.Cell(columnID)
		cell.MarkError(message)
		row.SetCell(columnID, cell)
		for _, out := range outputCols {
			outCell := row.Cell(out.ID)
			outCell.MarkError(message)
			row.SetCell(out.ID, outCell)
		}
		writes = append(writes, CellWrite{RowID: row.ID, Data: row.Data})
	}
	if _, err := o.writer.WriteCells(ctx, writes); err != nil {
		o.logger.Error("failed to error-mark chunk cells", zap.Error(err))
	}
}

func (o *batchOrchestrator) Cancel(ctx context.Context, columnID uuid.UUID) (int, error) {
	active, err := o.jobs.GetActiveByColumn(ctx, columnID)
	if err != nil {
		return 0, fmt.Errorf("failed to list active bulk jobs: %w", err)
	}

	cancelled := 0
	for _, job := range active {
		if job.ProviderJobID != "" {
			if err := o.provider.CancelJob(ctx, job.ProviderJobID); err != nil {
				// Upstream cancellation is best-effort; the job is still
				// closed out locally.
				o.logger.Warn("provider cancel failed",
					zap.String("job_id", job.ID.String()),
					zap.String("provider_job_id", job.ProviderJobID),
					zap.Error(err))
			}
		}

		now := time.Now().UTC()
		job.Status = models.BatchJobStatusCancelled
		job.ErrorMessage = "cancelled by user"
		job.UpdatedAt = now
		job.CompletedAt = &now
		if err := o.jobs.Update(ctx, job); err != nil {
			o.logger.Error("failed to mark bulk job cancelled",
				zap.String("job_id", job.ID.String()), zap.Error(err))
			continue
		}

		sweepPendingCells(ctx, o.rows, o.jobs, o.columns, o.writer, o.logger, job, models.CellStatusCancelled, "cancelled by user")
		cancelled++
	}
	return cancelled, nil
}

// chunkRows partitions rows into provider-safe chunks.
func chunkRows(rows []*models.Row, size int) [][]*models.Row {
	if len(rows) == 0 {
		return nil
	}
	chunks := make([][]*models.Row, 0, (len(rows)+size-1)/size)
	for start := 0; start < len(rows); start += size {
		end := start + size
		if end > len(rows) {
			end = len(rows)
		}
		chunks = append(chunks, rows[start:end])
	}
	return chunks
}
