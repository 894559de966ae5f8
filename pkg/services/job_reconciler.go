package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/VAV-Technologies/clay-clone-sub000/pkg/batch"
	"github.com/VAV-Technologies/clay-clone-sub000/pkg/llm"
	"github.com/VAV-Technologies/clay-clone-sub000/pkg/models"
	"github.com/VAV-Technologies/clay-clone-sub000/pkg/repositories"
)

// staleUploadThreshold is how long a job may sit in uploading (no provider
// job id) before the reconciler treats the submission as dead.
const staleUploadThreshold = 10 * time.Minute

// JobReconciler is the one place external truth and local truth meet: it
// polls every non-terminal bulk job, mirrors provider state onto the local
// record, downloads and merges results when a job completes, and propagates
// terminal failure to every cell still waiting on the job. Sweeps are
// idempotent because polling cadence and job completion are not
// synchronized.
type JobReconciler interface {
	// Reconcile runs one sweep over all active bulk jobs. Per-job failures
	// are logged and do not stop the sweep. Returns the number of jobs
	// that reached a terminal state during this sweep.
	Reconcile(ctx context.Context) (int, error)

	// ReconcileJob reconciles a single job. A terminal job is a no-op.
	ReconcileJob(ctx context.Context, jobID uuid.UUID) error
}

type jobReconciler struct {
	configs  repositories.EnrichmentConfigRepository
	columns  repositories.ColumnRepository
	rows     repositories.RowRepository
	jobs     repositories.BatchJobRepository
	provider batch.Provider
	parser   ResponseParser
	writer   CellWriter
	logger   *zap.Logger
}

var _ JobReconciler = (*jobReconciler)(nil)

// ReconcilerDeps bundles the reconciler's collaborators.
type ReconcilerDeps struct {
	Configs  repositories.EnrichmentConfigRepository
	Columns  repositories.ColumnRepository
	Rows     repositories.RowRepository
	Jobs     repositories.BatchJobRepository
	Provider batch.Provider
	Parser   ResponseParser
	Writer   CellWriter
}

// NewJobReconciler creates a JobReconciler.
func NewJobReconciler(deps ReconcilerDeps, logger *zap.Logger) JobReconciler {
	return &jobReconciler{
		configs:  deps.Configs,
		columns:  deps.Columns,
		rows:     deps.Rows,
		jobs:     deps.Jobs,
		provider: deps.Provider,
		parser:   deps.Parser,
		writer:   deps.Writer,
		logger:   logger.Named("job_reconciler"),
	}
}

func (r *jobReconciler) Reconcile(ctx context.Context) (int, error) {
	active, err := r.jobs.ListActive(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list active bulk jobs: %w", err)
	}

	finished := 0
	for _, job := range active {
		if err := r.reconcileJob(ctx, job); err != nil {
			r.logger.Error("failed to reconcile bulk job",
				zap.String("job_id", job.ID.String()), zap.Error(err))
			continue
		}
		if job.Status.Terminal() {
			finished++
		}
	}
	return finished, nil
}

func (r *jobReconciler) ReconcileJob(ctx context.Context, jobID uuid.UUID) error {
	job, err := r.jobs.Get(ctx, jobID)
	if err != nil {
		return fmt.Errorf("failed to load bulk job %s: %w", jobID, err)
	}
	return r.reconcileJob(ctx, job)
}

func (r *jobReconciler) reconcileJob(ctx context.Context, job *models.BatchEnrichmentJob) error {
	if job.Status.Terminal() {
		return nil
	}

	// A job that never got a provider id died mid-submission. Give the
	// submitter a grace window, then fail it so its cells are released.
	if job.ProviderJobID == "" {
		if time.Since(job.UpdatedAt) > staleUploadThreshold {
			return r.failJob(ctx, job, "submission never completed")
		}
		return nil
	}

	status, err := r.provider.GetStatus(ctx, job.ProviderJobID)
	if err != nil {
		return fmt.Errorf("failed to poll provider job %s: %w", job.ProviderJobID, err)
	}
	job.ExternalStatus = status.Status

	switch status.Status {
	case batch.StatusCompleted:
		return r.completeJob(ctx, job, status)

	case batch.StatusFailed, batch.StatusExpired:
		message := fmt.Sprintf("provider job %s", status.Status)
		if len(status.Errors) > 0 {
			message = fmt.Sprintf("%s: %s", message, strings.Join(status.Errors, "; "))
		}
		return r.failJob(ctx, job, message)

	case batch.StatusCancelled:
		now := time.Now().UTC()
		job.Status = models.BatchJobStatusCancelled
		job.ErrorMessage = "cancelled at provider"
		job.UpdatedAt = now
		job.CompletedAt = &now
		if err := r.jobs.Update(ctx, job); err != nil {
			return fmt.Errorf("failed to mark job cancelled: %w", err)
		}
		sweepPendingCells(ctx, r.rows, r.jobs, r.columns, r.writer, r.logger, job, models.CellStatusCancelled, "cancelled at provider")
		return nil

	default:
		// validating / in_progress / finalizing / cancelling: mirror
		// provider counters without touching terminal state.
		firstProgress := job.Status != models.BatchJobStatusProcessing
		job.Status = models.BatchJobStatusProcessing
		job.ProcessedCount = status.RequestCounts.Completed + status.RequestCounts.Failed
		job.SuccessCount = status.RequestCounts.Completed
		job.ErrorCount = status.RequestCounts.Failed
		job.UpdatedAt = time.Now().UTC()
		if err := r.jobs.Update(ctx, job); err != nil {
			return fmt.Errorf("failed to mirror provider counters: %w", err)
		}
		if firstProgress {
			r.markCellsProcessing(ctx, job)
		}
		return nil
	}
}

// completeJob downloads and merges a finished job's results into the row
// store, error-marks submitted rows the provider never returned, and cleans
// up provider-side files.
func (r *jobReconciler) completeJob(ctx context.Context, job *models.BatchEnrichmentJob, status *batch.JobStatus) error {
	job.Status = models.BatchJobStatusDownloading
	job.OutputFileID = status.OutputFileID
	job.ErrorFileID = status.ErrorFileID
	job.UpdatedAt = time.Now().UTC()
	if err := r.jobs.Update(ctx, job); err != nil {
		return fmt.Errorf("failed to mark job downloading: %w", err)
	}

	cfg, err := r.configs.Get(ctx, job.ConfigID)
	if err != nil {
		return fmt.Errorf("failed to load config for job %s: %w", job.ID, err)
	}
	outputCols, err := r.outputColumns(ctx, job)
	if err != nil {
		return err
	}

	var results []batch.Result
	if status.OutputFileID != "" {
		content, err := r.provider.DownloadResults(ctx, status.OutputFileID)
		if err != nil {
			return fmt.Errorf("failed to download results for job %s: %w", job.ID, err)
		}
		results = append(results, batch.ParseResults(content)...)
	}
	if status.ErrorFileID != "" {
		content, err := r.provider.DownloadResults(ctx, status.ErrorFileID)
		if err != nil {
			r.logger.Warn("failed to download error file",
				zap.String("job_id", job.ID.String()), zap.Error(err))
		} else {
			results = append(results, batch.ParseResults(content)...)
		}
	}

	rowForCustomID, submittedIDs := r.rowMapping(ctx, job)

	byRowID := make(map[uuid.UUID]batch.Result, len(results))
	for _, res := range results {
		rowID, ok := rowForCustomID(res.CustomID)
		if !ok {
			r.logger.Warn("result line with unknown custom id",
				zap.String("job_id", job.ID.String()),
				zap.String("custom_id", res.CustomID))
			continue
		}
		byRowID[rowID] = res
	}

	// The provider silently drops rows beyond its per-job ceiling; those
	// submitted-but-never-returned rows get an explicit error.
	var missing []uuid.UUID
	for _, id := range submittedIDs {
		if _, ok := byRowID[id]; !ok {
			missing = append(missing, id)
		}
	}

	allIDs := make([]uuid.UUID, 0, len(byRowID)+len(missing))
	for id := range byRowID {
		allIDs = append(allIDs, id)
	}
	allIDs = append(allIDs, missing...)

	rows, err := r.rows.Get(ctx, allIDs)
	if err != nil {
		return fmt.Errorf("failed to load rows for job %s: %w", job.ID, err)
	}

	pricing := llm.PricingFor(cfg.Model)
	var (
		writes       []CellWrite
		successCount int
		errorCount   int
		totalCost    float64
		inputTokens  int
		outputTokens int
	)
	for _, row := range rows {
		res, ok := byRowID[row.ID]
		if !ok {
			r.applyRowError(row, job, outputCols, "row not returned by provider")
			errorCount++
			writes = append(writes, CellWrite{RowID: row.ID, Data: row.Data})
			continue
		}

		if res.Error != "" {
			r.applyRowError(row, job, outputCols, res.Error)
			errorCount++
		} else {
			cost := llm.CostUSD(res.InputTokens, res.OutputTokens, pricing)
			r.applyRowSuccess(row, job, outputCols, res, cost)
			successCount++
			totalCost += cost
			inputTokens += res.InputTokens
			outputTokens += res.OutputTokens
		}
		writes = append(writes, CellWrite{RowID: row.ID, Data: row.Data})
	}

	if _, err := r.writer.WriteCells(ctx, writes); err != nil {
		return fmt.Errorf("failed to persist results for job %s: %w", job.ID, err)
	}

	now := time.Now().UTC()
	job.Status = models.BatchJobStatusComplete
	job.ProcessedCount = successCount + errorCount
	job.SuccessCount = successCount
	job.ErrorCount = errorCount
	job.TotalCost = totalCost
	job.InputTokens = inputTokens
	job.OutputTokens = outputTokens
	job.UpdatedAt = now
	job.CompletedAt = &now
	if err := r.jobs.Update(ctx, job); err != nil {
		return fmt.Errorf("failed to finalize job %s: %w", job.ID, err)
	}

	r.cleanupFiles(ctx, job)

	r.logger.Info("bulk job reconciled to complete",
		zap.String("job_id", job.ID.String()),
		zap.Int("success", successCount),
		zap.Int("errors", errorCount),
		zap.Float64("total_cost", totalCost))
	return nil
}

// rowMapping returns a custom-id resolver and the ordered submitted row ids.
// The persisted mapping is authoritative; when it is absent (jobs submitted
// by older builds) the row-{uuid} convention is parsed directly and the
// submitted set is unknown.
func (r *jobReconciler) rowMapping(ctx context.Context, job *models.BatchEnrichmentJob) (func(string) (uuid.UUID, bool), []uuid.UUID) {
	mappings, err := r.jobs.GetRowMappings(ctx, job.ID)
	if err != nil || len(mappings) == 0 {
		if err != nil {
			r.logger.Warn("failed to load row mappings, falling back to custom-id parsing",
				zap.String("job_id", job.ID.String()), zap.Error(err))
		}
		return func(customID string) (uuid.UUID, bool) {
			id, err := batch.RowIDFromCustomID(customID)
			return id, err == nil
		}, nil
	}

	byCustomID := make(map[string]uuid.UUID, len(mappings))
	submitted := make([]uuid.UUID, 0, len(mappings))
	for _, m := range mappings {
		byCustomID[m.CustomID] = m.RowID
		submitted = append(submitted, m.RowID)
	}
	return func(customID string) (uuid.UUID, bool) {
		id, ok := byCustomID[customID]
		return id, ok
	}, submitted
}

func (r *jobReconciler) applyRowSuccess(row *models.Row, job *models.BatchEnrichmentJob, outputCols []*models.Column, res batch.Result, cost float64) {
	parsed := r.parser.Parse(res.Content)
	meta := &models.CellMetadata{
		InputTokens:  res.InputTokens,
		OutputTokens: res.OutputTokens,
		Cost:         cost,
	}

	cell := row.Cell(job.ColumnID)
	cell.MarkComplete(parsed.Value, parsed.Data, parsed.Raw, meta)
	row.SetCell(job.ColumnID, cell)

	for _, out := range outputCols {
		outCell := row.Cell(out.ID)
		value := ""
		if v, ok := parsed.Data[out.OutputField]; ok {
			value = stringifyScalar(v)
		}
		outCell.MarkComplete(value, nil, "", nil)
		row.SetCell(out.ID, outCell)
	}
}

func (r *jobReconciler) applyRowError(row *models.Row, job *models.BatchEnrichmentJob, outputCols []*models.Column, message string) {
	cell := row.Cell(job.ColumnID)
	cell.MarkError(message)
	row.SetCell(job.ColumnID, cell)
	for _, out := range outputCols {
		outCell := row.Cell(out.ID)
		outCell.MarkError(message)
		row.SetCell(out.ID, outCell)
	}
}

// failJob marks the job error and releases every cell still waiting on it.
func (r *jobReconciler) failJob(ctx context.Context, job *models.BatchEnrichmentJob, message string) error {
	now := time.Now().UTC()
	job.Status = models.BatchJobStatusError
	job.ErrorMessage = message
	job.UpdatedAt = now
	job.CompletedAt = &now
	if err := r.jobs.Update(ctx, job); err != nil {
		return fmt.Errorf("failed to mark job error: %w", err)
	}
	sweepPendingCells(ctx, r.rows, r.jobs, r.columns, r.writer, r.logger, job, models.CellStatusError, message)
	r.cleanupFiles(ctx, job)
	return nil
}

// markCellsProcessing flips the job's still-submitted cells to
// batch_processing the first time the provider reports progress.
func (r *jobReconciler) markCellsProcessing(ctx context.Context, job *models.BatchEnrichmentJob) {
	rows, outputCols, err := r.pendingRows(ctx, job)
	if err != nil {
		r.logger.Warn("failed to load rows for processing mark",
			zap.String("job_id", job.ID.String()), zap.Error(err))
		return
	}

	var writes []CellWrite
	for _, row := range rows {
		cell := row.Cell(job.ColumnID)
		if cell.Status != models.CellStatusBatchSubmitted {
			continue
		}
		cell.MarkBatchProcessing()
		row.SetCell(job.ColumnID, cell)
		for _, out := range outputCols {
			outCell := row.Cell(out.ID)
			if outCell.Status == models.CellStatusBatchSubmitted {
				outCell.MarkBatchProcessing()
				row.SetCell(out.ID, outCell)
			}
		}
		writes = append(writes, CellWrite{RowID: row.ID, Data: row.Data})
	}
	if _, err := r.writer.WriteCells(ctx, writes); err != nil {
		r.logger.Warn("failed to mark cells batch_processing", zap.Error(err))
	}
}

// pendingRows loads the job's rows (via the persisted mapping, or a status
// scan when absent) along with the config's output columns.
func (r *jobReconciler) pendingRows(ctx context.Context, job *models.BatchEnrichmentJob) ([]*models.Row, []*models.Column, error) {
	outputCols, err := r.outputColumns(ctx, job)
	if err != nil {
		return nil, nil, err
	}

	mappings, err := r.jobs.GetRowMappings(ctx, job.ID)
	if err == nil && len(mappings) > 0 {
		ids := make([]uuid.UUID, len(mappings))
		for i, m := range mappings {
			ids[i] = m.RowID
		}
		rows, err := r.rows.Get(ctx, ids)
		return rows, outputCols, err
	}

	// No mapping persisted: reconstruct ownership from cell status, then
	// filter to cells tagged with this job.
	var rows []*models.Row
	for _, st := range []models.CellStatus{models.CellStatusBatchSubmitted, models.CellStatusBatchProcessing} {
		found, err := r.rows.QueryByColumnStatus(ctx, job.TableID, job.ColumnID, st)
		if err != nil {
			return nil, nil, err
		}
		rows = append(rows, found...)
	}
	owned := rows[:0]
	for _, row := range rows {
		cell := row.Cell(job.ColumnID)
		if cell.BatchJobID == nil || *cell.BatchJobID == job.ID {
			owned = append(owned, row)
		}
	}
	return owned, outputCols, nil
}

// outputColumns resolves the materialized output columns for the job's
// config.
func (r *jobReconciler) outputColumns(ctx context.Context, job *models.BatchEnrichmentJob) ([]*models.Column, error) {
	cols, err := r.columns.GetByTable(ctx, job.TableID)
	if err != nil {
		return nil, fmt.Errorf("failed to load columns for table %s: %w", job.TableID, err)
	}
	var outputCols []*models.Column
	for _, col := range cols {
		if col.EnrichmentConfigID != nil && *col.EnrichmentConfigID == job.ConfigID && col.OutputField != "" {
			outputCols = append(outputCols, col)
		}
	}
	return outputCols, nil
}

// cleanupFiles best-effort deletes the job's provider-side files.
func (r *jobReconciler) cleanupFiles(ctx context.Context, job *models.BatchEnrichmentJob) {
	for _, fileID := range []string{job.InputFileID, job.OutputFileID, job.ErrorFileID} {
		if fileID == "" {
			continue
		}
		if err := r.provider.DeleteFile(ctx, fileID); err != nil {
			r.logger.Warn("failed to delete provider file",
				zap.String("job_id", job.ID.String()),
				zap.String("file_id", fileID),
				zap.Error(err))
		}
	}
}

// sweepPendingCells drives every cell still waiting on a terminal job to the
// given terminal status. Rows come from the persisted mapping when present,
// otherwise from a table+column status scan. Already-terminal cells are left
// alone, which makes repeated sweeps no-ops.
func sweepPendingCells(
	ctx context.Context,
	rowRepo repositories.RowRepository,
	jobRepo repositories.BatchJobRepository,
	columnRepo repositories.ColumnRepository,
	writer CellWriter,
	logger *zap.Logger,
	job *models.BatchEnrichmentJob,
	terminal models.CellStatus,
	message string,
) {
	sweeper := &jobReconciler{
		columns: columnRepo,
		rows:    rowRepo,
		jobs:    jobRepo,
		writer:  writer,
		logger:  logger,
	}
	rows, outputCols, err := sweeper.pendingRows(ctx, job)
	if err != nil {
		logger.Error("failed to load rows for terminal cell sweep",
			zap.String("job_id", job.ID.String()), zap.Error(err))
		return
	}

	var writes []CellWrite
	for _, row := range rows {
		cell := row.Cell(job.ColumnID)
		if !cell.Status.InFlight() {
			continue
		}
		markTerminal(&cell, terminal, message)
		row.SetCell(job.ColumnID, cell)
		for _, out := range outputCols {
			outCell := row.Cell(out.ID)
			if outCell.Status.InFlight() {
				markTerminal(&outCell, terminal, message)
				row.SetCell(out.ID, outCell)
			}
		}
		writes = append(writes, CellWrite{RowID: row.ID, Data: row.Data})
	}
	if len(writes) == 0 {
		return
	}
	if _, err := writer.WriteCells(ctx, writes); err != nil {
		logger.Error("failed to persist terminal cell sweep",
			zap.String("job_id", job.ID.String()), zap.Error(err))
	}
}

func markTerminal(cell *models.CellValue, terminal models.CellStatus, message string) {
	if terminal == models.CellStatusCancelled {
		cell.MarkCancelled(message)
		return
	}
	cell.MarkError(message)
}
