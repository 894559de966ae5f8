package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/VAV-Technologies/clay-clone-sub000/pkg/apperrors"
	"github.com/VAV-Technologies/clay-clone-sub000/pkg/llm"
	"github.com/VAV-Technologies/clay-clone-sub000/pkg/logging"
	"github.com/VAV-Technologies/clay-clone-sub000/pkg/models"
	"github.com/VAV-Technologies/clay-clone-sub000/pkg/repositories"
)

const (
	defaultCallTimeout = 30 * time.Second
	defaultStaleAfter  = 10 * time.Minute
)

// EnrichmentRequest selects what to enrich: a config, a target column, and
// an explicit row-id list, plus row-selection flags.
type EnrichmentRequest struct {
	ConfigID uuid.UUID
	TableID  uuid.UUID
	ColumnID uuid.UUID
	RowIDs   []uuid.UUID
	Options  RunOptions
}

// RunOptions filters which of the requested rows actually run.
type RunOptions struct {
	// OnlyEmpty skips rows whose target cell already has a terminal value.
	OnlyEmpty bool

	// IncludeErrors re-runs error cells even under OnlyEmpty.
	IncludeErrors bool

	// ForceRerun processes every requested row regardless of cell state.
	ForceRerun bool
}

// RowOutcome is the per-row result of a sync run.
type RowOutcome struct {
	RowID uuid.UUID `json:"row_id"`
	Error string    `json:"error,omitempty"`
	Cost  float64   `json:"cost"`
}

// SyncRunResult aggregates a completed ProcessRows call.
type SyncRunResult struct {
	Processed     int              `json:"processed"`
	Errors        int              `json:"errors"`
	TotalCost     float64          `json:"total_cost"`
	Outcomes      []RowOutcome     `json:"outcomes"`
	OutputColumns []*models.Column `json:"output_columns,omitempty"`
}

// EnrichmentRunner executes sync-mode enrichment: every selected row gets a
// model call and ends in a terminal cell state. Per-row failures are
// recorded on the cell and never abort the run; only missing configuration
// aborts the whole request.
type EnrichmentRunner interface {
	// ProcessRows runs the request inline with unbounded parallelism and
	// returns when every row is terminal. Meant for small row sets.
	ProcessRows(ctx context.Context, req EnrichmentRequest) (*SyncRunResult, error)

	// StartJob records a job for the request and drives it in the
	// background in provider-rate-limited chunks. Returns the created job.
	StartJob(ctx context.Context, req EnrichmentRequest) (*models.EnrichmentJob, error)

	// RunJob advances the given job to completion. Safe to call on a job
	// that already finished. A running job whose cursor has not moved
	// within the staleness threshold is force-completed.
	RunJob(ctx context.Context, jobID uuid.UUID) error

	// GetJob returns the job. A job left running by a dead process is
	// force-completed on read once it crosses the staleness threshold, so
	// pollers never see it stuck.
	GetJob(ctx context.Context, jobID uuid.UUID) (*models.EnrichmentJob, error)

	// Cancel stops active sync jobs targeting the column. Dispatch of new
	// chunks stops; calls already in flight finish normally. Returns the
	// number of jobs cancelled.
	Cancel(ctx context.Context, columnID uuid.UUID) (int, error)
}

type enrichmentRunner struct {
	configs  repositories.EnrichmentConfigRepository
	columns  repositories.ColumnRepository
	rows     repositories.RowRepository
	jobs     repositories.EnrichmentJobRepository
	clients  llm.ClientFactory
	prompts  PromptBuilder
	parser   ResponseParser
	writer   CellWriter
	progress ProgressTracker

	callTimeout time.Duration
	staleAfter  time.Duration
	logger      *zap.Logger

	mu    sync.Mutex
	stops map[uuid.UUID]chan struct{}
}

var _ EnrichmentRunner = (*enrichmentRunner)(nil)

// RunnerDeps bundles the runner's collaborators.
type RunnerDeps struct {
	Configs  repositories.EnrichmentConfigRepository
	Columns  repositories.ColumnRepository
	Rows     repositories.RowRepository
	Jobs     repositories.EnrichmentJobRepository
	Clients  llm.ClientFactory
	Prompts  PromptBuilder
	Parser   ResponseParser
	Writer   CellWriter
	Progress ProgressTracker
}

// NewEnrichmentRunner creates an EnrichmentRunner. Non-positive timeouts
// fall back to the defaults.
func NewEnrichmentRunner(deps RunnerDeps, callTimeout, staleAfter time.Duration, logger *zap.Logger) EnrichmentRunner {
	if callTimeout <= 0 {
		callTimeout = defaultCallTimeout
	}
	if staleAfter <= 0 {
		staleAfter = defaultStaleAfter
	}
	return &enrichmentRunner{
		configs:     deps.Configs,
		columns:     deps.Columns,
		rows:        deps.Rows,
		jobs:        deps.Jobs,
		clients:     deps.Clients,
		prompts:     deps.Prompts,
		parser:      deps.Parser,
		writer:      deps.Writer,
		progress:    deps.Progress,
		callTimeout: callTimeout,
		staleAfter:  staleAfter,
		logger:      logger.Named("enrichment_runner"),
		stops:       make(map[uuid.UUID]chan struct{}),
	}
}

// runContext is everything resolved once per run.
type runContext struct {
	config       *models.EnrichmentConfig
	targetColumn *models.Column
	tableColumns []models.Column
	outputCols   []*models.Column
	client       llm.ModelClient
	limits       llm.RateLimits
}

// resolve loads the config, columns, and model client for a run. Missing
// pieces abort the whole request.
func (r *enrichmentRunner) resolve(ctx context.Context, configID, tableID, columnID uuid.UUID) (*runContext, error) {
	cfg, err := r.configs.Get(ctx, configID)
	if err != nil {
		return nil, fmt.Errorf("failed to load enrichment config %s: %w", configID, err)
	}

	target, err := r.columns.Get(ctx, columnID)
	if err != nil {
		return nil, fmt.Errorf("failed to load target column %s: %w", columnID, err)
	}

	cols, err := r.columns.GetByTable(ctx, tableID)
	if err != nil {
		return nil, fmt.Errorf("failed to load columns for table %s: %w", tableID, err)
	}
	tableColumns := make([]models.Column, 0, len(cols))
	for _, c := range cols {
		tableColumns = append(tableColumns, *c)
	}

	var outputCols []*models.Column
	if len(cfg.OutputColumns) > 0 {
		outputCols, err = r.columns.EnsureOutputColumns(ctx, tableID, cfg.ID, cfg.OutputColumns)
		if err != nil {
			return nil, fmt.Errorf("failed to materialize output columns: %w", err)
		}
	}

	client, err := r.clients.CreateForModel(cfg.Model)
	if err != nil {
		return nil, fmt.Errorf("failed to create model client for %s: %w", cfg.Model, err)
	}

	return &runContext{
		config:       cfg,
		targetColumn: target,
		tableColumns: tableColumns,
		outputCols:   outputCols,
		client:       client,
		limits:       llm.RateLimitsFor(client.Provider()),
	}, nil
}

func (r *enrichmentRunner) ProcessRows(ctx context.Context, req EnrichmentRequest) (*SyncRunResult, error) {
	rc, err := r.resolve(ctx, req.ConfigID, req.TableID, req.ColumnID)
	if err != nil {
		return nil, err
	}

	rows, err := r.rows.Get(ctx, req.RowIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to load rows: %w", err)
	}
	selected := selectRows(rows, req.ColumnID, req.Options)

	result := &SyncRunResult{OutputColumns: rc.outputCols}
	if len(selected) == 0 {
		return result, nil
	}

	// Ad-hoc runs go fully parallel; the row limit on the endpoint keeps
	// this bounded in practice.
	pool := llm.NewWorkerPool(llm.WorkerPoolConfig{MaxConcurrent: len(selected)}, r.logger)
	outcomes, writes := r.processBatch(ctx, pool, rc, req.ColumnID, selected)

	if _, err := r.writer.WriteCells(ctx, writes); err != nil {
		return nil, fmt.Errorf("failed to persist cells: %w", err)
	}

	for _, out := range outcomes {
		result.Outcomes = append(result.Outcomes, out)
		result.Processed++
		result.TotalCost += out.Cost
		if out.Error != "" {
			result.Errors++
		}
	}
	return result, nil
}

func (r *enrichmentRunner) StartJob(ctx context.Context, req EnrichmentRequest) (*models.EnrichmentJob, error) {
	active, err := r.jobs.GetActiveByColumn(ctx, req.ColumnID)
	if err != nil {
		return nil, fmt.Errorf("failed to check active jobs: %w", err)
	}
	if len(active) > 0 {
		return nil, fmt.Errorf("column %s already has an active enrichment job: %w", req.ColumnID, apperrors.ErrConflict)
	}

	// Row selection happens at submission so the job's row list is exactly
	// what will run.
	rows, err := r.rows.Get(ctx, req.RowIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to load rows: %w", err)
	}
	selected := selectRows(rows, req.ColumnID, req.Options)
	rowIDs := make([]uuid.UUID, len(selected))
	for i, row := range selected {
		rowIDs[i] = row.ID
	}

	now := time.Now().UTC()
	job := &models.EnrichmentJob{
		ID:        uuid.New(),
		TableID:   req.TableID,
		ConfigID:  req.ConfigID,
		ColumnID:  req.ColumnID,
		RowIDs:    rowIDs,
		Status:    models.JobStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := r.jobs.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to create enrichment job: %w", err)
	}

	stop := make(chan struct{})
	r.mu.Lock()
	r.stops[job.ID] = stop
	r.mu.Unlock()

	go func() {
		defer func() {
			r.mu.Lock()
			delete(r.stops, job.ID)
			r.mu.Unlock()
		}()
		// The request context dies with the HTTP request; the job does not.
		if err := r.RunJob(context.Background(), job.ID); err != nil {
			r.logger.Error("background enrichment job failed",
				zap.String("job_id", job.ID.String()), zap.Error(err))
		}
	}()

	return job, nil
}

func (r *enrichmentRunner) RunJob(ctx context.Context, jobID uuid.UUID) error {
	job, err := r.jobs.Get(ctx, jobID)
	if err != nil {
		return fmt.Errorf("failed to load job %s: %w", jobID, err)
	}
	if job.Status.Terminal() {
		return nil
	}
	if job.Stale(r.staleAfter, time.Now().UTC()) {
		return r.forceComplete(ctx, job)
	}

	rc, err := r.resolve(ctx, job.ConfigID, job.TableID, job.ColumnID)
	if err != nil {
		r.failJob(ctx, job, err)
		return err
	}

	now := time.Now().UTC()
	job.Status = models.JobStatusRunning
	if job.StartedAt == nil {
		job.StartedAt = &now
	}
	job.UpdatedAt = now
	if err := r.jobs.Update(ctx, job); err != nil {
		return fmt.Errorf("failed to mark job running: %w", err)
	}
	if err := r.progress.StartJob(ctx, job.ID, len(job.RowIDs)); err != nil {
		r.logger.Warn("failed to initialize progress tracking", zap.Error(err))
	}

	pool := llm.NewWorkerPool(llm.WorkerPoolConfig{MaxConcurrent: rc.limits.ConcurrentRequests}, r.logger)
	pacer := rate.NewLimiter(rate.Every(time.Duration(rc.limits.DelayBetweenChunksMs)*time.Millisecond), 1)
	stop := r.stopChannel(job.ID)

	chunkSize := rc.limits.ConcurrentRequests
	for job.CurrentIndex < len(job.RowIDs) {
		select {
		case <-stop:
			r.logger.Info("enrichment job cancelled, stopping dispatch",
				zap.String("job_id", job.ID.String()),
				zap.Int("processed", job.ProcessedCount))
			r.sweepInFlightCells(ctx, job, "job cancelled")
			return r.finishJob(ctx, job, models.JobStatusComplete)
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := pacer.Wait(ctx); err != nil {
			return err
		}

		end := job.CurrentIndex + chunkSize
		if end > len(job.RowIDs) {
			end = len(job.RowIDs)
		}
		chunkIDs := job.RowIDs[job.CurrentIndex:end]

		rows, err := r.rows.Get(ctx, chunkIDs)
		if err != nil {
			r.failJob(ctx, job, fmt.Errorf("failed to load rows: %w", err))
			return err
		}

		// Mark the chunk processing before the model calls resolve so
		// clients see movement.
		r.markProcessing(ctx, rows, job.ColumnID, rc.outputCols)

		outcomes, writes := r.processBatch(ctx, pool, rc, job.ColumnID, rows)
		if _, err := r.writer.WriteCells(ctx, writes); err != nil {
			r.logger.Error("failed to persist chunk results", zap.Error(err))
		}

		completedIDs := make([]uuid.UUID, 0, len(outcomes))
		for _, out := range outcomes {
			job.ProcessedCount++
			job.TotalCost += out.Cost
			if out.Error != "" {
				job.ErrorCount++
			}
			completedIDs = append(completedIDs, out.RowID)
		}
		job.CurrentIndex = end
		job.UpdatedAt = time.Now().UTC()
		if err := r.jobs.Update(ctx, job); err != nil {
			return fmt.Errorf("failed to advance job cursor: %w", err)
		}
		if err := r.progress.RecordCompleted(ctx, job.ID, completedIDs); err != nil {
			r.logger.Warn("failed to record progress", zap.Error(err))
		}
	}

	return r.finishJob(ctx, job, models.JobStatusComplete)
}

func (r *enrichmentRunner) GetJob(ctx context.Context, jobID uuid.UUID) (*models.EnrichmentJob, error) {
	job, err := r.jobs.Get(ctx, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to load job %s: %w", jobID, err)
	}

	r.mu.Lock()
	_, running := r.stops[job.ID]
	r.mu.Unlock()

	// A job still registered here is advancing in this process; only jobs
	// abandoned by a dead process get force-completed on read.
	if !running && job.Stale(r.staleAfter, time.Now().UTC()) {
		if err := r.forceComplete(ctx, job); err != nil {
			return nil, err
		}
	}
	return job, nil
}

func (r *enrichmentRunner) Cancel(ctx context.Context, columnID uuid.UUID) (int, error) {
	active, err := r.jobs.GetActiveByColumn(ctx, columnID)
	if err != nil {
		return 0, fmt.Errorf("failed to list active jobs: %w", err)
	}

	cancelled := 0
	for _, job := range active {
		r.mu.Lock()
		stop, running := r.stops[job.ID]
		if running {
			select {
			case <-stop:
				// Already closed.
			default:
				close(stop)
			}
		}
		r.mu.Unlock()

		if !running {
			// Job from a previous process life; close it out directly.
			r.sweepInFlightCells(ctx, job, "job cancelled")
			if err := r.finishJob(ctx, job, models.JobStatusComplete); err != nil {
				r.logger.Error("failed to cancel orphaned job",
					zap.String("job_id", job.ID.String()), zap.Error(err))
				continue
			}
		}
		cancelled++
	}
	return cancelled, nil
}

// stopChannel returns the job's cancellation channel, registering one if the
// job was resumed outside StartJob.
func (r *enrichmentRunner) stopChannel(jobID uuid.UUID) chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	stop, ok := r.stops[jobID]
	if !ok {
		stop = make(chan struct{})
		r.stops[jobID] = stop
	}
	return stop
}

// processBatch runs the model call for each row in parallel and returns the
// per-row outcomes with the corresponding row updates.
func (r *enrichmentRunner) processBatch(ctx context.Context, pool *llm.WorkerPool, rc *runContext, columnID uuid.UUID, rows []*models.Row) ([]RowOutcome, []CellWrite) {
	items := make([]llm.WorkItem[rowResult], 0, len(rows))
	for _, row := range rows {
		row := row
		items = append(items, llm.WorkItem[rowResult]{
			ID: row.ID.String(),
			Execute: func(ctx context.Context) (rowResult, error) {
				return r.processRow(ctx, rc, columnID, row), nil
			},
		})
	}

	results := llm.Process(ctx, pool, items, nil)

	outcomes := make([]RowOutcome, 0, len(results))
	writes := make([]CellWrite, 0, len(results))
	for _, res := range results {
		if res.Err != nil {
			// Cancellation short-circuits queued items with placeholder
			// results; nothing ran for those rows.
			continue
		}
		outcomes = append(outcomes, res.Result.outcome)
		writes = append(writes, res.Result.write)
	}
	return outcomes, writes
}

type rowResult struct {
	outcome RowOutcome
	write   CellWrite
}

// processRow invokes the model for one row, applies the terminal cell state
// to the target and output columns, and reports the outcome. Errors stay on
// the cell and are never returned.
func (r *enrichmentRunner) processRow(ctx context.Context, rc *runContext, columnID uuid.UUID, row *models.Row) rowResult {
	prompt := r.prompts.Build(rc.config.Template, row, rc.tableColumns, rc.config.OutputColumns)

	callCtx, cancel := context.WithTimeout(ctx, r.callTimeout)
	defer cancel()

	invoked, err := rc.client.Invoke(callCtx, prompt, llm.InvokeOptions{
		Temperature: rc.config.Temperature,
	})
	if err != nil {
		// Provider errors can echo request details, so scrub before persisting.
		msg := logging.TruncateString(logging.SanitizeError(err), logging.MaxStoredErrorLength)
		if errors.Is(err, context.DeadlineExceeded) {
			msg = fmt.Sprintf("model call timed out after %s", r.callTimeout)
		}
		cell := row.Cell(columnID)
		cell.MarkError(msg)
		row.SetCell(columnID, cell)
		for _, out := range rc.outputCols {
			outCell := row.Cell(out.ID)
			outCell.MarkError(msg)
			row.SetCell(out.ID, outCell)
		}
		return rowResult{
			outcome: RowOutcome{RowID: row.ID, Error: msg},
			write:   CellWrite{RowID: row.ID, Data: row.Data},
		}
	}

	cost := llm.CostUSD(invoked.InputTokens, invoked.OutputTokens, llm.PricingFor(rc.config.Model))
	parsed := r.parser.Parse(invoked.Text)

	meta := &models.CellMetadata{
		InputTokens:  invoked.InputTokens,
		OutputTokens: invoked.OutputTokens,
		TimeTakenMs:  invoked.TimeTakenMs,
		Cost:         cost,
	}
	cell := row.Cell(columnID)
	cell.MarkComplete(parsed.Value, parsed.Data, parsed.Raw, meta)
	row.SetCell(columnID, cell)

	for _, out := range rc.outputCols {
		outCell := row.Cell(out.ID)
		value := ""
		if v, ok := parsed.Data[out.OutputField]; ok {
			value = stringifyScalar(v)
		}
		outCell.MarkComplete(value, nil, "", nil)
		row.SetCell(out.ID, outCell)
	}

	return rowResult{
		outcome: RowOutcome{RowID: row.ID, Cost: cost},
		write:   CellWrite{RowID: row.ID, Data: row.Data},
	}
}

// markProcessing flips the chunk's target and output cells to processing and
// persists them so in-flight work is visible.
func (r *enrichmentRunner) markProcessing(ctx context.Context, rows []*models.Row, columnID uuid.UUID, outputCols []*models.Column) {
	writes := make([]CellWrite, 0, len(rows))
	for _, row := range rows {
		cell := row.Cell(columnID)
		cell.MarkProcessing()
		row.SetCell(columnID, cell)
		for _, out := range outputCols {
			outCell := row.Cell(out.ID)
			outCell.MarkProcessing()
			row.SetCell(out.ID, outCell)
		}
		writes = append(writes, CellWrite{RowID: row.ID, Data: row.Data})
	}
	if _, err := r.writer.WriteCells(ctx, writes); err != nil {
		r.logger.Warn("failed to mark cells processing", zap.Error(err))
	}
}

// forceComplete closes out a job abandoned mid-run, sweeping its cells so
// none stays stuck in processing.
func (r *enrichmentRunner) forceComplete(ctx context.Context, job *models.EnrichmentJob) error {
	r.logger.Warn("force-completing stale enrichment job",
		zap.String("job_id", job.ID.String()),
		zap.Int("processed", job.ProcessedCount),
		zap.Int("total", len(job.RowIDs)))
	r.sweepInFlightCells(ctx, job, "job force-completed after staleness timeout")
	return r.finishJob(ctx, job, models.JobStatusComplete)
}

// sweepInFlightCells drives any still-in-flight target and output cells of
// the job's rows to error with the given message. Best-effort: sweep
// failures are logged, not returned, so the job still reaches terminal.
func (r *enrichmentRunner) sweepInFlightCells(ctx context.Context, job *models.EnrichmentJob, message string) {
	rows, err := r.rows.Get(ctx, job.RowIDs)
	if err != nil {
		r.logger.Error("failed to load rows for cell sweep",
			zap.String("job_id", job.ID.String()), zap.Error(err))
		return
	}

	cellColumns := []uuid.UUID{job.ColumnID}
	cols, err := r.columns.GetByTable(ctx, job.TableID)
	if err != nil {
		r.logger.Warn("failed to load output columns for cell sweep",
			zap.String("job_id", job.ID.String()), zap.Error(err))
	} else {
		for _, col := range cols {
			if col.EnrichmentConfigID != nil && *col.EnrichmentConfigID == job.ConfigID && col.OutputField != "" {
				cellColumns = append(cellColumns, col.ID)
			}
		}
	}

	writes := make([]CellWrite, 0, len(rows))
	for _, row := range rows {
		dirty := false
		for _, colID := range cellColumns {
			cell := row.Cell(colID)
			if !cell.Status.InFlight() {
				continue
			}
			cell.MarkError(message)
			row.SetCell(colID, cell)
			dirty = true
		}
		if dirty {
			writes = append(writes, CellWrite{RowID: row.ID, Data: row.Data})
		}
	}
	if len(writes) == 0 {
		return
	}
	if _, err := r.writer.WriteCells(ctx, writes); err != nil {
		r.logger.Error("failed to persist swept cells",
			zap.String("job_id", job.ID.String()), zap.Error(err))
	}
}

// finishJob records a terminal status with final timestamps and mirrors it
// into progress tracking.
func (r *enrichmentRunner) finishJob(ctx context.Context, job *models.EnrichmentJob, status models.JobStatus) error {
	now := time.Now().UTC()
	job.Status = status
	job.UpdatedAt = now
	job.CompletedAt = &now
	if err := r.jobs.Update(ctx, job); err != nil {
		return fmt.Errorf("failed to finalize job %s: %w", job.ID, err)
	}
	if err := r.progress.SetStatus(ctx, job.ID, status); err != nil {
		r.logger.Warn("failed to update progress status", zap.Error(err))
	}
	r.logger.Info("enrichment job finished",
		zap.String("job_id", job.ID.String()),
		zap.String("status", string(status)),
		zap.Int("processed", job.ProcessedCount),
		zap.Int("errors", job.ErrorCount),
		zap.Float64("total_cost", job.TotalCost))
	return nil
}

// failJob marks a job failed after an infrastructure error.
func (r *enrichmentRunner) failJob(ctx context.Context, job *models.EnrichmentJob, cause error) {
	r.logger.Error("enrichment job failed",
		zap.String("job_id", job.ID.String()), zap.Error(cause))
	r.sweepInFlightCells(ctx, job,
		logging.TruncateString(logging.SanitizeError(cause), logging.MaxStoredErrorLength))
	if err := r.finishJob(ctx, job, models.JobStatusError); err != nil {
		r.logger.Error("failed to record job failure", zap.Error(err))
	}
}

// selectRows applies the run options to the loaded rows.
func selectRows(rows []*models.Row, columnID uuid.UUID, opts RunOptions) []*models.Row {
	if opts.ForceRerun {
		return rows
	}
	var selected []*models.Row
	for _, row := range rows {
		cell := row.Cell(columnID)
		if cell.Status.InFlight() {
			continue
		}
		if opts.OnlyEmpty {
			if cell.Status == models.CellStatusComplete {
				continue
			}
			if cell.Status == models.CellStatusError && !opts.IncludeErrors {
				continue
			}
		}
		selected = append(selected, row)
	}
	return selected
}
