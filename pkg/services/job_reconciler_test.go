package services

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/VAV-Technologies/clay-clone-sub000/pkg/batch"
	"github.com/VAV-Technologies/clay-clone-sub000/pkg/models"
)

type reconcilerFixture struct {
	reconciler JobReconciler
	rows       *memRowRepo
	columns    *memColumnRepo
	configs    *memConfigRepo
	jobs       *memBatchJobRepo
	provider   *batch.MockProvider

	config       *models.EnrichmentConfig
	tableID      uuid.UUID
	targetColumn *models.Column
}

func newReconcilerFixture(t *testing.T, outputColumns []string) *reconcilerFixture {
	t.Helper()

	rows := newMemRowRepo()
	columns := newMemColumnRepo()
	configs := newMemConfigRepo()
	jobs := newMemBatchJobRepo()
	provider := batch.NewMockProvider()
	logger := zap.NewNop()

	tableID := uuid.New()
	cfg := &models.EnrichmentConfig{
		ID:            uuid.New(),
		Name:          "bulk-find-ceo",
		Template:      "Research {{Company}}",
		Model:         "gpt-4o-mini",
		OutputColumns: outputColumns,
	}
	configs.put(cfg)

	cfgID := cfg.ID
	target := &models.Column{
		ID:                 uuid.New(),
		TableID:            tableID,
		Name:               "Enriched",
		Type:               models.ColumnTypeEnrichment,
		EnrichmentConfigID: &cfgID,
		Position:           1,
	}
	columns.put(target)

	reconciler := NewJobReconciler(ReconcilerDeps{
		Configs:  configs,
		Columns:  columns,
		Rows:     rows,
		Jobs:     jobs,
		Provider: provider,
		Parser:   NewResponseParser(),
		Writer:   NewCellWriter(rows, 0, 0, logger),
	}, logger)

	return &reconcilerFixture{
		reconciler:   reconciler,
		rows:         rows,
		columns:      columns,
		configs:      configs,
		jobs:         jobs,
		provider:     provider,
		config:       cfg,
		tableID:      tableID,
		targetColumn: target,
	}
}

// submittedJob seeds a submitted bulk job with n rows whose cells are
// batch_submitted and whose custom-id mapping is persisted.
func (f *reconcilerFixture) submittedJob(t *testing.T, n int) (*models.BatchEnrichmentJob, []uuid.UUID) {
	t.Helper()
	ctx := context.Background()

	job := &models.BatchEnrichmentJob{
		ID:            uuid.New(),
		TableID:       f.tableID,
		ConfigID:      f.config.ID,
		ColumnID:      f.targetColumn.ID,
		InputFileID:   "file-in",
		ProviderJobID: "batch-1",
		Status:        models.BatchJobStatusSubmitted,
		RowCount:      n,
		UpdatedAt:     time.Now().UTC(),
	}
	require.NoError(t, f.jobs.Create(ctx, job))

	rowIDs := make([]uuid.UUID, n)
	mappings := make([]models.BatchJobRow, n)
	for i := range rowIDs {
		row := &models.Row{ID: uuid.New(), TableID: f.tableID}
		cell := models.CellValue{}
		cell.MarkBatchSubmitted(job.ID)
		row.SetCell(f.targetColumn.ID, cell)
		f.rows.put(row)

		rowIDs[i] = row.ID
		mappings[i] = models.BatchJobRow{
			JobID:    job.ID,
			CustomID: batch.CustomIDForRow(row.ID),
			RowID:    row.ID,
			Position: i,
		}
	}
	require.NoError(t, f.jobs.SaveRowMappings(ctx, mappings))
	return job, rowIDs
}

func successLine(rowID uuid.UUID, content string, inTokens, outTokens int) string {
	return fmt.Sprintf(
		`{"custom_id":%q,"response":{"status_code":200,"body":{"usage":{"prompt_tokens":%d,"completion_tokens":%d},"choices":[{"message":{"content":%q}}]}}}`,
		batch.CustomIDForRow(rowID), inTokens, outTokens, content,
	)
}

func errorLine(rowID uuid.UUID, message string) string {
	return fmt.Sprintf(
		`{"custom_id":%q,"error":{"code":"server_error","message":%q}}`,
		batch.CustomIDForRow(rowID), message,
	)
}

func TestJobReconciler_InProgressMirrorsCounters(t *testing.T) {
	f := newReconcilerFixture(t, nil)
	job, rowIDs := f.submittedJob(t, 3)

	f.provider.GetStatusFunc = func(ctx context.Context, jobID string) (*batch.JobStatus, error) {
		return &batch.JobStatus{
			JobID:         jobID,
			Status:        batch.StatusInProgress,
			RequestCounts: batch.RequestCounts{Total: 3, Completed: 2, Failed: 1},
		}, nil
	}

	_, err := f.reconciler.Reconcile(context.Background())
	require.NoError(t, err)

	updated, err := f.jobs.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BatchJobStatusProcessing, updated.Status)
	assert.Equal(t, batch.StatusInProgress, updated.ExternalStatus)
	assert.Equal(t, 3, updated.ProcessedCount)
	assert.Equal(t, 2, updated.SuccessCount)
	assert.Equal(t, 1, updated.ErrorCount)

	// Cells move to batch_processing on the first progress report.
	for _, id := range rowIDs {
		cell := f.rows.cell(id, f.targetColumn.ID)
		assert.Equal(t, models.CellStatusBatchProcessing, cell.Status)
	}
}

func TestJobReconciler_CompletedMergesResults(t *testing.T) {
	f := newReconcilerFixture(t, []string{"city"})
	// Materialize the output column the way submission would have.
	outputCols, err := f.columns.EnsureOutputColumns(context.Background(), f.tableID, f.config.ID, f.config.OutputColumns)
	require.NoError(t, err)

	job, rowIDs := f.submittedJob(t, 3)
	okID, failID, droppedID := rowIDs[0], rowIDs[1], rowIDs[2]

	f.provider.GetStatusFunc = func(ctx context.Context, jobID string) (*batch.JobStatus, error) {
		return &batch.JobStatus{
			JobID:        jobID,
			Status:       batch.StatusCompleted,
			OutputFileID: "file-out",
			ErrorFileID:  "file-err",
		}, nil
	}
	f.provider.DownloadResultsFunc = func(ctx context.Context, fileID string) (string, error) {
		switch fileID {
		case "file-out":
			return successLine(okID, `{"city":"Berlin","confidence":0.9}`, 1000, 500) + "\n", nil
		case "file-err":
			return errorLine(failID, "model overloaded") + "\n", nil
		}
		return "", nil
	}

	require.NoError(t, f.reconciler.ReconcileJob(context.Background(), job.ID))

	updated, err := f.jobs.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BatchJobStatusComplete, updated.Status)
	assert.Equal(t, 3, updated.ProcessedCount)
	assert.Equal(t, 1, updated.SuccessCount)
	assert.Equal(t, 2, updated.ErrorCount)
	assert.Equal(t, 1000, updated.InputTokens)
	assert.Equal(t, 500, updated.OutputTokens)
	assert.Greater(t, updated.TotalCost, 0.0)
	assert.NotNil(t, updated.CompletedAt)

	okCell := f.rows.cell(okID, f.targetColumn.ID)
	assert.Equal(t, models.CellStatusComplete, okCell.Status)
	assert.Equal(t, "Berlin", okCell.EnrichmentData["city"])
	require.NotNil(t, okCell.Metadata)
	assert.Equal(t, 1000, okCell.Metadata.InputTokens)

	outCell := f.rows.cell(okID, outputCols[0].ID)
	require.NotNil(t, outCell.Value)
	assert.Equal(t, "Berlin", *outCell.Value)

	failCell := f.rows.cell(failID, f.targetColumn.ID)
	assert.Equal(t, models.CellStatusError, failCell.Status)
	assert.Contains(t, failCell.Error, "model overloaded")

	droppedCell := f.rows.cell(droppedID, f.targetColumn.ID)
	assert.Equal(t, models.CellStatusError, droppedCell.Status)
	assert.Contains(t, droppedCell.Error, "not returned by provider")

	// Provider-side files are cleaned up.
	assert.ElementsMatch(t, []string{"file-in", "file-out", "file-err"}, f.provider.DeletedFiles)
}

func TestJobReconciler_FailedSweepsPendingCells(t *testing.T) {
	f := newReconcilerFixture(t, nil)
	job, rowIDs := f.submittedJob(t, 2)

	f.provider.GetStatusFunc = func(ctx context.Context, jobID string) (*batch.JobStatus, error) {
		return &batch.JobStatus{
			JobID:  jobID,
			Status: batch.StatusFailed,
			Errors: []string{"invalid request file"},
		}, nil
	}

	_, err := f.reconciler.Reconcile(context.Background())
	require.NoError(t, err)

	updated, err := f.jobs.Get(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.BatchJobStatusError, updated.Status)
	assert.Contains(t, updated.ErrorMessage, "invalid request file")

	for _, id := range rowIDs {
		cell := f.rows.cell(id, f.targetColumn.ID)
		assert.Equal(t, models.CellStatusError, cell.Status)
		assert.Contains(t, cell.Error, "failed")
	}
}

func TestJobReconciler_ExpiredTreatedAsTerminalFailure(t *testing.T) {
	f := newReconcilerFixture(t, nil)
	job, rowIDs := f.submittedJob(t, 1)

	f.provider.GetStatusFunc = func(ctx context.Context, jobID string) (*batch.JobStatus, error) {
		return &batch.JobStatus{JobID: jobID, Status: batch.StatusExpired}, nil
	}

	require.NoError(t, f.reconciler.ReconcileJob(context.Background(), job.ID))

	updated, _ := f.jobs.Get(context.Background(), job.ID)
	assert.Equal(t, models.BatchJobStatusError, updated.Status)
	cell := f.rows.cell(rowIDs[0], f.targetColumn.ID)
	assert.Equal(t, models.CellStatusError, cell.Status)
}

func TestJobReconciler_CancelledSweepsCancelled(t *testing.T) {
	f := newReconcilerFixture(t, nil)
	job, rowIDs := f.submittedJob(t, 2)

	f.provider.GetStatusFunc = func(ctx context.Context, jobID string) (*batch.JobStatus, error) {
		return &batch.JobStatus{JobID: jobID, Status: batch.StatusCancelled}, nil
	}

	require.NoError(t, f.reconciler.ReconcileJob(context.Background(), job.ID))

	updated, _ := f.jobs.Get(context.Background(), job.ID)
	assert.Equal(t, models.BatchJobStatusCancelled, updated.Status)

	for _, id := range rowIDs {
		cell := f.rows.cell(id, f.targetColumn.ID)
		assert.Equal(t, models.CellStatusCancelled, cell.Status)
	}
}

func TestJobReconciler_TerminalJobIsNoOp(t *testing.T) {
	f := newReconcilerFixture(t, nil)
	job, _ := f.submittedJob(t, 1)

	polls := 0
	f.provider.GetStatusFunc = func(ctx context.Context, jobID string) (*batch.JobStatus, error) {
		polls++
		return &batch.JobStatus{
			JobID:        jobID,
			Status:       batch.StatusCompleted,
			OutputFileID: "file-out",
		}, nil
	}
	f.provider.DownloadResultsFunc = func(ctx context.Context, fileID string) (string, error) {
		return "", nil
	}

	require.NoError(t, f.reconciler.ReconcileJob(context.Background(), job.ID))
	first, _ := f.jobs.Get(context.Background(), job.ID)
	require.True(t, first.Status.Terminal())
	firstCost := first.TotalCost
	pollsAfterFirst := polls

	// A second sweep does not poll, rewrite, or re-accumulate anything.
	require.NoError(t, f.reconciler.ReconcileJob(context.Background(), job.ID))
	second, _ := f.jobs.Get(context.Background(), job.ID)
	assert.Equal(t, pollsAfterFirst, polls)
	assert.Equal(t, firstCost, second.TotalCost)
	assert.Equal(t, first.UpdatedAt, second.UpdatedAt)
}

func TestJobReconciler_DeadSubmissionFailed(t *testing.T) {
	f := newReconcilerFixture(t, nil)

	job := &models.BatchEnrichmentJob{
		ID:        uuid.New(),
		TableID:   f.tableID,
		ConfigID:  f.config.ID,
		ColumnID:  f.targetColumn.ID,
		Status:    models.BatchJobStatusUploading,
		UpdatedAt: time.Now().UTC().Add(-time.Hour),
	}
	require.NoError(t, f.jobs.Create(context.Background(), job))

	_, err := f.reconciler.Reconcile(context.Background())
	require.NoError(t, err)

	updated, _ := f.jobs.Get(context.Background(), job.ID)
	assert.Equal(t, models.BatchJobStatusError, updated.Status)
	assert.Contains(t, updated.ErrorMessage, "submission never completed")
}

func TestJobReconciler_FreshUploadLeftAlone(t *testing.T) {
	f := newReconcilerFixture(t, nil)

	job := &models.BatchEnrichmentJob{
		ID:        uuid.New(),
		TableID:   f.tableID,
		ConfigID:  f.config.ID,
		ColumnID:  f.targetColumn.ID,
		Status:    models.BatchJobStatusUploading,
		UpdatedAt: time.Now().UTC(),
	}
	require.NoError(t, f.jobs.Create(context.Background(), job))

	_, err := f.reconciler.Reconcile(context.Background())
	require.NoError(t, err)

	updated, _ := f.jobs.Get(context.Background(), job.ID)
	assert.Equal(t, models.BatchJobStatusUploading, updated.Status)
}

func TestJobReconciler_PollErrorLeavesJobUntouched(t *testing.T) {
	f := newReconcilerFixture(t, nil)
	job, _ := f.submittedJob(t, 1)

	f.provider.GetStatusFunc = func(ctx context.Context, jobID string) (*batch.JobStatus, error) {
		return nil, fmt.Errorf("provider unavailable")
	}

	finished, err := f.reconciler.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, finished)

	updated, _ := f.jobs.Get(context.Background(), job.ID)
	assert.Equal(t, models.BatchJobStatusSubmitted, updated.Status)
}

func TestJobReconciler_FallsBackToCustomIDParsing(t *testing.T) {
	f := newReconcilerFixture(t, nil)

	// A job with no persisted mapping: the row-{uuid} convention still
	// correlates results.
	job := &models.BatchEnrichmentJob{
		ID:            uuid.New(),
		TableID:       f.tableID,
		ConfigID:      f.config.ID,
		ColumnID:      f.targetColumn.ID,
		ProviderJobID: "batch-legacy",
		Status:        models.BatchJobStatusSubmitted,
		UpdatedAt:     time.Now().UTC(),
	}
	require.NoError(t, f.jobs.Create(context.Background(), job))

	row := &models.Row{ID: uuid.New(), TableID: f.tableID}
	cell := models.CellValue{}
	cell.MarkBatchSubmitted(job.ID)
	row.SetCell(f.targetColumn.ID, cell)
	f.rows.put(row)

	f.provider.GetStatusFunc = func(ctx context.Context, jobID string) (*batch.JobStatus, error) {
		return &batch.JobStatus{JobID: jobID, Status: batch.StatusCompleted, OutputFileID: "file-out"}, nil
	}
	f.provider.DownloadResultsFunc = func(ctx context.Context, fileID string) (string, error) {
		return successLine(row.ID, `{"result":"ok"}`, 10, 5) + "\n", nil
	}

	require.NoError(t, f.reconciler.ReconcileJob(context.Background(), job.ID))

	merged := f.rows.cell(row.ID, f.targetColumn.ID)
	assert.Equal(t, models.CellStatusComplete, merged.Status)
	require.NotNil(t, merged.Value)
	assert.Equal(t, "ok", *merged.Value)
}

func TestJobReconciler_NoOrphanedCellsAcrossFailurePoints(t *testing.T) {
	// Whatever polling step delivers the terminal state, no cell may stay
	// in-flight once its job is terminal.
	terminalStates := []string{batch.StatusFailed, batch.StatusExpired, batch.StatusCancelled}

	for _, state := range terminalStates {
		t.Run(state, func(t *testing.T) {
			f := newReconcilerFixture(t, nil)
			job, rowIDs := f.submittedJob(t, 3)

			// Let the job progress first so cells sit in batch_processing.
			f.provider.GetStatusFunc = func(ctx context.Context, jobID string) (*batch.JobStatus, error) {
				return &batch.JobStatus{JobID: jobID, Status: batch.StatusInProgress}, nil
			}
			require.NoError(t, f.reconciler.ReconcileJob(context.Background(), job.ID))

			f.provider.GetStatusFunc = func(ctx context.Context, jobID string) (*batch.JobStatus, error) {
				return &batch.JobStatus{JobID: jobID, Status: state}, nil
			}
			require.NoError(t, f.reconciler.ReconcileJob(context.Background(), job.ID))

			final, err := f.jobs.Get(context.Background(), job.ID)
			require.NoError(t, err)
			require.True(t, final.Status.Terminal())

			for _, id := range rowIDs {
				cell := f.rows.cell(id, f.targetColumn.ID)
				assert.False(t, cell.Status.InFlight(),
					"row %s left in-flight after terminal %s", id, state)
				assert.True(t, strings.Contains(string(cell.Status), "error") ||
					cell.Status == models.CellStatusCancelled)
			}
		})
	}
}
