package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/VAV-Technologies/clay-clone-sub000/pkg/apperrors"
	"github.com/VAV-Technologies/clay-clone-sub000/pkg/models"
	"github.com/VAV-Technologies/clay-clone-sub000/pkg/services"
)

// ============================================================================
// Mock Implementations
// ============================================================================

// mockRunnerForHandler implements services.EnrichmentRunner for handler tests.
type mockRunnerForHandler struct {
	result    *services.SyncRunResult
	job       *models.EnrichmentJob
	cancelled int
	err       error

	lastRequest services.EnrichmentRequest
}

func (m *mockRunnerForHandler) ProcessRows(ctx context.Context, req services.EnrichmentRequest) (*services.SyncRunResult, error) {
	m.lastRequest = req
	if m.err != nil {
		return nil, m.err
	}
	return m.result, nil
}

func (m *mockRunnerForHandler) StartJob(ctx context.Context, req services.EnrichmentRequest) (*models.EnrichmentJob, error) {
	m.lastRequest = req
	if m.err != nil {
		return nil, m.err
	}
	return m.job, nil
}

func (m *mockRunnerForHandler) RunJob(ctx context.Context, jobID uuid.UUID) error {
	return m.err
}

func (m *mockRunnerForHandler) GetJob(ctx context.Context, jobID uuid.UUID) (*models.EnrichmentJob, error) {
	if m.err != nil {
		return nil, m.err
	}
	if m.job == nil {
		return nil, apperrors.ErrNotFound
	}
	return m.job, nil
}

func (m *mockRunnerForHandler) Cancel(ctx context.Context, columnID uuid.UUID) (int, error) {
	if m.err != nil {
		return 0, m.err
	}
	return m.cancelled, nil
}

// mockOrchestratorForHandler implements services.BatchOrchestrator.
type mockOrchestratorForHandler struct {
	summary   *services.BulkSubmissionSummary
	cancelled int
	err       error

	lastRequest services.EnrichmentRequest
}

func (m *mockOrchestratorForHandler) Submit(ctx context.Context, req services.EnrichmentRequest) (*services.BulkSubmissionSummary, error) {
	m.lastRequest = req
	if m.err != nil {
		return nil, m.err
	}
	return m.summary, nil
}

func (m *mockOrchestratorForHandler) Cancel(ctx context.Context, columnID uuid.UUID) (int, error) {
	if m.err != nil {
		return 0, m.err
	}
	return m.cancelled, nil
}

// mockReconcilerForHandler implements services.JobReconciler.
type mockReconcilerForHandler struct {
	finished int
	err      error
	sweeps   int
}

func (m *mockReconcilerForHandler) Reconcile(ctx context.Context) (int, error) {
	m.sweeps++
	if m.err != nil {
		return 0, m.err
	}
	return m.finished, nil
}

func (m *mockReconcilerForHandler) ReconcileJob(ctx context.Context, jobID uuid.UUID) error {
	return m.err
}

// mockProgressForHandler implements services.ProgressTracker.
type mockProgressForHandler struct {
	snapshot   *services.ProgressSnapshot
	err        error
	lastClient string
}

func (m *mockProgressForHandler) StartJob(ctx context.Context, jobID uuid.UUID, total int) error {
	return nil
}

func (m *mockProgressForHandler) RecordCompleted(ctx context.Context, jobID uuid.UUID, rowIDs []uuid.UUID) error {
	return nil
}

func (m *mockProgressForHandler) SetStatus(ctx context.Context, jobID uuid.UUID, status models.JobStatus) error {
	return nil
}

func (m *mockProgressForHandler) Poll(ctx context.Context, jobID uuid.UUID, clientID string, limit int) (*services.ProgressSnapshot, error) {
	m.lastClient = clientID
	if m.err != nil {
		return nil, m.err
	}
	return m.snapshot, nil
}

// mockJobRepoForHandler implements repositories.EnrichmentJobRepository.
type mockJobRepoForHandler struct {
	job    *models.EnrichmentJob
	active []*models.EnrichmentJob
	err    error
}

func (m *mockJobRepoForHandler) Create(ctx context.Context, job *models.EnrichmentJob) error {
	return m.err
}

func (m *mockJobRepoForHandler) Get(ctx context.Context, id uuid.UUID) (*models.EnrichmentJob, error) {
	if m.err != nil {
		return nil, m.err
	}
	if m.job == nil {
		return nil, apperrors.ErrNotFound
	}
	return m.job, nil
}

func (m *mockJobRepoForHandler) Update(ctx context.Context, job *models.EnrichmentJob) error {
	return m.err
}

func (m *mockJobRepoForHandler) GetActiveByColumn(ctx context.Context, columnID uuid.UUID) ([]*models.EnrichmentJob, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.active, nil
}

// mockBatchJobRepoForHandler implements repositories.BatchJobRepository.
type mockBatchJobRepoForHandler struct {
	job    *models.BatchEnrichmentJob
	group  []*models.BatchEnrichmentJob
	active []*models.BatchEnrichmentJob
	err    error
}

func (m *mockBatchJobRepoForHandler) Create(ctx context.Context, job *models.BatchEnrichmentJob) error {
	return m.err
}

func (m *mockBatchJobRepoForHandler) Get(ctx context.Context, id uuid.UUID) (*models.BatchEnrichmentJob, error) {
	if m.err != nil {
		return nil, m.err
	}
	if m.job == nil {
		return nil, apperrors.ErrNotFound
	}
	return m.job, nil
}

func (m *mockBatchJobRepoForHandler) Update(ctx context.Context, job *models.BatchEnrichmentJob) error {
	return m.err
}

func (m *mockBatchJobRepoForHandler) ListActive(ctx context.Context) ([]*models.BatchEnrichmentJob, error) {
	return m.active, m.err
}

func (m *mockBatchJobRepoForHandler) GetByGroup(ctx context.Context, groupID uuid.UUID) ([]*models.BatchEnrichmentJob, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.group, nil
}

func (m *mockBatchJobRepoForHandler) GetActiveByColumn(ctx context.Context, columnID uuid.UUID) ([]*models.BatchEnrichmentJob, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.active, nil
}

func (m *mockBatchJobRepoForHandler) SaveRowMappings(ctx context.Context, mappings []models.BatchJobRow) error {
	return m.err
}

func (m *mockBatchJobRepoForHandler) GetRowMappings(ctx context.Context, jobID uuid.UUID) ([]models.BatchJobRow, error) {
	return nil, m.err
}

// ============================================================================
// Fixture
// ============================================================================

type handlerFixture struct {
	handler      *EnrichmentHandler
	runner       *mockRunnerForHandler
	orchestrator *mockOrchestratorForHandler
	reconciler   *mockReconcilerForHandler
	progress     *mockProgressForHandler
	jobs         *mockJobRepoForHandler
	batchJobs    *mockBatchJobRepoForHandler
	mux          *http.ServeMux
}

func newHandlerFixture(t *testing.T) *handlerFixture {
	t.Helper()

	f := &handlerFixture{
		runner:       &mockRunnerForHandler{},
		orchestrator: &mockOrchestratorForHandler{},
		reconciler:   &mockReconcilerForHandler{},
		progress:     &mockProgressForHandler{},
		jobs:         &mockJobRepoForHandler{},
		batchJobs:    &mockBatchJobRepoForHandler{},
	}
	f.handler = NewEnrichmentHandler(
		f.runner, f.orchestrator, f.reconciler, f.progress,
		f.jobs, f.batchJobs,
		100, 1000,
		zap.NewNop(),
	)
	f.mux = http.NewServeMux()
	f.handler.RegisterRoutes(f.mux)
	return f
}

func (f *handlerFixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	f.mux.ServeHTTP(rec, req)
	return rec
}

func enrichPath(tableID, columnID uuid.UUID) string {
	return fmt.Sprintf("/api/tables/%s/columns/%s/enrich", tableID, columnID)
}

// ============================================================================
// Tests
// ============================================================================

func TestEnrichmentHandler_EnrichStartsJob(t *testing.T) {
	f := newHandlerFixture(t)
	tableID, columnID, configID := uuid.New(), uuid.New(), uuid.New()
	rowIDs := []uuid.UUID{uuid.New(), uuid.New()}

	f.runner.job = &models.EnrichmentJob{
		ID:     uuid.New(),
		RowIDs: rowIDs,
		Status: models.JobStatusPending,
	}

	rec := f.do(t, http.MethodPost, enrichPath(tableID, columnID), EnrichRequest{
		ConfigID:  configID,
		RowIDs:    rowIDs,
		OnlyEmpty: true,
	})

	require.Equal(t, http.StatusAccepted, rec.Code)

	var job models.EnrichmentJob
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &job))
	assert.Equal(t, f.runner.job.ID, job.ID)

	assert.Equal(t, tableID, f.runner.lastRequest.TableID)
	assert.Equal(t, columnID, f.runner.lastRequest.ColumnID)
	assert.Equal(t, configID, f.runner.lastRequest.ConfigID)
	assert.True(t, f.runner.lastRequest.Options.OnlyEmpty)
}

func TestEnrichmentHandler_EnrichWaitReturnsOutcomes(t *testing.T) {
	f := newHandlerFixture(t)
	rowID := uuid.New()

	f.runner.result = &services.SyncRunResult{
		Processed: 1,
		TotalCost: 0.002,
		Outcomes:  []services.RowOutcome{{RowID: rowID, Cost: 0.002}},
	}

	rec := f.do(t, http.MethodPost, enrichPath(uuid.New(), uuid.New()), EnrichRequest{
		ConfigID: uuid.New(),
		RowIDs:   []uuid.UUID{rowID},
		Wait:     true,
	})

	require.Equal(t, http.StatusOK, rec.Code)

	var result services.SyncRunResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, 1, result.Processed)
	assert.InDelta(t, 0.002, result.TotalCost, 1e-9)
}

func TestEnrichmentHandler_EnrichValidation(t *testing.T) {
	f := newHandlerFixture(t)
	path := enrichPath(uuid.New(), uuid.New())

	tests := []struct {
		name     string
		body     EnrichRequest
		wantCode string
	}{
		{
			name:     "missing config id",
			body:     EnrichRequest{RowIDs: []uuid.UUID{uuid.New()}},
			wantCode: "missing_config_id",
		},
		{
			name:     "missing row ids",
			body:     EnrichRequest{ConfigID: uuid.New()},
			wantCode: "missing_row_ids",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, path, tt.body)
			require.Equal(t, http.StatusBadRequest, rec.Code)

			var body map[string]string
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.wantCode, body["error"])
		})
	}
}

func TestEnrichmentHandler_EnrichRowLimit(t *testing.T) {
	f := newHandlerFixture(t)

	rowIDs := make([]uuid.UUID, 101)
	for i := range rowIDs {
		rowIDs[i] = uuid.New()
	}

	rec := f.do(t, http.MethodPost, enrichPath(uuid.New(), uuid.New()), EnrichRequest{
		ConfigID: uuid.New(),
		RowIDs:   rowIDs,
	})

	require.Equal(t, http.StatusBadRequest, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "row_limit_exceeded", body["error"])
}

func TestEnrichmentHandler_EnrichInvalidColumnID(t *testing.T) {
	f := newHandlerFixture(t)

	rec := f.do(t, http.MethodPost,
		fmt.Sprintf("/api/tables/%s/columns/not-a-uuid/enrich", uuid.New()),
		EnrichRequest{ConfigID: uuid.New(), RowIDs: []uuid.UUID{uuid.New()}})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEnrichmentHandler_EnrichConflict(t *testing.T) {
	f := newHandlerFixture(t)
	f.runner.err = apperrors.ErrConflict

	rec := f.do(t, http.MethodPost, enrichPath(uuid.New(), uuid.New()), EnrichRequest{
		ConfigID: uuid.New(),
		RowIDs:   []uuid.UUID{uuid.New()},
	})

	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestEnrichmentHandler_EnrichBatch(t *testing.T) {
	f := newHandlerFixture(t)
	groupID := uuid.New()

	f.orchestrator.summary = &services.BulkSubmissionSummary{
		GroupID:       &groupID,
		SubmittedRows: 30,
	}

	rec := f.do(t, http.MethodPost,
		fmt.Sprintf("/api/tables/%s/columns/%s/enrich/batch", uuid.New(), uuid.New()),
		EnrichRequest{ConfigID: uuid.New(), RowIDs: []uuid.UUID{uuid.New(), uuid.New()}})

	require.Equal(t, http.StatusAccepted, rec.Code)

	var summary services.BulkSubmissionSummary
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &summary))
	require.NotNil(t, summary.GroupID)
	assert.Equal(t, groupID, *summary.GroupID)
	assert.Equal(t, 30, summary.SubmittedRows)
}

func TestEnrichmentHandler_GetJob(t *testing.T) {
	f := newHandlerFixture(t)
	f.runner.job = &models.EnrichmentJob{ID: uuid.New(), Status: models.JobStatusRunning}

	rec := f.do(t, http.MethodGet, "/api/enrichment/jobs/"+f.runner.job.ID.String(), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var job models.EnrichmentJob
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &job))
	assert.Equal(t, models.JobStatusRunning, job.Status)
}

func TestEnrichmentHandler_GetJobNotFound(t *testing.T) {
	f := newHandlerFixture(t)

	rec := f.do(t, http.MethodGet, "/api/enrichment/jobs/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestEnrichmentHandler_GetProgress(t *testing.T) {
	f := newHandlerFixture(t)
	jobID := uuid.New()
	newRow := uuid.New()

	f.progress.snapshot = &services.ProgressSnapshot{
		JobID:     jobID,
		Status:    models.JobStatusRunning,
		Completed: 3,
		Total:     10,
		NewRowIDs: []uuid.UUID{newRow},
	}

	rec := f.do(t, http.MethodGet,
		fmt.Sprintf("/api/enrichment/jobs/%s/progress?client=ui-1", jobID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ui-1", f.progress.lastClient)

	var snapshot services.ProgressSnapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snapshot))
	assert.Equal(t, 3, snapshot.Completed)
	assert.Equal(t, []uuid.UUID{newRow}, snapshot.NewRowIDs)
}

func TestEnrichmentHandler_GetProgressDefaultClient(t *testing.T) {
	f := newHandlerFixture(t)
	f.progress.snapshot = &services.ProgressSnapshot{JobID: uuid.New()}

	rec := f.do(t, http.MethodGet,
		fmt.Sprintf("/api/enrichment/jobs/%s/progress", uuid.New()), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "default", f.progress.lastClient)
}

func TestEnrichmentHandler_GetBatchGroup(t *testing.T) {
	f := newHandlerFixture(t)
	groupID := uuid.New()

	f.batchJobs.group = []*models.BatchEnrichmentJob{
		{ID: uuid.New(), Status: models.BatchJobStatusComplete},
		{ID: uuid.New(), Status: models.BatchJobStatusProcessing},
	}

	rec := f.do(t, http.MethodGet, "/api/enrichment/batch-groups/"+groupID.String(), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp BatchGroupResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, groupID, resp.GroupID)
	assert.Equal(t, models.BatchJobStatusProcessing, resp.Status)
	assert.Len(t, resp.Jobs, 2)
}

func TestEnrichmentHandler_GetBatchGroupEmptyIsNotFound(t *testing.T) {
	f := newHandlerFixture(t)

	rec := f.do(t, http.MethodGet, "/api/enrichment/batch-groups/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestEnrichmentHandler_ColumnStatus(t *testing.T) {
	f := newHandlerFixture(t)
	f.jobs.active = []*models.EnrichmentJob{{ID: uuid.New(), Status: models.JobStatusRunning}}
	f.batchJobs.active = []*models.BatchEnrichmentJob{{ID: uuid.New(), Status: models.BatchJobStatusSubmitted}}

	rec := f.do(t, http.MethodGet,
		fmt.Sprintf("/api/tables/%s/columns/%s/enrichment-status", uuid.New(), uuid.New()), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp ColumnStatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Len(t, resp.Jobs, 1)
	assert.Len(t, resp.BatchJobs, 1)
}

func TestEnrichmentHandler_Cancel(t *testing.T) {
	f := newHandlerFixture(t)
	f.runner.cancelled = 2
	f.orchestrator.cancelled = 1

	rec := f.do(t, http.MethodDelete,
		fmt.Sprintf("/api/tables/%s/columns/%s/enrichment", uuid.New(), uuid.New()), nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp CancelResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.CancelledJobs)
	assert.Equal(t, 1, resp.CancelledBatchJobs)
}

func TestEnrichmentHandler_Reconcile(t *testing.T) {
	f := newHandlerFixture(t)
	f.reconciler.finished = 3

	rec := f.do(t, http.MethodPost, "/api/enrichment/reconcile", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, f.reconciler.sweeps)

	var resp ReconcileResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 3, resp.FinishedJobs)
}

func TestEnrichmentHandler_ReconcileFailure(t *testing.T) {
	f := newHandlerFixture(t)
	f.reconciler.err = errors.New("store down")

	rec := f.do(t, http.MethodPost, "/api/enrichment/reconcile", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}
