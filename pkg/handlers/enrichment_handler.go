package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/VAV-Technologies/clay-clone-sub000/pkg/apperrors"
	"github.com/VAV-Technologies/clay-clone-sub000/pkg/models"
	"github.com/VAV-Technologies/clay-clone-sub000/pkg/repositories"
	"github.com/VAV-Technologies/clay-clone-sub000/pkg/services"
)

// ============================================================================
// Request/Response Types
// ============================================================================

// EnrichRequest for POST /api/tables/{tid}/columns/{cid}/enrich and
// .../enrich/batch.
type EnrichRequest struct {
	ConfigID uuid.UUID   `json:"config_id"`
	RowIDs   []uuid.UUID `json:"row_ids"`

	OnlyEmpty     bool `json:"only_empty,omitempty"`
	IncludeErrors bool `json:"include_errors,omitempty"`
	ForceRerun    bool `json:"force_rerun,omitempty"`

	// Wait runs the rows inline and returns per-row outcomes instead of a
	// job id. Only honored by the sync endpoint.
	Wait bool `json:"wait,omitempty"`
}

// BatchGroupResponse for GET /api/enrichment/batch-groups/{gid}
type BatchGroupResponse struct {
	GroupID uuid.UUID                    `json:"group_id"`
	Status  models.BatchJobStatus        `json:"status"`
	Jobs    []*models.BatchEnrichmentJob `json:"jobs"`
}

// ColumnStatusResponse for GET /api/tables/{tid}/columns/{cid}/enrichment-status
type ColumnStatusResponse struct {
	Jobs      []*models.EnrichmentJob      `json:"jobs"`
	BatchJobs []*models.BatchEnrichmentJob `json:"batch_jobs"`
}

// CancelResponse for DELETE /api/tables/{tid}/columns/{cid}/enrichment
type CancelResponse struct {
	CancelledJobs      int `json:"cancelled_jobs"`
	CancelledBatchJobs int `json:"cancelled_batch_jobs"`
}

// ReconcileResponse for POST /api/enrichment/reconcile
type ReconcileResponse struct {
	FinishedJobs int `json:"finished_jobs"`
}

// ============================================================================
// Handler
// ============================================================================

// EnrichmentHandler handles enrichment HTTP requests: sync and bulk
// submission, job status, incremental progress, cancellation, and the
// reconciliation trigger.
type EnrichmentHandler struct {
	runner       services.EnrichmentRunner
	orchestrator services.BatchOrchestrator
	reconciler   services.JobReconciler
	progress     services.ProgressTracker
	jobs         repositories.EnrichmentJobRepository
	batchJobs    repositories.BatchJobRepository

	syncRowLimit int
	bulkRowLimit int
	logger       *zap.Logger
}

// NewEnrichmentHandler creates a new enrichment handler.
func NewEnrichmentHandler(
	runner services.EnrichmentRunner,
	orchestrator services.BatchOrchestrator,
	reconciler services.JobReconciler,
	progress services.ProgressTracker,
	jobs repositories.EnrichmentJobRepository,
	batchJobs repositories.BatchJobRepository,
	syncRowLimit int,
	bulkRowLimit int,
	logger *zap.Logger,
) *EnrichmentHandler {
	return &EnrichmentHandler{
		runner:       runner,
		orchestrator: orchestrator,
		reconciler:   reconciler,
		progress:     progress,
		jobs:         jobs,
		batchJobs:    batchJobs,
		syncRowLimit: syncRowLimit,
		bulkRowLimit: bulkRowLimit,
		logger:       logger,
	}
}

// RegisterRoutes registers the enrichment handler's routes on the given mux.
func (h *EnrichmentHandler) RegisterRoutes(mux *http.ServeMux) {
	column := "/api/tables/{tid}/columns/{cid}"

	mux.HandleFunc("POST "+column+"/enrich", h.Enrich)
	mux.HandleFunc("POST "+column+"/enrich/batch", h.EnrichBatch)
	mux.HandleFunc("GET "+column+"/enrichment-status", h.ColumnStatus)
	mux.HandleFunc("DELETE "+column+"/enrichment", h.Cancel)

	mux.HandleFunc("GET /api/enrichment/jobs/{jid}", h.GetJob)
	mux.HandleFunc("GET /api/enrichment/jobs/{jid}/progress", h.GetProgress)
	mux.HandleFunc("GET /api/enrichment/batch-jobs/{jid}", h.GetBatchJob)
	mux.HandleFunc("GET /api/enrichment/batch-groups/{gid}", h.GetBatchGroup)
	mux.HandleFunc("POST /api/enrichment/reconcile", h.Reconcile)
}

// Enrich handles POST /api/tables/{tid}/columns/{cid}/enrich
// Submits rows for synchronous enrichment. By default the rows run in the
// background and a job id is returned; with "wait": true the call blocks and
// returns per-row outcomes.
func (h *EnrichmentHandler) Enrich(w http.ResponseWriter, r *http.Request) {
	tableID, columnID, ok := ParseTableAndColumnIDs(w, r, h.logger)
	if !ok {
		return
	}

	req, ok := h.decodeEnrichRequest(w, r, h.syncRowLimit)
	if !ok {
		return
	}

	serviceReq := services.EnrichmentRequest{
		ConfigID: req.ConfigID,
		TableID:  tableID,
		ColumnID: columnID,
		RowIDs:   req.RowIDs,
		Options: services.RunOptions{
			OnlyEmpty:     req.OnlyEmpty,
			IncludeErrors: req.IncludeErrors,
			ForceRerun:    req.ForceRerun,
		},
	}

	if req.Wait {
		result, err := h.runner.ProcessRows(r.Context(), serviceReq)
		if err != nil {
			h.serviceError(w, err, "Failed to process rows")
			return
		}
		h.writeJSON(w, http.StatusOK, result)
		return
	}

	job, err := h.runner.StartJob(r.Context(), serviceReq)
	if err != nil {
		h.serviceError(w, err, "Failed to start enrichment job")
		return
	}
	h.writeJSON(w, http.StatusAccepted, job)
}

// EnrichBatch handles POST /api/tables/{tid}/columns/{cid}/enrich/batch
// Submits rows to the provider's asynchronous batch API.
func (h *EnrichmentHandler) EnrichBatch(w http.ResponseWriter, r *http.Request) {
	tableID, columnID, ok := ParseTableAndColumnIDs(w, r, h.logger)
	if !ok {
		return
	}

	req, ok := h.decodeEnrichRequest(w, r, h.bulkRowLimit)
	if !ok {
		return
	}

	summary, err := h.orchestrator.Submit(r.Context(), services.EnrichmentRequest{
		ConfigID: req.ConfigID,
		TableID:  tableID,
		ColumnID: columnID,
		RowIDs:   req.RowIDs,
		Options: services.RunOptions{
			OnlyEmpty:     req.OnlyEmpty,
			IncludeErrors: req.IncludeErrors,
			ForceRerun:    req.ForceRerun,
		},
	})
	if err != nil {
		h.serviceError(w, err, "Failed to submit bulk enrichment")
		return
	}
	h.writeJSON(w, http.StatusAccepted, summary)
}

// GetJob handles GET /api/enrichment/jobs/{jid}
func (h *EnrichmentHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	jobID, ok := ParseJobID(w, r, h.logger)
	if !ok {
		return
	}

	// Reads go through the runner so a job abandoned by a dead process is
	// force-completed instead of reported running forever.
	job, err := h.runner.GetJob(r.Context(), jobID)
	if err != nil {
		h.serviceError(w, err, "Failed to get enrichment job")
		return
	}
	h.writeJSON(w, http.StatusOK, job)
}

// GetProgress handles GET /api/enrichment/jobs/{jid}/progress?client={id}
// Returns the job's counters plus the row ids completed since this client's
// previous poll. Distinct clients keep independent cursors.
func (h *EnrichmentHandler) GetProgress(w http.ResponseWriter, r *http.Request) {
	jobID, ok := ParseJobID(w, r, h.logger)
	if !ok {
		return
	}

	clientID := r.URL.Query().Get("client")
	if clientID == "" {
		clientID = "default"
	}

	snapshot, err := h.progress.Poll(r.Context(), jobID, clientID, 0)
	if err != nil {
		h.serviceError(w, err, "Failed to poll job progress")
		return
	}
	h.writeJSON(w, http.StatusOK, snapshot)
}

// GetBatchJob handles GET /api/enrichment/batch-jobs/{jid}
func (h *EnrichmentHandler) GetBatchJob(w http.ResponseWriter, r *http.Request) {
	jobID, ok := ParseJobID(w, r, h.logger)
	if !ok {
		return
	}

	job, err := h.batchJobs.Get(r.Context(), jobID)
	if err != nil {
		h.serviceError(w, err, "Failed to get bulk job")
		return
	}
	h.writeJSON(w, http.StatusOK, job)
}

// GetBatchGroup handles GET /api/enrichment/batch-groups/{gid}
// Returns every chunk job in the group plus the aggregated group status.
func (h *EnrichmentHandler) GetBatchGroup(w http.ResponseWriter, r *http.Request) {
	groupID, ok := ParseGroupID(w, r, h.logger)
	if !ok {
		return
	}

	jobs, err := h.batchJobs.GetByGroup(r.Context(), groupID)
	if err != nil {
		h.serviceError(w, err, "Failed to get bulk job group")
		return
	}
	if len(jobs) == 0 {
		h.serviceError(w, apperrors.ErrNotFound, "Bulk job group not found")
		return
	}

	h.writeJSON(w, http.StatusOK, BatchGroupResponse{
		GroupID: groupID,
		Status:  models.BatchGroupStatus(jobs),
		Jobs:    jobs,
	})
}

// ColumnStatus handles GET /api/tables/{tid}/columns/{cid}/enrichment-status
// Lists active jobs of both kinds targeting the column.
func (h *EnrichmentHandler) ColumnStatus(w http.ResponseWriter, r *http.Request) {
	_, columnID, ok := ParseTableAndColumnIDs(w, r, h.logger)
	if !ok {
		return
	}

	jobs, err := h.jobs.GetActiveByColumn(r.Context(), columnID)
	if err != nil {
		h.serviceError(w, err, "Failed to list enrichment jobs")
		return
	}

	batchJobs, err := h.batchJobs.GetActiveByColumn(r.Context(), columnID)
	if err != nil {
		h.serviceError(w, err, "Failed to list bulk jobs")
		return
	}

	if jobs == nil {
		jobs = []*models.EnrichmentJob{}
	}
	if batchJobs == nil {
		batchJobs = []*models.BatchEnrichmentJob{}
	}
	h.writeJSON(w, http.StatusOK, ColumnStatusResponse{Jobs: jobs, BatchJobs: batchJobs})
}

// Cancel handles DELETE /api/tables/{tid}/columns/{cid}/enrichment
// Cancels every active job targeting the column. Provider-side bulk
// cancellation is best-effort; local state always reaches terminal.
func (h *EnrichmentHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	_, columnID, ok := ParseTableAndColumnIDs(w, r, h.logger)
	if !ok {
		return
	}

	cancelledSync, err := h.runner.Cancel(r.Context(), columnID)
	if err != nil {
		h.serviceError(w, err, "Failed to cancel enrichment jobs")
		return
	}

	cancelledBulk, err := h.orchestrator.Cancel(r.Context(), columnID)
	if err != nil {
		h.serviceError(w, err, "Failed to cancel bulk jobs")
		return
	}

	h.writeJSON(w, http.StatusOK, CancelResponse{
		CancelledJobs:      cancelledSync,
		CancelledBatchJobs: cancelledBulk,
	})
}

// Reconcile handles POST /api/enrichment/reconcile
// Drives one reconciliation pass over all non-terminal bulk jobs. Invoked by
// an external scheduler; safe to call concurrently or repeatedly.
func (h *EnrichmentHandler) Reconcile(w http.ResponseWriter, r *http.Request) {
	finished, err := h.reconciler.Reconcile(r.Context())
	if err != nil {
		h.serviceError(w, err, "Reconciliation pass failed")
		return
	}
	h.writeJSON(w, http.StatusOK, ReconcileResponse{FinishedJobs: finished})
}

// ============================================================================
// Helpers
// ============================================================================

func (h *EnrichmentHandler) decodeEnrichRequest(w http.ResponseWriter, r *http.Request, rowLimit int) (*EnrichRequest, bool) {
	var req EnrichRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return nil, false
	}
	if req.ConfigID == uuid.Nil {
		h.writeError(w, http.StatusBadRequest, "missing_config_id", "config_id is required")
		return nil, false
	}
	if len(req.RowIDs) == 0 {
		h.writeError(w, http.StatusBadRequest, "missing_row_ids", "row_ids must not be empty")
		return nil, false
	}
	if len(req.RowIDs) > rowLimit {
		h.logger.Warn("Row limit exceeded",
			zap.Int("requested", len(req.RowIDs)),
			zap.Int("limit", rowLimit))
		h.writeError(w, http.StatusBadRequest, "row_limit_exceeded",
			apperrors.ErrRowLimitExceeded.Error())
		return nil, false
	}
	return &req, true
}

// serviceError maps service-layer sentinel errors onto HTTP statuses.
func (h *EnrichmentHandler) serviceError(w http.ResponseWriter, err error, message string) {
	switch {
	case errors.Is(err, apperrors.ErrNotFound):
		h.writeError(w, http.StatusNotFound, "not_found", message)
	case errors.Is(err, apperrors.ErrConflict):
		h.writeError(w, http.StatusConflict, "conflict", message)
	case errors.Is(err, apperrors.ErrJobNotActive):
		h.writeError(w, http.StatusConflict, "job_not_active", message)
	case errors.Is(err, apperrors.ErrRowLimitExceeded):
		h.writeError(w, http.StatusBadRequest, "row_limit_exceeded", message)
	default:
		h.logger.Error(message, zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "internal_error", message)
	}
}

func (h *EnrichmentHandler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	if err := WriteJSON(w, status, data); err != nil {
		h.logger.Error("Failed to encode response", zap.Error(err))
	}
}

func (h *EnrichmentHandler) writeError(w http.ResponseWriter, status int, code, message string) {
	if err := ErrorResponse(w, status, code, message); err != nil {
		h.logger.Error("Failed to write error response", zap.Error(err))
	}
}
