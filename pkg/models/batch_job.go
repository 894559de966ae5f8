package models

import (
	"time"

	"github.com/google/uuid"
)

// BatchJobStatus is the lifecycle state of a bulk enrichment job. It is
// driven entirely by the reconciler's polling loop once the job is submitted.
type BatchJobStatus string

const (
	BatchJobStatusUploading   BatchJobStatus = "uploading"
	BatchJobStatusSubmitted   BatchJobStatus = "submitted"
	BatchJobStatusProcessing  BatchJobStatus = "processing"
	BatchJobStatusDownloading BatchJobStatus = "downloading"
	BatchJobStatusComplete    BatchJobStatus = "complete"
	BatchJobStatusError       BatchJobStatus = "error"
	BatchJobStatusCancelled   BatchJobStatus = "cancelled"
)

// Terminal returns true for complete, error and cancelled.
func (s BatchJobStatus) Terminal() bool {
	return s == BatchJobStatusComplete || s == BatchJobStatusError || s == BatchJobStatusCancelled
}

// BatchEnrichmentJob is one provider-side bulk job. Row sets above the
// provider's per-job ceiling are split into several jobs sharing a
// BatchGroupID.
type BatchEnrichmentJob struct {
	ID       uuid.UUID `json:"id"`
	TableID  uuid.UUID `json:"table_id"`
	ConfigID uuid.UUID `json:"config_id"`
	ColumnID uuid.UUID `json:"column_id"`

	// Provider-side identifiers.
	InputFileID   string `json:"input_file_id,omitempty"`
	ProviderJobID string `json:"provider_job_id,omitempty"`
	OutputFileID  string `json:"output_file_id,omitempty"`
	ErrorFileID   string `json:"error_file_id,omitempty"`

	Status BatchJobStatus `json:"status"`
	// ExternalStatus mirrors the provider's last reported status string.
	ExternalStatus string `json:"external_status,omitempty"`
	ErrorMessage   string `json:"error_message,omitempty"`

	RowCount       int `json:"row_count"`
	ProcessedCount int `json:"processed_count"`
	SuccessCount   int `json:"success_count"`
	ErrorCount     int `json:"error_count"`

	TotalCost    float64 `json:"total_cost"`
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`

	// Group metadata when a row set was split across multiple provider jobs.
	BatchGroupID *uuid.UUID `json:"batch_group_id,omitempty"`
	BatchNumber  int        `json:"batch_number"`
	TotalBatches int        `json:"total_batches"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// BatchJobRow is the persisted custom-id to row-id mapping for one submitted
// prompt, written at submission time so the reconciler can correlate result
// lines without reconstructing ownership from cell status scans.
type BatchJobRow struct {
	JobID    uuid.UUID `json:"job_id"`
	CustomID string    `json:"custom_id"`
	RowID    uuid.UUID `json:"row_id"`
	Position int       `json:"position"`
}

// BatchGroupStatus aggregates chunk statuses for a split submission:
// complete iff all chunks complete, error iff all chunks error, else
// processing.
func BatchGroupStatus(jobs []*BatchEnrichmentJob) BatchJobStatus {
	if len(jobs) == 0 {
		return BatchJobStatusProcessing
	}
	allComplete := true
	allError := true
	for _, j := range jobs {
		if j.Status != BatchJobStatusComplete {
			allComplete = false
		}
		if j.Status != BatchJobStatusError {
			allError = false
		}
	}
	switch {
	case allComplete:
		return BatchJobStatusComplete
	case allError:
		return BatchJobStatusError
	default:
		return BatchJobStatusProcessing
	}
}
