package models

import (
	"time"

	"github.com/google/uuid"
)

// JobStatus is the lifecycle state of a sync enrichment job.
type JobStatus string

const (
	JobStatusPending  JobStatus = "pending"
	JobStatusRunning  JobStatus = "running"
	JobStatusComplete JobStatus = "complete"
	JobStatusError    JobStatus = "error"
)

// Terminal returns true for complete and error.
func (s JobStatus) Terminal() bool {
	return s == JobStatusComplete || s == JobStatusError
}

// EnrichmentJob is a sync-mode job: an explicit row-id list advanced by a
// cursor as chunks are processed.
type EnrichmentJob struct {
	ID       uuid.UUID `json:"id"`
	TableID  uuid.UUID `json:"table_id"`
	ConfigID uuid.UUID `json:"config_id"`
	ColumnID uuid.UUID `json:"column_id"`

	RowIDs       []uuid.UUID `json:"row_ids"`
	CurrentIndex int         `json:"current_index"`

	ProcessedCount int     `json:"processed_count"`
	ErrorCount     int     `json:"error_count"`
	TotalCost      float64 `json:"total_cost"`

	Status JobStatus `json:"status"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Stale reports whether a started job has not advanced its cursor for longer
// than the given threshold. Stale jobs are force-completed rather than left
// stuck.
func (j *EnrichmentJob) Stale(threshold time.Duration, now time.Time) bool {
	if j.Status != JobStatusRunning || j.StartedAt == nil {
		return false
	}
	return now.Sub(j.UpdatedAt) > threshold
}
