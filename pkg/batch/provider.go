// Package batch wraps the external batch-inference provider behind a small
// interface so job submission and reconciliation can be tested without the
// provider.
package batch

import (
	"context"
)

// Provider-side job statuses as reported by the batch API.
const (
	StatusValidating = "validating"
	StatusInProgress = "in_progress"
	StatusFinalizing = "finalizing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusExpired    = "expired"
	StatusCancelling = "cancelling"
	StatusCancelled  = "cancelled"
)

// MaxRowsPerJob is the number of requests submitted per provider job. The
// documented ceiling is 25,000; staying one below it avoids the provider
// silently dropping the boundary row.
const MaxRowsPerJob = 24_999

// RequestCounts mirrors the provider's per-job progress counters.
type RequestCounts struct {
	Total     int
	Completed int
	Failed    int
}

// JobStatus is the provider's view of one batch job.
type JobStatus struct {
	JobID         string
	Status        string
	OutputFileID  string
	ErrorFileID   string
	RequestCounts RequestCounts
	Errors        []string
}

// Terminal returns true when the provider will not change this job further.
func (s *JobStatus) Terminal() bool {
	switch s.Status {
	case StatusCompleted, StatusFailed, StatusExpired, StatusCancelled:
		return true
	}
	return false
}

// Provider is the external batch-inference system, specified only at its
// interface: upload a request file, create a job over it, poll, download
// line-by-line results, and clean up.
type Provider interface {
	// UploadFile uploads a JSONL batch request file and returns its file id.
	UploadFile(ctx context.Context, name string, content []byte) (string, error)

	// CreateJob creates a batch job over an uploaded file.
	CreateJob(ctx context.Context, fileID string, metadata map[string]string) (*JobStatus, error)

	// GetStatus polls the current status of a job.
	GetStatus(ctx context.Context, jobID string) (*JobStatus, error)

	// DownloadResults fetches the content of a results or error file.
	DownloadResults(ctx context.Context, fileID string) (string, error)

	// CancelJob requests cancellation of a running job.
	CancelJob(ctx context.Context, jobID string) error

	// DeleteFile removes an uploaded or generated file.
	DeleteFile(ctx context.Context, fileID string) error
}
