package batch

import (
	"context"
	"fmt"
	"sync"
)

// MockProvider is a configurable in-memory Provider for tests. Set the
// function fields to override behavior; by default uploads and jobs succeed
// and jobs report in_progress.
type MockProvider struct {
	mu sync.Mutex

	UploadFileFunc      func(ctx context.Context, name string, content []byte) (string, error)
	CreateJobFunc       func(ctx context.Context, fileID string, metadata map[string]string) (*JobStatus, error)
	GetStatusFunc       func(ctx context.Context, jobID string) (*JobStatus, error)
	DownloadResultsFunc func(ctx context.Context, fileID string) (string, error)
	CancelJobFunc       func(ctx context.Context, jobID string) error
	DeleteFileFunc      func(ctx context.Context, fileID string) error

	// Uploaded holds fileID -> content for every successful upload.
	Uploaded map[string][]byte
	// DeletedFiles records every fileID passed to DeleteFile.
	DeletedFiles []string
	// CancelledJobs records every jobID passed to CancelJob.
	CancelledJobs []string

	uploadSeq int
	jobSeq    int
}

// NewMockProvider creates an empty mock provider.
func NewMockProvider() *MockProvider {
	return &MockProvider{Uploaded: make(map[string][]byte)}
}

// UploadFile implements Provider.
func (m *MockProvider) UploadFile(ctx context.Context, name string, content []byte) (string, error) {
	if m.UploadFileFunc != nil {
		return m.UploadFileFunc(ctx, name, content)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.uploadSeq++
	fileID := fmt.Sprintf("file-%d", m.uploadSeq)
	m.Uploaded[fileID] = content
	return fileID, nil
}

// CreateJob implements Provider.
func (m *MockProvider) CreateJob(ctx context.Context, fileID string, metadata map[string]string) (*JobStatus, error) {
	if m.CreateJobFunc != nil {
		return m.CreateJobFunc(ctx, fileID, metadata)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobSeq++
	return &JobStatus{
		JobID:  fmt.Sprintf("batch-%d", m.jobSeq),
		Status: StatusValidating,
	}, nil
}

// GetStatus implements Provider.
func (m *MockProvider) GetStatus(ctx context.Context, jobID string) (*JobStatus, error) {
	if m.GetStatusFunc != nil {
		return m.GetStatusFunc(ctx, jobID)
	}
	return &JobStatus{JobID: jobID, Status: StatusInProgress}, nil
}

// DownloadResults implements Provider.
func (m *MockProvider) DownloadResults(ctx context.Context, fileID string) (string, error) {
	if m.DownloadResultsFunc != nil {
		return m.DownloadResultsFunc(ctx, fileID)
	}
	return "", nil
}

// CancelJob implements Provider.
func (m *MockProvider) CancelJob(ctx context.Context, jobID string) error {
	if m.CancelJobFunc != nil {
		return m.CancelJobFunc(ctx, jobID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.CancelledJobs = append(m.CancelledJobs, jobID)
	return nil
}

// DeleteFile implements Provider.
func (m *MockProvider) DeleteFile(ctx context.Context, fileID string) error {
	if m.DeleteFileFunc != nil {
		return m.DeleteFileFunc(ctx, fileID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.DeletedFiles = append(m.DeletedFiles, fileID)
	return nil
}

var _ Provider = (*MockProvider)(nil)
