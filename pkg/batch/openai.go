package batch

import (
	"context"
	"fmt"
	"io"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/VAV-Technologies/clay-clone-sub000/pkg/retry"
)

// OpenAIProvider implements Provider on the OpenAI Batch API.
type OpenAIProvider struct {
	client *openai.Client
	logger *zap.Logger
}

// NewOpenAIProvider creates a batch provider backed by the OpenAI API.
func NewOpenAIProvider(apiKey string, logger *zap.Logger) *OpenAIProvider {
	return &OpenAIProvider{
		client: openai.NewClient(apiKey),
		logger: logger.Named("batch-provider"),
	}
}

// UploadFile implements Provider.
func (p *OpenAIProvider) UploadFile(ctx context.Context, name string, content []byte) (string, error) {
	file, err := p.client.CreateFileBytes(ctx, openai.FileBytesRequest{
		Name:    name,
		Bytes:   content,
		Purpose: openai.PurposeBatch,
	})
	if err != nil {
		return "", fmt.Errorf("upload batch file: %w", err)
	}

	p.logger.Debug("uploaded batch file",
		zap.String("file_id", file.ID),
		zap.Int("bytes", len(content)))

	return file.ID, nil
}

// CreateJob implements Provider.
func (p *OpenAIProvider) CreateJob(ctx context.Context, fileID string, metadata map[string]string) (*JobStatus, error) {
	meta := make(map[string]any, len(metadata))
	for k, v := range metadata {
		meta[k] = v
	}

	resp, err := p.client.CreateBatch(ctx, openai.CreateBatchRequest{
		InputFileID:      fileID,
		Endpoint:         openai.BatchEndpointChatCompletions,
		CompletionWindow: "24h",
		Metadata:         meta,
	})
	if err != nil {
		return nil, fmt.Errorf("create batch job: %w", err)
	}

	p.logger.Info("created batch job",
		zap.String("job_id", resp.ID),
		zap.String("status", resp.Status),
		zap.String("input_file_id", fileID))

	return fromBatch(resp.Batch), nil
}

// GetStatus implements Provider. Polls are read-only, so transient provider
// failures are retried with backoff.
func (p *OpenAIProvider) GetStatus(ctx context.Context, jobID string) (*JobStatus, error) {
	resp, err := retry.DoWithResult(ctx, retry.DefaultConfig(), func() (openai.BatchResponse, error) {
		return p.client.RetrieveBatch(ctx, jobID)
	})
	if err != nil {
		return nil, fmt.Errorf("retrieve batch job %s: %w", jobID, err)
	}
	return fromBatch(resp.Batch), nil
}

// DownloadResults implements Provider. Downloads are read-only, so transient
// provider failures are retried with backoff.
func (p *OpenAIProvider) DownloadResults(ctx context.Context, fileID string) (string, error) {
	data, err := retry.DoWithResult(ctx, retry.DefaultConfig(), func() ([]byte, error) {
		content, err := p.client.GetFileContent(ctx, fileID)
		if err != nil {
			return nil, err
		}
		defer content.Close()
		return io.ReadAll(content)
	})
	if err != nil {
		return "", fmt.Errorf("download file %s: %w", fileID, err)
	}
	return string(data), nil
}

// CancelJob implements Provider.
func (p *OpenAIProvider) CancelJob(ctx context.Context, jobID string) error {
	if _, err := p.client.CancelBatch(ctx, jobID); err != nil {
		return fmt.Errorf("cancel batch job %s: %w", jobID, err)
	}
	return nil
}

// DeleteFile implements Provider.
func (p *OpenAIProvider) DeleteFile(ctx context.Context, fileID string) error {
	if err := p.client.DeleteFile(ctx, fileID); err != nil {
		return fmt.Errorf("delete file %s: %w", fileID, err)
	}
	return nil
}

func fromBatch(b openai.Batch) *JobStatus {
	status := &JobStatus{
		JobID:  b.ID,
		Status: b.Status,
		RequestCounts: RequestCounts{
			Total:     b.RequestCounts.Total,
			Completed: b.RequestCounts.Completed,
			Failed:    b.RequestCounts.Failed,
		},
	}
	if b.OutputFileID != nil {
		status.OutputFileID = *b.OutputFileID
	}
	if b.ErrorFileID != nil {
		status.ErrorFileID = *b.ErrorFileID
	}
	if b.Errors != nil {
		for _, e := range b.Errors.Data {
			status.Errors = append(status.Errors, e.Message)
		}
	}
	return status
}

var _ Provider = (*OpenAIProvider)(nil)
