package services

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/VAV-Technologies/clay-clone-sub000/pkg/apperrors"
	"github.com/VAV-Technologies/clay-clone-sub000/pkg/models"
)

const (
	// defaultProgressPageSize bounds how many newly completed row ids a
	// single poll returns.
	defaultProgressPageSize = 500

	// progressTTL is how long progress state outlives its last write.
	// Clients polling a job that expired get not-found and fall back to
	// the job record.
	progressTTL = time.Hour
)

// ProgressSnapshot is one poll's view of a job: full metadata plus only the
// completed row ids this client has not seen yet.
type ProgressSnapshot struct {
	JobID     uuid.UUID        `json:"job_id"`
	Status    models.JobStatus `json:"status"`
	Completed int              `json:"completed"`
	Total     int              `json:"total"`
	NewRowIDs []uuid.UUID      `json:"new_row_ids"`
}

// ProgressTracker tracks a sync job's monotonically growing completed-row
// list and a delivery cursor per polling client, so a poll returns only the
// slice the client has not seen instead of the whole completed set.
//
// Progress is ephemeral state with expiry, distinct from the job record.
// The Redis implementation shares it across processes so a poll may land on
// any instance; the in-memory implementation serves single-process runs.
type ProgressTracker interface {
	StartJob(ctx context.Context, jobID uuid.UUID, total int) error
	RecordCompleted(ctx context.Context, jobID uuid.UUID, rowIDs []uuid.UUID) error
	SetStatus(ctx context.Context, jobID uuid.UUID, status models.JobStatus) error

	// Poll returns job metadata in full plus up to limit undelivered row
	// ids for the given client, advancing that client's cursor. Returns
	// apperrors.ErrNotFound for unknown or expired jobs.
	Poll(ctx context.Context, jobID uuid.UUID, clientID string, limit int) (*ProgressSnapshot, error)
}

// NewProgressTracker returns a Redis-backed tracker when a client is
// available and an in-memory one otherwise.
func NewProgressTracker(rdb *redis.Client, logger *zap.Logger) ProgressTracker {
	if rdb != nil {
		return NewRedisProgressTracker(rdb, logger)
	}
	logger.Info("redis not configured, using in-memory progress tracking")
	return NewMemoryProgressTracker()
}

// redisProgressTracker stores progress under per-job keys with a TTL.
type redisProgressTracker struct {
	rdb    *redis.Client
	logger *zap.Logger
}

var _ ProgressTracker = (*redisProgressTracker)(nil)

// NewRedisProgressTracker creates a Redis-backed ProgressTracker.
func NewRedisProgressTracker(rdb *redis.Client, logger *zap.Logger) ProgressTracker {
	return &redisProgressTracker{rdb: rdb, logger: logger.Named("progress")}
}

func progressMetaKey(jobID uuid.UUID) string {
	return fmt.Sprintf("enrichment:progress:%s:meta", jobID)
}

func progressRowsKey(jobID uuid.UUID) string {
	return fmt.Sprintf("enrichment:progress:%s:rows", jobID)
}

func progressCursorKey(jobID uuid.UUID, clientID string) string {
	return fmt.Sprintf("enrichment:progress:%s:cursor:%s", jobID, clientID)
}

func (t *redisProgressTracker) StartJob(ctx context.Context, jobID uuid.UUID, total int) error {
	pipe := t.rdb.Pipeline()
	pipe.HSet(ctx, progressMetaKey(jobID), "total", total, "status", string(models.JobStatusRunning))
	pipe.Expire(ctx, progressMetaKey(jobID), progressTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to initialize progress for job %s: %w", jobID, err)
	}
	return nil
}

func (t *redisProgressTracker) RecordCompleted(ctx context.Context, jobID uuid.UUID, rowIDs []uuid.UUID) error {
	if len(rowIDs) == 0 {
		return nil
	}
	values := make([]interface{}, len(rowIDs))
	for i, id := range rowIDs {
		values[i] = id.String()
	}

	pipe := t.rdb.Pipeline()
	pipe.RPush(ctx, progressRowsKey(jobID), values...)
	pipe.Expire(ctx, progressRowsKey(jobID), progressTTL)
	pipe.Expire(ctx, progressMetaKey(jobID), progressTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to record progress for job %s: %w", jobID, err)
	}
	return nil
}

func (t *redisProgressTracker) SetStatus(ctx context.Context, jobID uuid.UUID, status models.JobStatus) error {
	pipe := t.rdb.Pipeline()
	pipe.HSet(ctx, progressMetaKey(jobID), "status", string(status))
	pipe.Expire(ctx, progressMetaKey(jobID), progressTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to update progress status for job %s: %w", jobID, err)
	}
	return nil
}

func (t *redisProgressTracker) Poll(ctx context.Context, jobID uuid.UUID, clientID string, limit int) (*ProgressSnapshot, error) {
	if limit <= 0 {
		limit = defaultProgressPageSize
	}

	meta, err := t.rdb.HGetAll(ctx, progressMetaKey(jobID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read progress meta for job %s: %w", jobID, err)
	}
	if len(meta) == 0 {
		return nil, apperrors.ErrNotFound
	}
	total, _ := strconv.Atoi(meta["total"])

	completed, err := t.rdb.LLen(ctx, progressRowsKey(jobID)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read progress length for job %s: %w", jobID, err)
	}

	cursorKey := progressCursorKey(jobID, clientID)
	cursor, err := t.rdb.Get(ctx, cursorKey).Int64()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("failed to read progress cursor for job %s: %w", jobID, err)
	}
	if cursor > completed {
		cursor = completed
	}

	end := cursor + int64(limit)
	if end > completed {
		end = completed
	}

	var newIDs []uuid.UUID
	if end > cursor {
		raw, err := t.rdb.LRange(ctx, progressRowsKey(jobID), cursor, end-1).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to read progress rows for job %s: %w", jobID, err)
		}
		newIDs = make([]uuid.UUID, 0, len(raw))
		for _, s := range raw {
			id, err := uuid.Parse(s)
			if err != nil {
				continue
			}
			newIDs = append(newIDs, id)
		}
		if err := t.rdb.Set(ctx, cursorKey, end, progressTTL).Err(); err != nil {
			return nil, fmt.Errorf("failed to advance progress cursor for job %s: %w", jobID, err)
		}
	}

	return &ProgressSnapshot{
		JobID:     jobID,
		Status:    models.JobStatus(meta["status"]),
		Completed: int(completed),
		Total:     total,
		NewRowIDs: newIDs,
	}, nil
}

// memoryProgressTracker keeps progress in process memory with lazy expiry.
type memoryProgressTracker struct {
	mu   sync.Mutex
	jobs map[uuid.UUID]*memoryProgress
	now  func() time.Time
}

type memoryProgress struct {
	total     int
	status    models.JobStatus
	rowIDs    []uuid.UUID
	cursors   map[string]int
	expiresAt time.Time
}

var _ ProgressTracker = (*memoryProgressTracker)(nil)

// NewMemoryProgressTracker creates an in-process ProgressTracker.
func NewMemoryProgressTracker() ProgressTracker {
	return &memoryProgressTracker{
		jobs: make(map[uuid.UUID]*memoryProgress),
		now:  time.Now,
	}
}

func (t *memoryProgressTracker) StartJob(ctx context.Context, jobID uuid.UUID, total int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.jobs[jobID] = &memoryProgress{
		total:     total,
		status:    models.JobStatusRunning,
		cursors:   make(map[string]int),
		expiresAt: t.now().Add(progressTTL),
	}
	return nil
}

func (t *memoryProgressTracker) RecordCompleted(ctx context.Context, jobID uuid.UUID, rowIDs []uuid.UUID) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	prog := t.get(jobID)
	if prog == nil {
		return nil
	}
	prog.rowIDs = append(prog.rowIDs, rowIDs...)
	prog.expiresAt = t.now().Add(progressTTL)
	return nil
}

func (t *memoryProgressTracker) SetStatus(ctx context.Context, jobID uuid.UUID, status models.JobStatus) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	prog := t.get(jobID)
	if prog == nil {
		return nil
	}
	prog.status = status
	prog.expiresAt = t.now().Add(progressTTL)
	return nil
}

func (t *memoryProgressTracker) Poll(ctx context.Context, jobID uuid.UUID, clientID string, limit int) (*ProgressSnapshot, error) {
	if limit <= 0 {
		limit = defaultProgressPageSize
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	prog := t.get(jobID)
	if prog == nil {
		return nil, apperrors.ErrNotFound
	}

	cursor := prog.cursors[clientID]
	if cursor > len(prog.rowIDs) {
		cursor = len(prog.rowIDs)
	}
	end := cursor + limit
	if end > len(prog.rowIDs) {
		end = len(prog.rowIDs)
	}

	newIDs := append([]uuid.UUID(nil), prog.rowIDs[cursor:end]...)
	prog.cursors[clientID] = end

	return &ProgressSnapshot{
		JobID:     jobID,
		Status:    prog.status,
		Completed: len(prog.rowIDs),
		Total:     prog.total,
		NewRowIDs: newIDs,
	}, nil
}

// get returns live progress for a job, dropping it if expired. Callers hold
// the mutex.
func (t *memoryProgressTracker) get(jobID uuid.UUID) *memoryProgress {
	prog, ok := t.jobs[jobID]
	if !ok {
		return nil
	}
	if t.now().After(prog.expiresAt) {
		delete(t.jobs, jobID)
		return nil
	}
	return prog
}
