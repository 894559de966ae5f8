package services

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/VAV-Technologies/clay-clone-sub000/pkg/models"
	"github.com/VAV-Technologies/clay-clone-sub000/pkg/repositories"
)

const (
	defaultWriterChunkSize   = 1000
	defaultWriterMaxParallel = 5
)

// CellWrite is one pending row mutation: the row's full updated cell map.
type CellWrite struct {
	RowID uuid.UUID
	Data  map[uuid.UUID]models.CellValue
}

// WriteReport summarizes a WriteCells call.
type WriteReport struct {
	Written int
	Failed  int
}

// CellWriter persists row updates in bounded chunks so a large enrichment
// run neither issues one store round trip at a time nor fires every update
// at once. Writes are best-effort: a failed row is counted and logged but
// does not roll back or block the rest, and callers reconcile through
// subsequent reads.
type CellWriter interface {
	WriteCells(ctx context.Context, writes []CellWrite) (*WriteReport, error)
}

type cellWriter struct {
	rows        repositories.RowRepository
	chunkSize   int
	maxParallel int
	logger      *zap.Logger
}

var _ CellWriter = (*cellWriter)(nil)

// NewCellWriter creates a CellWriter. Non-positive chunkSize or maxParallel
// fall back to the defaults.
func NewCellWriter(rows repositories.RowRepository, chunkSize, maxParallel int, logger *zap.Logger) CellWriter {
	if chunkSize <= 0 {
		chunkSize = defaultWriterChunkSize
	}
	if maxParallel <= 0 {
		maxParallel = defaultWriterMaxParallel
	}
	return &cellWriter{
		rows:        rows,
		chunkSize:   chunkSize,
		maxParallel: maxParallel,
		logger:      logger.Named("cell_writer"),
	}
}

func (w *cellWriter) WriteCells(ctx context.Context, writes []CellWrite) (*WriteReport, error) {
	if len(writes) == 0 {
		return &WriteReport{}, nil
	}

	chunks := chunkWrites(writes, w.chunkSize)

	var (
		mu     sync.Mutex
		report WriteReport
		wg     sync.WaitGroup
	)
	sem := make(chan struct{}, w.maxParallel)

	for _, chunk := range chunks {
		select {
		case <-ctx.Done():
			wg.Wait()
			return &report, ctx.Err()
		case sem <- struct{}{}:
		}

		wg.Add(1)
		go func(chunk []CellWrite) {
			defer wg.Done()
			defer func() { <-sem }()

			written, failed := w.writeChunk(ctx, chunk)
			mu.Lock()
			report.Written += written
			report.Failed += failed
			mu.Unlock()
		}(chunk)
	}
	wg.Wait()

	w.logger.Debug("cell writes flushed",
		zap.Int("written", report.Written),
		zap.Int("failed", report.Failed))

	return &report, nil
}

func (w *cellWriter) writeChunk(ctx context.Context, chunk []CellWrite) (written, failed int) {
	for _, cw := range chunk {
		if err := w.rows.Update(ctx, cw.RowID, cw.Data); err != nil {
			w.logger.Error("failed to persist row update",
				zap.String("row_id", cw.RowID.String()), zap.Error(err))
			failed++
			continue
		}
		written++
	}
	return written, failed
}

func chunkWrites(writes []CellWrite, size int) [][]CellWrite {
	if len(writes) == 0 {
		return nil
	}
	chunks := make([][]CellWrite, 0, (len(writes)+size-1)/size)
	for start := 0; start < len(writes); start += size {
		end := start + size
		if end > len(writes) {
			end = len(writes)
		}
		chunks = append(chunks, writes[start:end])
	}
	return chunks
}
