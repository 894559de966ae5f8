package services

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/VAV-Technologies/clay-clone-sub000/pkg/models"
)

func TestCellWriter_WritesAllRows(t *testing.T) {
	repo := newMemRowRepo()
	tableID := uuid.New()
	columnID := uuid.New()

	var writes []CellWrite
	for i := 0; i < 25; i++ {
		row := &models.Row{ID: uuid.New(), TableID: tableID}
		repo.put(row)

		cell := models.CellValue{}
		cell.MarkComplete(fmt.Sprintf("value-%d", i), nil, "", nil)
		writes = append(writes, CellWrite{
			RowID: row.ID,
			Data:  map[uuid.UUID]models.CellValue{columnID: cell},
		})
	}

	writer := NewCellWriter(repo, 10, 2, zap.NewNop())
	report, err := writer.WriteCells(context.Background(), writes)
	require.NoError(t, err)

	assert.Equal(t, 25, report.Written)
	assert.Equal(t, 0, report.Failed)
	for i, w := range writes {
		cell := repo.cell(w.RowID, columnID)
		assert.Equal(t, models.CellStatusComplete, cell.Status)
		require.NotNil(t, cell.Value)
		assert.Equal(t, fmt.Sprintf("value-%d", i), *cell.Value)
	}
}

func TestCellWriter_MissingRowCountedAsFailed(t *testing.T) {
	repo := newMemRowRepo()
	row := &models.Row{ID: uuid.New()}
	repo.put(row)

	writes := []CellWrite{
		{RowID: row.ID, Data: map[uuid.UUID]models.CellValue{}},
		{RowID: uuid.New(), Data: map[uuid.UUID]models.CellValue{}},
	}

	writer := NewCellWriter(repo, 0, 0, zap.NewNop())
	report, err := writer.WriteCells(context.Background(), writes)
	require.NoError(t, err)

	assert.Equal(t, 1, report.Written)
	assert.Equal(t, 1, report.Failed)
}

func TestCellWriter_UpdateErrorsDoNotAbort(t *testing.T) {
	repo := newMemRowRepo()
	repo.updateErr = errors.New("connection reset")

	var writes []CellWrite
	for i := 0; i < 3; i++ {
		row := &models.Row{ID: uuid.New()}
		repo.put(row)
		writes = append(writes, CellWrite{RowID: row.ID, Data: map[uuid.UUID]models.CellValue{}})
	}

	writer := NewCellWriter(repo, 0, 0, zap.NewNop())
	report, err := writer.WriteCells(context.Background(), writes)
	require.NoError(t, err)

	assert.Equal(t, 0, report.Written)
	assert.Equal(t, 3, report.Failed)
}

func TestCellWriter_EmptyWrites(t *testing.T) {
	writer := NewCellWriter(newMemRowRepo(), 0, 0, zap.NewNop())
	report, err := writer.WriteCells(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Written)
}

func TestChunkWrites(t *testing.T) {
	writes := make([]CellWrite, 2500)
	chunks := chunkWrites(writes, 1000)
	require.Len(t, chunks, 3)
	assert.Len(t, chunks[0], 1000)
	assert.Len(t, chunks[1], 1000)
	assert.Len(t, chunks[2], 500)

	assert.Nil(t, chunkWrites(nil, 1000))
}
