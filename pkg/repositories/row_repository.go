package repositories

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/VAV-Technologies/clay-clone-sub000/pkg/apperrors"
	"github.com/VAV-Technologies/clay-clone-sub000/pkg/database"
	"github.com/VAV-Technologies/clay-clone-sub000/pkg/models"
)

// RowRepository is the key-value row store the engine mutates: each row
// holds a map from column id to cell value. Update replaces the full cell
// map (last write wins; concurrent writers to the same row may lose an
// update, which is accepted).
type RowRepository interface {
	Get(ctx context.Context, ids []uuid.UUID) ([]*models.Row, error)
	GetByTable(ctx context.Context, tableID uuid.UUID) ([]*models.Row, error)
	Update(ctx context.Context, id uuid.UUID, data map[uuid.UUID]models.CellValue) error

	// QueryByColumnStatus finds rows whose cell for the given column is in
	// the given status. Used by the reconciler's failure sweep.
	QueryByColumnStatus(ctx context.Context, tableID, columnID uuid.UUID, status models.CellStatus) ([]*models.Row, error)
}

type rowRepository struct {
	db *database.DB
}

// NewRowRepository creates a new Postgres-backed row repository.
func NewRowRepository(db *database.DB) RowRepository {
	return &rowRepository{db: db}
}

func (r *rowRepository) Get(ctx context.Context, ids []uuid.UUID) ([]*models.Row, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	query := `
		SELECT id, table_id, data
		FROM rows
		WHERE id = ANY($1)`

	rows, err := r.db.Query(ctx, query, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to get rows: %w", err)
	}
	defer rows.Close()

	return scanRows(rows)
}

func (r *rowRepository) GetByTable(ctx context.Context, tableID uuid.UUID) ([]*models.Row, error) {
	query := `
		SELECT id, table_id, data
		FROM rows
		WHERE table_id = $1
		ORDER BY position`

	rows, err := r.db.Query(ctx, query, tableID)
	if err != nil {
		return nil, fmt.Errorf("failed to get rows for table: %w", err)
	}
	defer rows.Close()

	return scanRows(rows)
}

func (r *rowRepository) Update(ctx context.Context, id uuid.UUID, data map[uuid.UUID]models.CellValue) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal row data: %w", err)
	}

	query := `
		UPDATE rows
		SET data = $2, updated_at = now()
		WHERE id = $1`

	result, err := r.db.Exec(ctx, query, id, payload)
	if err != nil {
		return fmt.Errorf("failed to update row: %w", err)
	}
	if result.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}

	return nil
}

func (r *rowRepository) QueryByColumnStatus(ctx context.Context, tableID, columnID uuid.UUID, status models.CellStatus) ([]*models.Row, error) {
	query := `
		SELECT id, table_id, data
		FROM rows
		WHERE table_id = $1
		  AND data -> $2 ->> 'status' = $3`

	rows, err := r.db.Query(ctx, query, tableID, columnID.String(), string(status))
	if err != nil {
		return nil, fmt.Errorf("failed to query rows by status: %w", err)
	}
	defer rows.Close()

	return scanRows(rows)
}

func scanRows(rows pgx.Rows) ([]*models.Row, error) {
	var result []*models.Row
	for rows.Next() {
		var row models.Row
		var data []byte
		if err := rows.Scan(&row.ID, &row.TableID, &data); err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		if len(data) > 0 {
			if err := json.Unmarshal(data, &row.Data); err != nil {
				return nil, fmt.Errorf("failed to unmarshal row data: %w", err)
			}
		}
		if row.Data == nil {
			row.Data = make(map[uuid.UUID]models.CellValue)
		}
		result = append(result, &row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read rows: %w", err)
	}
	return result, nil
}

var _ RowRepository = (*rowRepository)(nil)
