package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/VAV-Technologies/clay-clone-sub000/pkg/apperrors"
	"github.com/VAV-Technologies/clay-clone-sub000/pkg/database"
	"github.com/VAV-Technologies/clay-clone-sub000/pkg/models"
)

// ColumnRepository provides column data access, including the lazy
// materialization of output columns for an enrichment config.
type ColumnRepository interface {
	Get(ctx context.Context, id uuid.UUID) (*models.Column, error)
	GetByTable(ctx context.Context, tableID uuid.UUID) ([]*models.Column, error)

	// EnsureOutputColumns creates a column for each output field of the
	// config that does not already exist, and returns all of the config's
	// output columns in field order.
	EnsureOutputColumns(ctx context.Context, tableID, configID uuid.UUID, fields []string) ([]*models.Column, error)
}

type columnRepository struct {
	db *database.DB
}

// NewColumnRepository creates a new Postgres-backed column repository.
func NewColumnRepository(db *database.DB) ColumnRepository {
	return &columnRepository{db: db}
}

func (r *columnRepository) Get(ctx context.Context, id uuid.UUID) (*models.Column, error) {
	query := `
		SELECT id, table_id, name, type, enrichment_config_id, COALESCE(output_field, ''), position, created_at
		FROM columns
		WHERE id = $1`

	var col models.Column
	err := r.db.QueryRow(ctx, query, id).Scan(
		&col.ID,
		&col.TableID,
		&col.Name,
		&col.Type,
		&col.EnrichmentConfigID,
		&col.OutputField,
		&col.Position,
		&col.CreatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get column: %w", err)
	}

	return &col, nil
}

func (r *columnRepository) GetByTable(ctx context.Context, tableID uuid.UUID) ([]*models.Column, error) {
	query := `
		SELECT id, table_id, name, type, enrichment_config_id, COALESCE(output_field, ''), position, created_at
		FROM columns
		WHERE table_id = $1
		ORDER BY position`

	rows, err := r.db.Query(ctx, query, tableID)
	if err != nil {
		return nil, fmt.Errorf("failed to get columns: %w", err)
	}
	defer rows.Close()

	var result []*models.Column
	for rows.Next() {
		var col models.Column
		if err := rows.Scan(
			&col.ID,
			&col.TableID,
			&col.Name,
			&col.Type,
			&col.EnrichmentConfigID,
			&col.OutputField,
			&col.Position,
			&col.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan column: %w", err)
		}
		result = append(result, &col)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read columns: %w", err)
	}

	return result, nil
}

func (r *columnRepository) EnsureOutputColumns(ctx context.Context, tableID, configID uuid.UUID, fields []string) ([]*models.Column, error) {
	query := `
		INSERT INTO columns (id, table_id, name, type, enrichment_config_id, output_field, position, created_at)
		VALUES ($1, $2, $3, $4, $5, $6,
			COALESCE((SELECT MAX(position) + 1 FROM columns WHERE table_id = $2), 0),
			$7)
		ON CONFLICT (enrichment_config_id, output_field)
			WHERE enrichment_config_id IS NOT NULL AND output_field <> ''
			DO NOTHING`

	now := time.Now()
	for _, field := range fields {
		if _, err := r.db.Exec(ctx, query,
			uuid.New(), tableID, field, models.ColumnTypeText, configID, field, now,
		); err != nil {
			return nil, fmt.Errorf("failed to ensure output column %q: %w", field, err)
		}
	}

	selectQuery := `
		SELECT id, table_id, name, type, enrichment_config_id, COALESCE(output_field, ''), position, created_at
		FROM columns
		WHERE table_id = $1 AND enrichment_config_id = $2 AND output_field <> ''
		ORDER BY position`

	rows, err := r.db.Query(ctx, selectQuery, tableID, configID)
	if err != nil {
		return nil, fmt.Errorf("failed to get output columns: %w", err)
	}
	defer rows.Close()

	byField := make(map[string]*models.Column)
	for rows.Next() {
		var col models.Column
		if err := rows.Scan(
			&col.ID,
			&col.TableID,
			&col.Name,
			&col.Type,
			&col.EnrichmentConfigID,
			&col.OutputField,
			&col.Position,
			&col.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan output column: %w", err)
		}
		byField[col.OutputField] = &col
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read output columns: %w", err)
	}

	// Return in declared field order.
	result := make([]*models.Column, 0, len(fields))
	for _, field := range fields {
		if col, ok := byField[field]; ok {
			result = append(result, col)
		}
	}
	return result, nil
}

var _ ColumnRepository = (*columnRepository)(nil)
