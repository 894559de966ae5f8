package repositories

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/VAV-Technologies/clay-clone-sub000/pkg/apperrors"
	"github.com/VAV-Technologies/clay-clone-sub000/pkg/database"
	"github.com/VAV-Technologies/clay-clone-sub000/pkg/models"
)

// EnrichmentConfigRepository provides enrichment config data access.
type EnrichmentConfigRepository interface {
	Create(ctx context.Context, config *models.EnrichmentConfig) error
	Get(ctx context.Context, id uuid.UUID) (*models.EnrichmentConfig, error)
	Update(ctx context.Context, config *models.EnrichmentConfig) error
}

type enrichmentConfigRepository struct {
	db *database.DB
}

// NewEnrichmentConfigRepository creates a new Postgres-backed config repository.
func NewEnrichmentConfigRepository(db *database.DB) EnrichmentConfigRepository {
	return &enrichmentConfigRepository{db: db}
}

func (r *enrichmentConfigRepository) Create(ctx context.Context, config *models.EnrichmentConfig) error {
	if config.ID == uuid.Nil {
		config.ID = uuid.New()
	}
	now := time.Now()
	config.CreatedAt = now
	config.UpdatedAt = now

	outputs, err := json.Marshal(config.OutputColumns)
	if err != nil {
		return fmt.Errorf("failed to marshal output columns: %w", err)
	}

	query := `
		INSERT INTO enrichment_configs (id, project_id, name, template, model, temperature, output_columns, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err = r.db.Exec(ctx, query,
		config.ID,
		config.ProjectID,
		config.Name,
		config.Template,
		config.Model,
		config.Temperature,
		outputs,
		config.CreatedAt,
		config.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create enrichment config: %w", err)
	}

	return nil
}

func (r *enrichmentConfigRepository) Get(ctx context.Context, id uuid.UUID) (*models.EnrichmentConfig, error) {
	query := `
		SELECT id, project_id, name, template, model, temperature, output_columns, created_at, updated_at
		FROM enrichment_configs
		WHERE id = $1`

	var config models.EnrichmentConfig
	var outputs []byte

	err := r.db.QueryRow(ctx, query, id).Scan(
		&config.ID,
		&config.ProjectID,
		&config.Name,
		&config.Template,
		&config.Model,
		&config.Temperature,
		&outputs,
		&config.CreatedAt,
		&config.UpdatedAt,
	)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get enrichment config: %w", err)
	}

	if len(outputs) > 0 {
		if err := json.Unmarshal(outputs, &config.OutputColumns); err != nil {
			return nil, fmt.Errorf("failed to unmarshal output columns: %w", err)
		}
	}

	return &config, nil
}

func (r *enrichmentConfigRepository) Update(ctx context.Context, config *models.EnrichmentConfig) error {
	config.UpdatedAt = time.Now()

	outputs, err := json.Marshal(config.OutputColumns)
	if err != nil {
		return fmt.Errorf("failed to marshal output columns: %w", err)
	}

	query := `
		UPDATE enrichment_configs
		SET name = $2, template = $3, model = $4, temperature = $5, output_columns = $6, updated_at = $7
		WHERE id = $1`

	result, err := r.db.Exec(ctx, query,
		config.ID,
		config.Name,
		config.Template,
		config.Model,
		config.Temperature,
		outputs,
		config.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update enrichment config: %w", err)
	}
	if result.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}

	return nil
}

var _ EnrichmentConfigRepository = (*enrichmentConfigRepository)(nil)
