package models

import (
	"time"

	"github.com/google/uuid"
)

// Metadata keys every enrichment response is asked to include alongside the
// declared output fields.
var ResponseMetadataKeys = []string{"reasoning", "confidence", "steps_taken"}

// EnrichmentConfig defines a model-driven transformation: a prompt template
// with {{ColumnName}} placeholders, the model to run it on, and an optional
// list of named output fields the model is expected to return.
type EnrichmentConfig struct {
	ID          uuid.UUID `json:"id"`
	ProjectID   uuid.UUID `json:"project_id"`
	Name        string    `json:"name"`
	Template    string    `json:"template"`
	Model       string    `json:"model"`
	Temperature float64   `json:"temperature"`

	// OutputColumns lists the named output fields, in declaration order.
	// Each lazily materializes as a column the first time a job runs.
	OutputColumns []string `json:"output_columns,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ColumnType classifies a column's declared type.
type ColumnType string

const (
	ColumnTypeText       ColumnType = "text"
	ColumnTypeNumber     ColumnType = "number"
	ColumnTypeEnrichment ColumnType = "enrichment"
)

// Column is a table column. Enrichment columns link to an EnrichmentConfig;
// output columns additionally carry the output field they materialize.
type Column struct {
	ID                 uuid.UUID  `json:"id"`
	TableID            uuid.UUID  `json:"table_id"`
	Name               string     `json:"name"`
	Type               ColumnType `json:"type"`
	EnrichmentConfigID *uuid.UUID `json:"enrichment_config_id,omitempty"`
	OutputField        string     `json:"output_field,omitempty"`
	Position           int        `json:"position"`
	CreatedAt          time.Time  `json:"created_at"`
}

// Row holds the cell map for one table row, keyed by column id.
type Row struct {
	ID      uuid.UUID               `json:"id"`
	TableID uuid.UUID               `json:"table_id"`
	Data    map[uuid.UUID]CellValue `json:"data"`
}

// Cell returns the cell for the given column, or a zero cell if unset.
func (r *Row) Cell(columnID uuid.UUID) CellValue {
	if r.Data == nil {
		return CellValue{}
	}
	return r.Data[columnID]
}

// SetCell stores the cell for the given column, allocating the map if needed.
func (r *Row) SetCell(columnID uuid.UUID, cell CellValue) {
	if r.Data == nil {
		r.Data = make(map[uuid.UUID]CellValue)
	}
	r.Data[columnID] = cell
}
