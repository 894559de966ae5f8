package models

import (
	"github.com/google/uuid"
)

// CellStatus represents the lifecycle state of a single cell.
//
// Sync mode:  unset -> processing -> complete | error
// Bulk mode:  unset -> batch_submitted -> batch_processing -> complete | error | cancelled
//
// A manual retry may re-enter processing from any state.
type CellStatus string

const (
	CellStatusUnset           CellStatus = ""
	CellStatusProcessing      CellStatus = "processing"
	CellStatusComplete        CellStatus = "complete"
	CellStatusError           CellStatus = "error"
	CellStatusBatchSubmitted  CellStatus = "batch_submitted"
	CellStatusBatchProcessing CellStatus = "batch_processing"
	CellStatusCancelled       CellStatus = "cancelled"
)

// Terminal returns true if the status is a terminal state.
func (s CellStatus) Terminal() bool {
	return s == CellStatusComplete || s == CellStatusError || s == CellStatusCancelled
}

// InFlight returns true for non-terminal, non-unset states.
func (s CellStatus) InFlight() bool {
	return s == CellStatusProcessing || s == CellStatusBatchSubmitted || s == CellStatusBatchProcessing
}

// CellMetadata holds usage and cost accounting for one model call.
type CellMetadata struct {
	InputTokens  int     `json:"input_tokens,omitempty"`
	OutputTokens int     `json:"output_tokens,omitempty"`
	TimeTakenMs  int64   `json:"time_taken_ms,omitempty"`
	Cost         float64 `json:"cost,omitempty"`
}

// CellValue is the unit the enrichment engine mutates: the value, status and
// metadata stored for one (row, column) pair. It is JSON-serialized into the
// row's data map keyed by column id.
type CellValue struct {
	// Value is the display value. Nil until a terminal model response lands.
	Value *string `json:"value"`

	Status CellStatus `json:"status,omitempty"`

	// Error is non-empty iff Status is error.
	Error string `json:"error,omitempty"`

	// EnrichmentData is the flat key/value map extracted from the model
	// response. Values are scalars; nested structures are stringified.
	EnrichmentData map[string]any `json:"enrichment_data,omitempty"`

	// RawResponse retains the raw model text for debugging and re-extraction.
	RawResponse string `json:"raw_response,omitempty"`

	Metadata *CellMetadata `json:"metadata,omitempty"`

	// BatchJobID back-references the bulk job that owns this cell while it
	// is batch_submitted/batch_processing.
	BatchJobID *uuid.UUID `json:"batch_job_id,omitempty"`
}

// MarkProcessing transitions the cell into processing, clearing any previous
// value and error.
func (c *CellValue) MarkProcessing() {
	c.Status = CellStatusProcessing
	c.Value = nil
	c.Error = ""
}

// MarkBatchSubmitted transitions the cell into batch_submitted, tagging it
// with the owning bulk job.
func (c *CellValue) MarkBatchSubmitted(jobID uuid.UUID) {
	c.Status = CellStatusBatchSubmitted
	c.Value = nil
	c.Error = ""
	c.BatchJobID = &jobID
}

// MarkBatchProcessing mirrors the provider's in-progress state.
func (c *CellValue) MarkBatchProcessing() {
	c.Status = CellStatusBatchProcessing
}

// MarkComplete transitions the cell into complete with the terminal model
// response. Error is cleared.
func (c *CellValue) MarkComplete(value string, data map[string]any, raw string, meta *CellMetadata) {
	c.Status = CellStatusComplete
	c.Value = &value
	c.EnrichmentData = data
	c.RawResponse = raw
	c.Metadata = meta
	c.Error = ""
}

// MarkError transitions the cell into error with the upstream error text.
// Value is cleared.
func (c *CellValue) MarkError(message string) {
	c.Status = CellStatusError
	c.Error = message
	c.Value = nil
}

// MarkCancelled transitions the cell into cancelled.
func (c *CellValue) MarkCancelled(message string) {
	c.Status = CellStatusCancelled
	c.Error = message
	c.Value = nil
}
