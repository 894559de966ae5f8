package services

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/VAV-Technologies/clay-clone-sub000/pkg/apperrors"
	"github.com/VAV-Technologies/clay-clone-sub000/pkg/models"
	"github.com/VAV-Technologies/clay-clone-sub000/pkg/repositories"
)

// memRowRepo is an in-memory RowRepository for service tests.
type memRowRepo struct {
	mu        sync.Mutex
	rows      map[uuid.UUID]*models.Row
	updateErr error
	// updates counts Update calls, for asserting write batching behavior.
	updates int
}

var _ repositories.RowRepository = (*memRowRepo)(nil)

func newMemRowRepo() *memRowRepo {
	return &memRowRepo{rows: make(map[uuid.UUID]*models.Row)}
}

func (m *memRowRepo) put(row *models.Row) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[row.ID] = row
}

func (m *memRowRepo) cell(rowID, columnID uuid.UUID) models.CellValue {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[rowID]
	if !ok {
		return models.CellValue{}
	}
	return row.Cell(columnID)
}

func (m *memRowRepo) Get(ctx context.Context, ids []uuid.UUID) ([]*models.Row, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Row
	for _, id := range ids {
		if row, ok := m.rows[id]; ok {
			out = append(out, copyRow(row))
		}
	}
	return out, nil
}

func (m *memRowRepo) GetByTable(ctx context.Context, tableID uuid.UUID) ([]*models.Row, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Row
	for _, row := range m.rows {
		if row.TableID == tableID {
			out = append(out, copyRow(row))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out, nil
}

func (m *memRowRepo) Update(ctx context.Context, id uuid.UUID, data map[uuid.UUID]models.CellValue) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.updates++
	if m.updateErr != nil {
		return m.updateErr
	}
	row, ok := m.rows[id]
	if !ok {
		return apperrors.ErrNotFound
	}
	row.Data = data
	return nil
}

func (m *memRowRepo) QueryByColumnStatus(ctx context.Context, tableID, columnID uuid.UUID, status models.CellStatus) ([]*models.Row, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Row
	for _, row := range m.rows {
		if row.TableID != tableID {
			continue
		}
		if row.Cell(columnID).Status == status {
			out = append(out, copyRow(row))
		}
	}
	return out, nil
}

func copyRow(row *models.Row) *models.Row {
	data := make(map[uuid.UUID]models.CellValue, len(row.Data))
	for k, v := range row.Data {
		data[k] = v
	}
	return &models.Row{ID: row.ID, TableID: row.TableID, Data: data}
}

// memColumnRepo is an in-memory ColumnRepository.
type memColumnRepo struct {
	mu      sync.Mutex
	columns map[uuid.UUID]*models.Column
}

var _ repositories.ColumnRepository = (*memColumnRepo)(nil)

func newMemColumnRepo() *memColumnRepo {
	return &memColumnRepo{columns: make(map[uuid.UUID]*models.Column)}
}

func (m *memColumnRepo) put(col *models.Column) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.columns[col.ID] = col
}

func (m *memColumnRepo) Get(ctx context.Context, id uuid.UUID) (*models.Column, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	col, ok := m.columns[id]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	return col, nil
}

func (m *memColumnRepo) GetByTable(ctx context.Context, tableID uuid.UUID) ([]*models.Column, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Column
	for _, col := range m.columns {
		if col.TableID == tableID {
			out = append(out, col)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out, nil
}

func (m *memColumnRepo) EnsureOutputColumns(ctx context.Context, tableID, configID uuid.UUID, fields []string) ([]*models.Column, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.Column
	for _, field := range fields {
		var existing *models.Column
		for _, col := range m.columns {
			if col.TableID == tableID && col.EnrichmentConfigID != nil &&
				*col.EnrichmentConfigID == configID && col.OutputField == field {
				existing = col
				break
			}
		}
		if existing == nil {
			cfgID := configID
			existing = &models.Column{
				ID:                 uuid.New(),
				TableID:            tableID,
				Name:               field,
				Type:               models.ColumnTypeEnrichment,
				EnrichmentConfigID: &cfgID,
				OutputField:        field,
				Position:           len(m.columns),
			}
			m.columns[existing.ID] = existing
		}
		out = append(out, existing)
	}
	return out, nil
}

// memConfigRepo is an in-memory EnrichmentConfigRepository.
type memConfigRepo struct {
	mu      sync.Mutex
	configs map[uuid.UUID]*models.EnrichmentConfig
}

var _ repositories.EnrichmentConfigRepository = (*memConfigRepo)(nil)

func newMemConfigRepo() *memConfigRepo {
	return &memConfigRepo{configs: make(map[uuid.UUID]*models.EnrichmentConfig)}
}

func (m *memConfigRepo) put(cfg *models.EnrichmentConfig) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.configs[cfg.ID] = cfg
}

func (m *memConfigRepo) Create(ctx context.Context, cfg *models.EnrichmentConfig) error {
	if cfg.ID == uuid.Nil {
		cfg.ID = uuid.New()
	}
	m.put(cfg)
	return nil
}

func (m *memConfigRepo) Get(ctx context.Context, id uuid.UUID) (*models.EnrichmentConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cfg, ok := m.configs[id]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	return cfg, nil
}

func (m *memConfigRepo) Update(ctx context.Context, cfg *models.EnrichmentConfig) error {
	m.put(cfg)
	return nil
}

// memJobRepo is an in-memory EnrichmentJobRepository.
type memJobRepo struct {
	mu   sync.Mutex
	jobs map[uuid.UUID]*models.EnrichmentJob
}

var _ repositories.EnrichmentJobRepository = (*memJobRepo)(nil)

func newMemJobRepo() *memJobRepo {
	return &memJobRepo{jobs: make(map[uuid.UUID]*models.EnrichmentJob)}
}

func (m *memJobRepo) Create(ctx context.Context, job *models.EnrichmentJob) error {
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *job
	m.jobs[job.ID] = &copied
	return nil
}

func (m *memJobRepo) Get(ctx context.Context, id uuid.UUID) (*models.EnrichmentJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	copied := *job
	return &copied, nil
}

func (m *memJobRepo) Update(ctx context.Context, job *models.EnrichmentJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *job
	m.jobs[job.ID] = &copied
	return nil
}

func (m *memJobRepo) GetActiveByColumn(ctx context.Context, columnID uuid.UUID) ([]*models.EnrichmentJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.EnrichmentJob
	for _, job := range m.jobs {
		if job.ColumnID == columnID && !job.Status.Terminal() {
			copied := *job
			out = append(out, &copied)
		}
	}
	return out, nil
}

// memBatchJobRepo is an in-memory BatchJobRepository.
type memBatchJobRepo struct {
	mu       sync.Mutex
	jobs     map[uuid.UUID]*models.BatchEnrichmentJob
	mappings map[uuid.UUID][]models.BatchJobRow
}

var _ repositories.BatchJobRepository = (*memBatchJobRepo)(nil)

func newMemBatchJobRepo() *memBatchJobRepo {
	return &memBatchJobRepo{
		jobs:     make(map[uuid.UUID]*models.BatchEnrichmentJob),
		mappings: make(map[uuid.UUID][]models.BatchJobRow),
	}
}

func (m *memBatchJobRepo) Create(ctx context.Context, job *models.BatchEnrichmentJob) error {
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *job
	m.jobs[job.ID] = &copied
	return nil
}

func (m *memBatchJobRepo) Get(ctx context.Context, id uuid.UUID) (*models.BatchEnrichmentJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	copied := *job
	return &copied, nil
}

func (m *memBatchJobRepo) Update(ctx context.Context, job *models.BatchEnrichmentJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *job
	m.jobs[job.ID] = &copied
	return nil
}

func (m *memBatchJobRepo) ListActive(ctx context.Context) ([]*models.BatchEnrichmentJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.BatchEnrichmentJob
	for _, job := range m.jobs {
		if !job.Status.Terminal() {
			copied := *job
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (m *memBatchJobRepo) GetByGroup(ctx context.Context, groupID uuid.UUID) ([]*models.BatchEnrichmentJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.BatchEnrichmentJob
	for _, job := range m.jobs {
		if job.BatchGroupID != nil && *job.BatchGroupID == groupID {
			copied := *job
			out = append(out, &copied)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BatchNumber < out[j].BatchNumber })
	return out, nil
}

func (m *memBatchJobRepo) GetActiveByColumn(ctx context.Context, columnID uuid.UUID) ([]*models.BatchEnrichmentJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.BatchEnrichmentJob
	for _, job := range m.jobs {
		if job.ColumnID == columnID && !job.Status.Terminal() {
			copied := *job
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (m *memBatchJobRepo) SaveRowMappings(ctx context.Context, mappings []models.BatchJobRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, mapping := range mappings {
		m.mappings[mapping.JobID] = append(m.mappings[mapping.JobID], mapping)
	}
	return nil
}

func (m *memBatchJobRepo) GetRowMappings(ctx context.Context, jobID uuid.UUID) ([]models.BatchJobRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := append([]models.BatchJobRow(nil), m.mappings[jobID]...)
	sort.Slice(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out, nil
}
