package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/VAV-Technologies/clay-clone-sub000/pkg/apperrors"
	"github.com/VAV-Technologies/clay-clone-sub000/pkg/models"
	"github.com/VAV-Technologies/clay-clone-sub000/pkg/repositories"
)

// EnrichmentConfigRequest for POST /api/enrichment-configs and
// PUT /api/enrichment-configs/{cfgid}.
type EnrichmentConfigRequest struct {
	Name          string   `json:"name"`
	Template      string   `json:"template"`
	Model         string   `json:"model"`
	Temperature   float64  `json:"temperature,omitempty"`
	OutputColumns []string `json:"output_columns,omitempty"`
}

// EnrichmentConfigHandler handles enrichment config HTTP requests.
type EnrichmentConfigHandler struct {
	configs repositories.EnrichmentConfigRepository
	logger  *zap.Logger
}

// NewEnrichmentConfigHandler creates a new enrichment config handler.
func NewEnrichmentConfigHandler(configs repositories.EnrichmentConfigRepository, logger *zap.Logger) *EnrichmentConfigHandler {
	return &EnrichmentConfigHandler{configs: configs, logger: logger}
}

// RegisterRoutes registers the config handler's routes on the given mux.
func (h *EnrichmentConfigHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/enrichment-configs", h.Create)
	mux.HandleFunc("GET /api/enrichment-configs/{cfgid}", h.Get)
	mux.HandleFunc("PUT /api/enrichment-configs/{cfgid}", h.Update)
}

// Create handles POST /api/enrichment-configs
func (h *EnrichmentConfigHandler) Create(w http.ResponseWriter, r *http.Request) {
	req, ok := h.decode(w, r)
	if !ok {
		return
	}

	now := time.Now().UTC()
	cfg := &models.EnrichmentConfig{
		ID:            uuid.New(),
		Name:          req.Name,
		Template:      req.Template,
		Model:         req.Model,
		Temperature:   req.Temperature,
		OutputColumns: req.OutputColumns,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	if err := h.configs.Create(r.Context(), cfg); err != nil {
		h.logger.Error("Failed to create enrichment config", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Failed to create config")
		return
	}
	h.writeJSON(w, http.StatusCreated, cfg)
}

// Get handles GET /api/enrichment-configs/{cfgid}
func (h *EnrichmentConfigHandler) Get(w http.ResponseWriter, r *http.Request) {
	configID, ok := ParseConfigID(w, r, h.logger)
	if !ok {
		return
	}

	cfg, err := h.configs.Get(r.Context(), configID)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "Config not found")
			return
		}
		h.logger.Error("Failed to get enrichment config", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Failed to get config")
		return
	}
	h.writeJSON(w, http.StatusOK, cfg)
}

// Update handles PUT /api/enrichment-configs/{cfgid}
// Changing the template or output columns does not rewrite cells already
// enriched under the previous version.
func (h *EnrichmentConfigHandler) Update(w http.ResponseWriter, r *http.Request) {
	configID, ok := ParseConfigID(w, r, h.logger)
	if !ok {
		return
	}

	req, ok := h.decode(w, r)
	if !ok {
		return
	}

	cfg, err := h.configs.Get(r.Context(), configID)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "Config not found")
			return
		}
		h.logger.Error("Failed to get enrichment config", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Failed to get config")
		return
	}

	cfg.Name = req.Name
	cfg.Template = req.Template
	cfg.Model = req.Model
	cfg.Temperature = req.Temperature
	cfg.OutputColumns = req.OutputColumns
	cfg.UpdatedAt = time.Now().UTC()

	if err := h.configs.Update(r.Context(), cfg); err != nil {
		h.logger.Error("Failed to update enrichment config", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "internal_error", "Failed to update config")
		return
	}
	h.writeJSON(w, http.StatusOK, cfg)
}

func (h *EnrichmentConfigHandler) decode(w http.ResponseWriter, r *http.Request) (*EnrichmentConfigRequest, bool) {
	var req EnrichmentConfigRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return nil, false
	}
	if strings.TrimSpace(req.Name) == "" {
		h.writeError(w, http.StatusBadRequest, "missing_name", "name is required")
		return nil, false
	}
	if strings.TrimSpace(req.Template) == "" {
		h.writeError(w, http.StatusBadRequest, "missing_template", "template is required")
		return nil, false
	}
	if strings.TrimSpace(req.Model) == "" {
		h.writeError(w, http.StatusBadRequest, "missing_model", "model is required")
		return nil, false
	}
	return &req, true
}

func (h *EnrichmentConfigHandler) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	if err := WriteJSON(w, status, data); err != nil {
		h.logger.Error("Failed to encode response", zap.Error(err))
	}
}

func (h *EnrichmentConfigHandler) writeError(w http.ResponseWriter, status int, code, message string) {
	if err := ErrorResponse(w, status, code, message); err != nil {
		h.logger.Error("Failed to write error response", zap.Error(err))
	}
}
