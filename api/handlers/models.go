package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/luminagen/lumina/api"
	"github.com/luminagen/lumina/gen"
)

// ModelsHandler lists the models the registry can route.
type ModelsHandler struct {
	registry *gen.Registry
	logger   *zap.Logger
}

// NewModelsHandler creates the handler.
func NewModelsHandler(registry *gen.Registry, logger *zap.Logger) *ModelsHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ModelsHandler{registry: registry, logger: logger}
}

// HandleList serves GET /api/v1/models.
func (h *ModelsHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	WriteSuccess(w, r, api.ModelsResponse{Models: h.registry.Models()})
}
