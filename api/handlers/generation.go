package handlers

import (
	"context"
	"net/http"

	"go.uber.org/zap"

	"github.com/luminagen/lumina/api"
	"github.com/luminagen/lumina/gen"
)

// Generator is the orchestration capability the handler needs.
type Generator interface {
	Generate(ctx context.Context, userID string, req *gen.GenerationRequest) (*gen.GenerationOutput, error)
}

// GenerationHandler serves generation requests.
type GenerationHandler struct {
	engine Generator
	logger *zap.Logger
}

// NewGenerationHandler creates the handler.
func NewGenerationHandler(engine Generator, logger *zap.Logger) *GenerationHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GenerationHandler{engine: engine, logger: logger}
}

// HandleGenerate serves POST /api/v1/generations. Identity comes from the
// request context; the response carries the persisted asset URLs.
func (h *GenerationHandler) HandleGenerate(w http.ResponseWriter, r *http.Request) {
	userID, ok := userFrom(w, r, h.logger)
	if !ok {
		return
	}

	var req api.GenerateRequest
	if err := DecodeJSONBody(w, r, &req, h.logger); err != nil {
		return
	}

	out, err := h.engine.Generate(r.Context(), userID, req.ToGeneration())
	if err != nil {
		WriteError(w, r, err, h.logger)
		return
	}
	WriteSuccess(w, r, out)
}
