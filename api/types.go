package api

import "github.com/luminagen/lumina/gen"

// GenerateRequest is the wire form of one generation call.
type GenerateRequest struct {
	Prompt          string         `json:"prompt"`
	Model           string         `json:"model"`
	Options         map[string]any `json:"options,omitempty"`
	ReferenceImages []string       `json:"reference_images,omitempty"`
	N               int            `json:"n,omitempty"`
	Size            string         `json:"size,omitempty"`
	Seed            int64          `json:"seed,omitempty"`
	Steps           int            `json:"steps,omitempty"`
	Guidance        float64        `json:"guidance,omitempty"`
}

// ToGeneration converts the wire request into the engine's canonical form.
func (r *GenerateRequest) ToGeneration() *gen.GenerationRequest {
	return &gen.GenerationRequest{
		Prompt:          r.Prompt,
		Model:           r.Model,
		Options:         r.Options,
		ReferenceImages: r.ReferenceImages,
		N:               r.N,
		Size:            r.Size,
		Seed:            r.Seed,
		Steps:           r.Steps,
		Guidance:        r.Guidance,
	}
}

// BalanceResponse reports one user's available credits.
type BalanceResponse struct {
	UserID  string `json:"user_id"`
	Balance int64  `json:"balance"`
}

// TopUpRequest adds credits to a user's account.
type TopUpRequest struct {
	Amount int64 `json:"amount"`
}

// ModelsResponse lists the model identifiers the registry can route.
type ModelsResponse struct {
	Models []string `json:"models"`
}
