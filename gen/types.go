package gen

import (
	"encoding/json"
	"time"
)

// GenerationRequest is the canonical generation request. It is immutable once
// handed to the orchestrator; adapters read from it but never mutate it.
type GenerationRequest struct {
	Prompt          string         `json:"prompt"`
	Model           string         `json:"model"`
	Options         map[string]any `json:"options,omitempty"`          // provider-specific knobs
	ReferenceImages []string       `json:"reference_images,omitempty"` // URLs or inline data
	N               int            `json:"n,omitempty"`
	Size            string         `json:"size,omitempty"` // e.g. 1024x1024
	Seed            int64          `json:"seed,omitempty"`
	Steps           int            `json:"steps,omitempty"`
	Guidance        float64        `json:"guidance,omitempty"`
}

// StringOption returns a string-valued option, or fallback when absent or of a
// different type.
func (r *GenerationRequest) StringOption(key, fallback string) string {
	if v, ok := r.Options[key].(string); ok && v != "" {
		return v
	}
	return fallback
}

// GeneratedAsset is one produced artifact in provider-agnostic form.
// Adapters resolve every reference down to bytes before returning; an asset
// reaching persistence without them is invalid.
type GeneratedAsset struct {
	MimeType  string `json:"mime_type"`
	Bytes     []byte `json:"-"`
	SourceURL string `json:"source_url,omitempty"` // where it was fetched from, for audit
}

// Valid reports whether the asset carries retrievable content.
func (a *GeneratedAsset) Valid() bool {
	return a != nil && len(a.Bytes) > 0
}

// ProviderResult is the normalized outcome of one adapter call.
// Raw is kept for diagnostics only and is never re-parsed downstream.
type ProviderResult struct {
	Provider  string           `json:"provider"`
	Model     string           `json:"model"`
	Assets    []GeneratedAsset `json:"assets"`
	Raw       json.RawMessage  `json:"raw,omitempty"`
	JobID     string           `json:"job_id,omitempty"`
	JobStatus string           `json:"job_status,omitempty"`
	PollCount int              `json:"poll_count,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
}

// GenerationOutput is what the orchestrator hands back to the caller.
type GenerationOutput struct {
	AssetURL  string            `json:"asset_url"`
	MimeType  string            `json:"mime_type"`
	Provider  string            `json:"provider"`
	Model     string            `json:"model"`
	AssetURLs []string          `json:"asset_urls,omitempty"` // all persisted assets, primary first
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Clock abstracts wall-clock time for deterministic tests of the breaker and
// the reservation sweeper.
type Clock func() time.Time
