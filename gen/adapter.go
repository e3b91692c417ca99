package gen

import "context"

// Adapter is the uniform generation capability every provider implements.
// Internally an adapter is synchronous (one HTTP call returns the asset) or
// asynchronous (submit, then delegate to the job poller, then resolve the
// final payload through the URL resolver); the orchestrator cannot tell the
// difference.
type Adapter interface {
	// Generate produces one or more assets for the request. Errors must be
	// normalized to *Error so the orchestrator can classify them.
	Generate(ctx context.Context, userID string, req *GenerationRequest) (*ProviderResult, error)

	// Name returns the provider identifier used for breaker, limiter and
	// allowlist keying.
	Name() string
}

// OptionValidator is implemented by adapters that reject malformed
// provider-specific knobs (dimension bounds, aspect-ratio syntax, sampling
// ranges) before any network call is made.
type OptionValidator interface {
	ValidateOptions(req *GenerationRequest) error
}

// BlobStore is the durable storage collaborator for generated assets.
type BlobStore interface {
	Put(ctx context.Context, data []byte, mimeType, folderHint string) (publicURL string, err error)
}

// GalleryRepository persists the user-visible artifact record.
type GalleryRepository interface {
	Create(ctx context.Context, userID, assetURL string, metadata map[string]string) error
}

// UsageAudit is the append-only audit trail, independent of the ledger's
// balance bookkeeping.
type UsageAudit interface {
	Record(ctx context.Context, userID, provider, model, prompt string, cost int64, metadata map[string]string) error
}
