package gen

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/luminagen/lumina/gen/circuitbreaker"
	"github.com/luminagen/lumina/gen/idempotency"
	"github.com/luminagen/lumina/gen/ratelimit"
	"github.com/luminagen/lumina/internal/metrics"
	"github.com/luminagen/lumina/ledger"
)

// OrchestratorConfig tunes the top-level coordinator.
type OrchestratorConfig struct {
	// Cost is the number of credit units reserved per generation.
	Cost int64 `json:"cost" yaml:"cost"`

	// IdempotencyTTL is how long a finished result is replayable. Zero
	// disables caching even when a manager is attached.
	IdempotencyTTL time.Duration `json:"idempotency_ttl" yaml:"idempotency_ttl"`
}

// DefaultOrchestratorConfig reserves one unit per generation.
func DefaultOrchestratorConfig() OrchestratorConfig {
	return OrchestratorConfig{
		Cost:           1,
		IdempotencyTTL: 10 * time.Minute,
	}
}

// Orchestrator coordinates one generation end to end:
// reserve credits, dispatch to the adapter, persist the assets, then capture
// or release the reservation. It is a strict saga: every request that enters
// dispatch leaves with its reservation CAPTURED or RELEASED, never RESERVED.
type Orchestrator struct {
	cfg      OrchestratorConfig
	ledger   ledger.Ledger
	registry *Registry
	breaker  *circuitbreaker.Breaker
	limiter  *ratelimit.Keyed
	blobs    BlobStore
	gallery  GalleryRepository
	audit    UsageAudit
	idem     idempotency.Manager
	metrics  *metrics.Collector
	tracer   trace.Tracer
	logger   *zap.Logger
}

// OrchestratorOption configures optional collaborators.
type OrchestratorOption func(*Orchestrator)

// WithIdempotency attaches the replay cache.
func WithIdempotency(m idempotency.Manager) OrchestratorOption {
	return func(o *Orchestrator) { o.idem = m }
}

// WithMetrics attaches the metrics collector.
func WithMetrics(c *metrics.Collector) OrchestratorOption {
	return func(o *Orchestrator) { o.metrics = c }
}

// WithRateLimiter attaches the per-provider outbound limiter.
func WithRateLimiter(k *ratelimit.Keyed) OrchestratorOption {
	return func(o *Orchestrator) { o.limiter = k }
}

// NewOrchestrator wires the engine together. ledger, registry, breaker,
// blobs, gallery and audit are required; the options attach the rest.
func NewOrchestrator(
	cfg OrchestratorConfig,
	led ledger.Ledger,
	registry *Registry,
	breaker *circuitbreaker.Breaker,
	blobs BlobStore,
	gallery GalleryRepository,
	audit UsageAudit,
	logger *zap.Logger,
	opts ...OrchestratorOption,
) *Orchestrator {
	if cfg.Cost < 1 {
		cfg.Cost = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	o := &Orchestrator{
		cfg:      cfg,
		ledger:   led,
		registry: registry,
		breaker:  breaker,
		blobs:    blobs,
		gallery:  gallery,
		audit:    audit,
		tracer:   otel.Tracer("lumina/gen"),
		logger:   logger,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Generate runs the full saga for one request.
//
// Failure before Reserve succeeds costs nothing. After it succeeds, any
// failure (unsupported model, validation, circuit open, provider error,
// poll timeout, persistence) releases the reservation with the failure
// reason and surfaces the original error unchanged. Only a durably stored
// generation is captured.
func (o *Orchestrator) Generate(ctx context.Context, userID string, req *GenerationRequest) (*GenerationOutput, error) {
	if req == nil || req.Prompt == "" {
		return nil, NewError(ErrInvalidRequest, "", "prompt is required")
	}
	if req.Model == "" {
		return nil, NewError(ErrInvalidRequest, "", "model is required")
	}

	ctx, span := o.tracer.Start(ctx, "gen.Generate")
	defer span.End()
	start := time.Now()

	if out, ok := o.replay(ctx, userID, req); ok {
		return out, nil
	}

	res, err := o.reserve(ctx, userID)
	if err != nil {
		return nil, err
	}

	out, provider, genErr := o.dispatchAndPersist(ctx, userID, req)
	if genErr != nil {
		o.resolveRelease(ctx, res, provider, genErr)
		o.observe(provider, req.Model, genErr, start)
		return nil, genErr
	}

	o.resolveCapture(ctx, userID, res, provider, req, out)
	o.observe(provider, req.Model, nil, start)
	o.remember(ctx, userID, req, out)
	return out, nil
}

func (o *Orchestrator) reserve(ctx context.Context, userID string) (*ledger.Reservation, error) {
	ctx, span := o.tracer.Start(ctx, "gen.reserve")
	defer span.End()

	res, err := o.ledger.Reserve(ctx, userID, o.cfg.Cost)
	if err != nil {
		switch err {
		case ledger.ErrInsufficientCredits, ledger.ErrNoAccount:
			return nil, NewError(ErrInsufficientCredits, "", "not enough credits for this generation")
		default:
			return nil, fmt.Errorf("credit reservation failed: %w", err)
		}
	}
	if o.metrics != nil {
		o.metrics.RecordCreditOp("reserve")
	}
	return res, nil
}

// dispatchAndPersist covers the DISPATCHING and PERSISTING states. It
// returns the provider name it got as far as resolving, so the caller can
// attribute breaker accounting even on failure.
func (o *Orchestrator) dispatchAndPersist(ctx context.Context, userID string, req *GenerationRequest) (*GenerationOutput, string, error) {
	ctx, span := o.tracer.Start(ctx, "gen.dispatch")
	defer span.End()

	adapter, err := o.registry.Resolve(req.Model)
	if err != nil {
		return nil, "", err
	}
	provider := adapter.Name()

	if v, ok := adapter.(OptionValidator); ok {
		if err := v.ValidateOptions(req); err != nil {
			return nil, provider, err
		}
	}

	if err := o.breaker.Guard(provider); err != nil {
		return nil, provider, NewError(ErrCircuitOpen, provider, "provider temporarily disabled after repeated failures")
	}
	if o.limiter != nil {
		if err := o.limiter.Allow(provider); err != nil {
			return nil, provider, NewError(ErrRateLimited, provider, "outbound rate limit exceeded, retry shortly").WithCause(err)
		}
	}

	result, err := adapter.Generate(ctx, userID, req)
	if err != nil {
		return nil, provider, AsError(err, provider)
	}
	if len(result.Assets) == 0 {
		return nil, provider, NewError(ErrInvalidAsset, provider, "adapter returned no assets")
	}
	for i := range result.Assets {
		if !result.Assets[i].Valid() {
			return nil, provider, NewError(ErrInvalidAsset, provider, "adapter returned an asset with no content")
		}
	}
	if o.metrics != nil {
		o.metrics.RecordPollAttempts(provider, result.PollCount)
	}

	out, err := o.persist(ctx, userID, req, result)
	if err != nil {
		return nil, provider, err
	}
	return out, provider, nil
}

// persist stores every asset concurrently; the first is primary. A
// generation whose artifact cannot be durably stored is not billable, so
// any failure here fails the request.
func (o *Orchestrator) persist(ctx context.Context, userID string, req *GenerationRequest, result *ProviderResult) (*GenerationOutput, error) {
	ctx, span := o.tracer.Start(ctx, "gen.persist")
	defer span.End()

	urls := make([]string, len(result.Assets))
	g, gctx := errgroup.WithContext(ctx)
	for i := range result.Assets {
		g.Go(func() error {
			asset := &result.Assets[i]
			url, err := o.blobs.Put(gctx, asset.Bytes, asset.MimeType, result.Provider)
			if err != nil {
				return err
			}
			urls[i] = url
			if o.metrics != nil {
				o.metrics.RecordAssetBytes(result.Provider, len(asset.Bytes))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		o.logger.Error("asset persistence failed",
			zap.String("provider", result.Provider),
			zap.String("user_id", userID),
			zap.Error(err),
		)
		return nil, NewError(ErrPersistenceFailed, result.Provider, "asset storage failed: "+err.Error())
	}

	meta := map[string]string{
		"provider": result.Provider,
		"model":    result.Model,
	}
	if result.JobID != "" {
		meta["job_id"] = result.JobID
		meta["poll_count"] = strconv.Itoa(result.PollCount)
	}

	if err := o.gallery.Create(ctx, userID, urls[0], meta); err != nil {
		o.logger.Error("gallery record failed",
			zap.String("user_id", userID),
			zap.Error(err),
		)
		return nil, NewError(ErrPersistenceFailed, result.Provider, "gallery record failed: "+err.Error())
	}

	return &GenerationOutput{
		AssetURL:  urls[0],
		MimeType:  result.Assets[0].MimeType,
		Provider:  result.Provider,
		Model:     result.Model,
		AssetURLs: urls,
		Metadata:  meta,
	}, nil
}

// resolveCapture finishes a successful request: capture the reservation,
// write the audit record and count a qualifying breaker success.
func (o *Orchestrator) resolveCapture(ctx context.Context, userID string, res *ledger.Reservation, provider string, req *GenerationRequest, out *GenerationOutput) {
	// Resolution must run even when the inbound request was cancelled
	// between persistence and here.
	ctx = context.WithoutCancel(ctx)

	if err := o.ledger.Capture(ctx, res.ID, ledger.CaptureMeta{
		Provider:     provider,
		Model:        req.Model,
		PromptPrefix: req.Prompt,
	}); err != nil {
		// The asset is stored but the capture did not land; the sweeper
		// will release the hold, giving the user a free generation
		// rather than a lost one.
		o.logger.Error("capture failed after successful generation",
			zap.String("reservation_id", res.ID),
			zap.Error(err),
		)
	}

	if err := o.audit.Record(ctx, userID, provider, req.Model, req.Prompt, o.cfg.Cost, out.Metadata); err != nil {
		// The audit trail is advisory; a write failure must not fail a
		// generation that already billed and stored.
		o.logger.Warn("usage audit write failed",
			zap.String("user_id", userID),
			zap.Error(err),
		)
	}

	o.breaker.RecordSuccess(provider)
	if o.metrics != nil {
		o.metrics.RecordCreditOp("capture")
		o.metrics.SetBreakerOpen(provider, false)
	}
}

// resolveRelease finishes a failed request: release the reservation with
// the failure reason and count a breaker failure when the fault was
// systemic.
func (o *Orchestrator) resolveRelease(ctx context.Context, res *ledger.Reservation, provider string, genErr error) {
	ctx = context.WithoutCancel(ctx)

	if err := o.ledger.Release(ctx, res.ID, genErr.Error()); err != nil {
		o.logger.Error("release failed, sweeper will reclaim",
			zap.String("reservation_id", res.ID),
			zap.Error(err),
		)
	}
	if o.metrics != nil {
		o.metrics.RecordCreditOp("release")
	}

	// A local limiter denial says nothing about provider health; only
	// upstream-attributed systemic faults count toward the breaker.
	if provider != "" && IsSystemic(genErr) && !errors.Is(genErr, ratelimit.ErrLimited) {
		o.breaker.RecordFailure(provider)
		if o.metrics != nil {
			o.metrics.SetBreakerOpen(provider, o.breaker.Open(provider))
		}
	}
}

func (o *Orchestrator) observe(provider, model string, genErr error, start time.Time) {
	if o.metrics == nil {
		return
	}
	outcome := "success"
	if genErr != nil {
		outcome = string(AsError(genErr, provider).Code)
	}
	if provider == "" {
		provider = "unresolved"
	}
	o.metrics.RecordGeneration(provider, model, outcome, time.Since(start))
}

func (o *Orchestrator) replay(ctx context.Context, userID string, req *GenerationRequest) (*GenerationOutput, bool) {
	if o.idem == nil || o.cfg.IdempotencyTTL <= 0 {
		return nil, false
	}
	key, err := o.idem.Key(userID, req)
	if err != nil {
		return nil, false
	}
	raw, ok, err := o.idem.Get(ctx, key)
	if err != nil || !ok {
		return nil, false
	}
	var out GenerationOutput
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, false
	}
	o.logger.Debug("replaying cached generation",
		zap.String("user_id", userID),
		zap.String("model", req.Model),
	)
	return &out, true
}

func (o *Orchestrator) remember(ctx context.Context, userID string, req *GenerationRequest, out *GenerationOutput) {
	if o.idem == nil || o.cfg.IdempotencyTTL <= 0 {
		return
	}
	key, err := o.idem.Key(userID, req)
	if err != nil {
		return
	}
	if err := o.idem.Set(context.WithoutCancel(ctx), key, out, o.cfg.IdempotencyTTL); err != nil {
		o.logger.Warn("idempotency store failed", zap.Error(err))
	}
}
