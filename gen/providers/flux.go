package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/luminagen/lumina/gen"
	"github.com/luminagen/lumina/gen/poll"
	"github.com/luminagen/lumina/gen/resolve"
)

// Flux generates images through the Black Forest Labs API. Generation is
// asynchronous: the submit call returns a polling URL, the job is polled
// until Ready, and the signed sample URL (valid ten minutes) is fetched
// through the resolver.
type Flux struct {
	cfg       FluxConfig
	client    *http.Client
	poller    *poll.Poller
	resolver  *resolve.Resolver
	normalize poll.NormalizeFunc
	logger    *zap.Logger
}

// NewFlux creates the Flux adapter.
func NewFlux(cfg FluxConfig, poller *poll.Poller, resolver *resolve.Resolver, logger *zap.Logger) *Flux {
	def := DefaultFluxConfig()
	if cfg.BaseURL == "" {
		cfg.BaseURL = def.BaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if len(cfg.Allowlist.Hosts) == 0 && len(cfg.Allowlist.Suffixes) == 0 {
		cfg.Allowlist = def.Allowlist
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Flux{
		cfg:      cfg,
		client:   &http.Client{Timeout: cfg.Timeout},
		poller:   poller,
		resolver: resolver,
		normalize: poll.NewNormalizer(map[poll.Status][]string{
			poll.StatusQueued:     {"pending", "queued", "task not found"},
			poll.StatusProcessing: {"processing", "request accepted"},
			poll.StatusReady:      {"ready"},
			poll.StatusFailed:     {"failed", "content moderated", "request moderated"},
			poll.StatusError:      {"error"},
		}),
		logger: logger,
	}
}

func (f *Flux) Name() string { return "flux" }

type fluxRequest struct {
	Prompt       string  `json:"prompt"`
	AspectRatio  string  `json:"aspect_ratio,omitempty"`
	Steps        int     `json:"steps,omitempty"`
	Guidance     float64 `json:"guidance,omitempty"`
	Seed         int64   `json:"seed,omitempty"`
	OutputFormat string  `json:"output_format,omitempty"`
}

type fluxStatus struct {
	ID         string `json:"id"`
	Status     string `json:"status"`
	PollingURL string `json:"polling_url,omitempty"`
	Result     struct {
		Sample string `json:"sample"`
	} `json:"result,omitempty"`
}

// ValidateOptions rejects malformed aspect-ratio syntax before any network
// call.
func (f *Flux) ValidateOptions(req *gen.GenerationRequest) error {
	if ar := req.StringOption("aspect_ratio", ""); ar != "" {
		var w, h int
		if n, err := fmt.Sscanf(ar, "%d:%d", &w, &h); n != 2 || err != nil || w <= 0 || h <= 0 {
			return gen.NewError(gen.ErrInvalidOption, f.Name(), "aspect_ratio must be W:H, got "+ar)
		}
	}
	return nil
}

// Generate submits the job and polls until the sample is ready.
func (f *Flux) Generate(ctx context.Context, userID string, req *gen.GenerationRequest) (*gen.ProviderResult, error) {
	model := req.Model

	body := fluxRequest{
		Prompt:       req.Prompt,
		AspectRatio:  req.StringOption("aspect_ratio", aspectRatioOf(req.Size)),
		OutputFormat: "jpeg",
	}
	if req.Steps > 0 {
		body.Steps = req.Steps
	}
	if req.Guidance > 0 {
		body.Guidance = req.Guidance
	}
	if req.Seed > 0 {
		body.Seed = req.Seed
	}

	payload, _ := json.Marshal(body)
	endpoint := fmt.Sprintf("%s/v1/%s", strings.TrimRight(f.cfg.BaseURL, "/"), model)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, gen.NewError(gen.ErrProviderError, f.Name(), err.Error())
	}
	httpReq.Header.Set("x-key", f.cfg.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("accept", "application/json")

	resp, err := f.client.Do(httpReq)
	if err != nil {
		return nil, gen.NewError(gen.ErrProviderError, f.Name(), "submit failed: "+err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, gen.UpstreamStatusError(f.Name(), resp.StatusCode, errBody)
	}

	var submitted fluxStatus
	if err := json.NewDecoder(resp.Body).Decode(&submitted); err != nil {
		return nil, gen.NewError(gen.ErrProviderError, f.Name(), "undecodable submit response: "+err.Error())
	}

	pollingURL := submitted.PollingURL
	if pollingURL == "" {
		pollingURL = fmt.Sprintf("%s/v1/get_result?id=%s", strings.TrimRight(f.cfg.BaseURL, "/"), submitted.ID)
	}
	// The polling URL came from the provider; it gets the same allowlist
	// treatment as any download URL.
	if err := f.checkHost(pollingURL); err != nil {
		return nil, err
	}

	var final fluxStatus
	result, err := f.poller.Poll(ctx, submitted.ID, func(ctx context.Context) (string, json.RawMessage, error) {
		return f.fetchStatus(ctx, pollingURL)
	}, f.normalize)
	if err != nil {
		return nil, normalizePollError(err, f.Name())
	}
	if err := json.Unmarshal(result.Payload, &final); err != nil {
		return nil, gen.NewError(gen.ErrProviderError, f.Name(), "undecodable poll payload: "+err.Error())
	}
	if final.Result.Sample == "" {
		return nil, gen.NewError(gen.ErrInvalidAsset, f.Name(), "ready job carries no sample URL")
	}

	asset, err := f.resolver.ToAsset(ctx, f.Name(), final.Result.Sample, f.cfg.Allowlist, nil)
	if err != nil {
		return nil, err
	}

	return &gen.ProviderResult{
		Provider:  f.Name(),
		Model:     model,
		Assets:    []gen.GeneratedAsset{*asset},
		Raw:       result.Payload,
		JobID:     submitted.ID,
		JobStatus: result.RawStatus,
		PollCount: result.Attempts,
		CreatedAt: time.Now(),
	}, nil
}

func (f *Flux) fetchStatus(ctx context.Context, pollingURL string) (string, json.RawMessage, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, pollingURL, nil)
	if err != nil {
		return "", nil, err
	}
	httpReq.Header.Set("x-key", f.cfg.APIKey)
	httpReq.Header.Set("accept", "application/json")

	resp, err := f.client.Do(httpReq)
	if err != nil {
		return "", nil, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", nil, err
	}
	var st fluxStatus
	if err := json.Unmarshal(payload, &st); err != nil {
		return "", nil, err
	}
	return st.Status, payload, nil
}

func (f *Flux) checkHost(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return gen.NewError(gen.ErrInvalidHost, f.Name(), "unparseable polling URL")
	}
	if !f.cfg.Allowlist.Permits(u.Hostname()) {
		return gen.NewError(gen.ErrInvalidHost, f.Name(), "polling host "+u.Hostname()+" not in allowlist")
	}
	return nil
}

// aspectRatioOf maps a WxH size string onto Flux's coarse ratio vocabulary.
func aspectRatioOf(size string) string {
	var w, h int
	if n, _ := fmt.Sscanf(size, "%dx%d", &w, &h); n != 2 || w <= 0 || h <= 0 {
		return "1:1"
	}
	switch {
	case w == h:
		return "1:1"
	case w > h:
		return "16:9"
	default:
		return "9:16"
	}
}

// normalizePollError maps poller errors onto the engine taxonomy.
func normalizePollError(err error, provider string) error {
	var failed *poll.FailedError
	if errors.As(err, &failed) {
		return gen.NewError(gen.ErrJobFailed, provider, "generation failed with status "+failed.RawStatus).
			WithDetails(failed.Payload)
	}
	var timeout *poll.TimeoutError
	if errors.As(err, &timeout) {
		return gen.NewError(gen.ErrJobTimedOut, provider,
			fmt.Sprintf("job not ready after %d attempts", timeout.Attempts)).
			WithDetails(timeout.Payload)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return gen.NewError(gen.ErrProviderError, provider, err.Error())
}
