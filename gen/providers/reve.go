package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/luminagen/lumina/gen"
	"github.com/luminagen/lumina/gen/poll"
	"github.com/luminagen/lumina/gen/resolve"
)

// Reve generates images through the Reve job API. Submission returns a job
// id; status is polled on a URL this adapter constructs itself, and the
// final payload nests the artifact (base64 or URL) in a provider-specific
// shape, so resolution goes through the generic JSON walk.
type Reve struct {
	cfg       ReveConfig
	client    *http.Client
	poller    *poll.Poller
	resolver  *resolve.Resolver
	normalize poll.NormalizeFunc
	logger    *zap.Logger
}

// NewReve creates the Reve adapter.
func NewReve(cfg ReveConfig, poller *poll.Poller, resolver *resolve.Resolver, logger *zap.Logger) *Reve {
	def := DefaultReveConfig()
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

	return &Reve{
		cfg:      cfg,
		client:   &http.Client{Timeout: cfg.Timeout},
		poller:   poller,
		resolver: resolver,
		normalize: poll.NewNormalizer(map[poll.Status][]string{
			poll.StatusQueued:     {"queued", "created"},
			poll.StatusProcessing: {"working", "generating"},
			poll.StatusReady:      {"complete", "completed"},
			poll.StatusFailed:     {"failed", "violation"},
			poll.StatusError:      {"error"},
		}),
		logger: logger,
	}
}

func (r *Reve) Name() string { return "reve" }

type reveSubmit struct {
	Prompt      string `json:"prompt"`
	Model       string `json:"model"`
	AspectRatio string `json:"aspect_ratio,omitempty"`
	Seed        int64  `json:"seed,omitempty"`
	Enhance     bool   `json:"enhance,omitempty"`
}

type reveJob struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

// ValidateOptions bounds the enhance flag and aspect ratio.
func (r *Reve) ValidateOptions(req *gen.GenerationRequest) error {
	if v, ok := req.Options["enhance"]; ok {
		if _, isBool := v.(bool); !isBool {
			return gen.NewError(gen.ErrInvalidOption, r.Name(), "enhance must be a boolean")
		}
	}
	if ar := req.StringOption("aspect_ratio", ""); ar != "" {
		var w, h int
		if n, err := fmt.Sscanf(ar, "%d:%d", &w, &h); n != 2 || err != nil || w <= 0 || h <= 0 {
			return gen.NewError(gen.ErrInvalidOption, r.Name(), "aspect_ratio must be W:H, got "+ar)
		}
	}
	return nil
}

// Generate submits the job, polls it to completion and resolves the artifact
// out of the final payload.
func (r *Reve) Generate(ctx context.Context, userID string, req *gen.GenerationRequest) (*gen.ProviderResult, error) {
	body := reveSubmit{
		Prompt:      req.Prompt,
		Model:       req.Model,
		AspectRatio: req.StringOption("aspect_ratio", ""),
		Seed:        req.Seed,
	}
	if v, ok := req.Options["enhance"].(bool); ok {
		body.Enhance = v
	}

	payload, _ := json.Marshal(body)
	endpoint := strings.TrimRight(r.cfg.BaseURL, "/") + "/v1/jobs"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, gen.NewError(gen.ErrProviderError, r.Name(), err.Error())
	}
	httpReq.Header.Set("Authorization", "Bearer "+r.cfg.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(httpReq)
	if err != nil {
		return nil, gen.NewError(gen.ErrProviderError, r.Name(), "submit failed: "+err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, gen.UpstreamStatusError(r.Name(), resp.StatusCode, errBody)
	}

	var job reveJob
	if err := json.NewDecoder(resp.Body).Decode(&job); err != nil {
		return nil, gen.NewError(gen.ErrProviderError, r.Name(), "undecodable submit response: "+err.Error())
	}
	if job.JobID == "" {
		return nil, gen.NewError(gen.ErrProviderError, r.Name(), "submit response carries no job id")
	}

	statusURL := fmt.Sprintf("%s/v1/jobs/%s", strings.TrimRight(r.cfg.BaseURL, "/"), job.JobID)
	result, err := r.poller.Poll(ctx, job.JobID, func(ctx context.Context) (string, json.RawMessage, error) {
		return r.fetchStatus(ctx, statusURL)
	}, r.normalize)
	if err != nil {
		return nil, normalizePollError(err, r.Name())
	}

	asset, err := r.resolver.FromJSON(ctx, r.Name(), result.Payload, r.cfg.Allowlist, nil)
	if err != nil {
		return nil, err
	}

	return &gen.ProviderResult{
		Provider:  r.Name(),
		Model:     req.Model,
		Assets:    []gen.GeneratedAsset{*asset},
		Raw:       result.Payload,
		JobID:     job.JobID,
		JobStatus: result.RawStatus,
		PollCount: result.Attempts,
		CreatedAt: time.Now(),
	}, nil
}

func (r *Reve) fetchStatus(ctx context.Context, statusURL string) (string, json.RawMessage, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, statusURL, nil)
	if err != nil {
		return "", nil, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+r.cfg.APIKey)

	resp, err := r.client.Do(httpReq)
	if err != nil {
		return "", nil, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", nil, err
	}
	var job reveJob
	if err := json.Unmarshal(payload, &job); err != nil {
		return "", nil, err
	}
	return job.Status, payload, nil
}
