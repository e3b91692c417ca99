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
	"github.com/luminagen/lumina/gen/resolve"
)

var openAISizes = map[string]bool{
	"1024x1024": true,
	"1792x1024": true,
	"1024x1792": true,
	"1536x1024": true,
	"1024x1536": true,
	"auto":      true,
}

// OpenAI generates images through the images/generations endpoint (DALL-E 3
// and gpt-image-1). Generation is synchronous; the response carries either a
// short-lived download URL or inline base64, both resolved through the
// resolver.
type OpenAI struct {
	cfg      OpenAIConfig
	client   *http.Client
	resolver *resolve.Resolver
	logger   *zap.Logger
}

// NewOpenAI creates the OpenAI adapter.
func NewOpenAI(cfg OpenAIConfig, resolver *resolve.Resolver, logger *zap.Logger) *OpenAI {
	def := DefaultOpenAIConfig()
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

	return &OpenAI{
		cfg:      cfg,
		client:   &http.Client{Timeout: cfg.Timeout},
		resolver: resolver,
		logger:   logger,
	}
}

func (o *OpenAI) Name() string { return "openai" }

type dalleRequest struct {
	Model   string `json:"model"`
	Prompt  string `json:"prompt"`
	N       int    `json:"n,omitempty"`
	Size    string `json:"size,omitempty"`
	Quality string `json:"quality,omitempty"`
	Style   string `json:"style,omitempty"`
}

type dalleResponse struct {
	Created int64 `json:"created"`
	Data    []struct {
		URL     string `json:"url,omitempty"`
		B64JSON string `json:"b64_json,omitempty"`
	} `json:"data"`
}

// ValidateOptions bounds size, quality and the image count.
func (o *OpenAI) ValidateOptions(req *gen.GenerationRequest) error {
	if req.Size != "" && !openAISizes[req.Size] {
		return gen.NewError(gen.ErrInvalidOption, o.Name(), "unsupported size "+req.Size)
	}
	if q := req.StringOption("quality", ""); q != "" {
		switch q {
		case "standard", "hd", "low", "medium", "high":
		default:
			return gen.NewError(gen.ErrInvalidOption, o.Name(), "unsupported quality "+q)
		}
	}
	if req.N < 0 || req.N > 10 {
		return gen.NewError(gen.ErrInvalidOption, o.Name(), fmt.Sprintf("n must be 1..10, got %d", req.N))
	}
	return nil
}

// Generate creates images in one synchronous call.
func (o *OpenAI) Generate(ctx context.Context, userID string, req *gen.GenerationRequest) (*gen.ProviderResult, error) {
	body := dalleRequest{
		Model:   req.Model,
		Prompt:  req.Prompt,
		N:       req.N,
		Size:    req.Size,
		Quality: req.StringOption("quality", ""),
		Style:   req.StringOption("style", ""),
	}
	if body.N == 0 {
		body.N = 1
	}
	if body.Size == "" {
		body.Size = "1024x1024"
	}

	payload, _ := json.Marshal(body)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(o.cfg.BaseURL, "/")+"/v1/images/generations",
		bytes.NewReader(payload))
	if err != nil {
		return nil, gen.NewError(gen.ErrProviderError, o.Name(), err.Error())
	}
	httpReq.Header.Set("Authorization", "Bearer "+o.cfg.APIKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(httpReq)
	if err != nil {
		return nil, gen.NewError(gen.ErrProviderError, o.Name(), "request failed: "+err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, gen.UpstreamStatusError(o.Name(), resp.StatusCode, errBody)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return nil, gen.NewError(gen.ErrProviderError, o.Name(), "response read failed: "+err.Error())
	}

	var dResp dalleResponse
	if err := json.Unmarshal(raw, &dResp); err != nil {
		return nil, gen.NewError(gen.ErrProviderError, o.Name(), "undecodable response: "+err.Error())
	}
	if len(dResp.Data) == 0 {
		return nil, gen.NewError(gen.ErrJobFailed, o.Name(), "response carries no images").WithDetails(raw)
	}

	var assets []gen.GeneratedAsset
	for _, d := range dResp.Data {
		ref := d.URL
		if ref == "" {
			ref = d.B64JSON
		}
		asset, err := o.resolver.ToAsset(ctx, o.Name(), ref, o.cfg.Allowlist, nil)
		if err != nil {
			return nil, err
		}
		assets = append(assets, *asset)
	}

	return &gen.ProviderResult{
		Provider:  o.Name(),
		Model:     req.Model,
		Assets:    assets,
		Raw:       raw,
		CreatedAt: time.Unix(dResp.Created, 0),
	}, nil
}
