package providers

import (
	"bytes"
	"context"
	"encoding/base64"
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

// Gemini generates images through Google's generateContent endpoint.
// Generation is synchronous; the response carries the image as inline base64
// parts. Reference images are forwarded inline, resolved through the
// resolver first so callers may pass URLs, data URIs or raw base64.
type Gemini struct {
	cfg      GeminiConfig
	client   *http.Client
	resolver *resolve.Resolver
	logger   *zap.Logger
}

// NewGemini creates the Gemini adapter.
func NewGemini(cfg GeminiConfig, resolver *resolve.Resolver, logger *zap.Logger) *Gemini {
	def := DefaultGeminiConfig()
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

	return &Gemini{
		cfg:      cfg,
		client:   &http.Client{Timeout: cfg.Timeout},
		resolver: resolver,
		logger:   logger,
	}
}

func (g *Gemini) Name() string { return "gemini" }

type geminiInline struct {
	MimeType string `json:"mimeType"`
	Data     string `json:"data"`
}

type geminiPart struct {
	Text       string        `json:"text,omitempty"`
	InlineData *geminiInline `json:"inlineData,omitempty"`
}

type geminiContent struct {
	Parts []geminiPart `json:"parts"`
	Role  string       `json:"role,omitempty"`
}

type geminiRequest struct {
	Contents         []geminiContent `json:"contents"`
	GenerationConfig *geminiGenCfg   `json:"generationConfig,omitempty"`
}

type geminiGenCfg struct {
	ResponseModalities []string `json:"responseModalities,omitempty"`
}

type geminiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text       string        `json:"text,omitempty"`
				InlineData *geminiInline `json:"inlineData,omitempty"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
}

// Generate creates images using Gemini's native multimodal output.
func (g *Gemini) Generate(ctx context.Context, userID string, req *gen.GenerationRequest) (*gen.ProviderResult, error) {
	parts := []geminiPart{{Text: req.Prompt}}
	for _, ref := range req.ReferenceImages {
		asset, err := g.resolver.ToAsset(ctx, g.Name(), ref, g.cfg.Allowlist, nil)
		if err != nil {
			return nil, err
		}
		parts = append(parts, geminiPart{InlineData: &geminiInline{
			MimeType: asset.MimeType,
			Data:     base64.StdEncoding.EncodeToString(asset.Bytes),
		}})
	}

	body := geminiRequest{
		Contents: []geminiContent{{Parts: parts, Role: "user"}},
		GenerationConfig: &geminiGenCfg{
			ResponseModalities: []string{"IMAGE"},
		},
	}

	payload, _ := json.Marshal(body)
	endpoint := fmt.Sprintf("%s/v1beta/models/%s:generateContent?key=%s",
		strings.TrimRight(g.cfg.BaseURL, "/"), req.Model, g.cfg.APIKey)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, gen.NewError(gen.ErrProviderError, g.Name(), err.Error())
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return nil, gen.NewError(gen.ErrProviderError, g.Name(), "request failed: "+err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, gen.UpstreamStatusError(g.Name(), resp.StatusCode, errBody)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return nil, gen.NewError(gen.ErrProviderError, g.Name(), "response read failed: "+err.Error())
	}

	var gResp geminiResponse
	if err := json.Unmarshal(raw, &gResp); err != nil {
		return nil, gen.NewError(gen.ErrProviderError, g.Name(), "undecodable response: "+err.Error())
	}

	var assets []gen.GeneratedAsset
	for _, candidate := range gResp.Candidates {
		for _, part := range candidate.Content.Parts {
			if part.InlineData == nil {
				continue
			}
			asset, err := g.resolver.ToAsset(ctx, g.Name(),
				"data:"+part.InlineData.MimeType+";base64,"+part.InlineData.Data,
				g.cfg.Allowlist, nil)
			if err != nil {
				g.logger.Warn("skipping undecodable inline part",
					zap.String("mime_type", part.InlineData.MimeType),
					zap.Error(err),
				)
				continue
			}
			assets = append(assets, *asset)
		}
	}
	if len(assets) == 0 {
		return nil, gen.NewError(gen.ErrJobFailed, g.Name(), "response carries no image parts").WithDetails(raw)
	}

	return &gen.ProviderResult{
		Provider:  g.Name(),
		Model:     req.Model,
		Assets:    assets,
		Raw:       raw,
		CreatedAt: time.Now(),
	}, nil
}
