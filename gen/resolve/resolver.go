// Package resolve turns provider-supplied image references (inline data URIs,
// bare base64 blobs, bucket URIs, HTTP URLs, or JSON documents embedding any
// of those) into canonical assets, validating every externally-supplied URL
// against a per-provider host allowlist before fetching it.
package resolve

import (
	"context"
	"encoding/base64"
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
)

// Allowlist is the immutable set of hosts a provider is permitted to direct
// fetches at. Hosts match exactly; suffixes match any subdomain of the given
// DNS suffix. An empty allowlist permits nothing.
type Allowlist struct {
	Hosts    []string `json:"hosts" yaml:"hosts"`
	Suffixes []string `json:"suffixes" yaml:"suffixes"`
}

// Permits reports whether host may be fetched.
func (a Allowlist) Permits(host string) bool {
	h := strings.ToLower(host)
	for _, exact := range a.Hosts {
		if h == strings.ToLower(exact) {
			return true
		}
	}
	for _, suffix := range a.Suffixes {
		s := strings.ToLower(strings.TrimPrefix(suffix, "."))
		if h == s || strings.HasSuffix(h, "."+s) {
			return true
		}
	}
	return false
}

// Config tunes the resolver.
type Config struct {
	// FetchTimeout bounds each outbound fetch.
	FetchTimeout time.Duration `json:"fetch_timeout" yaml:"fetch_timeout"`

	// MaxBytes caps the size of a fetched asset.
	MaxBytes int64 `json:"max_bytes" yaml:"max_bytes"`

	// MaxWalkDepth bounds the JSON candidate walk.
	MaxWalkDepth int `json:"max_walk_depth" yaml:"max_walk_depth"`
}

// DefaultConfig returns resolver defaults.
func DefaultConfig() Config {
	return Config{
		FetchTimeout: 15 * time.Second,
		MaxBytes:     32 << 20,
		MaxWalkDepth: 8,
	}
}

// Resolver fetches and normalizes image references.
type Resolver struct {
	cfg    Config
	client *http.Client
	logger *zap.Logger
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithHTTPClient overrides the HTTP client, for tests.
func WithHTTPClient(c *http.Client) Option {
	return func(r *Resolver) { r.client = c }
}

// New creates a Resolver.
func New(cfg Config, logger *zap.Logger, opts ...Option) *Resolver {
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 15 * time.Second
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 32 << 20
	}
	if cfg.MaxWalkDepth <= 0 {
		cfg.MaxWalkDepth = 8
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	r := &Resolver{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.FetchTimeout},
		logger: logger,
	}
	for _, opt := range opts {
		opt(r)
	}
	// Every redirect hop is held to the same allowlist as the initial URL;
	// a permitted host must not be able to bounce the fetch off-list.
	r.client.CheckRedirect = redirectGuard
	return r
}

// fetchPolicy carries the active allowlist through the request context so the
// shared client can re-validate each redirect hop.
type fetchPolicy struct {
	provider string
	allow    Allowlist
}

type policyKey struct{}

func redirectGuard(req *http.Request, via []*http.Request) error {
	if len(via) >= 10 {
		return gen.NewError(gen.ErrInvalidAsset, "", "too many redirects")
	}
	p, ok := req.Context().Value(policyKey{}).(fetchPolicy)
	if !ok {
		return gen.NewError(gen.ErrInvalidHost, "", "redirect outside a resolver fetch")
	}
	if req.URL.Scheme != "http" && req.URL.Scheme != "https" {
		return gen.NewError(gen.ErrInvalidHost, p.provider, "unsupported redirect scheme "+req.URL.Scheme)
	}
	if !p.allow.Permits(req.URL.Hostname()) {
		return gen.NewError(gen.ErrInvalidHost, p.provider, "redirect to host "+req.URL.Hostname()+" not in allowlist")
	}
	return nil
}

// ToAsset resolves a single reference into a canonical asset. The reference
// may be a data URI (decoded with no network call), a bare base64 blob
// (wrapped as inline data), a bucket URI (rewritten to its public HTTPS
// equivalent), or an HTTP(S) URL (fetched after allowlist validation).
// headers are forwarded on fetches, for providers whose downloads require
// auth.
func (r *Resolver) ToAsset(ctx context.Context, provider, reference string, allow Allowlist, headers http.Header) (*gen.GeneratedAsset, error) {
	ref := strings.TrimSpace(reference)
	switch {
	case ref == "":
		return nil, gen.NewError(gen.ErrInvalidAsset, provider, "empty asset reference")

	case strings.HasPrefix(ref, "data:"):
		return decodeDataURI(provider, ref)

	case looksLikeBase64(ref):
		return decodeBareBase64(provider, ref)

	case strings.HasPrefix(ref, "http://"), strings.HasPrefix(ref, "https://"):
		return r.fetch(ctx, provider, ref, allow, headers, r.cfg.MaxWalkDepth)

	case strings.Contains(ref, "://"):
		rewritten, err := rewriteBucketURI(ref)
		if err != nil {
			return nil, gen.NewError(gen.ErrInvalidAsset, provider, err.Error())
		}
		return r.fetch(ctx, provider, rewritten, allow, headers, r.cfg.MaxWalkDepth)

	default:
		return nil, gen.NewError(gen.ErrInvalidAsset, provider, "unrecognized asset reference")
	}
}

// FromJSON inspects a JSON payload for embedded image references and resolves
// the first one that succeeds. Used for providers whose final payload nests
// the artifact somewhere shape-specific.
func (r *Resolver) FromJSON(ctx context.Context, provider string, payload json.RawMessage, allow Allowlist, headers http.Header) (*gen.GeneratedAsset, error) {
	return r.fromJSONDepth(ctx, provider, payload, allow, headers, r.cfg.MaxWalkDepth)
}

func (r *Resolver) fetch(ctx context.Context, provider, rawURL string, allow Allowlist, headers http.Header, depth int) (*gen.GeneratedAsset, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, gen.NewError(gen.ErrInvalidHost, provider, "unparseable URL")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, gen.NewError(gen.ErrInvalidHost, provider, "unsupported URL scheme "+u.Scheme)
	}
	if !allow.Permits(u.Hostname()) {
		// Fail closed: a provider directing us at a host outside its
		// allowlist is treated as hostile (SSRF).
		return nil, gen.NewError(gen.ErrInvalidHost, provider, "host "+u.Hostname()+" not in allowlist")
	}

	fetchCtx := context.WithValue(ctx, policyKey{}, fetchPolicy{provider: provider, allow: allow})
	req, err := http.NewRequestWithContext(fetchCtx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, gen.NewError(gen.ErrProviderError, provider, err.Error())
	}
	for k, vs := range headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := r.client.Do(req)
	if err != nil {
		var ge *gen.Error
		if errors.As(err, &ge) {
			// The redirect guard rejected a hop; surface its verdict.
			return nil, ge
		}
		return nil, gen.NewError(gen.ErrProviderError, provider, "asset fetch failed: "+err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, gen.UpstreamStatusError(provider, resp.StatusCode, body)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, r.cfg.MaxBytes+1))
	if err != nil {
		return nil, gen.NewError(gen.ErrProviderError, provider, "asset read failed: "+err.Error())
	}
	if int64(len(data)) > r.cfg.MaxBytes {
		return nil, gen.NewError(gen.ErrInvalidAsset, provider, "asset exceeds size limit")
	}

	contentType := mimeOf(resp.Header.Get("Content-Type"))
	if strings.Contains(contentType, "json") {
		// The download URL returned a JSON document rather than raw bytes;
		// walk it for the embedded reference.
		if depth <= 0 {
			return nil, gen.NewError(gen.ErrInvalidAsset, provider, "nested JSON payload too deep")
		}
		return r.fromJSONDepth(ctx, provider, data, allow, headers, depth-1)
	}

	if contentType == "" || contentType == "application/octet-stream" {
		contentType = http.DetectContentType(data)
	}

	return &gen.GeneratedAsset{
		MimeType:  contentType,
		Bytes:     data,
		SourceURL: u.String(),
	}, nil
}

func (r *Resolver) fromJSONDepth(ctx context.Context, provider string, payload json.RawMessage, allow Allowlist, headers http.Header, depth int) (*gen.GeneratedAsset, error) {
	candidates := Candidates(payload, r.cfg.MaxWalkDepth)
	if len(candidates) == 0 {
		return nil, gen.NewError(gen.ErrInvalidAsset, provider, "no image reference found in payload")
	}
	var lastErr error
	for _, c := range candidates {
		var asset *gen.GeneratedAsset
		var err error
		if strings.HasPrefix(c, "http://") || strings.HasPrefix(c, "https://") {
			asset, err = r.fetch(ctx, provider, c, allow, headers, depth)
		} else {
			asset, err = r.ToAsset(ctx, provider, c, allow, headers)
		}
		if err == nil {
			return asset, nil
		}
		lastErr = err
		r.logger.Debug("candidate did not resolve",
			zap.String("provider", provider),
			zap.Error(err),
		)
	}
	return nil, lastErr
}

func decodeDataURI(provider, ref string) (*gen.GeneratedAsset, error) {
	// data:<mime>;base64,<bytes>
	rest := strings.TrimPrefix(ref, "data:")
	comma := strings.IndexByte(rest, ',')
	if comma < 0 {
		return nil, gen.NewError(gen.ErrInvalidAsset, provider, "malformed data URI")
	}
	meta, payload := rest[:comma], rest[comma+1:]

	mimeType := "application/octet-stream"
	if semi := strings.IndexByte(meta, ';'); semi >= 0 {
		if m := meta[:semi]; m != "" {
			mimeType = m
		}
	} else if meta != "" {
		mimeType = meta
	}

	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		// Some providers emit URL-safe encoding in data URIs.
		data, err = base64.RawURLEncoding.DecodeString(payload)
		if err != nil {
			return nil, gen.NewError(gen.ErrInvalidAsset, provider, "undecodable data URI")
		}
	}

	return &gen.GeneratedAsset{MimeType: mimeType, Bytes: data}, nil
}

func decodeBareBase64(provider, ref string) (*gen.GeneratedAsset, error) {
	data, err := base64.StdEncoding.DecodeString(ref)
	if err != nil {
		data, err = base64.RawStdEncoding.DecodeString(ref)
		if err != nil {
			return nil, gen.NewError(gen.ErrInvalidAsset, provider, "undecodable base64 blob")
		}
	}
	return &gen.GeneratedAsset{
		MimeType: http.DetectContentType(data),
		Bytes:    data,
	}, nil
}

// rewriteBucketURI maps a bucket URI to its public HTTPS equivalent, e.g.
// gs://bucket/path -> https://storage.googleapis.com/bucket/path.
func rewriteBucketURI(ref string) (string, error) {
	u, err := url.Parse(ref)
	if err != nil {
		return "", fmt.Errorf("unparseable bucket URI: %w", err)
	}
	switch u.Scheme {
	case "gs":
		return "https://storage.googleapis.com/" + u.Host + u.Path, nil
	case "s3":
		return "https://" + u.Host + ".s3.amazonaws.com" + u.Path, nil
	default:
		return "", fmt.Errorf("unsupported bucket scheme %q", u.Scheme)
	}
}

func mimeOf(contentType string) string {
	if i := strings.IndexByte(contentType, ';'); i >= 0 {
		contentType = contentType[:i]
	}
	return strings.TrimSpace(strings.ToLower(contentType))
}
