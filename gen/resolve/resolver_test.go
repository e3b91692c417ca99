package resolve

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/luminagen/lumina/gen"
)

// pngBytes is a minimal PNG header so DetectContentType sees image/png.
var pngBytes = []byte{
	0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A, 0x1A, 0x0A,
	0x00, 0x00, 0x00, 0x0D, 0x49, 0x48, 0x44, 0x52,
	0x00, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x01,
	0x08, 0x06, 0x00, 0x00, 0x00, 0x1F, 0x15, 0xC4,
	0x89, 0x00, 0x00, 0x00, 0x00,
}

func testResolver(t *testing.T) *Resolver {
	t.Helper()
	return New(DefaultConfig(), zap.NewNop())
}

func hostOf(t *testing.T, server *httptest.Server) string {
	t.Helper()
	u, err := url.Parse(server.URL)
	require.NoError(t, err)
	return u.Hostname()
}

func TestAllowlist_Permits(t *testing.T) {
	allow := Allowlist{
		Hosts:    []string{"api.bfl.ai"},
		Suffixes: []string{".bfl.ai"},
	}

	tests := []struct {
		host string
		want bool
	}{
		{"api.bfl.ai", true},
		{"API.BFL.AI", true},
		{"delivery.bfl.ai", true},
		{"delivery-eu.bfl.ai", true},
		{"bfl.ai", true},
		{"evil-bfl.ai", false},
		{"bfl.ai.evil.com", false},
		{"169.254.169.254", false},
		{"localhost", false},
		{"", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, allow.Permits(tt.host), "host=%q", tt.host)
	}
}

func TestAllowlist_EmptyPermitsNothing(t *testing.T) {
	assert.False(t, Allowlist{}.Permits("example.com"))
}

func TestResolver_DataURI(t *testing.T) {
	r := testResolver(t)

	encoded := base64.StdEncoding.EncodeToString(pngBytes)
	asset, err := r.ToAsset(context.Background(), "gemini", "data:image/png;base64,"+encoded, Allowlist{}, nil)
	require.NoError(t, err)
	assert.Equal(t, "image/png", asset.MimeType)
	assert.Equal(t, pngBytes, asset.Bytes)
	assert.Empty(t, asset.SourceURL)
}

func TestResolver_DataURIMalformed(t *testing.T) {
	r := testResolver(t)

	_, err := r.ToAsset(context.Background(), "gemini", "data:image/png;base64", Allowlist{}, nil)
	var genErr *gen.Error
	require.ErrorAs(t, err, &genErr)
	assert.Equal(t, gen.ErrInvalidAsset, genErr.Code)
}

func TestResolver_BareBase64(t *testing.T) {
	r := testResolver(t)

	encoded := base64.StdEncoding.EncodeToString(pngBytes)
	require.GreaterOrEqual(t, len(encoded), 32)

	asset, err := r.ToAsset(context.Background(), "openai", encoded, Allowlist{}, nil)
	require.NoError(t, err)
	assert.Equal(t, "image/png", asset.MimeType)
	assert.Equal(t, pngBytes, asset.Bytes)
}

func TestResolver_FetchAllowedHost(t *testing.T) {
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		gotAuth = req.Header.Get("Authorization")
		w.Header().Set("Content-Type", "image/png")
		w.Write(pngBytes)
	}))
	defer server.Close()

	r := testResolver(t)
	allow := Allowlist{Hosts: []string{hostOf(t, server)}}
	headers := http.Header{"Authorization": []string{"Bearer test-key"}}

	asset, err := r.ToAsset(context.Background(), "flux", server.URL+"/img.png", allow, headers)
	require.NoError(t, err)
	assert.Equal(t, "image/png", asset.MimeType)
	assert.Equal(t, pngBytes, asset.Bytes)
	assert.Equal(t, server.URL+"/img.png", asset.SourceURL)
	assert.Equal(t, "Bearer test-key", gotAuth)
}

func TestResolver_FetchBlockedHost(t *testing.T) {
	r := testResolver(t)

	// The metadata endpoint must never be reachable regardless of what the
	// provider response claims.
	_, err := r.ToAsset(context.Background(), "flux",
		"http://169.254.169.254/latest/meta-data/", Allowlist{Hosts: []string{"api.bfl.ai"}}, nil)

	var genErr *gen.Error
	require.ErrorAs(t, err, &genErr)
	assert.Equal(t, gen.ErrInvalidHost, genErr.Code)
}

func TestResolver_RedirectOffAllowlistFails(t *testing.T) {
	var secretHit bool
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		secretHit = true
		w.Write(pngBytes)
	}))
	defer target.Close()

	// Same listener, different hostname: localhost resolves to the target
	// but is not on the allowlist.
	targetURL, err := url.Parse(target.URL)
	require.NoError(t, err)
	offList := "http://localhost:" + targetURL.Port() + "/secret"

	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, offList, http.StatusFound)
	}))
	defer origin.Close()

	r := testResolver(t)
	allow := Allowlist{Hosts: []string{hostOf(t, origin)}}

	_, err = r.ToAsset(context.Background(), "flux", origin.URL+"/asset", allow, nil)

	var genErr *gen.Error
	require.ErrorAs(t, err, &genErr)
	assert.Equal(t, gen.ErrInvalidHost, genErr.Code)
	assert.False(t, secretHit, "off-list redirect target must never be fetched")
}

func TestResolver_RedirectWithinAllowlistSucceeds(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/asset", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/final", http.StatusFound)
	})
	mux.HandleFunc("/final", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write(pngBytes)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	r := testResolver(t)
	allow := Allowlist{Hosts: []string{hostOf(t, server)}}

	asset, err := r.ToAsset(context.Background(), "flux", server.URL+"/asset", allow, nil)
	require.NoError(t, err)
	assert.Equal(t, pngBytes, asset.Bytes)
}

func TestResolver_FetchRejectsNonHTTPScheme(t *testing.T) {
	r := testResolver(t)

	_, err := r.ToAsset(context.Background(), "flux", "ftp://api.bfl.ai/img.png", Allowlist{Hosts: []string{"api.bfl.ai"}}, nil)
	var genErr *gen.Error
	require.ErrorAs(t, err, &genErr)
	assert.Equal(t, gen.ErrInvalidAsset, genErr.Code)
}

func TestResolver_FetchUpstreamStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer server.Close()

	r := testResolver(t)
	allow := Allowlist{Hosts: []string{hostOf(t, server)}}

	_, err := r.ToAsset(context.Background(), "flux", server.URL+"/img.png", allow, nil)
	var genErr *gen.Error
	require.ErrorAs(t, err, &genErr)
	assert.Equal(t, gen.ErrInvalidOption, genErr.Code)
}

func TestResolver_FetchSizeLimit(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write(make([]byte, 2048))
	}))
	defer server.Close()

	r := New(Config{MaxBytes: 1024}, zap.NewNop())
	allow := Allowlist{Hosts: []string{hostOf(t, server)}}

	_, err := r.ToAsset(context.Background(), "flux", server.URL+"/img.png", allow, nil)
	var genErr *gen.Error
	require.ErrorAs(t, err, &genErr)
	assert.Equal(t, gen.ErrInvalidAsset, genErr.Code)
}

func TestResolver_FetchJSONIndirection(t *testing.T) {
	// The download URL answers with JSON pointing at the real asset.
	mux := http.NewServeMux()
	server := httptest.NewServer(mux)
	defer server.Close()

	mux.HandleFunc("/job", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"status": "Ready",
			"result": map[string]any{"sample": server.URL + "/img.png"},
		})
	})
	mux.HandleFunc("/img.png", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write(pngBytes)
	})

	r := testResolver(t)
	allow := Allowlist{Hosts: []string{hostOf(t, server)}}

	asset, err := r.ToAsset(context.Background(), "flux", server.URL+"/job", allow, nil)
	require.NoError(t, err)
	assert.Equal(t, pngBytes, asset.Bytes)
	assert.Equal(t, server.URL+"/img.png", asset.SourceURL)
}

func TestResolver_BucketURIRewrite(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"gs://bucket/path/img.png", "https://storage.googleapis.com/bucket/path/img.png"},
		{"s3://bucket/path/img.png", "https://bucket.s3.amazonaws.com/path/img.png"},
	}
	for _, tt := range tests {
		got, err := rewriteBucketURI(tt.in)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}

	_, err := rewriteBucketURI("magnet://whatever")
	assert.Error(t, err)
}

func TestResolver_BucketURIFetch(t *testing.T) {
	r := testResolver(t)

	// Rewritten host is validated like any other URL; storage.googleapis.com
	// is not in this allowlist, so the fetch is refused before dialing.
	_, err := r.ToAsset(context.Background(), "gemini", "gs://bucket/img.png", Allowlist{Hosts: []string{"api.example.com"}}, nil)
	var genErr *gen.Error
	require.ErrorAs(t, err, &genErr)
	assert.Equal(t, gen.ErrInvalidHost, genErr.Code)
}

func TestResolver_FromJSON(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "image/jpeg")
		w.Write([]byte{0xFF, 0xD8, 0xFF, 0xE0})
	}))
	defer server.Close()

	r := testResolver(t)
	allow := Allowlist{Hosts: []string{hostOf(t, server)}}

	payload := json.RawMessage(`{"images":[{"url":"` + server.URL + `/out.jpg"}]}`)
	asset, err := r.FromJSON(context.Background(), "reve", payload, allow, nil)
	require.NoError(t, err)
	assert.Equal(t, "image/jpeg", asset.MimeType)
}

func TestResolver_FromJSONNoCandidates(t *testing.T) {
	r := testResolver(t)

	_, err := r.FromJSON(context.Background(), "reve", json.RawMessage(`{"status":"done"}`), Allowlist{}, nil)
	var genErr *gen.Error
	require.ErrorAs(t, err, &genErr)
	assert.Equal(t, gen.ErrInvalidAsset, genErr.Code)
}

func TestResolver_FromJSONFallsThroughFailedCandidates(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write(pngBytes)
	}))
	defer server.Close()

	r := testResolver(t)
	allow := Allowlist{Hosts: []string{hostOf(t, server)}}

	// First candidate points outside the allowlist, second resolves.
	payload := json.RawMessage(`{"images":["https://evil.example.com/a.png","` + server.URL + `/b.png"]}`)
	asset, err := r.FromJSON(context.Background(), "reve", payload, allow, nil)
	require.NoError(t, err)
	assert.Equal(t, pngBytes, asset.Bytes)
}

func TestResolver_EmptyReference(t *testing.T) {
	r := testResolver(t)

	_, err := r.ToAsset(context.Background(), "flux", "   ", Allowlist{}, nil)
	var genErr *gen.Error
	require.ErrorAs(t, err, &genErr)
	assert.Equal(t, gen.ErrInvalidAsset, genErr.Code)
}

func TestMimeOf(t *testing.T) {
	assert.Equal(t, "image/png", mimeOf("image/png"))
	assert.Equal(t, "application/json", mimeOf("Application/JSON; charset=utf-8"))
	assert.Equal(t, "", mimeOf(""))
	assert.False(t, strings.Contains(mimeOf("image/webp ; q=1"), " "))
}
