package providers

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/luminagen/lumina/gen"
	"github.com/luminagen/lumina/gen/poll"
	"github.com/luminagen/lumina/gen/resolve"
)

var jpegBytes = []byte{0xFF, 0xD8, 0xFF, 0xE0, 0x00, 0x10, 0x4A, 0x46, 0x49, 0x46}

func testPoller(t *testing.T) *poll.Poller {
	t.Helper()
	return poll.New(poll.Config{MaxAttempts: 5, Interval: time.Millisecond}, zap.NewNop(),
		poll.WithSleep(func(ctx context.Context, d time.Duration) error { return nil }))
}

func testResolver(t *testing.T) *resolve.Resolver {
	t.Helper()
	return resolve.New(resolve.DefaultConfig(), zap.NewNop())
}

func serverAllowlist(t *testing.T, server *httptest.Server) resolve.Allowlist {
	t.Helper()
	u, err := url.Parse(server.URL)
	require.NoError(t, err)
	return resolve.Allowlist{Hosts: []string{u.Hostname()}}
}

func TestFlux_GenerateSubmitPollFetch(t *testing.T) {
	var polls atomic.Int32
	var submitKey string

	mux := http.NewServeMux()
	server := httptest.NewServer(mux)
	defer server.Close()

	mux.HandleFunc("POST /v1/flux-pro-1.1", func(w http.ResponseWriter, r *http.Request) {
		submitKey = r.Header.Get("x-key")
		var body fluxRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "a red fox", body.Prompt)
		assert.Equal(t, "16:9", body.AspectRatio)

		json.NewEncoder(w).Encode(map[string]string{
			"id":          "job-1",
			"status":      "Pending",
			"polling_url": server.URL + "/v1/get_result?id=job-1",
		})
	})
	mux.HandleFunc("GET /v1/get_result", func(w http.ResponseWriter, r *http.Request) {
		if polls.Add(1) < 2 {
			json.NewEncoder(w).Encode(map[string]string{"id": "job-1", "status": "Pending"})
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"id":     "job-1",
			"status": "Ready",
			"result": map[string]string{"sample": server.URL + "/sample.jpg"},
		})
	})
	mux.HandleFunc("GET /sample.jpg", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/jpeg")
		w.Write(jpegBytes)
	})

	flux := NewFlux(FluxConfig{
		APIKey:    "test-key",
		BaseURL:   server.URL,
		Allowlist: serverAllowlist(t, server),
	}, testPoller(t), testResolver(t), zap.NewNop())

	req := &gen.GenerationRequest{
		Prompt:  "a red fox",
		Model:   "flux-pro-1.1",
		Options: map[string]any{"aspect_ratio": "16:9"},
	}
	result, err := flux.Generate(context.Background(), "u1", req)
	require.NoError(t, err)

	assert.Equal(t, "test-key", submitKey)
	assert.Equal(t, "flux", result.Provider)
	assert.Equal(t, "job-1", result.JobID)
	assert.Equal(t, 2, result.PollCount)
	require.Len(t, result.Assets, 1)
	assert.Equal(t, jpegBytes, result.Assets[0].Bytes)
	assert.Equal(t, "image/jpeg", result.Assets[0].MimeType)
}

func TestFlux_ModeratedJobFails(t *testing.T) {
	mux := http.NewServeMux()
	server := httptest.NewServer(mux)
	defer server.Close()

	mux.HandleFunc("POST /v1/flux-dev", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"id":          "job-2",
			"status":      "Pending",
			"polling_url": server.URL + "/v1/get_result?id=job-2",
		})
	})
	mux.HandleFunc("GET /v1/get_result", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"id": "job-2", "status": "Content Moderated"})
	})

	flux := NewFlux(FluxConfig{
		BaseURL:   server.URL,
		Allowlist: serverAllowlist(t, server),
	}, testPoller(t), testResolver(t), zap.NewNop())

	_, err := flux.Generate(context.Background(), "u1", &gen.GenerationRequest{Prompt: "p", Model: "flux-dev"})

	var genErr *gen.Error
	require.ErrorAs(t, err, &genErr)
	assert.Equal(t, gen.ErrJobFailed, genErr.Code)
	assert.NotEmpty(t, genErr.Details)
}

func TestFlux_PollTimeout(t *testing.T) {
	mux := http.NewServeMux()
	server := httptest.NewServer(mux)
	defer server.Close()

	mux.HandleFunc("POST /v1/flux-dev", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"id":          "job-3",
			"status":      "Pending",
			"polling_url": server.URL + "/v1/get_result?id=job-3",
		})
	})
	mux.HandleFunc("GET /v1/get_result", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"id": "job-3", "status": "Processing"})
	})

	flux := NewFlux(FluxConfig{
		BaseURL:   server.URL,
		Allowlist: serverAllowlist(t, server),
	}, testPoller(t), testResolver(t), zap.NewNop())

	_, err := flux.Generate(context.Background(), "u1", &gen.GenerationRequest{Prompt: "p", Model: "flux-dev"})

	var genErr *gen.Error
	require.ErrorAs(t, err, &genErr)
	assert.Equal(t, gen.ErrJobTimedOut, genErr.Code)
}

func TestFlux_RejectsForeignPollingURL(t *testing.T) {
	mux := http.NewServeMux()
	server := httptest.NewServer(mux)
	defer server.Close()

	mux.HandleFunc("POST /v1/flux-dev", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"id":          "job-4",
			"status":      "Pending",
			"polling_url": "http://169.254.169.254/latest/meta-data/",
		})
	})

	flux := NewFlux(FluxConfig{
		BaseURL:   server.URL,
		Allowlist: serverAllowlist(t, server),
	}, testPoller(t), testResolver(t), zap.NewNop())

	_, err := flux.Generate(context.Background(), "u1", &gen.GenerationRequest{Prompt: "p", Model: "flux-dev"})

	var genErr *gen.Error
	require.ErrorAs(t, err, &genErr)
	assert.Equal(t, gen.ErrInvalidHost, genErr.Code)
}

func TestFlux_SubmitUpstreamError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"detail":"overloaded"}`, http.StatusServiceUnavailable)
	}))
	defer server.Close()

	flux := NewFlux(FluxConfig{
		BaseURL:   server.URL,
		Allowlist: serverAllowlist(t, server),
	}, testPoller(t), testResolver(t), zap.NewNop())

	_, err := flux.Generate(context.Background(), "u1", &gen.GenerationRequest{Prompt: "p", Model: "flux-dev"})

	var genErr *gen.Error
	require.ErrorAs(t, err, &genErr)
	assert.Equal(t, gen.ErrProviderError, genErr.Code)
}

func TestFlux_ValidateOptions(t *testing.T) {
	flux := NewFlux(FluxConfig{}, testPoller(t), testResolver(t), zap.NewNop())

	tests := []struct {
		ratio string
		ok    bool
	}{
		{"", true},
		{"1:1", true},
		{"16:9", true},
		{"21:9", true},
		{"wide", false},
		{"16:0", false},
		{"-1:2", false},
		{"16:", false},
	}
	for _, tt := range tests {
		req := &gen.GenerationRequest{Prompt: "p", Model: "flux-dev"}
		if tt.ratio != "" {
			req.Options = map[string]any{"aspect_ratio": tt.ratio}
		}
		err := flux.ValidateOptions(req)
		if tt.ok {
			assert.NoError(t, err, "ratio=%q", tt.ratio)
		} else {
			var genErr *gen.Error
			require.ErrorAs(t, err, &genErr, "ratio=%q", tt.ratio)
			assert.Equal(t, gen.ErrInvalidOption, genErr.Code)
		}
	}
}

func TestAspectRatioOf(t *testing.T) {
	tests := []struct {
		size string
		want string
	}{
		{"", "1:1"},
		{"1024x1024", "1:1"},
		{"1792x1024", "16:9"},
		{"1024x1792", "9:16"},
		{"banana", "1:1"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, aspectRatioOf(tt.size), "size=%q", tt.size)
	}
}
