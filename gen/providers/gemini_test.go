package providers

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/luminagen/lumina/gen"
)

func geminiImageResponse(mime string, data []byte) map[string]any {
	return map[string]any{
		"candidates": []map[string]any{{
			"content": map[string]any{
				"parts": []map[string]any{
					{"text": "here is your image"},
					{"inlineData": map[string]string{
						"mimeType": mime,
						"data":     base64.StdEncoding.EncodeToString(data),
					}},
				},
			},
		}},
	}
}

func TestGemini_GenerateInlineParts(t *testing.T) {
	var gotPath string
	var gotBody geminiRequest

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		json.NewEncoder(w).Encode(geminiImageResponse("image/png", jpegBytes))
	}))
	defer server.Close()

	gemini := NewGemini(GeminiConfig{
		APIKey:    "g-key",
		BaseURL:   server.URL,
		Allowlist: serverAllowlist(t, server),
	}, testResolver(t), zap.NewNop())

	result, err := gemini.Generate(context.Background(), "u1", &gen.GenerationRequest{
		Prompt: "a lighthouse",
		Model:  "gemini-2.5-flash-image",
	})
	require.NoError(t, err)

	assert.Equal(t, "/v1beta/models/gemini-2.5-flash-image:generateContent", gotPath)
	require.Len(t, gotBody.Contents, 1)
	require.NotEmpty(t, gotBody.Contents[0].Parts)
	assert.Equal(t, "a lighthouse", gotBody.Contents[0].Parts[0].Text)
	require.NotNil(t, gotBody.GenerationConfig)
	assert.Contains(t, gotBody.GenerationConfig.ResponseModalities, "IMAGE")

	require.Len(t, result.Assets, 1)
	assert.Equal(t, "image/png", result.Assets[0].MimeType)
	assert.Equal(t, jpegBytes, result.Assets[0].Bytes)
}

func TestGemini_ForwardsReferenceImagesInline(t *testing.T) {
	var gotBody geminiRequest

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		json.NewEncoder(w).Encode(geminiImageResponse("image/png", jpegBytes))
	}))
	defer server.Close()

	gemini := NewGemini(GeminiConfig{
		BaseURL:   server.URL,
		Allowlist: serverAllowlist(t, server),
	}, testResolver(t), zap.NewNop())

	ref := "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(jpegBytes)
	_, err := gemini.Generate(context.Background(), "u1", &gen.GenerationRequest{
		Prompt:          "edit this",
		Model:           "gemini-2.5-flash-image",
		ReferenceImages: []string{ref},
	})
	require.NoError(t, err)

	require.Len(t, gotBody.Contents[0].Parts, 2)
	inline := gotBody.Contents[0].Parts[1].InlineData
	require.NotNil(t, inline)
	assert.Equal(t, "image/jpeg", inline.MimeType)
	assert.Equal(t, base64.StdEncoding.EncodeToString(jpegBytes), inline.Data)
}

func TestGemini_RejectsDisallowedReferenceHost(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Error("the API must not be called when the reference is rejected")
	}))
	defer server.Close()

	gemini := NewGemini(GeminiConfig{
		BaseURL:   server.URL,
		Allowlist: serverAllowlist(t, server),
	}, testResolver(t), zap.NewNop())

	_, err := gemini.Generate(context.Background(), "u1", &gen.GenerationRequest{
		Prompt:          "edit this",
		Model:           "gemini-2.5-flash-image",
		ReferenceImages: []string{"https://evil.example.com/payload.png"},
	})

	var genErr *gen.Error
	require.ErrorAs(t, err, &genErr)
	assert.Equal(t, gen.ErrInvalidHost, genErr.Code)
}

func TestGemini_NoImagePartsFailsJob(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"candidates": []map[string]any{{
				"content": map[string]any{
					"parts": []map[string]any{{"text": "I cannot draw that"}},
				},
			}},
		})
	}))
	defer server.Close()

	gemini := NewGemini(GeminiConfig{
		BaseURL:   server.URL,
		Allowlist: serverAllowlist(t, server),
	}, testResolver(t), zap.NewNop())

	_, err := gemini.Generate(context.Background(), "u1", &gen.GenerationRequest{Prompt: "p", Model: "gemini-2.5-flash-image"})

	var genErr *gen.Error
	require.ErrorAs(t, err, &genErr)
	assert.Equal(t, gen.ErrJobFailed, genErr.Code)
	assert.NotEmpty(t, genErr.Details)
}

func TestGemini_UpstreamRateLimit(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"quota"}`, http.StatusTooManyRequests)
	}))
	defer server.Close()

	gemini := NewGemini(GeminiConfig{
		BaseURL:   server.URL,
		Allowlist: serverAllowlist(t, server),
	}, testResolver(t), zap.NewNop())

	_, err := gemini.Generate(context.Background(), "u1", &gen.GenerationRequest{Prompt: "p", Model: "gemini-2.5-flash-image"})

	var genErr *gen.Error
	require.ErrorAs(t, err, &genErr)
	assert.Equal(t, gen.ErrRateLimited, genErr.Code)
}
