package gallery

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestStore(t *testing.T) *FileBlobStore {
	t.Helper()
	s, err := NewFileBlobStore(BlobConfig{
		BasePath: t.TempDir(),
		BaseURL:  "https://cdn.example.com/blobs/",
	}, zap.NewNop())
	require.NoError(t, err)
	return s
}

func TestFileBlobStore_Put(t *testing.T) {
	s := newTestStore(t)
	data := []byte("\x89PNG\r\n\x1a\npayload")

	url, err := s.Put(context.Background(), data, "image/png", "flux")
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(url, "https://cdn.example.com/blobs/flux/"))
	assert.True(t, strings.HasSuffix(url, ".png"))

	rel := strings.TrimPrefix(url, "https://cdn.example.com/blobs/")
	stored, err := os.ReadFile(filepath.Join(s.cfg.BasePath, filepath.FromSlash(rel)))
	require.NoError(t, err)
	assert.Equal(t, data, stored)
}

func TestFileBlobStore_PutIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	data := []byte("same bytes")

	url1, err := s.Put(context.Background(), data, "image/jpeg", "reve")
	require.NoError(t, err)
	url2, err := s.Put(context.Background(), data, "image/jpeg", "reve")
	require.NoError(t, err)

	assert.Equal(t, url1, url2)
}

func TestFileBlobStore_EmptyPayload(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Put(context.Background(), nil, "image/png", "flux")
	assert.Error(t, err)
}

func TestFileBlobStore_UnknownMimeGetsBinExtension(t *testing.T) {
	s := newTestStore(t)

	url, err := s.Put(context.Background(), []byte("blob"), "application/x-thing", "openai")
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(url, ".bin"))
}

func TestSanitizeFolder(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"flux", "flux"},
		{"Flux Pro", "fluxpro"},
		{"../../etc", "etc"},
		{"", "misc"},
		{"!!!", "misc"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, sanitizeFolder(tt.in), tt.in)
	}
}
