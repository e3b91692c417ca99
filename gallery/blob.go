// Package gallery provides the default persistence collaborators for
// generated assets: a content-addressed filesystem blob store and a gorm
// repository for the user-visible gallery rows.
package gallery

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

// BlobConfig locates the blob root and the public URL it is served under.
type BlobConfig struct {
	BasePath string `yaml:"base_path" env:"BASE_PATH"`
	BaseURL  string `yaml:"base_url" env:"BASE_URL"`
}

// DefaultBlobConfig returns a local development layout.
func DefaultBlobConfig() BlobConfig {
	return BlobConfig{
		BasePath: "data/blobs",
		BaseURL:  "http://localhost:8080/blobs",
	}
}

// FileBlobStore writes assets under BasePath/<folder>/<sha256>.<ext>.
// Content addressing makes writes idempotent: storing the same bytes twice
// yields the same path and URL.
type FileBlobStore struct {
	cfg    BlobConfig
	logger *zap.Logger
}

// NewFileBlobStore creates the base directory if needed.
func NewFileBlobStore(cfg BlobConfig, logger *zap.Logger) (*FileBlobStore, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(cfg.BasePath, 0o755); err != nil {
		return nil, fmt.Errorf("create blob base path: %w", err)
	}
	return &FileBlobStore{cfg: cfg, logger: logger}, nil
}

// Put stores the asset bytes and returns their public URL.
func (s *FileBlobStore) Put(ctx context.Context, data []byte, mimeType, folderHint string) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("empty asset payload")
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	folder := sanitizeFolder(folderHint)
	hash := sha256.Sum256(data)
	name := hex.EncodeToString(hash[:]) + extensionOf(mimeType)

	dir := filepath.Join(s.cfg.BasePath, folder)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create blob folder: %w", err)
	}
	path := filepath.Join(dir, name)
	if _, err := os.Stat(path); err == nil {
		// Same content already stored.
		return s.urlFor(folder, name), nil
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("write blob: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("finalize blob: %w", err)
	}

	s.logger.Debug("blob stored",
		zap.String("path", path),
		zap.String("mime_type", mimeType),
		zap.Int("size", len(data)),
	)
	return s.urlFor(folder, name), nil
}

func (s *FileBlobStore) urlFor(folder, name string) string {
	return strings.TrimSuffix(s.cfg.BaseURL, "/") + "/" + folder + "/" + name
}

// sanitizeFolder keeps the hint a single safe path segment.
func sanitizeFolder(hint string) string {
	hint = strings.ToLower(strings.TrimSpace(hint))
	var b strings.Builder
	for _, r := range hint {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		}
	}
	if b.Len() == 0 {
		return "misc"
	}
	return b.String()
}

func extensionOf(mimeType string) string {
	switch mimeType {
	case "image/png":
		return ".png"
	case "image/jpeg":
		return ".jpg"
	case "image/webp":
		return ".webp"
	case "image/gif":
		return ".gif"
	case "video/mp4":
		return ".mp4"
	case "audio/mpeg":
		return ".mp3"
	default:
		return ".bin"
	}
}
