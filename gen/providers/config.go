package providers

import (
	"time"

	"github.com/luminagen/lumina/gen/resolve"
)

// FluxConfig configures the Black Forest Labs Flux adapter.
type FluxConfig struct {
	APIKey    string            `json:"api_key" yaml:"api_key"`
	BaseURL   string            `json:"base_url" yaml:"base_url"`
	Timeout   time.Duration     `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	Allowlist resolve.Allowlist `json:"allowlist" yaml:"allowlist"`
}

// DefaultFluxConfig returns the default Flux configuration. The allowlist
// covers the API hosts and the signed delivery CDN.
func DefaultFluxConfig() FluxConfig {
	return FluxConfig{
		BaseURL: "https://api.bfl.ai",
		Timeout: 15 * time.Second,
		Allowlist: resolve.Allowlist{
			Hosts:    []string{"api.bfl.ai", "api.eu.bfl.ai", "api.us.bfl.ai"},
			Suffixes: []string{".bfl.ai", ".bfl.ml"},
		},
	}
}

// ReveConfig configures the Reve adapter.
type ReveConfig struct {
	APIKey    string            `json:"api_key" yaml:"api_key"`
	BaseURL   string            `json:"base_url" yaml:"base_url"`
	Timeout   time.Duration     `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	Allowlist resolve.Allowlist `json:"allowlist" yaml:"allowlist"`
}

// DefaultReveConfig returns the default Reve configuration.
func DefaultReveConfig() ReveConfig {
	return ReveConfig{
		BaseURL: "https://api.reve.com",
		Timeout: 15 * time.Second,
		Allowlist: resolve.Allowlist{
			Hosts:    []string{"api.reve.com"},
			Suffixes: []string{".reve.com"},
		},
	}
}

// GeminiConfig configures the Google Gemini image adapter.
type GeminiConfig struct {
	APIKey    string            `json:"api_key" yaml:"api_key"`
	BaseURL   string            `json:"base_url" yaml:"base_url"`
	Timeout   time.Duration     `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	Allowlist resolve.Allowlist `json:"allowlist" yaml:"allowlist"`
}

// DefaultGeminiConfig returns the default Gemini configuration. The allowlist
// includes the storage host because file-mode responses reference gs://
// objects rewritten to storage.googleapis.com.
func DefaultGeminiConfig() GeminiConfig {
	return GeminiConfig{
		BaseURL: "https://generativelanguage.googleapis.com",
		Timeout: 20 * time.Second,
		Allowlist: resolve.Allowlist{
			Hosts:    []string{"generativelanguage.googleapis.com", "storage.googleapis.com"},
			Suffixes: []string{".googleapis.com", ".googleusercontent.com"},
		},
	}
}

// OpenAIConfig configures the OpenAI image adapter.
type OpenAIConfig struct {
	APIKey    string            `json:"api_key" yaml:"api_key"`
	BaseURL   string            `json:"base_url" yaml:"base_url"`
	Timeout   time.Duration     `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	Allowlist resolve.Allowlist `json:"allowlist" yaml:"allowlist"`
}

// DefaultOpenAIConfig returns the default OpenAI configuration.
func DefaultOpenAIConfig() OpenAIConfig {
	return OpenAIConfig{
		BaseURL: "https://api.openai.com",
		Timeout: 20 * time.Second,
		Allowlist: resolve.Allowlist{
			Hosts:    []string{"api.openai.com"},
			Suffixes: []string{".oaiusercontent.com", ".blob.core.windows.net"},
		},
	}
}
