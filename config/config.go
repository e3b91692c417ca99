// Package config loads the engine configuration from a YAML file with
// environment-variable overrides.
//
// Precedence: defaults, then the YAML file, then environment variables with
// the LUMINA_ prefix (e.g. LUMINA_DATABASE_DSN overrides database.dsn).
package config

import (
	"fmt"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/luminagen/lumina/gallery"
	"github.com/luminagen/lumina/gen"
	"github.com/luminagen/lumina/gen/circuitbreaker"
	"github.com/luminagen/lumina/gen/poll"
	"github.com/luminagen/lumina/gen/providers"
	"github.com/luminagen/lumina/gen/ratelimit"
	"github.com/luminagen/lumina/gen/resolve"
	"github.com/luminagen/lumina/internal/store"
	"github.com/luminagen/lumina/internal/telemetry"
)

// Config is the complete engine configuration.
type Config struct {
	Log          LogConfig              `yaml:"log" env:"LOG"`
	Server       ServerConfig           `yaml:"server" env:"SERVER"`
	Database     store.Config           `yaml:"database" env:"DATABASE"`
	Redis        RedisConfig            `yaml:"redis" env:"REDIS"`
	Orchestrator gen.OrchestratorConfig `yaml:"orchestrator" env:"ORCHESTRATOR"`
	Ledger       LedgerConfig           `yaml:"ledger" env:"LEDGER"`
	Breaker      circuitbreaker.Config  `yaml:"breaker" env:"BREAKER"`
	RateLimit    ratelimit.Config       `yaml:"rate_limit" env:"RATE_LIMIT"`
	Poll         poll.Config            `yaml:"poll" env:"POLL"`
	Resolve      resolve.Config         `yaml:"resolve" env:"RESOLVE"`
	Providers    ProvidersConfig        `yaml:"providers" env:"PROVIDERS"`
	Blob         gallery.BlobConfig     `yaml:"blob" env:"BLOB"`
	Telemetry    telemetry.Config       `yaml:"telemetry" env:"TELEMETRY"`
}

// ServerConfig tunes the HTTP surface.
type ServerConfig struct {
	HTTPPort           int           `yaml:"http_port" env:"HTTP_PORT"`
	MetricsPort        int           `yaml:"metrics_port" env:"METRICS_PORT"`
	ReadTimeout        time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout       time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	ShutdownTimeout    time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	APIKeys            []string      `yaml:"api_keys" env:"API_KEYS"`
	CORSAllowedOrigins []string      `yaml:"cors_allowed_origins" env:"CORS_ALLOWED_ORIGINS"`
	RateLimitRPS       float64       `yaml:"rate_limit_rps" env:"RATE_LIMIT_RPS"`
	RateLimitBurst     int           `yaml:"rate_limit_burst" env:"RATE_LIMIT_BURST"`
}

// LogConfig tunes the zap logger.
type LogConfig struct {
	Level  string `yaml:"level" env:"LEVEL"`   // debug, info, warn, error
	Format string `yaml:"format" env:"FORMAT"` // json or console
}

// RedisConfig locates the idempotency cache. An empty Addr disables it.
type RedisConfig struct {
	Addr     string `yaml:"addr" env:"ADDR"`
	Password string `yaml:"password" env:"PASSWORD"`
	DB       int    `yaml:"db" env:"DB"`
}

// LedgerConfig tunes the reservation sweeper.
type LedgerConfig struct {
	SweepInterval  time.Duration `yaml:"sweep_interval" env:"SWEEP_INTERVAL"`
	ReservationTTL time.Duration `yaml:"reservation_ttl" env:"RESERVATION_TTL"`
}

// ProvidersConfig collects the adapter configurations.
type ProvidersConfig struct {
	Flux   providers.FluxConfig   `yaml:"flux" env:"FLUX"`
	Reve   providers.ReveConfig   `yaml:"reve" env:"REVE"`
	Gemini providers.GeminiConfig `yaml:"gemini" env:"GEMINI"`
	OpenAI providers.OpenAIConfig `yaml:"openai" env:"OPENAI"`
}

// Default returns the full default configuration.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Server: ServerConfig{
			HTTPPort:        8080,
			MetricsPort:     9090,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    120 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			RateLimitRPS:    10,
			RateLimitBurst:  20,
		},
		Database:     store.DefaultConfig(),
		Orchestrator: gen.DefaultOrchestratorConfig(),
		Ledger: LedgerConfig{
			SweepInterval:  time.Minute,
			ReservationTTL: 10 * time.Minute,
		},
		Breaker:   circuitbreaker.DefaultConfig(),
		RateLimit: ratelimit.DefaultConfig(),
		Poll:      poll.DefaultConfig(),
		Resolve:   resolve.DefaultConfig(),
		Providers: ProvidersConfig{
			Flux:   providers.DefaultFluxConfig(),
			Reve:   providers.DefaultReveConfig(),
			Gemini: providers.DefaultGeminiConfig(),
			OpenAI: providers.DefaultOpenAIConfig(),
		},
		Blob:      gallery.DefaultBlobConfig(),
		Telemetry: telemetry.DefaultConfig(),
	}
}

// Validate rejects configurations the engine cannot start with.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "postgres", "mysql", "sqlite", "":
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	if c.Orchestrator.Cost < 1 {
		return fmt.Errorf("orchestrator cost must be >= 1, got %d", c.Orchestrator.Cost)
	}
	if c.Ledger.ReservationTTL < time.Minute {
		return fmt.Errorf("reservation TTL below one minute would race in-flight generations")
	}
	if c.Server.HTTPPort <= 0 || c.Server.HTTPPort > 65535 {
		return fmt.Errorf("invalid http port %d", c.Server.HTTPPort)
	}
	if c.Server.MetricsPort <= 0 || c.Server.MetricsPort > 65535 {
		return fmt.Errorf("invalid metrics port %d", c.Server.MetricsPort)
	}
	if c.Server.HTTPPort == c.Server.MetricsPort {
		return fmt.Errorf("http and metrics ports collide on %d", c.Server.HTTPPort)
	}
	return nil
}

// NewLogger builds the zap logger described by LogConfig.
func (c LogConfig) NewLogger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	zc := zap.NewProductionConfig()
	if c.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}
