// Package circuitbreaker provides a per-provider failure gate. The breaker
// has two states: CLOSED (calls flow) and OPEN (calls are rejected until a
// wall-clock deadline passes). There is no explicit half-open state; the
// first call attempted after openUntil elapses is the live probe.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// ErrOpen is returned by Guard while a provider's circuit is open.
var ErrOpen = errors.New("circuit open")

// Config tunes one provider's breaker.
type Config struct {
	// Threshold is the number of consecutive qualifying failures that opens
	// the circuit.
	Threshold int `json:"threshold" yaml:"threshold"`

	// OpenWindow is how long calls are rejected after the circuit opens.
	OpenWindow time.Duration `json:"open_window" yaml:"open_window"`
}

// DefaultConfig returns the default breaker tuning.
func DefaultConfig() Config {
	return Config{
		Threshold:  5,
		OpenWindow: 60 * time.Second,
	}
}

type state struct {
	failures  int
	openUntil time.Time
}

// Breaker tracks failure counters keyed by provider name. The caller decides
// which failures qualify (systemic only: timeout, 429, 5xx); client errors
// must not be recorded.
type Breaker struct {
	mu        sync.Mutex
	states    map[string]*state
	overrides map[string]Config
	def       Config
	now       func() time.Time
	logger    *zap.Logger
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithClock overrides the wall clock, for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// WithProviderConfig sets per-provider tuning overriding the default.
func WithProviderConfig(provider string, cfg Config) Option {
	return func(b *Breaker) { b.overrides[provider] = cfg }
}

// New creates a Breaker with the given default config.
func New(def Config, logger *zap.Logger, opts ...Option) *Breaker {
	if def.Threshold <= 0 {
		def.Threshold = 5
	}
	if def.OpenWindow <= 0 {
		def.OpenWindow = 60 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	b := &Breaker{
		states:    make(map[string]*state),
		overrides: make(map[string]Config),
		def:       def,
		now:       time.Now,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Guard rejects the call with ErrOpen while the provider's circuit is open.
// Once openUntil has elapsed the call is allowed through as a live probe; the
// circuit closes only when that probe reports success.
func (b *Breaker) Guard(provider string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.states[provider]
	if !ok {
		return nil
	}
	if !s.openUntil.IsZero() && b.now().Before(s.openUntil) {
		return ErrOpen
	}
	return nil
}

// RecordSuccess resets the provider's failure counter and closes the circuit.
func (b *Breaker) RecordSuccess(provider string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.states[provider]
	if !ok {
		return
	}
	if !s.openUntil.IsZero() {
		b.logger.Info("circuit closed",
			zap.String("provider", provider),
		)
	}
	s.failures = 0
	s.openUntil = time.Time{}
}

// RecordFailure counts one qualifying failure and opens the circuit when the
// provider's threshold is reached.
func (b *Breaker) RecordFailure(provider string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.states[provider]
	if !ok {
		s = &state{}
		b.states[provider] = s
	}

	s.failures++
	cfg := b.configFor(provider)
	if s.failures >= cfg.Threshold {
		s.openUntil = b.now().Add(cfg.OpenWindow)
		b.logger.Warn("circuit opened",
			zap.String("provider", provider),
			zap.Int("failures", s.failures),
			zap.Time("open_until", s.openUntil),
		)
	}
}

// Failures returns the provider's current consecutive failure count.
func (b *Breaker) Failures(provider string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.states[provider]; ok {
		return s.failures
	}
	return 0
}

// Open reports whether the provider's circuit is currently open.
func (b *Breaker) Open(provider string) bool {
	return b.Guard(provider) != nil
}

func (b *Breaker) configFor(provider string) Config {
	if cfg, ok := b.overrides[provider]; ok {
		if cfg.Threshold <= 0 {
			cfg.Threshold = b.def.Threshold
		}
		if cfg.OpenWindow <= 0 {
			cfg.OpenWindow = b.def.OpenWindow
		}
		return cfg
	}
	return b.def
}
