// Package ratelimit throttles outbound provider calls. It sits beside the
// circuit breaker: the breaker guards against a failing provider, the
// limiter guards against this process hammering a healthy one.
package ratelimit

import (
	"errors"
	"sync"

	"golang.org/x/time/rate"
)

// ErrLimited is returned by Allow when the provider's budget is exhausted.
var ErrLimited = errors.New("provider rate limit exceeded")

// Config tunes one provider's outbound budget.
type Config struct {
	// RPS is the sustained requests-per-second budget.
	RPS float64 `json:"rps" yaml:"rps"`

	// Burst is the instantaneous burst allowance.
	Burst int `json:"burst" yaml:"burst"`
}

// DefaultConfig returns a budget generous enough for interactive traffic.
func DefaultConfig() Config {
	return Config{RPS: 5, Burst: 10}
}

// Keyed maintains one token-bucket limiter per provider name.
type Keyed struct {
	mu        sync.Mutex
	limiters  map[string]*rate.Limiter
	overrides map[string]Config
	def       Config
}

// New creates a Keyed limiter with the given default budget.
func New(def Config, overrides map[string]Config) *Keyed {
	if def.RPS <= 0 {
		def.RPS = 5
	}
	if def.Burst <= 0 {
		def.Burst = 10
	}
	if overrides == nil {
		overrides = make(map[string]Config)
	}
	return &Keyed{
		limiters:  make(map[string]*rate.Limiter),
		overrides: overrides,
		def:       def,
	}
}

// Allow consumes one token from the provider's bucket, returning ErrLimited
// when none is available. The denial is caller-retryable and does not count
// toward the circuit breaker.
func (k *Keyed) Allow(provider string) error {
	if !k.limiterFor(provider).Allow() {
		return ErrLimited
	}
	return nil
}

func (k *Keyed) limiterFor(provider string) *rate.Limiter {
	k.mu.Lock()
	defer k.mu.Unlock()
	if l, ok := k.limiters[provider]; ok {
		return l
	}
	cfg := k.def
	if o, ok := k.overrides[provider]; ok {
		if o.RPS > 0 {
			cfg.RPS = o.RPS
		}
		if o.Burst > 0 {
			cfg.Burst = o.Burst
		}
	}
	l := rate.NewLimiter(rate.Limit(cfg.RPS), cfg.Burst)
	k.limiters[provider] = l
	return l
}
