// Package poll implements the generic bounded polling loop shared by every
// provider whose generation is asynchronous: submit, receive an opaque
// handle, then poll until a terminal status or the attempt budget runs out.
package poll

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Status is the canonical poll-job status vocabulary. Provider-specific
// vocabularies are mapped onto it by a NormalizeFunc.
type Status string

const (
	StatusQueued     Status = "QUEUED"
	StatusProcessing Status = "PROCESSING"
	StatusReady      Status = "READY"
	StatusFailed     Status = "FAILED"
	StatusError      Status = "ERROR"
)

// FetchFunc performs one status check and returns the provider's raw status
// string plus the raw payload.
type FetchFunc func(ctx context.Context) (status string, payload json.RawMessage, err error)

// NormalizeFunc maps a provider status string to the canonical vocabulary.
type NormalizeFunc func(raw string) Status

// Result is a successfully completed poll.
type Result struct {
	Payload   json.RawMessage
	RawStatus string
	Attempts  int
}

// FailedError is returned when the job reaches FAILED or ERROR. The last raw
// payload is attached for diagnostics.
type FailedError struct {
	RawStatus string
	Payload   json.RawMessage
}

func (e *FailedError) Error() string {
	return fmt.Sprintf("job failed with status %q", e.RawStatus)
}

// TimeoutError is returned when the attempt budget is exhausted without a
// terminal status. It carries the last-seen payload.
type TimeoutError struct {
	Attempts int
	Payload  json.RawMessage
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("job not ready after %d attempts", e.Attempts)
}

// Config tunes one polling loop.
type Config struct {
	MaxAttempts int           `json:"max_attempts" yaml:"max_attempts"`
	Interval    time.Duration `json:"interval" yaml:"interval"`
}

// DefaultConfig returns a budget suitable for image generation jobs.
func DefaultConfig() Config {
	return Config{
		MaxAttempts: 60,
		Interval:    2 * time.Second,
	}
}

// Poller runs bounded polling loops. The sleep between attempts is
// cancellable so the enclosing request's cancellation aborts polling early.
type Poller struct {
	cfg    Config
	sleep  func(ctx context.Context, d time.Duration) error
	logger *zap.Logger
}

// Option configures a Poller.
type Option func(*Poller)

// WithSleep overrides the inter-attempt sleep, for deterministic tests.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(p *Poller) { p.sleep = sleep }
}

// New creates a Poller.
func New(cfg Config, logger *zap.Logger, opts ...Option) *Poller {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 60
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 2 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	p := &Poller{cfg: cfg, sleep: ctxSleep, logger: logger}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Poll fetches status up to MaxAttempts times, normalizing each raw status.
// READY returns the payload immediately; FAILED/ERROR returns *FailedError;
// anything else sleeps Interval and retries. Exhausting the budget returns
// *TimeoutError. Transient fetch errors consume an attempt and the loop
// continues, tolerating flaky status endpoints.
func (p *Poller) Poll(ctx context.Context, handle string, fetch FetchFunc, normalize NormalizeFunc) (*Result, error) {
	if normalize == nil {
		normalize = DefaultNormalizer()
	}

	var lastPayload json.RawMessage
	for attempt := 1; attempt <= p.cfg.MaxAttempts; attempt++ {
		rawStatus, payload, err := fetch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			p.logger.Debug("poll fetch failed",
				zap.String("handle", handle),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
		} else {
			lastPayload = payload
			switch normalize(rawStatus) {
			case StatusReady:
				return &Result{Payload: payload, RawStatus: rawStatus, Attempts: attempt}, nil
			case StatusFailed, StatusError:
				return nil, &FailedError{RawStatus: rawStatus, Payload: payload}
			}
		}

		if attempt < p.cfg.MaxAttempts {
			if err := p.sleep(ctx, p.cfg.Interval); err != nil {
				return nil, err
			}
		}
	}

	return nil, &TimeoutError{Attempts: p.cfg.MaxAttempts, Payload: lastPayload}
}

func ctxSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// NewNormalizer builds a case-insensitive NormalizeFunc from a synonym table.
// Unrecognized statuses map to PROCESSING rather than erroring, to tolerate
// upstream vocabulary drift.
func NewNormalizer(synonyms map[Status][]string) NormalizeFunc {
	table := make(map[string]Status, len(synonyms)*4)
	for canonical, words := range synonyms {
		for _, w := range words {
			table[strings.ToLower(w)] = canonical
		}
	}
	return func(raw string) Status {
		if s, ok := table[strings.ToLower(strings.TrimSpace(raw))]; ok {
			return s
		}
		return StatusProcessing
	}
}

// DefaultNormalizer covers the vocabulary shared by most providers.
func DefaultNormalizer() NormalizeFunc {
	return NewNormalizer(map[Status][]string{
		StatusQueued:     {"queued", "pending", "waiting", "submitted", "task_not_found"},
		StatusProcessing: {"processing", "running", "in_progress", "generating", "active"},
		StatusReady:      {"ready", "succeeded", "success", "complete", "completed", "done", "finished"},
		StatusFailed:     {"failed", "failure", "canceled", "cancelled", "content moderated", "request moderated"},
		StatusError:      {"error"},
	})
}
