package ledger

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// MemoryLedger is the in-process Ledger used by tests and single-node
// development. Reserve's check-then-act is closed by a per-user mutex
// instead of a database conditional update.
type MemoryLedger struct {
	mu           sync.Mutex
	balances     map[string]int64
	locks        map[string]*sync.Mutex
	reservations map[string]*Reservation
	now          func() time.Time
	logger       *zap.Logger
}

// MemoryOption configures a MemoryLedger.
type MemoryOption func(*MemoryLedger)

// WithMemoryClock overrides the wall clock.
func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(l *MemoryLedger) { l.now = now }
}

// NewMemoryLedger creates an empty in-memory ledger.
func NewMemoryLedger(logger *zap.Logger, opts ...MemoryOption) *MemoryLedger {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &MemoryLedger{
		balances:     make(map[string]int64),
		locks:        make(map[string]*sync.Mutex),
		reservations: make(map[string]*Reservation),
		now:          time.Now,
		logger:       logger,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *MemoryLedger) userLock(userID string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	lock, ok := l.locks[userID]
	if !ok {
		lock = &sync.Mutex{}
		l.locks[userID] = lock
	}
	return lock
}

// Reserve implements Ledger.
func (l *MemoryLedger) Reserve(ctx context.Context, userID string, cost int64) (*Reservation, error) {
	if cost < 1 {
		return nil, fmt.Errorf("cost must be >= 1, got %d", cost)
	}
	lock := l.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	l.mu.Lock()
	defer l.mu.Unlock()
	balance, ok := l.balances[userID]
	if !ok {
		return nil, ErrNoAccount
	}
	if balance < cost {
		return nil, ErrInsufficientCredits
	}
	l.balances[userID] = balance - cost

	res := &Reservation{
		ID:        uuid.NewString(),
		UserID:    userID,
		Cost:      cost,
		State:     StateReserved,
		CreatedAt: l.now(),
	}
	l.reservations[res.ID] = res
	return res, nil
}

// Capture implements Ledger.
func (l *MemoryLedger) Capture(ctx context.Context, reservationID string, meta CaptureMeta) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	res, ok := l.reservations[reservationID]
	if !ok {
		return ErrUnknownReservation
	}
	if res.State != StateReserved {
		l.logger.Warn("reservation already resolved",
			zap.String("reservation_id", reservationID),
			zap.String("op", "capture"),
			zap.String("state", res.State),
		)
		return nil
	}
	now := l.now()
	res.State = StateCaptured
	res.Provider = meta.Provider
	res.Model = meta.Model
	res.PromptPrefix = truncatePrompt(meta.PromptPrefix)
	res.ResolvedAt = &now
	return nil
}

// Release implements Ledger.
func (l *MemoryLedger) Release(ctx context.Context, reservationID, reason string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.releaseLocked(reservationID, reason)
}

func (l *MemoryLedger) releaseLocked(reservationID, reason string) error {
	res, ok := l.reservations[reservationID]
	if !ok {
		return ErrUnknownReservation
	}
	if res.State != StateReserved {
		l.logger.Warn("reservation already resolved",
			zap.String("reservation_id", reservationID),
			zap.String("op", "release"),
			zap.String("state", res.State),
		)
		return nil
	}
	now := l.now()
	res.State = StateReleased
	res.Reason = reason
	res.ResolvedAt = &now
	l.balances[res.UserID] += res.Cost
	return nil
}

// Balance implements Ledger.
func (l *MemoryLedger) Balance(ctx context.Context, userID string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	balance, ok := l.balances[userID]
	if !ok {
		return 0, ErrNoAccount
	}
	return balance, nil
}

// Credit implements Ledger.
func (l *MemoryLedger) Credit(ctx context.Context, userID string, amount int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.balances[userID] += amount
	return nil
}

// SweepExpired implements Ledger.
func (l *MemoryLedger) SweepExpired(ctx context.Context, maxAge time.Duration) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-maxAge)
	released := 0
	for id, res := range l.reservations {
		if res.State == StateReserved && res.CreatedAt.Before(cutoff) {
			if err := l.releaseLocked(id, "expired"); err == nil {
				released++
			}
		}
	}
	return released, nil
}

// Reservation returns a copy of the reservation, for tests and diagnostics.
func (l *MemoryLedger) Reservation(reservationID string) (Reservation, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	res, ok := l.reservations[reservationID]
	if !ok {
		return Reservation{}, false
	}
	return *res, true
}
