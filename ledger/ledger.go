// Package ledger implements prepaid credit bookkeeping: atomic reservation
// against a user's balance, capture on success, release on failure, and a
// background sweeper that force-releases reservations left behind by crashed
// requests. The sum of captured costs can never exceed what was reserved,
// and a reservation resolves exactly once.
package ledger

import (
	"context"
	"errors"
	"time"
)

// Reservation lifecycle states.
const (
	StateReserved = "RESERVED"
	StateCaptured = "CAPTURED"
	StateReleased = "RELEASED"
)

var (
	// ErrInsufficientCredits is returned by Reserve when the available
	// balance is below the requested cost.
	ErrInsufficientCredits = errors.New("insufficient credits")

	// ErrNoAccount is returned when the user has no credit account.
	ErrNoAccount = errors.New("no credit account")

	// ErrUnknownReservation is returned by Capture/Release for an id that
	// was never reserved.
	ErrUnknownReservation = errors.New("unknown reservation")
)

// Reservation is a pending or resolved hold against a user's balance.
type Reservation struct {
	ID           string     `json:"id" gorm:"primaryKey;size:36"`
	UserID       string     `json:"user_id" gorm:"index;size:64"`
	Cost         int64      `json:"cost"`
	State        string     `json:"state" gorm:"index;size:16"`
	Reason       string     `json:"reason,omitempty" gorm:"size:512"`
	Provider     string     `json:"provider,omitempty" gorm:"size:64"`
	Model        string     `json:"model,omitempty" gorm:"size:128"`
	PromptPrefix string     `json:"prompt_prefix,omitempty" gorm:"size:128"`
	CreatedAt    time.Time  `json:"created_at" gorm:"index"`
	ResolvedAt   *time.Time `json:"resolved_at,omitempty"`
}

// CaptureMeta is the audit payload recorded alongside a captured
// reservation.
type CaptureMeta struct {
	Provider     string
	Model        string
	PromptPrefix string
}

// Ledger is the credit reserve/capture/release contract.
//
// Reserve must be atomic with respect to balance reads across concurrent
// requests from the same user: the available balance is decremented only if
// it covers the cost, inside one conditional operation. Capture is pure
// bookkeeping (the balance was already decremented at reserve time); Release
// restores the reserved amount. Capture or Release on an already-resolved
// reservation is a warning-logged no-op so orchestrator retries are safe.
type Ledger interface {
	Reserve(ctx context.Context, userID string, cost int64) (*Reservation, error)
	Capture(ctx context.Context, reservationID string, meta CaptureMeta) error
	Release(ctx context.Context, reservationID, reason string) error

	// Balance returns the user's available balance (reserved amounts
	// excluded).
	Balance(ctx context.Context, userID string) (int64, error)

	// Credit adds amount to the user's balance, creating the account when
	// missing. Used by top-ups and by seeding.
	Credit(ctx context.Context, userID string, amount int64) error

	// SweepExpired force-releases reservations older than maxAge that are
	// still RESERVED, returning how many were released. Prevents
	// permanently stuck balances when a request dies mid-flight.
	SweepExpired(ctx context.Context, maxAge time.Duration) (int, error)
}

// truncatePrompt bounds the prompt stored for audit to a recognizable
// prefix.
func truncatePrompt(prompt string) string {
	const max = 120
	if len(prompt) <= max {
		return prompt
	}
	return prompt[:max]
}
