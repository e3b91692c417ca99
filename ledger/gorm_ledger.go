package ledger

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// CreditAccount is one user's prepaid balance. Balance always excludes
// currently reserved amounts; Reserve decrements it up front and Release
// restores it.
type CreditAccount struct {
	UserID    string    `json:"user_id" gorm:"primaryKey;size:64"`
	Balance   int64     `json:"balance"`
	UpdatedAt time.Time `json:"updated_at"`
}

// GormLedger is the database-backed Ledger. All balance mutations are single
// conditional updates so concurrent reservations against one user cannot
// overdraw.
type GormLedger struct {
	db     *gorm.DB
	now    func() time.Time
	logger *zap.Logger
}

// GormOption configures a GormLedger.
type GormOption func(*GormLedger)

// WithClock overrides the wall clock, for deterministic sweeper tests.
func WithClock(now func() time.Time) GormOption {
	return func(l *GormLedger) { l.now = now }
}

// NewGormLedger creates a database-backed ledger.
func NewGormLedger(db *gorm.DB, logger *zap.Logger, opts ...GormOption) *GormLedger {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &GormLedger{db: db, now: time.Now, logger: logger}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// AutoMigrate creates the ledger tables. Deployments running versioned
// migrations use ledger.Migrate instead.
func (l *GormLedger) AutoMigrate() error {
	return l.db.AutoMigrate(&CreditAccount{}, &Reservation{}, &UsageRecord{})
}

// Reserve atomically decrements the balance and records the reservation.
// The conditional update is the only balance read involved, which closes the
// check-then-act race between concurrent requests.
func (l *GormLedger) Reserve(ctx context.Context, userID string, cost int64) (*Reservation, error) {
	if cost < 1 {
		return nil, fmt.Errorf("cost must be >= 1, got %d", cost)
	}

	res := &Reservation{
		ID:        uuid.NewString(),
		UserID:    userID,
		Cost:      cost,
		State:     StateReserved,
		CreatedAt: l.now(),
	}

	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&CreditAccount{}).
			Where("user_id = ? AND balance >= ?", userID, cost).
			Updates(map[string]any{
				"balance":    gorm.Expr("balance - ?", cost),
				"updated_at": l.now(),
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrInsufficientCredits
		}
		return tx.Create(res).Error
	})
	if err != nil {
		return nil, err
	}

	l.logger.Debug("credits reserved",
		zap.String("reservation_id", res.ID),
		zap.String("user_id", userID),
		zap.Int64("cost", cost),
	)
	return res, nil
}

// Capture marks the reservation CAPTURED and stores the audit metadata. The
// balance was already decremented at reserve time. An already-resolved
// reservation is a warning-logged no-op.
func (l *GormLedger) Capture(ctx context.Context, reservationID string, meta CaptureMeta) error {
	now := l.now()
	result := l.db.WithContext(ctx).Model(&Reservation{}).
		Where("id = ? AND state = ?", reservationID, StateReserved).
		Updates(map[string]any{
			"state":         StateCaptured,
			"provider":      meta.Provider,
			"model":         meta.Model,
			"prompt_prefix": truncatePrompt(meta.PromptPrefix),
			"resolved_at":   &now,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return l.noteAlreadyResolved(ctx, reservationID, "capture")
	}
	return nil
}

// Release marks the reservation RELEASED with the failure reason and
// restores the reserved amount to the user's balance. An already-resolved
// reservation is a warning-logged no-op; the balance changes at most once.
func (l *GormLedger) Release(ctx context.Context, reservationID, reason string) error {
	var res Reservation
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&res, "id = ?", reservationID).Error; err != nil {
			return err
		}
		now := l.now()
		result := tx.Model(&Reservation{}).
			Where("id = ? AND state = ?", reservationID, StateReserved).
			Updates(map[string]any{
				"state":       StateReleased,
				"reason":      reason,
				"resolved_at": &now,
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return errAlreadyResolved
		}
		return tx.Model(&CreditAccount{}).
			Where("user_id = ?", res.UserID).
			Updates(map[string]any{
				"balance":    gorm.Expr("balance + ?", res.Cost),
				"updated_at": now,
			}).Error
	})
	switch {
	case err == nil:
		l.logger.Info("reservation released",
			zap.String("reservation_id", reservationID),
			zap.String("reason", reason),
		)
		return nil
	case err == errAlreadyResolved:
		return l.noteAlreadyResolved(ctx, reservationID, "release")
	case err == gorm.ErrRecordNotFound:
		return ErrUnknownReservation
	default:
		return err
	}
}

// Balance returns the user's available balance.
func (l *GormLedger) Balance(ctx context.Context, userID string) (int64, error) {
	var account CreditAccount
	if err := l.db.WithContext(ctx).First(&account, "user_id = ?", userID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return 0, ErrNoAccount
		}
		return 0, err
	}
	return account.Balance, nil
}

// Credit adds amount to the user's balance, creating the account if needed.
func (l *GormLedger) Credit(ctx context.Context, userID string, amount int64) error {
	return l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&CreditAccount{}).
			Where("user_id = ?", userID).
			Updates(map[string]any{
				"balance":    gorm.Expr("balance + ?", amount),
				"updated_at": l.now(),
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected > 0 {
			return nil
		}
		return tx.Create(&CreditAccount{
			UserID:    userID,
			Balance:   amount,
			UpdatedAt: l.now(),
		}).Error
	})
}

// SweepExpired force-releases stale RESERVED rows.
func (l *GormLedger) SweepExpired(ctx context.Context, maxAge time.Duration) (int, error) {
	cutoff := l.now().Add(-maxAge)
	var stale []Reservation
	err := l.db.WithContext(ctx).
		Where("state = ? AND created_at < ?", StateReserved, cutoff).
		Find(&stale).Error
	if err != nil {
		return 0, err
	}

	released := 0
	for _, res := range stale {
		if err := l.Release(ctx, res.ID, "expired"); err != nil {
			l.logger.Error("sweep release failed",
				zap.String("reservation_id", res.ID),
				zap.Error(err),
			)
			continue
		}
		released++
	}
	return released, nil
}

func (l *GormLedger) noteAlreadyResolved(ctx context.Context, reservationID, op string) error {
	var res Reservation
	if err := l.db.WithContext(ctx).First(&res, "id = ?", reservationID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return ErrUnknownReservation
		}
		return err
	}
	l.logger.Warn("reservation already resolved",
		zap.String("reservation_id", reservationID),
		zap.String("op", op),
		zap.String("state", res.State),
	)
	return nil
}

var errAlreadyResolved = fmt.Errorf("reservation already resolved")
