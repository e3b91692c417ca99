package ledger

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func setupLedgerDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)

	// A single connection keeps every session on the same in-memory
	// database.
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	return db
}

func setupGormLedger(t *testing.T, opts ...GormOption) *GormLedger {
	t.Helper()
	l := NewGormLedger(setupLedgerDB(t), zap.NewNop(), opts...)
	require.NoError(t, l.AutoMigrate())
	return l
}

func TestGormLedger_CreditAndBalance(t *testing.T) {
	l := setupGormLedger(t)
	ctx := context.Background()

	_, err := l.Balance(ctx, "u1")
	assert.ErrorIs(t, err, ErrNoAccount)

	require.NoError(t, l.Credit(ctx, "u1", 5))
	balance, err := l.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(5), balance)

	// A second credit tops up the existing account.
	require.NoError(t, l.Credit(ctx, "u1", 3))
	balance, err = l.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(8), balance)
}

func TestGormLedger_ReserveDecrementsAtomically(t *testing.T) {
	l := setupGormLedger(t)
	ctx := context.Background()
	require.NoError(t, l.Credit(ctx, "u1", 2))

	first, err := l.Reserve(ctx, "u1", 1)
	require.NoError(t, err)
	assert.Equal(t, StateReserved, first.State)

	second, err := l.Reserve(ctx, "u1", 1)
	require.NoError(t, err)

	// Balance exhausted; the third reserve fails and changes nothing.
	_, err = l.Reserve(ctx, "u1", 1)
	assert.ErrorIs(t, err, ErrInsufficientCredits)

	balance, err := l.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance)

	assert.NotEqual(t, first.ID, second.ID)
}

func TestGormLedger_ReserveUnknownUser(t *testing.T) {
	l := setupGormLedger(t)

	// No account row means the conditional update matches nothing.
	_, err := l.Reserve(context.Background(), "ghost", 1)
	assert.ErrorIs(t, err, ErrInsufficientCredits)
}

func TestGormLedger_ReserveRejectsNonPositiveCost(t *testing.T) {
	l := setupGormLedger(t)

	_, err := l.Reserve(context.Background(), "u1", 0)
	assert.Error(t, err)
}

func TestGormLedger_CaptureStoresMeta(t *testing.T) {
	l := setupGormLedger(t)
	ctx := context.Background()
	require.NoError(t, l.Credit(ctx, "u1", 5))

	res, err := l.Reserve(ctx, "u1", 1)
	require.NoError(t, err)

	require.NoError(t, l.Capture(ctx, res.ID, CaptureMeta{
		Provider:     "gemini",
		Model:        "gemini-2.5-flash-image",
		PromptPrefix: "a lighthouse at dusk",
	}))

	var stored Reservation
	require.NoError(t, l.db.First(&stored, "id = ?", res.ID).Error)
	assert.Equal(t, StateCaptured, stored.State)
	assert.Equal(t, "gemini", stored.Provider)
	assert.Equal(t, "a lighthouse at dusk", stored.PromptPrefix)
	require.NotNil(t, stored.ResolvedAt)

	// Capture does not touch the balance.
	balance, err := l.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(4), balance)
}

func TestGormLedger_ReleaseRestoresBalanceOnce(t *testing.T) {
	l := setupGormLedger(t)
	ctx := context.Background()
	require.NoError(t, l.Credit(ctx, "u1", 5))

	res, err := l.Reserve(ctx, "u1", 1)
	require.NoError(t, err)

	require.NoError(t, l.Release(ctx, res.ID, "circuit open"))
	balance, err := l.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(5), balance)

	// A second release is a no-op; money moves at most once.
	require.NoError(t, l.Release(ctx, res.ID, "again"))
	balance, err = l.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(5), balance)

	var stored Reservation
	require.NoError(t, l.db.First(&stored, "id = ?", res.ID).Error)
	assert.Equal(t, "circuit open", stored.Reason)
}

func TestGormLedger_CaptureThenReleaseIsNoOp(t *testing.T) {
	l := setupGormLedger(t)
	ctx := context.Background()
	require.NoError(t, l.Credit(ctx, "u1", 5))

	res, err := l.Reserve(ctx, "u1", 1)
	require.NoError(t, err)
	require.NoError(t, l.Capture(ctx, res.ID, CaptureMeta{}))
	require.NoError(t, l.Release(ctx, res.ID, "late"))

	var stored Reservation
	require.NoError(t, l.db.First(&stored, "id = ?", res.ID).Error)
	assert.Equal(t, StateCaptured, stored.State)

	balance, err := l.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(4), balance)
}

func TestGormLedger_UnknownReservation(t *testing.T) {
	l := setupGormLedger(t)
	ctx := context.Background()

	assert.ErrorIs(t, l.Capture(ctx, "missing", CaptureMeta{}), ErrUnknownReservation)
	assert.ErrorIs(t, l.Release(ctx, "missing", "x"), ErrUnknownReservation)
}

func TestGormLedger_SweepExpired(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	l := setupGormLedger(t, WithClock(func() time.Time { return now }))
	ctx := context.Background()
	require.NoError(t, l.Credit(ctx, "u1", 5))

	stale, err := l.Reserve(ctx, "u1", 1)
	require.NoError(t, err)

	now = now.Add(11 * time.Minute)
	_, err = l.Reserve(ctx, "u1", 1)
	require.NoError(t, err)

	released, err := l.SweepExpired(ctx, 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, released)

	var stored Reservation
	require.NoError(t, l.db.First(&stored, "id = ?", stale.ID).Error)
	assert.Equal(t, StateReleased, stored.State)
	assert.Equal(t, "expired", stored.Reason)

	balance, err := l.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(4), balance)
}

func TestGormLedger_LongPromptTruncated(t *testing.T) {
	l := setupGormLedger(t)
	ctx := context.Background()
	require.NoError(t, l.Credit(ctx, "u1", 1))

	res, err := l.Reserve(ctx, "u1", 1)
	require.NoError(t, err)

	long := ""
	for len(long) < 500 {
		long += "very detailed prompt "
	}
	require.NoError(t, l.Capture(ctx, res.ID, CaptureMeta{PromptPrefix: long}))

	var stored Reservation
	require.NoError(t, l.db.First(&stored, "id = ?", res.ID).Error)
	assert.Len(t, stored.PromptPrefix, 120)
}

func TestGormLedger_ConcurrentReserves(t *testing.T) {
	l := setupGormLedger(t)
	ctx := context.Background()
	require.NoError(t, l.Credit(ctx, "u1", 5))

	const attempts = 15
	var wg sync.WaitGroup
	granted := make(chan struct{}, attempts)
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := l.Reserve(ctx, "u1", 1); err == nil {
				granted <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(granted)

	assert.Len(t, granted, 5)

	balance, err := l.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance)
}

func TestGormAudit_Record(t *testing.T) {
	db := setupLedgerDB(t)
	require.NoError(t, db.AutoMigrate(&UsageRecord{}))

	audit := NewGormAudit(db, zap.NewNop())
	err := audit.Record(context.Background(), "u1", "openai", "dall-e-3", "a fox", 1, map[string]string{"job_id": "j1"})
	require.NoError(t, err)

	var rows []UsageRecord
	require.NoError(t, db.Find(&rows).Error)
	require.Len(t, rows, 1)
	assert.Equal(t, "u1", rows[0].UserID)
	assert.Equal(t, int64(1), rows[0].Cost)

	var meta map[string]string
	require.NoError(t, json.Unmarshal([]byte(rows[0].Metadata), &meta))
	assert.Equal(t, "j1", meta["job_id"])
}
