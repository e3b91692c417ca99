package ledger

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestSweeper_ReleasesStaleReservations(t *testing.T) {
	var mu sync.Mutex
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}

	l := NewMemoryLedger(zap.NewNop(), WithMemoryClock(clock))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, l.Credit(ctx, "u1", 5))
	res, err := l.Reserve(ctx, "u1", 1)
	require.NoError(t, err)

	mu.Lock()
	now = now.Add(11 * time.Minute)
	mu.Unlock()

	sweeper := NewSweeper(l, 5*time.Millisecond, 10*time.Minute, zap.NewNop())
	go sweeper.Run(ctx)

	require.Eventually(t, func() bool {
		balance, err := l.Balance(context.Background(), "u1")
		return err == nil && balance == 5
	}, 2*time.Second, 5*time.Millisecond)

	stored, ok := l.Reservation(res.ID)
	require.True(t, ok)
	assert.Equal(t, StateReleased, stored.State)
	assert.Equal(t, "expired", stored.Reason)
}

func TestSweeper_StopsOnCancel(t *testing.T) {
	l := NewMemoryLedger(zap.NewNop())
	sweeper := NewSweeper(l, time.Millisecond, time.Minute, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sweeper.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop after cancellation")
	}
}

func TestNewSweeper_Defaults(t *testing.T) {
	s := NewSweeper(NewMemoryLedger(nil), 0, 0, nil)
	assert.Equal(t, time.Minute, s.interval)
	assert.Equal(t, 10*time.Minute, s.maxAge)
}
