package ratelimit

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyed_BurstThenDenied(t *testing.T) {
	k := New(Config{RPS: 0.001, Burst: 2}, nil)

	require.NoError(t, k.Allow("flux"))
	require.NoError(t, k.Allow("flux"))
	assert.ErrorIs(t, k.Allow("flux"), ErrLimited)
}

func TestKeyed_ProvidersAreIndependent(t *testing.T) {
	k := New(Config{RPS: 0.001, Burst: 1}, nil)

	require.NoError(t, k.Allow("flux"))
	assert.ErrorIs(t, k.Allow("flux"), ErrLimited)
	assert.NoError(t, k.Allow("gemini"))
}

func TestKeyed_Overrides(t *testing.T) {
	k := New(Config{RPS: 0.001, Burst: 1}, map[string]Config{
		"reve": {Burst: 3},
	})

	for i := 0; i < 3; i++ {
		require.NoError(t, k.Allow("reve"), "call %d", i+1)
	}
	assert.ErrorIs(t, k.Allow("reve"), ErrLimited)
}

func TestNew_Defaults(t *testing.T) {
	k := New(Config{}, nil)
	assert.Equal(t, 5.0, k.def.RPS)
	assert.Equal(t, 10, k.def.Burst)
}
