package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_ZeroRateDisablesLimiting(t *testing.T) {
	t.Run("[P1] RequestsPerSecond <= 0 makes Wait a no-op regardless of call volume", func(t *testing.T) {
		r := NewRegistry(DefaultConfig())
		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		defer cancel()
		for i := 0; i < 100; i++ {
			require.NoError(t, r.Wait(ctx, "profile-a"))
		}
	})
}

func TestRegistry_PerProfileIsolation(t *testing.T) {
	t.Run("[P1] each profile id gets its own bucket; exhausting one doesn't block another", func(t *testing.T) {
		r := NewRegistry(Config{RequestsPerSecond: 1, Burst: 1, IdleTimeout: time.Minute})

		ctx := context.Background()
		require.NoError(t, r.Wait(ctx, "profile-a"))

		shortCtx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
		defer cancel()
		err := r.Wait(shortCtx, "profile-a")
		assert.Error(t, err)

		require.NoError(t, r.Wait(ctx, "profile-b"))
	})
}

func TestRegistry_EvictIdle(t *testing.T) {
	t.Run("[P2] a limiter unused past IdleTimeout is evicted on the next sweep", func(t *testing.T) {
		r := NewRegistry(Config{RequestsPerSecond: 5, Burst: 1, IdleTimeout: 10 * time.Millisecond})
		r.get("profile-a")
		assert.Len(t, r.entries, 1)

		time.Sleep(20 * time.Millisecond)
		r.EvictIdle()
		assert.Len(t, r.entries, 0)
	})
}
