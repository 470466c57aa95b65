package dispatch

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyManager_RoundRobinSelection(t *testing.T) {
	t.Run("[P1] N healthy keys are each picked in round-robin order", func(t *testing.T) {
		km := NewKeyManager(DefaultKeyManagerConfig(), nil)
		profile := &Profile{ID: "p1", APIKeys: []string{"A", "B", "C"}}
		ctx := context.Background()

		var sequence []string
		for i := 0; i < 9; i++ {
			key, degraded, err := km.Pick(ctx, profile)
			require.NoError(t, err)
			assert.False(t, degraded)
			sequence = append(sequence, key)
			km.ReportSuccess(profile.ID, key)
		}

		counts := map[string]int{}
		for _, k := range sequence {
			counts[k]++
		}
		assert.Equal(t, 3, counts["A"])
		assert.Equal(t, 3, counts["B"])
		assert.Equal(t, 3, counts["C"])

		for i := 0; i+3 <= len(sequence); i += 3 {
			window := sequence[i : i+3]
			assert.ElementsMatch(t, []string{"A", "B", "C"}, window)
		}
	})
}

func TestKeyManager_AbortDoesNotPenalize(t *testing.T) {
	t.Run("[P1] an abort-classified failure leaves cooldown and selection unchanged", func(t *testing.T) {
		km := NewKeyManager(DefaultKeyManagerConfig(), nil)
		profile := &Profile{ID: "p1", APIKeys: []string{"A", "B"}}
		ctx := context.Background()

		key, _, err := km.Pick(ctx, profile)
		require.NoError(t, err)
		assert.Equal(t, "A", key)

		km.ReportFailure(profile.ID, key, context.Canceled, 0)

		statuses := km.Status(profile.ID)
		for _, s := range statuses {
			if s.Key == "A" {
				assert.True(t, s.CooldownUntil.IsZero())
				assert.Equal(t, KeyHealthy, s.State)
			}
		}

		nextKey, _, err := km.Pick(ctx, profile)
		require.NoError(t, err)
		assert.Equal(t, "B", nextKey)
	})
}

func TestKeyManager_RateLimitHonorsRetryAfter(t *testing.T) {
	t.Run("[P1] Retry-After on a 429 sets cooldown to roughly now+header value", func(t *testing.T) {
		km := NewKeyManager(DefaultKeyManagerConfig(), nil)
		profile := &Profile{ID: "p1", APIKeys: []string{"A"}}

		apiErr := NewLLMAPIError(429, "Too Many Requests", "rate_limit exceeded", http.Header{"Retry-After": []string{"7"}})
		retryAfter := RetryAfterFromError(apiErr)
		require.Equal(t, 7*time.Second, retryAfter)

		before := time.Now()
		km.ReportFailure(profile.ID, "A", apiErr, retryAfter)

		statuses := km.Status(profile.ID)
		require.Len(t, statuses, 1)
		expected := before.Add(7 * time.Second)
		assert.WithinDuration(t, expected, statuses[0].CooldownUntil, 500*time.Millisecond)
		assert.Equal(t, KeyCooling, statuses[0].State)
	})
}

func TestKeyManager_PermanentFailureQuarantines(t *testing.T) {
	t.Run("[P2] a 401 quarantines the key for the permanent cooldown", func(t *testing.T) {
		km := NewKeyManager(DefaultKeyManagerConfig(), nil)
		profile := &Profile{ID: "p1", APIKeys: []string{"A"}}

		apiErr := NewLLMAPIError(401, "Unauthorized", "invalid_api_key", nil)
		km.ReportFailure(profile.ID, "A", apiErr, 0)

		statuses := km.Status(profile.ID)
		require.Len(t, statuses, 1)
		assert.Equal(t, KeyQuarantined, statuses[0].State)
		assert.True(t, statuses[0].CooldownUntil.After(time.Now().Add(23*time.Hour)))
	})
}

func TestKeyManager_AllKeysCoolingReturnsDegraded(t *testing.T) {
	t.Run("[P2] when every key is cooling, Pick still returns the closest-to-expiry key, degraded", func(t *testing.T) {
		km := NewKeyManager(DefaultKeyManagerConfig(), nil)
		profile := &Profile{ID: "p1", APIKeys: []string{"A", "B"}}

		km.ReportFailure(profile.ID, "A", NewLLMAPIError(500, "err", "", nil), 0)
		km.ReportFailure(profile.ID, "B", NewLLMAPIError(500, "err", "", nil), 0)

		key, degraded, err := km.Pick(context.Background(), profile)
		require.NoError(t, err)
		assert.True(t, degraded)
		assert.Contains(t, []string{"A", "B"}, key)
	})
}

func TestClassifyFailure(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want FailureClass
	}{
		{"canceled context is user abort", context.Canceled, FailureUserAbort},
		{"401 is permanent", NewLLMAPIError(401, "", "", nil), FailurePermanent},
		{"429 is rate limit", NewLLMAPIError(429, "", "", nil), FailureRateLimit},
		{"503 is transient", NewLLMAPIError(503, "", "", nil), FailureTransient},
		{"timeout error is transient", NewTimeoutError(context.DeadlineExceeded), FailureTransient},
	}
	for _, tc := range cases {
		t.Run("[P1] "+tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, ClassifyFailure(tc.err))
		})
	}
}
