package dispatcher

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taipm/llmdispatch/dispatch"
)

type fakeProfileStore struct {
	profile *dispatch.Profile
}

func (f *fakeProfileStore) GetProfile(id string) (*dispatch.Profile, error) {
	if f.profile == nil || f.profile.ID != id {
		return nil, nil
	}
	return f.profile, nil
}

func TestDispatcher_UnknownProviderFallsBackToOpenAICompatible(t *testing.T) {
	t.Run("[P2] a profile naming an unrecognized provider type routes through the OpenAI-compatible adapter", func(t *testing.T) {
		var gotPath string
		var gotBody map[string]any
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotPath = r.URL.Path
			json.NewDecoder(r.Body).Decode(&gotBody)
			w.Write([]byte(`{"choices":[{"message":{"content":"ok"},"finish_reason":"stop"}]}`))
		}))
		defer srv.Close()

		profile := &dispatch.Profile{ID: "mystery-profile", Type: dispatch.ProviderType("mystery"), BaseURL: srv.URL, APIKeys: []string{"sk-A"}, Enabled: true}
		store := &fakeProfileStore{profile: profile}
		keys := dispatch.NewKeyManager(dispatch.DefaultKeyManagerConfig(), nil)
		d := New(store, keys, nil)

		resp, err := d.Send(context.Background(), &dispatch.NormalizedRequest{
			ProfileID: "mystery-profile",
			ModelID:   "some-model",
			Messages:  []dispatch.Message{dispatch.User("hi")},
		})
		require.NoError(t, err)
		assert.Equal(t, "ok", resp.Content)
		assert.Contains(t, gotPath, "/v1/chat/completions")
		assert.Equal(t, "some-model", gotBody["model"])
	})
}

func TestDispatcher_ProfileCloningIsolatesAPIKeys(t *testing.T) {
	t.Run("[P1] the adapter observes exactly one key, and mutating the stored profile after Send doesn't affect it", func(t *testing.T) {
		var gotAuth string
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotAuth = r.Header.Get("Authorization")
			w.Write([]byte(`{"choices":[{"message":{"content":"ok"},"finish_reason":"stop"}]}`))
		}))
		defer srv.Close()

		profile := &dispatch.Profile{
			ID:      "p1",
			Type:    dispatch.ProviderOpenAICompatible,
			BaseURL: srv.URL,
			APIKeys: []string{"sk-A", "sk-B", "sk-C"},
			Enabled: true,
		}
		store := &fakeProfileStore{profile: profile}
		keys := dispatch.NewKeyManager(dispatch.DefaultKeyManagerConfig(), nil)
		d := New(store, keys, nil)

		_, err := d.Send(context.Background(), &dispatch.NormalizedRequest{
			ProfileID: "p1",
			ModelID:   "gpt-4o",
			Messages:  []dispatch.Message{dispatch.User("hi")},
		})
		require.NoError(t, err)
		assert.Equal(t, "Bearer sk-A", gotAuth)

		// The stored profile's key slice is untouched by cloning.
		assert.Equal(t, []string{"sk-A", "sk-B", "sk-C"}, profile.APIKeys)

		profile.APIKeys[0] = "mutated"
		assert.Equal(t, "mutated", profile.APIKeys[0])
	})
}

func TestDispatcher_DefaultsUnsetStreamToTrue(t *testing.T) {
	t.Run("[P1] a request with Stream left nil is sent as a streaming request, and the caller's req is untouched", func(t *testing.T) {
		var gotBody map[string]any
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			json.NewDecoder(r.Body).Decode(&gotBody)
			w.Header().Set("Content-Type", "text/event-stream")
			w.Write([]byte(`data: {"choices":[{"delta":{"content":"hi"},"finish_reason":"stop"}]}` + "\n"))
		}))
		defer srv.Close()

		profile := &dispatch.Profile{ID: "p1", Type: dispatch.ProviderOpenAICompatible, BaseURL: srv.URL, APIKeys: []string{"sk-A"}, Enabled: true}
		store := &fakeProfileStore{profile: profile}
		keys := dispatch.NewKeyManager(dispatch.DefaultKeyManagerConfig(), nil)
		d := New(store, keys, nil)

		req := &dispatch.NormalizedRequest{
			ProfileID: "p1",
			ModelID:   "gpt-4o",
			Messages:  []dispatch.Message{dispatch.User("hi")},
		}

		resp, err := d.Send(context.Background(), req)
		require.NoError(t, err)
		assert.True(t, resp.IsStream)
		assert.Equal(t, true, gotBody["stream"])
		assert.Nil(t, req.Stream, "Send must not mutate the caller's request")
	})
}

func TestDispatcher_OpenAIRateLimitRotation(t *testing.T) {
	t.Run("[P1] a 429+Retry-After cools the key that hit it, so the very next call rotates to the other key", func(t *testing.T) {
		var calls int64
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			n := atomic.AddInt64(&calls, 1)
			key := r.Header.Get("Authorization")
			if n == 1 {
				w.Header().Set("Retry-After", "30")
				w.WriteHeader(http.StatusTooManyRequests)
				w.Write([]byte(`{"error":"rate_limit"}`))
				return
			}
			w.Write([]byte(`{"choices":[{"message":{"content":"` + key + `"},"finish_reason":"stop"}]}`))
		}))
		defer srv.Close()

		profile := &dispatch.Profile{ID: "p1", Type: dispatch.ProviderOpenAICompatible, BaseURL: srv.URL, APIKeys: []string{"sk-A", "sk-B"}, Enabled: true}
		store := &fakeProfileStore{profile: profile}
		keys := dispatch.NewKeyManager(dispatch.DefaultKeyManagerConfig(), nil)
		d := New(store, keys, nil)

		req := func() *dispatch.NormalizedRequest {
			return &dispatch.NormalizedRequest{ProfileID: "p1", ModelID: "gpt-4o", Messages: []dispatch.Message{dispatch.User("hi")}}
		}

		// First call: key A is picked (never used before) and hits the 429.
		_, err := d.Send(context.Background(), req())
		require.Error(t, err)

		// Second call, immediately after: key A is cooling for 30s, so key B is picked.
		resp, err := d.Send(context.Background(), req())
		require.NoError(t, err)
		assert.Equal(t, "Bearer sk-B", resp.Content)

		// Third call, still well within the 30s cooldown: key B again (A still cooling).
		resp, err = d.Send(context.Background(), req())
		require.NoError(t, err)
		assert.Equal(t, "Bearer sk-B", resp.Content)
	})
}

func TestDispatcher_AbortMidStreamDoesNotPenalizeKey(t *testing.T) {
	t.Run("[P1] a caller abort mid-stream returns an abort error, leaves key health untouched, and the next call picks the same key", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			flusher := w.(http.Flusher)
			w.Header().Set("Content-Type", "text/event-stream")
			w.Write([]byte(`data: {"choices":[{"delta":{"content":"first"}}]}` + "\n"))
			flusher.Flush()
			time.Sleep(200 * time.Millisecond)
			w.Write([]byte(`data: {"choices":[{"delta":{"content":"second"}}]}` + "\n"))
			flusher.Flush()
		}))
		defer srv.Close()

		profile := &dispatch.Profile{ID: "p1", Type: dispatch.ProviderOpenAICompatible, BaseURL: srv.URL, APIKeys: []string{"sk-A"}, Enabled: true}
		store := &fakeProfileStore{profile: profile}
		keys := dispatch.NewKeyManager(dispatch.DefaultKeyManagerConfig(), nil)
		d := New(store, keys, nil)

		ctx, cancel := context.WithCancel(context.Background())
		stream := true
		req := &dispatch.NormalizedRequest{
			ProfileID: "p1",
			ModelID:   "gpt-4o",
			Messages:  []dispatch.Message{dispatch.User("hi")},
			Stream:    &stream,
			OnStream: func(chunk string) {
				if chunk == "first" {
					cancel()
				}
			},
		}

		_, err := d.Send(ctx, req)
		require.Error(t, err)
		assert.ErrorIs(t, err, context.Canceled)

		status := keys.Status("p1")
		require.Len(t, status, 1)
		assert.Equal(t, dispatch.KeyHealthy, status[0].State)
		assert.True(t, status[0].CooldownUntil.IsZero())

		// The next call still picks the same (only) key.
		key, degraded, err := keys.Pick(context.Background(), profile)
		require.NoError(t, err)
		assert.False(t, degraded)
		assert.Equal(t, "sk-A", key)
	})
}

func TestDispatcher_ForceProxyRedirectsThroughInspectionProxy(t *testing.T) {
	t.Run("[P1] a profile with ForceProxy set is redirected to WithProxyAddr's address, preserving path and query", func(t *testing.T) {
		var gotPath string
		upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			t.Fatalf("request reached the upstream directly instead of the inspection proxy: %s", r.URL.Path)
		}))
		defer upstream.Close()

		proxy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotPath = r.URL.Path
			w.Write([]byte(`{"choices":[{"message":{"content":"ok"},"finish_reason":"stop"}]}`))
		}))
		defer proxy.Close()

		profile := &dispatch.Profile{
			ID:         "p1",
			Type:       dispatch.ProviderOpenAICompatible,
			BaseURL:    upstream.URL,
			APIKeys:    []string{"sk-A"},
			Enabled:    true,
			ForceProxy: true,
		}
		store := &fakeProfileStore{profile: profile}
		keys := dispatch.NewKeyManager(dispatch.DefaultKeyManagerConfig(), nil)
		d := New(store, keys, nil, WithProxyAddr(proxy.URL))

		stream := false
		resp, err := d.Send(context.Background(), &dispatch.NormalizedRequest{
			ProfileID: "p1",
			ModelID:   "gpt-4o",
			Messages:  []dispatch.Message{dispatch.User("hi")},
			Stream:    &stream,
		})
		require.NoError(t, err)
		assert.Equal(t, "ok", resp.Content)
		assert.Contains(t, gotPath, "/v1/chat/completions")
	})
}

func TestDispatcher_UnresolvedProfileReturnsConfigError(t *testing.T) {
	t.Run("[P2] a missing profile id returns a config error, not a panic", func(t *testing.T) {
		store := &fakeProfileStore{}
		keys := dispatch.NewKeyManager(dispatch.DefaultKeyManagerConfig(), nil)
		d := New(store, keys, nil)

		_, err := d.Send(context.Background(), &dispatch.NormalizedRequest{ProfileID: "does-not-exist"})
		require.Error(t, err)
		assert.Equal(t, dispatch.ErrCodeConfig, dispatch.ErrorCode(err))
	})
}
