package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taipm/llmdispatch/dispatch"
)

func TestLoad_MissingFileStartsFromDefaults(t *testing.T) {
	t.Run("[P2] loading a nonexistent path starts from a default proxy config with no profiles", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		store, err := Load(path)
		require.NoError(t, err)
		assert.Empty(t, store.ListProfiles())
		assert.Equal(t, "127.0.0.1:16655", store.ProxyConfig().ListenAddr)
	})
}

func TestStore_UpsertAndSaveRoundTrip(t *testing.T) {
	t.Run("[P1] an upserted profile persists to disk and reloads identically", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		store, err := Load(path)
		require.NoError(t, err)

		profile := &dispatch.Profile{ID: "p1", Name: "Test", Type: dispatch.ProviderOpenAICompatible, BaseURL: "https://api.example.com", APIKeys: []string{"sk-A"}, Enabled: true}
		require.NoError(t, store.UpsertProfile(profile))
		require.NoError(t, store.SetSelectedProfileID("p1"))

		reloaded, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, "p1", reloaded.SelectedProfileID())
		got, err := reloaded.GetProfile("p1")
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "Test", got.Name)
		assert.Equal(t, []string{"sk-A"}, got.APIKeys)
	})
}

func TestStore_RemoveProfile(t *testing.T) {
	t.Run("[P2] removing a profile drops it from the list and persists the removal", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		store, err := Load(path)
		require.NoError(t, err)

		require.NoError(t, store.UpsertProfile(&dispatch.Profile{ID: "p1", Enabled: true}))
		require.NoError(t, store.UpsertProfile(&dispatch.Profile{ID: "p2", Enabled: true}))
		require.NoError(t, store.RemoveProfile("p1"))

		assert.Len(t, store.ListProfiles(), 1)
		got, _ := store.GetProfile("p1")
		assert.Nil(t, got)
	})
}

func TestApplyEnvOverrides(t *testing.T) {
	t.Run("[P1] LLMDISPATCH_KEY_<PROFILE_ID> replaces the profile's key list on load", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		yamlContent := "selectedProfileId: \"\"\nprofiles:\n  - id: my-profile\n    apiKeys: [\"placeholder\"]\n    enabled: true\nproxy:\n  enabled: false\n  listenAddr: \"127.0.0.1:16655\"\n  bufferSize: 500\n"
		require.NoError(t, os.WriteFile(path, []byte(yamlContent), 0600))

		envVar := "LLMDISPATCH_KEY_" + envSuffix("my-profile")
		t.Setenv(envVar, "sk-from-env")

		store, err := Load(path)
		require.NoError(t, err)
		got, err := store.GetProfile("my-profile")
		require.NoError(t, err)
		assert.Equal(t, []string{"sk-from-env"}, got.APIKeys)
	})
}

func TestProxyConfig_TargetURLAndHeaderOverrideRulesRoundTrip(t *testing.T) {
	t.Run("[P1] proxy.targetUrl and header override rules persist and reload, and disabled rules are excluded from the enabled map", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "config.yaml")
		store, err := Load(path)
		require.NoError(t, err)

		cfg := store.ProxyConfig()
		cfg.Enabled = true
		cfg.TargetURL = "https://api.openai.com"
		cfg.HeaderOverrideRules = []HeaderOverrideRule{
			{ID: "r1", Enabled: true, Key: "User-Agent", Value: "Mozilla/5.0 Chrome/120"},
			{ID: "r2", Enabled: false, Key: "X-Debug", Value: "1"},
		}
		require.NoError(t, store.SetProxyConfig(cfg))

		reloaded, err := Load(path)
		require.NoError(t, err)
		got := reloaded.ProxyConfig()
		assert.Equal(t, "https://api.openai.com", got.TargetURL)
		require.Len(t, got.HeaderOverrideRules, 2)

		enabled := got.EnabledHeaderOverrides()
		assert.Equal(t, map[string]string{"User-Agent": "Mozilla/5.0 Chrome/120"}, enabled)
	})
}

func TestEnvSuffix(t *testing.T) {
	t.Run("[P2] non-alphanumeric runs collapse to a single underscore, case-folded to upper", func(t *testing.T) {
		assert.Equal(t, "MY_PROFILE_1", envSuffix("my-profile-1"))
		assert.Equal(t, "MY_PROFILE", envSuffix("my--profile"))
	})
}
