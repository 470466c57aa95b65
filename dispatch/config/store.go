// Package config persists the profile list, the selected profile id, and
// the Inspection Proxy's configuration as YAML, with an environment-
// variable overlay for API keys (§4.1 step 1, §10.3). Grounded on the
// teacher's config_loader.go: load-defaults-then-unmarshal and an
// env-override pass layered on top of the file. Loaded and mutated
// values are not validated.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/taipm/llmdispatch/dispatch"
)

// HeaderOverrideRule replaces (or adds) one header on every request the
// Inspection Proxy forwards upstream, e.g. injecting a real credential
// the client never sees. Disabled rules are kept in the config (so an
// operator can toggle them back on) but have no effect (§4.5, §6).
type HeaderOverrideRule struct {
	ID      string `yaml:"id"`
	Enabled bool   `yaml:"enabled"`
	Key     string `yaml:"key"`
	Value   string `yaml:"value"`
}

// ProxyConfig configures the Inspection Proxy's listener, the upstream it
// forwards to, and its header override rules — the persisted shape §6
// names: `{port, target_url, header_override_rules: [{id, enabled, key,
// value}]}`.
type ProxyConfig struct {
	Enabled             bool                 `yaml:"enabled"`
	ListenAddr          string               `yaml:"listenAddr"`
	BufferSize          int                  `yaml:"bufferSize"`
	TargetURL           string               `yaml:"targetUrl"`
	HeaderOverrideRules []HeaderOverrideRule `yaml:"headerOverrideRules,omitempty"`
}

// EnabledHeaderOverrides collapses HeaderOverrideRules down to the flat
// key/value map proxy.Config.HeaderOverrides expects, dropping disabled
// rules (§4.5 invariant: "disabled rules have no effect").
func (c ProxyConfig) EnabledHeaderOverrides() map[string]string {
	out := make(map[string]string, len(c.HeaderOverrideRules))
	for _, rule := range c.HeaderOverrideRules {
		if rule.Enabled {
			out[rule.Key] = rule.Value
		}
	}
	return out
}

// File is the on-disk YAML document: every configured profile, which one
// is currently selected, and the proxy settings.
type File struct {
	SelectedProfileID string             `yaml:"selectedProfileId"`
	Profiles          []*dispatch.Profile `yaml:"profiles"`
	Proxy             ProxyConfig        `yaml:"proxy"`
}

func defaultFile() *File {
	return &File{
		Proxy: ProxyConfig{
			Enabled:    false,
			ListenAddr: "127.0.0.1:16655",
			BufferSize: 500,
		},
	}
}

// Store is an in-memory, mutex-guarded view over the YAML config file. It
// implements dispatcher.ProfileStore.
type Store struct {
	path string

	mu   sync.RWMutex
	file *File
}

// Load reads path (or starts from defaults if it doesn't exist yet),
// applying the LLMDISPATCH_KEY_<PROFILE_ID> environment overlay for API
// keys so secrets never need to live in the YAML file on disk.
func Load(path string) (*Store, error) {
	file := defaultFile()

	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	} else {
		if err := yaml.Unmarshal(data, file); err != nil {
			return nil, fmt.Errorf("parse config YAML: %w", err)
		}
	}

	applyEnvOverrides(file)

	return &Store{path: path, file: file}, nil
}

// applyEnvOverrides reads LLMDISPATCH_KEY_<PROFILE_ID> (profile id
// upper-cased, non-alphanumeric runs collapsed to underscore) and, when
// set, replaces that profile's key list with the single env-provided key
// — letting an operator keep profile shape in version control while
// injecting the actual secret at deploy time.
func applyEnvOverrides(file *File) {
	for _, p := range file.Profiles {
		envVar := "LLMDISPATCH_KEY_" + envSuffix(p.ID)
		if key := os.Getenv(envVar); key != "" {
			p.APIKeys = []string{key}
		}
	}
}

func envSuffix(profileID string) string {
	var b strings.Builder
	inRun := false
	for _, r := range strings.ToUpper(profileID) {
		switch {
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
			inRun = false
		case !inRun:
			b.WriteByte('_')
			inRun = true
		}
	}
	return b.String()
}

// GetProfile implements dispatcher.ProfileStore.
func (s *Store) GetProfile(id string) (*dispatch.Profile, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, p := range s.file.Profiles {
		if p.ID == id {
			return p, nil
		}
	}
	return nil, nil
}

// ListProfiles returns every configured profile.
func (s *Store) ListProfiles() []*dispatch.Profile {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*dispatch.Profile, len(s.file.Profiles))
	copy(out, s.file.Profiles)
	return out
}

// SelectedProfileID returns the profile id the UI should default to.
func (s *Store) SelectedProfileID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.file.SelectedProfileID
}

// SetSelectedProfileID records which profile is active and persists it.
func (s *Store) SetSelectedProfileID(id string) error {
	s.mu.Lock()
	s.file.SelectedProfileID = id
	s.mu.Unlock()
	return s.Save()
}

// ProxyConfig returns the configured Inspection Proxy settings.
func (s *Store) ProxyConfig() ProxyConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.file.Proxy
}

// SetProxyConfig replaces the Inspection Proxy settings (listen address,
// target URL, header override rules) and persists the change.
func (s *Store) SetProxyConfig(cfg ProxyConfig) error {
	s.mu.Lock()
	s.file.Proxy = cfg
	s.mu.Unlock()
	return s.Save()
}

// UpsertProfile inserts or replaces the profile with the same ID, then
// persists the change.
func (s *Store) UpsertProfile(p *dispatch.Profile) error {
	s.mu.Lock()
	replaced := false
	for i, existing := range s.file.Profiles {
		if existing.ID == p.ID {
			s.file.Profiles[i] = p
			replaced = true
			break
		}
	}
	if !replaced {
		s.file.Profiles = append(s.file.Profiles, p)
	}
	s.mu.Unlock()
	return s.Save()
}

// RemoveProfile deletes a profile by id and persists the change.
func (s *Store) RemoveProfile(id string) error {
	s.mu.Lock()
	filtered := s.file.Profiles[:0]
	for _, p := range s.file.Profiles {
		if p.ID != id {
			filtered = append(filtered, p)
		}
	}
	s.file.Profiles = filtered
	s.mu.Unlock()
	return s.Save()
}

// Save writes the current in-memory state back to path, creating parent
// directories as needed.
func (s *Store) Save() error {
	s.mu.RLock()
	data, err := yaml.Marshal(s.file)
	s.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}
	if err := os.WriteFile(s.path, data, 0600); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}
