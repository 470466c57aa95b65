package dispatch

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/taipm/llmdispatch/dispatch/ratelimit"
)

// KeyState is the coarse status of a (profile, key) pair, kept mainly for
// introspection (Status()) — selection itself only consults CooldownUntil.
type KeyState int

const (
	KeyHealthy KeyState = iota
	KeyCooling
	KeyQuarantined
)

func (s KeyState) String() string {
	switch s {
	case KeyHealthy:
		return "healthy"
	case KeyCooling:
		return "cooling"
	case KeyQuarantined:
		return "quarantined"
	default:
		return "unknown"
	}
}

// FailureClass is the Key Manager's classification of a reported failure
// (§4.2).
type FailureClass int

const (
	FailureTransient FailureClass = iota
	FailureRateLimit
	FailurePermanent
	FailureUserAbort
)

// KeyHealth is the per-(profile,key) bookkeeping record (§3).
type KeyHealth struct {
	Key                 string
	State               KeyState
	CooldownUntil       time.Time
	ConsecutiveFailures int
	LastErrorClass      FailureClass
	lastUsedSeq         uint64
}

// KeyManagerConfig exposes the cooldown/backoff constants the spec pins as
// defaults but allows operators to override (§9 open question: "a port
// may expose these as configuration").
type KeyManagerConfig struct {
	TransientBase     time.Duration
	TransientCeiling  time.Duration
	RateLimitCeiling  time.Duration
	PermanentCooldown time.Duration
	RateLimiter       *ratelimit.Registry // optional, nil disables pre-flight limiting
}

func DefaultKeyManagerConfig() KeyManagerConfig {
	return KeyManagerConfig{
		TransientBase:     30 * time.Second,
		TransientCeiling:  5 * time.Minute,
		RateLimitCeiling:  5 * time.Minute,
		PermanentCooldown: 24 * time.Hour,
	}
}

// KeyManager tracks key health per profile and implements the LRU-with-
// expired-cooldown selection and failure-classification rules of §4.2 and
// the state table of §4.6.
type KeyManager struct {
	cfg    KeyManagerConfig
	logger Logger

	mu     sync.RWMutex
	health map[string]map[string]*KeyHealth // profileID -> key -> health
	seq    uint64
}

func NewKeyManager(cfg KeyManagerConfig, logger Logger) *KeyManager {
	if logger == nil {
		logger = &NoopLogger{}
	}
	return &KeyManager{
		cfg:    cfg,
		logger: logger,
		health: make(map[string]map[string]*KeyHealth),
	}
}

func (km *KeyManager) recordFor(profileID, key string) *KeyHealth {
	profileKeys, ok := km.health[profileID]
	if !ok {
		profileKeys = make(map[string]*KeyHealth)
		km.health[profileID] = profileKeys
	}
	rec, ok := profileKeys[key]
	if !ok {
		rec = &KeyHealth{Key: key, State: KeyHealthy}
		profileKeys[key] = rec
	}
	return rec
}

// Pick selects a key from profile per §4.2's LRU-with-cooldown-expired
// rule, falling back to the key closest to exiting cooldown when every
// key is impaired. degraded reports the fallback case so the Dispatcher
// can log a warning without failing the request — the spec is explicit
// that this path still returns a usable key.
func (km *KeyManager) Pick(ctx context.Context, profile *Profile) (key string, degraded bool, err error) {
	if len(profile.APIKeys) == 0 {
		return "", false, NewNoKeyAvailableError(profile.ID)
	}

	if km.cfg.RateLimiter != nil {
		if err := km.cfg.RateLimiter.Wait(ctx, profile.ID); err != nil {
			return "", false, NewNoKeyAvailableError(profile.ID)
		}
	}

	km.mu.Lock()
	defer km.mu.Unlock()

	now := time.Now()
	// Iterating profile.APIKeys in order and only replacing on a strictly
	// earlier lastUsedSeq (never <=) gives the earlier-index key the tie
	// when neither has been used yet — the §4.2 tie-break falls out of
	// the scan order without tracking indices separately.
	var bestEligible *KeyHealth
	var closest *KeyHealth

	for _, k := range profile.APIKeys {
		rec := km.recordFor(profile.ID, k)
		if !rec.CooldownUntil.After(now) {
			if bestEligible == nil || rec.lastUsedSeq < bestEligible.lastUsedSeq {
				bestEligible = rec
			}
			continue
		}
		if closest == nil || rec.CooldownUntil.Before(closest.CooldownUntil) {
			closest = rec
		}
	}

	chosen := bestEligible
	if chosen == nil {
		chosen = closest
		degraded = true
	}

	km.seq++
	chosen.lastUsedSeq = km.seq

	km.logger.Debug(ctx, "key manager picked key", F("profile_id", profile.ID), F("degraded", degraded))
	return chosen.Key, degraded, nil
}

// ReportSuccess clears the key's failure counter and cooldown (§4.2, §4.6).
func (km *KeyManager) ReportSuccess(profileID, key string) {
	km.mu.Lock()
	defer km.mu.Unlock()
	rec := km.recordFor(profileID, key)
	rec.State = KeyHealthy
	rec.CooldownUntil = time.Time{}
	rec.ConsecutiveFailures = 0
}

// ReportFailure classifies err and applies the state-table side effect
// from §4.6. retryAfter, when non-zero, is honored verbatim for the
// RateLimit class (§8.6).
func (km *KeyManager) ReportFailure(profileID, key string, failErr error, retryAfter time.Duration) {
	class := ClassifyFailure(failErr)

	km.mu.Lock()
	defer km.mu.Unlock()
	rec := km.recordFor(profileID, key)
	rec.LastErrorClass = class

	switch class {
	case FailureUserAbort:
		// no-op: unchanged state, no penalty (§4.6)
		return
	case FailurePermanent:
		rec.ConsecutiveFailures++
		rec.State = KeyQuarantined
		rec.CooldownUntil = time.Now().Add(km.cfg.PermanentCooldown)
	case FailureRateLimit:
		rec.ConsecutiveFailures++
		rec.State = KeyCooling
		if retryAfter > 0 {
			rec.CooldownUntil = time.Now().Add(retryAfter)
		} else {
			rec.CooldownUntil = time.Now().Add(expBackoff(km.cfg.TransientBase, rec.ConsecutiveFailures, km.cfg.RateLimitCeiling))
		}
	case FailureTransient:
		rec.ConsecutiveFailures++
		rec.State = KeyCooling
		rec.CooldownUntil = time.Now().Add(expBackoff(km.cfg.TransientBase, rec.ConsecutiveFailures-1, km.cfg.TransientCeiling))
	}
}

// expBackoff computes base·2^exponent capped at ceiling. exponent is
// clamped to >=0 so a first failure (exponent 0) yields exactly base.
func expBackoff(base time.Duration, exponent int, ceiling time.Duration) time.Duration {
	if exponent < 0 {
		exponent = 0
	}
	d := base
	for i := 0; i < exponent && d < ceiling; i++ {
		d *= 2
	}
	if d > ceiling {
		d = ceiling
	}
	return d
}

// Status returns a snapshot of every key's health for profileID, for
// diagnostics and the NoKeyAvailable remediation text.
func (km *KeyManager) Status(profileID string) []KeyHealth {
	km.mu.RLock()
	defer km.mu.RUnlock()
	var out []KeyHealth
	for _, rec := range km.health[profileID] {
		out = append(out, *rec)
	}
	return out
}

// ClassifyFailure maps an error observed by a provider adapter onto the
// failure taxonomy of §4.2.
func ClassifyFailure(err error) FailureClass {
	if err == nil {
		return FailureTransient
	}
	if errors.Is(err, context.Canceled) {
		return FailureUserAbort
	}
	var llmErr *LLMAPIError
	if errors.As(err, &llmErr) {
		switch {
		case llmErr.Status == 401 || llmErr.Status == 403 || strings.Contains(llmErr.Body, "invalid_api_key"):
			return FailurePermanent
		case llmErr.Status == 429 || strings.Contains(llmErr.Body, "rate_limit"):
			return FailureRateLimit
		case llmErr.Status >= 500:
			return FailureTransient
		}
	}
	var coded *CodedError
	if errors.As(err, &coded) {
		switch coded.Code {
		case ErrCodeAbort:
			return FailureUserAbort
		case ErrCodeTimeout, ErrCodeNetwork:
			return FailureTransient
		}
	}
	return FailureTransient
}

// RetryAfterFromError extracts a Retry-After duration from an LLMAPIError's
// headers, if present, for ReportFailure's rate-limit cooldown (§8.6).
func RetryAfterFromError(err error) time.Duration {
	var llmErr *LLMAPIError
	if !errors.As(err, &llmErr) || llmErr.Header == nil {
		return 0
	}
	values := llmErr.Header["Retry-After"]
	if len(values) == 0 {
		values = llmErr.Header["retry-after"]
	}
	if len(values) == 0 {
		return 0
	}
	if secs, ok := parseSeconds(values[0]); ok {
		return time.Duration(secs) * time.Second
	}
	return 0
}

func parseSeconds(s string) (int64, bool) {
	var n int64
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, false
		}
		n = n*10 + int64(r-'0')
	}
	if n == 0 && s != "0" {
		return 0, false
	}
	return n, true
}
