// Package dispatcher implements the orchestration contract of §4.1: given
// a profile id and a normalized request, pick a healthy key, clone the
// profile around it, route to the matching provider adapter, execute,
// and report the outcome back to the Key Manager. It is kept separate
// from the root dispatch package because it imports the adapters and
// transport packages, both of which import dispatch for its shared
// types and errors — folding Dispatcher into dispatch itself would
// create an import cycle.
package dispatcher

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/taipm/llmdispatch/dispatch"
	"github.com/taipm/llmdispatch/dispatch/adapters"
	"github.com/taipm/llmdispatch/dispatch/transport"
)

// ProfileStore is the read side of the config store the Dispatcher needs:
// resolving a profile id to its current configuration (§4.1 step 1).
type ProfileStore interface {
	GetProfile(id string) (*dispatch.Profile, error)
}

// Dispatcher is the single entry point callers use to send a normalized
// request to whichever provider a profile names (§3, §4.1).
type Dispatcher struct {
	profiles  ProfileStore
	keys      *dispatch.KeyManager
	transport *transport.Transport
	logger    dispatch.Logger

	registry map[dispatch.ProviderType]dispatch.Adapter
	fallback dispatch.Adapter
}

// Option configures optional Dispatcher behavior at construction time.
type Option func(*Dispatcher)

// WithProxyAddr routes every outbound adapter request through the
// Inspection Proxy listening at addr (e.g. "http://127.0.0.1:16655")
// whenever a profile or request sets ForceProxy (§4.1 step 4, §4.5). Left
// unset, ForceProxy is a no-op — the zero-value Transport has nowhere to
// redirect to.
func WithProxyAddr(addr string) Option {
	return func(d *Dispatcher) {
		d.transport.SetProxyAddr(addr)
	}
}

// New builds a Dispatcher wired to the given profile store and key
// manager, with a fresh per-provider adapter registry over the shared
// Transport (§4.1, §4.4).
func New(profiles ProfileStore, keys *dispatch.KeyManager, logger dispatch.Logger, opts ...Option) *Dispatcher {
	if logger == nil {
		logger = &dispatch.NoopLogger{}
	}
	t := transport.New()
	openai := adapters.NewOpenAICompatibleAdapter(t, logger)

	d := &Dispatcher{
		profiles:  profiles,
		keys:      keys,
		transport: t,
		logger:    logger,
		fallback:  openai,
	}
	d.registry = map[dispatch.ProviderType]dispatch.Adapter{
		dispatch.ProviderOpenAICompatible: openai,
		dispatch.ProviderOpenAIResponses:  adapters.NewOpenAIResponsesAdapter(t, logger),
		dispatch.ProviderClaude:           adapters.NewClaudeAdapter(t, logger),
		dispatch.ProviderGemini:           adapters.NewGeminiAdapter(t, logger),
		dispatch.ProviderVertexAnthropic:  adapters.NewVertexAnthropicAdapter(t, logger),
		dispatch.ProviderVertexGemini:     adapters.NewVertexGeminiAdapter(t, logger),
		dispatch.ProviderCohere:           adapters.NewCohereAdapter(t, logger),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// adapterFor implements §4.1 step 6: a profile naming an unrecognized
// provider type falls back to the OpenAI-compatible adapter rather than
// failing outright, since most self-hosted gateways mirror that shape.
func (d *Dispatcher) adapterFor(providerType dispatch.ProviderType) dispatch.Adapter {
	if a, ok := d.registry[providerType]; ok {
		return a
	}
	return d.fallback
}

// Send implements the eight-step dispatch contract (§4.1):
//  1. resolve and validate the profile
//  2. pick a healthy key
//  3. clone the profile around that single key
//  4. resolve transport overrides
//  5. route to the matching adapter
//  6. execute
//  7. report success/failure back to the Key Manager
//  8. return the normalized response or classified error
func (d *Dispatcher) Send(ctx context.Context, req *dispatch.NormalizedRequest) (resp *dispatch.NormalizedResponse, err error) {
	defer dispatch.RecoverInto(&err, d.logger)

	requestID := uuid.NewString()

	profile, err := d.resolveProfile(req.ProfileID)
	if err != nil {
		return nil, err
	}

	key, degraded, err := d.keys.Pick(ctx, profile)
	if err != nil {
		return nil, err
	}
	if degraded {
		d.logger.Warn(ctx, "dispatching with degraded key", dispatch.F("request_id", requestID), dispatch.F("profile_id", profile.ID))
	}

	boundProfile := profile.CloneWithKey(key)
	adapter := d.adapterFor(profile.Type)

	boundReq := withDefaultStream(req)

	start := time.Now()
	resp, sendErr := adapter.Chat(ctx, boundProfile, boundReq)
	elapsed := time.Since(start)

	if sendErr != nil {
		retryAfter := dispatch.RetryAfterFromError(sendErr)
		d.keys.ReportFailure(profile.ID, key, sendErr, retryAfter)
		d.logger.Error(ctx, "dispatch failed",
			dispatch.F("request_id", requestID),
			dispatch.F("profile_id", profile.ID),
			dispatch.F("elapsed_ms", elapsed.Milliseconds()),
			dispatch.F("error_code", dispatch.ErrorCode(sendErr)),
		)
		return nil, sendErr
	}

	d.keys.ReportSuccess(profile.ID, key)
	d.logger.Info(ctx, "dispatch succeeded",
		dispatch.F("request_id", requestID),
		dispatch.F("profile_id", profile.ID),
		dispatch.F("elapsed_ms", elapsed.Milliseconds()),
		dispatch.F("finish_reason", string(resp.FinishReason)),
	)
	return resp, nil
}

// FetchModels resolves profileID, picks a key for it, and delegates to its
// adapter's model listing. The outcome is never reported back to the Key
// Manager, so model discovery does not change key health (§4.1 Non-goals).
func (d *Dispatcher) FetchModels(ctx context.Context, profileID string) ([]dispatch.ModelDescriptor, error) {
	profile, err := d.resolveProfile(profileID)
	if err != nil {
		return nil, err
	}
	key, _, err := d.keys.Pick(ctx, profile)
	if err != nil {
		return nil, err
	}
	boundProfile := profile.CloneWithKey(key)
	return d.adapterFor(profile.Type).FetchModels(ctx, boundProfile)
}

func (d *Dispatcher) resolveProfile(profileID string) (*dispatch.Profile, error) {
	if profileID == "" {
		return nil, dispatch.NewConfigError("profileId is required")
	}
	profile, err := d.profiles.GetProfile(profileID)
	if err != nil {
		return nil, dispatch.NewConfigError(err.Error())
	}
	if profile == nil {
		return nil, dispatch.NewConfigError("profile not found: " + profileID)
	}
	if !profile.Enabled {
		return nil, dispatch.NewConfigError("profile is disabled: " + profileID)
	}
	if len(profile.APIKeys) == 0 {
		return nil, dispatch.NewConfigError("profile has no API keys: " + profileID)
	}
	return profile, nil
}

// withDefaultStream returns req unchanged if its Stream preference is
// already set, or a shallow copy with Stream defaulted to true otherwise
// (§4.1 step 5). A copy is returned rather than mutating req in place so
// a caller reusing the same *NormalizedRequest across calls never
// observes the Dispatcher writing into it.
func withDefaultStream(req *dispatch.NormalizedRequest) *dispatch.NormalizedRequest {
	if req.Stream != nil {
		return req
	}
	clone := *req
	clone.Stream = &defaultStreamTrue
	return &clone
}

var defaultStreamTrue = true
