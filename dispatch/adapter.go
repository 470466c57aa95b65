// Package dispatch implements the LLM Dispatch Core: a provider-agnostic
// chat/embedding dispatcher that selects a credential under a circuit
// breaker policy, translates the request into one of six vendor wire
// formats, executes it, and normalizes the response.
package dispatch

import "context"

// Adapter abstracts one provider's wire protocol. The source this port is
// based on stored adapters as a string→function map keyed by profile
// type; here that's a typed interface selected from a
// map[ProviderType]Adapter registry built once at Dispatcher
// construction — tagged-variant dispatch without the untyped map.
//
// Implementations are responsible for the two-phase build/execute
// structure of §4.3: translate the NormalizedRequest into the provider's
// payload and headers, send it via the shared Transport, and normalize
// the response (or drive streaming chunks through req.OnStream /
// req.OnReasoningStream).
type Adapter interface {
	// Chat sends one request/response or streaming exchange. profile has
	// already been reduced to a single key by the Dispatcher.
	Chat(ctx context.Context, profile *Profile, req *NormalizedRequest) (*NormalizedResponse, error)

	// BuildURL constructs the endpoint URL this adapter would use for the
	// given base URL and logical endpoint name (e.g. "chat", "models").
	// Exposed separately so the Inspection Proxy and tests can assert on
	// URL construction without executing a request (§8.9).
	BuildURL(baseURL, endpoint string) string

	// FetchModels lists models available on profile, normalized to
	// ModelDescriptor (§6). Each provider exposes its own list shape;
	// adapters that can't enumerate models (the two Vertex adapters)
	// return a ConfigError.
	FetchModels(ctx context.Context, profile *Profile) ([]ModelDescriptor, error)
}

// EmbeddingAdapter is implemented by adapters whose provider supports
// embeddings (§9: "expose an Adapter interface with chat, optionally
// embedding"). Use a type assertion against an Adapter to discover it.
type EmbeddingAdapter interface {
	Embed(ctx context.Context, profile *Profile, modelID string, input []string) ([]EmbeddingVector, *EmbeddingUsage, error)
}
