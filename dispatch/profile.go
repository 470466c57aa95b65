package dispatch

// ProviderType names one of the six wire protocols the dispatch core
// speaks. It is also the key into the Dispatcher's adapter registry.
type ProviderType string

const (
	ProviderOpenAICompatible ProviderType = "openai-compatible"
	ProviderOpenAIResponses ProviderType = "openai-responses"
	ProviderClaude          ProviderType = "claude"
	ProviderGemini          ProviderType = "gemini"
	ProviderVertexAnthropic ProviderType = "vertex-anthropic"
	ProviderVertexGemini    ProviderType = "vertex-gemini"
	ProviderCohere          ProviderType = "cohere"
)

// EndpointOverrides lets a profile rename the default operation paths an
// adapter would otherwise construct (e.g. a gateway that renames
// "chat/completions" to "v1/chat").
type EndpointOverrides struct {
	Chat   string `yaml:"chat,omitempty"`
	Models string `yaml:"models,omitempty"`
	Embed  string `yaml:"embed,omitempty"`
}

// Profile configures one provider endpoint: where to send requests, which
// keys to rotate through, and transport tweaks. Profiles are owned by the
// config store (dispatch/config); the Dispatcher only ever sees a
// single-key clone (Profile.CloneWithKey), never the original.
type Profile struct {
	ID      string       `yaml:"id"`
	Name    string       `yaml:"name"`
	Type    ProviderType `yaml:"type"`
	BaseURL string       `yaml:"baseUrl"`
	APIKeys []string     `yaml:"apiKeys"`

	CustomHeaders map[string]string `yaml:"customHeaders,omitempty"`
	Endpoints     EndpointOverrides `yaml:"endpoints,omitempty"`

	Enabled bool `yaml:"enabled"`

	// Transport tweaks, applied by the adapters when the request itself
	// doesn't override them (§4.1 step 4).
	RelaxIDCerts bool `yaml:"relaxIdCerts,omitempty"`
	HTTP1Only    bool `yaml:"http1Only,omitempty"`
	ForceProxy   bool `yaml:"forceProxy,omitempty"`
}

// CloneWithKey returns a deep copy of p whose APIKeys contains exactly the
// one key given. This is the defensive copy the spec requires at the
// Dispatcher boundary (§9): adapters must never observe more than one key,
// and must never be able to mutate the caller's stored profile.
func (p *Profile) CloneWithKey(key string) *Profile {
	clone := *p
	clone.APIKeys = []string{key}
	if p.CustomHeaders != nil {
		clone.CustomHeaders = make(map[string]string, len(p.CustomHeaders))
		for k, v := range p.CustomHeaders {
			clone.CustomHeaders[k] = v
		}
	}
	return &clone
}

// Capability is an informational bit on a ModelDescriptor. Capabilities
// never constrain dispatch (§3) — they exist so a caller-facing model
// picker can filter/annotate, nothing more.
type Capability string

const (
	CapabilityVision      Capability = "vision"
	CapabilityToolUse     Capability = "tool_use"
	CapabilityThinking    Capability = "thinking"
	CapabilityEmbeddings  Capability = "embeddings"
)

// ModelDescriptor names one model a profile can dispatch to.
type ModelDescriptor struct {
	ID           string
	ProfileID    string
	Capabilities []Capability
}
