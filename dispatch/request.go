package dispatch

// ToolDefinition is a normalized function/tool the model may call.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  map[string]any // JSON Schema
	Strict      *bool
}

// ToolChoiceMode selects how a model is constrained to (not) call tools.
type ToolChoiceMode string

const (
	ToolChoiceAuto     ToolChoiceMode = "auto"
	ToolChoiceNone     ToolChoiceMode = "none"
	ToolChoiceRequired ToolChoiceMode = "required"
	ToolChoiceFunction ToolChoiceMode = "function"
)

// ToolChoice picks a tool-calling policy. When Mode is ToolChoiceFunction,
// FunctionName names the single tool the model must call.
type ToolChoice struct {
	Mode         ToolChoiceMode
	FunctionName string
}

// Thinking controls a provider's extended-reasoning feature. Adapters that
// don't support it ignore these fields entirely.
type Thinking struct {
	Enabled bool
	Budget  int    // token budget, provider-specific meaning
	Effort  string // e.g. "low" | "medium" | "high", provider-specific enum
}

// StreamChunkFunc receives one piece of streamed text. The SSE parser
// invokes it inline from the network-reading goroutine, in arrival order,
// never concurrently with itself — see §5.
type StreamChunkFunc func(chunk string)

// NormalizedRequest is the provider-agnostic shape every caller builds and
// every adapter translates into its own wire format.
type NormalizedRequest struct {
	ProfileID string
	ModelID   string
	Messages  []Message

	// Stream, when unset (nil), defaults to true at dispatch time (§4.1
	// step 5) — a pointer rather than a plain bool so "the caller didn't
	// say" is distinguishable from "the caller explicitly asked for
	// non-streaming", the same pattern as Temperature/TopP/etc. below.
	Stream            *bool
	OnStream          StreamChunkFunc
	OnReasoningStream StreamChunkFunc

	TimeoutMs int

	Temperature      *float64
	TopP             *float64
	TopK             *int
	MaxTokens        *int
	FrequencyPenalty *float64
	PresencePenalty  *float64
	Seed             *int64
	Stop             []string

	Tools      []ToolDefinition
	ToolChoice *ToolChoice

	// ParallelToolCalls, when explicitly set to false, tells an adapter
	// that supports the distinction (Claude's `disable_parallel_tool_use`)
	// to constrain the model to one tool call at a time. Unset (nil)
	// leaves the provider's own default behavior untouched.
	ParallelToolCalls *bool

	Thinking *Thinking

	// Extra carries vendor-specific passthrough fields keyed by their wire
	// name. Any key here that is not in the reserved set (§9) is copied
	// verbatim into the outbound payload by Builder.ApplyCustomParameters.
	Extra map[string]any

	// Transport flags. When unset (nil), the adapters fall back to the
	// resolved Profile's value when sending (§4.1 step 4).
	ForceProxy   *bool
	RelaxIDCerts *bool
	HTTP1Only    *bool
}

// StreamEnabled reports whether streaming was requested, treating an
// unset Stream as true — the same default Dispatcher.Send applies
// (§4.1 step 5). Adapters exercised directly in tests (bypassing the
// Dispatcher) get the spec's documented default for free.
func (r *NormalizedRequest) StreamEnabled() bool {
	return r.Stream == nil || *r.Stream
}
