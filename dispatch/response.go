package dispatch

// FinishReason is the normalized enum every adapter maps its provider's
// stop/finish signal onto (§4.3.5).
type FinishReason string

const (
	FinishStop          FinishReason = "stop"
	FinishMaxTokens     FinishReason = "max_tokens"
	FinishContentFilter FinishReason = "content_filter"
	FinishToolCalls     FinishReason = "tool_calls"
	FinishUnknown       FinishReason = ""
)

// Usage is the unified token-accounting shape.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// ToolCall is one function invocation the model requested.
type ToolCall struct {
	ID        string
	Name      string
	Arguments string // raw JSON string, not pre-parsed
}

// NormalizedResponse is what every adapter produces, streaming or not.
type NormalizedResponse struct {
	Content          string
	ReasoningContent string
	Usage            *Usage
	ToolCalls        []ToolCall
	FinishReason     FinishReason
	StopSequence     string
	IsStream         bool
}

// EmbeddingVector is one embedding result for EmbeddingAdapter.Embed.
type EmbeddingVector struct {
	Index  int
	Values []float64
}

// EmbeddingUsage mirrors Usage but embeddings have no completion tokens.
type EmbeddingUsage struct {
	PromptTokens int
	TotalTokens  int
}
