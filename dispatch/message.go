package dispatch

// Role identifies who authored a Message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// PartKind tags the variant of a ContentPart.
type PartKind string

const (
	PartText      PartKind = "text"
	PartImage     PartKind = "image"
	PartToolUse   PartKind = "tool_use"
	PartToolResult PartKind = "tool_result"
	PartDocument  PartKind = "document"
	PartAudio     PartKind = "audio"
	PartVideo     PartKind = "video"
)

// CacheControl carries a provider-agnostic cache hint (Anthropic's
// prompt-caching breakpoints being the motivating case). Adapters that
// don't support caching simply ignore it.
type CacheControl struct {
	Type string `json:"type"` // e.g. "ephemeral"
}

// MediaSource describes where binary content for an image/document/audio/
// video part comes from. Exactly one of Base64, URL, or FileID is set.
type MediaSource struct {
	Base64 string
	MIME   string
	URL    string
	FileID string
}

// ContentPart is one element of a Message's ordered content sequence.
// Only the fields relevant to Kind are populated.
type ContentPart struct {
	Kind PartKind

	// PartText
	Text string

	// PartImage / PartDocument / PartAudio / PartVideo
	Media *MediaSource

	// PartToolUse
	ToolUseID   string
	ToolName    string
	ToolInput   map[string]any

	// PartToolResult
	ToolResultID string
	ToolResult   string
	IsError      bool

	CacheControl *CacheControl
}

// Message is one turn in the conversation. Content is either a plain
// string (Text set, Parts nil) or an ordered sequence of typed parts
// (Parts set, Text empty) — never both.
type Message struct {
	Role       Role
	Text       string
	Parts      []ContentPart
	ToolCallID string // set on RoleTool messages, echoes the tool_use id being answered
}

// HasParts reports whether the message uses the typed-part form.
func (m Message) HasParts() bool {
	return len(m.Parts) > 0
}

// System builds a plain-string system message.
func System(content string) Message {
	return Message{Role: RoleSystem, Text: content}
}

// User builds a plain-string user message.
func User(content string) Message {
	return Message{Role: RoleUser, Text: content}
}

// Assistant builds a plain-string assistant message.
func Assistant(content string) Message {
	return Message{Role: RoleAssistant, Text: content}
}
