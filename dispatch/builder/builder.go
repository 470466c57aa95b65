// Package builder implements the provider-agnostic translation helpers
// every adapter shares before it gets to vendor-specific wire shaping:
// grouping message content by kind, extracting common generation
// parameters, normalizing tool definitions and tool-choice policy,
// merging vendor-specific passthrough fields, and stripping internal
// fields before serialization (§4.3.1).
package builder

import (
	"strings"

	"github.com/taipm/llmdispatch/dispatch"
)

// ReservedKeys is the exact non-passthrough key set from §9. Any
// NormalizedRequest.Extra entry whose key is not in this set is copied
// verbatim into the outbound wire body by ApplyCustomParameters.
var ReservedKeys = map[string]struct{}{
	"messages": {}, "modelId": {}, "profileId": {}, "stream": {}, "onStream": {},
	"onReasoningStream": {}, "signal": {}, "timeout": {}, "temperature": {},
	"maxTokens": {}, "topP": {}, "topK": {}, "frequencyPenalty": {}, "presencePenalty": {},
	"seed": {}, "stop": {}, "n": {}, "logprobs": {}, "topLogprobs": {},
	"maxCompletionTokens": {}, "responseFormat": {}, "tools": {}, "toolChoice": {},
	"parallelToolCalls": {}, "reasoningEffort": {}, "thinkingEnabled": {}, "thinkingBudget": {},
	"thinkingLevel": {}, "includeThoughts": {}, "webSearchOptions": {}, "streamOptions": {},
	"user": {}, "serviceTier": {}, "logitBias": {}, "store": {}, "metadata": {},
	"stopSequences": {}, "claudeMetadata": {}, "safetySettings": {}, "enableCodeExecution": {},
	"speechConfig": {}, "responseModalities": {}, "mediaResolution": {}, "enableEnhancedCivicAnswers": {},
	"forceProxy": {}, "relaxIdCerts": {}, "http1Only": {}, "hasLocalFile": {},
}

// internalOnlyKeys are always stripped by CleanPayload regardless of the
// reserved set above — they never belong on the wire at all (§4.3.1).
var internalOnlyKeys = []string{
	"profileId", "onStream", "onReasoningStream", "signal", "timeout",
	"thinkingEnabled", "thinkingBudget", "thinkingLevel", "reasoningEffort",
	"includeThoughts", "forceProxy", "relaxIdCerts", "http1Only",
}

// ParsedContent is the result of grouping a Message's parts by kind.
type ParsedContent struct {
	Text     []dispatch.ContentPart
	Images   []dispatch.ContentPart
	ToolUse  []dispatch.ContentPart
	ToolResult []dispatch.ContentPart
	Other    []dispatch.ContentPart // document/audio/video
}

// ParseMessageContents groups an ordered part sequence by kind, preserving
// within-kind order. A plain-string message (no parts) is not handled
// here — callers should check Message.HasParts first and treat Text as a
// single implicit text part.
func ParseMessageContents(parts []dispatch.ContentPart) ParsedContent {
	var out ParsedContent
	for _, p := range parts {
		switch p.Kind {
		case dispatch.PartText:
			out.Text = append(out.Text, p)
		case dispatch.PartImage:
			out.Images = append(out.Images, p)
		case dispatch.PartToolUse:
			out.ToolUse = append(out.ToolUse, p)
		case dispatch.PartToolResult:
			out.ToolResult = append(out.ToolResult, p)
		default:
			out.Other = append(out.Other, p)
		}
	}
	return out
}

// CommonParameters holds only the generation parameters the caller
// actually supplied — never a placeholder for an unset value (§4.3.1:
// "an unset parameter is never emitted as null").
type CommonParameters struct {
	Temperature      *float64
	TopP             *float64
	TopK             *int
	MaxTokens        *int
	FrequencyPenalty *float64
	PresencePenalty  *float64
	Seed             *int64
	Stop             []string
}

// ExtractCommonParameters copies only the parameters set on req into a
// CommonParameters. Adapters then map each non-nil field onto the wire
// body's provider-specific key.
func ExtractCommonParameters(req *dispatch.NormalizedRequest) CommonParameters {
	return CommonParameters{
		Temperature:      req.Temperature,
		TopP:             req.TopP,
		TopK:             req.TopK,
		MaxTokens:        req.MaxTokens,
		FrequencyPenalty: req.FrequencyPenalty,
		PresencePenalty:  req.PresencePenalty,
		Seed:             req.Seed,
		Stop:             req.Stop,
	}
}

// ToolSpec is the normalized {name, description, parameters, strict?}
// tuple adapters translate into their own tool-definition shape.
type ToolSpec struct {
	Name        string
	Description string
	Parameters  map[string]any
	Strict      *bool
}

// ExtractToolDefinitions normalizes req.Tools into ToolSpecs.
func ExtractToolDefinitions(tools []dispatch.ToolDefinition) []ToolSpec {
	if len(tools) == 0 {
		return nil
	}
	out := make([]ToolSpec, len(tools))
	for i, t := range tools {
		out[i] = ToolSpec{Name: t.Name, Description: t.Description, Parameters: t.Parameters, Strict: t.Strict}
	}
	return out
}

// ParsedToolChoice is the normalized tool-choice policy: exactly one of
// Auto, None, Required, or a non-empty FunctionName is meaningful,
// matching the union `'auto' | 'none' | 'required' | {functionName}`
// from §4.3.1.
type ParsedToolChoice struct {
	Auto         bool
	None         bool
	Required     bool
	FunctionName string
}

// ParseToolChoice normalizes req.ToolChoice, defaulting to Auto when the
// caller didn't set one.
func ParseToolChoice(tc *dispatch.ToolChoice) ParsedToolChoice {
	if tc == nil {
		return ParsedToolChoice{Auto: true}
	}
	switch tc.Mode {
	case dispatch.ToolChoiceNone:
		return ParsedToolChoice{None: true}
	case dispatch.ToolChoiceRequired:
		return ParsedToolChoice{Required: true}
	case dispatch.ToolChoiceFunction:
		return ParsedToolChoice{FunctionName: tc.FunctionName}
	default:
		return ParsedToolChoice{Auto: true}
	}
}

// ApplyCustomParameters copies every key of req.Extra that is not in
// ReservedKeys into body, shallow-merging map-valued entries so an
// adapter's own default for that key is not clobbered wholesale — the
// adapter's value wins per-key within the merged map, the caller's custom
// value fills in any key the adapter didn't already set (§4.3.1, §8.2).
func ApplyCustomParameters(body map[string]any, req *dispatch.NormalizedRequest) {
	for key, value := range req.Extra {
		if _, reserved := ReservedKeys[key]; reserved {
			continue
		}
		existing, hasExisting := body[key]
		if !hasExisting {
			body[key] = value
			continue
		}
		existingMap, existingIsMap := existing.(map[string]any)
		valueMap, valueIsMap := value.(map[string]any)
		if existingIsMap && valueIsMap {
			merged := make(map[string]any, len(existingMap)+len(valueMap))
			for k, v := range valueMap {
				merged[k] = v
			}
			for k, v := range existingMap {
				merged[k] = v // adapter default wins per-key
			}
			body[key] = merged
			continue
		}
		// Adapter already set a non-map value for this key: it wins.
	}
}

// CleanPayload strips internal-only fields from body before
// serialization (§4.3.1, §8.3). It is the last step before json.Marshal.
func CleanPayload(body map[string]any) {
	for _, key := range internalOnlyKeys {
		delete(body, key)
	}
}

// InferImageMIME infers a MIME type for base64 image data, preferring a
// file-extension hint when present, falling back to magic-prefix
// sniffing of the base64 text itself (§4.3.1).
func InferImageMIME(filename, base64Data string) string {
	if ext := extOf(filename); ext != "" {
		switch ext {
		case "png":
			return "image/png"
		case "jpg", "jpeg":
			return "image/jpeg"
		case "gif":
			return "image/gif"
		case "webp":
			return "image/webp"
		}
	}
	switch {
	case strings.HasPrefix(base64Data, "iVBOR"):
		return "image/png"
	case strings.HasPrefix(base64Data, "/9j/"):
		return "image/jpeg"
	case strings.HasPrefix(base64Data, "R0lGO"):
		return "image/gif"
	case strings.HasPrefix(base64Data, "UklGR"):
		return "image/webp"
	default:
		return "image/png"
	}
}

func extOf(filename string) string {
	i := strings.LastIndexByte(filename, '.')
	if i < 0 || i == len(filename)-1 {
		return ""
	}
	return strings.ToLower(filename[i+1:])
}
