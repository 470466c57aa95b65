package builder

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/taipm/llmdispatch/dispatch"
)

func TestApplyCustomParameters(t *testing.T) {
	t.Run("[P1] a non-reserved field is copied verbatim", func(t *testing.T) {
		req := &dispatch.NormalizedRequest{Extra: map[string]any{"repetition_penalty": 1.1, "min_p": "0.05"}}
		body := map[string]any{}
		ApplyCustomParameters(body, req)
		assert.Equal(t, 1.1, body["repetition_penalty"])
		assert.Equal(t, "0.05", body["min_p"])
	})

	t.Run("[P1] reserved keys are never copied from Extra", func(t *testing.T) {
		req := &dispatch.NormalizedRequest{Extra: map[string]any{"temperature": 9.9, "messages": "x"}}
		body := map[string]any{}
		ApplyCustomParameters(body, req)
		assert.NotContains(t, body, "temperature")
		assert.NotContains(t, body, "messages")
	})

	t.Run("[P1] map-valued custom params shallow-merge, adapter default wins per key", func(t *testing.T) {
		req := &dispatch.NormalizedRequest{
			Extra: map[string]any{
				"webSearchOptions": map[string]any{"searchContextSize": "high", "userLocation": "VN"},
			},
		}
		body := map[string]any{
			"webSearchOptions": map[string]any{"searchContextSize": "low"},
		}
		ApplyCustomParameters(body, req)
		merged := body["webSearchOptions"].(map[string]any)
		assert.Equal(t, "low", merged["searchContextSize"], "adapter default must win per-key")
		assert.Equal(t, "VN", merged["userLocation"], "custom value fills keys the adapter didn't set")
	})
}

func TestCleanPayload(t *testing.T) {
	t.Run("[P1] every internal-only key is stripped before serialization", func(t *testing.T) {
		body := map[string]any{
			"profileId": "p1", "onStream": "fn", "onReasoningStream": "fn",
			"signal": "x", "timeout": 1000, "thinkingEnabled": true, "thinkingBudget": 10,
			"thinkingLevel": "low", "reasoningEffort": "low", "includeThoughts": true,
			"forceProxy": false, "relaxIdCerts": false, "http1Only": false,
			"model": "gpt-4o", "messages": []any{},
		}
		CleanPayload(body)
		for _, key := range internalOnlyKeys {
			assert.NotContains(t, body, key)
		}
		assert.Contains(t, body, "model")
		assert.Contains(t, body, "messages")
	})
}

func TestExtractCommonParameters_OnlySetFieldsCopied(t *testing.T) {
	t.Run("[P1] an unset parameter stays nil, never a placeholder", func(t *testing.T) {
		temp := 0.3
		req := &dispatch.NormalizedRequest{Temperature: &temp}
		params := ExtractCommonParameters(req)
		assert.NotNil(t, params.Temperature)
		assert.Equal(t, 0.3, *params.Temperature)
		assert.Nil(t, params.TopP)
		assert.Nil(t, params.MaxTokens)
	})
}

func TestParseToolChoice(t *testing.T) {
	t.Run("[P1] nil tool choice defaults to auto", func(t *testing.T) {
		parsed := ParseToolChoice(nil)
		assert.True(t, parsed.Auto)
	})
	t.Run("[P1] function mode carries the function name", func(t *testing.T) {
		parsed := ParseToolChoice(&dispatch.ToolChoice{Mode: dispatch.ToolChoiceFunction, FunctionName: "calculator"})
		assert.Equal(t, "calculator", parsed.FunctionName)
	})
	t.Run("[P2] required and none modes set their flag", func(t *testing.T) {
		assert.True(t, ParseToolChoice(&dispatch.ToolChoice{Mode: dispatch.ToolChoiceRequired}).Required)
		assert.True(t, ParseToolChoice(&dispatch.ToolChoice{Mode: dispatch.ToolChoiceNone}).None)
	})
}

func TestParseMessageContents(t *testing.T) {
	t.Run("[P1] parts are grouped by kind, preserving within-kind order", func(t *testing.T) {
		parts := []dispatch.ContentPart{
			{Kind: dispatch.PartText, Text: "first"},
			{Kind: dispatch.PartImage, Media: &dispatch.MediaSource{Base64: "iVBORw0KGgo"}},
			{Kind: dispatch.PartText, Text: "second"},
			{Kind: dispatch.PartToolUse, ToolUseID: "t1", ToolName: "calc"},
			{Kind: dispatch.PartToolResult, ToolResultID: "t1", ToolResult: "4"},
		}
		parsed := ParseMessageContents(parts)
		assert.Equal(t, []string{"first", "second"}, []string{parsed.Text[0].Text, parsed.Text[1].Text})
		assert.Len(t, parsed.Images, 1)
		assert.Len(t, parsed.ToolUse, 1)
		assert.Len(t, parsed.ToolResult, 1)
	})
}

func TestInferImageMIME(t *testing.T) {
	cases := []struct {
		name     string
		filename string
		data     string
		want     string
	}{
		{"extension wins over data", "photo.jpg", "iVBORw0KGgo", "image/jpeg"},
		{"png magic prefix", "", "iVBORw0KGgo", "image/png"},
		{"jpeg magic prefix", "", "/9j/4AAQSkZJRg", "image/jpeg"},
		{"gif magic prefix", "", "R0lGODlhAQABAIAAAAAAAP", "image/gif"},
		{"webp magic prefix", "", "UklGRiIAAABXRUJQVlA4", "image/webp"},
		{"unknown defaults to png", "", "whatever", "image/png"},
	}
	for _, tc := range cases {
		t.Run("[P2] "+tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, InferImageMIME(tc.filename, tc.data))
		})
	}
}
