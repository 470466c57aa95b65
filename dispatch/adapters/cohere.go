package adapters

import (
	"context"
	"encoding/json"

	"github.com/taipm/llmdispatch/dispatch"
	"github.com/taipm/llmdispatch/dispatch/builder"
	"github.com/taipm/llmdispatch/dispatch/sse"
	"github.com/taipm/llmdispatch/dispatch/transport"
)

// CohereAdapter speaks the Cohere v2 Chat API (§4.3.3): a `messages` array
// much like OpenAI's but with provider-specific parameter names (topP
// becomes `p`, topK becomes `k`, stop becomes `stop_sequences`), and a
// typed streaming event protocol (content-delta / tool-call-delta /
// message-end) distinct from both the OpenAI and Anthropic shapes.
type CohereAdapter struct {
	Transport *transport.Transport
	Logger    dispatch.Logger
}

func NewCohereAdapter(t *transport.Transport, logger dispatch.Logger) *CohereAdapter {
	if logger == nil {
		logger = &dispatch.NoopLogger{}
	}
	return &CohereAdapter{Transport: t, Logger: logger}
}

func (a *CohereAdapter) BuildURL(baseURL, endpoint string) string {
	return buildVersionedURL(baseURL, "v2", "chat", endpoint)
}

func (a *CohereAdapter) Chat(ctx context.Context, profile *dispatch.Profile, req *dispatch.NormalizedRequest) (*dispatch.NormalizedResponse, error) {
	endpoint := profile.Endpoints.Chat
	url := a.BuildURL(profile.BaseURL, endpoint)
	body := buildCohereBody(req)
	headers := map[string]string{"Authorization": "Bearer " + firstKey(profile)}

	if req.StreamEnabled() {
		return a.streamChat(ctx, profile, req, url, headers, body)
	}
	return a.nonStreamChat(ctx, profile, req, url, headers, body)
}

func (a *CohereAdapter) nonStreamChat(ctx context.Context, profile *dispatch.Profile, req *dispatch.NormalizedRequest, url string, headers map[string]string, body map[string]any) (*dispatch.NormalizedResponse, error) {
	body["stream"] = false
	resp, err := doJSON(ctx, a.Transport, profile, req, requestOptions{method: "POST", url: url, headers: headers, body: body})
	if err != nil {
		return nil, err
	}
	raw, err := readAll(resp)
	if err != nil {
		return nil, err
	}
	var parsed cohereResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, dispatch.NewParseError("cohere response", err)
	}
	return normalizeCohereResponse(parsed, false), nil
}

func (a *CohereAdapter) streamChat(ctx context.Context, profile *dispatch.Profile, req *dispatch.NormalizedRequest, url string, headers map[string]string, body map[string]any) (*dispatch.NormalizedResponse, error) {
	body["stream"] = true
	headers["Accept"] = "text/event-stream"
	resp, err := doJSON(ctx, a.Transport, profile, req, requestOptions{method: "POST", url: url, headers: headers, body: body})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	acc := newCohereStreamAccumulator()
	err = sse.Scan(ctx, resp.Body, func(ev sse.Event) error {
		return acc.consume(ev.Data, req)
	})
	if err != nil {
		return nil, dispatch.NewParseError("cohere stream", err)
	}
	return acc.result(), nil
}

// FetchModels hits Cohere's v1 models-list endpoint, which lives outside
// the v2 chat namespace this adapter otherwise targets.
func (a *CohereAdapter) FetchModels(ctx context.Context, profile *dispatch.Profile) ([]dispatch.ModelDescriptor, error) {
	endpoint := profile.Endpoints.Models
	if endpoint == "" {
		endpoint = "models"
	}
	url := buildVersionedURL(profile.BaseURL, "v1", "models", endpoint)
	headers := map[string]string{"Authorization": "Bearer " + firstKey(profile)}

	resp, err := doJSON(ctx, a.Transport, profile, &dispatch.NormalizedRequest{}, requestOptions{method: "GET", url: url, headers: headers})
	if err != nil {
		return nil, err
	}
	raw, err := readAll(resp)
	if err != nil {
		return nil, err
	}
	var parsed struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, dispatch.NewParseError("cohere models response", err)
	}
	out := make([]dispatch.ModelDescriptor, len(parsed.Models))
	for i, m := range parsed.Models {
		out[i] = dispatch.ModelDescriptor{ID: m.Name, ProfileID: profile.ID}
	}
	return out, nil
}

// buildCohereBody translates req into Cohere v2's payload: topP/topK/stop
// renamed to p/k/stop_sequences, tool definitions in the
// {type: "function", function: {name, description, parameters}} shape
// with a JSON Schema parameters object (§4.3.1, §4.3.3).
func buildCohereBody(req *dispatch.NormalizedRequest) map[string]any {
	body := map[string]any{
		"model":    req.ModelID,
		"messages": convertMessagesCohere(req.Messages),
	}

	params := builder.ExtractCommonParameters(req)
	if params.Temperature != nil {
		body["temperature"] = *params.Temperature
	}
	if params.TopP != nil {
		body["p"] = *params.TopP
	}
	if params.TopK != nil {
		body["k"] = *params.TopK
	}
	if params.MaxTokens != nil {
		body["max_tokens"] = *params.MaxTokens
	}
	if params.FrequencyPenalty != nil {
		body["frequency_penalty"] = *params.FrequencyPenalty
	}
	if params.PresencePenalty != nil {
		body["presence_penalty"] = *params.PresencePenalty
	}
	if params.Seed != nil {
		body["seed"] = *params.Seed
	}
	if len(params.Stop) > 0 {
		body["stop_sequences"] = params.Stop
	}

	if len(req.Tools) > 0 {
		specs := builder.ExtractToolDefinitions(req.Tools)
		tools := make([]map[string]any, len(specs))
		for i, t := range specs {
			tools[i] = map[string]any{
				"type": "function",
				"function": map[string]any{
					"name":        t.Name,
					"description": t.Description,
					"parameters":  t.Parameters,
				},
			}
		}
		body["tools"] = tools
	}
	if req.ToolChoice != nil {
		parsed := builder.ParseToolChoice(req.ToolChoice)
		if parsed.None {
			body["tool_choice"] = "NONE"
		} else if parsed.Required || parsed.FunctionName != "" {
			body["tool_choice"] = "REQUIRED"
		}
	}
	if req.Thinking != nil && req.Thinking.Enabled {
		budget := req.Thinking.Budget
		if budget <= 0 {
			budget = 1024
		}
		body["thinking"] = map[string]any{"type": "enabled", "budget_tokens": budget}
	} else if req.Thinking != nil {
		body["thinking"] = map[string]any{"type": "disabled"}
	}

	builder.ApplyCustomParameters(body, req)
	builder.CleanPayload(body)
	return body
}

func convertMessagesCohere(messages []dispatch.Message) []map[string]any {
	var out []map[string]any
	for _, msg := range messages {
		if !msg.HasParts() {
			out = append(out, map[string]any{"role": cohereRole(msg.Role), "content": msg.Text})
			continue
		}

		parsed := builder.ParseMessageContents(msg.Parts)

		for _, tr := range parsed.ToolResult {
			out = append(out, map[string]any{
				"role":         "tool",
				"tool_call_id": tr.ToolResultID,
				"content":      tr.ToolResult,
			})
		}

		if len(parsed.Text) == 0 && len(parsed.ToolUse) == 0 {
			continue
		}

		var text string
		for _, p := range parsed.Text {
			text += p.Text
		}
		entry := map[string]any{"role": cohereRole(msg.Role), "content": text}
		if len(parsed.ToolUse) > 0 {
			var calls []map[string]any
			for _, tu := range parsed.ToolUse {
				args, _ := json.Marshal(tu.ToolInput)
				calls = append(calls, map[string]any{
					"id":   tu.ToolUseID,
					"type": "function",
					"function": map[string]any{
						"name":      tu.ToolName,
						"arguments": string(args),
					},
				})
			}
			entry["tool_calls"] = calls
		}
		out = append(out, entry)
	}
	return out
}

func cohereRole(role dispatch.Role) string {
	if role == dispatch.RoleTool {
		return "tool"
	}
	return string(role)
}

// --- non-stream response shape ---

type cohereResponse struct {
	Message struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
		ToolCalls []struct {
			ID       string `json:"id"`
			Function struct {
				Name      string `json:"name"`
				Arguments string `json:"arguments"`
			} `json:"function"`
		} `json:"tool_calls"`
	} `json:"message"`
	FinishReason string `json:"finish_reason"`
	Usage        *struct {
		Tokens struct {
			InputTokens  float64 `json:"input_tokens"`
			OutputTokens float64 `json:"output_tokens"`
		} `json:"tokens"`
	} `json:"usage"`
}

func normalizeCohereResponse(parsed cohereResponse, isStream bool) *dispatch.NormalizedResponse {
	out := &dispatch.NormalizedResponse{IsStream: isStream, FinishReason: mapCohereFinishReason(parsed.FinishReason)}
	for _, c := range parsed.Message.Content {
		if c.Type == "text" {
			out.Content += c.Text
		}
	}
	for _, tc := range parsed.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, dispatch.ToolCall{ID: tc.ID, Name: tc.Function.Name, Arguments: tc.Function.Arguments})
	}
	if len(out.ToolCalls) > 0 {
		out.FinishReason = dispatch.FinishToolCalls
	}
	if parsed.Usage != nil {
		in := int(parsed.Usage.Tokens.InputTokens)
		outTok := int(parsed.Usage.Tokens.OutputTokens)
		out.Usage = &dispatch.Usage{PromptTokens: in, CompletionTokens: outTok, TotalTokens: in + outTok}
	}
	return out
}

func mapCohereFinishReason(reason string) dispatch.FinishReason {
	switch reason {
	case "COMPLETE":
		return dispatch.FinishStop
	case "MAX_TOKENS":
		return dispatch.FinishMaxTokens
	case "TOOL_CALL":
		return dispatch.FinishToolCalls
	default:
		return dispatch.FinishUnknown
	}
}

// --- streaming ---

type cohereStreamAccumulator struct {
	content      string
	toolCalls    map[int]*accumulatingToolCall
	toolOrder    []int
	finishReason dispatch.FinishReason
	usage        *dispatch.Usage
}

func newCohereStreamAccumulator() *cohereStreamAccumulator {
	return &cohereStreamAccumulator{toolCalls: make(map[int]*accumulatingToolCall)}
}

type cohereStreamEvent struct {
	Type  string `json:"type"`
	Delta *struct {
		Message *struct {
			Content *struct {
				Text string `json:"text"`
			} `json:"content"`
			ToolCalls *struct {
				Index    int    `json:"index"`
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
		Usage        *struct {
			Tokens struct {
				InputTokens  float64 `json:"input_tokens"`
				OutputTokens float64 `json:"output_tokens"`
			} `json:"tokens"`
		} `json:"usage"`
	} `json:"delta"`
}

func (acc *cohereStreamAccumulator) consume(data string, req *dispatch.NormalizedRequest) error {
	var ev cohereStreamEvent
	if err := json.Unmarshal([]byte(data), &ev); err != nil {
		return err
	}
	if ev.Delta == nil {
		return nil
	}
	if ev.Delta.Message != nil && ev.Delta.Message.Content != nil && ev.Delta.Message.Content.Text != "" {
		acc.content += ev.Delta.Message.Content.Text
		if req.OnStream != nil {
			req.OnStream(ev.Delta.Message.Content.Text)
		}
	}
	if ev.Delta.Message != nil && ev.Delta.Message.ToolCalls != nil {
		tc := ev.Delta.Message.ToolCalls
		existing, ok := acc.toolCalls[tc.Index]
		if !ok {
			existing = &accumulatingToolCall{}
			acc.toolCalls[tc.Index] = existing
			acc.toolOrder = append(acc.toolOrder, tc.Index)
		}
		existing.id = firstNonEmpty(existing.id, tc.ID)
		existing.name = firstNonEmpty(existing.name, tc.Function.Name)
		existing.arguments += tc.Function.Arguments
	}
	if ev.Delta.FinishReason != "" {
		acc.finishReason = mapCohereFinishReason(ev.Delta.FinishReason)
	}
	if ev.Delta.Usage != nil {
		in := int(ev.Delta.Usage.Tokens.InputTokens)
		outTok := int(ev.Delta.Usage.Tokens.OutputTokens)
		acc.usage = &dispatch.Usage{PromptTokens: in, CompletionTokens: outTok, TotalTokens: in + outTok}
	}
	return nil
}

func (acc *cohereStreamAccumulator) result() *dispatch.NormalizedResponse {
	out := &dispatch.NormalizedResponse{Content: acc.content, FinishReason: acc.finishReason, Usage: acc.usage, IsStream: true}
	for _, idx := range acc.toolOrder {
		tc := acc.toolCalls[idx]
		out.ToolCalls = append(out.ToolCalls, dispatch.ToolCall{ID: tc.id, Name: tc.name, Arguments: tc.arguments})
	}
	if len(out.ToolCalls) > 0 {
		out.FinishReason = dispatch.FinishToolCalls
	}
	return out
}
