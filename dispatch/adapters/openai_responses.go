package adapters

import (
	"context"
	"encoding/json"

	"github.com/taipm/llmdispatch/dispatch"
	"github.com/taipm/llmdispatch/dispatch/builder"
	"github.com/taipm/llmdispatch/dispatch/sse"
	"github.com/taipm/llmdispatch/dispatch/transport"
)

// OpenAIResponsesAdapter speaks OpenAI's stateful Responses API: an
// `input` item array instead of `messages`, `previous_response_id` for
// server-side conversation continuation, and a differently shaped
// streaming event protocol (response.output_text.delta / response.completed)
// (§4.3.3).
type OpenAIResponsesAdapter struct {
	Transport *transport.Transport
	Logger    dispatch.Logger
}

func NewOpenAIResponsesAdapter(t *transport.Transport, logger dispatch.Logger) *OpenAIResponsesAdapter {
	if logger == nil {
		logger = &dispatch.NoopLogger{}
	}
	return &OpenAIResponsesAdapter{Transport: t, Logger: logger}
}

func (a *OpenAIResponsesAdapter) BuildURL(baseURL, endpoint string) string {
	if endpoint == "" {
		endpoint = "responses"
	}
	return buildOpenAICompatibleURL(baseURL, endpoint)
}

func (a *OpenAIResponsesAdapter) Chat(ctx context.Context, profile *dispatch.Profile, req *dispatch.NormalizedRequest) (*dispatch.NormalizedResponse, error) {
	endpoint := profile.Endpoints.Chat
	url := a.BuildURL(profile.BaseURL, endpoint)
	body := buildResponsesBody(req)
	headers := map[string]string{"Authorization": "Bearer " + firstKey(profile)}

	if req.StreamEnabled() {
		return a.streamChat(ctx, profile, req, url, headers, body)
	}
	return a.nonStreamChat(ctx, profile, req, url, headers, body)
}

func (a *OpenAIResponsesAdapter) nonStreamChat(ctx context.Context, profile *dispatch.Profile, req *dispatch.NormalizedRequest, url string, headers map[string]string, body map[string]any) (*dispatch.NormalizedResponse, error) {
	body["stream"] = false
	resp, err := doJSON(ctx, a.Transport, profile, req, requestOptions{method: "POST", url: url, headers: headers, body: body})
	if err != nil {
		return nil, err
	}
	raw, err := readAll(resp)
	if err != nil {
		return nil, err
	}
	var parsed responsesPayload
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, dispatch.NewParseError("openai responses response", err)
	}
	return normalizeResponsesPayload(parsed, false), nil
}

func (a *OpenAIResponsesAdapter) streamChat(ctx context.Context, profile *dispatch.Profile, req *dispatch.NormalizedRequest, url string, headers map[string]string, body map[string]any) (*dispatch.NormalizedResponse, error) {
	body["stream"] = true
	headers["Accept"] = "text/event-stream"
	resp, err := doJSON(ctx, a.Transport, profile, req, requestOptions{method: "POST", url: url, headers: headers, body: body})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	acc := &responsesStreamAccumulator{}
	err = sse.Scan(ctx, resp.Body, func(ev sse.Event) error {
		return acc.consume(ev.Data, req)
	})
	if err != nil {
		return nil, dispatch.NewParseError("openai responses stream", err)
	}
	return acc.result(), nil
}

func (a *OpenAIResponsesAdapter) FetchModels(ctx context.Context, profile *dispatch.Profile) ([]dispatch.ModelDescriptor, error) {
	endpoint := profile.Endpoints.Models
	if endpoint == "" {
		endpoint = "models"
	}
	url := buildOpenAICompatibleURL(profile.BaseURL, endpoint)
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
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, dispatch.NewParseError("openai responses models response", err)
	}
	out := make([]dispatch.ModelDescriptor, len(parsed.Data))
	for i, m := range parsed.Data {
		out[i] = dispatch.ModelDescriptor{ID: m.ID, ProfileID: profile.ID}
	}
	return out, nil
}

// buildResponsesBody translates req into the Responses API payload shape:
// an `input` item array in place of `messages`, function tools in the
// flat {type:"function", name, ...} shape (no nested "function" object),
// and the same reserved-key-aware custom-parameter passthrough as the
// Chat Completions adapter (§4.3.1, §4.3.3).
func buildResponsesBody(req *dispatch.NormalizedRequest) map[string]any {
	body := map[string]any{
		"model": req.ModelID,
		"input": convertMessagesResponses(req.Messages),
	}

	params := builder.ExtractCommonParameters(req)
	if params.Temperature != nil {
		body["temperature"] = *params.Temperature
	}
	if params.TopP != nil {
		body["top_p"] = *params.TopP
	}
	if params.MaxTokens != nil {
		body["max_output_tokens"] = *params.MaxTokens
	}

	if len(req.Tools) > 0 {
		specs := builder.ExtractToolDefinitions(req.Tools)
		tools := make([]map[string]any, len(specs))
		for i, t := range specs {
			tool := map[string]any{
				"type":        "function",
				"name":        t.Name,
				"description": t.Description,
				"parameters":  t.Parameters,
			}
			if t.Strict != nil {
				tool["strict"] = *t.Strict
			}
			tools[i] = tool
		}
		body["tools"] = tools
	}
	if req.ToolChoice != nil {
		body["tool_choice"] = convertToolChoiceOpenAI(req.ToolChoice)
	}
	if req.Thinking != nil && req.Thinking.Effort != "" {
		body["reasoning"] = map[string]any{"effort": req.Thinking.Effort}
	}

	builder.ApplyCustomParameters(body, req)
	builder.CleanPayload(body)
	return body
}

// convertMessagesResponses expands the normalized message list into
// Responses API input items: plain messages become {role, content:[...]},
// tool_use parts become standalone function_call items, tool_result parts
// become standalone function_call_output items (the Responses API has no
// concept of a "tool role" message; call and result are both top-level
// items correlated by call_id).
func convertMessagesResponses(messages []dispatch.Message) []map[string]any {
	var out []map[string]any
	for _, msg := range messages {
		if !msg.HasParts() {
			out = append(out, map[string]any{
				"role":    string(msg.Role),
				"content": []map[string]any{{"type": contentTypeFor(msg.Role), "text": msg.Text}},
			})
			continue
		}

		parsed := builder.ParseMessageContents(msg.Parts)

		if len(parsed.Text) > 0 || len(parsed.Images) > 0 {
			var content []map[string]any
			for _, p := range parsed.Text {
				content = append(content, map[string]any{"type": contentTypeFor(msg.Role), "text": p.Text})
			}
			for _, p := range parsed.Images {
				content = append(content, map[string]any{"type": "input_image", "image_url": imageDataURL(p)})
			}
			out = append(out, map[string]any{"role": string(msg.Role), "content": content})
		}

		for _, tu := range parsed.ToolUse {
			args, _ := json.Marshal(tu.ToolInput)
			out = append(out, map[string]any{
				"type":      "function_call",
				"call_id":   tu.ToolUseID,
				"name":      tu.ToolName,
				"arguments": string(args),
			})
		}
		for _, tr := range parsed.ToolResult {
			out = append(out, map[string]any{
				"type":    "function_call_output",
				"call_id": tr.ToolResultID,
				"output":  tr.ToolResult,
			})
		}
	}
	return out
}

func contentTypeFor(role dispatch.Role) string {
	if role == dispatch.RoleAssistant {
		return "output_text"
	}
	return "input_text"
}

// --- response shape ---

type responsesPayload struct {
	Output []struct {
		Type    string `json:"type"`
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
		CallID    string `json:"call_id"`
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"output"`
	Status string `json:"status"`
	Usage  *struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
		TotalTokens  int `json:"total_tokens"`
	} `json:"usage"`
}

func normalizeResponsesPayload(parsed responsesPayload, isStream bool) *dispatch.NormalizedResponse {
	out := &dispatch.NormalizedResponse{IsStream: isStream}
	for _, item := range parsed.Output {
		switch item.Type {
		case "message":
			for _, c := range item.Content {
				if c.Type == "output_text" {
					out.Content += c.Text
				}
			}
		case "reasoning":
			for _, c := range item.Content {
				out.ReasoningContent += c.Text
			}
		case "function_call":
			out.ToolCalls = append(out.ToolCalls, dispatch.ToolCall{ID: item.CallID, Name: item.Name, Arguments: item.Arguments})
		}
	}
	if len(out.ToolCalls) > 0 {
		out.FinishReason = dispatch.FinishToolCalls
	} else if parsed.Status == "incomplete" {
		out.FinishReason = dispatch.FinishMaxTokens
	} else {
		out.FinishReason = dispatch.FinishStop
	}
	if parsed.Usage != nil {
		out.Usage = &dispatch.Usage{
			PromptTokens:     parsed.Usage.InputTokens,
			CompletionTokens: parsed.Usage.OutputTokens,
			TotalTokens:       parsed.Usage.TotalTokens,
		}
	}
	return out
}

// --- streaming ---

type responsesStreamEvent struct {
	Type     string           `json:"type"`
	Delta    string           `json:"delta"`
	Response responsesPayload `json:"response"`
}

type responsesStreamAccumulator struct {
	content          string
	reasoningContent string
	final            *responsesPayload
}

func (acc *responsesStreamAccumulator) consume(data string, req *dispatch.NormalizedRequest) error {
	var ev responsesStreamEvent
	if err := json.Unmarshal([]byte(data), &ev); err != nil {
		return err
	}
	switch ev.Type {
	case "response.output_text.delta":
		acc.content += ev.Delta
		if req.OnStream != nil {
			req.OnStream(ev.Delta)
		}
	case "response.reasoning_summary_text.delta":
		acc.reasoningContent += ev.Delta
		if req.OnReasoningStream != nil {
			req.OnReasoningStream(ev.Delta)
		}
	case "response.completed", "response.incomplete":
		final := ev.Response
		acc.final = &final
	}
	return nil
}

func (acc *responsesStreamAccumulator) result() *dispatch.NormalizedResponse {
	if acc.final != nil {
		out := normalizeResponsesPayload(*acc.final, true)
		if out.Content == "" {
			out.Content = acc.content
		}
		if out.ReasoningContent == "" {
			out.ReasoningContent = acc.reasoningContent
		}
		return out
	}
	return &dispatch.NormalizedResponse{
		Content:          acc.content,
		ReasoningContent: acc.reasoningContent,
		FinishReason:     dispatch.FinishStop,
		IsStream:         true,
	}
}
