package adapters

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/taipm/llmdispatch/dispatch"
	"github.com/taipm/llmdispatch/dispatch/builder"
	"github.com/taipm/llmdispatch/dispatch/sse"
	"github.com/taipm/llmdispatch/dispatch/transport"
)

// OpenAICompatibleAdapter speaks the OpenAI Chat Completions wire format
// (§4.3.3) shared by OpenAI itself and the many third parties that mirror
// its shape. The Dispatcher also falls back to this adapter for unknown
// profile types (§4.1 step 6, §8 "unknown provider fallback" scenario).
type OpenAICompatibleAdapter struct {
	Transport *transport.Transport
	Logger    dispatch.Logger
}

func NewOpenAICompatibleAdapter(t *transport.Transport, logger dispatch.Logger) *OpenAICompatibleAdapter {
	if logger == nil {
		logger = &dispatch.NoopLogger{}
	}
	return &OpenAICompatibleAdapter{Transport: t, Logger: logger}
}

func (a *OpenAICompatibleAdapter) BuildURL(baseURL, endpoint string) string {
	return buildOpenAICompatibleURL(baseURL, endpoint)
}

func (a *OpenAICompatibleAdapter) Chat(ctx context.Context, profile *dispatch.Profile, req *dispatch.NormalizedRequest) (*dispatch.NormalizedResponse, error) {
	endpoint := profile.Endpoints.Chat
	url := a.BuildURL(profile.BaseURL, endpoint)

	body := buildOpenAIBody(req)

	headers := map[string]string{"Authorization": "Bearer " + firstKey(profile)}

	if req.StreamEnabled() {
		return a.streamChat(ctx, profile, req, url, headers, body)
	}
	return a.nonStreamChat(ctx, profile, req, url, headers, body)
}

func (a *OpenAICompatibleAdapter) nonStreamChat(ctx context.Context, profile *dispatch.Profile, req *dispatch.NormalizedRequest, url string, headers map[string]string, body map[string]any) (*dispatch.NormalizedResponse, error) {
	body["stream"] = false
	resp, err := doJSON(ctx, a.Transport, profile, req, requestOptions{method: "POST", url: url, headers: headers, body: body})
	if err != nil {
		return nil, err
	}
	raw, err := readAll(resp)
	if err != nil {
		return nil, err
	}

	var parsed openAIResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, dispatch.NewParseError("openai-compatible response", err)
	}
	return normalizeOpenAIResponse(parsed, false), nil
}

func (a *OpenAICompatibleAdapter) streamChat(ctx context.Context, profile *dispatch.Profile, req *dispatch.NormalizedRequest, url string, headers map[string]string, body map[string]any) (*dispatch.NormalizedResponse, error) {
	body["stream"] = true
	headers["Accept"] = "text/event-stream"
	resp, err := doJSON(ctx, a.Transport, profile, req, requestOptions{method: "POST", url: url, headers: headers, body: body})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	acc := newOpenAIStreamAccumulator()
	err = sse.Scan(ctx, resp.Body, func(ev sse.Event) error {
		return acc.consume(ev.Data, req)
	})
	if err != nil {
		return nil, dispatch.NewParseError("openai-compatible stream", err)
	}
	return acc.result(), nil
}

func (a *OpenAICompatibleAdapter) FetchModels(ctx context.Context, profile *dispatch.Profile) ([]dispatch.ModelDescriptor, error) {
	endpoint := profile.Endpoints.Models
	if endpoint == "" {
		endpoint = "models"
	}
	url := a.BuildURL(profile.BaseURL, endpoint)
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
		return nil, dispatch.NewParseError("openai-compatible models response", err)
	}
	out := make([]dispatch.ModelDescriptor, len(parsed.Data))
	for i, m := range parsed.Data {
		out[i] = dispatch.ModelDescriptor{ID: m.ID, ProfileID: profile.ID}
	}
	return out, nil
}

// Embed implements dispatch.EmbeddingAdapter against the OpenAI embeddings
// endpoint (§4.3.3): a single batched request carrying every input string,
// with one vector per returned item carrying the server-reported Index.
// Vectors keep the order of the response's data array; they are not
// re-sorted by Index.
func (a *OpenAICompatibleAdapter) Embed(ctx context.Context, profile *dispatch.Profile, modelID string, input []string) ([]dispatch.EmbeddingVector, *dispatch.EmbeddingUsage, error) {
	endpoint := profile.Endpoints.Embed
	if endpoint == "" {
		endpoint = "embeddings"
	}
	url := a.BuildURL(profile.BaseURL, endpoint)
	headers := map[string]string{"Authorization": "Bearer " + firstKey(profile)}
	body := map[string]any{"model": modelID, "input": input}

	resp, err := doJSON(ctx, a.Transport, profile, &dispatch.NormalizedRequest{}, requestOptions{method: "POST", url: url, headers: headers, body: body})
	if err != nil {
		return nil, nil, err
	}
	raw, err := readAll(resp)
	if err != nil {
		return nil, nil, err
	}

	var parsed struct {
		Data []struct {
			Index     int       `json:"index"`
			Embedding []float64 `json:"embedding"`
		} `json:"data"`
		Usage *struct {
			PromptTokens int `json:"prompt_tokens"`
			TotalTokens  int `json:"total_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, nil, dispatch.NewParseError("openai-compatible embeddings response", err)
	}

	vectors := make([]dispatch.EmbeddingVector, len(parsed.Data))
	for i, d := range parsed.Data {
		vectors[i] = dispatch.EmbeddingVector{Index: d.Index, Values: d.Embedding}
	}
	var usage *dispatch.EmbeddingUsage
	if parsed.Usage != nil {
		usage = &dispatch.EmbeddingUsage{PromptTokens: parsed.Usage.PromptTokens, TotalTokens: parsed.Usage.TotalTokens}
	}
	return vectors, usage, nil
}

func firstKey(profile *dispatch.Profile) string {
	if len(profile.APIKeys) == 0 {
		return ""
	}
	return profile.APIKeys[0]
}

// buildOpenAIBody translates req into the OpenAI Chat Completions payload
// shape (§4.3.3): message array, 1:1 generation parameters, tools,
// tool_choice, then custom-parameter passthrough and payload sanitization
// (§4.3.1).
func buildOpenAIBody(req *dispatch.NormalizedRequest) map[string]any {
	body := map[string]any{
		"model":    req.ModelID,
		"messages": convertMessagesOpenAI(req.Messages),
	}

	params := builder.ExtractCommonParameters(req)
	if params.Temperature != nil {
		body["temperature"] = *params.Temperature
	}
	if params.TopP != nil {
		body["top_p"] = *params.TopP
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
		body["stop"] = params.Stop
	}

	if len(req.Tools) > 0 {
		body["tools"] = convertToolsOpenAI(req.Tools)
	}
	if req.ToolChoice != nil {
		body["tool_choice"] = convertToolChoiceOpenAI(req.ToolChoice)
	}
	if req.Thinking != nil && req.Thinking.Effort != "" {
		body["reasoning_effort"] = req.Thinking.Effort
	}

	builder.ApplyCustomParameters(body, req)
	builder.CleanPayload(body)
	return body
}

func convertToolsOpenAI(tools []dispatch.ToolDefinition) []map[string]any {
	specs := builder.ExtractToolDefinitions(tools)
	out := make([]map[string]any, len(specs))
	for i, t := range specs {
		fn := map[string]any{
			"name":        t.Name,
			"description": t.Description,
			"parameters":  t.Parameters,
		}
		if t.Strict != nil {
			fn["strict"] = *t.Strict
		}
		out[i] = map[string]any{"type": "function", "function": fn}
	}
	return out
}

func convertToolChoiceOpenAI(tc *dispatch.ToolChoice) any {
	parsed := builder.ParseToolChoice(tc)
	switch {
	case parsed.None:
		return "none"
	case parsed.Required:
		return "required"
	case parsed.FunctionName != "":
		return map[string]any{"type": "function", "function": map[string]any{"name": parsed.FunctionName}}
	default:
		return "auto"
	}
}

// convertMessagesOpenAI translates the normalized Message list into the
// OpenAI wire shape, expanding a message with tool_result parts into one
// role:"tool" message per part and attaching tool_use parts to the
// owning assistant message as tool_calls (§4.3.3).
func convertMessagesOpenAI(messages []dispatch.Message) []map[string]any {
	var out []map[string]any
	for _, msg := range messages {
		if !msg.HasParts() {
			out = append(out, map[string]any{"role": string(msg.Role), "content": msg.Text})
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

		if len(parsed.Text) == 0 && len(parsed.Images) == 0 && len(parsed.ToolUse) == 0 {
			continue
		}

		entry := map[string]any{"role": string(msg.Role)}
		if len(parsed.Images) == 0 {
			var text string
			for _, p := range parsed.Text {
				text += p.Text
			}
			if text != "" || len(parsed.ToolUse) == 0 {
				entry["content"] = text
			}
		} else {
			var contentArr []map[string]any
			for _, p := range parsed.Text {
				contentArr = append(contentArr, map[string]any{"type": "text", "text": p.Text})
			}
			for _, p := range parsed.Images {
				contentArr = append(contentArr, map[string]any{
					"type":      "image_url",
					"image_url": map[string]any{"url": imageDataURL(p)},
				})
			}
			entry["content"] = contentArr
		}

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

		if msg.ToolCallID != "" {
			entry["tool_call_id"] = msg.ToolCallID
		}

		out = append(out, entry)
	}
	return out
}

func imageDataURL(p dispatch.ContentPart) string {
	if p.Media == nil {
		return ""
	}
	if p.Media.URL != "" {
		return p.Media.URL
	}
	mime := p.Media.MIME
	if mime == "" {
		mime = builder.InferImageMIME("", p.Media.Base64)
	}
	return fmt.Sprintf("data:%s;base64,%s", mime, p.Media.Base64)
}

// --- non-stream response shape ---

type openAIResponse struct {
	Choices []struct {
		Message struct {
			Content   string `json:"content"`
			ToolCalls []struct {
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

func normalizeOpenAIResponse(parsed openAIResponse, isStream bool) *dispatch.NormalizedResponse {
	out := &dispatch.NormalizedResponse{IsStream: isStream}
	if len(parsed.Choices) > 0 {
		choice := parsed.Choices[0]
		out.Content = choice.Message.Content
		out.FinishReason = mapOpenAIFinishReason(choice.FinishReason)
		for _, tc := range choice.Message.ToolCalls {
			out.ToolCalls = append(out.ToolCalls, dispatch.ToolCall{ID: tc.ID, Name: tc.Function.Name, Arguments: tc.Function.Arguments})
		}
	}
	if parsed.Usage != nil {
		out.Usage = &dispatch.Usage{
			PromptTokens:     parsed.Usage.PromptTokens,
			CompletionTokens: parsed.Usage.CompletionTokens,
			TotalTokens:      parsed.Usage.TotalTokens,
		}
	}
	return out
}

func mapOpenAIFinishReason(reason string) dispatch.FinishReason {
	switch reason {
	case "stop":
		return dispatch.FinishStop
	case "length":
		return dispatch.FinishMaxTokens
	case "content_filter":
		return dispatch.FinishContentFilter
	case "tool_calls", "function_call":
		return dispatch.FinishToolCalls
	default:
		return dispatch.FinishUnknown
	}
}

// --- streaming ---

type openAIStreamAccumulator struct {
	content          string
	reasoningContent string
	finishReason     dispatch.FinishReason
	usage            *dispatch.Usage
	toolCalls        map[int]*accumulatingToolCall
	toolOrder        []int
}

type accumulatingToolCall struct {
	id        string
	name      string
	arguments string
}

func newOpenAIStreamAccumulator() *openAIStreamAccumulator {
	return &openAIStreamAccumulator{toolCalls: make(map[int]*accumulatingToolCall)}
}

type openAIStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content          string `json:"content"`
			ReasoningContent string `json:"reasoning_content"`
			ToolCalls        []struct {
				Index    int    `json:"index"`
				ID       string `json:"id"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

func (acc *openAIStreamAccumulator) consume(data string, req *dispatch.NormalizedRequest) error {
	var chunk openAIStreamChunk
	if err := json.Unmarshal([]byte(data), &chunk); err != nil {
		return err
	}
	if chunk.Usage != nil {
		acc.usage = &dispatch.Usage{
			PromptTokens:     chunk.Usage.PromptTokens,
			CompletionTokens: chunk.Usage.CompletionTokens,
			TotalTokens:      chunk.Usage.TotalTokens,
		}
	}
	if len(chunk.Choices) == 0 {
		return nil
	}
	choice := chunk.Choices[0]
	if choice.Delta.Content != "" {
		acc.content += choice.Delta.Content
		if req.OnStream != nil {
			req.OnStream(choice.Delta.Content)
		}
	}
	if choice.Delta.ReasoningContent != "" {
		acc.reasoningContent += choice.Delta.ReasoningContent
		if req.OnReasoningStream != nil {
			req.OnReasoningStream(choice.Delta.ReasoningContent)
		}
	}
	for _, tc := range choice.Delta.ToolCalls {
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
	if choice.FinishReason != "" {
		acc.finishReason = mapOpenAIFinishReason(choice.FinishReason)
	}
	return nil
}

func (acc *openAIStreamAccumulator) result() *dispatch.NormalizedResponse {
	out := &dispatch.NormalizedResponse{
		Content:          acc.content,
		ReasoningContent: acc.reasoningContent,
		FinishReason:     acc.finishReason,
		Usage:            acc.usage,
		IsStream:         true,
	}
	for _, idx := range acc.toolOrder {
		tc := acc.toolCalls[idx]
		out.ToolCalls = append(out.ToolCalls, dispatch.ToolCall{ID: tc.id, Name: tc.name, Arguments: tc.arguments})
	}
	return out
}
