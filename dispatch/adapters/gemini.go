package adapters

import (
	"context"
	"encoding/json"

	"github.com/taipm/llmdispatch/dispatch"
	"github.com/taipm/llmdispatch/dispatch/builder"
	"github.com/taipm/llmdispatch/dispatch/sse"
	"github.com/taipm/llmdispatch/dispatch/transport"
)

// GeminiAdapter speaks the Gemini generateContent/streamGenerateContent
// wire format (§4.3.3): system messages coalesce into a top-level
// systemInstruction, parts use Gemini's {text}/{inlineData}/{functionCall}/
// {functionResponse} shapes, and streamed parts carry an optional
// `thought: true` flag the adapter routes to ReasoningContent instead of
// Content (§4.3.4, §8.8).
type GeminiAdapter struct {
	Transport *transport.Transport
	Logger    dispatch.Logger
}

func NewGeminiAdapter(t *transport.Transport, logger dispatch.Logger) *GeminiAdapter {
	if logger == nil {
		logger = &dispatch.NoopLogger{}
	}
	return &GeminiAdapter{Transport: t, Logger: logger}
}

func (a *GeminiAdapter) BuildURL(baseURL, endpoint string) string {
	if endpoint == "" {
		endpoint = "models"
	}
	return buildVersionedURL(baseURL, "v1beta", endpoint, endpoint)
}

// modelURL builds the full generateContent/streamGenerateContent URL,
// which unlike the other adapters embeds the model id and the action
// verb directly in the path rather than the body.
func (a *GeminiAdapter) modelURL(profile *dispatch.Profile, modelID, action string) string {
	endpoint := "models/" + modelID + ":" + action
	return buildVersionedURL(profile.BaseURL, "v1beta", endpoint, endpoint)
}

func (a *GeminiAdapter) Chat(ctx context.Context, profile *dispatch.Profile, req *dispatch.NormalizedRequest) (*dispatch.NormalizedResponse, error) {
	body, err := buildGeminiBody(req)
	if err != nil {
		return nil, err
	}

	action := "generateContent"
	if req.StreamEnabled() {
		action = "streamGenerateContent?alt=sse"
	}
	url := a.modelURL(profile, req.ModelID, action)
	headers := map[string]string{"x-goog-api-key": firstKey(profile)}

	if req.StreamEnabled() {
		return a.streamChat(ctx, profile, req, url, headers, body)
	}
	return a.nonStreamChat(ctx, profile, req, url, headers, body)
}

func (a *GeminiAdapter) nonStreamChat(ctx context.Context, profile *dispatch.Profile, req *dispatch.NormalizedRequest, url string, headers map[string]string, body map[string]any) (*dispatch.NormalizedResponse, error) {
	resp, err := doJSON(ctx, a.Transport, profile, req, requestOptions{method: "POST", url: url, headers: headers, body: body})
	if err != nil {
		return nil, err
	}
	raw, err := readAll(resp)
	if err != nil {
		return nil, err
	}
	var parsed geminiResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, dispatch.NewParseError("gemini response", err)
	}
	return normalizeGeminiResponse(parsed, false), nil
}

func (a *GeminiAdapter) streamChat(ctx context.Context, profile *dispatch.Profile, req *dispatch.NormalizedRequest, url string, headers map[string]string, body map[string]any) (*dispatch.NormalizedResponse, error) {
	headers["Accept"] = "text/event-stream"
	resp, err := doJSON(ctx, a.Transport, profile, req, requestOptions{method: "POST", url: url, headers: headers, body: body})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	acc := &geminiStreamAccumulator{}
	err = sse.Scan(ctx, resp.Body, func(ev sse.Event) error {
		return acc.consume(ev.Data, req)
	})
	if err != nil {
		return nil, dispatch.NewParseError("gemini stream", err)
	}
	return acc.result(), nil
}

func (a *GeminiAdapter) FetchModels(ctx context.Context, profile *dispatch.Profile) ([]dispatch.ModelDescriptor, error) {
	url := buildVersionedURL(profile.BaseURL, "v1beta", "models", "models")
	headers := map[string]string{"x-goog-api-key": firstKey(profile)}

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
		return nil, dispatch.NewParseError("gemini models response", err)
	}
	out := make([]dispatch.ModelDescriptor, len(parsed.Models))
	for i, m := range parsed.Models {
		out[i] = dispatch.ModelDescriptor{ID: m.Name, ProfileID: profile.ID}
	}
	return out, nil
}

// buildGeminiBody translates req into Gemini's generateContent payload:
// systemInstruction pulled out of the message array, generationConfig
// carrying the common parameters under Gemini's own key names, and an
// explicit rejection of any image part sourced from a remote fileUri —
// Gemini's Files API upload flow is out of scope here, only inline
// base64 data is supported (§4.3.1).
func buildGeminiBody(req *dispatch.NormalizedRequest) (map[string]any, error) {
	system, rest := splitClaudeSystem(req.Messages) // same system-extraction rule as Claude

	contents, err := convertMessagesGemini(rest)
	if err != nil {
		return nil, err
	}

	body := map[string]any{"contents": contents}
	if system != "" {
		body["systemInstruction"] = map[string]any{"parts": []map[string]any{{"text": system}}}
	}

	genConfig := map[string]any{}
	params := builder.ExtractCommonParameters(req)
	if params.Temperature != nil {
		genConfig["temperature"] = *params.Temperature
	}
	if params.TopP != nil {
		genConfig["topP"] = *params.TopP
	}
	if params.TopK != nil {
		genConfig["topK"] = *params.TopK
	}
	if params.MaxTokens != nil {
		genConfig["maxOutputTokens"] = *params.MaxTokens
	}
	if len(params.Stop) > 0 {
		genConfig["stopSequences"] = params.Stop
	}
	if req.Thinking != nil && req.Thinking.Enabled {
		thinkingConfig := map[string]any{"includeThoughts": true}
		if req.Thinking.Budget > 0 {
			thinkingConfig["thinkingBudget"] = req.Thinking.Budget
		}
		genConfig["thinkingConfig"] = thinkingConfig
	}
	if len(genConfig) > 0 {
		body["generationConfig"] = genConfig
	}

	if len(req.Tools) > 0 {
		specs := builder.ExtractToolDefinitions(req.Tools)
		decls := make([]map[string]any, len(specs))
		for i, t := range specs {
			decls[i] = map[string]any{"name": t.Name, "description": t.Description, "parameters": t.Parameters}
		}
		body["tools"] = []map[string]any{{"functionDeclarations": decls}}
	}
	if req.ToolChoice != nil {
		parsed := builder.ParseToolChoice(req.ToolChoice)
		mode := "AUTO"
		var allowed []string
		switch {
		case parsed.None:
			mode = "NONE"
		case parsed.Required:
			mode = "ANY"
		case parsed.FunctionName != "":
			mode = "ANY"
			allowed = []string{parsed.FunctionName}
		}
		cfg := map[string]any{"mode": mode}
		if len(allowed) > 0 {
			cfg["allowedFunctionNames"] = allowed
		}
		body["toolConfig"] = map[string]any{"functionCallingConfig": cfg}
	}

	builder.ApplyCustomParameters(body, req)
	builder.CleanPayload(body)
	return body, nil
}

// convertMessagesGemini maps role (user/model only — "assistant" becomes
// "model", "tool" collapses into a user-role functionResponse part, same
// as Claude's tool_result handling) and rejects remote image references.
func convertMessagesGemini(messages []dispatch.Message) ([]map[string]any, error) {
	var out []map[string]any
	for _, msg := range messages {
		role := geminiRole(msg.Role)
		if !msg.HasParts() {
			out = append(out, map[string]any{"role": role, "parts": []map[string]any{{"text": msg.Text}}})
			continue
		}

		parsed := builder.ParseMessageContents(msg.Parts)
		var parts []map[string]any
		for _, p := range parsed.Text {
			parts = append(parts, map[string]any{"text": p.Text})
		}
		for _, p := range parsed.Images {
			if p.Media == nil || p.Media.Base64 == "" {
				return nil, dispatch.NewParseError("gemini message content", errUnsupportedContentVariant)
			}
			mime := firstNonEmpty(p.Media.MIME, builder.InferImageMIME("", p.Media.Base64))
			parts = append(parts, map[string]any{"inlineData": map[string]any{"mimeType": mime, "data": p.Media.Base64}})
		}
		for _, p := range parsed.ToolUse {
			parts = append(parts, map[string]any{"functionCall": map[string]any{"name": p.ToolName, "args": p.ToolInput}})
		}
		for _, p := range parsed.ToolResult {
			var response any = map[string]any{"content": p.ToolResult}
			parts = append(parts, map[string]any{"functionResponse": map[string]any{"name": p.ToolResultID, "response": response}})
		}
		out = append(out, map[string]any{"role": role, "parts": parts})
	}
	return out, nil
}

func geminiRole(role dispatch.Role) string {
	if role == dispatch.RoleAssistant {
		return "model"
	}
	return "user"
}

// --- non-stream response shape ---

type geminiPart struct {
	Text             string         `json:"text"`
	Thought          bool           `json:"thought"`
	FunctionCall     *geminiFuncCall `json:"functionCall"`
}

type geminiFuncCall struct {
	Name string         `json:"name"`
	Args map[string]any `json:"args"`
}

type geminiResponse struct {
	Candidates []struct {
		Content struct {
			Parts []geminiPart `json:"parts"`
		} `json:"content"`
		FinishReason string `json:"finishReason"`
	} `json:"candidates"`
	UsageMetadata *struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		TotalTokenCount      int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
}

// normalizeGeminiResponse routes every part whose `thought` flag is true
// into ReasoningContent rather than Content — the literal behavior spec
// §8.8 tests end to end.
func normalizeGeminiResponse(parsed geminiResponse, isStream bool) *dispatch.NormalizedResponse {
	out := &dispatch.NormalizedResponse{IsStream: isStream}
	if len(parsed.Candidates) > 0 {
		cand := parsed.Candidates[0]
		out.FinishReason = mapGeminiFinishReason(cand.FinishReason)
		for _, part := range cand.Content.Parts {
			switch {
			case part.FunctionCall != nil:
				args, _ := json.Marshal(part.FunctionCall.Args)
				out.ToolCalls = append(out.ToolCalls, dispatch.ToolCall{Name: part.FunctionCall.Name, Arguments: string(args)})
			case part.Thought:
				out.ReasoningContent += part.Text
			default:
				out.Content += part.Text
			}
		}
		if len(out.ToolCalls) > 0 {
			out.FinishReason = dispatch.FinishToolCalls
		}
	}
	if parsed.UsageMetadata != nil {
		out.Usage = &dispatch.Usage{
			PromptTokens:     parsed.UsageMetadata.PromptTokenCount,
			CompletionTokens: parsed.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      parsed.UsageMetadata.TotalTokenCount,
		}
	}
	return out
}

func mapGeminiFinishReason(reason string) dispatch.FinishReason {
	switch reason {
	case "STOP":
		return dispatch.FinishStop
	case "MAX_TOKENS":
		return dispatch.FinishMaxTokens
	case "SAFETY", "RECITATION":
		return dispatch.FinishContentFilter
	default:
		return dispatch.FinishUnknown
	}
}

// --- streaming ---

// geminiStreamAccumulator consumes streamGenerateContent's SSE frames,
// each of which is a complete geminiResponse chunk (not a delta object
// like the other providers), and appends its parts in arrival order,
// still routing thought parts to ReasoningContent (§4.3.4, §8.8).
type geminiStreamAccumulator struct {
	content          string
	reasoningContent string
	toolCalls        []dispatch.ToolCall
	finishReason     dispatch.FinishReason
	usage            *dispatch.Usage
}

func (acc *geminiStreamAccumulator) consume(data string, req *dispatch.NormalizedRequest) error {
	var chunk geminiResponse
	if err := json.Unmarshal([]byte(data), &chunk); err != nil {
		return err
	}
	if len(chunk.Candidates) == 0 {
		return nil
	}
	cand := chunk.Candidates[0]
	if cand.FinishReason != "" {
		acc.finishReason = mapGeminiFinishReason(cand.FinishReason)
	}
	for _, part := range cand.Content.Parts {
		switch {
		case part.FunctionCall != nil:
			args, _ := json.Marshal(part.FunctionCall.Args)
			acc.toolCalls = append(acc.toolCalls, dispatch.ToolCall{Name: part.FunctionCall.Name, Arguments: string(args)})
		case part.Thought:
			acc.reasoningContent += part.Text
			if req.OnReasoningStream != nil {
				req.OnReasoningStream(part.Text)
			}
		default:
			acc.content += part.Text
			if req.OnStream != nil {
				req.OnStream(part.Text)
			}
		}
	}
	if chunk.UsageMetadata != nil {
		acc.usage = &dispatch.Usage{
			PromptTokens:     chunk.UsageMetadata.PromptTokenCount,
			CompletionTokens: chunk.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      chunk.UsageMetadata.TotalTokenCount,
		}
	}
	return nil
}

func (acc *geminiStreamAccumulator) result() *dispatch.NormalizedResponse {
	finish := acc.finishReason
	if len(acc.toolCalls) > 0 {
		finish = dispatch.FinishToolCalls
	}
	return &dispatch.NormalizedResponse{
		Content:          acc.content,
		ReasoningContent: acc.reasoningContent,
		ToolCalls:        acc.toolCalls,
		FinishReason:     finish,
		Usage:            acc.usage,
		IsStream:         true,
	}
}
