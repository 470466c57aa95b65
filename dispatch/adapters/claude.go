package adapters

import (
	"context"
	"encoding/json"

	"github.com/taipm/llmdispatch/dispatch"
	"github.com/taipm/llmdispatch/dispatch/builder"
	"github.com/taipm/llmdispatch/dispatch/sse"
	"github.com/taipm/llmdispatch/dispatch/transport"
)

const claudeDefaultMaxTokens = 4096

// ClaudeAdapter speaks the Anthropic Messages API (§4.3.3): system
// messages are concatenated out of the message array into a top-level
// `system` field, thinking is an explicit `{type:"enabled", budget_tokens}`
// block, and extended features ride the `anthropic-beta` header.
type ClaudeAdapter struct {
	Transport *transport.Transport
	Logger    dispatch.Logger
}

func NewClaudeAdapter(t *transport.Transport, logger dispatch.Logger) *ClaudeAdapter {
	if logger == nil {
		logger = &dispatch.NoopLogger{}
	}
	return &ClaudeAdapter{Transport: t, Logger: logger}
}

func (a *ClaudeAdapter) BuildURL(baseURL, endpoint string) string {
	return buildVersionedURL(baseURL, "v1", "messages", endpoint)
}

func (a *ClaudeAdapter) Chat(ctx context.Context, profile *dispatch.Profile, req *dispatch.NormalizedRequest) (*dispatch.NormalizedResponse, error) {
	endpoint := profile.Endpoints.Chat
	url := a.BuildURL(profile.BaseURL, endpoint)
	body := buildClaudeBody(req)

	headers := map[string]string{
		"x-api-key":         firstKey(profile),
		"anthropic-version": "2023-06-01",
		"anthropic-beta":    claudeBetaHeader(req),
	}

	if req.StreamEnabled() {
		return a.streamChat(ctx, profile, req, url, headers, body)
	}
	return a.nonStreamChat(ctx, profile, req, url, headers, body)
}

// claudeBetaHeader builds the anthropic-beta header value (§4.3.3, §6):
// files-api-2025-04-14 rides every request, and thinking-2025-12-05 joins
// it, comma-separated, whenever extended thinking is enabled.
func claudeBetaHeader(req *dispatch.NormalizedRequest) string {
	betas := []string{"files-api-2025-04-14"}
	if req.Thinking != nil && req.Thinking.Enabled {
		betas = append(betas, "thinking-2025-12-05")
	}
	header := betas[0]
	for _, b := range betas[1:] {
		header += "," + b
	}
	return header
}

func (a *ClaudeAdapter) nonStreamChat(ctx context.Context, profile *dispatch.Profile, req *dispatch.NormalizedRequest, url string, headers map[string]string, body map[string]any) (*dispatch.NormalizedResponse, error) {
	body["stream"] = false
	resp, err := doJSON(ctx, a.Transport, profile, req, requestOptions{method: "POST", url: url, headers: headers, body: body})
	if err != nil {
		return nil, err
	}
	raw, err := readAll(resp)
	if err != nil {
		return nil, err
	}
	var parsed claudeResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, dispatch.NewParseError("claude response", err)
	}
	return normalizeClaudeResponse(parsed, false), nil
}

func (a *ClaudeAdapter) streamChat(ctx context.Context, profile *dispatch.Profile, req *dispatch.NormalizedRequest, url string, headers map[string]string, body map[string]any) (*dispatch.NormalizedResponse, error) {
	body["stream"] = true
	headers["Accept"] = "text/event-stream"
	resp, err := doJSON(ctx, a.Transport, profile, req, requestOptions{method: "POST", url: url, headers: headers, body: body})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	acc := newClaudeStreamAccumulator()
	err = sse.Scan(ctx, resp.Body, func(ev sse.Event) error {
		return acc.consume(ev.Data, req)
	})
	if err != nil {
		return nil, dispatch.NewParseError("claude stream", err)
	}
	return acc.result(), nil
}

// FetchModels hits Anthropic's models-list endpoint, which shares the
// Messages API's versioning but not its base path.
func (a *ClaudeAdapter) FetchModels(ctx context.Context, profile *dispatch.Profile) ([]dispatch.ModelDescriptor, error) {
	endpoint := profile.Endpoints.Models
	if endpoint == "" {
		endpoint = "models"
	}
	url := buildVersionedURL(profile.BaseURL, "v1", "models", endpoint)
	headers := map[string]string{"x-api-key": firstKey(profile), "anthropic-version": "2023-06-01"}

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
		return nil, dispatch.NewParseError("claude models response", err)
	}
	out := make([]dispatch.ModelDescriptor, len(parsed.Data))
	for i, m := range parsed.Data {
		out[i] = dispatch.ModelDescriptor{ID: m.ID, ProfileID: profile.ID}
	}
	return out, nil
}

// buildClaudeBody translates req into the Messages API payload:
// system-role messages are pulled out and concatenated into a top-level
// `system` string (Anthropic has no system role in the messages array),
// max_tokens is required so an unset value gets a conservative default,
// and thinking becomes an explicit budgeted block (§4.3.1, §4.3.3).
func buildClaudeBody(req *dispatch.NormalizedRequest) map[string]any {
	system, rest := splitClaudeSystem(req.Messages)

	body := map[string]any{
		"model":    req.ModelID,
		"messages": convertMessagesClaude(rest),
	}
	if system != "" {
		body["system"] = system
	}

	params := builder.ExtractCommonParameters(req)
	if params.MaxTokens != nil {
		body["max_tokens"] = *params.MaxTokens
	} else {
		body["max_tokens"] = claudeDefaultMaxTokens
	}
	if params.Temperature != nil {
		body["temperature"] = *params.Temperature
	}
	if params.TopP != nil {
		body["top_p"] = *params.TopP
	}
	if params.TopK != nil {
		body["top_k"] = *params.TopK
	}
	if len(params.Stop) > 0 {
		body["stop_sequences"] = params.Stop
	}

	if len(req.Tools) > 0 {
		specs := builder.ExtractToolDefinitions(req.Tools)
		tools := make([]map[string]any, len(specs))
		for i, t := range specs {
			tools[i] = map[string]any{
				"name":         t.Name,
				"description":  t.Description,
				"input_schema": t.Parameters,
			}
		}
		body["tools"] = tools
	}
	if req.ToolChoice != nil {
		parsed := builder.ParseToolChoice(req.ToolChoice)
		switch {
		case parsed.None:
			// Anthropic has no explicit "none"; omit tools entirely via
			// the caller not supplying any, tool_choice is left unset.
		case parsed.Required:
			body["tool_choice"] = map[string]any{"type": "any"}
		case parsed.FunctionName != "":
			body["tool_choice"] = map[string]any{"type": "tool", "name": parsed.FunctionName}
		default:
			body["tool_choice"] = map[string]any{"type": "auto"}
		}
	}
	if req.Thinking != nil && req.Thinking.Enabled {
		budget := req.Thinking.Budget
		if budget <= 0 {
			budget = 1024
		}
		body["thinking"] = map[string]any{"type": "enabled", "budget_tokens": budget}
		// Anthropic rejects temperature alongside thinking.
		delete(body, "temperature")
	}
	if req.ParallelToolCalls != nil && !*req.ParallelToolCalls {
		body["disable_parallel_tool_use"] = true
	}

	builder.ApplyCustomParameters(body, req)
	builder.CleanPayload(body)
	return body
}

func splitClaudeSystem(messages []dispatch.Message) (system string, rest []dispatch.Message) {
	for _, m := range messages {
		if m.Role == dispatch.RoleSystem {
			if system != "" {
				system += "\n\n"
			}
			system += m.Text
			continue
		}
		rest = append(rest, m)
	}
	return system, rest
}

// convertMessagesClaude maps tool_result parts onto Anthropic's
// "tool_result" content-block shape nested inside a user-role message
// (Anthropic, unlike OpenAI, has no standalone tool-role message).
func convertMessagesClaude(messages []dispatch.Message) []map[string]any {
	var out []map[string]any
	for _, msg := range messages {
		if !msg.HasParts() {
			out = append(out, map[string]any{"role": claudeRole(msg.Role), "content": msg.Text})
			continue
		}

		parsed := builder.ParseMessageContents(msg.Parts)
		var content []map[string]any
		for _, p := range parsed.Text {
			content = append(content, claudeBlock(map[string]any{"type": "text", "text": p.Text}, p.CacheControl))
		}
		for _, p := range parsed.Images {
			content = append(content, claudeBlock(map[string]any{
				"type": "image",
				"source": map[string]any{
					"type":       "base64",
					"media_type": firstNonEmpty(p.Media.MIME, builder.InferImageMIME("", p.Media.Base64)),
					"data":       p.Media.Base64,
				},
			}, p.CacheControl))
		}
		for _, p := range parsed.ToolUse {
			content = append(content, claudeBlock(map[string]any{
				"type":  "tool_use",
				"id":    p.ToolUseID,
				"name":  p.ToolName,
				"input": p.ToolInput,
			}, p.CacheControl))
		}
		for _, p := range parsed.ToolResult {
			block := map[string]any{
				"type":        "tool_result",
				"tool_use_id": p.ToolResultID,
				"content":     p.ToolResult,
			}
			if p.IsError {
				block["is_error"] = true
			}
			content = append(content, claudeBlock(block, p.CacheControl))
		}
		out = append(out, map[string]any{"role": claudeRole(msg.Role), "content": content})
	}
	return out
}

func claudeBlock(block map[string]any, cc *dispatch.CacheControl) map[string]any {
	if cc != nil {
		block["cache_control"] = map[string]any{"type": cc.Type}
	}
	return block
}

// claudeRole maps a tool-result-bearing message onto Anthropic's "user"
// role; Anthropic has no third conversational role.
func claudeRole(role dispatch.Role) string {
	if role == dispatch.RoleTool {
		return "user"
	}
	return string(role)
}

// --- non-stream response shape ---

type claudeResponse struct {
	Content []struct {
		Type     string         `json:"type"`
		Text     string         `json:"text"`
		Thinking string         `json:"thinking"`
		ID       string         `json:"id"`
		Name     string         `json:"name"`
		Input    map[string]any `json:"input"`
	} `json:"content"`
	StopReason   string `json:"stop_reason"`
	StopSequence string `json:"stop_sequence"`
	Usage        *struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func normalizeClaudeResponse(parsed claudeResponse, isStream bool) *dispatch.NormalizedResponse {
	out := &dispatch.NormalizedResponse{IsStream: isStream, StopSequence: parsed.StopSequence, FinishReason: mapClaudeStopReason(parsed.StopReason)}
	for _, block := range parsed.Content {
		switch block.Type {
		case "text":
			out.Content += block.Text
		case "thinking":
			out.ReasoningContent += block.Thinking
		case "tool_use":
			args, _ := json.Marshal(block.Input)
			out.ToolCalls = append(out.ToolCalls, dispatch.ToolCall{ID: block.ID, Name: block.Name, Arguments: string(args)})
		}
	}
	if parsed.Usage != nil {
		out.Usage = &dispatch.Usage{
			PromptTokens:     parsed.Usage.InputTokens,
			CompletionTokens: parsed.Usage.OutputTokens,
			TotalTokens:      parsed.Usage.InputTokens + parsed.Usage.OutputTokens,
		}
	}
	return out
}

func mapClaudeStopReason(reason string) dispatch.FinishReason {
	switch reason {
	case "end_turn", "stop_sequence":
		return dispatch.FinishStop
	case "max_tokens":
		return dispatch.FinishMaxTokens
	case "tool_use":
		return dispatch.FinishToolCalls
	default:
		return dispatch.FinishUnknown
	}
}

// --- streaming ---

// claudeStreamAccumulator tracks per-index content blocks the way
// Anthropic's event protocol requires: content_block_start announces a
// block's type and index, content_block_delta carries incremental
// text/partial_json/thinking for that index, content_block_stop closes it.
type claudeStreamAccumulator struct {
	blocks map[int]*claudeBlockState
	order  []int
	stop   string
	stopSeq string
	usage   *dispatch.Usage
}

type claudeBlockState struct {
	kind         string
	text         string
	thinking     string
	toolID       string
	toolName     string
	partialInput string
}

func newClaudeStreamAccumulator() *claudeStreamAccumulator {
	return &claudeStreamAccumulator{blocks: make(map[int]*claudeBlockState)}
}

type claudeStreamEvent struct {
	Type         string `json:"type"`
	Index        int    `json:"index"`
	ContentBlock *struct {
		Type string `json:"type"`
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"content_block"`
	Delta *struct {
		Type        string `json:"type"`
		Text        string `json:"text"`
		Thinking    string `json:"thinking"`
		PartialJSON string `json:"partial_json"`
		StopReason  string `json:"stop_reason"`
	} `json:"delta"`
	Usage *struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func (acc *claudeStreamAccumulator) consume(data string, req *dispatch.NormalizedRequest) error {
	var ev claudeStreamEvent
	if err := json.Unmarshal([]byte(data), &ev); err != nil {
		return err
	}
	switch ev.Type {
	case "content_block_start":
		state := &claudeBlockState{}
		if ev.ContentBlock != nil {
			state.kind = ev.ContentBlock.Type
			state.toolID = ev.ContentBlock.ID
			state.toolName = ev.ContentBlock.Name
		}
		acc.blocks[ev.Index] = state
		acc.order = append(acc.order, ev.Index)
	case "content_block_delta":
		state, ok := acc.blocks[ev.Index]
		if !ok || ev.Delta == nil {
			return nil
		}
		switch ev.Delta.Type {
		case "text_delta":
			state.text += ev.Delta.Text
			if req.OnStream != nil {
				req.OnStream(ev.Delta.Text)
			}
		case "thinking_delta":
			state.thinking += ev.Delta.Thinking
			if req.OnReasoningStream != nil {
				req.OnReasoningStream(ev.Delta.Thinking)
			}
		case "input_json_delta":
			state.partialInput += ev.Delta.PartialJSON
		}
	case "message_delta":
		if ev.Delta != nil && ev.Delta.StopReason != "" {
			acc.stop = ev.Delta.StopReason
		}
		if ev.Usage != nil {
			acc.usage = &dispatch.Usage{CompletionTokens: ev.Usage.OutputTokens}
		}
	case "message_start":
		// carries initial usage.input_tokens in some server versions; ignored
		// here since message_delta.usage accumulates the authoritative total.
	}
	return nil
}

func (acc *claudeStreamAccumulator) result() *dispatch.NormalizedResponse {
	out := &dispatch.NormalizedResponse{IsStream: true, StopSequence: acc.stopSeq, FinishReason: mapClaudeStopReason(acc.stop), Usage: acc.usage}
	for _, idx := range acc.order {
		state := acc.blocks[idx]
		switch state.kind {
		case "text":
			out.Content += state.text
		case "thinking":
			out.ReasoningContent += state.thinking
		case "tool_use":
			args := state.partialInput
			if args == "" || !json.Valid([]byte(args)) {
				args = "{}"
			}
			out.ToolCalls = append(out.ToolCalls, dispatch.ToolCall{ID: state.toolID, Name: state.toolName, Arguments: args})
		}
	}
	return out
}
