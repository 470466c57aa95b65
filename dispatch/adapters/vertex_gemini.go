package adapters

import (
	"context"
	"encoding/json"

	"github.com/taipm/llmdispatch/dispatch"
	"github.com/taipm/llmdispatch/dispatch/sse"
	"github.com/taipm/llmdispatch/dispatch/transport"
)

// VertexGeminiAdapter speaks Google Cloud Vertex AI's Google-publisher wire
// format: the same contents/systemInstruction/generationConfig body shape
// as direct Gemini (§4.3.3 "Google Gemini / Vertex AI (Google publisher)"),
// reused verbatim from gemini.go, but served from a project/location-scoped
// Vertex path under a bearer access token instead of Gemini's
// x-goog-api-key (§4.3.2's "Vertex AI" bullet:
// publishers/google/models/{model}:{generateContent|streamGenerateContent}).
//
// As with VertexAnthropicAdapter, Profile.APIKeys holds pre-minted OAuth2
// access tokens here, not static API keys — minting one from Application
// Default Credentials is an operator-side concern.
type VertexGeminiAdapter struct {
	Transport *transport.Transport
	Logger    dispatch.Logger
}

func NewVertexGeminiAdapter(t *transport.Transport, logger dispatch.Logger) *VertexGeminiAdapter {
	if logger == nil {
		logger = &dispatch.NoopLogger{}
	}
	return &VertexGeminiAdapter{Transport: t, Logger: logger}
}

func (a *VertexGeminiAdapter) BuildURL(baseURL, endpoint string) string {
	if trimmed, verbatim := stripVerbatim(baseURL); verbatim {
		return joinVerbatim(trimmed, endpoint)
	}
	return ensureTrailingSlash(baseURL) + endpoint
}

func (a *VertexGeminiAdapter) modelURL(profile *dispatch.Profile, modelID, action string) string {
	endpoint := "publishers/google/models/" + modelID + ":" + action
	if trimmed, verbatim := stripVerbatim(profile.BaseURL); verbatim {
		return joinVerbatim(trimmed, endpoint)
	}
	base := ensureTrailingSlash(profile.BaseURL)
	if !hasVersionSegment(base) {
		base += "v1/"
	}
	return base + endpoint
}

func (a *VertexGeminiAdapter) Chat(ctx context.Context, profile *dispatch.Profile, req *dispatch.NormalizedRequest) (*dispatch.NormalizedResponse, error) {
	body, err := buildGeminiBody(req)
	if err != nil {
		return nil, err
	}

	action := "generateContent"
	if req.StreamEnabled() {
		action = "streamGenerateContent?alt=sse"
	}
	url := a.modelURL(profile, req.ModelID, action)
	headers := map[string]string{"Authorization": "Bearer " + firstKey(profile)}

	if req.StreamEnabled() {
		return a.streamChat(ctx, profile, req, url, headers, body)
	}
	return a.nonStreamChat(ctx, profile, req, url, headers, body)
}

func (a *VertexGeminiAdapter) nonStreamChat(ctx context.Context, profile *dispatch.Profile, req *dispatch.NormalizedRequest, url string, headers map[string]string, body map[string]any) (*dispatch.NormalizedResponse, error) {
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
		return nil, dispatch.NewParseError("vertex gemini response", err)
	}
	return normalizeGeminiResponse(parsed, false), nil
}

func (a *VertexGeminiAdapter) streamChat(ctx context.Context, profile *dispatch.Profile, req *dispatch.NormalizedRequest, url string, headers map[string]string, body map[string]any) (*dispatch.NormalizedResponse, error) {
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
		return nil, dispatch.NewParseError("vertex gemini stream", err)
	}
	return acc.result(), nil
}

// FetchModels is unsupported on Vertex's Google publisher path for the
// same reason as VertexAnthropicAdapter: model availability is governed
// by Model Garden enablement per project, not a list endpoint.
func (a *VertexGeminiAdapter) FetchModels(ctx context.Context, profile *dispatch.Profile) ([]dispatch.ModelDescriptor, error) {
	return nil, dispatch.NewConfigError("vertex-gemini profiles do not support model listing; configure the model id directly")
}
