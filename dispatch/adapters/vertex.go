package adapters

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/taipm/llmdispatch/dispatch"
	"github.com/taipm/llmdispatch/dispatch/sse"
	"github.com/taipm/llmdispatch/dispatch/transport"
)

// VertexAnthropicAdapter speaks Google Cloud Vertex AI's Anthropic-publisher
// wire format: the same Messages-API payload shape as direct Anthropic
// (§4.3.3), but served from a project/location-scoped Vertex path, under a
// bearer access token rather than an x-api-key, via the
// rawPredict/streamRawPredict verbs instead of /messages.
//
// Vertex expects the caller to already hold a valid OAuth2 access token —
// minting one from Application Default Credentials is an operator-side
// concern (gcloud auth, a service account, workload identity), so the
// Key Manager rotates over pre-minted tokens exactly like any other
// provider's API keys; Profile.APIKeys holds tokens here, not static keys.
// BaseURL is expected to already be scoped to the target project and
// location, e.g.
// "https://LOCATION-aiplatform.googleapis.com/v1/projects/PROJECT/locations/LOCATION/publishers/anthropic/models".
type VertexAnthropicAdapter struct {
	Transport *transport.Transport
	Logger    dispatch.Logger
}

func NewVertexAnthropicAdapter(t *transport.Transport, logger dispatch.Logger) *VertexAnthropicAdapter {
	if logger == nil {
		logger = &dispatch.NoopLogger{}
	}
	return &VertexAnthropicAdapter{Transport: t, Logger: logger}
}

func (a *VertexAnthropicAdapter) BuildURL(baseURL, endpoint string) string {
	if trimmed, verbatim := stripVerbatim(baseURL); verbatim {
		return joinVerbatim(trimmed, endpoint)
	}
	return ensureTrailingSlash(baseURL) + strings.TrimPrefix(endpoint, "/")
}

func (a *VertexAnthropicAdapter) modelURL(profile *dispatch.Profile, modelID string, stream bool) string {
	action := "rawPredict"
	if stream {
		action = "streamRawPredict"
	}
	return a.BuildURL(profile.BaseURL, modelID+":"+action)
}

func (a *VertexAnthropicAdapter) Chat(ctx context.Context, profile *dispatch.Profile, req *dispatch.NormalizedRequest) (*dispatch.NormalizedResponse, error) {
	body := buildClaudeBody(req)
	// Vertex's rawPredict infers the model from the URL path, not the body.
	delete(body, "model")
	body["anthropic_version"] = "vertex-2023-10-16"

	url := a.modelURL(profile, req.ModelID, req.StreamEnabled())
	headers := map[string]string{"Authorization": "Bearer " + firstKey(profile)}

	if req.StreamEnabled() {
		return a.streamChat(ctx, profile, req, url, headers, body)
	}
	return a.nonStreamChat(ctx, profile, req, url, headers, body)
}

func (a *VertexAnthropicAdapter) nonStreamChat(ctx context.Context, profile *dispatch.Profile, req *dispatch.NormalizedRequest, url string, headers map[string]string, body map[string]any) (*dispatch.NormalizedResponse, error) {
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
		return nil, dispatch.NewParseError("vertex anthropic response", err)
	}
	return normalizeClaudeResponse(parsed, false), nil
}

func (a *VertexAnthropicAdapter) streamChat(ctx context.Context, profile *dispatch.Profile, req *dispatch.NormalizedRequest, url string, headers map[string]string, body map[string]any) (*dispatch.NormalizedResponse, error) {
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
		return nil, dispatch.NewParseError("vertex anthropic stream", err)
	}
	return acc.result(), nil
}

// FetchModels is unsupported on Vertex's Anthropic publisher path: model
// availability is governed by Model Garden enablement per project, not a
// list endpoint, so this always returns a ConfigError.
func (a *VertexAnthropicAdapter) FetchModels(ctx context.Context, profile *dispatch.Profile) ([]dispatch.ModelDescriptor, error) {
	return nil, dispatch.NewConfigError("vertex-anthropic profiles do not support model listing; configure the model id directly")
}
