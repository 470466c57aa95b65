package adapters

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taipm/llmdispatch/dispatch"
	"github.com/taipm/llmdispatch/dispatch/transport"
)

func TestVertexGeminiAdapter_NonStreamRoundTrip(t *testing.T) {
	t.Run("[P1] the model id is encoded in the publishers/google path under a bearer token", func(t *testing.T) {
		var gotBody map[string]any
		var gotAuth string
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotAuth = r.Header.Get("Authorization")
			assert.Contains(t, r.URL.Path, "publishers/google/models/gemini-2.0-flash:generateContent")
			json.NewDecoder(r.Body).Decode(&gotBody)
			w.Write([]byte(`{"candidates":[{"content":{"parts":[{"text":"42."}]},"finishReason":"STOP"}]}`))
		}))
		defer srv.Close()

		adapter := NewVertexGeminiAdapter(transport.New(), nil)
		profile := &dispatch.Profile{ID: "p1", BaseURL: srv.URL, APIKeys: []string{"ya29.token"}}
		req := &dispatch.NormalizedRequest{
			ModelID:  "gemini-2.0-flash",
			Messages: []dispatch.Message{dispatch.User("2+2?")},
		}

		resp, err := adapter.Chat(context.Background(), profile, req)
		require.NoError(t, err)
		assert.Equal(t, "42.", resp.Content)
		assert.Equal(t, "Bearer ya29.token", gotAuth)
		assert.NotContains(t, gotBody, "x-goog-api-key")
	})
}

func TestVertexGeminiAdapter_ThoughtRoutingStream(t *testing.T) {
	t.Run("[P1] thought parts stream to OnReasoningStream, final text to OnStream", func(t *testing.T) {
		chunks := `data: {"candidates":[{"content":{"parts":[{"thought":true,"text":"Let me think."}]}}]}` + "\n\n" +
			`data: {"candidates":[{"content":{"parts":[{"text":"42."}]},"finishReason":"STOP"}]}` + "\n\n"

		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "text/event-stream")
			w.Write([]byte(chunks))
		}))
		defer srv.Close()

		adapter := NewVertexGeminiAdapter(transport.New(), nil)
		profile := &dispatch.Profile{ID: "p1", BaseURL: srv.URL, APIKeys: []string{"ya29.token"}}
		stream := true
		var reasoning, content string
		req := &dispatch.NormalizedRequest{
			ModelID:           "gemini-2.0-flash",
			Messages:          []dispatch.Message{dispatch.User("2+2?")},
			Stream:            &stream,
			OnStream:          func(c string) { content += c },
			OnReasoningStream: func(c string) { reasoning += c },
		}

		resp, err := adapter.Chat(context.Background(), profile, req)
		require.NoError(t, err)
		assert.Equal(t, "42.", resp.Content)
		assert.Equal(t, "Let me think.", resp.ReasoningContent)
		assert.Equal(t, "42.", content)
		assert.Equal(t, "Let me think.", reasoning)
	})
}

func TestVertexGeminiAdapter_FetchModelsUnsupported(t *testing.T) {
	t.Run("[P2] FetchModels returns a config error since Vertex has no list endpoint", func(t *testing.T) {
		adapter := NewVertexGeminiAdapter(transport.New(), nil)
		profile := &dispatch.Profile{ID: "p1", BaseURL: "https://us-central1-aiplatform.googleapis.com", APIKeys: []string{"ya29.token"}}
		_, err := adapter.FetchModels(context.Background(), profile)
		require.Error(t, err)
	})
}
