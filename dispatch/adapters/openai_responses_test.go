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

func TestOpenAIResponsesAdapter_NonStreamRoundTrip(t *testing.T) {
	t.Run("[P1] a message becomes an input item and the output text round-trips", func(t *testing.T) {
		var gotBody map[string]any
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/v1/responses", r.URL.Path)
			json.NewDecoder(r.Body).Decode(&gotBody)
			w.Write([]byte(`{
				"status":"completed",
				"output":[{"type":"message","content":[{"type":"output_text","text":"4"}]}],
				"usage":{"input_tokens":5,"output_tokens":1,"total_tokens":6}
			}`))
		}))
		defer srv.Close()

		adapter := NewOpenAIResponsesAdapter(transport.New(), nil)
		profile := &dispatch.Profile{ID: "p1", BaseURL: srv.URL, APIKeys: []string{"sk-A"}}
		req := &dispatch.NormalizedRequest{
			ModelID:  "gpt-5",
			Messages: []dispatch.Message{dispatch.User("2+2?")},
		}

		resp, err := adapter.Chat(context.Background(), profile, req)
		require.NoError(t, err)
		assert.Equal(t, "4", resp.Content)
		assert.Equal(t, dispatch.FinishStop, resp.FinishReason)
		assert.Equal(t, 6, resp.Usage.TotalTokens)

		input, _ := gotBody["input"].([]any)
		require.Len(t, input, 1)
	})
}

func TestOpenAIResponsesAdapter_ToolCallAndReasoning(t *testing.T) {
	t.Run("[P2] a function_call output item is surfaced as a tool call", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte(`{
				"status":"completed",
				"output":[
					{"type":"reasoning","content":[{"type":"reasoning_text","text":"thinking..."}]},
					{"type":"function_call","call_id":"call_1","name":"calculator","arguments":"{\"a\":2,\"b\":2}"}
				]
			}`))
		}))
		defer srv.Close()

		adapter := NewOpenAIResponsesAdapter(transport.New(), nil)
		profile := &dispatch.Profile{ID: "p1", BaseURL: srv.URL, APIKeys: []string{"sk-A"}}
		req := &dispatch.NormalizedRequest{ModelID: "gpt-5", Messages: []dispatch.Message{dispatch.User("add 2+2")}}

		resp, err := adapter.Chat(context.Background(), profile, req)
		require.NoError(t, err)
		assert.Equal(t, "thinking...", resp.ReasoningContent)
		require.Len(t, resp.ToolCalls, 1)
		assert.Equal(t, "calculator", resp.ToolCalls[0].Name)
		assert.Equal(t, dispatch.FinishToolCalls, resp.FinishReason)
	})
}

func TestOpenAIResponsesAdapter_StreamOrdering(t *testing.T) {
	t.Run("[P1] output_text.delta events accumulate in order until response.completed", func(t *testing.T) {
		chunks := `data: {"type":"response.output_text.delta","delta":"Hel"}` + "\n" +
			`data: {"type":"response.output_text.delta","delta":"lo"}` + "\n" +
			`data: {"type":"response.completed","response":{"status":"completed","output":[{"type":"message","content":[{"type":"output_text","text":"Hello"}]}]}}` + "\n"

		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Content-Type", "text/event-stream")
			w.Write([]byte(chunks))
		}))
		defer srv.Close()

		adapter := NewOpenAIResponsesAdapter(transport.New(), nil)
		profile := &dispatch.Profile{ID: "p1", BaseURL: srv.URL, APIKeys: []string{"sk-A"}}

		var streamed string
		stream := true
		req := &dispatch.NormalizedRequest{
			ModelID:  "gpt-5",
			Messages: []dispatch.Message{dispatch.User("hi")},
			Stream:   &stream,
			OnStream: func(c string) { streamed += c },
		}
		resp, err := adapter.Chat(context.Background(), profile, req)
		require.NoError(t, err)
		assert.Equal(t, "Hello", streamed)
		assert.Equal(t, "Hello", resp.Content)
		assert.True(t, resp.IsStream)
	})
}
