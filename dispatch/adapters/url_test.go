package adapters

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuildOpenAICompatibleURL(t *testing.T) {
	t.Run("[P1] appends v1/ and the default endpoint to a bare base URL", func(t *testing.T) {
		got := buildOpenAICompatibleURL("https://api.example.com", "chat/completions")
		assert.Equal(t, "https://api.example.com/v1/chat/completions", got)
	})

	t.Run("[P1] an existing version segment is not duplicated", func(t *testing.T) {
		got := buildOpenAICompatibleURL("https://api.example.com/v3/", "chat/completions")
		assert.Equal(t, "https://api.example.com/v3/chat/completions", got)
	})

	t.Run("[P1] a trailing # is the verbatim escape hatch", func(t *testing.T) {
		got := buildOpenAICompatibleURL("https://api.example.com/custom#", "chat/completions")
		assert.Equal(t, "https://api.example.com/custom/chat/completions", got)
	})

	t.Run("[P2] an empty endpoint defaults to chat/completions", func(t *testing.T) {
		got := buildOpenAICompatibleURL("https://api.example.com", "")
		assert.Equal(t, "https://api.example.com/v1/chat/completions", got)
	})
}

func TestBuildVersionedURL(t *testing.T) {
	t.Run("[P1] Claude-style: appends v1/ once", func(t *testing.T) {
		got := buildVersionedURL("https://api.anthropic.com", "v1", "messages", "")
		assert.Equal(t, "https://api.anthropic.com/v1/messages", got)
	})

	t.Run("[P2] a present version segment is reused, not duplicated", func(t *testing.T) {
		got := buildVersionedURL("https://api.anthropic.com/v1/", "v1", "messages", "")
		assert.Equal(t, "https://api.anthropic.com/v1/messages", got)
	})

	t.Run("[P2] the verbatim escape hatch applies to versioned builders too", func(t *testing.T) {
		got := buildVersionedURL("https://gateway.internal/raw#", "v1", "messages", "messages")
		assert.Equal(t, "https://gateway.internal/raw/messages", got)
	})
}
