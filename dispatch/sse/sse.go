// Package sse implements the line-oriented Server-Sent-Events decoder
// shared by all six provider adapters (§4.3.4). It is a pure streaming
// decoder: it knows nothing about any provider's JSON event shape, only
// the `data: ...` framing, grounded on the bufio.Scanner-based SSE reading
// idiom used throughout the example corpus's LLM gateway code.
package sse

import (
	"bufio"
	"context"
	"io"
	"strings"
)

// doneSentinel is the OpenAI-family terminator. Providers that don't emit
// it simply rely on stream close instead (§4.3.4).
const doneSentinel = "[DONE]"

// Event is one decoded SSE frame's data payload.
type Event struct {
	Data string
}

// Handler is invoked once per decoded event. Returning an error stops the
// scan and is propagated from Scan.
type Handler func(Event) error

// maxLineBytes bounds a single SSE line/event buffer; providers occasionally
// send large tool-call-argument deltas so the limit is generous.
const maxLineBytes = 10 * 1024 * 1024

// Scan reads body line by line, decoding `data: ...` frames and invoking
// handle for each one, tolerating CRLF/LF and comment lines (lines
// starting with ':'), and stopping cleanly on the literal `[DONE]` payload
// or on stream close (§4.3.4). The caller's abort signal is checked before
// each line is dispatched, matching the spec's "parser checks the
// caller's abort signal before each chunk" (§4.3.4, §5).
func Scan(ctx context.Context, body io.Reader, handle Handler) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}

		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue // comment line
		}
		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue // not a data frame (event:, id:, retry: are ignored)
		}
		data = strings.TrimPrefix(data, " ")

		if data == doneSentinel {
			return nil
		}

		if err := handle(Event{Data: data}); err != nil {
			return err
		}
	}
	return scanner.Err()
}
