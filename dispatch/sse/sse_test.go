package sse

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestScan_DecodesDataFrames(t *testing.T) {
	t.Run("[P1] data frames are decoded in order, comments and blank lines ignored", func(t *testing.T) {
		body := strings.NewReader(
			": this is a comment\n" +
				"data: {\"delta\":\"Hello\"}\n" +
				"\n" +
				"event: message\n" +
				"data: {\"delta\":\", world.\"}\n" +
				"data: [DONE]\n" +
				"data: {\"delta\":\"never seen\"}\n",
		)

		var got []string
		err := Scan(context.Background(), body, func(ev Event) error {
			got = append(got, ev.Data)
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, []string{`{"delta":"Hello"}`, `{"delta":", world."}`}, got)
	})

	t.Run("[P2] CRLF line endings are tolerated", func(t *testing.T) {
		body := strings.NewReader("data: one\r\ndata: two\r\n")
		var got []string
		err := Scan(context.Background(), body, func(ev Event) error {
			got = append(got, ev.Data)
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"one", "two"}, got)
	})

	t.Run("[P2] a stream with no [DONE] sentinel stops cleanly on close", func(t *testing.T) {
		body := strings.NewReader("data: only-one\n")
		var got []string
		err := Scan(context.Background(), body, func(ev Event) error {
			got = append(got, ev.Data)
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"only-one"}, got)
	})
}

func TestScan_AbortStopsBeforeNextLine(t *testing.T) {
	t.Run("[P1] a canceled context stops the scan before dispatching further events", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		body := strings.NewReader("data: first\ndata: second\ndata: third\n")

		var got []string
		err := Scan(ctx, body, func(ev Event) error {
			got = append(got, ev.Data)
			if ev.Data == "first" {
				cancel()
			}
			return nil
		})
		assert.ErrorIs(t, err, context.Canceled)
		assert.Equal(t, []string{"first"}, got)
	})
}

func TestScan_HandlerErrorPropagates(t *testing.T) {
	t.Run("[P2] a handler error stops the scan and is returned", func(t *testing.T) {
		body := strings.NewReader("data: a\ndata: b\n")
		boom := errors.New("boom")
		err := Scan(context.Background(), body, func(ev Event) error {
			return boom
		})
		assert.ErrorIs(t, err, boom)
	})
}
