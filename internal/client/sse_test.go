// ABOUTME: Tests for SSE frame parsing and typed event decoding
// ABOUTME: Covers multi-line data, comments, unknown events, and malformed payloads

package client

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collect(t *testing.T, raw string) ([]Event, error) {
	t.Helper()
	var out []Event
	err := readEvents(t.Context(), strings.NewReader(raw), func(ev Event) error {
		out = append(out, ev)
		return nil
	})
	return out, err
}

func TestReadEvents(t *testing.T) {
	raw := ": keepalive\n\n" +
		"event: started\ndata: {\"thread_id\":\"a\",\"turn_id\":\"b\"}\n\n" +
		"event: token_delta\ndata: {\"kind\":\"token_delta\",\"seq\":1,\"text\":\"hi\"}\n\n" +
		"event: watching\ndata: {\"thread_id\":\"a\"}\n\n" +
		"data: line one\ndata: line two\n\n"

	events, err := collect(t, raw)
	require.NoError(t, err)
	require.Len(t, events, 4)

	assert.Equal(t, EventStarted, events[0].Type)
	require.NotNil(t, events[0].Started)
	assert.Equal(t, "b", events[0].Started.TurnID)

	require.NotNil(t, events[1].Stream)
	assert.Equal(t, "hi", events[1].Stream.Text)
	assert.Equal(t, 1, events[1].Stream.Seq)

	assert.Equal(t, EventWatching, events[2].Type)
	assert.Nil(t, events[2].Stream)
	assert.JSONEq(t, `{"thread_id":"a"}`, events[2].Data)

	assert.Equal(t, "message", events[3].Type)
	assert.Equal(t, "line one\nline two", events[3].Data)
}

func TestReadEvents_IncompleteFrameDropped(t *testing.T) {
	events, err := collect(t, "event: started\ndata: {}")
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestReadEvents_MalformedPayload(t *testing.T) {
	_, err := collect(t, "event: turn_complete\ndata: {not json\n\n")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "turn_complete")
}

func TestReadEvents_CallbackErrorStops(t *testing.T) {
	stop := errors.New("stop")
	calls := 0
	err := readEvents(t.Context(), strings.NewReader("data: a\n\ndata: b\n\n"), func(Event) error {
		calls++
		return stop
	})
	assert.ErrorIs(t, err, stop)
	assert.Equal(t, 1, calls)
}

func TestReadEvents_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	err := readEvents(ctx, strings.NewReader("data: a\n\n"), func(Event) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}
