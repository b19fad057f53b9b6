// ABOUTME: Server-Sent Events reader that decodes coven-threads frames into typed Events
// ABOUTME: Dispatches on blank lines and joins multi-line data fields

package client

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/2389/coven-threads/internal/conversation"
	"github.com/2389/coven-threads/internal/gateway"
)

// SSE event names written by the server.
const (
	EventStarted      = "started"
	EventWatching     = "watching"
	EventTokenDelta   = string(conversation.EventTokenDelta)
	EventToolStarted  = string(conversation.EventToolStarted)
	EventToolFinished = string(conversation.EventToolFinished)
	EventTurnComplete = string(conversation.EventTurnComplete)
	EventTurnFailed   = string(conversation.EventTurnFailed)
	EventError        = "error"
)

// maxFrameSize bounds a single data line; tool results can be large.
const maxFrameSize = 1 << 20

// Event is one decoded SSE frame. Exactly one of the typed fields is set
// for known event names; Data always holds the raw payload.
type Event struct {
	Type    string
	Data    string
	Started *gateway.StartedEvent
	Stream  *conversation.StreamEvent
	Error   *gateway.ErrorEvent
}

func decodeEvent(name, data string) (Event, error) {
	ev := Event{Type: name, Data: data}
	var target any
	switch name {
	case EventStarted:
		ev.Started = &gateway.StartedEvent{}
		target = ev.Started
	case EventTokenDelta, EventToolStarted, EventToolFinished, EventTurnComplete, EventTurnFailed:
		ev.Stream = &conversation.StreamEvent{}
		target = ev.Stream
	case EventError:
		ev.Error = &gateway.ErrorEvent{}
		target = ev.Error
	default:
		return ev, nil
	}
	if err := json.Unmarshal([]byte(data), target); err != nil {
		return ev, fmt.Errorf("decoding %s event: %w", name, err)
	}
	return ev, nil
}

// readEvents parses frames from body until EOF, a callback error, or ctx ends.
func readEvents(ctx context.Context, body io.Reader, fn func(Event) error) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxFrameSize)

	var name string
	var dataLines []string

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}

		line := scanner.Text()
		if line == "" {
			if name != "" || len(dataLines) > 0 {
				if name == "" {
					name = "message"
				}
				ev, err := decodeEvent(name, strings.Join(dataLines, "\n"))
				if err != nil {
					return err
				}
				if err := fn(ev); err != nil {
					return err
				}
			}
			name = ""
			dataLines = nil
			continue
		}

		switch {
		case strings.HasPrefix(line, ":"):
			// comment
		case strings.HasPrefix(line, "event:"):
			name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			dataLines = append(dataLines, strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		}
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading SSE stream: %w", err)
	}
	return nil
}
