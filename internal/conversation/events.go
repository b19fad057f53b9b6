// ABOUTME: StreamEvent types and the per-turn multiplexer that emits them
// ABOUTME: Converts executor steps into ordered token and tool lifecycle events for callers and watchers

package conversation

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/2389/coven-threads/internal/store"
)

// EventKind identifies a StreamEvent variant.
type EventKind string

const (
	EventTokenDelta   EventKind = "token_delta"
	EventToolStarted  EventKind = "tool_started"
	EventToolFinished EventKind = "tool_finished"
	EventTurnComplete EventKind = "turn_complete"

	// EventTurnFailed reaches watchers only; the submitter gets the error from Wait
	EventTurnFailed EventKind = "turn_failed"
)

// ToolEvent describes the tool call behind a tool_started or tool_finished event.
type ToolEvent struct {
	CallID    string `json:"call_id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments,omitempty"`
	Result    string `json:"result,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
}

// StatusState is the lifecycle of the turn's tool status channel.
type StatusState string

const (
	StatusRunning  StatusState = "running"
	StatusComplete StatusState = "complete"
)

// StatusUpdate replaces the content of the turn's single tool status channel.
// Every update of one turn shares the same ID.
type StatusUpdate struct {
	ID    string      `json:"id"`
	Label string      `json:"label"`
	State StatusState `json:"state"`
}

// StreamEvent is one event of a running turn.
// Seq numbers events in production order starting at 1; a filtered stream has gaps.
type StreamEvent struct {
	Kind      EventKind     `json:"kind"`
	ThreadID  uuid.UUID     `json:"thread_id"`
	TurnID    string        `json:"turn_id"`
	Seq       int           `json:"seq"`
	Text      string        `json:"text,omitempty"`
	Tool      *ToolEvent    `json:"tool,omitempty"`
	Status    *StatusUpdate `json:"status,omitempty"`
	ToolsUsed int           `json:"tools_used,omitempty"`
	Error     string        `json:"error,omitempty"`
	Code      string        `json:"code,omitempty"`
}

// EventFilter selects which events reach a consumer. TurnComplete always does.
type EventFilter uint8

const (
	FilterTokens EventFilter = 1 << iota
	FilterTools

	FilterAll = FilterTokens | FilterTools
)

// ParseEventFilter maps "all", "tokens" or "tools" to a filter. Empty means all.
func ParseEventFilter(s string) (EventFilter, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "all":
		return FilterAll, nil
	case "tokens", "messages":
		return FilterTokens, nil
	case "tools", "updates":
		return FilterTools, nil
	default:
		return 0, fmt.Errorf("unknown event filter %q", s)
	}
}

// Allows reports whether events of kind pass the filter.
func (f EventFilter) Allows(kind EventKind) bool {
	switch kind {
	case EventTokenDelta:
		return f&FilterTokens != 0
	case EventToolStarted, EventToolFinished:
		return f&FilterTools != 0
	default:
		return true
	}
}

// ToolStatusLabel is the status text shown while a tool runs.
func ToolStatusLabel(name string) string {
	return fmt.Sprintf("Using `%s` …", name)
}

// ToolsFinishedLabel is the final status text of a turn that used tools.
const ToolsFinishedLabel = "Tool finished"

// multiplexer is the single producer of one turn's events.
type multiplexer struct {
	ctx      context.Context
	threadID uuid.UUID
	turnID   string
	filter   EventFilter
	out      chan<- StreamEvent
	publish  func(StreamEvent)

	seq       int
	toolsUsed int
	statusID  string
	abandoned bool
}

func newMultiplexer(ctx context.Context, threadID uuid.UUID, turnID string, filter EventFilter, out chan<- StreamEvent, publish func(StreamEvent)) *multiplexer {
	if filter == 0 {
		filter = FilterAll
	}
	return &multiplexer{
		ctx:      ctx,
		threadID: threadID,
		turnID:   turnID,
		filter:   filter,
		out:      out,
		publish:  publish,
		statusID: "status-" + turnID,
	}
}

// token forwards a raw text fragment of the in-progress assistant message.
func (m *multiplexer) token(text string) {
	if text == "" {
		return
	}
	m.emit(StreamEvent{Kind: EventTokenDelta, Text: text})
}

// toolStarted announces a call before its invocation begins.
func (m *multiplexer) toolStarted(call store.ToolCall) {
	m.toolsUsed++
	m.emit(StreamEvent{
		Kind:   EventToolStarted,
		Tool:   &ToolEvent{CallID: call.ID, Name: call.Name, Arguments: call.Arguments},
		Status: m.status(ToolStatusLabel(call.Name), StatusRunning),
	})
}

// observe emits the events implied by a message appended to the conversation.
// Assistant text has already gone out as token deltas; only tool results emit here.
func (m *multiplexer) observe(msg store.Message) {
	if msg.Role == store.RoleTool {
		m.emit(StreamEvent{
			Kind: EventToolFinished,
			Tool: &ToolEvent{
				CallID:  msg.ToolCallID,
				Name:    msg.ToolName,
				Result:  msg.Content,
				IsError: msg.IsError,
			},
			Status: m.status(ToolStatusLabel(msg.ToolName), StatusRunning),
		})
	}
}

// complete emits the turn's only TurnComplete.
func (m *multiplexer) complete() {
	ev := StreamEvent{Kind: EventTurnComplete, ToolsUsed: m.toolsUsed}
	if m.toolsUsed > 0 {
		ev.Status = m.status(ToolsFinishedLabel, StatusComplete)
	}
	m.emit(ev)
}

// fail tells watchers the turn was aborted and nothing from it was saved.
func (m *multiplexer) fail(err error) {
	m.seq++
	ev := StreamEvent{
		Kind:      EventTurnFailed,
		ThreadID:  m.threadID,
		TurnID:    m.turnID,
		Seq:       m.seq,
		ToolsUsed: m.toolsUsed,
		Error:     err.Error(),
		Code:      ErrorCode(err),
	}
	if m.toolsUsed > 0 {
		ev.Status = m.status(ToolsFinishedLabel, StatusComplete)
	}
	if m.publish != nil {
		m.publish(ev)
	}
}

func (m *multiplexer) status(label string, state StatusState) *StatusUpdate {
	return &StatusUpdate{ID: m.statusID, Label: label, State: state}
}

func (m *multiplexer) emit(ev StreamEvent) {
	m.seq++
	ev.Seq = m.seq
	ev.ThreadID = m.threadID
	ev.TurnID = m.turnID

	if m.publish != nil {
		m.publish(ev)
	}

	if m.abandoned || !m.filter.Allows(ev.Kind) {
		return
	}
	select {
	case m.out <- ev:
	case <-m.ctx.Done():
		m.abandoned = true
	}
}
