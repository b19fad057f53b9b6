// ABOUTME: Store interfaces and data types for conversation thread persistence
// ABOUTME: Defines Message, State snapshots, directory entries and the backend contracts

package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrVersionConflict is returned when a snapshot is saved over a version it was not loaded from
var ErrVersionConflict = errors.New("thread state version conflict")

// Role identifies the author of a message
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCall is a request from the generation step to invoke a named tool.
// Arguments holds the raw JSON object produced by the model.
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments,omitempty"`
}

// Message is one entry of a conversation. Messages are immutable once appended.
type Message struct {
	ID         string     `json:"id"`
	Role       Role       `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`   // assistant: calls issued by this step
	ToolCallID string     `json:"tool_call_id,omitempty"` // tool: the call this result answers
	ToolName   string     `json:"tool_name,omitempty"`    // tool: name of the invoked tool
	IsError    bool       `json:"is_error,omitempty"`     // tool: result encodes a failure
	CreatedAt  time.Time  `json:"created_at"`
}

// Clone returns a deep copy of the message.
func (m Message) Clone() Message {
	out := m
	if len(m.ToolCalls) > 0 {
		out.ToolCalls = make([]ToolCall, len(m.ToolCalls))
		copy(out.ToolCalls, m.ToolCalls)
	}
	return out
}

// State is the persisted conversation snapshot of one thread.
// Version is 0 until the first successful save.
type State struct {
	ThreadID  uuid.UUID
	Messages  []Message
	Turns     int
	Version   int64
	UpdatedAt time.Time
}

// NewState returns the empty snapshot of a thread that was never saved.
func NewState(id uuid.UUID) *State {
	return &State{ThreadID: id, Messages: []Message{}}
}

// Clone returns a deep copy of the snapshot.
func (s *State) Clone() *State {
	out := *s
	out.Messages = make([]Message, len(s.Messages))
	for i := range s.Messages {
		out.Messages[i] = s.Messages[i].Clone()
	}
	return &out
}

// Thread is a Thread Directory entry
type Thread struct {
	ID        uuid.UUID
	CreatedAt time.Time
}

// ThreadStore persists whole conversation snapshots keyed by thread ID
type ThreadStore interface {
	// LoadState returns the thread's snapshot, or an empty one if it was never saved.
	LoadState(ctx context.Context, id uuid.UUID) (*State, error)

	// SaveState atomically replaces the stored snapshot. state.Version must match
	// the stored version; on success it is advanced by one.
	SaveState(ctx context.Context, state *State) error
}

// Directory enumerates known threads
type Directory interface {
	// RecordThread adds the thread if it is not known yet. Safe to repeat.
	RecordThread(ctx context.Context, id uuid.UUID) error

	// ListThreads returns every known thread, oldest first.
	ListThreads(ctx context.Context) ([]*Thread, error)
}

// Store combines snapshot storage with the thread directory
type Store interface {
	ThreadStore
	Directory

	// Close releases any resources held by the store
	Close() error
}
