// ABOUTME: In-memory Store implementation used by the "memory" backend and tests
// ABOUTME: Keeps deep copies of snapshots so callers never share mutable state with the store

package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory Store implementation.
type MemoryStore struct {
	mu      sync.RWMutex
	states  map[uuid.UUID]*State
	threads []*Thread
	known   map[uuid.UUID]bool

	// failWith, when set, is returned by every operation (simulates an unavailable backend)
	failWith error
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates a new MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		states: make(map[uuid.UUID]*State),
		known:  make(map[uuid.UUID]bool),
	}
}

// SetError makes every subsequent operation fail with err. Pass nil to recover.
func (m *MemoryStore) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failWith = err
}

// LoadState returns a copy of the stored snapshot or an empty one.
func (m *MemoryStore) LoadState(ctx context.Context, id uuid.UUID) (*State, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.failWith != nil {
		return nil, m.failWith
	}

	state, ok := m.states[id]
	if !ok {
		return NewState(id), nil
	}
	return state.Clone(), nil
}

// SaveState replaces the stored snapshot with a copy of state.
func (m *MemoryStore) SaveState(ctx context.Context, state *State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failWith != nil {
		return m.failWith
	}

	var current int64
	if existing, ok := m.states[state.ThreadID]; ok {
		current = existing.Version
	}
	if current != state.Version {
		return fmt.Errorf("%w: thread %s expected version %d, got %d", ErrVersionConflict, state.ThreadID, current, state.Version)
	}

	state.Version++
	state.UpdatedAt = time.Now().UTC()
	m.states[state.ThreadID] = state.Clone()
	return nil
}

// RecordThread adds a thread to the directory if it is new.
func (m *MemoryStore) RecordThread(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.failWith != nil {
		return m.failWith
	}

	if m.known[id] {
		return nil
	}
	m.known[id] = true
	m.threads = append(m.threads, &Thread{ID: id, CreatedAt: time.Now().UTC()})
	return nil
}

// ListThreads returns copies of all directory entries in creation order.
func (m *MemoryStore) ListThreads(ctx context.Context) ([]*Thread, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.failWith != nil {
		return nil, m.failWith
	}

	out := make([]*Thread, len(m.threads))
	for i, t := range m.threads {
		entry := *t
		out[i] = &entry
	}
	return out, nil
}

// Close is a no-op for the in-memory store.
func (m *MemoryStore) Close() error {
	return nil
}
