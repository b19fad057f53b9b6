// ABOUTME: Unit tests for MemoryStore behavior not covered by the shared contract tests
// ABOUTME: Focuses on simulated outages and copy semantics on save

package store

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_SetError(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	outage := errors.New("backend down")

	store.SetError(outage)

	_, err := store.LoadState(ctx, uuid.New())
	assert.ErrorIs(t, err, outage)
	assert.ErrorIs(t, store.SaveState(ctx, NewState(uuid.New())), outage)
	assert.ErrorIs(t, store.RecordThread(ctx, uuid.New()), outage)
	_, err = store.ListThreads(ctx)
	assert.ErrorIs(t, err, outage)

	store.SetError(nil)
	_, err = store.LoadState(ctx, uuid.New())
	assert.NoError(t, err)
}

func TestMemoryStore_SaveCopiesState(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()
	id := uuid.New()

	state := NewState(id)
	state.Messages = sampleMessages()
	require.NoError(t, store.SaveState(ctx, state))

	// Mutating the caller's copy after save must not leak into the store
	state.Messages[0].Content = "changed"
	state.Messages = append(state.Messages, Message{ID: "extra", Role: RoleUser})

	loaded, err := store.LoadState(ctx, id)
	require.NoError(t, err)
	assert.Len(t, loaded.Messages, 4)
	assert.Equal(t, "what is 2+2?", loaded.Messages[0].Content)
}

func TestMemoryStore_FailedSaveKeepsVersion(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	state := NewState(uuid.New())
	state.Version = 3

	err := store.SaveState(ctx, state)
	require.ErrorIs(t, err, ErrVersionConflict)
	assert.Equal(t, int64(3), state.Version)
}
