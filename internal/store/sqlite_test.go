// ABOUTME: Tests for SQLite store implementation
// ABOUTME: Covers file creation, durability across reopen and in-memory databases

package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestNewSQLiteStore(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	defer store.Close()

	// Verify the database file was created
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("database file was not created")
	}
}

func TestNewSQLiteStore_CreatesDirectory(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "subdir", "nested", "test.db")

	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	defer store.Close()

	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		t.Error("database file was not created in nested directory")
	}
}

func TestSQLiteStore_InMemory(t *testing.T) {
	store, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	id := uuid.New()
	state := NewState(id)
	state.Messages = []Message{{ID: "m1", Role: RoleUser, Content: "hi", CreatedAt: time.Now()}}

	if err := store.SaveState(ctx, state); err != nil {
		t.Fatalf("SaveState failed: %v", err)
	}

	loaded, err := store.LoadState(ctx, id)
	if err != nil {
		t.Fatalf("LoadState failed: %v", err)
	}
	if len(loaded.Messages) != 1 {
		t.Errorf("expected 1 message, got %d", len(loaded.Messages))
	}
}

func TestSQLiteStore_SurvivesReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	ctx := context.Background()
	id := uuid.New()

	store := openSQLite(t, dbPath)
	state := NewState(id)
	state.Turns = 2
	state.Messages = sampleMessages()
	if err := store.SaveState(ctx, state); err != nil {
		t.Fatalf("SaveState failed: %v", err)
	}
	if err := store.RecordThread(ctx, id); err != nil {
		t.Fatalf("RecordThread failed: %v", err)
	}
	store.Close()

	reopened := openSQLite(t, dbPath)
	defer reopened.Close()

	loaded, err := reopened.LoadState(ctx, id)
	if err != nil {
		t.Fatalf("LoadState failed: %v", err)
	}
	if loaded.Version != 1 {
		t.Errorf("Version mismatch: got %d, want 1", loaded.Version)
	}
	if loaded.Turns != 2 {
		t.Errorf("Turns mismatch: got %d, want 2", loaded.Turns)
	}
	if len(loaded.Messages) != len(state.Messages) {
		t.Fatalf("message count mismatch: got %d, want %d", len(loaded.Messages), len(state.Messages))
	}
	if loaded.Messages[2].ToolName != "calculator" || loaded.Messages[2].ToolCallID != "call-1" {
		t.Errorf("tool message not restored: %+v", loaded.Messages[2])
	}

	threads, err := reopened.ListThreads(ctx)
	if err != nil {
		t.Fatalf("ListThreads failed: %v", err)
	}
	if len(threads) != 1 || threads[0].ID != id {
		t.Errorf("directory not restored: %+v", threads)
	}
}

func TestSQLiteStore_ToolErrorFlagRoundTrip(t *testing.T) {
	store := openSQLite(t, filepath.Join(t.TempDir(), "test.db"))
	defer store.Close()

	ctx := context.Background()
	id := uuid.New()
	state := NewState(id)
	state.Messages = []Message{
		{ID: "m1", Role: RoleTool, Content: `tool "search" failed: timeout`, ToolCallID: "c1", ToolName: "search", IsError: true, CreatedAt: time.Now()},
	}
	if err := store.SaveState(ctx, state); err != nil {
		t.Fatalf("SaveState failed: %v", err)
	}

	loaded, err := store.LoadState(ctx, id)
	if err != nil {
		t.Fatalf("LoadState failed: %v", err)
	}
	if !loaded.Messages[0].IsError {
		t.Error("expected IsError to survive the round trip")
	}
}

func openSQLite(t *testing.T, path string) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	return store
}
