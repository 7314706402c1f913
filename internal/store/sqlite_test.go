// ABOUTME: Tests for SQLite store implementation
// ABOUTME: Covers agent record upserts, NULL handling, transitions and config overrides

package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestNewSQLiteStore(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	defer store.Close()

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

func TestNewSQLiteStore_Reopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "test.db")
	ctx := context.Background()

	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}
	if err := store.SaveAgent(ctx, &AgentRecord{ID: "a1", State: "Ready", CreationTime: time.Now()}); err != nil {
		t.Fatalf("SaveAgent failed: %v", err)
	}
	store.Close()

	store, err = NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("reopening store failed: %v", err)
	}
	defer store.Close()

	got, err := store.GetAgent(ctx, "a1")
	if err != nil {
		t.Fatalf("GetAgent after reopen failed: %v", err)
	}
	if got.State != "Ready" {
		t.Errorf("State = %q, want Ready", got.State)
	}
}

func TestSQLiteStore_SaveAgentNullableFields(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()
	ctx := context.Background()

	created := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	if err := store.SaveAgent(ctx, &AgentRecord{
		ID:           "a1",
		State:        "WaitingForHello",
		CreationTime: created,
		ExpiryTime:   created.Add(time.Hour),
	}); err != nil {
		t.Fatalf("SaveAgent failed: %v", err)
	}

	got, err := store.GetAgent(ctx, "a1")
	if err != nil {
		t.Fatalf("GetAgent failed: %v", err)
	}
	if got.UUID != "" || got.Queue != "" || got.JobUUID != "" || got.ShutdownReason != "" {
		t.Errorf("unset strings should round trip as empty, got %+v", got)
	}
	if !got.LastHeardFrom.IsZero() || !got.ConnectionTime.IsZero() {
		t.Errorf("unset times should round trip as zero, got %v / %v", got.LastHeardFrom, got.ConnectionTime)
	}
	if !got.CreationTime.Equal(created) {
		t.Errorf("CreationTime = %v, want %v", got.CreationTime, created)
	}
	if !got.ExpiryTime.Equal(created.Add(time.Hour)) {
		t.Errorf("ExpiryTime = %v, want %v", got.ExpiryTime, created.Add(time.Hour))
	}
	if got.UpdatedAt.IsZero() {
		t.Error("UpdatedAt should default to now")
	}
}

func TestSQLiteStore_ListAgentsOrderAndLimit(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()
	ctx := context.Background()

	base := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	for i, id := range []string{"c", "a", "b"} {
		rec := &AgentRecord{ID: id, State: "Ready", CreationTime: base.Add(time.Duration(i) * time.Minute)}
		if err := store.SaveAgent(ctx, rec); err != nil {
			t.Fatalf("SaveAgent(%s) failed: %v", id, err)
		}
	}

	all, err := store.ListAgents(ctx, 0)
	if err != nil {
		t.Fatalf("ListAgents failed: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 agents, got %d", len(all))
	}
	if all[0].ID != "c" || all[1].ID != "a" || all[2].ID != "b" {
		t.Errorf("unexpected order: %s %s %s", all[0].ID, all[1].ID, all[2].ID)
	}

	two, err := store.ListAgents(ctx, 2)
	if err != nil {
		t.Fatalf("ListAgents(2) failed: %v", err)
	}
	if len(two) != 2 {
		t.Errorf("expected 2 agents, got %d", len(two))
	}
}

func TestSQLiteStore_DeleteCascadesTransitions(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()
	ctx := context.Background()

	if err := store.SaveAgent(ctx, &AgentRecord{ID: "a1", State: "Ready", CreationTime: time.Now()}); err != nil {
		t.Fatalf("SaveAgent failed: %v", err)
	}
	if err := store.AppendTransition(ctx, &Transition{AgentID: "a1", FromState: "WaitingForHello", ToState: "Ready"}); err != nil {
		t.Fatalf("AppendTransition failed: %v", err)
	}

	if err := store.DeleteAgent(ctx, "a1"); err != nil {
		t.Fatalf("DeleteAgent failed: %v", err)
	}
	ts, err := store.ListTransitions(ctx, "a1", 0)
	if err != nil {
		t.Fatalf("ListTransitions failed: %v", err)
	}
	if len(ts) != 0 {
		t.Errorf("expected transitions to be deleted, got %d", len(ts))
	}
}

func TestSQLiteStore_TransitionRequiresAgent(t *testing.T) {
	store := newTestStore(t)
	defer store.Close()

	err := store.AppendTransition(context.Background(), &Transition{AgentID: "ghost", FromState: "Ready", ToState: "Busy"})
	if err == nil {
		t.Error("expected foreign key violation for unknown agent")
	}
}

func TestSQLiteStore_ClosedStoreErrors(t *testing.T) {
	store := newTestStore(t)
	store.Close()

	_, err := store.GetAgent(context.Background(), "a1")
	if err == nil || errors.Is(err, ErrNotFound) {
		t.Errorf("expected a database error after close, got %v", err)
	}
}

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	store, err := NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("NewSQLiteStore failed: %v", err)
	}

	return store
}
