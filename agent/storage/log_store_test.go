package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/atamanahmet/beamlink/protocol"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := NewStore(filepath.Join(t.TempDir(), "agent.db"))
	if err != nil {
		t.Fatalf("NewStore error: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func entry(filename string) protocol.TransferLogEntry {
	return protocol.TransferLogEntry{
		ID:            uuid.New(),
		FromAgentID:   uuid.New(),
		FromAgentName: "sender",
		ToAgentID:     uuid.New(),
		ToAgentName:   "receiver",
		Filename:      filename,
		FileSize:      2048,
		Timestamp:     time.Now(),
	}
}

func TestStore_AppendAndList(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first := entry("a.txt")
	if err := store.AppendLog(ctx, first); err != nil {
		t.Fatalf("AppendLog error: %v", err)
	}
	if err := store.AppendLog(ctx, entry("b.txt")); err != nil {
		t.Fatalf("AppendLog error: %v", err)
	}

	// Replaying the same entry stores nothing twice.
	if err := store.AppendLog(ctx, first); err != nil {
		t.Fatalf("replay AppendLog error: %v", err)
	}

	unsynced, err := store.ListUnsynced(ctx, 0)
	if err != nil {
		t.Fatalf("ListUnsynced error: %v", err)
	}
	if len(unsynced) != 2 {
		t.Fatalf("expected 2 unsynced entries, got %d", len(unsynced))
	}
	if unsynced[0].Filename != "a.txt" {
		t.Errorf("oldest first, got %q", unsynced[0].Filename)
	}

	count, err := store.CountUnsynced(ctx)
	if err != nil {
		t.Fatalf("CountUnsynced error: %v", err)
	}
	if count != 2 {
		t.Errorf("CountUnsynced = %d, want 2", count)
	}
}

func TestStore_AppendAssignsID(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	e := entry("a.txt")
	e.ID = uuid.Nil
	if err := store.AppendLog(ctx, e); err != nil {
		t.Fatalf("AppendLog error: %v", err)
	}

	unsynced, _ := store.ListUnsynced(ctx, 0)
	if len(unsynced) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(unsynced))
	}
	if unsynced[0].ID == uuid.Nil {
		t.Error("entry must get an id at append time")
	}
}

func TestStore_MarkSyncedAndPrune(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	a, b := entry("a.txt"), entry("b.txt")
	a.Timestamp = time.Now().Add(-48 * time.Hour)
	if err := store.AppendLog(ctx, a); err != nil {
		t.Fatalf("AppendLog error: %v", err)
	}
	if err := store.AppendLog(ctx, b); err != nil {
		t.Fatalf("AppendLog error: %v", err)
	}

	if err := store.MarkSynced(ctx, []uuid.UUID{a.ID}); err != nil {
		t.Fatalf("MarkSynced error: %v", err)
	}

	unsynced, _ := store.ListUnsynced(ctx, 0)
	if len(unsynced) != 1 || unsynced[0].ID != b.ID {
		t.Fatalf("expected only b unsynced, got %d entries", len(unsynced))
	}

	// Prune removes synced entries past the retention window; unsynced
	// entries are never pruned.
	if err := store.PruneSynced(ctx, 24*time.Hour); err != nil {
		t.Fatalf("PruneSynced error: %v", err)
	}
	count, _ := store.CountUnsynced(ctx)
	if count != 1 {
		t.Errorf("unsynced count after prune = %d, want 1", count)
	}
}

func TestStore_MarkSyncedEmpty(t *testing.T) {
	store := newTestStore(t)
	if err := store.MarkSynced(context.Background(), nil); err != nil {
		t.Errorf("MarkSynced(nil) error: %v", err)
	}
}
