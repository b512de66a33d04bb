package services

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/atamanahmet/beamlink/nexus/domains"
	"github.com/atamanahmet/beamlink/nexus/storage/memory"
	"github.com/atamanahmet/beamlink/protocol"
)

func testEntries(n int) []protocol.TransferLogEntry {
	entries := make([]protocol.TransferLogEntry, n)
	for i := range entries {
		entries[i] = protocol.TransferLogEntry{
			ID:            uuid.New(),
			FromAgentID:   uuid.New(),
			FromAgentName: "sender",
			ToAgentID:     uuid.New(),
			ToAgentName:   "receiver",
			Filename:      "report.pdf",
			FileSize:      1024,
			Timestamp:     time.Now(),
		}
	}
	return entries
}

func TestTransferLogService_Merge(t *testing.T) {
	t.Run("merge stores entries and confirms all ids", func(t *testing.T) {
		store := memory.NewStore()
		svc := NewTransferLogService(store)
		ctx := context.Background()

		entries := testEntries(3)
		resp, err := svc.Merge(ctx, entries)
		if err != nil {
			t.Fatalf("Merge error: %v", err)
		}
		if len(resp.MergedIDs) != 3 {
			t.Errorf("MergedIDs = %d, want 3", len(resp.MergedIDs))
		}

		stats, _ := svc.Stats(ctx)
		if stats.TotalTransfers != 3 {
			t.Errorf("TotalTransfers = %d, want 3", stats.TotalTransfers)
		}
	})

	t.Run("replayed batch stores nothing twice but confirms everything", func(t *testing.T) {
		store := memory.NewStore()
		svc := NewTransferLogService(store)
		ctx := context.Background()

		entries := testEntries(2)
		if _, err := svc.Merge(ctx, entries); err != nil {
			t.Fatalf("first Merge error: %v", err)
		}

		// The first response was lost; the sender replays the same batch
		// plus one new entry.
		replay := append(entries, testEntries(1)...)
		resp, err := svc.Merge(ctx, replay)
		if err != nil {
			t.Fatalf("second Merge error: %v", err)
		}

		// All three ids confirmed, so the sender can finally prune the two
		// it never got an answer for.
		if len(resp.MergedIDs) != 3 {
			t.Errorf("MergedIDs = %d, want 3", len(resp.MergedIDs))
		}

		stats, _ := svc.Stats(ctx)
		if stats.TotalTransfers != 3 {
			t.Errorf("TotalTransfers = %d, want 3 (duplicates stored)", stats.TotalTransfers)
		}
		if stats.TotalBytes != 3*1024 {
			t.Errorf("TotalBytes = %d, want %d", stats.TotalBytes, 3*1024)
		}
	})

	t.Run("empty batch", func(t *testing.T) {
		svc := NewTransferLogService(memory.NewStore())
		resp, err := svc.Merge(context.Background(), nil)
		if err != nil {
			t.Fatalf("Merge error: %v", err)
		}
		if len(resp.MergedIDs) != 0 {
			t.Errorf("MergedIDs = %d, want 0", len(resp.MergedIDs))
		}
	})
}

func TestTransferLogService_Append(t *testing.T) {
	store := memory.NewStore()
	svc := NewTransferLogService(store)
	ctx := context.Background()

	svc.Append(ctx, domains.TransferLog{Filename: "notes.txt", FileSize: 512, Timestamp: time.Now().Add(-time.Minute)})
	svc.Append(ctx, domains.TransferLog{Filename: "notes2.txt", FileSize: 256, Timestamp: time.Now()})

	logs, err := svc.List(ctx, 10)
	if err != nil {
		t.Fatalf("List error: %v", err)
	}
	if len(logs) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(logs))
	}
	// Newest first.
	if logs[0].Filename != "notes2.txt" {
		t.Errorf("first entry = %q, want newest", logs[0].Filename)
	}
}
