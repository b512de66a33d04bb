package services

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/atamanahmet/beamlink/nexus/clients"
	"github.com/atamanahmet/beamlink/nexus/domains"
	"github.com/atamanahmet/beamlink/protocol"
)

// TransferLogService maintains the nexus's permanent transfer log and the
// idempotent merge agents reconcile against.
type TransferLogService struct {
	storage clients.StorageAdapter
}

// NewTransferLogService creates a new transfer log service
func NewTransferLogService(storage clients.StorageAdapter) *TransferLogService {
	return &TransferLogService{storage: storage}
}

// Merge folds a batch of agent-side entries into the permanent log. Entries
// whose id is already present are skipped, so replaying a batch after a
// lost response stores nothing twice. The response lists every submitted id
// present after the merge, which lets the sender prune entries whose first
// sync response never arrived.
func (s *TransferLogService) Merge(ctx context.Context, entries []protocol.TransferLogEntry) (*protocol.LogSyncResponse, error) {
	logs := make([]domains.TransferLog, 0, len(entries))
	for _, entry := range entries {
		logs = append(logs, domains.TransferLog{
			ID:            entry.ID,
			FromAgentID:   entry.FromAgentID,
			FromAgentName: entry.FromAgentName,
			ToAgentID:     entry.ToAgentID,
			ToAgentName:   entry.ToAgentName,
			Filename:      entry.Filename,
			FileSize:      entry.FileSize,
			Timestamp:     entry.Timestamp,
		})
	}

	inserted, err := s.storage.InsertTransferLogs(ctx, logs)
	if err != nil {
		return nil, fmt.Errorf("failed to merge transfer logs: %w", err)
	}
	if len(inserted) > 0 {
		log.Printf("merged %d new transfer log entries (%d submitted)", len(inserted), len(entries))
	}

	merged := make([]uuid.UUID, 0, len(entries))
	for _, entry := range entries {
		merged = append(merged, entry.ID)
	}
	return &protocol.LogSyncResponse{MergedIDs: merged}, nil
}

// Append records a transfer the nexus itself completed. A failure here is
// logged and swallowed; the transfer already succeeded.
func (s *TransferLogService) Append(ctx context.Context, entry domains.TransferLog) {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	if _, err := s.storage.InsertTransferLogs(ctx, []domains.TransferLog{entry}); err != nil {
		log.Printf("failed to record transfer of %s: %v", entry.Filename, err)
	}
}

// List returns up to limit entries, newest first.
func (s *TransferLogService) List(ctx context.Context, limit int) ([]domains.TransferLog, error) {
	return s.storage.ListTransferLogs(ctx, limit)
}

// Stats returns totals over the whole log.
func (s *TransferLogService) Stats(ctx context.Context) (*domains.TransferStats, error) {
	return s.storage.TransferStats(ctx)
}
