package services

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/atamanahmet/beamlink/agent/identity"
	"github.com/atamanahmet/beamlink/agent/storage"
	"github.com/atamanahmet/beamlink/protocol"
)

// syncBatchSize caps how many entries ride in one sync request.
const syncBatchSize = 500

// syncedRetention is how long acknowledged entries stay on disk before the
// pruner removes them.
const syncedRetention = 7 * 24 * time.Hour

// LogSyncService reconciles the local transfer log with the nexus. Entries
// stay local until the nexus confirms holding them; a lost response just
// means the same batch goes again, and the merge on the other side skips
// duplicates.
type LogSyncService struct {
	nexus    *NexusClient
	identity *identity.Manager
	store    *storage.Store
	conn     *ConnectionManager
	interval time.Duration
}

// NewLogSyncService creates a new log sync service
func NewLogSyncService(nexus *NexusClient, identityMgr *identity.Manager, store *storage.Store,
	conn *ConnectionManager, intervalSec int) *LogSyncService {
	return &LogSyncService{
		nexus:    nexus,
		identity: identityMgr,
		store:    store,
		conn:     conn,
		interval: time.Duration(intervalSec) * time.Second,
	}
}

// Start runs the sync loop until ctx is cancelled.
func (s *LogSyncService) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.safeSync(ctx)
		}
	}
}

func (s *LogSyncService) safeSync(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("log sync cycle panicked: %v", r)
		}
	}()
	s.Sync(ctx)
}

// Sync pushes one batch of unsynced entries.
func (s *LogSyncService) Sync(ctx context.Context) {
	if s.identity.State() != protocol.StateApproved {
		return
	}

	entries, err := s.store.ListUnsynced(ctx, syncBatchSize)
	if err != nil {
		log.Printf("failed to list unsynced logs: %v", err)
		return
	}
	if len(entries) == 0 {
		s.prune(ctx)
		return
	}

	if s.conn.IsConnected() {
		env, err := protocol.NewEnvelope(protocol.TypeLogSync, protocol.LogSyncRequest{Entries: entries})
		if err == nil && s.conn.Send(env) == nil {
			// The result arrives asynchronously and lands in HandleMerged.
			return
		}
	}

	resp, err := s.nexus.SyncLogs(ctx, entries)
	if err != nil {
		log.Printf("log sync failed: %v", err)
		return
	}
	s.HandleMerged(ctx, resp.MergedIDs)
}

// HandleMerged marks entries the nexus confirmed, whichever channel the
// confirmation came over.
func (s *LogSyncService) HandleMerged(ctx context.Context, mergedIDs []uuid.UUID) {
	if len(mergedIDs) == 0 {
		return
	}
	if err := s.store.MarkSynced(ctx, mergedIDs); err != nil {
		log.Printf("failed to mark logs synced: %v", err)
		return
	}
	log.Printf("%d transfer log entries acknowledged", len(mergedIDs))
	s.prune(ctx)
}

func (s *LogSyncService) prune(ctx context.Context) {
	if err := s.store.PruneSynced(ctx, syncedRetention); err != nil {
		log.Printf("failed to prune synced logs: %v", err)
	}
}
