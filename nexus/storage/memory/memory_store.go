// Package memory provides an in-memory StorageAdapter used for development
// and tests. Data does not survive a restart.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/atamanahmet/beamlink/nexus/clients"
	"github.com/atamanahmet/beamlink/nexus/domains"
	"github.com/atamanahmet/beamlink/protocol"
)

// Store is a mutex-guarded in-memory implementation of StorageAdapter.
type Store struct {
	mu       sync.Mutex
	agents   map[uuid.UUID]*domains.Agent
	logs     map[uuid.UUID]*domains.TransferLog
	logOrder []uuid.UUID
	version  int64
}

// NewStore creates an empty in-memory store. The peer list version starts
// at 1, matching a freshly initialized Postgres store.
func NewStore() *Store {
	return &Store{
		agents:  make(map[uuid.UUID]*domains.Agent),
		logs:    make(map[uuid.UUID]*domains.TransferLog),
		version: 1,
	}
}

// CreateAgent inserts a new agent record.
func (s *Store) CreateAgent(ctx context.Context, agent *domains.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *agent
	s.agents[agent.ID] = &clone
	return nil
}

// GetAgent retrieves an agent by id.
func (s *Store) GetAgent(ctx context.Context, id uuid.UUID) (*domains.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	agent, ok := s.agents[id]
	if !ok {
		return nil, clients.ErrNotFound
	}
	clone := *agent
	return &clone, nil
}

// GetAgentByAddress retrieves an agent by its registration address.
func (s *Store) GetAgentByAddress(ctx context.Context, ipAddress string, port int) (*domains.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, agent := range s.agents {
		if agent.IPAddress == ipAddress && agent.Port == port {
			clone := *agent
			return &clone, nil
		}
	}
	return nil, clients.ErrNotFound
}

// GetAgentByAuthToken retrieves an agent by its issued auth token.
func (s *Store) GetAgentByAuthToken(ctx context.Context, token string) (*domains.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if token == "" {
		return nil, clients.ErrNotFound
	}
	for _, agent := range s.agents {
		if agent.AuthToken == token {
			clone := *agent
			return &clone, nil
		}
	}
	return nil, clients.ErrNotFound
}

// UpdateAgent replaces an existing record.
func (s *Store) UpdateAgent(ctx context.Context, agent *domains.Agent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.agents[agent.ID]; !ok {
		return clients.ErrNotFound
	}
	clone := *agent
	s.agents[agent.ID] = &clone
	return nil
}

// DeleteAgent removes a record. Deleting a missing record is an error.
func (s *Store) DeleteAgent(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.agents[id]; !ok {
		return clients.ErrNotFound
	}
	delete(s.agents, id)
	return nil
}

// ListAgents returns all records sorted by registration time.
func (s *Store) ListAgents(ctx context.Context) ([]domains.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.collect(func(*domains.Agent) bool { return true }), nil
}

// ListAgentsByState returns all records in the given state.
func (s *Store) ListAgentsByState(ctx context.Context, state protocol.AgentState) ([]domains.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.collect(func(a *domains.Agent) bool { return a.State == state }), nil
}

// ListUnpushedApprovals returns approved agents awaiting push delivery.
func (s *Store) ListUnpushedApprovals(ctx context.Context) ([]domains.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.collect(func(a *domains.Agent) bool {
		return a.State == protocol.StateApproved && !a.ApprovalPushed
	}), nil
}

// ListPendingRenames returns approved agents with a rename awaiting
// operator action.
func (s *Store) ListPendingRenames(ctx context.Context) ([]domains.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.collect(func(a *domains.Agent) bool {
		return a.State == protocol.StateApproved && a.RequestedName != ""
	}), nil
}

// NameTaken reports whether any agent other than exclude holds name.
func (s *Store) NameTaken(ctx context.Context, name string, exclude uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, agent := range s.agents {
		if agent.ID != exclude && strings.EqualFold(agent.Name, name) {
			return true, nil
		}
	}
	return false, nil
}

// RequestedNameTaken reports whether any other agent has a pending rename
// to name.
func (s *Store) RequestedNameTaken(ctx context.Context, name string, exclude uuid.UUID) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, agent := range s.agents {
		if agent.ID != exclude && agent.RequestedName != "" && strings.EqualFold(agent.RequestedName, name) {
			return true, nil
		}
	}
	return false, nil
}

// PeerListVersion returns the current version counter.
func (s *Store) PeerListVersion(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version, nil
}

// IncrementPeerListVersion bumps the counter by exactly one.
func (s *Store) IncrementPeerListVersion(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.version++
	return s.version, nil
}

// InsertTransferLogs inserts entries whose id is not yet present and
// returns the newly inserted ids.
func (s *Store) InsertTransferLogs(ctx context.Context, entries []domains.TransferLog) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inserted := make([]uuid.UUID, 0, len(entries))
	for _, entry := range entries {
		if _, ok := s.logs[entry.ID]; ok {
			continue
		}
		clone := entry
		s.logs[entry.ID] = &clone
		s.logOrder = append(s.logOrder, entry.ID)
		inserted = append(inserted, entry.ID)
	}
	return inserted, nil
}

// ListTransferLogs returns up to limit entries, newest first.
func (s *Store) ListTransferLogs(ctx context.Context, limit int) ([]domains.TransferLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	logs := make([]domains.TransferLog, 0, len(s.logOrder))
	for i := len(s.logOrder) - 1; i >= 0; i-- {
		if limit > 0 && len(logs) >= limit {
			break
		}
		logs = append(logs, *s.logs[s.logOrder[i]])
	}
	return logs, nil
}

// TransferStats returns totals over the whole log.
func (s *Store) TransferStats(ctx context.Context) (*domains.TransferStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := &domains.TransferStats{TotalTransfers: int64(len(s.logs))}
	for _, entry := range s.logs {
		stats.TotalBytes += entry.FileSize
	}
	return stats, nil
}

// Close is a no-op for the in-memory store.
func (s *Store) Close() error { return nil }

// collect returns a sorted snapshot of agents matching keep. Callers must
// hold s.mu.
func (s *Store) collect(keep func(*domains.Agent) bool) []domains.Agent {
	agents := make([]domains.Agent, 0, len(s.agents))
	for _, agent := range s.agents {
		if keep(agent) {
			agents = append(agents, *agent)
		}
	}
	sort.Slice(agents, func(i, j int) bool {
		return agents[i].RegisteredAt.Before(agents[j].RegisteredAt)
	})
	return agents
}
