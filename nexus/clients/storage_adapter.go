package clients

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/atamanahmet/beamlink/nexus/domains"
	"github.com/atamanahmet/beamlink/protocol"
)

// ErrNotFound is returned by lookups that matched no record.
var ErrNotFound = errors.New("record not found")

// StorageAdapter defines the interface for nexus storage operations. Both
// the Postgres store and the in-memory store implement it.
type StorageAdapter interface {
	// Agent registry.
	CreateAgent(ctx context.Context, agent *domains.Agent) error
	GetAgent(ctx context.Context, id uuid.UUID) (*domains.Agent, error)
	GetAgentByAddress(ctx context.Context, ipAddress string, port int) (*domains.Agent, error)
	GetAgentByAuthToken(ctx context.Context, token string) (*domains.Agent, error)
	UpdateAgent(ctx context.Context, agent *domains.Agent) error
	DeleteAgent(ctx context.Context, id uuid.UUID) error
	ListAgents(ctx context.Context) ([]domains.Agent, error)
	ListAgentsByState(ctx context.Context, state protocol.AgentState) ([]domains.Agent, error)
	ListUnpushedApprovals(ctx context.Context) ([]domains.Agent, error)
	ListPendingRenames(ctx context.Context) ([]domains.Agent, error)
	NameTaken(ctx context.Context, name string, exclude uuid.UUID) (bool, error)
	RequestedNameTaken(ctx context.Context, name string, exclude uuid.UUID) (bool, error)

	// Peer list version counter. Increment is serialized by the store and
	// returns the new value.
	PeerListVersion(ctx context.Context) (int64, error)
	IncrementPeerListVersion(ctx context.Context) (int64, error)

	// Transfer log. InsertTransferLogs skips entries whose id is already
	// present and returns the ids of the newly inserted ones.
	InsertTransferLogs(ctx context.Context, entries []domains.TransferLog) ([]uuid.UUID, error)
	ListTransferLogs(ctx context.Context, limit int) ([]domains.TransferLog, error)
	TransferStats(ctx context.Context) (*domains.TransferStats, error)

	Close() error
}
