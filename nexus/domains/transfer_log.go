package domains

import (
	"time"

	"github.com/google/uuid"
)

// TransferLog is the nexus's permanent copy of a transfer log entry. Entries
// arrive via the idempotent log-sync merge or are appended directly when the
// nexus itself receives a file.
type TransferLog struct {
	ID            uuid.UUID `json:"id"`
	FromAgentID   uuid.UUID `json:"from_agent_id"`
	FromAgentName string    `json:"from_agent_name"`
	ToAgentID     uuid.UUID `json:"to_agent_id"`
	ToAgentName   string    `json:"to_agent_name"`
	Filename      string    `json:"filename"`
	FileSize      int64     `json:"file_size"`
	Timestamp     time.Time `json:"timestamp"`
}

// TransferStats summarizes the transfer log for the dashboard.
type TransferStats struct {
	TotalTransfers int64 `json:"total_transfers"`
	TotalBytes     int64 `json:"total_bytes"`
}

// AgentStats summarizes the registry for the dashboard.
type AgentStats struct {
	Total         int64 `json:"total"`
	Online        int64 `json:"online"`
	Offline       int64 `json:"offline"`
	Pending       int64 `json:"pending"`
	PendingRename int64 `json:"pending_rename"`
}
