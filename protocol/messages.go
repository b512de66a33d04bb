// Package protocol defines the wire types exchanged between agents and the
// nexus, over both the HTTP API and the persistent WebSocket channel.
package protocol

import (
	"time"

	"github.com/google/uuid"
)

// AgentState is the lifecycle state of an agent record.
type AgentState string

const (
	StateUnregistered    AgentState = "UNREGISTERED"
	StatePendingApproval AgentState = "PENDING_APPROVAL"
	StateApproved        AgentState = "APPROVED"
)

// RegistrationRequest is sent by an agent to join the network.
type RegistrationRequest struct {
	Name      string `json:"name,omitempty"`
	IPAddress string `json:"ip_address" validate:"required"`
	Port      int    `json:"port" validate:"required,min=1,max=65535"`
}

// RegistrationResponse returns the agent's assigned id and current state.
// Registration is idempotent on (ip_address, port): re-registering returns
// the existing record unchanged.
type RegistrationResponse struct {
	AgentID uuid.UUID  `json:"agent_id"`
	State   AgentState `json:"state"`
}

// IdentityResponse resolves an agent's identity by address on startup.
type IdentityResponse struct {
	AgentID     uuid.UUID  `json:"agent_id"`
	Name        string     `json:"name"`
	AuthToken   string     `json:"auth_token,omitempty"`
	PublicToken string     `json:"public_token,omitempty"`
	State       AgentState `json:"state"`
}

// StatusRequest is the periodic heartbeat an agent sends to the nexus.
type StatusRequest struct {
	AgentID      uuid.UUID `json:"agent_id" validate:"required"`
	Name         string    `json:"name,omitempty"`
	IPAddress    string    `json:"ip_address" validate:"required"`
	Port         int       `json:"port" validate:"required,min=1,max=65535"`
	PeerVersion  int64     `json:"peer_version"`
	UnsyncedLogs int       `json:"unsynced_logs"`
}

// PeerStatus is a lightweight online flag for a single peer, piggybacked on
// the status response so agents can refresh presence without a full peer
// list install.
type PeerStatus struct {
	AgentID uuid.UUID `json:"agent_id"`
	Online  bool      `json:"online"`
}

// StatusResponse answers a heartbeat. Peers is populated only when the
// agent's known peer version is behind; it must always be installed together
// with PeerVersion.
type StatusResponse struct {
	State        AgentState   `json:"state"`
	ApprovedName string       `json:"approved_name,omitempty"`
	PeerOutdated bool         `json:"peer_outdated"`
	PeerVersion  int64        `json:"peer_version"`
	Peers        []Peer       `json:"peers,omitempty"`
	AgentStatus  []PeerStatus `json:"agent_statuses,omitempty"`
}

// Peer describes one member of the approved set as seen by other agents.
type Peer struct {
	AgentID     uuid.UUID `json:"agent_id"`
	Name        string    `json:"name"`
	IPAddress   string    `json:"ip_address"`
	Port        int       `json:"port"`
	PublicToken string    `json:"public_token,omitempty"`
	Online      bool      `json:"online"`
	Nexus       bool      `json:"nexus,omitempty"`
}

// PeerListResponse is the full peer list with its version. The two fields
// are only ever valid taken together.
type PeerListResponse struct {
	Peers   []Peer `json:"peers"`
	Version int64  `json:"version"`
}

// ApprovalPush carries an agent's issued identity after operator approval.
// Reapplying the same push is a no-op on the agent side.
type ApprovalPush struct {
	AgentID      uuid.UUID  `json:"agent_id" validate:"required"`
	ApprovedName string     `json:"approved_name" validate:"required"`
	AuthToken    string     `json:"auth_token" validate:"required"`
	PublicToken  string     `json:"public_token" validate:"required"`
	State        AgentState `json:"state" validate:"required"`
}

// RenamePush notifies an agent that its rename request was approved.
type RenamePush struct {
	Name string `json:"name" validate:"required"`
}

// RenameRequest asks the nexus to queue a rename for operator approval.
type RenameRequest struct {
	NewName string `json:"new_name" validate:"required"`
}

// TransferLogEntry records a single completed file transfer. The id is
// assigned by the producer at creation time and is globally unique, which
// makes the nexus-side merge idempotent.
type TransferLogEntry struct {
	ID            uuid.UUID `json:"id" validate:"required"`
	FromAgentID   uuid.UUID `json:"from_agent_id"`
	FromAgentName string    `json:"from_agent_name"`
	ToAgentID     uuid.UUID `json:"to_agent_id"`
	ToAgentName   string    `json:"to_agent_name"`
	Filename      string    `json:"filename"`
	FileSize      int64     `json:"file_size"`
	Timestamp     time.Time `json:"timestamp"`
}

// LogSyncRequest is a batch of locally unsynced transfer log entries.
type LogSyncRequest struct {
	Entries []TransferLogEntry `json:"entries" validate:"required"`
}

// LogSyncResponse lists every submitted id present on the nexus after the
// merge. The sender marks exactly those entries as synced and prunes them.
type LogSyncResponse struct {
	MergedIDs []uuid.UUID `json:"merged_ids"`
}

// UploadResponse confirms a completed file upload.
type UploadResponse struct {
	Filename string `json:"filename"`
	Size     int64  `json:"size"`
}

// ErrorResponse is the common error body.
type ErrorResponse struct {
	Error   string            `json:"error"`
	Details map[string]string `json:"details,omitempty"`
}
