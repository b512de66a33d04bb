package protocol

import (
	"encoding/json"
	"fmt"
)

// WebSocket message types. Each type has exactly one payload shape; unknown
// types are logged and dropped by receivers for forward compatibility.
const (
	TypeApprovalPush  = "approval_push"
	TypePeerUpdate    = "peer_update"
	TypeRenamePush    = "rename_request"
	TypeStatusUpdate  = "status_update"
	TypeLogSync       = "log_sync"
	TypeLogSyncResult = "log_sync_result"
)

// Envelope wraps every message on the persistent channel. Version carries
// the peer list version for peer_update messages and is zero otherwise.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Version int64           `json:"version,omitempty"`
}

// NewEnvelope marshals payload into an Envelope of the given type.
func NewEnvelope(msgType string, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("failed to marshal %s payload: %w", msgType, err)
	}
	return Envelope{Type: msgType, Payload: raw}, nil
}

// StatusUpdatePayload is sent by agents over the channel in place of the
// HTTP heartbeat once connected. The session already knows the agent id.
type StatusUpdatePayload struct {
	IPAddress    string `json:"ip_address,omitempty"`
	Port         int    `json:"port,omitempty"`
	PeerVersion  int64  `json:"peer_version"`
	UnsyncedLogs int    `json:"unsynced_logs"`
}

// DecodePayload unmarshals the envelope payload into dst.
func (e Envelope) DecodePayload(dst any) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%s message has empty payload", e.Type)
	}
	if err := json.Unmarshal(e.Payload, dst); err != nil {
		return fmt.Errorf("failed to decode %s payload: %w", e.Type, err)
	}
	return nil
}
