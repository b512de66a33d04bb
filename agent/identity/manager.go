// Package identity owns the agent's durable identity: its id, issued
// tokens and lifecycle state, persisted crash-safely on local disk.
package identity

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/atamanahmet/beamlink/protocol"
)

// Identity is the agent's persisted identity.
type Identity struct {
	AgentID     uuid.UUID           `json:"agent_id,omitempty"`
	Name        string              `json:"name,omitempty"`
	AuthToken   string              `json:"auth_token,omitempty"`
	PublicToken string              `json:"public_token,omitempty"`
	State       protocol.AgentState `json:"state"`
}

// Manager guards the identity with a mutex and persists every mutation
// before it becomes visible. Writes go to a temp file first and are renamed
// into place, so a crash mid-write never corrupts the stored identity.
type Manager struct {
	mu      sync.Mutex
	path    string
	current Identity
}

// NewManager loads the identity from path, starting UNREGISTERED when no
// file exists yet.
func NewManager(path string) (*Manager, error) {
	m := &Manager{
		path:    path,
		current: Identity{State: protocol.StateUnregistered},
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return m, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read identity file: %w", err)
	}

	var ident Identity
	if err := json.Unmarshal(data, &ident); err != nil {
		// A corrupt identity file is unrecoverable; start over and let
		// registration rebuild it.
		log.Printf("identity file corrupt, resetting: %v", err)
		return m, nil
	}
	if ident.State == "" {
		ident.State = protocol.StateUnregistered
	}
	m.current = ident
	return m, nil
}

// Current returns a copy of the identity.
func (m *Manager) Current() Identity {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// State returns the current lifecycle state.
func (m *Manager) State() protocol.AgentState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current.State
}

// SetRegistered records the id assigned at registration and moves to
// PENDING_APPROVAL. Valid from UNREGISTERED or as an id refresh while still
// pending.
func (m *Manager) SetRegistered(agentID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current.State == protocol.StateApproved {
		return fmt.Errorf("rejected transition %s -> %s", m.current.State, protocol.StatePendingApproval)
	}

	next := m.current
	next.AgentID = agentID
	next.State = protocol.StatePendingApproval
	return m.persist(next)
}

// ApplyApproval installs the identity issued by an approval push. Applying
// the same push twice is a no-op, so redelivered pushes are harmless. A
// push that carries no tokens is rejected.
func (m *Manager) ApplyApproval(push *protocol.ApprovalPush) error {
	if push.AuthToken == "" || push.PublicToken == "" {
		return fmt.Errorf("approval push missing tokens")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current.State == protocol.StateApproved &&
		m.current.AuthToken == push.AuthToken &&
		m.current.Name == push.ApprovedName {
		return nil
	}

	next := m.current
	next.AgentID = push.AgentID
	next.Name = push.ApprovedName
	next.AuthToken = push.AuthToken
	next.PublicToken = push.PublicToken
	next.State = protocol.StateApproved
	if err := m.persist(next); err != nil {
		return err
	}
	log.Printf("approved as %q (agent %s)", next.Name, next.AgentID)
	return nil
}

// Rename updates the approved name after the operator accepts a rename.
func (m *Manager) Rename(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current.State != protocol.StateApproved {
		return fmt.Errorf("rejected rename in state %s", m.current.State)
	}
	if m.current.Name == name {
		return nil
	}

	next := m.current
	next.Name = name
	return m.persist(next)
}

// ForceReset discards the identity entirely. Used when the nexus no longer
// knows this agent and a clean re-registration is the only way back.
func (m *Manager) ForceReset() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	log.Printf("resetting identity (was agent %s in state %s)", m.current.AgentID, m.current.State)
	return m.persist(Identity{State: protocol.StateUnregistered})
}

// persist writes next to disk and installs it in memory only after the
// write succeeded. Callers must hold m.mu.
func (m *Manager) persist(next Identity) error {
	dir := filepath.Dir(m.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	data, err := json.MarshalIndent(next, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal identity: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".agent_info-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write identity: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, 0600); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to set permissions: %w", err)
	}
	if err := os.Rename(tmpPath, m.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to replace identity file: %w", err)
	}

	m.current = next
	return nil
}
