package services

import (
	"fmt"
	"log"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/atamanahmet/beamlink/protocol"
)

// SessionHub tracks the live WebSocket session for each connected agent.
// At most one session exists per agent id; a new connection for the same id
// replaces the old one.
type SessionHub struct {
	mu       sync.Mutex
	sessions map[uuid.UUID]*session
}

type session struct {
	conn *websocket.Conn
	// writeMu serializes writes; gorilla permits one concurrent writer.
	writeMu sync.Mutex
}

// NewSessionHub creates an empty hub.
func NewSessionHub() *SessionHub {
	return &SessionHub{sessions: make(map[uuid.UUID]*session)}
}

// Register installs a connection for an agent, closing any previous one.
func (h *SessionHub) Register(agentID uuid.UUID, conn *websocket.Conn) {
	h.mu.Lock()
	old, ok := h.sessions[agentID]
	h.sessions[agentID] = &session{conn: conn}
	h.mu.Unlock()

	if ok {
		log.Printf("replacing websocket session for agent %s", agentID)
		old.conn.Close()
	}
}

// Unregister removes the connection for an agent, but only if it is still
// the current one. A stale read-loop exiting after a replacement must not
// tear down the replacement's session.
func (h *SessionHub) Unregister(agentID uuid.UUID, conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if current, ok := h.sessions[agentID]; ok && current.conn == conn {
		delete(h.sessions, agentID)
	}
}

// IsConnected reports whether the agent has a live session.
func (h *SessionHub) IsConnected(agentID uuid.UUID) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.sessions[agentID]
	return ok
}

// Send marshals an envelope to the agent's session. It returns an error if
// the agent is not connected or the write fails; callers fall back to HTTP
// delivery on error.
func (h *SessionHub) Send(agentID uuid.UUID, env protocol.Envelope) error {
	h.mu.Lock()
	sess, ok := h.sessions[agentID]
	h.mu.Unlock()
	if !ok {
		return fmt.Errorf("agent %s has no websocket session", agentID)
	}

	sess.writeMu.Lock()
	defer sess.writeMu.Unlock()
	if err := sess.conn.WriteJSON(env); err != nil {
		return fmt.Errorf("failed to write to agent %s: %w", agentID, err)
	}
	return nil
}

// Broadcast sends an envelope to every connected session. Failed writes are
// logged and skipped; agents recover via the heartbeat version check.
func (h *SessionHub) Broadcast(env protocol.Envelope) {
	h.mu.Lock()
	ids := make([]uuid.UUID, 0, len(h.sessions))
	for id := range h.sessions {
		ids = append(ids, id)
	}
	h.mu.Unlock()

	for _, id := range ids {
		if err := h.Send(id, env); err != nil {
			log.Printf("broadcast to agent %s failed: %v", id, err)
		}
	}
}

// ConnectedCount returns the number of live sessions.
func (h *SessionHub) ConnectedCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}
