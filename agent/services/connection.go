package services

import (
	"context"
	"fmt"
	"log"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/atamanahmet/beamlink/agent/identity"
	"github.com/atamanahmet/beamlink/protocol"
)

// reconnectDelay is the fixed wait before a reconnect attempt. The
// heartbeat keeps the agent functional while the channel is down, so
// backoff sophistication buys nothing on a LAN.
const reconnectDelay = 10 * time.Second

// ConnectionManager maintains the persistent channel to the nexus. The
// channel only exists while the agent is approved; everything it carries
// also has an HTTP path, so a down channel degrades, never breaks.
type ConnectionManager struct {
	nexusURL  string
	identity  *identity.Manager
	onMessage func(protocol.Envelope)
	delay     time.Duration

	mu        sync.Mutex
	conn      *websocket.Conn
	connected bool

	// reconnectScheduled collapses concurrent reconnect triggers into one
	// pending attempt.
	reconnectScheduled atomic.Bool
	closed             atomic.Bool
}

// NewConnectionManager creates a new connection manager. onMessage receives
// every inbound envelope.
func NewConnectionManager(nexusURL string, identityMgr *identity.Manager, onMessage func(protocol.Envelope)) *ConnectionManager {
	return &ConnectionManager{
		nexusURL:  nexusURL,
		identity:  identityMgr,
		onMessage: onMessage,
		delay:     reconnectDelay,
	}
}

// IsConnected reports whether the channel is up.
func (m *ConnectionManager) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// Connect dials the nexus if the agent is approved and no connection
// exists. Safe to call repeatedly; extra calls while connected are no-ops.
func (m *ConnectionManager) Connect(ctx context.Context) error {
	if m.closed.Load() {
		return fmt.Errorf("connection manager closed")
	}

	ident := m.identity.Current()
	if ident.State != protocol.StateApproved || ident.AuthToken == "" {
		return fmt.Errorf("agent is not approved, no channel")
	}

	m.mu.Lock()
	if m.connected {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	wsURL, err := m.websocketURL()
	if err != nil {
		return err
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	header := map[string][]string{"X-Auth-Token": {ident.AuthToken}}
	conn, resp, err := dialer.DialContext(ctx, wsURL, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return fmt.Errorf("failed to dial nexus: %w", err)
	}

	m.mu.Lock()
	if m.connected {
		// Lost the race against another Connect.
		m.mu.Unlock()
		conn.Close()
		return nil
	}
	m.conn = conn
	m.connected = true
	m.mu.Unlock()

	log.Printf("channel to nexus established")
	go m.readLoop(conn)
	return nil
}

// Send writes an envelope to the channel. When the channel is down the
// message is dropped with a log line; callers rely on the HTTP path for
// anything that must arrive.
func (m *ConnectionManager) Send(env protocol.Envelope) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		log.Printf("channel down, dropping %s message", env.Type)
		return fmt.Errorf("not connected")
	}
	if err := m.conn.WriteJSON(env); err != nil {
		return fmt.Errorf("failed to write %s message: %w", env.Type, err)
	}
	return nil
}

// Close tears the channel down permanently.
func (m *ConnectionManager) Close() {
	m.closed.Store(true)
	m.mu.Lock()
	if m.conn != nil {
		m.conn.Close()
	}
	m.mu.Unlock()
}

func (m *ConnectionManager) readLoop(conn *websocket.Conn) {
	defer func() {
		m.mu.Lock()
		if m.conn == conn {
			m.conn = nil
			m.connected = false
		}
		m.mu.Unlock()
		conn.Close()
		m.scheduleReconnect()
	}()

	for {
		var env protocol.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			if !m.closed.Load() {
				log.Printf("channel read failed: %v", err)
			}
			return
		}
		m.onMessage(env)
	}
}

// scheduleReconnect arms exactly one delayed reconnect attempt. A second
// drop while one is pending does not stack another.
func (m *ConnectionManager) scheduleReconnect() {
	if m.closed.Load() {
		return
	}
	if !m.reconnectScheduled.CompareAndSwap(false, true) {
		return
	}

	log.Printf("reconnecting to nexus in %s", m.delay)
	time.AfterFunc(m.delay, func() {
		m.reconnectScheduled.Store(false)
		if m.closed.Load() {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := m.Connect(ctx); err != nil {
			log.Printf("reconnect failed: %v", err)
			m.scheduleReconnect()
		}
	})
}

func (m *ConnectionManager) websocketURL() (string, error) {
	parsed, err := url.Parse(m.nexusURL)
	if err != nil {
		return "", fmt.Errorf("invalid nexus url: %w", err)
	}
	switch parsed.Scheme {
	case "http":
		parsed.Scheme = "ws"
	case "https":
		parsed.Scheme = "wss"
	}
	parsed.Path = strings.TrimSuffix(parsed.Path, "/") + "/ws"
	return parsed.String(), nil
}
