package services

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/atamanahmet/beamlink/agent/identity"
	"github.com/atamanahmet/beamlink/protocol"
)

type channelServer struct {
	srv      *httptest.Server
	upgrades atomic.Int32

	mu    sync.Mutex
	conns []*websocket.Conn
}

func newChannelServer(t *testing.T) *channelServer {
	t.Helper()
	cs := &channelServer{}
	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		cs.upgrades.Add(1)
		cs.mu.Lock()
		cs.conns = append(cs.conns, conn)
		cs.mu.Unlock()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	cs.srv = httptest.NewServer(mux)
	t.Cleanup(func() {
		cs.closeAll()
		cs.srv.Close()
	})
	return cs
}

func (cs *channelServer) closeAll() {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	for _, conn := range cs.conns {
		conn.Close()
	}
	cs.conns = nil
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestConnectionManagerReconnectDedup(t *testing.T) {
	cs := newChannelServer(t)
	mgr := approvedIdentity(t, t.TempDir(), "laptop")

	m := NewConnectionManager(cs.srv.URL, mgr, func(protocol.Envelope) {})
	m.delay = 20 * time.Millisecond
	defer m.Close()

	// A burst of drop notifications must arm a single delayed attempt,
	// producing exactly one dial.
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m.scheduleReconnect()
		}()
	}
	wg.Wait()

	waitFor(t, 2*time.Second, func() bool { return m.IsConnected() })
	time.Sleep(100 * time.Millisecond)
	if got := cs.upgrades.Load(); got != 1 {
		t.Fatalf("dials = %d, want 1", got)
	}
}

func TestConnectionManagerRecoversAfterDrop(t *testing.T) {
	cs := newChannelServer(t)
	mgr := approvedIdentity(t, t.TempDir(), "laptop")

	m := NewConnectionManager(cs.srv.URL, mgr, func(protocol.Envelope) {})
	m.delay = 20 * time.Millisecond
	defer m.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.Connect(ctx); err != nil {
		t.Fatalf("Connect error: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return cs.upgrades.Load() == 1 })

	cs.closeAll()
	waitFor(t, 2*time.Second, func() bool { return cs.upgrades.Load() == 2 && m.IsConnected() })
}

func TestConnectionManagerRefusesUnapproved(t *testing.T) {
	cs := newChannelServer(t)
	mgr, err := identity.NewManager(filepath.Join(t.TempDir(), "agent_info.json"))
	if err != nil {
		t.Fatalf("NewManager error: %v", err)
	}

	m := NewConnectionManager(cs.srv.URL, mgr, func(protocol.Envelope) {})
	defer m.Close()

	if err := m.Connect(context.Background()); err == nil {
		t.Fatal("expected error for unapproved agent")
	}
	if cs.upgrades.Load() != 0 {
		t.Errorf("unapproved agent dialed the nexus")
	}
}
