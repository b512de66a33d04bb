package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"

	"github.com/atamanahmet/beamlink/agent/identity"
	"github.com/atamanahmet/beamlink/protocol"
)

// PeerCache holds the agent's view of the peer list. The in-memory copy is
// the fast path; a disk snapshot lets a freshly restarted agent see its
// peers before the nexus answers. List and version are only ever installed
// together.
type PeerCache struct {
	mu       sync.Mutex
	peers    []protocol.Peer
	version  int64
	loaded   bool
	path     string
	nexus    *NexusClient
	identity *identity.Manager
}

type peerSnapshot struct {
	Peers   []protocol.Peer `json:"peers"`
	Version int64           `json:"version"`
}

// NewPeerCache creates a peer cache backed by a snapshot file.
func NewPeerCache(path string, nexus *NexusClient, identityMgr *identity.Manager) *PeerCache {
	return &PeerCache{
		path:     path,
		nexus:    nexus,
		identity: identityMgr,
	}
}

// Version returns the cached peer list version, zero when nothing is
// installed yet.
func (p *PeerCache) Version() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.version
}

// Install replaces the cached list. Stale installs are dropped: a
// concurrent heartbeat and push may deliver versions out of order.
func (p *PeerCache) Install(peers []protocol.Peer, version int64) {
	p.mu.Lock()
	if p.loaded && version <= p.version {
		p.mu.Unlock()
		return
	}
	p.peers = peers
	p.version = version
	p.loaded = true
	p.mu.Unlock()

	if err := p.snapshot(peers, version); err != nil {
		log.Printf("failed to snapshot peer list: %v", err)
	}
}

// Peers returns the peer list, refreshing it when nothing is cached. The
// chain is memory, then a live fetch, then the disk snapshot, so a nexus
// outage degrades to the last known list instead of an empty one.
func (p *PeerCache) Peers(ctx context.Context) ([]protocol.Peer, int64, error) {
	p.mu.Lock()
	if p.loaded {
		peers, version := p.peers, p.version
		p.mu.Unlock()
		return peers, version, nil
	}
	p.mu.Unlock()

	if p.identity.State() == protocol.StateApproved {
		if list, err := p.nexus.Peers(ctx); err == nil {
			p.Install(list.Peers, list.Version)
			return list.Peers, list.Version, nil
		} else {
			log.Printf("live peer refresh failed, trying snapshot: %v", err)
		}
	}

	snap, err := p.loadSnapshot()
	if err != nil {
		return nil, 0, fmt.Errorf("no peer list available: %w", err)
	}
	p.mu.Lock()
	if !p.loaded {
		p.peers = snap.Peers
		p.version = snap.Version
		p.loaded = true
	}
	peers, version := p.peers, p.version
	p.mu.Unlock()
	return peers, version, nil
}

// Refresh forcibly fetches the live list. Only approved agents may call
// the peers endpoint.
func (p *PeerCache) Refresh(ctx context.Context) error {
	if p.identity.State() != protocol.StateApproved {
		return fmt.Errorf("agent is not approved")
	}
	list, err := p.nexus.Peers(ctx)
	if err != nil {
		return err
	}
	p.Install(list.Peers, list.Version)
	return nil
}

func (p *PeerCache) snapshot(peers []protocol.Peer, version int64) error {
	dir := filepath.Dir(p.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	data, err := json.Marshal(peerSnapshot{Peers: peers, Version: version})
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".peers-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, p.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to replace snapshot: %w", err)
	}
	return nil
}

func (p *PeerCache) loadSnapshot() (*peerSnapshot, error) {
	data, err := os.ReadFile(p.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read snapshot: %w", err)
	}
	var snap peerSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to parse snapshot: %w", err)
	}
	return &snap, nil
}
