package services

import (
	"context"
	"log"
	"time"

	"github.com/atamanahmet/beamlink/agent/identity"
	"github.com/atamanahmet/beamlink/agent/storage"
	"github.com/atamanahmet/beamlink/protocol"
)

// HeartbeatService drives the agent's periodic contact with the nexus:
// it keeps the registration alive, reports status, and picks up peer list
// updates the channel missed.
type HeartbeatService struct {
	nexus        *NexusClient
	identity     *identity.Manager
	registration *RegistrationService
	peers        *PeerCache
	conn         *ConnectionManager
	store        *storage.Store
	ipAddress    string
	port         int
	interval     time.Duration
}

// NewHeartbeatService creates a new heartbeat service
func NewHeartbeatService(nexus *NexusClient, identityMgr *identity.Manager, registration *RegistrationService,
	peers *PeerCache, conn *ConnectionManager, store *storage.Store, ipAddress string, port, intervalSec int) *HeartbeatService {
	return &HeartbeatService{
		nexus:        nexus,
		identity:     identityMgr,
		registration: registration,
		peers:        peers,
		conn:         conn,
		store:        store,
		ipAddress:    ipAddress,
		port:         port,
		interval:     time.Duration(intervalSec) * time.Second,
	}
}

// Start runs the heartbeat loop until ctx is cancelled.
func (h *HeartbeatService) Start(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	h.safeTick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.safeTick(ctx)
		}
	}
}

// safeTick keeps one bad cycle from killing the loop.
func (h *HeartbeatService) safeTick(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("heartbeat tick panicked: %v", r)
		}
	}()
	h.tick(ctx)
}

func (h *HeartbeatService) tick(ctx context.Context) {
	if err := h.registration.EnsureRegistered(ctx); err != nil {
		log.Printf("registration check failed: %v", err)
		return
	}

	ident := h.identity.Current()
	if ident.State == protocol.StatePendingApproval {
		// Pending agents have nothing to report yet; they only watch for the
		// nexus dropping their registration.
		h.checkPending(ctx, ident)
		return
	}
	if ident.State == protocol.StateApproved {
		// Keep the channel alive; no-op while connected.
		if err := h.conn.Connect(ctx); err != nil {
			log.Printf("channel unavailable, staying on polling: %v", err)
		}
	}

	if h.conn.IsConnected() {
		h.sendOverChannel(ctx)
		return
	}
	h.sendOverHTTP(ctx, ident)
}

// checkPending verifies the nexus still holds this agent's pending
// registration. A rejected agent re-registers from scratch.
func (h *HeartbeatService) checkPending(ctx context.Context, ident identity.Identity) {
	exists, err := h.nexus.Exists(ctx, ident.AgentID)
	if err != nil {
		log.Printf("pending identity check failed: %v", err)
		return
	}
	if !exists {
		log.Printf("nexus no longer holds the pending registration, starting over")
		if err := h.registration.Reset(ctx); err != nil {
			log.Printf("re-registration failed: %v", err)
		}
	}
}

func (h *HeartbeatService) sendOverChannel(ctx context.Context) {
	payload := protocol.StatusUpdatePayload{
		IPAddress:    h.ipAddress,
		Port:         h.port,
		PeerVersion:  h.peers.Version(),
		UnsyncedLogs: h.countUnsynced(ctx),
	}
	env, err := protocol.NewEnvelope(protocol.TypeStatusUpdate, payload)
	if err != nil {
		log.Printf("failed to build status update: %v", err)
		return
	}
	if err := h.conn.Send(env); err != nil {
		// The connection dropped under us; the HTTP path covers this tick.
		h.sendOverHTTP(ctx, h.identity.Current())
	}
}

func (h *HeartbeatService) sendOverHTTP(ctx context.Context, ident identity.Identity) {
	if ident.State == protocol.StateUnregistered {
		return
	}

	req := &protocol.StatusRequest{
		AgentID:      ident.AgentID,
		Name:         ident.Name,
		IPAddress:    h.ipAddress,
		Port:         h.port,
		PeerVersion:  h.peers.Version(),
		UnsyncedLogs: h.countUnsynced(ctx),
	}
	resp, err := h.nexus.Status(ctx, req)
	if err != nil {
		if IsIdentityLost(err) {
			log.Printf("nexus no longer knows this agent, re-registering")
			if resetErr := h.registration.Reset(ctx); resetErr != nil {
				log.Printf("re-registration failed: %v", resetErr)
			}
			return
		}
		log.Printf("heartbeat failed: %v", err)
		return
	}

	h.HandleStatusResponse(resp)
}

// HandleStatusResponse applies a status answer, whichever channel carried
// it.
func (h *HeartbeatService) HandleStatusResponse(resp *protocol.StatusResponse) {
	if resp.State == protocol.StateApproved && resp.ApprovedName != "" {
		current := h.identity.Current()
		if current.State == protocol.StateApproved && current.Name != resp.ApprovedName {
			// A rename was approved while the push could not reach us.
			if err := h.identity.Rename(resp.ApprovedName); err != nil {
				log.Printf("failed to apply rename: %v", err)
			} else {
				log.Printf("name updated to %q", resp.ApprovedName)
			}
		}
	}

	if resp.PeerOutdated && resp.Peers != nil {
		h.peers.Install(resp.Peers, resp.PeerVersion)
		log.Printf("peer list updated to version %d (%d peers)", resp.PeerVersion, len(resp.Peers))
	}
}

func (h *HeartbeatService) countUnsynced(ctx context.Context) int {
	count, err := h.store.CountUnsynced(ctx)
	if err != nil {
		log.Printf("failed to count unsynced logs: %v", err)
		return 0
	}
	return count
}
