package services

import (
	"context"
	"log"
	"time"

	"github.com/atamanahmet/beamlink/agent/identity"
	"github.com/atamanahmet/beamlink/protocol"
)

// Dispatcher routes inbound channel messages to the services that own
// them. Malformed payloads and unknown types are logged and dropped.
type Dispatcher struct {
	identity  *identity.Manager
	peers     *PeerCache
	heartbeat *HeartbeatService
	logSync   *LogSyncService
}

// NewDispatcher creates a new dispatcher
func NewDispatcher(identityMgr *identity.Manager, peers *PeerCache, heartbeat *HeartbeatService, logSync *LogSyncService) *Dispatcher {
	return &Dispatcher{
		identity:  identityMgr,
		peers:     peers,
		heartbeat: heartbeat,
		logSync:   logSync,
	}
}

// Handle processes one inbound envelope.
func (d *Dispatcher) Handle(env protocol.Envelope) {
	switch env.Type {
	case protocol.TypeApprovalPush:
		var push protocol.ApprovalPush
		if err := env.DecodePayload(&push); err != nil {
			log.Printf("bad approval push: %v", err)
			return
		}
		if err := d.identity.ApplyApproval(&push); err != nil {
			log.Printf("failed to apply approval: %v", err)
		}

	case protocol.TypePeerUpdate:
		var list protocol.PeerListResponse
		if err := env.DecodePayload(&list); err != nil {
			log.Printf("bad peer update: %v", err)
			return
		}
		version := list.Version
		if env.Version > version {
			version = env.Version
		}
		d.peers.Install(list.Peers, version)
		log.Printf("peer list pushed, version %d (%d peers)", version, len(list.Peers))

	case protocol.TypeRenamePush:
		var rename protocol.RenamePush
		if err := env.DecodePayload(&rename); err != nil {
			log.Printf("bad rename push: %v", err)
			return
		}
		if err := d.identity.Rename(rename.Name); err != nil {
			log.Printf("failed to apply rename: %v", err)
		}

	case protocol.TypeStatusUpdate:
		var resp protocol.StatusResponse
		if err := env.DecodePayload(&resp); err != nil {
			log.Printf("bad status reply: %v", err)
			return
		}
		d.heartbeat.HandleStatusResponse(&resp)

	case protocol.TypeLogSyncResult:
		var resp protocol.LogSyncResponse
		if err := env.DecodePayload(&resp); err != nil {
			log.Printf("bad log sync result: %v", err)
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		d.logSync.HandleMerged(ctx, resp.MergedIDs)
		cancel()

	default:
		log.Printf("unknown message type %q", env.Type)
	}
}
