package services

import (
	"context"
	"fmt"
	"log"
	"sync/atomic"

	"github.com/atamanahmet/beamlink/agent/identity"
	"github.com/atamanahmet/beamlink/agent/utils"
	"github.com/atamanahmet/beamlink/protocol"
)

// RegistrationService keeps the agent registered with the nexus. Only one
// registration attempt runs at a time; concurrent triggers from the
// heartbeat and the connection manager collapse into the running one.
type RegistrationService struct {
	nexus     *NexusClient
	identity  *identity.Manager
	name      string
	ipAddress string
	port      int
	retry     *utils.RetryPolicy
	inFlight  atomic.Bool
}

// NewRegistrationService creates a new registration service
func NewRegistrationService(nexus *NexusClient, identityMgr *identity.Manager, name, ipAddress string, port int) *RegistrationService {
	return &RegistrationService{
		nexus:     nexus,
		identity:  identityMgr,
		name:      name,
		ipAddress: ipAddress,
		port:      port,
		retry:     utils.DefaultRetryPolicy(),
	}
}

// EnsureRegistered makes sure the agent holds a registration. It first
// tries to recover an existing identity by address, so a reinstalled agent
// reclaims its record instead of creating a duplicate. Callers racing the
// running attempt return immediately.
func (r *RegistrationService) EnsureRegistered(ctx context.Context) error {
	if r.identity.State() != protocol.StateUnregistered {
		return nil
	}
	if !r.inFlight.CompareAndSwap(false, true) {
		return nil
	}
	defer r.inFlight.Store(false)

	// Somebody may have finished while we raced for the flag.
	if r.identity.State() != protocol.StateUnregistered {
		return nil
	}

	if recovered, err := r.recover(ctx); err == nil && recovered {
		return nil
	}

	// The nexus may still be coming up when the agent boots.
	var resp *protocol.RegistrationResponse
	err := r.retry.Execute(ctx, func() error {
		var regErr error
		resp, regErr = r.nexus.Register(ctx, &protocol.RegistrationRequest{
			Name:      r.name,
			IPAddress: r.ipAddress,
			Port:      r.port,
		})
		return regErr
	})
	if err != nil {
		return fmt.Errorf("registration failed: %w", err)
	}

	if err := r.identity.SetRegistered(resp.AgentID); err != nil {
		return err
	}
	log.Printf("registered as agent %s, state %s", resp.AgentID, resp.State)
	return nil
}

// recover tries to resolve an identity the nexus already has for this
// address. It restores issued tokens after a local wipe.
func (r *RegistrationService) recover(ctx context.Context) (bool, error) {
	resp, err := r.nexus.Identify(ctx, r.ipAddress, r.port)
	if err != nil {
		return false, err
	}

	switch resp.State {
	case protocol.StateApproved:
		err = r.identity.ApplyApproval(&protocol.ApprovalPush{
			AgentID:      resp.AgentID,
			ApprovedName: resp.Name,
			AuthToken:    resp.AuthToken,
			PublicToken:  resp.PublicToken,
			State:        resp.State,
		})
		if err != nil {
			return false, err
		}
		log.Printf("recovered approved identity %s (%s)", resp.AgentID, resp.Name)
		return true, nil
	case protocol.StatePendingApproval:
		if err := r.identity.SetRegistered(resp.AgentID); err != nil {
			return false, err
		}
		log.Printf("recovered pending identity %s", resp.AgentID)
		return true, nil
	}
	return false, nil
}

// Reset discards the local identity and immediately re-registers. Called
// when the nexus answers 404 or 401 to an authenticated request.
func (r *RegistrationService) Reset(ctx context.Context) error {
	if err := r.identity.ForceReset(); err != nil {
		return err
	}
	return r.EnsureRegistered(ctx)
}
