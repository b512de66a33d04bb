package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/atamanahmet/beamlink/nexus/clients"
	"github.com/atamanahmet/beamlink/nexus/domains"
	"github.com/atamanahmet/beamlink/protocol"
)

// ErrInvalidTransition is returned when an operation would move an agent
// through a lifecycle transition the state machine forbids.
var ErrInvalidTransition = errors.New("invalid state transition")

// ErrNameTaken is returned when a requested or assigned name collides with
// another agent.
var ErrNameTaken = errors.New("name already taken")

// NexusInfo describes the nexus itself as it appears in peer lists.
type NexusInfo struct {
	ID        uuid.UUID
	Name      string
	IPAddress string
	Port      int
}

// AgentService owns the agent lifecycle: registration, approval, renames,
// heartbeats and the versioned peer list.
type AgentService struct {
	storage clients.StorageAdapter
	tokens  *TokenService
	hub     *SessionHub
	self    NexusInfo
}

// NewAgentService creates a new agent service
func NewAgentService(storage clients.StorageAdapter, tokens *TokenService, hub *SessionHub, self NexusInfo) *AgentService {
	return &AgentService{
		storage: storage,
		tokens:  tokens,
		hub:     hub,
		self:    self,
	}
}

// Register admits an agent into the registry. Registration is idempotent on
// the (ip_address, port) pair: a second register from the same address
// returns the existing record unchanged, whatever its state.
func (s *AgentService) Register(ctx context.Context, req *protocol.RegistrationRequest) (*protocol.RegistrationResponse, error) {
	existing, err := s.storage.GetAgentByAddress(ctx, req.IPAddress, req.Port)
	if err == nil {
		return &protocol.RegistrationResponse{AgentID: existing.ID, State: existing.State}, nil
	}
	if !errors.Is(err, clients.ErrNotFound) {
		return nil, fmt.Errorf("failed to look up agent by address: %w", err)
	}

	now := time.Now()
	agent := &domains.Agent{
		ID:           uuid.New(),
		ProposedName: strings.TrimSpace(req.Name),
		IPAddress:    req.IPAddress,
		Port:         req.Port,
		State:        protocol.StatePendingApproval,
		RegisteredAt: now,
		LastSeenAt:   now,
	}
	if err := s.storage.CreateAgent(ctx, agent); err != nil {
		return nil, fmt.Errorf("failed to create agent: %w", err)
	}

	log.Printf("agent %s registered from %s, pending approval", agent.ID, agent.Address())
	return &protocol.RegistrationResponse{AgentID: agent.ID, State: agent.State}, nil
}

// Identify resolves an agent's identity by its address. Agents call this on
// startup when their local identity file is missing or stale.
func (s *AgentService) Identify(ctx context.Context, ipAddress string, port int) (*protocol.IdentityResponse, error) {
	agent, err := s.storage.GetAgentByAddress(ctx, ipAddress, port)
	if err != nil {
		return nil, err
	}
	return &protocol.IdentityResponse{
		AgentID:     agent.ID,
		Name:        agent.Name,
		AuthToken:   agent.AuthToken,
		PublicToken: agent.PublicToken,
		State:       agent.State,
	}, nil
}

// GetAgent retrieves an agent by id.
func (s *AgentService) GetAgent(ctx context.Context, id uuid.UUID) (*domains.Agent, error) {
	return s.storage.GetAgent(ctx, id)
}

// GetAgentByAuthToken resolves an agent from its issued auth token.
func (s *AgentService) GetAgentByAuthToken(ctx context.Context, token string) (*domains.Agent, error) {
	return s.storage.GetAgentByAuthToken(ctx, token)
}

// ListAgents returns the full registry.
func (s *AgentService) ListAgents(ctx context.Context) ([]domains.Agent, error) {
	return s.storage.ListAgents(ctx)
}

// PendingRenames returns approved agents with a rename awaiting operator
// action.
func (s *AgentService) PendingRenames(ctx context.Context) ([]domains.Agent, error) {
	return s.storage.ListPendingRenames(ctx)
}

// Approve moves a pending agent to APPROVED: the final name is fixed,
// both tokens are issued and the peer list version is bumped exactly once.
// The issued identity is delivered asynchronously by the push service.
// Approving an already approved agent is a no-op.
func (s *AgentService) Approve(ctx context.Context, id uuid.UUID, nameOverride string) (*domains.Agent, error) {
	agent, err := s.storage.GetAgent(ctx, id)
	if err != nil {
		return nil, err
	}
	if agent.State == protocol.StateApproved {
		return agent, nil
	}
	if agent.State != protocol.StatePendingApproval {
		return nil, fmt.Errorf("%w: cannot approve agent in state %s", ErrInvalidTransition, agent.State)
	}

	name := strings.TrimSpace(nameOverride)
	if name == "" {
		name = agent.ProposedName
	}
	if name == "" {
		name = "agent-" + agent.ID.String()[:8]
	}
	taken, err := s.storage.NameTaken(ctx, name, agent.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to check name: %w", err)
	}
	if taken {
		return nil, fmt.Errorf("%w: %s", ErrNameTaken, name)
	}

	authToken, err := s.tokens.GenerateAuthToken(agent.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to issue auth token: %w", err)
	}
	publicToken, err := s.tokens.GeneratePublicToken(agent.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to issue public token: %w", err)
	}

	agent.Name = name
	agent.ProposedName = ""
	agent.State = protocol.StateApproved
	agent.AuthToken = authToken
	agent.PublicToken = publicToken
	agent.ApprovalPushed = false
	if err := s.storage.UpdateAgent(ctx, agent); err != nil {
		return nil, fmt.Errorf("failed to update agent: %w", err)
	}

	if err := s.bumpAndBroadcast(ctx); err != nil {
		return nil, err
	}
	log.Printf("agent %s approved as %q", agent.ID, agent.Name)
	return agent, nil
}

// Reject removes a pending agent. The agent was never part of the approved
// set, so the peer list version does not change.
func (s *AgentService) Reject(ctx context.Context, id uuid.UUID) error {
	agent, err := s.storage.GetAgent(ctx, id)
	if err != nil {
		return err
	}
	if agent.State != protocol.StatePendingApproval {
		log.Printf("refused to reject agent %s in state %s", id, agent.State)
		return fmt.Errorf("%w: cannot reject agent in state %s", ErrInvalidTransition, agent.State)
	}
	if err := s.storage.DeleteAgent(ctx, id); err != nil {
		return fmt.Errorf("failed to delete agent: %w", err)
	}
	log.Printf("agent %s rejected", id)
	return nil
}

// Remove deletes an agent from the registry. Removing an approved agent
// shrinks the peer list, so the version is bumped.
func (s *AgentService) Remove(ctx context.Context, id uuid.UUID) error {
	agent, err := s.storage.GetAgent(ctx, id)
	if err != nil {
		return err
	}
	if err := s.storage.DeleteAgent(ctx, id); err != nil {
		return fmt.Errorf("failed to delete agent: %w", err)
	}
	log.Printf("agent %s (%s) removed", id, agent.Name)
	if agent.State == protocol.StateApproved {
		return s.bumpAndBroadcast(ctx)
	}
	return nil
}

// RequestRename queues a rename for operator approval. The agent keeps its
// current name until the operator acts.
func (s *AgentService) RequestRename(ctx context.Context, id uuid.UUID, newName string) error {
	agent, err := s.storage.GetAgent(ctx, id)
	if err != nil {
		return err
	}
	if agent.State != protocol.StateApproved {
		return fmt.Errorf("%w: only approved agents can request a rename", ErrInvalidTransition)
	}
	newName = strings.TrimSpace(newName)
	if newName == "" {
		return fmt.Errorf("new name must not be empty")
	}
	if strings.EqualFold(newName, agent.Name) {
		return nil
	}
	taken, err := s.storage.NameTaken(ctx, newName, agent.ID)
	if err != nil {
		return fmt.Errorf("failed to check name: %w", err)
	}
	if !taken {
		taken, err = s.storage.RequestedNameTaken(ctx, newName, agent.ID)
		if err != nil {
			return fmt.Errorf("failed to check requested name: %w", err)
		}
	}
	if taken {
		return fmt.Errorf("%w: %s", ErrNameTaken, newName)
	}

	agent.RequestedName = newName
	if err := s.storage.UpdateAgent(ctx, agent); err != nil {
		return fmt.Errorf("failed to update agent: %w", err)
	}
	log.Printf("agent %s requested rename to %q", id, newName)
	return nil
}

// ApproveRename applies a queued rename, bumps the peer list version and
// notifies the agent over its channel when connected.
func (s *AgentService) ApproveRename(ctx context.Context, id uuid.UUID) (*domains.Agent, error) {
	agent, err := s.storage.GetAgent(ctx, id)
	if err != nil {
		return nil, err
	}
	if agent.State != protocol.StateApproved {
		return nil, fmt.Errorf("%w: cannot approve rename for agent in state %s", ErrInvalidTransition, agent.State)
	}
	if agent.RequestedName == "" {
		return nil, fmt.Errorf("agent %s has no pending rename", id)
	}

	agent.Name = agent.RequestedName
	agent.RequestedName = ""
	if err := s.storage.UpdateAgent(ctx, agent); err != nil {
		return nil, fmt.Errorf("failed to update agent: %w", err)
	}
	if err := s.bumpAndBroadcast(ctx); err != nil {
		return nil, err
	}

	env, err := protocol.NewEnvelope(protocol.TypeRenamePush, protocol.RenamePush{Name: agent.Name})
	if err == nil {
		if sendErr := s.hub.Send(agent.ID, env); sendErr != nil {
			log.Printf("rename push to agent %s deferred to heartbeat: %v", agent.ID, sendErr)
		}
	}
	log.Printf("agent %s renamed to %q", id, agent.Name)
	return agent, nil
}

// RejectRename clears a queued rename without touching the current name.
func (s *AgentService) RejectRename(ctx context.Context, id uuid.UUID) error {
	agent, err := s.storage.GetAgent(ctx, id)
	if err != nil {
		return err
	}
	if agent.State != protocol.StateApproved {
		return fmt.Errorf("%w: cannot reject rename for agent in state %s", ErrInvalidTransition, agent.State)
	}
	if agent.RequestedName == "" {
		return nil
	}
	agent.RequestedName = ""
	if err := s.storage.UpdateAgent(ctx, agent); err != nil {
		return fmt.Errorf("failed to update agent: %w", err)
	}
	return nil
}

// UpdateStatus handles a heartbeat: refreshes liveness, tracks address
// changes, and tells the agent whether its peer list is stale. When the
// reported peer version is behind, the fresh list rides along so the agent
// installs it without a second round trip.
func (s *AgentService) UpdateStatus(ctx context.Context, agentID uuid.UUID, req *protocol.StatusRequest) (*protocol.StatusResponse, error) {
	agent, err := s.storage.GetAgent(ctx, agentID)
	if err != nil {
		return nil, err
	}

	agent.LastSeenAt = time.Now()
	addressChanged := false
	if req.IPAddress != "" && req.Port != 0 &&
		(agent.IPAddress != req.IPAddress || agent.Port != req.Port) {
		log.Printf("agent %s moved from %s to %s:%d", agent.ID, agent.Address(), req.IPAddress, req.Port)
		agent.IPAddress = req.IPAddress
		agent.Port = req.Port
		addressChanged = true
	}
	if err := s.storage.UpdateAgent(ctx, agent); err != nil {
		return nil, fmt.Errorf("failed to update agent: %w", err)
	}

	if addressChanged && agent.State == protocol.StateApproved {
		if err := s.bumpAndBroadcast(ctx); err != nil {
			return nil, err
		}
	}

	version, err := s.storage.PeerListVersion(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read peer list version: %w", err)
	}

	resp := &protocol.StatusResponse{
		State:        agent.State,
		ApprovedName: agent.Name,
		PeerVersion:  version,
	}
	if agent.State == protocol.StateApproved {
		if req.PeerVersion < version {
			resp.PeerOutdated = true
			list, err := s.PeerList(ctx)
			if err != nil {
				return nil, err
			}
			resp.Peers = list.Peers
			resp.PeerVersion = list.Version
		}
		statuses, err := s.peerStatuses(ctx)
		if err != nil {
			return nil, err
		}
		resp.AgentStatus = statuses
	}
	return resp, nil
}

// PeerList builds the current peer list with its version. The list contains
// every approved agent plus the nexus itself; version and list are read
// together so agents never cache a mismatched pair.
func (s *AgentService) PeerList(ctx context.Context) (*protocol.PeerListResponse, error) {
	agents, err := s.storage.ListAgentsByState(ctx, protocol.StateApproved)
	if err != nil {
		return nil, fmt.Errorf("failed to list approved agents: %w", err)
	}
	version, err := s.storage.PeerListVersion(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read peer list version: %w", err)
	}

	peers := make([]protocol.Peer, 0, len(agents)+1)
	peers = append(peers, protocol.Peer{
		AgentID:   s.self.ID,
		Name:      s.self.Name,
		IPAddress: s.self.IPAddress,
		Port:      s.self.Port,
		Online:    true,
		Nexus:     true,
	})
	now := time.Now()
	for i := range agents {
		peers = append(peers, s.toPeer(&agents[i], now))
	}
	return &protocol.PeerListResponse{Peers: peers, Version: version}, nil
}

// Stats summarizes the registry for the admin dashboard.
func (s *AgentService) Stats(ctx context.Context) (*domains.AgentStats, error) {
	agents, err := s.storage.ListAgents(ctx)
	if err != nil {
		return nil, err
	}
	stats := &domains.AgentStats{}
	now := time.Now()
	for i := range agents {
		agent := &agents[i]
		stats.Total++
		switch {
		case agent.State == protocol.StatePendingApproval:
			stats.Pending++
		case agent.OnlineAt(now):
			stats.Online++
		default:
			stats.Offline++
		}
		if agent.State == protocol.StateApproved && agent.RequestedName != "" {
			stats.PendingRename++
		}
	}
	return stats, nil
}

// bumpAndBroadcast advances the peer list version and pushes the fresh list
// to every connected agent. Disconnected agents catch up on their next
// heartbeat.
func (s *AgentService) bumpAndBroadcast(ctx context.Context) error {
	version, err := s.storage.IncrementPeerListVersion(ctx)
	if err != nil {
		return fmt.Errorf("failed to increment peer list version: %w", err)
	}

	list, err := s.PeerList(ctx)
	if err != nil {
		log.Printf("peer update broadcast skipped: %v", err)
		return nil
	}
	env, err := protocol.NewEnvelope(protocol.TypePeerUpdate, list)
	if err != nil {
		return err
	}
	env.Version = version
	s.hub.Broadcast(env)
	return nil
}

func (s *AgentService) peerStatuses(ctx context.Context) ([]protocol.PeerStatus, error) {
	agents, err := s.storage.ListAgentsByState(ctx, protocol.StateApproved)
	if err != nil {
		return nil, fmt.Errorf("failed to list approved agents: %w", err)
	}
	now := time.Now()
	statuses := make([]protocol.PeerStatus, 0, len(agents))
	for i := range agents {
		statuses = append(statuses, protocol.PeerStatus{
			AgentID: agents[i].ID,
			Online:  agents[i].OnlineAt(now) || s.hub.IsConnected(agents[i].ID),
		})
	}
	return statuses, nil
}

func (s *AgentService) toPeer(agent *domains.Agent, now time.Time) protocol.Peer {
	return protocol.Peer{
		AgentID:     agent.ID,
		Name:        agent.Name,
		IPAddress:   agent.IPAddress,
		Port:        agent.Port,
		PublicToken: agent.PublicToken,
		Online:      agent.OnlineAt(now) || s.hub.IsConnected(agent.ID),
	}
}
