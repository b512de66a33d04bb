package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/atamanahmet/beamlink/nexus/clients"
	"github.com/atamanahmet/beamlink/nexus/domains"
	"github.com/atamanahmet/beamlink/protocol"
)

// DefaultPushInterval is how often undelivered approvals are retried.
const DefaultPushInterval = 30 * time.Second

// PushService delivers issued identities to approved agents. Delivery
// prefers the live WebSocket session and falls back to the agent's HTTP
// approval endpoint. An agent that missed both keeps getting retried every
// sweep until a delivery succeeds.
type PushService struct {
	storage  clients.StorageAdapter
	hub      *SessionHub
	client   *http.Client
	interval time.Duration
}

// NewPushService creates a new push service
func NewPushService(storage clients.StorageAdapter, hub *SessionHub, interval time.Duration) *PushService {
	if interval <= 0 {
		interval = DefaultPushInterval
	}
	return &PushService{
		storage:  storage,
		hub:      hub,
		client:   &http.Client{Timeout: 5 * time.Second},
		interval: interval,
	}
}

// Run sweeps undelivered approvals until ctx is cancelled.
func (s *PushService) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.safeSweep(ctx)
		}
	}
}

func (s *PushService) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("approval push sweep panicked: %v", r)
		}
	}()
	s.Sweep(ctx)
}

// Sweep attempts delivery for every approved agent whose identity has not
// reached it yet. Failures are logged and retried on the next sweep.
func (s *PushService) Sweep(ctx context.Context) {
	pending, err := s.storage.ListUnpushedApprovals(ctx)
	if err != nil {
		log.Printf("failed to list unpushed approvals: %v", err)
		return
	}
	for i := range pending {
		agent := &pending[i]
		if err := s.Deliver(ctx, agent); err != nil {
			log.Printf("approval push to agent %s failed, will retry: %v", agent.ID, err)
		}
	}
}

// Deliver pushes one agent's identity and marks it delivered on success.
func (s *PushService) Deliver(ctx context.Context, agent *domains.Agent) error {
	push := protocol.ApprovalPush{
		AgentID:      agent.ID,
		ApprovedName: agent.Name,
		AuthToken:    agent.AuthToken,
		PublicToken:  agent.PublicToken,
		State:        agent.State,
	}

	if err := s.deliverOverChannel(agent, push); err != nil {
		if httpErr := s.deliverOverHTTP(ctx, agent, push); httpErr != nil {
			return fmt.Errorf("websocket: %v; http: %w", err, httpErr)
		}
	}

	agent.ApprovalPushed = true
	if err := s.storage.UpdateAgent(ctx, agent); err != nil {
		// The agent has its identity; the next sweep redelivers, which the
		// agent applies as a no-op.
		return fmt.Errorf("failed to mark approval pushed: %w", err)
	}
	log.Printf("approval delivered to agent %s", agent.ID)
	return nil
}

func (s *PushService) deliverOverChannel(agent *domains.Agent, push protocol.ApprovalPush) error {
	env, err := protocol.NewEnvelope(protocol.TypeApprovalPush, push)
	if err != nil {
		return err
	}
	return s.hub.Send(agent.ID, env)
}

func (s *PushService) deliverOverHTTP(ctx context.Context, agent *domains.Agent, push protocol.ApprovalPush) error {
	body, err := json.Marshal(push)
	if err != nil {
		return fmt.Errorf("failed to marshal approval push: %w", err)
	}

	url := agent.BaseURL() + "/api/approval"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach agent: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("agent returned status %d", resp.StatusCode)
	}
	return nil
}
