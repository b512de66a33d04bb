package services

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"

	"github.com/atamanahmet/beamlink/agent/clients"
	"github.com/atamanahmet/beamlink/protocol"
)

// NexusClient wraps the nexus HTTP API.
type NexusClient struct {
	http *clients.HTTPClient
}

// NewNexusClient creates a new nexus client
func NewNexusClient(http *clients.HTTPClient) *NexusClient {
	return &NexusClient{http: http}
}

// Register announces the agent to the nexus.
func (c *NexusClient) Register(ctx context.Context, req *protocol.RegistrationRequest) (*protocol.RegistrationResponse, error) {
	var resp protocol.RegistrationResponse
	if err := c.http.PostJSON(ctx, "/api/agents/register", req, &resp); err != nil {
		return nil, fmt.Errorf("failed to register: %w", err)
	}
	return &resp, nil
}

// Identify resolves an existing identity by address.
func (c *NexusClient) Identify(ctx context.Context, ipAddress string, port int) (*protocol.IdentityResponse, error) {
	var resp protocol.IdentityResponse
	path := fmt.Sprintf("/api/agents/identify?ip_address=%s&port=%d", ipAddress, port)
	if err := c.http.GetJSON(ctx, path, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Status sends a heartbeat.
func (c *NexusClient) Status(ctx context.Context, req *protocol.StatusRequest) (*protocol.StatusResponse, error) {
	var resp protocol.StatusResponse
	if err := c.http.PostJSON(ctx, "/api/agents/status", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Peers fetches the full peer list with its version.
func (c *NexusClient) Peers(ctx context.Context) (*protocol.PeerListResponse, error) {
	var resp protocol.PeerListResponse
	if err := c.http.GetJSON(ctx, "/api/peers", &resp); err != nil {
		return nil, fmt.Errorf("failed to fetch peers: %w", err)
	}
	return &resp, nil
}

// SyncLogs submits unsynced transfer log entries for the nexus to merge.
func (c *NexusClient) SyncLogs(ctx context.Context, entries []protocol.TransferLogEntry) (*protocol.LogSyncResponse, error) {
	var resp protocol.LogSyncResponse
	req := protocol.LogSyncRequest{Entries: entries}
	if err := c.http.PostJSON(ctx, "/api/logs/sync", req, &resp); err != nil {
		return nil, fmt.Errorf("failed to sync logs: %w", err)
	}
	return &resp, nil
}

// RequestRename asks the operator for a new name.
func (c *NexusClient) RequestRename(ctx context.Context, newName string) error {
	req := protocol.RenameRequest{NewName: newName}
	if err := c.http.PostJSON(ctx, "/api/agents/rename", req, nil); err != nil {
		return fmt.Errorf("failed to request rename: %w", err)
	}
	return nil
}

// Exists reports whether the nexus still knows the given agent id.
func (c *NexusClient) Exists(ctx context.Context, agentID uuid.UUID) (bool, error) {
	err := c.http.GetJSON(ctx, "/api/agents/"+agentID.String()+"/exists", nil)
	if err == nil {
		return true, nil
	}
	var statusErr *clients.StatusError
	if errors.As(err, &statusErr) && statusErr.StatusCode == http.StatusNotFound {
		return false, nil
	}
	return false, err
}

// IsIdentityLost reports whether err indicates the nexus discarded this
// agent's registration or tokens, meaning only a reset recovers.
func IsIdentityLost(err error) bool {
	var statusErr *clients.StatusError
	if !errors.As(err, &statusErr) {
		return false
	}
	return statusErr.StatusCode == http.StatusNotFound || statusErr.StatusCode == http.StatusUnauthorized
}
