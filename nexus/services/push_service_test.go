package services

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"

	"github.com/atamanahmet/beamlink/nexus/storage/memory"
	"github.com/atamanahmet/beamlink/protocol"
)

// fakeAgent is an HTTP endpoint playing the agent's approval receiver.
func fakeAgent(t *testing.T, status int) (*httptest.Server, string, int, *[]protocol.ApprovalPush) {
	t.Helper()
	var received []protocol.ApprovalPush
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/approval" {
			http.NotFound(w, r)
			return
		}
		var push protocol.ApprovalPush
		if err := json.NewDecoder(r.Body).Decode(&push); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		received = append(received, push)
		w.WriteHeader(status)
	}))
	t.Cleanup(server.Close)

	host, portStr, err := net.SplitHostPort(server.Listener.Addr().String())
	if err != nil {
		t.Fatalf("failed to split address: %v", err)
	}
	port, _ := strconv.Atoi(portStr)
	return server, host, port, &received
}

func TestPushService_Sweep(t *testing.T) {
	t.Run("delivers over http fallback and marks pushed", func(t *testing.T) {
		_, host, port, received := fakeAgent(t, http.StatusOK)

		store := memory.NewStore()
		tokens := NewTokenService("test-secret", 3600)
		hub := NewSessionHub()
		agents := NewAgentService(store, tokens, hub, NexusInfo{Name: "nexus"})
		push := NewPushService(store, hub, DefaultPushInterval)

		ctx := context.Background()
		reg, err := agents.Register(ctx, &protocol.RegistrationRequest{Name: "laptop", IPAddress: host, Port: port})
		if err != nil {
			t.Fatalf("Register error: %v", err)
		}
		if _, err := agents.Approve(ctx, reg.AgentID, ""); err != nil {
			t.Fatalf("Approve error: %v", err)
		}

		push.Sweep(ctx)

		if len(*received) != 1 {
			t.Fatalf("expected 1 delivery, got %d", len(*received))
		}
		got := (*received)[0]
		if got.AgentID != reg.AgentID || got.ApprovedName != "laptop" {
			t.Errorf("push = %+v", got)
		}
		if got.AuthToken == "" || got.PublicToken == "" {
			t.Error("push must carry both tokens")
		}

		agent, _ := store.GetAgent(ctx, reg.AgentID)
		if !agent.ApprovalPushed {
			t.Error("delivery must be marked")
		}

		// A delivered approval leaves the sweep.
		push.Sweep(ctx)
		if len(*received) != 1 {
			t.Errorf("redelivered after success: %d deliveries", len(*received))
		}
	})

	t.Run("failed delivery is retried next sweep", func(t *testing.T) {
		_, host, port, received := fakeAgent(t, http.StatusInternalServerError)

		store := memory.NewStore()
		tokens := NewTokenService("test-secret", 3600)
		hub := NewSessionHub()
		agents := NewAgentService(store, tokens, hub, NexusInfo{Name: "nexus"})
		push := NewPushService(store, hub, DefaultPushInterval)

		ctx := context.Background()
		reg, _ := agents.Register(ctx, &protocol.RegistrationRequest{IPAddress: host, Port: port})
		if _, err := agents.Approve(ctx, reg.AgentID, "box"); err != nil {
			t.Fatalf("Approve error: %v", err)
		}

		push.Sweep(ctx)
		agent, _ := store.GetAgent(ctx, reg.AgentID)
		if agent.ApprovalPushed {
			t.Error("failed delivery must stay unmarked")
		}

		push.Sweep(ctx)
		if len(*received) != 2 {
			t.Errorf("expected 2 attempts, got %d", len(*received))
		}
	})
}
