package services

import (
	"testing"

	"github.com/google/uuid"
)

func TestTokenService(t *testing.T) {
	svc := NewTokenService("test-secret", 3600)
	agentID := uuid.New()

	t.Run("auth token round trip", func(t *testing.T) {
		token, err := svc.GenerateAuthToken(agentID)
		if err != nil {
			t.Fatalf("GenerateAuthToken error: %v", err)
		}

		claims, err := svc.ValidateToken(token)
		if err != nil {
			t.Fatalf("ValidateToken error: %v", err)
		}
		if claims.Scope != ScopeAuth {
			t.Errorf("Scope = %q, want %q", claims.Scope, ScopeAuth)
		}

		id, err := svc.ExtractAgentID(token, ScopeAuth)
		if err != nil {
			t.Fatalf("ExtractAgentID error: %v", err)
		}
		if id != agentID {
			t.Errorf("agent id = %s, want %s", id, agentID)
		}
	})

	t.Run("scope mismatch is rejected", func(t *testing.T) {
		token, _ := svc.GeneratePublicToken(agentID)
		if _, err := svc.ExtractAgentID(token, ScopeAuth); err == nil {
			t.Error("public token must not grant auth scope")
		}
	})

	t.Run("tampered token is rejected", func(t *testing.T) {
		token, _ := svc.GenerateAuthToken(agentID)
		if _, err := svc.ValidateToken(token + "x"); err == nil {
			t.Error("expected validation failure")
		}
	})

	t.Run("wrong secret is rejected", func(t *testing.T) {
		token, _ := svc.GenerateAuthToken(agentID)
		other := NewTokenService("other-secret", 3600)
		if _, err := other.ValidateToken(token); err == nil {
			t.Error("expected validation failure")
		}
	})
}
