package services

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Token scopes. Auth tokens authenticate an agent to the nexus; public
// tokens authenticate an agent to its peers for direct transfers.
const (
	ScopeAuth   = "auth"
	ScopePublic = "public"
)

// TokenService handles JWT token generation and validation
type TokenService struct {
	secret     []byte
	expiration time.Duration
}

// NewTokenService creates a new token service
func NewTokenService(secret string, expirationSec int64) *TokenService {
	return &TokenService{
		secret:     []byte(secret),
		expiration: time.Duration(expirationSec) * time.Second,
	}
}

// Claims represents JWT claims
type Claims struct {
	AgentID string `json:"agent_id"`
	Scope   string `json:"scope"`
	jwt.RegisteredClaims
}

// GenerateAuthToken issues an agent's nexus-facing token.
func (t *TokenService) GenerateAuthToken(agentID uuid.UUID) (string, error) {
	return t.generate(agentID.String(), ScopeAuth)
}

// GeneratePublicToken issues an agent's peer-facing token.
func (t *TokenService) GeneratePublicToken(agentID uuid.UUID) (string, error) {
	return t.generate(agentID.String(), ScopePublic)
}

func (t *TokenService) generate(agentID, scope string) (string, error) {
	now := time.Now()
	claims := &Claims{
		AgentID: agentID,
		Scope:   scope,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   agentID,
			Issuer:    "nexus",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(t.expiration)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}

	return tokenString, nil
}

// ValidateToken validates a token and returns its claims.
func (t *TokenService) ValidateToken(tokenString string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return t.secret, nil
	})

	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}

	return claims, nil
}

// ExtractAgentID validates a token against the expected scope and returns
// the agent id it was issued to.
func (t *TokenService) ExtractAgentID(tokenString, scope string) (uuid.UUID, error) {
	claims, err := t.ValidateToken(tokenString)
	if err != nil {
		return uuid.Nil, err
	}
	if claims.Scope != scope {
		return uuid.Nil, fmt.Errorf("token scope %q does not grant %q", claims.Scope, scope)
	}
	id, err := uuid.Parse(claims.AgentID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to parse agent id claim: %w", err)
	}
	return id, nil
}
