package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/atamanahmet/beamlink/nexus/clients"
	"github.com/atamanahmet/beamlink/nexus/domains"
	"github.com/atamanahmet/beamlink/nexus/services"
	"github.com/atamanahmet/beamlink/nexus/utils"
	"github.com/atamanahmet/beamlink/protocol"
)

// HeaderAuthToken carries the agent's issued auth token on authenticated
// requests.
const HeaderAuthToken = "X-Auth-Token"

// respondJSON sends a JSON response
func respondJSON(c *gin.Context, status int, data interface{}) {
	c.JSON(status, data)
}

// respondError sends an error response
func respondError(c *gin.Context, status int, message string, details map[string]string) {
	c.JSON(status, protocol.ErrorResponse{
		Error:   message,
		Details: details,
	})
}

// AgentHandler handles the agent-facing lifecycle endpoints.
type AgentHandler struct {
	agents *services.AgentService
}

// NewAgentHandler creates a new agent handler
func NewAgentHandler(agents *services.AgentService) *AgentHandler {
	return &AgentHandler{agents: agents}
}

// Register handles agent registration. Re-registering from the same address
// returns the existing record, so a crashed agent that lost its state can
// always recover its id.
func (h *AgentHandler) Register(c *gin.Context) {
	var req protocol.RegistrationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid request body", nil)
		return
	}

	if err := utils.ValidateStruct(&req); err != nil {
		respondError(c, http.StatusBadRequest, "validation failed", map[string]string{"error": err.Error()})
		return
	}

	resp, err := h.agents.Register(c.Request.Context(), &req)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "failed to register agent", nil)
		return
	}
	respondJSON(c, http.StatusOK, resp)
}

// Identify resolves an agent's identity by address, for agents whose local
// identity file is missing.
func (h *AgentHandler) Identify(c *gin.Context) {
	ip := c.Query("ip_address")
	port, err := strconv.Atoi(c.Query("port"))
	if ip == "" || err != nil || port < 1 || port > 65535 {
		respondError(c, http.StatusBadRequest, "ip_address and port query parameters are required", nil)
		return
	}

	resp, err := h.agents.Identify(c.Request.Context(), ip, port)
	if errors.Is(err, clients.ErrNotFound) {
		respondError(c, http.StatusNotFound, "agent not found", nil)
		return
	}
	if err != nil {
		respondError(c, http.StatusInternalServerError, "failed to resolve identity", nil)
		return
	}
	respondJSON(c, http.StatusOK, resp)
}

// Status handles the periodic heartbeat. An unknown agent id returns 404,
// which tells the agent to discard its identity and re-register. Approved
// agents must present their auth token.
func (h *AgentHandler) Status(c *gin.Context) {
	var req protocol.StatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid request body", nil)
		return
	}

	if err := utils.ValidateStruct(&req); err != nil {
		respondError(c, http.StatusBadRequest, "validation failed", map[string]string{"error": err.Error()})
		return
	}

	ctx := c.Request.Context()
	agent, err := h.agents.GetAgent(ctx, req.AgentID)
	if errors.Is(err, clients.ErrNotFound) {
		respondError(c, http.StatusNotFound, "agent not found", nil)
		return
	}
	if err != nil {
		respondError(c, http.StatusInternalServerError, "failed to look up agent", nil)
		return
	}

	if agent.State == protocol.StateApproved && c.GetHeader(HeaderAuthToken) != agent.AuthToken {
		respondError(c, http.StatusUnauthorized, "invalid auth token", nil)
		return
	}

	resp, err := h.agents.UpdateStatus(ctx, agent.ID, &req)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "failed to update status", nil)
		return
	}
	respondJSON(c, http.StatusOK, resp)
}

// Exists reports whether an agent id is still registered. Agents use this
// to detect a nexus-side reset without waiting for a heartbeat.
func (h *AgentHandler) Exists(c *gin.Context) {
	id, err := uuid.Parse(c.Param("agent_id"))
	if err != nil {
		respondError(c, http.StatusBadRequest, "invalid agent id", nil)
		return
	}

	_, err = h.agents.GetAgent(c.Request.Context(), id)
	if errors.Is(err, clients.ErrNotFound) {
		respondError(c, http.StatusNotFound, "agent not found", nil)
		return
	}
	if err != nil {
		respondError(c, http.StatusInternalServerError, "failed to look up agent", nil)
		return
	}
	respondJSON(c, http.StatusOK, map[string]bool{"exists": true})
}

// Peers returns the full peer list with its version.
func (h *AgentHandler) Peers(c *gin.Context) {
	if _, ok := h.authenticate(c); !ok {
		return
	}

	list, err := h.agents.PeerList(c.Request.Context())
	if err != nil {
		respondError(c, http.StatusInternalServerError, "failed to build peer list", nil)
		return
	}
	respondJSON(c, http.StatusOK, list)
}

// RequestRename queues a rename for operator approval.
func (h *AgentHandler) RequestRename(c *gin.Context) {
	agent, ok := h.authenticate(c)
	if !ok {
		return
	}

	var req protocol.RenameRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid request body", nil)
		return
	}
	if err := utils.ValidateStruct(&req); err != nil {
		respondError(c, http.StatusBadRequest, "validation failed", map[string]string{"error": err.Error()})
		return
	}

	err := h.agents.RequestRename(c.Request.Context(), agent.ID, req.NewName)
	if errors.Is(err, services.ErrNameTaken) {
		respondError(c, http.StatusConflict, "name already taken", nil)
		return
	}
	if err != nil {
		respondError(c, http.StatusBadRequest, err.Error(), nil)
		return
	}
	respondJSON(c, http.StatusOK, map[string]bool{"ok": true})
}

// Ping answers liveness probes from agents and monitoring.
func (h *AgentHandler) Ping(c *gin.Context) {
	respondJSON(c, http.StatusOK, map[string]string{"status": "ok"})
}

// authenticate resolves the calling agent from its auth token. It writes
// the error response itself when authentication fails.
func (h *AgentHandler) authenticate(c *gin.Context) (*domains.Agent, bool) {
	return authenticateAgent(c, h.agents)
}

func authenticateAgent(c *gin.Context, agents *services.AgentService) (*domains.Agent, bool) {
	token := c.GetHeader(HeaderAuthToken)
	if token == "" {
		respondError(c, http.StatusUnauthorized, "missing auth token", nil)
		return nil, false
	}
	agent, err := agents.GetAgentByAuthToken(c.Request.Context(), token)
	if errors.Is(err, clients.ErrNotFound) {
		respondError(c, http.StatusUnauthorized, "invalid auth token", nil)
		return nil, false
	}
	if err != nil {
		respondError(c, http.StatusInternalServerError, "failed to authenticate", nil)
		return nil, false
	}
	return agent, true
}
