package handlers

import (
	"crypto/subtle"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/atamanahmet/beamlink/nexus/clients"
	"github.com/atamanahmet/beamlink/nexus/services"
)

// AdminHandler handles the operator endpoints: approvals, renames, removal
// and the dashboard views.
type AdminHandler struct {
	agents *services.AgentService
	logs   *services.TransferLogService
	push   *services.PushService
	token  string
}

// NewAdminHandler creates a new admin handler
func NewAdminHandler(agents *services.AgentService, logs *services.TransferLogService, push *services.PushService, adminToken string) *AdminHandler {
	return &AdminHandler{
		agents: agents,
		logs:   logs,
		push:   push,
		token:  adminToken,
	}
}

// RequireAdmin is a middleware that checks the admin token.
func (h *AdminHandler) RequireAdmin(c *gin.Context) {
	token := c.GetHeader("X-Admin-Token")
	if subtle.ConstantTimeCompare([]byte(token), []byte(h.token)) != 1 {
		respondError(c, http.StatusUnauthorized, "invalid admin token", nil)
		c.Abort()
		return
	}
	c.Next()
}

// ListAgents returns the full registry.
func (h *AdminHandler) ListAgents(c *gin.Context) {
	agents, err := h.agents.ListAgents(c.Request.Context())
	if err != nil {
		respondError(c, http.StatusInternalServerError, "failed to list agents", nil)
		return
	}
	respondJSON(c, http.StatusOK, agents)
}

// Approve moves a pending agent to the approved set. The issued identity is
// delivered immediately when the agent is reachable; otherwise the push
// sweep keeps retrying.
func (h *AdminHandler) Approve(c *gin.Context) {
	id, ok := h.agentID(c)
	if !ok {
		return
	}

	var req struct {
		Name string `json:"name"`
	}
	// Body is optional; an empty body approves under the requested name.
	_ = c.ShouldBindJSON(&req)

	ctx := c.Request.Context()
	agent, err := h.agents.Approve(ctx, id, req.Name)
	if errors.Is(err, clients.ErrNotFound) {
		respondError(c, http.StatusNotFound, "agent not found", nil)
		return
	}
	if errors.Is(err, services.ErrNameTaken) {
		respondError(c, http.StatusConflict, "name already taken", nil)
		return
	}
	if errors.Is(err, services.ErrInvalidTransition) {
		respondError(c, http.StatusConflict, err.Error(), nil)
		return
	}
	if err != nil {
		respondError(c, http.StatusInternalServerError, "failed to approve agent", nil)
		return
	}

	if !agent.ApprovalPushed {
		if err := h.push.Deliver(ctx, agent); err != nil {
			// The sweep retries until the agent comes back.
			respondJSON(c, http.StatusOK, gin.H{"agent": agent, "delivered": false})
			return
		}
	}
	respondJSON(c, http.StatusOK, gin.H{"agent": agent, "delivered": true})
}

// Reject removes a pending agent without touching the peer list version.
func (h *AdminHandler) Reject(c *gin.Context) {
	id, ok := h.agentID(c)
	if !ok {
		return
	}

	err := h.agents.Reject(c.Request.Context(), id)
	if errors.Is(err, clients.ErrNotFound) {
		respondError(c, http.StatusNotFound, "agent not found", nil)
		return
	}
	if errors.Is(err, services.ErrInvalidTransition) {
		respondError(c, http.StatusConflict, err.Error(), nil)
		return
	}
	if err != nil {
		respondError(c, http.StatusInternalServerError, "failed to reject agent", nil)
		return
	}
	respondJSON(c, http.StatusOK, map[string]bool{"ok": true})
}

// Remove deletes an agent from the registry.
func (h *AdminHandler) Remove(c *gin.Context) {
	id, ok := h.agentID(c)
	if !ok {
		return
	}

	err := h.agents.Remove(c.Request.Context(), id)
	if errors.Is(err, clients.ErrNotFound) {
		respondError(c, http.StatusNotFound, "agent not found", nil)
		return
	}
	if err != nil {
		respondError(c, http.StatusInternalServerError, "failed to remove agent", nil)
		return
	}
	respondJSON(c, http.StatusOK, map[string]bool{"ok": true})
}

// ApproveRename applies a queued rename.
func (h *AdminHandler) ApproveRename(c *gin.Context) {
	id, ok := h.agentID(c)
	if !ok {
		return
	}

	agent, err := h.agents.ApproveRename(c.Request.Context(), id)
	if errors.Is(err, clients.ErrNotFound) {
		respondError(c, http.StatusNotFound, "agent not found", nil)
		return
	}
	if errors.Is(err, services.ErrInvalidTransition) {
		respondError(c, http.StatusConflict, err.Error(), nil)
		return
	}
	if err != nil {
		respondError(c, http.StatusBadRequest, err.Error(), nil)
		return
	}
	respondJSON(c, http.StatusOK, agent)
}

// RejectRename clears a queued rename.
func (h *AdminHandler) RejectRename(c *gin.Context) {
	id, ok := h.agentID(c)
	if !ok {
		return
	}

	err := h.agents.RejectRename(c.Request.Context(), id)
	if errors.Is(err, clients.ErrNotFound) {
		respondError(c, http.StatusNotFound, "agent not found", nil)
		return
	}
	if errors.Is(err, services.ErrInvalidTransition) {
		respondError(c, http.StatusConflict, err.Error(), nil)
		return
	}
	if err != nil {
		respondError(c, http.StatusInternalServerError, "failed to reject rename", nil)
		return
	}
	respondJSON(c, http.StatusOK, map[string]bool{"ok": true})
}

// Stats returns registry and transfer totals for the dashboard.
func (h *AdminHandler) Stats(c *gin.Context) {
	ctx := c.Request.Context()
	agentStats, err := h.agents.Stats(ctx)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "failed to compute agent stats", nil)
		return
	}
	transferStats, err := h.logs.Stats(ctx)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "failed to compute transfer stats", nil)
		return
	}
	respondJSON(c, http.StatusOK, gin.H{
		"agents":    agentStats,
		"transfers": transferStats,
	})
}

// TransferLogs returns recent transfer log entries.
func (h *AdminHandler) TransferLogs(c *gin.Context) {
	limit := 100
	if raw := c.Query("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			respondError(c, http.StatusBadRequest, "invalid limit", nil)
			return
		}
		limit = parsed
	}

	logs, err := h.logs.List(c.Request.Context(), limit)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "failed to list transfer logs", nil)
		return
	}
	respondJSON(c, http.StatusOK, logs)
}

// Peers returns the current peer list, for the dashboard.
func (h *AdminHandler) Peers(c *gin.Context) {
	list, err := h.agents.PeerList(c.Request.Context())
	if err != nil {
		respondError(c, http.StatusInternalServerError, "failed to build peer list", nil)
		return
	}
	respondJSON(c, http.StatusOK, list)
}

// PendingRenames lists approved agents with a rename awaiting action.
func (h *AdminHandler) PendingRenames(c *gin.Context) {
	pending, err := h.agents.PendingRenames(c.Request.Context())
	if err != nil {
		respondError(c, http.StatusInternalServerError, "failed to list pending renames", nil)
		return
	}
	respondJSON(c, http.StatusOK, pending)
}

func (h *AdminHandler) agentID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("agent_id"))
	if err != nil {
		respondError(c, http.StatusBadRequest, "invalid agent id", nil)
		return uuid.Nil, false
	}
	return id, true
}
