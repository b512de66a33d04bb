package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/atamanahmet/beamlink/nexus/services"
	"github.com/atamanahmet/beamlink/nexus/utils"
	"github.com/atamanahmet/beamlink/protocol"
)

// LogHandler handles transfer log reconciliation from agents.
type LogHandler struct {
	agents *services.AgentService
	logs   *services.TransferLogService
}

// NewLogHandler creates a new log handler
func NewLogHandler(agents *services.AgentService, logs *services.TransferLogService) *LogHandler {
	return &LogHandler{agents: agents, logs: logs}
}

// Sync merges a batch of agent-side entries into the permanent log and
// returns every submitted id present afterwards. Replaying a batch is safe.
func (h *LogHandler) Sync(c *gin.Context) {
	if _, ok := authenticateAgent(c, h.agents); !ok {
		return
	}

	var req protocol.LogSyncRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid request body", nil)
		return
	}
	if err := utils.ValidateStruct(&req); err != nil {
		respondError(c, http.StatusBadRequest, "validation failed", map[string]string{"error": err.Error()})
		return
	}

	resp, err := h.logs.Merge(c.Request.Context(), req.Entries)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "failed to merge transfer logs", nil)
		return
	}
	respondJSON(c, http.StatusOK, resp)
}
