package handlers

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/atamanahmet/beamlink/nexus/clients"
	"github.com/atamanahmet/beamlink/nexus/services"
	"github.com/atamanahmet/beamlink/protocol"
)

// WSHandler upgrades approved agents onto the persistent channel and runs
// their read loop.
type WSHandler struct {
	agents   *services.AgentService
	logs     *services.TransferLogService
	hub      *services.SessionHub
	upgrader websocket.Upgrader
}

// NewWSHandler creates a new websocket handler
func NewWSHandler(agents *services.AgentService, logs *services.TransferLogService, hub *services.SessionHub) *WSHandler {
	return &WSHandler{
		agents: agents,
		logs:   logs,
		hub:    hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Agents connect from LAN addresses, not browsers.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Connect authenticates the agent and upgrades the connection. Only
// APPROVED agents hold a channel; pending agents are rejected and fall back
// to HTTP polling.
func (h *WSHandler) Connect(c *gin.Context) {
	token := c.GetHeader(HeaderAuthToken)
	if token == "" {
		token = c.Query("token")
	}
	if token == "" {
		respondError(c, http.StatusUnauthorized, "missing auth token", nil)
		return
	}

	agent, err := h.agents.GetAgentByAuthToken(c.Request.Context(), token)
	if errors.Is(err, clients.ErrNotFound) {
		respondError(c, http.StatusUnauthorized, "invalid auth token", nil)
		return
	}
	if err != nil {
		respondError(c, http.StatusInternalServerError, "failed to authenticate", nil)
		return
	}
	if agent.State != protocol.StateApproved {
		respondError(c, http.StatusForbidden, "agent is not approved", nil)
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		log.Printf("websocket upgrade failed for agent %s: %v", agent.ID, err)
		return
	}

	h.hub.Register(agent.ID, conn)
	log.Printf("agent %s connected over websocket", agent.ID)
	go h.readLoop(agent.ID, conn)
}

// readLoop dispatches incoming envelopes until the connection drops.
// Malformed messages and unknown types are logged and skipped.
func (h *WSHandler) readLoop(agentID uuid.UUID, conn *websocket.Conn) {
	defer func() {
		h.hub.Unregister(agentID, conn)
		conn.Close()
		log.Printf("agent %s disconnected", agentID)
	}()

	for {
		var env protocol.Envelope
		if err := conn.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("websocket read from agent %s failed: %v", agentID, err)
			}
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		h.dispatch(ctx, agentID, env)
		cancel()
	}
}

func (h *WSHandler) dispatch(ctx context.Context, agentID uuid.UUID, env protocol.Envelope) {
	switch env.Type {
	case protocol.TypeStatusUpdate:
		var payload protocol.StatusUpdatePayload
		if err := env.DecodePayload(&payload); err != nil {
			log.Printf("bad status update from agent %s: %v", agentID, err)
			return
		}
		req := &protocol.StatusRequest{
			AgentID:      agentID,
			IPAddress:    payload.IPAddress,
			Port:         payload.Port,
			PeerVersion:  payload.PeerVersion,
			UnsyncedLogs: payload.UnsyncedLogs,
		}
		resp, err := h.agents.UpdateStatus(ctx, agentID, req)
		if err != nil {
			log.Printf("status update for agent %s failed: %v", agentID, err)
			return
		}
		h.reply(agentID, protocol.TypeStatusUpdate, resp)

	case protocol.TypeLogSync:
		var payload protocol.LogSyncRequest
		if err := env.DecodePayload(&payload); err != nil {
			log.Printf("bad log sync from agent %s: %v", agentID, err)
			return
		}
		resp, err := h.logs.Merge(ctx, payload.Entries)
		if err != nil {
			log.Printf("log sync for agent %s failed: %v", agentID, err)
			return
		}
		h.reply(agentID, protocol.TypeLogSyncResult, resp)

	default:
		log.Printf("unknown message type %q from agent %s", env.Type, agentID)
	}
}

func (h *WSHandler) reply(agentID uuid.UUID, msgType string, payload any) {
	env, err := protocol.NewEnvelope(msgType, payload)
	if err != nil {
		log.Printf("failed to build %s reply: %v", msgType, err)
		return
	}
	if err := h.hub.Send(agentID, env); err != nil {
		log.Printf("failed to send %s reply to agent %s: %v", msgType, agentID, err)
	}
}
