// Package handlers exposes the agent's own HTTP surface: the approval
// fallback receiver, local status, peers, and the file receiving endpoints.
package handlers

import (
	"context"
	"crypto/subtle"
	"errors"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/atamanahmet/beamlink/agent/identity"
	"github.com/atamanahmet/beamlink/agent/services"
	"github.com/atamanahmet/beamlink/agent/storage"
	"github.com/atamanahmet/beamlink/protocol"
	"github.com/atamanahmet/beamlink/transfer"
)

// API bundles the agent's HTTP handlers.
type API struct {
	identity *identity.Manager
	peers    *services.PeerCache
	conn     *services.ConnectionManager
	store    *storage.Store
	receiver *transfer.Receiver
	uploader *services.Uploader
	nexus    *services.NexusClient
}

// NewAPI creates the agent HTTP API
func NewAPI(identityMgr *identity.Manager, peers *services.PeerCache, conn *services.ConnectionManager,
	store *storage.Store, receiver *transfer.Receiver, uploader *services.Uploader, nexus *services.NexusClient) *API {
	return &API{
		identity: identityMgr,
		peers:    peers,
		conn:     conn,
		store:    store,
		receiver: receiver,
		uploader: uploader,
		nexus:    nexus,
	}
}

// Router builds the gin router for the agent.
func (a *API) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/ping", a.Ping)
	api := router.Group("/api")
	{
		api.POST("/approval", a.Approval)
		api.POST("/rename", a.Rename)
		api.POST("/rename/request", a.RequestRename)
		api.GET("/status", a.Status)
		api.GET("/peers", a.Peers)
		api.GET("/upload/check", a.Check)
		api.POST("/upload", a.Upload)
		api.POST("/send", a.Send)
	}
	return router
}

func respondError(c *gin.Context, status int, message string) {
	c.JSON(status, protocol.ErrorResponse{Error: message})
}

// Ping answers liveness probes from peers.
func (a *API) Ping(c *gin.Context) {
	c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// Approval is the HTTP fallback for approval delivery, used when the
// channel is down. A push without tokens is rejected; reapplying the same
// push is a no-op.
func (a *API) Approval(c *gin.Context) {
	var push protocol.ApprovalPush
	if err := c.ShouldBindJSON(&push); err != nil {
		respondError(c, http.StatusBadRequest, "invalid request body")
		return
	}
	if push.AuthToken == "" || push.PublicToken == "" {
		respondError(c, http.StatusBadRequest, "approval push missing tokens")
		return
	}

	if err := a.identity.ApplyApproval(&push); err != nil {
		respondError(c, http.StatusBadRequest, err.Error())
		return
	}

	// Open the channel with the fresh token instead of waiting for the next
	// heartbeat tick.
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := a.conn.Connect(ctx); err != nil {
			log.Printf("channel connect after approval failed: %v", err)
		}
	}()

	c.JSON(http.StatusOK, map[string]bool{"ok": true})
}

// Rename is the HTTP fallback for rename delivery.
func (a *API) Rename(c *gin.Context) {
	var push protocol.RenamePush
	if err := c.ShouldBindJSON(&push); err != nil || push.Name == "" {
		respondError(c, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := a.identity.Rename(push.Name); err != nil {
		respondError(c, http.StatusConflict, err.Error())
		return
	}
	c.JSON(http.StatusOK, map[string]bool{"ok": true})
}

// RequestRename forwards a rename wish to the nexus for operator approval.
// The current name stays until the operator acts.
func (a *API) RequestRename(c *gin.Context) {
	var req protocol.RenameRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.NewName == "" {
		respondError(c, http.StatusBadRequest, "new_name is required")
		return
	}
	if a.identity.State() != protocol.StateApproved {
		respondError(c, http.StatusConflict, "agent is not approved")
		return
	}

	if err := a.nexus.RequestRename(c.Request.Context(), req.NewName); err != nil {
		respondError(c, http.StatusBadGateway, err.Error())
		return
	}
	c.JSON(http.StatusOK, map[string]bool{"ok": true})
}

// Status reports the agent's local view, for debugging and the local UI.
func (a *API) Status(c *gin.Context) {
	ident := a.identity.Current()
	unsynced, _ := a.store.CountUnsynced(c.Request.Context())
	c.JSON(http.StatusOK, gin.H{
		"agent_id":      ident.AgentID,
		"name":          ident.Name,
		"state":         ident.State,
		"connected":     a.conn.IsConnected(),
		"peer_version":  a.peers.Version(),
		"unsynced_logs": unsynced,
	})
}

// Peers returns the cached peer list.
func (a *API) Peers(c *gin.Context) {
	peers, version, err := a.peers.Peers(c.Request.Context())
	if err != nil {
		respondError(c, http.StatusServiceUnavailable, "no peer list available")
		return
	}
	c.JSON(http.StatusOK, protocol.PeerListResponse{Peers: peers, Version: version})
}

// Check is the upload preflight.
func (a *API) Check(c *gin.Context) {
	if !a.authorizePeer(c) {
		return
	}

	filename := c.Query("filename")
	size, err := strconv.ParseInt(c.Query("size"), 10, 64)
	if err != nil || size < 0 {
		respondError(c, http.StatusBadRequest, "invalid size")
		return
	}

	if err := transfer.ValidateFilename(filename); err != nil {
		respondError(c, http.StatusBadRequest, "invalid filename")
		return
	}
	if err := a.receiver.CheckSpace(size); err != nil {
		if errors.Is(err, transfer.ErrInsufficientSpace) {
			respondError(c, http.StatusInsufficientStorage, "insufficient disk space")
			return
		}
		respondError(c, http.StatusInternalServerError, "failed to check disk space")
		return
	}
	c.JSON(http.StatusOK, map[string]bool{"ok": true})
}

// Upload receives a file from a peer and records it in the local transfer
// log. The file is visible only after it is fully on disk; a failed log
// write never fails the completed transfer.
func (a *API) Upload(c *gin.Context) {
	if !a.authorizePeer(c) {
		return
	}

	fileHeader, err := c.FormFile("file")
	if err != nil {
		respondError(c, http.StatusBadRequest, "missing file field")
		return
	}

	src, err := fileHeader.Open()
	if err != nil {
		respondError(c, http.StatusBadRequest, "failed to open upload")
		return
	}
	defer src.Close()

	size, err := a.receiver.Receive(src, fileHeader.Filename, fileHeader.Size)
	if err != nil {
		switch {
		case errors.Is(err, transfer.ErrInvalidFilename):
			respondError(c, http.StatusBadRequest, "invalid filename")
		case errors.Is(err, transfer.ErrInsufficientSpace):
			respondError(c, http.StatusInsufficientStorage, "insufficient disk space")
		default:
			respondError(c, http.StatusInternalServerError, "transfer failed")
		}
		return
	}

	ident := a.identity.Current()
	entry := protocol.TransferLogEntry{
		ToAgentID:   ident.AgentID,
		ToAgentName: ident.Name,
		Filename:    fileHeader.Filename,
		FileSize:    size,
		Timestamp:   time.Now(),
	}
	entry.FromAgentName = c.GetHeader("X-Sender-Name")
	if senderID, err := uuid.Parse(c.GetHeader("X-Sender-ID")); err == nil {
		entry.FromAgentID = senderID
	}
	_ = a.store.AppendLog(c.Request.Context(), entry)

	c.JSON(http.StatusOK, protocol.UploadResponse{
		Filename: fileHeader.Filename,
		Size:     size,
	})
}

// Send pushes a local file to a named peer, on behalf of the local UI.
func (a *API) Send(c *gin.Context) {
	var req struct {
		Peer string `json:"peer"`
		Path string `json:"path"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Peer == "" || req.Path == "" {
		respondError(c, http.StatusBadRequest, "peer and path are required")
		return
	}

	if err := a.uploader.SendFile(c.Request.Context(), req.Peer, req.Path); err != nil {
		respondError(c, http.StatusBadGateway, err.Error())
		return
	}
	c.JSON(http.StatusOK, map[string]bool{"ok": true})
}

// authorizePeer checks the sender presented this agent's public token.
// Before approval no token exists and nothing may be received.
func (a *API) authorizePeer(c *gin.Context) bool {
	ident := a.identity.Current()
	if ident.State != protocol.StateApproved || ident.PublicToken == "" {
		respondError(c, http.StatusForbidden, "agent is not approved")
		return false
	}
	token := c.GetHeader("X-Public-Token")
	if subtle.ConstantTimeCompare([]byte(token), []byte(ident.PublicToken)) != 1 {
		respondError(c, http.StatusUnauthorized, "invalid token")
		return false
	}
	return true
}
