package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/atamanahmet/beamlink/nexus/domains"
	"github.com/atamanahmet/beamlink/nexus/services"
	"github.com/atamanahmet/beamlink/protocol"
	"github.com/atamanahmet/beamlink/transfer"
)

// FileHandler accepts file uploads addressed to the nexus itself.
type FileHandler struct {
	agents   *services.AgentService
	logs     *services.TransferLogService
	receiver *transfer.Receiver
	self     services.NexusInfo
}

// NewFileHandler creates a new file handler
func NewFileHandler(agents *services.AgentService, logs *services.TransferLogService, receiver *transfer.Receiver, self services.NexusInfo) *FileHandler {
	return &FileHandler{
		agents:   agents,
		logs:     logs,
		receiver: receiver,
		self:     self,
	}
}

// Check is the upload preflight: it validates the filename and confirms the
// disk can hold the file plus the safety margin, so senders fail fast
// instead of streaming a file that would be rejected.
func (h *FileHandler) Check(c *gin.Context) {
	if _, ok := authenticateAgent(c, h.agents); !ok {
		return
	}

	filename := c.Query("filename")
	size, err := strconv.ParseInt(c.Query("size"), 10, 64)
	if err != nil || size < 0 {
		respondError(c, http.StatusBadRequest, "invalid size", nil)
		return
	}

	if err := transfer.ValidateFilename(filename); err != nil {
		respondError(c, http.StatusBadRequest, "invalid filename", nil)
		return
	}
	if err := h.receiver.CheckSpace(size); err != nil {
		if errors.Is(err, transfer.ErrInsufficientSpace) {
			respondError(c, http.StatusInsufficientStorage, "insufficient disk space", nil)
			return
		}
		respondError(c, http.StatusInternalServerError, "failed to check disk space", nil)
		return
	}
	respondJSON(c, http.StatusOK, map[string]bool{"ok": true})
}

// Upload streams a multipart file to disk. The file becomes visible under
// its final name only after every byte is on disk; a failed transfer leaves
// nothing behind.
func (h *FileHandler) Upload(c *gin.Context) {
	sender, ok := authenticateAgent(c, h.agents)
	if !ok {
		return
	}

	fileHeader, err := c.FormFile("file")
	if err != nil {
		respondError(c, http.StatusBadRequest, "missing file field", nil)
		return
	}

	src, err := fileHeader.Open()
	if err != nil {
		respondError(c, http.StatusBadRequest, "failed to open upload", nil)
		return
	}
	defer src.Close()

	size, err := h.receiver.Receive(src, fileHeader.Filename, fileHeader.Size)
	if err != nil {
		switch {
		case errors.Is(err, transfer.ErrInvalidFilename):
			respondError(c, http.StatusBadRequest, "invalid filename", nil)
		case errors.Is(err, transfer.ErrInsufficientSpace):
			respondError(c, http.StatusInsufficientStorage, "insufficient disk space", nil)
		default:
			respondError(c, http.StatusInternalServerError, "transfer failed", nil)
		}
		return
	}

	h.logs.Append(c.Request.Context(), domains.TransferLog{
		FromAgentID:   sender.ID,
		FromAgentName: sender.Name,
		ToAgentID:     h.self.ID,
		ToAgentName:   h.self.Name,
		Filename:      fileHeader.Filename,
		FileSize:      size,
		Timestamp:     time.Now(),
	})

	respondJSON(c, http.StatusOK, protocol.UploadResponse{
		Filename: fileHeader.Filename,
		Size:     size,
	})
}
