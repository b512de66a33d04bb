package handlers

import (
	"bytes"
	"context"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/atamanahmet/beamlink/agent/identity"
	"github.com/atamanahmet/beamlink/agent/storage"
	"github.com/atamanahmet/beamlink/protocol"
	"github.com/atamanahmet/beamlink/transfer"
)

func newUploadTestAPI(t *testing.T) (*gin.Engine, *storage.Store, identity.Identity) {
	t.Helper()
	dir := t.TempDir()

	identityMgr, err := identity.NewManager(filepath.Join(dir, "agent_info.json"))
	if err != nil {
		t.Fatalf("NewManager error: %v", err)
	}
	if err := identityMgr.ApplyApproval(&protocol.ApprovalPush{
		AgentID:      uuid.New(),
		ApprovedName: "desk",
		AuthToken:    "auth-token",
		PublicToken:  "public-token",
		State:        protocol.StateApproved,
	}); err != nil {
		t.Fatalf("ApplyApproval error: %v", err)
	}

	store, err := storage.NewStore(filepath.Join(dir, "logs.db"))
	if err != nil {
		t.Fatalf("NewStore error: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	receiver, err := transfer.NewReceiver(filepath.Join(dir, "received"))
	if err != nil {
		t.Fatalf("NewReceiver error: %v", err)
	}

	api := NewAPI(identityMgr, nil, nil, store, receiver, nil, nil)
	return api.Router(), store, identityMgr.Current()
}

func multipartUpload(t *testing.T, filename string, content []byte) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreateFormFile("file", filename)
	if err != nil {
		t.Fatalf("CreateFormFile error: %v", err)
	}
	if _, err := part.Write(content); err != nil {
		t.Fatalf("write part error: %v", err)
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close writer error: %v", err)
	}
	return body, writer.FormDataContentType()
}

func TestUploadRecordsSingleEntryWithSender(t *testing.T) {
	router, store, ident := newUploadTestAPI(t)
	senderID := uuid.New()

	body, contentType := multipartUpload(t, "notes.txt", []byte("hello"))
	req := httptest.NewRequest(http.MethodPost, "/api/upload", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("X-Public-Token", "public-token")
	req.Header.Set("X-Sender-ID", senderID.String())
	req.Header.Set("X-Sender-Name", "laptop")

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	// One transfer produces exactly one log entry, owned by the receiving
	// side, carrying the sender's identity.
	entries, err := store.ListUnsynced(context.Background(), 0)
	if err != nil {
		t.Fatalf("ListUnsynced error: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 log entry, got %d", len(entries))
	}
	entry := entries[0]
	if entry.FromAgentID != senderID {
		t.Errorf("FromAgentID = %s, want %s", entry.FromAgentID, senderID)
	}
	if entry.FromAgentName != "laptop" {
		t.Errorf("FromAgentName = %q, want %q", entry.FromAgentName, "laptop")
	}
	if entry.ToAgentID != ident.AgentID {
		t.Errorf("ToAgentID = %s, want %s", entry.ToAgentID, ident.AgentID)
	}
	if entry.Filename != "notes.txt" || entry.FileSize != 5 {
		t.Errorf("got %q (%d bytes)", entry.Filename, entry.FileSize)
	}
}

func TestUploadRejectsBadToken(t *testing.T) {
	router, store, _ := newUploadTestAPI(t)

	body, contentType := multipartUpload(t, "notes.txt", []byte("hello"))
	req := httptest.NewRequest(http.MethodPost, "/api/upload", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("X-Public-Token", "wrong")

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusUnauthorized)
	}
	entries, err := store.ListUnsynced(context.Background(), 0)
	if err != nil {
		t.Fatalf("ListUnsynced error: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("rejected upload must not be logged, got %d entries", len(entries))
	}
}
