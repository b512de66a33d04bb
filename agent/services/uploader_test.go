package services

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/atamanahmet/beamlink/agent/identity"
	"github.com/atamanahmet/beamlink/protocol"
)

func approvedIdentity(t *testing.T, dir, name string) *identity.Manager {
	t.Helper()
	mgr, err := identity.NewManager(filepath.Join(dir, "agent_info.json"))
	if err != nil {
		t.Fatalf("NewManager error: %v", err)
	}
	if err := mgr.ApplyApproval(&protocol.ApprovalPush{
		AgentID:      uuid.New(),
		ApprovedName: name,
		AuthToken:    "auth-token",
		PublicToken:  "public-token",
		State:        protocol.StateApproved,
	}); err != nil {
		t.Fatalf("ApplyApproval error: %v", err)
	}
	return mgr
}

func TestUploaderSendFile(t *testing.T) {
	dir := t.TempDir()
	mgr := approvedIdentity(t, dir, "laptop")

	var mu sync.Mutex
	var gotSenderID, gotSenderName, gotToken string
	var gotBody []byte
	mux := http.NewServeMux()
	mux.HandleFunc("/api/upload/check", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/api/upload", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		gotSenderID = r.Header.Get("X-Sender-ID")
		gotSenderName = r.Header.Get("X-Sender-Name")
		gotToken = r.Header.Get("X-Public-Token")
		mu.Unlock()
		file, _, err := r.FormFile("file")
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		defer file.Close()
		data, _ := io.ReadAll(file)
		mu.Lock()
		gotBody = data
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	host, portStr, err := net.SplitHostPort(srv.Listener.Addr().String())
	if err != nil {
		t.Fatalf("SplitHostPort error: %v", err)
	}
	port, _ := strconv.Atoi(portStr)

	peers := NewPeerCache(filepath.Join(dir, "peers.json"), nil, mgr)
	peers.Install([]protocol.Peer{{
		AgentID:     uuid.New(),
		Name:        "desk",
		IPAddress:   host,
		Port:        port,
		PublicToken: "peer-token",
	}}, 1)

	path := filepath.Join(dir, "notes.txt")
	if err := os.WriteFile(path, []byte("hello"), 0644); err != nil {
		t.Fatalf("WriteFile error: %v", err)
	}

	uploader := NewUploader(mgr, peers)
	if err := uploader.SendFile(context.Background(), "desk", path); err != nil {
		t.Fatalf("SendFile error: %v", err)
	}

	ident := mgr.Current()
	mu.Lock()
	defer mu.Unlock()
	if gotSenderID != ident.AgentID.String() {
		t.Errorf("X-Sender-ID = %q, want %q", gotSenderID, ident.AgentID)
	}
	if gotSenderName != "laptop" {
		t.Errorf("X-Sender-Name = %q, want %q", gotSenderName, "laptop")
	}
	if gotToken != "peer-token" {
		t.Errorf("X-Public-Token = %q, want %q", gotToken, "peer-token")
	}
	if string(gotBody) != "hello" {
		t.Errorf("uploaded body = %q, want %q", gotBody, "hello")
	}
}

func TestUploaderUnknownPeer(t *testing.T) {
	dir := t.TempDir()
	mgr := approvedIdentity(t, dir, "laptop")
	peers := NewPeerCache(filepath.Join(dir, "peers.json"), nil, mgr)
	peers.Install([]protocol.Peer{}, 1)

	uploader := NewUploader(mgr, peers)
	err := uploader.SendFile(context.Background(), "ghost", filepath.Join(dir, "missing.txt"))
	if err == nil {
		t.Fatal("expected error for unknown peer")
	}
}
