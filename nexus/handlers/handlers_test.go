package handlers

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/atamanahmet/beamlink/nexus/services"
	"github.com/atamanahmet/beamlink/nexus/storage/memory"
	"github.com/atamanahmet/beamlink/protocol"
)

const testAdminToken = "test-admin-token"

func newTestRouter(t *testing.T) *gin.Engine {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store := memory.NewStore()
	tokens := services.NewTokenService("test-secret", 3600)
	hub := services.NewSessionHub()
	self := services.NexusInfo{
		ID:        uuid.NewSHA1(uuid.NameSpaceURL, []byte("beamlink-nexus")),
		Name:      "nexus",
		IPAddress: "127.0.0.1",
		Port:      8080,
	}
	agents := services.NewAgentService(store, tokens, hub, self)
	logs := services.NewTransferLogService(store)
	push := services.NewPushService(store, hub, time.Minute)

	agentHandler := NewAgentHandler(agents)
	adminHandler := NewAdminHandler(agents, logs, push, testAdminToken)
	logHandler := NewLogHandler(agents, logs)

	router := gin.New()
	router.POST("/api/agents/register", agentHandler.Register)
	router.GET("/api/agents/identify", agentHandler.Identify)
	router.POST("/api/agents/status", agentHandler.Status)
	router.GET("/api/agents/:agent_id/exists", agentHandler.Exists)
	router.POST("/api/agents/rename", agentHandler.RequestRename)
	router.GET("/api/peers", agentHandler.Peers)
	router.POST("/api/logs/sync", logHandler.Sync)

	admin := router.Group("/api/admin", adminHandler.RequireAdmin)
	admin.POST("/agents/:agent_id/approve", adminHandler.Approve)
	admin.POST("/agents/:agent_id/reject", adminHandler.Reject)
	return router
}

// fakeAgentEndpoint stands in for an agent's local HTTP server, capturing the
// approval push the nexus delivers over the fallback path.
type fakeAgentEndpoint struct {
	srv *httptest.Server

	mu     sync.Mutex
	pushes []protocol.ApprovalPush
}

func newFakeAgentEndpoint(t *testing.T) *fakeAgentEndpoint {
	t.Helper()
	f := &fakeAgentEndpoint{}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/approval" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		var push protocol.ApprovalPush
		if err := json.NewDecoder(r.Body).Decode(&push); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		f.mu.Lock()
		f.pushes = append(f.pushes, push)
		f.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeAgentEndpoint) address(t *testing.T) (string, int) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(f.srv.Listener.Addr().String())
	if err != nil {
		t.Fatalf("failed to split address: %v", err)
	}
	port, _ := strconv.Atoi(portStr)
	return host, port
}

func (f *fakeAgentEndpoint) lastPush(t *testing.T) protocol.ApprovalPush {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.pushes) == 0 {
		t.Fatal("no approval push received")
	}
	return f.pushes[len(f.pushes)-1]
}

func doJSON(t *testing.T, router *gin.Engine, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, out interface{}) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), out); err != nil {
		t.Fatalf("failed to decode response %q: %v", w.Body.String(), err)
	}
}

func TestAgentLifecycleOverHTTP(t *testing.T) {
	router := newTestRouter(t)
	agent := newFakeAgentEndpoint(t)
	ip, port := agent.address(t)

	// Register.
	w := doJSON(t, router, http.MethodPost, "/api/agents/register",
		protocol.RegistrationRequest{Name: "laptop", IPAddress: ip, Port: port}, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("register status = %d, body %s", w.Code, w.Body.String())
	}
	var reg protocol.RegistrationResponse
	decode(t, w, &reg)
	if reg.State != protocol.StatePendingApproval {
		t.Errorf("state = %s, want PENDING_APPROVAL", reg.State)
	}

	// Re-registering from the same address returns the same id.
	w = doJSON(t, router, http.MethodPost, "/api/agents/register",
		protocol.RegistrationRequest{Name: "laptop", IPAddress: ip, Port: port}, nil)
	var again protocol.RegistrationResponse
	decode(t, w, &again)
	if again.AgentID != reg.AgentID {
		t.Errorf("re-register returned a different id")
	}

	// Heartbeat while pending needs no token.
	w = doJSON(t, router, http.MethodPost, "/api/agents/status",
		protocol.StatusRequest{AgentID: reg.AgentID, IPAddress: ip, Port: port}, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("pending heartbeat status = %d, body %s", w.Code, w.Body.String())
	}
	var status protocol.StatusResponse
	decode(t, w, &status)
	if status.State != protocol.StatePendingApproval {
		t.Errorf("heartbeat state = %s, want PENDING_APPROVAL", status.State)
	}

	// Approval needs the admin token.
	approvePath := fmt.Sprintf("/api/admin/agents/%s/approve", reg.AgentID)
	w = doJSON(t, router, http.MethodPost, approvePath, nil, nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("approve without admin token status = %d, want 401", w.Code)
	}

	w = doJSON(t, router, http.MethodPost, approvePath, nil,
		map[string]string{"X-Admin-Token": testAdminToken})
	if w.Code != http.StatusOK {
		t.Fatalf("approve status = %d, body %s", w.Code, w.Body.String())
	}
	var approved struct {
		Delivered bool `json:"delivered"`
	}
	decode(t, w, &approved)
	if !approved.Delivered {
		t.Error("approval was not delivered over the fallback endpoint")
	}

	push := agent.lastPush(t)
	if push.AgentID != reg.AgentID || push.ApprovedName != "laptop" {
		t.Errorf("push = %+v", push)
	}
	if push.AuthToken == "" || push.PublicToken == "" {
		t.Error("push is missing issued tokens")
	}

	// Approved heartbeats require the auth token.
	w = doJSON(t, router, http.MethodPost, "/api/agents/status",
		protocol.StatusRequest{AgentID: reg.AgentID, IPAddress: ip, Port: port}, nil)
	if w.Code != http.StatusUnauthorized {
		t.Errorf("approved heartbeat without token status = %d, want 401", w.Code)
	}

	auth := map[string]string{HeaderAuthToken: push.AuthToken}
	w = doJSON(t, router, http.MethodPost, "/api/agents/status",
		protocol.StatusRequest{AgentID: reg.AgentID, IPAddress: ip, Port: port, PeerVersion: 0}, auth)
	if w.Code != http.StatusOK {
		t.Fatalf("approved heartbeat status = %d, body %s", w.Code, w.Body.String())
	}
	decode(t, w, &status)
	if status.State != protocol.StateApproved {
		t.Errorf("state = %s, want APPROVED", status.State)
	}
	if !status.PeerOutdated || len(status.Peers) == 0 {
		t.Errorf("stale peer version did not trigger a list install: %+v", status)
	}
	if status.Peers[0].Name != "nexus" || !status.Peers[0].Nexus {
		t.Errorf("first peer = %+v, want the nexus", status.Peers[0])
	}

	// An up-to-date heartbeat carries no list.
	w = doJSON(t, router, http.MethodPost, "/api/agents/status",
		protocol.StatusRequest{AgentID: reg.AgentID, IPAddress: ip, Port: port, PeerVersion: status.PeerVersion}, auth)
	status = protocol.StatusResponse{}
	decode(t, w, &status)
	if status.PeerOutdated || status.Peers != nil {
		t.Errorf("current peer version still returned a list: %+v", status)
	}

	// Peer list over the authenticated endpoint.
	w = doJSON(t, router, http.MethodGet, "/api/peers", nil, auth)
	if w.Code != http.StatusOK {
		t.Fatalf("peers status = %d, body %s", w.Code, w.Body.String())
	}
	var list protocol.PeerListResponse
	decode(t, w, &list)
	if len(list.Peers) != 2 {
		t.Errorf("peer list has %d entries, want nexus plus one agent", len(list.Peers))
	}

	// Log sync merges and confirms the submitted ids.
	entry := protocol.TransferLogEntry{
		ID:          uuid.New(),
		FromAgentID: reg.AgentID,
		Filename:    "report.pdf",
		FileSize:    1024,
		Timestamp:   time.Now().UTC(),
	}
	w = doJSON(t, router, http.MethodPost, "/api/logs/sync",
		protocol.LogSyncRequest{Entries: []protocol.TransferLogEntry{entry}}, auth)
	if w.Code != http.StatusOK {
		t.Fatalf("log sync status = %d, body %s", w.Code, w.Body.String())
	}
	var merged protocol.LogSyncResponse
	decode(t, w, &merged)
	if len(merged.MergedIDs) != 1 || merged.MergedIDs[0] != entry.ID {
		t.Errorf("merged ids = %v, want [%s]", merged.MergedIDs, entry.ID)
	}
}

func TestStatusUnknownAgentIs404(t *testing.T) {
	router := newTestRouter(t)

	w := doJSON(t, router, http.MethodPost, "/api/agents/status",
		protocol.StatusRequest{AgentID: uuid.New(), IPAddress: "10.0.0.9", Port: 9443}, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestRejectLeavesVersionUntouched(t *testing.T) {
	router := newTestRouter(t)
	agent := newFakeAgentEndpoint(t)
	ip, port := agent.address(t)

	w := doJSON(t, router, http.MethodPost, "/api/agents/register",
		protocol.RegistrationRequest{Name: "intruder", IPAddress: ip, Port: port}, nil)
	var reg protocol.RegistrationResponse
	decode(t, w, &reg)

	w = doJSON(t, router, http.MethodPost,
		fmt.Sprintf("/api/admin/agents/%s/reject", reg.AgentID), nil,
		map[string]string{"X-Admin-Token": testAdminToken})
	if w.Code != http.StatusOK {
		t.Fatalf("reject status = %d, body %s", w.Code, w.Body.String())
	}

	// The rejected agent is gone and must re-register from scratch.
	w = doJSON(t, router, http.MethodGet,
		fmt.Sprintf("/api/agents/%s/exists", reg.AgentID), nil, nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("exists after reject status = %d, want 404", w.Code)
	}
}
