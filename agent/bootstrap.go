// Package agent wires the edge daemon: identity lifecycle, the persistent
// channel with HTTP fallback, peer cache, transfer log reconciliation and
// the file receiving surface.
package agent

import (
	"context"
	"fmt"
	"log"

	"github.com/atamanahmet/beamlink/agent/clients"
	"github.com/atamanahmet/beamlink/agent/handlers"
	"github.com/atamanahmet/beamlink/agent/identity"
	"github.com/atamanahmet/beamlink/agent/services"
	"github.com/atamanahmet/beamlink/agent/storage"
	"github.com/atamanahmet/beamlink/protocol"
	"github.com/atamanahmet/beamlink/transfer"
)

// App holds the wired agent.
type App struct {
	Config       *Config
	Identity     *identity.Manager
	Store        *storage.Store
	Peers        *services.PeerCache
	Connection   *services.ConnectionManager
	Heartbeat    *services.HeartbeatService
	LogSync      *services.LogSyncService
	Registration *services.RegistrationService
	Uploader     *services.Uploader
	API          *handlers.API
}

// Bootstrap initializes the agent.
func Bootstrap() (*App, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	identityMgr, err := identity.NewManager(cfg.IdentityPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load identity: %w", err)
	}

	store, err := storage.NewStore(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	receiver, err := transfer.NewReceiver(cfg.DownloadDir)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize receiver: %w", err)
	}

	httpClient := clients.NewHTTPClient(cfg.NexusURL, func() string {
		return identityMgr.Current().AuthToken
	})
	nexusClient := services.NewNexusClient(httpClient)

	registration := services.NewRegistrationService(nexusClient, identityMgr, cfg.AgentName, cfg.ListenIP, cfg.ListenPort)
	peers := services.NewPeerCache(cfg.PeerCachePath, nexusClient, identityMgr)

	// The dispatcher needs the heartbeat and sync services, which need the
	// connection; wire the callback through a late-bound dispatcher.
	var dispatcher *services.Dispatcher
	conn := services.NewConnectionManager(cfg.NexusURL, identityMgr, func(env protocol.Envelope) {
		dispatcher.Handle(env)
	})

	heartbeat := services.NewHeartbeatService(nexusClient, identityMgr, registration, peers, conn, store,
		cfg.ListenIP, cfg.ListenPort, cfg.HeartbeatIntervalSec)
	logSync := services.NewLogSyncService(nexusClient, identityMgr, store, conn, cfg.LogSyncIntervalSec)
	dispatcher = services.NewDispatcher(identityMgr, peers, heartbeat, logSync)

	uploader := services.NewUploader(identityMgr, peers)
	api := handlers.NewAPI(identityMgr, peers, conn, store, receiver, uploader, nexusClient)

	return &App{
		Config:       cfg,
		Identity:     identityMgr,
		Store:        store,
		Peers:        peers,
		Connection:   conn,
		Heartbeat:    heartbeat,
		LogSync:      logSync,
		Registration: registration,
		Uploader:     uploader,
		API:          api,
	}, nil
}

// Start launches the background loops.
func (a *App) Start(ctx context.Context) {
	go a.Heartbeat.Start(ctx)
	go a.LogSync.Start(ctx)

	ident := a.Identity.Current()
	log.Printf("agent started (id: %s, state: %s, listening on %s:%d)",
		ident.AgentID, ident.State, a.Config.ListenIP, a.Config.ListenPort)
}

// Shutdown tears down long-lived resources.
func (a *App) Shutdown() {
	a.Connection.Close()
	if err := a.Store.Close(); err != nil {
		log.Printf("failed to close storage: %v", err)
	}
}
