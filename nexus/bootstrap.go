// Package nexus wires the central coordination service: the agent registry
// and approval state machine, the versioned peer list, push delivery and
// the permanent transfer log.
package nexus

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/golang-migrate/migrate/v4"
	postgresdriver "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/atamanahmet/beamlink/nexus/clients"
	"github.com/atamanahmet/beamlink/nexus/handlers"
	"github.com/atamanahmet/beamlink/nexus/services"
	"github.com/atamanahmet/beamlink/nexus/storage/memory"
	"github.com/atamanahmet/beamlink/nexus/storage/postgres"
	"github.com/atamanahmet/beamlink/transfer"
)

// App represents the application
type App struct {
	Config       *Config
	Storage      clients.StorageAdapter
	TokenService *services.TokenService
	AgentService *services.AgentService
	LogService   *services.TransferLogService
	PushService  *services.PushService
	Hub          *services.SessionHub
	Router       *gin.Engine
}

// Bootstrap initializes the application
func Bootstrap() (*App, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	store, err := openStorage(cfg)
	if err != nil {
		return nil, err
	}

	self := services.NexusInfo{
		ID:        uuid.NewSHA1(uuid.NameSpaceURL, []byte("beamlink-nexus")),
		Name:      cfg.NexusName,
		IPAddress: cfg.AdvertiseIP,
		Port:      cfg.ServerPort,
	}

	receiver, err := transfer.NewReceiver(cfg.DownloadDir)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize receiver: %w", err)
	}

	// Initialize services
	tokenService := services.NewTokenService(cfg.JWTSecret, cfg.JWTExpirationSec)
	hub := services.NewSessionHub()
	agentService := services.NewAgentService(store, tokenService, hub, self)
	logService := services.NewTransferLogService(store)
	pushService := services.NewPushService(store, hub, services.DefaultPushInterval)

	// Initialize HTTP handlers
	agentHandler := handlers.NewAgentHandler(agentService)
	adminHandler := handlers.NewAdminHandler(agentService, logService, pushService, cfg.AdminToken)
	logHandler := handlers.NewLogHandler(agentService, logService)
	fileHandler := handlers.NewFileHandler(agentService, logService, receiver, self)
	wsHandler := handlers.NewWSHandler(agentService, logService, hub)

	// Setup HTTP router
	router := gin.Default()

	// Configure CORS
	router.Use(cors.New(cors.Config{
		AllowOrigins:     []string{"http://localhost:5173", "http://localhost:3000", "http://127.0.0.1:5173"},
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", "X-Auth-Token", "X-Admin-Token"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))

	setupRoutes(router, agentHandler, adminHandler, logHandler, fileHandler, wsHandler)

	app := &App{
		Config:       cfg,
		Storage:      store,
		TokenService: tokenService,
		AgentService: agentService,
		LogService:   logService,
		PushService:  pushService,
		Hub:          hub,
		Router:       router,
	}

	return app, nil
}

func openStorage(cfg *Config) (clients.StorageAdapter, error) {
	if cfg.StorageBackend == "memory" {
		return memory.NewStore(), nil
	}

	connString := fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		cfg.DBHost, cfg.DBPort, cfg.DBUser, cfg.DBPassword, cfg.DBName, cfg.DBSSLMode,
	)

	store, err := postgres.NewStore(connString)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	if err := runMigrations(connString, cfg.MigrationDir); err != nil {
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return store, nil
}

// runMigrations runs database migrations using golang-migrate
func runMigrations(connString, migrationDir string) error {
	// golang-migrate expects database/sql driver, so we use pgx stdlib adapter
	db, err := sql.Open("pgx", connString)
	if err != nil {
		return fmt.Errorf("failed to open database connection: %w", err)
	}
	defer db.Close()

	driver, err := postgresdriver.WithInstance(db, &postgresdriver.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migrate driver: %w", err)
	}

	sourceURL := fmt.Sprintf("file://%s", migrationDir)
	m, err := migrate.NewWithDatabaseInstance(sourceURL, "postgres", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}

	if err := m.Up(); err != nil {
		if err == migrate.ErrNoChange {
			return nil
		}
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// setupRoutes configures HTTP routes
func setupRoutes(router *gin.Engine, agentHandler *handlers.AgentHandler, adminHandler *handlers.AdminHandler,
	logHandler *handlers.LogHandler, fileHandler *handlers.FileHandler, wsHandler *handlers.WSHandler) {

	// Health endpoints
	healthHandler := handlers.NewHealthHandler()
	router.GET("/health", healthHandler.Health)
	router.GET("/ready", healthHandler.Ready)
	router.GET("/ping", agentHandler.Ping)

	// Persistent channel for approved agents
	router.GET("/ws", wsHandler.Connect)

	api := router.Group("/api")
	{
		// Lifecycle endpoints (agents use these)
		api.POST("/agents/register", agentHandler.Register)
		api.GET("/agents/identify", agentHandler.Identify)
		api.POST("/agents/status", agentHandler.Status)
		api.GET("/agents/:agent_id/exists", agentHandler.Exists)
		api.POST("/agents/rename", agentHandler.RequestRename)
		api.GET("/peers", agentHandler.Peers)

		// Transfer log reconciliation
		api.POST("/logs/sync", logHandler.Sync)

		// Files addressed to the nexus
		api.GET("/upload/check", fileHandler.Check)
		api.POST("/upload", fileHandler.Upload)
	}

	admin := router.Group("/api/admin", adminHandler.RequireAdmin)
	{
		admin.GET("/agents", adminHandler.ListAgents)
		admin.POST("/agents/:agent_id/approve", adminHandler.Approve)
		admin.POST("/agents/:agent_id/reject", adminHandler.Reject)
		admin.DELETE("/agents/:agent_id", adminHandler.Remove)
		admin.POST("/agents/:agent_id/rename/approve", adminHandler.ApproveRename)
		admin.POST("/agents/:agent_id/rename/reject", adminHandler.RejectRename)
		admin.GET("/renames", adminHandler.PendingRenames)
		admin.GET("/peers", adminHandler.Peers)
		admin.GET("/stats", adminHandler.Stats)
		admin.GET("/transfers", adminHandler.TransferLogs)
	}
}
