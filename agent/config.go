package agent

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"

	"github.com/atamanahmet/beamlink/agent/utils"
)

// Config holds agent configuration. Values come from an optional YAML file
// with environment variables taking precedence.
type Config struct {
	NexusURL             string `yaml:"nexus_url"`
	AgentName            string `yaml:"agent_name"`
	ListenIP             string `yaml:"listen_ip"`
	ListenPort           int    `yaml:"listen_port"`
	IdentityPath         string `yaml:"identity_path"`
	PeerCachePath        string `yaml:"peer_cache_path"`
	DBPath               string `yaml:"db_path"`
	DownloadDir          string `yaml:"download_dir"`
	HeartbeatIntervalSec int    `yaml:"heartbeat_interval_sec"`
	LogSyncIntervalSec   int    `yaml:"log_sync_interval_sec"`
}

// LoadConfig loads configuration from an optional config file and
// environment variables
func LoadConfig() (*Config, error) {
	basePath := getEnv("AGENT_DATA_DIR", "/var/lib/beamlink-agent")
	cfg := &Config{
		NexusURL:             "http://localhost:8080",
		IdentityPath:         basePath + "/agent_info.json",
		PeerCachePath:        basePath + "/peers.json",
		DBPath:               basePath + "/agent.db",
		DownloadDir:          basePath + "/downloads",
		ListenPort:           9443,
		HeartbeatIntervalSec: 30,
		LogSyncIntervalSec:   60,
	}

	if path := getEnv("AGENT_CONFIG", ""); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.NexusURL = getEnv("NEXUS_URL", cfg.NexusURL)
	cfg.AgentName = getEnv("AGENT_NAME", cfg.AgentName)
	cfg.ListenIP = getEnv("LISTEN_IP", cfg.ListenIP)
	cfg.IdentityPath = getEnv("IDENTITY_PATH", cfg.IdentityPath)
	cfg.PeerCachePath = getEnv("PEER_CACHE_PATH", cfg.PeerCachePath)
	cfg.DBPath = getEnv("DB_PATH", cfg.DBPath)
	cfg.DownloadDir = getEnv("DOWNLOAD_DIR", cfg.DownloadDir)

	if raw := os.Getenv("LISTEN_PORT"); raw != "" {
		port, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid LISTEN_PORT: %w", err)
		}
		cfg.ListenPort = port
	}
	if raw := os.Getenv("HEARTBEAT_INTERVAL_SEC"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			cfg.HeartbeatIntervalSec = v
		}
	}
	if raw := os.Getenv("LOG_SYNC_INTERVAL_SEC"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			cfg.LogSyncIntervalSec = v
		}
	}

	if cfg.ListenIP == "" {
		ip, err := utils.GetPrimaryIP()
		if err != nil {
			return nil, fmt.Errorf("failed to detect IP address, set LISTEN_IP: %w", err)
		}
		cfg.ListenIP = ip
	}

	if cfg.ListenPort < 1 || cfg.ListenPort > 65535 {
		return nil, fmt.Errorf("invalid listen port %d", cfg.ListenPort)
	}
	if cfg.NexusURL == "" {
		return nil, fmt.Errorf("NEXUS_URL must be set")
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
