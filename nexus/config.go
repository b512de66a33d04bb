package nexus

import (
	"fmt"
	"os"
	"strconv"
)

// Config holds application configuration
type Config struct {
	ServerPort       int
	AdvertiseIP      string
	NexusName        string
	JWTSecret        string
	JWTExpirationSec int64
	AdminToken       string
	StorageBackend   string
	DownloadDir      string
	DBHost           string
	DBPort           string
	DBUser           string
	DBPassword       string
	DBName           string
	DBSSLMode        string
	MigrationDir     string
}

// LoadConfig loads configuration from environment variables
func LoadConfig() (*Config, error) {
	port, err := strconv.Atoi(getEnv("SERVER_PORT", "8080"))
	if err != nil {
		return nil, fmt.Errorf("invalid SERVER_PORT: %w", err)
	}

	cfg := &Config{
		ServerPort:       port,
		AdvertiseIP:      getEnv("ADVERTISE_IP", ""),
		NexusName:        getEnv("NEXUS_NAME", "nexus"),
		JWTSecret:        getEnv("JWT_SIGNING_SECRET", "change-me-in-production"),
		JWTExpirationSec: 365 * 24 * 3600,
		AdminToken:       getEnv("ADMIN_TOKEN", ""),
		StorageBackend:   getEnv("STORAGE_BACKEND", "postgres"),
		DownloadDir:      getEnv("DOWNLOAD_DIR", "downloads"),
		DBHost:           getEnv("DB_HOST", "localhost"),
		DBPort:           getEnv("DB_PORT", "5432"),
		DBUser:           getEnv("DB_USER", "postgres"),
		DBPassword:       getEnv("DB_PASSWORD", "postgres"),
		DBName:           getEnv("DB_NAME", "beamlink"),
		DBSSLMode:        getEnv("DB_SSL_MODE", "disable"),
		MigrationDir:     getEnv("MIGRATION_DIR", "nexus/storage/postgres/migrations"),
	}

	if raw := os.Getenv("JWT_EXPIRATION_SEC"); raw != "" {
		sec, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid JWT_EXPIRATION_SEC: %w", err)
		}
		cfg.JWTExpirationSec = sec
	}

	if cfg.JWTSecret == "change-me-in-production" {
		return nil, fmt.Errorf("JWT_SIGNING_SECRET must be set")
	}
	if cfg.AdminToken == "" {
		return nil, fmt.Errorf("ADMIN_TOKEN must be set")
	}
	// The advertise address ends up in every peer list entry for the nexus;
	// a blank one would leave agents unable to send files to it.
	if cfg.AdvertiseIP == "" {
		return nil, fmt.Errorf("ADVERTISE_IP must be set")
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
