// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration
type Config struct {
	DataDir      string // Base directory for all databases (always absolute)
	BackupDir    string // Local backup directory (defaults to DataDir/backups)
	Port         int
	LogLevel     string
	DevMode      bool
	BaseCurrency string // Reporting currency every journal line converts into

	ExchangeRateURL string // Empty uses the public exchangerate-api.com endpoint
	BrokerURL       string // WebSocket event-bus endpoint; empty keeps the in-process bus

	Outbox  OutboxConfig
	Breaker BreakerConfig
	S3      S3Config
}

// OutboxConfig tunes the outbox dispatcher.
type OutboxConfig struct {
	PollInterval time.Duration
	BatchSize    int
	LeaseTimeout time.Duration
	Retention    time.Duration // How long published rows are kept
}

// BreakerConfig tunes the circuit breakers guarding command handling.
type BreakerConfig struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration
	SuccessThreshold int
	MonitoringPeriod time.Duration
}

// S3Config configures offsite backups. Disabled when Bucket is empty.
type S3Config struct {
	Bucket          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	KeepBackups     int
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	dataDir := getEnv("LEDGER_DATA_DIR", "")
	if dataDir == "" {
		dataDir = "./data"
	}
	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}
	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	backupDir := getEnv("LEDGER_BACKUP_DIR", "")
	if backupDir == "" {
		backupDir = filepath.Join(absDataDir, "backups")
	}

	cfg := &Config{
		DataDir:      absDataDir,
		BackupDir:    backupDir,
		Port:         getEnvAsInt("LEDGER_PORT", 8010),
		LogLevel:     getEnv("LOG_LEVEL", "info"),
		DevMode:      getEnvAsBool("DEV_MODE", false),
		BaseCurrency: getEnv("BASE_CURRENCY", "EUR"),

		ExchangeRateURL: getEnv("EXCHANGE_RATE_URL", ""),
		BrokerURL:       getEnv("BROKER_URL", ""),

		Outbox: OutboxConfig{
			PollInterval: getEnvAsDuration("OUTBOX_POLL_INTERVAL", time.Second),
			BatchSize:    getEnvAsInt("OUTBOX_BATCH_SIZE", 100),
			LeaseTimeout: getEnvAsDuration("OUTBOX_LEASE_TIMEOUT", 5*time.Minute),
			Retention:    getEnvAsDuration("OUTBOX_RETENTION", 7*24*time.Hour),
		},
		Breaker: BreakerConfig{
			FailureThreshold: getEnvAsInt("BREAKER_FAILURE_THRESHOLD", 5),
			RecoveryTimeout:  getEnvAsDuration("BREAKER_RECOVERY_TIMEOUT", 30*time.Second),
			SuccessThreshold: getEnvAsInt("BREAKER_SUCCESS_THRESHOLD", 3),
			MonitoringPeriod: getEnvAsDuration("BREAKER_MONITORING_PERIOD", 60*time.Second),
		},
		S3: S3Config{
			Bucket:          getEnv("S3_BACKUP_BUCKET", ""),
			Region:          getEnv("S3_BACKUP_REGION", "auto"),
			Endpoint:        getEnv("S3_BACKUP_ENDPOINT", ""),
			AccessKeyID:     getEnv("S3_ACCESS_KEY_ID", ""),
			SecretAccessKey: getEnv("S3_SECRET_ACCESS_KEY", ""),
			KeepBackups:     getEnvAsInt("S3_KEEP_BACKUPS", 14),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks if required configuration is present
func (c *Config) Validate() error {
	if len(c.BaseCurrency) != 3 {
		return fmt.Errorf("BASE_CURRENCY must be a 3-letter code, got %q", c.BaseCurrency)
	}
	if c.S3.Bucket != "" && (c.S3.AccessKeyID == "" || c.S3.SecretAccessKey == "") {
		return fmt.Errorf("S3 backups enabled but credentials are missing")
	}
	return nil
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
