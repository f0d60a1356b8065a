// Package config loads service configuration from environment variables,
// with an optional TOML file whose non-zero values override them.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

// Config holds all configuration for the dispatch/relay service.
type Config struct {
	HTTP     HTTPConfig
	Redis    RedisConfig
	Auth     AuthConfig
	Remote   RemoteConfig
	Task     TaskConfig
	Callback CallbackConfig
	Leader   LeaderConfig
	DevMode  bool
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	Port int
}

// RedisConfig holds the key-value store connection.
type RedisConfig struct {
	URL string
}

// AuthConfig holds inbound API authentication.
type AuthConfig struct {
	APIKey string
}

// RemoteConfig holds the remote batch API client configuration.
type RemoteConfig struct {
	APIKey         string
	Model          string
	MaxTokens      int
	RequestTimeout time.Duration
}

// TaskConfig holds task-processing tunables.
type TaskConfig struct {
	MaxAttempts             int
	PollInterval            time.Duration
	BatchCheckInterval      time.Duration
	MaxConcurrentSubmits    int
	MaxConcurrentDeliveries int
	PendingTTL              time.Duration
	CompletedTTL            time.Duration
	FailedTTL               time.Duration
}

// CallbackConfig holds the default webhook target used when a task does not
// carry its own callback URL/secret.
type CallbackConfig struct {
	URL    string
	Secret string
}

// LeaderConfig holds optional Redis-based leader election for the relay.
type LeaderConfig struct {
	Enabled         bool
	LockName        string
	TTL             time.Duration
	RefreshInterval time.Duration
}

// Load reads configuration from environment variables with sensible
// defaults, then overlays any TOML file named by CLASSIFY_RELAY_CONFIG.
func Load() (*Config, error) {
	cfg := &Config{
		HTTP: HTTPConfig{
			Port: getEnvInt("HTTP_PORT", 8080),
		},
		Redis: RedisConfig{
			URL: getEnv("STORE_URL", "redis://localhost:6379/0"),
		},
		Auth: AuthConfig{
			APIKey: getEnv("API_KEY", ""),
		},
		Remote: RemoteConfig{
			APIKey:         getEnv("REMOTE_API_KEY", ""),
			Model:          getEnv("REMOTE_MODEL", "claude-3-5-sonnet-20241022"),
			MaxTokens:      getEnvInt("REMOTE_MAX_TOKENS", 1024),
			RequestTimeout: getEnvDuration("REQUEST_TIMEOUT", 300*time.Second),
		},
		Task: TaskConfig{
			MaxAttempts:             getEnvInt("MAX_ATTEMPTS", 3),
			PollInterval:            getEnvDuration("POLL_INTERVAL", 5*time.Second),
			BatchCheckInterval:      getEnvDuration("BATCH_CHECK_INTERVAL", 60*time.Second),
			MaxConcurrentSubmits:    getEnvInt("MAX_CONCURRENT_SUBMITS", 10),
			MaxConcurrentDeliveries: getEnvInt("MAX_CONCURRENT_DELIVERIES", 10),
			PendingTTL:              getEnvDuration("TASK_PENDING_TTL", 7*24*time.Hour),
			CompletedTTL:            getEnvDuration("TASK_COMPLETED_TTL", 3*24*time.Hour),
			FailedTTL:               getEnvDuration("TASK_FAILED_TTL", 14*24*time.Hour),
		},
		Callback: CallbackConfig{
			URL:    getEnv("CALLBACK_URL", ""),
			Secret: getEnv("CALLBACK_SECRET", ""),
		},
		Leader: LeaderConfig{
			Enabled:         getEnvBool("LEADER_ELECTION_ENABLED", false),
			LockName:        getEnv("LEADER_LOCK_NAME", "classify-relay:relay:leader"),
			TTL:             getEnvDuration("LEADER_TTL", 30*time.Second),
			RefreshInterval: getEnvDuration("LEADER_REFRESH_INTERVAL", 10*time.Second),
		},
		DevMode: getEnvBool("CLASSIFY_RELAY_DEV", false),
	}

	if path := os.Getenv("CLASSIFY_RELAY_CONFIG"); path != "" {
		if err := overlayFromFile(cfg, path); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	return cfg, nil
}

// fileOverrides mirrors the subset of Config that may be supplied via the
// optional TOML file; zero values never override an env-derived default.
type fileOverrides struct {
	HTTP struct {
		Port int `toml:"port"`
	} `toml:"http"`
	Redis struct {
		URL string `toml:"url"`
	} `toml:"redis"`
	Task struct {
		MaxAttempts        int    `toml:"max_attempts"`
		PollInterval       string `toml:"poll_interval"`
		BatchCheckInterval string `toml:"batch_check_interval"`
	} `toml:"task"`
}

func overlayFromFile(cfg *Config, path string) error {
	var fo fileOverrides
	if _, err := toml.DecodeFile(path, &fo); err != nil {
		return err
	}
	if fo.HTTP.Port != 0 {
		cfg.HTTP.Port = fo.HTTP.Port
	}
	if fo.Redis.URL != "" {
		cfg.Redis.URL = fo.Redis.URL
	}
	if fo.Task.MaxAttempts != 0 {
		cfg.Task.MaxAttempts = fo.Task.MaxAttempts
	}
	if fo.Task.PollInterval != "" {
		if d, err := time.ParseDuration(fo.Task.PollInterval); err == nil {
			cfg.Task.PollInterval = d
		}
	}
	if fo.Task.BatchCheckInterval != "" {
		if d, err := time.ParseDuration(fo.Task.BatchCheckInterval); err == nil {
			cfg.Task.BatchCheckInterval = d
		}
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value, ok := os.LookupEnv(key); ok {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value, ok := os.LookupEnv(key); ok {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
