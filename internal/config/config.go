// Package config loads hub and agent configuration from environment
// variables.
package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

// HubConfig holds hub server configuration.
type HubConfig struct {
	// Server
	ListenAddr string
	BaseURL    string

	// Database
	DatabasePath string

	// Viewer sessions
	SessionDuration time.Duration

	// Liveness thresholds for status classification
	OnlineThreshold time.Duration
	SleepThreshold  time.Duration

	// Command dispatch
	CommandTimeout time.Duration
	PollInterval   time.Duration

	// Stale command cleanup: multiplier × heartbeat interval with a floor
	StaleMultiplier int
	StaleFloor      time.Duration
	SweepInterval   time.Duration

	// Security
	AllowedOrigins []string

	LogLevel string
}

// LoadHubConfig loads the hub configuration from CAMFLEET_* variables.
func LoadHubConfig() (*HubConfig, error) {
	dataDir := getEnv("CAMFLEET_DATA_DIR", "/data")

	cfg := &HubConfig{
		ListenAddr:      getEnv("CAMFLEET_LISTEN", ":8100"),
		BaseURL:         getEnv("CAMFLEET_BASE_URL", "http://localhost:8100"),
		DatabasePath:    getEnv("CAMFLEET_DB_PATH", dataDir+"/camfleet.db"),
		SessionDuration: parseDuration("CAMFLEET_SESSION_DURATION", 24*time.Hour),
		OnlineThreshold: parseDuration("CAMFLEET_ONLINE_THRESHOLD", 30*time.Second),
		SleepThreshold:  parseDuration("CAMFLEET_SLEEP_THRESHOLD", 5*time.Minute),
		CommandTimeout:  parseDuration("CAMFLEET_COMMAND_TIMEOUT", 10*time.Second),
		PollInterval:    parseDuration("CAMFLEET_POLL_INTERVAL", 15*time.Second),
		StaleMultiplier: parseInt("CAMFLEET_STALE_MULTIPLIER", 3),
		StaleFloor:      parseDuration("CAMFLEET_STALE_FLOOR", time.Minute),
		SweepInterval:   parseDuration("CAMFLEET_SWEEP_INTERVAL", time.Minute),
		AllowedOrigins:  parseList("CAMFLEET_ALLOWED_ORIGINS"),
		LogLevel:        getEnv("CAMFLEET_LOG_LEVEL", "info"),
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *HubConfig) validate() error {
	var errs []string
	if c.OnlineThreshold <= 0 || c.SleepThreshold <= c.OnlineThreshold {
		errs = append(errs, "CAMFLEET_SLEEP_THRESHOLD must be greater than CAMFLEET_ONLINE_THRESHOLD")
	}
	if c.CommandTimeout < time.Second {
		errs = append(errs, "CAMFLEET_COMMAND_TIMEOUT must be at least 1s")
	}
	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

// AgentConfig holds agent configuration.
type AgentConfig struct {
	// Connection
	HubURL   string // WebSocket URL (ws:// or wss://)
	DeviceID string
	Token    string // agent authentication token

	// Behavior
	HeartbeatInterval time.Duration
	LogLevel          string

	// Derived
	Hostname string
}

// DefaultAgentConfig returns an agent config with default values.
func DefaultAgentConfig() *AgentConfig {
	hostname, _ := os.Hostname()
	return &AgentConfig{
		HeartbeatInterval: 30 * time.Second,
		LogLevel:          "info",
		Hostname:          hostname,
	}
}

// LoadAgentConfig loads agent configuration from environment variables.
func LoadAgentConfig() (*AgentConfig, error) {
	cfg := DefaultAgentConfig()

	cfg.HubURL = os.Getenv("CAMFLEET_URL")
	if cfg.HubURL == "" {
		return nil, errors.New("CAMFLEET_URL is required")
	}
	cfg.DeviceID = os.Getenv("CAMFLEET_DEVICE_ID")
	if cfg.DeviceID == "" {
		return nil, errors.New("CAMFLEET_DEVICE_ID is required")
	}
	cfg.Token = os.Getenv("CAMFLEET_TOKEN")
	if cfg.Token == "" {
		return nil, errors.New("CAMFLEET_TOKEN is required")
	}

	if interval := os.Getenv("CAMFLEET_INTERVAL"); interval != "" {
		seconds, err := strconv.Atoi(interval)
		if err != nil {
			return nil, errors.New("CAMFLEET_INTERVAL must be a number (seconds)")
		}
		cfg.HeartbeatInterval = time.Duration(seconds) * time.Second
	}
	if level := os.Getenv("CAMFLEET_LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}

	return cfg, cfg.Validate()
}

// Validate checks that the agent configuration is usable.
func (c *AgentConfig) Validate() error {
	if c.HubURL == "" {
		return errors.New("hub URL is required")
	}
	if c.Token == "" {
		return errors.New("token is required")
	}
	if c.HeartbeatInterval < time.Second {
		return errors.New("heartbeat interval must be at least 1 second")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func parseDuration(key string, defaultValue time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultValue
}

func parseInt(key string, defaultValue int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return defaultValue
}

func parseList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
