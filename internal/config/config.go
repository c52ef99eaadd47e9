// Package config loads relay configuration from an optional YAML file and
// environment variables. Environment values override the file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds relay configuration.
type Config struct {
	// Server
	ListenAddr       string `yaml:"listen"`        // HTTP API + app socket
	DeviceListenAddr string `yaml:"device_listen"` // raw device socket

	// Authentication
	JWTSecret       string `yaml:"jwt_secret"`
	DeviceTokenHash string `yaml:"device_token_hash"` // bcrypt hash, optional

	// Database
	DatabasePath string `yaml:"db_path"`

	// Security
	AllowedOrigins []string `yaml:"allowed_origins"` // empty = allow all

	// Liveness
	HeartbeatTimeout           time.Duration `yaml:"heartbeat_timeout"`
	SweepInterval              time.Duration `yaml:"sweep_interval"`
	StatusInterval             time.Duration `yaml:"status_interval"`
	BatteryPollInterval        time.Duration `yaml:"battery_poll_interval"`
	HeartbeatBroadcastInterval time.Duration `yaml:"heartbeat_broadcast_interval"`

	// Pending command expiry
	PendingTTL     time.Duration `yaml:"pending_ttl"` // 0 disables expiry
	ExpiryInterval time.Duration `yaml:"expiry_interval"`

	// Logging
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"` // console or json
	LogFile   string `yaml:"log_file"`   // optional rotated file
	LogMaxMB  int    `yaml:"log_max_mb"`
	LogKeep   int    `yaml:"log_keep"`
	LogMaxAge int    `yaml:"log_max_age_days"`

	// MQTT mirror
	MQTTBroker      string `yaml:"mqtt_broker"` // empty disables
	MQTTClientID    string `yaml:"mqtt_client_id"`
	MQTTUsername    string `yaml:"mqtt_username"`
	MQTTPassword    string `yaml:"mqtt_password"`
	MQTTTopicPrefix string `yaml:"mqtt_topic_prefix"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		ListenAddr:                 ":3000",
		DeviceListenAddr:           ":3001",
		DatabasePath:               "./data/carrelay.db",
		HeartbeatTimeout:           60 * time.Second,
		SweepInterval:              3 * time.Second,
		StatusInterval:             3 * time.Second,
		BatteryPollInterval:        30 * time.Second,
		HeartbeatBroadcastInterval: 5 * time.Second,
		PendingTTL:                 10 * time.Minute,
		ExpiryInterval:             1 * time.Minute,
		LogLevel:                   "info",
		LogFormat:                  "console",
		LogMaxMB:                   50,
		LogKeep:                    5,
		LogMaxAge:                  28,
		MQTTClientID:               "carrelay",
		MQTTTopicPrefix:            "carrelay",
	}
}

// LoadConfig loads configuration from CARRELAY_CONFIG (if set) and the
// environment, then validates it.
func LoadConfig() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("CARRELAY_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.ListenAddr = getEnv("CARRELAY_LISTEN", c.ListenAddr)
	c.DeviceListenAddr = getEnv("CARRELAY_DEVICE_LISTEN", c.DeviceListenAddr)
	c.JWTSecret = getEnv("CARRELAY_JWT_SECRET", c.JWTSecret)
	c.DeviceTokenHash = getEnv("CARRELAY_DEVICE_TOKEN_HASH", c.DeviceTokenHash)
	c.DatabasePath = getEnv("CARRELAY_DB_PATH", c.DatabasePath)
	if origins := parseList("CARRELAY_ALLOWED_ORIGINS"); origins != nil {
		c.AllowedOrigins = origins
	}

	c.HeartbeatTimeout = parseDuration("CARRELAY_HEARTBEAT_TIMEOUT", c.HeartbeatTimeout)
	c.SweepInterval = parseDuration("CARRELAY_SWEEP_INTERVAL", c.SweepInterval)
	c.StatusInterval = parseDuration("CARRELAY_STATUS_INTERVAL", c.StatusInterval)
	c.BatteryPollInterval = parseDuration("CARRELAY_BATTERY_POLL_INTERVAL", c.BatteryPollInterval)
	c.HeartbeatBroadcastInterval = parseDuration("CARRELAY_HEARTBEAT_BROADCAST_INTERVAL", c.HeartbeatBroadcastInterval)
	c.PendingTTL = parseDuration("CARRELAY_PENDING_TTL", c.PendingTTL)
	c.ExpiryInterval = parseDuration("CARRELAY_EXPIRY_INTERVAL", c.ExpiryInterval)

	c.LogLevel = getEnv("CARRELAY_LOG_LEVEL", c.LogLevel)
	c.LogFormat = getEnv("CARRELAY_LOG_FORMAT", c.LogFormat)
	c.LogFile = getEnv("CARRELAY_LOG_FILE", c.LogFile)
	c.LogMaxMB = parseInt("CARRELAY_LOG_MAX_MB", c.LogMaxMB)
	c.LogKeep = parseInt("CARRELAY_LOG_KEEP", c.LogKeep)
	c.LogMaxAge = parseInt("CARRELAY_LOG_MAX_AGE_DAYS", c.LogMaxAge)

	c.MQTTBroker = getEnv("CARRELAY_MQTT_BROKER", c.MQTTBroker)
	c.MQTTClientID = getEnv("CARRELAY_MQTT_CLIENT_ID", c.MQTTClientID)
	c.MQTTUsername = getEnv("CARRELAY_MQTT_USERNAME", c.MQTTUsername)
	c.MQTTPassword = getEnv("CARRELAY_MQTT_PASSWORD", c.MQTTPassword)
	c.MQTTTopicPrefix = getEnv("CARRELAY_MQTT_TOPIC_PREFIX", c.MQTTTopicPrefix)
}

func (c *Config) validate() error {
	var errs []string

	if c.JWTSecret == "" {
		errs = append(errs, "CARRELAY_JWT_SECRET is required")
	}
	if c.ListenAddr == "" || c.DeviceListenAddr == "" {
		errs = append(errs, "listen addresses must not be empty")
	} else if c.ListenAddr == c.DeviceListenAddr {
		errs = append(errs, "CARRELAY_LISTEN and CARRELAY_DEVICE_LISTEN must differ")
	}
	if c.HeartbeatTimeout <= 0 {
		errs = append(errs, "CARRELAY_HEARTBEAT_TIMEOUT must be positive")
	}
	if c.SweepInterval <= 0 || c.SweepInterval >= c.HeartbeatTimeout {
		errs = append(errs, "CARRELAY_SWEEP_INTERVAL must be positive and shorter than the heartbeat timeout")
	}
	if c.StatusInterval <= 0 {
		errs = append(errs, "CARRELAY_STATUS_INTERVAL must be positive")
	}
	if c.PendingTTL < 0 {
		errs = append(errs, "CARRELAY_PENDING_TTL must not be negative")
	}
	if c.PendingTTL > 0 && c.ExpiryInterval <= 0 {
		errs = append(errs, "CARRELAY_EXPIRY_INTERVAL must be positive when expiry is enabled")
	}
	switch c.LogFormat {
	case "console", "json":
	default:
		errs = append(errs, fmt.Sprintf("CARRELAY_LOG_FORMAT must be console or json, got %q", c.LogFormat))
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

// ExpiryEnabled reports whether stale pending commands are expired.
func (c *Config) ExpiryEnabled() bool {
	return c.PendingTTL > 0
}

// MQTTEnabled reports whether events are mirrored to an MQTT broker.
func (c *Config) MQTTEnabled() bool {
	return c.MQTTBroker != ""
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
	items := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			items = append(items, trimmed)
		}
	}
	return items
}
