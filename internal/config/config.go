// Package config reads hub configuration from environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all hub configuration from environment variables.
type Config struct {
	// Network identity
	ListenAddr  string
	NetworkName string

	// Identity
	SecretKey     string // HMAC secret, required
	CertTTL       time.Duration
	SweepSchedule string // cron spec for the expired-claim sweeper

	// Connections
	MaxConnections int
	MaxMessageSize int64
	WriteTimeout   time.Duration

	// Heartbeat
	HeartbeatInterval time.Duration
	AgentTimeout      time.Duration
	PingTimeout       time.Duration

	// Registration policy
	AllowForceReconnect bool

	// Threads mod
	ChannelsFile           string
	AutoCreateChannels     bool
	MaxFileSize            int64
	ChannelHistoryCapacity int
	MaxThreadDepth         int

	// Notifications
	NotifyEvents []string
	WebhookURL   string
	WebhookAuth  string // Authorization header value
	MQTTBroker   string
	MQTTTopic    string
	MQTTClientID string
	MQTTUsername string
	MQTTPassword string
	MQTTQoS      int

	// Metrics
	MetricsTextfile string

	// Logging
	LogJSON  bool
	LogDebug bool
}

// Load reads all configuration from environment variables with defaults.
func Load() *Config {
	return &Config{
		ListenAddr:  envStr("AGENTMESH_LISTEN_ADDR", ":8765"),
		NetworkName: envStr("AGENTMESH_NETWORK_NAME", "agentmesh"),

		SecretKey:     os.Getenv("AGENTMESH_SECRET_KEY"),
		CertTTL:       envDuration("AGENTMESH_CERT_TTL", 24*time.Hour),
		SweepSchedule: envStr("AGENTMESH_SWEEP_SCHEDULE", "@every 10m"),

		MaxConnections: envInt("AGENTMESH_MAX_CONNECTIONS", 1000),
		MaxMessageSize: envInt64("AGENTMESH_MAX_MESSAGE_SIZE", 100<<20),
		WriteTimeout:   envDuration("AGENTMESH_WRITE_TIMEOUT", 10*time.Second),

		HeartbeatInterval: envDuration("AGENTMESH_HEARTBEAT_INTERVAL", 30*time.Second),
		AgentTimeout:      envDuration("AGENTMESH_AGENT_TIMEOUT", 90*time.Second),
		PingTimeout:       envDuration("AGENTMESH_PING_TIMEOUT", 5*time.Second),

		AllowForceReconnect: envBool("AGENTMESH_ALLOW_FORCE_RECONNECT", true),

		ChannelsFile:           envStr("AGENTMESH_CHANNELS_FILE", ""),
		AutoCreateChannels:     envBool("AGENTMESH_AUTO_CREATE_CHANNELS", false),
		MaxFileSize:            envInt64("AGENTMESH_MAX_FILE_SIZE", 10<<20),
		ChannelHistoryCapacity: envInt("AGENTMESH_CHANNEL_HISTORY_CAPACITY", 2000),
		MaxThreadDepth:         envInt("AGENTMESH_MAX_THREAD_DEPTH", 5),

		NotifyEvents:    envList("AGENTMESH_NOTIFY_EVENTS"),
		WebhookURL:      envStr("AGENTMESH_WEBHOOK_URL", ""),
		WebhookAuth:     envStr("AGENTMESH_WEBHOOK_AUTH", ""),
		MQTTBroker:      envStr("AGENTMESH_MQTT_BROKER", ""),
		MQTTTopic:       envStr("AGENTMESH_MQTT_TOPIC", "agentmesh/events"),
		MQTTClientID:    envStr("AGENTMESH_MQTT_CLIENT_ID", ""),
		MQTTUsername:    envStr("AGENTMESH_MQTT_USERNAME", ""),
		MQTTPassword:    envStr("AGENTMESH_MQTT_PASSWORD", ""),
		MQTTQoS:         envInt("AGENTMESH_MQTT_QOS", 0),
		MetricsTextfile: envStr("AGENTMESH_METRICS_TEXTFILE", ""),

		LogJSON:  envBool("AGENTMESH_LOG_JSON", true),
		LogDebug: envBool("AGENTMESH_LOG_DEBUG", false),
	}
}

// Validate checks configuration for invalid values.
func (c *Config) Validate() error {
	var errs []error
	if c.SecretKey == "" {
		errs = append(errs, errors.New("AGENTMESH_SECRET_KEY is required"))
	}
	if c.CertTTL <= 0 {
		errs = append(errs, fmt.Errorf("AGENTMESH_CERT_TTL must be > 0, got %s", c.CertTTL))
	}
	if c.MaxConnections < 0 {
		errs = append(errs, fmt.Errorf("AGENTMESH_MAX_CONNECTIONS must be >= 0, got %d", c.MaxConnections))
	}
	if c.MaxMessageSize <= 0 {
		errs = append(errs, fmt.Errorf("AGENTMESH_MAX_MESSAGE_SIZE must be > 0, got %d", c.MaxMessageSize))
	}
	if c.WriteTimeout <= 0 {
		errs = append(errs, fmt.Errorf("AGENTMESH_WRITE_TIMEOUT must be > 0, got %s", c.WriteTimeout))
	}
	if c.HeartbeatInterval <= 0 {
		errs = append(errs, fmt.Errorf("AGENTMESH_HEARTBEAT_INTERVAL must be > 0, got %s", c.HeartbeatInterval))
	}
	if c.AgentTimeout <= c.HeartbeatInterval {
		errs = append(errs, fmt.Errorf("AGENTMESH_AGENT_TIMEOUT must exceed the heartbeat interval, got %s", c.AgentTimeout))
	}
	if c.PingTimeout <= 0 {
		errs = append(errs, fmt.Errorf("AGENTMESH_PING_TIMEOUT must be > 0, got %s", c.PingTimeout))
	}
	if c.MaxFileSize <= 0 {
		errs = append(errs, fmt.Errorf("AGENTMESH_MAX_FILE_SIZE must be > 0, got %d", c.MaxFileSize))
	}
	if c.MaxFileSize > c.MaxMessageSize {
		errs = append(errs, fmt.Errorf("AGENTMESH_MAX_FILE_SIZE (%d) must not exceed AGENTMESH_MAX_MESSAGE_SIZE (%d)", c.MaxFileSize, c.MaxMessageSize))
	}
	if c.ChannelHistoryCapacity <= 0 {
		errs = append(errs, fmt.Errorf("AGENTMESH_CHANNEL_HISTORY_CAPACITY must be > 0, got %d", c.ChannelHistoryCapacity))
	}
	if c.MaxThreadDepth < 1 {
		errs = append(errs, fmt.Errorf("AGENTMESH_MAX_THREAD_DEPTH must be >= 1, got %d", c.MaxThreadDepth))
	}
	if c.MQTTQoS < 0 || c.MQTTQoS > 2 {
		errs = append(errs, fmt.Errorf("AGENTMESH_MQTT_QOS must be 0, 1, or 2, got %d", c.MQTTQoS))
	}
	return errors.Join(errs...)
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envInt64(key string, def int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func envList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
