package config

import (
	"os"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	for _, k := range []string{
		"AGENTMESH_LISTEN_ADDR", "AGENTMESH_NETWORK_NAME", "AGENTMESH_CERT_TTL",
		"AGENTMESH_MAX_CONNECTIONS", "AGENTMESH_MAX_MESSAGE_SIZE",
		"AGENTMESH_HEARTBEAT_INTERVAL", "AGENTMESH_AGENT_TIMEOUT",
		"AGENTMESH_PING_TIMEOUT", "AGENTMESH_MAX_FILE_SIZE",
		"AGENTMESH_CHANNEL_HISTORY_CAPACITY", "AGENTMESH_MAX_THREAD_DEPTH",
		"AGENTMESH_AUTO_CREATE_CHANNELS", "AGENTMESH_ALLOW_FORCE_RECONNECT",
		"AGENTMESH_LOG_JSON", "AGENTMESH_LOG_DEBUG", "AGENTMESH_NOTIFY_EVENTS",
	} {
		os.Unsetenv(k)
	}

	cfg := Load()
	if cfg.ListenAddr != ":8765" {
		t.Errorf("ListenAddr = %q, want :8765", cfg.ListenAddr)
	}
	if cfg.HeartbeatInterval != 30*time.Second {
		t.Errorf("HeartbeatInterval = %s, want 30s", cfg.HeartbeatInterval)
	}
	if cfg.AgentTimeout != 90*time.Second {
		t.Errorf("AgentTimeout = %s, want 90s", cfg.AgentTimeout)
	}
	if cfg.PingTimeout != 5*time.Second {
		t.Errorf("PingTimeout = %s, want 5s", cfg.PingTimeout)
	}
	if cfg.MaxConnections != 1000 {
		t.Errorf("MaxConnections = %d, want 1000", cfg.MaxConnections)
	}
	if cfg.MaxMessageSize != 100<<20 {
		t.Errorf("MaxMessageSize = %d, want %d", cfg.MaxMessageSize, 100<<20)
	}
	if cfg.CertTTL != 24*time.Hour {
		t.Errorf("CertTTL = %s, want 24h", cfg.CertTTL)
	}
	if cfg.MaxFileSize != 10<<20 {
		t.Errorf("MaxFileSize = %d, want %d", cfg.MaxFileSize, 10<<20)
	}
	if cfg.ChannelHistoryCapacity != 2000 {
		t.Errorf("ChannelHistoryCapacity = %d, want 2000", cfg.ChannelHistoryCapacity)
	}
	if cfg.MaxThreadDepth != 5 {
		t.Errorf("MaxThreadDepth = %d, want 5", cfg.MaxThreadDepth)
	}
	if cfg.AutoCreateChannels {
		t.Error("AutoCreateChannels = true, want false")
	}
	if !cfg.AllowForceReconnect {
		t.Error("AllowForceReconnect = false, want true")
	}
	if !cfg.LogJSON {
		t.Error("LogJSON = false, want true")
	}
	if cfg.LogDebug {
		t.Error("LogDebug = true, want false")
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("AGENTMESH_HEARTBEAT_INTERVAL", "10s")
	t.Setenv("AGENTMESH_AGENT_TIMEOUT", "45s")
	t.Setenv("AGENTMESH_MAX_CONNECTIONS", "50")
	t.Setenv("AGENTMESH_AUTO_CREATE_CHANNELS", "true")
	t.Setenv("AGENTMESH_NOTIFY_EVENTS", "agent_registered, agent_evicted")

	cfg := Load()
	if cfg.HeartbeatInterval != 10*time.Second {
		t.Errorf("HeartbeatInterval = %s, want 10s", cfg.HeartbeatInterval)
	}
	if cfg.AgentTimeout != 45*time.Second {
		t.Errorf("AgentTimeout = %s, want 45s", cfg.AgentTimeout)
	}
	if cfg.MaxConnections != 50 {
		t.Errorf("MaxConnections = %d, want 50", cfg.MaxConnections)
	}
	if !cfg.AutoCreateChannels {
		t.Error("AutoCreateChannels = false, want true")
	}
	want := []string{"agent_registered", "agent_evicted"}
	if len(cfg.NotifyEvents) != len(want) {
		t.Fatalf("NotifyEvents = %v, want %v", cfg.NotifyEvents, want)
	}
	for i := range want {
		if cfg.NotifyEvents[i] != want[i] {
			t.Errorf("NotifyEvents[%d] = %q, want %q", i, cfg.NotifyEvents[i], want[i])
		}
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			SecretKey:              "s3cret",
			CertTTL:                24 * time.Hour,
			MaxConnections:         1000,
			MaxMessageSize:         100 << 20,
			WriteTimeout:           10 * time.Second,
			HeartbeatInterval:      30 * time.Second,
			AgentTimeout:           90 * time.Second,
			PingTimeout:            5 * time.Second,
			MaxFileSize:            10 << 20,
			ChannelHistoryCapacity: 2000,
			MaxThreadDepth:         5,
		}
	}

	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{"valid", func(_ *Config) {}, false},
		{"missing secret key", func(c *Config) { c.SecretKey = "" }, true},
		{"zero cert ttl", func(c *Config) { c.CertTTL = 0 }, true},
		{"negative max connections", func(c *Config) { c.MaxConnections = -1 }, true},
		{"unlimited connections valid", func(c *Config) { c.MaxConnections = 0 }, false},
		{"agent timeout below heartbeat", func(c *Config) { c.AgentTimeout = 10 * time.Second }, true},
		{"zero ping timeout", func(c *Config) { c.PingTimeout = 0 }, true},
		{"file larger than frame limit", func(c *Config) { c.MaxFileSize = c.MaxMessageSize + 1 }, true},
		{"zero history capacity", func(c *Config) { c.ChannelHistoryCapacity = 0 }, true},
		{"zero thread depth", func(c *Config) { c.MaxThreadDepth = 0 }, true},
		{"qos out of range", func(c *Config) { c.MQTTQoS = 3 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr = %v", err, tt.wantErr)
			}
		})
	}
}

func TestEnvHelpers(t *testing.T) {
	t.Setenv("AM_TEST_STR", "custom")
	if got := envStr("AM_TEST_STR", "default"); got != "custom" {
		t.Errorf("envStr = %q, want custom", got)
	}
	if got := envStr("AM_TEST_MISSING", "fallback"); got != "fallback" {
		t.Errorf("envStr = %q, want fallback", got)
	}

	t.Setenv("AM_TEST_INT", "42")
	if got := envInt("AM_TEST_INT", 0); got != 42 {
		t.Errorf("envInt = %d, want 42", got)
	}
	t.Setenv("AM_TEST_INT", "notanumber")
	if got := envInt("AM_TEST_INT", 99); got != 99 {
		t.Errorf("envInt = %d, want 99 (default on parse failure)", got)
	}

	t.Setenv("AM_TEST_I64", "104857600")
	if got := envInt64("AM_TEST_I64", 0); got != 104857600 {
		t.Errorf("envInt64 = %d, want 104857600", got)
	}

	t.Setenv("AM_TEST_BOOL", "invalid")
	if got := envBool("AM_TEST_BOOL", true); !got {
		t.Error("envBool = false, want true (default on parse failure)")
	}

	t.Setenv("AM_TEST_DUR", "5m")
	if got := envDuration("AM_TEST_DUR", time.Hour); got != 5*time.Minute {
		t.Errorf("envDuration = %s, want 5m", got)
	}
}
