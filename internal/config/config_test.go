package config

import (
	"os"
	"testing"
)

func TestLoadRelayConfigDefaults(t *testing.T) {
	t.Setenv("RELAY_API_KEY", "test-key-123")
	os.Unsetenv("RELAY_PORT")
	os.Unsetenv("RELAY_API_PORT")
	os.Unsetenv("RELAY_METRICS_PORT")
	os.Unsetenv("RELAY_MAX_SESSIONS")
	os.Unsetenv("RELAY_SESSION_TIMEOUT")

	cfg, err := LoadRelayConfig()
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if cfg.APIKey != "test-key-123" {
		t.Errorf("expected api key test-key-123, got %q", cfg.APIKey)
	}
	if cfg.RelayPort != 443 {
		t.Errorf("expected default relay port 443, got %d", cfg.RelayPort)
	}
	if cfg.APIPort != 8443 {
		t.Errorf("expected default api port 8443, got %d", cfg.APIPort)
	}
	if cfg.MetricsPort != 9090 {
		t.Errorf("expected default metrics port 9090, got %d", cfg.MetricsPort)
	}
	if cfg.MaxSessions != 1000 {
		t.Errorf("expected default max sessions 1000, got %d", cfg.MaxSessions)
	}
	if cfg.SessionTimeoutDuration().Seconds() != 300 {
		t.Errorf("expected default session timeout 300s, got %v", cfg.SessionTimeoutDuration())
	}
}

func TestLoadRelayConfigEnvOverride(t *testing.T) {
	t.Setenv("RELAY_API_KEY", "custom-key")
	t.Setenv("RELAY_PORT", "9443")
	t.Setenv("RELAY_API_PORT", "9444")
	t.Setenv("RELAY_METRICS_PORT", "9091")
	t.Setenv("RELAY_MAX_SESSIONS", "500")
	t.Setenv("RELAY_SESSION_TIMEOUT", "600")

	cfg, err := LoadRelayConfig()
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if cfg.RelayPort != 9443 || cfg.APIPort != 9444 || cfg.MetricsPort != 9091 {
		t.Errorf("unexpected ports: %+v", cfg)
	}
	if cfg.MaxSessions != 500 {
		t.Errorf("expected max sessions 500, got %d", cfg.MaxSessions)
	}
	if cfg.SessionTimeoutDuration().Seconds() != 600 {
		t.Errorf("expected session timeout 600s, got %v", cfg.SessionTimeoutDuration())
	}
}

func TestLoadRelayConfigMissingAPIKey(t *testing.T) {
	os.Unsetenv("RELAY_API_KEY")
	if _, err := LoadRelayConfig(); err == nil {
		t.Fatal("expected error when RELAY_API_KEY is unset")
	}
}

func TestLoadRelayConfigFileOverridesRedis(t *testing.T) {
	t.Setenv("RELAY_API_KEY", "test-key-123")
	content := `
redis:
  enabled: true
  address: "localhost:6379"
  channel: "custom-channel"
`
	if err := os.WriteFile("config.yaml", []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	defer os.Remove("config.yaml")

	cfg, err := LoadRelayConfig()
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	if !cfg.Redis.Enabled {
		t.Error("expected redis enabled from config file")
	}
	if cfg.Redis.Channel != "custom-channel" {
		t.Errorf("expected custom-channel, got %q", cfg.Redis.Channel)
	}
}

func TestLoadClientConfigDefaults(t *testing.T) {
	cfg, err := LoadClientConfig()
	if err != nil {
		t.Fatalf("failed to load client config: %v", err)
	}
	if cfg.Multipath {
		t.Error("expected multipath disabled by default")
	}
	if cfg.LocalPort != 0 {
		t.Errorf("expected local_port default 0, got %d", cfg.LocalPort)
	}
}

func TestLoadClientConfigFile(t *testing.T) {
	content := `
relay_addr: "198.51.100.1:443"
backup_relay_addr: "198.51.100.2:443"
multipath: true
game_server_ips: ["10.0.0.1"]
game_ports: ["27015-27050"]
admin_addr: "https://relay.example.com:8443"
api_key: "client-key"
`
	if err := os.WriteFile("boost.yaml", []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	defer os.Remove("boost.yaml")

	cfg, err := LoadClientConfig()
	if err != nil {
		t.Fatalf("failed to load client config: %v", err)
	}
	if !cfg.Multipath {
		t.Error("expected multipath enabled")
	}
	if cfg.RelayAddr != "198.51.100.1:443" {
		t.Errorf("unexpected relay addr: %q", cfg.RelayAddr)
	}
	if len(cfg.GameServerIPs) != 1 || cfg.GameServerIPs[0] != "10.0.0.1" {
		t.Errorf("unexpected game server ips: %v", cfg.GameServerIPs)
	}
}
