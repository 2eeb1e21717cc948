// Package config loads configuration for both binaries with viper,
// following the teacher's internal/config/config.go pattern: SetDefault
// for every documented default, optional config file, environment
// variables bound over the top and taking precedence.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// RelayConfig holds the relay binary's settings. Field names and defaults
// mirror original_source/relay/src/config.rs's Config::from_env.
type RelayConfig struct {
	APIKey         string `mapstructure:"api_key"`
	RelayPort      int    `mapstructure:"relay_port"`
	APIPort        int    `mapstructure:"api_port"`
	MetricsPort    int    `mapstructure:"metrics_port"`
	MaxSessions    int    `mapstructure:"max_sessions"`
	SessionTimeout int    `mapstructure:"session_timeout_secs"`

	ReapIntervalSecs int  `mapstructure:"reap_interval_secs"`
	SocketBufferSize int  `mapstructure:"socket_buffer_size"`
	LogRequests      bool `mapstructure:"log_requests"`

	Redis struct {
		Enabled  bool   `mapstructure:"enabled"`
		Address  string `mapstructure:"address"`
		Password string `mapstructure:"password"`
		DB       int    `mapstructure:"db"`
		Channel  string `mapstructure:"channel"`
	} `mapstructure:"redis"`
}

// SessionTimeoutDuration returns the configured session timeout as a
// time.Duration.
func (c *RelayConfig) SessionTimeoutDuration() time.Duration {
	return time.Duration(c.SessionTimeout) * time.Second
}

// ReapInterval returns the configured reaper tick interval.
func (c *RelayConfig) ReapInterval() time.Duration {
	return time.Duration(c.ReapIntervalSecs) * time.Second
}

// LoadRelayConfig loads relay settings from an optional config.yaml
// overlaid with the RELAY_* environment variables named in the external
// interface; env vars take precedence over file-sourced values, matching
// viper's BindEnv-over-file precedence.
func LoadRelayConfig() (*RelayConfig, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetDefault("relay_port", 443)
	v.SetDefault("api_port", 8443)
	v.SetDefault("metrics_port", 9090)
	v.SetDefault("max_sessions", 1000)
	v.SetDefault("session_timeout_secs", 300)
	v.SetDefault("reap_interval_secs", 60)
	v.SetDefault("socket_buffer_size", 4*1024*1024)
	v.SetDefault("log_requests", false)
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.channel", "plgboost_sessions")

	_ = v.BindEnv("api_key", "RELAY_API_KEY")
	_ = v.BindEnv("relay_port", "RELAY_PORT")
	_ = v.BindEnv("api_port", "RELAY_API_PORT")
	_ = v.BindEnv("metrics_port", "RELAY_METRICS_PORT")
	_ = v.BindEnv("max_sessions", "RELAY_MAX_SESSIONS")
	_ = v.BindEnv("session_timeout_secs", "RELAY_SESSION_TIMEOUT")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg RelayConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	if cfg.APIKey == "" {
		return nil, fmt.Errorf("config: RELAY_API_KEY must be set")
	}

	return &cfg, nil
}

// ClientConfig holds the boost client binary's settings.
type ClientConfig struct {
	RelayAddr       string   `mapstructure:"relay_addr"`
	BackupRelayAddr string   `mapstructure:"backup_relay_addr"`
	Multipath       bool     `mapstructure:"multipath"`
	GameServerIPs   []string `mapstructure:"game_server_ips"`
	GamePorts       []string `mapstructure:"game_ports"`
	LocalPort       int      `mapstructure:"local_port"`
	AdminAddr       string   `mapstructure:"admin_addr"`
	APIKey          string   `mapstructure:"api_key"`
	ForceMode       string   `mapstructure:"force_mode"`
}

// LoadClientConfig loads the boost client's settings the same way.
func LoadClientConfig() (*ClientConfig, error) {
	v := viper.New()
	v.SetConfigName("boost")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetDefault("local_port", 0)
	v.SetDefault("multipath", false)
	v.SetDefault("force_mode", "")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var cfg ClientConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
