package server

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

// TOMLConfig is the on-disk configuration format.
type TOMLConfig struct {
	Server struct {
		ChatPort    int    `toml:"chat_port"`
		WebPort     int    `toml:"web_port"`
		MetricsPort int    `toml:"metrics_port"`
		MaxUser     int    `toml:"max_user"`
		AdminPrefix string `toml:"admin_prefix"`
	} `toml:"server"`
	Limits struct {
		MessageSizeLimit        int `toml:"message_size_limit"`
		HandshakeTimeoutSeconds int `toml:"handshake_timeout_seconds"`
		AcceptTimeoutMs         int `toml:"accept_timeout_ms"`
	} `toml:"limits"`
	Bind struct {
		Attempts          int `toml:"attempts"`
		RetryDelaySeconds int `toml:"retry_delay_seconds"`
	} `toml:"bind"`
}

func defaultTOMLConfig() TOMLConfig {
	var cfg TOMLConfig
	cfg.Server.ChatPort = 7891
	cfg.Server.WebPort = 5000
	cfg.Server.MetricsPort = 9091
	cfg.Server.MaxUser = 50
	cfg.Server.AdminPrefix = "ADMIN："
	cfg.Limits.MessageSizeLimit = 1024
	cfg.Limits.HandshakeTimeoutSeconds = 30
	cfg.Limits.AcceptTimeoutMs = 1000
	cfg.Bind.Attempts = 5
	cfg.Bind.RetryDelaySeconds = 1
	return cfg
}

// LoadConfig reads the config file at path, creating it with defaults on
// first run, then applies LITTLECHAT_* environment overrides.
func LoadConfig(path string) (TOMLConfig, error) {
	cfg := defaultTOMLConfig()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := SaveConfig(path, cfg); err != nil {
			return cfg, fmt.Errorf("failed to write default config: %w", err)
		}
	} else if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config %s: %w", path, err)
	}

	applyEnvOverrides(&cfg)
	return cfg, nil
}

// SaveConfig writes the config to path, creating parent directories.
func SaveConfig(path string, cfg TOMLConfig) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return toml.NewEncoder(f).Encode(cfg)
}

// applyEnvOverrides applies environment variable overrides using the
// LITTLECHAT_SECTION_KEY convention (e.g. LITTLECHAT_SERVER_CHAT_PORT).
func applyEnvOverrides(cfg *TOMLConfig) {
	envInt("LITTLECHAT_SERVER_CHAT_PORT", &cfg.Server.ChatPort)
	envInt("LITTLECHAT_SERVER_WEB_PORT", &cfg.Server.WebPort)
	envInt("LITTLECHAT_SERVER_METRICS_PORT", &cfg.Server.MetricsPort)
	envInt("LITTLECHAT_SERVER_MAX_USER", &cfg.Server.MaxUser)
	envString("LITTLECHAT_SERVER_ADMIN_PREFIX", &cfg.Server.AdminPrefix)
	envInt("LITTLECHAT_LIMITS_MESSAGE_SIZE_LIMIT", &cfg.Limits.MessageSizeLimit)
	envInt("LITTLECHAT_LIMITS_HANDSHAKE_TIMEOUT_SECONDS", &cfg.Limits.HandshakeTimeoutSeconds)
	envInt("LITTLECHAT_LIMITS_ACCEPT_TIMEOUT_MS", &cfg.Limits.AcceptTimeoutMs)
	envInt("LITTLECHAT_BIND_ATTEMPTS", &cfg.Bind.Attempts)
	envInt("LITTLECHAT_BIND_RETRY_DELAY_SECONDS", &cfg.Bind.RetryDelaySeconds)
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

// ToServerConfig converts the file format into runtime configuration.
func (c TOMLConfig) ToServerConfig() ServerConfig {
	return ServerConfig{
		ChatPort:         c.Server.ChatPort,
		WebPort:          c.Server.WebPort,
		MetricsPort:      c.Server.MetricsPort,
		MaxSessions:      c.Server.MaxUser,
		MessageSizeLimit: c.Limits.MessageSizeLimit,
		AdminMarker:      c.Server.AdminPrefix,
		BindAttempts:     c.Bind.Attempts,
		BindRetryDelay:   time.Duration(c.Bind.RetryDelaySeconds) * time.Second,
		AcceptTimeout:    time.Duration(c.Limits.AcceptTimeoutMs) * time.Millisecond,
		HandshakeTimeout: time.Duration(c.Limits.HandshakeTimeoutSeconds) * time.Second,
	}
}
