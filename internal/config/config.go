// Package config assembles the client's runtime configuration from a flat
// struct, loadable from an optional JSON file and overridable by CLI
// flags.
package config

import (
	"encoding/json"
	"fmt"
	"os"
)

// Config holds every runtime configuration input the client needs.
type Config struct {
	ServerAddress     string `json:"server_address"`
	ServerPort        uint16 `json:"server_port"`
	Identity          string `json:"identity"`
	CryptoConfig      string `json:"crypto_config"`
	KeepAliveInterval uint32 `json:"keepalive_interval_s"`
	LogLevel          string `json:"log_level"`
	LogFile           string `json:"log_file"`
}

// Default returns a configuration with the documented defaults.
func Default() *Config {
	return &Config{
		ServerPort:        8080,
		KeepAliveInterval: 10,
		LogLevel:          "info",
	}
}

// Load reads a JSON configuration file at path. Fields absent from the
// file keep their Default() values. A missing or unreadable file is
// returned as an error; callers decide whether to fall back to Default()
// and log a warning themselves.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg := Default()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes cfg to path as indented JSON, creating it if absent.
func Save(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("config: marshal: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	return nil
}

// Validate checks the minimal invariants the client needs before dialing.
func Validate(cfg *Config) error {
	if cfg.ServerAddress == "" {
		return fmt.Errorf("config: server_address is required")
	}
	if cfg.ServerPort == 0 {
		return fmt.Errorf("config: server_port must be non-zero")
	}
	if cfg.Identity == "" {
		return fmt.Errorf("config: identity is required")
	}
	return nil
}
