// Package config loads node configuration from YAML with sane defaults
// for every field, so an empty file yields a runnable node.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the full node configuration.
type Config struct {
	// Identity
	DisplayName  string `yaml:"display_name"`
	MnemonicFile string `yaml:"mnemonic_file"`

	// Relay pool, tried in order
	RelayURLs []string `yaml:"relay_urls"`

	// Connection tuning
	KeepaliveInterval time.Duration `yaml:"keepalive_interval"`
	BackoffBase       time.Duration `yaml:"backoff_base"`
	BackoffMax        time.Duration `yaml:"backoff_max"`
	AttemptsPerServer int           `yaml:"attempts_per_server"`

	// Behavior
	AutoAcceptFriends bool `yaml:"auto_accept_friends"`

	// Local state
	DatabasePath string `yaml:"database_path"`

	// Control API; empty disables it
	APIListenAddr string `yaml:"api_listen_addr"`

	// Prometheus metrics
	MetricsEnabled bool `yaml:"metrics_enabled"`
}

// Default returns the production defaults.
func Default() *Config {
	return &Config{
		DisplayName:       "umbra-node",
		MnemonicFile:      "umbra.mnemonic",
		RelayURLs:         []string{"wss://relay.umbra.im/ws"},
		KeepaliveInterval: 25 * time.Second,
		BackoffBase:       time.Second,
		BackoffMax:        30 * time.Second,
		AttemptsPerServer: 5,
		DatabasePath:      "umbra.db",
		APIListenAddr:     "127.0.0.1:8087",
		MetricsEnabled:    true,
	}
}

// Load reads a YAML config file over the defaults. A missing file is not
// an error; the defaults are returned as-is.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %v", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %v", err)
	}
	return cfg, cfg.validate()
}

func (c *Config) validate() error {
	if len(c.RelayURLs) == 0 {
		return fmt.Errorf("relay_urls must name at least one server")
	}
	if c.KeepaliveInterval <= 0 {
		return fmt.Errorf("keepalive_interval must be positive")
	}
	if c.BackoffBase <= 0 || c.BackoffMax < c.BackoffBase {
		return fmt.Errorf("backoff_base must be positive and no greater than backoff_max")
	}
	if c.AttemptsPerServer <= 0 {
		return fmt.Errorf("attempts_per_server must be positive")
	}
	return nil
}
