// Package config loads the optional YAML configuration file rtptun accepts
// via -config, and layers CLI flags on top of it.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete rtptun configuration, whether supplied by file,
// flags, or (typically) both.
type Config struct {
	Tunnel  TunnelConfig  `yaml:"tunnel"`
	Monitor MonitorConfig `yaml:"monitor"`
	Logging LoggingConfig `yaml:"logging"`
}

// TunnelConfig holds the data-plane settings shared by client and server mode.
type TunnelConfig struct {
	Key              string        `yaml:"key"`                // base64 32-byte ChaCha20-Poly1305 key
	InboundHost      string        `yaml:"inbound_host"`       // client: local app-facing bind; server: tunnel-facing bind
	InboundPort      int           `yaml:"inbound_port"`
	OutboundHost     string        `yaml:"outbound_host"`      // client: tunnel-facing remote; server: real destination every flow relays to
	OutboundPort     int           `yaml:"outbound_port"`
	IdleTimeout      time.Duration `yaml:"idle_timeout"`
	SweepInterval    time.Duration `yaml:"sweep_interval"`
}

// MonitorConfig holds the read-only introspection endpoint's settings.
type MonitorConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

// LoggingConfig holds logger settings.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	OutputFile string `yaml:"output_file"`
}

// Load reads and parses path and applies defaults. It does not validate the
// result; callers run Validate once CLI flags have been layered on top.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.setDefaults()
	return &cfg, nil
}

// Default returns a Config populated entirely with defaults, for use when no
// -config file is given and everything comes from flags.
func Default() *Config {
	cfg := &Config{}
	cfg.setDefaults()
	return cfg
}

func (c *Config) setDefaults() {
	if c.Tunnel.IdleTimeout == 0 {
		c.Tunnel.IdleTimeout = 2 * time.Minute
	}
	if c.Tunnel.SweepInterval == 0 {
		c.Tunnel.SweepInterval = c.Tunnel.IdleTimeout / 2
	}
	if c.Monitor.Host == "" {
		c.Monitor.Host = "127.0.0.1"
	}
	if c.Monitor.Port == 0 {
		c.Monitor.Port = 8686
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// Validate checks invariants Load's yaml.Unmarshal cannot enforce on its own.
func (c *Config) Validate() error {
	if c.Tunnel.InboundPort < 1 || c.Tunnel.InboundPort > 65535 {
		return fmt.Errorf("config: invalid inbound_port: %d", c.Tunnel.InboundPort)
	}
	if c.Tunnel.OutboundPort != 0 && (c.Tunnel.OutboundPort < 1 || c.Tunnel.OutboundPort > 65535) {
		return fmt.Errorf("config: invalid outbound_port: %d", c.Tunnel.OutboundPort)
	}
	if c.Tunnel.Key == "" {
		return fmt.Errorf("config: tunnel key is required")
	}
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("config: invalid logging level: %s", c.Logging.Level)
	}
	return nil
}
