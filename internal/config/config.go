// Package config loads and persists the lanroom configuration file
// and the device's stable identity.
package config

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// Config is the lanroom configuration file.
type Config struct {
	Device        DeviceConfig        `toml:"device"`
	Network       NetworkConfig       `toml:"network"`
	Web           WebConfig           `toml:"web"`
	Logging       LoggingConfig       `toml:"logging"`
	Notifications NotificationsConfig `toml:"notifications"`
}

// DeviceConfig holds identity settings.
type DeviceConfig struct {
	Name string `toml:"name"`
}

// NetworkConfig holds discovery and transport settings.
type NetworkConfig struct {
	NetworkID      string `toml:"network_id"`
	MulticastGroup string `toml:"multicast_group"`
	BasePort       int    `toml:"base_port"`
}

// WebConfig holds the local HTTP/WebSocket bridge settings.
type WebConfig struct {
	Enabled bool `toml:"enabled"`
	Port    int  `toml:"port"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `toml:"level"`  // debug, info, warn, error
	Format string `toml:"format"` // text, json
}

// NotificationsConfig holds desktop notification settings.
type NotificationsConfig struct {
	Enabled bool `toml:"enabled"`
}

// Default returns a config with sensible defaults.
func Default() *Config {
	return &Config{
		Device: DeviceConfig{
			Name: "",
		},
		Network: NetworkConfig{
			NetworkID:      "default",
			MulticastGroup: "239.255.42.99:4445",
			BasePort:       8888,
		},
		Web: WebConfig{
			Enabled: false,
			Port:    7846,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
		Notifications: NotificationsConfig{
			Enabled: true,
		},
	}
}

// Load reads the configuration from the default config file.
func Load() (*Config, error) {
	paths, err := GetPaths()
	if err != nil {
		return nil, fmt.Errorf("get paths: %w", err)
	}
	return LoadFrom(paths.ConfigFile)
}

// LoadFrom reads the configuration from a specific file. A missing
// file yields defaults.
func LoadFrom(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	if _, err := toml.Decode(string(data), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// Save writes the configuration to the default config file.
func (c *Config) Save() error {
	paths, err := GetPaths()
	if err != nil {
		return fmt.Errorf("get paths: %w", err)
	}
	if err := paths.EnsureDirectories(); err != nil {
		return err
	}
	return c.SaveTo(paths.ConfigFile)
}

// SaveTo writes the configuration to a specific file.
func (c *Config) SaveTo(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create config file: %w", err)
	}
	defer f.Close()

	if err := toml.NewEncoder(f).Encode(c); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return nil
}

// Validate checks the configuration for usable values.
func (c *Config) Validate() error {
	if c.Network.NetworkID == "" {
		return fmt.Errorf("network_id must not be empty")
	}
	if c.Network.BasePort < 1 || c.Network.BasePort > 65535 {
		return fmt.Errorf("invalid base port: %d", c.Network.BasePort)
	}
	if c.Web.Enabled {
		if c.Web.Port < 1 || c.Web.Port > 65535 {
			return fmt.Errorf("invalid web port: %d", c.Web.Port)
		}
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}
	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}
	return nil
}
