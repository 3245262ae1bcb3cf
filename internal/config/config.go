// Package config loads the coordination server configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so config files can carry values like "5s".
type Duration time.Duration

// UnmarshalYAML parses a Go duration string from YAML.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// UnmarshalJSON parses a Go duration string from JSON.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config holds the coordination server settings.
type Config struct {
	ListenAddr        string   `json:"listen_addr" yaml:"listen_addr"`
	DBPath            string   `json:"db_path" yaml:"db_path"`
	RequestTimeout    Duration `json:"request_timeout" yaml:"request_timeout"`
	HeartbeatInterval Duration `json:"heartbeat_interval" yaml:"heartbeat_interval"`
	StaleAfter        Duration `json:"stale_after" yaml:"stale_after"`
}

// Default provides working local defaults.
func Default() Config {
	home, _ := os.UserHomeDir()
	return Config{
		ListenAddr:        "127.0.0.1:3000",
		DBPath:            filepath.Join(home, ".conductor", "patterns.db"),
		RequestTimeout:    Duration(30 * time.Second),
		HeartbeatInterval: Duration(15 * time.Second),
		StaleAfter:        Duration(60 * time.Second),
	}
}

// Load reads a configuration file (JSON or YAML) over the defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path) // #nosec G304
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".json":
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to unmarshal JSON config: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to unmarshal YAML config: %w", err)
		}
	default:
		return cfg, fmt.Errorf("unsupported config format: %s (use .json or .yaml)", ext)
	}

	return cfg, nil
}
