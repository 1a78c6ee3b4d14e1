// Package config loads the server configuration file.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// SessionKey provisions one authorizable session: the challenge-response
// secret and the (document, author) pair it unlocks.
type SessionKey struct {
	// ID is the target id the client authorizes against.
	ID string `yaml:"id"`
	// Secret is the shared challenge-response secret.
	Secret string `yaml:"secret"`
	// Document is the document file id the key opens.
	Document string `yaml:"document"`
	// Author is the author id stamped on the key's changes.
	Author string `yaml:"author"`
}

// Config is the server configuration.
type Config struct {
	// ListenAddr is the HTTP listen address.
	ListenAddr string `yaml:"listen_addr"`
	// DataDir roots the Badger store; empty means in-memory storage.
	DataDir string `yaml:"data_dir"`
	// RedisAddr enables cross-server caret propagation when set.
	RedisAddr string `yaml:"redis_addr"`
	// LogLevel is debug, info, warn, or error.
	LogLevel string `yaml:"log_level"`
	// Development switches to the console log encoder.
	Development bool `yaml:"development"`
	// NodeID seeds session id generation; distinct per server.
	NodeID int64 `yaml:"node_id"`
	// Keys provisions the authorizable sessions.
	Keys []SessionKey `yaml:"keys"`
}

// Default returns a runnable single-server configuration.
func Default() *Config {
	return &Config{
		ListenAddr: ":8080",
		LogLevel:   "info",
	}
}

// Load reads and validates a YAML config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration's internal consistency.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr is required")
	}
	if c.NodeID < 0 || c.NodeID > 1023 {
		return fmt.Errorf("node_id must be in [0, 1023]")
	}
	seen := make(map[string]bool)
	for i, key := range c.Keys {
		if key.ID == "" || key.Secret == "" || key.Document == "" || key.Author == "" {
			return fmt.Errorf("keys[%d]: id, secret, document, and author are all required", i)
		}
		if seen[key.ID] {
			return fmt.Errorf("keys[%d]: duplicate key id %q", i, key.ID)
		}
		seen[key.ID] = true
	}
	return nil
}

// KeyFor looks up a session key by id.
func (c *Config) KeyFor(id string) (SessionKey, bool) {
	for _, key := range c.Keys {
		if key.ID == id {
			return key, true
		}
	}
	return SessionKey{}, false
}
