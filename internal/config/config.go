// Package config loads and validates gateway configuration.
package config

import (
	"encoding/base64"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// MasterKeySize is the required decoded length of crypto.master_key.
const MasterKeySize = 32

// Config holds all configuration for the mailbox gateway.
type Config struct {
	Server  ServerConfig  `koanf:"server"`
	Store   StoreConfig   `koanf:"store"`
	Crypto  CryptoConfig  `koanf:"crypto"`
	Logging LoggingConfig `koanf:"logging"`
	Watch   WatchConfig   `koanf:"watch"`
	Mail    MailConfig    `koanf:"mail"`
}

// ServerConfig holds HTTP control plane configuration.
type ServerConfig struct {
	Listen          string `koanf:"listen"`           // host:port for the HTTP plane
	ShutdownTimeout string `koanf:"shutdown_timeout"` // Graceful shutdown timeout
}

// StoreConfig holds remote key-value store configuration.
type StoreConfig struct {
	URL    string `koanf:"url"`    // Redis connection URL (STORE_URL)
	Token  string `koanf:"token"`  // Password override (STORE_TOKEN)
	Prefix string `koanf:"prefix"` // Optional key namespace; empty keeps bare acc:/tenant: keys
}

// CryptoConfig holds envelope encryption configuration.
type CryptoConfig struct {
	MasterKey string `koanf:"master_key"` // base64 of exactly 32 bytes (MASTER_KEY)
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `koanf:"level"`  // debug, info, warn, error
	Format string `koanf:"format"` // json, text
	Output string `koanf:"output"` // stdout, stderr, or file path
}

// WatchConfig holds inbox watcher configuration.
type WatchConfig struct {
	IdleGrace string `koanf:"idle_grace"` // Tear-down delay after last subscriber detaches
	Keepalive string `koanf:"keepalive"`  // Keepalive probe interval while watching
	Heartbeat string `koanf:"heartbeat"`  // SSE ping interval
}

// MailConfig holds timeouts for outbound IMAP/SMTP connections.
type MailConfig struct {
	ConnectTimeout  string `koanf:"connect_timeout"`
	GreetingTimeout string `koanf:"greeting_timeout"`
	SocketTimeout   string `koanf:"socket_timeout"`
	FetchTimeout    string `koanf:"fetch_timeout"` // Single-message fetch
	ListTimeout     string `koanf:"list_timeout"`  // Recent-message listing
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Listen:          "127.0.0.1:8080",
			ShutdownTimeout: "30s",
		},
		Store: StoreConfig{
			URL: "redis://localhost:6379/0",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Watch: WatchConfig{
			IdleGrace: "60s",
			Keepalive: "5m",
			Heartbeat: "25s",
		},
		Mail: MailConfig{
			ConnectTimeout:  "30s",
			GreetingTimeout: "15s",
			SocketTimeout:   "60s",
			FetchTimeout:    "30s",
			ListTimeout:     "45s",
		},
	}
}

// Load reads configuration from a YAML file and applies environment
// overrides. MASTER_KEY, STORE_URL and STORE_TOKEN always win over the
// file so deployments can keep secrets out of config files.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	// Load defaults first
	cfg := DefaultConfig()

	if _, err := os.Stat(path); err == nil {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}

	// Environment overrides for secrets and store coordinates.
	if err := k.Load(env.Provider("", ".", func(s string) string {
		switch s {
		case "MASTER_KEY":
			return "crypto.master_key"
		case "STORE_URL":
			return "store.url"
		case "STORE_TOKEN":
			return "store.token"
		}
		return "" // ignore everything else
	}), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment overrides: %w", err)
	}

	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.Listen == "" {
		return fmt.Errorf("server.listen is required")
	}
	if _, _, err := net.SplitHostPort(c.Server.Listen); err != nil {
		return fmt.Errorf("server.listen must be host:port (got: %s)", c.Server.Listen)
	}

	if c.Store.URL == "" {
		return fmt.Errorf("store.url is required")
	}

	if _, err := c.MasterKey(); err != nil {
		return err
	}

	if err := c.validateTimeouts(); err != nil {
		return err
	}

	if c.Logging.Level != "" {
		validLevels := map[string]bool{
			"debug": true, "info": true, "warn": true, "error": true,
		}
		if !validLevels[c.Logging.Level] {
			return fmt.Errorf("logging.level must be one of: debug, info, warn, error (got: %s)", c.Logging.Level)
		}
	}

	if c.Logging.Format != "" {
		validFormats := map[string]bool{"json": true, "text": true}
		if !validFormats[c.Logging.Format] {
			return fmt.Errorf("logging.format must be one of: json, text (got: %s)", c.Logging.Format)
		}
	}

	return nil
}

// MasterKey decodes and length-checks crypto.master_key. The process must
// refuse to start on any failure here.
func (c *Config) MasterKey() ([]byte, error) {
	if c.Crypto.MasterKey == "" {
		return nil, fmt.Errorf("crypto.master_key is required (set MASTER_KEY)")
	}
	key, err := base64.StdEncoding.DecodeString(c.Crypto.MasterKey)
	if err != nil {
		return nil, fmt.Errorf("crypto.master_key is not valid base64: %w", err)
	}
	if len(key) != MasterKeySize {
		return nil, fmt.Errorf("crypto.master_key must decode to exactly %d bytes (got: %d)", MasterKeySize, len(key))
	}
	return key, nil
}

// validateTimeouts ensures all duration fields parse and stay in range.
func (c *Config) validateTimeouts() error {
	timeouts := map[string]string{
		"server.shutdown_timeout": c.Server.ShutdownTimeout,
		"watch.idle_grace":        c.Watch.IdleGrace,
		"watch.keepalive":         c.Watch.Keepalive,
		"watch.heartbeat":         c.Watch.Heartbeat,
		"mail.connect_timeout":    c.Mail.ConnectTimeout,
		"mail.greeting_timeout":   c.Mail.GreetingTimeout,
		"mail.socket_timeout":     c.Mail.SocketTimeout,
		"mail.fetch_timeout":      c.Mail.FetchTimeout,
		"mail.list_timeout":       c.Mail.ListTimeout,
	}

	for name, timeout := range timeouts {
		if timeout == "" {
			continue // Optional, defaulted by the consumer
		}
		duration, err := time.ParseDuration(timeout)
		if err != nil {
			return fmt.Errorf("%s is invalid: %w", name, err)
		}
		if duration <= 0 {
			return fmt.Errorf("%s must be positive (got: %s)", name, timeout)
		}

		switch name {
		case "server.shutdown_timeout":
			if duration > 5*time.Minute {
				return fmt.Errorf("%s is too long, maximum is 5m (got: %s)", name, timeout)
			}
		case "watch.keepalive":
			// RFC 2177 recommends re-issuing IDLE at most every 29 minutes.
			if duration > 29*time.Minute {
				return fmt.Errorf("%s is too long, maximum is 29m (got: %s)", name, timeout)
			}
		case "mail.connect_timeout":
			if duration > 2*time.Minute {
				return fmt.Errorf("%s is too long, maximum is 2m (got: %s)", name, timeout)
			}
		}
	}

	return nil
}

// Duration parses a duration field with a fallback for empty values.
func Duration(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
