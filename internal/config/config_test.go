package config

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func testMasterKey() string {
	return base64.StdEncoding.EncodeToString(make([]byte, 32))
}

func validConfig() *Config {
	cfg := DefaultConfig()
	cfg.Crypto.MasterKey = testMasterKey()
	return cfg
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Server.Listen != "127.0.0.1:8080" {
		t.Errorf("expected default listen 127.0.0.1:8080, got %s", cfg.Server.Listen)
	}
	if cfg.Store.Prefix != "" {
		t.Errorf("expected empty default store prefix, got %s", cfg.Store.Prefix)
	}
	if cfg.Watch.IdleGrace != "60s" {
		t.Errorf("expected default idle grace 60s, got %s", cfg.Watch.IdleGrace)
	}
	if cfg.Watch.Heartbeat != "25s" {
		t.Errorf("expected default heartbeat 25s, got %s", cfg.Watch.Heartbeat)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr string
	}{
		{
			name:   "valid config",
			modify: func(c *Config) {},
		},
		{
			name:    "missing listen",
			modify:  func(c *Config) { c.Server.Listen = "" },
			wantErr: "server.listen",
		},
		{
			name:    "listen without port",
			modify:  func(c *Config) { c.Server.Listen = "localhost" },
			wantErr: "server.listen",
		},
		{
			name:    "missing store url",
			modify:  func(c *Config) { c.Store.URL = "" },
			wantErr: "store.url",
		},
		{
			name:    "missing master key",
			modify:  func(c *Config) { c.Crypto.MasterKey = "" },
			wantErr: "crypto.master_key",
		},
		{
			name:    "master key not base64",
			modify:  func(c *Config) { c.Crypto.MasterKey = "not-base64!!!" },
			wantErr: "base64",
		},
		{
			name: "master key wrong length",
			modify: func(c *Config) {
				c.Crypto.MasterKey = base64.StdEncoding.EncodeToString(make([]byte, 16))
			},
			wantErr: "32 bytes",
		},
		{
			name:    "invalid log level",
			modify:  func(c *Config) { c.Logging.Level = "verbose" },
			wantErr: "logging.level",
		},
		{
			name:    "invalid log format",
			modify:  func(c *Config) { c.Logging.Format = "xml" },
			wantErr: "logging.format",
		},
		{
			name:    "unparseable timeout",
			modify:  func(c *Config) { c.Mail.ConnectTimeout = "thirty seconds" },
			wantErr: "mail.connect_timeout",
		},
		{
			name:    "negative timeout",
			modify:  func(c *Config) { c.Watch.IdleGrace = "-10s" },
			wantErr: "watch.idle_grace",
		},
		{
			name:    "keepalive too long",
			modify:  func(c *Config) { c.Watch.Keepalive = "45m" },
			wantErr: "watch.keepalive",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("expected no error, got: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("expected error containing %q, got nil", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got: %v", tt.wantErr, err)
			}
		})
	}
}

func TestMasterKeyDecodes(t *testing.T) {
	cfg := validConfig()
	key, err := cfg.MasterKey()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(key) != MasterKeySize {
		t.Errorf("expected %d-byte key, got %d", MasterKeySize, len(key))
	}
}

func TestLoadFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
server:
  listen: "0.0.0.0:9090"
store:
  url: "redis://redis.internal:6379/2"
  prefix: "gw"
watch:
  idle_grace: "90s"
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if cfg.Server.Listen != "0.0.0.0:9090" {
		t.Errorf("expected listen 0.0.0.0:9090, got %s", cfg.Server.Listen)
	}
	if cfg.Store.URL != "redis://redis.internal:6379/2" {
		t.Errorf("expected file store url, got %s", cfg.Store.URL)
	}
	if cfg.Store.Prefix != "gw" {
		t.Errorf("expected prefix gw, got %s", cfg.Store.Prefix)
	}
	if cfg.Watch.IdleGrace != "90s" {
		t.Errorf("expected idle grace 90s, got %s", cfg.Watch.IdleGrace)
	}
	// Fields absent from the file keep their defaults.
	if cfg.Mail.ConnectTimeout != "30s" {
		t.Errorf("expected default connect timeout, got %s", cfg.Mail.ConnectTimeout)
	}
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("expected defaults for missing file, got error: %v", err)
	}
	if cfg.Server.Listen != "127.0.0.1:8080" {
		t.Errorf("expected default listen, got %s", cfg.Server.Listen)
	}
}

func TestEnvOverrides(t *testing.T) {
	key := testMasterKey()
	t.Setenv("MASTER_KEY", key)
	t.Setenv("STORE_URL", "redis://envhost:6380/1")
	t.Setenv("STORE_TOKEN", "env-token")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	if cfg.Crypto.MasterKey != key {
		t.Errorf("expected MASTER_KEY override to apply")
	}
	if cfg.Store.URL != "redis://envhost:6380/1" {
		t.Errorf("expected STORE_URL override, got %s", cfg.Store.URL)
	}
	if cfg.Store.Token != "env-token" {
		t.Errorf("expected STORE_TOKEN override, got %s", cfg.Store.Token)
	}
}

func TestEnvOverridesWinOverFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
store:
  url: "redis://file-host:6379/0"
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}
	t.Setenv("STORE_URL", "redis://env-host:6379/0")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	if cfg.Store.URL != "redis://env-host:6379/0" {
		t.Errorf("expected env to win over file, got %s", cfg.Store.URL)
	}
}

func TestDuration(t *testing.T) {
	tests := []struct {
		name     string
		value    string
		fallback time.Duration
		want     time.Duration
	}{
		{"empty uses fallback", "", 5 * time.Second, 5 * time.Second},
		{"valid value", "2m", 5 * time.Second, 2 * time.Minute},
		{"garbage uses fallback", "soon", time.Minute, time.Minute},
		{"zero uses fallback", "0s", time.Minute, time.Minute},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Duration(tt.value, tt.fallback); got != tt.want {
				t.Errorf("Duration(%q) = %v, want %v", tt.value, got, tt.want)
			}
		})
	}
}
