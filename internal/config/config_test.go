package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config should validate: %v", err)
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"ok", func(c *Config) {}, false},
		{"missing backend url", func(c *Config) { c.Backend.URL = "" }, true},
		{"bad scheme", func(c *Config) { c.Backend.URL = "ftp://x" }, true},
		{"no host", func(c *Config) { c.Backend.URL = "https://" }, true},
		{"heartbeat >= ttl", func(c *Config) { c.Presence.HeartbeatSec = 90 }, true},
		{"empty ice servers", func(c *Config) { c.Call.ICEServers = nil }, true},
		{"bogus ice url", func(c *Config) { c.Call.ICEServers = []string{"https://not-stun"} }, true},
		{"turn allowed", func(c *Config) { c.Call.ICEServers = []string{"turn:relay.example.org:3478"} }, false},
		{"negative ring timeout", func(c *Config) { c.Call.RingTimeoutSec = -1 }, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			err := cfg.Validate()
			if tc.wantErr && err == nil {
				t.Fatalf("expected error, got nil")
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestEnsureCreatesDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tincan.json")

	cfg, created, err := Ensure(path)
	if err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if !created {
		t.Fatalf("expected createdNew=true for fresh path")
	}
	if len(cfg.Call.ICEServers) == 0 {
		t.Fatalf("expected default ice servers")
	}

	// Second call loads the file instead.
	cfg2, created, err := Ensure(path)
	if err != nil {
		t.Fatalf("ensure (reload): %v", err)
	}
	if created {
		t.Fatalf("expected createdNew=false on existing file")
	}
	if cfg2.Backend.URL != cfg.Backend.URL {
		t.Fatalf("reload mismatch: %q vs %q", cfg2.Backend.URL, cfg.Backend.URL)
	}
}

func TestLoadMergesOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tincan.json")
	body := []byte(`{"backend":{"url":"https://demo.example.co","user_id":"u-1"}}`)
	if err := os.WriteFile(path, body, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Backend.URL != "https://demo.example.co" {
		t.Fatalf("backend url not applied: %q", cfg.Backend.URL)
	}
	if cfg.Presence.HeartbeatSec != 30 {
		t.Fatalf("defaults not merged, heartbeat=%d", cfg.Presence.HeartbeatSec)
	}
}

func TestLoadStripsBOM(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tincan.json")
	body := append([]byte{0xEF, 0xBB, 0xBF}, []byte(`{"profile":{"username":"bom"}}`)...)
	if err := os.WriteFile(path, body, 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load with BOM: %v", err)
	}
	if cfg.Profile.Username != "bom" {
		t.Fatalf("got username %q", cfg.Profile.Username)
	}
}
