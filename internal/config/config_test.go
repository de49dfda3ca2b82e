package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultValidates(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestValidateRejections(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty rendezvous url", func(c *Config) { c.Room.RendezvousURL = "" }},
		{"bad scheme", func(c *Config) { c.Room.RendezvousURL = "ftp://x" }},
		{"empty room id", func(c *Config) { c.Room.RoomID = "  " }},
		{"empty display name", func(c *Config) { c.Room.DisplayName = "" }},
		{"too many participants", func(c *Config) { c.Room.MaxParticipants = 5 }},
		{"too few participants", func(c *Config) { c.Room.MaxParticipants = 1 }},
		{"no ice servers", func(c *Config) { c.Transport.ICEServers = nil }},
		{"zero join attempts", func(c *Config) { c.Transport.JoinAttempts = 0 }},
		{"zero grace", func(c *Config) { c.Transport.DisconnectGraceSec = 0 }},
		{"background grace below normal", func(c *Config) {
			c.Transport.BackgroundDisconnectGraceSec = c.Transport.DisconnectGraceSec - 1
		}},
		{"zero reconnect attempts", func(c *Config) { c.Health.ReconnectAttempts = 0 }},
		{"backoff max below initial", func(c *Config) {
			c.Health.BackoffInitialSec = 10
			c.Health.BackoffMaxSec = 5
		}},
		{"zero ring timeout", func(c *Config) { c.Call.RingTimeoutSec = 0 }},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			cfg := Default()
			c.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestEnsureCreatesDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "p2p.json")

	cfg, created, err := Ensure(path)
	if err != nil {
		t.Fatal(err)
	}
	if !created {
		t.Fatal("expected created=true for missing file")
	}
	if cfg.Room.MaxParticipants != 4 {
		t.Fatalf("unexpected default: %+v", cfg.Room)
	}

	// Second call loads the existing file.
	cfg2, created, err := Ensure(path)
	if err != nil {
		t.Fatal(err)
	}
	if created {
		t.Fatal("expected created=false for existing file")
	}
	if cfg2.Room.RoomID != cfg.Room.RoomID {
		t.Fatal("reload mismatch")
	}
}

func TestLoadStripsBOMAndMergesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "p2p.json")
	// Partial config with a BOM: unspecified sections keep their defaults.
	body := "\xEF\xBB\xBF" + `{"room":{"rendezvous_url":"https://rv.example.org","room_id":"r1","display_name":"alice","max_participants":3}}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Room.RoomID != "r1" || cfg.Room.MaxParticipants != 3 {
		t.Fatalf("room = %+v", cfg.Room)
	}
	if cfg.Health.ReconnectAttempts != Default().Health.ReconnectAttempts {
		t.Fatal("missing sections must fall back to defaults")
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "p2p.json")
	if err := os.WriteFile(path, []byte(`{"room":{"room_id":""}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for invalid config")
	}
}
