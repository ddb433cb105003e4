package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/1ureka/dmrtunnel/internal/tunnel"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "station.toml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}

	opts := cfg.TunnelOptions()
	if opts.WindowSize != 1 || opts.MaxRetries != 3 || opts.PacketTimeout != 10*time.Second ||
		opts.RateInterval != 100*time.Millisecond || opts.MaxDatagram != 1024 {
		t.Fatalf("unexpected default tuning %+v", opts)
	}
	if !opts.ServerMode || opts.Destination != "127.0.0.1:80" {
		t.Fatalf("unexpected server defaults %+v", opts)
	}
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
[link]
type = "kiss"
device = "/dev/ttyUSB0"
baud = 1200

[tunnel]
rate-interval = "250ms"
window = 2
acknowledge = false
idle-timeout = "5m"

[client]
enabled = false

[server]
destination = "10.0.0.5:8080"
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	if cfg.Link.Type != LinkKISS || cfg.Link.Baud != 1200 {
		t.Errorf("link = %+v", cfg.Link)
	}
	if cfg.Tunnel.RateInterval.Duration != 250*time.Millisecond || cfg.Tunnel.Window != 2 {
		t.Errorf("tunnel = %+v", cfg.Tunnel)
	}
	if cfg.Tunnel.PacketTimeout.Duration != 10*time.Second || cfg.Tunnel.MaxRetries != 3 {
		t.Errorf("untouched tunnel keys lost their defaults: %+v", cfg.Tunnel)
	}
	if cfg.Client.Enabled || !cfg.Server.Enabled {
		t.Errorf("modes = client %v server %v", cfg.Client.Enabled, cfg.Server.Enabled)
	}

	opts := cfg.TunnelOptions()
	if opts.Acknowledge || opts.IdleTimeout != 5*time.Minute || opts.Destination != "10.0.0.5:8080" {
		t.Errorf("options = %+v", opts)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	path := writeConfig(t, `
[tunnel]
windw = 4
`)
	if _, err := Load(path); !errors.Is(err, ErrInvalid) {
		t.Fatalf("Load = %v, want ErrInvalid", err)
	}
}

func TestLoadRejectsBadDuration(t *testing.T) {
	path := writeConfig(t, `
[tunnel]
packet-timeout = "ten seconds"
`)
	if _, err := Load(path); err == nil {
		t.Fatal("accepted a malformed duration")
	}
}

func TestValidate(t *testing.T) {
	testCases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero window", func(c *Config) { c.Tunnel.Window = 0 }},
		{"window wider than half the sequence space", func(c *Config) { c.Tunnel.Window = 128 }},
		{"negative retries", func(c *Config) { c.Tunnel.MaxRetries = -1 }},
		{"zero packet timeout", func(c *Config) { c.Tunnel.PacketTimeout.Duration = 0 }},
		{"payload fits no data", func(c *Config) { c.Tunnel.MaxPayload = 3 }},
		{"no mode", func(c *Config) { c.Client.Enabled = false; c.Server.Enabled = false }},
		{"unknown link", func(c *Config) { c.Link.Type = "carrier-pigeon" }},
		{"websocket without endpoint", func(c *Config) { c.Link.Type = LinkWebSocket }},
		{"websocket with both endpoints", func(c *Config) {
			c.Link.Type = LinkWebSocket
			c.Link.Listen = ":3007"
			c.Link.URL = "ws://peer:3007/link"
		}},
		{"rf95 without device", func(c *Config) { c.Link.Type = LinkRF95 }},
		{"bad subnet prefix", func(c *Config) { c.Link.PeerRadioID = 42; c.Link.SubnetPrefix = 0 }},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			if err := cfg.Validate(); !errors.Is(err, ErrInvalid) {
				t.Fatalf("Validate = %v, want ErrInvalid", err)
			}
		})
	}
}

func TestValidateLargestWindow(t *testing.T) {
	cfg := Default()
	cfg.Tunnel.Window = tunnel.MaxWindowSize
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate = %v for window %d", err, tunnel.MaxWindowSize)
	}
}

func TestRadioIP(t *testing.T) {
	if got := RadioIP(10, 0x123456).String(); got != "10.18.52.86" {
		t.Fatalf("RadioIP = %s, want 10.18.52.86", got)
	}
}

func TestPeerAddr(t *testing.T) {
	l := Default().Link
	if got := l.PeerAddr(); got != "127.0.0.1:3007" {
		t.Fatalf("PeerAddr without radio id = %s", got)
	}

	l.PeerRadioID = 2621441 // 0x280001
	if got := l.PeerAddr(); got != "10.40.0.1:3007" {
		t.Fatalf("PeerAddr = %s, want 10.40.0.1:3007", got)
	}
}
