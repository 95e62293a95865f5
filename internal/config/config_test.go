package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultIsValidForBothRoles(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	for _, role := range []Role{RoleProducer, RoleConsumer} {
		cfg := Default()
		cfg.Role = role
		if err := cfg.Validate(); err != nil {
			t.Fatalf("%s: %v", role, err)
		}
	}
}

func TestValidateExpandsHome(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	cfg := Default()
	cfg.Role = RoleProducer
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}
	if cfg.WatchDir != filepath.Join(home, ".tms", "recordings") {
		t.Fatalf("watch dir: got %s", cfg.WatchDir)
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"role", func(c *Config) { c.Role = "host" }, "invalid role"},
		{"link", func(c *Config) { c.Link = "ble" }, "invalid link"},
		{"serial port", func(c *Config) { c.Link = LinkSerial }, "needs a port"},
		{"baud", func(c *Config) { c.Link, c.SerialPort, c.Baud = LinkSerial, "/dev/ttyUSB0", 0 }, "baud"},
		{"mtu too small", func(c *Config) { c.MTU = 7 }, "invalid mtu"},
		{"mtu too large", func(c *Config) { c.MTU = 70000 }, "invalid mtu"},
		{"pacing", func(c *Config) { c.Pacing = -1 }, "invalid pacing"},
		{"ws port", func(c *Config) { c.WSPort = 70000 }, "invalid ws port"},
		{"extension", func(c *Config) { c.Extensions = []string{"mp3"} }, "invalid extension"},
		{"watch dir", func(c *Config) { c.WatchDir = "" }, "watch directory"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Role = RoleProducer
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("got %v, want error containing %q", err, tt.want)
			}
		})
	}
}

func TestLoadOverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tmslink.json")
	raw := `{
  "role": "consumer",
  "mtu": 185,
  "pacing": "5ms",
  "inactivity_timeout": "-1s",
  "auto_download": false
}`
	if err := os.WriteFile(path, []byte(raw), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Role != RoleConsumer || cfg.MTU != 185 || cfg.AutoDownload {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if time.Duration(cfg.Pacing) != 5*time.Millisecond || time.Duration(cfg.Inactivity) != -time.Second {
		t.Fatalf("durations: pacing %s, inactivity %s", time.Duration(cfg.Pacing), time.Duration(cfg.Inactivity))
	}
	if cfg.Link != LinkWebRTC || cfg.LibraryDir != DefaultLibraryDir || cfg.Baud != DefaultBaud {
		t.Fatalf("defaults lost: %+v", cfg)
	}
}

func TestSaveThenLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tmslink.json")
	cfg := Default()
	cfg.Role = RoleProducer
	cfg.Link = LinkSerial
	cfg.SerialPort = "/dev/ttyUSB0"
	cfg.Pacing = Duration(15 * time.Millisecond)

	if err := Save(path, cfg); err != nil {
		t.Fatal(err)
	}
	raw, _ := os.ReadFile(path)
	if !strings.Contains(string(raw), `"pacing": "15ms"`) {
		t.Fatalf("pacing not written as a string:\n%s", raw)
	}

	got, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if got.Link != LinkSerial || got.SerialPort != "/dev/ttyUSB0" || got.Pacing != cfg.Pacing {
		t.Fatalf("got %+v", got)
	}
}

func TestLoadErrors(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Fatal("expected error for a missing file")
	}

	path := filepath.Join(t.TempDir(), "bad.json")
	os.WriteFile(path, []byte(`{"pacing": "soon"}`), 0o600)
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for a bad duration")
	}
}
