// Package config holds the runtime configuration shared by the CLI and the
// app layer: defaults, an optional JSON file, and validation.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/1ureka/tmslink/internal/protocol"
	"github.com/1ureka/tmslink/internal/source"
	"github.com/1ureka/tmslink/internal/transfer"
)

// Role represents which end of a transfer this process is.
type Role string

const (
	RoleProducer Role = "producer"
	RoleConsumer Role = "consumer"
)

// LinkKind selects the link carrying the three logical channels.
type LinkKind string

const (
	LinkWebRTC LinkKind = "webrtc"
	LinkSerial LinkKind = "serial"
)

const (
	DefaultWatchDir        = "~/.tms/recordings"
	DefaultLibraryDir      = "~/.tms/library"
	DefaultBaud            = 115200
	DefaultMetricsInterval = 10 * time.Second
)

// Duration is a time.Duration written as a string such as "20ms" in JSON.
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(b []byte) error {
	var raw any
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	switch v := raw.(type) {
	case string:
		parsed, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*d = Duration(parsed)
	case float64:
		*d = Duration(time.Duration(v))
	default:
		return fmt.Errorf("invalid duration %s", b)
	}
	return nil
}

// Config stores every parameter gathered from flags, prompts or a file.
type Config struct {
	Role Role     `json:"role"`
	Link LinkKind `json:"link"`

	MTU          int      `json:"mtu"` // 0 selects the link default
	Pacing       Duration `json:"pacing"`
	Inactivity   Duration `json:"inactivity_timeout"` // negative disables the timer
	AutoDownload bool     `json:"auto_download"`

	WatchDir   string   `json:"watch_dir"`   // producer
	Extensions []string `json:"extensions"`  // producer
	LibraryDir string   `json:"library_dir"` // consumer

	SerialPort string `json:"serial_port"`
	Baud       int    `json:"baud"`

	WSPort      int      `json:"ws_port"`   // producer, 0 picks a free port
	WSURL       string   `json:"ws_url"`    // consumer, empty browses mDNS
	Advertise   bool     `json:"advertise"` // producer
	STUNServers []string `json:"stun_servers"`

	MetricsInterval Duration `json:"metrics_interval"`
	Debug           bool     `json:"debug"`
}

// Default returns the configuration used when nothing is overridden.
func Default() Config {
	return Config{
		Link:            LinkWebRTC,
		Pacing:          Duration(transfer.DefaultPacing),
		Inactivity:      Duration(transfer.DefaultInactivity),
		AutoDownload:    true,
		WatchDir:        DefaultWatchDir,
		Extensions:      append([]string(nil), source.DefaultExtensions...),
		LibraryDir:      DefaultLibraryDir,
		Baud:            DefaultBaud,
		Advertise:       true,
		MetricsInterval: Duration(DefaultMetricsInterval),
	}
}

// Load reads a JSON file over Default. Fields absent from the file keep
// their defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// Save writes cfg as indented JSON.
func Save(path string, cfg Config) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	raw = append(raw, '\n')
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// Validate checks the fields needed by the chosen role and link and expands
// a leading ~ in directory paths.
func (c *Config) Validate() error {
	var errs []error

	switch c.Role {
	case RoleProducer, RoleConsumer:
	default:
		errs = append(errs, fmt.Errorf("invalid role %q: must be producer or consumer", c.Role))
	}

	switch c.Link {
	case LinkWebRTC:
	case LinkSerial:
		if c.SerialPort == "" {
			errs = append(errs, errors.New("serial link needs a port"))
		}
		if c.Baud <= 0 {
			errs = append(errs, fmt.Errorf("invalid baud rate %d", c.Baud))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid link %q: must be webrtc or serial", c.Link))
	}

	if c.MTU != 0 && (c.MTU < protocol.MinMTU || c.MTU > protocol.HeaderSize+0xFFFF) {
		errs = append(errs, fmt.Errorf("invalid mtu %d: must be %d ~ %d", c.MTU, protocol.MinMTU, protocol.HeaderSize+0xFFFF))
	}
	if c.Pacing < 0 {
		errs = append(errs, fmt.Errorf("invalid pacing %s", time.Duration(c.Pacing)))
	}
	if c.WSPort < 0 || c.WSPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid ws port %d: must be 0 ~ 65535", c.WSPort))
	}

	var err error
	if c.Role == RoleProducer {
		if c.WatchDir, err = ExpandHome(c.WatchDir); err != nil {
			errs = append(errs, err)
		} else if c.WatchDir == "" {
			errs = append(errs, errors.New("producer needs a watch directory"))
		}
		for _, ext := range c.Extensions {
			if !strings.HasPrefix(ext, ".") {
				errs = append(errs, fmt.Errorf("invalid extension %q: must start with a dot", ext))
			}
		}
	}
	if c.Role == RoleConsumer {
		if c.LibraryDir, err = ExpandHome(c.LibraryDir); err != nil {
			errs = append(errs, err)
		} else if c.LibraryDir == "" {
			errs = append(errs, errors.New("consumer needs a library directory"))
		}
	}

	return errors.Join(errs...)
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve user home: %w", err)
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}
