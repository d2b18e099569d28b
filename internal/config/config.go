// Package config loads rfcomm-monitor settings from a YAML file.
//
// Values missing from the file keep their defaults; unknown keys are
// rejected. Command-line flags are applied on top by the command.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Transport selects how the RFCOMM channel is opened.
type Transport string

const (
	// TransportBlueZ connects through the BlueZ profile manager over D-Bus.
	// The service UUID selects the channel through SDP.
	TransportBlueZ Transport = "bluez"

	// TransportSocket opens an AF_BLUETOOTH socket to a fixed channel.
	TransportSocket Transport = "socket"
)

// Config is the complete monitor configuration.
type Config struct {
	// Device is the remote MAC address or BlueZ object path.
	Device string `yaml:"device"`

	// Service is the service UUID to connect to.
	// Default: the Serial Port Profile UUID.
	Service string `yaml:"service_uuid"`

	Transport Transport `yaml:"transport"`

	// Adapter is the local adapter name, e.g. hci0.
	Adapter string `yaml:"adapter"`

	// Channel is the RFCOMM channel; only used by the socket transport.
	Channel uint8 `yaml:"channel"`

	ConnectTimeout time.Duration `yaml:"connect_timeout"`

	Read ReadConfig `yaml:"read"`

	// MaxRetainedChars caps the text history kept by the display.
	MaxRetainedChars int `yaml:"max_retained_chars"`

	Reconnect ReconnectConfig `yaml:"reconnect"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`

	// LogFile sends logs to a rotated file instead of stderr when Path is set.
	LogFile LogFileConfig `yaml:"log_file"`
}

// LogFileConfig sets log file rotation limits.
type LogFileConfig struct {
	Path       string `yaml:"path"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
}

// ReadConfig tunes the read session.
type ReadConfig struct {
	ChunkSize    int           `yaml:"chunk_size"`
	PollInterval time.Duration `yaml:"poll_interval"`
}

// ReconnectConfig controls automatic reconnection after a lost stream.
type ReconnectConfig struct {
	Enabled      bool          `yaml:"enabled"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	Jitter       float64       `yaml:"jitter"`
}

const sppUUID = "00001101-0000-1000-8000-00805f9b34fb"

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Service:        sppUUID,
		Transport:      TransportBlueZ,
		Adapter:        "hci0",
		Channel:        1,
		ConnectTimeout: 30 * time.Second,
		Read: ReadConfig{
			ChunkSize:    1024,
			PollInterval: 100 * time.Millisecond,
		},
		MaxRetainedChars: 50000,
		Reconnect: ReconnectConfig{
			Enabled:      true,
			InitialDelay: time.Second,
			MaxDelay:     60 * time.Second,
			Jitter:       0.25,
		},
		LogLevel: "info",
		LogFile: LogFileConfig{
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 7,
		},
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := Decode(bytes.NewReader(data), &cfg); err != nil {
		return cfg, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// Decode overlays the YAML document in r onto cfg.
func Decode(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Validate reports every invalid setting.
func (c Config) Validate() error {
	var errs []error
	if c.Device == "" {
		errs = append(errs, errors.New("device is required"))
	}
	if _, err := c.ServiceUUID(); err != nil {
		errs = append(errs, err)
	}
	switch c.Transport {
	case TransportBlueZ:
	case TransportSocket:
		if c.Channel < 1 || c.Channel > 30 {
			errs = append(errs, fmt.Errorf("channel %d out of range 1-30", c.Channel))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown transport %q", c.Transport))
	}
	if c.ConnectTimeout <= 0 {
		errs = append(errs, errors.New("connect_timeout must be positive"))
	}
	if c.Read.ChunkSize <= 0 {
		errs = append(errs, errors.New("read.chunk_size must be positive"))
	}
	if c.Read.PollInterval <= 0 {
		errs = append(errs, errors.New("read.poll_interval must be positive"))
	}
	if c.MaxRetainedChars <= 0 {
		errs = append(errs, errors.New("max_retained_chars must be positive"))
	}
	if c.Reconnect.Enabled {
		if c.Reconnect.InitialDelay <= 0 || c.Reconnect.MaxDelay < c.Reconnect.InitialDelay {
			errs = append(errs, errors.New("reconnect delays must satisfy 0 < initial_delay <= max_delay"))
		}
		if c.Reconnect.Jitter < 0 || c.Reconnect.Jitter > 1 {
			errs = append(errs, errors.New("reconnect.jitter must be within 0-1"))
		}
	}
	if _, err := c.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	if c.LogFile.Path != "" && c.LogFile.MaxSizeMB <= 0 {
		errs = append(errs, errors.New("log_file.max_size_mb must be positive"))
	}
	return errors.Join(errs...)
}

// ServiceUUID parses Service.
func (c Config) ServiceUUID() (uuid.UUID, error) {
	u, err := uuid.Parse(c.Service)
	if err != nil {
		return uuid.Nil, fmt.Errorf("service_uuid %q: %w", c.Service, err)
	}
	return u, nil
}

// SlogLevel parses LogLevel.
func (c Config) SlogLevel() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo, fmt.Errorf("log_level %q: %w", c.LogLevel, err)
	}
	return lvl, nil
}
