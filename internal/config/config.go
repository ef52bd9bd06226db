// Package config defines the persisted application configuration and
// its JSON file lifecycle.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// BackendType identifies which packet channel backend to use.
type BackendType string

const (
	BackendSerial    BackendType = "serial"
	BackendSimulator BackendType = "simulator"

	DefaultSerialBaud = 115200
)

// ConnectionConfig selects and parameterizes the link backend.
type ConnectionConfig struct {
	Backend    BackendType `json:"backend"`
	SerialPort string      `json:"serial_port"`
	SerialBaud int         `json:"serial_baud"`
	Role       string      `json:"role"`
	Channel    int         `json:"channel"`
}

// SimulatorConfig parameterizes the simulated link.
type SimulatorConfig struct {
	LossProbability  float64 `json:"loss_probability"`
	RoundTripDelayMS int     `json:"round_trip_delay_ms"`
	LinkUpDelayMS    int     `json:"link_up_delay_ms"`
}

// DatagramConfig tunes the datagram socket worker.
type DatagramConfig struct {
	QueueDepth     int `json:"queue_depth"`
	PollIntervalMS int `json:"poll_interval_ms"`
}

// LoggingConfig defines runtime logging behavior.
type LoggingConfig struct {
	Level     string `json:"level"`
	LogToFile bool   `json:"log_to_file"`
}

// StorageConfig controls the sqlite traffic log.
type StorageConfig struct {
	Enabled bool   `json:"enabled"`
	DBPath  string `json:"db_path"`
}

// AppConfig is the root persisted configuration.
type AppConfig struct {
	Connection ConnectionConfig `json:"connection"`
	Simulator  SimulatorConfig  `json:"simulator"`
	Datagram   DatagramConfig   `json:"datagram"`
	Logging    LoggingConfig    `json:"logging"`
	Storage    StorageConfig    `json:"storage"`
}

func Default() AppConfig {
	return AppConfig{
		Connection: ConnectionConfig{
			Backend:    BackendSerial,
			SerialPort: "",
			SerialBaud: DefaultSerialBaud,
			Role:       "a",
			Channel:    4,
		},
		Simulator: SimulatorConfig{
			LossProbability:  0,
			RoundTripDelayMS: 1000,
			LinkUpDelayMS:    3000,
		},
		Datagram: DatagramConfig{
			QueueDepth:     2,
			PollIntervalMS: 200,
		},
		Logging: LoggingConfig{
			Level:     "info",
			LogToFile: false,
		},
		Storage: StorageConfig{
			Enabled: false,
			DBPath:  "",
		},
	}
}

// Load reads the config file, falling back to defaults when it does not
// exist yet.
func Load(path string) (AppConfig, error) {
	cfg := Default()
	cleanPath := filepath.Clean(path)
	// #nosec G304 -- path points into the user's config dir.
	raw, err := os.ReadFile(cleanPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}

		return AppConfig{}, fmt.Errorf("read config: %w", err)
	}

	if err := json.Unmarshal(raw, &cfg); err != nil {
		return AppConfig{}, fmt.Errorf("decode config json: %w", err)
	}

	cfg.FillMissingDefaults()

	return cfg, nil
}

func (c *AppConfig) FillMissingDefaults() {
	if c.Connection.Backend == "" {
		c.Connection.Backend = BackendSerial
	}
	if c.Connection.SerialBaud <= 0 {
		c.Connection.SerialBaud = DefaultSerialBaud
	}
	if c.Connection.Role == "" {
		c.Connection.Role = "a"
	}
	if c.Connection.Channel == 0 {
		c.Connection.Channel = 4
	}
	if c.Datagram.QueueDepth <= 0 {
		c.Datagram.QueueDepth = 2
	}
	if c.Datagram.PollIntervalMS <= 0 {
		c.Datagram.PollIntervalMS = 200
	}
	if c.Simulator.RoundTripDelayMS < 0 {
		c.Simulator.RoundTripDelayMS = 0
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

func (c AppConfig) Validate() error {
	switch c.Connection.Backend {
	case BackendSerial:
		if strings.TrimSpace(c.Connection.SerialPort) == "" {
			return errors.New("serial port is required")
		}
		if c.Connection.SerialBaud <= 0 {
			return errors.New("serial baud must be positive")
		}
	case BackendSimulator:
		if c.Simulator.LossProbability < 0 || c.Simulator.LossProbability > 1 {
			return errors.New("loss probability must be within 0..1")
		}
	default:
		return fmt.Errorf("unknown backend: %s", c.Connection.Backend)
	}

	if c.Connection.Role != "a" && c.Connection.Role != "b" {
		return fmt.Errorf("role must be \"a\" or \"b\", got %q", c.Connection.Role)
	}
	if c.Connection.Channel < 1 || c.Connection.Channel > 7 {
		return fmt.Errorf("channel must be within 1..7, got %d", c.Connection.Channel)
	}

	return nil
}

// Save validates and writes the config atomically.
func Save(path string, cfg AppConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, raw, 0o600); err != nil {
		return fmt.Errorf("write temp config: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("replace config: %w", err)
	}

	return nil
}
