package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	RadioGatt = "gatt"
	RadioSim  = "sim"

	serverDefaultHost = "127.0.0.1"
	serverDefaultPort = 5003
)

var ErrInvalidConfig = errors.New("invalid config")

type Config struct {
	Radio  string        `yaml:"radio" json:"radio"`
	Log    *LogConfig    `yaml:"log" json:"log"`
	Server *ServerConfig `yaml:"server" json:"server"`
	Sim    *SimConfig    `yaml:"sim" json:"sim"`
}

type LogConfig struct {
	Level  string `yaml:"level" json:"level"`
	Format string `yaml:"format" json:"format"` // "text" or "json"
	Output string `yaml:"output" json:"output"` // stdout, stderr or a file path
}

type ServerConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Host    string `yaml:"host" json:"host"`
	Port    int32  `yaml:"port" json:"port"`
	// Timeout for outgoing callback requests.
	CallbackTimeout time.Duration `yaml:"callback_timeout" json:"callback_timeout"`
}

// Addr returns the listen address of the server.
func (s *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// SimConfig describes the scripted adapter used when Radio is "sim".
type SimConfig struct {
	PowerOnDelay time.Duration   `yaml:"power_on_delay" json:"power_on_delay"`
	PowerState   string          `yaml:"power_state" json:"power_state"`
	Peripherals  []SimPeripheral `yaml:"peripherals" json:"peripherals"`
}

type SimPeripheral struct {
	ID       string       `yaml:"id" json:"id"`
	Name     string       `yaml:"name" json:"name"`
	RSSI     int          `yaml:"rssi" json:"rssi"`
	Services []SimService `yaml:"services" json:"services"`
}

type SimService struct {
	UUID            string              `yaml:"uuid" json:"uuid"`
	Characteristics []SimCharacteristic `yaml:"characteristics" json:"characteristics"`
}

type SimCharacteristic struct {
	UUID       string        `yaml:"uuid" json:"uuid"`
	Properties []string      `yaml:"properties" json:"properties"`
	Interval   time.Duration `yaml:"interval" json:"interval"`
	Payload    string        `yaml:"payload" json:"payload"` // hex
}

// Defaults returns a config that runs the gatt radio with the HTTP surface on localhost.
func Defaults() *Config {
	return &Config{
		Radio: RadioGatt,
		Log: &LogConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Server: &ServerConfig{
			Enabled:         true,
			Host:            serverDefaultHost,
			Port:            serverDefaultPort,
			CallbackTimeout: 5 * time.Second,
		},
		Sim: &SimConfig{
			PowerOnDelay: 500 * time.Millisecond,
			PowerState:   "poweredOn",
		},
	}
}

// Load reads a YAML config over the defaults. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		case os.IsNotExist(err):
		default:
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := checkSections(cfg); err != nil {
		return nil, err
	}

	ApplyEnvOverrides(cfg)

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ApplyEnvOverrides overrides config values from BLE_CENTRAL_* variables.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("BLE_CENTRAL_RADIO"); v != "" {
		cfg.Radio = v
	}
	if v := os.Getenv("BLE_CENTRAL_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("BLE_CENTRAL_SERVER_HOST"); v != "" {
		cfg.Server.Host = v
	}
	if v := os.Getenv("BLE_CENTRAL_SERVER_PORT"); v != "" {
		if port, err := strconv.ParseInt(v, 10, 32); err == nil {
			cfg.Server.Port = int32(port)
		}
	}
}

func Validate(cfg *Config) error {
	switch strings.ToLower(cfg.Radio) {
	case RadioGatt, RadioSim:
		cfg.Radio = strings.ToLower(cfg.Radio)
	default:
		return fmt.Errorf("%w: unknown radio %q", ErrInvalidConfig, cfg.Radio)
	}

	if err := checkSections(cfg); err != nil {
		return err
	}

	switch strings.ToLower(cfg.Log.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("%w: unknown log format %q", ErrInvalidConfig, cfg.Log.Format)
	}

	if cfg.Server.Enabled && (cfg.Server.Port <= 0 || cfg.Server.Port > 65535) {
		return fmt.Errorf("%w: server port %d out of range", ErrInvalidConfig, cfg.Server.Port)
	}

	if cfg.Radio == RadioSim {
		seen := make(map[string]bool)
		for i, p := range cfg.Sim.Peripherals {
			if p.ID == "" {
				return fmt.Errorf("%w: sim peripheral %d has no id", ErrInvalidConfig, i)
			}
			if seen[p.ID] {
				return fmt.Errorf("%w: duplicate sim peripheral id %q", ErrInvalidConfig, p.ID)
			}
			seen[p.ID] = true
		}
	}

	return nil
}

func checkSections(cfg *Config) error {
	if cfg.Log == nil || cfg.Server == nil || cfg.Sim == nil {
		return fmt.Errorf("%w: log, server and sim sections must not be null", ErrInvalidConfig)
	}
	return nil
}
