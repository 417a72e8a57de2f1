// Package config loads the patrol agent configuration from a YAML file with
// environment overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-yaml"

	apperrors "github.com/kimhsiao/patrolsync/internal/errors"
)

// Remote store drivers.
const (
	DriverHTTP     = "http"
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// Config is the full agent configuration.
type Config struct {
	DeviceID     string             `yaml:"device_id"`
	DataDir      string             `yaml:"data_dir"`
	Log          LogConfig          `yaml:"log"`
	API          APIConfig          `yaml:"api"`
	Remote       RemoteConfig       `yaml:"remote"`
	Connectivity ConnectivityConfig `yaml:"connectivity"`
	Sync         SyncConfig         `yaml:"sync"`
	Queue        QueueConfig        `yaml:"queue"`
	Location     LocationConfig     `yaml:"location"`
	Patrol       PatrolConfig       `yaml:"patrol"`
}

// LogConfig configures the zap-backed logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// APIConfig configures the local device API.
type APIConfig struct {
	Addr         string   `yaml:"addr"`
	AllowOrigins []string `yaml:"allow_origins"`
}

// RemoteConfig selects and configures the remote store adapter.
type RemoteConfig struct {
	Driver     string         `yaml:"driver"`
	BaseURL    string         `yaml:"base_url"`
	Token      string         `yaml:"token"`
	Timeout    time.Duration  `yaml:"timeout"`
	RetryCount int            `yaml:"retry_count"`
	Database   DatabaseConfig `yaml:"database"`
}

// DatabaseConfig holds Postgres connection settings.
type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"sslmode"`
	MaxConns int    `yaml:"max_conns"`
	MaxIdle  int    `yaml:"max_idle"`
}

// ConnectivityConfig configures the health-probe oracle.
type ConnectivityConfig struct {
	ProbeURL      string        `yaml:"probe_url"`
	ProbeInterval time.Duration `yaml:"probe_interval"`
	ProbeTimeout  time.Duration `yaml:"probe_timeout"`
}

// SyncConfig configures the reconciliation scheduler.
type SyncConfig struct {
	Interval    time.Duration `yaml:"interval"`
	PassTimeout time.Duration `yaml:"pass_timeout"`
}

// QueueConfig bounds the local durable queue.
type QueueConfig struct {
	MaxEvents    int `yaml:"max_events"`
	PingCapacity int `yaml:"ping_capacity"`
}

// LocationConfig configures location sampling.
type LocationConfig struct {
	SampleInterval     time.Duration `yaml:"sample_interval"`
	SampleTimeout      time.Duration `yaml:"sample_timeout"`
	InteractiveTimeout time.Duration `yaml:"interactive_timeout"`
}

// PatrolConfig configures the session state machine.
type PatrolConfig struct {
	AutoCompleteDelay time.Duration `yaml:"auto_complete_delay"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		DataDir: "./data",
		Log:     LogConfig{Level: "info", Format: "json"},
		API: APIConfig{
			Addr:         "127.0.0.1:8090",
			AllowOrigins: []string{"http://localhost"},
		},
		Remote: RemoteConfig{
			Driver:     DriverHTTP,
			Timeout:    15 * time.Second,
			RetryCount: 0,
			Database: DatabaseConfig{
				Host:    "localhost",
				Port:    5432,
				SSLMode: "disable",
			},
		},
		Connectivity: ConnectivityConfig{
			ProbeInterval: 10 * time.Second,
			ProbeTimeout:  3 * time.Second,
		},
		Sync: SyncConfig{
			Interval:    30 * time.Second,
			PassTimeout: 5 * time.Minute,
		},
		Queue: QueueConfig{
			MaxEvents:    10000,
			PingCapacity: 100,
		},
		Location: LocationConfig{
			SampleInterval:     60 * time.Second,
			SampleTimeout:      20 * time.Second,
			InteractiveTimeout: 5 * time.Second,
		},
		Patrol: PatrolConfig{
			AutoCompleteDelay: 2 * time.Second,
		},
	}
}

// Load reads path (when non-empty) over the defaults, then applies
// environment overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
	}
	cfg.LoadFromEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromEnv applies PATROL_* environment overrides.
func (c *Config) LoadFromEnv() {
	setString(&c.DeviceID, "PATROL_DEVICE_ID")
	setString(&c.DataDir, "PATROL_DATA_DIR")
	setString(&c.Log.Level, "PATROL_LOG_LEVEL")
	setString(&c.Log.Format, "PATROL_LOG_FORMAT")
	setString(&c.API.Addr, "PATROL_API_ADDR")
	setString(&c.Remote.Driver, "PATROL_REMOTE_DRIVER")
	setString(&c.Remote.BaseURL, "PATROL_REMOTE_URL")
	setString(&c.Remote.Token, "PATROL_REMOTE_TOKEN")
	setString(&c.Connectivity.ProbeURL, "PATROL_PROBE_URL")
	setDuration(&c.Sync.Interval, "PATROL_SYNC_INTERVAL")
	setDuration(&c.Location.SampleInterval, "PATROL_LOCATION_INTERVAL")
	c.Remote.Database.LoadFromEnv("PATROL_PG")
}

// LoadFromEnv applies <prefix>_HOST, _PORT, _USER, _PASSWORD, _DATABASE, _SSLMODE.
func (c *DatabaseConfig) LoadFromEnv(prefix string) {
	setString(&c.Host, prefix+"_HOST")
	if port := strings.TrimSpace(os.Getenv(prefix + "_PORT")); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			c.Port = p
		}
	}
	setString(&c.User, prefix+"_USER")
	setString(&c.Password, prefix+"_PASSWORD")
	setString(&c.Database, prefix+"_DATABASE")
	setString(&c.SSLMode, prefix+"_SSLMODE")
}

// DSN returns the lib/pq connection string.
func (c *DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode)
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return apperrors.New(apperrors.ErrValidation, "data_dir is required")
	}
	switch c.Remote.Driver {
	case DriverHTTP:
		if c.Remote.BaseURL == "" {
			return apperrors.New(apperrors.ErrValidation, "remote.base_url is required for the http driver")
		}
	case DriverPostgres:
		if c.Remote.Database.Database == "" {
			return apperrors.New(apperrors.ErrValidation, "remote.database.database is required for the postgres driver")
		}
	case DriverMemory:
	default:
		return apperrors.Newf(apperrors.ErrValidation, "unknown remote driver %q", c.Remote.Driver)
	}
	if c.Sync.Interval <= 0 {
		return apperrors.New(apperrors.ErrValidation, "sync.interval must be positive")
	}
	if c.Queue.MaxEvents <= 0 || c.Queue.PingCapacity <= 0 {
		return apperrors.New(apperrors.ErrValidation, "queue limits must be positive")
	}
	if c.Location.SampleInterval <= 0 {
		return apperrors.New(apperrors.ErrValidation, "location.sample_interval must be positive")
	}
	if c.Location.InteractiveTimeout <= 0 || c.Location.SampleTimeout <= 0 {
		return apperrors.New(apperrors.ErrValidation, "location timeouts must be positive")
	}
	if c.Patrol.AutoCompleteDelay < 0 {
		return apperrors.New(apperrors.ErrValidation, "patrol.auto_complete_delay must not be negative")
	}
	return nil
}

func setString(dst *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*dst = v
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			*dst = d
		}
	}
}
