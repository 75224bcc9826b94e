package monitor

import (
	"fmt"
	"net"
	"os"
	"time"

	"github.com/core-tools/hsu-monitor/pkg/api"
	"github.com/core-tools/hsu-monitor/pkg/collector"
	"github.com/core-tools/hsu-monitor/pkg/errors"
	"github.com/core-tools/hsu-monitor/pkg/logging/zaplogging"
	"github.com/core-tools/hsu-monitor/pkg/metricwriter"
	"github.com/core-tools/hsu-monitor/pkg/processmanager"

	"gopkg.in/yaml.v3"
)

// StoreBackend selects the store implementation
type StoreBackend string

const (
	StoreBackendBadger StoreBackend = "badger"
	StoreBackendMemory StoreBackend = "memory"
)

const (
	DefaultStorePath       = "hsu-monitor-data"
	DefaultGCInterval      = 5 * time.Minute
	DefaultShutdownTimeout = 30 * time.Second
)

// MonitorConfig represents the top-level configuration file structure
type MonitorConfig struct {
	Monitor          MonitorOptions                 `yaml:"monitor"`
	Store            StoreConfig                    `yaml:"store"`
	Collector        collector.Config               `yaml:"collector"`
	API              api.Config                     `yaml:"api"`
	Influx           *metricwriter.InfluxConfig     `yaml:"influx,omitempty"` // Optional sample mirror
	ManagedProcesses []processmanager.ProcessConfig `yaml:"managed_processes"`
}

// MonitorOptions represents agent-level configuration
type MonitorOptions struct {
	LogLevel string `yaml:"log_level,omitempty"`

	// ShutdownTimeout bounds stopping the managed processes on exit
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout,omitempty"`

	// SettingMaxAge is how long a fetched Setting is reused, zero re-reads it every cycle
	SettingMaxAge time.Duration `yaml:"setting_max_age,omitempty"`

	EventBuffer       int `yaml:"event_buffer,omitempty"`
	MaxQueuedLogLines int `yaml:"max_queued_log_lines,omitempty"`
}

type StoreConfig struct {
	Backend     StoreBackend  `yaml:"backend,omitempty"`
	Path        string        `yaml:"path,omitempty"`
	InMemory    bool          `yaml:"in_memory,omitempty"`
	SyncWrites  *bool         `yaml:"sync_writes,omitempty"` // Pointer to distinguish unset from false
	GCInterval  time.Duration `yaml:"gc_interval,omitempty"`
	WatchBuffer int           `yaml:"watch_buffer,omitempty"`
}

// LoadConfigFromFile loads agent configuration from a YAML file
func LoadConfigFromFile(filename string) (*MonitorConfig, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, errors.NewIOError("failed to read configuration file", err).WithContext("filename", filename)
	}

	var config MonitorConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, errors.NewValidationError("failed to parse YAML configuration", err).WithContext("filename", filename)
	}

	// Set defaults
	setConfigDefaults(&config)

	return &config, nil
}

func setConfigDefaults(config *MonitorConfig) {
	if config.Monitor.ShutdownTimeout == 0 {
		config.Monitor.ShutdownTimeout = DefaultShutdownTimeout
	}

	if config.Store.Backend == "" {
		config.Store.Backend = StoreBackendBadger
	}
	if config.Store.Backend == StoreBackendBadger && !config.Store.InMemory {
		if config.Store.Path == "" {
			config.Store.Path = DefaultStorePath
		}
		if config.Store.GCInterval == 0 {
			config.Store.GCInterval = DefaultGCInterval
		}
	}
	if config.Store.SyncWrites == nil {
		syncWrites := true
		config.Store.SyncWrites = &syncWrites
	}

	if config.API.Address == "" {
		config.API.Address = api.DefaultAddress
	}

	processmanager.SetDefaults(config.ManagedProcesses)
}

// ValidateConfig validates the entire configuration structure
func ValidateConfig(config *MonitorConfig) error {
	if config == nil {
		return errors.NewValidationError("configuration cannot be nil", nil)
	}

	if err := validateMonitorOptions(&config.Monitor); err != nil {
		return errors.NewValidationError("invalid monitor configuration", err)
	}
	if err := validateStoreConfig(&config.Store); err != nil {
		return errors.NewValidationError("invalid store configuration", err)
	}
	if err := validateAPIConfig(&config.API); err != nil {
		return errors.NewValidationError("invalid api configuration", err)
	}
	if config.Influx != nil {
		if err := validateInfluxConfig(config.Influx); err != nil {
			return errors.NewValidationError("invalid influx configuration", err)
		}
	}
	if config.Collector.FallbackDelay < 0 || config.Collector.DrainTimeout < 0 {
		return errors.NewValidationError("invalid collector configuration", errors.NewValidationError("durations must not be negative", nil))
	}
	if err := processmanager.ValidateProcesses(config.ManagedProcesses); err != nil {
		return errors.NewValidationError("invalid managed processes configuration", err)
	}
	return nil
}

func validateMonitorOptions(options *MonitorOptions) error {
	if _, err := zaplogging.ParseLevel(options.LogLevel); err != nil {
		return errors.NewValidationError(err.Error(), nil).WithContext("log_level", options.LogLevel)
	}
	if options.ShutdownTimeout < 0 || options.SettingMaxAge < 0 {
		return errors.NewValidationError("durations must not be negative", nil)
	}
	if options.EventBuffer < 0 || options.MaxQueuedLogLines < 0 {
		return errors.NewValidationError("buffer sizes must not be negative", nil)
	}
	return nil
}

func validateStoreConfig(config *StoreConfig) error {
	switch config.Backend {
	case StoreBackendBadger:
		if !config.InMemory && config.Path == "" {
			return errors.NewValidationError("store path is required for a persistent database", nil)
		}
	case StoreBackendMemory:
	default:
		return errors.NewValidationError(
			fmt.Sprintf("unsupported store backend: %s", config.Backend),
			nil,
		).WithContext("supported_backends", "badger, memory")
	}
	if config.GCInterval < 0 || config.WatchBuffer < 0 {
		return errors.NewValidationError("store options must not be negative", nil)
	}
	return nil
}

func validateAPIConfig(config *api.Config) error {
	if !config.Enabled {
		return nil
	}
	if _, _, err := net.SplitHostPort(config.Address); err != nil {
		return errors.NewValidationError("invalid listen address", err).WithContext("address", config.Address)
	}
	if config.LivenessWindow < 0 || config.ShutdownTimeout < 0 {
		return errors.NewValidationError("durations must not be negative", nil)
	}
	return nil
}

func validateInfluxConfig(config *metricwriter.InfluxConfig) error {
	if config.URL == "" || config.Org == "" || config.Bucket == "" {
		return errors.NewValidationError("url, org and bucket are required", nil)
	}
	if config.Timeout < 0 {
		return errors.NewValidationError("timeout must not be negative", nil)
	}
	return nil
}

// ValidateConfigFile validates a configuration file without running it
func ValidateConfigFile(configFile string) error {
	config, err := LoadConfigFromFile(configFile)
	if err != nil {
		return err
	}
	if err := ValidateConfig(config); err != nil {
		return errors.NewValidationError("configuration validation failed", err).WithContext("config_file", configFile)
	}
	return nil
}
