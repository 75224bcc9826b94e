package processmanager

import (
	"fmt"
	"time"

	"github.com/core-tools/hsu-monitor/pkg/errors"
	"github.com/core-tools/hsu-monitor/pkg/model"
)

// RestartPolicy decides whether an exited process is started again
type RestartPolicy string

const (
	RestartNever     RestartPolicy = "never"
	RestartOnFailure RestartPolicy = "on-failure"
	RestartAlways    RestartPolicy = "always"
)

const (
	DefaultRestartDelay    = 5 * time.Second
	DefaultGracefulTimeout = 10 * time.Second
	DefaultEventBuffer     = 1024
	DefaultKind            = "other"
)

// ProcessConfig declares one process run by the local manager
type ProcessConfig struct {
	Name             string            `yaml:"name"`
	Kind             string            `yaml:"kind,omitempty"`
	ExecutablePath   string            `yaml:"executable_path"`
	Args             []string          `yaml:"args,omitempty"`
	Environment      []string          `yaml:"environment,omitempty"`
	WorkingDirectory string            `yaml:"working_directory,omitempty"`
	RestartPolicy    RestartPolicy     `yaml:"restart_policy,omitempty"`
	RestartDelay     time.Duration     `yaml:"restart_delay,omitempty"`
	GracefulTimeout  time.Duration     `yaml:"graceful_timeout,omitempty"`
	Autostart        *bool             `yaml:"autostart,omitempty"` // Pointer to distinguish unset from false
	Versioning       *model.Versioning `yaml:"versioning,omitempty"`
}

type ManagerOptions struct {
	// EventBuffer is the capacity of the log event channel
	EventBuffer int
}

// SetDefaults applies default values to process declarations
func SetDefaults(processes []ProcessConfig) {
	for i := range processes {
		process := &processes[i]

		if process.Kind == "" {
			process.Kind = DefaultKind
		}
		if process.RestartPolicy == "" {
			process.RestartPolicy = RestartOnFailure
		}
		if process.RestartDelay == 0 {
			process.RestartDelay = DefaultRestartDelay
		}
		if process.GracefulTimeout == 0 {
			process.GracefulTimeout = DefaultGracefulTimeout
		}
		if process.Autostart == nil {
			autostart := true
			process.Autostart = &autostart
		}
	}
}

// ValidateProcesses validates process declarations
func ValidateProcesses(processes []ProcessConfig) error {
	seenNames := make(map[string]int)
	for i, process := range processes {
		if process.Name == "" {
			return errors.NewValidationError(fmt.Sprintf("process name is required at index %d", i), nil)
		}
		if prevIndex, exists := seenNames[process.Name]; exists {
			return errors.NewValidationError(
				fmt.Sprintf("duplicate process name '%s' found at indices %d and %d", process.Name, prevIndex, i),
				nil,
			)
		}
		seenNames[process.Name] = i

		if process.ExecutablePath == "" {
			return errors.NewValidationError("executable path is required", nil).WithContext("process", process.Name)
		}

		switch process.RestartPolicy {
		case "", RestartNever, RestartOnFailure, RestartAlways:
		default:
			return errors.NewValidationError(
				fmt.Sprintf("unsupported restart policy: %s", process.RestartPolicy),
				nil,
			).WithContext("process", process.Name).WithContext("supported_policies", "never, on-failure, always")
		}

		if process.RestartDelay < 0 || process.GracefulTimeout < 0 {
			return errors.NewValidationError("durations must not be negative", nil).WithContext("process", process.Name)
		}
	}
	return nil
}
