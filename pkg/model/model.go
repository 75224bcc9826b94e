package model

import (
	"time"

	"github.com/core-tools/hsu-monitor/pkg/access"
)

// ProcessStatus is the process-manager reported status of a managed process
type ProcessStatus string

const (
	ProcessStatusOnline  ProcessStatus = "online"
	ProcessStatusStopped ProcessStatus = "stopped"
	ProcessStatusErrored ProcessStatus = "errored"
)

// LogType classifies a log entry
type LogType string

const (
	LogTypeInfo    LogType = "info"
	LogTypeSuccess LogType = "success"
	LogTypeWarning LogType = "warning"
	LogTypeError   LogType = "error"
)

// Action is a remote control action on a managed process
type Action string

const (
	ActionRestart Action = "restart"
	ActionStop    Action = "stop"
	ActionDelete  Action = "delete"
)

// Actions lists the control actions in the order the reactor executes them
var Actions = []Action{ActionRestart, ActionStop, ActionDelete}

func ParseAction(s string) (Action, bool) {
	for _, a := range Actions {
		if string(a) == s {
			return a, true
		}
	}
	return "", false
}

type Host struct {
	ID        string    `json:"id" cbor:"id"`
	Name      string    `json:"name" cbor:"name"`
	UUID      string    `json:"uuid" cbor:"uuid"`
	Heartbeat time.Time `json:"heartbeat" cbor:"heartbeat"`
	CreatedAt time.Time `json:"createdAt" cbor:"created_at"`
}

// IsLive reports whether the heartbeat lies within window of now
func (h Host) IsLive(now time.Time, window time.Duration) bool {
	if h.Heartbeat.IsZero() {
		return false
	}
	return now.Sub(h.Heartbeat) <= window
}

type Versioning struct {
	Branch   string `json:"branch,omitempty" cbor:"branch,omitempty" yaml:"branch,omitempty"`
	Revision string `json:"revision,omitempty" cbor:"revision,omitempty" yaml:"revision,omitempty"`
	Unstaged bool   `json:"unstaged" cbor:"unstaged" yaml:"unstaged,omitempty"`
}

type LogEntry struct {
	Type      LogType   `json:"type" cbor:"type"`
	Message   string    `json:"message" cbor:"message"`
	CreatedAt time.Time `json:"createdAt" cbor:"created_at"`
}

// ControlCounters are the per-action mailboxes written by operators and cleared by the reactor
type ControlCounters struct {
	Restart int64 `json:"restart" cbor:"restart"`
	Stop    int64 `json:"stop" cbor:"stop"`
	Delete  int64 `json:"delete" cbor:"delete"`
}

func (c ControlCounters) Get(action Action) int64 {
	switch action {
	case ActionRestart:
		return c.Restart
	case ActionStop:
		return c.Stop
	case ActionDelete:
		return c.Delete
	default:
		return 0
	}
}

func (c *ControlCounters) Set(action Action, value int64) {
	switch action {
	case ActionRestart:
		c.Restart = value
	case ActionStop:
		c.Stop = value
	case ActionDelete:
		c.Delete = value
	}
}

func (c ControlCounters) IsZero() bool {
	return c.Restart == 0 && c.Stop == 0 && c.Delete == 0
}

type ManagedProcess struct {
	ID               string          `json:"id" cbor:"id"`
	HostID           string          `json:"hostId" cbor:"host_id"`
	Name             string          `json:"name" cbor:"name"`
	ProcessManagerID int             `json:"pmId" cbor:"pm_id"`
	Status           ProcessStatus   `json:"status" cbor:"status"`
	Kind             string          `json:"kind" cbor:"kind"`
	Versioning       *Versioning     `json:"versioning,omitempty" cbor:"versioning,omitempty"`
	Logs             []LogEntry      `json:"logs,omitempty" cbor:"logs,omitempty"`
	Control          ControlCounters `json:"control,omitzero" cbor:"control"`
	UpdatedAt        time.Time       `json:"updatedAt" cbor:"updated_at"`
}

// WithoutLogs returns a shallow copy with the log ring stripped
func (p ManagedProcess) WithoutLogs() ManagedProcess {
	p.Logs = nil
	return p
}

// WithoutControl returns a shallow copy with the control counters zeroed
func (p ManagedProcess) WithoutControl() ManagedProcess {
	p.Control = ControlCounters{}
	return p
}

// ProcessUpdate carries the collector-observed fields of a managed process
type ProcessUpdate struct {
	ProcessManagerID int
	Name             string
	Status           ProcessStatus
	Kind             string
	Versioning       *Versioning
}

type SampleSource struct {
	HostID    string `json:"hostId" cbor:"host_id"`
	ProcessID string `json:"processId,omitempty" cbor:"process_id,omitempty"`
}

// IsHostLevel reports a sample without a process scope
func (s SampleSource) IsHostLevel() bool {
	return s.ProcessID == ""
}

// StatSample is an immutable resource usage observation
type StatSample struct {
	ID        string       `json:"id" cbor:"id"`
	Source    SampleSource `json:"source" cbor:"source"`
	CPU       float64      `json:"cpu" cbor:"cpu"`
	Memory    uint64       `json:"memory" cbor:"memory"`
	MemoryMax uint64       `json:"memoryMax,omitempty" cbor:"memory_max,omitempty"`
	HeapUsed  *uint64      `json:"heapUsed,omitempty" cbor:"heap_used,omitempty"`
	Uptime    int64        `json:"uptime" cbor:"uptime"`
	Timestamp time.Time    `json:"timestamp" cbor:"timestamp"`
}

type User struct {
	ID    string     `json:"id" cbor:"id"`
	Name  string     `json:"name" cbor:"name"`
	Email string     `json:"email,omitempty" cbor:"email,omitempty"`
	ACL   access.ACL `json:"acl" cbor:"acl"`
}

// Principal returns the access principal for the user
func (u User) Principal() access.Principal {
	return access.Principal{UserID: u.ID, Name: u.Name, ACL: u.ACL}
}
