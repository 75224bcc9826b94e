package store

import (
	"context"
	"time"

	"github.com/core-tools/hsu-monitor/pkg/model"
)

type HostStore interface {
	// UpsertHost creates or updates the host identified by uuid.
	// The stored heartbeat never moves backwards.
	UpsertHost(ctx context.Context, uuid, name string, heartbeat time.Time) (model.Host, error)
	GetHost(ctx context.Context, id string) (model.Host, error)
	ListHosts(ctx context.Context) ([]model.Host, error)
}

type ProcessStore interface {
	// UpsertProcess creates or updates the process keyed by (hostID, update.ProcessManagerID),
	// appending logs to its ring trimmed to logLimit entries. Control counters are preserved.
	UpsertProcess(ctx context.Context, hostID string, update model.ProcessUpdate, logs []model.LogEntry, logLimit int) (model.ManagedProcess, error)
	GetProcess(ctx context.Context, id string) (model.ManagedProcess, error)

	// ListProcesses lists processes of hostID, or of every host when hostID is empty
	ListProcesses(ctx context.Context, hostID string) ([]model.ManagedProcess, error)

	// DeleteProcessesNotIn removes processes of hostID whose process manager id is not in keep
	DeleteProcessesNotIn(ctx context.Context, hostID string, keep []int) (int, error)

	IncrementControl(ctx context.Context, id string, action model.Action) (model.ManagedProcess, error)
	ResetControl(ctx context.Context, id string, action model.Action) error
}

// SampleQuery selects stat samples. Exactly one of ProcessIDs and HostIDs is used:
// ProcessIDs selects process-level samples, HostIDs selects host-level samples only.
type SampleQuery struct {
	ProcessIDs []string
	HostIDs    []string
	Since      time.Time // zero means unbounded
	Limit      int       // non-positive means unbounded
}

type StatStore interface {
	AppendSamples(ctx context.Context, samples ...model.StatSample) error

	// RecentSamples returns matching samples newest first
	RecentSamples(ctx context.Context, query SampleQuery) ([]model.StatSample, error)
}

type SettingStore interface {
	// GetSetting returns the stored setting and whether one exists
	GetSetting(ctx context.Context) (model.Setting, bool, error)
	PutSetting(ctx context.Context, setting model.Setting) error
}

type UserStore interface {
	GetUser(ctx context.Context, id string) (model.User, error)
	PutUser(ctx context.Context, user model.User) (model.User, error)
	ListUsers(ctx context.Context) ([]model.User, error)
}

// ProcessChange is a change notification on a managed process record
type ProcessChange struct {
	ProcessID string
	Deleted   bool
	Process   model.ManagedProcess // zero when Deleted
}

// ProcessWatcher is the optional change-notification capability of a store
type ProcessWatcher interface {
	// WatchProcesses streams changes of processes owned by hostID (all hosts when empty)
	// until ctx is cancelled, then closes the channel.
	WatchProcesses(ctx context.Context, hostID string) (<-chan ProcessChange, error)
}

type Store interface {
	HostStore
	ProcessStore
	StatStore
	SettingStore
	UserStore
	Close() error
}

// AsWatcher returns the change-notification capability of s, if it has one
func AsWatcher(s interface{}) (ProcessWatcher, bool) {
	w, ok := s.(ProcessWatcher)
	return w, ok
}
