// Package processmanager runs the locally declared managed processes and
// exposes them the way the collector and the reactor expect a process
// manager to: a numeric-id listing, control actions, and a log event feed.
package processmanager

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/core-tools/hsu-monitor/pkg/errors"
	"github.com/core-tools/hsu-monitor/pkg/logcollection"
	"github.com/core-tools/hsu-monitor/pkg/logging"
	"github.com/core-tools/hsu-monitor/pkg/model"
	"github.com/core-tools/hsu-monitor/pkg/sysinfo"
)

// Manager is the process-manager contract used by the collector and the reactor
type Manager interface {
	List(ctx context.Context) ([]ProcessInfo, error)
	Restart(ctx context.Context, id int) error
	Stop(ctx context.Context, id int) error
	Delete(ctx context.Context, id int) error

	// LogEvents streams output lines of every managed process. It is never closed.
	LogEvents() <-chan logcollection.LogEvent
}

// ProcessInfo is one entry of a process listing
type ProcessInfo struct {
	ID         int
	Name       string
	Status     model.ProcessStatus
	State      ProcessState
	Kind       string
	Versioning *model.Versioning
	PID        int
	CPU        float64
	Memory     uint64
	HeapUsed   *uint64
	StartedAt  time.Time // zero when not running
	Restarts   int
}

// Uptime is the time since the current run started, zero when not running
func (i ProcessInfo) Uptime(now time.Time) time.Duration {
	if i.StartedAt.IsZero() {
		return 0
	}
	return now.Sub(i.StartedAt)
}

type LocalManager struct {
	mu        sync.RWMutex
	processes map[int]*localProcess

	events        chan logcollection.LogEvent
	droppedEvents int64 // atomic
	reader        sysinfo.ProcessReader
	logger        logging.Logger
}

var _ Manager = (*LocalManager)(nil)

// NewLocalManager registers processes with ids assigned in declaration order.
// reader may be nil, in which case listings carry no cpu or memory figures.
func NewLocalManager(processes []ProcessConfig, reader sysinfo.ProcessReader, options ManagerOptions, logger logging.Logger) (*LocalManager, error) {
	configs := append([]ProcessConfig(nil), processes...)
	SetDefaults(configs)
	if err := ValidateProcesses(configs); err != nil {
		return nil, err
	}

	buffer := options.EventBuffer
	if buffer <= 0 {
		buffer = DefaultEventBuffer
	}

	m := &LocalManager{
		processes: make(map[int]*localProcess, len(configs)),
		events:    make(chan logcollection.LogEvent, buffer),
		reader:    reader,
		logger:    logger,
	}
	for id, config := range configs {
		m.processes[id] = newLocalProcess(id, config, m.emit, logging.WithPrefix(logger, fmt.Sprintf("[%s] ", config.Name)))
		logger.Infof("Registered managed process, id: %d, name: %s, executable: %s", id, config.Name, config.ExecutablePath)
	}
	return m, nil
}

func (m *LocalManager) emit(event logcollection.LogEvent) {
	select {
	case m.events <- event:
	default:
		if atomic.AddInt64(&m.droppedEvents, 1)%1000 == 1 {
			m.logger.Warnf("Log event channel full, dropped %d events so far", atomic.LoadInt64(&m.droppedEvents))
		}
	}
}

func (m *LocalManager) LogEvents() <-chan logcollection.LogEvent {
	return m.events
}

// DroppedEvents counts log lines lost because nobody consumed the event channel
func (m *LocalManager) DroppedEvents() int64 {
	return atomic.LoadInt64(&m.droppedEvents)
}

// Start starts every process with autostart enabled.
// A process that fails to start does not prevent the others from starting.
func (m *LocalManager) Start(ctx context.Context) error {
	errs := errors.NewErrorCollection()
	for _, p := range m.sorted() {
		if ctx.Err() != nil {
			errs.Add(errors.NewCancelledError("process start cancelled", ctx.Err()))
			break
		}
		if p.config.Autostart != nil && !*p.config.Autostart {
			m.logger.Infof("Skipping autostart of process %s", p.config.Name)
			continue
		}
		if err := p.start(); err != nil {
			m.logger.Errorf("Failed to start process %s: %v", p.config.Name, err)
			errs.Add(err)
		}
	}
	return errs.ToError()
}

// Shutdown stops every process in reverse declaration order
func (m *LocalManager) Shutdown(ctx context.Context) error {
	processes := m.sorted()
	errs := errors.NewErrorCollection()
	for i := len(processes) - 1; i >= 0; i-- {
		if err := processes[i].stop(ctx); err != nil {
			m.logger.Errorf("Failed to stop process %s: %v", processes[i].config.Name, err)
			errs.Add(err)
		}
	}
	m.logger.Infof("Process manager stopped")
	return errs.ToError()
}

func (m *LocalManager) List(ctx context.Context) ([]ProcessInfo, error) {
	processes := m.sorted()
	infos := make([]ProcessInfo, 0, len(processes))
	pids := make([]int, 0, len(processes))
	for _, p := range processes {
		snap := p.snapshot()
		info := ProcessInfo{
			ID:         p.id,
			Name:       p.config.Name,
			Status:     snap.state.Status(),
			State:      snap.state,
			Kind:       p.config.Kind,
			Versioning: p.config.Versioning,
			PID:        snap.pid,
			StartedAt:  snap.startedAt,
			Restarts:   snap.restarts,
		}
		if snap.pid > 0 {
			pids = append(pids, snap.pid)
		}
		if snap.pid > 0 && m.reader != nil {
			usage, err := m.reader.ReadProcess(ctx, snap.pid)
			if err != nil {
				m.logger.Debugf("Failed to read usage of process %s, PID %d: %v", p.config.Name, snap.pid, err)
			} else {
				info.CPU = usage.CPUPercent
				info.Memory = usage.MemoryRSS
			}
		}
		infos = append(infos, info)
	}
	if retainer, ok := m.reader.(sysinfo.PIDRetainer); ok {
		retainer.Retain(pids)
	}
	return infos, nil
}

func (m *LocalManager) Restart(ctx context.Context, id int) error {
	p, err := m.get(id)
	if err != nil {
		return err
	}
	m.logger.Infof("Restarting process %s", p.config.Name)
	return p.restart(ctx)
}

func (m *LocalManager) Stop(ctx context.Context, id int) error {
	p, err := m.get(id)
	if err != nil {
		return err
	}
	m.logger.Infof("Stopping process %s", p.config.Name)
	return p.stop(ctx)
}

// Delete stops the process and removes it from the listing
func (m *LocalManager) Delete(ctx context.Context, id int) error {
	p, err := m.get(id)
	if err != nil {
		return err
	}
	m.logger.Infof("Deleting process %s", p.config.Name)
	if err := p.remove(ctx); err != nil {
		return err
	}

	m.mu.Lock()
	delete(m.processes, id)
	m.mu.Unlock()
	return nil
}

func (m *LocalManager) get(id int) (*localProcess, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.processes[id]
	if !ok {
		return nil, errors.NewNotFoundError("managed process not found", nil).WithContext("process_manager_id", strconv.Itoa(id))
	}
	return p, nil
}

func (m *LocalManager) sorted() []*localProcess {
	m.mu.RLock()
	defer m.mu.RUnlock()

	processes := make([]*localProcess, 0, len(m.processes))
	for _, p := range m.processes {
		processes = append(processes, p)
	}
	sort.Slice(processes, func(i, j int) bool { return processes[i].id < processes[j].id })
	return processes
}
