// Package sysinfo reads host and per-process resource usage through gopsutil.
package sysinfo

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/core-tools/hsu-monitor/pkg/errors"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"
)

// FallbackHostUUID identifies a host whose platform exposes no hardware id
const FallbackHostUUID = "standalone-server"

type HostSnapshot struct {
	UUID        string
	Hostname    string
	CPUPercent  float64
	MemoryUsed  uint64
	MemoryTotal uint64
	Uptime      time.Duration
}

type ProcessSnapshot struct {
	CPUPercent float64
	MemoryRSS  uint64
}

type HostReader interface {
	ReadHost(ctx context.Context) (HostSnapshot, error)
}

type ProcessReader interface {
	ReadProcess(ctx context.Context, pid int) (ProcessSnapshot, error)
}

// PIDRetainer is implemented by process readers that keep per-PID state
type PIDRetainer interface {
	// Retain forgets every PID not in pids
	Retain(pids []int)
}

// Reader implements HostReader and ProcessReader on the local machine.
// It keeps one gopsutil handle per PID so that a CPU reading covers the time
// since the previous one instead of the process lifetime.
type Reader struct {
	mu        sync.Mutex
	processes map[int]*process.Process
}

var (
	_ HostReader    = (*Reader)(nil)
	_ ProcessReader = (*Reader)(nil)
	_ PIDRetainer   = (*Reader)(nil)
)

func NewReader() *Reader {
	return &Reader{processes: make(map[int]*process.Process)}
}

func (r *Reader) ReadHost(ctx context.Context) (HostSnapshot, error) {
	info, err := host.InfoWithContext(ctx)
	if err != nil {
		return HostSnapshot{}, errors.NewIOError("failed to read host info", err)
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return HostSnapshot{}, errors.NewIOError("failed to read memory usage", err)
	}
	// interval 0 compares against the previous call, the poll interval in practice
	load, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return HostSnapshot{}, errors.NewIOError("failed to read cpu load", err)
	}

	snapshot := HostSnapshot{
		UUID:        info.HostID,
		Hostname:    info.Hostname,
		MemoryUsed:  vm.Used,
		MemoryTotal: vm.Total,
		Uptime:      time.Duration(info.Uptime) * time.Second,
	}
	if snapshot.UUID == "" {
		snapshot.UUID = FallbackHostUUID
	}
	if len(load) > 0 {
		snapshot.CPUPercent = load[0]
	}
	return snapshot, nil
}

// ReadProcess reports usage of pid. The first call for a PID reports zero
// CPU, later calls the usage since the previous call.
func (r *Reader) ReadProcess(ctx context.Context, pid int) (ProcessSnapshot, error) {
	// gopsutil handles keep the previous CPU times unguarded
	r.mu.Lock()
	defer r.mu.Unlock()

	proc, err := r.handle(ctx, pid)
	if err != nil {
		return ProcessSnapshot{}, err
	}
	cpuPercent, err := proc.PercentWithContext(ctx, 0)
	if err != nil {
		delete(r.processes, pid)
		return ProcessSnapshot{}, errors.NewIOError("failed to read process cpu", err).WithContext("pid", strconv.Itoa(pid))
	}
	memInfo, err := proc.MemoryInfoWithContext(ctx)
	if err != nil {
		delete(r.processes, pid)
		return ProcessSnapshot{}, errors.NewIOError("failed to read process memory", err).WithContext("pid", strconv.Itoa(pid))
	}
	return ProcessSnapshot{CPUPercent: cpuPercent, MemoryRSS: memInfo.RSS}, nil
}

// handle returns the cached handle of pid, replacing it when the PID was reused.
// Callers hold r.mu.
func (r *Reader) handle(ctx context.Context, pid int) (*process.Process, error) {
	if proc, ok := r.processes[pid]; ok {
		if running, err := proc.IsRunningWithContext(ctx); err == nil && running {
			return proc, nil
		}
		delete(r.processes, pid)
	}

	proc, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return nil, errors.NewNotFoundError("process not found", err).WithContext("pid", strconv.Itoa(pid))
	}
	r.processes[pid] = proc
	return proc, nil
}

func (r *Reader) Retain(pids []int) {
	keep := make(map[int]struct{}, len(pids))
	for _, pid := range pids {
		keep[pid] = struct{}{}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for pid := range r.processes {
		if _, ok := keep[pid]; !ok {
			delete(r.processes, pid)
		}
	}
}
