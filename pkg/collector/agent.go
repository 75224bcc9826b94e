// Package collector runs the host agent poll loop: it snapshots the local
// process manager and system metrics and reconciles them into the store.
package collector

import (
	"context"
	"time"

	"github.com/core-tools/hsu-monitor/pkg/errors"
	"github.com/core-tools/hsu-monitor/pkg/logcollection"
	"github.com/core-tools/hsu-monitor/pkg/logging"
	"github.com/core-tools/hsu-monitor/pkg/metricwriter"
	"github.com/core-tools/hsu-monitor/pkg/model"
	"github.com/core-tools/hsu-monitor/pkg/observability"
	"github.com/core-tools/hsu-monitor/pkg/processmanager"
	"github.com/core-tools/hsu-monitor/pkg/store"
	"github.com/core-tools/hsu-monitor/pkg/sysinfo"
)

const (
	DefaultFallbackDelay = 1 * time.Second
	DefaultDrainTimeout  = 10 * time.Second

	minFallbackDelay = time.Millisecond
)

// ProcessLister is the read side of the process manager
type ProcessLister interface {
	List(ctx context.Context) ([]processmanager.ProcessInfo, error)
}

// SettingSource returns the current runtime setting
type SettingSource interface {
	Get(ctx context.Context) model.Setting
}

type Config struct {
	// HostName overrides the reported hostname when set
	HostName string `yaml:"host_name,omitempty"`

	// FallbackDelay is waited after a failed cycle instead of the poll interval.
	// It is halved against the poll interval when not shorter than it.
	FallbackDelay time.Duration `yaml:"fallback_delay,omitempty"`

	// DrainTimeout bounds the in-flight cycle after shutdown was requested
	DrainTimeout time.Duration `yaml:"drain_timeout,omitempty"`
}

type Dependencies struct {
	Hosts     store.HostStore
	Processes store.ProcessStore
	Samples   metricwriter.Writer
	Logs      logcollection.LogQueue
	Lister    ProcessLister
	System    sysinfo.HostReader
	Settings  SettingSource
	Metrics   *observability.Metrics // optional
}

type Agent struct {
	deps   Dependencies
	config Config
	logger logging.Logger
	now    func() time.Time
}

func NewAgent(deps Dependencies, config Config, logger logging.Logger) *Agent {
	if config.FallbackDelay <= 0 {
		config.FallbackDelay = DefaultFallbackDelay
	}
	if config.DrainTimeout <= 0 {
		config.DrainTimeout = DefaultDrainTimeout
	}
	return &Agent{
		deps:   deps,
		config: config,
		logger: logger,
		now:    time.Now,
	}
}

// Identify registers the local host and returns it
func (a *Agent) Identify(ctx context.Context) (model.Host, error) {
	snapshot, err := a.deps.System.ReadHost(ctx)
	if err != nil {
		return model.Host{}, errors.NewInternalError("failed to read host information", err)
	}
	host, err := a.deps.Hosts.UpsertHost(ctx, snapshot.UUID, a.hostName(snapshot), a.now())
	if err != nil {
		return model.Host{}, err
	}
	a.logger.Infof("Host identified, id: %s, name: %s, uuid: %s", host.ID, host.Name, host.UUID)
	return host, nil
}

func (a *Agent) hostName(snapshot sysinfo.HostSnapshot) string {
	if a.config.HostName != "" {
		return a.config.HostName
	}
	return snapshot.Hostname
}

// PollOnce runs one collection cycle.
// A process that fails to persist does not abort the cycle; its drained log
// lines go back to the queue and the combined error is returned at the end.
func (a *Agent) PollOnce(ctx context.Context, setting model.Setting) error {
	started := a.now()
	err := a.pollOnce(ctx, setting)
	if a.deps.Metrics != nil {
		a.deps.Metrics.ObservePoll(started, err)
	}
	return err
}

func (a *Agent) pollOnce(ctx context.Context, setting model.Setting) error {
	snapshot, err := a.deps.System.ReadHost(ctx)
	if err != nil {
		return errors.NewInternalError("failed to read host information", err)
	}
	infos, err := a.deps.Lister.List(ctx)
	if err != nil {
		return errors.NewUnavailableError("failed to list managed processes", err)
	}

	now := a.now()
	host, err := a.deps.Hosts.UpsertHost(ctx, snapshot.UUID, a.hostName(snapshot), now)
	if err != nil {
		return err
	}

	errs := errors.NewErrorCollection()
	live := make([]int, 0, len(infos))
	samples := make([]model.StatSample, 0, len(infos)+1)

	for _, info := range infos {
		live = append(live, info.ID)

		logs := a.deps.Logs.Drain(info.ID)
		process, err := a.deps.Processes.UpsertProcess(ctx, host.ID, model.ProcessUpdate{
			ProcessManagerID: info.ID,
			Name:             info.Name,
			Status:           info.Status,
			Kind:             info.Kind,
			Versioning:       info.Versioning,
		}, logs, setting.LogRotation)
		if err != nil {
			a.logger.Errorf("Failed to update process %s, pm id: %d: %v", info.Name, info.ID, err)
			a.deps.Logs.Requeue(info.ID, logs)
			errs.Add(err)
			continue
		}

		samples = append(samples, metricwriter.ProcessSample(
			host.ID, process.ID, info.CPU, info.Memory, snapshot.MemoryTotal, info.HeapUsed, info.Uptime(now), now,
		))
	}
	a.deps.Logs.Retain(live)

	samples = append(samples, metricwriter.HostSample(
		host.ID, snapshot.CPUPercent, snapshot.MemoryUsed, snapshot.MemoryTotal, snapshot.Uptime, now,
	))
	if err := a.deps.Samples.Write(ctx, samples...); err != nil {
		a.logger.Errorf("Failed to write %d stat samples: %v", len(samples), err)
		errs.Add(err)
	} else if a.deps.Metrics != nil {
		a.deps.Metrics.SamplesWritten.Add(float64(len(samples)))
	}

	deleted, err := a.deps.Processes.DeleteProcessesNotIn(ctx, host.ID, live)
	if err != nil {
		a.logger.Errorf("Failed to delete departed processes: %v", err)
		errs.Add(err)
	} else if deleted > 0 {
		a.logger.Infof("Deleted %d processes no longer reported by the process manager", deleted)
	}

	if a.deps.Metrics != nil {
		a.deps.Metrics.ManagedProcesses.Set(float64(len(infos)))
	}
	a.logger.Debugf("Poll cycle done, host: %s, processes: %d, samples: %d", host.ID, len(infos), len(samples))
	return errs.ToError()
}

// Run polls until ctx is cancelled. The next cycle is scheduled only after the
// previous one finished, using the fallback delay after a failure.
func (a *Agent) Run(ctx context.Context) error {
	a.logger.Infof("Collector started, fallback delay: %v", a.config.FallbackDelay)

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			a.logger.Infof("Collector stopped")
			return nil
		case <-timer.C:
		}

		setting := a.deps.Settings.Get(ctx)
		delay := setting.PollInterval()
		if delay <= 0 {
			delay = model.DefaultSetting().PollInterval()
		}
		if err := a.cycle(ctx, setting); err != nil {
			delay = a.fallbackDelay(delay)
			a.logger.Errorf("Poll cycle failed, retrying in %v: %v", delay, err)
		}
		timer.Reset(delay)
	}
}

// fallbackDelay is the wait after a failed cycle, always shorter than interval
func (a *Agent) fallbackDelay(interval time.Duration) time.Duration {
	if a.config.FallbackDelay < interval {
		return a.config.FallbackDelay
	}
	delay := interval / 2
	if delay < minFallbackDelay {
		delay = minFallbackDelay
	}
	return delay
}

// cycle lets a started poll finish after ctx is cancelled, for at most the drain timeout
func (a *Agent) cycle(ctx context.Context, setting model.Setting) error {
	pollCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	defer cancel()

	stop := context.AfterFunc(ctx, func() {
		drain := time.NewTimer(a.config.DrainTimeout)
		defer drain.Stop()
		select {
		case <-drain.C:
			cancel()
		case <-pollCtx.Done():
		}
	})
	defer stop()

	return a.PollOnce(pollCtx, setting)
}
