// Package aggregation answers the read-side queries of the dashboard:
// bucketed stat series, uptime history, incidents, logs and the fleet overview.
package aggregation

import (
	"context"
	"sort"
	"time"

	"github.com/core-tools/hsu-monitor/pkg/logging"
	"github.com/core-tools/hsu-monitor/pkg/model"
	"github.com/core-tools/hsu-monitor/pkg/store"

	"golang.org/x/sync/errgroup"
)

const (
	// MaxIncidents bounds the recent incident feed
	MaxIncidents = 20

	DefaultLogLimit = 100

	// DaemonProcessName is the agent's own process, hidden on request
	DaemonProcessName = "hsu-monitor-daemon"

	uptimeWindow = 24 * time.Hour

	// dashboardConcurrency bounds parallel latest-sample lookups
	dashboardConcurrency = 8
)

// ProcessFilter reports whether a process may be included in a result.
// A nil filter admits everything.
type ProcessFilter func(hostID, processID string) bool

func (f ProcessFilter) allows(hostID, processID string) bool {
	return f == nil || f(hostID, processID)
}

type Querier struct {
	stats     store.StatStore
	hosts     store.HostStore
	processes store.ProcessStore
	logger    logging.Logger
	now       func() time.Time
}

func NewQuerier(stats store.StatStore, hosts store.HostStore, processes store.ProcessStore, logger logging.Logger) *Querier {
	return &Querier{
		stats:     stats,
		hosts:     hosts,
		processes: processes,
		logger:    logger,
		now:       time.Now,
	}
}

type UptimeEntry struct {
	HostID string    `json:"serverId"`
	Hour   time.Time `json:"hour"`
	Online bool      `json:"online"`
}

// GetUptimeHistory lists the hours of the trailing day in which each host
// reported at least one sample. Missing hours mean no data.
func (q *Querier) GetUptimeHistory(ctx context.Context, hostIDs []string) ([]UptimeEntry, error) {
	if len(hostIDs) == 0 {
		return []UptimeEntry{}, nil
	}
	samples, err := q.stats.RecentSamples(ctx, store.SampleQuery{HostIDs: hostIDs, Since: q.now().Add(-uptimeWindow)})
	if err != nil {
		return nil, err
	}

	type key struct {
		hostID string
		hour   int64
	}
	seen := make(map[key]struct{})
	entries := make([]UptimeEntry, 0)
	for _, sample := range samples {
		hour := sample.Timestamp.UTC().Truncate(time.Hour)
		k := key{sample.Source.HostID, hour.Unix()}
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		entries = append(entries, UptimeEntry{HostID: sample.Source.HostID, Hour: hour, Online: true})
	}

	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Hour.Equal(entries[j].Hour) {
			return entries[i].HostID < entries[j].HostID
		}
		return entries[i].Hour.Before(entries[j].Hour)
	})
	return entries, nil
}

type Incident struct {
	ProcessID   string    `json:"processId"`
	ProcessName string    `json:"processName"`
	HostID      string    `json:"serverId"`
	HostName    string    `json:"serverName"`
	Message     string    `json:"message"`
	CreatedAt   time.Time `json:"createdAt"`
}

// GetRecentIncidents returns the newest error log entries across all processes.
// Processes whose host record is missing are skipped.
func (q *Querier) GetRecentIncidents(ctx context.Context, filter ProcessFilter) ([]Incident, error) {
	hosts, err := q.hostNames(ctx)
	if err != nil {
		return nil, err
	}
	processes, err := q.processes.ListProcesses(ctx, "")
	if err != nil {
		return nil, err
	}

	incidents := make([]Incident, 0)
	for _, process := range processes {
		hostName, ok := hosts[process.HostID]
		if !ok || !filter.allows(process.HostID, process.ID) {
			continue
		}
		for _, entry := range process.Logs {
			if entry.Type != model.LogTypeError {
				continue
			}
			incidents = append(incidents, Incident{
				ProcessID:   process.ID,
				ProcessName: process.Name,
				HostID:      process.HostID,
				HostName:    hostName,
				Message:     entry.Message,
				CreatedAt:   entry.CreatedAt,
			})
		}
	}

	sort.SliceStable(incidents, func(i, j int) bool { return incidents[i].CreatedAt.After(incidents[j].CreatedAt) })
	if len(incidents) > MaxIncidents {
		incidents = incidents[:MaxIncidents]
	}
	return incidents, nil
}

func (q *Querier) hostNames(ctx context.Context) (map[string]string, error) {
	hosts, err := q.hosts.ListHosts(ctx)
	if err != nil {
		return nil, err
	}
	names := make(map[string]string, len(hosts))
	for _, host := range hosts {
		names[host.ID] = host.Name
	}
	return names, nil
}

// GetLogs merges the log rings of the requested processes, oldest first,
// keeping the newest limit entries
func (q *Querier) GetLogs(ctx context.Context, processIDs []string, limit int, filter ProcessFilter) ([]model.LogEntry, error) {
	if limit <= 0 {
		limit = DefaultLogLimit
	}

	logs := make([]model.LogEntry, 0)
	for _, id := range processIDs {
		process, err := q.processes.GetProcess(ctx, id)
		if err != nil {
			q.logger.Debugf("Skipping logs of process %s: %v", id, err)
			continue
		}
		if !filter.allows(process.HostID, process.ID) {
			continue
		}
		logs = append(logs, process.Logs...)
	}

	sort.SliceStable(logs, func(i, j int) bool { return logs[i].CreatedAt.Before(logs[j].CreatedAt) })
	if len(logs) > limit {
		logs = logs[len(logs)-limit:]
	}
	return logs, nil
}

type DashboardHost struct {
	model.Host
	Live         bool                   `json:"live"`
	HostCPU      float64                `json:"serverCpu"`
	HostMemory   uint64                 `json:"serverRam"`
	HostUptime   int64                  `json:"serverUptime"`
	LastSampleAt *time.Time             `json:"lastSampleAt,omitempty"`
	Processes    []model.ManagedProcess `json:"processes"`
}

type DashboardOptions struct {
	ExcludeDaemon  bool
	LivenessWindow time.Duration
	Hosts          func(hostID string) bool
	Processes      ProcessFilter

	// Control admits the processes whose control counters are reported,
	// a nil filter reports every process's counters
	Control ProcessFilter
}

// GetDashboard lists every host with its latest host-level sample and its processes without logs
func (q *Querier) GetDashboard(ctx context.Context, options DashboardOptions) ([]DashboardHost, error) {
	hosts, err := q.hosts.ListHosts(ctx)
	if err != nil {
		return nil, err
	}
	processes, err := q.processes.ListProcesses(ctx, "")
	if err != nil {
		return nil, err
	}

	byHost := make(map[string][]model.ManagedProcess)
	for _, process := range processes {
		if options.ExcludeDaemon && process.Name == DaemonProcessName {
			continue
		}
		if !options.Processes.allows(process.HostID, process.ID) {
			continue
		}
		process = process.WithoutLogs()
		if !options.Control.allows(process.HostID, process.ID) {
			process = process.WithoutControl()
		}
		byHost[process.HostID] = append(byHost[process.HostID], process)
	}

	visible := make([]model.Host, 0, len(hosts))
	for _, host := range hosts {
		if options.Hosts == nil || options.Hosts(host.ID) {
			visible = append(visible, host)
		}
	}

	now := q.now()
	result := make([]DashboardHost, len(visible))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(dashboardConcurrency)
	for i, host := range visible {
		g.Go(func() error {
			entry := DashboardHost{
				Host:      host,
				Live:      host.IsLive(now, options.LivenessWindow),
				Processes: byHost[host.ID],
			}
			if entry.Processes == nil {
				entry.Processes = []model.ManagedProcess{}
			}

			latest, err := q.stats.RecentSamples(gctx, store.SampleQuery{HostIDs: []string{host.ID}, Limit: 1})
			if err != nil {
				return err
			}
			if len(latest) == 1 {
				entry.HostCPU = latest[0].CPU
				entry.HostMemory = latest[0].Memory
				entry.HostUptime = latest[0].Uptime
				ts := latest[0].Timestamp
				entry.LastSampleAt = &ts
			}
			result[i] = entry
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return result, nil
}
