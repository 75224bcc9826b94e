// Package observability holds the agent's own Prometheus metrics
package observability

import (
	"time"

	"github.com/core-tools/hsu-monitor/pkg/logcollection"
	"github.com/core-tools/hsu-monitor/pkg/model"
	"github.com/core-tools/hsu-monitor/pkg/store"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "hsu_monitor"

const (
	ResultSuccess = "success"
	ResultFailure = "failure"
)

type Metrics struct {
	Registry *prometheus.Registry

	PollsTotal        *prometheus.CounterVec
	PollDuration      prometheus.Histogram
	ManagedProcesses  prometheus.Gauge
	LogLinesCaptured  *prometheus.CounterVec
	LogLinesDropped   prometheus.Counter
	ActionsTotal      *prometheus.CounterVec
	WatchDropped      prometheus.Counter
	SamplesWritten    prometheus.Counter
	HTTPRequestsTotal *prometheus.CounterVec
}

// NewMetrics registers every metric on a fresh registry, together with the
// Go runtime and process collectors
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return newMetrics(reg)
}

func newMetrics(reg *prometheus.Registry) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Registry: reg,
		PollsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "collector",
			Name:      "polls_total",
			Help:      "Collector poll cycles by result",
		}, []string{"result"}),
		PollDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "collector",
			Name:      "poll_duration_seconds",
			Help:      "Duration of collector poll cycles",
			Buckets:   prometheus.DefBuckets,
		}),
		ManagedProcesses: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "collector",
			Name:      "managed_processes",
			Help:      "Processes reported by the process manager in the last poll",
		}),
		LogLinesCaptured: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "logs",
			Name:      "captured_total",
			Help:      "Log lines captured by stream",
		}, []string{"stream"}),
		LogLinesDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "logs",
			Name:      "dropped_total",
			Help:      "Queued log lines evicted before being persisted",
		}),
		ActionsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reactor",
			Name:      "actions_total",
			Help:      "Remote control actions executed by action and result",
		}, []string{"action", "result"}),
		WatchDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "store",
			Name:      "watch_dropped_total",
			Help:      "Process change notifications missed by slow subscribers",
		}),
		SamplesWritten: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "collector",
			Name:      "samples_written_total",
			Help:      "Stat samples appended to the store",
		}),
		HTTPRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "requests_total",
			Help:      "API requests by route and status code",
		}, []string{"route", "code"}),
	}
}

// ObservePoll records one finished poll cycle
func (m *Metrics) ObservePoll(started time.Time, err error) {
	m.PollDuration.Observe(time.Since(started).Seconds())
	if err != nil {
		m.PollsTotal.WithLabelValues(ResultFailure).Inc()
		return
	}
	m.PollsTotal.WithLabelValues(ResultSuccess).Inc()
}

func (m *Metrics) ObserveAction(action model.Action, err error) {
	result := ResultSuccess
	if err != nil {
		result = ResultFailure
	}
	m.ActionsTotal.WithLabelValues(string(action), result).Inc()
}

// OnCapture and OnDrop plug into logcollection.BufferOptions
func (m *Metrics) OnCapture(stream logcollection.StreamType) {
	m.LogLinesCaptured.WithLabelValues(string(stream)).Inc()
}

func (m *Metrics) OnDrop(count int) {
	m.LogLinesDropped.Add(float64(count))
}

// OnDroppedChange plugs into the store watch options
func (m *Metrics) OnDroppedChange(store.ProcessChange) {
	m.WatchDropped.Inc()
}
