package observability

import (
	stdErrors "errors"
	"strings"
	"testing"
	"time"

	"github.com/core-tools/hsu-monitor/pkg/logcollection"
	"github.com/core-tools/hsu-monitor/pkg/model"
	"github.com/core-tools/hsu-monitor/pkg/store"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObservePoll(t *testing.T) {
	m := newMetrics(prometheus.NewRegistry())

	m.ObservePoll(time.Now(), nil)
	m.ObservePoll(time.Now(), nil)
	m.ObservePoll(time.Now(), stdErrors.New("store down"))

	assert.Equal(t, 2.0, testutil.ToFloat64(m.PollsTotal.WithLabelValues(ResultSuccess)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.PollsTotal.WithLabelValues(ResultFailure)))
	assert.Equal(t, 1, testutil.CollectAndCount(m.PollDuration))
}

func TestObserveAction(t *testing.T) {
	m := newMetrics(prometheus.NewRegistry())

	m.ObserveAction(model.ActionRestart, nil)
	m.ObserveAction(model.ActionStop, stdErrors.New("boom"))

	expected := `
# HELP hsu_monitor_reactor_actions_total Remote control actions executed by action and result
# TYPE hsu_monitor_reactor_actions_total counter
hsu_monitor_reactor_actions_total{action="restart",result="success"} 1
hsu_monitor_reactor_actions_total{action="stop",result="failure"} 1
`
	require.NoError(t, testutil.CollectAndCompare(m.ActionsTotal, strings.NewReader(expected)))
}

func TestLogAndWatchHooks(t *testing.T) {
	m := newMetrics(prometheus.NewRegistry())

	m.OnCapture(logcollection.StdoutStream)
	m.OnCapture(logcollection.StderrStream)
	m.OnCapture(logcollection.StderrStream)
	m.OnDrop(5)
	m.OnDroppedChange(store.ProcessChange{})

	assert.Equal(t, 1.0, testutil.ToFloat64(m.LogLinesCaptured.WithLabelValues(string(logcollection.StdoutStream))))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.LogLinesCaptured.WithLabelValues(string(logcollection.StderrStream))))
	assert.Equal(t, 5.0, testutil.ToFloat64(m.LogLinesDropped))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.WatchDropped))
}

func TestNewMetrics_GathersRuntimeCollectors(t *testing.T) {
	m := NewMetrics()
	families, err := m.Registry.Gather()
	require.NoError(t, err)

	names := make(map[string]bool, len(families))
	for _, family := range families {
		names[family.GetName()] = true
	}
	assert.True(t, names["go_goroutines"])
}
