// Package storetest holds behavior checks shared by every store backend.
package storetest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/core-tools/hsu-monitor/pkg/access"
	"github.com/core-tools/hsu-monitor/pkg/errors"
	"github.com/core-tools/hsu-monitor/pkg/model"
	"github.com/core-tools/hsu-monitor/pkg/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory returns a fresh, empty store. The suite closes it.
type Factory func(t *testing.T) store.Store

var base = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func RunConformance(t *testing.T, factory Factory) {
	tests := []struct {
		name string
		run  func(t *testing.T, s store.Store)
	}{
		{"HostUpsertByUUID", testHostUpsertByUUID},
		{"HostHeartbeatMonotonic", testHostHeartbeatMonotonic},
		{"ProcessUpsertKeyedByHostAndPMID", testProcessUpsertKeyed},
		{"ProcessUpsertUnknownHost", testProcessUpsertUnknownHost},
		{"ProcessLogRingTrimmed", testProcessLogRing},
		{"ProcessUpsertPreservesControl", testProcessUpsertPreservesControl},
		{"DeleteProcessesNotIn", testDeleteProcessesNotIn},
		{"ControlIncrementAndReset", testControl},
		{"RecentSamplesScopeOrderLimit", testRecentSamples},
		{"RecentSamplesSince", testRecentSamplesSince},
		{"RecentSamplesRejectsMixedScope", testRecentSamplesMixed},
		{"Settings", testSettings},
		{"Users", testUsers},
		{"WatchProcesses", testWatch},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := factory(t)
			defer s.Close()
			tt.run(t, s)
		})
	}
}

func mustHost(t *testing.T, s store.Store, uuid, name string) model.Host {
	t.Helper()
	h, err := s.UpsertHost(context.Background(), uuid, name, base)
	require.NoError(t, err)
	return h
}

func mustProcess(t *testing.T, s store.Store, hostID string, pmID int, name string) model.ManagedProcess {
	t.Helper()
	p, err := s.UpsertProcess(context.Background(), hostID, model.ProcessUpdate{
		ProcessManagerID: pmID,
		Name:             name,
		Status:           model.ProcessStatusOnline,
		Kind:             "fork",
	}, nil, 10)
	require.NoError(t, err)
	return p
}

func testHostUpsertByUUID(t *testing.T, s store.Store) {
	ctx := context.Background()

	first := mustHost(t, s, "uuid-a", "alpha")
	assert.NotEmpty(t, first.ID)

	again, err := s.UpsertHost(ctx, "uuid-a", "alpha-renamed", base.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, "alpha-renamed", again.Name)

	mustHost(t, s, "uuid-b", "beta")

	hosts, err := s.ListHosts(ctx)
	require.NoError(t, err)
	assert.Len(t, hosts, 2)

	got, err := s.GetHost(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, "alpha-renamed", got.Name)

	_, err = s.GetHost(ctx, "missing")
	assert.True(t, errors.IsNotFoundError(err))

	_, err = s.UpsertHost(ctx, "", "nameless", base)
	assert.True(t, errors.IsValidationError(err))
}

func testHostHeartbeatMonotonic(t *testing.T, s store.Store) {
	ctx := context.Background()
	h := mustHost(t, s, "uuid-a", "alpha")

	_, err := s.UpsertHost(ctx, "uuid-a", "alpha", base.Add(10*time.Second))
	require.NoError(t, err)
	got, err := s.UpsertHost(ctx, "uuid-a", "alpha", base.Add(5*time.Second))
	require.NoError(t, err)

	assert.Equal(t, h.ID, got.ID)
	assert.True(t, got.Heartbeat.Equal(base.Add(10*time.Second)), "heartbeat went backwards: %v", got.Heartbeat)
}

func testProcessUpsertKeyed(t *testing.T, s store.Store) {
	ctx := context.Background()
	a := mustHost(t, s, "uuid-a", "alpha")
	b := mustHost(t, s, "uuid-b", "beta")

	p1 := mustProcess(t, s, a.ID, 0, "api")
	p2 := mustProcess(t, s, a.ID, 0, "api-renamed")
	p3 := mustProcess(t, s, b.ID, 0, "api")

	assert.Equal(t, p1.ID, p2.ID)
	assert.NotEqual(t, p1.ID, p3.ID)
	assert.Equal(t, "api-renamed", p2.Name)
	assert.Equal(t, a.ID, p2.HostID)

	onA, err := s.ListProcesses(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, onA, 1)
	assert.Equal(t, "api-renamed", onA[0].Name)

	all, err := s.ListProcesses(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	got, err := s.GetProcess(ctx, p3.ID)
	require.NoError(t, err)
	assert.Equal(t, b.ID, got.HostID)

	_, err = s.GetProcess(ctx, "missing")
	assert.True(t, errors.IsNotFoundError(err))
}

func testProcessUpsertUnknownHost(t *testing.T, s store.Store) {
	_, err := s.UpsertProcess(context.Background(), "no-such-host", model.ProcessUpdate{Name: "api"}, nil, 10)
	assert.True(t, errors.IsNotFoundError(err))
}

func testProcessLogRing(t *testing.T, s store.Store) {
	ctx := context.Background()
	h := mustHost(t, s, "uuid-a", "alpha")
	update := model.ProcessUpdate{ProcessManagerID: 3, Name: "worker", Status: model.ProcessStatusOnline}

	var logs []model.LogEntry
	for i := 0; i < 4; i++ {
		logs = append(logs, model.LogEntry{Type: model.LogTypeSuccess, Message: fmt.Sprintf("[worker] line %d", i), CreatedAt: base.Add(time.Duration(i) * time.Second)})
	}
	_, err := s.UpsertProcess(ctx, h.ID, update, logs, 3)
	require.NoError(t, err)

	more := []model.LogEntry{{Type: model.LogTypeError, Message: "[worker] boom", CreatedAt: base.Add(10 * time.Second)}}
	p, err := s.UpsertProcess(ctx, h.ID, update, more, 3)
	require.NoError(t, err)

	require.Len(t, p.Logs, 3)
	assert.Equal(t, "[worker] line 2", p.Logs[0].Message)
	assert.Equal(t, "[worker] line 3", p.Logs[1].Message)
	assert.Equal(t, "[worker] boom", p.Logs[2].Message)
	assert.Equal(t, model.LogTypeError, p.Logs[2].Type)

	stored, err := s.GetProcess(ctx, p.ID)
	require.NoError(t, err)
	assert.Len(t, stored.Logs, 3)
}

func testProcessUpsertPreservesControl(t *testing.T, s store.Store) {
	ctx := context.Background()
	h := mustHost(t, s, "uuid-a", "alpha")
	p := mustProcess(t, s, h.ID, 1, "api")

	_, err := s.IncrementControl(ctx, p.ID, model.ActionRestart)
	require.NoError(t, err)

	again := mustProcess(t, s, h.ID, 1, "api")
	assert.Equal(t, int64(1), again.Control.Restart)
}

func testDeleteProcessesNotIn(t *testing.T, s store.Store) {
	ctx := context.Background()
	a := mustHost(t, s, "uuid-a", "alpha")
	b := mustHost(t, s, "uuid-b", "beta")
	for pm := 0; pm < 3; pm++ {
		mustProcess(t, s, a.ID, pm, fmt.Sprintf("p%d", pm))
	}
	mustProcess(t, s, b.ID, 7, "other")

	removed, err := s.DeleteProcessesNotIn(ctx, a.ID, []int{0, 2})
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	onA, err := s.ListProcesses(ctx, a.ID)
	require.NoError(t, err)
	require.Len(t, onA, 2)
	assert.Equal(t, 0, onA[0].ProcessManagerID)
	assert.Equal(t, 2, onA[1].ProcessManagerID)

	onB, err := s.ListProcesses(ctx, b.ID)
	require.NoError(t, err)
	assert.Len(t, onB, 1)

	// a re-registered process gets a fresh record
	p1 := mustProcess(t, s, a.ID, 1, "p1")
	assert.Equal(t, int64(0), p1.Control.Restart)

	removed, err = s.DeleteProcessesNotIn(ctx, a.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, removed)
}

func testControl(t *testing.T, s store.Store) {
	ctx := context.Background()
	h := mustHost(t, s, "uuid-a", "alpha")
	p := mustProcess(t, s, h.ID, 0, "api")

	for i := 0; i < 3; i++ {
		_, err := s.IncrementControl(ctx, p.ID, model.ActionRestart)
		require.NoError(t, err)
	}
	got, err := s.IncrementControl(ctx, p.ID, model.ActionStop)
	require.NoError(t, err)
	assert.Equal(t, model.ControlCounters{Restart: 3, Stop: 1}, got.Control)

	require.NoError(t, s.ResetControl(ctx, p.ID, model.ActionRestart))
	got, err = s.GetProcess(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ControlCounters{Stop: 1}, got.Control)

	_, err = s.IncrementControl(ctx, p.ID, model.Action("reboot"))
	assert.True(t, errors.IsValidationError(err))

	_, err = s.IncrementControl(ctx, "missing", model.ActionStop)
	assert.True(t, errors.IsNotFoundError(err))
}

func sample(id, hostID, processID string, offset time.Duration, cpu float64) model.StatSample {
	return model.StatSample{
		ID:        id,
		Source:    model.SampleSource{HostID: hostID, ProcessID: processID},
		CPU:       cpu,
		Memory:    1000,
		Uptime:    int64(offset / time.Millisecond),
		Timestamp: base.Add(offset),
	}
}

func testRecentSamples(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.AppendSamples(ctx,
		sample("h1", "host-a", "", 0, 10),
		sample("h2", "host-a", "", 3*time.Second, 20),
		sample("h3", "host-b", "", 6*time.Second, 30),
		sample("p1", "host-a", "proc-1", time.Second, 1),
		sample("p2", "host-a", "proc-2", 2*time.Second, 2),
		sample("p3", "host-a", "proc-1", 4*time.Second, 3),
		sample("p4", "host-a", "proc-1", 5*time.Second, 4),
	))

	procs, err := s.RecentSamples(ctx, store.SampleQuery{ProcessIDs: []string{"proc-1", "proc-2"}, Limit: 3})
	require.NoError(t, err)
	assert.Equal(t, []string{"p4", "p3", "p2"}, sampleIDs(procs))

	hosts, err := s.RecentSamples(ctx, store.SampleQuery{HostIDs: []string{"host-a"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"h2", "h1"}, sampleIDs(hosts))
	for _, h := range hosts {
		assert.True(t, h.Source.IsHostLevel())
	}

	none, err := s.RecentSamples(ctx, store.SampleQuery{})
	require.NoError(t, err)
	assert.Empty(t, none)

	err = s.AppendSamples(ctx, model.StatSample{ID: "bad", Timestamp: base})
	assert.True(t, errors.IsValidationError(err))
}

func testRecentSamplesSince(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.AppendSamples(ctx,
		sample("p1", "host-a", "proc-1", 0, 1),
		sample("p2", "host-a", "proc-1", 10*time.Second, 2),
		sample("p3", "host-a", "proc-1", 20*time.Second, 3),
	))

	got, err := s.RecentSamples(ctx, store.SampleQuery{ProcessIDs: []string{"proc-1"}, Since: base.Add(10 * time.Second)})
	require.NoError(t, err)
	assert.Equal(t, []string{"p3", "p2"}, sampleIDs(got))
	assert.True(t, got[0].Timestamp.Equal(base.Add(20*time.Second)))
}

func testRecentSamplesMixed(t *testing.T, s store.Store) {
	_, err := s.RecentSamples(context.Background(), store.SampleQuery{ProcessIDs: []string{"p"}, HostIDs: []string{"h"}})
	assert.True(t, errors.IsValidationError(err))
}

func sampleIDs(samples []model.StatSample) []string {
	ids := make([]string, 0, len(samples))
	for _, s := range samples {
		ids = append(ids, s.ID)
	}
	return ids
}

func testSettings(t *testing.T, s store.Store) {
	ctx := context.Background()

	_, found, err := s.GetSetting(ctx)
	require.NoError(t, err)
	assert.False(t, found)

	setting := model.DefaultSetting()
	setting.PollIntervalMs = 5000
	setting.ProcessPin = "1234"
	require.NoError(t, s.PutSetting(ctx, setting))

	got, found, err := s.GetSetting(ctx)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, setting, got)
}

func testUsers(t *testing.T, s store.Store) {
	ctx := context.Background()

	acl := access.ACL{Hosts: []access.HostEntry{{
		HostID:    "host-a",
		Mask:      access.ViewLogs | access.Restart,
		Processes: []access.ProcessOverride{{ProcessID: "proc-1", Mask: access.ViewLogs}},
	}}}
	u, err := s.PutUser(ctx, model.User{Name: "ops", ACL: acl})
	require.NoError(t, err)
	require.NotEmpty(t, u.ID)

	got, err := s.GetUser(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, "ops", got.Name)
	assert.Equal(t, access.ViewLogs, access.Resolve(got.ACL, "host-a", "proc-1"))
	assert.Equal(t, access.ViewLogs|access.Restart, access.Resolve(got.ACL, "host-a", "proc-2"))

	_, err = s.PutUser(ctx, model.User{ID: "fixed", Name: "admin", ACL: access.ACL{Admin: true}})
	require.NoError(t, err)

	users, err := s.ListUsers(ctx)
	require.NoError(t, err)
	assert.Len(t, users, 2)

	_, err = s.GetUser(ctx, "missing")
	assert.True(t, errors.IsNotFoundError(err))
}

func testWatch(t *testing.T, s store.Store) {
	watcher, ok := store.AsWatcher(s)
	if !ok {
		t.Skip("store has no change notifications")
	}

	ctx, cancel := context.WithCancel(context.Background())
	a := mustHost(t, s, "uuid-a", "alpha")
	b := mustHost(t, s, "uuid-b", "beta")

	changes, err := watcher.WatchProcesses(ctx, a.ID)
	require.NoError(t, err)

	p := mustProcess(t, s, a.ID, 0, "api")
	mustProcess(t, s, b.ID, 0, "elsewhere")
	_, err = s.IncrementControl(context.Background(), p.ID, model.ActionStop)
	require.NoError(t, err)
	_, err = s.DeleteProcessesNotIn(context.Background(), a.ID, nil)
	require.NoError(t, err)

	var got []store.ProcessChange
	for len(got) < 3 {
		select {
		case change := <-changes:
			got = append(got, change)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for changes, got %d", len(got))
		}
	}

	assert.Equal(t, p.ID, got[0].ProcessID)
	assert.False(t, got[0].Deleted)
	assert.Equal(t, int64(1), got[1].Process.Control.Stop)
	assert.True(t, got[2].Deleted)
	assert.Equal(t, p.ID, got[2].ProcessID)

	cancel()
	select {
	case _, open := <-changes:
		for open {
			_, open = <-changes
		}
	case <-time.After(2 * time.Second):
		t.Fatal("change channel not closed after cancel")
	}
}
