package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/core-tools/hsu-monitor/pkg/access"
	"github.com/core-tools/hsu-monitor/pkg/aggregation"
	"github.com/core-tools/hsu-monitor/pkg/logging"
	"github.com/core-tools/hsu-monitor/pkg/model"
	"github.com/core-tools/hsu-monitor/pkg/observability"
	"github.com/core-tools/hsu-monitor/pkg/settings"
	"github.com/core-tools/hsu-monitor/pkg/store"
	"github.com/core-tools/hsu-monitor/pkg/store/memstore"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fixture struct {
	server   *Server
	store    *memstore.MemStore
	settings *settings.Provider
	host     model.Host
	api      model.ManagedProcess
	db       model.ManagedProcess
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()

	s := memstore.New(memstore.Options{})
	host, err := s.UpsertHost(ctx, "uuid-1", "alpha", time.Now())
	require.NoError(t, err)
	apiProcess, err := s.UpsertProcess(ctx, host.ID, model.ProcessUpdate{ProcessManagerID: 0, Name: "api", Status: model.ProcessStatusOnline},
		[]model.LogEntry{{Type: model.LogTypeError, Message: "[api] boom", CreatedAt: time.Now()}}, 100)
	require.NoError(t, err)
	dbProcess, err := s.UpsertProcess(ctx, host.ID, model.ProcessUpdate{ProcessManagerID: 1, Name: "db", Status: model.ProcessStatusOnline},
		[]model.LogEntry{{Type: model.LogTypeSuccess, Message: "[db] ready", CreatedAt: time.Now()}}, 100)
	require.NoError(t, err)
	_, err = s.UpsertProcess(ctx, host.ID, model.ProcessUpdate{ProcessManagerID: 2, Name: aggregation.DaemonProcessName, Status: model.ProcessStatusOnline}, nil, 100)
	require.NoError(t, err)

	_, err = s.PutUser(ctx, model.User{ID: "admin", Name: "Admin", ACL: access.ACL{Admin: true}})
	require.NoError(t, err)
	_, err = s.PutUser(ctx, model.User{ID: "operator", Name: "Operator", ACL: access.ACL{Hosts: []access.HostEntry{{
		HostID: host.ID,
		Mask:   access.ViewLogs | access.ViewMonitoring | access.Restart,
		Processes: []access.ProcessOverride{
			{ProcessID: dbProcess.ID, Mask: access.None},
		},
	}}}})
	require.NoError(t, err)
	_, err = s.PutUser(ctx, model.User{ID: "nobody", Name: "Nobody"})
	require.NoError(t, err)

	provider := settings.NewProvider(s, 0, logging.NewNullLogger())
	server := NewServer(Dependencies{
		Store:    s,
		Querier:  aggregation.NewQuerier(s, s, s, logging.NewNullLogger()),
		Settings: provider,
		Metrics:  observability.NewMetrics(),
	}, Config{}, logging.NewNullLogger())

	return &fixture{server: server, store: s, settings: provider, host: host, api: apiProcess, db: dbProcess}
}

func (f *fixture) do(t *testing.T, method, path, user string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	if user != "" {
		req.Header.Set(UserHeader, user)
	}
	w := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(w, req)
	return w
}

func (f *fixture) disableShowcase(t *testing.T) {
	t.Helper()
	setting := model.DefaultSetting()
	setting.ShowcaseMode = false
	require.NoError(t, f.settings.Put(context.Background(), setting))
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v))
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	w := f.do(t, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAuthentication(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name     string
		showcase bool
		method   string
		path     string
		user     string
		want     int
	}{
		{"guest reads in showcase mode", true, http.MethodGet, "/v1/incidents", "", http.StatusOK},
		{"guest cannot control", true, http.MethodPost, "/v1/processes/x/restart", "", http.StatusUnauthorized},
		{"unknown user", true, http.MethodGet, "/v1/incidents", "ghost", http.StatusUnauthorized},
		{"anonymous without showcase", false, http.MethodGet, "/v1/incidents", "", http.StatusUnauthorized},
		{"known user without showcase", false, http.MethodGet, "/v1/incidents", "nobody", http.StatusOK},
		{"admin route as operator", true, http.MethodPut, "/v1/settings", "operator", http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setting := model.DefaultSetting()
			setting.ShowcaseMode = tt.showcase
			require.NoError(t, f.settings.Put(context.Background(), setting))

			w := f.do(t, tt.method, tt.path, tt.user, model.DefaultSetting())
			assert.Equal(t, tt.want, w.Code, w.Body.String())
		})
	}
}

func TestDashboard(t *testing.T) {
	f := newFixture(t)

	var response struct {
		Servers []aggregation.DashboardHost `json:"servers"`
	}

	w := f.do(t, http.MethodGet, "/v1/dashboard?excludeDaemon=true", "operator", nil)
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &response)
	require.Len(t, response.Servers, 1)
	assert.True(t, response.Servers[0].Live)
	names := []string{}
	for _, p := range response.Servers[0].Processes {
		names = append(names, p.Name)
		assert.Empty(t, p.Logs)
	}
	// db is overridden to no permissions, the daemon is excluded
	assert.Equal(t, []string{"api"}, names)

	w = f.do(t, http.MethodGet, "/v1/dashboard", "nobody", nil)
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &response)
	assert.Empty(t, response.Servers)

	w = f.do(t, http.MethodGet, "/v1/dashboard?excludeDaemon=maybe", "admin", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDashboard_ControlCountersNeedControlCapability(t *testing.T) {
	f := newFixture(t)
	_, err := f.store.IncrementControl(context.Background(), f.api.ID, model.ActionRestart)
	require.NoError(t, err)

	apiProcess := func(user string) (model.ManagedProcess, string) {
		t.Helper()
		w := f.do(t, http.MethodGet, "/v1/dashboard", user, nil)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		var response struct {
			Servers []aggregation.DashboardHost `json:"servers"`
		}
		decode(t, w, &response)
		require.Len(t, response.Servers, 1)
		for _, p := range response.Servers[0].Processes {
			if p.ID == f.api.ID {
				return p, w.Body.String()
			}
		}
		t.Fatalf("process %s missing from dashboard", f.api.ID)
		return model.ManagedProcess{}, ""
	}

	process, _ := apiProcess("operator")
	assert.Equal(t, int64(1), process.Control.Restart)

	// showcase guests only read
	process, body := apiProcess("")
	assert.True(t, process.Control.IsZero())
	assert.NotContains(t, body, `"control"`)
}

func TestControl(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/v1/processes/"+f.api.ID+"/restart", "operator", nil)
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())
	var process model.ManagedProcess
	decode(t, w, &process)
	assert.Equal(t, int64(1), process.Control.Restart)

	tests := []struct {
		name string
		path string
		want int
	}{
		{"missing capability", "/v1/processes/" + f.api.ID + "/stop", http.StatusForbidden},
		{"overridden process", "/v1/processes/" + f.db.ID + "/restart", http.StatusForbidden},
		{"unknown action", "/v1/processes/" + f.api.ID + "/explode", http.StatusBadRequest},
		{"unknown process", "/v1/processes/missing/restart", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := f.do(t, http.MethodPost, tt.path, "operator", nil)
			assert.Equal(t, tt.want, w.Code, w.Body.String())
		})
	}

	stored, err := f.store.GetProcess(context.Background(), f.api.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ControlCounters{Restart: 1}, stored.Control)
}

func TestStats_FiltersByMonitoringPermission(t *testing.T) {
	f := newFixture(t)
	now := time.Now()
	require.NoError(t, f.store.AppendSamples(context.Background(),
		model.StatSample{ID: "a", Source: model.SampleSource{HostID: f.host.ID, ProcessID: f.api.ID}, CPU: 10, Timestamp: now},
		model.StatSample{ID: "b", Source: model.SampleSource{HostID: f.host.ID, ProcessID: f.db.ID}, CPU: 90, Timestamp: now},
	))

	w := f.do(t, http.MethodGet, "/v1/stats?bucket=60&processIds="+f.api.ID+","+f.db.ID, "operator", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var series aggregation.Series
	decode(t, w, &series)
	require.Len(t, series.Buckets, 1)
	require.NotNil(t, series.Buckets[0].ProcessCPU)
	assert.Equal(t, 10.0, *series.Buckets[0].ProcessCPU)

	for _, bucket := range []string{"abc", "86401", "36028797018963967"} {
		w = f.do(t, http.MethodGet, "/v1/stats?bucket="+bucket+"&processIds="+f.api.ID, "operator", nil)
		assert.Equal(t, http.StatusBadRequest, w.Code, "bucket=%s", bucket)
	}

	w = f.do(t, http.MethodGet, "/v1/stats?bucket=86400&processIds="+f.api.ID, "operator", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestLogsAndIncidents(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodGet, "/v1/logs?processIds="+f.api.ID+","+f.db.ID, "operator", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var logs []model.LogEntry
	decode(t, w, &logs)
	require.Len(t, logs, 1)
	assert.Equal(t, "[api] boom", logs[0].Message)

	w = f.do(t, http.MethodGet, "/v1/logs?limit=0", "operator", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(t, http.MethodGet, "/v1/incidents", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var incidents []aggregation.Incident
	decode(t, w, &incidents)
	require.Len(t, incidents, 1)
	assert.Equal(t, "alpha", incidents[0].HostName)

	w = f.do(t, http.MethodGet, "/v1/incidents", "nobody", nil)
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &incidents)
	assert.Empty(t, incidents)
}

func TestSettings(t *testing.T) {
	f := newFixture(t)
	setting := model.DefaultSetting()
	setting.ProcessPin = "4321"
	require.NoError(t, f.settings.Put(context.Background(), setting))

	var got model.Setting
	w := f.do(t, http.MethodGet, "/v1/settings", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	decode(t, w, &got)
	assert.Empty(t, got.ProcessPin)

	w = f.do(t, http.MethodGet, "/v1/settings", "admin", nil)
	decode(t, w, &got)
	assert.Equal(t, "4321", got.ProcessPin)

	invalid := model.DefaultSetting()
	invalid.LogRotation = 0
	w = f.do(t, http.MethodPut, "/v1/settings", "admin", invalid)
	assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())

	updated := model.DefaultSetting()
	updated.LogRotation = 50
	w = f.do(t, http.MethodPut, "/v1/settings", "admin", updated)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, 50, f.settings.Get(context.Background()).LogRotation)
}

func TestVerifyPin(t *testing.T) {
	f := newFixture(t)

	w := f.do(t, http.MethodPost, "/v1/settings/pin", "", pinRequest{Pin: "anything"})
	assert.Equal(t, http.StatusOK, w.Code, "no pin configured")

	setting := model.DefaultSetting()
	setting.ProcessPin = "4321"
	require.NoError(t, f.settings.Put(context.Background(), setting))

	w = f.do(t, http.MethodPost, "/v1/settings/pin", "", pinRequest{Pin: "0000"})
	assert.Equal(t, http.StatusForbidden, w.Code)
	w = f.do(t, http.MethodPost, "/v1/settings/pin", "", pinRequest{Pin: "4321"})
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestUserACLAndCommonBaseline(t *testing.T) {
	f := newFixture(t)

	acl := access.ACL{Hosts: []access.HostEntry{{HostID: f.host.ID, Mask: access.ViewLogs | access.Stop}}}
	w := f.do(t, http.MethodPut, "/v1/users/nobody/acl", "admin", acl)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	user, err := f.store.GetUser(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Equal(t, acl, user.ACL)

	w = f.do(t, http.MethodPut, "/v1/users/ghost/acl", "admin", acl)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = f.do(t, http.MethodPost, "/v1/acl/common", "admin", baselineRequest{
		UserIDs: []string{"nobody", "operator"},
		Targets: []baselineTarget{{HostID: f.host.ID, ProcessIDs: []string{f.api.ID}}},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var baseline []access.HostEntry
	decode(t, w, &baseline)
	require.Len(t, baseline, 1)
	assert.Equal(t, access.ViewLogs, baseline[0].Mask)
	require.Len(t, baseline[0].Processes, 1)
	assert.Equal(t, access.ViewLogs, baseline[0].Processes[0].Mask)

	w = f.do(t, http.MethodPost, "/v1/acl/common", "admin", map[string]interface{}{"users": []string{}})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	f.do(t, http.MethodGet, "/health", "", nil)

	w := f.do(t, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `hsu_monitor_api_requests_total{code="200",route="/health"} 1`)
}

func TestProcessFeed(t *testing.T) {
	f := newFixture(t)
	ts := httptest.NewServer(f.server.Handler())
	defer ts.Close()

	header := http.Header{}
	header.Set(UserHeader, "operator")
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(ts.URL, "http")+"/v1/ws/processes", header)
	require.NoError(t, err)
	defer conn.Close()

	// the subscription is registered asynchronously after the upgrade, so keep changing records until one arrives
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(20 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				_, _ = f.store.IncrementControl(context.Background(), f.db.ID, model.ActionRestart)
				_, _ = f.store.IncrementControl(context.Background(), f.api.ID, model.ActionRestart)
			}
		}
	}()

	var event processEvent
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	require.NoError(t, conn.ReadJSON(&event))

	// db changes are invisible to the operator
	assert.Equal(t, f.api.ID, event.ProcessID)
	require.NotNil(t, event.Process)
	assert.Empty(t, event.Process.Logs)
	assert.NotZero(t, event.Process.Control.Restart)
}

func TestVisibleEvent(t *testing.T) {
	process := model.ManagedProcess{
		ID:      "p1",
		HostID:  "h1",
		Logs:    []model.LogEntry{{Message: "line"}},
		Control: model.ControlCounters{Stop: 2},
	}
	change := store.ProcessChange{ProcessID: process.ID, Process: process}

	operator := access.Principal{UserID: "op", ACL: access.ACL{}.WithPermission("h1", "", access.ViewLogs|access.Stop)}
	event, ok := visibleEvent(operator, change)
	require.True(t, ok)
	assert.Nil(t, event.Process.Logs)
	assert.Equal(t, int64(2), event.Process.Control.Stop)

	event, ok = visibleEvent(access.NewGuest(), change)
	require.True(t, ok)
	assert.True(t, event.Process.Control.IsZero())

	_, ok = visibleEvent(access.Principal{UserID: "stranger"}, change)
	assert.False(t, ok)

	event, ok = visibleEvent(access.Principal{UserID: "stranger"}, store.ProcessChange{ProcessID: "p1", Deleted: true})
	require.True(t, ok)
	assert.True(t, event.Deleted)
	assert.Nil(t, event.Process)
}
