package monitor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/core-tools/hsu-monitor/pkg/errors"
	"github.com/core-tools/hsu-monitor/pkg/logging"
	"github.com/core-tools/hsu-monitor/pkg/model"
	"github.com/core-tools/hsu-monitor/pkg/processmanager"
	"github.com/core-tools/hsu-monitor/pkg/store/badgerstore"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const helperEnv = "HSU_MONITOR_RUNNER_HELPER"

// TestHelperProcess is the managed process started by the runner tests
func TestHelperProcess(t *testing.T) {
	if os.Getenv(helperEnv) == "" {
		return
	}
	fmt.Println("runner helper ready")
	time.Sleep(time.Minute)
	os.Exit(0)
}

func TestRun_MissingConfigFile(t *testing.T) {
	err := Run(context.Background(), 0, filepath.Join(t.TempDir(), "missing.yaml"), logging.NewNullLogger())
	require.Error(t, err)
	assert.True(t, errors.IsIOError(err))
}

func TestRun_InvalidConfig(t *testing.T) {
	err := Run(context.Background(), 0, writeConfig(t, "store:\n  backend: sqlite\n"), logging.NewNullLogger())
	require.Error(t, err)
	assert.True(t, errors.IsValidationError(err))
}

func TestRunWithConfig_StopsWithContext(t *testing.T) {
	config := &MonitorConfig{Store: StoreConfig{Backend: StoreBackendMemory}}
	setConfigDefaults(config)
	require.NoError(t, ValidateConfig(config))

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- RunWithConfig(ctx, 0, config, logging.NewNullLogger())
	}()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("runner did not stop after cancellation")
	}
}

func TestRunWithConfig_PersistsHostAndProcesses(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("relies on SIGTERM delivery")
	}

	path := filepath.Join(t.TempDir(), "db")
	config := &MonitorConfig{
		Store: StoreConfig{Backend: StoreBackendBadger, Path: path},
		ManagedProcesses: []processmanager.ProcessConfig{{
			Name:            "helper",
			ExecutablePath:  os.Args[0],
			Args:            []string{"-test.run=TestHelperProcess"},
			Environment:     []string{helperEnv + "=1"},
			GracefulTimeout: 2 * time.Second,
		}},
	}
	config.Collector.HostName = "runner-test"
	setConfigDefaults(config)
	require.NoError(t, ValidateConfig(config))

	// the first poll runs right after startup
	require.NoError(t, RunWithConfig(context.Background(), 2, config, logging.NewNullLogger()))

	st, err := badgerstore.Open(badgerstore.Config{Path: path}, logging.NewNullLogger())
	require.NoError(t, err)
	defer st.Close()
	ctx := context.Background()

	hosts, err := st.ListHosts(ctx)
	require.NoError(t, err)
	require.Len(t, hosts, 1)
	assert.Equal(t, "runner-test", hosts[0].Name)

	processes, err := st.ListProcesses(ctx, hosts[0].ID)
	require.NoError(t, err)
	require.Len(t, processes, 1)
	assert.Equal(t, "helper", processes[0].Name)
	assert.Equal(t, 0, processes[0].ProcessManagerID)

	setting, found, err := st.GetSetting(ctx)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, model.DefaultSetting().LogRotation, setting.LogRotation)
}
