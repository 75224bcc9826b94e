// Package monitor wires the host agent together: store, local process
// manager, log capture, collector loop, command reactor and API server.
package monitor

import (
	"context"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/core-tools/hsu-monitor/pkg/aggregation"
	"github.com/core-tools/hsu-monitor/pkg/api"
	"github.com/core-tools/hsu-monitor/pkg/collector"
	"github.com/core-tools/hsu-monitor/pkg/errors"
	"github.com/core-tools/hsu-monitor/pkg/logcollection"
	"github.com/core-tools/hsu-monitor/pkg/logging"
	"github.com/core-tools/hsu-monitor/pkg/metricwriter"
	"github.com/core-tools/hsu-monitor/pkg/observability"
	"github.com/core-tools/hsu-monitor/pkg/processmanager"
	"github.com/core-tools/hsu-monitor/pkg/reactor"
	"github.com/core-tools/hsu-monitor/pkg/settings"
	"github.com/core-tools/hsu-monitor/pkg/store"
	"github.com/core-tools/hsu-monitor/pkg/store/badgerstore"
	"github.com/core-tools/hsu-monitor/pkg/store/memstore"
	"github.com/core-tools/hsu-monitor/pkg/sysinfo"

	"golang.org/x/sync/errgroup"
)

// Run loads configFile and runs the agent until a signal arrives, ctx is
// cancelled, or runDuration seconds elapsed when it is positive
func Run(ctx context.Context, runDuration int, configFile string, logger logging.Logger) error {
	logger.Infof("Using CONFIGURATION FILE: %s", configFile)

	config, err := LoadConfigFromFile(configFile)
	if err != nil {
		return errors.NewIOError("failed to load configuration", err).WithContext("config_file", configFile)
	}
	if err := ValidateConfig(config); err != nil {
		return errors.NewValidationError("configuration validation failed", err).WithContext("config_file", configFile)
	}
	logger.Infof("Configuration loaded successfully from %s", configFile)

	return RunWithConfig(ctx, runDuration, config, logger)
}

// RunWithConfig runs the agent from an already validated configuration
func RunWithConfig(ctx context.Context, runDuration int, config *MonitorConfig, logger logging.Logger) error {
	logger.Infof("Monitor runner starting...")
	logger.Infof("Platform: OS=%s, Arch=%s, CPUs=%d, Go=%s",
		runtime.GOOS, runtime.GOARCH, runtime.NumCPU(), runtime.Version())

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if runDuration > 0 {
		logger.Infof("Using RUN DURATION of %d seconds", runDuration)
		runCtx, cancel = context.WithTimeout(runCtx, time.Duration(runDuration)*time.Second)
		defer cancel()
	}

	sig := make(chan os.Signal, 1)
	if runtime.GOOS == "windows" {
		signal.Notify(sig, os.Interrupt)
	} else {
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	}
	defer signal.Stop(sig)
	go func() {
		select {
		case received := <-sig:
			logger.Infof("Monitor runner received signal: %v", received)
			cancel()
		case <-runCtx.Done():
		}
	}()

	metrics := observability.NewMetrics()

	st, err := openStore(config.Store, metrics, logging.WithPrefix(logger, "store: "))
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			logger.Errorf("Failed to close store: %v", err)
		}
	}()

	provider := settings.NewProvider(st, config.Monitor.SettingMaxAge, logger)
	if err := provider.EnsureDefault(runCtx); err != nil {
		return errors.NewInternalError("failed to seed default setting", err)
	}

	reader := sysinfo.NewReader()
	manager, err := processmanager.NewLocalManager(config.ManagedProcesses, reader,
		processmanager.ManagerOptions{EventBuffer: config.Monitor.EventBuffer},
		logging.WithPrefix(logger, "processmanager: "))
	if err != nil {
		return errors.NewValidationError("failed to create process manager", err)
	}
	defer func() {
		// runCtx is done here, give the processes a fresh budget to stop gracefully
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), config.Monitor.ShutdownTimeout)
		defer cancelShutdown()
		if err := manager.Shutdown(shutdownCtx); err != nil {
			logger.Errorf("Process manager shutdown finished with errors: %v", err)
		}
	}()

	buffer := logcollection.NewBuffer(logcollection.BufferOptions{
		MaxQueuedPerProcess: config.Monitor.MaxQueuedLogLines,
		OnCapture:           metrics.OnCapture,
		OnDrop:              metrics.OnDrop,
	}, logger)

	if err := manager.Start(runCtx); err != nil {
		// Continue with the processes that did start rather than failing completely
		logger.Errorf("Some managed processes failed to start: %v", err)
	}

	samples, closeSamples := sampleWriter(runCtx, config.Influx, st, logger)
	defer closeSamples()

	agent := collector.NewAgent(collector.Dependencies{
		Hosts:     st,
		Processes: st,
		Samples:   samples,
		Logs:      buffer,
		Lister:    manager,
		System:    reader,
		Settings:  provider,
		Metrics:   metrics,
	}, config.Collector, logging.WithPrefix(logger, "collector: "))

	host, err := agent.Identify(runCtx)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(runCtx)

	g.Go(func() error {
		buffer.Consume(gctx, manager.LogEvents())
		return nil
	})

	g.Go(func() error {
		return agent.Run(gctx)
	})

	commands, err := reactor.New(host.ID, st, manager, metrics, logging.WithPrefix(logger, "reactor: "))
	switch {
	case errors.IsUnavailableError(err):
		logger.Warnf("Store cannot notify about changes, remote control disabled")
	case err != nil:
		cancel()
		_ = g.Wait()
		return err
	default:
		g.Go(func() error {
			return commands.Run(gctx)
		})
	}

	if config.API.Enabled {
		server := api.NewServer(api.Dependencies{
			Store:    st,
			Querier:  aggregation.NewQuerier(st, st, st, logger),
			Settings: provider,
			Metrics:  metrics,
		}, config.API, logging.WithPrefix(logger, "api: "))
		g.Go(func() error {
			return server.Run(gctx)
		})
	} else {
		logger.Infof("API server is DISABLED")
	}

	logger.Infof("Monitor is fully operational, host: %s (%s), managed processes: %d", host.Name, host.ID, len(config.ManagedProcesses))

	err = g.Wait()
	if err != nil {
		logger.Errorf("Monitor component failed: %v", err)
	}

	logger.Infof("Ready to stop monitor...")
	return err
}

func openStore(config StoreConfig, metrics *observability.Metrics, logger logging.Logger) (store.Store, error) {
	switch config.Backend {
	case StoreBackendMemory:
		logger.Infof("Using in-process memory store, data is lost on exit")
		return memstore.New(memstore.Options{
			WatchBuffer:     config.WatchBuffer,
			OnDroppedChange: metrics.OnDroppedChange,
		}), nil
	default:
		badgerConfig := badgerstore.DefaultConfig()
		badgerConfig.Path = config.Path
		badgerConfig.InMemory = config.InMemory
		badgerConfig.GCInterval = config.GCInterval
		badgerConfig.WatchBuffer = config.WatchBuffer
		badgerConfig.OnDroppedChange = metrics.OnDroppedChange
		if config.SyncWrites != nil {
			badgerConfig.SyncWrites = *config.SyncWrites
		}
		return badgerstore.Open(badgerConfig, logger)
	}
}

// sampleWriter writes to the store and mirrors to InfluxDB when configured.
// An unreachable InfluxDB disables the mirror instead of failing startup.
func sampleWriter(ctx context.Context, influx *metricwriter.InfluxConfig, stats store.StatStore, logger logging.Logger) (metricwriter.Writer, func()) {
	primary := metricwriter.NewStoreWriter(stats, logger)
	if influx == nil {
		return primary, func() {}
	}

	mirror, closeMirror, err := metricwriter.DialInflux(ctx, *influx, logging.WithPrefix(logger, "influx: "))
	if err != nil {
		logger.Warnf("InfluxDB mirror disabled: %v", err)
		return primary, func() {}
	}
	return metricwriter.NewMultiWriter(logger, primary, mirror), closeMirror
}
