// Package reactor executes remote control actions requested through the
// control counters of persisted process records.
//
// Operators increment a counter; the reactor observes the change, invokes
// the matching process manager action and resets the counter to zero. Several
// increments between two observations collapse into one execution. A failed
// action leaves its counter set so the next change event or the startup
// replay retries it.
package reactor

import (
	"context"
	"strconv"

	"github.com/core-tools/hsu-monitor/pkg/errors"
	"github.com/core-tools/hsu-monitor/pkg/logging"
	"github.com/core-tools/hsu-monitor/pkg/model"
	"github.com/core-tools/hsu-monitor/pkg/observability"
	"github.com/core-tools/hsu-monitor/pkg/store"
)

// ActionInvoker performs process manager actions by process manager id
type ActionInvoker interface {
	Restart(ctx context.Context, id int) error
	Stop(ctx context.Context, id int) error
	Delete(ctx context.Context, id int) error
}

type Reactor struct {
	hostID    string
	processes store.ProcessStore
	watcher   store.ProcessWatcher
	invoker   ActionInvoker
	metrics   *observability.Metrics
	logger    logging.Logger
}

// New returns an unavailable error when the store cannot notify about changes
func New(hostID string, processes store.ProcessStore, invoker ActionInvoker, metrics *observability.Metrics, logger logging.Logger) (*Reactor, error) {
	watcher, ok := store.AsWatcher(processes)
	if !ok {
		return nil, errors.NewUnavailableError("store does not support change notifications", nil)
	}
	if hostID == "" {
		return nil, errors.NewValidationError("host id is required", nil)
	}
	return &Reactor{
		hostID:    hostID,
		processes: processes,
		watcher:   watcher,
		invoker:   invoker,
		metrics:   metrics,
		logger:    logger,
	}, nil
}

// Run subscribes to process changes of the host, replays pending counters
// and handles changes until ctx is cancelled
func (r *Reactor) Run(ctx context.Context) error {
	changes, err := r.watcher.WatchProcesses(ctx, r.hostID)
	if err != nil {
		return err
	}
	r.logger.Infof("Reactor started, host: %s", r.hostID)

	// subscribed first so increments made during the replay are not missed
	if err := r.replay(ctx); err != nil {
		r.logger.Errorf("Failed to replay pending control requests: %v", err)
	}

	for {
		select {
		case <-ctx.Done():
			r.logger.Infof("Reactor stopped")
			return nil
		case change, ok := <-changes:
			if !ok {
				r.logger.Infof("Reactor stopped, change feed closed")
				return nil
			}
			if change.Deleted || change.Process.Control.IsZero() {
				continue
			}
			r.handle(ctx, change.ProcessID)
		}
	}
}

func (r *Reactor) replay(ctx context.Context) error {
	processes, err := r.processes.ListProcesses(ctx, r.hostID)
	if err != nil {
		return err
	}
	for _, process := range processes {
		if !process.Control.IsZero() {
			r.logger.Infof("Replaying pending control request of process %s", process.Name)
			r.handle(ctx, process.ID)
		}
	}
	return nil
}

// handle re-reads the record; the event payload may be stale
func (r *Reactor) handle(ctx context.Context, processID string) {
	process, err := r.processes.GetProcess(ctx, processID)
	if err != nil {
		if !errors.IsNotFoundError(err) {
			r.logger.Errorf("Failed to read process %s: %v", processID, err)
		}
		return
	}
	if process.HostID != r.hostID {
		return
	}

	for _, action := range model.Actions {
		if process.Control.Get(action) == 0 {
			continue
		}

		err := r.invoke(ctx, action, process.ProcessManagerID)
		if r.metrics != nil {
			r.metrics.ObserveAction(action, err)
		}
		if err != nil {
			r.logger.Errorf("Failed to %s process %s, pm id: %d, counter kept for retry: %v", action, process.Name, process.ProcessManagerID, err)
			continue
		}
		r.logger.Infof("Executed remote %s of process %s, pm id: %d", action, process.Name, process.ProcessManagerID)

		if err := r.processes.ResetControl(ctx, process.ID, action); err != nil {
			if errors.IsNotFoundError(err) {
				// deleted by the action itself or by the collector
				return
			}
			r.logger.Errorf("Failed to reset %s counter of process %s: %v", action, process.Name, err)
		}
	}
}

func (r *Reactor) invoke(ctx context.Context, action model.Action, pmID int) error {
	switch action {
	case model.ActionRestart:
		return r.invoker.Restart(ctx, pmID)
	case model.ActionStop:
		return r.invoker.Stop(ctx, pmID)
	case model.ActionDelete:
		return r.invoker.Delete(ctx, pmID)
	default:
		return errors.NewValidationError("unknown action", nil).WithContext("action", string(action)).WithContext("pm_id", strconv.Itoa(pmID))
	}
}
