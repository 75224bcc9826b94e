package processmanager

import (
	"context"
	stdErrors "errors"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/core-tools/hsu-monitor/pkg/errors"
	"github.com/core-tools/hsu-monitor/pkg/logcollection"
	"github.com/core-tools/hsu-monitor/pkg/logging"
)

const forceKillTimeout = 5 * time.Second

// localProcess runs one declared process and restarts it per its policy
type localProcess struct {
	id     int
	config ProcessConfig
	sm     *ProcessStateMachine
	emit   func(logcollection.LogEvent)
	logger logging.Logger

	mu            sync.Mutex
	cmd           *exec.Cmd
	done          chan struct{}
	startedAt     time.Time
	stopRequested bool
	deleted       bool
	restartTimer  *time.Timer
	restarts      int
}

func newLocalProcess(id int, config ProcessConfig, emit func(logcollection.LogEvent), logger logging.Logger) *localProcess {
	return &localProcess{
		id:     id,
		config: config,
		sm:     NewProcessStateMachine(config.Name, logger),
		emit:   emit,
		logger: logger,
	}
}

func (p *localProcess) start() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.startLocked("start")
}

func (p *localProcess) startLocked(operation string) error {
	if p.deleted {
		return errors.NewNotFoundError("process was deleted", nil).WithContext("process", p.config.Name)
	}
	if p.cmd != nil {
		return nil
	}
	if p.restartTimer != nil {
		p.restartTimer.Stop()
		p.restartTimer = nil
	}
	if err := p.sm.Transition(ProcessStateStarting, operation, nil); err != nil {
		return err
	}

	cmd := exec.Command(p.config.ExecutablePath, p.config.Args...)
	cmd.Dir = p.config.WorkingDirectory
	cmd.Env = append(os.Environ(), p.config.Environment...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return p.failStartLocked(operation, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return p.failStartLocked(operation, err)
	}
	if err := cmd.Start(); err != nil {
		return p.failStartLocked(operation, err)
	}

	p.cmd = cmd
	p.done = make(chan struct{})
	p.startedAt = time.Now()
	p.stopRequested = false
	if err := p.sm.Transition(ProcessStateRunning, operation, nil); err != nil {
		p.logger.Errorf("Unexpected state after start, process: %s, error: %v", p.config.Name, err)
	}
	p.logger.Infof("Process started, process: %s, PID: %d", p.config.Name, cmd.Process.Pid)

	var readers sync.WaitGroup
	readers.Add(2)
	go p.streamReader(&readers, stdout, logcollection.StdoutStream)
	go p.streamReader(&readers, stderr, logcollection.StderrStream)
	go p.wait(cmd, p.done, &readers)

	return nil
}

func (p *localProcess) failStartLocked(operation string, cause error) error {
	err := errors.NewProcessError("failed to start process", cause).
		WithContext("process", p.config.Name).
		WithContext("executable_path", p.config.ExecutablePath)
	_ = p.sm.Transition(ProcessStateFailed, operation, err)
	return err
}

func (p *localProcess) streamReader(readers *sync.WaitGroup, stream io.Reader, streamType logcollection.StreamType) {
	defer readers.Done()

	err := logcollection.ScanLines(stream, func(line string) {
		p.emit(logcollection.LogEvent{
			ProcessID:   p.id,
			ProcessName: p.config.Name,
			Stream:      streamType,
			Data:        line,
		})
	})
	if err != nil {
		p.logger.Warnf("Error reading %s of process %s: %v", streamType, p.config.Name, err)
		// keep draining so the child never blocks on a full pipe
		_, _ = io.Copy(io.Discard, stream)
	}
}

// wait reaps the child, records the exit and schedules a restart per policy
func (p *localProcess) wait(cmd *exec.Cmd, done chan struct{}, readers *sync.WaitGroup) {
	defer close(done)

	readers.Wait()
	exitErr := cmd.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cmd == cmd {
		p.cmd = nil
	}

	switch {
	case p.stopRequested:
		_ = p.sm.Transition(ProcessStateStopped, "stop", nil)
		return
	case exitErr != nil:
		_ = p.sm.Transition(ProcessStateFailed, "exit", exitErr)
	default:
		_ = p.sm.Transition(ProcessStateStopped, "exit", nil)
	}

	if p.deleted || !p.shouldRestart(exitErr) {
		return
	}
	if err := p.sm.Transition(ProcessStateRestarting, "auto-restart", nil); err != nil {
		return
	}
	p.logger.Infof("Scheduling restart of process %s in %v", p.config.Name, p.config.RestartDelay)
	p.restartTimer = time.AfterFunc(p.config.RestartDelay, p.autoRestart)
}

func (p *localProcess) shouldRestart(exitErr error) bool {
	switch p.config.RestartPolicy {
	case RestartAlways:
		return true
	case RestartOnFailure:
		return exitErr != nil
	default:
		return false
	}
}

func (p *localProcess) autoRestart() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.deleted || p.sm.GetCurrentState() != ProcessStateRestarting {
		return
	}
	p.restartTimer = nil
	p.restarts++
	if err := p.startLocked("auto-restart"); err != nil {
		p.logger.Errorf("Automatic restart of process %s failed: %v", p.config.Name, err)
	}
}

// stop terminates the child gracefully, killing it after the graceful timeout
func (p *localProcess) stop(ctx context.Context) error {
	p.mu.Lock()
	if p.restartTimer != nil {
		p.restartTimer.Stop()
		p.restartTimer = nil
		_ = p.sm.Transition(ProcessStateStopped, "stop", nil)
	}
	if p.cmd == nil {
		p.mu.Unlock()
		return nil
	}
	if err := p.sm.Transition(ProcessStateStopping, "stop", nil); err != nil {
		p.mu.Unlock()
		return err
	}
	p.stopRequested = true
	proc := p.cmd.Process
	done := p.done
	gracefulTimeout := p.config.GracefulTimeout
	p.mu.Unlock()

	return p.terminate(ctx, proc, done, gracefulTimeout)
}

func (p *localProcess) terminate(ctx context.Context, proc *os.Process, done chan struct{}, gracefulTimeout time.Duration) error {
	pid := proc.Pid
	p.logger.Infof("Sending termination signal to PID %d, timeout: %v", pid, gracefulTimeout)

	if err := proc.Signal(syscall.SIGTERM); err != nil {
		// no SIGTERM on this platform, or the process already exited
		p.logger.Debugf("Termination signal to PID %d failed: %v", pid, err)
	} else {
		select {
		case <-done:
			p.logger.Infof("Process PID %d terminated gracefully", pid)
			return nil
		case <-time.After(gracefulTimeout):
			p.logger.Warnf("Process PID %d did not terminate within %v, forcing termination", pid, gracefulTimeout)
		case <-ctx.Done():
			p.logger.Warnf("Context cancelled during graceful termination of PID %d, forcing termination", pid)
		}
	}

	if err := proc.Kill(); err != nil && !stdErrors.Is(err, os.ErrProcessDone) {
		return errors.NewProcessError("failed to kill process", err).WithContext("pid", strconv.Itoa(pid))
	}

	select {
	case <-done:
		return nil
	case <-time.After(forceKillTimeout):
		return errors.NewProcessError("process did not terminate even after force termination", nil).WithContext("pid", strconv.Itoa(pid))
	case <-ctx.Done():
		return errors.NewCancelledError("termination cancelled", ctx.Err()).WithContext("pid", strconv.Itoa(pid))
	}
}

func (p *localProcess) restart(ctx context.Context) error {
	if err := p.stop(ctx); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.restarts++
	return p.startLocked("restart")
}

func (p *localProcess) remove(ctx context.Context) error {
	p.mu.Lock()
	p.deleted = true
	p.mu.Unlock()
	return p.stop(ctx)
}

type processSnapshot struct {
	state     ProcessState
	pid       int
	startedAt time.Time
	restarts  int
}

func (p *localProcess) snapshot() processSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := processSnapshot{state: p.sm.GetCurrentState(), restarts: p.restarts}
	if p.cmd != nil && p.cmd.Process != nil {
		s.pid = p.cmd.Process.Pid
		s.startedAt = p.startedAt
	}
	return s
}
