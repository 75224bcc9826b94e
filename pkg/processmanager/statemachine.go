package processmanager

import (
	"fmt"
	"sync"
	"time"

	"github.com/core-tools/hsu-monitor/pkg/errors"
	"github.com/core-tools/hsu-monitor/pkg/logging"
	"github.com/core-tools/hsu-monitor/pkg/model"
)

// ProcessState represents the current state of a process in its lifecycle
type ProcessState string

const (
	// ProcessStateRegistered means process is declared but not started
	ProcessStateRegistered ProcessState = "registered"

	// ProcessStateStarting means process start operation is in progress
	ProcessStateStarting ProcessState = "starting"

	// ProcessStateRunning means process is running normally
	ProcessStateRunning ProcessState = "running"

	// ProcessStateStopping means process stop operation is in progress
	ProcessStateStopping ProcessState = "stopping"

	// ProcessStateStopped means process exited cleanly or was stopped
	ProcessStateStopped ProcessState = "stopped"

	// ProcessStateFailed means process failed to start or crashed
	ProcessStateFailed ProcessState = "failed"

	// ProcessStateRestarting means an automatic restart is scheduled
	ProcessStateRestarting ProcessState = "restarting"
)

// Status maps the lifecycle state to the reported process status
func (s ProcessState) Status() model.ProcessStatus {
	switch s {
	case ProcessStateStarting, ProcessStateRunning:
		return model.ProcessStatusOnline
	case ProcessStateFailed, ProcessStateRestarting:
		return model.ProcessStatusErrored
	default:
		return model.ProcessStatusStopped
	}
}

// ProcessStateTransition represents a state transition with metadata
type ProcessStateTransition struct {
	From      ProcessState
	To        ProcessState
	Operation string
	Timestamp time.Time
	Error     error
}

const maxTransitionHistory = 32

var validTransitions = map[ProcessState][]ProcessState{
	ProcessStateRegistered: {
		ProcessStateStarting,
	},
	ProcessStateStarting: {
		ProcessStateRunning, // start success
		ProcessStateFailed,  // start failure
	},
	ProcessStateRunning: {
		ProcessStateStopping, // Stop
		ProcessStateStopped,  // clean exit
		ProcessStateFailed,   // crash
	},
	ProcessStateStopping: {
		ProcessStateStopped,
		ProcessStateFailed,
	},
	ProcessStateStopped: {
		ProcessStateStarting,
		ProcessStateRestarting, // restart_policy always
	},
	ProcessStateFailed: {
		ProcessStateStarting,
		ProcessStateRestarting,
	},
	ProcessStateRestarting: {
		ProcessStateStarting,
		ProcessStateStopped, // Stop while waiting for restart
	},
}

// ProcessStateMachine manages process state transitions with validation
type ProcessStateMachine struct {
	processName  string
	currentState ProcessState
	transitions  []ProcessStateTransition
	mutex        sync.RWMutex
	logger       logging.Logger
}

func NewProcessStateMachine(processName string, logger logging.Logger) *ProcessStateMachine {
	return &ProcessStateMachine{
		processName:  processName,
		currentState: ProcessStateRegistered,
		logger:       logger,
	}
}

func (sm *ProcessStateMachine) GetCurrentState() ProcessState {
	sm.mutex.RLock()
	defer sm.mutex.RUnlock()
	return sm.currentState
}

func (sm *ProcessStateMachine) CanTransition(to ProcessState) bool {
	sm.mutex.RLock()
	defer sm.mutex.RUnlock()
	return canTransition(sm.currentState, to)
}

// Transition changes the process state with validation
func (sm *ProcessStateMachine) Transition(to ProcessState, operation string, err error) error {
	sm.mutex.Lock()
	defer sm.mutex.Unlock()

	if !canTransition(sm.currentState, to) {
		return errors.NewValidationError(
			fmt.Sprintf("invalid state transition from '%s' to '%s'", sm.currentState, to),
			nil,
		).WithContext("process", sm.processName).
			WithContext("from_state", string(sm.currentState)).
			WithContext("to_state", string(to)).
			WithContext("operation", operation)
	}

	from := sm.currentState
	sm.transitions = append(sm.transitions, ProcessStateTransition{
		From:      from,
		To:        to,
		Operation: operation,
		Timestamp: time.Now(),
		Error:     err,
	})
	if len(sm.transitions) > maxTransitionHistory {
		sm.transitions = sm.transitions[len(sm.transitions)-maxTransitionHistory:]
	}
	sm.currentState = to

	if err != nil {
		sm.logger.Warnf("Managed process state transition failed, managed process: %s, %s->%s, operation: %s, error: %v",
			sm.processName, from, to, operation, err)
	} else {
		sm.logger.Infof("Managed process state transition, managed process: %s, %s->%s, operation: %s",
			sm.processName, from, to, operation)
	}

	return nil
}

func canTransition(from, to ProcessState) bool {
	for _, valid := range validTransitions[from] {
		if valid == to {
			return true
		}
	}
	return false
}

// GetTransitionHistory returns the recent transitions, oldest first
func (sm *ProcessStateMachine) GetTransitionHistory() []ProcessStateTransition {
	sm.mutex.RLock()
	defer sm.mutex.RUnlock()

	history := make([]ProcessStateTransition, len(sm.transitions))
	copy(history, sm.transitions)
	return history
}
