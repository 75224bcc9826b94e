package logcollection

import (
	"context"
	"io"

	"github.com/core-tools/hsu-monitor/pkg/model"
)

// ===== CORE LOG COLLECTION INTERFACES =====

// LogCollector captures log lines of managed processes
type LogCollector interface {
	// Capture records one line emitted by a process on a stream
	Capture(processID int, processName string, stream StreamType, line string)

	// CollectFromStream reads stream line by line until EOF, capturing each line
	CollectFromStream(processID int, processName string, stream io.Reader, streamType StreamType) error

	// Consume captures events until ctx is done or events is closed
	Consume(ctx context.Context, events <-chan LogEvent)
}

// LogQueue is the drain side used by the collector
type LogQueue interface {
	// Drain returns and clears the entries queued for processID, in capture order
	Drain(processID int) []model.LogEntry

	// Requeue puts entries back in front of anything captured since they were drained
	Requeue(processID int, entries []model.LogEntry)

	// Retain discards the queues of every process not in ids
	Retain(ids []int)
}

// ===== CORE TYPES =====

// StreamType identifies the source stream
type StreamType string

const (
	StdoutStream StreamType = "stdout"
	StderrStream StreamType = "stderr"
)

// LogType maps the stream to the log entry type it produces
func (s StreamType) LogType() model.LogType {
	if s == StderrStream {
		return model.LogTypeError
	}
	return model.LogTypeSuccess
}

// LogEvent is one output line published by a process manager
type LogEvent struct {
	ProcessID   int
	ProcessName string
	Stream      StreamType
	Data        string
}

// ===== STATUS TYPES =====

// BufferStatus is a point-in-time view of the buffer
type BufferStatus struct {
	QueuedProcesses int   `json:"queued_processes"`
	QueuedEntries   int   `json:"queued_entries"`
	TotalCaptured   int64 `json:"total_captured"`
	TotalDropped    int64 `json:"total_dropped"`
}
