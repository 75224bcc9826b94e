package logcollection

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/core-tools/hsu-monitor/pkg/errors"
	"github.com/core-tools/hsu-monitor/pkg/logging"
	"github.com/core-tools/hsu-monitor/pkg/model"
)

// DefaultMaxQueuedPerProcess bounds each per-process queue between drains
const DefaultMaxQueuedPerProcess = 10000

type BufferOptions struct {
	// MaxQueuedPerProcess caps each queue, oldest entries are dropped first
	MaxQueuedPerProcess int

	// Now timestamps captured lines
	Now func() time.Time

	// OnCapture and OnDrop observe capture activity, for metrics
	OnCapture func(stream StreamType)
	OnDrop    func(count int)
}

// Buffer queues captured log lines per process until the collector drains them.
// Entries not drained before exit are lost.
type Buffer struct {
	mu     sync.Mutex
	queues map[int][]model.LogEntry

	maxQueued int
	now       func() time.Time
	onCapture func(StreamType)
	onDrop    func(int)
	logger    logging.Logger

	totalCaptured int64 // atomic
	totalDropped  int64 // atomic
}

var (
	_ LogCollector = (*Buffer)(nil)
	_ LogQueue     = (*Buffer)(nil)
)

func NewBuffer(options BufferOptions, logger logging.Logger) *Buffer {
	maxQueued := options.MaxQueuedPerProcess
	if maxQueued <= 0 {
		maxQueued = DefaultMaxQueuedPerProcess
	}
	now := options.Now
	if now == nil {
		now = time.Now
	}
	return &Buffer{
		queues:    make(map[int][]model.LogEntry),
		maxQueued: maxQueued,
		now:       now,
		onCapture: options.OnCapture,
		onDrop:    options.OnDrop,
		logger:    logger,
	}
}

// FormatMessage renders a captured line as "[name] line" without one trailing newline
func FormatMessage(processName, line string) string {
	line = strings.TrimSuffix(line, "\n")
	line = strings.TrimSuffix(line, "\r")
	return fmt.Sprintf("[%s] %s", processName, line)
}

func (b *Buffer) Capture(processID int, processName string, stream StreamType, line string) {
	entry := model.LogEntry{
		Type:      stream.LogType(),
		Message:   FormatMessage(processName, line),
		CreatedAt: b.now(),
	}

	b.mu.Lock()
	queue := append(b.queues[processID], entry)
	dropped := 0
	if len(queue) > b.maxQueued {
		dropped = len(queue) - b.maxQueued
		queue = append([]model.LogEntry(nil), queue[dropped:]...)
	}
	b.queues[processID] = queue
	b.mu.Unlock()

	atomic.AddInt64(&b.totalCaptured, 1)
	if b.onCapture != nil {
		b.onCapture(stream)
	}
	if dropped > 0 {
		b.recordDropped(dropped)
	}
}

func (b *Buffer) recordDropped(count int) {
	atomic.AddInt64(&b.totalDropped, int64(count))
	if b.onDrop != nil {
		b.onDrop(count)
	}
}

func (b *Buffer) Drain(processID int) []model.LogEntry {
	b.mu.Lock()
	defer b.mu.Unlock()

	entries := b.queues[processID]
	delete(b.queues, processID)
	return entries
}

func (b *Buffer) Requeue(processID int, entries []model.LogEntry) {
	if len(entries) == 0 {
		return
	}

	b.mu.Lock()
	queue := make([]model.LogEntry, 0, len(entries)+len(b.queues[processID]))
	queue = append(queue, entries...)
	queue = append(queue, b.queues[processID]...)
	dropped := 0
	if len(queue) > b.maxQueued {
		dropped = len(queue) - b.maxQueued
		queue = queue[dropped:]
	}
	b.queues[processID] = queue
	b.mu.Unlock()

	if dropped > 0 {
		b.recordDropped(dropped)
	}
}

func (b *Buffer) Retain(ids []int) {
	keep := make(map[int]struct{}, len(ids))
	for _, id := range ids {
		keep[id] = struct{}{}
	}

	b.mu.Lock()
	var discarded int
	for id, queue := range b.queues {
		if _, ok := keep[id]; !ok {
			discarded += len(queue)
			delete(b.queues, id)
		}
	}
	b.mu.Unlock()

	if discarded > 0 {
		b.logger.Debugf("Discarded %d queued log entries of departed processes", discarded)
	}
}

// Consume captures events until ctx is done or events is closed
func (b *Buffer) Consume(ctx context.Context, events <-chan LogEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			b.Capture(event.ProcessID, event.ProcessName, event.Stream, event.Data)
		}
	}
}

// CollectFromStream reads stream until EOF, capturing every line
func (b *Buffer) CollectFromStream(processID int, processName string, stream io.Reader, streamType StreamType) error {
	err := ScanLines(stream, func(line string) {
		b.Capture(processID, processName, streamType, line)
	})
	if err != nil {
		return errors.NewIOError("error reading from stream", err).
			WithContext("process_name", processName).
			WithContext("stream", string(streamType))
	}
	return nil
}

func (b *Buffer) Status() BufferStatus {
	b.mu.Lock()
	status := BufferStatus{QueuedProcesses: len(b.queues)}
	for _, queue := range b.queues {
		status.QueuedEntries += len(queue)
	}
	b.mu.Unlock()

	status.TotalCaptured = atomic.LoadInt64(&b.totalCaptured)
	status.TotalDropped = atomic.LoadInt64(&b.totalDropped)
	return status
}
