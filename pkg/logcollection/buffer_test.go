package logcollection

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/core-tools/hsu-monitor/pkg/logging"
	"github.com/core-tools/hsu-monitor/pkg/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedClock() func() time.Time {
	t := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	return func() time.Time {
		t = t.Add(time.Millisecond)
		return t
	}
}

func newTestBuffer(max int) *Buffer {
	return NewBuffer(BufferOptions{MaxQueuedPerProcess: max, Now: fixedClock()}, logging.NewNullLogger())
}

func TestFormatMessage(t *testing.T) {
	tests := []struct {
		name string
		line string
		want string
	}{
		{"plain", "hello", "[api] hello"},
		{"trailing newline", "hello\n", "[api] hello"},
		{"only one newline trimmed", "hello\n\n", "[api] hello\n"},
		{"crlf", "hello\r\n", "[api] hello"},
		{"empty", "", "[api] "},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FormatMessage("api", tt.line))
		})
	}
}

func TestCapture_StreamMapsToType(t *testing.T) {
	b := newTestBuffer(0)
	b.Capture(1, "api", StdoutStream, "ok\n")
	b.Capture(1, "api", StderrStream, "boom\n")

	entries := b.Drain(1)
	require.Len(t, entries, 2)
	assert.Equal(t, model.LogTypeSuccess, entries[0].Type)
	assert.Equal(t, "[api] ok", entries[0].Message)
	assert.Equal(t, model.LogTypeError, entries[1].Type)
	assert.Equal(t, "[api] boom", entries[1].Message)
	assert.True(t, entries[0].CreatedAt.Before(entries[1].CreatedAt))
}

func TestDrain_ClearsAndKeepsOrderPerProcess(t *testing.T) {
	b := newTestBuffer(0)
	for _, line := range []string{"a", "b", "c"} {
		b.Capture(1, "one", StdoutStream, line)
		b.Capture(2, "two", StdoutStream, line)
	}

	one := b.Drain(1)
	assert.Equal(t, []string{"[one] a", "[one] b", "[one] c"}, messages(one))
	assert.Empty(t, b.Drain(1))
	assert.Len(t, b.Drain(2), 3)
}

func TestRequeue_PrependsBeforeNewerCaptures(t *testing.T) {
	b := newTestBuffer(0)
	b.Capture(1, "api", StdoutStream, "first")
	drained := b.Drain(1)

	b.Capture(1, "api", StdoutStream, "second")
	b.Requeue(1, drained)

	assert.Equal(t, []string{"[api] first", "[api] second"}, messages(b.Drain(1)))
}

func TestCap_DropsOldest(t *testing.T) {
	var dropped int
	b := NewBuffer(BufferOptions{MaxQueuedPerProcess: 3, OnDrop: func(n int) { dropped += n }}, logging.NewNullLogger())
	for _, line := range []string{"1", "2", "3", "4", "5"} {
		b.Capture(1, "api", StdoutStream, line)
	}

	assert.Equal(t, []string{"[api] 3", "[api] 4", "[api] 5"}, messages(b.Drain(1)))
	assert.Equal(t, 2, dropped)
	assert.Equal(t, int64(2), b.Status().TotalDropped)
	assert.Equal(t, int64(5), b.Status().TotalCaptured)
}

func TestRetain_DiscardsDepartedProcesses(t *testing.T) {
	b := newTestBuffer(0)
	b.Capture(1, "one", StdoutStream, "x")
	b.Capture(2, "two", StdoutStream, "y")
	b.Capture(3, "three", StdoutStream, "z")

	b.Retain([]int{2})

	status := b.Status()
	assert.Equal(t, 1, status.QueuedProcesses)
	assert.Empty(t, b.Drain(1))
	assert.Len(t, b.Drain(2), 1)
}

func TestConsume_StopsWhenChannelCloses(t *testing.T) {
	b := newTestBuffer(0)
	events := make(chan LogEvent, 3)
	events <- LogEvent{ProcessID: 7, ProcessName: "worker", Stream: StdoutStream, Data: "started\n"}
	events <- LogEvent{ProcessID: 7, ProcessName: "worker", Stream: StderrStream, Data: "failed\n"}
	close(events)

	done := make(chan struct{})
	go func() {
		b.Consume(context.Background(), events)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Consume did not return after channel close")
	}
	assert.Equal(t, []string{"[worker] started", "[worker] failed"}, messages(b.Drain(7)))
}

func TestConsume_StopsOnCancel(t *testing.T) {
	b := newTestBuffer(0)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		b.Consume(ctx, make(chan LogEvent))
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Consume did not return after cancel")
	}
}

func TestCollectFromStream(t *testing.T) {
	b := newTestBuffer(0)
	err := b.CollectFromStream(4, "job", strings.NewReader("one\ntwo\nthree"), StderrStream)
	require.NoError(t, err)

	entries := b.Drain(4)
	assert.Equal(t, []string{"[job] one", "[job] two", "[job] three"}, messages(entries))
	for _, e := range entries {
		assert.Equal(t, model.LogTypeError, e.Type)
	}
}

func messages(entries []model.LogEntry) []string {
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Message)
	}
	return out
}

func TestBuffer_ConcurrentCaptureAndDrain(t *testing.T) {
	const (
		writers   = 4
		perWriter = 2000
	)
	b := NewBuffer(BufferOptions{MaxQueuedPerProcess: writers * perWriter}, logging.NewNullLogger())

	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < perWriter; i++ {
				b.Capture(7, "api", StdoutStream, fmt.Sprintf("%d-%d", w, i))
			}
		}(w)
	}
	captured := make(chan struct{})
	go func() {
		wg.Wait()
		close(captured)
	}()

	seen := make(map[string]int, writers*perWriter)
	collect := func() {
		for _, entry := range b.Drain(7) {
			seen[entry.Message]++
		}
	}
	for done := false; !done; {
		select {
		case <-captured:
			done = true
		default:
		}
		collect()
	}
	collect()

	assert.Len(t, seen, writers*perWriter)
	for message, count := range seen {
		if count != 1 {
			t.Fatalf("%s drained %d times", message, count)
		}
	}
	assert.Equal(t, BufferStatus{TotalCaptured: writers * perWriter}, b.Status())
}
