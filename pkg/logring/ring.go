package logring

import "github.com/core-tools/hsu-monitor/pkg/model"

// DefaultCapacity is used when a non-positive capacity is requested
const DefaultCapacity = model.DefaultLogRotation

// Ring is a fixed-capacity log ring. Appending to a full ring evicts the oldest entry.
// Ring is not safe for concurrent use.
type Ring struct {
	buf   []model.LogEntry
	start int
	size  int
}

func New(capacity int) *Ring {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Ring{buf: make([]model.LogEntry, capacity)}
}

// FromEntries builds a ring holding the newest capacity entries of entries (oldest first)
func FromEntries(capacity int, entries []model.LogEntry) *Ring {
	r := New(capacity)
	r.Append(entries...)
	return r
}

func (r *Ring) Append(entries ...model.LogEntry) {
	capacity := len(r.buf)
	if len(entries) > capacity {
		entries = entries[len(entries)-capacity:]
	}
	for _, e := range entries {
		if r.size < capacity {
			r.buf[(r.start+r.size)%capacity] = e
			r.size++
			continue
		}
		r.buf[r.start] = e
		r.start = (r.start + 1) % capacity
	}
}

// Entries returns a copy of the ring contents, oldest first
func (r *Ring) Entries() []model.LogEntry {
	out := make([]model.LogEntry, r.size)
	for i := 0; i < r.size; i++ {
		out[i] = r.buf[(r.start+i)%len(r.buf)]
	}
	return out
}

func (r *Ring) Len() int { return r.size }
func (r *Ring) Cap() int { return len(r.buf) }

// Merge appends entries to existing and trims the result to capacity, oldest evicted first
func Merge(capacity int, existing, entries []model.LogEntry) []model.LogEntry {
	r := New(capacity)
	r.Append(existing...)
	r.Append(entries...)
	return r.Entries()
}
