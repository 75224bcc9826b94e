package store

import (
	"context"
	"sort"
	"sync"

	"github.com/core-tools/hsu-monitor/pkg/errors"
	"github.com/core-tools/hsu-monitor/pkg/model"
)

// DefaultWatchBuffer is the per-subscriber channel capacity of change feeds
const DefaultWatchBuffer = 256

// ValidateSample checks the invariants every persisted sample must hold
func ValidateSample(sample model.StatSample) error {
	if sample.Source.HostID == "" {
		return errors.NewValidationError("sample source host is required", nil).WithContext("sample_id", sample.ID)
	}
	if sample.Timestamp.IsZero() {
		return errors.NewValidationError("sample timestamp is required", nil).WithContext("sample_id", sample.ID)
	}
	if sample.ID == "" {
		return errors.NewValidationError("sample id is required", nil)
	}
	return nil
}

// ValidateSampleQuery rejects queries that select neither or both scopes
func ValidateSampleQuery(query SampleQuery) error {
	if len(query.ProcessIDs) > 0 && len(query.HostIDs) > 0 {
		return errors.NewValidationError("sample query must select either processes or hosts", nil)
	}
	return nil
}

// MatchSample reports whether sample is selected by query
func MatchSample(query SampleQuery, sample model.StatSample) bool {
	if !query.Since.IsZero() && sample.Timestamp.Before(query.Since) {
		return false
	}
	if len(query.ProcessIDs) > 0 {
		return !sample.Source.IsHostLevel() && contains(query.ProcessIDs, sample.Source.ProcessID)
	}
	if len(query.HostIDs) > 0 {
		return sample.Source.IsHostLevel() && contains(query.HostIDs, sample.Source.HostID)
	}
	return false
}

// SortNewestFirst orders samples by timestamp descending, ties by id descending
func SortNewestFirst(samples []model.StatSample) {
	sort.SliceStable(samples, func(i, j int) bool {
		if samples[i].Timestamp.Equal(samples[j].Timestamp) {
			return samples[i].ID > samples[j].ID
		}
		return samples[i].Timestamp.After(samples[j].Timestamp)
	})
}

// ApplyLimit truncates samples to limit when limit is positive
func ApplyLimit(samples []model.StatSample, limit int) []model.StatSample {
	if limit > 0 && len(samples) > limit {
		return samples[:limit]
	}
	return samples
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

// Broadcaster fans process changes out to watch subscribers.
// A subscriber whose channel is full misses the change; onDrop is told about it.
type Broadcaster struct {
	mu          sync.Mutex
	subscribers map[int]*subscriber
	nextID      int
	buffer      int
	onDrop      func(ProcessChange)
}

type subscriber struct {
	hostID string
	ch     chan ProcessChange
}

func NewBroadcaster(buffer int, onDrop func(ProcessChange)) *Broadcaster {
	if buffer <= 0 {
		buffer = DefaultWatchBuffer
	}
	return &Broadcaster{
		subscribers: make(map[int]*subscriber),
		buffer:      buffer,
		onDrop:      onDrop,
	}
}

// Subscribe registers a subscriber until ctx is done
func (b *Broadcaster) Subscribe(ctx context.Context, hostID string) <-chan ProcessChange {
	sub := &subscriber{hostID: hostID, ch: make(chan ProcessChange, b.buffer)}

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subscribers[id] = sub
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		if _, ok := b.subscribers[id]; ok {
			delete(b.subscribers, id)
			close(sub.ch)
		}
		b.mu.Unlock()
	}()

	return sub.ch
}

// Publish delivers change to matching subscribers without blocking.
// hostID is the owner of the changed process.
func (b *Broadcaster) Publish(hostID string, change ProcessChange) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, sub := range b.subscribers {
		if sub.hostID != "" && sub.hostID != hostID {
			continue
		}
		select {
		case sub.ch <- change:
		default:
			if b.onDrop != nil {
				b.onDrop(change)
			}
		}
	}
}

// Close closes every subscriber channel
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, sub := range b.subscribers {
		close(sub.ch)
		delete(b.subscribers, id)
	}
}
