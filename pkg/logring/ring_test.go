package logring

import (
	"fmt"
	"testing"
	"time"

	"github.com/core-tools/hsu-monitor/pkg/model"

	"github.com/stretchr/testify/assert"
)

func entries(from, to int) []model.LogEntry {
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	out := make([]model.LogEntry, 0, to-from)
	for i := from; i < to; i++ {
		out = append(out, model.LogEntry{
			Type:      model.LogTypeSuccess,
			Message:   fmt.Sprintf("line %d", i),
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		})
	}
	return out
}

func messages(es []model.LogEntry) []string {
	out := make([]string, len(es))
	for i, e := range es {
		out[i] = e.Message
	}
	return out
}

func TestRing_EvictsOldest(t *testing.T) {
	r := New(3)
	r.Append(entries(0, 2)...)
	assert.Equal(t, []string{"line 0", "line 1"}, messages(r.Entries()))

	r.Append(entries(2, 5)...)
	assert.Equal(t, 3, r.Len())
	assert.Equal(t, []string{"line 2", "line 3", "line 4"}, messages(r.Entries()))

	r.Append(entries(5, 6)...)
	assert.Equal(t, []string{"line 3", "line 4", "line 5"}, messages(r.Entries()))
}

func TestRing_NeverExceedsCapacity(t *testing.T) {
	for capacity := 1; capacity < 8; capacity++ {
		r := New(capacity)
		for batch := 0; batch < 10; batch++ {
			r.Append(entries(batch*3, batch*3+batch)...)
			assert.LessOrEqual(t, r.Len(), capacity)
		}
	}
}

func TestRing_DefaultCapacity(t *testing.T) {
	assert.Equal(t, DefaultCapacity, New(0).Cap())
	assert.Equal(t, DefaultCapacity, New(-5).Cap())
}

func TestMerge(t *testing.T) {
	merged := Merge(4, entries(0, 3), entries(3, 6))
	assert.Equal(t, []string{"line 2", "line 3", "line 4", "line 5"}, messages(merged))

	assert.Empty(t, Merge(4, nil, nil))
	assert.Len(t, FromEntries(2, entries(0, 10)).Entries(), 2)
}
