package metricwriter

import (
	"context"
	stdErrors "errors"
	"testing"
	"time"

	"github.com/core-tools/hsu-monitor/pkg/errors"
	"github.com/core-tools/hsu-monitor/pkg/logging"
	"github.com/core-tools/hsu-monitor/pkg/model"
	"github.com/core-tools/hsu-monitor/pkg/store"
	"github.com/core-tools/hsu-monitor/pkg/store/memstore"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type MockWriter struct {
	mock.Mock
}

func (m *MockWriter) Write(ctx context.Context, samples ...model.StatSample) error {
	args := m.Called(ctx, samples)
	return args.Error(0)
}

type MockPointWriter struct {
	mock.Mock
}

func (m *MockPointWriter) WritePoint(ctx context.Context, point ...*write.Point) error {
	args := m.Called(ctx, point)
	return args.Error(0)
}

var testTime = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func TestStoreWriter_AppendsSamples(t *testing.T) {
	ctx := context.Background()
	stats := memstore.New(memstore.Options{})
	w := NewStoreWriter(stats, logging.NewNullLogger())

	host := HostSample("h1", 10, 100, 1000, 90*time.Second, testTime)
	proc := ProcessSample("h1", "p1", 5, 50, 1000, nil, time.Minute, testTime)
	proc.ID = ""
	require.NoError(t, w.Write(ctx, host, proc))

	got, err := stats.RecentSamples(ctx, store.SampleQuery{HostIDs: []string{"h1"}})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, int64(90000), got[0].Uptime)
	assert.Equal(t, uint64(1000), got[0].MemoryMax)

	got, err = stats.RecentSamples(ctx, store.SampleQuery{ProcessIDs: []string{"p1"}})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.NotEmpty(t, got[0].ID, "missing id is assigned")
}

func TestStoreWriter_RejectsInvalidSamples(t *testing.T) {
	w := NewStoreWriter(memstore.New(memstore.Options{}), logging.NewNullLogger())

	err := w.Write(context.Background(), model.StatSample{Timestamp: testTime})
	assert.True(t, errors.IsValidationError(err))

	err = w.Write(context.Background(), model.StatSample{Source: model.SampleSource{HostID: "h1"}})
	assert.True(t, errors.IsValidationError(err))
}

func TestMultiWriter_MirrorFailureIsNotFatal(t *testing.T) {
	primary := &MockWriter{}
	mirror := &MockWriter{}
	primary.On("Write", mock.Anything, mock.Anything).Return(nil).Once()
	mirror.On("Write", mock.Anything, mock.Anything).Return(stdErrors.New("mirror down")).Once()

	w := NewMultiWriter(logging.NewNullLogger(), primary, mirror)
	require.NoError(t, w.Write(context.Background(), HostSample("h1", 1, 1, 1, time.Second, testTime)))

	primary.AssertExpectations(t)
	mirror.AssertExpectations(t)
}

func TestMultiWriter_PrimaryFailureSkipsMirrors(t *testing.T) {
	primary := &MockWriter{}
	mirror := &MockWriter{}
	primary.On("Write", mock.Anything, mock.Anything).Return(errors.NewIOError("disk full", nil)).Once()

	w := NewMultiWriter(logging.NewNullLogger(), primary, mirror)
	err := w.Write(context.Background(), HostSample("h1", 1, 1, 1, time.Second, testTime))
	assert.True(t, errors.IsIOError(err))
	mirror.AssertNotCalled(t, "Write", mock.Anything, mock.Anything)
}

func TestSamplePoint(t *testing.T) {
	heap := uint64(42)
	tests := []struct {
		name            string
		sample          model.StatSample
		wantMeasurement string
		wantTags        map[string]string
		wantFields      []string
	}{
		{
			name:            "host",
			sample:          HostSample("h1", 10, 100, 1000, time.Second, testTime),
			wantMeasurement: MeasurementHost,
			wantTags:        map[string]string{"host_id": "h1"},
			wantFields:      []string{"cpu", "memory", "memory_max", "uptime"},
		},
		{
			name:            "process with heap",
			sample:          ProcessSample("h1", "p1", 10, 100, 0, &heap, time.Second, testTime),
			wantMeasurement: MeasurementProcess,
			wantTags:        map[string]string{"host_id": "h1", "process_id": "p1"},
			wantFields:      []string{"cpu", "heap_used", "memory", "uptime"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := SamplePoint(tt.sample)
			assert.Equal(t, tt.wantMeasurement, p.Name())
			assert.Equal(t, testTime, p.Time())

			tags := map[string]string{}
			for _, tag := range p.TagList() {
				tags[tag.Key] = tag.Value
			}
			assert.Equal(t, tt.wantTags, tags)

			var fields []string
			for _, field := range p.FieldList() {
				fields = append(fields, field.Key)
			}
			assert.ElementsMatch(t, tt.wantFields, fields)
		})
	}
}

func TestInfluxWriter_WrapsWriteErrors(t *testing.T) {
	points := &MockPointWriter{}
	points.On("WritePoint", mock.Anything, mock.MatchedBy(func(p []*write.Point) bool { return len(p) == 2 })).
		Return(stdErrors.New("connection refused")).Once()

	w := NewInfluxWriter(points, time.Second, logging.NewNullLogger())
	err := w.Write(context.Background(),
		HostSample("h1", 1, 1, 1, time.Second, testTime),
		ProcessSample("h1", "p1", 1, 1, 1, nil, time.Second, testTime),
	)
	assert.True(t, errors.IsIOError(err))
	points.AssertExpectations(t)
}

func TestDialInflux_RequiresTarget(t *testing.T) {
	_, _, err := DialInflux(context.Background(), InfluxConfig{URL: "http://localhost:8086"}, logging.NewNullLogger())
	assert.True(t, errors.IsValidationError(err))
}
