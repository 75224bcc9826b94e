package metricwriter

import (
	"context"
	"strconv"
	"time"

	"github.com/core-tools/hsu-monitor/pkg/errors"
	"github.com/core-tools/hsu-monitor/pkg/logging"
	"github.com/core-tools/hsu-monitor/pkg/model"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
)

const (
	MeasurementHost    = "host_stats"
	MeasurementProcess = "process_stats"
)

// PointWriter is the part of the InfluxDB blocking write API the mirror needs
type PointWriter interface {
	WritePoint(ctx context.Context, point ...*write.Point) error
}

var _ PointWriter = (api.WriteAPIBlocking)(nil)

type InfluxConfig struct {
	URL     string        `yaml:"url"`
	Token   string        `yaml:"token"`
	Org     string        `yaml:"org"`
	Bucket  string        `yaml:"bucket"`
	Timeout time.Duration `yaml:"timeout,omitempty"`
}

// InfluxWriter mirrors samples into InfluxDB as line protocol points
type InfluxWriter struct {
	points  PointWriter
	timeout time.Duration
	logger  logging.Logger
}

var _ Writer = (*InfluxWriter)(nil)

func NewInfluxWriter(points PointWriter, timeout time.Duration, logger logging.Logger) *InfluxWriter {
	return &InfluxWriter{points: points, timeout: timeout, logger: logger}
}

// DialInflux creates an InfluxDB client and a mirror writing through it.
// The returned close function releases the client.
func DialInflux(ctx context.Context, config InfluxConfig, logger logging.Logger) (*InfluxWriter, func(), error) {
	if config.URL == "" || config.Org == "" || config.Bucket == "" {
		return nil, nil, errors.NewValidationError("influx url, org and bucket are required", nil)
	}

	client := influxdb2.NewClient(config.URL, config.Token)
	health, err := client.Health(ctx)
	if err != nil {
		client.Close()
		return nil, nil, errors.NewUnavailableError("influxdb is not reachable", err).WithContext("url", config.URL)
	}
	logger.Infof("Connected to InfluxDB, url: %s, status: %s", config.URL, health.Status)

	writer := NewInfluxWriter(client.WriteAPIBlocking(config.Org, config.Bucket), config.Timeout, logger)
	return writer, client.Close, nil
}

func (w *InfluxWriter) Write(ctx context.Context, samples ...model.StatSample) error {
	if len(samples) == 0 {
		return nil
	}
	points := make([]*write.Point, 0, len(samples))
	for _, sample := range samples {
		points = append(points, SamplePoint(sample))
	}

	if w.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.timeout)
		defer cancel()
	}
	if err := w.points.WritePoint(ctx, points...); err != nil {
		return errors.NewIOError("failed to write points to influxdb", err).WithContext("points", strconv.Itoa(len(points)))
	}
	return nil
}

// SamplePoint converts a sample to a point tagged with its source
func SamplePoint(sample model.StatSample) *write.Point {
	measurement := MeasurementProcess
	tags := map[string]string{"host_id": sample.Source.HostID}
	if sample.Source.IsHostLevel() {
		measurement = MeasurementHost
	} else {
		tags["process_id"] = sample.Source.ProcessID
	}

	fields := map[string]interface{}{
		"cpu":    sample.CPU,
		"memory": sample.Memory,
		"uptime": sample.Uptime,
	}
	if sample.MemoryMax > 0 {
		fields["memory_max"] = sample.MemoryMax
	}
	if sample.HeapUsed != nil {
		fields["heap_used"] = *sample.HeapUsed
	}
	return influxdb2.NewPoint(measurement, tags, fields, sample.Timestamp)
}
