// Package metricwriter persists immutable stat samples.
//
// Samples are append-only: a writer assigns each sample an id if it has none,
// validates it and hands it to the sink. Nothing is ever updated in place.
package metricwriter

import (
	"context"
	"time"

	"github.com/core-tools/hsu-monitor/pkg/errors"
	"github.com/core-tools/hsu-monitor/pkg/logging"
	"github.com/core-tools/hsu-monitor/pkg/model"
	"github.com/core-tools/hsu-monitor/pkg/store"

	"github.com/google/uuid"
)

type Writer interface {
	Write(ctx context.Context, samples ...model.StatSample) error
}

// NewSampleID returns a fresh sample id
func NewSampleID() string {
	return uuid.NewString()
}

// HostSample builds a host-level sample
func HostSample(hostID string, cpu float64, memory, memoryMax uint64, uptime time.Duration, at time.Time) model.StatSample {
	return model.StatSample{
		ID:        NewSampleID(),
		Source:    model.SampleSource{HostID: hostID},
		CPU:       cpu,
		Memory:    memory,
		MemoryMax: memoryMax,
		Uptime:    uptime.Milliseconds(),
		Timestamp: at,
	}
}

// ProcessSample builds a process-level sample
func ProcessSample(hostID, processID string, cpu float64, memory, memoryMax uint64, heapUsed *uint64, uptime time.Duration, at time.Time) model.StatSample {
	return model.StatSample{
		ID:        NewSampleID(),
		Source:    model.SampleSource{HostID: hostID, ProcessID: processID},
		CPU:       cpu,
		Memory:    memory,
		MemoryMax: memoryMax,
		HeapUsed:  heapUsed,
		Uptime:    uptime.Milliseconds(),
		Timestamp: at,
	}
}

// StoreWriter appends samples to the StatStore
type StoreWriter struct {
	stats  store.StatStore
	logger logging.Logger
}

var _ Writer = (*StoreWriter)(nil)

func NewStoreWriter(stats store.StatStore, logger logging.Logger) *StoreWriter {
	return &StoreWriter{stats: stats, logger: logger}
}

func (w *StoreWriter) Write(ctx context.Context, samples ...model.StatSample) error {
	if len(samples) == 0 {
		return nil
	}
	prepared, err := prepare(samples)
	if err != nil {
		return err
	}
	if err := w.stats.AppendSamples(ctx, prepared...); err != nil {
		return err
	}
	w.logger.Debugf("Appended %d stat samples", len(prepared))
	return nil
}

// prepare copies samples, assigning missing ids, and validates them
func prepare(samples []model.StatSample) ([]model.StatSample, error) {
	prepared := make([]model.StatSample, len(samples))
	for i, sample := range samples {
		if sample.ID == "" {
			sample.ID = NewSampleID()
		}
		if err := store.ValidateSample(sample); err != nil {
			return nil, err
		}
		prepared[i] = sample
	}
	return prepared, nil
}

// MultiWriter writes every sample to a primary writer and then to mirrors.
// Only a primary failure is returned; mirror failures are logged.
type MultiWriter struct {
	primary Writer
	mirrors []Writer
	logger  logging.Logger
}

var _ Writer = (*MultiWriter)(nil)

func NewMultiWriter(logger logging.Logger, primary Writer, mirrors ...Writer) *MultiWriter {
	return &MultiWriter{primary: primary, mirrors: mirrors, logger: logger}
}

func (w *MultiWriter) Write(ctx context.Context, samples ...model.StatSample) error {
	prepared, err := prepare(samples)
	if err != nil {
		return err
	}
	if err := w.primary.Write(ctx, prepared...); err != nil {
		return err
	}

	errs := errors.NewErrorCollection()
	for _, mirror := range w.mirrors {
		errs.Add(mirror.Write(ctx, prepared...))
	}
	if errs.HasErrors() {
		w.logger.Warnf("Failed to mirror %d stat samples: %v", len(prepared), errs.ToError())
	}
	return nil
}
