package aggregation

import (
	"context"
	"sort"
	"time"

	"github.com/core-tools/hsu-monitor/pkg/model"
	"github.com/core-tools/hsu-monitor/pkg/store"

	"golang.org/x/sync/errgroup"
)

const (
	// samplesPerID bounds the fetched window: the newest 10 samples per requested id
	samplesPerID = 10

	// MaxBucketWidthSeconds is the widest bucket GetSeries honors, one day
	MaxBucketWidthSeconds = 24 * 60 * 60

	// MaxFilledBuckets bounds the buckets materialized per series. A window
	// spanning more buckets than this keeps only its non-empty buckets.
	MaxFilledBuckets = 10000
)

// Bucket is one fixed-width interval of a merged series.
// A nil average marks an interval with no samples of that scope.
type Bucket struct {
	Timestamp     time.Time `json:"timestamp"`
	ProcessCPU    *float64  `json:"processCpu"`
	ProcessMemory *float64  `json:"processRam"`
	ProcessUptime *float64  `json:"processUptime"`
	HostCPU       *float64  `json:"serverCpu"`
	HostMemory    *float64  `json:"serverRam"`
	HostUptime    *float64  `json:"serverUptime"`
}

type Series struct {
	// ProcessUptime and HostUptime are the uptime averages of the most recent bucket
	ProcessUptime float64  `json:"processUptime"`
	HostUptime    float64  `json:"serverUptime"`
	Buckets       []Bucket `json:"stats"`
}

type average struct {
	cpu, memory, uptime float64
	count               int
}

func (a *average) add(sample model.StatSample) {
	a.cpu += sample.CPU
	a.memory += float64(sample.Memory)
	a.uptime += float64(sample.Uptime)
	a.count++
}

func (a average) values() (cpu, memory, uptime *float64) {
	if a.count == 0 {
		return nil, nil, nil
	}
	n := float64(a.count)
	c, m, u := a.cpu/n, a.memory/n, a.uptime/n
	return &c, &m, &u
}

// GetSeries buckets the recent samples of the requested processes and hosts
// and merges both series on bucket timestamp, oldest bucket first
func (q *Querier) GetSeries(ctx context.Context, processIDs, hostIDs []string, bucketWidthSeconds int) (Series, error) {
	if len(processIDs) == 0 && len(hostIDs) == 0 {
		return Series{Buckets: []Bucket{}}, nil
	}
	if bucketWidthSeconds < 1 {
		bucketWidthSeconds = 1
	}
	if bucketWidthSeconds > MaxBucketWidthSeconds {
		bucketWidthSeconds = MaxBucketWidthSeconds
	}
	width := time.Duration(bucketWidthSeconds) * time.Second

	var processSamples, hostSamples []model.StatSample
	g, gctx := errgroup.WithContext(ctx)
	if len(processIDs) > 0 {
		g.Go(func() error {
			var err error
			processSamples, err = q.stats.RecentSamples(gctx, store.SampleQuery{ProcessIDs: processIDs, Limit: windowSize(processIDs)})
			return err
		})
	}
	if len(hostIDs) > 0 {
		g.Go(func() error {
			var err error
			hostSamples, err = q.stats.RecentSamples(gctx, store.SampleQuery{HostIDs: hostIDs, Limit: windowSize(hostIDs)})
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return Series{}, err
	}

	processBuckets := groupBuckets(processSamples, width)
	hostBuckets := groupBuckets(hostSamples, width)

	buckets := mergeBuckets(processBuckets, hostBuckets)
	series := Series{Buckets: buckets}
	if n := len(buckets); n > 0 {
		latest := buckets[n-1]
		if latest.ProcessUptime != nil {
			series.ProcessUptime = *latest.ProcessUptime
		}
		if latest.HostUptime != nil {
			series.HostUptime = *latest.HostUptime
		}
	}
	return series, nil
}

func windowSize(ids []string) int {
	if n := samplesPerID * len(ids); n > 1 {
		return n
	}
	return 1
}

// floorTo truncates t to a multiple of width since the Unix epoch
func floorTo(t time.Time, width time.Duration) time.Time {
	ns := t.UnixNano()
	w := int64(width)
	floored := ns - ns%w
	if ns%w < 0 {
		floored -= w
	}
	return time.Unix(0, floored).UTC()
}

type grouped struct {
	timestamp time.Time
	avg       average
}

// groupBuckets averages samples per floor-truncated timestamp and materializes
// every empty bucket between the oldest and the newest sample, unless that
// would exceed MaxFilledBuckets
func groupBuckets(samples []model.StatSample, width time.Duration) []grouped {
	if len(samples) == 0 {
		return nil
	}

	first, last := samples[0].Timestamp, samples[0].Timestamp
	for _, sample := range samples[1:] {
		if sample.Timestamp.Before(first) {
			first = sample.Timestamp
		}
		if sample.Timestamp.After(last) {
			last = sample.Timestamp
		}
	}

	start := floorTo(first, width)
	span := floorTo(last, width).Sub(start) / width
	if span >= MaxFilledBuckets {
		return sparseBuckets(samples, width)
	}

	buckets := make([]grouped, int(span)+1)
	for i := range buckets {
		buckets[i].timestamp = start.Add(time.Duration(i) * width)
	}
	for _, sample := range samples {
		i := int(floorTo(sample.Timestamp, width).Sub(start) / width)
		buckets[i].avg.add(sample)
	}
	return buckets
}

// sparseBuckets groups samples without filling gaps, oldest bucket first
func sparseBuckets(samples []model.StatSample, width time.Duration) []grouped {
	byTime := make(map[int64]*grouped, len(samples))
	for _, sample := range samples {
		ts := floorTo(sample.Timestamp, width)
		g, ok := byTime[ts.UnixNano()]
		if !ok {
			g = &grouped{timestamp: ts}
			byTime[ts.UnixNano()] = g
		}
		g.avg.add(sample)
	}

	buckets := make([]grouped, 0, len(byTime))
	for _, g := range byTime {
		buckets = append(buckets, *g)
	}
	sort.Slice(buckets, func(i, j int) bool { return buckets[i].timestamp.Before(buckets[j].timestamp) })
	return buckets
}

// mergeBuckets outer-joins both series on timestamp.
// With no process buckets the host series is returned alone.
func mergeBuckets(processBuckets, hostBuckets []grouped) []Bucket {
	byTime := make(map[int64]*Bucket, len(processBuckets)+len(hostBuckets))
	bucketAt := func(ts time.Time) *Bucket {
		key := ts.UnixNano()
		b, ok := byTime[key]
		if !ok {
			b = &Bucket{Timestamp: ts}
			byTime[key] = b
		}
		return b
	}

	for _, g := range processBuckets {
		b := bucketAt(g.timestamp)
		b.ProcessCPU, b.ProcessMemory, b.ProcessUptime = g.avg.values()
	}
	for _, g := range hostBuckets {
		b := bucketAt(g.timestamp)
		b.HostCPU, b.HostMemory, b.HostUptime = g.avg.values()
	}

	buckets := make([]Bucket, 0, len(byTime))
	for _, b := range byTime {
		buckets = append(buckets, *b)
	}
	sort.Slice(buckets, func(i, j int) bool { return buckets[i].Timestamp.Before(buckets[j].Timestamp) })
	return buckets
}
