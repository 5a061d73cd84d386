// Package datadog implements a Datadog backend for the internal/metrics
// package.
//
// The backend buffers observations in memory, submits them on a periodic
// Flush (default once per minute), and performs one final Flush on Close.
// Watcher goroutines can record metrics at any time; Flush snapshots the
// buffers under a mutex (resetting counters and samples, keeping gauges),
// then submits out-of-lock.
package datadog

import (
	"context"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"blueshift/internal/metrics"

	dd "github.com/DataDog/datadog-api-client-go/v2/api/datadog"
	"github.com/DataDog/datadog-api-client-go/v2/api/datadogV2"
)

// Options controls Datadog backend configuration.
type Options struct {
	// Service becomes tag "service:<name>" on every metric. Defaults to
	// "blueshift".
	Service string

	// Tags are extra Datadog tags (e.g. []string{"env:prod"}).
	Tags []string

	// FlushEvery controls how often buffered metrics are submitted.
	// If <= 0, defaults to 60 seconds.
	FlushEvery time.Duration

	// Unexported test seams. Production code never sets these.
	now       func() time.Time
	newTicker func(d time.Duration) *time.Ticker
	submitter metricsSubmitter
}

// metricsSubmitter is the minimal slice of the Datadog SDK needed here.
// Backend depends on this interface instead of *datadogV2.MetricsApi so
// tests can submit to a fake.
type metricsSubmitter interface {
	SubmitMetrics(ctx context.Context, body datadogV2.MetricPayload, params ...datadogV2.SubmitMetricsOptionalParameters) (datadogV2.IntakePayloadAccepted, *http.Response, error)
}

// Backend implements metrics.Backend for Datadog.
type Backend struct {
	ctx context.Context
	api metricsSubmitter

	flushEvery time.Duration
	stopCh     chan struct{}
	doneCh     chan struct{}

	baseTags []string

	now       func() time.Time
	newTicker func(d time.Duration) *time.Ticker

	mu       sync.Mutex
	counters map[seriesKey]float64
	gauges   map[seriesKey]float64
	samples  map[seriesKey][]float64
}

// seriesKey identifies one metric series: name plus its rendered tag set.
type seriesKey struct {
	name string
	tags string
}

// NewBackend constructs a Datadog backend using the official client.
// Client construction performs no network I/O; submission errors surface
// from Flush.
func NewBackend(parent context.Context, opts Options) *Backend {
	service := opts.Service
	if service == "" {
		service = "blueshift"
	}
	flushEvery := opts.FlushEvery
	if flushEvery <= 0 {
		flushEvery = 60 * time.Second
	}

	baseTags := make([]string, 0, 1+len(opts.Tags))
	baseTags = append(baseTags, "service:"+service)
	baseTags = append(baseTags, opts.Tags...)

	nowFn := opts.now
	if nowFn == nil {
		nowFn = time.Now
	}
	newTicker := opts.newTicker
	if newTicker == nil {
		newTicker = time.NewTicker
	}

	submitter := opts.submitter
	if submitter == nil {
		client := dd.NewAPIClient(dd.NewConfiguration())
		submitter = datadogV2.NewMetricsApi(client)
	}

	b := &Backend{
		ctx:        dd.NewDefaultContext(parent),
		api:        submitter,
		flushEvery: flushEvery,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
		baseTags:   baseTags,
		now:        nowFn,
		newTicker:  newTicker,
		counters:   make(map[seriesKey]float64),
		gauges:     make(map[seriesKey]float64),
		samples:    make(map[seriesKey][]float64),
	}

	go b.loop()
	return b
}

func (b *Backend) loop() {
	defer close(b.doneCh)

	t := b.newTicker(b.flushEvery)
	defer t.Stop()

	for {
		select {
		case <-t.C:
			_ = b.Flush()
		case <-b.stopCh:
			return
		}
	}
}

// Close stops the background flush loop and performs one final Flush.
// Close must be called at most once.
func (b *Backend) Close() error {
	close(b.stopCh)
	<-b.doneCh
	return b.Flush()
}

func (b *Backend) key(name string, labels metrics.Labels) seriesKey {
	if len(labels) == 0 {
		return seriesKey{name: name}
	}
	tags := make([]string, 0, len(labels))
	for k, v := range labels {
		tags = append(tags, k+":"+v)
	}
	sort.Strings(tags)
	return seriesKey{name: name, tags: strings.Join(tags, ",")}
}

// IncCounter implements metrics.Backend.
func (b *Backend) IncCounter(name string, delta float64, labels metrics.Labels) {
	if delta <= 0 {
		return
	}
	k := b.key(name, labels)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.counters[k] += delta
}

// AddGauge implements metrics.Backend.
func (b *Backend) AddGauge(name string, delta float64, labels metrics.Labels) {
	k := b.key(name, labels)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.gauges[k] += delta
}

// ObserveHistogram implements metrics.Backend.
func (b *Backend) ObserveHistogram(name string, value float64, labels metrics.Labels) {
	if value < 0 {
		return
	}
	k := b.key(name, labels)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.samples[k] = append(b.samples[k], value)
}

// snapshot detaches the buffered state for out-of-lock submission.
//
// Counters and samples reset each window. Gauges are copied, not reset:
// the +1/-1 deltas around open connections must net out over the process
// lifetime, not per flush window.
type snapshot struct {
	counters map[seriesKey]float64
	gauges   map[seriesKey]float64
	samples  map[seriesKey][]float64
}

func (b *Backend) snapshotAndReset() snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := snapshot{
		counters: b.counters,
		gauges:   make(map[seriesKey]float64, len(b.gauges)),
		samples:  b.samples,
	}
	for k, v := range b.gauges {
		s.gauges[k] = v
	}

	b.counters = make(map[seriesKey]float64)
	b.samples = make(map[seriesKey][]float64)
	return s
}

func (s snapshot) isEmpty() bool {
	return len(s.counters) == 0 && len(s.gauges) == 0 && len(s.samples) == 0
}

// Flush submits buffered metrics to Datadog.
//
// Counter and sample buffers reset even if submission fails; a dropped
// window is acceptable, a blocked watcher is not.
func (b *Backend) Flush() error {
	snap := b.snapshotAndReset()
	if snap.isEmpty() {
		return nil
	}

	nowUnix := b.now().Unix()
	payload := datadogV2.MetricPayload{Series: b.buildSeries(snap, nowUnix)}

	_, _, err := b.api.SubmitMetrics(b.ctx, payload, *datadogV2.NewSubmitMetricsOptionalParameters())
	return err
}

// buildSeries constructs Datadog series for a snapshot at a fixed
// timestamp. Pure: no locks, no network, no clocks.
func (b *Backend) buildSeries(s snapshot, nowUnix int64) []datadogV2.MetricSeries {
	series := make([]datadogV2.MetricSeries, 0, len(s.counters)+len(s.gauges)+5*len(s.samples))

	for k, v := range s.counters {
		if v == 0 {
			continue
		}
		series = append(series, b.series(k, v, datadogV2.METRICINTAKETYPE_COUNT, nowUnix))
	}
	for k, v := range s.gauges {
		series = append(series, b.series(k, v, datadogV2.METRICINTAKETYPE_GAUGE, nowUnix))
	}
	for k, samples := range s.samples {
		if len(samples) == 0 {
			continue
		}
		cp := append([]float64(nil), samples...)
		sort.Float64s(cp)

		percentiles := []struct {
			suffix string
			value  float64
		}{
			{".p50", percentileNearestRank(cp, 0.50)},
			{".p90", percentileNearestRank(cp, 0.90)},
			{".p99", percentileNearestRank(cp, 0.99)},
			{".max", cp[len(cp)-1]},
			{".samples", float64(len(cp))},
		}
		for _, p := range percentiles {
			pk := seriesKey{name: k.name + p.suffix, tags: k.tags}
			series = append(series, b.series(pk, p.value, datadogV2.METRICINTAKETYPE_GAUGE, nowUnix))
		}
	}

	return series
}

func (b *Backend) series(k seriesKey, value float64, typ datadogV2.MetricIntakeType, nowUnix int64) datadogV2.MetricSeries {
	tags := append([]string(nil), b.baseTags...)
	if k.tags != "" {
		tags = append(tags, strings.Split(k.tags, ",")...)
	}
	// Datadog metric names are dotted; the facade uses underscores.
	name := strings.ReplaceAll(k.name, "_", ".")
	return datadogV2.MetricSeries{
		Metric: "blueshift." + name,
		Type:   typ.Ptr(),
		Points: []datadogV2.MetricPoint{
			{Timestamp: dd.PtrInt64(nowUnix), Value: dd.PtrFloat64(value)},
		},
		Tags: tags,
	}
}

func percentileNearestRank(s []float64, p float64) float64 {
	n := len(s)
	if n == 0 {
		return 0
	}
	if p <= 0 {
		return s[0]
	}
	if p >= 1 {
		return s[n-1]
	}
	idx := int(p*float64(n-1) + 0.5)
	if idx < 0 {
		idx = 0
	}
	if idx >= n {
		idx = n - 1
	}
	return s[idx]
}

var _ metrics.Backend = (*Backend)(nil)
