// Package datadog implements a Datadog backend for the internal/metrics package.
//
// NOTE ABOUT FLUSHING:
// The server is long-running, so submitting metrics only at shutdown would be
// useless for dashboards. Instead we:
//
//   - buffer observations in-memory (fast, lock-protected)
//   - periodically Flush() on a ticker (default: once per minute)
//   - Flush() one final time on Close()
//
// Concurrency model:
//   - request handlers call IncCounter/ObserveHistogram at any time
//   - Flush snapshots+resets buffers under a mutex, then submits out-of-lock
//   - the flush loop calls Flush() periodically; Close() stops the loop
//
// If the process is killed with SIGKILL/OOM, Close() won't run (no backend can
// fix that).
package datadog

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"bizmon/internal/metrics"

	dd "github.com/DataDog/datadog-api-client-go/v2/api/datadog"
	"github.com/DataDog/datadog-api-client-go/v2/api/datadogV2"
)

// Options controls Datadog backend configuration.
type Options struct {
	// JobName becomes tag "job:<name>" on every metric.
	// If empty, defaults to "bizmon".
	JobName string

	// Tags are extra Datadog tags (e.g. []string{"env:prod", "service:bizmon"}).
	Tags []string

	// FlushEvery controls how often buffered metrics are submitted to Datadog.
	// If <= 0, defaults to 60 seconds.
	FlushEvery time.Duration

	// The following fields are unexported test seams.
	//
	// Production code never sets them; unit tests set them to avoid real
	// network submission and nondeterministic clocks/tickers.
	now       func() time.Time
	newTicker func(d time.Duration) *time.Ticker
	submitter metricsSubmitter
}

// metricsSubmitter is the minimal interface needed to submit metrics.
//
// The Datadog SDK exposes a concrete *datadogV2.MetricsApi, which cannot be
// stubbed without real HTTP. Backend depends on this interface instead,
// enabling deterministic tests with a fake submitter.
type metricsSubmitter interface {
	SubmitMetrics(ctx context.Context, body datadogV2.MetricPayload, params ...datadogV2.SubmitMetricsOptionalParameters) (datadogV2.IntakePayloadAccepted, *http.Response, error)
}

// Backend implements metrics.Backend for Datadog.
type Backend struct {
	api metricsSubmitter
	ctx context.Context

	flushEvery time.Duration
	stopCh     chan struct{}
	doneCh     chan struct{}

	baseTags []string

	// now is injected for deterministic tests. Production uses time.Now.
	now func() time.Time

	// newTicker is injected for deterministic tests. Production uses time.NewTicker.
	newTicker func(d time.Duration) *time.Ticker

	mu sync.Mutex

	// Counters.
	uploadCounts map[string]float64 // format\x00status -> count
	rowCounts    map[string]float64 // kind (inserted|duplicate|invalid) -> count
	queryCounts  map[string]float64 // op -> count
	aiCounts     map[string]float64 // provider\x00status -> count
	rejectCounts map[string]float64 // rate-limit scope -> count

	// Histograms (raw samples, reduced to percentiles at flush time).
	requestDur  map[string][]float64 // route\x00status -> seconds
	uploadBytes map[string][]float64 // format -> bytes
	aiDur       map[string][]float64 // provider -> seconds
}

func resolveEnvTag() string {
	if v := strings.TrimSpace(os.Getenv("ENV")); v != "" {
		return "env:" + v
	}
	if v := strings.TrimSpace(os.Getenv("DD_ENV")); v != "" {
		return "env:" + v
	}
	return "env:unknown"
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

// Close stops the background flush loop and performs one final Flush().
//
// Errors:
//   - Returns any error from the final Flush() submission.
//   - Calling Close twice panics (stopCh closed twice). This mirrors typical
//     Go "close once" semantics and is acceptable for process-lifetime backends.
func (b *Backend) Close() error {
	close(b.stopCh)
	<-b.doneCh
	return b.Flush()
}

// NewBackend constructs a Datadog backend using the official client.
//
// Edge cases:
//   - If opts.FlushEvery <= 0, defaults to 60s.
//   - If opts.JobName is empty, defaults to "bizmon".
//   - Environment tag selection uses ENV then DD_ENV, otherwise env:unknown.
//
// Errors:
//   - Returns an error only if internal initialization fails. Datadog client
//     construction itself is not expected to fail; network errors surface
//     during Flush().
func NewBackend(parent context.Context, opts Options) (*Backend, error) {
	job := opts.JobName
	if job == "" {
		job = "bizmon"
	}

	flushEvery := opts.FlushEvery
	if flushEvery <= 0 {
		flushEvery = 60 * time.Second
	}

	envTag := resolveEnvTag()
	baseTags := make([]string, 0, 2+len(opts.Tags))
	baseTags = append(baseTags, envTag, "job:"+job)
	baseTags = append(baseTags, opts.Tags...)

	// Clock / ticker seams.
	nowFn := opts.now
	if nowFn == nil {
		nowFn = time.Now
	}
	newTicker := opts.newTicker
	if newTicker == nil {
		newTicker = time.NewTicker
	}

	// Submitter seam.
	submitter := opts.submitter
	if submitter == nil {
		cfg := dd.NewConfiguration()
		client := dd.NewAPIClient(cfg)
		submitter = datadogV2.NewMetricsApi(client)
	}

	ctx := dd.NewDefaultContext(parent)

	b := &Backend{
		api:        submitter,
		ctx:        ctx,
		flushEvery: flushEvery,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),

		baseTags: baseTags,

		now:       nowFn,
		newTicker: newTicker,

		uploadCounts: make(map[string]float64),
		rowCounts:    make(map[string]float64),
		queryCounts:  make(map[string]float64),
		aiCounts:     make(map[string]float64),
		rejectCounts: make(map[string]float64),

		requestDur:  make(map[string][]float64),
		uploadBytes: make(map[string][]float64),
		aiDur:       make(map[string][]float64),
	}

	go b.loop()
	return b, nil
}

// IncCounter implements metrics.Backend.
func (b *Backend) IncCounter(name string, delta float64, labels metrics.Labels) {
	if delta <= 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	switch name {
	case "bizmon_uploads_total":
		format := labels["format"]
		status := labels["status"]
		if status == "" {
			status = "unknown"
		}
		b.uploadCounts[pairKey(format, status)] += delta

	case "bizmon_rows_total":
		kind := labels["kind"]
		if kind == "" {
			return
		}
		b.rowCounts[kind] += delta

	case "bizmon_queries_total":
		op := labels["op"]
		if op == "" {
			op = "unknown"
		}
		b.queryCounts[op] += delta

	case "bizmon_ai_requests_total":
		provider := labels["provider"]
		status := labels["status"]
		if status == "" {
			status = "unknown"
		}
		b.aiCounts[pairKey(provider, status)] += delta

	case "bizmon_ratelimit_rejected_total":
		scope := labels["scope"]
		if scope == "" {
			return
		}
		b.rejectCounts[scope] += delta

	default:
		// Ignore unknown metrics by design.
	}
}

// ObserveHistogram implements metrics.Backend.
func (b *Backend) ObserveHistogram(name string, value float64, labels metrics.Labels) {
	if value < 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	switch name {
	case "bizmon_request_duration_seconds":
		route := labels["route"]
		status := labels["status"]
		k := pairKey(route, status)
		b.requestDur[k] = append(b.requestDur[k], value)

	case "bizmon_upload_bytes":
		format := labels["format"]
		if format == "" {
			format = "unknown"
		}
		b.uploadBytes[format] = append(b.uploadBytes[format], value)

	case "bizmon_ai_duration_seconds":
		provider := labels["provider"]
		if provider == "" {
			provider = "unknown"
		}
		b.aiDur[provider] = append(b.aiDur[provider], value)

	default:
		// Ignore unknown histograms by design.
	}
}

// snapshot is the immutable set of buffered metric state used to build a
// flush payload.
//
// Flush() must reset buffers under a lock but must submit out-of-lock;
// snapshot separates (1) collect+reset from (2) payload building+submission.
type snapshot struct {
	uploadCounts map[string]float64
	rowCounts    map[string]float64
	queryCounts  map[string]float64
	aiCounts     map[string]float64
	rejectCounts map[string]float64

	requestDur  map[string][]float64
	uploadBytes map[string][]float64
	aiDur       map[string][]float64
}

// snapshotAndReset grabs current buffered metrics and resets internal buffers.
//
// Concurrency:
//   - Must be called with no lock held.
//   - Takes the lock internally and returns detached maps/slices.
func (b *Backend) snapshotAndReset() snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := snapshot{
		uploadCounts: b.uploadCounts,
		rowCounts:    b.rowCounts,
		queryCounts:  b.queryCounts,
		aiCounts:     b.aiCounts,
		rejectCounts: b.rejectCounts,

		requestDur:  b.requestDur,
		uploadBytes: b.uploadBytes,
		aiDur:       b.aiDur,
	}

	// Reset buffers for the next collection window.
	b.uploadCounts = make(map[string]float64)
	b.rowCounts = make(map[string]float64)
	b.queryCounts = make(map[string]float64)
	b.aiCounts = make(map[string]float64)
	b.rejectCounts = make(map[string]float64)

	b.requestDur = make(map[string][]float64)
	b.uploadBytes = make(map[string][]float64)
	b.aiDur = make(map[string][]float64)

	return s
}

// isEmpty returns true if the snapshot contains no data to submit.
func (s snapshot) isEmpty() bool {
	return len(s.uploadCounts) == 0 &&
		len(s.rowCounts) == 0 &&
		len(s.queryCounts) == 0 &&
		len(s.aiCounts) == 0 &&
		len(s.rejectCounts) == 0 &&
		len(s.requestDur) == 0 &&
		len(s.uploadBytes) == 0 &&
		len(s.aiDur) == 0
}

// Flush submits buffered metrics to Datadog and resets local buffers.
//
// Errors:
//   - Returns any error from Datadog submission.
//   - Returns nil if there is nothing to submit.
//
// Edge cases:
//   - Flush is safe to call concurrently with IncCounter/ObserveHistogram.
//   - Flush resets buffers even if submission fails, to keep request handlers
//     fast and avoid unbounded growth. If you need "at least once" delivery,
//     that is a different architecture.
func (b *Backend) Flush() error {
	snap := b.snapshotAndReset()
	if snap.isEmpty() {
		return nil
	}

	nowUnix := b.now().Unix()

	series := b.buildSeries(snap, nowUnix)
	payload := datadogV2.MetricPayload{Series: series}

	_, _, err := b.api.SubmitMetrics(b.ctx, payload, *datadogV2.NewSubmitMetricsOptionalParameters())
	return err
}

// buildSeries constructs Datadog series for a snapshot at a fixed timestamp.
//
// It is pure (no locks, no network, no clocks), which makes it easy to unit
// test, and it centralizes naming/tagging behavior, which is an operational
// contract.
func (b *Backend) buildSeries(s snapshot, nowUnix int64) []datadogV2.MetricSeries {
	addCount := func(metric string, value float64, tags []string) datadogV2.MetricSeries {
		return datadogV2.MetricSeries{
			Metric: metric,
			Type:   datadogV2.METRICINTAKETYPE_COUNT.Ptr(),
			Points: []datadogV2.MetricPoint{
				{Timestamp: dd.PtrInt64(nowUnix), Value: dd.PtrFloat64(value)},
			},
			Tags: tags,
		}
	}

	series := make([]datadogV2.MetricSeries, 0, len(s.uploadCounts)+len(s.rowCounts)+32)

	for k, v := range s.uploadCounts {
		if v == 0 {
			continue
		}
		format, status := splitPairKey(k)
		tags := withTags(b.baseTags, "format:"+format, "status:"+status)
		series = append(series, addCount("bizmon.uploads.total", v, tags))
	}

	for kind, v := range s.rowCounts {
		if v == 0 {
			continue
		}
		tags := withTags(b.baseTags, "kind:"+kind)
		series = append(series, addCount("bizmon.rows.total", v, tags))
	}

	for op, v := range s.queryCounts {
		if v == 0 {
			continue
		}
		tags := withTags(b.baseTags, "op:"+op)
		series = append(series, addCount("bizmon.queries.total", v, tags))
	}

	for k, v := range s.aiCounts {
		if v == 0 {
			continue
		}
		provider, status := splitPairKey(k)
		tags := withTags(b.baseTags, "provider:"+provider, "status:"+status)
		series = append(series, addCount("bizmon.ai.requests.total", v, tags))
	}

	for scope, v := range s.rejectCounts {
		if v == 0 {
			continue
		}
		tags := withTags(b.baseTags, "scope:"+scope)
		series = append(series, addCount("bizmon.ratelimit.rejected.total", v, tags))
	}

	for k, samples := range s.requestDur {
		route, status := splitPairKey(k)
		tags := withTags(b.baseTags, "route:"+route, "status:"+status)
		addPercentiles(&series, tags, "bizmon.request.duration_seconds", samples, nowUnix)
	}
	for format, samples := range s.uploadBytes {
		tags := withTags(b.baseTags, "format:"+format)
		addPercentiles(&series, tags, "bizmon.upload.bytes", samples, nowUnix)
	}
	for provider, samples := range s.aiDur {
		tags := withTags(b.baseTags, "provider:"+provider)
		addPercentiles(&series, tags, "bizmon.ai.duration_seconds", samples, nowUnix)
	}

	return series
}

// addPercentiles appends a fixed set of percentile gauges for a sample set.
func addPercentiles(series *[]datadogV2.MetricSeries, tags []string, metricPrefix string, samples []float64, nowUnix int64) {
	if len(samples) == 0 {
		return
	}

	cp := append([]float64(nil), samples...)
	sort.Float64s(cp)

	*series = append(*series, gaugeSeries(metricPrefix+".p50", percentileNearestRank(cp, 0.50), tags, nowUnix))
	*series = append(*series, gaugeSeries(metricPrefix+".p90", percentileNearestRank(cp, 0.90), tags, nowUnix))
	*series = append(*series, gaugeSeries(metricPrefix+".p95", percentileNearestRank(cp, 0.95), tags, nowUnix))
	*series = append(*series, gaugeSeries(metricPrefix+".p99", percentileNearestRank(cp, 0.99), tags, nowUnix))
	*series = append(*series, gaugeSeries(metricPrefix+".max", cp[len(cp)-1], tags, nowUnix))
	*series = append(*series, gaugeSeries(metricPrefix+".samples", float64(len(cp)), tags, nowUnix))
}

func gaugeSeries(metric string, value float64, tags []string, nowUnix int64) datadogV2.MetricSeries {
	return datadogV2.MetricSeries{
		Metric: metric,
		Type:   datadogV2.METRICINTAKETYPE_GAUGE.Ptr(),
		Points: []datadogV2.MetricPoint{
			{Timestamp: dd.PtrInt64(nowUnix), Value: dd.PtrFloat64(value)},
		},
		Tags: tags,
	}
}

func pairKey(a, b string) string {
	return a + "\x00" + b
}

func splitPairKey(k string) (a, b string) {
	parts := strings.SplitN(k, "\x00", 2)
	if len(parts) == 2 {
		return parts[0], parts[1]
	}
	return k, "unknown"
}

func withTags(base []string, extras ...string) []string {
	out := make([]string, 0, len(base)+len(extras))
	out = append(out, base...)
	out = append(out, extras...)
	return out
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

// ParseTagsCSV parses comma-separated tags like "env:prod,service:bizmon".
func ParseTagsCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func wrapInitErr(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("datadog metrics init: %w", err)
}
