// Package profiler tracks runtime and pipeline statistics for the classifier.
package profiler

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/nvr-ai/go-classify/logging"
)

// MetricsCollector defines the interface for collecting custom metrics.
type MetricsCollector interface {
	CollectMetrics() map[string]float64
}

// CollectorFunc adapts a function to the MetricsCollector interface.
type CollectorFunc func() map[string]float64

// CollectMetrics calls f.
func (f CollectorFunc) CollectMetrics() map[string]float64 {
	return f()
}

// RuntimeProfiler tracks process resources, pipeline counters, custom metrics
// and operation timings, and logs a periodic summary.
//
// All methods are safe for concurrent use.
type RuntimeProfiler struct {
	reportInterval time.Duration
	sampleInterval time.Duration

	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	mu        sync.RWMutex
	startTime time.Time
	running   bool

	memStats   runtime.MemStats
	samples    []sample
	maxSamples int

	counters       map[string]int64
	customMetrics  map[string]*MetricTracker
	collectors     []MetricsCollector
	operationTimes map[string]*TimeTracker
}

type sample struct {
	timestamp  time.Time
	goroutines int
	heapAlloc  uint64
}

// MetricTracker tracks statistics for a custom metric.
type MetricTracker struct {
	sum   float64
	min   float64
	max   float64
	last  float64
	count int64
}

// TimeTracker tracks operation timing statistics.
type TimeTracker struct {
	total time.Duration
	min   time.Duration
	max   time.Duration
	last  time.Duration
	count int64
}

// ProfilingOptions configures the runtime profiler.
type ProfilingOptions struct {
	// ReportInterval specifies how often to log a status report (default: 10s).
	ReportInterval time.Duration `json:"report_interval" yaml:"report_interval"`
	// SampleInterval specifies how often to sample the runtime (default: 1s).
	SampleInterval time.Duration `json:"sample_interval" yaml:"sample_interval"`
	// MaxSamples specifies the number of runtime samples kept (default: 60).
	MaxSamples int `json:"max_samples" yaml:"max_samples"`
}

// MetricSummary is a snapshot of a MetricTracker.
type MetricSummary struct {
	Avg     float64 `json:"avg"`
	Min     float64 `json:"min"`
	Max     float64 `json:"max"`
	Last    float64 `json:"last"`
	Samples int64   `json:"samples"`
}

// OperationSummary is a snapshot of a TimeTracker, in milliseconds.
type OperationSummary struct {
	AvgMS float64 `json:"avg_ms"`
	MinMS float64 `json:"min_ms"`
	MaxMS float64 `json:"max_ms"`
	Count int64   `json:"count"`
}

// MemorySummary is a subset of runtime.MemStats.
type MemorySummary struct {
	Alloc       uint64  `json:"alloc"`
	TotalAlloc  uint64  `json:"total_alloc"`
	Sys         uint64  `json:"sys"`
	HeapObjects uint64  `json:"heap_objects"`
	GCCycles    uint32  `json:"gc_cycles"`
	GCFraction  float64 `json:"gc_cpu_fraction"`
}

// Stats is a point-in-time snapshot of everything the profiler tracks.
type Stats struct {
	Uptime     string                      `json:"uptime"`
	Goroutines int                         `json:"goroutines"`
	CgoCalls   int64                       `json:"cgo_calls"`
	Memory     MemorySummary               `json:"memory"`
	Counters   map[string]int64            `json:"counters"`
	Metrics    map[string]MetricSummary    `json:"metrics"`
	Operations map[string]OperationSummary `json:"operations"`
}

// NewRuntimeProfiler creates a new runtime profiler with the specified options.
//
// Arguments:
// - opts: Configuration options for the profiler
//
// Returns:
// - A configured RuntimeProfiler instance
func NewRuntimeProfiler(opts ProfilingOptions) *RuntimeProfiler {
	if opts.ReportInterval == 0 {
		opts.ReportInterval = 10 * time.Second
	}
	if opts.SampleInterval == 0 {
		opts.SampleInterval = time.Second
	}
	if opts.MaxSamples == 0 {
		opts.MaxSamples = 60
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &RuntimeProfiler{
		reportInterval: opts.ReportInterval,
		sampleInterval: opts.SampleInterval,
		ctx:            ctx,
		cancel:         cancel,
		startTime:      time.Now(),
		maxSamples:     opts.MaxSamples,
		samples:        make([]sample, 0, opts.MaxSamples),
		counters:       make(map[string]int64),
		customMetrics:  make(map[string]*MetricTracker),
		operationTimes: make(map[string]*TimeTracker),
	}
}

// Start begins sampling and periodic reporting. Calling it again while
// running has no effect.
func (rp *RuntimeProfiler) Start() {
	rp.mu.Lock()
	defer rp.mu.Unlock()

	if rp.running {
		return
	}
	rp.running = true
	rp.startTime = time.Now()

	rp.wg.Add(2)
	go rp.sampleLoop()
	go rp.reportLoop()
}

// Stop halts the background goroutines and logs a final report.
func (rp *RuntimeProfiler) Stop() {
	rp.mu.Lock()
	if !rp.running {
		rp.mu.Unlock()
		return
	}
	rp.running = false
	rp.mu.Unlock()

	rp.cancel()
	rp.wg.Wait()
	rp.emitStatusReport()
}

// AddMetricsCollector registers a collector polled on every sample.
func (rp *RuntimeProfiler) AddMetricsCollector(collector MetricsCollector) {
	rp.mu.Lock()
	defer rp.mu.Unlock()
	rp.collectors = append(rp.collectors, collector)
}

// Count increments the named counter by one.
func (rp *RuntimeProfiler) Count(name string) {
	rp.Add(name, 1)
}

// Add increments the named counter by delta.
func (rp *RuntimeProfiler) Add(name string, delta int64) {
	if rp == nil {
		return
	}
	rp.mu.Lock()
	rp.counters[name] += delta
	rp.mu.Unlock()
}

// Counter returns the current value of the named counter.
func (rp *RuntimeProfiler) Counter(name string) int64 {
	if rp == nil {
		return 0
	}
	rp.mu.RLock()
	defer rp.mu.RUnlock()
	return rp.counters[name]
}

// RecordMetric records a value for a custom metric.
//
// Arguments:
// - name: The metric name, e.g. "top_score"
// - value: The observed value
func (rp *RuntimeProfiler) RecordMetric(name string, value float64) {
	if rp == nil {
		return
	}
	rp.mu.Lock()
	defer rp.mu.Unlock()
	rp.recordMetricLocked(name, value)
}

func (rp *RuntimeProfiler) recordMetricLocked(name string, value float64) {
	tracker, ok := rp.customMetrics[name]
	if !ok {
		tracker = &MetricTracker{min: value, max: value}
		rp.customMetrics[name] = tracker
	}
	tracker.sum += value
	tracker.last = value
	tracker.count++
	if value < tracker.min {
		tracker.min = value
	}
	if value > tracker.max {
		tracker.max = value
	}
}

// StartOperation starts timing an operation and returns the function that
// stops the timer.
//
// Example:
//
// ```go
//
//	done := profiler.StartOperation("preprocess")
//	defer done()
//
// ```
func (rp *RuntimeProfiler) StartOperation(name string) func() {
	start := time.Now()
	return func() {
		rp.RecordOperation(name, time.Since(start))
	}
}

// RecordOperation records a completed operation's duration.
func (rp *RuntimeProfiler) RecordOperation(name string, d time.Duration) {
	if rp == nil {
		return
	}
	rp.mu.Lock()
	defer rp.mu.Unlock()

	tracker, ok := rp.operationTimes[name]
	if !ok {
		tracker = &TimeTracker{min: d, max: d}
		rp.operationTimes[name] = tracker
	}
	tracker.total += d
	tracker.last = d
	tracker.count++
	if d < tracker.min {
		tracker.min = d
	}
	if d > tracker.max {
		tracker.max = d
	}
}

func (rp *RuntimeProfiler) sampleLoop() {
	defer rp.wg.Done()

	ticker := time.NewTicker(rp.sampleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rp.ctx.Done():
			return
		case <-ticker.C:
			rp.collectSample()
		}
	}
}

func (rp *RuntimeProfiler) collectSample() {
	rp.mu.Lock()
	collectors := append([]MetricsCollector(nil), rp.collectors...)
	runtime.ReadMemStats(&rp.memStats)
	s := sample{
		timestamp:  time.Now(),
		goroutines: runtime.NumGoroutine(),
		heapAlloc:  rp.memStats.HeapAlloc,
	}
	if len(rp.samples) >= rp.maxSamples {
		copy(rp.samples, rp.samples[1:])
		rp.samples = rp.samples[:len(rp.samples)-1]
	}
	rp.samples = append(rp.samples, s)
	rp.mu.Unlock()

	// Collectors may take their own locks; call them outside ours.
	for _, c := range collectors {
		values := c.CollectMetrics()
		rp.mu.Lock()
		for name, v := range values {
			rp.recordMetricLocked(name, v)
		}
		rp.mu.Unlock()
	}
}

func (rp *RuntimeProfiler) reportLoop() {
	defer rp.wg.Done()

	ticker := time.NewTicker(rp.reportInterval)
	defer ticker.Stop()

	for {
		select {
		case <-rp.ctx.Done():
			return
		case <-ticker.C:
			rp.emitStatusReport()
		}
	}
}

func (rp *RuntimeProfiler) emitStatusReport() {
	stats := rp.GetCurrentStats()

	args := []any{
		"uptime", stats.Uptime,
		"goroutines", stats.Goroutines,
		"heap", formatBytes(stats.Memory.Alloc),
		"gc_cycles", stats.Memory.GCCycles,
	}
	for _, name := range sortedKeys(stats.Counters) {
		args = append(args, name, stats.Counters[name])
	}
	for _, name := range sortedKeys(stats.Operations) {
		op := stats.Operations[name]
		args = append(args, name+"_avg_ms", fmt.Sprintf("%.2f", op.AvgMS))
	}
	logging.Info("runtime report", args...)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// formatBytes formats byte counts in human-readable format.
func formatBytes(bytes uint64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}
	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

// GetCurrentStats returns the current profiling statistics as a snapshot.
//
// Returns:
// - A Stats value safe to serialize and retain
func (rp *RuntimeProfiler) GetCurrentStats() Stats {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	rp.mu.RLock()
	defer rp.mu.RUnlock()

	stats := Stats{
		Uptime:     time.Since(rp.startTime).Truncate(time.Millisecond).String(),
		Goroutines: runtime.NumGoroutine(),
		CgoCalls:   runtime.NumCgoCall(),
		Memory: MemorySummary{
			Alloc:       mem.Alloc,
			TotalAlloc:  mem.TotalAlloc,
			Sys:         mem.Sys,
			HeapObjects: mem.HeapObjects,
			GCCycles:    mem.NumGC,
			GCFraction:  mem.GCCPUFraction,
		},
		Counters:   make(map[string]int64, len(rp.counters)),
		Metrics:    make(map[string]MetricSummary, len(rp.customMetrics)),
		Operations: make(map[string]OperationSummary, len(rp.operationTimes)),
	}

	for name, v := range rp.counters {
		stats.Counters[name] = v
	}
	for name, t := range rp.customMetrics {
		if t.count == 0 {
			continue
		}
		stats.Metrics[name] = MetricSummary{
			Avg:     t.sum / float64(t.count),
			Min:     t.min,
			Max:     t.max,
			Last:    t.last,
			Samples: t.count,
		}
	}
	for name, t := range rp.operationTimes {
		if t.count == 0 {
			continue
		}
		stats.Operations[name] = OperationSummary{
			AvgMS: millis(t.total) / float64(t.count),
			MinMS: millis(t.min),
			MaxMS: millis(t.max),
			Count: t.count,
		}
	}
	return stats
}
