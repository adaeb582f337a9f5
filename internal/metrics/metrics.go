// ============================================================================
// Metrics collector
// Responsibility: aggregate per-request latency samples into summary
// statistics (count, mean, stddev, percentiles, throughput) and expose
// them both as a JSON snapshot and as Prometheus metrics.
// ============================================================================

package metrics

import (
	"math"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/redunix/computed/internal/ident"
	"github.com/redunix/computed/pkg/types"
)

// ringSize bounds the per-category sample window used for percentiles.
// Running totals (count, mean, min, max) cover the full history.
const ringSize = 10000

// throughputWindow is the default wall-clock window for the requests/sec
// figure in snapshots.
const throughputWindow = 60 * time.Second

// PoolGauges reports the instantaneous depth and busy-worker count of a
// pool or queue. Registered per category and read at snapshot time.
type PoolGauges func() (depth int, busy int)

// Collector is the process-wide sample sink. Record is constant-time
// amortized and never fails; Snapshot is a pure read.
type Collector struct {
	mu      sync.Mutex
	clock   ident.Clock
	started time.Time
	window  time.Duration

	perCat map[types.Category]*catStats
	global *catStats

	statusCodes map[int]uint64
	pathCounts  map[string]uint64

	syncGauges map[types.Category]PoolGauges
	jobGauges  map[types.Category]PoolGauges

	registry    *prometheus.Registry
	requests    *prometheus.CounterVec
	latency     *prometheus.HistogramVec
	queueDepth  *prometheus.GaugeVec
	busyWorkers *prometheus.GaugeVec
}

// catStats holds the running totals and the bounded sample ring for one
// category (or the global aggregate).
type catStats struct {
	ring []ringSample
	next int

	count    uint64
	success  uint64
	client   uint64
	server   uint64
	timeouts uint64
	rejected uint64

	sum   float64 // ms
	sumSq float64
	min   float64
	max   float64

	// per-second buckets for throughput over the window
	buckets    []uint64
	bucketSecs []int64
}

type ringSample struct {
	elapsedMs float64
}

func newCatStats(window time.Duration) *catStats {
	n := int(window/time.Second) + 1
	return &catStats{
		ring:       make([]ringSample, 0, ringSize),
		min:        math.NaN(),
		max:        math.NaN(),
		buckets:    make([]uint64, n),
		bucketSecs: make([]int64, n),
	}
}

// NewCollector builds a collector with its own Prometheus registry so
// multiple instances can coexist (one per test, one per process).
func NewCollector(clock ident.Clock) *Collector {
	c := &Collector{
		clock:       clock,
		started:     clock.Now(),
		window:      throughputWindow,
		perCat:      make(map[types.Category]*catStats),
		global:      newCatStats(throughputWindow),
		statusCodes: make(map[int]uint64),
		pathCounts:  make(map[string]uint64),
		syncGauges:  make(map[types.Category]PoolGauges),
		jobGauges:   make(map[types.Category]PoolGauges),
		registry:    prometheus.NewRegistry(),
	}
	for _, cat := range types.Categories() {
		c.perCat[cat] = newCatStats(throughputWindow)
	}

	c.requests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "computed_requests_total",
		Help: "Total requests by category and outcome",
	}, []string{"category", "outcome"})
	c.latency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "computed_request_latency_seconds",
		Help:    "Request latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"category"})
	c.queueDepth = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "computed_queue_depth",
		Help: "Current queue depth by kind and category",
	}, []string{"kind", "category"})
	c.busyWorkers = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "computed_busy_workers",
		Help: "Workers currently executing by kind and category",
	}, []string{"kind", "category"})

	c.registry.MustRegister(c.requests, c.latency, c.queueDepth, c.busyWorkers)
	return c
}

// Registry exposes the Prometheus registry for the /metrics/prometheus
// handler.
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// RegisterSyncPool wires a synchronous pool's gauges into snapshots.
func (c *Collector) RegisterSyncPool(cat types.Category, g PoolGauges) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.syncGauges[cat] = g
}

// RegisterJobQueue wires a job queue's gauges into snapshots.
func (c *Collector) RegisterJobQueue(cat types.Category, g PoolGauges) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.jobGauges[cat] = g
}

// Record ingests one sample. Never fails; ring overflow silently drops
// the oldest sample.
func (c *Collector) Record(s types.Sample) {
	now := c.clock.Now()

	c.mu.Lock()
	cs, ok := c.perCat[s.Category]
	if !ok {
		cs = newCatStats(c.window)
		c.perCat[s.Category] = cs
	}
	cs.record(s, now)
	c.global.record(s, now)
	c.mu.Unlock()

	c.requests.WithLabelValues(string(s.Category), string(s.Outcome)).Inc()
	c.latency.WithLabelValues(string(s.Category)).Observe(s.Elapsed.Seconds())
}

// RecordHTTP tracks response codes and per-path hit counts for the
// server-level view.
func (c *Collector) RecordHTTP(path string, status int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.statusCodes[status]++
	c.pathCounts[path]++
}

func (cs *catStats) record(s types.Sample, now time.Time) {
	ms := float64(s.Elapsed) / float64(time.Millisecond)

	cs.count++
	switch s.Outcome {
	case types.OutcomeSuccess:
		cs.success++
	case types.OutcomeClientError:
		cs.client++
	case types.OutcomeServerError:
		cs.server++
	case types.OutcomeTimeout:
		cs.timeouts++
	case types.OutcomeRejected:
		cs.rejected++
	}

	cs.sum += ms
	cs.sumSq += ms * ms
	if math.IsNaN(cs.min) || ms < cs.min {
		cs.min = ms
	}
	if math.IsNaN(cs.max) || ms > cs.max {
		cs.max = ms
	}

	if len(cs.ring) < ringSize {
		cs.ring = append(cs.ring, ringSample{elapsedMs: ms})
	} else {
		cs.ring[cs.next] = ringSample{elapsedMs: ms}
	}
	cs.next = (cs.next + 1) % ringSize

	sec := now.Unix()
	idx := int(sec % int64(len(cs.buckets)))
	if cs.bucketSecs[idx] != sec {
		cs.bucketSecs[idx] = sec
		cs.buckets[idx] = 0
	}
	cs.buckets[idx]++
}

// CategoryStats is the aggregated view of one category in a snapshot.
type CategoryStats struct {
	Count        uint64  `json:"count"`
	Successful   uint64  `json:"successful"`
	ClientErrors uint64  `json:"client_errors"`
	ServerErrors uint64  `json:"server_errors"`
	Timeouts     uint64  `json:"timeouts"`
	Rejected     uint64  `json:"rejected"`
	MeanMs       float64 `json:"mean_ms"`
	StddevMs     float64 `json:"stddev_ms"`
	P50Ms        float64 `json:"p50_ms"`
	P95Ms        float64 `json:"p95_ms"`
	P99Ms        float64 `json:"p99_ms"`
	MinMs        float64 `json:"min_ms"`
	MaxMs        float64 `json:"max_ms"`
	PerSecond    float64 `json:"throughput_per_sec"`
}

// QueueGauges is the instantaneous view of one pool or queue.
type QueueGauges struct {
	Depth int `json:"depth"`
	Busy  int `json:"busy"`
}

// PathCount pairs a request path with its hit count.
type PathCount struct {
	Path  string `json:"path"`
	Count uint64 `json:"count"`
}

// Snapshot is the immutable view returned by the collector.
type Snapshot struct {
	UptimeSeconds float64                           `json:"uptime_seconds"`
	Global        CategoryStats                     `json:"global"`
	Categories    map[types.Category]CategoryStats  `json:"categories"`
	StatusCodes   map[string]uint64                 `json:"status_codes"`
	TopPaths      []PathCount                       `json:"top_paths"`
	SyncPools     map[types.Category]QueueGauges    `json:"sync_pools"`
	JobQueues     map[types.Category]QueueGauges    `json:"job_queues"`
}

// Snapshot aggregates the current state. Percentiles are nearest-rank
// over the current ring; throughput covers the last window.
func (c *Collector) Snapshot() Snapshot {
	now := c.clock.Now()

	c.mu.Lock()
	snap := Snapshot{
		UptimeSeconds: now.Sub(c.started).Seconds(),
		Global:        c.global.summarize(now, c.window),
		Categories:    make(map[types.Category]CategoryStats, len(c.perCat)),
		StatusCodes:   make(map[string]uint64, len(c.statusCodes)),
		SyncPools:     make(map[types.Category]QueueGauges),
		JobQueues:     make(map[types.Category]QueueGauges),
	}
	for cat, cs := range c.perCat {
		snap.Categories[cat] = cs.summarize(now, c.window)
	}
	for code, n := range c.statusCodes {
		snap.StatusCodes[strconv.Itoa(code)] = n
	}
	for path, n := range c.pathCounts {
		snap.TopPaths = append(snap.TopPaths, PathCount{Path: path, Count: n})
	}
	syncGauges := make(map[types.Category]PoolGauges, len(c.syncGauges))
	for cat, g := range c.syncGauges {
		syncGauges[cat] = g
	}
	jobGauges := make(map[types.Category]PoolGauges, len(c.jobGauges))
	for cat, g := range c.jobGauges {
		jobGauges[cat] = g
	}
	c.mu.Unlock()

	sort.Slice(snap.TopPaths, func(i, j int) bool {
		if snap.TopPaths[i].Count != snap.TopPaths[j].Count {
			return snap.TopPaths[i].Count > snap.TopPaths[j].Count
		}
		return snap.TopPaths[i].Path < snap.TopPaths[j].Path
	})
	if len(snap.TopPaths) > 10 {
		snap.TopPaths = snap.TopPaths[:10]
	}

	// Gauge callbacks run outside the collector lock; they take pool
	// locks of their own.
	for cat, g := range syncGauges {
		depth, busy := g()
		snap.SyncPools[cat] = QueueGauges{Depth: depth, Busy: busy}
		c.queueDepth.WithLabelValues("sync", string(cat)).Set(float64(depth))
		c.busyWorkers.WithLabelValues("sync", string(cat)).Set(float64(busy))
	}
	for cat, g := range jobGauges {
		depth, busy := g()
		snap.JobQueues[cat] = QueueGauges{Depth: depth, Busy: busy}
		c.queueDepth.WithLabelValues("jobs", string(cat)).Set(float64(depth))
		c.busyWorkers.WithLabelValues("jobs", string(cat)).Set(float64(busy))
	}

	return snap
}

func (cs *catStats) summarize(now time.Time, window time.Duration) CategoryStats {
	out := CategoryStats{
		Count:        cs.count,
		Successful:   cs.success,
		ClientErrors: cs.client,
		ServerErrors: cs.server,
		Timeouts:     cs.timeouts,
		Rejected:     cs.rejected,
	}
	if cs.count == 0 {
		return out
	}

	n := float64(cs.count)
	out.MeanMs = cs.sum / n
	variance := cs.sumSq/n - out.MeanMs*out.MeanMs
	if variance > 0 {
		out.StddevMs = math.Sqrt(variance)
	}
	out.MinMs = cs.min
	out.MaxMs = cs.max

	sorted := make([]float64, len(cs.ring))
	for i, s := range cs.ring {
		sorted[i] = s.elapsedMs
	}
	sort.Float64s(sorted)
	out.P50Ms = nearestRank(sorted, 50)
	out.P95Ms = nearestRank(sorted, 95)
	out.P99Ms = nearestRank(sorted, 99)

	var recent uint64
	cutoff := now.Add(-window).Unix()
	for i, sec := range cs.bucketSecs {
		if sec > cutoff && sec <= now.Unix() {
			recent += cs.buckets[i]
		}
	}
	out.PerSecond = float64(recent) / window.Seconds()

	return out
}

// nearestRank returns the pth percentile of a sorted slice using the
// nearest-rank method.
func nearestRank(sorted []float64, p int) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := int(math.Ceil(float64(p) / 100 * float64(len(sorted))))
	if rank < 1 {
		rank = 1
	}
	return sorted[rank-1]
}
