// Package stats aggregates request outcomes into counters and HDR
// latency histograms that are safe to update from thousands of sessions.
package stats

import (
	"context"
	"runtime"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
)

// maxReasonsPerName bounds the failure table for a single request name.
const maxReasonsPerName = 64

// otherReason collects failure reasons beyond maxReasonsPerName.
const otherReason = "(other)"

// Aggregator collects and aggregates request outcomes.
//
// Outcomes are striped over a power-of-two number of shards. Each shard
// owns its own mutex, counters and histograms, so sessions recording into
// different shards never contend. Snapshot merges the shards.
//
// # Thread Safety
//
// Aggregator is safe for concurrent use. The background emitter runs in
// its own goroutine until Stop is called.
type Aggregator struct {
	shards []shard
	mask   uint64
	next   atomic.Uint64

	activeUsers atomic.Int32
	dropped     atomic.Int64

	bucketStore *TimeBucketStore

	phase   Phase
	phaseMu sync.RWMutex

	timeMu    sync.RWMutex
	startTime time.Time
	sealedAt  time.Time

	emitterCtx    context.Context
	emitterCancel context.CancelFunc
	emitterWg     sync.WaitGroup
	stopOnce      sync.Once

	config Config
}

type shard struct {
	mu       sync.Mutex
	sealed   bool
	total    int64
	failures int64
	bytes    int64
	hist     *hdrhistogram.Histogram
	entries  map[string]*entry

	// keep neighbouring shard mutexes on separate cache lines
	_ [64]byte
}

type entry struct {
	name     string
	count    int64
	failures int64
	bytes    int64
	hist     *hdrhistogram.Histogram
	reasons  map[string]int64
}

// Config contains configuration for the aggregator.
type Config struct {
	// Shards is the number of stripes, rounded up to a power of two (default: GOMAXPROCS)
	Shards int

	// BucketInterval is the interval for time-series buckets (default: 1s, negative disables the emitter)
	BucketInterval time.Duration

	// MaxBuckets is the maximum number of buckets to retain (default: 3600)
	MaxBuckets int

	// HistogramMin is the minimum recordable value in microseconds (default: 1)
	HistogramMin int64

	// HistogramMax is the maximum recordable value in microseconds (default: 3600000000 = 1 hour)
	HistogramMax int64

	// HistogramSigFigs is the number of significant figures (default: 3)
	HistogramSigFigs int

	// NameHistogramSigFigs is the precision of the per-request-name
	// histograms, which exist once per shard and name (default: 2)
	NameHistogramSigFigs int
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		Shards:           runtime.GOMAXPROCS(0),
		BucketInterval:   time.Second,
		MaxBuckets:       3600,
		HistogramMin:     1,
		HistogramMax:     3600000000,
		HistogramSigFigs: 3,

		NameHistogramSigFigs: 2,
	}
}

// NewAggregator creates an aggregator with the default configuration.
func NewAggregator() *Aggregator {
	return NewAggregatorWithConfig(DefaultConfig())
}

// NewAggregatorWithConfig creates an aggregator with a custom configuration.
// Zero fields fall back to their defaults.
func NewAggregatorWithConfig(config Config) *Aggregator {
	def := DefaultConfig()
	if config.Shards <= 0 {
		config.Shards = def.Shards
	}
	if config.BucketInterval == 0 {
		config.BucketInterval = def.BucketInterval
	}
	if config.MaxBuckets <= 0 {
		config.MaxBuckets = def.MaxBuckets
	}
	if config.HistogramMin <= 0 {
		config.HistogramMin = def.HistogramMin
	}
	if config.HistogramMax <= config.HistogramMin {
		config.HistogramMax = def.HistogramMax
	}
	if config.HistogramSigFigs <= 0 {
		config.HistogramSigFigs = def.HistogramSigFigs
	}
	if config.NameHistogramSigFigs <= 0 {
		config.NameHistogramSigFigs = def.NameHistogramSigFigs
	}

	n := nextPowerOfTwo(config.Shards)
	ctx, cancel := context.WithCancel(context.Background())

	a := &Aggregator{
		shards:        make([]shard, n),
		mask:          uint64(n - 1),
		bucketStore:   NewTimeBucketStore(config.MaxBuckets),
		phase:         PhaseInit,
		startTime:     time.Now(),
		emitterCtx:    ctx,
		emitterCancel: cancel,
		config:        config,
	}
	for i := range a.shards {
		a.shards[i].hist = a.newHistogram()
		a.shards[i].entries = make(map[string]*entry)
	}

	if config.BucketInterval > 0 {
		a.emitterWg.Add(1)
		go a.runEmitter()
	}

	return a
}

func nextPowerOfTwo(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

func (a *Aggregator) newHistogram() *hdrhistogram.Histogram {
	return hdrhistogram.New(a.config.HistogramMin, a.config.HistogramMax, a.config.HistogramSigFigs)
}

// newNameHistogram backs the per-name breakdown. Its memory is paid
// shards x names times, so it trades precision for size.
func (a *Aggregator) newNameHistogram() *hdrhistogram.Histogram {
	return hdrhistogram.New(a.config.HistogramMin, a.config.HistogramMax, a.config.NameHistogramSigFigs)
}

// Record records an outcome into a round-robin shard.
// It reports false if the aggregator is sealed and the outcome was dropped.
func (a *Aggregator) Record(o Outcome) bool {
	return a.RecordShard(a.next.Add(1), o)
}

// RecordShard records an outcome into the shard selected by hint.
// Sessions pass their own ID so each one keeps hitting the same stripe.
func (a *Aggregator) RecordShard(hint uint64, o Outcome) bool {
	latencyMicros := o.Latency.Microseconds()
	if latencyMicros < a.config.HistogramMin {
		latencyMicros = a.config.HistogramMin
	}
	if latencyMicros > a.config.HistogramMax {
		latencyMicros = a.config.HistogramMax
	}

	sh := &a.shards[hint&a.mask]
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if sh.sealed {
		a.dropped.Add(1)
		return false
	}

	sh.total++
	sh.bytes += o.Bytes
	_ = sh.hist.RecordValue(latencyMicros)

	key := o.Key()
	e, ok := sh.entries[key]
	if !ok {
		e = &entry{name: key, hist: a.newNameHistogram()}
		sh.entries[key] = e
	}
	e.count++
	e.bytes += o.Bytes
	_ = e.hist.RecordValue(latencyMicros)

	if !o.Success {
		sh.failures++
		e.failures++
		if e.reasons == nil {
			e.reasons = make(map[string]int64)
		}
		reason := o.FailureReason
		if _, seen := e.reasons[reason]; !seen && len(e.reasons) >= maxReasonsPerName {
			reason = otherReason
		}
		e.reasons[reason]++
	}

	return true
}

// Seal stops accepting outcomes. Once Seal returns, every later Record
// call is dropped and counted, so a snapshot taken afterwards is final.
func (a *Aggregator) Seal() {
	for i := range a.shards {
		sh := &a.shards[i]
		sh.mu.Lock()
		sh.sealed = true
		sh.mu.Unlock()
	}

	a.timeMu.Lock()
	if a.sealedAt.IsZero() {
		a.sealedAt = time.Now()
	}
	a.timeMu.Unlock()
}

// Sealed reports whether Seal has been called.
func (a *Aggregator) Sealed() bool {
	a.timeMu.RLock()
	defer a.timeMu.RUnlock()
	return !a.sealedAt.IsZero()
}

// MarkStart resets the clock used for elapsed time and throughput.
func (a *Aggregator) MarkStart() {
	a.timeMu.Lock()
	a.startTime = time.Now()
	a.timeMu.Unlock()
}

// SetPhase updates the current test phase.
func (a *Aggregator) SetPhase(phase Phase) {
	a.phaseMu.Lock()
	a.phase = phase
	a.phaseMu.Unlock()
}

// GetPhase returns the current test phase.
func (a *Aggregator) GetPhase() Phase {
	a.phaseMu.RLock()
	defer a.phaseMu.RUnlock()
	return a.phase
}

// SetActiveUsers updates the live session count.
func (a *Aggregator) SetActiveUsers(count int) {
	a.activeUsers.Store(int32(count))
}

// GetActiveUsers returns the live session count.
func (a *Aggregator) GetActiveUsers() int {
	return int(a.activeUsers.Load())
}

// totals sums the shard counters.
func (a *Aggregator) totals() (total, failures, bytes int64) {
	for i := range a.shards {
		sh := &a.shards[i]
		sh.mu.Lock()
		total += sh.total
		failures += sh.failures
		bytes += sh.bytes
		sh.mu.Unlock()
	}
	return total, failures, bytes
}

// TotalRequests returns the exact number of recorded outcomes.
func (a *Aggregator) TotalRequests() int64 {
	total, _, _ := a.totals()
	return total
}

// mergedHistogram merges every shard histogram into a fresh one.
func (a *Aggregator) mergedHistogram() *hdrhistogram.Histogram {
	merged := a.newHistogram()
	for i := range a.shards {
		sh := &a.shards[i]
		sh.mu.Lock()
		merged.Merge(sh.hist)
		sh.mu.Unlock()
	}
	return merged
}

// GetLatencyPercentiles returns current overall latency percentiles.
func (a *Aggregator) GetLatencyPercentiles() LatencyPercentiles {
	h := a.mergedHistogram()
	return LatencyPercentiles{
		Min: micros(h.Min()),
		Max: micros(h.Max()),
		P50: micros(h.ValueAtQuantile(50)),
		P90: micros(h.ValueAtQuantile(90)),
		P95: micros(h.ValueAtQuantile(95)),
		P99: micros(h.ValueAtQuantile(99)),
	}
}

// Snapshot returns a point-in-time view of all metrics.
//
// Shards are visited one at a time, so the view is not linearizable
// across shards while sessions are still recording; counters are exact
// once the aggregator is sealed.
func (a *Aggregator) Snapshot() *Snapshot {
	overall := a.newHistogram()
	var total, failures, bytes int64

	type merged struct {
		count, failures, bytes int64
		hist                   *hdrhistogram.Histogram
		reasons                map[string]int64
	}
	byName := make(map[string]*merged)

	for i := range a.shards {
		sh := &a.shards[i]
		sh.mu.Lock()
		total += sh.total
		failures += sh.failures
		bytes += sh.bytes
		overall.Merge(sh.hist)
		for key, e := range sh.entries {
			m, ok := byName[key]
			if !ok {
				m = &merged{hist: a.newNameHistogram(), reasons: make(map[string]int64)}
				byName[key] = m
			}
			m.count += e.count
			m.failures += e.failures
			m.bytes += e.bytes
			m.hist.Merge(e.hist)
			for reason, n := range e.reasons {
				m.reasons[reason] += n
			}
		}
		sh.mu.Unlock()
	}

	a.timeMu.RLock()
	start := a.startTime
	end := a.sealedAt
	a.timeMu.RUnlock()
	if end.IsZero() {
		end = time.Now()
	}
	elapsed := end.Sub(start)

	overallRPS := 0.0
	if elapsed.Seconds() > 0 {
		overallRPS = float64(total) / elapsed.Seconds()
	}

	steadyRPS, steadyBuckets := a.bucketStore.CalculateSteadyStateRPS()
	rps := overallRPS
	if steadyBuckets > 0 {
		rps = steadyRPS
	}

	snap := &Snapshot{
		TotalRequests:   total,
		SuccessRequests: total - failures,
		TotalFailures:   failures,
		TotalBytes:      bytes,
		FailureRate:     FailureRatio(failures, total),
		Latency:         latencyStats(overall),
		RPS:             rps,
		SteadyStateRPS:  steadyRPS,
		Requests:        make(map[string]*RequestStats, len(byName)),
		ActiveUsers:     a.GetActiveUsers(),
		Phase:           a.GetPhase(),
		Dropped:         a.dropped.Load(),
		Elapsed:         elapsed,
		StartTime:       start,
		Timestamp:       time.Now(),
	}

	for key, m := range byName {
		reqRPS := 0.0
		if elapsed.Seconds() > 0 {
			reqRPS = float64(m.count) / elapsed.Seconds()
		}
		snap.Requests[key] = &RequestStats{
			Name:        key,
			Count:       m.count,
			Failures:    m.failures,
			FailureRate: FailureRatio(m.failures, m.count),
			Bytes:       m.bytes,
			RPS:         reqRPS,
			Latency:     latencyStats(m.hist),
		}
		for reason, n := range m.reasons {
			snap.Errors = append(snap.Errors, ErrorStats{Name: key, Reason: reason, Occurrences: n})
		}
	}

	sort.Slice(snap.Errors, func(i, j int) bool {
		if snap.Errors[i].Occurrences != snap.Errors[j].Occurrences {
			return snap.Errors[i].Occurrences > snap.Errors[j].Occurrences
		}
		if snap.Errors[i].Name != snap.Errors[j].Name {
			return snap.Errors[i].Name < snap.Errors[j].Name
		}
		return snap.Errors[i].Reason < snap.Errors[j].Reason
	})

	return snap
}

func latencyStats(h *hdrhistogram.Histogram) LatencyStats {
	if h.TotalCount() == 0 {
		return LatencyStats{}
	}
	return LatencyStats{
		Min:    micros(h.Min()),
		Max:    micros(h.Max()),
		Mean:   time.Duration(h.Mean() * float64(time.Microsecond)),
		StdDev: time.Duration(h.StdDev() * float64(time.Microsecond)),
		P50:    micros(h.ValueAtQuantile(50)),
		P90:    micros(h.ValueAtQuantile(90)),
		P95:    micros(h.ValueAtQuantile(95)),
		P99:    micros(h.ValueAtQuantile(99)),
		Count:  h.TotalCount(),
	}
}

func micros(v int64) time.Duration {
	return time.Duration(v) * time.Microsecond
}

// runEmitter runs the background time-bucket emitter.
func (a *Aggregator) runEmitter() {
	defer a.emitterWg.Done()

	ticker := time.NewTicker(a.config.BucketInterval)
	defer ticker.Stop()

	for {
		select {
		case <-a.emitterCtx.Done():
			return
		case <-ticker.C:
			a.emitBucket()
		}
	}
}

// emitBucket appends a time-series bucket with current metrics.
func (a *Aggregator) emitBucket() {
	total, failures, bytes := a.totals()
	a.bucketStore.CreateBucket(
		total, failures, bytes,
		a.GetLatencyPercentiles(),
		a.GetActiveUsers(),
		a.GetPhase(),
	)
}

// GetTimeSeries returns all time-series buckets.
func (a *Aggregator) GetTimeSeries() []*TimeBucket {
	return a.bucketStore.GetBuckets()
}

// LatestBucket returns the most recent time bucket, or nil.
func (a *Aggregator) LatestBucket() *TimeBucket {
	return a.bucketStore.GetLatestBucket()
}

// Stop stops the background emitter and emits a final bucket.
// It is safe to call more than once.
func (a *Aggregator) Stop() {
	a.stopOnce.Do(func() {
		a.emitterCancel()
		a.emitterWg.Wait()
		if a.config.BucketInterval > 0 {
			a.emitBucket()
		}
	})
}
