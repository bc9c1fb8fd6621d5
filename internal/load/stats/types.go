package stats

import "time"

// Phase represents a phase of the load test.
type Phase string

const (
	// PhaseInit is the phase before any user has been spawned
	PhaseInit Phase = "init"

	// PhaseSpawning is the phase while the population ramps toward its target
	PhaseSpawning Phase = "spawning"

	// PhaseRunning is the steady phase at target population
	PhaseRunning Phase = "running"

	// PhaseStopping is the graceful stop window
	PhaseStopping Phase = "stopping"

	// PhaseDone indicates the test has completed
	PhaseDone Phase = "done"
)

// Outcome is the recorded result of one executed task.
type Outcome struct {
	// RequestName groups outcomes in the per-request breakdown
	RequestName string `json:"requestName"`

	// Method is an optional label such as the HTTP method
	Method string `json:"method,omitempty"`

	// Success is the verdict of the classification callback
	Success bool `json:"success"`

	// Latency is the time spent waiting on the executor
	Latency time.Duration `json:"latency"`

	// StatusLabel is the status code or another short result label
	StatusLabel string `json:"statusLabel,omitempty"`

	// FailureReason is set when Success is false
	FailureReason string `json:"failureReason,omitempty"`

	// Bytes is the response size
	Bytes int64 `json:"bytes"`
}

// LatencyMillis returns the latency in fractional milliseconds.
func (o Outcome) LatencyMillis() float64 {
	return float64(o.Latency) / float64(time.Millisecond)
}

// Key returns the breakdown key: method and name when a method is set.
func (o Outcome) Key() string {
	if o.Method == "" {
		return o.RequestName
	}
	return o.Method + " " + o.RequestName
}

// Snapshot contains a point-in-time view of all metrics.
type Snapshot struct {
	// TotalRequests is the number of recorded outcomes
	TotalRequests int64 `json:"totalRequests"`

	// SuccessRequests is the number of successful outcomes
	SuccessRequests int64 `json:"successRequests"`

	// TotalFailures is the number of failed outcomes
	TotalFailures int64 `json:"totalFailures"`

	// TotalBytes is the sum of response sizes
	TotalBytes int64 `json:"totalBytes"`

	// FailureRate is TotalFailures / TotalRequests (0 with no requests)
	FailureRate float64 `json:"failureRate"`

	// Latency is computed from the merged histograms
	Latency LatencyStats `json:"latency"`

	// RPS is the steady-state throughput when available, otherwise the overall average
	RPS float64 `json:"rps"`

	// SteadyStateRPS is the average throughput over running-phase buckets
	SteadyStateRPS float64 `json:"steadyStateRps"`

	// Requests is the per request-name breakdown
	Requests map[string]*RequestStats `json:"requests"`

	// Errors lists failure reasons by occurrence
	Errors []ErrorStats `json:"errors,omitempty"`

	// ActiveUsers is the live session count at snapshot time
	ActiveUsers int `json:"activeUsers"`

	// Phase is the phase at snapshot time
	Phase Phase `json:"phase"`

	// Dropped counts outcomes offered after the aggregator was sealed
	Dropped int64 `json:"dropped,omitempty"`

	Elapsed   time.Duration `json:"elapsed"`
	StartTime time.Time     `json:"startTime"`
	Timestamp time.Time     `json:"timestamp"`
}

// RequestStats contains statistics for a single request name.
type RequestStats struct {
	Name        string       `json:"name"`
	Count       int64        `json:"count"`
	Failures    int64        `json:"failures"`
	FailureRate float64      `json:"failureRate"`
	Bytes       int64        `json:"bytes"`
	RPS         float64      `json:"rps"`
	Latency     LatencyStats `json:"latency"`
}

// ErrorStats counts occurrences of one failure reason for one request.
type ErrorStats struct {
	Name        string `json:"name"`
	Reason      string `json:"reason"`
	Occurrences int64  `json:"occurrences"`
}

// LatencyStats contains latency statistics.
type LatencyStats struct {
	Min    time.Duration `json:"min"`
	Max    time.Duration `json:"max"`
	Mean   time.Duration `json:"mean"`
	StdDev time.Duration `json:"stdDev"`
	P50    time.Duration `json:"p50"`
	P90    time.Duration `json:"p90"`
	P95    time.Duration `json:"p95"`
	P99    time.Duration `json:"p99"`
	Count  int64         `json:"count"`
}

// LatencyPercentiles holds latency percentile values.
type LatencyPercentiles struct {
	Min time.Duration
	Max time.Duration
	P50 time.Duration
	P90 time.Duration
	P95 time.Duration
	P99 time.Duration
}

// TimeBucket represents metrics for one emitter interval.
type TimeBucket struct {
	Timestamp time.Time `json:"timestamp"`

	// Cumulative counters
	TotalRequests int64 `json:"totalRequests"`
	TotalFailures int64 `json:"totalFailures"`
	TotalBytes    int64 `json:"totalBytes"`

	// Interval metrics
	IntervalRequests  int64   `json:"intervalRequests"`
	IntervalFailures  int64   `json:"intervalFailures"`
	IntervalRPS       float64 `json:"intervalRPS"`
	IntervalErrorRate float64 `json:"intervalErrorRate"`

	LatencyP50 time.Duration `json:"latencyP50"`
	LatencyP95 time.Duration `json:"latencyP95"`
	LatencyP99 time.Duration `json:"latencyP99"`

	ActiveUsers int   `json:"activeUsers"`
	Phase       Phase `json:"phase"`
}

// FailureRatio returns failures/total, or 0 when total is 0.
func FailureRatio(failures, total int64) float64 {
	if total <= 0 {
		return 0
	}
	return float64(failures) / float64(total)
}
