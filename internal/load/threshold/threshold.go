// Package threshold evaluates pass/fail criteria against a final snapshot.
package threshold

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/wesleyorama2/horde/internal/load/stats"
)

// Metric groups.
const (
	MetricLatency  = "latency"
	MetricFailures = "failures"
	MetricRequests = "requests"
)

// Set holds threshold expressions per metric group.
//
//	latency:  ["p95 < 500ms", "avg < 200ms"]
//	failures: ["rate < 0.01"]
//	requests: ["count > 1000", "rate > 50"]
type Set struct {
	Latency  []string `json:"latency,omitempty" yaml:"latency,omitempty"`
	Failures []string `json:"failures,omitempty" yaml:"failures,omitempty"`
	Requests []string `json:"requests,omitempty" yaml:"requests,omitempty"`
}

// Empty reports whether the set has no expressions.
func (s *Set) Empty() bool {
	return s == nil || len(s.Latency)+len(s.Failures)+len(s.Requests) == 0
}

// Result is the outcome of one expression.
type Result struct {
	Metric     string `json:"metric"`
	Expression string `json:"expression"`
	Passed     bool   `json:"passed"`
	Value      string `json:"value"`
	Message    string `json:"message,omitempty"`
}

// Validate checks that every expression parses and names a known statistic.
func (s *Set) Validate() error {
	if s == nil {
		return nil
	}
	check := func(group string, exprs []string, known func(string) bool, parseValue func(string) error) error {
		for _, expr := range exprs {
			stat, _, value, err := parseExpression(expr)
			if err != nil {
				return fmt.Errorf("thresholds.%s: %w", group, err)
			}
			if !known(stat) {
				return fmt.Errorf("thresholds.%s: unknown statistic %q in %q", group, stat, expr)
			}
			if err := parseValue(value); err != nil {
				return fmt.Errorf("thresholds.%s: %q: %w", group, expr, err)
			}
		}
		return nil
	}

	parseDur := func(v string) error { _, err := time.ParseDuration(v); return err }
	parseNum := func(v string) error { _, err := strconv.ParseFloat(v, 64); return err }

	if err := check(MetricLatency, s.Latency, func(stat string) bool {
		_, ok := latencyStat(stat, stats.LatencyStats{})
		return ok
	}, parseDur); err != nil {
		return err
	}
	if err := check(MetricFailures, s.Failures, func(stat string) bool { return stat == "rate" || stat == "count" }, parseNum); err != nil {
		return err
	}
	return check(MetricRequests, s.Requests, func(stat string) bool { return stat == "count" || stat == "rate" }, parseNum)
}

// Evaluate checks every expression against snap.
func Evaluate(s *Set, snap *stats.Snapshot) []Result {
	if s.Empty() || snap == nil {
		return nil
	}

	var results []Result
	for _, expr := range s.Latency {
		results = append(results, evaluateLatency(expr, snap))
	}
	for _, expr := range s.Failures {
		results = append(results, evaluateFailures(expr, snap))
	}
	for _, expr := range s.Requests {
		results = append(results, evaluateRequests(expr, snap))
	}
	return results
}

// Passed reports whether every result passed.
func Passed(results []Result) bool {
	for _, r := range results {
		if !r.Passed {
			return false
		}
	}
	return true
}

func latencyStat(stat string, l stats.LatencyStats) (time.Duration, bool) {
	switch stat {
	case "min":
		return l.Min, true
	case "max":
		return l.Max, true
	case "avg", "mean":
		return l.Mean, true
	case "med", "p50":
		return l.P50, true
	case "p90":
		return l.P90, true
	case "p95":
		return l.P95, true
	case "p99":
		return l.P99, true
	default:
		return 0, false
	}
}

// evaluateLatency evaluates an expression like "p95 < 500ms".
func evaluateLatency(expr string, snap *stats.Snapshot) Result {
	result := Result{Metric: MetricLatency, Expression: expr}

	stat, op, valueStr, err := parseExpression(expr)
	if err != nil {
		result.Message = fmt.Sprintf("failed to parse expression: %v", err)
		return result
	}

	actual, ok := latencyStat(stat, snap.Latency)
	if !ok {
		result.Message = fmt.Sprintf("unknown statistic: %s", stat)
		return result
	}

	limit, err := time.ParseDuration(valueStr)
	if err != nil {
		result.Message = fmt.Sprintf("failed to parse threshold value: %v", err)
		return result
	}

	result.Value = actual.String()
	result.Passed = compare(float64(actual), op, float64(limit))
	if !result.Passed {
		result.Message = fmt.Sprintf("%s is %s, threshold: %s %s", stat, actual, op, limit)
	}
	return result
}

// evaluateFailures evaluates "rate < 0.01" or "count < 10".
func evaluateFailures(expr string, snap *stats.Snapshot) Result {
	result := Result{Metric: MetricFailures, Expression: expr}

	stat, op, valueStr, err := parseExpression(expr)
	if err != nil {
		result.Message = fmt.Sprintf("failed to parse expression: %v", err)
		return result
	}

	limit, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		result.Message = fmt.Sprintf("failed to parse threshold value: %v", err)
		return result
	}

	var actual float64
	switch stat {
	case "rate":
		actual = snap.FailureRate
		result.Value = fmt.Sprintf("%.4f", actual)
	case "count":
		actual = float64(snap.TotalFailures)
		result.Value = strconv.FormatInt(snap.TotalFailures, 10)
	default:
		result.Message = fmt.Sprintf("failures only supports 'rate' or 'count', got: %s", stat)
		return result
	}

	result.Passed = compare(actual, op, limit)
	if !result.Passed {
		result.Message = fmt.Sprintf("failure %s is %s, threshold: %s %s", stat, result.Value, op, valueStr)
	}
	return result
}

// evaluateRequests evaluates "count > 1000" or "rate > 100".
func evaluateRequests(expr string, snap *stats.Snapshot) Result {
	result := Result{Metric: MetricRequests, Expression: expr}

	stat, op, valueStr, err := parseExpression(expr)
	if err != nil {
		result.Message = fmt.Sprintf("failed to parse expression: %v", err)
		return result
	}

	limit, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		result.Message = fmt.Sprintf("failed to parse threshold value: %v", err)
		return result
	}

	var actual float64
	switch stat {
	case "count":
		actual = float64(snap.TotalRequests)
	case "rate":
		actual = snap.RPS
	default:
		result.Message = fmt.Sprintf("requests only supports 'count' or 'rate', got: %s", stat)
		return result
	}

	result.Value = fmt.Sprintf("%.2f", actual)
	result.Passed = compare(actual, op, limit)
	if !result.Passed {
		result.Message = fmt.Sprintf("%s is %.2f, threshold: %s %.2f", stat, actual, op, limit)
	}
	return result
}

var expressionRe = regexp.MustCompile(`^(\w+)\s*([<>=!]+)\s*(.+)$`)

// parseExpression splits "p95 < 500ms" into statistic, operator and value.
func parseExpression(expr string) (stat, op, value string, err error) {
	m := expressionRe.FindStringSubmatch(strings.TrimSpace(expr))
	if len(m) != 4 {
		return "", "", "", fmt.Errorf("invalid expression format: %s", expr)
	}
	if !validOp(m[2]) {
		return "", "", "", fmt.Errorf("invalid operator %q in %s", m[2], expr)
	}
	return m[1], m[2], strings.TrimSpace(m[3]), nil
}

func validOp(op string) bool {
	switch op {
	case "<", "<=", ">", ">=", "==", "=", "!=", "<>":
		return true
	default:
		return false
	}
}

func compare(actual float64, op string, limit float64) bool {
	switch op {
	case "<":
		return actual < limit
	case "<=":
		return actual <= limit
	case ">":
		return actual > limit
	case ">=":
		return actual >= limit
	case "==", "=":
		return actual == limit
	case "!=", "<>":
		return actual != limit
	default:
		return false
	}
}
