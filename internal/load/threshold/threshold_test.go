package threshold

import (
	"testing"
	"time"

	"github.com/wesleyorama2/horde/internal/load/stats"
)

func testSnapshot() *stats.Snapshot {
	return &stats.Snapshot{
		TotalRequests: 2000,
		TotalFailures: 10,
		FailureRate:   0.005,
		RPS:           66.7,
		Latency: stats.LatencyStats{
			Min:  2 * time.Millisecond,
			Max:  900 * time.Millisecond,
			Mean: 120 * time.Millisecond,
			P50:  90 * time.Millisecond,
			P90:  300 * time.Millisecond,
			P95:  450 * time.Millisecond,
			P99:  800 * time.Millisecond,
		},
	}
}

func TestParseExpression(t *testing.T) {
	tests := []struct {
		expr    string
		stat    string
		op      string
		value   string
		wantErr bool
	}{
		{"p95 < 500ms", "p95", "<", "500ms", false},
		{"rate<=0.01", "rate", "<=", "0.01", false},
		{"  count  >  1000 ", "count", ">", "1000", false},
		{"p95 500ms", "", "", "", true},
		{"p95 =< 500ms", "", "", "", true},
		{"", "", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			stat, op, value, err := parseExpression(tt.expr)
			if (err != nil) != tt.wantErr {
				t.Fatalf("parseExpression() error = %v, wantErr %v", err, tt.wantErr)
			}
			if stat != tt.stat || op != tt.op || value != tt.value {
				t.Errorf("parseExpression() = %q %q %q, want %q %q %q", stat, op, value, tt.stat, tt.op, tt.value)
			}
		})
	}
}

func TestCompare(t *testing.T) {
	tests := []struct {
		actual float64
		op     string
		limit  float64
		want   bool
	}{
		{1, "<", 2, true},
		{2, "<", 2, false},
		{2, "<=", 2, true},
		{3, ">", 2, true},
		{2, ">=", 2, true},
		{2, "==", 2, true},
		{2, "=", 2, true},
		{2, "!=", 3, true},
		{2, "<>", 2, false},
		{2, "~", 2, false},
	}
	for _, tt := range tests {
		if got := compare(tt.actual, tt.op, tt.limit); got != tt.want {
			t.Errorf("compare(%v %s %v) = %v, want %v", tt.actual, tt.op, tt.limit, got, tt.want)
		}
	}
}

func TestEvaluate(t *testing.T) {
	set := &Set{
		Latency:  []string{"p95 < 500ms", "p99 < 500ms", "avg <= 120ms", "p42 < 1s"},
		Failures: []string{"rate < 0.01", "count == 10", "ratio < 1"},
		Requests: []string{"count > 1000", "rate > 100"},
	}

	results := Evaluate(set, testSnapshot())
	if len(results) != 9 {
		t.Fatalf("len(results) = %d, want 9", len(results))
	}

	want := []bool{true, false, true, false, true, true, false, true, false}
	for i, r := range results {
		if r.Passed != want[i] {
			t.Errorf("%s %q: Passed = %v, want %v (%s)", r.Metric, r.Expression, r.Passed, want[i], r.Message)
		}
		if !r.Passed && r.Message == "" {
			t.Errorf("%q failed without a message", r.Expression)
		}
	}

	if results[0].Value != "450ms" {
		t.Errorf("p95 Value = %q, want 450ms", results[0].Value)
	}
	if Passed(results) {
		t.Error("Passed() = true, want false")
	}
}

func TestEvaluate_Empty(t *testing.T) {
	if got := Evaluate(nil, testSnapshot()); got != nil {
		t.Errorf("Evaluate(nil) = %v, want nil", got)
	}
	if got := Evaluate(&Set{}, testSnapshot()); got != nil {
		t.Errorf("Evaluate(empty) = %v, want nil", got)
	}
	if !Passed(nil) {
		t.Error("Passed(nil) should be true")
	}
}

func TestEvaluate_ZeroRequests(t *testing.T) {
	results := Evaluate(&Set{Failures: []string{"rate < 0.01"}}, &stats.Snapshot{})
	if len(results) != 1 || !results[0].Passed {
		t.Errorf("failure rate of an empty run should pass: %+v", results)
	}
}

func TestSet_Validate(t *testing.T) {
	tests := []struct {
		name    string
		set     *Set
		wantErr bool
	}{
		{"nil", nil, false},
		{"valid", &Set{Latency: []string{"p95 < 500ms"}, Failures: []string{"rate < 0.01"}, Requests: []string{"count > 1"}}, false},
		{"bad latency stat", &Set{Latency: []string{"p42 < 1s"}}, true},
		{"bad latency value", &Set{Latency: []string{"p95 < fast"}}, true},
		{"bad failure stat", &Set{Failures: []string{"ratio < 0.1"}}, true},
		{"bad request value", &Set{Requests: []string{"count > many"}}, true},
		{"unparseable", &Set{Requests: []string{"count"}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.set.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
