package output

import (
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/wesleyorama2/horde/internal/load/stats"
	"github.com/wesleyorama2/horde/internal/load/threshold"
)

// Format represents a report output format
type Format string

const (
	// FormatText is the human readable console summary
	FormatText Format = "text"
	// FormatJSON is an indented JSON document
	FormatJSON Format = "json"
	// FormatYAML is a YAML document
	FormatYAML Format = "yaml"
	// FormatJUnit is JUnit XML with one test case per threshold
	FormatJUnit Format = "junit"
)

// ParseFormat converts a string to a Format.
func ParseFormat(s string) (Format, error) {
	switch Format(strings.ToLower(s)) {
	case FormatText, "":
		return FormatText, nil
	case FormatJSON:
		return FormatJSON, nil
	case FormatYAML, "yml":
		return FormatYAML, nil
	case FormatJUnit, "xml":
		return FormatJUnit, nil
	default:
		return "", fmt.Errorf("unsupported format: %s", s)
	}
}

// Report is the serialized form of a Summary.
type Report struct {
	Name       string             `json:"name" yaml:"name"`
	Host       string             `json:"host,omitempty" yaml:"host,omitempty"`
	Passed     bool               `json:"passed" yaml:"passed"`
	Incomplete int                `json:"incomplete,omitempty" yaml:"incomplete,omitempty"`
	StartTime  time.Time          `json:"startTime" yaml:"startTime"`
	Duration   string             `json:"duration" yaml:"duration"`
	Totals     ReportTotals       `json:"totals" yaml:"totals"`
	Latency    ReportLatency      `json:"latency" yaml:"latency"`
	Requests   []ReportRequest    `json:"requests,omitempty" yaml:"requests,omitempty"`
	Errors     []stats.ErrorStats `json:"errors,omitempty" yaml:"errors,omitempty"`
	Thresholds []threshold.Result `json:"thresholds,omitempty" yaml:"thresholds,omitempty"`
}

// ReportTotals holds run-wide counters.
type ReportTotals struct {
	Requests    int64   `json:"requests" yaml:"requests"`
	Failures    int64   `json:"failures" yaml:"failures"`
	FailureRate float64 `json:"failureRate" yaml:"failureRate"`
	Bytes       int64   `json:"bytes" yaml:"bytes"`
	RPS         float64 `json:"rps" yaml:"rps"`
}

// ReportLatency holds latency statistics in milliseconds.
type ReportLatency struct {
	Min  float64 `json:"minMs" yaml:"minMs"`
	Mean float64 `json:"meanMs" yaml:"meanMs"`
	P50  float64 `json:"p50Ms" yaml:"p50Ms"`
	P90  float64 `json:"p90Ms" yaml:"p90Ms"`
	P95  float64 `json:"p95Ms" yaml:"p95Ms"`
	P99  float64 `json:"p99Ms" yaml:"p99Ms"`
	Max  float64 `json:"maxMs" yaml:"maxMs"`
}

// ReportRequest is one row of the per-request breakdown.
type ReportRequest struct {
	Name     string        `json:"name" yaml:"name"`
	Count    int64         `json:"count" yaml:"count"`
	Failures int64         `json:"failures" yaml:"failures"`
	RPS      float64       `json:"rps" yaml:"rps"`
	Latency  ReportLatency `json:"latency" yaml:"latency"`
}

func millis(d time.Duration) float64 {
	return float64(d.Microseconds()) / 1000
}

func reportLatency(l stats.LatencyStats) ReportLatency {
	return ReportLatency{
		Min:  millis(l.Min),
		Mean: millis(l.Mean),
		P50:  millis(l.P50),
		P90:  millis(l.P90),
		P95:  millis(l.P95),
		P99:  millis(l.P99),
		Max:  millis(l.Max),
	}
}

// NewReport flattens a summary into its serializable form. Requests are
// sorted by name.
func NewReport(sum *Summary) *Report {
	snap := sum.Snapshot
	if snap == nil {
		snap = &stats.Snapshot{}
	}

	r := &Report{
		Name:       sum.Name,
		Host:       sum.Host,
		Passed:     sum.Passed(),
		Incomplete: sum.Incomplete,
		StartTime:  snap.StartTime,
		Duration:   snap.Elapsed.Round(time.Millisecond).String(),
		Totals: ReportTotals{
			Requests:    snap.TotalRequests,
			Failures:    snap.TotalFailures,
			FailureRate: snap.FailureRate,
			Bytes:       snap.TotalBytes,
			RPS:         snap.RPS,
		},
		Latency:    reportLatency(snap.Latency),
		Errors:     snap.Errors,
		Thresholds: sum.Thresholds,
	}

	for _, rs := range snap.Requests {
		r.Requests = append(r.Requests, ReportRequest{
			Name:     rs.Name,
			Count:    rs.Count,
			Failures: rs.Failures,
			RPS:      rs.RPS,
			Latency:  reportLatency(rs.Latency),
		})
	}
	sort.Slice(r.Requests, func(i, j int) bool { return r.Requests[i].Name < r.Requests[j].Name })
	return r
}

// JUnitTestSuites represents the root element of a JUnit XML report
type JUnitTestSuites struct {
	XMLName  xml.Name         `xml:"testsuites"`
	Name     string           `xml:"name,attr"`
	Tests    int              `xml:"tests,attr"`
	Failures int              `xml:"failures,attr"`
	Time     float64          `xml:"time,attr"`
	Suites   []JUnitTestSuite `xml:"testsuite"`
}

// JUnitTestSuite represents a test suite in JUnit XML
type JUnitTestSuite struct {
	Name      string          `xml:"name,attr"`
	Tests     int             `xml:"tests,attr"`
	Failures  int             `xml:"failures,attr"`
	Time      float64         `xml:"time,attr"`
	Timestamp string          `xml:"timestamp,attr,omitempty"`
	TestCases []JUnitTestCase `xml:"testcase"`
}

// JUnitTestCase represents a test case in JUnit XML
type JUnitTestCase struct {
	Name      string        `xml:"name,attr"`
	ClassName string        `xml:"classname,attr"`
	Time      float64       `xml:"time,attr"`
	Failure   *JUnitFailure `xml:"failure,omitempty"`
}

// JUnitFailure represents a test failure in JUnit XML
type JUnitFailure struct {
	Message string `xml:"message,attr"`
	Type    string `xml:"type,attr"`
	Content string `xml:",chardata"`
}

// junit maps thresholds onto test cases. A run without thresholds yields a
// single case that fails when any request failed.
func junit(r *Report, elapsed time.Duration) *JUnitTestSuites {
	suite := JUnitTestSuite{
		Name: r.Name,
		Time: elapsed.Seconds(),
	}
	if !r.StartTime.IsZero() {
		suite.Timestamp = r.StartTime.UTC().Format(time.RFC3339)
	}

	if len(r.Thresholds) == 0 {
		tc := JUnitTestCase{Name: "requests", ClassName: r.Name, Time: elapsed.Seconds()}
		if r.Totals.Failures > 0 {
			tc.Failure = &JUnitFailure{
				Message: fmt.Sprintf("%d of %d requests failed", r.Totals.Failures, r.Totals.Requests),
				Type:    "RequestFailure",
			}
		}
		suite.TestCases = append(suite.TestCases, tc)
	}
	for _, t := range r.Thresholds {
		tc := JUnitTestCase{
			Name:      t.Metric + ": " + t.Expression,
			ClassName: r.Name + ".thresholds",
		}
		if !t.Passed {
			tc.Failure = &JUnitFailure{
				Message: t.Message,
				Type:    "ThresholdFailure",
				Content: "actual: " + t.Value,
			}
		}
		suite.TestCases = append(suite.TestCases, tc)
	}

	for _, tc := range suite.TestCases {
		suite.Tests++
		if tc.Failure != nil {
			suite.Failures++
		}
	}

	return &JUnitTestSuites{
		Name:     r.Name,
		Tests:    suite.Tests,
		Failures: suite.Failures,
		Time:     suite.Time,
		Suites:   []JUnitTestSuite{suite},
	}
}

// WriteReport writes sum to w in the given format. FormatText prints the
// console summary without colors.
func WriteReport(w io.Writer, format Format, sum *Summary) error {
	if format == FormatText {
		NewConsole(ConsoleConfig{Writer: w, NoColor: true, TestName: sum.Name}).PrintSummary(sum)
		return nil
	}
	return WriteReportData(w, format, NewReport(sum))
}

// WriteReportData writes an already flattened report. FormatText is not
// supported here since it needs the full snapshot.
func WriteReportData(w io.Writer, format Format, r *Report) error {
	switch format {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(r); err != nil {
			return err
		}
		return enc.Close()
	case FormatJUnit:
		elapsed, _ := time.ParseDuration(r.Duration)
		if _, err := io.WriteString(w, xml.Header); err != nil {
			return err
		}
		enc := xml.NewEncoder(w)
		enc.Indent("", "  ")
		if err := enc.Encode(junit(r, elapsed)); err != nil {
			return err
		}
		_, err := io.WriteString(w, "\n")
		return err
	default:
		return fmt.Errorf("unsupported format: %s", format)
	}
}
