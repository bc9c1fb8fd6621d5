package telemetry

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wesleyorama2/horde/internal/load/stats"
)

func testSnapshot() *stats.Snapshot {
	return &stats.Snapshot{
		TotalRequests: 1200,
		TotalFailures: 12,
		TotalBytes:    4096,
		FailureRate:   0.01,
		RPS:           40,
		ActiveUsers:   7,
		Phase:         stats.PhaseRunning,
		Latency: stats.LatencyStats{
			Mean:  20 * time.Millisecond,
			P50:   18 * time.Millisecond,
			P95:   42 * time.Millisecond,
			Count: 1200,
		},
		Requests: map[string]*stats.RequestStats{
			"GET /": {Name: "GET /", Count: 1200, Failures: 12, Latency: stats.LatencyStats{Count: 1200}},
		},
	}
}

func scrape(t *testing.T, h http.Handler) string {
	t.Helper()
	srv := httptest.NewServer(h)
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(body)
}

func TestCollectorExportsSnapshot(t *testing.T) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(NewCollector("", testSnapshot))

	out := scrape(t, Handler(reg))

	for _, want := range []string{
		`horde_requests_total{request="GET /"} 1200`,
		`horde_request_failures_total{request="GET /"} 12`,
		`horde_response_bytes_total 4096`,
		`horde_failure_ratio 0.01`,
		`horde_requests_per_second 40`,
		`horde_users 7`,
		`horde_latency_seconds{quantile="0.95"} 0.042`,
		`horde_latency_seconds_count 1200`,
		`horde_phase{phase="running"} 1`,
		`horde_phase{phase="done"} 0`,
	} {
		assert.Contains(t, out, want)
	}
}

func TestCollectorNamespaceAndNilSnapshot(t *testing.T) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(NewCollector("loadtest", func() *stats.Snapshot { return nil }))

	families, err := reg.Gather()
	require.NoError(t, err)
	assert.Empty(t, families, "no metrics before the run starts")

	reg = prometheus.NewRegistry()
	reg.MustRegister(NewCollector("loadtest", testSnapshot))
	assert.Contains(t, scrape(t, Handler(reg)), "loadtest_users 7")
}

func TestNewRegistry(t *testing.T) {
	reg := NewRegistry(NewCollector("", testSnapshot))
	out := scrape(t, Handler(reg))
	assert.Contains(t, out, "horde_users 7")
	assert.Contains(t, out, "go_goroutines")
}

func TestServerServeListener(t *testing.T) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(NewCollector("", testSnapshot))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	srv := NewServer(ln.Addr().String(), reg, nil)
	done := make(chan error, 1)
	go func() { done <- srv.ServeListener(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/metrics")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Contains(t, string(body), "horde_users 7")

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
}
