package transport_test

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/wesleyorama2/horde/internal/load"
	"github.com/wesleyorama2/horde/internal/load/transport"
)

func TestNewHTTPExecutor_InvalidConfig(t *testing.T) {
	tests := []struct {
		name string
		cfg  transport.Config
	}{
		{"bad scheme", transport.Config{BaseURL: "ftp://example.com"}},
		{"unparseable", transport.Config{BaseURL: "http://[::1"}},
		{"negative rps", transport.Config{MaxRPS: -1}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := transport.NewHTTPExecutor(tt.cfg, nil)
			var cfgErr *load.ConfigError
			if !errors.As(err, &cfgErr) {
				t.Errorf("NewHTTPExecutor() error = %v, want *load.ConfigError", err)
			}
		})
	}
}

func TestHTTPExecutor_Execute(t *testing.T) {
	var gotUA, gotAuth, gotCT, gotBody, gotQuery string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		gotAuth = r.Header.Get("Authorization")
		gotCT = r.Header.Get("Content-Type")
		gotQuery = r.URL.RawQuery
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)

		switch r.URL.Path {
		case "/api/convert":
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte(`{"svg":"<svg/>"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	exec, err := transport.NewHTTPExecutor(transport.Config{
		BaseURL: server.URL + "/api/",
		Headers: map[string]string{"Authorization": "Bearer default"},
	}, nil)
	if err != nil {
		t.Fatalf("NewHTTPExecutor() error = %v", err)
	}

	resp, err := exec.Execute(context.Background(), &load.Request{
		Method: http.MethodPost,
		Path:   "/convert?format=svg",
		Header: http.Header{"Content-Type": {"application/json"}},
		Body:   []byte(`{"code":"@startuml\nA -> B\n@enduml"}`),
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	if resp.StatusCode != http.StatusOK {
		t.Errorf("StatusCode = %d, want 200", resp.StatusCode)
	}
	if string(resp.Body) != `{"svg":"<svg/>"}` {
		t.Errorf("Body = %q", resp.Body)
	}
	if resp.Header.Get("Content-Type") != "application/json" {
		t.Errorf("Content-Type = %q", resp.Header.Get("Content-Type"))
	}
	if resp.Elapsed <= 0 {
		t.Error("Elapsed should be positive")
	}
	if gotUA != transport.DefaultUserAgent {
		t.Errorf("User-Agent = %q, want default", gotUA)
	}
	if gotAuth != "Bearer default" {
		t.Errorf("Authorization = %q, want config default", gotAuth)
	}
	if gotCT != "application/json" {
		t.Errorf("Content-Type sent = %q", gotCT)
	}
	if gotQuery != "format=svg" {
		t.Errorf("query = %q, want format=svg", gotQuery)
	}
	if gotBody == "" {
		t.Error("request body was not sent")
	}
}

func TestHTTPExecutor_NotFoundIsNotAnError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	exec, _ := transport.NewHTTPExecutor(transport.Config{BaseURL: server.URL}, nil)
	resp, err := exec.Execute(context.Background(), &load.Request{Path: "/static/css/main.css"})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("StatusCode = %d, want 404", resp.StatusCode)
	}
}

func TestHTTPExecutor_RequestHeaderWins(t *testing.T) {
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
	}))
	defer server.Close()

	exec, _ := transport.NewHTTPExecutor(transport.Config{
		BaseURL: server.URL,
		Headers: map[string]string{"Authorization": "Bearer default"},
	}, nil)
	_, err := exec.Execute(context.Background(), &load.Request{
		Path:   "/admin/stats",
		Header: http.Header{"Authorization": {"Bearer admin_token"}},
	})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if gotAuth != "Bearer admin_token" {
		t.Errorf("Authorization = %q, want per-request value", gotAuth)
	}
}

func TestHTTPExecutor_AbsoluteURL(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	exec, _ := transport.NewHTTPExecutor(transport.Config{}, nil)
	resp, err := exec.Execute(context.Background(), &load.Request{Path: server.URL + "/health"})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("StatusCode = %d, want 204", resp.StatusCode)
	}

	_, err = exec.Execute(context.Background(), &load.Request{Path: "/health"})
	var terr *load.TransportError
	if !errors.As(err, &terr) {
		t.Errorf("relative path without base URL: error = %v, want *load.TransportError", err)
	}
}

func TestHTTPExecutor_Timeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(time.Second):
		case <-r.Context().Done():
		}
	}))
	defer server.Close()

	exec, _ := transport.NewHTTPExecutor(transport.Config{BaseURL: server.URL}, nil)

	start := time.Now()
	_, err := exec.Execute(context.Background(), &load.Request{Path: "/slow", Timeout: 50 * time.Millisecond})
	var terr *load.TransportError
	if !errors.As(err, &terr) {
		t.Fatalf("Execute() error = %v, want *load.TransportError", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Execute() error = %v, want deadline exceeded", err)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Errorf("timeout not honoured: took %v", time.Since(start))
	}
}

func TestHTTPExecutor_ConnectionRefused(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := server.URL
	server.Close()

	exec, _ := transport.NewHTTPExecutor(transport.Config{BaseURL: url}, nil)
	_, err := exec.Execute(context.Background(), &load.Request{Path: "/"})
	var terr *load.TransportError
	if !errors.As(err, &terr) {
		t.Errorf("Execute() error = %v, want *load.TransportError", err)
	}
}

func TestHTTPExecutor_MaxRPS(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer server.Close()

	exec, _ := transport.NewHTTPExecutor(transport.Config{BaseURL: server.URL, MaxRPS: 50}, nil)

	start := time.Now()
	for i := 0; i < 11; i++ {
		if _, err := exec.Execute(context.Background(), &load.Request{Path: "/"}); err != nil {
			t.Fatalf("Execute() error = %v", err)
		}
	}
	// burst of 5 then 20ms spacing
	if elapsed := time.Since(start); elapsed < 100*time.Millisecond {
		t.Errorf("11 requests at 50 rps took %v, want at least 100ms", elapsed)
	}
}

func TestHTTPExecutor_MaxBodyBytes(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(make([]byte, 4096))
	}))
	defer server.Close()

	exec, _ := transport.NewHTTPExecutor(transport.Config{BaseURL: server.URL, MaxBodyBytes: 100}, nil)
	resp, err := exec.Execute(context.Background(), &load.Request{Path: "/"})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if len(resp.Body) != 100 {
		t.Errorf("len(Body) = %d, want 100", len(resp.Body))
	}
}

func TestHTTPExecutor_TruncatedBodyKeepsConnection(t *testing.T) {
	var conns atomic.Int32
	server := httptest.NewUnstartedServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(make([]byte, 64<<10))
	}))
	server.Config.ConnState = func(_ net.Conn, state http.ConnState) {
		if state == http.StateNew {
			conns.Add(1)
		}
	}
	server.Start()
	defer server.Close()

	exec, _ := transport.NewHTTPExecutor(transport.Config{BaseURL: server.URL, MaxBodyBytes: 100}, nil)
	for i := 0; i < 3; i++ {
		resp, err := exec.Execute(context.Background(), &load.Request{Path: "/"})
		if err != nil {
			t.Fatalf("Execute() error = %v", err)
		}
		if len(resp.Body) != 100 {
			t.Errorf("len(Body) = %d, want 100", len(resp.Body))
		}
	}

	if n := conns.Load(); n != 1 {
		t.Errorf("connections opened = %d, want 1", n)
	}
}
