// Package plantumltest provides a stand-in for the PlantUML editor backend,
// good enough for every task of the built-in scenario to succeed.
package plantumltest

import (
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
)

// Editor is an http.Handler that mimics the editor endpoints and
// remembers the last request seen per path.
type Editor struct {
	mu      sync.Mutex
	headers map[string]http.Header
	bodies  map[string][]byte
	hits    atomic.Int64
}

// NewEditor creates an Editor.
func NewEditor() *Editor {
	return &Editor{headers: map[string]http.Header{}, bodies: map[string][]byte{}}
}

func (e *Editor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	e.hits.Add(1)
	body, _ := io.ReadAll(r.Body)
	e.mu.Lock()
	e.headers[r.URL.Path] = r.Header.Clone()
	e.bodies[r.URL.Path] = body
	e.mu.Unlock()

	switch {
	case r.URL.Path == "/":
		w.Header().Set("Content-Type", "text/html")
		w.Write([]byte("<html><title>PlantUML Editor</title></html>"))
	case r.URL.Path == "/api/convert":
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"plantuml": "@startuml\nA -> B\n@enduml"}`))
	case r.URL.Path == "/api/sync", r.URL.Path == "/api/websocket/simulate":
		w.WriteHeader(http.StatusOK)
	case r.URL.Path == "/css/style.css":
		w.Header().Set("Cache-Control", "max-age=3600")
		w.Write([]byte("body{}"))
	case r.URL.Path == "/api/health", r.URL.Path == "/health":
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status": "ok"}`))
	case strings.HasPrefix(r.URL.Path, "/api/admin/"):
		w.WriteHeader(http.StatusUnauthorized)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

// LastHeader returns the headers of the last request to path.
func (e *Editor) LastHeader(path string) http.Header {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.headers[path]
}

// LastBody returns the body of the last request to path.
func (e *Editor) LastBody(path string) []byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.bodies[path]
}

// Hits returns the number of requests served.
func (e *Editor) Hits() int64 {
	return e.hits.Load()
}
