// Command test-server serves a stand-in PlantUML editor for trying the
// built-in scenario locally:
//
//	go run ./scripts/test-server -addr :8086
//	horde plantuml --host http://localhost:8086 --users 50 --run-time 1m
package main

import (
	"flag"
	"log"
	"net/http"
	"runtime"
	"time"

	"github.com/wesleyorama2/horde/internal/scenario/plantuml/plantumltest"
)

func main() {
	addr := flag.String("addr", ":8086", "listen address")
	flag.Parse()

	// Configure server for high throughput
	server := &http.Server{
		Addr:              *addr,
		Handler:           plantumltest.NewEditor(),
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      5 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
		ReadHeaderTimeout: 2 * time.Second,
	}

	log.Printf("Starting PlantUML editor stand-in on %s", *addr)
	log.Printf("Using %d CPU cores", runtime.NumCPU())

	if err := server.ListenAndServe(); err != nil {
		log.Fatal(err)
	}
}
