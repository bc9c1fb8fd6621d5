// Package config provides parsing and validation of horde test files.
package config

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/wesleyorama2/horde/internal/load/threshold"
)

// TestConfig is the root of a test file.
//
// Example YAML:
//
//	name: "Editor load test"
//	host: "http://localhost:8086"
//	users: 100
//	spawnRate: 10
//	runTime: 5m
//	userClasses:
//	  - name: editor
//	    weight: 3
//	    minWait: 1s
//	    maxWait: 5s
//	    tasks:
//	      - name: home
//	        weight: 10
//	        requests:
//	          - method: GET
//	            path: /
type TestConfig struct {
	// Name of the test (for reporting)
	Name string `json:"name" yaml:"name"`

	// Description of the test (optional)
	Description string `json:"description,omitempty" yaml:"description,omitempty"`

	// Host is the base URL relative request paths are joined with
	Host string `json:"host" yaml:"host"`

	// Users is the target number of concurrent sessions
	Users int `json:"users,omitempty" yaml:"users,omitempty"`

	// SpawnRate is the maximum number of sessions started per second
	SpawnRate float64 `json:"spawnRate,omitempty" yaml:"spawnRate,omitempty"`

	// RunTime stops the test after this long (0 = until interrupted)
	RunTime Duration `json:"runTime,omitempty" yaml:"runTime,omitempty"`

	// GracefulStop is how long sessions get to finish their task on stop
	GracefulStop Duration `json:"gracefulStop,omitempty" yaml:"gracefulStop,omitempty"`

	// Seed makes session randomness repeatable (0 = random)
	Seed uint64 `json:"seed,omitempty" yaml:"seed,omitempty"`

	// HTTP configures the request executor
	HTTP HTTPSettings `json:"http,omitempty" yaml:"http,omitempty"`

	// Variables are available to every request template
	Variables map[string]string `json:"variables,omitempty" yaml:"variables,omitempty"`

	// Stages replace users/spawnRate/runTime with a load shape
	Stages []StageConfig `json:"stages,omitempty" yaml:"stages,omitempty"`

	// UserClasses defines the simulated user types
	UserClasses []UserClassConfig `json:"userClasses" yaml:"userClasses"`

	// Thresholds define pass/fail criteria for the final statistics
	Thresholds *threshold.Set `json:"thresholds,omitempty" yaml:"thresholds,omitempty"`

	// Metrics configures the Prometheus exporter
	Metrics MetricsSettings `json:"metrics,omitempty" yaml:"metrics,omitempty"`

	// History configures the run history store
	History HistorySettings `json:"history,omitempty" yaml:"history,omitempty"`
}

// HTTPSettings contains executor settings.
type HTTPSettings struct {
	// Timeout is the default request timeout
	Timeout Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`

	// MaxIdleConnsPerHost limits idle connections per host
	MaxIdleConnsPerHost int `json:"maxIdleConnsPerHost,omitempty" yaml:"maxIdleConnsPerHost,omitempty"`

	// MaxConnsPerHost limits connections per host
	MaxConnsPerHost int `json:"maxConnsPerHost,omitempty" yaml:"maxConnsPerHost,omitempty"`

	// InsecureSkipVerify skips TLS certificate verification
	InsecureSkipVerify bool `json:"insecureSkipVerify,omitempty" yaml:"insecureSkipVerify,omitempty"`

	// DisableKeepAlives disables HTTP keep-alives
	DisableKeepAlives bool `json:"disableKeepAlives,omitempty" yaml:"disableKeepAlives,omitempty"`

	// MaxRPS caps the request rate across all sessions
	MaxRPS float64 `json:"maxRPS,omitempty" yaml:"maxRPS,omitempty"`

	// UserAgent is the default User-Agent header
	UserAgent string `json:"userAgent,omitempty" yaml:"userAgent,omitempty"`

	// Headers are default headers applied to all requests
	Headers map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
}

// StageConfig defines one stage of a load shape.
type StageConfig struct {
	Duration  Duration `json:"duration" yaml:"duration"`
	Target    int      `json:"target" yaml:"target"`
	SpawnRate float64  `json:"spawnRate,omitempty" yaml:"spawnRate,omitempty"`
	Name      string   `json:"name,omitempty" yaml:"name,omitempty"`
}

// UserClassConfig defines a simulated user type.
type UserClassConfig struct {
	// Name identifies the class
	Name string `json:"name" yaml:"name"`

	// Weight is the relative population share (default 1)
	Weight int `json:"weight,omitempty" yaml:"weight,omitempty"`

	// MinWait and MaxWait bound the uniform think time between tasks
	MinWait Duration `json:"minWait,omitempty" yaml:"minWait,omitempty"`
	MaxWait Duration `json:"maxWait,omitempty" yaml:"maxWait,omitempty"`

	// MaxIterations ends a session after that many tasks
	MaxIterations int64 `json:"maxIterations,omitempty" yaml:"maxIterations,omitempty"`

	// MaxDuration ends a session after it has run this long
	MaxDuration Duration `json:"maxDuration,omitempty" yaml:"maxDuration,omitempty"`

	// Variables are class-level template variables
	Variables map[string]string `json:"variables,omitempty" yaml:"variables,omitempty"`

	// Headers are added to every request of the class
	Headers map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`

	// OnStart requests run once per session before the first task
	OnStart []RequestConfig `json:"onStart,omitempty" yaml:"onStart,omitempty"`

	// OnStop requests run once per session after the last task
	OnStop []RequestConfig `json:"onStop,omitempty" yaml:"onStop,omitempty"`

	// Tasks is the weighted task set
	Tasks []TaskConfig `json:"tasks" yaml:"tasks"`
}

// TaskConfig defines a weighted task made of one or more requests.
type TaskConfig struct {
	Name     string          `json:"name" yaml:"name"`
	Weight   int             `json:"weight,omitempty" yaml:"weight,omitempty"`
	Requests []RequestConfig `json:"requests" yaml:"requests"`
}

// RequestConfig defines a single request.
type RequestConfig struct {
	// Name groups the request in statistics (defaults to the path)
	Name string `json:"name,omitempty" yaml:"name,omitempty"`

	// Method is the HTTP method (default GET)
	Method string `json:"method,omitempty" yaml:"method,omitempty"`

	// Path is relative to the host, or an absolute URL
	Path string `json:"path" yaml:"path"`

	// Headers are request-specific headers
	Headers map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`

	// Body is a raw body template
	Body string `json:"body,omitempty" yaml:"body,omitempty"`

	// JSON is encoded as the body with a JSON content type
	JSON any `json:"json,omitempty" yaml:"json,omitempty"`

	// Timeout overrides the default request timeout
	Timeout Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`

	// Expect classifies the response
	Expect *ExpectConfig `json:"expect,omitempty" yaml:"expect,omitempty"`

	// Extract stores response values as session variables
	Extract []ExtractConfig `json:"extract,omitempty" yaml:"extract,omitempty"`
}

// ExpectConfig describes what a successful response looks like.
// Without it, any status below 400 succeeds.
type ExpectConfig struct {
	// Status lists accepted status codes
	Status []int `json:"status,omitempty" yaml:"status,omitempty"`

	// BodyContains lists substrings the body must contain
	BodyContains []string `json:"bodyContains,omitempty" yaml:"bodyContains,omitempty"`

	// JSON checks values in a JSON body
	JSON []JSONCheck `json:"json,omitempty" yaml:"json,omitempty"`

	// Schema is a JSON schema the body must satisfy
	Schema any `json:"schema,omitempty" yaml:"schema,omitempty"`

	// MaxLatency fails responses slower than this
	MaxLatency Duration `json:"maxLatency,omitempty" yaml:"maxLatency,omitempty"`
}

// JSONCheck checks one value of a JSON body.
type JSONCheck struct {
	// Path is a gjson path such as "data.items.#" or "status"
	Path string `json:"path" yaml:"path"`

	// Exists requires the path to be present
	Exists bool `json:"exists,omitempty" yaml:"exists,omitempty"`

	// Equals requires the value's string form to match
	Equals *string `json:"equals,omitempty" yaml:"equals,omitempty"`
}

// ExtractConfig stores a response value as a session variable.
type ExtractConfig struct {
	// Name of the variable
	Name string `json:"name" yaml:"name"`

	// JSON is a gjson path into the body
	JSON string `json:"json,omitempty" yaml:"json,omitempty"`

	// Header is a response header name
	Header string `json:"header,omitempty" yaml:"header,omitempty"`
}

// MetricsSettings configures the Prometheus exporter.
type MetricsSettings struct {
	// Addr is the listen address, e.g. ":9646" (empty = disabled)
	Addr string `json:"addr,omitempty" yaml:"addr,omitempty"`

	// Namespace prefixes the metric names (default "horde")
	Namespace string `json:"namespace,omitempty" yaml:"namespace,omitempty"`
}

// HistorySettings configures the run history store.
type HistorySettings struct {
	// Path of the bbolt database (empty = disabled)
	Path string `json:"path,omitempty" yaml:"path,omitempty"`
}

// Duration is a time.Duration that unmarshals from "30s" style strings or
// from a bare number of seconds.
type Duration time.Duration

// GetDuration returns the duration or a default if zero.
func (d Duration) GetDuration(defaultValue time.Duration) time.Duration {
	if d == 0 {
		return defaultValue
	}
	return time.Duration(d)
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(b []byte) error {
	s := string(b)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	if s == "" || s == "null" {
		*d = 0
		return nil
	}

	dur, err := ParseDurationString(s)
	if err != nil {
		return err
	}
	*d = Duration(dur)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	if s == "" {
		*d = 0
		return nil
	}

	dur, err := ParseDurationString(s)
	if err != nil {
		return err
	}
	*d = Duration(dur)
	return nil
}

// String returns the duration as a string.
func (d Duration) String() string {
	return time.Duration(d).String()
}

// ParseDurationString parses "30s", "1h30m", "2 minutes" or a bare number
// of seconds such as "90".
func ParseDurationString(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("duration cannot be empty")
	}

	if n, err := strconv.ParseFloat(s, 64); err == nil {
		if n < 0 {
			return 0, fmt.Errorf("duration cannot be negative: %s", s)
		}
		return time.Duration(n * float64(time.Second)), nil
	}

	if d, err := time.ParseDuration(s); err == nil {
		return d, nil
	}

	normalized := strings.ReplaceAll(strings.ToLower(s), " ", "")
	for _, r := range []struct{ word, unit string }{
		{"seconds", "s"}, {"second", "s"}, {"secs", "s"}, {"sec", "s"},
		{"minutes", "m"}, {"minute", "m"}, {"mins", "m"}, {"min", "m"},
		{"hours", "h"}, {"hour", "h"},
	} {
		normalized = strings.ReplaceAll(normalized, r.word, r.unit)
	}

	d, err := time.ParseDuration(normalized)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", s)
	}
	return d, nil
}
