package load

import (
	"context"
	"fmt"
	"net/http"
	"time"
)

// Request describes a single call made by a task.
type Request struct {
	// Name groups outcomes in the statistics (defaults to Path)
	Name string

	Method  string
	Path    string
	Header  http.Header
	Body    []byte
	Timeout time.Duration
}

// Label returns the name used for statistics.
func (r *Request) Label() string {
	if r.Name != "" {
		return r.Name
	}
	return r.Path
}

// Response is the raw result of an executed request.
type Response struct {
	StatusCode int
	Body       []byte
	Header     http.Header
	Elapsed    time.Duration
}

// RequestExecutor performs a single request. Implementations must be safe
// for concurrent use and return a *TransportError when no response was
// obtained.
type RequestExecutor interface {
	Execute(ctx context.Context, req *Request) (*Response, error)
}

// ExecutorFunc adapts an ordinary function to RequestExecutor. Useful for
// in-process targets and tests.
type ExecutorFunc func(ctx context.Context, req *Request) (*Response, error)

// Execute calls f(ctx, req).
func (f ExecutorFunc) Execute(ctx context.Context, req *Request) (*Response, error) {
	return f(ctx, req)
}

// Classifier decides whether a response counts as a success. A nil error
// is a success; the error text becomes the failure reason.
type Classifier func(resp *Response) error

// StatusBelow accepts every status code lower than limit.
func StatusBelow(limit int) Classifier {
	return func(resp *Response) error {
		if resp.StatusCode >= limit {
			return fmt.Errorf("unexpected status %d", resp.StatusCode)
		}
		return nil
	}
}

// ExpectStatus accepts only the listed status codes.
func ExpectStatus(codes ...int) Classifier {
	return func(resp *Response) error {
		for _, c := range codes {
			if resp.StatusCode == c {
				return nil
			}
		}
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
}

// DefaultClassifier is applied when a task passes no classifier.
var DefaultClassifier = StatusBelow(400)
