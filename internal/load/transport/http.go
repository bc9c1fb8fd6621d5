// Package transport provides the HTTP request executor used by scenarios.
package transport

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/wesleyorama2/horde/internal/load"
)

// DefaultUserAgent is sent when neither the request nor the config sets one.
const DefaultUserAgent = "horde/1.0"

// Config contains HTTP executor configuration.
type Config struct {
	// BaseURL is joined with relative request paths
	BaseURL string

	// Timeout for a whole request including the body read
	Timeout time.Duration

	// MaxIdleConns controls the maximum number of idle connections
	MaxIdleConns int

	// MaxIdleConnsPerHost controls the maximum idle connections per host
	MaxIdleConnsPerHost int

	// MaxConnsPerHost limits the total connections per host (0 = unlimited)
	MaxConnsPerHost int

	// IdleConnTimeout is how long idle connections are kept alive
	IdleConnTimeout time.Duration

	// DisableKeepAlives disables HTTP keep-alives
	DisableKeepAlives bool

	// DisableCompression disables automatic decompression
	DisableCompression bool

	// InsecureSkipVerify skips TLS certificate verification
	InsecureSkipVerify bool

	// Headers are added to every request that does not set them
	Headers map[string]string

	// MaxRPS caps requests per second across all sessions (0 = unlimited)
	MaxRPS float64

	// MaxBodyBytes bounds how much of a response body is kept (0 = unlimited)
	MaxBodyBytes int64
}

// DefaultConfig returns defaults suited to load generation.
func DefaultConfig() Config {
	return Config{
		Timeout:             30 * time.Second,
		MaxIdleConns:        1000,
		MaxIdleConnsPerHost: 100,
		IdleConnTimeout:     90 * time.Second,
	}
}

// HTTPExecutor executes requests over a shared, pooled HTTP client.
// It is safe for concurrent use by every session.
type HTTPExecutor struct {
	client  *http.Client
	base    *url.URL
	headers map[string]string
	limiter *rate.Limiter
	maxBody int64
	logger  *zap.Logger
}

var _ load.RequestExecutor = (*HTTPExecutor)(nil)

// NewHTTPExecutor creates an executor from cfg. Zero fields take defaults.
func NewHTTPExecutor(cfg Config, logger *zap.Logger) (*HTTPExecutor, error) {
	def := DefaultConfig()
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxIdleConns <= 0 {
		cfg.MaxIdleConns = def.MaxIdleConns
	}
	if cfg.MaxIdleConnsPerHost <= 0 {
		cfg.MaxIdleConnsPerHost = def.MaxIdleConnsPerHost
	}
	if cfg.IdleConnTimeout <= 0 {
		cfg.IdleConnTimeout = def.IdleConnTimeout
	}
	if cfg.MaxRPS < 0 {
		return nil, &load.ConfigError{Field: "http.maxRPS", Message: "maxRPS cannot be negative"}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	e := &HTTPExecutor{
		client:  newClient(cfg),
		headers: cfg.Headers,
		maxBody: cfg.MaxBodyBytes,
		logger:  logger.Named("transport"),
	}

	if cfg.BaseURL != "" {
		u, err := url.Parse(cfg.BaseURL)
		if err != nil {
			return nil, &load.ConfigError{Field: "host", Message: fmt.Sprintf("invalid base URL: %v", err)}
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return nil, &load.ConfigError{Field: "host", Message: "base URL must use http or https"}
		}
		e.base = u
	}

	if cfg.MaxRPS > 0 {
		burst := max(1, int(cfg.MaxRPS/10))
		e.limiter = rate.NewLimiter(rate.Limit(cfg.MaxRPS), burst)
	}

	return e, nil
}

func newClient(cfg Config) *http.Client {
	tr := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        cfg.MaxIdleConns,
		MaxIdleConnsPerHost: cfg.MaxIdleConnsPerHost,
		MaxConnsPerHost:     cfg.MaxConnsPerHost,
		IdleConnTimeout:     cfg.IdleConnTimeout,
		DisableKeepAlives:   cfg.DisableKeepAlives,
		DisableCompression:  cfg.DisableCompression,
	}
	if cfg.InsecureSkipVerify {
		tr.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // opt-in for test targets
	}

	return &http.Client{
		Transport: tr,
		Timeout:   cfg.Timeout,
	}
}

// Execute performs req. A non-2xx status is not an error; classification
// is left to the caller.
func (e *HTTPExecutor) Execute(ctx context.Context, req *load.Request) (*load.Response, error) {
	op := req.Method + " " + req.Path

	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return nil, &load.TransportError{Op: op, Err: err}
		}
	}

	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	httpReq, err := e.buildRequest(ctx, req)
	if err != nil {
		return nil, &load.TransportError{Op: op, Err: err}
	}

	start := time.Now()
	resp, err := e.client.Do(httpReq)
	if err != nil {
		e.logger.Debug("request failed", zap.String("op", op), zap.Error(err))
		return nil, &load.TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	var reader io.Reader = resp.Body
	if e.maxBody > 0 {
		reader = io.LimitReader(resp.Body, e.maxBody)
	}
	body, err := io.ReadAll(reader)
	elapsed := time.Since(start)
	if err != nil {
		return nil, &load.TransportError{Op: op, Err: fmt.Errorf("failed to read response body: %w", err)}
	}
	if e.maxBody > 0 {
		// the connection is only reused once the body is read to EOF
		_, _ = io.Copy(io.Discard, resp.Body)
	}

	return &load.Response{
		StatusCode: resp.StatusCode,
		Body:       body,
		Header:     resp.Header,
		Elapsed:    elapsed,
	}, nil
}

func (e *HTTPExecutor) buildRequest(ctx context.Context, req *load.Request) (*http.Request, error) {
	target, err := e.resolve(req.Path)
	if err != nil {
		return nil, err
	}

	method := req.Method
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, err
	}

	for k, vals := range req.Header {
		for _, v := range vals {
			httpReq.Header.Add(k, v)
		}
	}
	for k, v := range e.headers {
		if httpReq.Header.Get(k) == "" {
			httpReq.Header.Set(k, v)
		}
	}
	if httpReq.Header.Get("User-Agent") == "" {
		httpReq.Header.Set("User-Agent", DefaultUserAgent)
	}

	return httpReq, nil
}

// resolve joins a relative path with the base URL. Absolute URLs pass through.
func (e *HTTPExecutor) resolve(path string) (string, error) {
	if strings.HasPrefix(path, "http://") || strings.HasPrefix(path, "https://") {
		return path, nil
	}
	if e.base == nil {
		return "", errors.New("relative path " + path + " without a base URL")
	}

	ref, err := url.Parse(path)
	if err != nil {
		return "", fmt.Errorf("invalid path %q: %w", path, err)
	}

	joined := *e.base
	joined.Path = strings.TrimSuffix(e.base.Path, "/") + "/" + strings.TrimPrefix(ref.Path, "/")
	joined.RawQuery = ref.RawQuery
	return joined.String(), nil
}

// CloseIdleConnections releases pooled connections.
func (e *HTTPExecutor) CloseIdleConnections() {
	e.client.CloseIdleConnections()
}
