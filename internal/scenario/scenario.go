// Package scenario builds load user classes from declarative test files.
package scenario

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wesleyorama2/horde/internal/config"
	"github.com/wesleyorama2/horde/internal/load"
	"github.com/wesleyorama2/horde/internal/load/shape"
	"github.com/wesleyorama2/horde/internal/load/stats"
	"github.com/wesleyorama2/horde/internal/load/transport"
	"github.com/wesleyorama2/horde/pkg/jsonpath"
)

// Session variables set before any request of a session.
const (
	VarUserID    = "userId"
	VarSessionID = "sessionId"
)

// Build converts the user classes of cfg into load user classes.
func Build(cfg *config.TestConfig, logger *zap.Logger) ([]*load.UserClass, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("scenario")

	classes := make([]*load.UserClass, 0, len(cfg.UserClasses))
	for i := range cfg.UserClasses {
		uc, err := buildClass(&cfg.UserClasses[i], cfg.Variables)
		if err != nil {
			return nil, fmt.Errorf("userClasses.%s: %w", cfg.UserClasses[i].Name, err)
		}
		logger.Debug("built user class",
			zap.String("class", uc.Name),
			zap.Int("weight", uc.Weight),
			zap.Int("tasks", uc.Tasks.Len()),
		)
		classes = append(classes, uc)
	}
	return classes, nil
}

// TransportConfig maps the http block and host of cfg onto an executor config.
func TransportConfig(cfg *config.TestConfig) transport.Config {
	tc := transport.DefaultConfig()
	tc.BaseURL = cfg.Host
	tc.Timeout = cfg.HTTP.Timeout.GetDuration(tc.Timeout)
	if cfg.HTTP.MaxIdleConnsPerHost > 0 {
		tc.MaxIdleConnsPerHost = cfg.HTTP.MaxIdleConnsPerHost
	}
	tc.MaxConnsPerHost = cfg.HTTP.MaxConnsPerHost
	tc.InsecureSkipVerify = cfg.HTTP.InsecureSkipVerify
	tc.DisableKeepAlives = cfg.HTTP.DisableKeepAlives
	tc.MaxRPS = cfg.HTTP.MaxRPS

	tc.Headers = make(map[string]string, len(cfg.HTTP.Headers)+1)
	for k, v := range cfg.HTTP.Headers {
		tc.Headers[k] = v
	}
	if cfg.HTTP.UserAgent != "" {
		tc.Headers["User-Agent"] = cfg.HTTP.UserAgent
	}
	return tc
}

// Stages converts the configured stages into a load shape.
func Stages(cfg *config.TestConfig) []shape.Stage {
	stages := make([]shape.Stage, len(cfg.Stages))
	for i, st := range cfg.Stages {
		stages[i] = shape.Stage{
			Duration:  time.Duration(st.Duration),
			Target:    st.Target,
			SpawnRate: st.SpawnRate,
			Name:      st.Name,
		}
	}
	return stages
}

func buildClass(cfg *config.UserClassConfig, globals map[string]string) (*load.UserClass, error) {
	registry, _ := load.NewTaskRegistry()
	for i := range cfg.Tasks {
		tc := &cfg.Tasks[i]
		reqs, err := compileRequests(tc.Requests, cfg.Headers)
		if err != nil {
			return nil, fmt.Errorf("tasks.%s: %w", tc.Name, err)
		}
		if err := registry.Register(load.Task{
			Name:   tc.Name,
			Weight: tc.Weight,
			Fn:     sequence(reqs),
		}); err != nil {
			return nil, err
		}
	}

	onStart, err := compileRequests(cfg.OnStart, cfg.Headers)
	if err != nil {
		return nil, fmt.Errorf("onStart: %w", err)
	}
	onStop, err := compileRequests(cfg.OnStop, cfg.Headers)
	if err != nil {
		return nil, fmt.Errorf("onStop: %w", err)
	}

	vars := mergeVariables(globals, cfg.Variables)

	uc := &load.UserClass{
		Name:          cfg.Name,
		Weight:        cfg.Weight,
		MinWait:       time.Duration(cfg.MinWait),
		MaxWait:       time.Duration(cfg.MaxWait),
		Tasks:         registry,
		MaxIterations: cfg.MaxIterations,
		MaxDuration:   time.Duration(cfg.MaxDuration),
		OnStart: func(ctx context.Context, u *load.VirtualUser) error {
			seedSession(u, vars)
			return runHookRequests(ctx, u, onStart)
		},
	}
	if len(onStop) > 0 {
		uc.OnStop = func(ctx context.Context, u *load.VirtualUser) error {
			return runHookRequests(ctx, u, onStop)
		}
	}

	if err := uc.Validate(); err != nil {
		return nil, err
	}
	return uc, nil
}

// variable is a name/template pair.
type variable struct {
	name, value string
}

// mergeVariables layers class variables over globals. The result is sorted
// by name so that templates referencing other variables resolve the same
// way for every session.
func mergeVariables(layers ...map[string]string) []variable {
	merged := make(map[string]string)
	for _, layer := range layers {
		for k, v := range layer {
			merged[k] = v
		}
	}

	vars := make([]variable, 0, len(merged))
	for k, v := range merged {
		vars = append(vars, variable{name: k, value: v})
	}
	sort.Slice(vars, func(i, j int) bool { return vars[i].name < vars[j].name })
	return vars
}

// seedSession sets the session ids and the configured variables. Variable
// values may reference the ids, e.g. "user-{{userId}}".
func seedSession(u *load.VirtualUser, vars []variable) {
	u.SetData(VarUserID, strconv.FormatInt(u.ID, 10))
	u.SetData(VarSessionID, uuid.NewString())
	for _, v := range vars {
		u.SetData(v.name, u.ResolveVariables(v.value))
	}
}

// request is a compiled request template.
type request struct {
	name     string
	method   string
	path     string
	header   map[string]string
	body     string
	timeout  time.Duration
	classify load.Classifier
	extract  []config.ExtractConfig
}

func compileRequests(cfgs []config.RequestConfig, classHeaders map[string]string) ([]*request, error) {
	reqs := make([]*request, 0, len(cfgs))
	for i := range cfgs {
		r, err := compileRequest(&cfgs[i], classHeaders)
		if err != nil {
			return nil, fmt.Errorf("requests[%d]: %w", i, err)
		}
		reqs = append(reqs, r)
	}
	return reqs, nil
}

func compileRequest(rc *config.RequestConfig, classHeaders map[string]string) (*request, error) {
	classify, err := buildClassifier(rc.Expect)
	if err != nil {
		return nil, err
	}

	r := &request{
		name:     rc.Name,
		method:   strings.ToUpper(rc.Method),
		path:     rc.Path,
		header:   make(map[string]string, len(classHeaders)+len(rc.Headers)+1),
		body:     rc.Body,
		timeout:  time.Duration(rc.Timeout),
		classify: classify,
		extract:  rc.Extract,
	}
	if r.name == "" {
		r.name = rc.Path
	}
	if r.method == "" {
		r.method = http.MethodGet
	}
	for k, v := range classHeaders {
		r.header[k] = v
	}
	for k, v := range rc.Headers {
		r.header[k] = v
	}

	if rc.JSON != nil {
		b, err := json.Marshal(normalize(rc.JSON))
		if err != nil {
			return nil, fmt.Errorf("json body: %w", err)
		}
		r.body = string(b)
		if _, ok := r.header["Content-Type"]; !ok {
			r.header["Content-Type"] = "application/json"
		}
	}
	return r, nil
}

// do renders and executes the request in the session's variable scope.
// Extracted values are stored only when the response was classified a
// success.
func (r *request) do(ctx context.Context, u *load.VirtualUser) (stats.Outcome, error) {
	req := &load.Request{
		Name:    r.name,
		Method:  r.method,
		Path:    u.ResolveVariables(r.path),
		Timeout: r.timeout,
	}
	if len(r.header) > 0 {
		req.Header = make(http.Header, len(r.header))
		for k, v := range r.header {
			req.Header.Set(k, u.ResolveVariables(v))
		}
	}
	if r.body != "" {
		req.Body = []byte(u.ResolveVariables(r.body))
	}

	var resp *load.Response
	out, err := u.Execute(ctx, req, func(res *load.Response) error {
		resp = res
		return r.classify(res)
	})
	if err != nil || !out.Success || len(r.extract) == 0 {
		return out, err
	}

	for _, ex := range r.extract {
		if ex.Header != "" {
			v := resp.Header.Get(ex.Header)
			if v == "" {
				out.Success = false
				out.FailureReason = fmt.Sprintf("extract %s: header %s not set", ex.Name, ex.Header)
				return out, nil
			}
			u.SetData(ex.Name, v)
			continue
		}
		v, xerr := jsonpath.Extract(resp.Body, ex.JSON)
		if xerr != nil {
			out.Success = false
			out.FailureReason = fmt.Sprintf("extract %s: %v", ex.Name, xerr)
			return out, nil
		}
		u.SetData(ex.Name, v)
	}
	return out, nil
}

// sequence runs requests in order. Every outcome but the returned one is
// recorded directly; the task stops at the first failed request.
func sequence(reqs []*request) load.TaskFunc {
	return func(ctx context.Context, u *load.VirtualUser) (stats.Outcome, error) {
		for i, r := range reqs {
			out, err := r.do(ctx, u)
			if err != nil || !out.Success || i == len(reqs)-1 {
				return out, err
			}
			u.Record(ctx, out)
		}
		return stats.Outcome{}, nil
	}
}

// runHookRequests runs on_start or on_stop requests, recording each one.
// The first failure aborts the hook.
func runHookRequests(ctx context.Context, u *load.VirtualUser, reqs []*request) error {
	for _, r := range reqs {
		out, err := r.do(ctx, u)
		if err != nil {
			out.FailureReason = err.Error()
			u.Record(ctx, out)
			return err
		}
		u.Record(ctx, out)
		if !out.Success {
			return fmt.Errorf("%s: %s", out.Key(), out.FailureReason)
		}
	}
	return nil
}

// normalize converts map[interface{}]interface{} values into JSON-encodable maps.
func normalize(v any) any {
	switch t := v.(type) {
	case map[interface{}]interface{}:
		m := make(map[string]any, len(t))
		for k, val := range t {
			m[fmt.Sprint(k)] = normalize(val)
		}
		return m
	case map[string]any:
		m := make(map[string]any, len(t))
		for k, val := range t {
			m[k] = normalize(val)
		}
		return m
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalize(val)
		}
		return out
	default:
		return v
	}
}
