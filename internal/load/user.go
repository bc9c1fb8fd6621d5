package load

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/wesleyorama2/horde/internal/load/events"
	"github.com/wesleyorama2/horde/internal/load/stats"
)

// UserState represents the lifecycle state of a virtual user.
type UserState int32

const (
	// UserCreated indicates the user exists but Run has not been called.
	UserCreated UserState = iota
	// UserStarting indicates the on_start hook is running.
	UserStarting
	// UserRunning indicates a task is executing.
	UserRunning
	// UserPaused indicates the user is in think time.
	UserPaused
	// UserStopping indicates the user has been asked to stop.
	UserStopping
	// UserStopped indicates the user has fully stopped.
	UserStopped
)

func (s UserState) String() string {
	switch s {
	case UserCreated:
		return "created"
	case UserStarting:
		return "starting"
	case UserRunning:
		return "running"
	case UserPaused:
		return "paused"
	case UserStopping:
		return "stopping"
	case UserStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// UserOptions carries the collaborators of a virtual user.
type UserOptions struct {
	Executor RequestExecutor
	Stats    *stats.Aggregator
	Bus      *events.Bus
	Logger   *zap.Logger

	// Rand is the session's random source. A nil Rand is seeded from the ID.
	Rand *rand.Rand
}

// VirtualUser is one simulated session.
//
// Each user owns its random source, variable scope and counters and runs
// its tasks strictly sequentially on a single goroutine. Only Run's
// goroutine may use Rand; RequestStop and the getters are safe from any
// goroutine.
type VirtualUser struct {
	// ID is unique within a scheduler
	ID int64

	// Class is the definition this user was built from
	Class *UserClass

	// State is the opaque session state built by Class.NewState
	State any

	executor RequestExecutor
	stats    *stats.Aggregator
	bus      *events.Bus
	logger   *zap.Logger
	rng      *rand.Rand

	state     atomic.Int32
	startedAt atomic.Int64

	stopCh   chan struct{}
	stopOnce sync.Once
	doneCh   chan struct{}
	doneOnce sync.Once

	iterations atomic.Int64
	failures   atomic.Int64

	// Per-session variable scope
	data   map[string]any
	dataMu sync.RWMutex
}

// NewVirtualUser creates a virtual user in the Created state.
func NewVirtualUser(id int64, class *UserClass, opts UserOptions) *VirtualUser {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	rng := opts.Rand
	if rng == nil {
		rng = rand.New(rand.NewPCG(uint64(id), uint64(time.Now().UnixNano())))
	}

	return &VirtualUser{
		ID:       id,
		Class:    class,
		executor: opts.Executor,
		stats:    opts.Stats,
		bus:      opts.Bus,
		logger:   logger.With(zap.Int64("user_id", id), zap.String("user_class", class.Name)),
		rng:      rng,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
		data:     make(map[string]any),
	}
}

// GetState returns the current state.
func (u *VirtualUser) GetState() UserState {
	return UserState(u.state.Load())
}

// Iterations returns the number of executed tasks.
func (u *VirtualUser) Iterations() int64 {
	return u.iterations.Load()
}

// Failures returns the number of failed task executions.
func (u *VirtualUser) Failures() int64 {
	return u.failures.Load()
}

// StartedAt returns when Run began, or the zero time.
func (u *VirtualUser) StartedAt() time.Time {
	ns := u.startedAt.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Rand returns the session's random source. Use it only from tasks and hooks.
func (u *VirtualUser) Rand() *rand.Rand {
	return u.rng
}

// Logger returns a logger tagged with the user's id and class.
func (u *VirtualUser) Logger() *zap.Logger {
	return u.logger
}

// Done is closed once Run has returned.
func (u *VirtualUser) Done() <-chan struct{} {
	return u.doneCh
}

// setState moves to the target state unless the user is already stopping
// or stopped; stopping can only move on to stopped.
func (u *VirtualUser) setState(to UserState) bool {
	for {
		cur := UserState(u.state.Load())
		if cur == UserStopped || (cur == UserStopping && to != UserStopped) {
			return false
		}
		if u.state.CompareAndSwap(int32(cur), int32(to)) {
			return true
		}
	}
}

// RequestStop asks the user to stop after the task in flight, cutting
// any think time short. It is safe to call more than once.
func (u *VirtualUser) RequestStop() {
	u.stopOnce.Do(func() {
		close(u.stopCh)
	})
	u.setState(UserStopping)
}

// StopRequested reports whether RequestStop has been called.
func (u *VirtualUser) StopRequested() bool {
	select {
	case <-u.stopCh:
		return true
	default:
		return false
	}
}

// WaitForStop waits for Run to return, up to timeout.
func (u *VirtualUser) WaitForStop(timeout time.Duration) bool {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-u.doneCh:
		return true
	case <-t.C:
		return false
	}
}

// abandon forces the user into Stopped while its goroutine may still be
// unwinding an abandoned request.
func (u *VirtualUser) abandon() {
	u.RequestStop()
	u.state.Store(int32(UserStopped))
}

func (u *VirtualUser) markStopped() {
	u.state.Store(int32(UserStopped))
	u.doneOnce.Do(func() {
		close(u.doneCh)
	})
}

// Run executes the session until it is stopped, its context is cancelled
// or its iteration/time budget is spent. It returns once the user is Stopped.
func (u *VirtualUser) Run(ctx context.Context) {
	defer u.markStopped()

	if !u.state.CompareAndSwap(int32(UserCreated), int32(UserStarting)) {
		return
	}
	u.startedAt.Store(time.Now().UnixNano())

	if u.Class.NewState != nil {
		u.State = u.Class.NewState()
	}

	if u.Class.OnStart != nil {
		if err := u.runHook(ctx, "on_start", u.Class.OnStart); err != nil {
			u.reportSessionError("session hook failed", err)
			return
		}
	}

	u.loop(ctx)

	u.setState(UserStopping)
	if u.Class.OnStop != nil {
		if err := u.runHook(ctx, "on_stop", u.Class.OnStop); err != nil {
			u.reportSessionError("session hook failed", err)
		}
	}
}

// loop repeatedly selects a task, executes it and paces.
func (u *VirtualUser) loop(ctx context.Context) {
	var deadline time.Time
	if u.Class.MaxDuration > 0 {
		deadline = u.StartedAt().Add(u.Class.MaxDuration)
	}

	for {
		if u.shouldStop(ctx) {
			return
		}
		if limit := u.Class.MaxIterations; limit > 0 && u.iterations.Load() >= limit {
			return
		}
		if !deadline.IsZero() && !time.Now().Before(deadline) {
			return
		}

		task, err := u.Class.Tasks.Select(u.rng)
		if err != nil {
			u.logger.Error("task selection failed", zap.Error(err))
			return
		}

		u.setState(UserRunning)
		outcome := u.runTask(ctx, task)

		// An abandoned request is neither a success nor a failure.
		if ctx.Err() != nil {
			return
		}

		u.iterations.Add(1)
		if !outcome.Success {
			u.failures.Add(1)
		}
		if u.stats != nil {
			u.stats.RecordShard(uint64(u.ID), outcome)
		}

		wait := u.Class.waitTime(u.rng)
		if !deadline.IsZero() {
			if remaining := time.Until(deadline); remaining < wait {
				wait = max(remaining, 0)
			}
		}
		if !u.pause(ctx, wait) {
			return
		}
	}
}

func (u *VirtualUser) shouldStop(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}
	return u.StopRequested()
}

// pause suspends the session for the think time. It reports false when
// the session was asked to stop meanwhile.
func (u *VirtualUser) pause(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return !u.shouldStop(ctx)
	}

	u.setState(UserPaused)
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-u.stopCh:
		return false
	case <-t.C:
		return true
	}
}

// runTask executes one task, converting errors and panics into a failed
// outcome so that the session keeps running. A panic is also reported as
// a session error; a returned error is not.
func (u *VirtualUser) runTask(ctx context.Context, task Task) (out stats.Outcome) {
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			err := &TaskExecutionError{Task: task.Name, Err: fmt.Errorf("panic: %v", r)}
			out = stats.Outcome{
				RequestName:   task.Name,
				Latency:       time.Since(start),
				FailureReason: err.Err.Error(),
			}
			u.reportSessionError("task panicked", err)
		}
	}()

	out, err := task.Fn(ctx, u)
	if out.RequestName == "" {
		out.RequestName = task.Name
	}
	if out.Latency <= 0 {
		out.Latency = time.Since(start)
	}

	if err != nil {
		var terr *TransportError
		if !errors.As(err, &terr) {
			err = &TaskExecutionError{Task: task.Name, Err: err}
		}
		u.logger.Debug("task failed", zap.String("task", task.Name), zap.Error(err))

		out.Success = false
		out.FailureReason = failureReason(err)
	}

	return out
}

// failureReason strips the task wrapper so the stats show the task's own message.
func failureReason(err error) string {
	var texec *TaskExecutionError
	if errors.As(err, &texec) && texec.Err != nil {
		return texec.Err.Error()
	}
	return err.Error()
}

func (u *VirtualUser) runHook(ctx context.Context, name string, hook HookFunc) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &HookError{Hook: name, SessionID: u.ID, Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	if herr := hook(ctx, u); herr != nil {
		return &HookError{Hook: name, SessionID: u.ID, Err: herr}
	}
	return nil
}

func (u *VirtualUser) reportSessionError(msg string, err error) {
	u.logger.Warn(msg, zap.Error(err))
	if u.bus != nil {
		u.bus.Emit(events.KindSessionError, events.SessionError{
			SessionID: u.ID,
			Class:     u.Class.Name,
			Err:       err,
		})
	}
}

// Execute sends req through the request executor and classifies the
// response. The returned error is non-nil only when no response was
// obtained, in which case it is a *TransportError.
func (u *VirtualUser) Execute(ctx context.Context, req *Request, classify Classifier) (stats.Outcome, error) {
	if req.Method == "" {
		req.Method = "GET"
	}
	out := stats.Outcome{RequestName: req.Label(), Method: req.Method}

	if u.executor == nil {
		return out, &TransportError{Op: "execute", Err: errors.New("no request executor configured")}
	}

	start := time.Now()
	resp, err := u.executor.Execute(ctx, req)
	if err != nil {
		out.Latency = time.Since(start)
		var terr *TransportError
		if !errors.As(err, &terr) {
			err = &TransportError{Op: req.Method + " " + req.Path, Err: err}
		}
		return out, err
	}

	out.Latency = resp.Elapsed
	if out.Latency <= 0 {
		out.Latency = time.Since(start)
	}
	out.StatusLabel = strconv.Itoa(resp.StatusCode)
	out.Bytes = int64(len(resp.Body))

	if classify == nil {
		classify = DefaultClassifier
	}
	if cerr := classify(resp); cerr != nil {
		out.FailureReason = cerr.Error()
	} else {
		out.Success = true
	}

	return out, nil
}

// Record adds an intermediate outcome to the statistics. Tasks that issue
// several requests use it for all but the one they return. Outcomes of
// requests abandoned by cancellation are dropped.
func (u *VirtualUser) Record(ctx context.Context, o stats.Outcome) {
	if u.stats == nil || ctx.Err() != nil {
		return
	}
	u.stats.RecordShard(uint64(u.ID), o)
}

// SetData stores a value in the user's variable scope.
func (u *VirtualUser) SetData(key string, value any) {
	u.dataMu.Lock()
	defer u.dataMu.Unlock()
	u.data[key] = value
}

// GetData retrieves a value from the user's variable scope.
func (u *VirtualUser) GetData(key string) (any, bool) {
	u.dataMu.RLock()
	defer u.dataMu.RUnlock()
	val, ok := u.data[key]
	return val, ok
}

// GetString retrieves a value formatted as a string, or "" when unset.
func (u *VirtualUser) GetString(key string) string {
	v, ok := u.GetData(key)
	if !ok {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

// ClearData removes a value from the user's variable scope.
func (u *VirtualUser) ClearData(key string) {
	u.dataMu.Lock()
	defer u.dataMu.Unlock()
	delete(u.data, key)
}

// ResolveVariables replaces {{name}} placeholders with values from the
// user's variable scope. Unknown placeholders are left untouched.
func (u *VirtualUser) ResolveVariables(input string) string {
	if !strings.Contains(input, "{{") {
		return input
	}

	u.dataMu.RLock()
	defer u.dataMu.RUnlock()

	result := input
	for key, value := range u.data {
		placeholder := "{{" + key + "}}"
		if strings.Contains(result, placeholder) {
			result = strings.ReplaceAll(result, placeholder, fmt.Sprintf("%v", value))
		}
	}
	return result
}
