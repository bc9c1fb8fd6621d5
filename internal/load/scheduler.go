package load

import (
	"context"
	"math"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/wesleyorama2/horde/internal/load/events"
	"github.com/wesleyorama2/horde/internal/load/rate"
	"github.com/wesleyorama2/horde/internal/load/stats"
)

// DefaultGracefulStop is how long Stop waits for sessions to finish
// their in-flight task before abandoning them.
const DefaultGracefulStop = 30 * time.Second

// Report is the outcome of a finished run.
type Report struct {
	// Snapshot is the final, sealed aggregate
	Snapshot *stats.Snapshot

	// Incomplete counts sessions still running when the graceful stop
	// window expired. They are not counted as failures.
	Incomplete int
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithAggregator records into an existing aggregator instead of a new one.
func WithAggregator(agg *stats.Aggregator) Option {
	return func(s *Scheduler) {
		if agg != nil {
			s.stats = agg
		}
	}
}

// WithBus uses an existing event bus instead of a new one.
func WithBus(bus *events.Bus) Option {
	return func(s *Scheduler) {
		if bus != nil {
			s.bus = bus
		}
	}
}

// WithGracefulStop sets how long Stop waits before abandoning sessions.
func WithGracefulStop(d time.Duration) Option {
	return func(s *Scheduler) {
		if d >= 0 {
			s.gracefulStop = d
		}
	}
}

// WithHost sets the target reported in the test-start event.
func WithHost(host string) Option {
	return func(s *Scheduler) {
		s.host = host
	}
}

// WithSeed makes every session's random source deterministic.
func WithSeed(seed uint64) Option {
	return func(s *Scheduler) {
		s.seed = seed
		s.seeded = true
	}
}

// Scheduler spawns, ramps and stops virtual users.
//
// Sessions are assigned to user classes so that the live population
// follows the class weights. Start may be called repeatedly to change
// the target; Stop ends the run for good.
type Scheduler struct {
	classes     []*UserClass
	totalWeight int

	executor     RequestExecutor
	stats        *stats.Aggregator
	bus          *events.Bus
	logger       *zap.Logger
	host         string
	gracefulStop time.Duration
	seed         uint64
	seeded       bool

	// Session context; cancelled only when the graceful stop expires.
	ctx    context.Context
	cancel context.CancelFunc

	mu         sync.Mutex
	classUsers []map[int64]*VirtualUser
	retiring   map[int64]*VirtualUser
	target     int

	// sessions of the current ramp that ended on their own; they are
	// not replaced until the next Start
	settled int

	started    bool
	stopped    bool
	rampGen    uint64
	rampCancel context.CancelFunc
	runTimer   *time.Timer

	nextID atomic.Int64
	wg     sync.WaitGroup

	stopOnce sync.Once
	doneCh   chan struct{}
	report   *Report
}

// NewScheduler creates a scheduler for the given user classes.
// It fails with a *ConfigError or *EmptyRegistryError when a class is invalid.
func NewScheduler(classes []*UserClass, executor RequestExecutor, opts ...Option) (*Scheduler, error) {
	if len(classes) == 0 {
		return nil, &ConfigError{Field: "userClasses", Message: "at least one user class is required"}
	}

	seen := make(map[string]bool, len(classes))
	total := 0
	for _, c := range classes {
		if err := c.Validate(); err != nil {
			return nil, err
		}
		if seen[c.Name] {
			return nil, &ConfigError{Field: "userClasses." + c.Name, Message: "duplicate user class name"}
		}
		seen[c.Name] = true
		total += c.Weight
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		classes:      classes,
		totalWeight:  total,
		executor:     executor,
		gracefulStop: DefaultGracefulStop,
		ctx:          ctx,
		cancel:       cancel,
		classUsers:   make([]map[int64]*VirtualUser, len(classes)),
		retiring:     make(map[int64]*VirtualUser),
		doneCh:       make(chan struct{}),
	}
	for i := range s.classUsers {
		s.classUsers[i] = make(map[int64]*VirtualUser)
	}

	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	s.logger = s.logger.Named("scheduler")
	if s.stats == nil {
		s.stats = stats.NewAggregator()
	}
	if s.bus == nil {
		s.bus = events.NewBus(s.logger)
	}

	return s, nil
}

// Bus returns the event bus. Register listeners before calling Start.
func (s *Scheduler) Bus() *events.Bus {
	return s.bus
}

// Aggregator returns the statistics aggregator.
func (s *Scheduler) Aggregator() *stats.Aggregator {
	return s.stats
}

// Start ramps the live population toward target, creating at most
// spawnRate sessions per second. Calling Start again re-ramps from the
// current live count; excess sessions are stopped right away. A positive
// runDuration schedules Stop.
func (s *Scheduler) Start(target int, spawnRate float64, runDuration time.Duration) error {
	if target < 0 {
		return &ConfigError{Field: "users", Message: "target user count cannot be negative"}
	}
	if spawnRate <= 0 || math.IsNaN(spawnRate) || math.IsInf(spawnRate, 0) {
		return &ConfigError{Field: "spawnRate", Message: "spawn rate must be a positive number"}
	}
	if runDuration < 0 {
		return &ConfigError{Field: "runTime", Message: "run duration cannot be negative"}
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return ErrStopped
	}
	first := !s.started
	s.started = true
	s.target = target
	s.settled = 0

	if s.rampCancel != nil {
		s.rampCancel()
	}
	rampCtx, cancel := context.WithCancel(s.ctx)
	s.rampCancel = cancel
	s.rampGen++
	gen := s.rampGen

	excess := s.retireExcessLocked(target)
	live := s.liveLocked()

	if runDuration > 0 {
		if s.runTimer != nil {
			s.runTimer.Stop()
		}
		s.runTimer = time.AfterFunc(runDuration, func() {
			s.logger.Info("run time elapsed, stopping", zap.Duration("run_time", runDuration))
			s.Stop()
		})
	}
	s.mu.Unlock()

	if first {
		s.stats.MarkStart()
		s.bus.Emit(events.KindTestStart, events.TestStart{Host: s.host, PlannedUsers: target})
	}

	s.logger.Info("ramping users",
		zap.Int("live", live),
		zap.Int("target", target),
		zap.Float64("spawn_rate", spawnRate),
	)

	for _, u := range excess {
		u.RequestStop()
	}

	if live < target {
		s.stats.SetPhase(stats.PhaseSpawning)
		go s.ramp(rampCtx, gen, spawnRate)
	} else {
		s.stats.SetPhase(stats.PhaseRunning)
	}
	return nil
}

// ramp spawns sessions paced by a leaky bucket until the target is
// reached or a newer ramp takes over.
func (s *Scheduler) ramp(ctx context.Context, gen uint64, spawnRate float64) {
	pacer := rate.NewPacerWithBurst(spawnRate, rate.SpawnBurst(spawnRate))

	for {
		s.mu.Lock()
		current := !s.stopped && gen == s.rampGen
		if !current || s.liveLocked()+s.settled >= s.target {
			live := s.liveLocked()
			s.mu.Unlock()
			if current {
				s.stats.SetPhase(stats.PhaseRunning)
				s.logger.Info("ramp complete", zap.Int("users", live))
			}
			return
		}
		s.mu.Unlock()

		if err := pacer.Wait(ctx); err != nil {
			return
		}

		s.mu.Lock()
		if !s.stopped && gen == s.rampGen && s.liveLocked()+s.settled < s.target {
			s.spawnLocked()
		}
		s.mu.Unlock()
	}
}

// spawnLocked creates one session for the class furthest below its share.
func (s *Scheduler) spawnLocked() {
	idx := s.nextClassLocked()
	class := s.classes[idx]
	id := s.nextID.Add(1)

	var rng *rand.Rand
	if s.seeded {
		rng = rand.New(rand.NewPCG(s.seed, uint64(id)))
	}

	u := NewVirtualUser(id, class, UserOptions{
		Executor: s.executor,
		Stats:    s.stats,
		Bus:      s.bus,
		Logger:   s.logger.Named("user"),
		Rand:     rng,
	})
	s.classUsers[idx][id] = u
	s.stats.SetActiveUsers(s.liveLocked())

	s.wg.Add(1)
	go s.runUser(u, idx)
}

func (s *Scheduler) runUser(u *VirtualUser, idx int) {
	defer s.wg.Done()

	u.Run(s.ctx)

	s.mu.Lock()
	if _, retired := s.retiring[u.ID]; !retired && !s.stopped {
		s.settled++
	}
	delete(s.classUsers[idx], u.ID)
	delete(s.retiring, u.ID)
	s.stats.SetActiveUsers(s.liveLocked())
	s.mu.Unlock()
}

// nextClassLocked returns the class with the largest deficit against its
// weight share of the population after one more spawn.
func (s *Scheduler) nextClassLocked() int {
	next := float64(s.liveLocked() + 1)
	best, bestDeficit := 0, math.Inf(-1)
	for i, c := range s.classes {
		want := next * float64(c.Weight) / float64(s.totalWeight)
		deficit := want - float64(len(s.classUsers[i]))
		if deficit > bestDeficit {
			best, bestDeficit = i, deficit
		}
	}
	return best
}

// retireExcessLocked moves live sessions beyond target to the retiring
// set, taking each from the class furthest above its share.
func (s *Scheduler) retireExcessLocked(target int) []*VirtualUser {
	n := s.liveLocked() - target
	if n <= 0 {
		return nil
	}

	out := make([]*VirtualUser, 0, n)
	for ; n > 0; n-- {
		live := float64(s.liveLocked() - 1)
		idx, worst := -1, math.Inf(-1)
		for i, c := range s.classes {
			if len(s.classUsers[i]) == 0 {
				continue
			}
			surplus := float64(len(s.classUsers[i])) - live*float64(c.Weight)/float64(s.totalWeight)
			if surplus > worst {
				idx, worst = i, surplus
			}
		}
		if idx < 0 {
			break
		}
		for id, u := range s.classUsers[idx] {
			delete(s.classUsers[idx], id)
			s.retiring[id] = u
			out = append(out, u)
			break
		}
	}
	s.stats.SetActiveUsers(s.liveLocked())
	return out
}

func (s *Scheduler) liveLocked() int {
	n := 0
	for _, m := range s.classUsers {
		n += len(m)
	}
	return n
}

// UserCount returns the number of live sessions, excluding those that
// are winding down after a ramp-down.
func (s *Scheduler) UserCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.liveLocked()
}

// Exhausted reports whether every session of the current ramp has ended
// on its own. The population stays at zero until the next Start.
func (s *Scheduler) Exhausted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started && !s.stopped && s.target > 0 && s.settled >= s.target && s.liveLocked() == 0
}

// ClassCounts returns the live session count per class name.
func (s *Scheduler) ClassCounts() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int, len(s.classes))
	for i, c := range s.classes {
		out[c.Name] = len(s.classUsers[i])
	}
	return out
}

// CurrentStats returns a point-in-time snapshot of the aggregate.
func (s *Scheduler) CurrentStats() *stats.Snapshot {
	return s.stats.Snapshot()
}

// Done is closed once Stop has completed.
func (s *Scheduler) Done() <-chan struct{} {
	return s.doneCh
}

// Wait blocks until the run has stopped and returns its report.
func (s *Scheduler) Wait() *Report {
	<-s.doneCh
	return s.report
}

// Stop signals every session to stop and waits up to the graceful stop
// window for them. Sessions still running afterwards are abandoned and
// counted as incomplete. Stop seals the aggregator, emits test-stop and
// returns the final report; later calls return the same report.
func (s *Scheduler) Stop() *Report {
	s.stopOnce.Do(func() {
		s.report = s.shutdown()
		close(s.doneCh)
	})
	return s.report
}

func (s *Scheduler) shutdown() *Report {
	s.mu.Lock()
	s.stopped = true
	if s.rampCancel != nil {
		s.rampCancel()
	}
	if s.runTimer != nil {
		s.runTimer.Stop()
	}
	all := make([]*VirtualUser, 0, s.liveLocked()+len(s.retiring))
	for _, m := range s.classUsers {
		for _, u := range m {
			all = append(all, u)
		}
	}
	for _, u := range s.retiring {
		all = append(all, u)
	}
	s.mu.Unlock()

	s.stats.SetPhase(stats.PhaseStopping)
	s.logger.Info("stopping users", zap.Int("users", len(all)), zap.Duration("graceful_stop", s.gracefulStop))

	for _, u := range all {
		u.RequestStop()
	}

	incomplete := 0
	if !waitTimeout(&s.wg, s.gracefulStop) {
		// Seal before cancelling so abandoned requests are never recorded.
		s.stats.Seal()
		for _, u := range all {
			select {
			case <-u.Done():
			default:
				incomplete++
				u.abandon()
			}
		}
		s.logger.Warn("graceful stop expired, abandoning sessions", zap.Int("incomplete", incomplete))
	}
	s.cancel()

	s.stats.Seal()
	s.stats.SetActiveUsers(0)
	s.stats.Stop()
	s.stats.SetPhase(stats.PhaseDone)

	snap := s.stats.Snapshot()
	s.logger.Info("run finished",
		zap.Int64("requests", snap.TotalRequests),
		zap.Int64("failures", snap.TotalFailures),
		zap.Int("incomplete", incomplete),
	)

	s.bus.Emit(events.KindTestStop, events.TestStop{Snapshot: snap, Incomplete: incomplete})
	return &Report{Snapshot: snap, Incomplete: incomplete}
}

// waitTimeout waits for wg up to d and reports whether it finished.
func waitTimeout(wg *sync.WaitGroup, d time.Duration) bool {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-done:
		return true
	case <-t.C:
		return false
	}
}
