// Package shape drives a scheduler through a list of load stages.
package shape

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/wesleyorama2/horde/internal/load"
)

// DefaultTick is how often the target is recomputed.
const DefaultTick = 100 * time.Millisecond

// Stage is one segment of a load shape.
type Stage struct {
	// Duration of this stage
	Duration time.Duration `json:"duration" yaml:"duration"`

	// Target user count at the end of the stage
	Target int `json:"target" yaml:"target"`

	// SpawnRate, when set, makes the stage a step: the scheduler is asked
	// for Target at this rate as soon as the stage begins. When zero the
	// target is interpolated linearly from the previous stage.
	SpawnRate float64 `json:"spawnRate,omitempty" yaml:"spawnRate,omitempty"`

	// Optional name for this stage (for reporting)
	Name string `json:"name,omitempty" yaml:"name,omitempty"`
}

// Starter is the part of the scheduler a shape needs.
type Starter interface {
	Start(target int, spawnRate float64, runDuration time.Duration) error
}

// Shape is an ordered list of stages.
type Shape struct {
	stages []Stage
	tick   time.Duration
	logger *zap.Logger
}

// New validates stages and creates a shape. A nil logger is allowed.
func New(stages []Stage, logger *zap.Logger) (*Shape, error) {
	if len(stages) == 0 {
		return nil, &load.ConfigError{Field: "stages", Message: "at least one stage is required"}
	}
	for i, st := range stages {
		field := fmt.Sprintf("stages[%d]", i)
		if st.Duration <= 0 {
			return nil, &load.ConfigError{Field: field + ".duration", Message: "duration must be > 0"}
		}
		if st.Target < 0 {
			return nil, &load.ConfigError{Field: field + ".target", Message: "target cannot be negative"}
		}
		if st.SpawnRate < 0 {
			return nil, &load.ConfigError{Field: field + ".spawnRate", Message: "spawnRate cannot be negative"}
		}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Shape{
		stages: stages,
		tick:   DefaultTick,
		logger: logger.Named("shape"),
	}, nil
}

// TotalDuration returns the sum of all stage durations.
func (s *Shape) TotalDuration() time.Duration {
	var total time.Duration
	for _, st := range s.stages {
		total += st.Duration
	}
	return total
}

// Stages returns the stages.
func (s *Shape) Stages() []Stage {
	return s.stages
}

// Point is the scheduler request for one moment of the shape.
type Point struct {
	Stage     int
	Target    int
	SpawnRate float64
}

// At returns what the scheduler should be asked for after elapsed time.
// ok is false once the shape is exhausted.
func (s *Shape) At(elapsed time.Duration) (p Point, ok bool) {
	var stageStart time.Duration
	prevTarget := 0

	for i, st := range s.stages {
		stageEnd := stageStart + st.Duration
		if elapsed < stageEnd {
			if st.SpawnRate > 0 {
				return Point{Stage: i, Target: st.Target, SpawnRate: st.SpawnRate}, true
			}

			progress := float64(elapsed-stageStart) / float64(st.Duration)
			progress = math.Min(math.Max(progress, 0), 1)
			target := float64(prevTarget) + float64(st.Target-prevTarget)*progress

			// fast enough to follow the slope; never below one per second
			slope := math.Abs(float64(st.Target-prevTarget)) / st.Duration.Seconds()
			return Point{
				Stage:     i,
				Target:    int(target + 0.5),
				SpawnRate: math.Max(1, 2*slope),
			}, true
		}

		prevTarget = st.Target
		stageStart = stageEnd
	}

	last := s.stages[len(s.stages)-1]
	return Point{Stage: len(s.stages) - 1, Target: last.Target, SpawnRate: math.Max(1, last.SpawnRate)}, false
}

// Run walks the shape, calling Start whenever the requested point
// changes, and returns when the shape is exhausted or ctx is done. It
// returns nil when the scheduler was stopped underneath it.
func (s *Shape) Run(ctx context.Context, sched Starter) error {
	start := time.Now()
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	last := Point{Stage: -1}
	stage := -1
	apply := func(p Point) error {
		if p.Stage != stage {
			stage = p.Stage
			st := s.stages[p.Stage]
			s.logger.Info("entering stage",
				zap.Int("stage", p.Stage),
				zap.String("name", st.Name),
				zap.Int("target", st.Target),
				zap.Duration("duration", st.Duration),
			)
		}
		if p == last {
			return nil
		}
		last = p
		return sched.Start(p.Target, p.SpawnRate, 0)
	}

	p, _ := s.At(0)
	if err := apply(p); err != nil {
		return stopped(err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			p, ok := s.At(time.Since(start))
			if !ok {
				s.logger.Info("shape complete", zap.Duration("elapsed", time.Since(start)))
				return nil
			}
			if err := apply(p); err != nil {
				return stopped(err)
			}
		}
	}
}

func stopped(err error) error {
	if errors.Is(err, load.ErrStopped) {
		return nil
	}
	return err
}
