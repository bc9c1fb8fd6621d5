package load

import (
	"context"
	"math/rand/v2"
	"time"
)

// WaitTimeFunc returns the think time before the next task of a session.
type WaitTimeFunc func(rng *rand.Rand) time.Duration

// Between returns a uniformly distributed think time in [min, max].
func Between(min, max time.Duration) WaitTimeFunc {
	return func(rng *rand.Rand) time.Duration {
		if max <= min {
			return min
		}
		return min + time.Duration(rng.Int64N(int64(max-min)+1))
	}
}

// Constant returns the same think time every time.
func Constant(d time.Duration) WaitTimeFunc {
	return func(*rand.Rand) time.Duration {
		return d
	}
}

// HookFunc is an on_start or on_stop hook.
type HookFunc func(ctx context.Context, u *VirtualUser) error

// UserClass is the declarative definition of a virtual user type.
type UserClass struct {
	// Name identifies the class in logs and events
	Name string

	// Weight is the relative population share
	Weight int

	// MinWait and MaxWait bound the uniform think time used when Wait is nil
	MinWait time.Duration
	MaxWait time.Duration

	// Wait overrides the uniform think-time distribution
	Wait WaitTimeFunc

	// Tasks is the weighted task set
	Tasks *TaskRegistry

	// OnStart runs once before the first task; failure ends the session
	OnStart HookFunc

	// OnStop runs once after the last task of every started session
	OnStop HookFunc

	// NewState builds the opaque per-session state
	NewState func() any

	// MaxIterations stops a session after that many tasks (0 = unlimited)
	MaxIterations int64

	// MaxDuration stops a session after it has run that long (0 = unlimited)
	MaxDuration time.Duration
}

// Validate checks the class configuration.
func (c *UserClass) Validate() error {
	if c == nil {
		return &ConfigError{Field: "userClass", Message: "user class is nil"}
	}
	if c.Name == "" {
		return &ConfigError{Field: "userClass.name", Message: "name is required"}
	}
	prefix := "userClasses." + c.Name
	if c.Weight <= 0 {
		return &ConfigError{Field: prefix + ".weight", Message: "weight must be > 0"}
	}
	if c.MinWait < 0 {
		return &ConfigError{Field: prefix + ".minWait", Message: "minWait cannot be negative"}
	}
	if c.MinWait > c.MaxWait {
		return &ConfigError{Field: prefix + ".maxWait", Message: "minWait must be less than or equal to maxWait"}
	}
	if c.MaxIterations < 0 {
		return &ConfigError{Field: prefix + ".maxIterations", Message: "maxIterations cannot be negative"}
	}
	if c.MaxDuration < 0 {
		return &ConfigError{Field: prefix + ".maxDuration", Message: "maxDuration cannot be negative"}
	}
	if c.Tasks.Len() == 0 {
		return &EmptyRegistryError{Class: c.Name}
	}
	return nil
}

// waitTime samples the think time for one pause.
func (c *UserClass) waitTime(rng *rand.Rand) time.Duration {
	if c.Wait != nil {
		if d := c.Wait(rng); d > 0 {
			return d
		}
		return 0
	}
	return Between(c.MinWait, c.MaxWait)(rng)
}
