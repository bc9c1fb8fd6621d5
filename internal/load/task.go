package load

import (
	"context"
	"math/rand/v2"
	"sort"

	"github.com/wesleyorama2/horde/internal/load/stats"
)

// TaskFunc is the body of a task. It returns the outcome of the request it
// issued; a non-nil error marks the execution as failed regardless of the
// returned outcome.
type TaskFunc func(ctx context.Context, u *VirtualUser) (stats.Outcome, error)

// Task is a named, weighted unit of simulated-user behavior.
type Task struct {
	Name   string
	Weight int
	Fn     TaskFunc
}

// TaskRegistry holds the tasks of a user class and selects among them with
// probability proportional to weight.
//
// The cumulative-weight index is rebuilt on Register only, so Select is a
// binary search with no allocation. A registry must not be modified once
// sessions are running; concurrent Select calls are safe.
type TaskRegistry struct {
	tasks      []Task
	cumulative []int
	total      int
}

// NewTaskRegistry creates a registry pre-populated with tasks.
// It fails on the first task that does not validate.
func NewTaskRegistry(tasks ...Task) (*TaskRegistry, error) {
	r := &TaskRegistry{}
	for _, t := range tasks {
		if err := r.Register(t); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a task to the registry.
func (r *TaskRegistry) Register(t Task) error {
	if t.Name == "" {
		return &ConfigError{Field: "task.name", Message: "task name is required"}
	}
	if t.Weight <= 0 {
		return &ConfigError{Field: "tasks." + t.Name + ".weight", Message: "weight must be > 0"}
	}
	if t.Fn == nil {
		return &ConfigError{Field: "tasks." + t.Name + ".fn", Message: "task function is required"}
	}

	r.tasks = append(r.tasks, t)
	r.total += t.Weight
	r.cumulative = append(r.cumulative, r.total)
	return nil
}

// MustRegister is like Register but panics on error. Intended for
// statically defined scenarios.
func (r *TaskRegistry) MustRegister(t Task) *TaskRegistry {
	if err := r.Register(t); err != nil {
		panic(err)
	}
	return r
}

// Select returns a task chosen with probability weight/totalWeight.
func (r *TaskRegistry) Select(rng *rand.Rand) (Task, error) {
	if r == nil || len(r.tasks) == 0 {
		return Task{}, ErrEmptyRegistry
	}
	if len(r.tasks) == 1 {
		return r.tasks[0], nil
	}

	n := rng.IntN(r.total)
	idx := sort.Search(len(r.cumulative), func(i int) bool {
		return r.cumulative[i] > n
	})
	return r.tasks[idx], nil
}

// Len returns the number of registered tasks.
func (r *TaskRegistry) Len() int {
	if r == nil {
		return 0
	}
	return len(r.tasks)
}

// TotalWeight returns the sum of all task weights.
func (r *TaskRegistry) TotalWeight() int {
	if r == nil {
		return 0
	}
	return r.total
}

// Tasks returns a copy of the registered tasks in registration order.
func (r *TaskRegistry) Tasks() []Task {
	if r == nil {
		return nil
	}
	out := make([]Task, len(r.tasks))
	copy(out, r.tasks)
	return out
}
