package load_test

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"testing"

	"github.com/wesleyorama2/horde/internal/load"
	"github.com/wesleyorama2/horde/internal/load/stats"
)

func noop(context.Context, *load.VirtualUser) (stats.Outcome, error) {
	return stats.Outcome{Success: true}, nil
}

func TestTaskRegistry_Register(t *testing.T) {
	tests := []struct {
		name    string
		task    load.Task
		wantErr bool
	}{
		{"valid", load.Task{Name: "a", Weight: 1, Fn: noop}, false},
		{"zero weight", load.Task{Name: "a", Weight: 0, Fn: noop}, true},
		{"negative weight", load.Task{Name: "a", Weight: -3, Fn: noop}, true},
		{"empty name", load.Task{Name: "", Weight: 1, Fn: noop}, true},
		{"nil body", load.Task{Name: "a", Weight: 1}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, _ := load.NewTaskRegistry()
			err := r.Register(tt.task)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Register() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				var cfgErr *load.ConfigError
				if !errors.As(err, &cfgErr) {
					t.Errorf("Register() error type = %T, want *load.ConfigError", err)
				}
				if r.Len() != 0 {
					t.Errorf("Len() = %d after rejected task, want 0", r.Len())
				}
			}
		})
	}
}

func TestTaskRegistry_SelectEmpty(t *testing.T) {
	r, err := load.NewTaskRegistry()
	if err != nil {
		t.Fatalf("NewTaskRegistry() error = %v", err)
	}

	_, err = r.Select(rand.New(rand.NewPCG(1, 2)))
	if !errors.Is(err, load.ErrEmptyRegistry) {
		t.Errorf("Select() error = %v, want ErrEmptyRegistry", err)
	}
}

func TestTaskRegistry_TotalWeight(t *testing.T) {
	r, err := load.NewTaskRegistry(
		load.Task{Name: "a", Weight: 10, Fn: noop},
		load.Task{Name: "b", Weight: 5, Fn: noop},
		load.Task{Name: "c", Weight: 1, Fn: noop},
	)
	if err != nil {
		t.Fatalf("NewTaskRegistry() error = %v", err)
	}
	if r.TotalWeight() != 16 {
		t.Errorf("TotalWeight() = %d, want 16", r.TotalWeight())
	}
	if r.Len() != 3 {
		t.Errorf("Len() = %d, want 3", r.Len())
	}
}

func TestTaskRegistry_WeightedFrequency(t *testing.T) {
	weights := map[string]int{"home": 10, "convert": 8, "sync": 5, "static": 3, "health": 2, "heavy": 1}

	r, _ := load.NewTaskRegistry()
	total := 0
	for _, name := range []string{"home", "convert", "sync", "static", "health", "heavy"} {
		r.MustRegister(load.Task{Name: name, Weight: weights[name], Fn: noop})
		total += weights[name]
	}

	const n = 200000
	rng := rand.New(rand.NewPCG(42, 7))
	counts := make(map[string]int)
	for i := 0; i < n; i++ {
		task, err := r.Select(rng)
		if err != nil {
			t.Fatalf("Select() error = %v", err)
		}
		counts[task.Name]++
	}

	for name, w := range weights {
		p := float64(w) / float64(total)
		want := p * n
		// five standard deviations of a binomial count
		tolerance := 5 * math.Sqrt(n*p*(1-p))
		if got := float64(counts[name]); math.Abs(got-want) > tolerance {
			t.Errorf("%s selected %v times, want %v ± %.0f", name, got, want, tolerance)
		}
	}
}

func TestTaskRegistry_SingleTask(t *testing.T) {
	r, _ := load.NewTaskRegistry(load.Task{Name: "only", Weight: 7, Fn: noop})
	rng := rand.New(rand.NewPCG(1, 1))
	for i := 0; i < 100; i++ {
		task, err := r.Select(rng)
		if err != nil {
			t.Fatalf("Select() error = %v", err)
		}
		if task.Name != "only" {
			t.Fatalf("Select() = %q, want only", task.Name)
		}
	}
}

func TestTaskRegistry_NilSafe(t *testing.T) {
	var r *load.TaskRegistry
	if r.Len() != 0 || r.TotalWeight() != 0 || r.Tasks() != nil {
		t.Error("nil registry should report no tasks")
	}
	if _, err := r.Select(rand.New(rand.NewPCG(1, 1))); !errors.Is(err, load.ErrEmptyRegistry) {
		t.Errorf("Select() on nil registry error = %v, want ErrEmptyRegistry", err)
	}
}
