package load

import (
	"errors"
	"fmt"
)

// ErrEmptyRegistry is returned when selecting from a registry that holds no tasks.
var ErrEmptyRegistry = errors.New("task registry is empty")

// ErrStopped is returned by Start once the scheduler has been stopped.
var ErrStopped = errors.New("scheduler is stopped")

// ConfigError reports an invalid weight, timing or population setting.
// It is fatal at setup: a run with a ConfigError never starts.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("config error on field '%s': %s", e.Field, e.Message)
	}
	return fmt.Sprintf("config error: %s", e.Message)
}

// EmptyRegistryError reports a user class that has no tasks registered.
type EmptyRegistryError struct {
	Class string
}

func (e *EmptyRegistryError) Error() string {
	if e.Class == "" {
		return ErrEmptyRegistry.Error()
	}
	return fmt.Sprintf("user class %q: %s", e.Class, ErrEmptyRegistry)
}

func (e *EmptyRegistryError) Unwrap() error {
	return ErrEmptyRegistry
}

// TaskExecutionError wraps a failure raised inside a task body, including
// recovered panics. It is recorded as a failed outcome and the session continues.
type TaskExecutionError struct {
	Task string
	Err  error
}

func (e *TaskExecutionError) Error() string {
	return fmt.Sprintf("task %q failed: %v", e.Task, e.Err)
}

func (e *TaskExecutionError) Unwrap() error {
	return e.Err
}

// TransportError is returned by a RequestExecutor when the request could
// not be completed at all (dial failure, timeout, cancelled context).
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("transport error: %v", e.Err)
	}
	return fmt.Sprintf("transport error: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// HookError wraps an on_start or on_stop hook failure. It terminates only
// the session that raised it.
type HookError struct {
	Hook      string
	SessionID int64
	Err       error
}

func (e *HookError) Error() string {
	return fmt.Sprintf("session %d: %s hook failed: %v", e.SessionID, e.Hook, e.Err)
}

func (e *HookError) Unwrap() error {
	return e.Err
}
