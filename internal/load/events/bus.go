// Package events provides the lifecycle notification channel of a load test.
package events

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wesleyorama2/horde/internal/load/stats"
)

// Kind identifies a lifecycle event.
type Kind string

const (
	// KindTestStart is emitted once when the first Start call succeeds.
	KindTestStart Kind = "test-start"

	// KindTestStop is emitted once after all sessions have stopped.
	KindTestStop Kind = "test-stop"

	// KindSessionError is emitted when a session hook fails.
	KindSessionError Kind = "session-error"
)

// Valid reports whether k is a supported kind.
func (k Kind) Valid() bool {
	switch k {
	case KindTestStart, KindTestStop, KindSessionError:
		return true
	default:
		return false
	}
}

// TestStart is the payload of KindTestStart.
type TestStart struct {
	Host         string
	PlannedUsers int
}

// TestStop is the payload of KindTestStop.
type TestStop struct {
	Snapshot *stats.Snapshot

	// Incomplete counts sessions that were still running when the
	// graceful stop window expired.
	Incomplete int
}

// SessionError is the payload of KindSessionError.
type SessionError struct {
	SessionID int64
	Class     string
	Err       error
}

// Description returns a one-line description of the error.
func (e SessionError) Description() string {
	if e.Err == nil {
		return ""
	}
	return e.Err.Error()
}

// Event is delivered to listeners.
type Event struct {
	Kind    Kind
	Time    time.Time
	Payload any
}

// Listener receives events of the kind it was registered for.
type Listener func(Event)

// UnknownKindError is returned by On for an unsupported kind.
type UnknownKindError struct {
	Kind Kind
}

func (e *UnknownKindError) Error() string {
	return fmt.Sprintf("unknown event kind: %q", e.Kind)
}

// Bus dispatches lifecycle events to listeners.
//
// Listeners run synchronously on the emitting goroutine in registration
// order. A listener that panics is logged and skipped; the remaining
// listeners and the emitter are unaffected. Listeners are expected to be
// registered before the run starts.
type Bus struct {
	mu        sync.RWMutex
	listeners map[Kind][]Listener
	logger    *zap.Logger
}

// NewBus creates an event bus. A nil logger discards listener failures.
func NewBus(logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		listeners: make(map[Kind][]Listener),
		logger:    logger.Named("events"),
	}
}

// On registers a listener for kind.
func (b *Bus) On(kind Kind, l Listener) error {
	if !kind.Valid() {
		return &UnknownKindError{Kind: kind}
	}
	if l == nil {
		return fmt.Errorf("listener for %q is nil", kind)
	}

	b.mu.Lock()
	b.listeners[kind] = append(b.listeners[kind], l)
	b.mu.Unlock()
	return nil
}

// OnTestStart registers a typed test-start listener.
func (b *Bus) OnTestStart(fn func(TestStart)) {
	_ = b.On(KindTestStart, func(e Event) {
		if p, ok := e.Payload.(TestStart); ok {
			fn(p)
		}
	})
}

// OnTestStop registers a typed test-stop listener.
func (b *Bus) OnTestStop(fn func(TestStop)) {
	_ = b.On(KindTestStop, func(e Event) {
		if p, ok := e.Payload.(TestStop); ok {
			fn(p)
		}
	})
}

// OnSessionError registers a typed session-error listener.
func (b *Bus) OnSessionError(fn func(SessionError)) {
	_ = b.On(KindSessionError, func(e Event) {
		if p, ok := e.Payload.(SessionError); ok {
			fn(p)
		}
	})
}

// Emit delivers payload to every listener registered for kind.
func (b *Bus) Emit(kind Kind, payload any) {
	b.mu.RLock()
	listeners := b.listeners[kind]
	b.mu.RUnlock()

	ev := Event{Kind: kind, Time: time.Now(), Payload: payload}
	for i, l := range listeners {
		b.dispatch(i, l, ev)
	}
}

func (b *Bus) dispatch(index int, l Listener, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event listener failed",
				zap.String("kind", string(ev.Kind)),
				zap.Int("listener", index),
				zap.Any("panic", r),
			)
		}
	}()
	l(ev)
}

// Count returns the number of listeners registered for kind.
func (b *Bus) Count(kind Kind) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners[kind])
}
