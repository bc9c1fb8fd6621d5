// Package rate paces session spawning.
package rate

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Pacer releases spawn permits at a fixed rate using a leaky bucket.
//
// The bucket drips permits at Rate per second and holds at most Burst of
// them, so a spawner that falls behind catches up in bounded bursts
// instead of releasing everything it missed at once. The first permit is
// available immediately.
//
// Pacer is safe for concurrent use.
type Pacer struct {
	mu          sync.Mutex
	rate        float64
	burst       float64
	accumulated float64
	lastDrip    time.Time

	released atomic.Int64
	waited   atomic.Int64
}

// NewPacer creates a pacer releasing rate permits per second with no bursting.
func NewPacer(rate float64) *Pacer {
	return NewPacerWithBurst(rate, 1)
}

// NewPacerWithBurst creates a pacer that may release up to burst permits
// back to back when the consumer is behind schedule.
func NewPacerWithBurst(rate, burst float64) *Pacer {
	if rate <= 0 {
		rate = 1
	}
	if burst < 1 {
		burst = 1
	}
	return &Pacer{
		rate:        rate,
		burst:       burst,
		accumulated: 1,
		lastDrip:    time.Now(),
	}
}

// SpawnBurst returns the burst used for a spawn rate: a tenth of a
// second worth of sessions, and at least one.
func SpawnBurst(rate float64) float64 {
	return max(1, rate/10)
}

// Next reserves a permit and returns when it may be used. A time in the
// past means the permit is usable right away.
func (p *Pacer) Next() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	elapsed := max(now.Sub(p.lastDrip).Seconds(), 0)

	p.accumulated = min(p.accumulated+elapsed*p.rate, p.burst)

	if p.accumulated >= 1 {
		p.accumulated--
		p.lastDrip = now
		p.released.Add(1)
		return now
	}

	// Permits already handed out for the future queue up behind each other.
	base := now
	if p.lastDrip.After(now) {
		base = p.lastDrip
	}

	deficit := 1 - p.accumulated
	next := base.Add(time.Duration(deficit / p.rate * float64(time.Second)))
	p.accumulated = 0

	// The drip clock moves to the release time so waking up there does
	// not credit the same interval twice.
	p.lastDrip = next

	p.released.Add(1)
	p.waited.Add(int64(next.Sub(now)))
	return next
}

// Wait blocks until a permit is available or ctx is done.
func (p *Pacer) Wait(ctx context.Context) error {
	d := time.Until(p.Next())
	if d <= 0 {
		return ctx.Err()
	}

	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// SetRate changes the release rate. Accumulated permits are discarded so
// a rate change never bursts.
func (p *Pacer) SetRate(rate float64) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if rate <= 0 {
		rate = 1
	}
	p.rate = rate
	p.accumulated = 0
	p.lastDrip = time.Now()
}

// Rate returns the release rate in permits per second.
func (p *Pacer) Rate() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rate
}

// Burst returns the maximum number of back-to-back permits.
func (p *Pacer) Burst() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.burst
}

// Stats returns counters describing the pacer's operation.
func (p *Pacer) Stats() PacerStats {
	p.mu.Lock()
	rate, burst, acc := p.rate, p.burst, p.accumulated
	p.mu.Unlock()

	return PacerStats{
		Rate:        rate,
		Burst:       burst,
		Accumulated: acc,
		Released:    p.released.Load(),
		Waited:      time.Duration(p.waited.Load()),
	}
}

// PacerStats contains statistics about a pacer.
type PacerStats struct {
	Rate        float64       `json:"rate"`
	Burst       float64       `json:"burst"`
	Accumulated float64       `json:"accumulated"`
	Released    int64         `json:"released"`
	Waited      time.Duration `json:"waited"`
}
