// Package ratelimit paces outbound order traffic with two sliding windows
// (per second and per minute) shared by every instrument in the process.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"perp-trader/internal/ringbuf"
)

// ErrAdmissionTimeout is returned when the computed wait exceeds MaxWait.
var ErrAdmissionTimeout = errors.New("rate governor: admission wait exceeds limit")

// TimeoutError carries the wait that would have been needed.
type TimeoutError struct {
	Wait  time.Duration
	Limit time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("rate governor: need to wait %v, limit %v", e.Wait, e.Limit)
}

func (e *TimeoutError) Unwrap() error { return ErrAdmissionTimeout }

// Temporary marks the error as retryable.
func (e *TimeoutError) Temporary() bool { return true }

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Config for a Governor. A non-positive ceiling disables that window.
type Config struct {
	MaxPerSecond int
	MaxPerMinute int
	MaxWait      time.Duration // 0 = wait as long as needed
	Clock        Clock
}

// Stats are cumulative counters for observability.
type Stats struct {
	Admitted uint64
	Waited   uint64
}

type window struct {
	span time.Duration
	ts   *ringbuf.Ring[time.Time]
}

func newWindow(limit int, span time.Duration) *window {
	if limit <= 0 {
		return nil
	}
	return &window{span: span, ts: ringbuf.New[time.Time](limit)}
}

func (w *window) evict(now time.Time) {
	for {
		oldest, ok := w.ts.Peek()
		if !ok || now.Sub(oldest) < w.span {
			return
		}
		w.ts.Pop()
	}
}

// until returns how long before one more admission fits, 0 if it fits now.
func (w *window) until(now time.Time) time.Duration {
	if !w.ts.Full() {
		return 0
	}
	oldest, _ := w.ts.Peek()
	return oldest.Add(w.span).Sub(now)
}

// Governor admits callers at most MaxPerSecond per trailing second and
// MaxPerMinute per trailing minute. Admit calls are serialized.
type Governor struct {
	sem     chan struct{}
	windows []*window
	clock   Clock
	maxWait time.Duration

	admitted atomic.Uint64
	waited   atomic.Uint64

	// OnWait is called before each suspension with its duration. Optional.
	OnWait func(d time.Duration)
}

// New creates a Governor.
func New(cfg Config) *Governor {
	g := &Governor{
		sem:     make(chan struct{}, 1),
		clock:   cfg.Clock,
		maxWait: cfg.MaxWait,
	}
	if g.clock == nil {
		g.clock = realClock{}
	}
	for _, w := range []*window{
		newWindow(cfg.MaxPerSecond, time.Second),
		newWindow(cfg.MaxPerMinute, time.Minute),
	} {
		if w != nil {
			g.windows = append(g.windows, w)
		}
	}
	return g
}

// Admit blocks until one more call is legal under both windows and then
// records it. It returns ctx.Err() if ctx ends first, or a *TimeoutError
// when the required wait exceeds MaxWait.
func (g *Governor) Admit(ctx context.Context) error {
	select {
	case g.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-g.sem }()

	counted := false
	for {
		now := g.clock.Now()
		var wait time.Duration
		for _, w := range g.windows {
			w.evict(now)
			if d := w.until(now); d > wait {
				wait = d
			}
		}
		if wait <= 0 {
			for _, w := range g.windows {
				w.ts.Push(now)
			}
			g.admitted.Add(1)
			return nil
		}

		if g.maxWait > 0 && wait > g.maxWait {
			return &TimeoutError{Wait: wait, Limit: g.maxWait}
		}
		if !counted {
			g.waited.Add(1)
			counted = true
		}
		if g.OnWait != nil {
			g.OnWait(wait)
		}

		// Re-check after waking rather than assuming the slot is free.
		select {
		case <-g.clock.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Stats returns cumulative admission counters.
func (g *Governor) Stats() Stats {
	return Stats{
		Admitted: g.admitted.Load(),
		Waited:   g.waited.Load(),
	}
}
