// Package engine provides the tick loop and the per-player execution lanes
// that serialize every mutation of a player's progress.
package engine

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultInterval is the tick cadence of the finish scan.
const DefaultInterval = 50 * time.Millisecond

// TickFunc is called once per scheduled tick.
type TickFunc func(ctx context.Context, tick uint64)

type periodic struct {
	every uint64
	fn    TickFunc
}

// Engine drives the tick loop.
type Engine struct {
	Interval time.Duration

	tick    atomic.Uint64 // monotonic, never resets
	running atomic.Bool

	mu       sync.Mutex
	onTick   []TickFunc
	periodic []periodic
}

// NewEngine creates an engine ticking at interval (DefaultInterval if zero).
func NewEngine(interval time.Duration) *Engine {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Engine{Interval: interval}
}

// OnTick registers fn to run every tick.
func (e *Engine) OnTick(fn TickFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onTick = append(e.onTick, fn)
}

// Every registers fn to run roughly once per period, rounded to whole ticks.
func (e *Engine) Every(period time.Duration, fn TickFunc) {
	n := uint64(period / e.Interval)
	if n == 0 {
		n = 1
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.periodic = append(e.periodic, periodic{every: n, fn: fn})
}

// Tick returns the last completed tick.
func (e *Engine) Tick() uint64 { return e.tick.Load() }

// Running reports whether Run is active.
func (e *Engine) Running() bool { return e.running.Load() }

// Run ticks until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) error {
	e.running.Store(true)
	defer e.running.Store(false)
	slog.Info("engine started", "tick", e.Tick(), "interval", e.Interval)

	t := time.NewTicker(e.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("engine stopped", "tick", e.Tick())
			return nil
		case <-t.C:
			e.Step(ctx)
		}
	}
}

// Step advances one tick and runs the due callbacks.
func (e *Engine) Step(ctx context.Context) {
	tick := e.tick.Add(1)

	e.mu.Lock()
	onTick := e.onTick
	due := make([]TickFunc, 0, len(e.periodic))
	for _, p := range e.periodic {
		if tick%p.every == 0 {
			due = append(due, p.fn)
		}
	}
	e.mu.Unlock()

	for _, fn := range onTick {
		fn(ctx, tick)
	}
	for _, fn := range due {
		fn(ctx, tick)
	}
}
