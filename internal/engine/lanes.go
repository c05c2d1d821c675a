package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/talgya/ascend/internal/progress"
)

// ErrLanesClosed is returned for work submitted after Close.
var ErrLanesClosed = errors.New("lanes closed")

// Lanes runs tasks one player at a time. Tasks for the same player execute in
// submission order and never overlap; different players run in parallel.
type Lanes struct {
	mu     sync.Mutex
	lanes  map[progress.PlayerID]*lane
	closed bool
	wg     sync.WaitGroup
}

type lane struct {
	queue []func()
}

func NewLanes() *Lanes {
	return &Lanes{lanes: map[progress.PlayerID]*lane{}}
}

// Submit queues fn on the lane of id without waiting. It reports false if the
// lanes are closed.
func (l *Lanes) Submit(id progress.PlayerID, fn func()) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return false
	}
	ln, ok := l.lanes[id]
	if ok {
		ln.queue = append(ln.queue, fn)
		return true
	}
	ln = &lane{queue: []func(){fn}}
	l.lanes[id] = ln
	l.wg.Add(1)
	go l.drain(id, ln)
	return true
}

// Do runs fn on the lane of id and waits for its result. If ctx ends before
// the task starts, the task is skipped and Do returns ctx.Err(); once started
// it always runs to completion and Do returns its result.
func (l *Lanes) Do(ctx context.Context, id progress.PlayerID, fn func() error) error {
	const (
		pending int32 = iota
		started
		abandoned
	)
	var state atomic.Int32
	done := make(chan error, 1)
	ok := l.Submit(id, func() {
		if ctx.Err() != nil || !state.CompareAndSwap(pending, started) {
			done <- ctx.Err()
			return
		}
		done <- call(fn)
	})
	if !ok {
		return ErrLanesClosed
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		if state.CompareAndSwap(pending, abandoned) {
			return ctx.Err()
		}
		return <-done
	}
}

// Pending returns the number of players with queued or running work.
func (l *Lanes) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.lanes)
}

// Close rejects new work and waits for queued tasks to finish.
func (l *Lanes) Close() {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	l.wg.Wait()
}

func (l *Lanes) drain(id progress.PlayerID, ln *lane) {
	defer l.wg.Done()
	for {
		l.mu.Lock()
		if len(ln.queue) == 0 {
			delete(l.lanes, id)
			l.mu.Unlock()
			return
		}
		fn := ln.queue[0]
		ln.queue[0] = nil
		ln.queue = ln.queue[1:]
		l.mu.Unlock()

		if err := call(func() error { fn(); return nil }); err != nil {
			slog.Error("lane task failed", "player", id, "error", err)
		}
	}
}

// call runs fn, converting a panic into an error.
func call(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("lane task panicked: %v", r)
		}
	}()
	return fn()
}
