// Package analytics records fire-and-forget gameplay events.
//
// Emit never returns an error and never blocks: a full buffer or a failing
// sink drops the event with a debug log. Durable state goes through
// progress.Repository, never through here.
package analytics

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/talgya/ascend/internal/progress"
)

// Event names.
const (
	EventManualRun     = "ascend_manual_run"
	EventSummit        = "ascend_summit"
	EventTranscendence = "ascend_transcendence"
	EventElevation     = "ascend_elevation"
	EventChallenge     = "ascend_challenge"
)

// Emitter accepts best-effort events.
type Emitter interface {
	Emit(player progress.PlayerID, event string, payload map[string]any)
}

// Event is one recorded analytics row.
type Event struct {
	Player  progress.PlayerID
	Name    string
	Payload string // JSON object
	At      time.Time
}

// Sink stores events; persistence.DB implements it. The slice is reused
// after InsertEvents returns.
type Sink interface {
	InsertEvents(ctx context.Context, events []Event) error
}

// Discard drops every event.
type Discard struct{}

func (Discard) Emit(progress.PlayerID, string, map[string]any) {}

// Recorder buffers events and writes them to a Sink in batches.
type Recorder struct {
	sink    Sink
	events  chan Event
	now     func() time.Time
	dropped atomic.Int64
}

const batchSize = 64

// NewRecorder returns a Recorder with room for buffer pending events.
func NewRecorder(sink Sink, buffer int) *Recorder {
	return &Recorder{
		sink:   sink,
		events: make(chan Event, max(buffer, 1)),
		now:    time.Now,
	}
}

// Emit implements Emitter.
func (r *Recorder) Emit(player progress.PlayerID, event string, payload map[string]any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		slog.Debug("analytics payload dropped", "event", event, "error", err)
		r.dropped.Add(1)
		return
	}
	e := Event{Player: player, Name: event, Payload: string(raw), At: r.now()}
	select {
	case r.events <- e:
	default:
		r.dropped.Add(1)
		slog.Debug("analytics buffer full, event dropped", "event", event, "player", player)
	}
}

// Dropped returns how many events were discarded.
func (r *Recorder) Dropped() int64 { return r.dropped.Load() }

// Run writes buffered events until ctx is cancelled, then drains what is left.
func (r *Recorder) Run(ctx context.Context) {
	batch := make([]Event, 0, batchSize)
	for {
		select {
		case e := <-r.events:
			batch = append(batch, e)
			batch = r.fill(batch)
			r.write(ctx, batch)
			batch = batch[:0]
		case <-ctx.Done():
			for batch = r.fill(batch); len(batch) > 0; batch = r.fill(batch[:0]) {
				r.write(context.WithoutCancel(ctx), batch)
			}
			return
		}
	}
}

// fill takes whatever is already queued, up to one batch.
func (r *Recorder) fill(batch []Event) []Event {
	for len(batch) < batchSize {
		select {
		case e := <-r.events:
			batch = append(batch, e)
		default:
			return batch
		}
	}
	return batch
}

func (r *Recorder) write(ctx context.Context, batch []Event) {
	if len(batch) == 0 {
		return
	}
	if err := r.sink.InsertEvents(ctx, batch); err != nil {
		r.dropped.Add(int64(len(batch)))
		slog.Debug("analytics write failed", "events", len(batch), "error", err)
	}
}
