package progress

import (
	"context"
	"sync"
	"time"
)

// MemoryRepository is an in-process Repository. Flushes copy the snapshots
// taken by MarkDirty into Saved.
type MemoryRepository struct {
	Now func() time.Time

	mu       sync.Mutex
	live     map[PlayerID]*Progress
	pending  map[PlayerID]*Progress
	saved    map[PlayerID]*Progress
	resets   map[PlayerID]int
	trResets map[PlayerID]int
	flushes  int
	failNext int
	failErr  error
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		Now:      time.Now,
		live:     map[PlayerID]*Progress{},
		pending:  map[PlayerID]*Progress{},
		saved:    map[PlayerID]*Progress{},
		resets:   map[PlayerID]int{},
		trResets: map[PlayerID]int{},
	}
}

func (r *MemoryRepository) Get(id PlayerID) (*Progress, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.live[id]
	return p, ok
}

func (r *MemoryRepository) GetOrCreate(_ context.Context, id PlayerID) (*Progress, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.live[id]; ok {
		return p, nil
	}
	p := New(id, r.Now())
	r.live[id] = p
	return p, nil
}

// Put installs p as the live aggregate, replacing any existing one.
func (r *MemoryRepository) Put(p *Progress) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.live[p.ID] = p
}

func (r *MemoryRepository) MarkDirty(id PlayerID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.live[id]; ok {
		r.pending[id] = p.Clone()
	}
}

func (r *MemoryRepository) MarkResetPending(id PlayerID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resets[id]++
}

func (r *MemoryRepository) MarkTranscendenceResetPending(id PlayerID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.trResets[id]++
}

func (r *MemoryRepository) FlushPendingSave(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flushes++
	if r.failNext > 0 {
		r.failNext--
		return r.failErr
	}
	for id, snap := range r.pending {
		r.saved[id] = snap
	}
	clear(r.pending)
	return nil
}

// FailFlushes makes the next n flushes return err without saving.
func (r *MemoryRepository) FailFlushes(n int, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failNext, r.failErr = n, err
}

// Saved returns the last flushed snapshot of id.
func (r *MemoryRepository) Saved(id PlayerID) (*Progress, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.saved[id]
	return p, ok
}

// Dirty reports whether id has an unflushed snapshot.
func (r *MemoryRepository) Dirty(id PlayerID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.pending[id]
	return ok
}

// ResetMarks returns how often each reset marker was set for id.
func (r *MemoryRepository) ResetMarks(id PlayerID) (reset, transcendence int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.resets[id], r.trResets[id]
}

// Flushes returns the number of FlushPendingSave calls.
func (r *MemoryRepository) Flushes() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.flushes
}
