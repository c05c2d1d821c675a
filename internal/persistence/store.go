package persistence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/talgya/ascend/internal/progress"
)

// DefaultSaveDebounce is how long a dirty player waits before the
// background save.
const DefaultSaveDebounce = 5 * time.Second

// Store is the progress.Repository backed by DB. It caches live aggregates,
// snapshots them on MarkDirty and writes the snapshots in batches, either
// after the debounce delay or on FlushPendingSave.
type Store struct {
	Now func() time.Time

	db       *DB
	debounce time.Duration
	loads    singleflight.Group

	mu       sync.Mutex
	live     map[progress.PlayerID]*progress.Progress
	dirty    map[progress.PlayerID]*progress.Progress
	resets   map[progress.PlayerID]bool
	trResets map[progress.PlayerID]bool
	timer    *time.Timer
	closed   bool

	// flushMu keeps saves in order so an older snapshot never overwrites
	// a newer one.
	flushMu sync.Mutex
}

// NewStore returns a Store over db. A debounce of zero or less uses
// DefaultSaveDebounce.
func NewStore(db *DB, debounce time.Duration) *Store {
	if debounce <= 0 {
		debounce = DefaultSaveDebounce
	}
	return &Store{
		Now:      time.Now,
		db:       db,
		debounce: debounce,
		live:     map[progress.PlayerID]*progress.Progress{},
		dirty:    map[progress.PlayerID]*progress.Progress{},
		resets:   map[progress.PlayerID]bool{},
		trResets: map[progress.PlayerID]bool{},
	}
}

func (s *Store) Get(id progress.PlayerID) (*progress.Progress, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.live[id]
	return p, ok
}

// GetOrCreate returns the live aggregate of id, loading it from the database
// or creating a fresh one. Concurrent first calls share one load.
func (s *Store) GetOrCreate(ctx context.Context, id progress.PlayerID) (*progress.Progress, error) {
	if p, ok := s.Get(id); ok {
		return p, nil
	}

	v, err, _ := s.loads.Do(id.String(), func() (any, error) {
		if p, ok := s.Get(id); ok {
			return p, nil
		}
		p, err := s.db.LoadPlayer(ctx, id)
		created := false
		if errors.Is(err, progress.ErrNotFound) {
			p, err, created = progress.New(id, s.Now()), nil, true
		}
		if err != nil {
			return nil, err
		}
		p.Normalize()

		s.mu.Lock()
		defer s.mu.Unlock()
		if cur, ok := s.live[id]; ok {
			return cur, nil
		}
		s.live[id] = p
		if created {
			s.markDirtyLocked(id, p)
			slog.Debug("player created", "player", id)
		}
		return p, nil
	})
	if err != nil {
		return nil, fmt.Errorf("get player %s: %w", id, err)
	}
	return v.(*progress.Progress), nil
}

func (s *Store) MarkDirty(id progress.PlayerID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.live[id]
	if !ok {
		slog.Warn("mark dirty on uncached player ignored", "player", id)
		return
	}
	s.markDirtyLocked(id, p)
}

func (s *Store) markDirtyLocked(id progress.PlayerID, p *progress.Progress) {
	s.dirty[id] = p.Clone()
	s.scheduleLocked()
}

// MarkResetPending also snapshots the player, so a reset flag is never
// queued without the state it applies to.
func (s *Store) MarkResetPending(id progress.PlayerID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.resets[id] = true
	if p, ok := s.live[id]; ok {
		s.markDirtyLocked(id, p)
	}
}

func (s *Store) MarkTranscendenceResetPending(id progress.PlayerID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trResets[id] = true
	if p, ok := s.live[id]; ok {
		s.markDirtyLocked(id, p)
	}
}

func (s *Store) scheduleLocked() {
	if s.timer != nil || s.closed {
		return
	}
	s.timer = time.AfterFunc(s.debounce, func() {
		if err := s.FlushPendingSave(context.Background()); err != nil {
			slog.Error("background save failed", "error", err)
		}
	})
}

// FlushPendingSave writes every dirty snapshot now. On failure the snapshots
// stay queued, unless a newer one replaced them meanwhile, and a retry is
// scheduled.
func (s *Store) FlushPendingSave(ctx context.Context) error {
	s.flushMu.Lock()
	defer s.flushMu.Unlock()

	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	dirty, resets, trResets := s.dirty, s.resets, s.trResets
	s.dirty = map[progress.PlayerID]*progress.Progress{}
	s.resets = map[progress.PlayerID]bool{}
	s.trResets = map[progress.PlayerID]bool{}
	// Flags without a snapshot in this batch wait for the next one.
	for id := range resets {
		if _, ok := dirty[id]; !ok {
			s.resets[id] = true
			delete(resets, id)
		}
	}
	for id := range trResets {
		if _, ok := dirty[id]; !ok {
			s.trResets[id] = true
			delete(trResets, id)
		}
	}
	s.mu.Unlock()

	if len(dirty) == 0 {
		return nil
	}

	snaps := make([]Snapshot, 0, len(dirty))
	for id, p := range dirty {
		snaps = append(snaps, Snapshot{Progress: p, Reset: resets[id], TranscendenceReset: trResets[id]})
	}

	start := time.Now()
	err := s.db.SavePlayers(ctx, snaps)
	if err == nil {
		slog.Debug("players saved", "count", len(snaps), "took", time.Since(start))
		return nil
	}

	s.mu.Lock()
	for id, p := range dirty {
		if _, newer := s.dirty[id]; !newer {
			s.dirty[id] = p
		}
		if resets[id] {
			s.resets[id] = true
		}
		if trResets[id] {
			s.trResets[id] = true
		}
	}
	s.scheduleLocked()
	s.mu.Unlock()
	return fmt.Errorf("save %d players: %w", len(snaps), err)
}

// Evict drops a player from the cache after their state is durable. It
// reports false, leaving the player cached, if unsaved changes remain.
func (s *Store) Evict(id progress.PlayerID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.dirty[id]; ok || s.resets[id] || s.trResets[id] {
		return false
	}
	delete(s.live, id)
	return true
}

// Pending returns the number of players waiting to be saved.
func (s *Store) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.dirty)
}

// Cached returns the number of live players.
func (s *Store) Cached() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.live)
}

// Close stops background saves and writes what is left.
func (s *Store) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return s.FlushPendingSave(ctx)
}
