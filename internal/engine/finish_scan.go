package engine

import (
	"context"
	"log/slog"
	"maps"
	"sync"

	"github.com/talgya/ascend/internal/progress"
	"github.com/talgya/ascend/internal/run"
)

// PositionBuffer keeps the latest position sample of every player.
type PositionBuffer struct {
	mu     sync.Mutex
	latest map[progress.PlayerID]run.Vec3
}

func NewPositionBuffer() *PositionBuffer {
	return &PositionBuffer{latest: map[progress.PlayerID]run.Vec3{}}
}

// Update records pos as the current position of id.
func (b *PositionBuffer) Update(id progress.PlayerID, pos run.Vec3) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.latest[id] = pos
}

// Remove forgets id, e.g. on disconnect.
func (b *PositionBuffer) Remove(id progress.PlayerID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.latest, id)
}

// Snapshot copies the current samples.
func (b *PositionBuffer) Snapshot() map[progress.PlayerID]run.Vec3 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return maps.Clone(b.latest)
}

// FinishScanner is the per-tick finish detection. It only reads tracker state
// and hands verification to the player's lane; at most one verification per
// player is in flight.
type FinishScanner struct {
	tracker   *run.Tracker
	lanes     *Lanes
	positions *PositionBuffer

	mu       sync.Mutex
	inFlight map[progress.PlayerID]struct{}
}

func NewFinishScanner(tracker *run.Tracker, lanes *Lanes, positions *PositionBuffer) *FinishScanner {
	return &FinishScanner{
		tracker:   tracker,
		lanes:     lanes,
		positions: positions,
		inFlight:  map[progress.PlayerID]struct{}{},
	}
}

// Scan checks every sampled player and returns how many verifications it
// scheduled. It is registered as an engine OnTick callback.
func (s *FinishScanner) Scan(ctx context.Context, _ uint64) int {
	scheduled := 0
	for id, pos := range s.positions.Snapshot() {
		if !s.tracker.IsRunning(id) || !s.tracker.IsNearFinish(id, pos) {
			continue
		}
		if !s.claim(id) {
			continue
		}
		ok := s.lanes.Submit(id, func() {
			defer s.release(id)
			if _, _, err := s.tracker.CheckPlayer(ctx, id, pos); err != nil {
				slog.Error("finish verification failed", "player", id, "error", err)
			}
		})
		if !ok {
			s.release(id)
			continue
		}
		scheduled++
	}
	return scheduled
}

// InFlight reports whether a verification for id is queued or running.
func (s *FinishScanner) InFlight(id progress.PlayerID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.inFlight[id]
	return ok
}

func (s *FinishScanner) claim(id progress.PlayerID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.inFlight[id]; ok {
		return false
	}
	s.inFlight[id] = struct{}{}
	return true
}

func (s *FinishScanner) release(id progress.PlayerID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inFlight, id)
}
