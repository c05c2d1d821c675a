package prestige

import (
	"context"
	"fmt"
	"time"

	"github.com/talgya/ascend/internal/formula"
	"github.com/talgya/ascend/internal/progress"
)

// Executor runs fn as the single writer of a player. engine.Lanes implements it.
type Executor interface {
	Do(ctx context.Context, id progress.PlayerID, fn func() error) error
}

// Service runs prestige operations inside the player's lane so each
// eligibility check and its commit form one unit.
type Service struct {
	repo  progress.Repository
	lanes Executor

	Summit        *Summit
	Transcendence *Transcendence
	Elevation     *Elevation
	Challenges    *Challenges
}

func NewService(repo progress.Repository, lanes Executor, s *Summit, t *Transcendence, e *Elevation, c *Challenges) *Service {
	return &Service{repo: repo, lanes: lanes, Summit: s, Transcendence: t, Elevation: e, Challenges: c}
}

// withProgress runs fn in the lane of id with the live aggregate.
func (s *Service) withProgress(ctx context.Context, id progress.PlayerID, fn func(p *progress.Progress) error) error {
	return s.lanes.Do(ctx, id, func() error {
		p, err := s.repo.GetOrCreate(ctx, id)
		if err != nil {
			return fmt.Errorf("load player %s: %w", id, err)
		}
		return fn(p)
	})
}

// Snapshot returns a copy of the player's progress taken in their lane.
func (s *Service) Snapshot(ctx context.Context, id progress.PlayerID) (*progress.Progress, error) {
	var out *progress.Progress
	err := s.withProgress(ctx, id, func(p *progress.Progress) error {
		out = p.Clone()
		return nil
	})
	return out, err
}

// Preview forecasts a Summit on c. ok is false for an unknown category.
func (s *Service) Preview(ctx context.Context, id progress.PlayerID, c formula.Category) (preview SummitPreview, ok bool, err error) {
	err = s.withProgress(ctx, id, func(p *progress.Progress) error {
		preview, ok = s.Summit.Preview(p, c)
		return nil
	})
	return preview, ok, err
}

func (s *Service) PerformSummit(ctx context.Context, id progress.PlayerID, c formula.Category) (SummitResult, error) {
	var res SummitResult
	err := s.withProgress(ctx, id, func(p *progress.Progress) error {
		res = s.Summit.Perform(ctx, p, c)
		return nil
	})
	return res, err
}

// Transcend runs a Transcendence. An error wrapping ErrNotDurable comes with
// a Success result.
func (s *Service) Transcend(ctx context.Context, id progress.PlayerID) (TranscendResult, error) {
	var res TranscendResult
	err := s.withProgress(ctx, id, func(p *progress.Progress) error {
		var err error
		res, err = s.Transcendence.Perform(ctx, p)
		return err
	})
	return res, err
}

func (s *Service) Elevate(ctx context.Context, id progress.PlayerID) (ElevationResult, error) {
	var res ElevationResult
	err := s.withProgress(ctx, id, func(p *progress.Progress) error {
		res = s.Elevation.Perform(ctx, p)
		return nil
	})
	return res, err
}

func (s *Service) CompleteChallenge(ctx context.Context, id progress.PlayerID, challenge string, elapsed time.Duration) (ChallengeResult, error) {
	var res ChallengeResult
	err := s.withProgress(ctx, id, func(p *progress.Progress) error {
		res = s.Challenges.Complete(ctx, p, challenge, elapsed)
		return nil
	})
	return res, err
}

func (s *Service) SetBreakAscension(ctx context.Context, id progress.PlayerID, on bool) (ToggleResult, error) {
	var res ToggleResult
	err := s.withProgress(ctx, id, func(p *progress.Progress) error {
		res = s.Challenges.SetBreakAscension(p, on)
		return nil
	})
	return res, err
}
