package prestige

import (
	"context"
	"slices"
	"time"

	"github.com/talgya/ascend/internal/analytics"
	"github.com/talgya/ascend/internal/progress"
)

// ChallengeResult reports a challenge completion.
type ChallengeResult struct {
	Outcome     Outcome
	Reason      string
	Challenge   string
	FirstReward bool
	Record      progress.ChallengeRecord
}

// ToggleResult reports a settings change.
type ToggleResult struct {
	Outcome Outcome
	Reason  string
	Enabled bool
}

// Challenges grants challenge rewards. Challenges unlock in order: each needs
// the reward of every challenge before it.
type Challenges struct {
	order  []string
	repo   progress.Repository
	events analytics.Emitter
}

func NewChallenges(order []string, repo progress.Repository, events analytics.Emitter) *Challenges {
	if events == nil {
		events = analytics.Discard{}
	}
	return &Challenges{order: slices.Clone(order), repo: repo, events: events}
}

// IDs returns the challenges in unlock order.
func (c *Challenges) IDs() []string { return slices.Clone(c.order) }

// Unlocked reports whether p may attempt challenge id.
func (c *Challenges) Unlocked(p *progress.Progress, id string) bool {
	i := slices.Index(c.order, id)
	if i < 0 {
		return false
	}
	for _, prev := range c.order[:i] {
		if !p.CompletedChallengeRewards.Has(prev) {
			return false
		}
	}
	return true
}

// Complete records a finished challenge and grants its reward on the first
// completion since the last Transcendence.
func (c *Challenges) Complete(_ context.Context, p *progress.Progress, id string, elapsed time.Duration) ChallengeResult {
	res := ChallengeResult{Outcome: Ineligible, Challenge: id, Record: p.ChallengeRecords[id]}
	switch {
	case !slices.Contains(c.order, id):
		res.Reason = ReasonUnknownChallenge
		return res
	case !c.Unlocked(p, id):
		res.Reason = ReasonChallengeLocked
		return res
	case elapsed <= 0:
		res.Reason = ReasonInvalidTime
		return res
	}

	rec := p.ChallengeRecords[id]
	rec.Completions++
	if rec.BestTime == 0 || elapsed < rec.BestTime {
		rec.BestTime = elapsed
	}
	p.ChallengeRecords[id] = rec
	first := p.CompletedChallengeRewards.Add(id)
	c.repo.MarkDirty(p.ID)

	c.events.Emit(p.ID, analytics.EventChallenge, map[string]any{
		"challenge": id,
		"time_ms":   elapsed.Milliseconds(),
	})
	return ChallengeResult{Outcome: Success, Challenge: id, FirstReward: first, Record: rec}
}

// SetBreakAscension toggles the flag that gates Transcendence. Enabling it
// requires at least one ascension.
func (c *Challenges) SetBreakAscension(p *progress.Progress, on bool) ToggleResult {
	if on && p.AscensionCount < 1 {
		return ToggleResult{Outcome: Ineligible, Reason: ReasonNoAscension, Enabled: p.BreakAscensionEnabled}
	}
	if p.BreakAscensionEnabled == on {
		return ToggleResult{Outcome: NoGain, Enabled: on}
	}
	p.BreakAscensionEnabled = on
	c.repo.MarkDirty(p.ID)
	return ToggleResult{Outcome: Success, Enabled: on}
}
