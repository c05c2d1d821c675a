package prestige

import (
	"context"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/talgya/ascend/internal/analytics"
	"github.com/talgya/ascend/internal/bignum"
	"github.com/talgya/ascend/internal/formula"
	"github.com/talgya/ascend/internal/progress"
)

const tracerName = "github.com/talgya/ascend/internal/prestige"

// SummitPreview is the non-mutating forecast of a Summit.
type SummitPreview struct {
	Category     formula.Category
	CurrentLevel int
	NewLevel     int
	LevelGain    int
	CurrentBonus float64
	NewBonus     float64
}

// SummitResult reports a Summit attempt. Level is the category level after
// the attempt (unchanged unless Outcome is Success).
type SummitResult struct {
	Outcome   Outcome
	Reason    string
	Category  formula.Category
	Level     int
	LevelGain int
}

// Summit converts coins into permanent summit levels.
type Summit struct {
	formulas *formula.Formulas
	repo     progress.Repository
	events   analytics.Emitter
	minCoins decimal.Decimal
	tracer   trace.Tracer
}

// NewSummit returns a Summit gated at minCoins.
func NewSummit(f *formula.Formulas, repo progress.Repository, events analytics.Emitter, minCoins decimal.Decimal) *Summit {
	if events == nil {
		events = analytics.Discard{}
	}
	return &Summit{
		formulas: f,
		repo:     repo,
		events:   events,
		minCoins: minCoins,
		tracer:   otel.Tracer(tracerName),
	}
}

// CanPerform reports whether p holds at least the minimum coins.
func (s *Summit) CanPerform(p *progress.Progress) bool {
	return p.Coins.GreaterThanOrEqual(s.minCoins)
}

// Preview computes the Summit outcome for c without touching p. It reports
// false for an unknown category.
func (s *Summit) Preview(p *progress.Progress, c formula.Category) (SummitPreview, bool) {
	if !s.formulas.HasCategory(c) {
		return SummitPreview{}, false
	}
	current := p.SummitLevel[c]
	total := p.SummitAccumulatedSpend[c].Add(bignum.FromDecimal(p.Coins))
	next := s.formulas.LevelForTotalSpend(total)
	return SummitPreview{
		Category:     c,
		CurrentLevel: current,
		NewLevel:     next,
		LevelGain:    next - current,
		CurrentBonus: s.formulas.BonusForLevel(c, current),
		NewBonus:     s.formulas.BonusForLevel(c, next),
	}, true
}

// Perform runs a Summit on category c.
func (s *Summit) Perform(ctx context.Context, p *progress.Progress, c formula.Category) SummitResult {
	_, span := s.tracer.Start(ctx, "prestige.Summit",
		trace.WithAttributes(attribute.String("player", p.ID.String()), attribute.String("category", string(c))))
	defer span.End()

	res := s.perform(p, c)
	span.SetAttributes(attribute.String("outcome", res.Outcome.String()), attribute.Int("level", res.Level))
	return res
}

func (s *Summit) perform(p *progress.Progress, c formula.Category) SummitResult {
	current := p.SummitLevel[c]
	res := SummitResult{Outcome: Ineligible, Category: c, Level: current}

	preview, ok := s.Preview(p, c)
	switch {
	case !ok:
		res.Reason = ReasonUnknownCategory
		return res
	case !s.CanPerform(p):
		res.Reason = ReasonBelowThreshold
		return res
	case preview.LevelGain <= 0:
		res.Outcome = NoGain
		if current >= s.formulas.MaxSummitLevel() {
			res.Reason = ReasonMaxLevel
		}
		return res
	}

	spent := p.Coins
	p.SummitLevel[c] = current + preview.LevelGain
	p.SummitAccumulatedSpend[c] = p.SummitAccumulatedSpend[c].Add(bignum.FromDecimal(spent))
	p.Coins = decimal.Zero
	p.ElevationMultiplier = 1
	p.Achievements.Add(progress.AchievementSummitSeeker)
	s.repo.MarkDirty(p.ID)

	s.events.Emit(p.ID, analytics.EventSummit, map[string]any{
		"category": string(c),
		"level":    preview.NewLevel,
		"gain":     preview.LevelGain,
	})
	return SummitResult{
		Outcome:   Success,
		Category:  c,
		Level:     preview.NewLevel,
		LevelGain: preview.LevelGain,
	}
}
