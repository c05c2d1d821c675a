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

// ElevationResult reports an elevation purchase.
type ElevationResult struct {
	Outcome    Outcome
	Reason     string
	Levels     int
	Multiplier int
	Cost       decimal.Decimal
}

// Elevation spends coins on elevation levels, raising the run multiplier.
type Elevation struct {
	formulas *formula.Formulas
	repo     progress.Repository
	events   analytics.Emitter
	tracer   trace.Tracer
}

func NewElevation(f *formula.Formulas, repo progress.Repository, events analytics.Emitter) *Elevation {
	if events == nil {
		events = analytics.Discard{}
	}
	return &Elevation{formulas: f, repo: repo, events: events, tracer: otel.Tracer(tracerName)}
}

// NextCost returns the price of the next elevation level of p.
func (e *Elevation) NextCost(p *progress.Progress) bignum.Number {
	return e.formulas.ElevationCost(p.ElevationMultiplier - 1)
}

// Perform buys as many elevation levels as p's coins afford.
func (e *Elevation) Perform(ctx context.Context, p *progress.Progress) ElevationResult {
	_, span := e.tracer.Start(ctx, "prestige.Elevate",
		trace.WithAttributes(attribute.String("player", p.ID.String())))
	defer span.End()

	levels, spent := e.formulas.ElevationPurchase(p.ElevationMultiplier-1, bignum.FromDecimal(p.Coins))
	if levels == 0 {
		span.SetAttributes(attribute.String("outcome", Ineligible.String()))
		return ElevationResult{
			Outcome:    Ineligible,
			Reason:     ReasonCannotAfford,
			Multiplier: p.ElevationMultiplier,
			Cost:       decimal.Zero,
		}
	}

	cost := spent.Decimal()
	p.Coins = p.Coins.Sub(cost)
	if p.Coins.IsNegative() {
		p.Coins = decimal.Zero
	}
	p.ElevationMultiplier += levels
	e.repo.MarkDirty(p.ID)

	span.SetAttributes(attribute.String("outcome", Success.String()), attribute.Int("levels", levels))
	e.events.Emit(p.ID, analytics.EventElevation, map[string]any{
		"levels":     levels,
		"multiplier": p.ElevationMultiplier,
	})
	return ElevationResult{
		Outcome:    Success,
		Levels:     levels,
		Multiplier: p.ElevationMultiplier,
		Cost:       cost,
	}
}
