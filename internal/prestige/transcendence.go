package prestige

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/talgya/ascend/internal/analytics"
	"github.com/talgya/ascend/internal/bignum"
	"github.com/talgya/ascend/internal/progress"
	"github.com/talgya/ascend/internal/run"
)

// RunCanceller stops a player's active run.
type RunCanceller interface {
	Cancel(id progress.PlayerID, reason run.CancelReason) bool
}

// FlushPolicy bounds the synchronous save retries after a Transcendence.
type FlushPolicy struct {
	MaxTries        uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultFlushPolicy retries for roughly two seconds.
var DefaultFlushPolicy = FlushPolicy{
	MaxTries:        5,
	InitialInterval: 100 * time.Millisecond,
	MaxInterval:     time.Second,
}

// TranscendResult reports a Transcendence attempt. Count is the
// transcendence count after the attempt.
type TranscendResult struct {
	Outcome Outcome
	Reason  string
	Count   int
}

// Transcendence is the full reset that keeps only summit levels, personal
// bests, achievements and lifetime totals.
type Transcendence struct {
	Now    func() time.Time
	Policy FlushPolicy

	threshold  bignum.Number
	challenges []string
	repo       progress.Repository
	runs       RunCanceller
	events     analytics.Emitter
	tracer     trace.Tracer
}

// NewTranscendence returns a Transcendence requiring threshold volt and the
// rewards of every challenge in challenges.
func NewTranscendence(threshold bignum.Number, challenges []string, repo progress.Repository, runs RunCanceller, events analytics.Emitter) *Transcendence {
	if events == nil {
		events = analytics.Discard{}
	}
	return &Transcendence{
		Now:        time.Now,
		Policy:     DefaultFlushPolicy,
		threshold:  threshold,
		challenges: append([]string(nil), challenges...),
		repo:       repo,
		runs:       runs,
		events:     events,
		tracer:     otel.Tracer(tracerName),
	}
}

// IsEligible reports whether p may transcend, and if not, why.
func (t *Transcendence) IsEligible(p *progress.Progress) (bool, string) {
	if p.Volt.Less(t.threshold) {
		return false, ReasonBelowThreshold
	}
	if !p.BreakAscensionEnabled {
		return false, ReasonBreakAscensionOff
	}
	for _, ch := range t.challenges {
		if !p.CompletedChallengeRewards.Has(ch) {
			return false, ReasonChallengesPending
		}
	}
	return true, ""
}

// Perform transcends p. A non-nil error wraps ErrNotDurable and comes with a
// Success result: the reset happened but the synchronous save did not.
func (t *Transcendence) Perform(ctx context.Context, p *progress.Progress) (TranscendResult, error) {
	ctx, span := t.tracer.Start(ctx, "prestige.Transcend",
		trace.WithAttributes(attribute.String("player", p.ID.String())))
	defer span.End()

	if ok, reason := t.IsEligible(p); !ok {
		span.SetAttributes(attribute.String("outcome", Ineligible.String()), attribute.String("reason", reason))
		return TranscendResult{Outcome: Ineligible, Reason: reason, Count: p.TranscendenceCount}, nil
	}

	// Drop the run first so no credit from it can land after the reset.
	if t.runs != nil {
		t.runs.Cancel(p.ID, run.CancelTranscendence)
	}

	next := p.Transcended(t.Now())
	next.Achievements.Add(progress.AchievementTranscendent)
	*p = *next

	t.repo.MarkResetPending(p.ID)
	t.repo.MarkTranscendenceResetPending(p.ID)
	t.repo.MarkDirty(p.ID)

	res := TranscendResult{Outcome: Success, Count: p.TranscendenceCount}
	span.SetAttributes(attribute.String("outcome", Success.String()), attribute.Int("count", res.Count))
	slog.Info("player transcended", "player", p.ID, "count", res.Count)

	err := t.flush(ctx)
	t.events.Emit(p.ID, analytics.EventTranscendence, map[string]any{"count": res.Count})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "flush failed")
		slog.Error("transcendence save failed", "player", p.ID, "count", res.Count, "error", err)
		return res, fmt.Errorf("%w: %w", ErrNotDurable, err)
	}
	return res, nil
}

func (t *Transcendence) flush(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = t.Policy.InitialInterval
	b.MaxInterval = t.Policy.MaxInterval

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, t.repo.FlushPendingSave(ctx)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(max(t.Policy.MaxTries, 1)),
		backoff.WithNotify(func(err error, wait time.Duration) {
			slog.Warn("retrying transcendence save", "error", err, "wait", wait)
		}),
	)
	return err
}
