// Package run tracks manual course runs and credits their completion.
package run

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/talgya/ascend/internal/analytics"
	"github.com/talgya/ascend/internal/bignum"
	"github.com/talgya/ascend/internal/formula"
	"github.com/talgya/ascend/internal/progress"
)

// Finish zone around a course's finish point.
const (
	finishRadiusSq      = 1.0 // horizontal (x/z), squared
	finishVerticalRange = 1.5
)

// Completion times outside [minRunTime, maxRunFactor × base] are not
// accepted as personal bests.
const (
	minRunTime   = 500 * time.Millisecond
	maxRunFactor = 10
)

var ErrUnknownCourse = errors.New("unknown course")

// Vec3 is a world position.
type Vec3 struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Course is a runnable map.
type Course struct {
	ID             string
	Finish         Vec3
	BaseRunTime    time.Duration
	BaseVolt       bignum.Number
	BaseCoins      decimal.Decimal
	MultiplierStep bignum.Number // added to the map multiplier per completion
}

// State is the run state of one player.
type State int

const (
	NotRunning State = iota
	Running
)

func (s State) String() string {
	if s == Running {
		return "running"
	}
	return "not_running"
}

// CancelReason says why a run was abandoned.
type CancelReason string

const (
	CancelDisconnect    CancelReason = "disconnect"
	CancelModeExit      CancelReason = "mode_exit"
	CancelTranscendence CancelReason = "transcendence"
	CancelRestart       CancelReason = "restart"
	CancelRequested     CancelReason = "requested"
)

// FinishEvent describes a credited run.
type FinishEvent struct {
	Player       progress.PlayerID
	CourseID     string
	Elapsed      time.Duration
	Volt         bignum.Number
	Coins        decimal.Decimal
	ValidTime    bool
	PersonalBest bool
	FirstClear   bool
}

type activeRun struct {
	course    string
	startedAt time.Time
}

// Tracker holds the active run of every player.
//
// Start, Cancel and the read methods are safe from any goroutine.
// CheckPlayer mutates progress and must run in the player's lane.
type Tracker struct {
	Now func() time.Time

	courses  map[string]Course
	repo     progress.Repository
	formulas *formula.Formulas
	events   analytics.Emitter

	active sync.Map // progress.PlayerID -> *activeRun

	mu       sync.RWMutex
	onFinish []func(FinishEvent)
	onCancel []func(progress.PlayerID, CancelReason)
}

// NewTracker returns a Tracker over courses.
func NewTracker(courses []Course, repo progress.Repository, formulas *formula.Formulas, events analytics.Emitter) *Tracker {
	byID := make(map[string]Course, len(courses))
	for _, c := range courses {
		byID[c.ID] = c
	}
	if events == nil {
		events = analytics.Discard{}
	}
	return &Tracker{
		Now:      time.Now,
		courses:  byID,
		repo:     repo,
		formulas: formulas,
		events:   events,
	}
}

// OnFinish registers fn to run after every credited finish.
func (t *Tracker) OnFinish(fn func(FinishEvent)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onFinish = append(t.onFinish, fn)
}

// OnCancel registers fn to run after every cancelled run.
func (t *Tracker) OnCancel(fn func(progress.PlayerID, CancelReason)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onCancel = append(t.onCancel, fn)
}

// Course returns the course with id.
func (t *Tracker) Course(id string) (Course, bool) {
	c, ok := t.courses[id]
	return c, ok
}

// Courses returns every course ordered by id.
func (t *Tracker) Courses() []Course {
	out := make([]Course, 0, len(t.courses))
	for _, c := range t.courses {
		out = append(out, c)
	}
	slices.SortFunc(out, func(a, b Course) int { return cmp.Compare(a.ID, b.ID) })
	return out
}

// Start begins a run on courseID, replacing any run in progress.
func (t *Tracker) Start(id progress.PlayerID, courseID string) error {
	if _, ok := t.courses[courseID]; !ok {
		return fmt.Errorf("start run %q: %w", courseID, ErrUnknownCourse)
	}
	prev, replaced := t.active.Swap(id, &activeRun{course: courseID, startedAt: t.Now()})
	if replaced && prev != nil {
		t.notifyCancel(id, CancelRestart)
	}
	return nil
}

// Cancel drops the active run of id and reports whether one existed.
// In-progress state is discarded without credit.
func (t *Tracker) Cancel(id progress.PlayerID, reason CancelReason) bool {
	if _, ok := t.active.LoadAndDelete(id); !ok {
		return false
	}
	slog.Debug("run cancelled", "player", id, "reason", reason)
	t.notifyCancel(id, reason)
	return true
}

// State returns the run state of id.
func (t *Tracker) State(id progress.PlayerID) State {
	if t.IsRunning(id) {
		return Running
	}
	return NotRunning
}

func (t *Tracker) IsRunning(id progress.PlayerID) bool {
	_, ok := t.active.Load(id)
	return ok
}

// ActiveCourse returns the course of the active run, if any.
func (t *Tracker) ActiveCourse(id progress.PlayerID) (string, bool) {
	v, ok := t.active.Load(id)
	if !ok {
		return "", false
	}
	return v.(*activeRun).course, true
}

// Elapsed returns the time since the active run started.
func (t *Tracker) Elapsed(id progress.PlayerID) (time.Duration, bool) {
	v, ok := t.active.Load(id)
	if !ok {
		return 0, false
	}
	return t.Now().Sub(v.(*activeRun).startedAt), true
}

// IsNearFinish is the cheap pre-check: whether pos lies in the finish zone of
// the active run. It takes no locks and mutates nothing.
func (t *Tracker) IsNearFinish(id progress.PlayerID, pos Vec3) bool {
	v, ok := t.active.Load(id)
	if !ok {
		return false
	}
	c, ok := t.courses[v.(*activeRun).course]
	if !ok {
		return false
	}
	return inFinishZone(c.Finish, pos)
}

func inFinishZone(finish, pos Vec3) bool {
	dx := pos.X - finish.X
	dy := pos.Y - finish.Y
	dz := pos.Z - finish.Z
	return dx*dx+dz*dz <= finishRadiusSq && math.Abs(dy) <= finishVerticalRange
}

// CheckPlayer verifies a finish at pos and credits the run. It returns false
// when there is no active run, pos is outside the finish zone, or the run was
// already credited or cancelled.
func (t *Tracker) CheckPlayer(ctx context.Context, id progress.PlayerID, pos Vec3) (FinishEvent, bool, error) {
	v, ok := t.active.Load(id)
	if !ok {
		return FinishEvent{}, false, nil
	}
	run := v.(*activeRun)
	c, ok := t.courses[run.course]
	if !ok {
		t.active.CompareAndDelete(id, run)
		return FinishEvent{}, false, nil
	}
	if !inFinishZone(c.Finish, pos) {
		return FinishEvent{}, false, nil
	}
	// A failed load leaves the run active for the next check.
	p, err := t.repo.GetOrCreate(ctx, id)
	if err != nil {
		return FinishEvent{}, false, fmt.Errorf("credit run %s: %w", id, err)
	}
	// Exactly one caller wins the run.
	if !t.active.CompareAndDelete(id, run) {
		return FinishEvent{}, false, nil
	}

	elapsed := t.Now().Sub(run.startedAt)
	ev := t.credit(p, c, elapsed)
	t.repo.MarkDirty(id)

	if !ev.ValidTime {
		slog.Warn("rejected suspicious completion time",
			"player", id, "course", c.ID, "elapsed", elapsed, "max", c.BaseRunTime*maxRunFactor)
	}
	t.events.Emit(id, analytics.EventManualRun, map[string]any{
		"map_id":  c.ID,
		"time_ms": elapsed.Milliseconds(),
	})
	t.notifyFinish(ev)
	return ev, true, nil
}

// credit applies a completed run to p.
func (t *Tracker) credit(p *progress.Progress, c Course, elapsed time.Duration) FinishEvent {
	mp := p.Map(c.ID)
	ev := FinishEvent{
		Player:     p.ID,
		CourseID:   c.ID,
		Elapsed:    elapsed,
		FirstClear: !mp.CompletedManually,
	}

	// Payout uses the multiplier from before this run's increment.
	elevation := int64(p.ElevationMultiplier)
	bonus := 1.0
	if t.formulas != nil {
		bonus = t.formulas.BonusForLevel(formula.MultiplierGain, p.SummitLevel[formula.MultiplierGain])
	}
	ev.Volt = c.BaseVolt.Mul(mp.Multiplier).Mul(bignum.FromInt(elevation)).Scale(bonus)
	ev.Coins = c.BaseCoins.Mul(decimal.NewFromInt(elevation))

	p.AddVolt(ev.Volt)
	p.AddCoins(ev.Coins)
	p.TotalManualRuns++

	mp.Unlocked = true
	mp.CompletedManually = true
	mp.Multiplier = mp.Multiplier.Add(c.MultiplierStep)
	p.Maps[c.ID] = mp

	ev.ValidTime = elapsed >= minRunTime && elapsed <= c.BaseRunTime*maxRunFactor
	if ev.ValidTime {
		ev.PersonalBest = p.RecordBestTime(c.ID, elapsed)
	}
	p.Achievements.Add(progress.AchievementFirstSteps)
	return ev
}

func (t *Tracker) notifyFinish(ev FinishEvent) {
	t.mu.RLock()
	fns := t.onFinish
	t.mu.RUnlock()
	for _, fn := range fns {
		fn(ev)
	}
}

func (t *Tracker) notifyCancel(id progress.PlayerID, reason CancelReason) {
	t.mu.RLock()
	fns := t.onCancel
	t.mu.RUnlock()
	for _, fn := range fns {
		fn(id, reason)
	}
}
