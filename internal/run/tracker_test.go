package run

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/talgya/ascend/internal/analytics"
	"github.com/talgya/ascend/internal/bignum"
	"github.com/talgya/ascend/internal/formula"
	"github.com/talgya/ascend/internal/progress"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordedEvent struct {
	name    string
	payload map[string]any
}

type recordingEmitter struct {
	mu     sync.Mutex
	events []recordedEvent
}

func (e *recordingEmitter) Emit(_ progress.PlayerID, event string, payload map[string]any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, recordedEvent{event, payload})
}

var testCourse = Course{
	ID:             "map_1",
	Finish:         Vec3{X: 10, Y: 5, Z: -3},
	BaseRunTime:    20 * time.Second,
	BaseVolt:       bignum.FromInt(100),
	BaseCoins:      decimal.NewFromInt(50),
	MultiplierStep: bignum.FromFloat(0.5),
}

type fixture struct {
	tracker *Tracker
	repo    *progress.MemoryRepository
	clock   *fakeClock
	emitter *recordingEmitter
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f, err := formula.New(formula.Config{
		SummitCost:     formula.Curve{Kind: formula.CurveLinear, Base: bignum.FromInt(1_000_000)},
		MaxSummitLevel: 1000,
		SoftCap:        25,
		DeepCap:        500,
		Bonuses:        map[formula.Category]formula.BonusCurve{formula.MultiplierGain: {Base: 1, Increment: 0.5}},
		ElevationCost:  formula.Curve{Kind: formula.CurveLinear, Base: bignum.FromInt(10)},
	})
	require.NoError(t, err)
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	repo := progress.NewMemoryRepository()
	repo.Now = clock.Now
	em := &recordingEmitter{}
	tr := NewTracker([]Course{testCourse}, repo, f, em)
	tr.Now = clock.Now
	return &fixture{tracker: tr, repo: repo, clock: clock, emitter: em}
}

func TestTracker_StartAndCancel(t *testing.T) {
	fx := newFixture(t)
	id := uuid.New()

	assert.Equal(t, NotRunning, fx.tracker.State(id))
	assert.ErrorIs(t, fx.tracker.Start(id, "nope"), ErrUnknownCourse)

	var reasons []CancelReason
	fx.tracker.OnCancel(func(_ progress.PlayerID, r CancelReason) { reasons = append(reasons, r) })

	require.NoError(t, fx.tracker.Start(id, testCourse.ID))
	assert.Equal(t, Running, fx.tracker.State(id))
	fx.clock.Advance(3 * time.Second)
	elapsed, ok := fx.tracker.Elapsed(id)
	assert.True(t, ok)
	assert.Equal(t, 3*time.Second, elapsed)

	require.NoError(t, fx.tracker.Start(id, testCourse.ID))
	assert.True(t, fx.tracker.Cancel(id, CancelDisconnect))
	assert.False(t, fx.tracker.Cancel(id, CancelDisconnect))
	assert.Equal(t, NotRunning, fx.tracker.State(id))
	assert.Equal(t, []CancelReason{CancelRestart, CancelDisconnect}, reasons)
}

func TestTracker_IsNearFinish(t *testing.T) {
	fx := newFixture(t)
	id := uuid.New()
	f := testCourse.Finish

	assert.False(t, fx.tracker.IsNearFinish(id, f), "no active run")
	require.NoError(t, fx.tracker.Start(id, testCourse.ID))

	cases := []struct {
		name string
		pos  Vec3
		want bool
	}{
		{"exact", f, true},
		{"inside horizontal", Vec3{f.X + 0.6, f.Y, f.Z + 0.7}, true},
		{"outside horizontal", Vec3{f.X + 0.8, f.Y, f.Z + 0.8}, false},
		{"edge vertical", Vec3{f.X, f.Y + 1.5, f.Z}, true},
		{"outside vertical", Vec3{f.X, f.Y - 1.6, f.Z}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, fx.tracker.IsNearFinish(id, tc.pos))
		})
	}
}

func TestTracker_CheckPlayerCreditsOnce(t *testing.T) {
	fx := newFixture(t)
	ctx := context.Background()
	id := uuid.New()

	p, err := fx.repo.GetOrCreate(ctx, id)
	require.NoError(t, err)
	p.ElevationMultiplier = 3
	p.SummitLevel[formula.MultiplierGain] = 2 // bonus 1 + 0.5*2 = 2

	var finishes []FinishEvent
	fx.tracker.OnFinish(func(ev FinishEvent) { finishes = append(finishes, ev) })

	require.NoError(t, fx.tracker.Start(id, testCourse.ID))
	fx.clock.Advance(12 * time.Second)

	_, ok, err := fx.tracker.CheckPlayer(ctx, id, Vec3{})
	require.NoError(t, err)
	assert.False(t, ok, "far from the finish")

	ev, ok, err := fx.tracker.CheckPlayer(ctx, id, testCourse.Finish)
	require.NoError(t, err)
	require.True(t, ok)

	// 100 volt × multiplier 1 × elevation 3 × bonus 2
	assert.True(t, ev.Volt.ApproxEqual(bignum.FromInt(600), 1e-12), "volt %s", ev.Volt)
	assert.True(t, decimal.NewFromInt(150).Equal(ev.Coins))
	assert.True(t, ev.ValidTime)
	assert.True(t, ev.PersonalBest)
	assert.True(t, ev.FirstClear)
	assert.Equal(t, 12*time.Second, ev.Elapsed)

	assert.True(t, p.Volt.ApproxEqual(bignum.FromInt(600), 1e-12))
	assert.True(t, decimal.NewFromInt(150).Equal(p.Coins))
	assert.Equal(t, 1, p.TotalManualRuns)
	mp := p.Map(testCourse.ID)
	assert.True(t, mp.Unlocked)
	assert.True(t, mp.CompletedManually)
	assert.Equal(t, 12*time.Second, mp.BestTime)
	assert.True(t, mp.Multiplier.ApproxEqual(bignum.FromFloat(1.5), 1e-12))
	assert.True(t, p.Achievements.Has(progress.AchievementFirstSteps))
	assert.True(t, fx.repo.Dirty(id))

	_, ok, err = fx.tracker.CheckPlayer(ctx, id, testCourse.Finish)
	require.NoError(t, err)
	assert.False(t, ok, "run already credited")
	assert.Equal(t, NotRunning, fx.tracker.State(id))
	assert.Len(t, finishes, 1)

	require.Len(t, fx.emitter.events, 1)
	assert.Equal(t, analytics.EventManualRun, fx.emitter.events[0].name)
	assert.Equal(t, map[string]any{"map_id": "map_1", "time_ms": int64(12000)}, fx.emitter.events[0].payload)
}

func TestTracker_SuspiciousTimeCreditsWithoutBest(t *testing.T) {
	for name, d := range map[string]time.Duration{
		"too fast": 100 * time.Millisecond,
		"too slow": testCourse.BaseRunTime*maxRunFactor + time.Millisecond,
	} {
		t.Run(name, func(t *testing.T) {
			fx := newFixture(t)
			id := uuid.New()
			require.NoError(t, fx.tracker.Start(id, testCourse.ID))
			fx.clock.Advance(d)

			ev, ok, err := fx.tracker.CheckPlayer(context.Background(), id, testCourse.Finish)
			require.NoError(t, err)
			require.True(t, ok)
			assert.False(t, ev.ValidTime)
			assert.False(t, ev.PersonalBest)
			p, _ := fx.repo.Get(id)
			assert.False(t, p.Map(testCourse.ID).HasBestTime())
			assert.False(t, p.Volt.IsZero())
		})
	}
}

func TestTracker_CancelledRunIsNeverCredited(t *testing.T) {
	fx := newFixture(t)
	id := uuid.New()
	require.NoError(t, fx.tracker.Start(id, testCourse.ID))
	fx.clock.Advance(5 * time.Second)
	fx.tracker.Cancel(id, CancelTranscendence)

	_, ok, err := fx.tracker.CheckPlayer(context.Background(), id, testCourse.Finish)
	require.NoError(t, err)
	assert.False(t, ok)
	_, exists := fx.repo.Get(id)
	assert.False(t, exists, "no progress touched")
}

func TestTracker_ConcurrentChecksCreditOnce(t *testing.T) {
	fx := newFixture(t)
	id := uuid.New()
	_, err := fx.repo.GetOrCreate(context.Background(), id)
	require.NoError(t, err)
	require.NoError(t, fx.tracker.Start(id, testCourse.ID))
	fx.clock.Advance(time.Second)

	var credited atomic.Int32
	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, ok, _ := fx.tracker.CheckPlayer(context.Background(), id, testCourse.Finish); ok {
				credited.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 1, credited.Load())
}

// unavailableRepo fails loads while down is set.
type unavailableRepo struct {
	*progress.MemoryRepository
	down atomic.Bool
}

var errStoreDown = errors.New("store down")

func (r *unavailableRepo) GetOrCreate(ctx context.Context, id progress.PlayerID) (*progress.Progress, error) {
	if r.down.Load() {
		return nil, errStoreDown
	}
	return r.MemoryRepository.GetOrCreate(ctx, id)
}

func TestTracker_FailedLoadKeepsRun(t *testing.T) {
	fx := newFixture(t)
	repo := &unavailableRepo{MemoryRepository: fx.repo}
	tr := NewTracker([]Course{testCourse}, repo, nil, fx.emitter)
	tr.Now = fx.clock.Now
	ctx := context.Background()
	id := uuid.New()

	require.NoError(t, tr.Start(id, testCourse.ID))
	fx.clock.Advance(15 * time.Second)

	repo.down.Store(true)
	_, ok, err := tr.CheckPlayer(ctx, id, testCourse.Finish)
	require.ErrorIs(t, err, errStoreDown)
	assert.False(t, ok)
	assert.Equal(t, Running, tr.State(id), "run survives the failed load")

	repo.down.Store(false)
	ev, ok, err := tr.CheckPlayer(ctx, id, testCourse.Finish)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 15*time.Second, ev.Elapsed)
	assert.True(t, fx.repo.Dirty(id))
	assert.Equal(t, NotRunning, tr.State(id))
}
