package persistence

import (
	"context"
	"path/filepath"
	"sync"
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

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "ascend.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

var started = time.UnixMilli(1_760_000_000_000)

func fullProgress() *progress.Progress {
	p := progress.New(uuid.New(), started)
	p.Volt = bignum.New(3.25, 140)
	p.Coins = decimal.RequireFromString("12345.678")
	p.ElevationMultiplier = 9
	p.AscensionCount = 2
	p.SkillTreePoints = 4
	p.UnlockedSkillNodes.Add("auto_runners")
	p.SummitLevel[formula.MultiplierGain] = 7
	p.SummitAccumulatedSpend[formula.MultiplierGain] = bignum.FromInt(8_000_000)
	p.SummitAccumulatedSpend[formula.RunnerSpeed] = bignum.FromInt(500)
	p.TranscendenceCount = 1
	p.CompletedChallengeRewards.Add("challenge_1")
	p.ChallengeRecords["challenge_1"] = progress.ChallengeRecord{BestTime: 41 * time.Second, Completions: 3}
	p.Maps["map_1"] = progress.MapProgress{Unlocked: true, CompletedManually: true, Multiplier: bignum.FromFloat(2.5), BestTime: 12_340 * time.Millisecond}
	p.Automation = progress.Automation{AutoUpgrade: true, AutoElevation: true, AutoElevationTarget: 20}
	p.BreakAscensionEnabled = true
	p.Achievements.Add(progress.AchievementFirstSteps)
	p.TotalVoltEarned = bignum.New(1, 141)
	p.TotalManualRuns = 88
	p.FastestAscension = 95 * time.Minute
	return p
}

func TestDB_SaveAndLoadRoundTrip(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	p := fullProgress()

	require.NoError(t, db.SavePlayers(ctx, []Snapshot{{Progress: p}}))
	got, err := db.LoadPlayer(ctx, p.ID)
	require.NoError(t, err)

	assert.True(t, got.Volt.Equal(p.Volt))
	assert.True(t, got.Coins.Equal(p.Coins))
	assert.Equal(t, p.ElevationMultiplier, got.ElevationMultiplier)
	assert.Equal(t, p.AscensionCount, got.AscensionCount)
	assert.Equal(t, p.SkillTreePoints, got.SkillTreePoints)
	assert.Equal(t, p.UnlockedSkillNodes, got.UnlockedSkillNodes)
	assert.Equal(t, p.SummitLevel, got.SummitLevel)
	assert.Len(t, got.SummitAccumulatedSpend, 2)
	assert.True(t, got.SummitAccumulatedSpend[formula.MultiplierGain].Equal(bignum.FromInt(8_000_000)))
	assert.Equal(t, p.TranscendenceCount, got.TranscendenceCount)
	assert.Equal(t, p.CompletedChallengeRewards, got.CompletedChallengeRewards)
	assert.Equal(t, p.ChallengeRecords, got.ChallengeRecords)
	assert.Equal(t, p.Automation, got.Automation)
	assert.True(t, got.BreakAscensionEnabled)
	assert.Equal(t, p.Achievements, got.Achievements)
	assert.True(t, got.TotalVoltEarned.Equal(p.TotalVoltEarned))
	assert.Equal(t, p.TotalManualRuns, got.TotalManualRuns)
	assert.True(t, got.AscensionStartedAt.Equal(started))
	assert.Equal(t, p.FastestAscension, got.FastestAscension)

	m := got.Maps["map_1"]
	assert.True(t, m.Unlocked)
	assert.True(t, m.CompletedManually)
	assert.True(t, m.Multiplier.Equal(bignum.FromFloat(2.5)))
	assert.Equal(t, 12_340*time.Millisecond, m.BestTime)
}

func TestDB_LoadUnknownPlayer(t *testing.T) {
	db := openTestDB(t)
	_, err := db.LoadPlayer(context.Background(), uuid.New())
	assert.ErrorIs(t, err, progress.ErrNotFound)
}

func TestDB_ResetScopes(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	p := fullProgress()
	require.NoError(t, db.SavePlayers(ctx, []Snapshot{{Progress: p}}))

	next := p.Transcended(started.Add(time.Hour))

	// Without reset scopes the old child rows survive an upsert.
	require.NoError(t, db.SavePlayers(ctx, []Snapshot{{Progress: next}}))
	got, err := db.LoadPlayer(ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, got.UnlockedSkillNodes.Has("auto_runners"))
	assert.Contains(t, got.ChallengeRecords, "challenge_1")

	require.NoError(t, db.SavePlayers(ctx, []Snapshot{{Progress: next, Reset: true}}))
	got, err = db.LoadPlayer(ctx, p.ID)
	require.NoError(t, err)
	assert.Empty(t, got.UnlockedSkillNodes)
	assert.Empty(t, got.CompletedChallengeRewards)
	assert.Empty(t, got.SummitAccumulatedSpend)
	assert.Equal(t, p.SummitLevel, got.SummitLevel)
	assert.Equal(t, map[string]progress.MapProgress{"map_1": {BestTime: 12_340 * time.Millisecond}}, got.Maps)
	assert.True(t, got.Achievements.Has(progress.AchievementFirstSteps))
	assert.Contains(t, got.ChallengeRecords, "challenge_1", "records need their own scope")

	require.NoError(t, db.SavePlayers(ctx, []Snapshot{{Progress: next, Reset: true, TranscendenceReset: true}}))
	got, err = db.LoadPlayer(ctx, p.ID)
	require.NoError(t, err)
	assert.Empty(t, got.ChallengeRecords)
	assert.Equal(t, 2, got.TranscendenceCount)
}

func TestDB_EventsAndMeta(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	id := uuid.New()

	var sink analytics.Sink = db
	require.NoError(t, sink.InsertEvents(ctx, []analytics.Event{
		{Player: id, Name: analytics.EventTranscendence, Payload: `{"count":1}`, At: started},
		{Player: id, Name: analytics.EventSummit, Payload: `{"level":3}`, At: started.Add(time.Second)},
		{Player: uuid.New(), Name: analytics.EventSummit, Payload: `{}`, At: started},
	}))

	recent, err := db.RecentEvents(ctx, id, 10)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, analytics.EventSummit, recent[0].Name)
	assert.Equal(t, `{"count":1}`, recent[1].Payload)
	assert.True(t, recent[1].At.Equal(started))

	counts, err := db.EventCounts(ctx)
	require.NoError(t, err)
	assert.Equal(t, []EventCount{
		{Name: analytics.EventSummit, Count: 2},
		{Name: analytics.EventTranscendence, Count: 1},
	}, counts)

	require.NoError(t, db.SaveMeta(ctx, "balance", "v2"))
	v, err := db.GetMeta(ctx, "balance")
	require.NoError(t, err)
	assert.Equal(t, "v2", v)
}

func TestStore_GetOrCreatePersistsNewPlayer(t *testing.T) {
	db := openTestDB(t)
	s := NewStore(db, time.Hour)
	ctx := context.Background()
	id := uuid.New()

	_, ok := s.Get(id)
	assert.False(t, ok)

	p, err := s.GetOrCreate(ctx, id)
	require.NoError(t, err)
	again, err := s.GetOrCreate(ctx, id)
	require.NoError(t, err)
	assert.Same(t, p, again)
	assert.Equal(t, 1, s.Pending())

	require.NoError(t, s.FlushPendingSave(ctx))
	assert.Zero(t, s.Pending())
	_, err = db.LoadPlayer(ctx, id)
	assert.NoError(t, err)
}

func TestStore_ConcurrentLoadsShareOneAggregate(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	p := fullProgress()
	require.NoError(t, db.SavePlayers(ctx, []Snapshot{{Progress: p}}))

	s := NewStore(db, time.Hour)
	got := make([]*progress.Progress, 16)
	var wg sync.WaitGroup
	for i := range got {
		wg.Add(1)
		go func() {
			defer wg.Done()
			v, err := s.GetOrCreate(ctx, p.ID)
			assert.NoError(t, err)
			got[i] = v
		}()
	}
	wg.Wait()

	for _, v := range got {
		assert.Same(t, got[0], v)
	}
	assert.Equal(t, 1, s.Cached())
	assert.Zero(t, s.Pending(), "loaded players start clean")
}

func TestStore_SnapshotIsTakenAtMarkDirty(t *testing.T) {
	db := openTestDB(t)
	s := NewStore(db, time.Hour)
	ctx := context.Background()

	p, err := s.GetOrCreate(ctx, uuid.New())
	require.NoError(t, err)
	p.AddVolt(bignum.FromInt(100))
	s.MarkDirty(p.ID)
	p.AddVolt(bignum.FromInt(900)) // not marked

	require.NoError(t, s.FlushPendingSave(ctx))
	saved, err := db.LoadPlayer(ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, saved.Volt.Equal(bignum.FromInt(100)))
}

func TestStore_TranscendenceResetIsDurable(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	orig := fullProgress()
	require.NoError(t, db.SavePlayers(ctx, []Snapshot{{Progress: orig}}))

	s := NewStore(db, time.Hour)
	p, err := s.GetOrCreate(ctx, orig.ID)
	require.NoError(t, err)
	*p = *p.Transcended(started.Add(time.Hour))
	s.MarkResetPending(p.ID)
	s.MarkTranscendenceResetPending(p.ID)
	s.MarkDirty(p.ID)
	require.NoError(t, s.FlushPendingSave(ctx))

	saved, err := db.LoadPlayer(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, saved.TranscendenceCount)
	assert.Empty(t, saved.ChallengeRecords)
	assert.Empty(t, saved.UnlockedSkillNodes)
	assert.Equal(t, orig.SummitLevel, saved.SummitLevel)
	assert.Equal(t, 12_340*time.Millisecond, saved.Maps["map_1"].BestTime)
}

func TestStore_ResetFlagsSurviveInterleavedFlush(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	orig := fullProgress()
	require.NoError(t, db.SavePlayers(ctx, []Snapshot{{Progress: orig}}))

	s := NewStore(db, time.Hour)
	p, err := s.GetOrCreate(ctx, orig.ID)
	require.NoError(t, err)
	*p = *p.Transcended(started.Add(time.Hour))
	s.MarkResetPending(p.ID)
	s.MarkTranscendenceResetPending(p.ID)

	// A debounced flush from earlier activity lands before MarkDirty.
	require.NoError(t, s.FlushPendingSave(ctx))
	s.MarkDirty(p.ID)
	require.NoError(t, s.FlushPendingSave(ctx))

	saved, err := db.LoadPlayer(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, saved.TranscendenceCount)
	assert.Empty(t, saved.CompletedChallengeRewards)
	assert.Empty(t, saved.ChallengeRecords)
	assert.Empty(t, saved.UnlockedSkillNodes)
	assert.Empty(t, saved.SummitAccumulatedSpend)
}

func TestStore_ResetFlagWithoutSnapshotWaits(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	orig := fullProgress()
	require.NoError(t, db.SavePlayers(ctx, []Snapshot{{Progress: orig}}))

	s := NewStore(db, time.Hour)
	s.MarkTranscendenceResetPending(orig.ID) // not cached, nothing to snapshot
	require.NoError(t, s.FlushPendingSave(ctx))

	s.mu.Lock()
	assert.True(t, s.trResets[orig.ID])
	s.mu.Unlock()
	assert.False(t, s.Evict(orig.ID), "pending reset keeps the player")

	p, err := s.GetOrCreate(ctx, orig.ID)
	require.NoError(t, err)
	*p = *p.Transcended(started.Add(time.Hour))
	s.MarkDirty(p.ID)
	require.NoError(t, s.FlushPendingSave(ctx))

	saved, err := db.LoadPlayer(ctx, p.ID)
	require.NoError(t, err)
	assert.Empty(t, saved.ChallengeRecords)
	assert.Empty(t, saved.SummitAccumulatedSpend)
	s.mu.Lock()
	assert.False(t, s.trResets[orig.ID])
	s.mu.Unlock()
}

func TestStore_FailedSaveKeepsPlayersDirty(t *testing.T) {
	db := openTestDB(t)
	s := NewStore(db, time.Hour)
	ctx := context.Background()

	p, err := s.GetOrCreate(ctx, uuid.New())
	require.NoError(t, err)
	s.MarkResetPending(p.ID)

	require.NoError(t, db.Close())
	assert.Error(t, s.FlushPendingSave(ctx))
	assert.Equal(t, 1, s.Pending())
	assert.False(t, s.Evict(p.ID), "unsaved players stay cached")

	s.mu.Lock()
	assert.True(t, s.resets[p.ID])
	s.mu.Unlock()
}

func TestStore_DebouncedSave(t *testing.T) {
	db := openTestDB(t)
	s := NewStore(db, 20*time.Millisecond)
	ctx := context.Background()

	p, err := s.GetOrCreate(ctx, uuid.New())
	require.NoError(t, err)
	p.AddCoins(decimal.NewFromInt(5))
	s.MarkDirty(p.ID)

	require.Eventually(t, func() bool { return s.Pending() == 0 }, 2*time.Second, 10*time.Millisecond)
	saved, err := db.LoadPlayer(ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, saved.Coins.Equal(decimal.NewFromInt(5)))

	assert.True(t, s.Evict(p.ID))
	_, ok := s.Get(p.ID)
	assert.False(t, ok)
}

func TestStore_CloseFlushes(t *testing.T) {
	db := openTestDB(t)
	s := NewStore(db, time.Hour)
	ctx := context.Background()

	p, err := s.GetOrCreate(ctx, uuid.New())
	require.NoError(t, err)
	require.NoError(t, s.Close(ctx))

	_, err = db.LoadPlayer(ctx, p.ID)
	assert.NoError(t, err)
}
