// Package progress defines the per-player progression aggregate and the
// repository contract used to load and persist it.
//
// A Progress value is owned by exactly one writer at a time (the player's lane
// in package engine). Resets are expressed as pure transitions that return a
// new value, which the caller swaps into the live aggregate.
package progress

import (
	"cmp"
	"maps"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/talgya/ascend/internal/bignum"
	"github.com/talgya/ascend/internal/formula"
)

// PlayerID identifies a player account.
type PlayerID = uuid.UUID

// Achievement identifiers.
const (
	AchievementFirstSteps   = "first_steps"
	AchievementSummitSeeker = "summit_seeker"
	AchievementTranscendent = "transcendent"
)

// Set is an unordered collection of string keys.
type Set map[string]struct{}

func (s Set) Has(k string) bool {
	_, ok := s[k]
	return ok
}

// Add inserts k and reports whether it was new.
func (s Set) Add(k string) bool {
	if s.Has(k) {
		return false
	}
	s[k] = struct{}{}
	return true
}

// Sorted returns the keys in ascending order.
func (s Set) Sorted() []string {
	return slices.Sorted(maps.Keys(s))
}

// MapProgress is the per-map state of one player.
type MapProgress struct {
	Unlocked          bool
	CompletedManually bool
	Multiplier        bignum.Number
	// BestTime is the personal best; zero means no completion recorded.
	BestTime time.Duration
}

// HasBestTime reports whether a personal best exists.
func (m MapProgress) HasBestTime() bool { return m.BestTime > 0 }

// ChallengeRecord is the completion history of one challenge.
type ChallengeRecord struct {
	BestTime    time.Duration
	Completions int
}

// Automation holds the auto-play toggles.
type Automation struct {
	AutoUpgrade         bool
	AutoEvolution       bool
	AutoElevation       bool
	AutoElevationTarget int
	AutoSummit          bool
}

// Progress is the full progression state of one player.
type Progress struct {
	ID PlayerID

	Volt                bignum.Number
	Coins               decimal.Decimal
	ElevationMultiplier int
	AscensionCount      int

	SkillTreePoints    int
	UnlockedSkillNodes Set

	SummitLevel            map[formula.Category]int
	SummitAccumulatedSpend map[formula.Category]bignum.Number
	TranscendenceCount     int

	CompletedChallengeRewards Set
	ChallengeRecords          map[string]ChallengeRecord
	Maps                      map[string]MapProgress

	Automation            Automation
	BreakAscensionEnabled bool

	// Lifetime fields, preserved by every reset.
	Achievements    Set
	TotalVoltEarned bignum.Number
	TotalManualRuns int

	AscensionStartedAt time.Time
	FastestAscension   time.Duration
}

// New returns the starting state for a fresh player.
func New(id PlayerID, now time.Time) *Progress {
	return &Progress{
		ID:                        id,
		Coins:                     decimal.Zero,
		ElevationMultiplier:       1,
		UnlockedSkillNodes:        Set{},
		SummitLevel:               map[formula.Category]int{},
		SummitAccumulatedSpend:    map[formula.Category]bignum.Number{},
		CompletedChallengeRewards: Set{},
		ChallengeRecords:          map[string]ChallengeRecord{},
		Maps:                      map[string]MapProgress{},
		Achievements:              Set{},
		AscensionStartedAt:        now,
	}
}

// Clone returns a deep copy that shares no mutable state with p.
func (p *Progress) Clone() *Progress {
	c := *p
	c.UnlockedSkillNodes = maps.Clone(p.UnlockedSkillNodes)
	c.SummitLevel = maps.Clone(p.SummitLevel)
	c.SummitAccumulatedSpend = maps.Clone(p.SummitAccumulatedSpend)
	c.CompletedChallengeRewards = maps.Clone(p.CompletedChallengeRewards)
	c.ChallengeRecords = maps.Clone(p.ChallengeRecords)
	c.Maps = maps.Clone(p.Maps)
	c.Achievements = maps.Clone(p.Achievements)
	c.ensureMaps()
	return &c
}

// ensureMaps replaces nil maps so loaded or zero values are safe to write.
func (p *Progress) ensureMaps() {
	if p.UnlockedSkillNodes == nil {
		p.UnlockedSkillNodes = Set{}
	}
	if p.SummitLevel == nil {
		p.SummitLevel = map[formula.Category]int{}
	}
	if p.SummitAccumulatedSpend == nil {
		p.SummitAccumulatedSpend = map[formula.Category]bignum.Number{}
	}
	if p.CompletedChallengeRewards == nil {
		p.CompletedChallengeRewards = Set{}
	}
	if p.ChallengeRecords == nil {
		p.ChallengeRecords = map[string]ChallengeRecord{}
	}
	if p.Maps == nil {
		p.Maps = map[string]MapProgress{}
	}
	if p.Achievements == nil {
		p.Achievements = Set{}
	}
	if p.ElevationMultiplier < 1 {
		p.ElevationMultiplier = 1
	}
}

// Normalize repairs nil collections and out-of-range counters after a load.
func (p *Progress) Normalize() { p.ensureMaps() }

// Map returns the progress for mapID (zero value when never visited).
func (p *Progress) Map(mapID string) MapProgress {
	m := p.Maps[mapID]
	if m.Multiplier.IsZero() {
		m.Multiplier = bignum.One
	}
	return m
}

// AddVolt credits volt and the lifetime total.
func (p *Progress) AddVolt(n bignum.Number) {
	p.Volt = p.Volt.Add(n)
	p.TotalVoltEarned = p.TotalVoltEarned.Add(n)
}

// AddCoins credits coins; negative amounts are ignored.
func (p *Progress) AddCoins(d decimal.Decimal) {
	if d.Sign() <= 0 {
		return
	}
	p.Coins = p.Coins.Add(d)
}

// RecordBestTime stores t for mapID if it beats the current best.
func (p *Progress) RecordBestTime(mapID string, t time.Duration) bool {
	m := p.Map(mapID)
	if m.HasBestTime() && m.BestTime <= t {
		return false
	}
	m.BestTime = t
	p.Maps[mapID] = m
	return true
}

// Transcended returns the state after a Transcendence at now. Summit levels,
// personal bests, achievements and lifetime totals carry over; everything
// the tier resets starts fresh. p is not modified.
func (p *Progress) Transcended(now time.Time) *Progress {
	next := New(p.ID, now)
	next.TranscendenceCount = p.TranscendenceCount + 1
	next.SummitLevel = maps.Clone(p.SummitLevel)
	next.Achievements = maps.Clone(p.Achievements)
	next.TotalVoltEarned = p.TotalVoltEarned
	next.TotalManualRuns = p.TotalManualRuns
	for id, m := range p.Maps {
		if m.HasBestTime() {
			next.Maps[id] = MapProgress{BestTime: m.BestTime}
		}
	}
	next.ensureMaps()
	return next
}

// SummitLevels returns the level of every category present, sorted by name.
func (p *Progress) SummitLevels() []CategoryLevel {
	out := make([]CategoryLevel, 0, len(p.SummitLevel))
	for c, l := range p.SummitLevel {
		out = append(out, CategoryLevel{Category: c, Level: l})
	}
	slices.SortFunc(out, func(a, b CategoryLevel) int {
		return cmp.Compare(a.Category, b.Category)
	})
	return out
}

// CategoryLevel pairs a summit category with a level.
type CategoryLevel struct {
	Category formula.Category
	Level    int
}
