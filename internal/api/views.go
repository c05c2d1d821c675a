package api

import (
	"time"

	"github.com/talgya/ascend/internal/progress"
)

type summitView struct {
	Category         string  `json:"category"`
	Level            int     `json:"level"`
	Bonus            float64 `json:"bonus"`
	AccumulatedSpend string  `json:"accumulated_spend"`
}

type mapView struct {
	Unlocked          bool   `json:"unlocked"`
	CompletedManually bool   `json:"completed_manually"`
	Multiplier        string `json:"multiplier"`
	BestTimeMS        *int64 `json:"best_time_ms,omitempty"`
}

type challengeView struct {
	BestTimeMS  int64 `json:"best_time_ms"`
	Completions int   `json:"completions"`
}

type runView struct {
	State     string `json:"state"`
	Course    string `json:"course,omitempty"`
	ElapsedMS int64  `json:"elapsed_ms,omitempty"`
}

type automationView struct {
	AutoUpgrade         bool `json:"auto_upgrade"`
	AutoEvolution       bool `json:"auto_evolution"`
	AutoElevation       bool `json:"auto_elevation"`
	AutoElevationTarget int  `json:"auto_elevation_target"`
	AutoSummit          bool `json:"auto_summit"`
}

type playerView struct {
	ID                    string                   `json:"id"`
	Volt                  string                   `json:"volt"`
	VoltDisplay           string                   `json:"volt_display"`
	Coins                 string                   `json:"coins"`
	ElevationMultiplier   int                      `json:"elevation_multiplier"`
	AscensionCount        int                      `json:"ascension_count"`
	SkillTreePoints       int                      `json:"skill_tree_points"`
	UnlockedSkillNodes    []string                 `json:"unlocked_skill_nodes"`
	Summit                []summitView             `json:"summit"`
	TranscendenceCount    int                      `json:"transcendence_count"`
	ChallengeRewards      []string                 `json:"challenge_rewards"`
	ChallengeRecords      map[string]challengeView `json:"challenge_records"`
	Maps                  map[string]mapView       `json:"maps"`
	Automation            automationView           `json:"automation"`
	BreakAscensionEnabled bool                     `json:"break_ascension_enabled"`
	Achievements          []string                 `json:"achievements"`
	TotalVoltEarned       string                   `json:"total_volt_earned"`
	TotalManualRuns       int                      `json:"total_manual_runs"`
	AscensionStartedAt    time.Time                `json:"ascension_started_at"`
	Run                   runView                  `json:"run"`
}

func (s *Server) playerView(p *progress.Progress) playerView {
	v := playerView{
		ID:                    p.ID.String(),
		Volt:                  p.Volt.String(),
		VoltDisplay:           p.Volt.Format(),
		Coins:                 p.Coins.String(),
		ElevationMultiplier:   p.ElevationMultiplier,
		AscensionCount:        p.AscensionCount,
		SkillTreePoints:       p.SkillTreePoints,
		UnlockedSkillNodes:    p.UnlockedSkillNodes.Sorted(),
		TranscendenceCount:    p.TranscendenceCount,
		ChallengeRewards:      p.CompletedChallengeRewards.Sorted(),
		ChallengeRecords:      make(map[string]challengeView, len(p.ChallengeRecords)),
		Maps:                  make(map[string]mapView, len(p.Maps)),
		BreakAscensionEnabled: p.BreakAscensionEnabled,
		Achievements:          p.Achievements.Sorted(),
		TotalVoltEarned:       p.TotalVoltEarned.String(),
		TotalManualRuns:       p.TotalManualRuns,
		AscensionStartedAt:    p.AscensionStartedAt,
		Automation:            automationView(p.Automation),
		Run:                   runView{State: s.Tracker.State(p.ID).String()},
	}

	for _, c := range s.Formulas.Categories() {
		lvl := p.SummitLevel[c]
		v.Summit = append(v.Summit, summitView{
			Category:         string(c),
			Level:            lvl,
			Bonus:            s.Formulas.BonusForLevel(c, lvl),
			AccumulatedSpend: p.SummitAccumulatedSpend[c].String(),
		})
	}
	for id, r := range p.ChallengeRecords {
		v.ChallengeRecords[id] = challengeView{BestTimeMS: r.BestTime.Milliseconds(), Completions: r.Completions}
	}
	for id := range p.Maps {
		m := p.Map(id)
		mv := mapView{
			Unlocked:          m.Unlocked,
			CompletedManually: m.CompletedManually,
			Multiplier:        m.Multiplier.String(),
		}
		if m.HasBestTime() {
			ms := m.BestTime.Milliseconds()
			mv.BestTimeMS = &ms
		}
		v.Maps[id] = mv
	}
	if course, ok := s.Tracker.ActiveCourse(p.ID); ok {
		v.Run.Course = course
		if d, ok := s.Tracker.Elapsed(p.ID); ok {
			v.Run.ElapsedMS = d.Milliseconds()
		}
	}
	return v
}
