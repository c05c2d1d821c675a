package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/talgya/ascend/internal/bignum"
	"github.com/talgya/ascend/internal/formula"
	"github.com/talgya/ascend/internal/run"
)

// Balance is the game tuning. Large amounts are written as text
// ("1e100", "1000000") so they survive YAML's float64 numbers.
type Balance struct {
	TranscendenceThreshold string `yaml:"transcendence_threshold" json:"transcendence_threshold"`
	SummitMinCoins         string `yaml:"summit_min_coins" json:"summit_min_coins"`

	Summit     SummitBalance  `yaml:"summit" json:"summit"`
	Elevation  CurveConfig    `yaml:"elevation_cost" json:"elevation_cost"`
	Courses    []CourseConfig `yaml:"courses" json:"courses"`
	Challenges []string       `yaml:"challenges" json:"challenges"`
}

type SummitBalance struct {
	Cost       CurveConfig            `yaml:"cost" json:"cost"`
	MaxLevel   int                    `yaml:"max_level" json:"max_level"`
	SoftCap    int                    `yaml:"soft_cap" json:"soft_cap"`
	DeepCap    int                    `yaml:"deep_cap" json:"deep_cap"`
	Categories map[string]BonusConfig `yaml:"categories" json:"categories"`
}

type CurveConfig struct {
	Kind   string  `yaml:"kind" json:"kind"`
	Base   string  `yaml:"base" json:"base"`
	Factor float64 `yaml:"factor,omitempty" json:"factor,omitempty"`
}

type BonusConfig struct {
	Base      float64 `yaml:"base" json:"base"`
	Increment float64 `yaml:"increment" json:"increment"`
}

type CourseConfig struct {
	ID             string        `yaml:"id" json:"id"`
	Finish         [3]float64    `yaml:"finish" json:"finish"`
	BaseRunTime    time.Duration `yaml:"base_run_time" json:"base_run_time"`
	BaseVolt       string        `yaml:"base_volt" json:"base_volt"`
	BaseCoins      string        `yaml:"base_coins" json:"base_coins"`
	MultiplierStep string        `yaml:"multiplier_step" json:"multiplier_step"`
}

// DefaultBalance is the shipped tuning.
func DefaultBalance() Balance {
	course := func(id string, x, z float64, runTime time.Duration, volt, coins string) CourseConfig {
		return CourseConfig{
			ID:             id,
			Finish:         [3]float64{x, 64, z},
			BaseRunTime:    runTime,
			BaseVolt:       volt,
			BaseCoins:      coins,
			MultiplierStep: "0.1",
		}
	}
	return Balance{
		TranscendenceThreshold: "1e100",
		SummitMinCoins:         "1000000",
		Summit: SummitBalance{
			Cost:     CurveConfig{Kind: string(formula.CurveLinear), Base: "1000000"},
			MaxLevel: 1000,
			SoftCap:  25,
			DeepCap:  500,
			Categories: map[string]BonusConfig{
				string(formula.MultiplierGain): {Base: 1.0, Increment: 0.30},
				string(formula.RunnerSpeed):    {Base: 1.0, Increment: 0.15},
				string(formula.EvolutionPower): {Base: 3.0, Increment: 0.10},
			},
		},
		Elevation: CurveConfig{Kind: string(formula.CurveExponential), Base: "30000", Factor: 1.15},
		Courses: []CourseConfig{
			course("map_1", 12, -40, 5*time.Second, "1", "10"),
			course("map_2", 80, -40, 10*time.Second, "5", "50"),
			course("map_3", 140, -40, 16*time.Second, "25", "250"),
			course("map_4", 210, -40, 26*time.Second, "100", "1000"),
			course("map_5", 300, -40, 42*time.Second, "500", "5000"),
		},
		Challenges: []string{
			"challenge_1", "challenge_2", "challenge_3", "challenge_4",
			"challenge_5", "challenge_6", "challenge_7",
		},
	}
}

// LoadBalance reads a YAML balance file over DefaultBalance. An empty path
// returns the defaults.
func LoadBalance(path string) (Balance, error) {
	b := DefaultBalance()
	if path == "" {
		return b, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Balance{}, fmt.Errorf("read balance: %w", err)
	}
	if err := yaml.Unmarshal(raw, &b); err != nil {
		return Balance{}, fmt.Errorf("parse balance %s: %w", path, err)
	}
	return b, nil
}

// YAML renders b as a balance file.
func (b Balance) YAML() ([]byte, error) {
	return yaml.Marshal(b)
}

// Compiled is a validated Balance in engine types.
type Compiled struct {
	Formulas               *formula.Formulas
	Courses                []run.Course
	Challenges             []string
	TranscendenceThreshold bignum.Number
	SummitMinCoins         decimal.Decimal
}

// Compile validates b and converts it.
func (b Balance) Compile() (*Compiled, error) {
	threshold, err := bignum.Parse(b.TranscendenceThreshold)
	if err != nil {
		return nil, fmt.Errorf("transcendence threshold: %w", err)
	}
	minCoins, err := decimal.NewFromString(b.SummitMinCoins)
	if err != nil {
		return nil, fmt.Errorf("summit min coins: %w", err)
	}
	if minCoins.IsNegative() {
		return nil, errors.New("summit min coins must not be negative")
	}

	summitCost, err := b.Summit.Cost.curve()
	if err != nil {
		return nil, fmt.Errorf("summit cost: %w", err)
	}
	elevationCost, err := b.Elevation.curve()
	if err != nil {
		return nil, fmt.Errorf("elevation cost: %w", err)
	}
	bonuses := make(map[formula.Category]formula.BonusCurve, len(b.Summit.Categories))
	for name, s := range b.Summit.Categories {
		bonuses[formula.Category(name)] = formula.BonusCurve{Base: s.Base, Increment: s.Increment}
	}
	f, err := formula.New(formula.Config{
		SummitCost:     summitCost,
		MaxSummitLevel: b.Summit.MaxLevel,
		SoftCap:        b.Summit.SoftCap,
		DeepCap:        b.Summit.DeepCap,
		Bonuses:        bonuses,
		ElevationCost:  elevationCost,
	})
	if err != nil {
		return nil, err
	}

	courses := make([]run.Course, 0, len(b.Courses))
	seen := make(map[string]bool, len(b.Courses))
	for _, cs := range b.Courses {
		c, err := cs.course()
		if err != nil {
			return nil, fmt.Errorf("course %q: %w", cs.ID, err)
		}
		if seen[c.ID] {
			return nil, fmt.Errorf("course %q: duplicate id", c.ID)
		}
		seen[c.ID] = true
		courses = append(courses, c)
	}

	challenges := make([]string, 0, len(b.Challenges))
	seenCh := make(map[string]bool, len(b.Challenges))
	for _, ch := range b.Challenges {
		if ch == "" || seenCh[ch] {
			return nil, fmt.Errorf("challenge %q: empty or duplicate id", ch)
		}
		seenCh[ch] = true
		challenges = append(challenges, ch)
	}

	return &Compiled{
		Formulas:               f,
		Courses:                courses,
		Challenges:             challenges,
		TranscendenceThreshold: threshold,
		SummitMinCoins:         minCoins,
	}, nil
}

func (c CurveConfig) curve() (formula.Curve, error) {
	base, err := bignum.Parse(c.Base)
	if err != nil {
		return formula.Curve{}, err
	}
	curve := formula.Curve{Kind: formula.CurveKind(c.Kind), Base: base, Factor: c.Factor}
	return curve, curve.Validate()
}

func (cs CourseConfig) course() (run.Course, error) {
	if cs.ID == "" {
		return run.Course{}, errors.New("missing id")
	}
	if cs.BaseRunTime <= 0 {
		return run.Course{}, fmt.Errorf("base run time %s must be positive", cs.BaseRunTime)
	}
	volt, err := bignum.Parse(cs.BaseVolt)
	if err != nil {
		return run.Course{}, fmt.Errorf("base volt: %w", err)
	}
	coins, err := decimal.NewFromString(cs.BaseCoins)
	if err != nil {
		return run.Course{}, fmt.Errorf("base coins: %w", err)
	}
	step := bignum.Zero
	if cs.MultiplierStep != "" {
		if step, err = bignum.Parse(cs.MultiplierStep); err != nil {
			return run.Course{}, fmt.Errorf("multiplier step: %w", err)
		}
	}
	return run.Course{
		ID:             cs.ID,
		Finish:         run.Vec3{X: cs.Finish[0], Y: cs.Finish[1], Z: cs.Finish[2]},
		BaseRunTime:    cs.BaseRunTime,
		BaseVolt:       volt,
		BaseCoins:      coins,
		MultiplierStep: step,
	}, nil
}
