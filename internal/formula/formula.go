// Package formula holds the pure progression math: summit cost curves, the
// level a given spend buys, and the per-category bonus a level grants.
// Nothing here keeps state; every number comes from Config.
package formula

import (
	"errors"
	"fmt"
	"math"
	"slices"

	"github.com/talgya/ascend/internal/bignum"
)

// CurveKind selects the shape of a cost curve.
type CurveKind string

const (
	CurveLinear      CurveKind = "linear"      // base × (L+1)
	CurvePolynomial  CurveKind = "polynomial"  // base × (L+1)^factor
	CurveExponential CurveKind = "exponential" // base × factor^L
)

// Curve maps a level to the total spend needed to reach it.
type Curve struct {
	Kind   CurveKind
	Base   bignum.Number
	Factor float64
}

// Cost returns the cost of level (levels below zero cost the same as zero).
func (c Curve) Cost(level int) bignum.Number {
	level = max(level, 0)
	switch c.Kind {
	case CurvePolynomial:
		return bignum.FromLog10(c.Base.Log10() + c.Factor*math.Log10(float64(level+1)))
	case CurveExponential:
		return bignum.FromLog10(c.Base.Log10() + float64(level)*math.Log10(c.Factor))
	default:
		return c.Base.Mul(bignum.FromInt(int64(level) + 1))
	}
}

// Validate checks that the curve is strictly increasing.
func (c Curve) Validate() error {
	if c.Base.IsZero() {
		return errors.New("curve base must be positive")
	}
	switch c.Kind {
	case CurveLinear:
	case CurvePolynomial:
		if c.Factor <= 0 {
			return fmt.Errorf("polynomial factor %v must be > 0", c.Factor)
		}
	case CurveExponential:
		if c.Factor <= 1 {
			return fmt.Errorf("exponential factor %v must be > 1", c.Factor)
		}
	default:
		return fmt.Errorf("unknown curve kind %q", c.Kind)
	}
	return nil
}

// Category is a summit bonus track.
type Category string

const (
	MultiplierGain Category = "multiplier_gain"
	RunnerSpeed    Category = "runner_speed"
	EvolutionPower Category = "evolution_power"
)

// BonusCurve is the bonus at level 0 plus the per-level increment below the
// soft cap.
type BonusCurve struct {
	Base      float64
	Increment float64
}

// Config is the balance input for Formulas.
type Config struct {
	SummitCost     Curve
	MaxSummitLevel int
	SoftCap        int // linear growth up to here
	DeepCap        int // square-root growth up to here, fourth root beyond
	Bonuses        map[Category]BonusCurve
	ElevationCost  Curve
}

// Formulas evaluates Config. Safe for concurrent use.
type Formulas struct {
	cfg        Config
	categories []Category
}

// New validates cfg and returns its Formulas.
func New(cfg Config) (*Formulas, error) {
	if err := cfg.SummitCost.Validate(); err != nil {
		return nil, fmt.Errorf("summit cost: %w", err)
	}
	if err := cfg.ElevationCost.Validate(); err != nil {
		return nil, fmt.Errorf("elevation cost: %w", err)
	}
	if cfg.MaxSummitLevel <= 0 {
		return nil, fmt.Errorf("max summit level %d must be > 0", cfg.MaxSummitLevel)
	}
	if cfg.SoftCap < 0 || cfg.DeepCap < cfg.SoftCap {
		return nil, fmt.Errorf("bonus caps out of order: soft %d, deep %d", cfg.SoftCap, cfg.DeepCap)
	}
	if len(cfg.Bonuses) == 0 {
		return nil, errors.New("no summit categories configured")
	}
	cats := make([]Category, 0, len(cfg.Bonuses))
	for c, b := range cfg.Bonuses {
		if b.Increment < 0 {
			return nil, fmt.Errorf("category %s: negative increment", c)
		}
		cats = append(cats, c)
	}
	slices.Sort(cats)
	return &Formulas{cfg: cfg, categories: cats}, nil
}

// Categories returns the configured categories in stable order.
func (f *Formulas) Categories() []Category {
	return slices.Clone(f.categories)
}

// HasCategory reports whether c is configured.
func (f *Formulas) HasCategory(c Category) bool {
	_, ok := f.cfg.Bonuses[c]
	return ok
}

// MaxSummitLevel is the hard cap on any category.
func (f *Formulas) MaxSummitLevel() int { return f.cfg.MaxSummitLevel }

// CostForLevel returns the total spend at which level is reached.
func (f *Formulas) CostForLevel(level int) bignum.Number {
	return f.cfg.SummitCost.Cost(level)
}

// LevelForTotalSpend returns the largest level whose cost is <= total, capped
// at MaxSummitLevel. Spend below the level-0 cost is level 0.
func (f *Formulas) LevelForTotalSpend(total bignum.Number) int {
	lo, hi := 0, f.cfg.MaxSummitLevel
	if f.CostForLevel(hi).Cmp(total) <= 0 {
		return hi
	}
	// Invariant: cost(lo) <= total or lo == 0; cost(hi) > total.
	for hi-lo > 1 {
		mid := lo + (hi-lo)/2
		if f.CostForLevel(mid).Cmp(total) <= 0 {
			lo = mid
		} else {
			hi = mid
		}
	}
	return lo
}

// BonusForLevel returns the bonus multiplier of category c at level.
// Unknown categories return 0.
func (f *Formulas) BonusForLevel(c Category, level int) float64 {
	b, ok := f.cfg.Bonuses[c]
	if !ok {
		return 0
	}
	level = max(level, 0)
	soft, deep := f.cfg.SoftCap, f.cfg.DeepCap
	if level <= soft {
		return b.Base + b.Increment*float64(level)
	}
	linear := b.Increment * float64(soft)
	if level <= deep {
		return b.Base + linear + b.Increment*math.Sqrt(float64(level-soft))
	}
	sqrtPart := b.Increment * math.Sqrt(float64(deep-soft))
	return b.Base + linear + sqrtPart + b.Increment*math.Pow(float64(level-deep), 0.25)
}

// maxElevationSteps bounds a single elevation purchase.
const maxElevationSteps = 100_000

// ElevationCost returns the price of going from level to level+1.
func (f *Formulas) ElevationCost(level int) bignum.Number {
	return f.cfg.ElevationCost.Cost(level)
}

// ElevationPurchase returns how many levels budget buys starting at current,
// and their combined cost.
func (f *Formulas) ElevationPurchase(current int, budget bignum.Number) (int, bignum.Number) {
	spent := bignum.Zero
	levels := 0
	for levels < maxElevationSteps {
		next := spent.Add(f.ElevationCost(current + levels))
		if next.Cmp(budget) > 0 {
			break
		}
		spent = next
		levels++
	}
	return levels, spent
}
