package progress

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/talgya/ascend/internal/bignum"
	"github.com/talgya/ascend/internal/formula"
)

// Accounts reads and writes single fields of a player through a Repository.
// Setters mark the player dirty and, like any mutation, must run in the
// player's lane.
type Accounts struct {
	repo     Repository
	formulas *formula.Formulas
}

func NewAccounts(repo Repository, f *formula.Formulas) *Accounts {
	return &Accounts{repo: repo, formulas: f}
}

func (a *Accounts) load(ctx context.Context, id PlayerID) (*Progress, error) {
	p, err := a.repo.GetOrCreate(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load player %s: %w", id, err)
	}
	return p, nil
}

func (a *Accounts) Volt(ctx context.Context, id PlayerID) (bignum.Number, error) {
	p, err := a.load(ctx, id)
	if err != nil {
		return bignum.Zero, err
	}
	return p.Volt, nil
}

// SetVolt replaces the volt balance. Lifetime totals are not touched.
func (a *Accounts) SetVolt(ctx context.Context, id PlayerID, v bignum.Number) error {
	p, err := a.load(ctx, id)
	if err != nil {
		return err
	}
	p.Volt = v
	a.repo.MarkDirty(id)
	return nil
}

func (a *Accounts) Coins(ctx context.Context, id PlayerID) (decimal.Decimal, error) {
	p, err := a.load(ctx, id)
	if err != nil {
		return decimal.Zero, err
	}
	return p.Coins, nil
}

// SetCoins replaces the coin balance. Negative amounts are rejected.
func (a *Accounts) SetCoins(ctx context.Context, id PlayerID, c decimal.Decimal) error {
	if c.IsNegative() {
		return fmt.Errorf("set coins %s: negative amount", c)
	}
	p, err := a.load(ctx, id)
	if err != nil {
		return err
	}
	p.Coins = c
	a.repo.MarkDirty(id)
	return nil
}

func (a *Accounts) SummitLevel(ctx context.Context, id PlayerID, c formula.Category) (int, error) {
	p, err := a.load(ctx, id)
	if err != nil {
		return 0, err
	}
	return p.SummitLevel[c], nil
}

// AddSummitLevel raises the level of c by n and returns the new level.
// Summit levels never go down, so n must not be negative.
func (a *Accounts) AddSummitLevel(ctx context.Context, id PlayerID, c formula.Category, n int) (int, error) {
	if n < 0 {
		return 0, fmt.Errorf("add summit level %d: levels never decrease", n)
	}
	if !a.formulas.HasCategory(c) {
		return 0, fmt.Errorf("add summit level: unknown category %q", c)
	}
	p, err := a.load(ctx, id)
	if err != nil {
		return 0, err
	}
	lvl := min(p.SummitLevel[c]+n, a.formulas.MaxSummitLevel())
	if lvl != p.SummitLevel[c] {
		p.SummitLevel[c] = lvl
		a.repo.MarkDirty(id)
	}
	return lvl, nil
}

// SummitBonus returns the bonus multiplier of c at the player's level.
func (a *Accounts) SummitBonus(ctx context.Context, id PlayerID, c formula.Category) (float64, error) {
	p, err := a.load(ctx, id)
	if err != nil {
		return 0, err
	}
	return a.formulas.BonusForLevel(c, p.SummitLevel[c]), nil
}

func (a *Accounts) TranscendenceCount(ctx context.Context, id PlayerID) (int, error) {
	p, err := a.load(ctx, id)
	if err != nil {
		return 0, err
	}
	return p.TranscendenceCount, nil
}
