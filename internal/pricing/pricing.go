// Package pricing holds the static price table: per-unit credit price,
// subscription plan prices, and tier benefits. The table is read-mostly and
// needs no locking; an optional TOML file can override the defaults.
package pricing

import (
	"fmt"
	"math"
	"sort"

	"github.com/BurntSushi/toml"

	"github.com/cychipo/examio-be-sub003/internal/model"
)

// Plan is a single (tier, cycle) price point.
type Plan struct {
	Tier           model.Tier         `toml:"tier"`
	Cycle          model.BillingCycle `toml:"cycle"`
	Price          int64              `toml:"price"`
	MonthlyCredits int64              `toml:"monthly_credits"`
}

// CreditAllotment is the number of credits granted when this plan is paid:
// the monthly allotment, multiplied by 12 for yearly billing.
func (p Plan) CreditAllotment() int64 {
	if p.Cycle == model.CycleYearly {
		return p.MonthlyCredits * 12
	}
	return p.MonthlyCredits
}

// Table is the full price table.
type Table struct {
	Currency        string  `toml:"currency"`
	CreditUnitPrice int64   `toml:"credit_unit_price"`
	WelcomeBonus    int64   `toml:"welcome_bonus"`
	TolerancePct    float64 `toml:"tolerance_pct"`
	Plans           []Plan  `toml:"plans"`
}

// Default returns the built-in price table. Yearly plans cost ten monthly
// payments (two months free).
func Default() Table {
	return Table{
		Currency:        "IDR",
		CreditUnitPrice: 1_000,
		WelcomeBonus:    20,
		TolerancePct:    0.02,
		Plans: []Plan{
			{Tier: model.TierBasic, Cycle: model.CycleMonthly, Price: 60_000, MonthlyCredits: 50},
			{Tier: model.TierBasic, Cycle: model.CycleYearly, Price: 600_000, MonthlyCredits: 50},
			{Tier: model.TierAdvanced, Cycle: model.CycleMonthly, Price: 100_000, MonthlyCredits: 100},
			{Tier: model.TierAdvanced, Cycle: model.CycleYearly, Price: 1_000_000, MonthlyCredits: 100},
			{Tier: model.TierVIP, Cycle: model.CycleMonthly, Price: 1_000_000, MonthlyCredits: 300},
			{Tier: model.TierVIP, Cycle: model.CycleYearly, Price: 10_000_000, MonthlyCredits: 300},
		},
	}
}

// LoadFile reads a price table from a TOML file. Fields left unset in the
// file keep their default values.
func LoadFile(path string) (Table, error) {
	t := Default()
	if _, err := toml.DecodeFile(path, &t); err != nil {
		return Table{}, fmt.Errorf("pricing: decode %s: %w", path, err)
	}
	if err := t.validate(); err != nil {
		return Table{}, fmt.Errorf("pricing: %s: %w", path, err)
	}
	return t, nil
}

func (t Table) validate() error {
	if t.CreditUnitPrice <= 0 {
		return fmt.Errorf("credit_unit_price must be positive")
	}
	if t.WelcomeBonus < 0 {
		return fmt.Errorf("welcome_bonus must not be negative")
	}
	if t.TolerancePct < 0 || t.TolerancePct >= 1 {
		return fmt.Errorf("tolerance_pct must be in [0, 1)")
	}
	for _, p := range t.Plans {
		if p.Price <= 0 || p.MonthlyCredits <= 0 {
			return fmt.Errorf("plan %s/%s: price and monthly_credits must be positive", p.Tier, p.Cycle)
		}
	}
	return nil
}

// CreditsAmount returns the payable amount for a quantity of credits.
func (t Table) CreditsAmount(quantity int64) int64 {
	return quantity * t.CreditUnitPrice
}

// CreditsFor is the inverse of CreditsAmount, used when reconciling a paid
// credits payment back into a wallet credit.
func (t Table) CreditsFor(amount int64) int64 {
	return amount / t.CreditUnitPrice
}

// PlanFor looks up the price point for an exact (tier, cycle) pair.
func (t Table) PlanFor(tier model.Tier, cycle model.BillingCycle) (Plan, bool) {
	for _, p := range t.Plans {
		if p.Tier == tier && p.Cycle == cycle {
			return p, true
		}
	}
	return Plan{}, false
}

// ResolveTier maps a paid amount back to a plan, absorbing gateway fees with
// a bounded per-plan tolerance. When several plans fall within tolerance the
// higher tier wins, then yearly over monthly, so a slight under-payment for
// a premium tier is never silently downgraded.
func (t Table) ResolveTier(paidAmount int64) (Plan, bool) {
	var candidates []Plan
	for _, p := range t.Plans {
		tolerance := int64(math.Round(float64(p.Price) * t.TolerancePct))
		if diff := paidAmount - p.Price; diff >= -tolerance && diff <= tolerance {
			candidates = append(candidates, p)
		}
	}
	if len(candidates) == 0 {
		return Plan{}, false
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Tier.Rank() != b.Tier.Rank() {
			return a.Tier.Rank() > b.Tier.Rank()
		}
		return a.Cycle == model.CycleYearly && b.Cycle != model.CycleYearly
	})
	return candidates[0], true
}
