// Package billing fixes the issuance plans: the monthly quota and per-proof
// unit cost attached to each tier, and the calendar period a debit lands in.
package billing

import (
	"time"

	"github.com/cockroachdb/apd/v3"
	"github.com/golang-sql/civil"

	"github.com/trufnetwork/attestd/internal/types"
)

// Plan is the billing contract of one tier. Quotas are per calendar month,
// UTC. UnitCost is what a single issuance debits, in USD.
type Plan struct {
	Tier         types.Tier
	MonthlyQuota int64
	UnitCost     *apd.Decimal
}

var plans = map[types.Tier]Plan{
	types.TierFree:    {Tier: types.TierFree, MonthlyQuota: 10, UnitCost: apd.New(5, -2)},
	types.TierBuilder: {Tier: types.TierBuilder, MonthlyQuota: 1000, UnitCost: apd.New(2, -2)},
	types.TierPro:     {Tier: types.TierPro, MonthlyQuota: 25000, UnitCost: apd.New(1, -2)},
}

// PlanFor resolves the plan of a tier. An unknown tier means a corrupt
// principal row, so it classifies as internal rather than validation.
// The returned UnitCost is a private copy.
func PlanFor(tier types.Tier) (Plan, error) {
	p, ok := plans[tier]
	if !ok {
		return Plan{}, types.NewError(types.CodeInternal, "unknown billing tier %q", string(tier))
	}
	p.UnitCost = new(apd.Decimal).Set(p.UnitCost)
	return p, nil
}

// Remaining returns how many issuances the plan still allows after used,
// clamped at zero.
func (p Plan) Remaining(used int64) int64 {
	if used >= p.MonthlyQuota {
		return 0
	}
	return p.MonthlyQuota - used
}

// PeriodStart returns the UTC calendar month a timestamp debits.
func PeriodStart(ts time.Time) civil.Date {
	u := ts.UTC()
	return civil.Date{Year: u.Year(), Month: u.Month(), Day: 1}
}

// NextPeriodStart returns the month after the given period, for range
// queries over usage rows.
func NextPeriodStart(period civil.Date) civil.Date {
	next := time.Date(period.Year, period.Month, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 1, 0)
	return civil.DateOf(next)
}
