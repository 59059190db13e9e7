// Package settle implements the fixed-point settlement arithmetic shared by
// the short-position ledger and the metric resolution engine.
//
// All values use shopspring/decimal, never float64. Percentage
// math is done in basis points (10000 bp = 100%) with integer division
// truncating toward zero, matching ledger-grade fixed-point semantics:
// intermediate products are exact, quotients are truncated, and reward
// distribution never exceeds the pool (rounding dust is retained).
package settle

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// BasisPointScale is the number of basis points in 100%.
const BasisPointScale = 10000

var (
	// ErrNonPositivePrice is returned when a price that must be positive
	// (entry or baseline) is zero or negative.
	ErrNonPositivePrice = errors.New("settle: price must be positive")

	bpScale = decimal.NewFromInt(BasisPointScale)
	hundred = decimal.NewFromInt(100)
)

// PnLBp computes the short-position profit/loss in basis points:
//
//	pnlBp = (entry - current) * 10000 / entry
//
// truncated toward zero. Positive when the price fell (short profit),
// negative when it rose. entry must be positive.
func PnLBp(entry, current decimal.Decimal) (decimal.Decimal, error) {
	if entry.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, ErrNonPositivePrice
	}
	diff := entry.Sub(current)
	q, _ := diff.Mul(bpScale).QuoRem(entry, 0)
	return q, nil
}

// PnL converts a basis-point result into a value amount:
//
//	pnl = collateral * pnlBp / 10000
//
// truncated toward zero, preserving the sign of pnlBp.
func PnL(collateral, pnlBp decimal.Decimal) decimal.Decimal {
	q, _ := collateral.Mul(pnlBp).QuoRem(bpScale, 0)
	return q
}

// ShortPayout applies the profit cap and loss floor to a computed pnl and
// returns the amount owed back to the position holder.
//
// Profit is capped at collateral * maxProfitPct / 100. A loss equal to or
// exceeding the collateral is a total loss: the payout is exactly zero,
// never negative.
func ShortPayout(collateral, pnl decimal.Decimal, maxProfitPct int64) decimal.Decimal {
	if pnl.IsPositive() {
		maxProfit, _ := collateral.Mul(decimal.NewFromInt(maxProfitPct)).QuoRem(hundred, 0)
		profit := pnl
		if profit.GreaterThan(maxProfit) {
			profit = maxProfit
		}
		return collateral.Add(profit)
	}

	loss := pnl.Abs()
	if loss.GreaterThanOrEqual(collateral) {
		return decimal.Zero
	}
	return collateral.Sub(loss)
}

// LossBp computes the realized loss of an asset in basis points relative to
// a baseline price captured when the metric was created:
//
//	lossBp = (baseline - current) * 10000 / baseline
//
// truncated toward zero and clamped to [0, 10000]. A price that rose is a
// zero loss, and a price that went to zero or below is a full loss.
// baseline must be positive.
func LossBp(baseline, current decimal.Decimal) (int64, error) {
	if baseline.LessThanOrEqual(decimal.Zero) {
		return 0, ErrNonPositivePrice
	}
	q, _ := baseline.Sub(current).Mul(bpScale).QuoRem(baseline, 0)
	bp := q.IntPart()
	if bp < 0 {
		return 0, nil
	}
	if bp > BasisPointScale {
		return BasisPointScale, nil
	}
	return bp, nil
}

// Earliness is the weight a stake earns from how early it was placed:
// the time remaining until the staking deadline at the moment of staking.
// A stake at the opening instant weighs the full duration; a last-moment
// stake weighs ~0. Never negative.
func Earliness(start time.Time, duration time.Duration, stakedAt time.Time) decimal.Decimal {
	remaining := duration - stakedAt.Sub(start)
	if remaining < 0 {
		remaining = 0
	}
	return decimal.NewFromInt(int64(remaining / time.Second))
}

// DistributeRewards splits pool across winners proportionally to their
// earliness weights:
//
//	reward_i = floor(earliness_i * pool / totalEarliness)
//
// The floor guarantees sum(rewards) <= pool; the rounding dust is retained
// by the caller, never redistributed. If the total weight is zero (no
// winners, or all weights zero) no rewards are due and nil is returned.
func DistributeRewards(pool decimal.Decimal, weights []decimal.Decimal) []decimal.Decimal {
	total := decimal.Zero
	for _, w := range weights {
		total = total.Add(w)
	}
	if !total.IsPositive() {
		return nil
	}

	rewards := make([]decimal.Decimal, len(weights))
	for i, w := range weights {
		q, _ := w.Mul(pool).QuoRem(total, 0)
		rewards[i] = q
	}
	return rewards
}
