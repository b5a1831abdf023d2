// Package performance derives mark-to-market valuations of a pool from its
// ledger state and a caller-supplied price.
//
// Every function here is pure: no I/O, no mutation of the pool passed in.
package performance

import (
	"github.com/shopspring/decimal"

	"github.com/coinpool/capital-engine/internal/model"
)

var hundred = decimal.NewFromInt(100)

// PositionValue = position_quantity × price.
func PositionValue(pool model.CoinPool, price decimal.Decimal) decimal.Decimal {
	return pool.PositionQuantity.Mul(price)
}

// TotalPortfolioValue = cash_capital + PositionValue.
func TotalPortfolioValue(pool model.CoinPool, price decimal.Decimal) decimal.Decimal {
	return pool.CashCapital.Add(PositionValue(pool, price))
}

// UnrealizedGains = PositionValue − position_cost_basis.
func UnrealizedGains(pool model.CoinPool, price decimal.Decimal) decimal.Decimal {
	return PositionValue(pool, price).Sub(pool.PositionCostBasis)
}

// SafeDiv returns num/den, or zero when den is zero.
func SafeDiv(num, den decimal.Decimal) decimal.Decimal {
	if den.IsZero() {
		return decimal.Zero
	}
	return num.Div(den)
}

// Percent returns num/den × 100, or zero when den is zero.
func Percent(num, den decimal.Decimal) decimal.Decimal {
	return SafeDiv(num, den).Mul(hundred)
}

// OwnershipFraction is a user's share of the pool's net deposits, in [0, 1].
// Zero when the pool has no net deposits.
func OwnershipFraction(userNet decimal.Decimal, pool model.CoinPool) decimal.Decimal {
	return SafeDiv(userNet, pool.NetDeposits())
}

// PoolMetrics computes the pool-wide metric bundle at the given price.
func PoolMetrics(pool model.CoinPool, price decimal.Decimal) model.PoolMetrics {
	positionValue := PositionValue(pool, price)
	unrealized := UnrealizedGains(pool, price)
	totalGains := pool.RealizedProfits.Add(unrealized)
	net := pool.NetDeposits()

	return model.PoolMetrics{
		RealizedProfits:       pool.RealizedProfits,
		UnrealizedGains:       unrealized,
		TotalGains:            totalGains,
		PerformancePercentage: Percent(totalGains, net),
		TotalPortfolioValue:   pool.CashCapital.Add(positionValue),
		CurrentCapital:        pool.CashCapital,
		PositionValue:         positionValue,
		TotalNetInvestments:   net,
	}
}
