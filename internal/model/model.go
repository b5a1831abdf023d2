// Package model defines the core domain types shared across the capital engine.
// All monetary values use shopspring/decimal; never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Coin is a validated, lowercase asset identifier (e.g. "btc").
// Obtain one through coin.Registry.Parse rather than converting raw input.
type Coin string

func (c Coin) String() string { return string(c) }

// Side of a trade applied to a pool.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// Valid reports whether s is buy or sell.
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// TradeRecord is an immutable record of a trade applied to a pool.
// Once appended, these are never modified or deleted (except by a coin reset).
type TradeRecord struct {
	ID        string          `json:"id" db:"id"`
	Timestamp time.Time       `json:"timestamp" db:"timestamp"`
	Side      Side            `json:"side" db:"side"`
	Quantity  decimal.Decimal `json:"quantity" db:"quantity"` // always > 0
	Price     decimal.Decimal `json:"price" db:"price"`       // per unit, > 0
	Fee       decimal.Decimal `json:"fee" db:"fee"`           // >= 0
}

// Notional returns quantity × price.
func (t TradeRecord) Notional() decimal.Decimal {
	return t.Quantity.Mul(t.Price)
}

// CoinPool is the shared capital and position state for one traded asset.
type CoinPool struct {
	Coin              Coin            `json:"coin"`
	CashCapital       decimal.Decimal `json:"cash_capital"`        // uninvested cash, >= 0
	PositionQuantity  decimal.Decimal `json:"position_quantity"`   // units held, >= 0
	PositionCostBasis decimal.Decimal `json:"position_cost_basis"` // cost of held units
	TotalDeposits     decimal.Decimal `json:"total_deposits"`
	TotalWithdrawals  decimal.Decimal `json:"total_withdrawals"`
	RealizedProfits   decimal.Decimal `json:"realized_profits"` // may be negative
	TradeRecords      []TradeRecord   `json:"trade_records"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// NetDeposits returns total deposits minus total withdrawals.
func (p CoinPool) NetDeposits() decimal.Decimal {
	return p.TotalDeposits.Sub(p.TotalWithdrawals)
}

// TotalFees sums the fee over every recorded trade.
func (p CoinPool) TotalFees() decimal.Decimal {
	total := decimal.Zero
	for _, t := range p.TradeRecords {
		total = total.Add(t.Fee)
	}
	return total
}

// LastTradeAt returns the timestamp of the most recent trade, or the zero
// time if the pool has never traded.
func (p CoinPool) LastTradeAt() time.Time {
	if len(p.TradeRecords) == 0 {
		return time.Time{}
	}
	return p.TradeRecords[len(p.TradeRecords)-1].Timestamp
}

// PoolState is the lifecycle stage of a pool.
type PoolState string

const (
	PoolEmpty    PoolState = "empty"    // no capital ever deposited (or reset)
	PoolFunded   PoolState = "funded"   // holds cash, no open position
	PoolInvested PoolState = "invested" // holds an open position
)

// State derives the lifecycle stage from the pool's balances.
func (p CoinPool) State() PoolState {
	switch {
	case p.PositionQuantity.IsPositive():
		return PoolInvested
	case p.TotalDeposits.IsZero() && p.CashCapital.IsZero():
		return PoolEmpty
	default:
		return PoolFunded
	}
}

// Clone returns a deep copy so callers cannot mutate stored trade records.
func (p CoinPool) Clone() CoinPool {
	c := p
	if p.TradeRecords != nil {
		c.TradeRecords = make([]TradeRecord, len(p.TradeRecords))
		copy(c.TradeRecords, p.TradeRecords)
	}
	return c
}

// UserInvestment is one user's net contribution to one pool.
type UserInvestment struct {
	UserID      string          `json:"user_id" db:"user_id"`
	Coin        Coin            `json:"coin" db:"coin"`
	Balance     decimal.Decimal `json:"balance" db:"balance"` // deposits - withdrawals
	Deposits    decimal.Decimal `json:"deposits" db:"deposits"`
	Withdrawals decimal.Decimal `json:"withdrawals" db:"withdrawals"`
}

// PoolMetrics is the pool-level metric bundle stored in profit snapshots.
type PoolMetrics struct {
	RealizedProfits       decimal.Decimal `json:"realized_profits"`
	UnrealizedGains       decimal.Decimal `json:"unrealized_gains"`
	TotalGains            decimal.Decimal `json:"total_gains"`
	PerformancePercentage decimal.Decimal `json:"performance_percentage"`
	TotalPortfolioValue   decimal.Decimal `json:"total_portfolio_value"`
	CurrentCapital        decimal.Decimal `json:"current_capital"`
	PositionValue         decimal.Decimal `json:"position_value"`
	TotalNetInvestments   decimal.Decimal `json:"total_net_investments"`
}

// ProfitSnapshot is a point-in-time valuation of a pool.
type ProfitSnapshot struct {
	ID        string          `json:"id,omitempty"`
	Coin      Coin            `json:"coin"`
	Timestamp time.Time       `json:"timestamp"`
	Price     decimal.Decimal `json:"price"`
	Global    PoolMetrics     `json:"global"`
}

// Wallet is a user's payout address for one coin.
type Wallet struct {
	UserID  string `json:"user_id"`
	Coin    Coin   `json:"coin"`
	Address string `json:"wallet_address"`
}
