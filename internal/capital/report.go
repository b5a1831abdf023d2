package capital

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coinpool/capital-engine/internal/model"
	"github.com/coinpool/capital-engine/internal/performance"
)

// PortfolioBreakdown splits a user's share of the pool into cash and position.
type PortfolioBreakdown struct {
	CashPortion         decimal.Decimal `json:"cash_portion"`
	PositionPortion     decimal.Decimal `json:"position_portion"`
	TotalPortfolioValue decimal.Decimal `json:"total_value"`
}

// InvestmentReport is a user's marked-to-market claim on one pool.
type InvestmentReport struct {
	UserID           string          `json:"user_id"`
	Coin             model.Coin      `json:"coin"`
	Price            decimal.Decimal `json:"current_price"`
	TotalDeposits    decimal.Decimal `json:"total_deposits"`
	TotalWithdrawals decimal.Decimal `json:"total_withdrawals"`
	NetInvestment    decimal.Decimal `json:"net_investment"`

	// OwnershipPercentage is a fraction in [0, 1], not scaled by 100.
	OwnershipPercentage   decimal.Decimal    `json:"ownership_percentage"`
	CurrentShareValue     decimal.Decimal    `json:"current_share_value"`
	RealizedGainsShare    decimal.Decimal    `json:"realized_gains_share"`
	UnrealizedGainsShare  decimal.Decimal    `json:"unrealized_gains_share"`
	TotalGains            decimal.Decimal    `json:"total_gains"`
	ProfitLoss            decimal.Decimal    `json:"overall_profit_loss"`
	PerformancePercentage decimal.Decimal    `json:"performance_percentage"`
	PortfolioBreakdown    PortfolioBreakdown `json:"portfolio_breakdown"`
	FeesPaidShare         decimal.Decimal    `json:"fees_paid_share"`
	FeeImpactPercentage   decimal.Decimal    `json:"fee_impact_percentage"`
	HasActiveInvestment   bool               `json:"has_active_investment"`
}

// CoinSummary is the pool-wide performance report.
type CoinSummary struct {
	Coin                  model.Coin      `json:"coin"`
	State                 model.PoolState `json:"state"`
	Price                 decimal.Decimal `json:"current_price"`
	TotalDeposits         decimal.Decimal `json:"total_deposits"`
	TotalWithdrawals      decimal.Decimal `json:"total_withdrawals"`
	NetDeposits           decimal.Decimal `json:"net_deposits"`
	CurrentCapital        decimal.Decimal `json:"current_capital"`
	PositionQuantity      decimal.Decimal `json:"position_quantity"`
	PositionCostBasis     decimal.Decimal `json:"position_cost_basis"`
	PositionValue         decimal.Decimal `json:"position_value"`
	TotalPortfolioValue   decimal.Decimal `json:"total_portfolio_value"`
	RealizedProfits       decimal.Decimal `json:"realized_profits"`
	UnrealizedGains       decimal.Decimal `json:"unrealized_gains"`
	TotalGains            decimal.Decimal `json:"total_gains"`
	PerformancePercentage decimal.Decimal `json:"performance_percentage"`
	TotalFees             decimal.Decimal `json:"total_fees"`
	TradeCount            int             `json:"trade_count"`
}

// GetUserInvestmentDetails values the user's share of the pool at price.
// Missing pools or users produce a zero-valued report; a non-positive
// price fails with ErrMissingPriceData.
func (m *Manager) GetUserInvestmentDetails(ctx context.Context, userID string, c model.Coin, price decimal.Decimal) (InvestmentReport, error) {
	if err := checkPrice(price); err != nil {
		return InvestmentReport{}, err
	}

	pool, err := m.GetPool(ctx, c)
	if err != nil {
		m.reportFailed(ctx, userID, c, err)
		return InvestmentReport{}, err
	}
	u, err := m.userInvestment(ctx, userID, c)
	if err != nil {
		m.reportFailed(ctx, userID, c, err)
		return InvestmentReport{}, err
	}

	return investmentReport(pool, u, price), nil
}

// investmentReport is the pure computation behind GetUserInvestmentDetails.
func investmentReport(pool model.CoinPool, u model.UserInvestment, price decimal.Decimal) InvestmentReport {
	net := u.Balance
	ownership := performance.OwnershipFraction(net, pool)

	positionValue := performance.PositionValue(pool, price)
	totalValue := performance.TotalPortfolioValue(pool, price)
	unrealized := performance.UnrealizedGains(pool, price)

	realizedShare := ownership.Mul(pool.RealizedProfits)
	unrealizedShare := ownership.Mul(unrealized)
	totalGains := realizedShare.Add(unrealizedShare)
	feesShare := ownership.Mul(pool.TotalFees())

	cashPortion := ownership.Mul(pool.CashCapital)
	positionPortion := ownership.Mul(positionValue)

	return InvestmentReport{
		UserID:                u.UserID,
		Coin:                  pool.Coin,
		Price:                 price,
		TotalDeposits:         u.Deposits,
		TotalWithdrawals:      u.Withdrawals,
		NetInvestment:         net,
		OwnershipPercentage:   ownership,
		CurrentShareValue:     ownership.Mul(totalValue),
		RealizedGainsShare:    realizedShare,
		UnrealizedGainsShare:  unrealizedShare,
		TotalGains:            totalGains,
		ProfitLoss:            totalGains.Sub(feesShare),
		PerformancePercentage: performance.Percent(totalGains, net),
		PortfolioBreakdown: PortfolioBreakdown{
			CashPortion:         cashPortion,
			PositionPortion:     positionPortion,
			TotalPortfolioValue: cashPortion.Add(positionPortion),
		},
		FeesPaidShare:       feesShare,
		FeeImpactPercentage: performance.Percent(feesShare, net),
		HasActiveInvestment: net.IsPositive(),
	}
}

// GetCoinPerformanceSummary values the whole pool at price.
func (m *Manager) GetCoinPerformanceSummary(ctx context.Context, c model.Coin, price decimal.Decimal) (CoinSummary, error) {
	if err := checkPrice(price); err != nil {
		return CoinSummary{}, err
	}

	pool, err := m.GetPool(ctx, c)
	if err != nil {
		m.reportFailed(ctx, "", c, err)
		return CoinSummary{}, err
	}
	return coinSummary(pool, price), nil
}

func coinSummary(pool model.CoinPool, price decimal.Decimal) CoinSummary {
	pm := performance.PoolMetrics(pool, price)
	return CoinSummary{
		Coin:                  pool.Coin,
		State:                 pool.State(),
		Price:                 price,
		TotalDeposits:         pool.TotalDeposits,
		TotalWithdrawals:      pool.TotalWithdrawals,
		NetDeposits:           pm.TotalNetInvestments,
		CurrentCapital:        pm.CurrentCapital,
		PositionQuantity:      pool.PositionQuantity,
		PositionCostBasis:     pool.PositionCostBasis,
		PositionValue:         pm.PositionValue,
		TotalPortfolioValue:   pm.TotalPortfolioValue,
		RealizedProfits:       pm.RealizedProfits,
		UnrealizedGains:       pm.UnrealizedGains,
		TotalGains:            pm.TotalGains,
		PerformancePercentage: pm.PerformancePercentage,
		TotalFees:             pool.TotalFees(),
		TradeCount:            len(pool.TradeRecords),
	}
}

func (m *Manager) reportFailed(ctx context.Context, userID string, c model.Coin, err error) {
	m.notifier.Notify(ctx, Event{
		Type:   EventReportFailed,
		Coin:   c,
		UserID: userID,
		Error:  err.Error(),
		At:     m.now().UTC(),
	})
}

// zeroSnapshot is returned by ProfitTrend when no snapshot exists in range.
func zeroSnapshot(c model.Coin, at time.Time) model.ProfitSnapshot {
	return model.ProfitSnapshot{Coin: c, Timestamp: at, Price: decimal.Zero}
}
