// Package position folds trades into a pool's cash, quantity and
// weighted-average cost basis, and realizes profit on sells.
//
// Apply is pure: it returns a new pool and leaves the input untouched. The
// store is responsible for running it under the pool's lock (or inside a
// row-locking transaction) and persisting the result as one unit.
package position

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/coinpool/capital-engine/internal/model"
)

// Validate checks the trade's shape: side, quantity > 0, price > 0, fee >= 0.
func Validate(t model.TradeRecord) error {
	if !t.Side.Valid() {
		return fmt.Errorf("%w: side must be buy or sell, got %q", model.ErrInvalidTrade, t.Side)
	}
	if !t.Quantity.IsPositive() {
		return fmt.Errorf("%w: quantity must be positive", model.ErrInvalidTrade)
	}
	if !t.Price.IsPositive() {
		return fmt.Errorf("%w: price must be positive", model.ErrInvalidTrade)
	}
	if t.Fee.IsNegative() {
		return fmt.Errorf("%w: fee must not be negative", model.ErrInvalidTrade)
	}
	return nil
}

// Normalize fills in the ID and timestamp of a trade that lacks them.
// A missing timestamp becomes now, clamped to the pool's last trade so a
// server-stamped trade is never out of order. Call it under the pool lock.
func Normalize(pool model.CoinPool, t model.TradeRecord, now time.Time) model.TradeRecord {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.Timestamp.IsZero() {
		t.Timestamp = now.UTC()
		if last := pool.LastTradeAt(); t.Timestamp.Before(last) {
			t.Timestamp = last
		}
	}
	return t
}

// Apply returns the pool after applying t and appending it to the trade log.
func Apply(pool model.CoinPool, t model.TradeRecord) (model.CoinPool, error) {
	if err := Validate(t); err != nil {
		return pool, err
	}
	if last := pool.LastTradeAt(); !last.IsZero() && t.Timestamp.Before(last) {
		return pool, fmt.Errorf("%w: %s before %s", model.ErrOutOfOrderTrade,
			t.Timestamp.Format(time.RFC3339Nano), last.Format(time.RFC3339Nano))
	}

	next := pool.Clone()
	var err error
	switch t.Side {
	case model.SideBuy:
		err = applyBuy(&next, t)
	case model.SideSell:
		err = applySell(&next, t)
	}
	if err != nil {
		return pool, err
	}

	next.TradeRecords = append(next.TradeRecords, t)
	return next, nil
}

// applyBuy spends quantity×price + fee of cash and adds it to cost basis.
func applyBuy(p *model.CoinPool, t model.TradeRecord) error {
	cost := t.Notional().Add(t.Fee)
	if cost.GreaterThan(p.CashCapital) {
		return fmt.Errorf("%w: need %s, have %s", model.ErrInsufficientCash, cost, p.CashCapital)
	}

	p.CashCapital = p.CashCapital.Sub(cost)
	p.PositionCostBasis = p.PositionCostBasis.Add(cost)
	p.PositionQuantity = p.PositionQuantity.Add(t.Quantity)
	return nil
}

// applySell removes cost at the weighted-average unit cost and books
// proceeds − removed cost as realized profit.
func applySell(p *model.CoinPool, t model.TradeRecord) error {
	if p.PositionQuantity.IsNegative() || (p.PositionQuantity.IsZero() && !p.PositionCostBasis.IsZero()) {
		return fmt.Errorf("%w: position quantity %s with cost basis %s",
			model.ErrInvariantViolation, p.PositionQuantity, p.PositionCostBasis)
	}
	if t.Quantity.GreaterThan(p.PositionQuantity) {
		return fmt.Errorf("%w: selling %s, holding %s", model.ErrInsufficientPosition, t.Quantity, p.PositionQuantity)
	}

	proceeds := t.Notional().Sub(t.Fee)

	var removedCost decimal.Decimal
	if t.Quantity.Equal(p.PositionQuantity) {
		// A full close releases exactly the remaining basis.
		removedCost = p.PositionCostBasis
	} else {
		costPerUnit := p.PositionCostBasis.Div(p.PositionQuantity)
		removedCost = costPerUnit.Mul(t.Quantity)
	}

	p.RealizedProfits = p.RealizedProfits.Add(proceeds.Sub(removedCost))
	p.PositionCostBasis = p.PositionCostBasis.Sub(removedCost)
	p.PositionQuantity = p.PositionQuantity.Sub(t.Quantity)
	p.CashCapital = p.CashCapital.Add(proceeds)

	if p.PositionQuantity.IsZero() {
		p.PositionCostBasis = decimal.Zero
	}
	if p.CashCapital.IsNegative() {
		// Fee larger than gross proceeds.
		return fmt.Errorf("%w: sell fee exceeds available cash", model.ErrInsufficientCash)
	}
	return nil
}
