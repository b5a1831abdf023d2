package capital

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coinpool/capital-engine/internal/model"
)

// Event types published for ledger changes and failures.
const (
	EventDeposit       = "deposit"
	EventWithdraw      = "withdraw"
	EventTrade         = "trade_applied"
	EventReset         = "coin_reset"
	EventSnapshot      = "snapshot_recorded"
	EventDepositFailed = "deposit_failed"
	EventWithdrawFail  = "withdraw_failed"
	EventReportFailed  = "report_failed"
)

// Event describes one ledger change or failure.
type Event struct {
	Type    string          `json:"type"`
	Coin    model.Coin      `json:"coin"`
	UserID  string          `json:"user_id,omitempty"`
	Amount  decimal.Decimal `json:"amount"`
	Balance decimal.Decimal `json:"balance"`
	Error   string          `json:"error,omitempty"`
	At      time.Time       `json:"at"`
}

// Notifier is informed of deposit, withdrawal and report failures.
type Notifier interface {
	Notify(ctx context.Context, ev Event)
}

// Publisher receives successful ledger events for live fan-out.
type Publisher interface {
	Publish(ev Event)
}

// PriceFeed supplies the current price of a coin.
type PriceFeed interface {
	Price(ctx context.Context, coin model.Coin) (decimal.Decimal, error)
}

// LogNotifier writes failures to the default slog logger.
type LogNotifier struct{}

func (LogNotifier) Notify(_ context.Context, ev Event) {
	slog.Warn("ledger failure",
		"type", ev.Type,
		"coin", ev.Coin,
		"user", ev.UserID,
		"amount", ev.Amount.String(),
		"err", ev.Error,
	)
}

// StaticPriceFeed serves prices from a fixed table. Prices can be replaced
// at runtime with Set; it is safe for concurrent use.
type StaticPriceFeed struct {
	mu     sync.RWMutex
	prices map[model.Coin]decimal.Decimal
}

// NewStaticPriceFeed copies prices into a new feed.
func NewStaticPriceFeed(prices map[model.Coin]decimal.Decimal) *StaticPriceFeed {
	f := &StaticPriceFeed{prices: make(map[model.Coin]decimal.Decimal, len(prices))}
	for c, p := range prices {
		f.prices[c] = p
	}
	return f
}

// Set replaces the price of a coin.
func (f *StaticPriceFeed) Set(coin model.Coin, price decimal.Decimal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prices[coin] = price
}

func (f *StaticPriceFeed) Price(_ context.Context, coin model.Coin) (decimal.Decimal, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	p, ok := f.prices[coin]
	if !ok || !p.IsPositive() {
		return decimal.Zero, fmt.Errorf("%w: no price for %s", ErrMissingPriceData, coin)
	}
	return p, nil
}
