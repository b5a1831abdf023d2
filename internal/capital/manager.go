// Package capital enforces deposit and withdrawal rules on the pooled
// ledger and answers per-user and per-pool performance queries.
//
// The Manager is constructed explicitly by the hosting application and
// holds the store handle; there is no process-wide instance. Every store
// call runs under a bounded timeout and a timeout is reported as
// model.ErrPersistence, never retried.
package capital

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coinpool/capital-engine/internal/coin"
	"github.com/coinpool/capital-engine/internal/metrics"
	"github.com/coinpool/capital-engine/internal/model"
	"github.com/coinpool/capital-engine/internal/store"
)

var (
	// ErrMissingPriceData is returned when a report is requested without a
	// usable (positive) price.
	ErrMissingPriceData = errors.New("capital: missing price data")

	// ErrInvalidInput is returned for malformed identifiers, addresses or ranges.
	ErrInvalidInput = errors.New("capital: invalid input")
)

// DefaultOpTimeout bounds every store call when no timeout is configured.
const DefaultOpTimeout = 5 * time.Second

// Manager wraps the ledger store with business-level operations.
type Manager struct {
	store     store.Store
	registry  *coin.Registry
	notifier  Notifier
	publisher Publisher
	feed      PriceFeed
	opTimeout time.Duration
	now       func() time.Time
}

// Option configures a Manager.
type Option func(*Manager)

// WithNotifier sets the failure notifier. Defaults to LogNotifier.
func WithNotifier(n Notifier) Option { return func(m *Manager) { m.notifier = n } }

// WithPublisher sets the live event publisher (e.g. the WebSocket hub).
func WithPublisher(p Publisher) Option { return func(m *Manager) { m.publisher = p } }

// WithPriceFeed sets the feed used when callers do not supply a price.
func WithPriceFeed(f PriceFeed) Option { return func(m *Manager) { m.feed = f } }

// WithOpTimeout sets the per-call store timeout.
func WithOpTimeout(d time.Duration) Option { return func(m *Manager) { m.opTimeout = d } }

// WithClock overrides the clock used for snapshots and events.
func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

// NewManager creates a manager over st. Coins are validated against reg.
func NewManager(st store.Store, reg *coin.Registry, opts ...Option) *Manager {
	m := &Manager{
		store:     st,
		registry:  reg,
		notifier:  LogNotifier{},
		opTimeout: DefaultOpTimeout,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// ParseCoin validates raw input against the coin registry.
func (m *Manager) ParseCoin(raw string) (model.Coin, error) {
	return m.registry.Parse(raw)
}

// Coins returns the registered coins.
func (m *Manager) Coins() []model.Coin {
	return m.registry.Coins()
}

// --- Balance mutations ---

// Deposit adds amount to the user's balance in the coin's pool and returns
// the new balance. The pool and user record are created on first deposit.
func (m *Manager) Deposit(ctx context.Context, userID string, c model.Coin, amount decimal.Decimal) (decimal.Decimal, error) {
	start := time.Now()
	if err := checkUser(userID); err != nil {
		return decimal.Zero, err
	}

	opCtx, cancel := m.opContext(ctx)
	defer cancel()

	balance, err := m.store.Deposit(opCtx, userID, c, amount)
	if err != nil {
		err = asPersistence(err)
		metrics.ObserveOp("deposit", outcome(err), start)
		m.notifier.Notify(ctx, Event{
			Type: EventDepositFailed, Coin: c, UserID: userID, Amount: amount,
			Error: err.Error(), At: m.now().UTC(),
		})
		return decimal.Zero, err
	}

	metrics.ObserveOp("deposit", "ok", start)
	slog.Info("deposit applied", "user", userID, "coin", c, "amount", amount.String(), "balance", balance.String())
	m.afterWrite(ctx, c)
	m.publish(Event{Type: EventDeposit, Coin: c, UserID: userID, Amount: amount, Balance: balance, At: m.now().UTC()})
	return balance, nil
}

// Withdraw removes amount from the user's balance and the pool's uninvested
// cash. It fails with ErrInsufficientFunds when the balance is short and
// with ErrInsufficientCash when the cash is locked in an open position.
func (m *Manager) Withdraw(ctx context.Context, userID string, c model.Coin, amount decimal.Decimal) (decimal.Decimal, error) {
	start := time.Now()
	if err := checkUser(userID); err != nil {
		return decimal.Zero, err
	}

	opCtx, cancel := m.opContext(ctx)
	defer cancel()

	balance, err := m.store.Withdraw(opCtx, userID, c, amount)
	if err != nil {
		err = asPersistence(err)
		metrics.ObserveOp("withdraw", outcome(err), start)
		m.notifier.Notify(ctx, Event{
			Type: EventWithdrawFail, Coin: c, UserID: userID, Amount: amount,
			Error: err.Error(), At: m.now().UTC(),
		})
		return decimal.Zero, err
	}

	metrics.ObserveOp("withdraw", "ok", start)
	slog.Info("withdrawal applied", "user", userID, "coin", c, "amount", amount.String(), "balance", balance.String())
	m.afterWrite(ctx, c)
	m.publish(Event{Type: EventWithdraw, Coin: c, UserID: userID, Amount: amount, Balance: balance, At: m.now().UTC()})
	return balance, nil
}

// ApplyTrade folds a trade executed by the trading engine into the pool.
func (m *Manager) ApplyTrade(ctx context.Context, c model.Coin, trade model.TradeRecord) (model.CoinPool, error) {
	start := time.Now()
	opCtx, cancel := m.opContext(ctx)
	defer cancel()

	pool, err := m.store.ApplyTrade(opCtx, c, trade)
	if err != nil {
		err = asPersistence(err)
		metrics.ObserveOp("trade", outcome(err), start)
		return model.CoinPool{}, err
	}

	metrics.ObserveOp("trade", "ok", start)
	metrics.TradesTotal.WithLabelValues(string(c), string(trade.Side)).Inc()
	metrics.SetPool(string(c), pool.CashCapital, pool.NetDeposits())

	last := pool.TradeRecords[len(pool.TradeRecords)-1]
	slog.Info("trade applied",
		"coin", c,
		"trade_id", last.ID,
		"side", last.Side,
		"qty", last.Quantity.String(),
		"price", last.Price.String(),
		"fee", last.Fee.String(),
		"cash", pool.CashCapital.String(),
		"realized", pool.RealizedProfits.String(),
	)
	m.publish(Event{Type: EventTrade, Coin: c, Amount: last.Notional(), Balance: pool.CashCapital, At: m.now().UTC()})
	return pool, nil
}

// --- Queries ---

// GetUserInvestment returns the user's current net contribution to the pool.
func (m *Manager) GetUserInvestment(ctx context.Context, userID string, c model.Coin) (decimal.Decimal, error) {
	u, err := m.userInvestment(ctx, userID, c)
	if err != nil {
		return decimal.Zero, err
	}
	return u.Balance, nil
}

// GetPool returns the pool state, zero-valued if absent.
func (m *Manager) GetPool(ctx context.Context, c model.Coin) (model.CoinPool, error) {
	opCtx, cancel := m.opContext(ctx)
	defer cancel()

	pool, err := m.store.GetPool(opCtx, c)
	if err != nil {
		return model.CoinPool{}, asPersistence(err)
	}
	return pool, nil
}

// ListPools returns every existing pool.
func (m *Manager) ListPools(ctx context.Context) ([]model.CoinPool, error) {
	opCtx, cancel := m.opContext(ctx)
	defer cancel()

	pools, err := m.store.ListPools(opCtx)
	if err != nil {
		return nil, asPersistence(err)
	}
	return pools, nil
}

// Capitals maps every existing pool to its uninvested cash.
func (m *Manager) Capitals(ctx context.Context) (map[model.Coin]decimal.Decimal, error) {
	pools, err := m.ListPools(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[model.Coin]decimal.Decimal, len(pools))
	for _, p := range pools {
		out[p.Coin] = p.CashCapital
	}
	return out, nil
}

// CurrentPrice asks the configured price feed for the coin's price.
func (m *Manager) CurrentPrice(ctx context.Context, c model.Coin) (decimal.Decimal, error) {
	if m.feed == nil {
		return decimal.Zero, fmt.Errorf("%w: no price feed configured", ErrMissingPriceData)
	}
	p, err := m.feed.Price(ctx, c)
	if err != nil {
		if errors.Is(err, ErrMissingPriceData) {
			return decimal.Zero, err
		}
		return decimal.Zero, fmt.Errorf("%w: %w", ErrMissingPriceData, err)
	}
	return p, checkPrice(p)
}

// --- Wallets ---

// AddWallet adds or replaces the user's payout address for a coin.
func (m *Manager) AddWallet(ctx context.Context, userID string, c model.Coin, address string) error {
	if err := checkUser(userID); err != nil {
		return err
	}
	address = strings.TrimSpace(address)
	if address == "" {
		return fmt.Errorf("%w: wallet address is required", ErrInvalidInput)
	}

	opCtx, cancel := m.opContext(ctx)
	defer cancel()
	return asPersistence(m.store.SetWallet(opCtx, model.Wallet{UserID: userID, Coin: c, Address: address}))
}

// GetWallet returns the user's payout address, or model.ErrNotFound.
func (m *Manager) GetWallet(ctx context.Context, userID string, c model.Coin) (model.Wallet, error) {
	opCtx, cancel := m.opContext(ctx)
	defer cancel()

	w, err := m.store.GetWallet(opCtx, userID, c)
	if err != nil {
		return model.Wallet{}, asPersistence(err)
	}
	return w, nil
}

// --- helpers ---

func (m *Manager) userInvestment(ctx context.Context, userID string, c model.Coin) (model.UserInvestment, error) {
	opCtx, cancel := m.opContext(ctx)
	defer cancel()

	u, err := m.store.GetUserInvestment(opCtx, userID, c)
	if err != nil {
		return model.UserInvestment{}, asPersistence(err)
	}
	return u, nil
}

func (m *Manager) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if m.opTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, m.opTimeout)
}

// afterWrite refreshes pool gauges. Failures only cost a stale gauge.
func (m *Manager) afterWrite(ctx context.Context, c model.Coin) {
	opCtx, cancel := m.opContext(ctx)
	defer cancel()
	if pool, err := m.store.GetPool(opCtx, c); err == nil {
		metrics.SetPool(string(c), pool.CashCapital, pool.NetDeposits())
	}
}

func (m *Manager) publish(ev Event) {
	if m.publisher != nil {
		m.publisher.Publish(ev)
	}
}

// asPersistence makes sure context expiry surfaces as ErrPersistence.
func asPersistence(err error) error {
	if err == nil || errors.Is(err, model.ErrPersistence) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %w", model.ErrPersistence, err)
	}
	return err
}

func outcome(err error) string {
	if errors.Is(err, model.ErrPersistence) {
		return "failed"
	}
	return "rejected"
}

func checkUser(userID string) error {
	if strings.TrimSpace(userID) == "" {
		return fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}
	return nil
}

func checkPrice(price decimal.Decimal) error {
	if !price.IsPositive() {
		return fmt.Errorf("%w: price must be positive, got %s", ErrMissingPriceData, price)
	}
	return nil
}
