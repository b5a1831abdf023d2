// Package store defines the persistence interface for the capital engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing and single-instance development).
package store

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coinpool/capital-engine/internal/model"
)

// Store is the persistence interface. Every mutation of a user balance or a
// pool aggregate is a single atomic conditional update; implementations
// never read-then-write across separate calls.
type Store interface {
	// --- Balances ---

	// Deposit atomically adds amount to the user's balance, the pool's
	// total_deposits and the pool's cash. Creates the pool and the user
	// record on first use. Returns the user's new balance.
	Deposit(ctx context.Context, userID string, coin model.Coin, amount decimal.Decimal) (decimal.Decimal, error)

	// Withdraw atomically subtracts amount from the user's balance and the
	// pool's cash and adds it to total_withdrawals. Fails with
	// ErrInsufficientFunds if the balance is short, or ErrInsufficientCash
	// if the pool's uninvested cash is short; in both cases nothing changes.
	Withdraw(ctx context.Context, userID string, coin model.Coin, amount decimal.Decimal) (decimal.Decimal, error)

	// GetUserInvestment returns the user's record for a coin, zero-valued if absent.
	GetUserInvestment(ctx context.Context, userID string, coin model.Coin) (model.UserInvestment, error)

	// ListUserInvestments returns every user record for a coin.
	ListUserInvestments(ctx context.Context, coin model.Coin) ([]model.UserInvestment, error)

	// --- Pools ---

	// GetPool returns the pool state, zero-valued if the pool does not exist.
	GetPool(ctx context.Context, coin model.Coin) (model.CoinPool, error)

	// ListPools returns every pool that exists.
	ListPools(ctx context.Context) ([]model.CoinPool, error)

	// ApplyTrade folds a trade into the pool and appends it to the trade
	// log as one atomic unit, serialized against other trades on the pool.
	ApplyTrade(ctx context.Context, coin model.Coin, trade model.TradeRecord) (model.CoinPool, error)

	// --- Reset steps (each idempotent, not atomic together) ---

	// ClearUserBalances removes every user's balance for coin.
	ClearUserBalances(ctx context.Context, coin model.Coin) (int64, error)

	// ClearPool removes the pool aggregate and its trade log.
	ClearPool(ctx context.Context, coin model.Coin) error

	// DeleteSnapshots removes every profit snapshot for coin.
	DeleteSnapshots(ctx context.Context, coin model.Coin) (int64, error)

	// --- Profit snapshots ---

	// InsertSnapshot persists a profit snapshot.
	InsertSnapshot(ctx context.Context, snap model.ProfitSnapshot) error

	// ListSnapshots returns snapshots with from <= timestamp <= to,
	// ascending by timestamp.
	ListSnapshots(ctx context.Context, coin model.Coin, from, to time.Time) ([]model.ProfitSnapshot, error)

	// --- Wallets ---

	// SetWallet adds or replaces a user's wallet address for coin.
	SetWallet(ctx context.Context, w model.Wallet) error

	// GetWallet returns the wallet, or ErrNotFound.
	GetWallet(ctx context.Context, userID string, coin model.Coin) (model.Wallet, error)
}
