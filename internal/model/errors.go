package model

import "errors"

var (
	// ErrInvalidAmount is returned for a non-positive deposit or withdrawal.
	ErrInvalidAmount = errors.New("ledger: amount must be positive")

	// ErrInsufficientFunds is returned when a withdrawal exceeds the user's balance.
	ErrInsufficientFunds = errors.New("ledger: insufficient funds")

	// ErrInsufficientCash is returned when the pool's uninvested cash cannot
	// cover a buy or a withdrawal.
	ErrInsufficientCash = errors.New("ledger: insufficient pool cash")

	// ErrInsufficientPosition is returned when a sell exceeds the held quantity.
	ErrInsufficientPosition = errors.New("ledger: insufficient position")

	// ErrInvalidTrade is returned for a trade with a bad side, quantity, price or fee.
	ErrInvalidTrade = errors.New("ledger: invalid trade")

	// ErrOutOfOrderTrade is returned when a trade is older than the pool's last trade.
	ErrOutOfOrderTrade = errors.New("ledger: trade timestamp precedes last trade")

	// ErrInvariantViolation signals corrupted pool state (e.g. a sell
	// against a pool that holds nothing).
	ErrInvariantViolation = errors.New("ledger: invariant violation")

	// ErrNotFound is returned when a record does not exist. Read paths for
	// pools and balances resolve absence to zero values instead.
	ErrNotFound = errors.New("ledger: not found")

	// ErrPersistence wraps store failures and timeouts. The effect of the
	// failed write is unknown, so callers must not retry blindly.
	ErrPersistence = errors.New("ledger: persistence failure")
)
