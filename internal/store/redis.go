package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"github.com/coinpool/capital-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache. Writes go to the primary store and invalidate the cache; reads
// check Redis first then fall back to the primary. Cached reads may be up
// to ttl stale, which report queries tolerate. Balance checks on the write
// path always run against the primary.
type CachedStore struct {
	primary Store
	rdb     redis.Cmdable
	ttl     time.Duration
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb redis.Cmdable, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

// --- Write-through (write to primary, invalidate cache) ---

func (s *CachedStore) Deposit(ctx context.Context, userID string, coin model.Coin, amount decimal.Decimal) (decimal.Decimal, error) {
	balance, err := s.primary.Deposit(ctx, userID, coin, amount)
	if err != nil {
		return balance, err
	}
	s.invalidate(ctx, poolKey(coin), balanceKey(coin, userID))
	return balance, nil
}

func (s *CachedStore) Withdraw(ctx context.Context, userID string, coin model.Coin, amount decimal.Decimal) (decimal.Decimal, error) {
	balance, err := s.primary.Withdraw(ctx, userID, coin, amount)
	if err != nil {
		return balance, err
	}
	s.invalidate(ctx, poolKey(coin), balanceKey(coin, userID))
	return balance, nil
}

func (s *CachedStore) ApplyTrade(ctx context.Context, coin model.Coin, trade model.TradeRecord) (model.CoinPool, error) {
	pool, err := s.primary.ApplyTrade(ctx, coin, trade)
	if err != nil {
		return pool, err
	}
	s.invalidate(ctx, poolKey(coin))
	return pool, nil
}

func (s *CachedStore) ClearUserBalances(ctx context.Context, coin model.Coin) (int64, error) {
	n, err := s.primary.ClearUserBalances(ctx, coin)
	if err != nil {
		return n, err
	}

	iter := s.rdb.Scan(ctx, 0, balanceKey(coin, "*"), 100).Iterator()
	var keys []string
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		slog.Warn("cache scan failed after clearing balances", "coin", coin, "err", err)
	}
	s.invalidate(ctx, keys...)
	return n, nil
}

func (s *CachedStore) ClearPool(ctx context.Context, coin model.Coin) error {
	if err := s.primary.ClearPool(ctx, coin); err != nil {
		return err
	}
	s.invalidate(ctx, poolKey(coin))
	return nil
}

func (s *CachedStore) InsertSnapshot(ctx context.Context, snap model.ProfitSnapshot) error {
	if err := s.primary.InsertSnapshot(ctx, snap); err != nil {
		return err
	}
	s.invalidate(ctx, snapshotsKey(snap.Coin))
	return nil
}

func (s *CachedStore) DeleteSnapshots(ctx context.Context, coin model.Coin) (int64, error) {
	n, err := s.primary.DeleteSnapshots(ctx, coin)
	if err != nil {
		return n, err
	}
	s.invalidate(ctx, snapshotsKey(coin))
	return n, nil
}

func (s *CachedStore) SetWallet(ctx context.Context, w model.Wallet) error {
	if err := s.primary.SetWallet(ctx, w); err != nil {
		return err
	}
	s.invalidate(ctx, walletKeyFor(w.UserID, w.Coin))
	return nil
}

// --- Read-through (check cache first) ---

func (s *CachedStore) GetPool(ctx context.Context, coin model.Coin) (model.CoinPool, error) {
	var pool model.CoinPool
	if s.readCache(ctx, poolKey(coin), &pool) {
		return pool, nil
	}

	pool, err := s.primary.GetPool(ctx, coin)
	if err != nil {
		return pool, err
	}
	s.writeCache(ctx, poolKey(coin), pool)
	return pool, nil
}

func (s *CachedStore) GetUserInvestment(ctx context.Context, userID string, coin model.Coin) (model.UserInvestment, error) {
	var u model.UserInvestment
	if s.readCache(ctx, balanceKey(coin, userID), &u) {
		return u, nil
	}

	u, err := s.primary.GetUserInvestment(ctx, userID, coin)
	if err != nil {
		return u, err
	}
	s.writeCache(ctx, balanceKey(coin, userID), u)
	return u, nil
}

func (s *CachedStore) GetWallet(ctx context.Context, userID string, coin model.Coin) (model.Wallet, error) {
	var w model.Wallet
	if s.readCache(ctx, walletKeyFor(userID, coin), &w) {
		return w, nil
	}

	w, err := s.primary.GetWallet(ctx, userID, coin)
	if err != nil {
		return w, err
	}
	s.writeCache(ctx, walletKeyFor(userID, coin), w)
	return w, nil
}

// ListSnapshots caches the coin's whole snapshot history, since every
// profit trend query asks for a window ending at a different now, and
// filters the window from it.
func (s *CachedStore) ListSnapshots(ctx context.Context, coin model.Coin, from, to time.Time) ([]model.ProfitSnapshot, error) {
	var history []model.ProfitSnapshot
	if !s.readCache(ctx, snapshotsKey(coin), &history) {
		var err error
		history, err = s.primary.ListSnapshots(ctx, coin, time.Time{}, snapshotHistoryEnd)
		if err != nil {
			return nil, err
		}
		s.writeCache(ctx, snapshotsKey(coin), history)
	}

	var result []model.ProfitSnapshot
	for _, snap := range history {
		if snap.Timestamp.Before(from) || snap.Timestamp.After(to) {
			continue
		}
		result = append(result, snap)
	}
	return result, nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListUserInvestments(ctx context.Context, coin model.Coin) ([]model.UserInvestment, error) {
	return s.primary.ListUserInvestments(ctx, coin)
}

func (s *CachedStore) ListPools(ctx context.Context) ([]model.CoinPool, error) {
	return s.primary.ListPools(ctx)
}


// --- Cache helpers ---

// readCache reports whether key was found and decoded into dst. Redis
// errors count as a miss.
func (s *CachedStore) readCache(ctx context.Context, key string, dst any) bool {
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return false
	}
	return json.Unmarshal(data, dst) == nil
}

func (s *CachedStore) writeCache(ctx context.Context, key string, v any) {
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
}

func (s *CachedStore) invalidate(ctx context.Context, keys ...string) {
	if len(keys) == 0 {
		return
	}
	if err := s.rdb.Del(ctx, keys...).Err(); err != nil {
		// A stale entry expires after ttl.
		slog.Warn("cache invalidation failed", "keys", keys, "err", err)
	}
}

// snapshotHistoryEnd bounds a full-history snapshot read.
var snapshotHistoryEnd = time.Date(9999, 12, 31, 23, 59, 59, 0, time.UTC)

func poolKey(coin model.Coin) string                 { return fmt.Sprintf("pool:%s", coin) }
func balanceKey(coin model.Coin, uid string) string   { return fmt.Sprintf("balance:%s:%s", coin, uid) }
func walletKeyFor(uid string, coin model.Coin) string { return fmt.Sprintf("wallet:%s:%s", uid, coin) }
func snapshotsKey(coin model.Coin) string             { return fmt.Sprintf("snapshots:%s", coin) }
