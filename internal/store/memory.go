package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coinpool/capital-engine/internal/model"
	"github.com/coinpool/capital-engine/internal/position"
)

// poolShard holds everything mutable for one coin. All balance and pool
// mutations for the coin happen under its mutex, so the sufficiency check
// and the update are one step.
type poolShard struct {
	mu     sync.RWMutex
	exists bool
	pool   model.CoinPool
	users  map[string]*model.UserInvestment
}

type walletKey struct {
	userID string
	coin   model.Coin
}

// MemoryStore implements Store with in-memory maps and one lock per coin.
// Used for testing and development. Not suitable for production (no persistence).
type MemoryStore struct {
	mu     sync.Mutex // guards shards map membership only
	shards map[model.Coin]*poolShard

	snapMu    sync.RWMutex
	snapshots []model.ProfitSnapshot

	walletMu sync.RWMutex
	wallets  map[walletKey]string

	now func() time.Time
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		shards:  make(map[model.Coin]*poolShard),
		wallets: make(map[walletKey]string),
		now:     time.Now,
	}
}

// shard returns the coin's shard, creating an empty one if needed.
func (s *MemoryStore) shard(coin model.Coin) *poolShard {
	s.mu.Lock()
	defer s.mu.Unlock()

	sh, ok := s.shards[coin]
	if !ok {
		sh = &poolShard{
			pool:  model.CoinPool{Coin: coin},
			users: make(map[string]*model.UserInvestment),
		}
		s.shards[coin] = sh
	}
	return sh
}

// lookup returns the coin's shard without creating it.
func (s *MemoryStore) lookup(coin model.Coin) (*poolShard, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sh, ok := s.shards[coin]
	return sh, ok
}

func (s *MemoryStore) Deposit(ctx context.Context, userID string, coin model.Coin, amount decimal.Decimal) (decimal.Decimal, error) {
	if err := checkAmount(amount); err != nil {
		return decimal.Zero, err
	}
	if err := ctx.Err(); err != nil {
		return decimal.Zero, persistenceErr("deposit", err)
	}

	sh := s.shard(coin)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	u, ok := sh.users[userID]
	if !ok {
		u = &model.UserInvestment{UserID: userID, Coin: coin}
		sh.users[userID] = u
	}
	u.Balance = u.Balance.Add(amount)
	u.Deposits = u.Deposits.Add(amount)

	sh.exists = true
	sh.pool.TotalDeposits = sh.pool.TotalDeposits.Add(amount)
	sh.pool.CashCapital = sh.pool.CashCapital.Add(amount)
	sh.pool.UpdatedAt = s.now().UTC()

	return u.Balance, nil
}

func (s *MemoryStore) Withdraw(ctx context.Context, userID string, coin model.Coin, amount decimal.Decimal) (decimal.Decimal, error) {
	if err := checkAmount(amount); err != nil {
		return decimal.Zero, err
	}
	if err := ctx.Err(); err != nil {
		return decimal.Zero, persistenceErr("withdraw", err)
	}

	sh, ok := s.lookup(coin)
	if !ok {
		return decimal.Zero, fmt.Errorf("%w: balance 0, requested %s", model.ErrInsufficientFunds, amount)
	}
	sh.mu.Lock()
	defer sh.mu.Unlock()

	u, ok := sh.users[userID]
	if !ok || u.Balance.LessThan(amount) {
		balance := decimal.Zero
		if ok {
			balance = u.Balance
		}
		return balance, fmt.Errorf("%w: balance %s, requested %s", model.ErrInsufficientFunds, balance, amount)
	}
	if sh.pool.CashCapital.LessThan(amount) {
		return u.Balance, fmt.Errorf("%w: pool cash %s, requested %s", model.ErrInsufficientCash, sh.pool.CashCapital, amount)
	}

	u.Balance = u.Balance.Sub(amount)
	u.Withdrawals = u.Withdrawals.Add(amount)

	sh.pool.TotalWithdrawals = sh.pool.TotalWithdrawals.Add(amount)
	sh.pool.CashCapital = sh.pool.CashCapital.Sub(amount)
	sh.pool.UpdatedAt = s.now().UTC()

	return u.Balance, nil
}

func (s *MemoryStore) GetUserInvestment(ctx context.Context, userID string, coin model.Coin) (model.UserInvestment, error) {
	if err := ctx.Err(); err != nil {
		return model.UserInvestment{}, persistenceErr("get user investment", err)
	}
	zero := model.UserInvestment{UserID: userID, Coin: coin}

	sh, ok := s.lookup(coin)
	if !ok {
		return zero, nil
	}
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	if u, ok := sh.users[userID]; ok {
		return *u, nil
	}
	return zero, nil
}

func (s *MemoryStore) ListUserInvestments(ctx context.Context, coin model.Coin) ([]model.UserInvestment, error) {
	if err := ctx.Err(); err != nil {
		return nil, persistenceErr("list user investments", err)
	}
	sh, ok := s.lookup(coin)
	if !ok {
		return nil, nil
	}
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	out := make([]model.UserInvestment, 0, len(sh.users))
	for _, u := range sh.users {
		out = append(out, *u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (s *MemoryStore) GetPool(ctx context.Context, coin model.Coin) (model.CoinPool, error) {
	if err := ctx.Err(); err != nil {
		return model.CoinPool{}, persistenceErr("get pool", err)
	}
	sh, ok := s.lookup(coin)
	if !ok {
		return model.CoinPool{Coin: coin}, nil
	}
	sh.mu.RLock()
	defer sh.mu.RUnlock()

	if !sh.exists {
		return model.CoinPool{Coin: coin}, nil
	}
	return sh.pool.Clone(), nil
}

func (s *MemoryStore) ListPools(ctx context.Context) ([]model.CoinPool, error) {
	if err := ctx.Err(); err != nil {
		return nil, persistenceErr("list pools", err)
	}

	s.mu.Lock()
	shards := make([]*poolShard, 0, len(s.shards))
	for _, sh := range s.shards {
		shards = append(shards, sh)
	}
	s.mu.Unlock()

	var pools []model.CoinPool
	for _, sh := range shards {
		sh.mu.RLock()
		if sh.exists {
			pools = append(pools, sh.pool.Clone())
		}
		sh.mu.RUnlock()
	}
	sort.Slice(pools, func(i, j int) bool { return pools[i].Coin < pools[j].Coin })
	return pools, nil
}

func (s *MemoryStore) ApplyTrade(ctx context.Context, coin model.Coin, trade model.TradeRecord) (model.CoinPool, error) {
	if err := ctx.Err(); err != nil {
		return model.CoinPool{}, persistenceErr("apply trade", err)
	}
	sh := s.shard(coin)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	trade = position.Normalize(sh.pool, trade, s.now())
	next, err := position.Apply(sh.pool, trade)
	if err != nil {
		return sh.pool.Clone(), err
	}
	next.UpdatedAt = s.now().UTC()
	sh.pool = next
	sh.exists = true
	return next.Clone(), nil
}

func (s *MemoryStore) ClearUserBalances(ctx context.Context, coin model.Coin) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, persistenceErr("clear user balances", err)
	}
	sh, ok := s.lookup(coin)
	if !ok {
		return 0, nil
	}
	sh.mu.Lock()
	defer sh.mu.Unlock()

	n := int64(len(sh.users))
	sh.users = make(map[string]*model.UserInvestment)
	return n, nil
}

func (s *MemoryStore) ClearPool(ctx context.Context, coin model.Coin) error {
	if err := ctx.Err(); err != nil {
		return persistenceErr("clear pool", err)
	}
	sh, ok := s.lookup(coin)
	if !ok {
		return nil
	}
	sh.mu.Lock()
	defer sh.mu.Unlock()

	sh.pool = model.CoinPool{Coin: coin}
	sh.exists = false
	return nil
}

func (s *MemoryStore) DeleteSnapshots(ctx context.Context, coin model.Coin) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, persistenceErr("delete snapshots", err)
	}
	s.snapMu.Lock()
	defer s.snapMu.Unlock()

	kept := s.snapshots[:0]
	var removed int64
	for _, snap := range s.snapshots {
		if snap.Coin == coin {
			removed++
			continue
		}
		kept = append(kept, snap)
	}
	s.snapshots = kept
	return removed, nil
}

func (s *MemoryStore) InsertSnapshot(ctx context.Context, snap model.ProfitSnapshot) error {
	if err := ctx.Err(); err != nil {
		return persistenceErr("insert snapshot", err)
	}
	s.snapMu.Lock()
	defer s.snapMu.Unlock()

	s.snapshots = append(s.snapshots, snap)
	return nil
}

func (s *MemoryStore) ListSnapshots(ctx context.Context, coin model.Coin, from, to time.Time) ([]model.ProfitSnapshot, error) {
	if err := ctx.Err(); err != nil {
		return nil, persistenceErr("list snapshots", err)
	}
	s.snapMu.RLock()
	defer s.snapMu.RUnlock()

	var result []model.ProfitSnapshot
	for _, snap := range s.snapshots {
		if snap.Coin != coin || snap.Timestamp.Before(from) || snap.Timestamp.After(to) {
			continue
		}
		result = append(result, snap)
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].Timestamp.Before(result[j].Timestamp)
	})
	return result, nil
}

func (s *MemoryStore) SetWallet(ctx context.Context, w model.Wallet) error {
	if err := ctx.Err(); err != nil {
		return persistenceErr("set wallet", err)
	}
	s.walletMu.Lock()
	defer s.walletMu.Unlock()

	s.wallets[walletKey{w.UserID, w.Coin}] = w.Address
	return nil
}

func (s *MemoryStore) GetWallet(ctx context.Context, userID string, coin model.Coin) (model.Wallet, error) {
	if err := ctx.Err(); err != nil {
		return model.Wallet{}, persistenceErr("get wallet", err)
	}
	s.walletMu.RLock()
	defer s.walletMu.RUnlock()

	addr, ok := s.wallets[walletKey{userID, coin}]
	if !ok {
		return model.Wallet{}, fmt.Errorf("wallet %s/%s: %w", userID, coin, model.ErrNotFound)
	}
	return model.Wallet{UserID: userID, Coin: coin, Address: addr}, nil
}
