package store

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/coinpool/capital-engine/internal/model"
)

func TestMemoryStore_CancelledContextIsPersistenceFailure(t *testing.T) {
	ms := NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := ms.Deposit(ctx, "u1", "btc", d(10))
	if !errors.Is(err, model.ErrPersistence) {
		t.Fatalf("expected ErrPersistence, got %v", err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected cause to be kept, got %v", err)
	}

	pool, _ := ms.GetPool(context.Background(), "btc")
	if !pool.TotalDeposits.IsZero() {
		t.Error("cancelled deposit must not be applied")
	}
}

func TestMemoryStore_InvalidAmountCheckedBeforeContext(t *testing.T) {
	ms := NewMemoryStore()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := ms.Withdraw(ctx, "u1", "btc", d(0)); !errors.Is(err, model.ErrInvalidAmount) {
		t.Errorf("expected ErrInvalidAmount, got %v", err)
	}
}

func TestMemoryStore_GetPoolReturnsCopy(t *testing.T) {
	ctx := context.Background()
	ms := NewMemoryStore()
	ms.Deposit(ctx, "u1", "btc", d(100))
	ms.ApplyTrade(ctx, "btc", model.TradeRecord{Side: model.SideBuy, Quantity: d(1), Price: d(10)})

	pool, _ := ms.GetPool(ctx, "btc")
	pool.TradeRecords[0].ID = "tampered"
	pool.CashCapital = d(0)

	again, _ := ms.GetPool(ctx, "btc")
	if again.TradeRecords[0].ID == "tampered" || !again.CashCapital.Equal(d(90)) {
		t.Error("GetPool exposed internal state")
	}
}

func TestMemoryStore_ListPoolsSkipsClearedPools(t *testing.T) {
	ctx := context.Background()
	ms := NewMemoryStore()
	ms.Deposit(ctx, "u1", "eth", d(1))
	ms.Deposit(ctx, "u1", "btc", d(1))
	ms.ClearPool(ctx, "eth")

	pools, err := ms.ListPools(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(pools) != 1 || pools[0].Coin != "btc" {
		t.Errorf("expected only btc, got %+v", pools)
	}
}

// Deposits into different coins run under different locks; interleaving
// them with trades must keep every pool consistent.
func TestMemoryStore_ParallelCoinsAndTrades(t *testing.T) {
	ctx := context.Background()
	ms := NewMemoryStore()
	coins := []model.Coin{"btc", "eth", "sol"}

	var wg sync.WaitGroup
	var mu sync.Mutex
	applied := make(map[model.Coin]int)
	for _, c := range coins {
		for i := 0; i < 20; i++ {
			wg.Add(2)
			go func(c model.Coin) {
				defer wg.Done()
				if _, err := ms.Deposit(ctx, "u1", c, d(10)); err != nil {
					t.Errorf("%s: deposit: %v", c, err)
				}
			}(c)
			go func(c model.Coin) {
				defer wg.Done()
				_, err := ms.ApplyTrade(ctx, c, model.TradeRecord{Side: model.SideBuy, Quantity: d(1), Price: d(1)})
				switch {
				case err == nil:
					mu.Lock()
					applied[c]++
					mu.Unlock()
				case errors.Is(err, model.ErrInsufficientCash):
					// The buy raced ahead of the deposits funding it.
				default:
					t.Errorf("%s: trade: %v", c, err)
				}
			}(c)
		}
	}
	wg.Wait()

	for _, c := range coins {
		pool, _ := ms.GetPool(ctx, c)
		if !pool.TotalDeposits.Equal(d(200)) {
			t.Errorf("%s: expected deposits 200, got %s", c, pool.TotalDeposits)
		}
		spent := pool.PositionCostBasis
		if !pool.CashCapital.Add(spent).Equal(d(200)) {
			t.Errorf("%s: cash %s + basis %s != 200", c, pool.CashCapital, spent)
		}
		if !pool.PositionQuantity.Equal(spent) {
			t.Errorf("%s: quantity %s != basis %s at unit price 1", c, pool.PositionQuantity, spent)
		}
		if pool.CashCapital.IsNegative() {
			t.Errorf("%s: negative cash", c)
		}
		if len(pool.TradeRecords) != applied[c] {
			t.Errorf("%s: %d trade records, %d trades succeeded", c, len(pool.TradeRecords), applied[c])
		}
	}
}

func TestMemoryStore_UnstampedTradesUnderContentionNeverOutOfOrder(t *testing.T) {
	ctx := context.Background()
	ms := NewMemoryStore()
	if _, err := ms.Deposit(ctx, "u1", "btc", d(1000000)); err != nil {
		t.Fatalf("deposit: %v", err)
	}

	const n = 2000
	start := make(chan struct{})
	var wg sync.WaitGroup
	var mu sync.Mutex
	failed := 0
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if _, err := ms.ApplyTrade(ctx, "btc", model.TradeRecord{Side: model.SideBuy, Quantity: d(1), Price: d(1)}); err != nil {
				mu.Lock()
				failed++
				mu.Unlock()
			}
		}()
	}
	close(start)
	wg.Wait()

	if failed != 0 {
		t.Fatalf("%d of %d trades rejected", failed, n)
	}
	pool, _ := ms.GetPool(ctx, "btc")
	if len(pool.TradeRecords) != n {
		t.Errorf("expected %d trade records, got %d", n, len(pool.TradeRecords))
	}
}
