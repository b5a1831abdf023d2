package capital

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/coinpool/capital-engine/internal/coin"
	"github.com/coinpool/capital-engine/internal/model"
	"github.com/coinpool/capital-engine/internal/store"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

var t0 = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

type recordingNotifier struct {
	mu     sync.Mutex
	events []Event
}

func (n *recordingNotifier) Notify(_ context.Context, ev Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
}

func (n *recordingNotifier) types() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, len(n.events))
	for i, ev := range n.events {
		out[i] = ev.Type
	}
	return out
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []Event
}

func (p *recordingPublisher) Publish(ev Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

func (p *recordingPublisher) count(typ string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, ev := range p.events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

// blockingStore waits for the context on every write, simulating a hung database.
type blockingStore struct {
	*store.MemoryStore
}

func (b blockingStore) Deposit(ctx context.Context, _ string, _ model.Coin, _ decimal.Decimal) (decimal.Decimal, error) {
	<-ctx.Done()
	return decimal.Zero, ctx.Err()
}

func (b blockingStore) GetPool(ctx context.Context, _ model.Coin) (model.CoinPool, error) {
	<-ctx.Done()
	return model.CoinPool{}, ctx.Err()
}

type env struct {
	m        *Manager
	st       *store.MemoryStore
	notifier *recordingNotifier
	pub      *recordingPublisher
	feed     *StaticPriceFeed
}

func newEnv(t *testing.T) env {
	t.Helper()
	st := store.NewMemoryStore()
	n := &recordingNotifier{}
	p := &recordingPublisher{}
	feed := NewStaticPriceFeed(map[model.Coin]decimal.Decimal{"btc": d(65000)})
	m := NewManager(st, coin.MustRegistry("btc", "eth", "sol"),
		WithNotifier(n),
		WithPublisher(p),
		WithPriceFeed(feed),
		WithClock(func() time.Time { return t0 }),
	)
	return env{m: m, st: st, notifier: n, pub: p, feed: feed}
}

func TestDepositThenWithdraw(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	if _, err := e.m.Deposit(ctx, "u1", "btc", d(100)); err != nil {
		t.Fatalf("deposit: %v", err)
	}
	bal, err := e.m.Withdraw(ctx, "u1", "btc", d(40))
	if err != nil {
		t.Fatalf("withdraw: %v", err)
	}
	if !bal.Equal(d(60)) {
		t.Errorf("expected balance 60, got %s", bal)
	}

	got, err := e.m.GetUserInvestment(ctx, "u1", "btc")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.Equal(d(60)) {
		t.Errorf("expected investment 60, got %s", got)
	}

	pool, _ := e.m.GetPool(ctx, "btc")
	if !pool.CashCapital.Equal(d(60)) || !pool.NetDeposits().Equal(d(60)) {
		t.Errorf("pool cash=%s net=%s, expected 60/60", pool.CashCapital, pool.NetDeposits())
	}
	if e.pub.count(EventDeposit) != 1 || e.pub.count(EventWithdraw) != 1 {
		t.Errorf("expected one deposit and one withdraw event, got %+v", e.pub.events)
	}
}

func TestWithdrawInsufficientFunds(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	e.m.Deposit(ctx, "u1", "btc", d(30))
	_, err := e.m.Withdraw(ctx, "u1", "btc", d(50))
	if !errors.Is(err, model.ErrInsufficientFunds) {
		t.Fatalf("expected ErrInsufficientFunds, got %v", err)
	}

	bal, _ := e.m.GetUserInvestment(ctx, "u1", "btc")
	if !bal.Equal(d(30)) {
		t.Errorf("balance changed: %s", bal)
	}
	if got := e.notifier.types(); len(got) != 1 || got[0] != EventWithdrawFail {
		t.Errorf("expected one withdraw_failed notification, got %v", got)
	}
}

func TestWithdrawBlockedByOpenPosition(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	e.m.Deposit(ctx, "u1", "btc", d(100))
	buy := model.TradeRecord{Side: model.SideBuy, Quantity: d(10), Price: d(9), Fee: d(0)}
	if _, err := e.m.ApplyTrade(ctx, "btc", buy); err != nil {
		t.Fatalf("trade: %v", err)
	}

	_, err := e.m.Withdraw(ctx, "u1", "btc", d(50))
	if !errors.Is(err, model.ErrInsufficientCash) {
		t.Fatalf("expected ErrInsufficientCash, got %v", err)
	}
	if _, err := e.m.Withdraw(ctx, "u1", "btc", d(10)); err != nil {
		t.Fatalf("withdrawal within cash should succeed: %v", err)
	}
}

func TestInvalidInputs(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	if _, err := e.m.Deposit(ctx, "u1", "btc", d(0)); !errors.Is(err, model.ErrInvalidAmount) {
		t.Errorf("zero deposit: expected ErrInvalidAmount, got %v", err)
	}
	if _, err := e.m.Deposit(ctx, "u1", "btc", d(-5)); !errors.Is(err, model.ErrInvalidAmount) {
		t.Errorf("negative deposit: expected ErrInvalidAmount, got %v", err)
	}
	if _, err := e.m.Withdraw(ctx, "u1", "btc", d(0)); !errors.Is(err, model.ErrInvalidAmount) {
		t.Errorf("zero withdraw: expected ErrInvalidAmount, got %v", err)
	}
	if _, err := e.m.Deposit(ctx, " ", "btc", d(5)); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("blank user: expected ErrInvalidInput, got %v", err)
	}
	if _, err := e.m.ParseCoin("doge"); !errors.Is(err, coin.ErrUnknownCoin) {
		t.Errorf("unknown coin: expected ErrUnknownCoin, got %v", err)
	}

	pool, _ := e.m.GetPool(ctx, "btc")
	if pool.State() != model.PoolEmpty {
		t.Errorf("rejected operations must not create a pool, state=%s", pool.State())
	}
}

func TestConcurrentDeposits(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	const n = 200
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := e.m.Deposit(ctx, "u1", "eth", d(0.1)); err != nil {
				t.Errorf("deposit: %v", err)
			}
		}()
	}
	wg.Wait()

	bal, _ := e.m.GetUserInvestment(ctx, "u1", "eth")
	if !bal.Equal(d(20)) {
		t.Errorf("expected exactly 20, got %s", bal)
	}
	pool, _ := e.m.GetPool(ctx, "eth")
	if !pool.TotalDeposits.Equal(d(20)) {
		t.Errorf("expected pool deposits 20, got %s", pool.TotalDeposits)
	}
}

func TestConcurrentMixedKeepsLedgerBalanced(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		e.m.Deposit(ctx, fmt.Sprintf("u%d", i), "sol", d(50))
	}

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		user := fmt.Sprintf("u%d", i)
		for j := 0; j < 20; j++ {
			wg.Add(2)
			go func() {
				defer wg.Done()
				e.m.Deposit(ctx, user, "sol", d(1))
			}()
			go func() {
				defer wg.Done()
				e.m.Withdraw(ctx, user, "sol", d(3))
			}()
		}
	}
	wg.Wait()

	rec, err := e.m.Reconcile(ctx, "sol")
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if !rec.Consistent {
		t.Errorf("sum of balances %s != net deposits %s", rec.SumUserBalances, rec.PoolNetDeposits)
	}
	if rec.Users != 5 {
		t.Errorf("expected 5 users, got %d", rec.Users)
	}
	pool, _ := e.m.GetPool(ctx, "sol")
	if pool.CashCapital.IsNegative() {
		t.Errorf("cash went negative: %s", pool.CashCapital)
	}
}

func TestOpTimeoutIsPersistenceFailure(t *testing.T) {
	n := &recordingNotifier{}
	m := NewManager(blockingStore{store.NewMemoryStore()}, coin.MustRegistry("btc"),
		WithNotifier(n),
		WithOpTimeout(20*time.Millisecond),
	)

	_, err := m.Deposit(context.Background(), "u1", "btc", d(10))
	if !errors.Is(err, model.ErrPersistence) {
		t.Fatalf("expected ErrPersistence, got %v", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected wrapped deadline, got %v", err)
	}
	if got := n.types(); len(got) != 1 || got[0] != EventDepositFailed {
		t.Errorf("expected deposit_failed notification, got %v", got)
	}

	_, err = m.GetCoinPerformanceSummary(context.Background(), "btc", d(1))
	if !errors.Is(err, model.ErrPersistence) {
		t.Fatalf("summary: expected ErrPersistence, got %v", err)
	}
}

func TestCapitalsAndListPools(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	e.m.Deposit(ctx, "u1", "btc", d(10))
	e.m.Deposit(ctx, "u2", "eth", d(20))

	caps, err := e.m.Capitals(ctx)
	if err != nil {
		t.Fatalf("capitals: %v", err)
	}
	if len(caps) != 2 || !caps["btc"].Equal(d(10)) || !caps["eth"].Equal(d(20)) {
		t.Errorf("unexpected capitals: %v", caps)
	}
	if _, ok := caps["sol"]; ok {
		t.Error("sol has no pool and must not be listed")
	}
}

func TestCurrentPrice(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	p, err := e.m.CurrentPrice(ctx, "btc")
	if err != nil || !p.Equal(d(65000)) {
		t.Fatalf("expected 65000, got %s (%v)", p, err)
	}
	if _, err := e.m.CurrentPrice(ctx, "eth"); !errors.Is(err, ErrMissingPriceData) {
		t.Errorf("expected ErrMissingPriceData, got %v", err)
	}

	e.feed.Set("eth", d(3000))
	if p, _ := e.m.CurrentPrice(ctx, "eth"); !p.Equal(d(3000)) {
		t.Errorf("expected updated price 3000, got %s", p)
	}

	bare := NewManager(store.NewMemoryStore(), coin.MustRegistry("btc"))
	if _, err := bare.CurrentPrice(ctx, "btc"); !errors.Is(err, ErrMissingPriceData) {
		t.Errorf("no feed: expected ErrMissingPriceData, got %v", err)
	}
}

func TestWallets(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()

	if _, err := e.m.GetWallet(ctx, "u1", "btc"); !errors.Is(err, model.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := e.m.AddWallet(ctx, "u1", "btc", "  "); !errors.Is(err, ErrInvalidInput) {
		t.Errorf("blank address: expected ErrInvalidInput, got %v", err)
	}
	if err := e.m.AddWallet(ctx, "u1", "btc", " bc1qxyz "); err != nil {
		t.Fatalf("add wallet: %v", err)
	}
	w, err := e.m.GetWallet(ctx, "u1", "btc")
	if err != nil {
		t.Fatalf("get wallet: %v", err)
	}
	if w.Address != "bc1qxyz" {
		t.Errorf("expected trimmed address, got %q", w.Address)
	}
}
