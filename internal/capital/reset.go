package capital

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/coinpool/capital-engine/internal/metrics"
	"github.com/coinpool/capital-engine/internal/model"
)

// Reset step names, in execution order.
const (
	StepUserBalances = "user_balances"
	StepPool         = "pool_state"
	StepSnapshots    = "profit_snapshots"
)

// ResetStep is the outcome of one step of a coin reset.
type ResetStep struct {
	Name     string `json:"name"`
	OK       bool   `json:"ok"`
	Affected int64  `json:"affected"`
	Error    string `json:"error,omitempty"`
}

// ResetReport lists every step of a coin reset. A reset with a failed step
// leaves the coin partially cleared; every step is idempotent, so the
// whole reset can simply be run again.
type ResetReport struct {
	Coin  model.Coin  `json:"coin"`
	Steps []ResetStep `json:"steps"`
	OK    bool        `json:"ok"`
}

// ResetCoin destructively clears every user balance, the pool aggregate and
// all profit snapshots for c, in that order. The three stores are not
// updated atomically: each step runs and is logged on its own, and the
// returned error joins every step failure.
func (m *Manager) ResetCoin(ctx context.Context, c model.Coin) (ResetReport, error) {
	steps := []struct {
		name string
		run  func(ctx context.Context) (int64, error)
	}{
		{StepUserBalances, func(ctx context.Context) (int64, error) {
			return m.store.ClearUserBalances(ctx, c)
		}},
		{StepPool, func(ctx context.Context) (int64, error) {
			return 0, m.store.ClearPool(ctx, c)
		}},
		{StepSnapshots, func(ctx context.Context) (int64, error) {
			return m.store.DeleteSnapshots(ctx, c)
		}},
	}

	report := ResetReport{Coin: c, OK: true}
	var errs []error
	for _, step := range steps {
		opCtx, cancel := m.opContext(ctx)
		n, err := step.run(opCtx)
		cancel()

		res := ResetStep{Name: step.name, OK: err == nil, Affected: n}
		if err != nil {
			err = asPersistence(err)
			res.Error = err.Error()
			report.OK = false
			errs = append(errs, fmt.Errorf("%s: %w", step.name, err))
			metrics.ResetStepFailures.WithLabelValues(step.name).Inc()
			slog.Error("coin reset step failed", "coin", c, "step", step.name, "err", err)
		} else {
			slog.Info("coin reset step done", "coin", c, "step", step.name, "affected", n)
		}
		report.Steps = append(report.Steps, res)
	}

	if !report.OK {
		return report, fmt.Errorf("reset %s incomplete: %w", c, errors.Join(errs...))
	}

	metrics.SetPool(string(c), decimal.Zero, decimal.Zero)
	if rec, err := m.Reconcile(ctx, c); err == nil && !rec.Consistent {
		slog.Warn("balances drift after reset", "coin", c, "drift", rec.Drift.String())
	}
	m.publish(Event{Type: EventReset, Coin: c, At: m.now().UTC()})
	return report, nil
}

// Reconciliation compares the sum of user balances with the pool's net deposits.
type Reconciliation struct {
	Coin            model.Coin      `json:"coin"`
	Users           int             `json:"users"`
	SumUserBalances decimal.Decimal `json:"sum_user_balances"`
	PoolNetDeposits decimal.Decimal `json:"pool_net_deposits"`
	Drift           decimal.Decimal `json:"drift"` // sum of balances - pool net deposits
	Consistent      bool            `json:"consistent"`
}

// Reconcile checks Σ user balances == total_deposits − total_withdrawals.
// Balances and pool counters are separate records, so a partial reset or a
// crash between them can leave them apart; this reports the gap.
func (m *Manager) Reconcile(ctx context.Context, c model.Coin) (Reconciliation, error) {
	pool, err := m.GetPool(ctx, c)
	if err != nil {
		return Reconciliation{}, err
	}

	opCtx, cancel := m.opContext(ctx)
	defer cancel()
	users, err := m.store.ListUserInvestments(opCtx, c)
	if err != nil {
		return Reconciliation{}, asPersistence(err)
	}

	sum := decimal.Zero
	for _, u := range users {
		sum = sum.Add(u.Balance)
	}
	net := pool.NetDeposits()
	drift := sum.Sub(net)

	return Reconciliation{
		Coin:            c,
		Users:           len(users),
		SumUserBalances: sum,
		PoolNetDeposits: net,
		Drift:           drift,
		Consistent:      drift.IsZero(),
	}, nil
}
