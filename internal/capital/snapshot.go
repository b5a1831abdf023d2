package capital

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/coinpool/capital-engine/internal/model"
	"github.com/coinpool/capital-engine/internal/performance"
)

// RecordSnapshot values the pool at price and stores the result.
func (m *Manager) RecordSnapshot(ctx context.Context, c model.Coin, price decimal.Decimal) (model.ProfitSnapshot, error) {
	if err := checkPrice(price); err != nil {
		return model.ProfitSnapshot{}, err
	}
	pool, err := m.GetPool(ctx, c)
	if err != nil {
		return model.ProfitSnapshot{}, err
	}

	snap := model.ProfitSnapshot{
		ID:        uuid.New().String(),
		Coin:      c,
		Timestamp: m.now().UTC(),
		Price:     price,
		Global:    performance.PoolMetrics(pool, price),
	}

	opCtx, cancel := m.opContext(ctx)
	defer cancel()
	if err := m.store.InsertSnapshot(opCtx, snap); err != nil {
		return model.ProfitSnapshot{}, asPersistence(err)
	}

	m.publish(Event{Type: EventSnapshot, Coin: c, Amount: snap.Global.TotalGains, Balance: snap.Global.TotalPortfolioValue, At: snap.Timestamp})
	return snap, nil
}

// ProfitTrend returns the pool's snapshots from the last days days,
// oldest first. With no snapshots in range it returns a single zero-valued
// record stamped now, so charts always have a point to draw.
func (m *Manager) ProfitTrend(ctx context.Context, c model.Coin, days int) ([]model.ProfitSnapshot, error) {
	if days <= 0 {
		return nil, fmt.Errorf("%w: days must be positive, got %d", ErrInvalidInput, days)
	}
	end := m.now().UTC()
	start := end.AddDate(0, 0, -days)

	opCtx, cancel := m.opContext(ctx)
	defer cancel()

	snaps, err := m.store.ListSnapshots(opCtx, c, start, end)
	if err != nil {
		err = asPersistence(err)
		m.reportFailed(ctx, "", c, err)
		return nil, err
	}
	if len(snaps) == 0 {
		return []model.ProfitSnapshot{zeroSnapshot(c, end)}, nil
	}
	return snaps, nil
}

// SnapshotJob periodically records a snapshot of every funded pool using
// the manager's price feed.
type SnapshotJob struct {
	manager  *Manager
	interval time.Duration
}

// NewSnapshotJob creates a job that runs every interval.
func NewSnapshotJob(m *Manager, interval time.Duration) *SnapshotJob {
	return &SnapshotJob{manager: m, interval: interval}
}

// Run blocks until ctx is done. Must be called in a goroutine.
func (j *SnapshotJob) Run(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			j.RunOnce(ctx)
		}
	}
}

// RunOnce snapshots every non-empty pool and returns how many were recorded.
// A pool without a price is skipped and reported to the notifier.
func (j *SnapshotJob) RunOnce(ctx context.Context) int {
	m := j.manager
	pools, err := m.ListPools(ctx)
	if err != nil {
		slog.Error("snapshot job: list pools failed", "err", err)
		return 0
	}

	recorded := 0
	for _, p := range pools {
		if p.State() == model.PoolEmpty {
			continue
		}
		price, err := m.CurrentPrice(ctx, p.Coin)
		if err == nil {
			_, err = m.RecordSnapshot(ctx, p.Coin, price)
		}
		if err != nil {
			slog.Warn("snapshot job: pool skipped", "coin", p.Coin, "err", err)
			m.reportFailed(ctx, "", p.Coin, err)
			continue
		}
		recorded++
	}
	slog.Info("snapshot job finished", "pools", len(pools), "recorded", recorded)
	return recorded
}
