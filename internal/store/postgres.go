package store

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"

	"github.com/coinpool/capital-engine/internal/model"
	"github.com/coinpool/capital-engine/internal/position"
)

//go:embed schema.sql
var schemaSQL string

// DB is the subset of *pgxpool.Pool the store uses.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

// PostgresStore implements Store using PostgreSQL as the source of truth.
// Balance changes are conditional single-row updates inside one
// transaction per operation; trades lock the pool row.
type PostgresStore struct {
	db  DB
	now func() time.Time
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(db DB) *PostgresStore {
	return &PostgresStore{db: db, now: time.Now}
}

// Migrate creates the schema if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schemaSQL); err != nil {
		return persistenceErr("migrate", err)
	}
	return nil
}

const (
	upsertUserDepositSQL = `
		INSERT INTO user_balances (user_id, coin, balance, deposits)
		VALUES ($1, $2, $3::NUMERIC, $3::NUMERIC)
		ON CONFLICT (user_id, coin) DO UPDATE
		SET balance    = user_balances.balance + EXCLUDED.balance,
		    deposits   = user_balances.deposits + EXCLUDED.deposits,
		    updated_at = now()
		RETURNING balance::TEXT`

	upsertPoolDepositSQL = `
		INSERT INTO coin_pools (coin, cash_capital, total_deposits)
		VALUES ($1, $2::NUMERIC, $2::NUMERIC)
		ON CONFLICT (coin) DO UPDATE
		SET cash_capital   = coin_pools.cash_capital + EXCLUDED.cash_capital,
		    total_deposits = coin_pools.total_deposits + EXCLUDED.total_deposits,
		    updated_at     = now()`

	// The WHERE clause makes the sufficiency check and the decrement one step.
	withdrawUserSQL = `
		UPDATE user_balances
		SET balance     = balance - $3::NUMERIC,
		    withdrawals = withdrawals + $3::NUMERIC,
		    updated_at  = now()
		WHERE user_id = $1 AND coin = $2 AND balance >= $3::NUMERIC
		RETURNING balance::TEXT`

	withdrawPoolSQL = `
		UPDATE coin_pools
		SET cash_capital      = cash_capital - $2::NUMERIC,
		    total_withdrawals = total_withdrawals + $2::NUMERIC,
		    updated_at        = now()
		WHERE coin = $1 AND cash_capital >= $2::NUMERIC`

	selectPoolSQL = `
		SELECT coin, cash_capital::TEXT, position_quantity::TEXT, position_cost_basis::TEXT,
		       total_deposits::TEXT, total_withdrawals::TEXT, realized_profits::TEXT, updated_at
		FROM coin_pools`

	selectTradesSQL = `
		SELECT id, side, quantity::TEXT, price::TEXT, fee::TEXT, timestamp
		FROM trade_records WHERE coin = $1 ORDER BY timestamp, seq`

	updatePoolSQL = `
		UPDATE coin_pools
		SET cash_capital        = $2::NUMERIC,
		    position_quantity   = $3::NUMERIC,
		    position_cost_basis = $4::NUMERIC,
		    realized_profits    = $5::NUMERIC,
		    updated_at          = $6
		WHERE coin = $1`

	insertTradeSQL = `
		INSERT INTO trade_records (id, coin, side, quantity, price, fee, timestamp)
		VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7)`

	selectUserSQL = `
		SELECT user_id, coin, balance::TEXT, deposits::TEXT, withdrawals::TEXT
		FROM user_balances`
)

func (s *PostgresStore) Deposit(ctx context.Context, userID string, coin model.Coin, amount decimal.Decimal) (decimal.Decimal, error) {
	if err := checkAmount(amount); err != nil {
		return decimal.Zero, err
	}

	var balanceS string
	err := pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		if err := tx.QueryRow(ctx, upsertUserDepositSQL, userID, string(coin), amount.String()).Scan(&balanceS); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, upsertPoolDepositSQL, string(coin), amount.String())
		return err
	})
	if err != nil {
		return decimal.Zero, persistenceErr("deposit", err)
	}
	return parseDecimal(balanceS)
}

func (s *PostgresStore) Withdraw(ctx context.Context, userID string, coin model.Coin, amount decimal.Decimal) (decimal.Decimal, error) {
	if err := checkAmount(amount); err != nil {
		return decimal.Zero, err
	}

	var balanceS string
	err := pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		err := tx.QueryRow(ctx, withdrawUserSQL, userID, string(coin), amount.String()).Scan(&balanceS)
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: requested %s", model.ErrInsufficientFunds, amount)
		}
		if err != nil {
			return err
		}

		tag, err := tx.Exec(ctx, withdrawPoolSQL, string(coin), amount.String())
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			// Rolls back the user decrement above.
			return fmt.Errorf("%w: requested %s", model.ErrInsufficientCash, amount)
		}
		return nil
	})
	if err != nil {
		if isDomainErr(err) {
			return decimal.Zero, err
		}
		return decimal.Zero, persistenceErr("withdraw", err)
	}
	return parseDecimal(balanceS)
}

func (s *PostgresStore) GetUserInvestment(ctx context.Context, userID string, coin model.Coin) (model.UserInvestment, error) {
	rows, err := s.db.Query(ctx, selectUserSQL+` WHERE user_id = $1 AND coin = $2`, userID, string(coin))
	if err != nil {
		return model.UserInvestment{}, persistenceErr("get user investment", err)
	}
	defer rows.Close()

	users, err := scanUsers(rows)
	if err != nil {
		return model.UserInvestment{}, persistenceErr("get user investment", err)
	}
	if len(users) == 0 {
		return model.UserInvestment{UserID: userID, Coin: coin}, nil
	}
	return users[0], nil
}

func (s *PostgresStore) ListUserInvestments(ctx context.Context, coin model.Coin) ([]model.UserInvestment, error) {
	rows, err := s.db.Query(ctx, selectUserSQL+` WHERE coin = $1 ORDER BY user_id`, string(coin))
	if err != nil {
		return nil, persistenceErr("list user investments", err)
	}
	defer rows.Close()

	users, err := scanUsers(rows)
	if err != nil {
		return nil, persistenceErr("list user investments", err)
	}
	return users, nil
}

func (s *PostgresStore) GetPool(ctx context.Context, coin model.Coin) (model.CoinPool, error) {
	var pool model.CoinPool
	err := pgx.BeginTxFunc(ctx, s.db, pgx.TxOptions{AccessMode: pgx.ReadOnly}, func(tx pgx.Tx) error {
		var err error
		pool, err = readPool(ctx, tx, coin, false)
		return err
	})
	if err != nil {
		return model.CoinPool{}, persistenceErr("get pool", err)
	}
	return pool, nil
}

func (s *PostgresStore) ListPools(ctx context.Context) ([]model.CoinPool, error) {
	rows, err := s.db.Query(ctx, `SELECT coin FROM coin_pools ORDER BY coin`)
	if err != nil {
		return nil, persistenceErr("list pools", err)
	}
	coins, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, persistenceErr("list pools", err)
	}

	pools := make([]model.CoinPool, 0, len(coins))
	for _, c := range coins {
		p, err := s.GetPool(ctx, model.Coin(c))
		if err != nil {
			return nil, err
		}
		pools = append(pools, p)
	}
	return pools, nil
}

func (s *PostgresStore) ApplyTrade(ctx context.Context, coin model.Coin, trade model.TradeRecord) (model.CoinPool, error) {
	var result model.CoinPool
	err := pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		// FOR UPDATE serializes concurrent trades on the same pool.
		pool, err := readPool(ctx, tx, coin, true)
		if err != nil {
			return err
		}

		trade := position.Normalize(pool, trade, s.now())
		next, err := position.Apply(pool, trade)
		if err != nil {
			return err
		}
		next.UpdatedAt = s.now().UTC()

		tag, err := tx.Exec(ctx, updatePoolSQL, string(coin),
			next.CashCapital.String(), next.PositionQuantity.String(),
			next.PositionCostBasis.String(), next.RealizedProfits.String(),
			next.UpdatedAt)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("%w: pool %s vanished during trade", model.ErrInvariantViolation, coin)
		}

		if _, err := tx.Exec(ctx, insertTradeSQL, trade.ID, string(coin), string(trade.Side),
			trade.Quantity.String(), trade.Price.String(), trade.Fee.String(), trade.Timestamp); err != nil {
			return err
		}
		result = next
		return nil
	})
	if err != nil {
		if isDomainErr(err) {
			return model.CoinPool{}, err
		}
		return model.CoinPool{}, persistenceErr("apply trade", err)
	}
	return result, nil
}

func (s *PostgresStore) ClearUserBalances(ctx context.Context, coin model.Coin) (int64, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM user_balances WHERE coin = $1`, string(coin))
	if err != nil {
		return 0, persistenceErr("clear user balances", err)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) ClearPool(ctx context.Context, coin model.Coin) error {
	err := pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `DELETE FROM trade_records WHERE coin = $1`, string(coin)); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `DELETE FROM coin_pools WHERE coin = $1`, string(coin))
		return err
	})
	return persistenceErr("clear pool", err)
}

func (s *PostgresStore) DeleteSnapshots(ctx context.Context, coin model.Coin) (int64, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM profit_snapshots WHERE coin = $1`, string(coin))
	if err != nil {
		return 0, persistenceErr("delete snapshots", err)
	}
	return tag.RowsAffected(), nil
}

func (s *PostgresStore) InsertSnapshot(ctx context.Context, snap model.ProfitSnapshot) error {
	if snap.ID == "" {
		snap.ID = uuid.New().String()
	}
	global, err := json.Marshal(snap.Global)
	if err != nil {
		return fmt.Errorf("encode snapshot metrics: %w", err)
	}
	_, err = s.db.Exec(ctx,
		`INSERT INTO profit_snapshots (id, coin, timestamp, price, global)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5)`,
		snap.ID, string(snap.Coin), snap.Timestamp, snap.Price.String(), global)
	return persistenceErr("insert snapshot", err)
}

func (s *PostgresStore) ListSnapshots(ctx context.Context, coin model.Coin, from, to time.Time) ([]model.ProfitSnapshot, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, coin, timestamp, price::TEXT, global
		 FROM profit_snapshots
		 WHERE coin = $1 AND timestamp >= $2 AND timestamp <= $3
		 ORDER BY timestamp`, string(coin), from, to)
	if err != nil {
		return nil, persistenceErr("list snapshots", err)
	}
	defer rows.Close()

	var snaps []model.ProfitSnapshot
	for rows.Next() {
		var snap model.ProfitSnapshot
		var coinS, priceS string
		var global []byte
		if err := rows.Scan(&snap.ID, &coinS, &snap.Timestamp, &priceS, &global); err != nil {
			return nil, persistenceErr("list snapshots", err)
		}
		snap.Coin = model.Coin(coinS)
		if snap.Price, err = parseDecimal(priceS); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(global, &snap.Global); err != nil {
			return nil, persistenceErr("decode snapshot metrics", err)
		}
		snaps = append(snaps, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, persistenceErr("list snapshots", err)
	}
	return snaps, nil
}

func (s *PostgresStore) SetWallet(ctx context.Context, w model.Wallet) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO wallets (user_id, coin, address) VALUES ($1, $2, $3)
		 ON CONFLICT (user_id, coin) DO UPDATE SET address = EXCLUDED.address, updated_at = now()`,
		w.UserID, string(w.Coin), w.Address)
	return persistenceErr("set wallet", err)
}

func (s *PostgresStore) GetWallet(ctx context.Context, userID string, coin model.Coin) (model.Wallet, error) {
	w := model.Wallet{UserID: userID, Coin: coin}
	err := s.db.QueryRow(ctx,
		`SELECT address FROM wallets WHERE user_id = $1 AND coin = $2`,
		userID, string(coin)).Scan(&w.Address)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Wallet{}, fmt.Errorf("wallet %s/%s: %w", userID, coin, model.ErrNotFound)
	}
	if err != nil {
		return model.Wallet{}, persistenceErr("get wallet", err)
	}
	return w, nil
}

// readPool loads the pool row and its trade log. A missing row yields a
// zero-valued pool.
func readPool(ctx context.Context, tx pgx.Tx, coin model.Coin, forUpdate bool) (model.CoinPool, error) {
	q := selectPoolSQL + ` WHERE coin = $1`
	if forUpdate {
		q += ` FOR UPDATE`
	}

	pool := model.CoinPool{Coin: coin}
	var coinS string
	var nums [6]string
	err := tx.QueryRow(ctx, q, string(coin)).Scan(&coinS,
		&nums[0], &nums[1], &nums[2], &nums[3], &nums[4], &nums[5], &pool.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return pool, nil
	}
	if err != nil {
		return pool, err
	}

	dst := []*decimal.Decimal{
		&pool.CashCapital, &pool.PositionQuantity, &pool.PositionCostBasis,
		&pool.TotalDeposits, &pool.TotalWithdrawals, &pool.RealizedProfits,
	}
	for i, s := range nums {
		v, err := parseDecimal(s)
		if err != nil {
			return pool, err
		}
		*dst[i] = v
	}

	rows, err := tx.Query(ctx, selectTradesSQL, string(coin))
	if err != nil {
		return pool, err
	}
	defer rows.Close()
	pool.TradeRecords, err = scanTrades(rows)
	return pool, err
}

// pgxRows is the row iterator shape shared by pgx.Rows and test fakes.
type pgxRows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

func scanTrades(rows pgxRows) ([]model.TradeRecord, error) {
	var trades []model.TradeRecord
	for rows.Next() {
		var t model.TradeRecord
		var side, qtyS, priceS, feeS string
		if err := rows.Scan(&t.ID, &side, &qtyS, &priceS, &feeS, &t.Timestamp); err != nil {
			return nil, err
		}
		t.Side = model.Side(side)

		var err error
		if t.Quantity, err = parseDecimal(qtyS); err != nil {
			return nil, err
		}
		if t.Price, err = parseDecimal(priceS); err != nil {
			return nil, err
		}
		if t.Fee, err = parseDecimal(feeS); err != nil {
			return nil, err
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

func scanUsers(rows pgxRows) ([]model.UserInvestment, error) {
	var users []model.UserInvestment
	for rows.Next() {
		var u model.UserInvestment
		var coinS, balS, depS, wdS string
		if err := rows.Scan(&u.UserID, &coinS, &balS, &depS, &wdS); err != nil {
			return nil, err
		}
		u.Coin = model.Coin(coinS)

		var err error
		if u.Balance, err = parseDecimal(balS); err != nil {
			return nil, err
		}
		if u.Deposits, err = parseDecimal(depS); err != nil {
			return nil, err
		}
		if u.Withdrawals, err = parseDecimal(wdS); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func parseDecimal(s string) (decimal.Decimal, error) {
	v, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: bad numeric %q: %w", model.ErrPersistence, s, err)
	}
	return v, nil
}

// isDomainErr reports whether err is a business rejection rather than a
// storage failure.
func isDomainErr(err error) bool {
	for _, target := range []error{
		model.ErrInvalidAmount, model.ErrInsufficientFunds, model.ErrInsufficientCash,
		model.ErrInsufficientPosition, model.ErrInvalidTrade, model.ErrOutOfOrderTrade,
		model.ErrInvariantViolation, model.ErrNotFound,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}
