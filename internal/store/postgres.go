package store

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/prokazin/telegram-trading-game/internal/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate applies embedded SQL migrations in lexicographic order and records
// each one in schema_migrations.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	const createTracker = `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			filename TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);`
	if _, err := s.pool.Exec(ctx, createTracker); err != nil {
		return fmt.Errorf("postgres: create schema_migrations table: %w", err)
	}

	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("postgres: read migrations dir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		var applied bool
		if err := s.pool.QueryRow(ctx,
			`SELECT EXISTS(SELECT 1 FROM schema_migrations WHERE filename = $1)`,
			entry.Name()).Scan(&applied); err != nil {
			return fmt.Errorf("postgres: check migration %s: %w", entry.Name(), err)
		}
		if applied {
			continue
		}

		data, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("postgres: read migration %s: %w", entry.Name(), err)
		}

		err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
			if _, err := tx.Exec(ctx, string(data)); err != nil {
				return err
			}
			_, err := tx.Exec(ctx, `INSERT INTO schema_migrations (filename) VALUES ($1)`, entry.Name())
			return err
		})
		if err != nil {
			return fmt.Errorf("postgres: apply migration %s: %w", entry.Name(), err)
		}
	}
	return nil
}

// --- Users ---

const userCols = `id, balance::TEXT, total_profit::TEXT, total_trades, winning_trades,
	win_rate::TEXT, rank, created_at, last_active`

func (s *PostgresStore) CreateUser(ctx context.Context, u *model.User, opening *model.Transaction) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`INSERT INTO users (id, balance, total_profit, total_trades, winning_trades, win_rate, rank, created_at, last_active)
			 VALUES ($1, $2::NUMERIC, $3::NUMERIC, $4, $5, $6::NUMERIC, $7, $8, $9)
			 ON CONFLICT (id) DO NOTHING`,
			u.ID, u.Balance.String(), u.TotalProfit.String(), u.TotalTrades, u.WinningTrades,
			u.WinRate.String(), u.Rank, u.CreatedAt, u.LastActive,
		)
		if err != nil {
			return fmt.Errorf("create user %s: %w", u.ID, err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("user %s: %w", u.ID, model.ErrAlreadyExists)
		}
		if opening == nil {
			return nil
		}
		return insertTransaction(ctx, tx, opening)
	})
}

func (s *PostgresStore) GetUser(ctx context.Context, id string) (*model.User, error) {
	u, err := scanUser(s.pool.QueryRow(ctx, `SELECT `+userCols+` FROM users WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "user", id)
	}
	return u, nil
}

func (s *PostgresStore) ListUsers(ctx context.Context) ([]model.User, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+userCols+` FROM users ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []model.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, *u)
	}
	return users, rows.Err()
}

func (s *PostgresStore) UpdateRanks(ctx context.Context, ranks map[string]int) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `UPDATE users SET rank = 0 WHERE rank <> 0`); err != nil {
			return fmt.Errorf("reset ranks: %w", err)
		}
		batch := &pgx.Batch{}
		for id, rank := range ranks {
			batch.Queue(`UPDATE users SET rank = $2 WHERE id = $1`, id, rank)
		}
		return tx.SendBatch(ctx, batch).Close()
	})
}

func (s *PostgresStore) Stats(ctx context.Context, activeSince time.Time) (*model.Stats, error) {
	st := &model.Stats{ActiveSince: activeSince}
	var profit, balance, winRate string
	err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE last_active >= $1),
		       COALESCE(SUM(total_profit), 0)::TEXT,
		       COALESCE(AVG(balance), 0)::TEXT,
		       COALESCE(AVG(win_rate), 0)::TEXT
		FROM users`, activeSince,
	).Scan(&st.TotalUsers, &st.ActiveUsers, &profit, &balance, &winRate)
	if err != nil {
		return nil, fmt.Errorf("user stats: %w", err)
	}

	var volume, leverage string
	err = s.pool.QueryRow(ctx, `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE is_open),
		       COALESCE(SUM(amount * entry_price * leverage) FILTER (WHERE NOT is_open), 0)::TEXT,
		       COALESCE(AVG(leverage) FILTER (WHERE is_open), 0)::TEXT
		FROM positions`,
	).Scan(&st.TotalPositions, &st.OpenPositions, &volume, &leverage)
	if err != nil {
		return nil, fmt.Errorf("position stats: %w", err)
	}

	st.TotalProfit, _ = decimal.NewFromString(profit)
	st.ClosedVolume, _ = decimal.NewFromString(volume)
	avgBalance, _ := decimal.NewFromString(balance)
	avgWinRate, _ := decimal.NewFromString(winRate)
	avgLeverage, _ := decimal.NewFromString(leverage)
	st.AverageBalance = avgBalance.Round(2)
	st.AverageWinRate = avgWinRate.Round(2)
	st.AverageOpenLeverage = avgLeverage.Round(2)
	return st, nil
}

// --- Positions ---

const positionCols = `id, user_id, symbol, side, entry_price::TEXT, current_price::TEXT,
	amount::TEXT, leverage, margin::TEXT, liquidation_price::TEXT,
	unrealized_pnl::TEXT, realized_pnl::TEXT, stop_loss::TEXT, take_profit::TEXT,
	is_open, close_reason, opened_at, closed_at`

func (s *PostgresStore) GetPosition(ctx context.Context, id string) (*model.Position, error) {
	p, err := scanPosition(s.pool.QueryRow(ctx, `SELECT `+positionCols+` FROM positions WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "position", id)
	}
	return p, nil
}

func (s *PostgresStore) ListOpenPositions(ctx context.Context) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionCols+` FROM positions WHERE is_open ORDER BY opened_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPositions(rows)
}

func (s *PostgresStore) ListUserPositions(ctx context.Context, userID string, openOnly bool) ([]model.Position, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+positionCols+` FROM positions
		 WHERE user_id = $1 AND (is_open OR NOT $2)
		 ORDER BY opened_at DESC`, userID, openOnly)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPositions(rows)
}

// MarkPositions sends every update in one round trip. The is_open predicate
// keeps a concurrent close from being overwritten.
func (s *PostgresStore) MarkPositions(ctx context.Context, marks []model.Mark) error {
	if len(marks) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, m := range marks {
		batch.Queue(
			`UPDATE positions SET current_price = $2::NUMERIC, unrealized_pnl = $3::NUMERIC
			 WHERE id = $1 AND is_open`,
			m.PositionID, m.CurrentPrice.String(), m.UnrealizedPnL.String())
	}
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("mark positions: %w", err)
	}
	return nil
}

func (s *PostgresStore) PurgeClosedPositions(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`DELETE FROM positions WHERE NOT is_open AND closed_at < $1 RETURNING id`, cutoff)
	if err != nil {
		return nil, err
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("purge closed positions: %w", err)
	}
	sort.Strings(ids)
	return ids, nil
}

// --- Ledger ---

const transactionCols = `seq, id, user_id, kind, amount::TEXT, balance_before::TEXT,
	balance_after::TEXT, details, created_at`

func (s *PostgresStore) ListTransactions(ctx context.Context, userID string) ([]model.Transaction, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+transactionCols+` FROM transactions WHERE user_id = $1 ORDER BY seq`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []model.Transaction
	for rows.Next() {
		e, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

// WithinUserTx locks the user row FOR UPDATE for the life of the
// transaction. Concurrent callers for the same user queue on that lock.
func (s *PostgresStore) WithinUserTx(ctx context.Context, userID string, fn func(ctx context.Context, tx Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("postgres: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var id string
	if err := tx.QueryRow(ctx, `SELECT id FROM users WHERE id = $1 FOR UPDATE`, userID).Scan(&id); err != nil {
		return notFound(err, "user", userID)
	}

	if err := fn(ctx, &pgTx{tx: tx, userID: userID}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit: %w", err)
	}
	return nil
}

// pgTx implements Tx over an open pgx transaction.
type pgTx struct {
	tx     pgx.Tx
	userID string
}

func (t *pgTx) GetUser(ctx context.Context, id string) (*model.User, error) {
	u, err := scanUser(t.tx.QueryRow(ctx, `SELECT `+userCols+` FROM users WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		return nil, notFound(err, "user", id)
	}
	return u, nil
}

func (t *pgTx) SaveUser(ctx context.Context, u *model.User) error {
	_, err := t.tx.Exec(ctx,
		`UPDATE users
		 SET balance = $2::NUMERIC, total_profit = $3::NUMERIC, total_trades = $4,
		     winning_trades = $5, win_rate = $6::NUMERIC, last_active = $7
		 WHERE id = $1`,
		u.ID, u.Balance.String(), u.TotalProfit.String(), u.TotalTrades,
		u.WinningTrades, u.WinRate.String(), u.LastActive,
	)
	if err != nil {
		return fmt.Errorf("save user %s: %w", u.ID, err)
	}
	return nil
}

func (t *pgTx) CountOpenPositions(ctx context.Context, userID string) (int, error) {
	var n int
	err := t.tx.QueryRow(ctx,
		`SELECT COUNT(*) FROM positions WHERE user_id = $1 AND is_open`, userID).Scan(&n)
	return n, err
}

func (t *pgTx) GetPosition(ctx context.Context, id string) (*model.Position, error) {
	p, err := scanPosition(t.tx.QueryRow(ctx, `SELECT `+positionCols+` FROM positions WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err, "position", id)
	}
	return p, nil
}

func (t *pgTx) InsertPosition(ctx context.Context, p *model.Position) error {
	_, err := t.tx.Exec(ctx,
		`INSERT INTO positions (id, user_id, symbol, side, entry_price, current_price, amount, leverage,
		                        margin, liquidation_price, unrealized_pnl, realized_pnl,
		                        stop_loss, take_profit, is_open, close_reason, opened_at, closed_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6::NUMERIC, $7::NUMERIC, $8,
		         $9::NUMERIC, $10::NUMERIC, $11::NUMERIC, $12::NUMERIC,
		         $13::NUMERIC, $14::NUMERIC, $15, $16, $17, $18)`,
		p.ID, p.UserID, p.Symbol, string(p.Side), p.EntryPrice.String(), p.CurrentPrice.String(),
		p.Amount.String(), p.Leverage, p.Margin.String(), p.LiquidationPrice.String(),
		p.UnrealizedPnL.String(), p.RealizedPnL.String(),
		nullableDecimal(p.StopLoss), nullableDecimal(p.TakeProfit),
		p.IsOpen, string(p.CloseReason), p.OpenedAt, p.ClosedAt,
	)
	if err != nil {
		return fmt.Errorf("insert position %s: %w", p.ID, err)
	}
	return nil
}

// ClosePosition is a compare-and-set on is_open. The RETURNING row is absent
// when another transaction closed the position first.
func (t *pgTx) ClosePosition(ctx context.Context, c model.PositionClose) (bool, error) {
	var id string
	err := t.tx.QueryRow(ctx,
		`UPDATE positions
		 SET is_open = FALSE, current_price = $2::NUMERIC, realized_pnl = $3::NUMERIC,
		     unrealized_pnl = 0, close_reason = $4, closed_at = $5
		 WHERE id = $1 AND is_open
		 RETURNING id`,
		c.PositionID, c.CurrentPrice.String(), c.RealizedPnL.String(), string(c.Reason), c.ClosedAt,
	).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("close position %s: %w", c.PositionID, err)
	}
	return true, nil
}

func (t *pgTx) LastTransaction(ctx context.Context, userID string) (*model.Transaction, error) {
	e, err := scanTransaction(t.tx.QueryRow(ctx,
		`SELECT `+transactionCols+` FROM transactions WHERE user_id = $1 ORDER BY seq DESC LIMIT 1`, userID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return e, err
}

func (t *pgTx) AppendTransaction(ctx context.Context, e *model.Transaction) error {
	return insertTransaction(ctx, t.tx, e)
}

// --- Scanning helpers ---

func insertTransaction(ctx context.Context, tx pgx.Tx, e *model.Transaction) error {
	details, err := json.Marshal(e.Details)
	if err != nil {
		return fmt.Errorf("marshal details: %w", err)
	}
	if e.Details == nil {
		details = []byte("{}")
	}
	err = tx.QueryRow(ctx,
		`INSERT INTO transactions (id, user_id, kind, amount, balance_before, balance_after, details, created_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7, $8)
		 RETURNING seq`,
		e.ID, e.UserID, string(e.Kind), e.Amount.String(), e.BalanceBefore.String(),
		e.BalanceAfter.String(), details, e.CreatedAt,
	).Scan(&e.Seq)
	if err != nil {
		return fmt.Errorf("insert transaction %s: %w", e.ID, err)
	}
	return nil
}

func scanUser(row pgx.Row) (*model.User, error) {
	var u model.User
	var balance, profit, winRate string
	if err := row.Scan(&u.ID, &balance, &profit, &u.TotalTrades, &u.WinningTrades,
		&winRate, &u.Rank, &u.CreatedAt, &u.LastActive); err != nil {
		return nil, err
	}
	u.Balance, _ = decimal.NewFromString(balance)
	u.TotalProfit, _ = decimal.NewFromString(profit)
	u.WinRate, _ = decimal.NewFromString(winRate)
	return &u, nil
}

func scanPosition(row pgx.Row) (*model.Position, error) {
	var p model.Position
	var side, reason string
	var entry, current, amount, margin, liq, upnl, rpnl string
	var sl, tp *string
	if err := row.Scan(&p.ID, &p.UserID, &p.Symbol, &side, &entry, &current,
		&amount, &p.Leverage, &margin, &liq,
		&upnl, &rpnl, &sl, &tp,
		&p.IsOpen, &reason, &p.OpenedAt, &p.ClosedAt); err != nil {
		return nil, err
	}
	p.Side = model.Side(side)
	p.CloseReason = model.CloseReason(reason)
	p.EntryPrice, _ = decimal.NewFromString(entry)
	p.CurrentPrice, _ = decimal.NewFromString(current)
	p.Amount, _ = decimal.NewFromString(amount)
	p.Margin, _ = decimal.NewFromString(margin)
	p.LiquidationPrice, _ = decimal.NewFromString(liq)
	p.UnrealizedPnL, _ = decimal.NewFromString(upnl)
	p.RealizedPnL, _ = decimal.NewFromString(rpnl)
	p.StopLoss = parseNullableDecimal(sl)
	p.TakeProfit = parseNullableDecimal(tp)
	return &p, nil
}

func scanPositions(rows pgx.Rows) ([]model.Position, error) {
	var positions []model.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, *p)
	}
	return positions, rows.Err()
}

func scanTransaction(row pgx.Row) (*model.Transaction, error) {
	var e model.Transaction
	var kind, amount, before, after string
	var details []byte
	if err := row.Scan(&e.Seq, &e.ID, &e.UserID, &kind, &amount, &before, &after, &details, &e.CreatedAt); err != nil {
		return nil, err
	}
	e.Kind = model.TxKind(kind)
	e.Amount, _ = decimal.NewFromString(amount)
	e.BalanceBefore, _ = decimal.NewFromString(before)
	e.BalanceAfter, _ = decimal.NewFromString(after)
	if len(details) > 0 {
		_ = json.Unmarshal(details, &e.Details)
	}
	return &e, nil
}

func nullableDecimal(v *decimal.Decimal) *string {
	if v == nil {
		return nil
	}
	s := v.String()
	return &s
}

func parseNullableDecimal(s *string) *decimal.Decimal {
	if s == nil {
		return nil
	}
	v, err := decimal.NewFromString(*s)
	if err != nil {
		return nil
	}
	return &v
}

func notFound(err error, kind, id string) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s %s: %w", kind, id, model.ErrNotFound)
	}
	return fmt.Errorf("get %s %s: %w", kind, id, err)
}
