package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"tradeforge/internal/domain"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver.
)

// Compile-time interface checks.
var _ StrategyStore = (*SQLiteStore)(nil)
var _ TradeStore = (*SQLiteStore)(nil)
var _ RunStore = (*SQLiteStore)(nil)

// SQLiteStore implements StrategyStore, TradeStore and RunStore backed
// by a single SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the database at dbPath, enables
// WAL and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("set pragmas: %w", err)
	}
	s := &SQLiteStore{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) migrate() error {
	const schema = `
CREATE TABLE IF NOT EXISTS strategies (
	id              TEXT PRIMARY KEY,
	name            TEXT NOT NULL,
	description     TEXT NOT NULL DEFAULT '',
	symbol          TEXT NOT NULL,
	interval        TEXT NOT NULL,
	rule_set        TEXT NOT NULL,
	stop_loss_pct   REAL NOT NULL DEFAULT 0,
	take_profit_pct REAL NOT NULL DEFAULT 0,
	created_at      INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS trades (
	id          TEXT PRIMARY KEY,
	strategy_id TEXT NOT NULL,
	symbol      TEXT NOT NULL,
	side        TEXT NOT NULL,
	entry_price REAL NOT NULL,
	exit_price  REAL NOT NULL,
	entry_time  INTEGER NOT NULL,
	exit_time   INTEGER NOT NULL,
	quantity    REAL NOT NULL,
	pnl         REAL NOT NULL,
	pnl_percent REAL NOT NULL,
	exit_reason TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_trades_strategy ON trades(strategy_id, exit_time);

CREATE TABLE IF NOT EXISTS runs (
	id             TEXT PRIMARY KEY,
	strategy_id    TEXT NOT NULL,
	symbol         TEXT NOT NULL,
	interval       TEXT NOT NULL,
	status         TEXT NOT NULL,
	open_position  TEXT,
	last_evaluated INTEGER NOT NULL DEFAULT 0,
	message        TEXT NOT NULL DEFAULT ''
);
`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// StrategyStore implementation
// ---------------------------------------------------------------------------

func (s *SQLiteStore) SaveStrategy(ctx context.Context, st domain.Strategy) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO strategies (id, name, description, symbol, interval, rule_set, stop_loss_pct, take_profit_pct, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		st.ID, st.Name, st.Description, st.Symbol, string(st.Interval),
		string(st.RuleSet), st.StopLossPct, st.TakeProfitPct, st.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("save strategy %s: %w", st.ID, err)
	}
	return nil
}

func (s *SQLiteStore) GetStrategy(ctx context.Context, id string) (domain.Strategy, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, description, symbol, interval, rule_set, stop_loss_pct, take_profit_pct, created_at
		FROM strategies WHERE id = ?`, id)
	st, err := scanStrategy(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Strategy{}, fmt.Errorf("strategy %s: %w", id, domain.ErrNotFound)
	}
	return st, err
}

func (s *SQLiteStore) ListStrategies(ctx context.Context) ([]domain.Strategy, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, description, symbol, interval, rule_set, stop_loss_pct, take_profit_pct, created_at
		FROM strategies ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list strategies: %w", err)
	}
	defer rows.Close()

	var out []domain.Strategy
	for rows.Next() {
		st, err := scanStrategy(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DeleteStrategy(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM strategies WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete strategy %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("strategy %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanStrategy(row rowScanner) (domain.Strategy, error) {
	var st domain.Strategy
	var interval, ruleSet string
	var createdMs int64
	err := row.Scan(&st.ID, &st.Name, &st.Description, &st.Symbol, &interval,
		&ruleSet, &st.StopLossPct, &st.TakeProfitPct, &createdMs)
	if err != nil {
		return domain.Strategy{}, err
	}
	st.Interval = domain.Interval(interval)
	st.RuleSet = json.RawMessage(ruleSet)
	st.CreatedAt = time.UnixMilli(createdMs).UTC()
	return st, nil
}

// ---------------------------------------------------------------------------
// TradeStore implementation
// ---------------------------------------------------------------------------

// SaveTrades appends trades in one transaction. Re-saving a trade with
// an existing ID is a no-op, so persisting a rerun's ledger is safe.
func (s *SQLiteStore) SaveTrades(ctx context.Context, trades []domain.Trade) error {
	if len(trades) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("save trades: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO trades (id, strategy_id, symbol, side, entry_price, exit_price, entry_time, exit_time, quantity, pnl, pnl_percent, exit_reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("save trades: %w", err)
	}
	defer stmt.Close()

	for _, t := range trades {
		if _, err := stmt.ExecContext(ctx,
			t.ID, t.StrategyID, t.Symbol, string(t.Side),
			t.EntryPrice, t.ExitPrice, t.EntryTime.UnixMilli(), t.ExitTime.UnixMilli(),
			t.Quantity, t.PnL, t.PnLPercent, string(t.ExitReason),
		); err != nil {
			return fmt.Errorf("save trade %s: %w", t.ID, err)
		}
	}
	return tx.Commit()
}

func (s *SQLiteStore) ListTrades(ctx context.Context, strategyID, symbol string, limit int) ([]domain.Trade, error) {
	if limit <= 0 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, strategy_id, symbol, side, entry_price, exit_price, entry_time, exit_time, quantity, pnl, pnl_percent, exit_reason
		FROM trades
		WHERE (? = '' OR strategy_id = ?) AND (? = '' OR symbol = ?)
		ORDER BY exit_time DESC LIMIT ?`,
		strategyID, strategyID, symbol, symbol, limit)
	if err != nil {
		return nil, fmt.Errorf("list trades: %w", err)
	}
	defer rows.Close()

	var out []domain.Trade
	for rows.Next() {
		var t domain.Trade
		var side, reason string
		var entryMs, exitMs int64
		if err := rows.Scan(&t.ID, &t.StrategyID, &t.Symbol, &side,
			&t.EntryPrice, &t.ExitPrice, &entryMs, &exitMs,
			&t.Quantity, &t.PnL, &t.PnLPercent, &reason); err != nil {
			return nil, err
		}
		t.Side = domain.Side(side)
		t.ExitReason = domain.ExitReason(reason)
		t.EntryTime = time.UnixMilli(entryMs).UTC()
		t.ExitTime = time.UnixMilli(exitMs).UTC()
		out = append(out, t)
	}
	return out, rows.Err()
}

// ---------------------------------------------------------------------------
// RunStore implementation
// ---------------------------------------------------------------------------

func (s *SQLiteStore) SaveRun(ctx context.Context, r domain.RunState) error {
	var position any
	if r.OpenPosition != nil {
		buf, err := json.Marshal(r.OpenPosition)
		if err != nil {
			return fmt.Errorf("save run %s: %w", r.ID, err)
		}
		position = string(buf)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, strategy_id, symbol, interval, status, open_position, last_evaluated, message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			open_position = excluded.open_position,
			last_evaluated = excluded.last_evaluated,
			message = excluded.message`,
		r.ID, r.StrategyID, r.Symbol, string(r.Interval), string(r.Status),
		position, r.LastEvaluated.UnixMilli(), r.Message)
	if err != nil {
		return fmt.Errorf("save run %s: %w", r.ID, err)
	}
	return nil
}

func (s *SQLiteStore) GetRun(ctx context.Context, id string) (domain.RunState, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, strategy_id, symbol, interval, status, open_position, last_evaluated, message
		FROM runs WHERE id = ?`, id)
	r, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.RunState{}, fmt.Errorf("run %s: %w", id, domain.ErrNotFound)
	}
	return r, err
}

func (s *SQLiteStore) ListRuns(ctx context.Context) ([]domain.RunState, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, strategy_id, symbol, interval, status, open_position, last_evaluated, message
		FROM runs ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []domain.RunState
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DeleteRun(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete run %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("run %s: %w", id, domain.ErrNotFound)
	}
	return nil
}

func scanRun(row rowScanner) (domain.RunState, error) {
	var r domain.RunState
	var interval, status string
	var position sql.NullString
	var lastMs int64
	err := row.Scan(&r.ID, &r.StrategyID, &r.Symbol, &interval, &status, &position, &lastMs, &r.Message)
	if err != nil {
		return domain.RunState{}, err
	}
	r.Interval = domain.Interval(interval)
	r.Status = domain.RunStatus(status)
	r.LastEvaluated = time.UnixMilli(lastMs).UTC()
	if position.Valid && position.String != "" {
		var p domain.Position
		if err := json.Unmarshal([]byte(position.String), &p); err != nil {
			return domain.RunState{}, fmt.Errorf("decode run %s position: %w", r.ID, err)
		}
		r.OpenPosition = &p
	}
	return r, nil
}
