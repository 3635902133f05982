package backtest

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"autoquant/internal/market"

	_ "modernc.org/sqlite"
)

// ResultStore 管理 backtest_runs/orders/positions/snapshots/signals 表。
type ResultStore struct {
	mu   sync.Mutex
	db   *sql.DB
	path string
}

func NewResultStore(root string) (*ResultStore, error) {
	if root == "" {
		return nil, fmt.Errorf("result store root 不能为空")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	path := filepath.Join(root, "runs.db")
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if err := ensureResultSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return &ResultStore{db: db, path: path}, nil
}

func (s *ResultStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func ensureResultSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS backtest_runs (
			id TEXT PRIMARY KEY,
			symbol TEXT NOT NULL,
			strategy TEXT NOT NULL,
			status TEXT NOT NULL,
			start_ts INTEGER NOT NULL,
			end_ts INTEGER NOT NULL,
			timeframe TEXT NOT NULL,
			initial_balance REAL NOT NULL,
			final_balance REAL NOT NULL DEFAULT 0,
			profit REAL NOT NULL DEFAULT 0,
			return_pct REAL NOT NULL DEFAULT 0,
			win_rate REAL NOT NULL DEFAULT 0,
			max_drawdown REAL NOT NULL DEFAULT 0,
			orders INTEGER NOT NULL DEFAULT 0,
			positions INTEGER NOT NULL DEFAULT 0,
			config_json TEXT NOT NULL,
			stats_json TEXT,
			message TEXT,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			completed_at INTEGER
		);`,
		`CREATE TABLE IF NOT EXISTS backtest_orders (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			symbol TEXT NOT NULL,
			action TEXT NOT NULL,
			side TEXT NOT NULL,
			type TEXT NOT NULL,
			status TEXT NOT NULL,
			price REAL NOT NULL,
			ref_price REAL NOT NULL,
			quantity REAL NOT NULL,
			notional REAL NOT NULL,
			fee REAL NOT NULL,
			slippage REAL NOT NULL DEFAULT 0,
			reason TEXT,
			executed_at INTEGER NOT NULL,
			FOREIGN KEY(run_id) REFERENCES backtest_runs(id) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS backtest_positions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			symbol TEXT NOT NULL,
			side TEXT NOT NULL,
			entry_order_id TEXT,
			exit_order_id TEXT,
			entry_price REAL,
			exit_price REAL,
			quantity REAL,
			pnl REAL,
			pnl_pct REAL,
			holding_ms INTEGER,
			exit_reason TEXT,
			opened_at INTEGER,
			closed_at INTEGER,
			FOREIGN KEY(run_id) REFERENCES backtest_runs(id) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS backtest_snapshots (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			ts INTEGER NOT NULL,
			equity REAL NOT NULL,
			balance REAL NOT NULL,
			drawdown REAL NOT NULL,
			exposure REAL NOT NULL,
			price REAL NOT NULL DEFAULT 0,
			note TEXT,
			FOREIGN KEY(run_id) REFERENCES backtest_runs(id) ON DELETE CASCADE
		);`,
		`CREATE TABLE IF NOT EXISTS backtest_signals (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			symbol TEXT NOT NULL,
			ts INTEGER NOT NULL,
			direction TEXT NOT NULL,
			price REAL NOT NULL,
			reason TEXT,
			executed INTEGER NOT NULL DEFAULT 0,
			note TEXT,
			FOREIGN KEY(run_id) REFERENCES backtest_runs(id) ON DELETE CASCADE
		);`,
		`CREATE INDEX IF NOT EXISTS idx_orders_run ON backtest_orders(run_id, executed_at);`,
		`CREATE INDEX IF NOT EXISTS idx_positions_run ON backtest_positions(run_id);`,
		`CREATE INDEX IF NOT EXISTS idx_snapshots_run ON backtest_snapshots(run_id);`,
		`CREATE INDEX IF NOT EXISTS idx_signals_run ON backtest_signals(run_id, ts);`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return addColumnIfMissing(db, "backtest_runs", "chart_path", "TEXT")
}

// InsertRun 写入一条 run 记录。
func (s *ResultStore) InsertRun(ctx context.Context, run Run) error {
	cfgJSON, err := run.MarshalConfig()
	if err != nil {
		return err
	}
	statsJSON, err := run.MarshalStats()
	if err != nil {
		return err
	}
	now := time.Now().UnixMilli()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO backtest_runs
			(id, symbol, strategy, status, start_ts, end_ts, timeframe, initial_balance,
			final_balance, profit, return_pct, win_rate, max_drawdown, orders, positions,
			config_json, stats_json, message, created_at, updated_at, completed_at, chart_path)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Symbol, run.Strategy, run.Status, run.StartTS, run.EndTS, run.Timeframe,
		run.InitialBalance, run.FinalBalance, run.Stats.Profit, run.Stats.ReturnPct, run.Stats.WinRate,
		run.Stats.MaxDrawdownPct, run.Orders, run.Positions, string(cfgJSON), bytesOrNil(statsJSON),
		run.Message, now, now, nullableTime(run.CompletedAt), nullIfEmpty(run.ChartPath))
	return err
}

func bytesOrNil(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

func nullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UnixMilli()
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// UpdateRunSummary 更新状态、指标。
func (s *ResultStore) UpdateRunSummary(ctx context.Context, id string, status string, stats RunStats, message string) error {
	statsJSON, err := json.Marshal(stats)
	if err != nil {
		return err
	}
	now := time.Now().UnixMilli()
	var completed any
	if status == RunStatusDone || status == RunStatusFailed {
		completed = now
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE backtest_runs
		SET status=?, final_balance=?, profit=?, return_pct=?, win_rate=?, max_drawdown=?,
		    orders=?, positions=?, stats_json=?, message=?, updated_at=?,
		    completed_at=CASE WHEN ? IS NULL THEN completed_at ELSE ? END
		WHERE id=?`,
		status, stats.FinalBalance, stats.Profit, stats.ReturnPct, stats.WinRate,
		stats.MaxDrawdownPct, stats.Orders, stats.Positions, string(statsJSON), message, now,
		completed, completed, id)
	return err
}

// UpdateRunStatus 仅更新状态与提示。
func (s *ResultStore) UpdateRunStatus(ctx context.Context, id, status, message string) error {
	now := time.Now().UnixMilli()
	var completed any
	if status == RunStatusDone || status == RunStatusFailed {
		completed = now
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE backtest_runs
		SET status=?, message=?, updated_at=?, completed_at=CASE WHEN ? IS NULL THEN completed_at ELSE ? END
		WHERE id=?`, status, message, now, completed, completed, id)
	return err
}

// SetChartPath 记录图表文件位置。
func (s *ResultStore) SetChartPath(ctx context.Context, id, path string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE backtest_runs SET chart_path=?, updated_at=? WHERE id=?`,
		path, time.Now().UnixMilli(), id)
	return err
}

func (s *ResultStore) InsertOrder(ctx context.Context, order Order) error {
	if order.ID == "" {
		return fmt.Errorf("order id 不能为空")
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO backtest_orders
			(id, run_id, symbol, action, side, type, status, price, ref_price, quantity,
			 notional, fee, slippage, reason, executed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		order.ID, order.RunID, order.Symbol, order.Action, order.Side, order.Type, string(order.Status),
		order.Price, order.RefPrice, order.Quantity, order.Notional, order.Fee, order.Slippage,
		order.Reason, order.ExecutedAt.UnixMilli())
	if err != nil {
		return err
	}
	if order.Filled() {
		_, _ = s.db.ExecContext(ctx, `UPDATE backtest_runs SET orders=orders+1 WHERE id=?`, order.RunID)
	}
	return nil
}

func (s *ResultStore) InsertPosition(ctx context.Context, pos *Position) (int64, error) {
	if pos == nil {
		return 0, fmt.Errorf("position 不能为空")
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO backtest_positions
			(run_id, symbol, side, entry_order_id, exit_order_id, entry_price, exit_price,
			 quantity, pnl, pnl_pct, holding_ms, exit_reason, opened_at, closed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		pos.RunID, pos.Symbol, pos.Side, pos.EntryOrderID, pos.ExitOrderID, pos.EntryPrice,
		pos.ExitPrice, pos.Quantity, pos.PnL, pos.PnLPct, pos.HoldingMs, pos.ExitReason,
		pos.OpenedAt.UnixMilli(), pos.ClosedAt.UnixMilli())
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err == nil {
		pos.ID = id
	}
	_, _ = s.db.ExecContext(ctx, `UPDATE backtest_runs SET positions=positions+1 WHERE id=?`, pos.RunID)
	return id, err
}

// InsertSnapshots 在一个事务内写入一批快照。
func (s *ResultStore) InsertSnapshots(ctx context.Context, snaps []Snapshot) error {
	if len(snaps) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO backtest_snapshots
			(run_id, ts, equity, balance, drawdown, exposure, price, note)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, snap := range snaps {
		if _, err := stmt.ExecContext(ctx, snap.RunID, snap.TS, snap.Equity, snap.Balance,
			snap.Drawdown, snap.Exposure, snap.Price, snap.Note); err != nil {
			return fmt.Errorf("写入快照 %d 失败: %w", snap.TS, err)
		}
	}
	return tx.Commit()
}

func (s *ResultStore) InsertSignal(ctx context.Context, sig SignalRecord) (int64, error) {
	executed := 0
	if sig.Executed {
		executed = 1
	}
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO backtest_signals
			(run_id, symbol, ts, direction, price, reason, executed, note)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sig.RunID, sig.Symbol, sig.Time, string(sig.Direction), sig.Price, sig.Reason, executed, sig.Note)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

const runColumns = `id, symbol, strategy, status, start_ts, end_ts, timeframe, initial_balance,
		       final_balance, profit, return_pct, win_rate, max_drawdown, orders, positions,
		       config_json, stats_json, message, created_at, updated_at, completed_at, chart_path`

func (s *ResultStore) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+runColumns+`
		FROM backtest_runs
		ORDER BY created_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, run)
	}
	return list, rows.Err()
}

// GetRun 读取单个 run，不存在时返回 ErrRunNotFound。
func (s *ResultStore) GetRun(ctx context.Context, id string) (Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM backtest_runs WHERE id=?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return run, err
}

func (s *ResultStore) ListOrders(ctx context.Context, runID string, limit int) ([]Order, error) {
	if limit <= 0 || limit > 2000 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, symbol, action, side, type, status, price, ref_price, quantity, notional,
		       fee, slippage, reason, executed_at
		FROM backtest_orders
		WHERE run_id=?
		ORDER BY executed_at ASC, rowid ASC
		LIMIT ?`, runID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Order
	for rows.Next() {
		var ord Order
		var status string
		var reason sql.NullString
		var executedAt int64
		if err := rows.Scan(&ord.ID, &ord.Symbol, &ord.Action, &ord.Side, &ord.Type, &status,
			&ord.Price, &ord.RefPrice, &ord.Quantity, &ord.Notional, &ord.Fee, &ord.Slippage,
			&reason, &executedAt); err != nil {
			return nil, err
		}
		ord.RunID = runID
		ord.Status = OrderStatus(status)
		ord.Reason = reason.String
		ord.ExecutedAt = timeFromMillis(executedAt)
		out = append(out, ord)
	}
	return out, rows.Err()
}

func (s *ResultStore) ListPositions(ctx context.Context, runID string, limit int) ([]Position, error) {
	if limit <= 0 || limit > 2000 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, symbol, side, entry_order_id, exit_order_id, entry_price, exit_price,
		       quantity, pnl, pnl_pct, holding_ms, exit_reason, opened_at, closed_at
		FROM backtest_positions
		WHERE run_id=?
		ORDER BY id ASC
		LIMIT ?`, runID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Position
	for rows.Next() {
		var pos Position
		var openedAt, closedAt int64
		var reason sql.NullString
		if err := rows.Scan(&pos.ID, &pos.Symbol, &pos.Side, &pos.EntryOrderID, &pos.ExitOrderID,
			&pos.EntryPrice, &pos.ExitPrice, &pos.Quantity, &pos.PnL, &pos.PnLPct,
			&pos.HoldingMs, &reason, &openedAt, &closedAt); err != nil {
			return nil, err
		}
		pos.RunID = runID
		pos.ExitReason = reason.String
		pos.OpenedAt = timeFromMillis(openedAt)
		pos.ClosedAt = timeFromMillis(closedAt)
		out = append(out, pos)
	}
	return out, rows.Err()
}

func (s *ResultStore) ListSnapshots(ctx context.Context, runID string, limit int) ([]Snapshot, error) {
	if limit <= 0 || limit > 100000 {
		limit = 5000
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, ts, equity, balance, drawdown, exposure, price, note
		FROM backtest_snapshots
		WHERE run_id=?
		ORDER BY ts ASC
		LIMIT ?`, runID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Snapshot
	for rows.Next() {
		var snap Snapshot
		var note sql.NullString
		if err := rows.Scan(&snap.ID, &snap.TS, &snap.Equity, &snap.Balance, &snap.Drawdown, &snap.Exposure, &snap.Price, &note); err != nil {
			return nil, err
		}
		snap.RunID = runID
		snap.Note = note.String
		out = append(out, snap)
	}
	return out, rows.Err()
}

func (s *ResultStore) ListSignals(ctx context.Context, runID string, limit int) ([]SignalRecord, error) {
	if limit <= 0 || limit > 2000 {
		limit = 500
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, symbol, ts, direction, price, reason, executed, note
		FROM backtest_signals
		WHERE run_id=?
		ORDER BY ts ASC, id ASC
		LIMIT ?`, runID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []SignalRecord
	for rows.Next() {
		var sig SignalRecord
		var direction string
		var reason, note sql.NullString
		var executed int
		if err := rows.Scan(&sig.ID, &sig.Symbol, &sig.Time, &direction, &sig.Price, &reason, &executed, &note); err != nil {
			return nil, err
		}
		sig.RunID = runID
		sig.Direction = market.Direction(direction)
		sig.Reason = reason.String
		sig.Executed = executed == 1
		sig.Note = note.String
		out = append(out, sig)
	}
	return out, rows.Err()
}

func addColumnIfMissing(db *sql.DB, table, column, typ string) error {
	exists, err := columnExists(db, table, column)
	if err != nil || exists {
		return err
	}
	stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, typ)
	_, err = db.Exec(stmt)
	return err
}

func columnExists(db *sql.DB, table, column string) (bool, error) {
	query := fmt.Sprintf("SELECT COUNT(1) FROM pragma_table_info('%s') WHERE name='%s'", table, column)
	var cnt int
	if err := db.QueryRow(query).Scan(&cnt); err != nil {
		return false, err
	}
	return cnt > 0, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (Run, error) {
	var run Run
	var cfgStr string
	var statsStr, message, chartPath sql.NullString
	var createdAt, updatedAt int64
	var completedAt sql.NullInt64
	if err := row.Scan(&run.ID, &run.Symbol, &run.Strategy, &run.Status,
		&run.StartTS, &run.EndTS, &run.Timeframe, &run.InitialBalance,
		&run.FinalBalance, &run.Profit, &run.ReturnPct, &run.WinRate, &run.MaxDrawdownPct,
		&run.Orders, &run.Positions, &cfgStr, &statsStr, &message, &createdAt, &updatedAt,
		&completedAt, &chartPath); err != nil {
		return Run{}, err
	}
	run.Message = message.String
	run.ChartPath = chartPath.String
	run.CreatedAt = timeFromMillis(createdAt)
	run.UpdatedAt = timeFromMillis(updatedAt)
	if completedAt.Valid {
		run.CompletedAt = timeFromMillis(completedAt.Int64)
	}
	if err := json.Unmarshal([]byte(cfgStr), &run.Config); err != nil {
		return Run{}, err
	}
	if statsStr.Valid && statsStr.String != "" {
		if err := json.Unmarshal([]byte(statsStr.String), &run.Stats); err != nil {
			return Run{}, err
		}
	}
	return run, nil
}

func timeFromMillis(ms int64) time.Time {
	if ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
