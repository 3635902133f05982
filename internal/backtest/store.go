package backtest

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	symbolpkg "autoquant/internal/pkg/symbol"

	_ "modernc.org/sqlite"
)

const (
	defaultQueryLimit = 200
	maxQueryLimit     = 2000
)

// SeriesKey 标识一条缓存序列。同一 symbol@timeframe 在不同数据源下是不同的序列，互不补齐。
type SeriesKey struct {
	Source    string `json:"source"`
	Symbol    string `json:"symbol"`
	Timeframe string `json:"timeframe"`
}

// NewSeriesKey 规范化三元组：source/timeframe 小写，symbol 统一为 FileKey 形式。
func NewSeriesKey(source, symbol, timeframe string) (SeriesKey, error) {
	k := SeriesKey{
		Source:    strings.ToLower(strings.TrimSpace(source)),
		Symbol:    symbolpkg.FileKey(symbol),
		Timeframe: strings.ToLower(strings.TrimSpace(timeframe)),
	}
	if k.Source == "" || strings.TrimSpace(symbol) == "" || k.Timeframe == "" {
		return SeriesKey{}, fmt.Errorf("source/symbol/timeframe 不能为空")
	}
	for _, r := range k.Source {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') && r != '_' && r != '-' {
			return SeriesKey{}, fmt.Errorf("source 名称非法: %q", source)
		}
	}
	// symbol 与 timeframe 都会成为路径的一段
	if strings.ContainsAny(k.Symbol, `/\`) || strings.Contains(k.Symbol, "..") || strings.ContainsAny(k.Timeframe, `/\.`) {
		return SeriesKey{}, fmt.Errorf("序列 key 含非法字符: %s", k)
	}
	return k, nil
}

func (k SeriesKey) String() string {
	return k.Source + ":" + k.Symbol + "@" + k.Timeframe
}

// CandleStore 是 K 线缓存的抽象，SQLite 与 Postgres 各有一份实现。
type CandleStore interface {
	InsertCandles(ctx context.Context, key SeriesKey, candles []Candle) (int, error)
	RangeCandles(ctx context.Context, key SeriesKey, start, end int64) ([]Candle, error)
	QueryCandles(ctx context.Context, key SeriesKey, start, end int64, limit int) ([]Candle, error)
	LoadOpenTimes(ctx context.Context, key SeriesKey, start, end int64) ([]int64, error)
	Manifest(ctx context.Context, key SeriesKey) (Manifest, error)
	Close() error
}

// Manifest 汇总一条序列的覆盖范围与最近同步时间。
type Manifest struct {
	Source     string `json:"source"`
	Symbol     string `json:"symbol"`
	Timeframe  string `json:"timeframe"`
	MinTime    int64  `json:"min_time"`
	MaxTime    int64  `json:"max_time"`
	Rows       int64  `json:"rows"`
	LastSyncAt int64  `json:"last_sync_at"`
	Path       string `json:"path"`
}

// ClampQueryLimit 把 limit 限制在 (0, 2000]，未给出时取 200。
func ClampQueryLimit(limit int) int {
	if limit <= 0 {
		return defaultQueryLimit
	}
	return min(limit, maxQueryLimit)
}

// CandleWindow 描述 QueryCandles 的取数方式：给出 start 时从 start 往后取，
// 只给 end 或都不给时取最近 limit 根（倒序查询，返回前再翻转）。
type CandleWindow struct {
	Start, End int64
	Limit      int
}

// Newest 表示需要倒序读取最近的 K 线。
func (w CandleWindow) Newest() bool { return w.Start <= 0 }

// Normalize 交换颠倒的区间并收紧 limit。
func (w CandleWindow) Normalize() CandleWindow {
	if w.Start > 0 && w.End > 0 && w.End < w.Start {
		w.Start, w.End = w.End, w.Start
	}
	w.Limit = ClampQueryLimit(w.Limit)
	return w
}

// ReverseCandles 原地翻转。
func ReverseCandles(list []Candle) {
	for i, j := 0, len(list)-1; i < j; i, j = i+1, j-1 {
		list[i], list[j] = list[j], list[i]
	}
}

// Store 为每条序列维护一个 SQLite 文件：<root>/<source>/<SYMBOL>/<tf>.db。
type Store struct {
	root string

	mu     sync.Mutex
	series map[SeriesKey]*seriesDB
}

type seriesDB struct {
	*sql.DB
	path string
}

func NewStore(root string) (*Store, error) {
	if strings.TrimSpace(root) == "" {
		return nil, fmt.Errorf("data root 不能为空")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &Store{root: root, series: make(map[SeriesKey]*seriesDB)}, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for key, db := range s.series {
		if err := db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(s.series, key)
	}
	return firstErr
}

// Path 返回序列对应的数据库文件路径。
func (s *Store) Path(key SeriesKey) string {
	return filepath.Join(s.root, key.Source, key.Symbol, key.Timeframe+".db")
}

func (s *Store) open(key SeriesKey) (*seriesDB, error) {
	if key.Source == "" || key.Symbol == "" || key.Timeframe == "" {
		return nil, fmt.Errorf("序列 key 不完整: %s", key)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if db, ok := s.series[key]; ok {
		return db, nil
	}
	path := s.Path(key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	if err := migrateSeries(db, key); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("初始化 %s 失败: %w", key, err)
	}
	sdb := &seriesDB{DB: db, path: path}
	s.series[key] = sdb
	return sdb, nil
}

// migrateSeries 建表并写入序列身份；文件被挪到别的序列下时拒绝打开。
func migrateSeries(db *sql.DB, key SeriesKey) error {
	for _, ddl := range []string{
		`CREATE TABLE IF NOT EXISTS candles (
			open_time  INTEGER PRIMARY KEY,
			close_time INTEGER NOT NULL,
			open       REAL NOT NULL,
			high       REAL NOT NULL,
			low        REAL NOT NULL,
			close      REAL NOT NULL,
			volume     REAL NOT NULL,
			trades     INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS candle_sync (
			id           INTEGER PRIMARY KEY CHECK (id = 1),
			source       TEXT NOT NULL,
			symbol       TEXT NOT NULL,
			timeframe    TEXT NOT NULL,
			last_sync_at INTEGER NOT NULL DEFAULT 0
		)`,
	} {
		if _, err := db.Exec(ddl); err != nil {
			return err
		}
	}
	if _, err := db.Exec(`INSERT INTO candle_sync (id, source, symbol, timeframe) VALUES (1, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`, key.Source, key.Symbol, key.Timeframe); err != nil {
		return err
	}
	var owner SeriesKey
	if err := db.QueryRow(`SELECT source, symbol, timeframe FROM candle_sync WHERE id = 1`).
		Scan(&owner.Source, &owner.Symbol, &owner.Timeframe); err != nil {
		return err
	}
	if owner != key {
		return fmt.Errorf("文件属于序列 %s", owner)
	}
	return nil
}

// InsertCandles 在一个事务内 upsert（重复 open_time 覆盖）并刷新同步时间。
func (s *Store) InsertCandles(ctx context.Context, key SeriesKey, candles []Candle) (int, error) {
	if len(candles) == 0 {
		return 0, nil
	}
	db, err := s.open(key)
	if err != nil {
		return 0, err
	}
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO candles (open_time, close_time, open, high, low, close, volume, trades)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(open_time) DO UPDATE SET
			close_time = excluded.close_time, open = excluded.open, high = excluded.high,
			low = excluded.low, close = excluded.close, volume = excluded.volume, trades = excluded.trades`)
	if err != nil {
		return 0, err
	}
	defer stmt.Close()
	for _, c := range candles {
		if _, err := stmt.ExecContext(ctx, c.OpenTime, c.CloseTime, c.Open, c.High, c.Low, c.Close, c.Volume, c.Trades); err != nil {
			return 0, fmt.Errorf("写入 %s@%d 失败: %w", key, c.OpenTime, err)
		}
	}
	if _, err := tx.ExecContext(ctx, `UPDATE candle_sync SET last_sync_at = ? WHERE id = 1`, time.Now().UnixMilli()); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return len(candles), nil
}

func (s *Store) LoadOpenTimes(ctx context.Context, key SeriesKey, start, end int64) ([]int64, error) {
	db, err := s.open(key)
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx, `SELECT open_time FROM candles WHERE open_time BETWEEN ? AND ? ORDER BY open_time`, start, end)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var ts int64
		if err := rows.Scan(&ts); err != nil {
			return nil, err
		}
		out = append(out, ts)
	}
	return out, rows.Err()
}

// Manifest 现场聚合 candles 表，不依赖额外维护的统计行。
func (s *Store) Manifest(ctx context.Context, key SeriesKey) (Manifest, error) {
	db, err := s.open(key)
	if err != nil {
		return Manifest{}, err
	}
	m := Manifest{Source: key.Source, Symbol: key.Symbol, Timeframe: key.Timeframe, Path: db.path}
	err = db.QueryRowContext(ctx, `
		SELECT COALESCE(MIN(open_time), 0), COALESCE(MAX(open_time), 0), COUNT(1),
		       (SELECT last_sync_at FROM candle_sync WHERE id = 1)
		FROM candles`).Scan(&m.MinTime, &m.MaxTime, &m.Rows, &m.LastSyncAt)
	if err != nil {
		return Manifest{}, err
	}
	return m, nil
}

const sqliteCandleColumns = `open_time, close_time, open, high, low, close, volume, trades`

// QueryCandles 读取一页 K 线，始终按 open_time 升序返回。
func (s *Store) QueryCandles(ctx context.Context, key SeriesKey, start, end int64, limit int) ([]Candle, error) {
	db, err := s.open(key)
	if err != nil {
		return nil, err
	}
	w := CandleWindow{Start: start, End: end, Limit: limit}.Normalize()
	var (
		conds []string
		args  []any
	)
	if w.Start > 0 {
		conds = append(conds, "open_time >= ?")
		args = append(args, w.Start)
	}
	if w.End > 0 {
		conds = append(conds, "open_time <= ?")
		args = append(args, w.End)
	}
	query := `SELECT ` + sqliteCandleColumns + ` FROM candles`
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}
	if w.Newest() {
		query += ` ORDER BY open_time DESC LIMIT ?`
	} else {
		query += ` ORDER BY open_time ASC LIMIT ?`
	}
	args = append(args, w.Limit)

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	list, err := scanCandles(rows, key.Symbol)
	if err != nil {
		return nil, err
	}
	if w.Newest() {
		ReverseCandles(list)
	}
	return list, nil
}

// RangeCandles 返回 [start, end] 内全部 K 线（开盘时间闭区间，升序）。
func (s *Store) RangeCandles(ctx context.Context, key SeriesKey, start, end int64) ([]Candle, error) {
	db, err := s.open(key)
	if err != nil {
		return nil, err
	}
	if start > 0 && end > 0 && end < start {
		start, end = end, start
	}
	if end <= 0 {
		return nil, fmt.Errorf("end 需 > 0")
	}
	rows, err := db.QueryContext(ctx, `SELECT `+sqliteCandleColumns+` FROM candles
		WHERE open_time BETWEEN ? AND ? ORDER BY open_time ASC`, start, end)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanCandles(rows, key.Symbol)
}

func scanCandles(rows *sql.Rows, symbol string) ([]Candle, error) {
	var list []Candle
	for rows.Next() {
		c := Candle{Symbol: symbol}
		if err := rows.Scan(&c.OpenTime, &c.CloseTime, &c.Open, &c.High, &c.Low, &c.Close, &c.Volume, &c.Trades); err != nil {
			return nil, err
		}
		list = append(list, c)
	}
	return list, rows.Err()
}

var _ CandleStore = (*Store)(nil)
