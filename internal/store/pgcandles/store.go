// Package pgcandles 提供基于 PostgreSQL 的 K 线缓存，与 SQLite 版共享 backtest.CandleStore 接口。
package pgcandles

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"autoquant/internal/backtest"
	"autoquant/internal/logger"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const insertChunk = 500

// candles 以 (source, symbol, timeframe, open_time) 为主键，不同数据源的同名序列互不覆盖。
const schemaSQL = `
CREATE TABLE IF NOT EXISTS candles (
	source      TEXT             NOT NULL,
	symbol      TEXT             NOT NULL,
	timeframe   TEXT             NOT NULL,
	open_time   BIGINT           NOT NULL,
	close_time  BIGINT           NOT NULL,
	open        DOUBLE PRECISION NOT NULL,
	high        DOUBLE PRECISION NOT NULL,
	low         DOUBLE PRECISION NOT NULL,
	close       DOUBLE PRECISION NOT NULL,
	volume      DOUBLE PRECISION NOT NULL,
	trades      BIGINT           NOT NULL DEFAULT 0,
	inserted_at TIMESTAMPTZ      NOT NULL DEFAULT now(),
	PRIMARY KEY (source, symbol, timeframe, open_time)
);
CREATE TABLE IF NOT EXISTS candle_sync (
	source       TEXT   NOT NULL,
	symbol       TEXT   NOT NULL,
	timeframe    TEXT   NOT NULL,
	last_sync_at BIGINT NOT NULL,
	PRIMARY KEY (source, symbol, timeframe)
);`

const upsertSQL = `
INSERT INTO candles (source, symbol, timeframe, open_time, close_time, open, high, low, close, volume, trades)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
ON CONFLICT (source, symbol, timeframe, open_time) DO UPDATE SET
	close_time = EXCLUDED.close_time,
	open       = EXCLUDED.open,
	high       = EXCLUDED.high,
	low        = EXCLUDED.low,
	close      = EXCLUDED.close,
	volume     = EXCLUDED.volume,
	trades     = EXCLUDED.trades`

const candleColumns = `open_time, close_time, open, high, low, close, volume, trades`

const seriesFilter = `source = $1 AND symbol = $2 AND timeframe = $3`

var _ backtest.CandleStore = (*Store)(nil)

// Store 所有序列共用一张 candles 表。
type Store struct {
	pool *pgxpool.Pool
	dsn  string
	log  logger.Component
}

// Open 建立连接池、探活并建表。
func Open(ctx context.Context, dsn string, maxConns int) (*Store, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("postgres dsn 不能为空")
	}
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if maxConns > 0 {
		poolCfg.MaxConns = int32(maxConns)
	}
	poolCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ensure candles schema: %w", err)
	}
	s := &Store{pool: pool, dsn: redactDSN(poolCfg.ConnConfig), log: logger.Named("pgcandles")}
	s.log.Infof("已连接 %s (max_conns=%d)", s.dsn, poolCfg.MaxConns)
	return s, nil
}

func (s *Store) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

// InsertCandles 分批 upsert，重复 open_time 覆盖旧值。
func (s *Store) InsertCandles(ctx context.Context, key backtest.SeriesKey, candles []backtest.Candle) (int, error) {
	if len(candles) == 0 {
		return 0, nil
	}
	if err := checkKey(key); err != nil {
		return 0, err
	}
	count := 0
	for from := 0; from < len(candles); from += insertChunk {
		to := min(from+insertChunk, len(candles))
		n, err := s.sendBatch(ctx, key, candles[from:to])
		count += n
		if err != nil {
			return count, err
		}
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO candle_sync (source, symbol, timeframe, last_sync_at) VALUES ($1, $2, $3, $4)
		ON CONFLICT (source, symbol, timeframe) DO UPDATE SET last_sync_at = EXCLUDED.last_sync_at`,
		key.Source, key.Symbol, key.Timeframe, time.Now().UnixMilli())
	return count, err
}

func (s *Store) sendBatch(ctx context.Context, key backtest.SeriesKey, candles []backtest.Candle) (int, error) {
	batch := &pgx.Batch{}
	for _, c := range candles {
		batch.Queue(upsertSQL, key.Source, key.Symbol, key.Timeframe,
			c.OpenTime, c.CloseTime, c.Open, c.High, c.Low, c.Close, c.Volume, c.Trades)
	}
	results := s.pool.SendBatch(ctx, batch)
	defer results.Close()

	count := 0
	for range candles {
		if _, err := results.Exec(); err != nil {
			return count, fmt.Errorf("upsert candles %s: %w", key, err)
		}
		count++
	}
	return count, nil
}

// RangeCandles 返回 [start, end] 内全部 K 线（按 open_time 升序）。
func (s *Store) RangeCandles(ctx context.Context, key backtest.SeriesKey, start, end int64) ([]backtest.Candle, error) {
	if err := checkKey(key); err != nil {
		return nil, err
	}
	if start > 0 && end > 0 && end < start {
		start, end = end, start
	}
	if end <= 0 {
		return nil, fmt.Errorf("end 需 > 0")
	}
	rows, err := s.pool.Query(ctx, `SELECT `+candleColumns+` FROM candles
		WHERE `+seriesFilter+` AND open_time BETWEEN $4 AND $5
		ORDER BY open_time ASC`, key.Source, key.Symbol, key.Timeframe, start, end)
	if err != nil {
		return nil, err
	}
	return collectCandles(rows, key.Symbol)
}

// QueryCandles 与 SQLite 版一致：只给 end 或都不给时取最近 limit 根。
func (s *Store) QueryCandles(ctx context.Context, key backtest.SeriesKey, start, end int64, limit int) ([]backtest.Candle, error) {
	if err := checkKey(key); err != nil {
		return nil, err
	}
	w := backtest.CandleWindow{Start: start, End: end, Limit: limit}.Normalize()
	query, args := buildQuery(key, w)
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	list, err := collectCandles(rows, key.Symbol)
	if err != nil {
		return nil, err
	}
	if w.Newest() {
		backtest.ReverseCandles(list)
	}
	return list, nil
}

func (s *Store) LoadOpenTimes(ctx context.Context, key backtest.SeriesKey, start, end int64) ([]int64, error) {
	if err := checkKey(key); err != nil {
		return nil, err
	}
	rows, err := s.pool.Query(ctx, `SELECT open_time FROM candles
		WHERE `+seriesFilter+` AND open_time BETWEEN $4 AND $5
		ORDER BY open_time`, key.Source, key.Symbol, key.Timeframe, start, end)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[int64])
}

func (s *Store) Manifest(ctx context.Context, key backtest.SeriesKey) (backtest.Manifest, error) {
	if err := checkKey(key); err != nil {
		return backtest.Manifest{}, err
	}
	m := backtest.Manifest{Source: key.Source, Symbol: key.Symbol, Timeframe: key.Timeframe, Path: s.dsn}
	err := s.pool.QueryRow(ctx, `
		SELECT COALESCE(MIN(c.open_time), 0), COALESCE(MAX(c.open_time), 0), COUNT(c.open_time),
		       COALESCE((SELECT last_sync_at FROM candle_sync WHERE `+seriesFilter+`), 0)
		FROM candles c WHERE c.source = $1 AND c.symbol = $2 AND c.timeframe = $3`,
		key.Source, key.Symbol, key.Timeframe).
		Scan(&m.MinTime, &m.MaxTime, &m.Rows, &m.LastSyncAt)
	if err != nil {
		return backtest.Manifest{}, err
	}
	return m, nil
}

func collectCandles(rows pgx.Rows, symbol string) ([]backtest.Candle, error) {
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (backtest.Candle, error) {
		c := backtest.Candle{Symbol: symbol}
		err := row.Scan(&c.OpenTime, &c.CloseTime, &c.Open, &c.High, &c.Low, &c.Close, &c.Volume, &c.Trades)
		return c, err
	})
}

// buildQuery 按窗口拼 SQL，占位符从 $4 开始编号。
func buildQuery(key backtest.SeriesKey, w backtest.CandleWindow) (string, []any) {
	query := `SELECT ` + candleColumns + ` FROM candles WHERE ` + seriesFilter
	args := []any{key.Source, key.Symbol, key.Timeframe}
	if w.Start > 0 {
		args = append(args, w.Start)
		query += fmt.Sprintf(` AND open_time >= $%d`, len(args))
	}
	if w.End > 0 {
		args = append(args, w.End)
		query += fmt.Sprintf(` AND open_time <= $%d`, len(args))
	}
	order := "ASC"
	if w.Newest() {
		order = "DESC"
	}
	args = append(args, w.Limit)
	query += fmt.Sprintf(` ORDER BY open_time %s LIMIT $%d`, order, len(args))
	return query, args
}

func checkKey(key backtest.SeriesKey) error {
	if key.Source == "" || key.Symbol == "" || key.Timeframe == "" {
		return fmt.Errorf("序列 key 不完整: %s", key)
	}
	return nil
}

func redactDSN(cfg *pgx.ConnConfig) string {
	if cfg == nil {
		return "postgres"
	}
	return fmt.Sprintf("postgres://%s@%s:%d/%s", cfg.User, cfg.Host, cfg.Port, cfg.Database)
}
