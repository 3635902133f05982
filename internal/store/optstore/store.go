package optstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var ErrSweepNotFound = errors.New("参数优化记录不存在")

// Sweep 是一次网格搜索的汇总。
type Sweep struct {
	ID           string           `json:"id"`
	Symbol       string           `json:"symbol"`
	Strategy     string           `json:"strategy"`
	Timeframe    string           `json:"timeframe"`
	StartTS      int64            `json:"start_ts"`
	EndTS        int64            `json:"end_ts"`
	Grid         map[string][]any `json:"grid"`
	Base         map[string]any   `json:"base,omitempty"`
	Status       SweepStatus      `json:"status"`
	Combinations int              `json:"combinations"`
	Evaluated    int              `json:"evaluated"`
	Skipped      int              `json:"skipped"`
	TargetReturn float64          `json:"target_return,omitempty"`
	BestReturn   float64          `json:"best_return"`
	BestParams   map[string]any   `json:"best_params,omitempty"`
	Duration     time.Duration    `json:"duration"`
	CreatedAt    time.Time        `json:"created_at"`
}

// Trial 是单组参数的回测指标，Rank 从 1 开始。
type Trial struct {
	ID             int64          `json:"id"`
	SweepID        string         `json:"sweep_id"`
	Rank           int            `json:"rank"`
	Params         map[string]any `json:"params"`
	ReturnPct      float64        `json:"return_pct"`
	Sharpe         float64        `json:"sharpe"`
	MaxDrawdownPct float64        `json:"max_drawdown_pct"`
	WinRate        float64        `json:"win_rate"`
	Orders         int            `json:"orders"`
	FinalBalance   float64        `json:"final_balance"`
}

// Store 使用 Gorm + SQLite 保存参数优化结果。
type Store struct {
	db *gorm.DB
}

func Open(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("optstore: 路径不能为空")
	}
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:                                   logger.Default.LogMode(logger.Silent),
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&sweepModel{}, &trialModel{}); err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// SaveSweep 在同一事务中写入汇总与全部 trial，trial 按传入顺序编号排名。
func (s *Store) SaveSweep(ctx context.Context, sweep Sweep, trials []Trial) error {
	if strings.TrimSpace(sweep.ID) == "" {
		return fmt.Errorf("sweep id 不能为空")
	}
	row, err := toSweepModel(sweep)
	if err != nil {
		return err
	}
	rows := make([]trialModel, 0, len(trials))
	for i, t := range trials {
		params, err := marshalJSON(t.Params)
		if err != nil {
			return err
		}
		rows = append(rows, trialModel{
			SweepID:        sweep.ID,
			Rank:           i + 1,
			ParamsJSON:     params,
			ReturnPct:      t.ReturnPct,
			Sharpe:         t.Sharpe,
			MaxDrawdownPct: t.MaxDrawdownPct,
			WinRate:        t.WinRate,
			Orders:         t.Orders,
			FinalBalance:   t.FinalBalance,
		})
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&row).Error; err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		return tx.CreateInBatches(rows, 200).Error
	})
}

func (s *Store) GetSweep(ctx context.Context, id string) (Sweep, error) {
	var row sweepModel
	err := s.db.WithContext(ctx).Where("id = ?", id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Sweep{}, fmt.Errorf("%w: %s", ErrSweepNotFound, id)
	}
	if err != nil {
		return Sweep{}, err
	}
	return fromSweepModel(row)
}

// ListSweeps 按创建时间倒序列出最近的搜索。
func (s *Store) ListSweeps(ctx context.Context, limit int) ([]Sweep, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	var rows []sweepModel
	if err := s.db.WithContext(ctx).Order("created_at DESC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]Sweep, 0, len(rows))
	for _, row := range rows {
		sw, err := fromSweepModel(row)
		if err != nil {
			return nil, err
		}
		out = append(out, sw)
	}
	return out, nil
}

// TopTrials 返回排名前 n 的 trial，n<=0 表示全部。
func (s *Store) TopTrials(ctx context.Context, sweepID string, n int) ([]Trial, error) {
	q := s.db.WithContext(ctx).Where("sweep_id = ?", sweepID).Order("rank ASC")
	if n > 0 {
		q = q.Limit(n)
	}
	var rows []trialModel
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]Trial, 0, len(rows))
	for _, row := range rows {
		t := Trial{
			ID:             row.ID,
			SweepID:        row.SweepID,
			Rank:           row.Rank,
			ReturnPct:      row.ReturnPct,
			Sharpe:         row.Sharpe,
			MaxDrawdownPct: row.MaxDrawdownPct,
			WinRate:        row.WinRate,
			Orders:         row.Orders,
			FinalBalance:   row.FinalBalance,
		}
		if err := unmarshalJSON(row.ParamsJSON, &t.Params); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

func toSweepModel(sw Sweep) (sweepModel, error) {
	grid, err := marshalJSON(sw.Grid)
	if err != nil {
		return sweepModel{}, err
	}
	base, err := marshalJSON(sw.Base)
	if err != nil {
		return sweepModel{}, err
	}
	best, err := marshalJSON(sw.BestParams)
	if err != nil {
		return sweepModel{}, err
	}
	created := sw.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	return sweepModel{
		ID:             sw.ID,
		Symbol:         sw.Symbol,
		Strategy:       sw.Strategy,
		Timeframe:      sw.Timeframe,
		StartTS:        sw.StartTS,
		EndTS:          sw.EndTS,
		GridJSON:       grid,
		BaseJSON:       base,
		Status:         sw.Status,
		Combinations:   sw.Combinations,
		Evaluated:      sw.Evaluated,
		Skipped:        sw.Skipped,
		TargetReturn:   sw.TargetReturn,
		BestReturn:     sw.BestReturn,
		BestParamsJSON: best,
		DurationMs:     sw.Duration.Milliseconds(),
		CreatedAtUnix:  created.UnixMilli(),
	}, nil
}

func fromSweepModel(row sweepModel) (Sweep, error) {
	sw := Sweep{
		ID:           row.ID,
		Symbol:       row.Symbol,
		Strategy:     row.Strategy,
		Timeframe:    row.Timeframe,
		StartTS:      row.StartTS,
		EndTS:        row.EndTS,
		Status:       row.Status,
		Combinations: row.Combinations,
		Evaluated:    row.Evaluated,
		Skipped:      row.Skipped,
		TargetReturn: row.TargetReturn,
		BestReturn:   row.BestReturn,
		Duration:     time.Duration(row.DurationMs) * time.Millisecond,
		CreatedAt:    time.UnixMilli(row.CreatedAtUnix).UTC(),
	}
	if err := unmarshalJSON(row.GridJSON, &sw.Grid); err != nil {
		return Sweep{}, err
	}
	if err := unmarshalJSON(row.BaseJSON, &sw.Base); err != nil {
		return Sweep{}, err
	}
	if err := unmarshalJSON(row.BestParamsJSON, &sw.BestParams); err != nil {
		return Sweep{}, err
	}
	return sw, nil
}

func marshalJSON(v any) (datatypes.JSON, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return datatypes.JSON(data), nil
}

func unmarshalJSON(data datatypes.JSON, out any) error {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	return json.Unmarshal(data, out)
}
