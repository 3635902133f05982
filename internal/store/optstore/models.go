package optstore

import (
	"gorm.io/datatypes"
)

type SweepStatus string

const (
	SweepStatusDone     SweepStatus = "done"
	SweepStatusStopped  SweepStatus = "stopped"
	SweepStatusCanceled SweepStatus = "canceled"
)

type sweepModel struct {
	ID             string         `gorm:"column:id;primaryKey"`
	Symbol         string         `gorm:"column:symbol;index"`
	Strategy       string         `gorm:"column:strategy"`
	Timeframe      string         `gorm:"column:timeframe"`
	StartTS        int64          `gorm:"column:start_ts"`
	EndTS          int64          `gorm:"column:end_ts"`
	GridJSON       datatypes.JSON `gorm:"column:grid_json;type:TEXT"`
	BaseJSON       datatypes.JSON `gorm:"column:base_json;type:TEXT"`
	Status         SweepStatus    `gorm:"column:status"`
	Combinations   int            `gorm:"column:combinations"`
	Evaluated      int            `gorm:"column:evaluated"`
	Skipped        int            `gorm:"column:skipped"`
	TargetReturn   float64        `gorm:"column:target_return"`
	BestReturn     float64        `gorm:"column:best_return"`
	BestParamsJSON datatypes.JSON `gorm:"column:best_params_json;type:TEXT"`
	DurationMs     int64          `gorm:"column:duration_ms"`
	CreatedAtUnix  int64          `gorm:"column:created_at;index"`
}

func (sweepModel) TableName() string { return "optimize_sweeps" }

type trialModel struct {
	ID             int64          `gorm:"column:id;primaryKey;autoIncrement"`
	SweepID        string         `gorm:"column:sweep_id;index:idx_trial_rank,priority:1"`
	Rank           int            `gorm:"column:rank;index:idx_trial_rank,priority:2"`
	ParamsJSON     datatypes.JSON `gorm:"column:params_json;type:TEXT"`
	ReturnPct      float64        `gorm:"column:return_pct"`
	Sharpe         float64        `gorm:"column:sharpe"`
	MaxDrawdownPct float64        `gorm:"column:max_drawdown_pct"`
	WinRate        float64        `gorm:"column:win_rate"`
	Orders         int            `gorm:"column:orders"`
	FinalBalance   float64        `gorm:"column:final_balance"`
}

func (trialModel) TableName() string { return "optimize_trials" }
