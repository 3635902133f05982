package backtest

import (
	"errors"
	"time"

	"autoquant/internal/market"
)

// Candle 与 market.Candle 等价，避免在存储层重复定义。
type Candle = market.Candle

var (
	ErrInsufficientData = errors.New("K 线数据不足")
	ErrUnknownSource    = errors.New("未知数据源")
	ErrRunNotFound      = errors.New("回测记录不存在")
)

const (
	JobStatusPending = "pending"
	JobStatusRunning = "running"
	JobStatusDone    = "done"
	JobStatusPartial = "partial"
	JobStatusFailed  = "failed"
)

// FetchParams 描述一次补数请求，Start/End 为 Unix 毫秒。
type FetchParams struct {
	Exchange  string `json:"exchange"`
	Symbol    string `json:"symbol"`
	Timeframe string `json:"timeframe"`
	Start     int64  `json:"start"`
	End       int64  `json:"end"`
}

// FetchJob 为异步拉取任务的状态。
type FetchJob struct {
	ID        string      `json:"id"`
	Status    string      `json:"status"`
	Series    string      `json:"series"`
	Params    FetchParams `json:"params"`
	Total     int64       `json:"total"`
	Completed int64       `json:"completed"`
	Missing   []Gap       `json:"missing,omitempty"`
	Warnings  []string    `json:"warnings,omitempty"`
	Message   string      `json:"message,omitempty"`
	StartedAt time.Time   `json:"started_at"`
	UpdatedAt time.Time   `json:"updated_at"`
}

func (j *FetchJob) copy() FetchJob {
	out := *j
	out.Missing = append([]Gap(nil), j.Missing...)
	out.Warnings = append([]string(nil), j.Warnings...)
	return out
}

// Finished 表示任务已进入终态。
func (j FetchJob) Finished() bool {
	switch j.Status {
	case JobStatusDone, JobStatusPartial, JobStatusFailed:
		return true
	default:
		return false
	}
}
