package backtest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"autoquant/internal/analysis/visual"
	"autoquant/internal/logger"
	"autoquant/internal/strategy"

	"github.com/google/uuid"
)

// PresetResolver 将预设名与覆盖参数解析为策略名与完整参数。
type PresetResolver interface {
	Resolve(name string, overrides map[string]any) (string, map[string]any, error)
}

// ChartOptions 控制回测结束后的图表输出。
type ChartOptions struct {
	Enabled   bool
	OutputDir string
	Format    string
}

type RunnerConfig struct {
	Fetcher *Service
	Store   CandleStore
	Results *ResultStore
	Presets PresetResolver
	Chart   ChartOptions
	// Defaults 为 HTTP 请求未给出字段时使用的默认值。
	Defaults      RunConfig
	MaxConcurrent int
}

// Runner 负责一次回测的完整流程：准备数据、构建策略、推演、落库与绘图。
type Runner struct {
	fetcher  *Service
	store    CandleStore
	results  *ResultStore
	presets  PresetResolver
	chart    ChartOptions
	defaults RunConfig
	engine   *Engine
	log      logger.Component

	sem     chan struct{}
	baseCtx context.Context
}

func NewRunner(cfg RunnerConfig) (*Runner, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("candle store 不能为空")
	}
	if cfg.Results == nil {
		return nil, fmt.Errorf("result store 不能为空")
	}
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &Runner{
		fetcher:  cfg.Fetcher,
		store:    cfg.Store,
		results:  cfg.Results,
		presets:  cfg.Presets,
		chart:    cfg.Chart,
		defaults: cfg.Defaults,
		engine:   NewEngine(),
		log:      logger.Named("backtest"),
		sem:      make(chan struct{}, maxConcurrent),
		baseCtx:  context.Background(),
	}, nil
}

func (r *Runner) SetContext(ctx context.Context) {
	if ctx != nil {
		r.baseCtx = ctx
	}
}

func (r *Runner) ctx() context.Context {
	if r.baseCtx != nil {
		return r.baseCtx
	}
	return context.Background()
}

// Results 暴露结果库，供 HTTP 查询。
func (r *Runner) Results() *ResultStore { return r.results }

// Prepare 把请求与默认值合并为完整的 RunConfig，并校验策略参数。
func (r *Runner) Prepare(req RunRequest) (RunConfig, error) {
	d := r.defaults
	cfg := RunConfig{
		Symbol:         firstNonEmpty(req.Symbol, d.Symbol),
		Source:         firstNonEmpty(req.Source, d.Source),
		Timeframe:      firstNonEmpty(req.Timeframe, d.Timeframe),
		StartTS:        req.StartTS,
		EndTS:          req.EndTS,
		InitialBalance: req.InitialBalance,
		FeeRate:        d.FeeRate,
		SlippageBps:    d.SlippageBps,
		PositionPct:    req.PositionPct,
		WarmupBars:     req.WarmupBars,
		Strategy:       req.Strategy,
		Preset:         req.Preset,
		Params:         req.Params,
	}
	if cfg.StartTS <= 0 {
		cfg.StartTS = d.StartTS
	}
	if cfg.EndTS <= 0 {
		cfg.EndTS = d.EndTS
	}
	if cfg.InitialBalance <= 0 {
		cfg.InitialBalance = d.InitialBalance
	}
	if req.FeeRate != nil {
		cfg.FeeRate = *req.FeeRate
	}
	if req.SlippageBps != nil {
		cfg.SlippageBps = *req.SlippageBps
	}
	if cfg.PositionPct <= 0 {
		cfg.PositionPct = d.PositionPct
	}
	if cfg.WarmupBars <= 0 {
		cfg.WarmupBars = d.WarmupBars
	}
	if cfg.Strategy == "" && cfg.Preset == "" {
		cfg.Strategy = d.Strategy
		cfg.Preset = d.Preset
		if cfg.Params == nil {
			cfg.Params = d.Params
		}
	}
	cfg, _, err := r.resolve(cfg)
	return cfg, err
}

// resolve 规范化 RunConfig 并构建策略实例，所有校验都在 I/O 之前完成。
func (r *Runner) resolve(cfg RunConfig) (RunConfig, strategy.Strategy, error) {
	cfg.Symbol = strings.ToUpper(strings.TrimSpace(cfg.Symbol))
	if cfg.Symbol == "" {
		return cfg, nil, fmt.Errorf("symbol 不能为空")
	}
	tf, err := ParseTimeframe(cfg.Timeframe)
	if err != nil {
		return cfg, nil, err
	}
	cfg.Timeframe = tf.Key
	if cfg.StartTS <= 0 || cfg.EndTS <= 0 || cfg.EndTS <= cfg.StartTS {
		return cfg, nil, fmt.Errorf("start/end 非法")
	}
	cfg.StartTS, cfg.EndTS = tf.AlignRange(cfg.StartTS, cfg.EndTS)
	if cfg.InitialBalance <= 0 {
		return cfg, nil, fmt.Errorf("initial_balance 必须 > 0")
	}
	if cfg.FeeRate < 0 || cfg.SlippageBps < 0 {
		return cfg, nil, fmt.Errorf("fee_rate/slippage_bps 不能为负")
	}
	if cfg.PositionPct <= 0 || cfg.PositionPct > 1 {
		return cfg, nil, fmt.Errorf("position_pct 需在 (0, 1] 之间")
	}

	name, params := strings.ToLower(strings.TrimSpace(cfg.Strategy)), cfg.Params
	if cfg.Preset != "" {
		if r.presets == nil {
			return cfg, nil, fmt.Errorf("未加载策略预设，无法使用 preset %s", cfg.Preset)
		}
		presetStrategy, resolved, err := r.presets.Resolve(cfg.Preset, params)
		if err != nil {
			return cfg, nil, err
		}
		if name != "" && name != presetStrategy {
			return cfg, nil, fmt.Errorf("preset %s 属于策略 %s，与 %s 不一致", cfg.Preset, presetStrategy, name)
		}
		name, params = presetStrategy, resolved
	}
	st, err := strategy.New(name, params)
	if err != nil {
		return cfg, nil, err
	}
	cfg.Strategy = st.Name()
	if d, ok := st.(strategy.Described); ok {
		cfg.Params = d.Params()
	}
	return cfg, st, nil
}

// StartRun 创建回测记录并立即返回，推演在后台进行。
func (r *Runner) StartRun(req RunRequest) (Run, error) {
	cfg, err := r.Prepare(req)
	if err != nil {
		return Run{}, err
	}
	chart := r.chart.Enabled
	if req.Chart != nil {
		chart = *req.Chart
	}
	run := newRun(uuid.NewString(), cfg)
	if err := r.results.InsertRun(r.ctx(), run); err != nil {
		return Run{}, err
	}
	go func() {
		select {
		case r.sem <- struct{}{}:
		default:
			r.log.Warnf("run %s 等待可用 worker", run.ID)
			select {
			case r.sem <- struct{}{}:
			case <-r.ctx().Done():
				_ = r.results.UpdateRunStatus(context.Background(), run.ID, RunStatusFailed, "服务已关闭")
				return
			}
		}
		defer func() { <-r.sem }()
		if _, err := r.execute(r.ctx(), run.ID, cfg, chart); err != nil {
			r.log.Warnf("run %s 失败: %v", run.ID, err)
		}
	}()
	return run, nil
}

// RunSync 同步执行一次回测，CLI 使用。
func (r *Runner) RunSync(ctx context.Context, cfg RunConfig) (*Result, error) {
	cfg, _, err := r.resolve(cfg)
	if err != nil {
		return nil, err
	}
	run := newRun(uuid.NewString(), cfg)
	if err := r.results.InsertRun(ctx, run); err != nil {
		return nil, err
	}
	return r.execute(ctx, run.ID, cfg, r.chart.Enabled)
}

func newRun(id string, cfg RunConfig) Run {
	return Run{
		ID:             id,
		Symbol:         cfg.Symbol,
		Strategy:       cfg.Strategy,
		Status:         RunStatusPending,
		StartTS:        cfg.StartTS,
		EndTS:          cfg.EndTS,
		Timeframe:      cfg.Timeframe,
		InitialBalance: cfg.InitialBalance,
		FinalBalance:   cfg.InitialBalance,
		Config:         cfg,
		Stats:          RunStats{FinalBalance: cfg.InitialBalance},
	}
}

func (r *Runner) execute(ctx context.Context, runID string, cfg RunConfig, chart bool) (*Result, error) {
	res, err := r.simulate(ctx, runID, cfg, chart)
	if err != nil {
		// 任务 ctx 可能已取消，状态写入改用独立 ctx。
		_ = r.results.UpdateRunStatus(context.Background(), runID, RunStatusFailed, err.Error())
		return nil, err
	}
	return res, nil
}

func (r *Runner) simulate(ctx context.Context, runID string, cfg RunConfig, chart bool) (*Result, error) {
	_ = r.results.UpdateRunStatus(ctx, runID, RunStatusRunning, "准备数据…")
	cfg, st, err := r.resolve(cfg)
	if err != nil {
		return nil, err
	}
	history, err := r.LoadCandles(ctx, cfg, st.Warmup())
	if err != nil {
		return nil, err
	}
	_ = r.results.UpdateRunStatus(ctx, runID, RunStatusRunning, fmt.Sprintf("推演 %d 根 K 线…", len(history)))
	res, err := r.engine.Run(ctx, runID, cfg, history, st, NewResultRecorder(r.results))
	if err != nil {
		return nil, err
	}
	res.Stats.FinishedAt = time.Now().UTC()
	message := "完成"
	if len(res.Stats.Notes) > 0 {
		message = "完成: " + strings.Join(res.Stats.Notes, "; ")
	}
	if err := r.results.UpdateRunSummary(ctx, runID, RunStatusDone, res.Stats, message); err != nil {
		return nil, err
	}
	if chart {
		r.writeChart(ctx, res, st, history)
	}
	return res, nil
}

// writeChart 绘图失败不影响回测结果。
func (r *Runner) writeChart(ctx context.Context, res *Result, st strategy.Strategy, history []Candle) {
	dir := r.chart.OutputDir
	if dir == "" {
		dir = "charts"
	}
	path, err := visual.WriteBacktestChart(ctx, dir, res.RunID, r.chart.Format, ChartInput(res, st, history))
	if err != nil {
		r.log.Warnf("run %s 绘图失败: %v", res.RunID, err)
		return
	}
	res.ChartPath = path
	if err := r.results.SetChartPath(ctx, res.RunID, path); err != nil {
		r.log.Warnf("run %s 记录图表路径失败: %v", res.RunID, err)
	}
	r.log.Infof("图表已输出: %s", path)
}

// LoadCandles 确保 [start-warmup, end] 的数据已缓存并读取。warmup 为 0 时取策略所需再多 5 根。
func (r *Runner) LoadCandles(ctx context.Context, cfg RunConfig, strategyWarmup int) ([]Candle, error) {
	tf, err := ParseTimeframe(cfg.Timeframe)
	if err != nil {
		return nil, err
	}
	warm := cfg.WarmupBars
	if warm <= 0 {
		warm = strategyWarmup + 5
	}
	warmStart := max(cfg.StartTS-int64(warm)*tf.durationMillis(), 0)
	key, err := r.seriesKey(cfg, tf)
	if err != nil {
		return nil, err
	}
	if r.fetcher != nil {
		job, err := r.fetcher.Sync(ctx, FetchParams{
			Exchange:  key.Source,
			Symbol:    cfg.Symbol,
			Timeframe: tf.Key,
			Start:     warmStart,
			End:       cfg.EndTS,
		})
		if err != nil {
			return nil, err
		}
		if job.Status == JobStatusPartial {
			r.log.Warnf("%s 数据仍有 %d 处缺口，按已有数据回测", key, len(job.Missing))
		}
	}
	candles, err := r.store.RangeCandles(ctx, key, warmStart, cfg.EndTS)
	if err != nil {
		return nil, err
	}
	if len(candles) == 0 {
		return nil, fmt.Errorf("%w: 本地没有 %s 的 K 线", ErrInsufficientData, key)
	}
	return candles, nil
}

// seriesKey 决定回测读取哪条缓存序列；有补数服务时 source 为空落到其默认数据源。
func (r *Runner) seriesKey(cfg RunConfig, tf Timeframe) (SeriesKey, error) {
	if r.fetcher != nil {
		key, _, err := r.fetcher.Series(cfg.Source, cfg.Symbol, tf.Key)
		return key, err
	}
	return NewSeriesKey(cfg.Source, cfg.Symbol, tf.Key)
}

// IsValidation 判断错误是否源于参数校验（用于 HTTP 返回 400）。
func IsValidation(err error) bool {
	return errors.Is(err, strategy.ErrUnknownStrategy) || errors.Is(err, ErrUnknownSource)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
