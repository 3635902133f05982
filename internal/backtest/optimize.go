package backtest

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"autoquant/internal/logger"
	"autoquant/internal/store/optstore"
	"autoquant/internal/strategy"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// OptimizeRequest 描述一次网格搜索。Base 提供区间、资金、策略与固定参数，
// Grid 中的每个键覆盖同名参数。
type OptimizeRequest struct {
	Base            RunConfig        `json:"base"`
	Grid            map[string][]any `json:"grid"`
	MaxConcurrent   int              `json:"max_concurrent"`
	TargetReturnPct float64          `json:"target_return_pct"`
	Top             int              `json:"top"`
}

// Trial 是一组参数的回测结果。
type Trial struct {
	Params map[string]any `json:"params"`
	Stats  RunStats       `json:"stats"`
}

type OptimizeResult struct {
	SweepID       string        `json:"sweep_id"`
	Strategy      string        `json:"strategy"`
	Combinations  int           `json:"combinations"`
	Skipped       int           `json:"skipped"`
	Evaluated     int           `json:"evaluated"`
	TargetReached bool          `json:"target_reached"`
	Best          *Trial        `json:"best,omitempty"`
	Trials        []Trial       `json:"trials"`
	Duration      time.Duration `json:"duration"`
}

// Optimizer 在同一份 K 线上并发评估参数组合。
type Optimizer struct {
	runner *Runner
	store  *optstore.Store
	engine *Engine
	log    logger.Component
}

// NewOptimizer 创建优化器，store 为空时不落库。
func NewOptimizer(runner *Runner, store *optstore.Store) *Optimizer {
	return &Optimizer{
		runner: runner,
		store:  store,
		engine: NewEngine().Quiet(),
		log:    logger.Named("optimize"),
	}
}

type candidate struct {
	params map[string]any
	warmup int
}

func (o *Optimizer) Optimize(ctx context.Context, req OptimizeRequest) (*OptimizeResult, error) {
	if o.runner == nil {
		return nil, fmt.Errorf("runner 不能为空")
	}
	begin := time.Now()
	base, _, err := o.runner.resolve(req.Base)
	if err != nil {
		return nil, err
	}
	combos := ExpandGrid(req.Grid)
	res := &OptimizeResult{SweepID: uuid.NewString(), Strategy: base.Strategy, Combinations: len(combos)}

	var candidates []candidate
	maxWarmup := 0
	for _, combo := range combos {
		params := mergeParams(base.Params, combo)
		st, err := strategy.New(base.Strategy, params)
		if err != nil {
			res.Skipped++
			o.log.Debugf("跳过无效组合 %v: %v", combo, err)
			continue
		}
		if d, ok := st.(strategy.Described); ok {
			params = d.Params()
		}
		candidates = append(candidates, candidate{params: params, warmup: st.Warmup()})
		maxWarmup = max(maxWarmup, st.Warmup())
	}
	if len(candidates) == 0 {
		return nil, fmt.Errorf("网格中没有有效的参数组合（共 %d 组）", len(combos))
	}
	o.log.Infof("%s %s 网格共 %d 组，有效 %d 组，跳过 %d 组", base.Symbol, base.Strategy, len(combos), len(candidates), res.Skipped)

	candles, err := o.runner.LoadCandles(ctx, base, maxWarmup)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)
	g.SetLimit(max(req.MaxConcurrent, 1))

	var (
		mu      sync.Mutex
		trials  []Trial
		reached atomic.Bool
		done    atomic.Int64
	)
	for i, cand := range candidates {
		if gctx.Err() != nil {
			break
		}
		i, cand := i, cand
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			st, err := strategy.New(base.Strategy, cand.params)
			if err != nil {
				return err
			}
			cfg := base
			cfg.Params = cand.params
			out, err := o.engine.Run(gctx, fmt.Sprintf("%s-%d", res.SweepID, i), cfg, candles, st, nil)
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return err
			}
			mu.Lock()
			trials = append(trials, Trial{Params: cand.params, Stats: out.Stats})
			mu.Unlock()
			if n := done.Add(1); n%50 == 0 {
				o.log.Infof("已完成 %d/%d", n, len(candidates))
			}
			if req.TargetReturnPct > 0 && out.Stats.ReturnPct >= req.TargetReturnPct && reached.CompareAndSwap(false, true) {
				o.log.Infof("收益 %.2f%% 达到目标 %.2f%%，停止剩余组合: %v", out.Stats.ReturnPct*100, req.TargetReturnPct*100, cand.params)
				cancel()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	RankTrials(trials)
	res.Trials = trials
	res.Evaluated = len(trials)
	res.TargetReached = reached.Load()
	if len(trials) > 0 {
		best := trials[0]
		res.Best = &best
	}
	res.Duration = time.Since(begin)
	o.printTop(res, req.Top)

	if o.store != nil {
		if err := o.store.SaveSweep(ctx, toSweep(res, base, req), toStoredTrials(trials)); err != nil {
			o.log.Warnf("保存优化结果失败: %v", err)
		}
	}
	return res, nil
}

// RankTrials 按收益降序，收益相同时 Sharpe 高者优先，再按成交笔数少者优先。
func RankTrials(trials []Trial) {
	sort.SliceStable(trials, func(i, j int) bool {
		a, b := trials[i].Stats, trials[j].Stats
		if a.ReturnPct != b.ReturnPct {
			return a.ReturnPct > b.ReturnPct
		}
		if a.Sharpe != b.Sharpe {
			return a.Sharpe > b.Sharpe
		}
		return a.Orders < b.Orders
	})
}

// ExpandGrid 按键名排序后展开笛卡尔积，结果顺序稳定。空网格返回一个空组合。
func ExpandGrid(grid map[string][]any) []map[string]any {
	keys := make([]string, 0, len(grid))
	for k, values := range grid {
		if len(values) > 0 {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	out := []map[string]any{{}}
	for _, k := range keys {
		next := make([]map[string]any, 0, len(out)*len(grid[k]))
		for _, combo := range out {
			for _, v := range grid[k] {
				c := make(map[string]any, len(combo)+1)
				for ck, cv := range combo {
					c[ck] = cv
				}
				c[k] = v
				next = append(next, c)
			}
		}
		out = next
	}
	return out
}

func mergeParams(base, override map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(override))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range override {
		out[k] = v
	}
	return out
}

func (o *Optimizer) printTop(res *OptimizeResult, top int) {
	if top <= 0 {
		top = 10
	}
	o.log.Infof("评估 %d 组，用时 %s", res.Evaluated, res.Duration.Round(time.Millisecond))
	for i, t := range res.Trials {
		if i >= top {
			break
		}
		o.log.Infof("#%d return=%.2f%% sharpe=%.2f maxDD=%.2f%% orders=%d %v", i+1, t.Stats.ReturnPct*100,
			t.Stats.Sharpe, t.Stats.MaxDrawdownPct*100, t.Stats.Orders, t.Params)
	}
}

func toSweep(res *OptimizeResult, base RunConfig, req OptimizeRequest) optstore.Sweep {
	status := optstore.SweepStatusDone
	if res.TargetReached {
		status = optstore.SweepStatusStopped
	}
	sw := optstore.Sweep{
		ID:           res.SweepID,
		Symbol:       base.Symbol,
		Strategy:     base.Strategy,
		Timeframe:    base.Timeframe,
		StartTS:      base.StartTS,
		EndTS:        base.EndTS,
		Grid:         req.Grid,
		Base:         base.Params,
		Status:       status,
		Combinations: res.Combinations,
		Evaluated:    res.Evaluated,
		Skipped:      res.Skipped,
		TargetReturn: req.TargetReturnPct,
		Duration:     res.Duration,
	}
	if res.Best != nil {
		sw.BestReturn = res.Best.Stats.ReturnPct
		sw.BestParams = res.Best.Params
	}
	return sw
}

func toStoredTrials(trials []Trial) []optstore.Trial {
	out := make([]optstore.Trial, 0, len(trials))
	for _, t := range trials {
		out = append(out, optstore.Trial{
			Params:         t.Params,
			ReturnPct:      t.Stats.ReturnPct,
			Sharpe:         t.Stats.Sharpe,
			MaxDrawdownPct: t.Stats.MaxDrawdownPct,
			WinRate:        t.Stats.WinRate,
			Orders:         t.Stats.Orders,
			FinalBalance:   t.Stats.FinalBalance,
		})
	}
	return out
}
