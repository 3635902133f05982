package app

import (
	"context"
	"errors"
	"fmt"

	"autoquant/internal/backtest"
	"autoquant/internal/config"
	"autoquant/internal/logger"
	"autoquant/internal/store/optstore"
	"autoquant/internal/strategy/preset"

	"golang.org/x/sync/errgroup"
)

// App 负责应用级编排：加载配置→初始化依赖→执行回测、优化、补数或启动 HTTP。
type App struct {
	cfg       *config.Config
	candles   backtest.CandleStore
	results   *backtest.ResultStore
	sweeps    *optstore.Store
	presets   *preset.Registry
	svc       *backtest.Service
	runner    *backtest.Runner
	optimizer *backtest.Optimizer
	Summary   *StartupSummary
}

// NewApp 根据配置构建应用对象（不启动）
func NewApp(ctx context.Context, cfg *config.Config) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	return NewAppBuilder(cfg).Build(ctx)
}

func (a *App) bind(ctx context.Context) error {
	if a == nil || a.runner == nil {
		return fmt.Errorf("app not initialized")
	}
	a.svc.SetContext(ctx)
	a.runner.SetContext(ctx)
	return nil
}

// Run 按配置执行一次回测，结果写入结果库并输出图表。
func (a *App) Run(ctx context.Context) (*backtest.Result, error) {
	if err := a.bind(ctx); err != nil {
		return nil, err
	}
	cfg, err := a.runner.Prepare(backtest.RunRequest{})
	if err != nil {
		return nil, err
	}
	res, err := a.runner.RunSync(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if res.ChartPath != "" {
		logger.Infof("图表已生成: %s", res.ChartPath)
	}
	return res, nil
}

// Optimize 在配置的网格上搜索参数。
func (a *App) Optimize(ctx context.Context) (*backtest.OptimizeResult, error) {
	if err := a.bind(ctx); err != nil {
		return nil, err
	}
	base, err := a.runner.Prepare(backtest.RunRequest{})
	if err != nil {
		return nil, err
	}
	oc := a.cfg.Optimize
	return a.optimizer.Optimize(ctx, backtest.OptimizeRequest{
		Base:            base,
		Grid:            oc.Grid,
		MaxConcurrent:   oc.MaxConcurrent,
		TargetReturnPct: oc.TargetReturnPct,
		Top:             oc.Top,
	})
}

// Fetch 只补齐配置区间内的数据，不做回测。
func (a *App) Fetch(ctx context.Context) (backtest.FetchJob, error) {
	if err := a.bind(ctx); err != nil {
		return backtest.FetchJob{}, err
	}
	base, err := a.runner.Prepare(backtest.RunRequest{})
	if err != nil {
		return backtest.FetchJob{}, err
	}
	job, err := a.svc.Sync(ctx, backtest.FetchParams{
		Exchange:  base.Source,
		Symbol:    base.Symbol,
		Timeframe: base.Timeframe,
		Start:     base.StartTS,
		End:       base.EndTS,
	})
	if err != nil {
		return job, err
	}
	logger.Infof("补数完成：%s %s 状态=%s 已有=%d/%d 缺口=%d", job.Params.Symbol, job.Params.Timeframe,
		job.Status, job.Completed, job.Total, len(job.Missing))
	return job, nil
}

// Serve 启动 HTTP 接口并监听预设文件，阻塞直到 ctx 取消。
func (a *App) Serve(ctx context.Context) error {
	if err := a.bind(ctx); err != nil {
		return err
	}
	if a.Summary != nil {
		a.Summary.Print()
	}
	a.presets.Watch()
	server, err := backtest.NewHTTPServer(backtest.HTTPConfig{
		Addr:      a.cfg.App.HTTPAddr,
		Svc:       a.svc,
		Runner:    a.runner,
		Optimizer: a.optimizer,
		Presets:   a.presets,
	})
	if err != nil {
		return err
	}
	logger.Infof("✓ 回测 HTTP 接口监听 %s", a.cfg.App.HTTPAddr)

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		if err := server.Start(gctx); err != nil {
			return fmt.Errorf("backtest http server error: %w", err)
		}
		return nil
	})
	return group.Wait()
}

// Close 释放存储资源，可重复调用。
func (a *App) Close() error {
	if a == nil {
		return nil
	}
	var errs []error
	if a.sweeps != nil {
		errs = append(errs, a.sweeps.Close())
		a.sweeps = nil
	}
	if a.results != nil {
		errs = append(errs, a.results.Close())
		a.results = nil
	}
	if a.candles != nil {
		errs = append(errs, a.candles.Close())
		a.candles = nil
	}
	return errors.Join(errs...)
}
