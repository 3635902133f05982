package backtest

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"autoquant/internal/analysis/indicator"
	"autoquant/internal/strategy"
	"autoquant/internal/strategy/preset"

	"github.com/gin-gonic/gin"
)

// PresetCatalog 列出可用的策略预设。
type PresetCatalog interface {
	List() []preset.Preset
}

// HTTPServer 提供 Gin 接口：补数、查询 K 线、提交回测、查询结果与参数优化。
type HTTPServer struct {
	addr      string
	svc       *Service
	runner    *Runner
	optimizer *Optimizer
	results   *ResultStore
	presets   PresetCatalog
	router    *gin.Engine
}

type HTTPConfig struct {
	Addr      string
	Svc       *Service
	Runner    *Runner
	Optimizer *Optimizer
	Presets   PresetCatalog
}

func NewHTTPServer(cfg HTTPConfig) (*HTTPServer, error) {
	if cfg.Svc == nil {
		return nil, errors.New("service 不能为空")
	}
	if cfg.Addr == "" {
		cfg.Addr = ":9991"
	}
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	s := &HTTPServer{
		addr:      cfg.Addr,
		svc:       cfg.Svc,
		runner:    cfg.Runner,
		optimizer: cfg.Optimizer,
		presets:   cfg.Presets,
		router:    router,
	}
	if cfg.Runner != nil {
		s.results = cfg.Runner.Results()
	}
	s.registerRoutes()
	return s, nil
}

// Handler 暴露路由，便于测试与嵌入其他服务。
func (s *HTTPServer) Handler() http.Handler { return s.router }

func (s *HTTPServer) registerRoutes() {
	api := s.router.Group("/api/backtest")
	api.POST("/fetch", s.handleFetch)
	api.GET("/fetch/:id", s.handleFetchStatus)
	api.GET("/jobs", s.handleJobs)
	api.GET("/data", s.handleManifest)
	api.GET("/candles", s.handleCandles)
	api.GET("/indicators", s.handleIndicators)
	api.GET("/strategies", s.handleStrategies)
	api.GET("/presets", s.handlePresets)
	api.POST("/runs", s.handleRunStart)
	api.GET("/runs", s.handleRunList)
	api.GET("/runs/:id", s.handleRunDetail)
	api.GET("/runs/:id/orders", s.handleRunOrders)
	api.GET("/runs/:id/positions", s.handleRunPositions)
	api.GET("/runs/:id/snapshots", s.handleRunSnapshots)
	api.GET("/runs/:id/signals", s.handleRunSignals)
	api.GET("/runs/:id/chart", s.handleRunChart)
	api.POST("/optimize", s.handleOptimize)
}

func (s *HTTPServer) handleFetch(c *gin.Context) {
	var req struct {
		Exchange  string `json:"exchange"`
		Symbol    string `json:"symbol" binding:"required"`
		Timeframe string `json:"timeframe" binding:"required"`
		StartTS   int64  `json:"start_ts" binding:"required"`
		EndTS     int64  `json:"end_ts" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	job, err := s.svc.SubmitFetch(FetchParams{
		Exchange:  req.Exchange,
		Symbol:    req.Symbol,
		Timeframe: req.Timeframe,
		Start:     req.StartTS,
		End:       req.EndTS,
	})
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"job": job})
}

func (s *HTTPServer) handleFetchStatus(c *gin.Context) {
	id := c.Param("id")
	job, ok := s.svc.JobSnapshot(id)
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"job": job})
}

func (s *HTTPServer) handleJobs(c *gin.Context) {
	list := s.svc.JobsSnapshot()
	c.JSON(http.StatusOK, gin.H{"jobs": list})
}

func (s *HTTPServer) handleManifest(c *gin.Context) {
	symbol := c.Query("symbol")
	tf := c.Query("timeframe")
	if symbol == "" || tf == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "symbol/timeframe 必填"})
		return
	}
	info, err := s.svc.ManifestInfo(c.Request.Context(), c.Query("source"), symbol, tf)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"manifest": info})
}

func (s *HTTPServer) handleCandles(c *gin.Context) {
	symbol := c.Query("symbol")
	tf := c.Query("timeframe")
	if symbol == "" || tf == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "symbol/timeframe 必填"})
		return
	}
	start, end, ok := queryRange(c)
	if !ok {
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "200"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit 非法"})
		return
	}
	data, err := s.svc.QueryCandles(c.Request.Context(), c.Query("source"), symbol, tf, start, end, limit)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"candles": data})
}

// handleIndicators 返回所选区间末端的均线/RSI/MACD/ATR/通道状态。
func (s *HTTPServer) handleIndicators(c *gin.Context) {
	symbol := c.Query("symbol")
	tf := c.Query("timeframe")
	if symbol == "" || tf == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "symbol/timeframe 必填"})
		return
	}
	start, end, ok := queryRange(c)
	if !ok {
		return
	}
	fast, err := queryInt(c, "fast")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	slow, err := queryInt(c, "slow")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	data, err := s.svc.QueryCandles(c.Request.Context(), c.Query("source"), symbol, tf, start, end, 2000)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	rep, err := indicator.ComputeAll(data, indicator.Settings{
		Symbol:   symbol,
		Interval: tf,
		MAType:   c.DefaultQuery("ma_type", "ema"),
		EMA:      indicator.EMASettings{Fast: fast, Slow: slow},
	})
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"report": rep})
}

// queryRange 读取可选的 start_ts/end_ts，非法时已写回 400。
func queryRange(c *gin.Context) (int64, int64, bool) {
	var out [2]int64
	for i, name := range []string{"start_ts", "end_ts"} {
		raw := c.Query(name)
		if raw == "" {
			continue
		}
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": name + " 非法"})
			return 0, 0, false
		}
		out[i] = v
	}
	return out[0], out[1], true
}

func queryInt(c *gin.Context, name string) (int, error) {
	raw := c.Query(name)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s 非法", name)
	}
	return v, nil
}

func (s *HTTPServer) handleRunStart(c *gin.Context) {
	if s.runner == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "回测未启用"})
		return
	}
	var req RunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	run, err := s.runner.StartRun(req)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"run": run})
}

func (s *HTTPServer) handleRunList(c *gin.Context) {
	if s.results == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "结果存储未启用"})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	runs, err := s.results.ListRuns(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs})
}

func (s *HTTPServer) handleRunDetail(c *gin.Context) {
	if s.results == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "结果存储未启用"})
		return
	}
	run, err := s.results.GetRun(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"run": run})
}

func (s *HTTPServer) handleRunOrders(c *gin.Context) {
	if s.results == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "结果存储未启用"})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "200"))
	orders, err := s.results.ListOrders(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders})
}

func (s *HTTPServer) handleRunPositions(c *gin.Context) {
	if s.results == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "结果存储未启用"})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "200"))
	positions, err := s.results.ListPositions(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"positions": positions})
}

func (s *HTTPServer) handleRunSnapshots(c *gin.Context) {
	if s.results == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "结果存储未启用"})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "400"))
	snaps, err := s.results.ListSnapshots(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"snapshots": snaps})
}

func (s *HTTPServer) handleRunSignals(c *gin.Context) {
	if s.results == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "结果存储未启用"})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "200"))
	signals, err := s.results.ListSignals(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"signals": signals})
}

func (s *HTTPServer) handleRunChart(c *gin.Context) {
	if s.results == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "结果存储未启用"})
		return
	}
	run, err := s.results.GetRun(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	if run.ChartPath == "" {
		c.JSON(http.StatusNotFound, gin.H{"error": "该回测没有生成图表"})
		return
	}
	if _, err := os.Stat(run.ChartPath); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "图表文件不存在"})
		return
	}
	c.File(run.ChartPath)
}

func (s *HTTPServer) handleStrategies(c *gin.Context) {
	out := make(map[string]map[string]any)
	for _, name := range strategy.Names() {
		defaults, err := strategy.Defaults(name)
		if err != nil {
			continue
		}
		out[name] = defaults
	}
	c.JSON(http.StatusOK, gin.H{"strategies": out})
}

func (s *HTTPServer) handlePresets(c *gin.Context) {
	if s.presets == nil {
		c.JSON(http.StatusOK, gin.H{"presets": []preset.Preset{}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"presets": s.presets.List()})
}

type optimizeBody struct {
	RunRequest
	Grid            map[string][]any `json:"grid" binding:"required"`
	MaxConcurrent   int              `json:"max_concurrent"`
	TargetReturnPct float64          `json:"target_return_pct"`
	Top             int              `json:"top"`
}

// handleOptimize 同步执行网格搜索，返回排名靠前的组合。
func (s *HTTPServer) handleOptimize(c *gin.Context) {
	if s.optimizer == nil || s.runner == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "参数优化未启用"})
		return
	}
	var body optimizeBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	base, err := s.runner.Prepare(body.RunRequest)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	res, err := s.optimizer.Optimize(c.Request.Context(), OptimizeRequest{
		Base:            base,
		Grid:            body.Grid,
		MaxConcurrent:   body.MaxConcurrent,
		TargetReturnPct: body.TargetReturnPct,
		Top:             body.Top,
	})
	if err != nil {
		c.JSON(statusFor(err), gin.H{"error": err.Error()})
		return
	}
	top := body.Top
	if top <= 0 {
		top = 10
	}
	if len(res.Trials) > top {
		res.Trials = res.Trials[:top]
	}
	c.JSON(http.StatusOK, gin.H{"result": res})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrRunNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrInsufficientData), IsValidation(err):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// Start 启动 HTTP 服务，阻塞直到 ctx 取消或出现错误。
func (s *HTTPServer) Start(ctx context.Context) error {
	srv := &http.Server{Addr: s.addr, Handler: s.router}
	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shCtx)
		return nil
	case err := <-errCh:
		return err
	}
}
