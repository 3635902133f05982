package backtest

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"autoquant/internal/logger"
	"autoquant/internal/market"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
)

// ServiceConfig 配置补数服务。
type ServiceConfig struct {
	Store           CandleStore
	Sources         map[string]CandleSource
	DefaultExchange string
	RateLimitPerMin int
	MaxBatch        int
	MaxConcurrent   int
}

// Service 以序列（source + symbol + timeframe）为单位补齐本地缓存：
// 先对照周期网格找出缺口，再限速向对应数据源拉取并写库。
type Service struct {
	store           CandleStore
	sources         map[string]CandleSource
	defaultExchange string
	maxBatch        int
	log             logger.Component

	limiter *rate.Limiter
	sem     chan struct{}

	mu   sync.RWMutex
	jobs map[string]*FetchJob

	baseCtx context.Context
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store 不能为空")
	}
	if len(cfg.Sources) == 0 {
		return nil, fmt.Errorf("至少需要一个数据源")
	}
	perSec := rate.Limit(8)
	if cfg.RateLimitPerMin > 0 {
		perSec = rate.Limit(float64(cfg.RateLimitPerMin) / 60.0)
	}
	maxBatch := cfg.MaxBatch
	if maxBatch <= 0 {
		maxBatch = 1000
	}
	svc := &Service{
		store:    cfg.Store,
		sources:  make(map[string]CandleSource, len(cfg.Sources)),
		maxBatch: maxBatch,
		log:      logger.Named("fetch"),
		limiter:  rate.NewLimiter(perSec, 1),
		sem:      make(chan struct{}, max(cfg.MaxConcurrent, 1)),
		jobs:     make(map[string]*FetchJob),
		baseCtx:  context.Background(),
	}
	names := make([]string, 0, len(cfg.Sources))
	for name, src := range cfg.Sources {
		name = strings.ToLower(strings.TrimSpace(name))
		svc.sources[name] = src
		names = append(names, name)
	}
	sort.Strings(names)
	svc.defaultExchange = strings.ToLower(strings.TrimSpace(cfg.DefaultExchange))
	if svc.defaultExchange == "" {
		svc.defaultExchange = names[0]
	}
	if _, ok := svc.sources[svc.defaultExchange]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSource, cfg.DefaultExchange)
	}
	return svc, nil
}

// SetContext 注入宿主 ctx，用于任务取消。
func (s *Service) SetContext(ctx context.Context) {
	if ctx != nil {
		s.baseCtx = ctx
	}
}

func (s *Service) ctx() context.Context {
	if s.baseCtx == nil {
		return context.Background()
	}
	return s.baseCtx
}

// Source 按名称查找数据源，名称为空时取默认数据源。
func (s *Service) Source(name string) (CandleSource, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		name = s.defaultExchange
	}
	src, ok := s.sources[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSource, name)
	}
	return src, nil
}

// Series 把请求参数解析为缓存序列；exchange 为空时落到默认数据源。
func (s *Service) Series(exchange, symbol, timeframe string) (SeriesKey, Timeframe, error) {
	src, err := s.Source(exchange)
	if err != nil {
		return SeriesKey{}, Timeframe{}, err
	}
	tf, err := ParseTimeframe(timeframe)
	if err != nil {
		return SeriesKey{}, Timeframe{}, err
	}
	key, err := NewSeriesKey(src.Name(), symbol, tf.Key)
	if err != nil {
		return SeriesKey{}, Timeframe{}, err
	}
	return key, tf, nil
}

// fetchPlan 是一次补数请求解析后的输入。
type fetchPlan struct {
	key    SeriesKey
	tf     Timeframe
	source CandleSource
	params FetchParams
}

func (s *Service) plan(params FetchParams) (fetchPlan, error) {
	if strings.TrimSpace(params.Symbol) == "" {
		return fetchPlan{}, fmt.Errorf("symbol 不能为空")
	}
	if params.End <= params.Start {
		return fetchPlan{}, fmt.Errorf("start 与 end 需要构成区间")
	}
	src, err := s.Source(params.Exchange)
	if err != nil {
		return fetchPlan{}, err
	}
	key, tf, err := s.Series(src.Name(), params.Symbol, params.Timeframe)
	if err != nil {
		return fetchPlan{}, err
	}
	params.Exchange = key.Source
	params.Timeframe = tf.Key
	params.Start, params.End = tf.AlignRange(params.Start, params.End)
	return fetchPlan{key: key, tf: tf, source: src, params: params}, nil
}

// SubmitFetch 提交补数任务并立即返回；区间已完整时任务直接结束。
func (s *Service) SubmitFetch(params FetchParams) (FetchJob, error) {
	p, err := s.plan(params)
	if err != nil {
		return FetchJob{}, err
	}
	report, err := CheckIntegrity(s.ctx(), s.store, p.key, p.tf, p.params.Start, p.params.End)
	if err != nil {
		return FetchJob{}, err
	}
	now := time.Now()
	job := &FetchJob{
		ID:        uuid.NewString(),
		Status:    JobStatusPending,
		Series:    p.key.String(),
		Params:    p.params,
		Total:     report.Expected,
		Completed: min(report.Present, report.Expected),
		StartedAt: now,
		UpdatedAt: now,
		Missing:   append([]Gap{}, report.Gaps...),
	}
	s.mu.Lock()
	s.jobs[job.ID] = job
	s.mu.Unlock()
	s.log.Infof("任务 %s 提交：%s [%s, %s] 预计=%d 缺口=%d", job.ID, p.key,
		formatMillis(p.params.Start), formatMillis(p.params.End), report.Expected, len(report.Gaps))

	if report.Expected == 0 || report.Complete() {
		s.setJobStatus(job.ID, JobStatusDone, "数据已完整，无需重新拉取", report.Gaps)
		return job.copy(), nil
	}
	go s.runJob(job.ID, p, report.Gaps)
	return job.copy(), nil
}

func (s *Service) runJob(jobID string, p fetchPlan, gaps []Gap) {
	ctx := s.ctx()
	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		s.setJobStatus(jobID, JobStatusFailed, "服务已关闭", nil)
		return
	}
	defer func() { <-s.sem }()

	s.log.Infof("任务 %s 开始，缺口=%d", jobID, len(gaps))
	s.updateJob(jobID, func(j *FetchJob) {
		j.Status = JobStatusRunning
		j.Message = ""
	})
	for _, gap := range gaps {
		if err := s.fillGap(ctx, jobID, p, gap); err != nil {
			s.setJobStatus(jobID, JobStatusFailed, err.Error(), nil)
			s.log.Warnf("任务 %s 失败: %v", jobID, err)
			return
		}
	}
	s.finishJob(ctx, jobID, p)
}

// fillGap 按 maxBatch 分批拉取一个缺口；数据源返回空批或全部重复时提前结束，留给完整性检查判定。
func (s *Service) fillGap(ctx context.Context, jobID string, p fetchPlan, gap Gap) error {
	step := p.tf.durationMillis()
	for cursor := gap.From; cursor <= gap.To; {
		if err := s.limiter.Wait(ctx); err != nil {
			return err
		}
		req := FetchRequest{
			Symbol:   p.params.Symbol,
			Interval: p.tf.SourceInterval,
			Start:    cursor,
			End:      gap.To,
			Limit:    min(int((gap.To-cursor)/step)+1, s.maxBatch),
		}
		data, err := p.source.Fetch(ctx, req)
		if err != nil {
			return fmt.Errorf("%s 拉取失败: %w", p.source.Name(), err)
		}
		if len(data) == 0 {
			s.addWarning(jobID, fmt.Sprintf("%s 区间 [%s, %s] 无数据", p.source.Name(), formatMillis(cursor), formatMillis(gap.To)))
			return nil
		}
		inserted, err := s.store.InsertCandles(ctx, p.key, data)
		if err != nil {
			return fmt.Errorf("写入失败: %w", err)
		}
		s.updateJob(jobID, func(j *FetchJob) {
			j.Completed += int64(inserted)
			j.UpdatedAt = time.Now()
		})
		next := data[len(data)-1].OpenTime + step
		if inserted == 0 || next <= cursor {
			return nil
		}
		cursor = next
	}
	return nil
}

func (s *Service) finishJob(ctx context.Context, jobID string, p fetchPlan) {
	report, err := CheckIntegrity(ctx, s.store, p.key, p.tf, p.params.Start, p.params.End)
	if err != nil {
		s.setJobStatus(jobID, JobStatusFailed, "完整性检查失败: "+err.Error(), nil)
		return
	}
	status, message := JobStatusDone, "拉取完成"
	if !report.Complete() {
		status, message = JobStatusPartial, "已完成，但仍存在缺口"
	}
	s.updateJob(jobID, func(j *FetchJob) {
		j.Status = status
		j.Message = message
		j.Completed = min(report.Present, report.Expected)
		j.Missing = append([]Gap{}, report.Gaps...)
		j.UpdatedAt = time.Now()
	})
	s.log.Infof("任务 %s 完成，状态=%s，缺口=%d", jobID, status, len(report.Gaps))
}

func (s *Service) setJobStatus(jobID, status, message string, gaps []Gap) {
	s.updateJob(jobID, func(j *FetchJob) {
		j.Status = status
		j.Message = message
		j.Missing = append([]Gap{}, gaps...)
		j.UpdatedAt = time.Now()
	})
}

func (s *Service) addWarning(jobID, msg string) {
	s.updateJob(jobID, func(j *FetchJob) {
		j.Warnings = append(j.Warnings, msg)
	})
}

func (s *Service) updateJob(id string, fn func(*FetchJob)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job, ok := s.jobs[id]; ok {
		fn(job)
	}
}

// JobSnapshot 返回任务副本。
func (s *Service) JobSnapshot(id string) (FetchJob, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return FetchJob{}, false
	}
	return job.copy(), true
}

// JobsSnapshot 返回所有任务的拷贝列表（最新的在前）。
func (s *Service) JobsSnapshot() []FetchJob {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]FetchJob, 0, len(s.jobs))
	for _, job := range s.jobs {
		out = append(out, job.copy())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out
}

// ManifestInfo 读取某条序列的缓存概况。
func (s *Service) ManifestInfo(ctx context.Context, exchange, symbol, timeframe string) (Manifest, error) {
	key, _, err := s.Series(exchange, symbol, timeframe)
	if err != nil {
		return Manifest{}, err
	}
	return s.store.Manifest(ctx, key)
}

// QueryCandles 读取某条序列的一页缓存 K 线。
func (s *Service) QueryCandles(ctx context.Context, exchange, symbol, timeframe string, start, end int64, limit int) ([]market.Candle, error) {
	key, _, err := s.Series(exchange, symbol, timeframe)
	if err != nil {
		return nil, err
	}
	return s.store.QueryCandles(ctx, key, start, end, limit)
}

// Sync 提交任务并阻塞等待其结束，供 CLI 与回测前的数据准备使用。
func (s *Service) Sync(ctx context.Context, params FetchParams) (FetchJob, error) {
	job, err := s.SubmitFetch(params)
	if err != nil {
		return FetchJob{}, err
	}
	if job.Finished() {
		return job, nil
	}
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return job, ctx.Err()
		case <-ticker.C:
			snap, ok := s.JobSnapshot(job.ID)
			if !ok {
				return job, fmt.Errorf("任务 %s 丢失", job.ID)
			}
			if !snap.Finished() {
				continue
			}
			if snap.Status == JobStatusFailed {
				return snap, fmt.Errorf("拉取 %s 失败: %s", snap.Series, snap.Message)
			}
			return snap, nil
		}
	}
}

func formatMillis(ms int64) string {
	return time.UnixMilli(ms).UTC().Format("2006-01-02 15:04")
}
