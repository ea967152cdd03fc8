// Package scheduler 驱动周期性巡检：每个周期对全部启用端点执行
// 探测 → 变更检测 → 告警审批 → 通知派发 的完整流水线
package scheduler

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"certwatch/internal/alerts"
	"certwatch/internal/config"
	"certwatch/internal/events"
	"certwatch/internal/logger"
	"certwatch/internal/notify"
	"certwatch/internal/probe"
	"certwatch/internal/report"
	"certwatch/internal/storage"
)

// defaultMaxConcurrency 未配置时的并发上限
const defaultMaxConcurrency = 10

// Scheduler 巡检调度器
// 周期在单个 goroutine 内串行执行，端点在周期内有界并发；
// 同一端点的状态迁移由 events.Engine 按端点加锁保证串行
type Scheduler struct {
	store      storage.Storage
	events     *events.Engine
	dispatcher *notify.Dispatcher

	mu      sync.Mutex
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	// triggerCh 立即巡检信号（容量 1，重复触发合并）
	triggerCh chan struct{}

	// 配置引用（支持热更新）
	cfgMu sync.RWMutex
	cfg   *config.AppConfig

	// 最近一轮巡检结果（供 API 查询）
	latestMu sync.RWMutex
	latest   *report.Run
}

// NewScheduler 创建调度器
func NewScheduler(store storage.Storage, dispatcher *notify.Dispatcher) *Scheduler {
	return &Scheduler{
		store:      store,
		events:     events.NewEngine(store),
		dispatcher: dispatcher,
		triggerCh:  make(chan struct{}, 1),
	}
}

// Start 启动调度器，立即执行首轮巡检，之后按配置的间隔循环
func (s *Scheduler) Start(ctx context.Context, cfg *config.AppConfig) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	s.setConfig(cfg)

	s.wg.Add(1)
	go s.loop()

	logger.Info("scheduler", "调度器已启动",
		"domains", len(cfg.Domains), "interval", cfg.IntervalDuration.String())
}

// UpdateConfig 更新配置（热更新时调用）
// 同时按新配置重建通知通道；新间隔从下一轮起生效
func (s *Scheduler) UpdateConfig(cfg *config.AppConfig) {
	if cfg == nil {
		return
	}
	s.setConfig(cfg)
	if s.dispatcher != nil {
		s.dispatcher.SetChannels(notify.ChannelsFromConfig(&cfg.Alerts)...)
	}
	logger.Info("scheduler", "配置已更新", "domains", len(cfg.Domains))
}

// TriggerNow 请求立即执行一轮巡检
// 巡检进行中时信号被合并，结束后至多补跑一轮
func (s *Scheduler) TriggerNow() {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()
	if !running {
		return
	}

	select {
	case s.triggerCh <- struct{}{}:
		logger.Info("scheduler", "已请求立即巡检")
	default:
		// 已有待处理的触发信号
	}
}

// Stop 停止调度器并等待进行中的巡检结束
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	if s.cancel != nil {
		s.cancel()
	}
	s.mu.Unlock()

	s.wg.Wait()
	logger.Info("scheduler", "调度器已停止")
}

// LatestRun 返回最近一轮巡检结果（尚未完成首轮时为 nil）
func (s *Scheduler) LatestRun() *report.Run {
	s.latestMu.RLock()
	defer s.latestMu.RUnlock()
	return s.latest
}

func (s *Scheduler) setConfig(cfg *config.AppConfig) {
	s.cfgMu.Lock()
	s.cfg = cfg
	s.cfgMu.Unlock()
}

func (s *Scheduler) currentConfig() *config.AppConfig {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	return s.cfg
}

func (s *Scheduler) setLatestRun(run *report.Run) {
	s.latestMu.Lock()
	s.latest = run
	s.latestMu.Unlock()
}

// loop 调度主循环：启动即巡检，之后等待间隔或触发信号
func (s *Scheduler) loop() {
	defer s.wg.Done()

	s.runCycle()

	for {
		interval := 6 * time.Hour
		if cfg := s.currentConfig(); cfg != nil && cfg.IntervalDuration > 0 {
			interval = cfg.IntervalDuration
		}

		timer := time.NewTimer(interval)
		select {
		case <-s.ctx.Done():
			timer.Stop()
			return

		case <-timer.C:
			s.runCycle()

		case <-s.triggerCh:
			if !timer.Stop() {
				<-timer.C
			}
			s.runCycle()
		}
	}
}

// runCycle 执行一轮完整巡检
func (s *Scheduler) runCycle() {
	cfg := s.currentConfig()
	if cfg == nil {
		return
	}

	domains := cfg.EnabledDomains()
	run := report.NewRun()

	logger.Info("scheduler", "开始巡检",
		"run_id", run.ID, "domains", len(domains), "skipped", len(cfg.Domains)-len(domains))

	if len(domains) == 0 {
		run.Finish(nil)
		s.setLatestRun(run)
		logger.Warn("scheduler", "没有启用的巡检域名", "run_id", run.ID)
		return
	}

	limit := cfg.MaxConcurrency
	if limit == -1 {
		limit = len(domains)
	}
	if limit == 0 {
		limit = defaultMaxConcurrency
	}
	if limit < 1 {
		limit = 1
	}

	prober := probe.NewProber(cfg.TimeoutDuration)
	alertEngine := alerts.NewEngine(s.store, cfg.Alerts.DedupWindowDuration)

	var step, jitter time.Duration
	if cfg.ShouldStaggerProbes() {
		step = staggerStep(cfg.IntervalDuration, len(domains))
		jitter = step / 5
	}

	// 每个 worker 只写自己下标的行，失败也不取消其它端点
	rows := make([]report.Row, len(domains))

	g := new(errgroup.Group)
	g.SetLimit(limit)

	for i, d := range domains {
		delay := staggerDelay(step, jitter, i)
		g.Go(func() error {
			if delay > 0 {
				select {
				case <-time.After(delay):
				case <-s.ctx.Done():
					rows[i] = report.FailureRow(d.Hostname, d.Port, "check canceled")
					return nil
				}
			}
			rows[i] = s.checkEndpoint(s.ctx, prober, alertEngine, d)
			return nil
		})
	}
	_ = g.Wait()

	run.Finish(rows)
	s.setLatestRun(run)

	logger.Info("scheduler", "巡检完成",
		"run_id", run.ID,
		"checked", run.Summary.Checked,
		"ok", run.Summary.OK,
		"warning", run.Summary.Warning,
		"critical", run.Summary.Critical,
		"expired", run.Summary.Expired,
		"error", run.Summary.Errors,
		"duration_ms", run.DurationMS)
}

// checkEndpoint 对单个端点执行完整流水线，任何失败都只影响该端点
func (s *Scheduler) checkEndpoint(ctx context.Context, prober *probe.Prober, alertEngine *alerts.Engine, d config.DomainConfig) report.Row {
	result := prober.Probe(ctx, d.Hostname, d.Port)

	rec, evts, err := s.events.ProcessResult(result)
	if err != nil {
		logger.Error("scheduler", "保存探测结果失败",
			"hostname", d.Hostname, "port", d.Port, "error", err)
		return report.FailureRow(d.Hostname, d.Port, boundReason(err))
	}

	approved, err := alertEngine.Evaluate(rec, evts)
	if err != nil {
		// 状态与事件已提交，告警落库失败只损失本轮通知
		logger.Error("scheduler", "告警评估失败",
			"hostname", d.Hostname, "port", d.Port, "error", err)
	}

	if s.dispatcher != nil {
		for _, ap := range approved {
			s.dispatcher.Dispatch(ctx, ap.Alert, ap.Cert)
		}
	}

	return report.RowFromRecord(rec)
}

// staggerStep 计算错峰步长：默认 2 秒，但整轮铺开不超过周期的四分之一
func staggerStep(interval time.Duration, n int) time.Duration {
	if n <= 1 {
		return 0
	}

	step := 2 * time.Second
	if interval > 0 {
		if capStep := interval / 4 / time.Duration(n); capStep < step {
			step = capStep
		}
	}
	return step
}

// staggerDelay 计算第 index 个端点的错峰延迟
// 基准步长 × 序号 ± 抖动（使用全局 rand，Go 1.20+ 并发安全）
func staggerDelay(step, jitter time.Duration, index int) time.Duration {
	delay := step * time.Duration(index)
	if jitter <= 0 {
		if delay < 0 {
			return 0
		}
		return delay
	}

	offset := rand.Int63n(int64(jitter)*2+1) - int64(jitter)
	delay += time.Duration(offset)
	if delay < 0 {
		return 0
	}
	return delay
}

// boundReason 限制报表行里失败原因的长度
func boundReason(err error) string {
	const maxLen = 256
	msg := err.Error()
	runes := []rune(msg)
	if len(runes) <= maxLen {
		return msg
	}
	return string(runes[:maxLen]) + "..."
}
