package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"certwatch/internal/api"
	"certwatch/internal/buildinfo"
	"certwatch/internal/config"
	"certwatch/internal/logger"
	"certwatch/internal/notify"
	"certwatch/internal/scheduler"
	"certwatch/internal/storage"
)

func main() {
	// 打印版本信息
	logger.Info("main", "CertWatch 启动",
		"version", buildinfo.GetVersion(),
		"git_commit", buildinfo.GetGitCommit(),
		"build_time", buildinfo.GetBuildTime())

	// 配置文件路径
	configFile := "config.yaml"
	if len(os.Args) > 1 {
		configFile = os.Args[1]
	}

	// 创建配置加载器
	loader := config.NewLoader()

	// 初始加载配置
	cfg, err := loader.Load(configFile)
	if err != nil {
		logger.Error("main", "无法加载配置文件", "error", err)
		os.Exit(1)
	}

	logger.Info("main", "配置加载完成",
		"domains", len(cfg.Domains),
		"interval", cfg.Interval,
		"timeout", cfg.Timeout,
		"max_concurrency", cfg.MaxConcurrency,
		"stagger_probes", cfg.ShouldStaggerProbes(),
	)

	// 初始化存储（支持 SQLite 和 PostgreSQL）
	store, err := storage.New(&cfg.Storage)
	if err != nil {
		logger.Error("main", "初始化存储失败", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	if err := store.Init(); err != nil {
		logger.Error("main", "初始化数据库失败", "error", err)
		os.Exit(1)
	}

	storageType := cfg.Storage.Type
	if storageType == "" {
		storageType = "sqlite"
	}
	logger.Info("main", "存储已就绪", "type", storageType)

	// 创建上下文（用于优雅关闭）
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 通知派发器（按配置启用 email/webhook 通道）
	dispatcher := notify.NewDispatcher(store, notify.ChannelsFromConfig(&cfg.Alerts)...)

	// 创建调度器（启动即执行首轮巡检）
	sched := scheduler.NewScheduler(store, dispatcher)
	sched.Start(ctx, cfg)

	// 创建API服务器
	server := api.NewServer(store, cfg, sched, cfg.ListenPort)

	// 启动配置监听器（热更新）
	watcher, err := config.NewWatcher(loader, configFile, func(newCfg *config.AppConfig) {
		// 配置热更新回调
		sched.UpdateConfig(newCfg)
		server.UpdateConfig(newCfg)
		// 立即触发一次巡检，确保新配置立即生效
		sched.TriggerNow()
	})

	if err != nil {
		logger.Warn("main", "配置监听器创建失败，热更新功能不可用", "error", err)
	} else {
		if err := watcher.Start(ctx); err != nil {
			logger.Warn("main", "配置监听器启动失败，热更新功能不可用", "error", err)
		} else {
			logger.Info("main", "配置热更新已启用")
		}
	}

	// 历史数据清理与归档任务（默认关闭，按配置启用）
	cleaner := storage.NewCleaner(store, &cfg.Storage.Retention)
	go cleaner.Start(ctx)

	archiver := storage.NewArchiver(store, &cfg.Storage.Archive)
	go archiver.Start(ctx)

	// 监听中断信号（优雅关闭）
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	// 启动HTTP服务器（阻塞）
	go func() {
		if err := server.Start(); err != nil {
			logger.Error("main", "HTTP服务器错误", "error", err)
			cancel()
			// 向信号通道发送信号，确保进程退出
			sigChan <- syscall.SIGTERM
		}
	}()

	// 等待中断信号
	<-sigChan
	logger.Info("main", "收到关闭信号，正在优雅退出")

	// 取消上下文
	cancel()

	// 停止调度器（等待进行中的巡检结束）
	sched.Stop()

	// 停止HTTP服务器
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Stop(shutdownCtx); err != nil {
		logger.Warn("main", "HTTP服务器关闭错误", "error", err)
	}

	logger.Info("main", "服务已安全退出")
}
