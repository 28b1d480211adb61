package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-rod/rod"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/guireclegagne-dev/ecommerce-scraper/internal/config"
	"github.com/guireclegagne-dev/ecommerce-scraper/internal/crawler"
	"github.com/guireclegagne-dev/ecommerce-scraper/internal/model"
	"github.com/guireclegagne-dev/ecommerce-scraper/internal/orchestrator"
	"github.com/guireclegagne-dev/ecommerce-scraper/internal/pkg/logger"
	"github.com/guireclegagne-dev/ecommerce-scraper/internal/pkg/notify"
	"github.com/guireclegagne-dev/ecommerce-scraper/internal/store"
)

// main 是采集服务的入口函数。
//
// 它负责：
// 1. 加载配置与站点注册表
// 2. 初始化日志、存储、Redis 与浏览器（仅在有渲染站点时）
// 3. 启动 Metrics 服务
// 4. 按运行模式执行：单站点 / 一次性全量 / 每日定时
// 5. 优雅关闭
func main() {
	var (
		configPath string
		siteName   string
		runNow     bool
	)
	flag.StringVar(&configPath, "config", "", "config file path (default configs/config.json)")
	flag.StringVar(&siteName, "site", "", "run a single site by name and exit")
	flag.BoolVar(&runNow, "now", false, "run a full pass immediately before scheduling")
	flag.Parse()

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	appLogger := logger.NewDefault(cfg.App.LogLevel)

	sites, err := config.LoadSites(cfg.App.SitesPath)
	if err != nil {
		appLogger.Error("load sites registry failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	creds := config.NewFileCredentialSource(cfg.App.CredentialsDir)

	st, err := store.Open(cfg.MySQL.DSN, appLogger)
	if err != nil {
		appLogger.Error("open store failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
	})
	defer rdb.Close()

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// 浏览器只在有渲染站点参与时启动
	browser := startBrowserIfNeeded(ctx, cfg, sites, appLogger)
	if browser != nil {
		defer browser.Close()
	}

	pipeline := crawler.NewPipeline(browser, rdb, cfg, appLogger)
	notifier := notify.NewEmailNotifier(&cfg.Email, appLogger)
	orch := orchestrator.New(cfg, sites, creds, pipeline, st, notifier, appLogger)

	metricsServer := &http.Server{
		Addr:    cfg.App.MetricsAddr,
		Handler: promhttp.Handler(),
	}
	go func() {
		appLogger.Info("metrics server started", slog.String("addr", cfg.App.MetricsAddr))
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			appLogger.Error("metrics server stopped with error", slog.String("error", err.Error()))
		}
	}()

	exitCode := 0
	switch {
	case siteName != "":
		result, err := orch.RunOne(ctx, siteName)
		if err != nil {
			appLogger.Error("run site failed", slog.String("error", err.Error()))
			exitCode = 1
			break
		}
		appLogger.Info("site pass finished",
			slog.String("site", result.Site),
			slog.String("outcome", string(result.Outcome)),
			slog.Int("extracted", result.RecordsExtracted),
			slog.Int("persisted", result.RecordsPersisted))
		if result.Outcome == model.PassFailed {
			exitCode = 1
		}

	case !cfg.Schedule.Enabled:
		if _, err := orch.RunAll(ctx); err != nil {
			appLogger.Error("run failed", slog.String("error", err.Error()))
			exitCode = 1
		}

	default:
		if runNow {
			if _, err := orch.RunAll(ctx); err != nil {
				appLogger.Error("initial run failed", slog.String("error", err.Error()))
			}
		}

		sched, err := orchestrator.NewScheduler(&cfg.Schedule, func(runCtx context.Context) {
			if _, err := orch.RunAll(runCtx); err != nil {
				appLogger.Error("scheduled run failed", slog.String("error", err.Error()))
			}
		}, appLogger)
		if err != nil {
			appLogger.Error("init scheduler failed", slog.String("error", err.Error()))
			os.Exit(1)
		}

		go func() {
			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
			sig := <-sigCh
			appLogger.Info("received os signal", slog.String("signal", sig.String()))
			stop()
		}()

		sched.Start(ctx)
	}

	appLogger.Info("shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		appLogger.Error("metrics shutdown error", slog.String("error", err.Error()))
	}

	appLogger.Info("scout stopped gracefully")
	os.Exit(exitCode)
}

// startBrowserIfNeeded 在站点注册表里存在 active 的渲染站点时启动浏览器。
// 启动失败时记录错误并返回 nil，渲染站点的 pass 会各自失败，
// 静态站点不受影响。
func startBrowserIfNeeded(ctx context.Context, cfg *config.Config, sites []model.SiteProfile, logger *slog.Logger) *rod.Browser {
	needed := false
	for _, s := range sites {
		if s.Active && s.Mode == model.FetchModeRendered {
			needed = true
			break
		}
	}
	if !needed {
		return nil
	}

	browser, err := crawler.StartBrowser(ctx, &cfg.Browser, logger)
	if err != nil {
		logger.Error("start browser failed, rendered sites will fail",
			slog.String("error", err.Error()))
		return nil
	}
	return browser
}
