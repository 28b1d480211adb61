package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/guireclegagne-dev/ecommerce-scraper/internal/config"
	"github.com/guireclegagne-dev/ecommerce-scraper/internal/crawler"
	"github.com/guireclegagne-dev/ecommerce-scraper/internal/model"
	"github.com/guireclegagne-dev/ecommerce-scraper/internal/pkg/notify"
	"github.com/guireclegagne-dev/ecommerce-scraper/internal/pkg/queue"
	"github.com/guireclegagne-dev/ecommerce-scraper/internal/store"
)

// Pipeline 执行单个站点的采集 pass。
type Pipeline interface {
	Run(ctx context.Context, site *model.SiteProfile, creds model.Credentials) ([]model.Product, *model.SitePassResult, error)
}

// Persister 将提取的记录批量入库。
type Persister interface {
	UpsertProducts(ctx context.Context, records []model.Product) store.PersistResult
}

// Orchestrator 调度所有站点的采集：worker pool 并发、站点级重试、
// 入库与运行报告汇总。
//
// 站点 pass 整体失败（登录失败或第一页失败）且错误为瞬时类时
// 按配置重试整个 pass；partial 结果不重试。
type Orchestrator struct {
	cfg      *config.Config
	sites    []model.SiteProfile
	creds    config.CredentialSource
	pipeline Pipeline
	store    Persister
	notifier notify.Notifier
	logger   *slog.Logger
}

// New 创建调度器。notifier 可为 nil（不发送报告）。
func New(cfg *config.Config, sites []model.SiteProfile, creds config.CredentialSource,
	pipeline Pipeline, persister Persister, notifier notify.Notifier, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		cfg:      cfg,
		sites:    sites,
		creds:    creds,
		pipeline: pipeline,
		store:    persister,
		notifier: notifier,
		logger:   logger,
	}
}

// RunAll 对所有 active 站点执行一轮采集。
//
// 每个站点作为一个 Job 入队，worker 数即并发站点数上限；
// 全部完成后汇总 RunReport 并发送通知。单个站点失败不影响其他站点。
func (o *Orchestrator) RunAll(ctx context.Context) (*model.RunReport, error) {
	report := &model.RunReport{StartedAt: time.Now()}

	var active []model.SiteProfile
	for _, s := range o.sites {
		if s.Active {
			active = append(active, s)
		}
	}
	if len(active) == 0 {
		report.FinishedAt = time.Now()
		o.logger.Warn("no active sites configured, nothing to do")
		return report, nil
	}

	pool := queue.New(o.logger, o.cfg.App.WorkerPoolSize, o.cfg.App.QueueCapacity)
	pool.Start(ctx)

	// 每个槽位先占一个失败结果；任务因取消或 panic 没跑完时，
	// 报告里仍有对应站点的条目而不是空白
	results := make([]model.SitePassResult, len(active))
	enqueuedAt := time.Now()
	for i := range active {
		results[i] = model.SitePassResult{
			Site:       active[i].Name,
			URL:        active[i].URL,
			Outcome:    model.PassFailed,
			Errors:     []string{"site pass did not run"},
			StartedAt:  enqueuedAt,
			FinishedAt: enqueuedAt,
		}
	}

	for i := range active {
		i := i
		site := active[i]
		job := func(jobCtx context.Context) error {
			results[i] = *o.runSite(jobCtx, &site)
			if results[i].Outcome == model.PassFailed {
				return fmt.Errorf("site %s pass failed", site.Name)
			}
			return nil
		}
		if err := pool.Submit(ctx, job); err != nil {
			results[i] = model.SitePassResult{
				Site:       site.Name,
				URL:        site.URL,
				Outcome:    model.PassFailed,
				Errors:     []string{err.Error()},
				StartedAt:  time.Now(),
				FinishedAt: time.Now(),
			}
		}
	}

	// 停止接收并等待所有站点 pass 跑完
	pool.Drain()

	// 入队顺序即 sites 顺序，报告按站点名排序保持稳定输出
	sort.Slice(results, func(a, b int) bool { return results[a].Site < results[b].Site })
	report.Sites = results
	report.FinishedAt = time.Now()

	o.logger.Info("run completed",
		slog.Int("sites", len(results)),
		slog.Int("succeeded", report.Succeeded()),
		slog.Int("failed", report.Failed()),
		slog.Int("extracted", report.TotalExtracted()),
		slog.Int("persisted", report.TotalPersisted()),
		slog.Duration("elapsed", report.FinishedAt.Sub(report.StartedAt)))

	if o.notifier != nil {
		if err := o.notifier.SendReport(ctx, report); err != nil {
			o.logger.Error("send run report failed", slog.String("error", err.Error()))
		}
	}

	return report, nil
}

// RunOne 对单个站点执行一次采集 pass（按站点名查找）。
func (o *Orchestrator) RunOne(ctx context.Context, siteName string) (*model.SitePassResult, error) {
	for i := range o.sites {
		if o.sites[i].Name == siteName {
			return o.runSite(ctx, &o.sites[i]), nil
		}
	}
	return nil, fmt.Errorf("site %q not found in registry", siteName)
}

// runSite 执行站点 pass（带重试）并入库，返回最终结果。
func (o *Orchestrator) runSite(ctx context.Context, site *model.SiteProfile) *model.SitePassResult {
	creds, err := o.creds.Lookup(site.Name)
	if err != nil {
		o.logger.Error("credentials lookup failed",
			slog.String("site", site.Name),
			slog.String("error", err.Error()))
		now := time.Now()
		return &model.SitePassResult{
			Site:       site.Name,
			URL:        site.URL,
			Outcome:    model.PassFailed,
			Errors:     []string{err.Error()},
			StartedAt:  now,
			FinishedAt: now,
		}
	}

	records, result := o.runWithRetry(ctx, site, creds)

	if len(records) > 0 {
		pr := o.store.UpsertProducts(ctx, records)
		result.RecordsPersisted = pr.Persisted
		for _, perr := range pr.Errors {
			result.Errors = append(result.Errors, perr.Error())
		}
	}

	return result
}

// runWithRetry 失败的 pass 且错误为瞬时类时整体重试，至多 SiteRetries 次。
func (o *Orchestrator) runWithRetry(ctx context.Context, site *model.SiteProfile, creds model.Credentials) ([]model.Product, *model.SitePassResult) {
	var (
		records []model.Product
		result  *model.SitePassResult
		passErr error
	)

	for attempt := 0; ; attempt++ {
		records, result, passErr = o.pipeline.Run(ctx, site, creds)
		if passErr == nil {
			return records, result
		}
		if attempt >= o.cfg.App.SiteRetries || !crawler.IsTransientFetch(passErr) {
			return records, result
		}

		wait := o.cfg.Crawl.RetryBackoff * time.Duration(attempt+1)
		o.logger.Warn("retrying site pass",
			slog.String("site", site.Name),
			slog.Int("attempt", attempt+1),
			slog.Duration("backoff", wait))
		select {
		case <-ctx.Done():
			result.Errors = append(result.Errors, ctx.Err().Error())
			return records, result
		case <-time.After(wait):
		}
	}
}
