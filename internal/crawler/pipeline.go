package crawler

import (
	"context"
	"log/slog"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/go-rod/rod"
	"github.com/redis/go-redis/v9"

	"github.com/guireclegagne-dev/ecommerce-scraper/internal/config"
	"github.com/guireclegagne-dev/ecommerce-scraper/internal/model"
	"github.com/guireclegagne-dev/ecommerce-scraper/internal/pkg/metrics"
	"github.com/guireclegagne-dev/ecommerce-scraper/internal/pkg/ratelimit"
)

// Pipeline 执行单个站点的完整采集 pass：
// 登录（如需要）、翻页遍历、卡片枚举、字段提取、归一化、打戳。
//
// 入库由调用方负责，pipeline 只产出记录；字段缺失降级为空值，
// 只有登录失败或第一页抓取失败会让整个 pass 失败。
type Pipeline struct {
	browser *rod.Browser
	rdb     *redis.Client
	cfg     *config.Config
	logger  *slog.Logger
}

// NewPipeline 创建采集管线。browser 可为 nil（纯静态站点部署）。
func NewPipeline(browser *rod.Browser, rdb *redis.Client, cfg *config.Config, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		browser: browser,
		rdb:     rdb,
		cfg:     cfg,
		logger:  logger,
	}
}

// Run 执行站点 pass。返回提取的记录与结果骨架
// （RecordsPersisted 由调用方入库后回填）。
//
// 第三个返回值仅在 pass 整体失败时非 nil（登录失败或第一页
// 抓取失败），供调用方做重试分类；partial 不算失败。
func (p *Pipeline) Run(ctx context.Context, site *model.SiteProfile, creds model.Credentials) ([]model.Product, *model.SitePassResult, error) {
	metrics.ActivePasses.Inc()
	defer metrics.ActivePasses.Dec()

	result := &model.SitePassResult{
		Site:      site.Name,
		URL:       site.URL,
		StartedAt: time.Now(),
	}
	finish := func(outcome model.PassOutcome) {
		result.Outcome = outcome
		result.FinishedAt = time.Now()
		metrics.SitePassesTotal.WithLabelValues(site.Name, string(outcome)).Inc()
	}

	limiter := ratelimit.NewSiteLimiter(p.rdb, site.Name, p.cfg.Crawl.MinInterval)
	resolver := NewResolver(site)

	var fetcher Fetcher
	if site.Mode == model.FetchModeRendered {
		rendered := NewRenderedFetcher(p.browser, site.Name, limiter, p.cfg.Crawl.FetchTimeout, p.logger)
		if site.RequiresAuth {
			session, err := OpenSession(ctx, p.browser, site, creds, p.cfg.Crawl.FetchTimeout, p.logger)
			if err != nil {
				p.logger.Error("site login failed",
					slog.String("site", site.Name),
					slog.String("error", err.Error()))
				result.Errors = append(result.Errors, err.Error())
				finish(model.PassFailed)
				return nil, result, err
			}
			defer session.Close()
			rendered.UsePage(session.Page())
		}
		fetcher = rendered
	} else {
		fetcher = NewStaticFetcher(site.Name, limiter, p.cfg.Crawl.FetchTimeout, p.logger)
	}

	paginator := NewPaginator(fetcher, resolver, site,
		p.cfg.Crawl.DefaultMaxPages, p.cfg.Crawl.PageRetries, p.cfg.Crawl.RetryBackoff, p.logger)

	var records []model.Product
	var traversalErr error
	seenURLs := make(map[string]bool)
	dropped := 0

	for {
		page, err := paginator.Next(ctx)
		if err != nil {
			traversalErr = err
			result.Errors = append(result.Errors, err.Error())
			break
		}
		if page == nil {
			break
		}

		cards, cardSel := resolver.Cards(page.Doc)
		if cards.Length() == 0 {
			p.logger.Info("no product cards on page",
				slog.String("site", site.Name),
				slog.String("url", page.URL))
			paginator.MarkEmpty()
			continue
		}

		p.logger.Debug("cards found",
			slog.String("site", site.Name),
			slog.String("url", page.URL),
			slog.String("selector", cardSel),
			slog.Int("count", cards.Length()))

		for i := 0; i < cards.Length(); i++ {
			record := p.extractRecord(resolver, cards.Eq(i), page, site)

			if !record.Valid() {
				dropped++
				metrics.RecordsDroppedTotal.WithLabelValues(site.Name).Inc()
				continue
			}
			// 同一 pass 内相同详情页只保留首次出现
			if record.URL != "" && seenURLs[record.URL] {
				continue
			}
			if record.URL != "" {
				seenURLs[record.URL] = true
			}
			records = append(records, record)
		}
	}

	if dropped > 0 {
		p.logger.Warn("records dropped for missing model field",
			slog.String("site", site.Name),
			slog.Int("dropped", dropped))
	}

	result.PagesFetched = paginator.Fetched()
	result.RecordsExtracted = len(records)
	metrics.RecordsExtractedTotal.WithLabelValues(site.Name).Add(float64(len(records)))

	var passErr error
	switch {
	case paginator.State() == StateFailed && paginator.Fetched() == 0:
		finish(model.PassFailed)
		passErr = traversalErr
	case paginator.State() == StateFailed:
		finish(model.PassPartial)
	default:
		finish(model.PassSuccess)
	}

	p.logger.Info("site pass completed",
		slog.String("site", site.Name),
		slog.String("outcome", string(result.Outcome)),
		slog.Int("pages", result.PagesFetched),
		slog.Int("records", result.RecordsExtracted))

	return records, result, passErr
}

// extractRecord 从一张卡片提取并归一化一条商品记录。
func (p *Pipeline) extractRecord(resolver *Resolver, card *goquery.Selection, page *FetchedPage, site *model.SiteProfile) model.Product {
	record := model.Product{
		Brand:        resolver.Field(card, "brand").Value,
		Model:        resolver.Field(card, "model").Value,
		Finish:       resolver.Field(card, "finish").Value,
		Specs:        resolver.Field(card, "specs").Value,
		Price:        resolver.Field(card, "price").Value,
		Availability: NormalizeAvailability(resolver.Field(card, "availability").Value),
		SiteSource:   site.Name,
		CollectedAt:  page.FetchedAt,
	}

	if href := resolver.Field(card, "url").Value; href != "" {
		record.URL = AbsoluteURL(page.URL, href)
	}
	if src := resolver.Field(card, "image").Value; src != "" {
		record.ImageURL = AbsoluteURL(page.URL, src)
	}
	// 卡片没有品牌元素时从标题猜
	if record.Brand == "" {
		record.Brand = BrandFromTitle(record.Model)
	}

	record.DedupKey = record.IdentityKey()
	return record
}
