package crawler

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"net/http/cookiejar"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/go-resty/resty/v2"
	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/go-rod/stealth"

	"github.com/guireclegagne-dev/ecommerce-scraper/internal/pkg/metrics"
	"github.com/guireclegagne-dev/ecommerce-scraper/internal/pkg/ratelimit"
)

// FetchedPage 一次页面抓取的结果。
//
// 静态与渲染两种抓取方式都归一到同一个可查询的 DOM 文档，
// 下游提取逻辑不感知抓取方式。
type FetchedPage struct {
	URL        string
	Doc        *goquery.Document
	StatusCode int
	FetchedAt  time.Time
}

// Fetcher 抓取一个 URL 并返回解析好的页面。
type Fetcher interface {
	Fetch(ctx context.Context, pageURL string) (*FetchedPage, error)
}

var userAgents = []string{
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/123.0.0.0 Safari/537.36",
}

func pickUserAgent() string {
	return userAgents[rand.Intn(len(userAgents))]
}

// StaticFetcher 通过普通 HTTP 请求抓取页面，不执行脚本。
type StaticFetcher struct {
	client  *resty.Client
	site    string
	limiter *ratelimit.SiteLimiter
	logger  *slog.Logger
}

// NewStaticFetcher 创建静态抓取器。cookie 在整个站点 pass 内共享。
func NewStaticFetcher(site string, limiter *ratelimit.SiteLimiter, timeout time.Duration, logger *slog.Logger) *StaticFetcher {
	jar, _ := cookiejar.New(nil)
	client := resty.New().
		SetTimeout(timeout).
		SetCookieJar(jar).
		SetHeader("User-Agent", pickUserAgent()).
		SetHeader("Accept-Language", "fr,en;q=0.8").
		SetRedirectPolicy(resty.FlexibleRedirectPolicy(10))

	return &StaticFetcher{
		client:  client,
		site:    site,
		limiter: limiter,
		logger:  logger,
	}
}

// Fetch 实现 Fetcher。非 2xx 与网络错误归类为瞬时失败。
func (f *StaticFetcher) Fetch(ctx context.Context, pageURL string) (*FetchedPage, error) {
	if err := f.limiter.Acquire(ctx); err != nil {
		return nil, fmt.Errorf("rate limit: %w", err)
	}

	start := time.Now()
	resp, err := f.client.R().SetContext(ctx).Get(pageURL)
	metrics.PageFetchDuration.WithLabelValues(f.site, "static").Observe(time.Since(start).Seconds())

	if err != nil {
		metrics.PageFetchesTotal.WithLabelValues(f.site, "static", "error").Inc()
		return nil, classifyFetchError(pageURL, err, FetchTransient)
	}
	if resp.StatusCode() < 200 || resp.StatusCode() > 299 {
		metrics.PageFetchesTotal.WithLabelValues(f.site, "static", fmt.Sprintf("%d", resp.StatusCode())).Inc()
		return nil, &FetchError{
			Kind: FetchTransient,
			URL:  pageURL,
			Err:  fmt.Errorf("unexpected status %d", resp.StatusCode()),
		}
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(string(resp.Body())))
	if err != nil {
		metrics.PageFetchesTotal.WithLabelValues(f.site, "static", "parse_error").Inc()
		return nil, &FetchError{Kind: FetchTransient, URL: pageURL, Err: fmt.Errorf("parse html: %w", err)}
	}

	metrics.PageFetchesTotal.WithLabelValues(f.site, "static", "ok").Inc()
	f.logger.Debug("page fetched",
		slog.String("site", f.site),
		slog.String("url", pageURL),
		slog.Int("status", resp.StatusCode()))

	return &FetchedPage{
		URL:        pageURL,
		Doc:        doc,
		StatusCode: resp.StatusCode(),
		FetchedAt:  time.Now(),
	}, nil
}

// RenderedFetcher 通过无头浏览器渲染页面后抓取 DOM。
//
// 登录后的站点 pass 通过 UsePage 复用会话页面，cookie 与
// 登录态随之保留。
type RenderedFetcher struct {
	browser *rod.Browser
	site    string
	limiter *ratelimit.SiteLimiter
	timeout time.Duration
	logger  *slog.Logger

	page *rod.Page // 复用的会话页面，可为 nil
}

// NewRenderedFetcher 创建渲染抓取器。
func NewRenderedFetcher(browser *rod.Browser, site string, limiter *ratelimit.SiteLimiter, timeout time.Duration, logger *slog.Logger) *RenderedFetcher {
	return &RenderedFetcher{
		browser: browser,
		site:    site,
		limiter: limiter,
		timeout: timeout,
		logger:  logger,
	}
}

// UsePage 让后续抓取复用给定页面（通常来自登录会话）。
func (f *RenderedFetcher) UsePage(page *rod.Page) {
	f.page = page
}

// Fetch 实现 Fetcher。导航超时为瞬时失败，页面创建失败为致命失败。
func (f *RenderedFetcher) Fetch(ctx context.Context, pageURL string) (*FetchedPage, error) {
	if err := f.limiter.Acquire(ctx); err != nil {
		return nil, fmt.Errorf("rate limit: %w", err)
	}

	start := time.Now()

	page := f.page
	ownPage := false
	if page == nil {
		p, err := newStealthPage(ctx, f.browser, f.logger)
		if err != nil {
			metrics.PageFetchesTotal.WithLabelValues(f.site, "rendered", "page_error").Inc()
			return nil, &FetchError{Kind: FetchFatal, URL: pageURL, Err: err}
		}
		page = p
		ownPage = true
	}
	if ownPage {
		defer func() { _ = page.Close() }()
	}

	if err := navigateWithTimeout(ctx, page, pageURL, f.timeout); err != nil {
		metrics.PageFetchesTotal.WithLabelValues(f.site, "rendered", "error").Inc()
		return nil, classifyFetchError(pageURL, err, FetchTransient)
	}

	// 触发懒加载，直到内容不再增长
	scrollForLazyContent(page, f.timeout)

	html, err := page.HTML()
	if err != nil {
		metrics.PageFetchesTotal.WithLabelValues(f.site, "rendered", "error").Inc()
		return nil, &FetchError{Kind: FetchFatal, URL: pageURL, Err: fmt.Errorf("snapshot dom: %w", err)}
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, &FetchError{Kind: FetchTransient, URL: pageURL, Err: fmt.Errorf("parse html: %w", err)}
	}

	if looksBlocked(doc.Find("body").Text()) {
		metrics.PageFetchesTotal.WithLabelValues(f.site, "rendered", "blocked").Inc()
		return nil, &FetchError{Kind: FetchTransient, URL: pageURL, Err: fmt.Errorf("blocked page detected")}
	}

	metrics.PageFetchesTotal.WithLabelValues(f.site, "rendered", "ok").Inc()
	metrics.PageFetchDuration.WithLabelValues(f.site, "rendered").Observe(time.Since(start).Seconds())
	f.logger.Debug("page rendered",
		slog.String("site", f.site),
		slog.String("url", pageURL))

	return &FetchedPage{
		URL:        pageURL,
		Doc:        doc,
		StatusCode: 200,
		FetchedAt:  time.Now(),
	}, nil
}

const (
	pageCreateTimeout    = 15 * time.Second
	stealthScriptTimeout = 5 * time.Second
	scrollWaitInterval   = 400 * time.Millisecond
	maxScrollRounds      = 12
)

// 渲染抓取不需要的高带宽资源与追踪脚本
var blockedResourceURLs = []string{
	"*.png", "*.jpg", "*.jpeg", "*.gif", "*.webp", "*.svg", "*.ico",
	"*.avif", "*.bmp", "*.tif", "*.tiff",
	"*.woff", "*.woff2", "*.ttf", "*.eot", "*.otf",
	"*.mp4", "*.webm", "*.m4v", "*.mov", "*.avi",
	"*.mp3", "*.aac", "*.m4a", "*.ogg", "*.wav",
	"*google-analytics*",
	"*googletagmanager*",
	"*doubleclick*",
	"*criteo*",
	"*facebook*",
	"*hotjar*",
	"*sentry*",
}

// newStealthPage 创建一个带反检测脚本与资源屏蔽的空白页面。
// browser 为 nil（浏览器未启动或启动失败）时直接报错，
// 调用方会归类为致命抓取失败。
func newStealthPage(ctx context.Context, browser *rod.Browser, logger *slog.Logger) (*rod.Page, error) {
	if browser == nil {
		return nil, fmt.Errorf("browser not available")
	}

	type pageResult struct {
		page *rod.Page
		err  error
	}
	resultCh := make(chan pageResult, 1)

	go func() {
		page, err := browser.Context(ctx).Page(proto.TargetCreateTarget{URL: ""})
		select {
		case resultCh <- pageResult{page: page, err: err}:
		default:
			// 主流程已超时退出，清理页面
			if page != nil {
				_ = page.Close()
			}
		}
	}()

	createTimer := time.NewTimer(pageCreateTimeout)
	defer createTimer.Stop()

	var page *rod.Page
	select {
	case result := <-resultCh:
		if result.err != nil {
			return nil, fmt.Errorf("create page: %w", result.err)
		}
		page = result.page
	case <-createTimer.C:
		return nil, fmt.Errorf("create page timeout after %v", pageCreateTimeout)
	case <-ctx.Done():
		return nil, fmt.Errorf("context cancelled during page creation: %w", ctx.Err())
	}

	stealthTimer := time.NewTimer(stealthScriptTimeout)
	defer stealthTimer.Stop()
	stealthDone := make(chan error, 1)
	go func() {
		_, evalErr := page.EvalOnNewDocument(stealth.JS)
		stealthDone <- evalErr
	}()

	select {
	case err := <-stealthDone:
		if err != nil {
			_ = page.Close()
			return nil, fmt.Errorf("apply stealth script: %w", err)
		}
	case <-stealthTimer.C:
		_ = page.Close()
		return nil, fmt.Errorf("apply stealth script timeout after %v", stealthScriptTimeout)
	case <-ctx.Done():
		_ = page.Close()
		return nil, fmt.Errorf("context cancelled during stealth script: %w", ctx.Err())
	}

	if err := (proto.NetworkSetBlockedURLs{Urls: blockedResourceURLs}).Call(page); err != nil {
		logger.Warn("set blocked urls failed", slog.String("error", err.Error()))
	}
	if err := page.SetUserAgent(&proto.NetworkSetUserAgentOverride{UserAgent: pickUserAgent()}); err != nil {
		logger.Warn("set user agent failed", slog.String("error", err.Error()))
	}

	return page, nil
}

// navigateWithTimeout 导航并等待加载完成，整体受超时保护。
func navigateWithTimeout(ctx context.Context, page *rod.Page, url string, timeout time.Duration) error {
	navCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		if err := page.Navigate(url); err != nil {
			errCh <- err
			return
		}
		errCh <- page.WaitLoad()
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("navigate: %w", err)
		}
		return nil
	case <-navCtx.Done():
		return fmt.Errorf("navigate timeout: %w", navCtx.Err())
	}
}

// scrollForLazyContent 逐屏向下滚动触发懒加载，内容连续三轮不增长则停止。
func scrollForLazyContent(page *rod.Page, totalTimeout time.Duration) {
	deadline := time.After(totalTimeout)
	noGrowth := 0
	lastHeight := pageHeight(page)

	for round := 0; round < maxScrollRounds; round++ {
		_, _ = page.Eval(`() => window.scrollBy(0, window.innerHeight)`)

		select {
		case <-deadline:
			return
		case <-time.After(scrollWaitInterval):
		}

		height := pageHeight(page)
		if height <= lastHeight {
			noGrowth++
			if noGrowth >= 3 {
				return
			}
		} else {
			noGrowth = 0
		}
		lastHeight = height
	}
}

func pageHeight(page *rod.Page) int {
	res, err := page.Eval(`() => document.body ? document.body.scrollHeight : 0`)
	if err != nil {
		return 0
	}
	return res.Value.Int()
}
