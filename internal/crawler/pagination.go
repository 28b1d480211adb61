package crawler

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"time"

	"github.com/guireclegagne-dev/ecommerce-scraper/internal/model"
)

// TraversalState 翻页遍历的状态机。
type TraversalState int

const (
	StateStart TraversalState = iota
	StateFetching
	StateHasNext
	StateExhausted // 正常穷尽：到达上限、无下一页或 URL 已见过
	StateFailed    // 重试预算耗尽
)

func (s TraversalState) String() string {
	switch s {
	case StateStart:
		return "start"
	case StateFetching:
		return "fetching"
	case StateHasNext:
		return "has_next"
	case StateExhausted:
		return "exhausted"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

const maxRetryBackoff = 30 * time.Second

// Paginator 按站点配置惰性遍历目录页序列。
//
// 下一页的确定顺序：配置的翻页选择器，启发式 "next" 入口，
// 最后回退为页码参数递增。产生不了新 URL 即穷尽；
// 瞬时抓取失败按预算重试，第一页预算耗尽整个遍历失败。
type Paginator struct {
	fetcher  Fetcher
	resolver *Resolver
	site     *model.SiteProfile
	logger   *slog.Logger

	maxPages int
	retries  int
	backoff  time.Duration

	state         TraversalState
	pageNum       int
	nextURL       string
	seen          map[string]bool
	fetched       int
	sawAffordance bool
	lastErr       error
}

// NewPaginator 创建站点的翻页遍历器。maxPages 为 0 时用 site.MaxPages。
func NewPaginator(fetcher Fetcher, resolver *Resolver, site *model.SiteProfile, maxPages, retries int, backoff time.Duration, logger *slog.Logger) *Paginator {
	if site.MaxPages > 0 {
		maxPages = site.MaxPages
	}
	if maxPages <= 0 {
		maxPages = 1
	}
	return &Paginator{
		fetcher:  fetcher,
		resolver: resolver,
		site:     site,
		logger:   logger,
		maxPages: maxPages,
		retries:  retries,
		backoff:  backoff,
		state:    StateStart,
		seen:     make(map[string]bool),
	}
}

// Next 返回下一页。遍历结束返回 (nil, nil)；失败返回 (nil, err)
// 并终止遍历。调用方通过 State 与 Fetched 区分穷尽与失败。
func (p *Paginator) Next(ctx context.Context) (*FetchedPage, error) {
	var target string
	switch p.state {
	case StateStart:
		target = p.site.URL
		p.pageNum = 1
	case StateHasNext:
		target = p.nextURL
		p.pageNum++
	default:
		return nil, nil
	}

	p.state = StateFetching
	page, err := p.fetchWithRetry(ctx, target)
	if err != nil {
		p.state = StateFailed
		p.lastErr = err
		p.logger.Warn("page traversal stopped",
			slog.String("site", p.site.Name),
			slog.Int("page", p.pageNum),
			slog.String("error", err.Error()))
		return nil, err
	}

	p.seen[target] = true
	p.fetched++
	p.advance(page)
	return page, nil
}

// fetchWithRetry 抓取单页，瞬时失败按指数退避重试。
func (p *Paginator) fetchWithRetry(ctx context.Context, target string) (*FetchedPage, error) {
	var lastErr error
	for attempt := 0; attempt <= p.retries; attempt++ {
		if attempt > 0 {
			wait := p.backoff << (attempt - 1)
			if wait > maxRetryBackoff {
				wait = maxRetryBackoff
			}
			p.logger.Debug("retrying page fetch",
				slog.String("site", p.site.Name),
				slog.String("url", target),
				slog.Int("attempt", attempt),
				slog.Duration("backoff", wait))
			select {
			case <-ctx.Done():
				return nil, fmt.Errorf("traversal cancelled: %w", ctx.Err())
			case <-time.After(wait):
			}
		}

		page, err := p.fetcher.Fetch(ctx, target)
		if err == nil {
			return page, nil
		}
		lastErr = err
		if !IsTransientFetch(err) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("retries exhausted for page %d: %w", p.pageNum, lastErr)
}

// advance 根据刚抓到的页面确定下一页，更新状态机。
func (p *Paginator) advance(page *FetchedPage) {
	if p.pageNum >= p.maxPages {
		p.state = StateExhausted
		return
	}

	var next string
	if href, ok := p.resolver.NextPageURL(page.Doc); ok {
		p.sawAffordance = true
		next = AbsoluteURL(page.URL, href)
	} else if p.sawAffordance {
		// 之前的页面都有翻页入口，这一页没有就是最后一页
		p.state = StateExhausted
		return
	} else {
		next = p.pageParamURL(p.pageNum + 1)
	}

	if next == "" || next == page.URL || p.seen[next] {
		p.state = StateExhausted
		return
	}

	p.nextURL = next
	p.state = StateHasNext
}

// pageParamURL 在站点入口 URL 上设置页码参数。
func (p *Paginator) pageParamURL(n int) string {
	u, err := url.Parse(p.site.URL)
	if err != nil {
		return ""
	}
	q := u.Query()
	param := p.site.PageParam
	if param == "" {
		param = "page"
	}
	q.Set(param, strconv.Itoa(n))
	u.RawQuery = q.Encode()
	return u.String()
}

// MarkEmpty 由调用方在当前页没有任何商品卡片时调用，终止遍历。
// 参数递增式翻页没有别的穷尽信号，空页就是终点。
func (p *Paginator) MarkEmpty() {
	if p.state == StateHasNext {
		p.state = StateExhausted
	}
}

// State 返回当前状态。
func (p *Paginator) State() TraversalState { return p.state }

// Fetched 返回成功抓取的页数。
func (p *Paginator) Fetched() int { return p.fetched }

// LastErr 返回终止遍历的错误（正常穷尽时为 nil）。
func (p *Paginator) LastErr() error { return p.lastErr }
