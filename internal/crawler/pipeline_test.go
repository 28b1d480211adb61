package crawler

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/guireclegagne-dev/ecommerce-scraper/internal/config"
	"github.com/guireclegagne-dev/ecommerce-scraper/internal/model"
)

func testRedis(t *testing.T) *redis.Client {
	t.Helper()
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(s.Close)
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return rdb
}

func testCrawlConfig() *config.Config {
	return &config.Config{
		Crawl: config.CrawlConfig{
			MinInterval:     0, // 测试不限速
			DefaultMaxPages: 5,
			PageRetries:     1,
			RetryBackoff:    time.Millisecond,
			FetchTimeout:    5 * time.Second,
		},
	}
}

func productCard(name, price, href string) string {
	return fmt.Sprintf(`<article class="product-miniature">
		<h2 class="product-title"><a href="%s">%s</a></h2>
		<span class="price">%s</span>
		<a href="%s">voir</a>
	</article>`, href, name, price, href)
}

func TestPipeline_TwoPagesExtractsAllRecords(t *testing.T) {
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mux.HandleFunc("/catalog", func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("page") {
		case "", "1":
			fmt.Fprint(w, productCard("Fender Stratocaster", "799 €", "/p/strat"),
				productCard("Gibson Les Paul", "1499 €", "/p/lespaul"),
				productCard("Ibanez RG550", "999 €", "/p/rg550"),
				`<a rel="next" href="/catalog?page=2">next</a>`)
		case "2":
			fmt.Fprint(w, productCard("PRS SE Custom 24", "899 €", "/p/prs"),
				productCard("Jackson Soloist", "1099 €", "/p/soloist"))
		default:
			http.NotFound(w, r)
		}
	})

	site := &model.SiteProfile{
		Name:      "guitarshop",
		URL:       srv.URL + "/catalog",
		Mode:      model.FetchModeStatic,
		MaxPages:  3,
		PageParam: "page",
	}

	p := NewPipeline(nil, testRedis(t), testCrawlConfig(), quietLogger())
	records, result, runErr := p.Run(context.Background(), site, model.Credentials{})

	if runErr != nil {
		t.Fatalf("unexpected pass error: %v", runErr)
	}
	if result.Outcome != model.PassSuccess {
		t.Fatalf("outcome = %s, want success (errors: %v)", result.Outcome, result.Errors)
	}
	if result.PagesFetched != 2 {
		t.Errorf("pages = %d, want 2", result.PagesFetched)
	}
	if len(records) != 5 {
		t.Fatalf("records = %d, want 5", len(records))
	}
	if result.RecordsExtracted != 5 {
		t.Errorf("RecordsExtracted = %d, want 5", result.RecordsExtracted)
	}

	first := records[0]
	if first.Model != "Fender Stratocaster" {
		t.Errorf("Model = %q", first.Model)
	}
	if first.Price != "799 €" {
		t.Errorf("Price = %q", first.Price)
	}
	if first.SiteSource != "guitarshop" {
		t.Errorf("SiteSource = %q", first.SiteSource)
	}
	if first.CollectedAt.IsZero() {
		t.Error("CollectedAt not stamped")
	}
	if first.DedupKey == "" {
		t.Error("DedupKey not computed")
	}
	if first.URL != srv.URL+"/p/strat" {
		t.Errorf("URL = %q, want absolutized", first.URL)
	}
	if first.Brand != "Fender" {
		t.Errorf("Brand = %q, want brand-from-title fallback", first.Brand)
	}
}

func TestPipeline_FirstPageFailureFailsPass(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	site := &model.SiteProfile{
		Name: "brokenshop",
		URL:  srv.URL + "/catalog",
		Mode: model.FetchModeStatic,
	}

	p := NewPipeline(nil, testRedis(t), testCrawlConfig(), quietLogger())
	records, result, runErr := p.Run(context.Background(), site, model.Credentials{})

	if result.Outcome != model.PassFailed {
		t.Fatalf("outcome = %s, want failed", result.Outcome)
	}
	if runErr == nil {
		t.Fatal("expected terminal error for first-page failure")
	}
	if !IsTransientFetch(runErr) {
		t.Errorf("err = %v, want transient fetch failure", runErr)
	}
	if result.PagesFetched != 0 {
		t.Errorf("pages = %d, want 0", result.PagesFetched)
	}
	if len(records) != 0 {
		t.Errorf("records = %d, want 0", len(records))
	}
	if len(result.Errors) == 0 {
		t.Error("expected the failure to be recorded")
	}
}

func TestPipeline_SecondPageFailureIsPartial(t *testing.T) {
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	defer srv.Close()

	mux.HandleFunc("/catalog", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("page") == "2" {
			http.Error(w, "gateway timeout", http.StatusGatewayTimeout)
			return
		}
		fmt.Fprint(w, productCard("Fender Telecaster", "749 €", "/p/tele"),
			`<a rel="next" href="/catalog?page=2">next</a>`)
	})

	site := &model.SiteProfile{
		Name:      "flakyshop",
		URL:       srv.URL + "/catalog",
		Mode:      model.FetchModeStatic,
		PageParam: "page",
	}

	p := NewPipeline(nil, testRedis(t), testCrawlConfig(), quietLogger())
	records, result, runErr := p.Run(context.Background(), site, model.Credentials{})

	if runErr != nil {
		t.Fatalf("partial pass should not return a terminal error, got %v", runErr)
	}
	if result.Outcome != model.PassPartial {
		t.Fatalf("outcome = %s, want partial (errors: %v)", result.Outcome, result.Errors)
	}
	if result.PagesFetched != 1 {
		t.Errorf("pages = %d, want 1", result.PagesFetched)
	}
	if len(records) != 1 {
		t.Errorf("records = %d, want page-1 records kept", len(records))
	}
}

func TestPipeline_RecordsWithoutModelDropped(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, productCard("Fender Jazzmaster", "899 €", "/p/jazz"),
			`<article class="product-miniature"><span class="price">150 €</span></article>`)
	}))
	defer srv.Close()

	site := &model.SiteProfile{
		Name: "sparseshop",
		URL:  srv.URL,
		Mode: model.FetchModeStatic,
		// 限定只认标题链接，第二张卡片没有标题 → 无 model
		Selectors: map[string]string{"model": ".product-title"},
		MaxPages:  1,
	}

	p := NewPipeline(nil, testRedis(t), testCrawlConfig(), quietLogger())
	records, result, runErr := p.Run(context.Background(), site, model.Credentials{})

	if runErr != nil {
		t.Fatalf("unexpected pass error: %v", runErr)
	}
	if result.Outcome != model.PassSuccess {
		t.Fatalf("outcome = %s, want success", result.Outcome)
	}
	if len(records) != 1 {
		t.Fatalf("records = %d, want 1 (invalid card dropped)", len(records))
	}
}

func TestPipeline_DuplicateURLsWithinPassDeduped(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// 同一商品出现两次（置顶 + 列表）
		fmt.Fprint(w, productCard("Fender Mustang", "599 €", "/p/mustang"),
			productCard("Fender Mustang", "599 €", "/p/mustang"))
	}))
	defer srv.Close()

	site := &model.SiteProfile{
		Name:     "dupshop",
		URL:      srv.URL,
		Mode:     model.FetchModeStatic,
		MaxPages: 1,
	}

	p := NewPipeline(nil, testRedis(t), testCrawlConfig(), quietLogger())
	records, result, runErr := p.Run(context.Background(), site, model.Credentials{})

	if runErr != nil {
		t.Fatalf("unexpected pass error: %v", runErr)
	}
	if result.Outcome != model.PassSuccess {
		t.Fatalf("outcome = %s, want success", result.Outcome)
	}
	if len(records) != 1 {
		t.Fatalf("records = %d, want 1 after in-pass dedup", len(records))
	}
}

func TestPipeline_RenderedWithoutBrowserFailsWithoutPanic(t *testing.T) {
	site := &model.SiteProfile{
		Name: "renderedshop",
		URL:  "https://rendered.example/catalog",
		Mode: model.FetchModeRendered,
	}

	// 浏览器启动失败时 pass 必须失败而不是拖垮进程
	p := NewPipeline(nil, testRedis(t), testCrawlConfig(), quietLogger())
	records, result, runErr := p.Run(context.Background(), site, model.Credentials{})

	if result.Outcome != model.PassFailed {
		t.Fatalf("outcome = %s, want failed", result.Outcome)
	}
	var fe *FetchError
	if !errors.As(runErr, &fe) {
		t.Fatalf("err = %v, want *FetchError", runErr)
	}
	if fe.Kind != FetchFatal {
		t.Errorf("kind = %v, want fatal", fe.Kind)
	}
	if IsTransientFetch(runErr) {
		t.Error("missing browser must not be classified as retryable")
	}
	if len(records) != 0 {
		t.Errorf("records = %d, want 0", len(records))
	}
}

func TestPipeline_AuthRequiredWithoutCredentialsFails(t *testing.T) {
	site := &model.SiteProfile{
		Name:         "authshop",
		URL:          "https://auth.example/catalog",
		Mode:         model.FetchModeRendered,
		RequiresAuth: true,
	}

	// 没有浏览器也应在凭据校验阶段就失败
	p := NewPipeline(nil, testRedis(t), testCrawlConfig(), quietLogger())
	records, result, runErr := p.Run(context.Background(), site, model.Credentials{})

	if result.Outcome != model.PassFailed {
		t.Fatalf("outcome = %s, want failed", result.Outcome)
	}
	var authErr *AuthError
	if !errors.As(runErr, &authErr) {
		t.Fatalf("err = %v, want *AuthError", runErr)
	}
	if authErr.Kind != AuthInvalidCredentials {
		t.Errorf("kind = %v, want invalid credentials", authErr.Kind)
	}
	if len(records) != 0 {
		t.Errorf("records = %d, want 0", len(records))
	}
	if result.PagesFetched != 0 {
		t.Errorf("pages = %d, want 0", result.PagesFetched)
	}
}
