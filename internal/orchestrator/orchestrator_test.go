package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/guireclegagne-dev/ecommerce-scraper/internal/config"
	"github.com/guireclegagne-dev/ecommerce-scraper/internal/crawler"
	"github.com/guireclegagne-dev/ecommerce-scraper/internal/model"
	"github.com/guireclegagne-dev/ecommerce-scraper/internal/store"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() *config.Config {
	return &config.Config{
		App: config.AppConfig{
			WorkerPoolSize: 2,
			QueueCapacity:  8,
			SiteRetries:    2,
		},
		Crawl: config.CrawlConfig{
			RetryBackoff: time.Millisecond,
		},
	}
}

// fakePipeline 按站点返回预设结果，记录每个站点被调用的次数。
type fakePipeline struct {
	mu    sync.Mutex
	calls map[string]int

	// failures[site] = 前 N 次调用返回的错误
	failures map[string]error
	failN    map[string]int
	records  map[string][]model.Product
	panics   map[string]bool
}

func newFakePipeline() *fakePipeline {
	return &fakePipeline{
		calls:    make(map[string]int),
		failures: make(map[string]error),
		failN:    make(map[string]int),
		records:  make(map[string][]model.Product),
		panics:   make(map[string]bool),
	}
}

func (f *fakePipeline) Run(_ context.Context, site *model.SiteProfile, _ model.Credentials) ([]model.Product, *model.SitePassResult, error) {
	f.mu.Lock()
	f.calls[site.Name]++
	n := f.calls[site.Name]
	f.mu.Unlock()

	if f.panics[site.Name] {
		panic("pipeline blew up")
	}

	result := &model.SitePassResult{
		Site:      site.Name,
		URL:       site.URL,
		StartedAt: time.Now(),
	}

	if err, ok := f.failures[site.Name]; ok && n <= f.failN[site.Name] {
		result.Outcome = model.PassFailed
		result.Errors = []string{err.Error()}
		result.FinishedAt = time.Now()
		return nil, result, err
	}

	recs := f.records[site.Name]
	result.Outcome = model.PassSuccess
	result.PagesFetched = 1
	result.RecordsExtracted = len(recs)
	result.FinishedAt = time.Now()
	return recs, result, nil
}

func (f *fakePipeline) callCount(site string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[site]
}

// fakePersister 记录收到的记录，可选对某个 dedup key 报错。
type fakePersister struct {
	mu       sync.Mutex
	received []model.Product
	failKey  string
}

func (f *fakePersister) UpsertProducts(_ context.Context, records []model.Product) store.PersistResult {
	f.mu.Lock()
	defer f.mu.Unlock()

	var result store.PersistResult
	for _, r := range records {
		if f.failKey != "" && r.DedupKey == f.failKey {
			result.Failed++
			result.Errors = append(result.Errors, &store.PersistError{
				DedupKey: r.DedupKey,
				Site:     r.SiteSource,
				Err:      errors.New("disk full"),
			})
			continue
		}
		f.received = append(f.received, r)
		result.Persisted++
	}
	return result
}

type staticCreds struct{}

func (staticCreds) Lookup(string) (model.Credentials, error) {
	return model.Credentials{}, nil
}

type captureNotifier struct {
	mu     sync.Mutex
	report *model.RunReport
}

func (c *captureNotifier) SendReport(_ context.Context, report *model.RunReport) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.report = report
	return nil
}

func sampleRecord(site, name string) model.Product {
	p := model.Product{
		Model:       name,
		SiteSource:  site,
		URL:         fmt.Sprintf("https://%s.example/p/%s", site, name),
		CollectedAt: time.Now(),
	}
	p.DedupKey = p.IdentityKey()
	return p
}

func TestRunAll_AggregatesReportAndPersists(t *testing.T) {
	p := newFakePipeline()
	p.records["alpha"] = []model.Product{sampleRecord("alpha", "strat"), sampleRecord("alpha", "tele")}
	p.records["beta"] = []model.Product{sampleRecord("beta", "lespaul")}

	persister := &fakePersister{}
	notifier := &captureNotifier{}

	sites := []model.SiteProfile{
		{Name: "alpha", URL: "https://alpha.example", Active: true},
		{Name: "beta", URL: "https://beta.example", Active: true},
		{Name: "dormant", URL: "https://dormant.example", Active: false},
	}

	o := New(testConfig(), sites, staticCreds{}, p, persister, notifier, quietLogger())
	report, err := o.RunAll(context.Background())
	if err != nil {
		t.Fatalf("RunAll: %v", err)
	}

	if len(report.Sites) != 2 {
		t.Fatalf("sites in report = %d, want 2 (inactive skipped)", len(report.Sites))
	}
	if report.TotalExtracted() != 3 {
		t.Errorf("TotalExtracted = %d, want 3", report.TotalExtracted())
	}
	if report.TotalPersisted() != 3 {
		t.Errorf("TotalPersisted = %d, want 3", report.TotalPersisted())
	}
	if report.Succeeded() != 2 {
		t.Errorf("Succeeded = %d, want 2", report.Succeeded())
	}
	if p.callCount("dormant") != 0 {
		t.Error("inactive site should never run")
	}
	if len(persister.received) != 3 {
		t.Errorf("persisted records = %d, want 3", len(persister.received))
	}
	if notifier.report == nil {
		t.Error("notifier did not receive the report")
	}
	if report.FinishedAt.Before(report.StartedAt) {
		t.Error("FinishedAt before StartedAt")
	}
}

func TestRunAll_OneSiteFailingDoesNotBlockOthers(t *testing.T) {
	p := newFakePipeline()
	p.records["good"] = []model.Product{sampleRecord("good", "rg550")}
	p.failures["bad"] = &crawler.AuthError{
		Kind: crawler.AuthInvalidCredentials,
		Site: "bad",
		Err:  errors.New("rejected"),
	}
	p.failN["bad"] = 10

	sites := []model.SiteProfile{
		{Name: "good", URL: "https://good.example", Active: true},
		{Name: "bad", URL: "https://bad.example", Active: true},
	}

	o := New(testConfig(), sites, staticCreds{}, p, &fakePersister{}, nil, quietLogger())
	report, err := o.RunAll(context.Background())
	if err != nil {
		t.Fatalf("RunAll: %v", err)
	}

	if report.Succeeded() != 1 || report.Failed() != 1 {
		t.Errorf("succeeded/failed = %d/%d, want 1/1", report.Succeeded(), report.Failed())
	}
	// 登录失败不是瞬时错误，不应重试
	if got := p.callCount("bad"); got != 1 {
		t.Errorf("auth-failed site ran %d times, want 1", got)
	}
}

func TestRunAll_PanickedPassStillReported(t *testing.T) {
	p := newFakePipeline()
	p.records["steady"] = []model.Product{sampleRecord("steady", "jazzmaster")}
	p.panics["volatile"] = true

	sites := []model.SiteProfile{
		{Name: "steady", URL: "https://steady.example", Active: true},
		{Name: "volatile", URL: "https://volatile.example", Active: true},
	}

	o := New(testConfig(), sites, staticCreds{}, p, &fakePersister{}, nil, quietLogger())
	report, err := o.RunAll(context.Background())
	if err != nil {
		t.Fatalf("RunAll: %v", err)
	}

	if len(report.Sites) != 2 {
		t.Fatalf("sites in report = %d, want the panicked pass reported too", len(report.Sites))
	}
	var volatile *model.SitePassResult
	for i := range report.Sites {
		if report.Sites[i].Site == "volatile" {
			volatile = &report.Sites[i]
		}
	}
	if volatile == nil {
		t.Fatal("panicked site missing from report")
	}
	if volatile.Outcome != model.PassFailed {
		t.Errorf("outcome = %q, want failed placeholder", volatile.Outcome)
	}
	if len(volatile.Errors) == 0 {
		t.Error("expected an error entry for the pass that never completed")
	}
	if report.Succeeded() != 1 {
		t.Errorf("Succeeded = %d, want the healthy site unaffected", report.Succeeded())
	}
}

func TestRunSite_RetriesTransientFailure(t *testing.T) {
	p := newFakePipeline()
	p.records["flaky"] = []model.Product{sampleRecord("flaky", "prs")}
	p.failures["flaky"] = &crawler.FetchError{
		Kind: crawler.FetchTransient,
		URL:  "https://flaky.example",
		Err:  errors.New("timeout"),
	}
	p.failN["flaky"] = 2 // 前两次失败，第三次成功

	sites := []model.SiteProfile{{Name: "flaky", URL: "https://flaky.example", Active: true}}
	o := New(testConfig(), sites, staticCreds{}, p, &fakePersister{}, nil, quietLogger())

	result, err := o.RunOne(context.Background(), "flaky")
	if err != nil {
		t.Fatalf("RunOne: %v", err)
	}
	if result.Outcome != model.PassSuccess {
		t.Errorf("outcome = %s, want success after retries", result.Outcome)
	}
	if got := p.callCount("flaky"); got != 3 {
		t.Errorf("pass ran %d times, want 3 (2 failures + 1 success)", got)
	}
}

func TestRunSite_RetryBudgetExhausted(t *testing.T) {
	p := newFakePipeline()
	p.failures["down"] = &crawler.FetchError{
		Kind: crawler.FetchTransient,
		URL:  "https://down.example",
		Err:  errors.New("connection refused"),
	}
	p.failN["down"] = 10

	sites := []model.SiteProfile{{Name: "down", URL: "https://down.example", Active: true}}
	o := New(testConfig(), sites, staticCreds{}, p, &fakePersister{}, nil, quietLogger())

	result, err := o.RunOne(context.Background(), "down")
	if err != nil {
		t.Fatalf("RunOne: %v", err)
	}
	if result.Outcome != model.PassFailed {
		t.Errorf("outcome = %s, want failed", result.Outcome)
	}
	// 1 次初始 + SiteRetries 次重试
	if got := p.callCount("down"); got != 3 {
		t.Errorf("pass ran %d times, want 3", got)
	}
}

func TestRunSite_PersistErrorsRecordedInResult(t *testing.T) {
	recs := []model.Product{sampleRecord("alpha", "strat"), sampleRecord("alpha", "tele")}
	p := newFakePipeline()
	p.records["alpha"] = recs

	persister := &fakePersister{failKey: recs[1].DedupKey}

	sites := []model.SiteProfile{{Name: "alpha", URL: "https://alpha.example", Active: true}}
	o := New(testConfig(), sites, staticCreds{}, p, persister, nil, quietLogger())

	result, err := o.RunOne(context.Background(), "alpha")
	if err != nil {
		t.Fatalf("RunOne: %v", err)
	}
	if result.RecordsPersisted != 1 {
		t.Errorf("RecordsPersisted = %d, want 1", result.RecordsPersisted)
	}
	if len(result.Errors) != 1 {
		t.Errorf("Errors = %v, want persist failure recorded", result.Errors)
	}
}

func TestRunOne_UnknownSite(t *testing.T) {
	o := New(testConfig(), nil, staticCreds{}, newFakePipeline(), &fakePersister{}, nil, quietLogger())
	if _, err := o.RunOne(context.Background(), "ghost"); err == nil {
		t.Error("expected error for unknown site")
	}
}

func TestRunAll_NoActiveSites(t *testing.T) {
	sites := []model.SiteProfile{{Name: "dormant", URL: "https://dormant.example", Active: false}}
	o := New(testConfig(), sites, staticCreds{}, newFakePipeline(), &fakePersister{}, nil, quietLogger())

	report, err := o.RunAll(context.Background())
	if err != nil {
		t.Fatalf("RunAll: %v", err)
	}
	if len(report.Sites) != 0 {
		t.Errorf("sites = %d, want empty report", len(report.Sites))
	}
}
