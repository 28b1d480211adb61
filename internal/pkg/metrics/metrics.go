package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// 页面抓取指标
var (
	PageFetchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scout_page_fetches_total",
		Help: "Total page fetches by site, mode and status.",
	}, []string{"site", "mode", "status"})

	PageFetchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "scout_page_fetch_duration_seconds",
		Help:    "Page fetch duration by site and mode.",
		Buckets: prometheus.DefBuckets,
	}, []string{"site", "mode"})

	RateLimitWaitDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "scout_ratelimit_wait_duration_seconds",
		Help:    "Time spent waiting on the per-site rate limiter.",
		Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30},
	})
)

// 站点 pass 指标
var (
	SitePassesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scout_site_passes_total",
		Help: "Completed site passes by outcome (success/partial/failed).",
	}, []string{"site", "outcome"})

	ActivePasses = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "scout_active_passes",
		Help: "Site passes currently in flight.",
	})

	AuthFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scout_auth_failures_total",
		Help: "Login failures by site and kind (invalid_credentials/challenge).",
	}, []string{"site", "kind"})
)

// 提取与入库指标
var (
	RecordsExtractedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scout_records_extracted_total",
		Help: "Product records extracted per site.",
	}, []string{"site"})

	RecordsDroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scout_records_dropped_total",
		Help: "Extracted records dropped for missing required fields.",
	}, []string{"site"})

	RecordsPersistedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scout_records_persisted_total",
		Help: "Product records upserted per site.",
	}, []string{"site"})

	PersistErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "scout_persist_errors_total",
		Help: "Per-record persistence failures per site.",
	}, []string{"site"})
)
