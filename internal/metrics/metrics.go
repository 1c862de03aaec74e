// Package metrics registers the Prometheus instruments for the capture
// pipeline.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// CrawlPagesScanned counts feed pages scanned across all jobs.
	CrawlPagesScanned = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "mpvault",
		Subsystem: "crawl",
		Name:      "pages_scanned_total",
		Help:      "Feed pages scanned across all capture jobs.",
	})

	// ArticlesCreated counts newly captured articles.
	ArticlesCreated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "mpvault",
		Subsystem: "crawl",
		Name:      "articles_created_total",
		Help:      "Articles created by capture jobs.",
	})

	// ArticlesUpdated counts metadata or content updates to known articles.
	ArticlesUpdated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "mpvault",
		Subsystem: "crawl",
		Name:      "articles_updated_total",
		Help:      "Articles updated by capture jobs.",
	})

	// RenderFallbacks counts pages that required the headless fallback.
	RenderFallbacks = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "mpvault",
		Subsystem: "crawl",
		Name:      "render_fallbacks_total",
		Help:      "Article fetches that fell back to headless rendering.",
	})

	// JobsFinished counts terminal job transitions by status.
	JobsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mpvault",
		Subsystem: "jobs",
		Name:      "finished_total",
		Help:      "Capture jobs reaching a terminal status.",
	}, []string{"status"})

	// JobsActive tracks whether a capture job currently occupies the
	// single-flight slot.
	JobsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "mpvault",
		Subsystem: "jobs",
		Name:      "active",
		Help:      "Number of active capture jobs (0 or 1).",
	})

	// AutoSyncDispatches counts scheduler dispatch attempts by outcome.
	AutoSyncDispatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mpvault",
		Subsystem: "autosync",
		Name:      "dispatches_total",
		Help:      "Auto-sync dispatch attempts by outcome.",
	}, []string{"outcome"})
)

// Handler returns the Prometheus scrape handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
