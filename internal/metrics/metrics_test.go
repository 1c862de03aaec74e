package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestCountersRegisterAndIncrement(t *testing.T) {
	before := testutil.ToFloat64(CrawlPagesScanned)
	CrawlPagesScanned.Inc()
	require.Equal(t, before+1, testutil.ToFloat64(CrawlPagesScanned))

	beforeFinished := testutil.ToFloat64(JobsFinished.WithLabelValues("success"))
	JobsFinished.WithLabelValues("success").Inc()
	require.Equal(t, beforeFinished+1, testutil.ToFloat64(JobsFinished.WithLabelValues("success")))

	JobsActive.Set(1)
	require.Equal(t, float64(1), testutil.ToFloat64(JobsActive))
	JobsActive.Set(0)
}

func TestHandlerServesScrape(t *testing.T) {
	ArticlesCreated.Inc()

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "mpvault_crawl_articles_created_total")
}
