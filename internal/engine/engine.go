// Package engine implements the crawl over a publisher's article feed:
// pagination with fallback, dedup, windowed stop logic, and content capture
// with a headless-render escape hatch.
package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"mpvault/internal/config"
	"mpvault/internal/core"
	"mpvault/internal/fetch"
	"mpvault/internal/metrics"
	"mpvault/internal/wechat"
)

// ErrCanceled reports that the sync stopped at a cancellation probe.
var ErrCanceled = errors.New("sync canceled")

// Source serves authenticated feed pages and the transport cookies needed
// for article fetches. Implemented by the session manager.
type Source interface {
	PublishPage(ctx context.Context, fakeID string, begin, count int) ([]wechat.FeedItem, error)
	AppMsgPage(ctx context.Context, fakeID string, begin, count int) ([]wechat.FeedItem, error)
	TransportCookies(ctx context.Context) ([]*http.Cookie, error)
}

// PageFetcher retrieves one article document.
type PageFetcher interface {
	Fetch(ctx context.Context, rawURL string, cookies []*http.Cookie) (fetch.Page, error)
}

// PageRenderer renders one article document in a real browser.
type PageRenderer interface {
	Render(ctx context.Context, rawURL string, cookies []*http.Cookie) (string, error)
}

// SyncParams bounds one sync run.
type SyncParams struct {
	// StartTS and EndTS bound the capture window in unix seconds; zero means
	// unbounded on that side.
	StartTS int64
	EndTS   int64
	// WithContent controls whether article bodies are fetched.
	WithContent bool
	// ShouldStop is probed at page boundaries for cooperative cancellation.
	ShouldStop func() bool
	// OnPage, when set, observes counters after every scanned page.
	OnPage func(page int, counters core.JobCounters)
}

// Engine walks a publisher feed and persists what it finds.
type Engine struct {
	cfg      config.CrawlConfig
	source   Source
	fetcher  PageFetcher
	renderer PageRenderer
	store    core.Store
	clock    core.Clock
	logger   *zap.Logger

	// sleep is injectable so tests skip the inter-page delay.
	sleep func(ctx context.Context, d time.Duration) error
}

// New constructs an Engine. renderer may be nil when the headless fallback
// is disabled.
func New(cfg config.CrawlConfig, source Source, fetcher PageFetcher, renderer PageRenderer,
	store core.Store, clock core.Clock, logger *zap.Logger) *Engine {
	return &Engine{
		cfg:      cfg,
		source:   source,
		fetcher:  fetcher,
		renderer: renderer,
		store:    store,
		clock:    clock,
		logger:   logger.Named("engine"),
		sleep:    sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SyncAccount walks the account's feed newest-first until the feed is
// exhausted, the page limit is hit, a whole page predates the window start,
// or a cancellation probe fires. Counters accumulated so far are returned
// even on error.
func (e *Engine) SyncAccount(ctx context.Context, account core.Account, params SyncParams) (core.JobCounters, error) {
	counters := core.JobCounters{MaxPages: e.cfg.PageLimit}
	seen := make(map[string]struct{})
	log := e.logger.With(zap.String("account_id", account.ID), zap.String("fakeid", account.FakeID))

	begin := 0
	for page := 1; page <= e.cfg.PageLimit; page++ {
		if params.ShouldStop != nil && params.ShouldStop() {
			return counters, ErrCanceled
		}
		if err := ctx.Err(); err != nil {
			return counters, err
		}

		items, err := e.fetchPage(ctx, account.FakeID, begin)
		if err != nil {
			return counters, err
		}
		if len(items) == 0 {
			log.Info("feed exhausted", zap.Int("page", page))
			break
		}

		pageHasRecent := false
		for _, item := range items {
			if item.URL == "" {
				continue
			}
			publishTS := item.PublishTime()
			// Window position is judged before dedup so a page of repeats
			// cannot masquerade as the end of the window.
			tooOld := params.StartTS > 0 && publishTS > 0 && publishTS < params.StartTS
			if !tooOld {
				pageHasRecent = true
			}

			if e.isDuplicate(seen, item) {
				counters.DuplicatesSkipped++
				continue
			}
			if tooOld {
				continue
			}
			if params.EndTS > 0 && publishTS > params.EndTS {
				// Newer than the window; keep paging, older items follow.
				continue
			}

			if err := e.captureItem(ctx, account, item, params.WithContent, &counters); err != nil {
				return counters, err
			}
		}

		counters.ScannedPages = page
		metrics.CrawlPagesScanned.Inc()
		if params.OnPage != nil {
			params.OnPage(page, counters)
		}

		// The feed is reverse-chronological: a page with nothing at or after
		// the window start means everything further back is older still.
		if params.StartTS > 0 && !pageHasRecent {
			counters.ReachedTarget = true
			log.Info("window start reached", zap.Int("page", page))
			break
		}

		begin += e.cfg.PageSize
		if err := e.sleep(ctx, e.cfg.PageDelay()); err != nil {
			return counters, err
		}
	}

	now := e.clock.Now()
	account.LastSyncAt = &now
	account.UpdatedAt = now
	if err := e.store.UpsertAccount(ctx, account); err != nil {
		return counters, fmt.Errorf("record sync time: %w", err)
	}
	return counters, nil
}

// fetchPage loads one page from the primary publish feed, falling back to
// the legacy feed when the primary yields nothing.
func (e *Engine) fetchPage(ctx context.Context, fakeID string, begin int) ([]wechat.FeedItem, error) {
	items, err := e.source.PublishPage(ctx, fakeID, begin, e.cfg.PageSize)
	if err != nil {
		return nil, fmt.Errorf("fetch publish page: %w", err)
	}
	if len(items) > 0 {
		return items, nil
	}
	items, err = e.source.AppMsgPage(ctx, fakeID, begin, e.cfg.PageSize)
	if err != nil {
		return nil, fmt.Errorf("fetch fallback page: %w", err)
	}
	return items, nil
}

// isDuplicate records the item under both its URL and platform id so the
// same article surfaced twice in one run (under either key) is skipped.
func (e *Engine) isDuplicate(seen map[string]struct{}, item wechat.FeedItem) bool {
	keys := make([]string, 0, 2)
	if item.URL != "" {
		keys = append(keys, "url:"+item.URL)
	}
	if item.AID != "" {
		keys = append(keys, "aid:"+item.AID)
	}
	for _, key := range keys {
		if _, ok := seen[key]; ok {
			return true
		}
	}
	for _, key := range keys {
		seen[key] = struct{}{}
	}
	return false
}

func (e *Engine) captureItem(ctx context.Context, account core.Account, item wechat.FeedItem,
	withContent bool, counters *core.JobCounters) error {
	id := core.ArticleID(account.ID, item.AID, item.URL)
	now := e.clock.Now()

	existing, err := e.store.FindArticle(ctx, id, item.URL)
	if errors.Is(err, core.ErrNotFound) {
		article := core.Article{
			ID:        id,
			AID:       item.AID,
			AccountID: account.ID,
			Title:     item.Title,
			URL:       item.URL,
			CoverURL:  item.CoverURL,
			Digest:    item.Digest,
			Author:    item.Author,
			PublishTS: item.PublishTime(),
			RawJSON:   string(item.Raw),
			CreatedAt: now,
			UpdatedAt: now,
		}
		if withContent {
			e.fillContent(ctx, &article)
		}
		if err := e.store.UpsertArticle(ctx, article); err != nil {
			return fmt.Errorf("create article: %w", err)
		}
		counters.Created++
		metrics.ArticlesCreated.Inc()
		return nil
	}
	if err != nil {
		return fmt.Errorf("find article: %w", err)
	}

	changed := mergeMetadata(&existing, item)
	contentAdded := false
	if withContent && existing.ContentHTML == "" {
		e.fillContent(ctx, &existing)
		contentAdded = existing.ContentHTML != ""
	}

	if changed || contentAdded {
		existing.UpdatedAt = now
		if err := e.store.UpsertArticle(ctx, existing); err != nil {
			return fmt.Errorf("update article: %w", err)
		}
		if changed {
			counters.Updated++
		}
		if contentAdded {
			counters.ContentUpdated++
		}
		metrics.ArticlesUpdated.Inc()
	}
	return nil
}

// mergeMetadata folds fresher feed metadata into a known article. Empty feed
// fields never clobber stored values.
func mergeMetadata(article *core.Article, item wechat.FeedItem) bool {
	changed := false
	apply := func(dst *string, src string) {
		if src != "" && src != *dst {
			*dst = src
			changed = true
		}
	}
	apply(&article.Title, item.Title)
	apply(&article.CoverURL, item.CoverURL)
	apply(&article.Digest, item.Digest)
	apply(&article.Author, item.Author)
	if ts := item.PublishTime(); ts > 0 && article.PublishTS == 0 {
		article.PublishTS = ts
		changed = true
	}
	if len(item.Raw) > 0 && article.RawJSON != string(item.Raw) {
		article.RawJSON = string(item.Raw)
		changed = true
	}
	return changed
}

// fillContent fetches and parses the article body. Failures are logged and
// leave the article without content rather than failing the sync.
func (e *Engine) fillContent(ctx context.Context, article *core.Article) {
	content, err := e.FetchContent(ctx, article.URL)
	if err != nil {
		e.logger.Warn("fetch article content",
			zap.String("article_id", article.ID), zap.Error(err))
		return
	}
	applyContent(article, content)
}

func applyContent(article *core.Article, content ArticleContent) {
	article.ContentHTML = content.HTML
	article.ContentText = content.Text
	article.Images = content.Images
	if article.Title == "" {
		article.Title = content.Title
	}
	if article.Author == "" {
		article.Author = content.Author
	}
	if article.Digest == "" {
		article.Digest = content.Digest
	}
	if article.CoverURL == "" {
		article.CoverURL = content.CoverURL
	}
	if article.PublishTS == 0 {
		article.PublishTS = content.PublishTS
	}
}

// FetchContent retrieves and parses one article document, escalating to the
// headless renderer when the plain fetch hits the verification interstitial.
func (e *Engine) FetchContent(ctx context.Context, rawURL string) (ArticleContent, error) {
	cookies, err := e.source.TransportCookies(ctx)
	if err != nil {
		return ArticleContent{}, err
	}

	page, err := e.fetcher.Fetch(ctx, rawURL, cookies)
	if err != nil {
		return ArticleContent{}, fmt.Errorf("fetch article: %w", err)
	}
	html := string(page.Body)

	if IsAntiBotPage(html) {
		if e.renderer == nil {
			return ArticleContent{}, errors.New("article behind verification page and renderer disabled")
		}
		metrics.RenderFallbacks.Inc()
		e.logger.Info("verification page detected, rendering", zap.String("url", rawURL))
		html, err = e.renderer.Render(ctx, rawURL, cookies)
		if err != nil {
			return ArticleContent{}, fmt.Errorf("render article: %w", err)
		}
		if IsAntiBotPage(html) {
			return ArticleContent{}, errors.New("verification page persisted after rendering")
		}
	}

	return ParseArticle(html)
}

// RefreshArticle re-fetches content for a known article and persists the
// result.
func (e *Engine) RefreshArticle(ctx context.Context, id string) (core.Article, error) {
	article, err := e.store.GetArticle(ctx, id)
	if err != nil {
		return core.Article{}, err
	}
	content, err := e.FetchContent(ctx, article.URL)
	if err != nil {
		return core.Article{}, err
	}
	// A refresh replaces content unconditionally.
	article.ContentHTML = content.HTML
	article.ContentText = content.Text
	article.Images = content.Images
	if content.PublishTS > 0 {
		article.PublishTS = content.PublishTS
	}
	article.UpdatedAt = e.clock.Now()
	if err := e.store.UpsertArticle(ctx, article); err != nil {
		return core.Article{}, fmt.Errorf("persist refreshed article: %w", err)
	}
	metrics.ArticlesUpdated.Inc()
	return article, nil
}
