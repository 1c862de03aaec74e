// Package fetch retrieves article pages through a Colly collector carrying
// the login session's cookies.
package fetch

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"
)

// Page is one fetched article document.
type Page struct {
	URL        string
	FinalURL   string
	StatusCode int
	Body       []byte
}

// Fetcher fetches article pages. A base collector holds the shared transport
// settings; each fetch runs on a clone so per-request cookies never leak
// between calls.
type Fetcher struct {
	base   *colly.Collector
	logger *zap.Logger
}

// New constructs a configured Fetcher.
func New(userAgent string, timeout time.Duration, logger *zap.Logger) *Fetcher {
	base := colly.NewCollector(
		colly.UserAgent(userAgent),
	)
	base.AllowURLRevisit = true
	base.WithTransport(&http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          32,
		MaxIdleConnsPerHost:   8,
		IdleConnTimeout:       30 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: timeout,
		ForceAttemptHTTP2:     true,
	})
	base.SetRequestTimeout(timeout)

	return &Fetcher{
		base:   base,
		logger: logger.Named("fetch"),
	}
}

type fetchResult struct {
	page Page
	err  error
}

// Fetch retrieves one page with the given session cookies attached.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string, cookies []*http.Cookie) (Page, error) {
	collector := f.base.Clone()
	if len(cookies) > 0 {
		if err := collector.SetCookies(rawURL, cookies); err != nil {
			return Page{}, err
		}
	}

	resultCh := make(chan fetchResult, 1)
	send := func(res fetchResult) {
		select {
		case resultCh <- res:
		default:
		}
	}

	collector.OnRequest(func(r *colly.Request) {
		r.Headers.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
		r.Headers.Set("Accept-Language", "zh-CN,zh;q=0.9,en;q=0.8")
	})

	collector.OnResponse(func(r *colly.Response) {
		send(fetchResult{page: Page{
			URL:        rawURL,
			FinalURL:   r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Body:       append([]byte{}, r.Body...),
		}})
	})

	collector.OnError(func(_ *colly.Response, err error) {
		if err == nil {
			err = errors.New("unknown colly error")
		}
		send(fetchResult{err: err})
	})

	if err := collector.Visit(rawURL); err != nil {
		return Page{}, err
	}
	collector.Wait()

	select {
	case res := <-resultCh:
		if err := ctx.Err(); err != nil {
			return Page{}, err
		}
		return res.page, res.err
	default:
		return Page{}, errors.New("fetch produced no result")
	}
}
