// Package render provides the headless-browser fallback used when an
// article page refuses to serve its content to a plain HTTP fetch.
package render

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"mpvault/internal/config"
)

// ErrDisabled indicates rendering has been disabled via configuration.
var ErrDisabled = errors.New("renderer disabled")

// Renderer renders article pages in headless Chrome, reusing one browser
// process across calls. Parallelism is bounded by a semaphore.
type Renderer struct {
	allocatorCancel context.CancelFunc
	browserCtx      context.Context
	browserCancel   context.CancelFunc
	logger          *zap.Logger
	sem             chan struct{}
	navTimeout      time.Duration
	settleDelay     time.Duration
	userAgent       string
}

// New starts the shared browser. Returns ErrDisabled when rendering is
// turned off.
func New(cfg config.RenderConfig, userAgent string, logger *zap.Logger) (*Renderer, error) {
	if !cfg.Enabled || cfg.MaxParallel <= 0 {
		return nil, ErrDisabled
	}

	opts := chromedp.DefaultExecAllocatorOptions[:]
	opts = append(opts,
		chromedp.Flag("headless", true),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("no-sandbox", true),
		chromedp.UserAgent(userAgent),
	)
	allocatorCtx, allocatorCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	browserCtx, browserCancel := chromedp.NewContext(allocatorCtx)
	if err := chromedp.Run(browserCtx); err != nil {
		browserCancel()
		allocatorCancel()
		return nil, fmt.Errorf("chromedp warmup: %w", err)
	}

	return &Renderer{
		allocatorCancel: allocatorCancel,
		browserCtx:      browserCtx,
		browserCancel:   browserCancel,
		logger:          logger.Named("render"),
		sem:             make(chan struct{}, cfg.MaxParallel),
		navTimeout:      time.Duration(cfg.NavTimeoutSec) * time.Second,
		settleDelay:     time.Duration(cfg.SettleDelayMs) * time.Millisecond,
		userAgent:       userAgent,
	}, nil
}

// Close tears down the browser and allocator.
func (r *Renderer) Close() {
	if r == nil {
		return
	}
	r.browserCancel()
	r.allocatorCancel()
}

func (r *Renderer) acquireSlot(ctx context.Context) (func(), error) {
	select {
	case r.sem <- struct{}{}:
		return func() { <-r.sem }, nil
	case <-ctx.Done():
		return nil, fmt.Errorf("acquire render slot: %w", ctx.Err())
	}
}

// Render loads rawURL with the given session cookies, waits for the page to
// settle, and returns the DOM snapshot.
func (r *Renderer) Render(ctx context.Context, rawURL string, cookies []*http.Cookie) (string, error) {
	if r == nil {
		return "", ErrDisabled
	}

	release, err := r.acquireSlot(ctx)
	if err != nil {
		return "", err
	}
	defer release()

	tabCtx, cancelTab := chromedp.NewContext(r.browserCtx)
	defer cancelTab()

	taskCtx, cancelTask := context.WithTimeout(tabCtx, r.navTimeout)
	defer cancelTask()

	stopForward := forwardCancel(ctx, cancelTask)
	defer stopForward()

	defaultDomain := cookieDomain(rawURL)

	var html string
	tasks := chromedp.Tasks{
		network.Enable(),
		emulation.SetUserAgentOverride(r.userAgent),
		setCookies(cookies, defaultDomain),
		chromedp.Navigate(rawURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(r.settleDelay),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	}
	if err := chromedp.Run(taskCtx, tasks); err != nil {
		return "", fmt.Errorf("chromedp run: %w", err)
	}
	return html, nil
}

func setCookies(cookies []*http.Cookie, defaultDomain string) chromedp.ActionFunc {
	return func(ctx context.Context) error {
		for _, cookie := range cookies {
			domain := cookie.Domain
			if domain == "" {
				domain = defaultDomain
			}
			err := network.SetCookie(cookie.Name, cookie.Value).
				WithDomain(domain).
				WithPath("/").
				Do(ctx)
			if err != nil {
				return fmt.Errorf("set cookie %s: %w", cookie.Name, err)
			}
		}
		return nil
	}
}

func cookieDomain(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	host := parsed.Hostname()
	return strings.ToLower(host)
}

func forwardCancel(parent context.Context, cancel context.CancelFunc) func() {
	done := make(chan struct{})
	go func() {
		select {
		case <-parent.Done():
			cancel()
		case <-done:
		}
	}()
	return func() { close(done) }
}
