// Package chromedpengine implements crawler.Engine on headless Chrome, for
// sites that only render their content after executing JavaScript.
package chromedpengine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/sitestitch/sitestitch/internal/crawler"
)

const defaultUserAgent = "Mozilla/5.0 (compatible; sitestitch/1.0; +https://github.com/sitestitch/sitestitch)"

const defaultNavigationTimeout = 60 * time.Second

// Options configures an Engine.
type Options struct {
	Config crawler.Config
	// Retry decides whether failed page loads are attempted again. Defaults
	// to an exponential policy honoring Config.MaxRequestRetries.
	Retry     crawler.RetryPolicy
	Logger    *zap.Logger
	UserAgent string
}

// Engine crawls with headless Chrome. Pages render fully, configured
// resource extensions are blocked at the network layer, and browser
// processes are recycled on a page quota.
type Engine struct {
	cfg    crawler.Config
	retry  crawler.RetryPolicy
	logger *zap.Logger
	ua     string
}

// New builds an Engine.
func New(opts Options) *Engine {
	if opts.Retry == nil {
		opts.Retry = crawler.NewExponentialRetryPolicy(opts.Config.MaxRequestRetries)
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.UserAgent == "" {
		opts.UserAgent = defaultUserAgent
	}
	return &Engine{
		cfg:    opts.Config,
		retry:  opts.Retry,
		logger: opts.Logger,
		ua:     opts.UserAgent,
	}
}

// Run visits the seeds and every link the handler enqueues, invoking the
// handler once per rendered page. It returns after the frontier drains or,
// on cancellation, after in-flight pages complete.
func (e *Engine) Run(ctx context.Context, seeds []string, handler crawler.Handler) error {
	if handler == nil {
		return errors.New("browser engine: handler is required")
	}

	// The allocator is deliberately not parented on the run context: a
	// cancellation closes the frontier and lets open tabs finish instead of
	// killing the Chrome process under them.
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", "new"),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.UserAgent(e.ua),
	)
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), opts...)
	defer allocCancel()

	pool := newBrowserPool(allocCtx, e.cfg.OpenPagesPerBrowser(), e.cfg.RetireAfter())
	defer pool.Close()

	frontier := newFrontier()
	stop := context.AfterFunc(ctx, frontier.close)
	defer stop()

	r := &run{
		engine:   e,
		ctx:      ctx,
		handler:  handler,
		frontier: frontier,
		pool:     pool,
		limiter:  newHostLimiter(e.cfg.MaxRequestsPerMinute),
		blocked:  blockedPatterns(e.cfg.ResourceExclusions),
		retries:  make(map[string]int),
	}

	for _, seed := range seeds {
		normalized, err := crawler.NormalizeURL(seed)
		if err != nil {
			e.logger.Warn("skipping invalid seed", zap.String("url", seed), zap.Error(err))
			continue
		}
		frontier.add(normalized)
	}

	workers := e.cfg.MaxConcurrency
	if workers < 1 {
		workers = 1
	}
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.work()
		}()
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("browser crawl canceled: %w", err)
	}
	return nil
}

// run carries the per-Run state shared by the workers.
type run struct {
	engine   *Engine
	ctx      context.Context
	handler  crawler.Handler
	frontier *frontier
	pool     *browserPool
	limiter  *hostLimiter
	blocked  []string
	handled  atomic.Int64

	mu      sync.Mutex
	retries map[string]int
}

func (r *run) work() {
	for {
		url, ok := r.frontier.next()
		if !ok {
			return
		}
		r.processPage(url)
		r.frontier.done()
	}
}

func (r *run) budgetReached() bool {
	budget := r.engine.cfg.MaxPagesToCrawl
	return budget > 0 && r.handled.Load() >= int64(budget)
}

func (r *run) processPage(url string) {
	if r.ctx.Err() != nil {
		return
	}
	// The budget slot is claimed before the page loads so links enqueued
	// from inside the handler already see it consumed. A failed attempt
	// releases the slot for its retry.
	budget := r.engine.cfg.MaxPagesToCrawl
	if budget > 0 && r.handled.Add(1) > int64(budget) {
		r.handled.Add(-1)
		return
	}
	if err := r.loadAndHandle(url); err != nil {
		r.handled.Add(-1)
		r.engine.logger.Warn("page processing failed", zap.String("url", url), zap.Error(err))
		r.maybeRetry(url, err)
	}
}

// loadAndHandle opens the URL in a fresh tab and runs the capture handler
// against it. The tab closes when it returns, whatever the outcome.
func (r *run) loadAndHandle(url string) error {
	if err := r.limiter.wait(r.ctx, url); err != nil {
		return err
	}
	browser, release, err := r.pool.lease(r.ctx)
	if err != nil {
		return fmt.Errorf("lease browser tab: %w", err)
	}
	defer release()

	tab, closeTab := chromedp.NewContext(browser)
	defer closeTab()

	timeout := r.engine.cfg.NavigationTimeout()
	if timeout <= 0 {
		timeout = defaultNavigationTimeout
	}
	navCtx, cancelNav := context.WithTimeout(tab, timeout)
	defer cancelNav()

	var loaded string
	if err := chromedp.Run(navCtx,
		r.networkSetup(url),
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Location(&loaded),
	); err != nil {
		return fmt.Errorf("navigate %s: %w", url, err)
	}

	page := &page{run: r, url: url, loaded: loaded}
	hctx := tab
	cancel := func() {}
	if t := r.engine.cfg.HandlerTimeout(); t > 0 {
		hctx, cancel = context.WithTimeout(tab, t)
	}
	err = r.handler.HandlePage(hctx, page)
	cancel()
	if errors.Is(err, context.DeadlineExceeded) && tab.Err() == nil {
		err = fmt.Errorf("%w after %s", crawler.ErrHandlerTimeout, r.engine.cfg.HandlerTimeout())
	}
	return err
}

// networkSetup enables the DevTools network domain on the tab, installs the
// resource block list, and plants the configured cookies before navigation.
func (r *run) networkSetup(pageURL string) chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if len(r.blocked) > 0 {
			if err := network.SetBlockedURLs(r.blocked).Do(ctx); err != nil {
				return fmt.Errorf("block resource patterns: %w", err)
			}
		}
		for _, c := range r.engine.cfg.Cookies {
			if err := network.SetCookie(c.Name, c.Value).WithURL(pageURL).Do(ctx); err != nil {
				return fmt.Errorf("set cookie %q: %w", c.Name, err)
			}
		}
		return nil
	})
}

// maybeRetry consults the retry policy and either feeds the URL back to the
// frontier after a backoff or gives the page up for good.
func (r *run) maybeRetry(url string, cause error) {
	r.mu.Lock()
	attempt := r.retries[url]
	retry := r.engine.retry.ShouldRetry(cause, attempt)
	if retry {
		r.retries[url] = attempt + 1
	}
	r.mu.Unlock()

	if !retry {
		r.engine.logger.Warn("giving up on page",
			zap.String("url", url),
			zap.Int("attempts", attempt+1),
			zap.Error(cause))
		return
	}

	wait := r.engine.retry.Backoff(attempt)
	r.engine.logger.Info("retrying page",
		zap.String("url", url),
		zap.Int("attempt", attempt+1),
		zap.Duration("backoff", wait))
	select {
	case <-time.After(wait):
	case <-r.ctx.Done():
		return
	}
	r.frontier.requeue(url)
}

func (r *run) enqueue(url string) {
	if r.ctx.Err() != nil || r.budgetReached() {
		return
	}
	r.frontier.add(url)
}

// blockedPatterns expands configured resource extensions into the URL
// patterns the DevTools network domain blocks on.
func blockedPatterns(exts []string) []string {
	patterns := make([]string, 0, len(exts))
	for _, ext := range exts {
		ext = strings.TrimPrefix(strings.TrimSpace(ext), ".")
		if ext == "" {
			continue
		}
		patterns = append(patterns, "*."+ext)
	}
	return patterns
}
