// Package collyengine implements crawler.Engine with a plain HTTP collector,
// for sites that render their content without JavaScript.
package collyengine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gocolly/colly/v2"
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

// Engine crawls with gocolly. ResourceExclusions has no effect here since a
// static collector never loads subresources.
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
// handler once per successfully loaded page. It returns after the frontier
// drains or, on cancellation, after in-flight pages complete.
func (e *Engine) Run(ctx context.Context, seeds []string, handler crawler.Handler) error {
	if handler == nil {
		return errors.New("colly engine: handler is required")
	}

	c := colly.NewCollector(
		colly.Async(true),
		colly.UserAgent(e.ua),
	)
	c.IgnoreRobotsTxt = true
	timeout := e.cfg.NavigationTimeout()
	if timeout <= 0 {
		timeout = defaultNavigationTimeout
	}
	c.SetRequestTimeout(timeout)
	rule := &colly.LimitRule{
		DomainGlob:  "*",
		Parallelism: e.cfg.MaxConcurrency,
	}
	if rpm := e.cfg.MaxRequestsPerMinute; rpm > 0 {
		rule.Delay = time.Minute / time.Duration(rpm)
	}
	if err := c.Limit(rule); err != nil {
		return fmt.Errorf("configure collector limits: %w", err)
	}

	r := &run{
		engine:    e,
		ctx:       ctx,
		handler:   handler,
		collector: c,
		retries:   make(map[string]int),
	}

	cookie := cookieHeader(e.cfg.Cookies)
	c.OnRequest(func(req *colly.Request) {
		if ctx.Err() != nil || r.budgetReached() {
			req.Abort()
			return
		}
		if cookie != "" {
			req.Headers.Set("Cookie", cookie)
		}
	})
	c.OnResponse(r.onResponse)
	c.OnError(r.onError)

	for _, seed := range seeds {
		normalized, err := crawler.NormalizeURL(seed)
		if err != nil {
			e.logger.Warn("skipping invalid seed", zap.String("url", seed), zap.Error(err))
			continue
		}
		if err := c.Visit(normalized); err != nil && !isAlreadyVisited(err) {
			e.logger.Warn("seed visit rejected", zap.String("url", normalized), zap.Error(err))
		}
	}

	c.Wait()
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("static crawl canceled: %w", err)
	}
	return nil
}

// run carries the per-Run state shared by the collector callbacks.
type run struct {
	engine    *Engine
	ctx       context.Context
	handler   crawler.Handler
	collector *colly.Collector
	handled   atomic.Int64

	mu      sync.Mutex
	retries map[string]int
}

func (r *run) budgetReached() bool {
	budget := r.engine.cfg.MaxPagesToCrawl
	return budget > 0 && r.handled.Load() >= int64(budget)
}

func (r *run) onResponse(resp *colly.Response) {
	if r.ctx.Err() != nil {
		return
	}
	// The budget slot is claimed before the handler runs so links enqueued
	// from inside the handler already see it consumed. A failed attempt
	// releases the slot for its retry.
	budget := r.engine.cfg.MaxPagesToCrawl
	if budget > 0 && r.handled.Add(1) > int64(budget) {
		r.handled.Add(-1)
		return
	}

	url := resp.Request.URL.String()
	page, err := newPage(resp, r)
	if err == nil {
		hctx := r.ctx
		cancel := func() {}
		if t := r.engine.cfg.HandlerTimeout(); t > 0 {
			hctx, cancel = context.WithTimeout(r.ctx, t)
		}
		err = r.handler.HandlePage(hctx, page)
		cancel()
		if errors.Is(err, context.DeadlineExceeded) && r.ctx.Err() == nil {
			err = fmt.Errorf("%w after %s", crawler.ErrHandlerTimeout, r.engine.cfg.HandlerTimeout())
		}
	}
	if err != nil {
		r.handled.Add(-1)
		r.engine.logger.Warn("page processing failed", zap.String("url", url), zap.Error(err))
		r.maybeRetry(resp, err)
	}
}

func (r *run) onError(resp *colly.Response, err error) {
	if r.ctx.Err() != nil || r.budgetReached() {
		return
	}
	if resp == nil || resp.Request == nil {
		r.engine.logger.Warn("request failed", zap.Error(err))
		return
	}
	r.maybeRetry(resp, err)
}

// maybeRetry consults the retry policy and either re-submits the request
// after a backoff or gives the page up for good.
func (r *run) maybeRetry(resp *colly.Response, cause error) {
	url := resp.Request.URL.String()
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
	if err := resp.Request.Retry(); err != nil {
		r.engine.logger.Warn("page retry failed", zap.String("url", url), zap.Error(err))
	}
}

func (r *run) enqueue(url string) {
	if r.ctx.Err() != nil || r.budgetReached() {
		return
	}
	if err := r.collector.Visit(url); err != nil && !isAlreadyVisited(err) {
		r.engine.logger.Debug("link not enqueued", zap.String("url", url), zap.Error(err))
	}
}

// isAlreadyVisited reports whether err is colly's already-visited error.
func isAlreadyVisited(err error) bool {
	var ave *colly.AlreadyVisitedError
	return errors.As(err, &ave)
}

func cookieHeader(cookies []crawler.Cookie) string {
	if len(cookies) == 0 {
		return ""
	}
	parts := make([]string, 0, len(cookies))
	for _, c := range cookies {
		parts = append(parts, fmt.Sprintf("%s=%s", c.Name, c.Value))
	}
	return strings.Join(parts, "; ")
}
