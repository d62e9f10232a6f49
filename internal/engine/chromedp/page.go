package chromedpengine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/chromedp/chromedp"

	"github.com/sitestitch/sitestitch/internal/crawler"
)

// page is one rendered tab exposed to the capture handler. Selector waits
// are real here: content injected by scripts after load becomes visible to
// WaitAndExtract as soon as the node attaches.
type page struct {
	run    *run
	url    string
	loaded string
}

// URL reports the address the browser settled on after redirects.
func (p *page) URL() string {
	if p.loaded != "" {
		return p.loaded
	}
	return p.url
}

func (p *page) Title(ctx context.Context) (string, error) {
	var title string
	if err := chromedp.Run(ctx, chromedp.Title(&title)); err != nil {
		return "", fmt.Errorf("read title: %w", err)
	}
	return strings.TrimSpace(title), nil
}

// WaitAndExtract waits for the selector to attach and returns its text. A
// leading slash selects by XPath, anything else by CSS.
func (p *page) WaitAndExtract(ctx context.Context, selector string, timeout time.Duration) (string, error) {
	wctx := ctx
	cancel := func() {}
	if timeout > 0 {
		wctx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	var text string
	var err error
	if strings.HasPrefix(selector, "/") {
		err = chromedp.Run(wctx,
			chromedp.WaitReady(selector, chromedp.BySearch),
			chromedp.TextContent(selector, &text, chromedp.BySearch),
		)
	} else {
		err = chromedp.Run(wctx,
			chromedp.WaitReady(selector, chromedp.ByQuery),
			chromedp.Text(selector, &text, chromedp.ByQuery),
		)
	}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return "", fmt.Errorf("selector %q not present after %s: %w", selector, timeout, crawler.ErrSelectorTimeout)
		}
		return "", fmt.Errorf("evaluate selector %q: %w", selector, err)
	}
	return text, nil
}

// EnqueueLinks collects every rendered anchor href and feeds the matching
// ones back to the frontier.
func (p *page) EnqueueLinks(ctx context.Context, include, exclude []string) error {
	var hrefs []string
	err := chromedp.Run(ctx,
		chromedp.Evaluate(`Array.from(document.querySelectorAll("a[href]"), a => a.href)`, &hrefs),
	)
	if err != nil {
		return fmt.Errorf("collect links: %w", err)
	}
	for _, href := range hrefs {
		normalized, err := crawler.NormalizeURL(href)
		if err != nil {
			continue
		}
		if !crawler.MatchesAny(normalized, include) || crawler.MatchesAny(normalized, exclude) {
			continue
		}
		p.run.enqueue(normalized)
	}
	return nil
}
