// Package sitemap expands sitemap seeds into the page URLs they list.
package sitemap

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/antchfx/xmlquery"
	"go.uber.org/zap"
)

// maxIndexDepth bounds sitemap index recursion.
const maxIndexDepth = 3

// IsSitemapURL reports whether a seed names a sitemap rather than a page:
// an .xml path, or any URL mentioning "sitemap".
func IsSitemapURL(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	if strings.HasSuffix(strings.ToLower(u.Path), ".xml") {
		return true
	}
	return strings.Contains(strings.ToLower(rawURL), "sitemap")
}

// Expander fetches sitemaps and flattens them, following nested sitemap
// indexes.
type Expander struct {
	client *http.Client
	logger *zap.Logger
}

// Options configures an Expander.
type Options struct {
	Client *http.Client
	Logger *zap.Logger
}

// New builds an Expander.
func New(opts Options) *Expander {
	if opts.Client == nil {
		opts.Client = &http.Client{Timeout: 30 * time.Second}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Expander{client: opts.Client, logger: opts.Logger}
}

// ExpandSeeds replaces sitemap seeds with the page URLs they list. Plain
// page seeds pass through unchanged, in order.
func (e *Expander) ExpandSeeds(ctx context.Context, seeds []string) ([]string, error) {
	out := make([]string, 0, len(seeds))
	for _, seed := range seeds {
		if !IsSitemapURL(seed) {
			out = append(out, seed)
			continue
		}
		urls, err := e.Expand(ctx, seed)
		if err != nil {
			return nil, fmt.Errorf("expand sitemap %s: %w", seed, err)
		}
		e.logger.Info("expanded sitemap", zap.String("url", seed), zap.Int("pages", len(urls)))
		out = append(out, urls...)
	}
	return out, nil
}

// Expand fetches one sitemap and returns every page URL it lists. A broken
// child of an index is skipped with a warning; a broken root fails.
func (e *Expander) Expand(ctx context.Context, sitemapURL string) ([]string, error) {
	return e.expand(ctx, sitemapURL, make(map[string]struct{}), 0)
}

func (e *Expander) expand(ctx context.Context, sitemapURL string, visited map[string]struct{}, depth int) ([]string, error) {
	if depth > maxIndexDepth {
		return nil, fmt.Errorf("sitemap index nesting exceeds %d levels", maxIndexDepth)
	}
	if _, seen := visited[sitemapURL]; seen {
		return nil, nil
	}
	visited[sitemapURL] = struct{}{}

	doc, err := e.fetch(ctx, sitemapURL)
	if err != nil {
		return nil, err
	}

	pages := locs(doc, "//urlset/url/loc")
	children := locs(doc, "//sitemapindex/sitemap/loc")
	if len(pages) == 0 && len(children) == 0 {
		return nil, fmt.Errorf("no url entries in %s", sitemapURL)
	}

	for _, child := range children {
		nested, err := e.expand(ctx, child, visited, depth+1)
		if err != nil {
			e.logger.Warn("skipping sitemap index child", zap.String("url", child), zap.Error(err))
			continue
		}
		pages = append(pages, nested...)
	}
	return pages, nil
}

func (e *Expander) fetch(ctx context.Context, rawURL string) (*xmlquery.Node, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build sitemap request: %w", err)
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch sitemap: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch sitemap: unexpected status %d", resp.StatusCode)
	}
	doc, err := xmlquery.Parse(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("parse sitemap: %w", err)
	}
	return doc, nil
}

func locs(doc *xmlquery.Node, query string) []string {
	var out []string
	xmlquery.FindEach(doc, query, func(_ int, n *xmlquery.Node) {
		if loc := strings.TrimSpace(n.InnerText()); loc != "" {
			out = append(out, loc)
		}
	})
	return out
}
