package collyengine

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/antchfx/htmlquery"
	"github.com/gocolly/colly/v2"
	"golang.org/x/net/html"

	"github.com/sitestitch/sitestitch/internal/crawler"
)

// page adapts one fetched response to crawler.PageView. The document is
// parsed once with goquery; the XPath tree is built lazily on first use.
type page struct {
	resp *colly.Response
	run  *run
	doc  *goquery.Document
	root *html.Node
}

func newPage(resp *colly.Response, r *run) (*page, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(resp.Body))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	return &page{resp: resp, run: r, doc: doc}, nil
}

func (p *page) URL() string {
	return p.resp.Request.URL.String()
}

func (p *page) Title(context.Context) (string, error) {
	return strings.TrimSpace(p.doc.Find("title").First().Text()), nil
}

// WaitAndExtract resolves the selector against the already-fetched document.
// Static content cannot appear later, so a missing selector reports the
// timeout immediately instead of polling.
func (p *page) WaitAndExtract(_ context.Context, selector string, _ time.Duration) (string, error) {
	if strings.HasPrefix(selector, "/") {
		return p.extractXPath(selector)
	}
	sel := p.doc.Find(selector).First()
	if sel.Length() == 0 {
		return "", fmt.Errorf("selector %q not present: %w", selector, crawler.ErrSelectorTimeout)
	}
	return strings.TrimSpace(sel.Text()), nil
}

func (p *page) extractXPath(selector string) (string, error) {
	if p.root == nil {
		root, err := htmlquery.Parse(bytes.NewReader(p.resp.Body))
		if err != nil {
			return "", fmt.Errorf("parse html for xpath: %w", err)
		}
		p.root = root
	}
	node, err := htmlquery.Query(p.root, selector)
	if err != nil {
		return "", fmt.Errorf("evaluate xpath %q: %w", selector, err)
	}
	if node == nil {
		return "", fmt.Errorf("selector %q not present: %w", selector, crawler.ErrSelectorTimeout)
	}
	return strings.TrimSpace(htmlquery.InnerText(node)), nil
}

// EnqueueLinks feeds every anchor that survives normalization and the
// include/exclude patterns back into the collector frontier.
func (p *page) EnqueueLinks(_ context.Context, include, exclude []string) error {
	p.doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, ok := s.Attr("href")
		if !ok || href == "" {
			return
		}
		abs := p.resp.Request.AbsoluteURL(href)
		if abs == "" {
			return
		}
		normalized, err := crawler.NormalizeURL(abs)
		if err != nil {
			return
		}
		if !crawler.MatchesAny(normalized, include) || crawler.MatchesAny(normalized, exclude) {
			return
		}
		p.run.enqueue(normalized)
	})
	return nil
}
