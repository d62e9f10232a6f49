package crawler

import (
	"context"
	"time"
)

// Engine drives navigation and invokes the handler once per successfully
// loaded page, respecting the page budget, the concurrency bound, and the
// retry policy of the run. Run returns after the frontier drains or the
// budget is reached; in-flight pages complete.
type Engine interface {
	Run(ctx context.Context, seeds []string, handler Handler) error
}

// Handler processes one successfully loaded page. A returned error fails the
// page and hands the decision to the engine's retry policy.
type Handler interface {
	HandlePage(ctx context.Context, page PageView) error
}

// PageView is the narrow page handle an engine exposes to the handler.
type PageView interface {
	// URL returns the URL of the loaded page.
	URL() string
	// Title returns the document title.
	Title(ctx context.Context) (string, error)
	// WaitAndExtract waits up to timeout for the selector to appear, then
	// returns its extracted text. A selector starting with "/" is an XPath
	// expression yielding the first matching node's text content; anything
	// else is a CSS selector yielding the first element's inner text. A
	// missed wait returns an error wrapping ErrSelectorTimeout.
	WaitAndExtract(ctx context.Context, selector string, timeout time.Duration) (string, error)
	// EnqueueLinks discovers links on the page and feeds those passing the
	// include/exclude pattern sets back into the engine frontier.
	EnqueueLinks(ctx context.Context, include, exclude []string) error
}

// PageVisitor is an optional per-page hook. It receives the page handle and
// a push function through which it may persist additional records.
type PageVisitor interface {
	Visit(ctx context.Context, page PageView, push func(PageRecord) error) error
}

// Dataset is the durable per-page record store bridging the concurrent crawl
// phase and the sequential consolidation phase.
type Dataset interface {
	Push(ctx context.Context, record PageRecord) error
	// Source opens a sequential view over every stored record in insertion
	// order. The consolidation pass consumes it to completion.
	Source(ctx context.Context) (RecordSource, error)
}

// RecordSource yields records one at a time. Next returns io.EOF once the
// source is drained.
type RecordSource interface {
	Next(ctx context.Context) (PageRecord, error)
	Close() error
}

// TokenCounter estimates the number of model tokens in text. Implementations
// may stop counting precisely once limit is exceeded; limit <= 0 means
// unbounded.
type TokenCounter interface {
	Count(text string, limit int) int
}

// RetryPolicy decides whether and when a failed page load is attempted again.
type RetryPolicy interface {
	ShouldRetry(err error, attempt int) bool
	Backoff(attempt int) time.Duration
}

// BlobStore uploads produced artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Publisher pushes completion events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces session IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
