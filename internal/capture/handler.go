// Package capture implements the per-page callback that turns a loaded page
// into a persisted PageRecord: read the title, wait for and extract the
// configured selector, save the optional per-page file, push the record to
// the dataset, run the optional visitor hook, throttle, and enqueue links.
package capture

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/sitestitch/sitestitch/internal/clock/system"
	"github.com/sitestitch/sitestitch/internal/crawler"
	"github.com/sitestitch/sitestitch/internal/pagefile"
	"github.com/sitestitch/sitestitch/internal/progress"
)

// Options configures a Handler. Dataset is required; everything else is
// optional and defaults to a no-op or system implementation.
type Options struct {
	Config  crawler.Config
	Dataset crawler.Dataset
	// Pages enables per-page file output when non-nil.
	Pages   *pagefile.Writer
	Visitor crawler.PageVisitor
	Emitter progress.Emitter
	Clock   crawler.Clock
	Logger  *zap.Logger
	// Session identifies the run in emitted progress events.
	Session [16]byte
}

// Handler processes each successfully loaded page. It owns the page counter
// for the run so sessions stay independently testable.
type Handler struct {
	cfg     crawler.Config
	dataset crawler.Dataset
	pages   *pagefile.Writer
	visitor crawler.PageVisitor
	emitter progress.Emitter
	clock   crawler.Clock
	logger  *zap.Logger
	session [16]byte

	count atomic.Int64
}

// NewHandler builds a Handler from Options.
func NewHandler(opts Options) (*Handler, error) {
	if opts.Dataset == nil {
		return nil, errors.New("capture: dataset is required")
	}
	if opts.Clock == nil {
		opts.Clock = system.New()
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Handler{
		cfg:     opts.Config,
		dataset: opts.Dataset,
		pages:   opts.Pages,
		visitor: opts.Visitor,
		emitter: opts.Emitter,
		clock:   opts.Clock,
		logger:  opts.Logger,
		session: opts.Session,
	}, nil
}

// Pages returns how many pages the handler has processed so far.
func (h *Handler) Pages() int64 {
	return h.count.Load()
}

// HandlePage runs the capture sequence for one loaded page. A returned error
// fails the page; the engine's retry policy decides what happens next. Per
// page file errors are reported but never fail the page.
func (h *Handler) HandlePage(ctx context.Context, page crawler.PageView) (err error) {
	n := h.count.Add(1)
	h.logger.Info("crawling page",
		zap.Int64("page", n),
		zap.Int("budget", h.cfg.MaxPagesToCrawl),
		zap.String("url", page.URL()))

	defer func() {
		outcome := progress.OutcomeOK
		note := ""
		if err != nil {
			outcome = progress.OutcomeError
			note = err.Error()
		}
		h.emit(page.URL(), outcome, note)
	}()

	title, err := page.Title(ctx)
	if err != nil {
		return fmt.Errorf("read page title: %w", err)
	}

	selector := h.cfg.SelectorOrDefault()
	text, err := page.WaitAndExtract(ctx, selector, h.cfg.SelectorWait())
	if err != nil {
		return fmt.Errorf("extract %q: %w", selector, err)
	}

	record := crawler.PageRecord{Title: title, URL: page.URL(), HTML: text}

	if h.pages != nil {
		if saveErr := h.pages.Save(record); saveErr != nil {
			h.logger.Warn("per-page save failed",
				zap.String("url", record.URL),
				zap.Error(saveErr))
		}
	}

	if err := h.dataset.Push(ctx, record); err != nil {
		return fmt.Errorf("store page record: %w", err)
	}

	if h.visitor != nil {
		push := func(extra crawler.PageRecord) error {
			return h.dataset.Push(ctx, extra)
		}
		if err := h.visitor.Visit(ctx, page, push); err != nil {
			return fmt.Errorf("page visitor: %w", err)
		}
	}

	if delay := h.cfg.Delay(); delay > 0 {
		if err := sleep(ctx, delay); err != nil {
			return err
		}
	}

	if err := page.EnqueueLinks(ctx, h.cfg.Match, h.cfg.Exclude); err != nil {
		return fmt.Errorf("enqueue links: %w", err)
	}
	return nil
}

func (h *Handler) emit(url string, outcome progress.Outcome, note string) {
	if h.emitter == nil {
		return
	}
	h.emitter.Emit(progress.Event{
		SessionID: h.session,
		TS:        h.clock.Now(),
		Stage:     progress.StagePageDone,
		URL:       url,
		Outcome:   outcome,
		Pages:     h.count.Load(),
		Note:      note,
	})
}

// sleep blocks the calling worker only; other workers keep making progress.
func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
