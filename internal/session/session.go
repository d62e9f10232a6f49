// Package session orchestrates one crawl end to end: seed expansion, the
// concurrent crawl phase, the sequential consolidation phase, and the
// optional upload and notification steps after it.
package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sitestitch/sitestitch/internal/batch"
	"github.com/sitestitch/sitestitch/internal/capture"
	"github.com/sitestitch/sitestitch/internal/clock/system"
	"github.com/sitestitch/sitestitch/internal/crawler"
	idgen "github.com/sitestitch/sitestitch/internal/id/uuid"
	"github.com/sitestitch/sitestitch/internal/pagefile"
	"github.com/sitestitch/sitestitch/internal/progress"
	"github.com/sitestitch/sitestitch/internal/sitemap"
)

// Options wires one crawl session.
type Options struct {
	// Config is the crawl configuration. It is validated by New.
	Config crawler.Config
	// OutputDir receives the combined output files and the per-page tree.
	// Defaults to ".".
	OutputDir string
	// Overflow selects the token-ceiling overflow policy for consolidation.
	Overflow batch.OverflowPolicy

	// Engine performs the crawl phase. Required unless SkipCrawl is set.
	Engine crawler.Engine
	// Dataset persists page records between the two phases. Required.
	Dataset crawler.Dataset
	// Visitor is the optional per-page hook.
	Visitor crawler.PageVisitor
	// Sitemap expands sitemap seeds. Built internally when nil.
	Sitemap *sitemap.Expander

	// Uploader, when set, receives every combined output file.
	Uploader crawler.BlobStore
	// UploadPrefix prefixes uploaded object names.
	UploadPrefix string
	// Notifier, when set, is sent one completion message per session.
	Notifier crawler.Publisher
	// NotifyTopic names the completion topic.
	NotifyTopic string

	Emitter progress.Emitter
	Clock   crawler.Clock
	IDs     crawler.IDGenerator
	Logger  *zap.Logger

	// SkipCrawl runs consolidation only, over whatever records the dataset
	// already holds.
	SkipCrawl bool
}

// Result summarizes a completed session.
type Result struct {
	SessionID string
	// Pages is the number of pages the crawl phase processed.
	Pages int64
	// Files lists every combined output file written.
	Files []batch.FileInfo
	// Records is the total number of consolidated records.
	Records int
	// FinalPath is the last combined file written, empty without records.
	FinalPath string
	// URIs lists where the output files were uploaded, if anywhere.
	URIs []string
	// Duration is the wall time of the whole session.
	Duration time.Duration
}

// Session runs crawls. One Session value may run many times; each Run gets
// its own ID.
type Session struct {
	opts Options
}

// New validates the wiring and returns a Session.
func New(opts Options) (*Session, error) {
	if err := opts.Config.Validate(); err != nil {
		return nil, err
	}
	if opts.Dataset == nil {
		return nil, errors.New("session: dataset is required")
	}
	if opts.Engine == nil && !opts.SkipCrawl {
		return nil, errors.New("session: engine is required")
	}
	if opts.OutputDir == "" {
		opts.OutputDir = "."
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Clock == nil {
		opts.Clock = system.New()
	}
	if opts.IDs == nil {
		opts.IDs = idgen.New()
	}
	if opts.Sitemap == nil {
		opts.Sitemap = sitemap.New(sitemap.Options{Logger: opts.Logger})
	}
	return &Session{opts: opts}, nil
}

// Run executes one full session and reports what it produced. The returned
// Result carries the session ID even when Run fails partway.
func (s *Session) Run(ctx context.Context) (Result, error) {
	id, err := s.opts.IDs.NewID()
	if err != nil {
		return Result{}, fmt.Errorf("generate session id: %w", err)
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return Result{}, fmt.Errorf("parse session id %q: %w", id, err)
	}
	sid := progress.UUIDToBytes(parsed)

	start := s.opts.Clock.Now()
	logger := s.opts.Logger.With(zap.String("session", id))
	logger.Info("session starting",
		zap.String("url", s.opts.Config.URL),
		zap.String("engine", s.opts.Config.Engine),
		zap.Bool("skipCrawl", s.opts.SkipCrawl))
	s.emit(progress.Event{
		SessionID: sid,
		TS:        start,
		Stage:     progress.StageSessionStart,
		URL:       s.opts.Config.URL,
	})

	res, err := s.run(ctx, sid, id, logger)
	res.SessionID = id
	res.Duration = s.opts.Clock.Now().Sub(start)
	if err != nil {
		logger.Error("session failed", zap.Error(err), zap.Duration("duration", res.Duration))
		s.emit(progress.Event{
			SessionID: sid,
			TS:        s.opts.Clock.Now(),
			Stage:     progress.StageSessionError,
			Pages:     res.Pages,
			Dur:       res.Duration,
			Note:      err.Error(),
		})
		return res, err
	}

	s.notify(ctx, res, logger)

	logger.Info("session complete",
		zap.Int64("pages", res.Pages),
		zap.Int("files", len(res.Files)),
		zap.Int("records", res.Records),
		zap.Duration("duration", res.Duration))
	s.emit(progress.Event{
		SessionID: sid,
		TS:        s.opts.Clock.Now(),
		Stage:     progress.StageSessionDone,
		Pages:     res.Pages,
		Records:   int64(res.Records),
		Dur:       res.Duration,
	})
	return res, nil
}

func (s *Session) run(ctx context.Context, sid [16]byte, id string, logger *zap.Logger) (Result, error) {
	var res Result

	if !s.opts.SkipCrawl {
		pages, err := s.crawl(ctx, sid, logger)
		res.Pages = pages
		if err != nil {
			return res, err
		}
	} else {
		logger.Info("crawl phase skipped")
	}

	bres, err := s.combine(ctx, sid)
	if err != nil {
		return res, err
	}
	res.Files = bres.Files
	res.Records = bres.Records
	res.FinalPath = bres.FinalPath

	if s.opts.Uploader != nil && len(res.Files) > 0 {
		uris, err := s.upload(ctx, sid, id, bres.Files)
		if err != nil {
			return res, err
		}
		res.URIs = uris
	}
	return res, nil
}

// crawl runs the engine over the expanded seeds and returns how many pages
// the capture handler processed.
func (s *Session) crawl(ctx context.Context, sid [16]byte, logger *zap.Logger) (int64, error) {
	var pages *pagefile.Writer
	if s.opts.Config.SavePerPage {
		pages = pagefile.New(s.opts.OutputDir, s.opts.Config.OutputFileName, s.opts.Config.Match)
	}
	handler, err := capture.NewHandler(capture.Options{
		Config:  s.opts.Config,
		Dataset: s.opts.Dataset,
		Pages:   pages,
		Visitor: s.opts.Visitor,
		Emitter: s.opts.Emitter,
		Clock:   s.opts.Clock,
		Logger:  logger,
		Session: sid,
	})
	if err != nil {
		return 0, err
	}

	seeds, err := s.opts.Sitemap.ExpandSeeds(ctx, []string{s.opts.Config.URL})
	if err != nil {
		return 0, err
	}

	if err := s.opts.Engine.Run(ctx, seeds, handler); err != nil {
		return handler.Pages(), fmt.Errorf("crawl phase: %w", err)
	}
	return handler.Pages(), nil
}

// combine consolidates the dataset into the combined output files, emitting
// one flush event per file as it lands.
func (s *Session) combine(ctx context.Context, sid [16]byte) (batch.Result, error) {
	src, err := s.opts.Dataset.Source(ctx)
	if err != nil {
		return batch.Result{}, fmt.Errorf("open dataset: %w", err)
	}
	defer src.Close()

	writer, err := batch.NewWriter(batch.Options{
		Dir:            s.opts.OutputDir,
		OutputFileName: s.opts.Config.OutputFileName,
		MaxTokens:      s.opts.Config.MaxTokens,
		MaxBytes:       s.opts.Config.MaxBytes(),
		Overflow:       s.opts.Overflow,
		Logger:         s.opts.Logger,
		OnFlush: func(f batch.FileInfo) {
			s.emit(progress.Event{
				SessionID: sid,
				TS:        s.opts.Clock.Now(),
				Stage:     progress.StageBatchFlush,
				Records:   int64(f.Records),
				Bytes:     int64(f.Bytes),
				Note:      f.Path,
			})
		},
	})
	if err != nil {
		return batch.Result{}, err
	}

	bres, err := writer.Combine(ctx, src)
	if err != nil {
		return batch.Result{}, fmt.Errorf("consolidate records: %w", err)
	}
	return bres, nil
}

// upload pushes every combined file to the blob store. Object names are
// <prefix>/<session id>/<file name>.
func (s *Session) upload(ctx context.Context, sid [16]byte, sessionID string, files []batch.FileInfo) ([]string, error) {
	uris := make([]string, 0, len(files))
	for _, f := range files {
		data, err := os.ReadFile(f.Path)
		if err != nil {
			return uris, fmt.Errorf("read output file: %w", err)
		}
		object := path.Join(s.opts.UploadPrefix, sessionID, filepath.Base(f.Path))
		uri, err := s.opts.Uploader.PutObject(ctx, object, "application/json", data)
		if err != nil {
			return uris, fmt.Errorf("upload %s: %w", f.Path, err)
		}
		uris = append(uris, uri)
		s.emit(progress.Event{
			SessionID: sid,
			TS:        s.opts.Clock.Now(),
			Stage:     progress.StageUploadDone,
			Bytes:     int64(len(data)),
			Note:      uri,
		})
	}
	return uris, nil
}

// notify publishes the completion message. Failures are logged, not fatal:
// the output already exists on disk and in the blob store.
func (s *Session) notify(ctx context.Context, res Result, logger *zap.Logger) {
	if s.opts.Notifier == nil {
		return
	}
	payload := completionMessage{
		SessionID:  res.SessionID,
		URL:        s.opts.Config.URL,
		Pages:      res.Pages,
		Files:      len(res.Files),
		Records:    res.Records,
		FinalPath:  res.FinalPath,
		URIs:       res.URIs,
		DurationMS: res.Duration.Milliseconds(),
	}
	if _, err := s.opts.Notifier.Publish(ctx, s.opts.NotifyTopic, payload); err != nil {
		logger.Warn("completion notification failed", zap.Error(err))
	}
}

// completionMessage is the JSON body published after a successful session.
type completionMessage struct {
	SessionID  string   `json:"sessionId"`
	URL        string   `json:"url"`
	Pages      int64    `json:"pages"`
	Files      int      `json:"files"`
	Records    int      `json:"records"`
	FinalPath  string   `json:"finalPath"`
	URIs       []string `json:"uris,omitempty"`
	DurationMS int64    `json:"durationMs"`
}

func (s *Session) emit(evt progress.Event) {
	if s.opts.Emitter == nil {
		return
	}
	s.opts.Emitter.Emit(evt)
}
