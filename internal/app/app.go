// Package app initializes and holds the long-lived services of one process,
// acting as the dependency injection container for the CLI commands and the
// API server.
package app

import (
	"context"
	"fmt"

	"cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/sitestitch/sitestitch/internal/config"
	"github.com/sitestitch/sitestitch/internal/crawler"
	"github.com/sitestitch/sitestitch/internal/dataset/fs"
	"github.com/sitestitch/sitestitch/internal/dataset/memory"
	"github.com/sitestitch/sitestitch/internal/dataset/postgres"
	chromedpengine "github.com/sitestitch/sitestitch/internal/engine/chromedp"
	collyengine "github.com/sitestitch/sitestitch/internal/engine/colly"
	"github.com/sitestitch/sitestitch/internal/logging"
	"github.com/sitestitch/sitestitch/internal/progress"
	"github.com/sitestitch/sitestitch/internal/progress/sinks"
	"github.com/sitestitch/sitestitch/internal/publisher/pubsub"
	"github.com/sitestitch/sitestitch/internal/session"
	"github.com/sitestitch/sitestitch/internal/storage/gcs"
	"github.com/sitestitch/sitestitch/internal/storage/local"
)

// App holds the shared, long-lived services of the process: the logger, the
// progress hub with its sinks, the dataset provider, and the optional upload
// and notification clients. It is initialized once at startup from the loaded
// configuration and handed to the commands that need it.
type App struct {
	cfg      config.Config
	logger   *zap.Logger
	registry *prometheus.Registry
	hub      *progress.Hub
	journal  *sinks.Journal
	dataset  crawler.Dataset
	uploader crawler.BlobStore
	notifier crawler.Publisher

	// Concrete handles kept for shutdown; the interface fields above hide
	// the Close methods.
	pg        *postgres.Store
	pub       *pubsub.Publisher
	gcsClient *storage.Client
}

// GetConfig returns the configuration the container was built from.
func (a *App) GetConfig() config.Config {
	return a.cfg
}

// GetLogger returns the shared zap logger instance.
func (a *App) GetLogger() *zap.Logger {
	return a.logger
}

// GetRegistry returns the Prometheus registry the progress sink reports into.
func (a *App) GetRegistry() *prometheus.Registry {
	return a.registry
}

// GetJournal returns the in-memory session journal the API serves.
func (a *App) GetJournal() *sinks.Journal {
	return a.journal
}

// GetDataset exposes the configured dataset provider.
func (a *App) GetDataset() crawler.Dataset {
	return a.dataset
}

// GetUploader returns the configured blob store, or nil when uploads are
// disabled.
func (a *App) GetUploader() crawler.BlobStore {
	return a.uploader
}

// GetNotifier returns the configured completion publisher, or nil when
// notifications are disabled.
func (a *App) GetNotifier() crawler.Publisher {
	return a.notifier
}

// New creates and initializes the App container from cfg. It is the central
// point for service initialization and fails fast when any configured
// provider cannot be built.
func New(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("initialize logger: %w", err)
	}

	a := &App{cfg: cfg, logger: logger}

	// Progress pipeline. Sessions emit into the hub; the sinks turn the
	// stream into logs, Prometheus series, and the journal the API serves.
	a.registry = prometheus.NewRegistry()
	promSink, err := sinks.NewPrometheusSink(a.registry)
	if err != nil {
		return nil, fmt.Errorf("register progress metrics: %w", err)
	}
	a.journal = sinks.NewJournal(0)
	a.hub = progress.NewHub(progress.Config{Logger: logger},
		sinks.NewLogSink(logger), promSink, a.journal)

	switch cfg.Dataset.Provider {
	case "", "fs":
		store, err := fs.New(cfg.Dataset.Dir)
		if err != nil {
			return nil, fmt.Errorf("initialize dataset: %w", err)
		}
		logger.Info("using filesystem dataset", zap.String("dir", cfg.Dataset.Dir))
		a.dataset = store
	case "memory":
		logger.Info("using in-memory dataset, records are lost on exit")
		a.dataset = memory.New()
	case "postgres":
		store, err := postgres.New(ctx, postgres.Config{DSN: cfg.Dataset.DSN, Table: cfg.Dataset.Table})
		if err != nil {
			return nil, fmt.Errorf("initialize dataset: %w", err)
		}
		if err := store.EnsureSchema(ctx); err != nil {
			store.Close()
			return nil, fmt.Errorf("initialize dataset: %w", err)
		}
		logger.Info("using postgres dataset", zap.String("table", cfg.Dataset.Table))
		a.pg = store
		a.dataset = store
	default:
		return nil, fmt.Errorf("unknown dataset provider %q", cfg.Dataset.Provider)
	}

	switch cfg.Upload.Provider {
	case "":
		logger.Info("uploads disabled, output stays on local disk")
	case "gcs":
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("initialize gcs client: %w", err)
		}
		blob, err := gcs.New(client, gcs.Config{Bucket: cfg.Upload.Bucket})
		if err != nil {
			return nil, fmt.Errorf("initialize uploader: %w", err)
		}
		logger.Info("uploading output to gcs", zap.String("bucket", cfg.Upload.Bucket))
		a.gcsClient = client
		a.uploader = blob
	case "local":
		blob, err := local.New(local.Config{BaseDir: cfg.Upload.Dir})
		if err != nil {
			return nil, fmt.Errorf("initialize uploader: %w", err)
		}
		logger.Info("copying output to local blob directory", zap.String("dir", cfg.Upload.Dir))
		a.uploader = blob
	default:
		return nil, fmt.Errorf("unknown upload provider %q", cfg.Upload.Provider)
	}

	switch cfg.Notify.Provider {
	case "":
		logger.Info("completion notifications disabled")
	case "pubsub":
		pub, err := pubsub.New(ctx, cfg.Notify.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("initialize publisher: %w", err)
		}
		logger.Info("publishing completion messages",
			zap.String("project", cfg.Notify.ProjectID), zap.String("topic", cfg.Notify.Topic))
		a.pub = pub
		a.notifier = pub
	default:
		return nil, fmt.Errorf("unknown notify provider %q", cfg.Notify.Provider)
	}

	return a, nil
}

// Session assembles one crawl session over the shared providers. When
// skipCrawl is set the session starts at the consolidation phase and works
// off whatever records the dataset already holds.
func (a *App) Session(cfg crawler.Config, skipCrawl bool) (*session.Session, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	engine, err := a.engineFor(cfg)
	if err != nil {
		return nil, err
	}
	return session.New(session.Options{
		Config:       cfg,
		OutputDir:    a.cfg.Output.Dir,
		Overflow:     a.cfg.Overflow(),
		Engine:       engine,
		Dataset:      a.dataset,
		Uploader:     a.uploader,
		UploadPrefix: a.cfg.Upload.Prefix,
		Notifier:     a.notifier,
		NotifyTopic:  a.cfg.Notify.Topic,
		Emitter:      a.hub,
		Logger:       a.logger,
		SkipCrawl:    skipCrawl,
	})
}

func (a *App) engineFor(cfg crawler.Config) (crawler.Engine, error) {
	switch cfg.Engine {
	case "", crawler.EngineBrowser:
		return chromedpengine.New(chromedpengine.Options{Config: cfg, Logger: a.logger}), nil
	case crawler.EngineStatic:
		return collyengine.New(collyengine.Options{Config: cfg, Logger: a.logger}), nil
	default:
		return nil, fmt.Errorf("unknown crawl engine %q", cfg.Engine)
	}
}

// Runner executes one crawl session per submitted request. It is the handle
// the API server drives.
type Runner struct {
	app *App
}

// Run builds a session for cfg and executes it.
func (r Runner) Run(ctx context.Context, cfg crawler.Config) (session.Result, error) {
	sess, err := r.app.Session(cfg, false)
	if err != nil {
		return session.Result{}, err
	}
	return sess.Run(ctx)
}

// GetRunner returns the session runner handed to the API server.
func (a *App) GetRunner() Runner {
	return Runner{app: a}
}

// Close gracefully shuts down the services in the container. Buffered
// progress events are flushed first and the logger is synced last.
func (a *App) Close(ctx context.Context) {
	a.logger.Info("shutting down application services")
	if err := a.hub.Close(ctx); err != nil {
		a.logger.Warn("close progress hub", zap.Error(err))
	}
	if a.pg != nil {
		a.pg.Close()
	}
	if a.pub != nil {
		if err := a.pub.Close(); err != nil {
			a.logger.Warn("close publisher", zap.Error(err))
		}
	}
	if a.gcsClient != nil {
		if err := a.gcsClient.Close(); err != nil {
			a.logger.Warn("close storage client", zap.Error(err))
		}
	}
	_ = a.logger.Sync() // best effort flush
}
