package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sitestitch/sitestitch/internal/app"
	"github.com/sitestitch/sitestitch/internal/config"
	"github.com/sitestitch/sitestitch/internal/crawler"
	"github.com/sitestitch/sitestitch/internal/progress/sinks"
	"github.com/sitestitch/sitestitch/internal/session"
)

// defaultConfigFile is picked up from the working directory when --config is
// not given.
const defaultConfigFile = "sitestitch.yaml"

var (
	cfgFile string
	devMode bool
)

// appKeyType is the key type for storing the App in the command context.
type appKeyType string

const appKey appKeyType = "app"

// App is the slice of the service container the commands use. Declared as an
// interface so tests can inject a replacement.
type App interface {
	Close(ctx context.Context)
	GetConfig() config.Config
	GetLogger() *zap.Logger
	GetJournal() *sinks.Journal
	GetRegistry() *prometheus.Registry
	GetRunner() app.Runner
	Session(cfg crawler.Config, skipCrawl bool) (*session.Session, error)
}

// newApp is the application factory. It is a variable so tests can replace
// it with a factory producing a preconfigured container.
var newApp = func(ctx context.Context, cfg config.Config) (App, error) {
	return app.New(ctx, cfg)
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sitestitch",
		Short: "Crawl documentation sites into consolidated JSON datasets",
		Long: `sitestitch crawls a site from a seed URL, extracts the readable content
of every matched page, and consolidates the captured records into
size-bounded JSON files ready for LLM ingestion.`,

		SilenceUsage:  true,
		SilenceErrors: true,

		// Runs after flag parsing and before the subcommand's RunE, so every
		// subcommand finds a fully built service container in its context.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			path := cfgFile
			if path == "" {
				if _, err := os.Stat(defaultConfigFile); err == nil {
					path = defaultConfigFile
				}
			}
			cfg, err := config.Load(path)
			if err != nil {
				return fmt.Errorf("load configuration: %w", err)
			}
			if devMode {
				cfg.Logging.Development = true
			}

			appInstance, err := newApp(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("initialize application services: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, appInstance))
			return nil
		},

		// Ensures the services shut down gracefully once the subcommand
		// returns.
		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if appInstance, ok := cmd.Context().Value(appKey).(App); ok && appInstance != nil {
				appInstance.Close(context.Background())
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		fmt.Sprintf("config file (default is ./%s if present)", defaultConfigFile))
	cmd.PersistentFlags().BoolVar(&devMode, "dev", false,
		"use the colored development logger regardless of the configured mode")

	cmd.AddCommand(newCrawlCmd())
	cmd.AddCommand(newCombineCmd())
	cmd.AddCommand(newServeCmd())

	return cmd
}

// resolveApp retrieves the service container placed in the context by the
// root command's PersistentPreRunE.
func resolveApp(ctx context.Context) (App, error) {
	appInstance, ok := ctx.Value(appKey).(App)
	if !ok || appInstance == nil {
		return nil, fmt.Errorf("application services not initialized")
	}
	return appInstance, nil
}

// Execute is the main entry point. The context is canceled on SIGINT or
// SIGTERM so a running crawl or server winds down instead of being killed.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		stop()
		os.Exit(1)
	}
}
