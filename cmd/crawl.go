// Package cmd defines and implements the CLI commands for the sitestitch
// executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// noCrawlEnv short-circuits the network phase when set to "true", leaving
// only consolidation. The combine subcommand is the explicit spelling of the
// same path.
const noCrawlEnv = "SITESTITCH_NO_CRAWL"

// newCrawlCmd creates the 'crawl' subcommand.
func newCrawlCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "crawl",
		Short: "Crawl the configured site and consolidate the output",
		Long: `Runs one full session against the configured seed URL: crawl every
matched page, consolidate the captured records into combined JSON files,
and, when configured, upload the files and publish a completion message.`,

		RunE: runCrawlCommand,
	}
}

func runCrawlCommand(cmd *cobra.Command, _ []string) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	logger := appInstance.GetLogger()

	skipCrawl := os.Getenv(noCrawlEnv) == "true"
	if skipCrawl {
		logger.Info("crawl phase disabled by environment", zap.String("var", noCrawlEnv))
	}

	sess, err := appInstance.Session(appInstance.GetConfig().Crawl, skipCrawl)
	if err != nil {
		return fmt.Errorf("assemble session: %w", err)
	}

	res, err := sess.Run(cmd.Context())
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("run session: %w", err)
	}

	logger.Info("crawl finished",
		zap.String("session_id", res.SessionID),
		zap.Int64("pages", res.Pages),
		zap.Int("records", res.Records),
		zap.Int("files", len(res.Files)),
		zap.String("final_path", res.FinalPath),
	)
	return nil
}
