package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// newCombineCmd creates the 'combine' subcommand.
func newCombineCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "combine",
		Short: "Consolidate already captured records without crawling",
		Long: `Skips the network phase entirely and consolidates whatever records the
configured dataset already holds into combined output files. Useful after
an interrupted crawl, or to re-batch existing records with different size
limits.`,

		RunE: runCombineCommand,
	}
}

func runCombineCommand(cmd *cobra.Command, _ []string) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}

	sess, err := appInstance.Session(appInstance.GetConfig().Crawl, true)
	if err != nil {
		return fmt.Errorf("assemble session: %w", err)
	}

	res, err := sess.Run(cmd.Context())
	if err != nil {
		return fmt.Errorf("consolidate records: %w", err)
	}

	appInstance.GetLogger().Info("consolidation finished",
		zap.String("session_id", res.SessionID),
		zap.Int("records", res.Records),
		zap.Int("files", len(res.Files)),
		zap.String("final_path", res.FinalPath),
	)
	return nil
}
