// Package cmd defines and implements the CLI commands for the scraper
// executable.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

// newCrawlCmd creates and configures the 'crawl' subcommand.
func newCrawlCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "crawl",
		Short: "Run one budgeted crawl over the backlog",
		Long: `Claims batches of listing URLs from the backlog, fetches and parses
each page, detects price changes, and persists the results. The run
stops claiming new batches when the configured time budget is nearly
exhausted, so a scheduled invocation always finishes inside its window.`,
		RunE: runCrawlCommand,
	}
}

func runCrawlCommand(cmd *cobra.Command, _ []string) error {
	a, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}

	summary, err := a.RunCrawl(cmd.Context())
	if err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("crawl run: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "run %s: %d claimed, %d saved, %d failed, %d lost in %s\n",
		summary.RunID, summary.Claimed, summary.Saved, summary.Failed, summary.Lost,
		summary.Duration().Round(time.Millisecond))
	return nil
}

func resolveApp(ctx context.Context) (App, error) {
	a, ok := ctx.Value(appKey).(App)
	if !ok || a == nil {
		return nil, errors.New("application services not initialized")
	}
	return a, nil
}
