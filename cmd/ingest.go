package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

// newIngestCmd creates and configures the 'ingest' subcommand.
func newIngestCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ingest",
		Short: "Pull discovered listing URLs into the backlog",
		Long: `Subscribes to the configured Pub/Sub subscription and adds every
discovered listing URL to the backlog. Malformed messages are dropped;
backlog write failures are redelivered. Blocks until the process
receives SIGINT or SIGTERM.`,
		RunE: runIngestCommand,
	}
}

func runIngestCommand(cmd *cobra.Command, _ []string) error {
	a, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	if err := a.Ingest(cmd.Context()); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("ingest: %w", err)
	}
	return nil
}
