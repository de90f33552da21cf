package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// newSeedCmd creates and configures the 'seed' subcommand.
func newSeedCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "seed <file.csv>",
		Short: "Load discovery rows from a CSV file into the backlog",
		Long: `Reads a CSV file with a url column (and optional id, partition, and
last_known_price columns) and adds each row to the backlog. Rows whose
URL is already in the backlog are ignored.`,
		Args: cobra.ExactArgs(1),
		RunE: runSeedCommand,
	}
}

func runSeedCommand(cmd *cobra.Command, args []string) error {
	a, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	res, err := a.Seed(cmd.Context(), args[0])
	if err != nil {
		return fmt.Errorf("seed backlog: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "seeded %d rows: %d added, %d skipped\n",
		res.Rows, res.Added, res.Skipped)
	return nil
}
