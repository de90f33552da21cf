package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/jpns3334444/scraper-sub000/internal/app"
	"github.com/jpns3334444/scraper-sub000/internal/config"
	"github.com/jpns3334444/scraper-sub000/internal/harvest"
	"github.com/jpns3334444/scraper-sub000/internal/ingest"
)

var cfgFile string

// appKeyType is the key type for storing the App in the command context.
type appKeyType string

const appKey appKeyType = "app"

// App is the surface commands need from the application. Keeping it an
// interface lets tests inject a mock app through newApp.
type App interface {
	RunCrawl(ctx context.Context) (harvest.RunSummary, error)
	Serve(ctx context.Context) error
	Ingest(ctx context.Context) error
	Seed(ctx context.Context, path string) (ingest.SeedResult, error)
	Close(ctx context.Context) error
}

// newApp is the application factory. It is a variable so tests can replace
// it with a mock factory.
var newApp = func(ctx context.Context) (App, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	return app.Build(ctx, cfg)
}

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scraper",
		Short: "Concurrent price harvester for Japanese real-estate listings",
		Long: `scraper works through a fixed backlog of property listing pages,
detects price changes against the last known state of each listing, and
persists the results. Each invocation of crawl performs one budgeted
run; serve exposes the status API for inspecting runs, listings, and
the backlog.`,
		SilenceUsage: true,

		// Runs before the subcommand: build the application and store it
		// in the command context.
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd.Context())
			if err != nil {
				return fmt.Errorf("initialize application: %w", err)
			}
			cmd.SetContext(context.WithValue(cmd.Context(), appKey, a))
			return nil
		},

		// Close uses a fresh context: the command context is already
		// canceled when shutdown came from a signal.
		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			if a, ok := cmd.Context().Value(appKey).(App); ok && a != nil {
				_ = a.Close(context.Background())
			}
		},
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "",
		"config file (default searches ., /etc/scraper, $HOME/.scraper)")

	cmd.AddCommand(newCrawlCmd())
	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newIngestCmd())
	cmd.AddCommand(newSeedCmd())
	return cmd
}

// Execute is the main entry point. SIGINT and SIGTERM cancel the command
// context so every mode drains cleanly.
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
}
