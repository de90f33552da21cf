package app_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jpns3334444/scraper-sub000/internal/app"
	"github.com/jpns3334444/scraper-sub000/internal/config"
)

// memoryConfig returns a config that needs no external services: in-memory
// stores, no snapshots, no pub/sub.
func memoryConfig() config.Config {
	return config.Config{
		Server: config.ServerConfig{
			Port:           0,
			RequestTimeout: 5 * time.Second,
		},
		Target: config.TargetConfig{
			RequestTimeout: 2 * time.Second,
		},
		RateLimit: config.RateLimitConfig{
			RatePerSec: 10,
			Burst:      10,
		},
		Session: config.SessionConfig{
			Size:            1,
			CheckoutTimeout: time.Second,
		},
		Breaker: config.BreakerConfig{
			FailureThreshold: 5,
			RecoveryTimeout:  time.Minute,
			SuccessThreshold: 3,
		},
		Retry: config.RetryConfig{
			MaxAttempts: 2,
			BaseDelay:   time.Millisecond,
			MaxDelay:    5 * time.Millisecond,
		},
		Dispatcher: config.DispatcherConfig{
			Budget:           time.Minute,
			StopMargin:       time.Second,
			FinalRetryMargin: time.Second,
			MaxWorkers:       1,
			BatchSize:        5,
		},
		Snapshots: config.SnapshotsConfig{Backend: "none"},
		Database:  config.DatabaseConfig{Backend: "memory"},
	}
}

func TestBuildAndRunEmptyBacklog(t *testing.T) {
	ctx := context.Background()
	a, err := app.Build(ctx, memoryConfig())
	require.NoError(t, err)
	defer func() { require.NoError(t, a.Close(ctx)) }()

	summary, err := a.RunCrawl(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, summary.RunID)
	require.Zero(t, summary.Batches)
	require.Zero(t, summary.Scanned)
	require.False(t, summary.FinishedAt.IsZero())
}

func TestBuildFailures(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*config.Config)
		wantErr string
	}{
		{
			name:    "zero rate limit",
			mutate:  func(c *config.Config) { c.RateLimit.RatePerSec = 0 },
			wantErr: "token bucket",
		},
		{
			name:    "empty session pool",
			mutate:  func(c *config.Config) { c.Session.Size = 0 },
			wantErr: "session pool",
		},
		{
			name:    "breaker without thresholds",
			mutate:  func(c *config.Config) { c.Breaker.FailureThreshold = 0 },
			wantErr: "breaker",
		},
		{
			name:    "dispatcher without budget",
			mutate:  func(c *config.Config) { c.Dispatcher.Budget = 0 },
			wantErr: "dispatcher",
		},
		{
			name:    "postgres without dsn",
			mutate:  func(c *config.Config) { c.Database.Backend = "postgres" },
			wantErr: "database.dsn",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := memoryConfig()
			tt.mutate(&cfg)
			_, err := app.Build(context.Background(), cfg)
			require.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestServeReturnsOnCanceledContext(t *testing.T) {
	ctx := context.Background()
	a, err := app.Build(ctx, memoryConfig())
	require.NoError(t, err)
	defer func() { require.NoError(t, a.Close(ctx)) }()

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	require.NoError(t, a.Serve(canceled))
}

func TestServeReportsListenFailure(t *testing.T) {
	ctx := context.Background()
	cfg := memoryConfig()
	cfg.Server.Port = -1
	a, err := app.Build(ctx, cfg)
	require.NoError(t, err)
	defer func() { require.NoError(t, a.Close(ctx)) }()

	require.ErrorContains(t, a.Serve(ctx), "http server")
}

func TestSeedLoadsBacklog(t *testing.T) {
	ctx := context.Background()
	a, err := app.Build(ctx, memoryConfig())
	require.NoError(t, err)
	defer func() { require.NoError(t, a.Close(ctx)) }()

	path := filepath.Join(t.TempDir(), "seed.csv")
	csv := "url,id,partition,last_known_price\n" +
		"https://www.example.jp/mansion/m-001.html,,,\n" +
		"https://www.example.jp/mansion/m-002.html,custom-2,tokyo,52000000\n"
	require.NoError(t, os.WriteFile(path, []byte(csv), 0o600))

	res, err := a.Seed(ctx, path)
	require.NoError(t, err)
	require.Equal(t, 2, res.Rows)
	require.Equal(t, 2, res.Added)
	require.Zero(t, res.Skipped)
}

func TestSeedMissingFile(t *testing.T) {
	ctx := context.Background()
	a, err := app.Build(ctx, memoryConfig())
	require.NoError(t, err)
	defer func() { require.NoError(t, a.Close(ctx)) }()

	_, err = a.Seed(ctx, filepath.Join(t.TempDir(), "missing.csv"))
	require.Error(t, err)
}

func TestIngestRequiresPubSub(t *testing.T) {
	ctx := context.Background()
	a, err := app.Build(ctx, memoryConfig())
	require.NoError(t, err)
	defer func() { require.NoError(t, a.Close(ctx)) }()

	require.ErrorContains(t, a.Ingest(ctx), "pubsub")
}
