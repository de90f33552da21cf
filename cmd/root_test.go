package cmd

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jpns3334444/scraper-sub000/internal/harvest"
	"github.com/jpns3334444/scraper-sub000/internal/ingest"
)

// mockApp records which entry points ran.
type mockApp struct {
	crawls  int
	serves  int
	ingests int
	seeds   []string
	closes  int

	summary  harvest.RunSummary
	crawlErr error
	seedRes  ingest.SeedResult
}

func (m *mockApp) RunCrawl(context.Context) (harvest.RunSummary, error) {
	m.crawls++
	return m.summary, m.crawlErr
}

func (m *mockApp) Serve(context.Context) error {
	m.serves++
	return nil
}

func (m *mockApp) Ingest(context.Context) error {
	m.ingests++
	return nil
}

func (m *mockApp) Seed(_ context.Context, path string) (ingest.SeedResult, error) {
	m.seeds = append(m.seeds, path)
	return m.seedRes, nil
}

func (m *mockApp) Close(context.Context) error {
	m.closes++
	return nil
}

// swapApp replaces the app factory and returns a restore func.
func swapApp(a App) func() {
	orig := newApp
	newApp = func(context.Context) (App, error) { return a, nil }
	return func() { newApp = orig }
}

func execute(t *testing.T, args ...string) (*bytes.Buffer, error) {
	t.Helper()
	root := newRootCmd()
	out := &bytes.Buffer{}
	root.SetOut(out)
	root.SetErr(io.Discard)
	root.SetArgs(args)
	return out, root.ExecuteContext(context.Background())
}

func TestCrawlCommand(t *testing.T) {
	mock := &mockApp{summary: harvest.RunSummary{RunID: "run-1", Claimed: 4, Saved: 3, Failed: 1}}
	defer swapApp(mock)()

	out, err := execute(t, "crawl")
	require.NoError(t, err)
	require.Equal(t, 1, mock.crawls)
	require.Equal(t, 1, mock.closes)
	require.Contains(t, out.String(), "run run-1: 4 claimed, 3 saved, 1 failed")
}

func TestCrawlCommandReportsRunError(t *testing.T) {
	mock := &mockApp{crawlErr: errors.New("scan backlog: connection refused")}
	defer swapApp(mock)()

	_, err := execute(t, "crawl")
	require.ErrorContains(t, err, "crawl run")
}

func TestCrawlCommandToleratesCancellation(t *testing.T) {
	mock := &mockApp{crawlErr: context.Canceled}
	defer swapApp(mock)()

	out, err := execute(t, "crawl")
	require.NoError(t, err)
	require.Contains(t, out.String(), "claimed")
}

func TestServeCommand(t *testing.T) {
	mock := &mockApp{}
	defer swapApp(mock)()

	_, err := execute(t, "serve")
	require.NoError(t, err)
	require.Equal(t, 1, mock.serves)
	require.Equal(t, 1, mock.closes)
}

func TestIngestCommand(t *testing.T) {
	mock := &mockApp{}
	defer swapApp(mock)()

	_, err := execute(t, "ingest")
	require.NoError(t, err)
	require.Equal(t, 1, mock.ingests)
}

func TestSeedCommand(t *testing.T) {
	mock := &mockApp{seedRes: ingest.SeedResult{Rows: 10, Added: 8, Skipped: 2}}
	defer swapApp(mock)()

	out, err := execute(t, "seed", "backlog.csv")
	require.NoError(t, err)
	require.Equal(t, []string{"backlog.csv"}, mock.seeds)
	require.Contains(t, out.String(), "seeded 10 rows: 8 added, 2 skipped")
}

func TestSeedCommandRequiresFile(t *testing.T) {
	mock := &mockApp{}
	defer swapApp(mock)()

	_, err := execute(t, "seed")
	require.Error(t, err)
	require.Empty(t, mock.seeds)
}

func TestRootReportsFactoryFailure(t *testing.T) {
	orig := newApp
	newApp = func(context.Context) (App, error) { return nil, errors.New("bad config") }
	defer func() { newApp = orig }()

	_, err := execute(t, "crawl")
	require.ErrorContains(t, err, "initialize application")
}
