package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jpns3334444/scraper-sub000/internal/extract"
	"github.com/jpns3334444/scraper-sub000/internal/fetch"
	"github.com/jpns3334444/scraper-sub000/internal/harvest"
	"github.com/jpns3334444/scraper-sub000/internal/policy/breaker"
	"github.com/jpns3334444/scraper-sub000/internal/policy/simple"
	"github.com/jpns3334444/scraper-sub000/internal/pricing"
	pubmem "github.com/jpns3334444/scraper-sub000/internal/publisher/memory"
	queuemem "github.com/jpns3334444/scraper-sub000/internal/queue/memory"
	"github.com/jpns3334444/scraper-sub000/internal/session"
	storemem "github.com/jpns3334444/scraper-sub000/internal/storage/memory"
)

const listingURL = "https://www.example.jp/mansion/m-100.html"

// fakeTarget replays a scripted sequence of fetch replies; the last reply
// repeats once the script runs out.
type fakeTarget struct {
	mu      sync.Mutex
	replies []fetchReply
	calls   int
}

type fetchReply struct {
	res harvest.FetchResult
	err error
}

func (f *fakeTarget) Fetch(_ context.Context, _ *session.Session, rawURL string) (harvest.FetchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	reply := f.replies[0]
	if len(f.replies) > 1 {
		f.replies = f.replies[1:]
	}
	if reply.err != nil {
		return harvest.FetchResult{}, reply.err
	}
	res := reply.res
	if res.URL == "" {
		res.URL = rawURL
	}
	return res, nil
}

func (f *fakeTarget) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func okPage(body []byte) fetchReply {
	return fetchReply{res: harvest.FetchResult{StatusCode: 200, Body: body}}
}

func statusPage(code int) fetchReply {
	return fetchReply{res: harvest.FetchResult{StatusCode: code, Body: []byte("<html>maintenance</html>")}}
}

// listingHTML renders a minimal listing page carrying a JSON-LD price.
func listingHTML(price int64) []byte {
	return []byte(fmt.Sprintf(`<html><head>
<link rel="canonical" href="%s"/>
<meta property="og:title" content="中古マンション 3LDK"/>
<script type="application/ld+json">{"@type":"Product","offers":{"price":%d,"priceCurrency":"JPY"}}</script>
</head><body><main>listing body</main></body></html>`, listingURL, price))
}

func queueItem(id string) harvest.QueueItem {
	return harvest.QueueItem{
		RunID: "0190a6b2-0000-7000-8000-000000000001",
		Item: harvest.WorkItem{
			ID:           id,
			URL:          listingURL,
			Partition:    "example.jp",
			DiscoveredAt: time.Now(),
		},
		Attempt: 1,
	}
}

type fixture struct {
	worker    *Worker
	target    *fakeTarget
	listings  *storemem.ListingStore
	snapshots *storemem.SnapshotStore
	publisher *pubmem.Publisher
	breaker   *breaker.Breaker
}

// newFixture wires a worker against in-memory collaborators. mutate runs
// before construction so tests can swap individual dependencies.
func newFixture(t *testing.T, target *fakeTarget, mutate func(*Deps, *Config)) *fixture {
	t.Helper()

	pool, err := session.NewPool(context.Background(),
		session.Config{Size: 2, CheckoutTimeout: time.Second},
		session.NewFactory(session.Config{}), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	brk, err := breaker.New(breaker.Config{
		FailureThreshold: 5,
		RecoveryTimeout:  time.Minute,
		SuccessThreshold: 1,
	}, nil, zap.NewNop())
	require.NoError(t, err)

	f := &fixture{
		target:    target,
		listings:  storemem.NewListingStore(),
		snapshots: storemem.NewSnapshotStore(),
		publisher: pubmem.New(),
	}
	deps := Deps{
		Target:    target,
		AntiBot:   fetch.NewAntiBotDetector(nil),
		Extractor: extract.NewGeneric(),
		Detector:  pricing.NewDetector(nil),
		Listings:  f.listings,
		Snapshots: f.snapshots,
		Publisher: f.publisher,
		Policy:    simple.New(),
		Breaker:   brk,
		Sessions:  pool,
		Retrier: harvest.NewRetrier(harvest.RetryPolicy{
			MaxAttempts: 3,
			BaseDelay:   time.Millisecond,
			MaxDelay:    5 * time.Millisecond,
		}),
		Logger: zap.NewNop(),
	}
	cfg := Config{
		RequestTimeout: 2 * time.Second,
		SnapshotPrefix: "snapshots",
		Topic:          "price-changes",
	}
	if mutate != nil {
		mutate(&deps, &cfg)
	}
	w, err := New(deps, cfg)
	require.NoError(t, err)
	f.worker = w
	f.breaker = deps.Breaker
	return f
}

func seedListing(t *testing.T, listings *storemem.ListingStore, id string, price int64) {
	t.Helper()
	yesterday := time.Now().Add(-24 * time.Hour)
	saved, err := listings.PutBatch(context.Background(), []harvest.ListingRecord{{
		ID:            id,
		URL:           listingURL,
		CurrentPrice:  price,
		OriginalPrice: price,
		PreviousPrice: price,
		History:       []harvest.PricePoint{{Date: yesterday, Price: price}},
		FirstSeen:     yesterday,
		LastSeen:      yesterday,
	}})
	require.NoError(t, err)
	require.Equal(t, 1, saved)
}

func TestProcessStagesFirstObservation(t *testing.T) {
	t.Parallel()

	target := &fakeTarget{replies: []fetchReply{okPage(listingHTML(52_000_000))}}
	f := newFixture(t, target, nil)

	res := f.worker.Process(context.Background(), queueItem("m-100"))

	require.Equal(t, harvest.OutcomeStaged, res.Outcome)
	require.True(t, res.Change.First)
	require.NotNil(t, res.Record)
	require.Equal(t, "m-100", res.Record.ID)
	require.Equal(t, listingURL, res.Record.URL)
	require.Equal(t, int64(52_000_000), res.Record.CurrentPrice)
	require.Equal(t, int64(52_000_000), res.Record.OriginalPrice)
	require.NotEmpty(t, res.Record.ContentHash)
	require.NotEmpty(t, res.Record.SnapshotURI)

	key := fmt.Sprintf("snapshots/m-100/%s.html", res.Record.ContentHash)
	_, ok := f.snapshots.Object(key)
	require.True(t, ok, "snapshot stored under %s", key)

	events := f.publisher.PriceChanges()
	require.Len(t, events, 1)
	require.True(t, events[0].First)
	require.Equal(t, "m-100", events[0].ListingID)
	require.Equal(t, int64(52_000_000), events[0].CurrentPrice)

	// Staging does not persist; the dispatcher owns the batch write.
	require.Equal(t, 0, f.listings.Len())
}

func TestProcessSkipsUnchangedPrice(t *testing.T) {
	t.Parallel()

	target := &fakeTarget{replies: []fetchReply{okPage(listingHTML(52_000_000))}}
	f := newFixture(t, target, nil)
	seedListing(t, f.listings, "m-100", 52_000_000)

	res := f.worker.Process(context.Background(), queueItem("m-100"))

	require.Equal(t, harvest.OutcomeSkipped, res.Outcome)
	require.Nil(t, res.Record)
	require.False(t, res.Change.Meaningful())
	require.Empty(t, f.publisher.Messages())
}

func TestProcessStagesPriceDrop(t *testing.T) {
	t.Parallel()

	target := &fakeTarget{replies: []fetchReply{okPage(listingHTML(49_800_000))}}
	f := newFixture(t, target, nil)
	seedListing(t, f.listings, "m-100", 52_000_000)

	res := f.worker.Process(context.Background(), queueItem("m-100"))

	require.Equal(t, harvest.OutcomeStaged, res.Outcome)
	require.True(t, res.Change.Changed)
	require.False(t, res.Change.First)
	require.Equal(t, int64(-2_200_000), res.Change.Delta)
	require.Equal(t, int64(52_000_000), res.Record.PreviousPrice)
	require.Equal(t, int64(49_800_000), res.Record.CurrentPrice)
	require.Equal(t, int64(52_000_000), res.Record.OriginalPrice)
	require.Equal(t, 1, res.Record.UpdateCount)
	require.Len(t, res.Record.History, 2)

	events := f.publisher.PriceChanges()
	require.Len(t, events, 1)
	require.False(t, events[0].First)
	require.Equal(t, int64(52_000_000), events[0].PreviousPrice)
	require.Equal(t, int64(49_800_000), events[0].CurrentPrice)
	require.InDelta(t, -4.23, events[0].DeltaPct, 0.01)
}

func TestProcessRetriesTransientStatus(t *testing.T) {
	t.Parallel()

	target := &fakeTarget{replies: []fetchReply{
		statusPage(503),
		statusPage(503),
		okPage(listingHTML(52_000_000)),
	}}
	f := newFixture(t, target, nil)

	res := f.worker.Process(context.Background(), queueItem("m-100"))

	require.Equal(t, harvest.OutcomeStaged, res.Outcome)
	require.Equal(t, 3, target.callCount())
}

func TestProcessFailsAfterRetryBudget(t *testing.T) {
	t.Parallel()

	target := &fakeTarget{replies: []fetchReply{statusPage(500)}}
	f := newFixture(t, target, nil)

	res := f.worker.Process(context.Background(), queueItem("m-100"))

	require.Equal(t, harvest.OutcomeFailed, res.Outcome)
	require.Equal(t, harvest.FailureStatus, res.Kind)
	require.Error(t, res.Err)
	require.Equal(t, 3, target.callCount())
}

func TestProcessAntiBotFailsWithoutRetry(t *testing.T) {
	t.Parallel()

	// A 403 challenge page must classify as anti-bot, not http_status: the
	// block check runs before the status check.
	blockBody := []byte(`<html><body><div id="px-captcha">Please verify you are a human</div></body></html>`)
	target := &fakeTarget{replies: []fetchReply{
		{res: harvest.FetchResult{StatusCode: 403, Body: blockBody}},
	}}
	f := newFixture(t, target, nil)

	res := f.worker.Process(context.Background(), queueItem("m-100"))

	require.Equal(t, harvest.OutcomeFailed, res.Outcome)
	require.Equal(t, harvest.FailureAntiBot, res.Kind)
	require.Equal(t, 1, target.callCount())
}

func TestProcessBreakerOpenShortCircuits(t *testing.T) {
	t.Parallel()

	netErr := &harvest.NetworkError{URL: listingURL, Err: errors.New("connection refused")}
	target := &fakeTarget{replies: []fetchReply{{err: netErr}}}
	f := newFixture(t, target, func(deps *Deps, _ *Config) {
		brk, err := breaker.New(breaker.Config{
			FailureThreshold: 1,
			RecoveryTimeout:  time.Minute,
			SuccessThreshold: 1,
		}, nil, zap.NewNop())
		require.NoError(t, err)
		deps.Breaker = brk
	})

	res := f.worker.Process(context.Background(), queueItem("m-100"))

	require.Equal(t, harvest.OutcomeFailed, res.Outcome)
	require.Equal(t, harvest.FailureBreakerOpen, res.Kind)
	require.ErrorIs(t, res.Err, harvest.ErrBreakerOpen)
	require.Equal(t, 1, target.callCount(), "retry rejected before reaching the target")

	res = f.worker.Process(context.Background(), queueItem("m-101"))
	require.Equal(t, harvest.FailureBreakerOpen, res.Kind)
	require.Equal(t, 1, target.callCount())
	require.Equal(t, breaker.StateOpen, f.breaker.State())
}

func TestProcessExtractFailure(t *testing.T) {
	t.Parallel()

	target := &fakeTarget{replies: []fetchReply{
		okPage([]byte("<html><body><p>no structured data here</p></body></html>")),
	}}
	f := newFixture(t, target, nil)

	res := f.worker.Process(context.Background(), queueItem("m-100"))

	require.Equal(t, harvest.OutcomeFailed, res.Outcome)
	require.Equal(t, harvest.FailureExtract, res.Kind)
	require.Equal(t, 1, target.callCount(), "extract failures are not retried")
}

type stubExtractor struct {
	listing harvest.RawListing
}

func (s stubExtractor) Extract([]byte, string) (harvest.RawListing, error) {
	return s.listing, nil
}

func TestProcessValidationFailure(t *testing.T) {
	t.Parallel()

	target := &fakeTarget{replies: []fetchReply{okPage(listingHTML(52_000_000))}}
	f := newFixture(t, target, func(deps *Deps, _ *Config) {
		deps.Extractor = stubExtractor{listing: harvest.RawListing{ID: "m-100", URL: listingURL, Price: 0}}
	})

	res := f.worker.Process(context.Background(), queueItem("m-100"))

	require.Equal(t, harvest.OutcomeFailed, res.Outcome)
	require.Equal(t, harvest.FailureValidation, res.Kind)
	var verr *harvest.ValidationError
	require.ErrorAs(t, res.Err, &verr)
	require.Equal(t, "price", verr.Field)
}

func TestProcessPromotesScriptShellToHeadless(t *testing.T) {
	t.Parallel()

	shell := []byte(`<html><body><div id="app"></div><script src="/bundle.js"></script></body></html>`)
	headless := &fakeTarget{replies: []fetchReply{
		{res: harvest.FetchResult{StatusCode: 200, Body: listingHTML(52_000_000), UsedHeadless: true}},
	}}
	target := &fakeTarget{replies: []fetchReply{okPage(shell)}}
	f := newFixture(t, target, func(deps *Deps, _ *Config) {
		deps.Headless = headless
		deps.Heuristic = fetch.NewRenderHeuristic(0)
	})

	res := f.worker.Process(context.Background(), queueItem("m-100"))

	require.Equal(t, harvest.OutcomeStaged, res.Outcome)
	require.Equal(t, 1, target.callCount())
	require.Equal(t, 1, headless.callCount())
	require.Equal(t, int64(52_000_000), res.Record.CurrentPrice)
}

func TestProcessHeadlessFailureFallsBackToProbe(t *testing.T) {
	t.Parallel()

	shellWithData := []byte(fmt.Sprintf(`<html><head>
<script type="application/ld+json">{"@type":"Product","offers":{"price":%d}}</script>
</head><body><div id="app"></div></body></html>`, 49_800_000))
	headless := &fakeTarget{replies: []fetchReply{{err: errors.New("browser pool exhausted")}}}
	target := &fakeTarget{replies: []fetchReply{okPage(shellWithData)}}
	f := newFixture(t, target, func(deps *Deps, _ *Config) {
		deps.Headless = headless
		deps.Heuristic = fetch.NewRenderHeuristic(0)
	})

	res := f.worker.Process(context.Background(), queueItem("m-100"))

	require.Equal(t, harvest.OutcomeStaged, res.Outcome)
	require.Equal(t, int64(49_800_000), res.Record.CurrentPrice)
	require.Equal(t, 1, headless.callCount())
}

type failingSnapshots struct{}

func (failingSnapshots) Put(context.Context, string, string, []byte) (string, error) {
	return "", errors.New("bucket unavailable")
}

func TestProcessSnapshotFailureKeepsRecord(t *testing.T) {
	t.Parallel()

	target := &fakeTarget{replies: []fetchReply{okPage(listingHTML(52_000_000))}}
	f := newFixture(t, target, func(deps *Deps, _ *Config) {
		deps.Snapshots = failingSnapshots{}
	})

	res := f.worker.Process(context.Background(), queueItem("m-100"))

	require.Equal(t, harvest.OutcomeStaged, res.Outcome)
	require.Empty(t, res.Record.SnapshotURI)
	require.NotEmpty(t, res.Record.ContentHash)
}

type failingPublisher struct{}

func (failingPublisher) Publish(context.Context, string, any) (string, error) {
	return "", errors.New("pubsub unavailable")
}

func TestProcessPublishFailureKeepsRecord(t *testing.T) {
	t.Parallel()

	target := &fakeTarget{replies: []fetchReply{okPage(listingHTML(52_000_000))}}
	f := newFixture(t, target, func(deps *Deps, _ *Config) {
		deps.Publisher = failingPublisher{}
	})

	res := f.worker.Process(context.Background(), queueItem("m-100"))

	require.Equal(t, harvest.OutcomeStaged, res.Outcome)
	require.NotNil(t, res.Record)
}

// stallPolicy blocks the first Acquire until its context ends and admits
// every later call.
type stallPolicy struct {
	mu    sync.Mutex
	calls int
}

func (p *stallPolicy) Acquire(ctx context.Context, _ string) error {
	p.mu.Lock()
	p.calls++
	stall := p.calls == 1
	p.mu.Unlock()
	if !stall {
		return nil
	}
	<-ctx.Done()
	return ctx.Err()
}

func (p *stallPolicy) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func TestProcessAttemptTimeoutRetries(t *testing.T) {
	t.Parallel()

	target := &fakeTarget{replies: []fetchReply{okPage(listingHTML(52_000_000))}}
	policy := &stallPolicy{}
	f := newFixture(t, target, func(deps *Deps, cfg *Config) {
		deps.Policy = policy
		cfg.RequestTimeout = 50 * time.Millisecond
	})

	res := f.worker.Process(context.Background(), queueItem("m-100"))

	require.Equal(t, harvest.OutcomeStaged, res.Outcome)
	require.Equal(t, 2, policy.callCount(), "timed-out attempt is retried")
	require.Equal(t, 1, target.callCount())
}

func TestRunDrainsQueue(t *testing.T) {
	t.Parallel()

	target := &fakeTarget{replies: []fetchReply{okPage(listingHTML(52_000_000))}}
	f := newFixture(t, target, nil)

	ctx := context.Background()
	q := queuemem.NewQueue(8)
	for i := 0; i < 5; i++ {
		require.NoError(t, q.Enqueue(ctx, queueItem(fmt.Sprintf("m-%d", i))))
	}
	q.Close()

	results := make(chan harvest.ItemResult, 5)
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.worker.Run(ctx, q, results)
		}()
	}
	wg.Wait()
	close(results)

	var got []harvest.ItemResult
	for res := range results {
		got = append(got, res)
	}
	require.Len(t, got, 5)
	for _, res := range got {
		require.Equal(t, harvest.OutcomeStaged, res.Outcome)
	}
	require.Equal(t, 5, target.callCount())
}

func TestNewValidation(t *testing.T) {
	t.Parallel()

	_, err := New(Deps{}, Config{})
	require.ErrorContains(t, err, "target fetcher")
}
