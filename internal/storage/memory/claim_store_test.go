package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jpns3334444/scraper-sub000/internal/harvest"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func item(id string, discovered time.Time) harvest.WorkItem {
	return harvest.WorkItem{
		ID:           id,
		URL:          "https://example.com/listing/" + id,
		DiscoveredAt: discovered,
	}
}

func TestClaimStoreAddAndScanOrder(t *testing.T) {
	t.Parallel()

	clk := newFakeClock()
	store := NewClaimStore(clk)
	ctx := context.Background()

	base := clk.Now()
	added, err := store.Add(ctx, []harvest.WorkItem{
		item("c", base.Add(3*time.Minute)),
		item("a", base.Add(1*time.Minute)),
		item("b", base.Add(2*time.Minute)),
	})
	require.NoError(t, err)
	require.Equal(t, 3, added)

	// Duplicates and empty IDs are skipped.
	added, err = store.Add(ctx, []harvest.WorkItem{item("a", base), {URL: "https://example.com/x"}})
	require.NoError(t, err)
	require.Zero(t, added)

	scanned, err := store.ScanUnclaimed(ctx, 2)
	require.NoError(t, err)
	require.Len(t, scanned, 2)
	require.Equal(t, "a", scanned[0].ID)
	require.Equal(t, "b", scanned[1].ID)

	none, err := store.ScanUnclaimed(ctx, 0)
	require.NoError(t, err)
	require.Empty(t, none)
}

func TestClaimStoreClaimOwnership(t *testing.T) {
	t.Parallel()

	clk := newFakeClock()
	store := NewClaimStore(clk)
	ctx := context.Background()

	_, err := store.Add(ctx, []harvest.WorkItem{item("a", clk.Now()), item("b", clk.Now())})
	require.NoError(t, err)

	scanned, err := store.ScanUnclaimed(ctx, 10)
	require.NoError(t, err)
	require.Len(t, scanned, 2)

	claimed, err := store.Claim(ctx, scanned)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	for _, it := range claimed {
		require.NotEmpty(t, it.ClaimToken)
	}

	// A second claim of the same items gets nothing.
	again, err := store.Claim(ctx, scanned)
	require.NoError(t, err)
	require.Empty(t, again)

	// Claimed items disappear from scans.
	scanned, err = store.ScanUnclaimed(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, scanned)

	// Unknown items are silently skipped.
	unknown, err := store.Claim(ctx, []harvest.WorkItem{item("ghost", clk.Now())})
	require.NoError(t, err)
	require.Empty(t, unknown)
}

func TestClaimStoreMarkProcessed(t *testing.T) {
	t.Parallel()

	clk := newFakeClock()
	store := NewClaimStore(clk)
	ctx := context.Background()

	_, err := store.Add(ctx, []harvest.WorkItem{item("a", clk.Now())})
	require.NoError(t, err)
	_, err = store.Claim(ctx, []harvest.WorkItem{item("a", clk.Now())})
	require.NoError(t, err)

	require.NoError(t, store.MarkProcessed(ctx, "a"))
	require.NoError(t, store.MarkProcessed(ctx, "a"))
	require.NoError(t, store.MarkProcessed(ctx, "missing"))

	// Processed items are never released back.
	clk.Advance(time.Hour)
	released, err := store.ReleaseStale(ctx, time.Minute)
	require.NoError(t, err)
	require.Zero(t, released)

	scanned, err := store.ScanUnclaimed(ctx, 10)
	require.NoError(t, err)
	require.Empty(t, scanned)
	require.Zero(t, store.Unprocessed())
}

func TestClaimStoreReleaseStale(t *testing.T) {
	t.Parallel()

	clk := newFakeClock()
	store := NewClaimStore(clk)
	ctx := context.Background()

	_, err := store.Add(ctx, []harvest.WorkItem{item("old", clk.Now()), item("new", clk.Now())})
	require.NoError(t, err)

	claimed, err := store.Claim(ctx, []harvest.WorkItem{item("old", clk.Now())})
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	firstToken := claimed[0].ClaimToken

	clk.Advance(30 * time.Minute)
	_, err = store.Claim(ctx, []harvest.WorkItem{item("new", clk.Now())})
	require.NoError(t, err)

	// Only the claim older than the threshold is released.
	released, err := store.ReleaseStale(ctx, 10*time.Minute)
	require.NoError(t, err)
	require.Equal(t, 1, released)

	scanned, err := store.ScanUnclaimed(ctx, 10)
	require.NoError(t, err)
	require.Len(t, scanned, 1)
	require.Equal(t, "old", scanned[0].ID)

	reclaimed, err := store.Claim(ctx, scanned)
	require.NoError(t, err)
	require.Len(t, reclaimed, 1)
	require.NotEqual(t, firstToken, reclaimed[0].ClaimToken)
}

func TestClaimStoreConcurrentClaimsAreDisjoint(t *testing.T) {
	t.Parallel()

	clk := newFakeClock()
	store := NewClaimStore(clk)
	ctx := context.Background()

	const total = 200
	items := make([]harvest.WorkItem, 0, total)
	for i := 0; i < total; i++ {
		items = append(items, item(itemID(i), clk.Now().Add(time.Duration(i)*time.Second)))
	}
	added, err := store.Add(ctx, items)
	require.NoError(t, err)
	require.Equal(t, total, added)

	var (
		mu     sync.Mutex
		owners = make(map[string]int)
		errs   []error
	)
	var wg sync.WaitGroup
	for claimant := 0; claimant < 8; claimant++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				scanned, err := store.ScanUnclaimed(ctx, 16)
				if err != nil {
					mu.Lock()
					errs = append(errs, err)
					mu.Unlock()
					return
				}
				if len(scanned) == 0 {
					return
				}
				claimed, err := store.Claim(ctx, scanned)
				if err != nil {
					mu.Lock()
					errs = append(errs, err)
					mu.Unlock()
					return
				}
				mu.Lock()
				for _, it := range claimed {
					owners[it.ID]++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Empty(t, errs)
	require.Len(t, owners, total)
	for id, count := range owners {
		require.Equal(t, 1, count, "item %s claimed %d times", id, count)
	}
}

func itemID(i int) string {
	return string(rune('a'+i/26)) + string(rune('a'+i%26))
}
