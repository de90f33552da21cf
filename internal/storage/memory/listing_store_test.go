package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/jpns3334444/scraper-sub000/internal/harvest"
)

func TestListingStoreGetMissing(t *testing.T) {
	t.Parallel()

	store := NewListingStore()
	_, err := store.Get(context.Background(), "nope")
	require.ErrorIs(t, err, harvest.ErrNotFound)
}

func TestListingStorePutBatchAndGet(t *testing.T) {
	t.Parallel()

	store := NewListingStore()
	ctx := context.Background()
	firstSeen := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)

	rec := harvest.ListingRecord{
		ID:            "l1",
		URL:           "https://example.com/listing/l1",
		CurrentPrice:  50_000_000,
		OriginalPrice: 50_000_000,
		FirstSeen:     firstSeen,
		LastSeen:      firstSeen,
		History:       []harvest.PricePoint{{Date: firstSeen, Price: 50_000_000}},
	}
	saved, err := store.PutBatch(ctx, []harvest.ListingRecord{rec})
	require.NoError(t, err)
	require.Equal(t, 1, saved)
	require.Equal(t, 1, store.Len())

	got, err := store.Get(ctx, "l1")
	require.NoError(t, err)
	require.Equal(t, rec, got)
}

func TestListingStoreUpdatePreservesOriginalPrice(t *testing.T) {
	t.Parallel()

	store := NewListingStore()
	ctx := context.Background()
	firstSeen := time.Date(2025, 5, 1, 0, 0, 0, 0, time.UTC)

	_, err := store.PutBatch(ctx, []harvest.ListingRecord{{
		ID:            "l1",
		CurrentPrice:  50_000_000,
		OriginalPrice: 50_000_000,
		FirstSeen:     firstSeen,
	}})
	require.NoError(t, err)

	// An update that carries bogus original values must not overwrite them.
	later := firstSeen.Add(48 * time.Hour)
	_, err = store.PutBatch(ctx, []harvest.ListingRecord{{
		ID:            "l1",
		CurrentPrice:  45_000_000,
		OriginalPrice: 1,
		FirstSeen:     later,
		LastSeen:      later,
		UpdateCount:   1,
	}})
	require.NoError(t, err)

	got, err := store.Get(ctx, "l1")
	require.NoError(t, err)
	require.Equal(t, int64(45_000_000), got.CurrentPrice)
	require.Equal(t, int64(50_000_000), got.OriginalPrice)
	require.Equal(t, firstSeen, got.FirstSeen)
	require.Equal(t, later, got.LastSeen)
}

func TestListingStoreCopiesHistory(t *testing.T) {
	t.Parallel()

	store := NewListingStore()
	ctx := context.Background()
	now := time.Now().UTC()

	history := []harvest.PricePoint{{Date: now, Price: 100}}
	_, err := store.PutBatch(ctx, []harvest.ListingRecord{{ID: "l1", CurrentPrice: 100, History: history}})
	require.NoError(t, err)

	// Mutating the caller's slice or the returned slice must not leak into
	// the store.
	history[0].Price = 999
	got, err := store.Get(ctx, "l1")
	require.NoError(t, err)
	require.Equal(t, int64(100), got.History[0].Price)

	got.History[0].Price = 777
	again, err := store.Get(ctx, "l1")
	require.NoError(t, err)
	require.Equal(t, int64(100), again.History[0].Price)
}
