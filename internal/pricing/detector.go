// Package pricing decides what an observed price means for a listing:
// first observation, no-op, or a transition worth persisting.
package pricing

import (
	"context"
	"errors"

	"github.com/jpns3334444/scraper-sub000/internal/clock/system"
	"github.com/jpns3334444/scraper-sub000/internal/harvest"
)

// Detector compares an observed price against the stored record. It never
// writes; callers stage the returned record for batch persistence when the
// change is meaningful.
type Detector struct {
	clock harvest.Clock
}

// NewDetector creates a Detector. A nil clock falls back to the system
// clock.
func NewDetector(clk harvest.Clock) *Detector {
	if clk == nil {
		clk = system.New()
	}
	return &Detector{clock: clk}
}

// Detect loads the listing and classifies the observation.
//
// First observation: a new record is returned with OriginalPrice,
// PreviousPrice and CurrentPrice all set to observed and a single history
// entry. OriginalPrice is written here exactly once and never again.
//
// No-op: observed equals the stored current price, or either side is
// non-positive. The stored record is returned untouched with an empty
// change.
//
// Transition: previous takes the old current, current takes observed, the
// history grows by one point, and the update counter increments.
func (d *Detector) Detect(ctx context.Context, listings harvest.ListingStore, id string, observed int64) (harvest.ListingRecord, harvest.PriceChange, error) {
	if observed <= 0 {
		return harvest.ListingRecord{}, harvest.PriceChange{}, nil
	}
	now := d.clock.Now()

	existing, err := listings.Get(ctx, id)
	if errors.Is(err, harvest.ErrNotFound) {
		rec := harvest.ListingRecord{
			ID:            id,
			CurrentPrice:  observed,
			OriginalPrice: observed,
			PreviousPrice: observed,
			History:       []harvest.PricePoint{{Date: now, Price: observed}},
			FirstSeen:     now,
			LastSeen:      now,
		}
		return rec, harvest.PriceChange{First: true}, nil
	}
	if err != nil {
		return harvest.ListingRecord{}, harvest.PriceChange{}, &harvest.PersistError{Op: "load listing", Err: err}
	}

	if existing.CurrentPrice <= 0 || observed == existing.CurrentPrice {
		return existing, harvest.PriceChange{}, nil
	}

	previous := existing.CurrentPrice
	updated := existing
	updated.PreviousPrice = previous
	updated.CurrentPrice = observed
	updated.UpdateCount++
	updated.LastSeen = now
	updated.History = append(append([]harvest.PricePoint{}, existing.History...), harvest.PricePoint{Date: now, Price: observed})

	change := harvest.PriceChange{
		Changed:       true,
		Delta:         observed - previous,
		DeltaPct:      pct(observed-previous, previous),
		TotalDelta:    observed - updated.OriginalPrice,
		TotalDeltaPct: pct(observed-updated.OriginalPrice, updated.OriginalPrice),
	}
	return updated, change, nil
}

func pct(delta, base int64) float64 {
	if base == 0 {
		return 0
	}
	return float64(delta) / float64(base) * 100
}
