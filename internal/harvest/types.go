package harvest

import (
	"net/http"
	"time"
)

// WorkItem is one discoverable unit of backlog: a listing page awaiting a
// fetch. Lifecycle: discovered (unclaimed) -> claimed (owned by exactly one
// dispatcher instance) -> processed (terminal).
type WorkItem struct {
	ID             string    `json:"id"`
	URL            string    `json:"url"`
	Partition      string    `json:"partition,omitempty"`
	LastKnownPrice int64     `json:"last_known_price,omitempty"`
	ClaimToken     string    `json:"claim_token,omitempty"`
	DiscoveredAt   time.Time `json:"discovered_at"`
}

// PricePoint is one entry in a listing's append-only price history.
type PricePoint struct {
	Date  time.Time `json:"date"`
	Price int64     `json:"price"`
}

// ListingRecord is the persisted state of one observed listing.
// OriginalPrice is written exactly once, on first observation, and never
// changes afterward. History only grows.
type ListingRecord struct {
	ID            string       `json:"id"`
	URL           string       `json:"url"`
	CurrentPrice  int64        `json:"current_price"`
	OriginalPrice int64        `json:"original_price"`
	PreviousPrice int64        `json:"previous_price"`
	UpdateCount   int          `json:"update_count"`
	History       []PricePoint `json:"history"`
	FirstSeen     time.Time    `json:"first_seen"`
	LastSeen      time.Time    `json:"last_seen"`
	ContentHash   string       `json:"content_hash,omitempty"`
	SnapshotURI   string       `json:"snapshot_uri,omitempty"`
}

// PriceChange is the detector's decision for one observation.
type PriceChange struct {
	First         bool    `json:"first"`
	Changed       bool    `json:"changed"`
	Delta         int64   `json:"delta"`
	DeltaPct      float64 `json:"delta_pct"`
	TotalDelta    int64   `json:"total_delta"`
	TotalDeltaPct float64 `json:"total_delta_pct"`
}

// Meaningful reports whether the observation is worth persisting.
func (c PriceChange) Meaningful() bool {
	return c.First || c.Changed
}

// RawListing is the extractor's output for one fetched page. Field semantics
// beyond the price are site-specific and treated as opaque.
type RawListing struct {
	ID     string            `json:"id"`
	URL    string            `json:"url"`
	Price  int64             `json:"price"`
	Title  string            `json:"title,omitempty"`
	Fields map[string]string `json:"fields,omitempty"`
}

// Validate rejects raw listings that cannot enter the detector.
func (r RawListing) Validate() error {
	if r.ID == "" {
		return &ValidationError{Field: "id", Reason: "empty"}
	}
	if r.Price <= 0 {
		return &ValidationError{Field: "price", Reason: "non-positive"}
	}
	return nil
}

// FetchResult is the outcome of one page retrieval through a session.
type FetchResult struct {
	URL          string
	StatusCode   int
	Headers      http.Header
	Body         []byte
	Duration     time.Duration
	UsedHeadless bool
}

// Outcome is the terminal state of a processed work item within one run.
type Outcome string

// Item outcomes reported by workers.
const (
	// OutcomeStaged means a record was produced and awaits batch persistence.
	OutcomeStaged Outcome = "staged"
	// OutcomeSkipped means the observation was a no-op (price unchanged).
	OutcomeSkipped Outcome = "skipped"
	// OutcomeFailed means the item failed with a classified kind.
	OutcomeFailed Outcome = "failed"
)

// QueueItem wraps a claimed work item handed to the worker pool.
type QueueItem struct {
	RunID    string
	Item     WorkItem
	Attempt  int
	Enqueued int64
}

// ItemResult is a worker's report for one queue item.
type ItemResult struct {
	Item    WorkItem
	Outcome Outcome
	Kind    FailureKind
	Record  *ListingRecord
	Change  PriceChange
	Err     error
}

// RunSummary aggregates one dispatcher run.
type RunSummary struct {
	RunID      string    `json:"run_id"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
	Batches    int       `json:"batches"`
	Scanned    int       `json:"scanned"`
	Claimed    int       `json:"claimed"`
	Processed  int       `json:"processed"`
	Saved      int       `json:"saved"`
	Failed     int       `json:"failed"`
	Skipped    int       `json:"skipped"`
	Retried    int       `json:"retried"`
	// Lost counts records that failed both the batch write and the final
	// retry; upstream discovery is expected to re-surface their items.
	Lost int `json:"lost"`
}

// Duration returns the wall-clock length of the run.
func (s RunSummary) Duration() time.Duration {
	return s.FinishedAt.Sub(s.StartedAt)
}

// PriceChangeEvent is published for every meaningful price transition.
type PriceChangeEvent struct {
	RunID         string    `json:"run_id"`
	ListingID     string    `json:"listing_id"`
	URL           string    `json:"url"`
	First         bool      `json:"first"`
	PreviousPrice int64     `json:"previous_price"`
	CurrentPrice  int64     `json:"current_price"`
	DeltaPct      float64   `json:"delta_pct"`
	ObservedAt    time.Time `json:"observed_at"`
}
