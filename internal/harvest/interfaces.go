package harvest

import (
	"context"
	"time"

	"github.com/jpns3334444/scraper-sub000/internal/session"
)

// ClaimStore is the shared backlog of discoverable work items. Claim is the
// only cross-process synchronization point in the system and must be atomic:
// an item is either fully owned by one claimant or still available.
type ClaimStore interface {
	// ScanUnclaimed returns up to limit items that are neither claimed nor
	// processed, oldest first.
	ScanUnclaimed(ctx context.Context, limit int) ([]WorkItem, error)
	// Claim atomically takes ownership of the given items and returns the
	// subset actually owned by this caller, claim tokens filled in. Items
	// grabbed by a concurrent claimant are silently absent from the result.
	Claim(ctx context.Context, items []WorkItem) ([]WorkItem, error)
	// MarkProcessed terminally retires an item so it is never scanned again.
	// Idempotent; called even for permanent item-level failures.
	MarkProcessed(ctx context.Context, id string) error
	// Add inserts newly discovered items, ignoring IDs already present.
	// Returns the number actually inserted.
	Add(ctx context.Context, items []WorkItem) (int, error)
	// ReleaseStale returns claims older than olderThan (and still
	// unprocessed) to the backlog, for recovery after a crashed run.
	ReleaseStale(ctx context.Context, olderThan time.Duration) (int, error)
}

// ListingStore persists listing records keyed by listing ID.
type ListingStore interface {
	// Get loads one record or returns ErrNotFound.
	Get(ctx context.Context, id string) (ListingRecord, error)
	// PutBatch upserts records and returns how many were saved. A batch may
	// save a strict subset of its input; the count is the source of truth
	// and writes are idempotent, so callers retry the whole failed batch.
	PutBatch(ctx context.Context, records []ListingRecord) (int, error)
	Close() error
}

// SnapshotStore archives raw page bodies and returns a URI.
type SnapshotStore interface {
	Put(ctx context.Context, key string, contentType string, data []byte) (string, error)
}

// Publisher pushes price-change events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Target retrieves one page through a checked-out session.
type Target interface {
	Fetch(ctx context.Context, sess *session.Session, rawURL string) (FetchResult, error)
}

// Extractor turns a fetched page body into a raw listing. Site-specific
// heuristics live behind this interface and are invoked as a black box.
type Extractor interface {
	Extract(body []byte, rawURL string) (RawListing, error)
}

// MetricsSink receives fire-and-forget measurements; failures are swallowed
// and logged, never propagated.
type MetricsSink interface {
	Emit(name string, value float64)
}

// Queue provides the bounded dispatcher-to-worker handoff.
type Queue interface {
	Enqueue(ctx context.Context, item QueueItem) error
	Dequeue(ctx context.Context) (QueueItem, error)
	Close()
}

// Policy encapsulates rate admission ahead of a fetch.
type Policy interface {
	Acquire(ctx context.Context, rawURL string) error
}

// Hasher computes digests for content fingerprinting.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run IDs and claim tokens (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
