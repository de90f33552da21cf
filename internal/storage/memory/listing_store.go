package memory

import (
	"context"
	"sync"

	"github.com/jpns3334444/scraper-sub000/internal/harvest"
)

// ListingStore keeps listing records in a map. Writes follow the same
// upsert rule as the Postgres store: original price and first-seen survive
// updates to an existing record.
type ListingStore struct {
	mu      sync.RWMutex
	records map[string]harvest.ListingRecord
}

// NewListingStore constructs a ListingStore.
func NewListingStore() *ListingStore {
	return &ListingStore{records: make(map[string]harvest.ListingRecord)}
}

// Get loads one record or returns harvest.ErrNotFound.
func (s *ListingStore) Get(_ context.Context, id string) (harvest.ListingRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[id]
	if !ok {
		return harvest.ListingRecord{}, harvest.ErrNotFound
	}
	return copyRecord(rec), nil
}

// PutBatch upserts records and returns how many were saved. The in-memory
// store never partially fails, so the count equals the input size.
func (s *ListingStore) PutBatch(_ context.Context, records []harvest.ListingRecord) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, rec := range records {
		if existing, ok := s.records[rec.ID]; ok {
			rec.OriginalPrice = existing.OriginalPrice
			rec.FirstSeen = existing.FirstSeen
		}
		s.records[rec.ID] = copyRecord(rec)
	}
	return len(records), nil
}

// Close is a no-op for the in-memory store.
func (s *ListingStore) Close() error { return nil }

// Len reports how many records are stored.
func (s *ListingStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

func copyRecord(rec harvest.ListingRecord) harvest.ListingRecord {
	out := rec
	if rec.History != nil {
		out.History = append([]harvest.PricePoint(nil), rec.History...)
	}
	return out
}
