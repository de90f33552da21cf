// Package memory provides in-process store implementations for development
// and tests. They honor the same claim and upsert semantics as the
// Postgres-backed stores.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jpns3334444/scraper-sub000/internal/harvest"
	iduuid "github.com/jpns3334444/scraper-sub000/internal/id/uuid"
)

type backlogEntry struct {
	item        harvest.WorkItem
	claimedAt   time.Time
	claimToken  string
	processedAt time.Time
}

// ClaimStore is an in-memory backlog. Claim is atomic under the store
// mutex, so concurrent claimants receive disjoint item sets.
type ClaimStore struct {
	mu      sync.Mutex
	entries map[string]*backlogEntry
	clock   harvest.Clock
	ids     harvest.IDGenerator
}

// NewClaimStore constructs a ClaimStore. A nil clock falls back to the
// system clock.
func NewClaimStore(clock harvest.Clock) *ClaimStore {
	if clock == nil {
		clock = systemClock{}
	}
	return &ClaimStore{
		entries: make(map[string]*backlogEntry),
		clock:   clock,
		ids:     iduuid.New(),
	}
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// ScanUnclaimed returns up to limit unclaimed, unprocessed items, oldest
// discovery first.
func (s *ClaimStore) ScanUnclaimed(_ context.Context, limit int) ([]harvest.WorkItem, error) {
	if limit <= 0 {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	candidates := make([]*backlogEntry, 0, len(s.entries))
	for _, e := range s.entries {
		if e.claimedAt.IsZero() && e.processedAt.IsZero() {
			candidates = append(candidates, e)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].item.DiscoveredAt.Equal(candidates[j].item.DiscoveredAt) {
			return candidates[i].item.ID < candidates[j].item.ID
		}
		return candidates[i].item.DiscoveredAt.Before(candidates[j].item.DiscoveredAt)
	})
	if len(candidates) > limit {
		candidates = candidates[:limit]
	}

	out := make([]harvest.WorkItem, 0, len(candidates))
	for _, e := range candidates {
		out = append(out, e.item)
	}
	return out, nil
}

// Claim takes ownership of the given items and returns the subset this
// caller now owns, claim tokens filled in. Items already claimed, already
// processed, or unknown are silently absent from the result.
func (s *ClaimStore) Claim(_ context.Context, items []harvest.WorkItem) ([]harvest.WorkItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	token, err := s.ids.NewID()
	if err != nil {
		return nil, err
	}
	now := s.clock.Now()
	claimed := make([]harvest.WorkItem, 0, len(items))
	for _, item := range items {
		e, ok := s.entries[item.ID]
		if !ok || !e.claimedAt.IsZero() || !e.processedAt.IsZero() {
			continue
		}
		e.claimedAt = now
		e.claimToken = token

		owned := e.item
		owned.ClaimToken = token
		claimed = append(claimed, owned)
	}
	return claimed, nil
}

// MarkProcessed terminally retires an item. Unknown IDs and repeat calls
// are no-ops.
func (s *ClaimStore) MarkProcessed(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok || !e.processedAt.IsZero() {
		return nil
	}
	e.processedAt = s.clock.Now()
	return nil
}

// Add inserts newly discovered items, skipping IDs already present, and
// returns the number actually inserted.
func (s *ClaimStore) Add(_ context.Context, items []harvest.WorkItem) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	added := 0
	for _, item := range items {
		if item.ID == "" {
			continue
		}
		if _, exists := s.entries[item.ID]; exists {
			continue
		}
		if item.DiscoveredAt.IsZero() {
			item.DiscoveredAt = s.clock.Now()
		}
		s.entries[item.ID] = &backlogEntry{item: item}
		added++
	}
	return added, nil
}

// ReleaseStale returns claims older than olderThan to the backlog and
// reports how many were released.
func (s *ClaimStore) ReleaseStale(_ context.Context, olderThan time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.clock.Now().Add(-olderThan)
	released := 0
	for _, e := range s.entries {
		if e.claimedAt.IsZero() || !e.processedAt.IsZero() {
			continue
		}
		if e.claimedAt.After(cutoff) {
			continue
		}
		e.claimedAt = time.Time{}
		e.claimToken = ""
		released++
	}
	return released, nil
}

// Unprocessed reports how many items remain to be processed, for tests and
// the backlog API.
func (s *ClaimStore) Unprocessed() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, e := range s.entries {
		if e.processedAt.IsZero() {
			n++
		}
	}
	return n
}
