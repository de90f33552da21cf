package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/jpns3334444/scraper-sub000/internal/harvest"
)

// getListing handles GET /v1/listings/{listing_id}. It returns
// {"listing": {...}} with the full price history, 404 for unknown ids, 503
// when no listing store is wired, or 500 if the store call fails.
func (s *Server) getListing(w http.ResponseWriter, r *http.Request) {
	if s.listings == nil {
		writeError(w, http.StatusServiceUnavailable, "listing store unavailable")
		return
	}
	listingID := chi.URLParam(r, "listing_id")
	if listingID == "" {
		writeError(w, http.StatusBadRequest, "listing_id is required")
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), readTimeout)
	defer cancel()

	rec, err := s.listings.Get(ctx, listingID)
	if err != nil {
		if errors.Is(err, harvest.ErrNotFound) {
			writeError(w, http.StatusNotFound, "listing not found")
			return
		}
		s.logger.Error("get listing failed",
			zap.String("listing_id", listingID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load listing")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"listing": rec})
}

type backlogRequest struct {
	Items []harvest.WorkItem `json:"items"`
}

// addBacklog handles POST /v1/backlog. The body carries {"items": [...]}
// where each item needs at least a url; missing ids and partitions are
// derived from the url the same way the discovery ingest derives them.
// It answers 202 with {"received": n, "added": m}; items already in the
// backlog are received but not added.
func (s *Server) addBacklog(w http.ResponseWriter, r *http.Request) {
	if s.claims == nil {
		writeError(w, http.StatusServiceUnavailable, "claim store unavailable")
		return
	}
	var req backlogRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if len(req.Items) == 0 {
		writeError(w, http.StatusBadRequest, "at least one item required")
		return
	}
	items, err := normalizeBacklog(req.Items)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	added, err := s.claims.Add(r.Context(), items)
	if err != nil {
		s.logger.Error("backlog add failed", zap.Int("items", len(items)), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to add backlog items")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]int{
		"received": len(items),
		"added":    added,
	})
}

// normalizeBacklog canonicalizes URLs and fills missing ids and partitions.
// Claim tokens are never client-settable.
func normalizeBacklog(items []harvest.WorkItem) ([]harvest.WorkItem, error) {
	out := make([]harvest.WorkItem, 0, len(items))
	for i, item := range items {
		normalized, err := harvest.NormalizeURL(item.URL)
		if err != nil {
			return nil, fmt.Errorf("item %d: %w", i, err)
		}
		item.URL = normalized
		if item.ID == "" {
			item.ID = harvest.ListingIDFromURL(normalized)
		}
		if item.Partition == "" {
			item.Partition = harvest.HostOf(normalized)
		}
		item.ClaimToken = ""
		out = append(out, item)
	}
	return out, nil
}
