package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/jpns3334444/scraper-sub000/internal/harvest"
)

// ListingStore implements harvest.ListingStore on a listings table. Upserts
// deliberately leave original_price and first_seen out of the conflict
// update, so first-observation values survive any later write.
type ListingStore struct {
	pool  pgPool
	table string
}

// NewListingStore constructs a ListingStore on an existing pool. An empty
// table name defaults to "listings".
func NewListingStore(pool pgPool, table string) (*ListingStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "listings"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &ListingStore{pool: pool, table: table}, nil
}

// Close releases the underlying pool resources.
func (s *ListingStore) Close() error {
	if s == nil || s.pool == nil {
		return nil
	}
	s.pool.Close()
	return nil
}

// Get loads one record or returns harvest.ErrNotFound.
func (s *ListingStore) Get(ctx context.Context, id string) (harvest.ListingRecord, error) {
	query := fmt.Sprintf(`
SELECT id, url, current_price, original_price, previous_price, update_count,
       history, first_seen, last_seen, content_hash, snapshot_uri
FROM %s
WHERE id = $1`, s.table)

	var (
		rec         harvest.ListingRecord
		historyJSON []byte
	)
	err := s.pool.QueryRow(ctx, query, id).Scan(
		&rec.ID,
		&rec.URL,
		&rec.CurrentPrice,
		&rec.OriginalPrice,
		&rec.PreviousPrice,
		&rec.UpdateCount,
		&historyJSON,
		&rec.FirstSeen,
		&rec.LastSeen,
		&rec.ContentHash,
		&rec.SnapshotURI,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return harvest.ListingRecord{}, harvest.ErrNotFound
		}
		return harvest.ListingRecord{}, fmt.Errorf("get listing %s: %w", id, err)
	}
	if len(historyJSON) > 0 {
		if err := json.Unmarshal(historyJSON, &rec.History); err != nil {
			return harvest.ListingRecord{}, fmt.Errorf("decode listing history: %w", err)
		}
	}
	return rec, nil
}

// PutBatch upserts records and returns how many rows the database confirmed.
// The batch aborts on the first failed statement; already-confirmed rows
// stay written, so callers retry the whole batch and rely on idempotence.
func (s *ListingStore) PutBatch(ctx context.Context, records []harvest.ListingRecord) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	id, url, current_price, original_price, previous_price, update_count,
	history, first_seen, last_seen, content_hash, snapshot_uri
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
ON CONFLICT (id) DO UPDATE SET
	url = EXCLUDED.url,
	current_price = EXCLUDED.current_price,
	previous_price = EXCLUDED.previous_price,
	update_count = EXCLUDED.update_count,
	history = EXCLUDED.history,
	last_seen = EXCLUDED.last_seen,
	content_hash = EXCLUDED.content_hash,
	snapshot_uri = EXCLUDED.snapshot_uri`, s.table)

	b := &pgx.Batch{}
	count := 0
	for _, rec := range records {
		if rec.ID == "" {
			continue
		}
		historyJSON, err := json.Marshal(normalizeHistory(rec.History))
		if err != nil {
			return 0, fmt.Errorf("encode listing history: %w", err)
		}
		b.Queue(query,
			rec.ID,
			rec.URL,
			rec.CurrentPrice,
			rec.OriginalPrice,
			rec.PreviousPrice,
			rec.UpdateCount,
			historyJSON,
			rec.FirstSeen,
			rec.LastSeen,
			rec.ContentHash,
			rec.SnapshotURI,
		)
		count++
	}

	br := s.pool.SendBatch(ctx, b)
	saved := 0
	for i := 0; i < count; i++ {
		tag, err := br.Exec()
		if err != nil {
			_ = br.Close()
			return saved, fmt.Errorf("upsert listing: %w", err)
		}
		saved += int(tag.RowsAffected())
	}
	if err := br.Close(); err != nil {
		return saved, fmt.Errorf("close listing batch: %w", err)
	}
	return saved, nil
}

func normalizeHistory(history []harvest.PricePoint) []harvest.PricePoint {
	if history == nil {
		return []harvest.PricePoint{}
	}
	return history
}
