// Package postgres provides Postgres-backed persistence implementations.
package postgres

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jpns3334444/scraper-sub000/internal/harvest"
	iduuid "github.com/jpns3334444/scraper-sub000/internal/id/uuid"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// pgPool is the subset of pgxpool.Pool the stores use; pgxmock satisfies it.
type pgPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
	Close()
}

// PoolConfig controls a Postgres connection pool.
type PoolConfig struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// NewPool opens a pgx pool from the config.
func NewPool(ctx context.Context, cfg PoolConfig) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return pool, nil
}

// ClaimStore implements harvest.ClaimStore on a backlog table. Claim relies
// on a single UPDATE ... WHERE claimed_at IS NULL, so concurrent claimants
// always receive disjoint rows.
type ClaimStore struct {
	pool  pgPool
	table string
	clock harvest.Clock
	ids   harvest.IDGenerator
}

// NewClaimStore constructs a ClaimStore on an existing pool. An empty table
// name defaults to "backlog".
func NewClaimStore(pool pgPool, table string) (*ClaimStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "backlog"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &ClaimStore{
		pool:  pool,
		table: table,
		clock: systemClock{},
		ids:   iduuid.New(),
	}, nil
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// ScanUnclaimed returns up to limit unclaimed, unprocessed items, oldest
// discovery first.
func (s *ClaimStore) ScanUnclaimed(ctx context.Context, limit int) ([]harvest.WorkItem, error) {
	if limit <= 0 {
		return nil, nil
	}
	query := fmt.Sprintf(`
SELECT id, url, partition_key, last_known_price, discovered_at
FROM %s
WHERE claimed_at IS NULL AND processed_at IS NULL
ORDER BY discovered_at ASC
LIMIT $1`, s.table)

	rows, err := s.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("scan backlog: %w", err)
	}
	defer rows.Close()
	return scanWorkItems(rows)
}

// Claim takes ownership of the given items in one atomic UPDATE and returns
// the subset actually owned, claim token filled in. Rows grabbed by a
// concurrent claimant are absent from the result.
func (s *ClaimStore) Claim(ctx context.Context, items []harvest.WorkItem) ([]harvest.WorkItem, error) {
	if len(items) == 0 {
		return nil, nil
	}
	token, err := s.ids.NewID()
	if err != nil {
		return nil, fmt.Errorf("generate claim token: %w", err)
	}
	ids := make([]string, 0, len(items))
	for _, it := range items {
		ids = append(ids, it.ID)
	}

	query := fmt.Sprintf(`
UPDATE %s
SET claimed_at = $1, claim_token = $2
WHERE id = ANY($3) AND claimed_at IS NULL AND processed_at IS NULL
RETURNING id, url, partition_key, last_known_price, discovered_at`, s.table)

	rows, err := s.pool.Query(ctx, query, s.clock.Now(), token, ids)
	if err != nil {
		return nil, fmt.Errorf("claim backlog items: %w", err)
	}
	defer rows.Close()

	claimed, err := scanWorkItems(rows)
	if err != nil {
		return nil, err
	}
	for i := range claimed {
		claimed[i].ClaimToken = token
	}
	return claimed, nil
}

// MarkProcessed terminally retires an item. Unknown IDs and repeat calls
// affect zero rows and succeed.
func (s *ClaimStore) MarkProcessed(ctx context.Context, id string) error {
	query := fmt.Sprintf(`
UPDATE %s
SET processed_at = $1
WHERE id = $2 AND processed_at IS NULL`, s.table)

	if _, err := s.pool.Exec(ctx, query, s.clock.Now(), id); err != nil {
		return fmt.Errorf("mark processed %s: %w", id, err)
	}
	return nil
}

// Add inserts newly discovered items, skipping IDs already present, and
// returns the number actually inserted.
func (s *ClaimStore) Add(ctx context.Context, items []harvest.WorkItem) (int, error) {
	if len(items) == 0 {
		return 0, nil
	}
	query := fmt.Sprintf(`
INSERT INTO %s (id, url, partition_key, last_known_price, discovered_at)
VALUES ($1,$2,$3,$4,$5)
ON CONFLICT (id) DO NOTHING`, s.table)

	b := &pgx.Batch{}
	count := 0
	now := s.clock.Now()
	for _, item := range items {
		if item.ID == "" {
			continue
		}
		discovered := item.DiscoveredAt
		if discovered.IsZero() {
			discovered = now
		}
		b.Queue(query, item.ID, item.URL, item.Partition, item.LastKnownPrice, discovered)
		count++
	}

	br := s.pool.SendBatch(ctx, b)
	added := 0
	for i := 0; i < count; i++ {
		tag, err := br.Exec()
		if err != nil {
			_ = br.Close()
			return added, fmt.Errorf("insert backlog item: %w", err)
		}
		added += int(tag.RowsAffected())
	}
	if err := br.Close(); err != nil {
		return added, fmt.Errorf("close backlog batch: %w", err)
	}
	return added, nil
}

// ReleaseStale returns claims older than olderThan to the backlog and
// reports how many rows were released.
func (s *ClaimStore) ReleaseStale(ctx context.Context, olderThan time.Duration) (int, error) {
	query := fmt.Sprintf(`
UPDATE %s
SET claimed_at = NULL, claim_token = NULL
WHERE claimed_at IS NOT NULL AND processed_at IS NULL AND claimed_at < $1`, s.table)

	tag, err := s.pool.Exec(ctx, query, s.clock.Now().Add(-olderThan))
	if err != nil {
		return 0, fmt.Errorf("release stale claims: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func scanWorkItems(rows pgx.Rows) ([]harvest.WorkItem, error) {
	var items []harvest.WorkItem
	for rows.Next() {
		var it harvest.WorkItem
		if err := rows.Scan(&it.ID, &it.URL, &it.Partition, &it.LastKnownPrice, &it.DiscoveredAt); err != nil {
			return nil, fmt.Errorf("scan backlog row: %w", err)
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate backlog rows: %w", err)
	}
	return items, nil
}
