// Package ingest feeds the backlog from external discovery sources: a Pub/Sub
// subscription carrying discovery messages, and CSV seed files for bootstrap
// and backfill. Both paths normalize URLs and derive listing identifiers
// before handing items to the claim store, which deduplicates on insert.
package ingest
