// Package main hosts the scraper service entrypoint.
//
// Architecture overview:
//   - Backlog & claims: discovered listing URLs live in a shared backlog
//     (Postgres or memory). A dispatcher run scans for unclaimed items,
//     claims them in batches under a shared claim token, and retires them
//     once processed. Stale claims left by crashed runs are released at the
//     start of the next run.
//   - Dispatcher & workers: each run is bounded by a wall-clock budget.
//     Claimed batches flow through a bounded in-memory queue to a fixed
//     worker pool; the claim loop stops once the remaining budget falls
//     below the stop margin, leaving room for in-flight work and one final
//     persistence retry.
//   - Fetch pipeline: workers acquire the global and per-host rate gates,
//     check a session out of the identity pool, and fetch through the
//     shared circuit breaker with a Colly collector. Script-heavy pages can
//     be promoted to a headless Chromedp fetch. Anti-bot responses trip the
//     breaker instead of being retried.
//   - Extraction & pricing: goquery-based extraction pulls the price and
//     listing fields out of each page; the price detector folds the new
//     observation into the listing's history and classifies the change.
//     Meaningful changes are published to Pub/Sub when a topic is
//     configured.
//   - Persistence & snapshots: staged records are upserted in batches;
//     a failed batch is retried once near the end of the run before its
//     records are counted lost. Raw page snapshots go to the configured
//     store (GCS, local disk, or memory).
//   - Configuration & plumbing: Viper populates config from files and
//     SCRAPER_* env vars; zap provides structured logging; Prometheus
//     metrics are exported via the /metrics handler; run lifecycle events
//     flow through the progress hub into log, metrics, and store sinks.
//
// Operational notes:
//   - crawl performs exactly one budgeted run and exits, so it can be
//     scheduled (cron, Cloud Scheduler) without runs overlapping their
//     window. serve hosts the status API; ingest tails the discovery
//     subscription; seed loads a CSV backlog.
//   - Shutdown is coordinated through context cancellation: SIGINT or
//     SIGTERM stops claiming, drains workers, flushes progress events, and
//     closes the stores.
package main
