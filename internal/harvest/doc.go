// Package harvest defines the core types, interfaces, and error taxonomy
// shared across the crawl-and-persist engine: backlog work items, listing
// records with price history, the stores the dispatcher drives, and the
// retry machinery used by workers.
package harvest
