// Package progress provides the event primitives, non-blocking hub, and
// emitter interface the dispatcher and workers use to report run progress.
// Events batch on a background goroutine and fan out to pluggable sinks such
// as Prometheus collectors or the run repository.
package progress
