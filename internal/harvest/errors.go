package harvest

import (
	"errors"
	"fmt"
)

// ErrNotFound signals that the requested listing record does not exist.
var ErrNotFound = errors.New("listing not found")

// ErrQueueClosed is returned by Dequeue once the queue is closed and drained.
var ErrQueueClosed = errors.New("queue closed")

// ErrBreakerOpen is returned when the circuit breaker rejects a call without
// attempting it. It lives here so failure classification can recognize
// rejections without depending on the breaker package.
var ErrBreakerOpen = errors.New("circuit breaker open")

// FailureKind classifies item-level failures for retry decisions and metrics.
type FailureKind string

// Failure kinds reported in item outcomes.
const (
	FailureNone        FailureKind = "none"
	FailureNetwork     FailureKind = "network"
	FailureStatus      FailureKind = "http_status"
	FailureAntiBot     FailureKind = "anti_bot"
	FailureExtract     FailureKind = "extract"
	FailureValidation  FailureKind = "validation"
	FailurePersist     FailureKind = "persist"
	FailureBreakerOpen FailureKind = "breaker_open"
)

// NetworkError wraps a connection or timeout failure during a fetch.
type NetworkError struct {
	URL string
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network failure fetching %s: %v", e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// StatusError reports a non-2xx HTTP response.
type StatusError struct {
	URL        string
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d from %s", e.StatusCode, e.URL)
}

// AntiBotError reports a block-page signature in the response. It is a strong
// signal the target is hostile and is never retried within the same request.
type AntiBotError struct {
	URL       string
	Signature string
}

func (e *AntiBotError) Error() string {
	return fmt.Sprintf("anti-bot block detected on %s (signature %q)", e.URL, e.Signature)
}

// ExtractError wraps a failure to pull listing fields out of a page body.
type ExtractError struct {
	URL string
	Err error
}

func (e *ExtractError) Error() string {
	return fmt.Sprintf("extract listing from %s: %v", e.URL, e.Err)
}

func (e *ExtractError) Unwrap() error { return e.Err }

// ValidationError reports a raw listing that cannot enter the detector.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid listing field %s: %s", e.Field, e.Reason)
}

// PersistError wraps a store read/write failure.
type PersistError struct {
	Op  string
	Err error
}

func (e *PersistError) Error() string {
	return fmt.Sprintf("persist %s: %v", e.Op, e.Err)
}

func (e *PersistError) Unwrap() error { return e.Err }

// Classify maps an error to its failure kind. Unrecognized errors are treated
// as network failures, the broadest transient class.
func Classify(err error) FailureKind {
	if err == nil {
		return FailureNone
	}
	if errors.Is(err, ErrBreakerOpen) {
		return FailureBreakerOpen
	}
	var (
		netErr     *NetworkError
		statusErr  *StatusError
		antiBotErr *AntiBotError
		extractErr *ExtractError
		validErr   *ValidationError
		persistErr *PersistError
	)
	switch {
	case errors.As(err, &antiBotErr):
		return FailureAntiBot
	case errors.As(err, &statusErr):
		return FailureStatus
	case errors.As(err, &extractErr):
		return FailureExtract
	case errors.As(err, &validErr):
		return FailureValidation
	case errors.As(err, &persistErr):
		return FailurePersist
	case errors.As(err, &netErr):
		return FailureNetwork
	default:
		return FailureNetwork
	}
}

// Retryable reports whether failures of the given kind may be retried locally
// inside the worker. Anti-bot blocks are governed by the circuit breaker, and
// extract/validation failures are data-quality problems that would fail again.
func Retryable(kind FailureKind) bool {
	switch kind {
	case FailureNetwork, FailureStatus:
		return true
	default:
		return false
	}
}

// Terminal reports whether an item-level failure should retire the work item
// via MarkProcessed. Target-level conditions (anti-bot blocks, breaker
// rejections) and store failures leave the item claimed so a later run can
// recover it through ReleaseStale.
func Terminal(kind FailureKind) bool {
	switch kind {
	case FailureAntiBot, FailureBreakerOpen, FailurePersist:
		return false
	default:
		return true
	}
}
