// Package simple contains a permissive admission policy for tests and
// rate-limit-disabled runs.
package simple

import "context"

// Policy admits every request immediately. It implements harvest.Policy.
type Policy struct{}

// New creates a new Policy.
func New() *Policy {
	return &Policy{}
}

// Acquire always admits unless the context has already ended.
func (Policy) Acquire(ctx context.Context, _ string) error {
	return ctx.Err()
}
