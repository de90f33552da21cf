package headless

import (
	"context"
	"errors"

	"github.com/jpns3334444/scraper-sub000/internal/harvest"
	"github.com/jpns3334444/scraper-sub000/internal/session"
)

// Noop stands in for the browser when headless fetching is disabled. It
// always errors, so promoted fetches fall through to their static result.
type Noop struct{}

// NewNoop creates a Noop fetcher.
func NewNoop() *Noop {
	return &Noop{}
}

// Fetch returns an error since no browser is available.
func (Noop) Fetch(_ context.Context, _ *session.Session, _ string) (harvest.FetchResult, error) {
	return harvest.FetchResult{}, errors.New("headless fetching disabled")
}
