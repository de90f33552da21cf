package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"time"

	"go.uber.org/zap"

	"github.com/jpns3334444/scraper-sub000/internal/store"
)

type exampleRunRepo struct {
	runs []store.Run
}

func (e *exampleRunRepo) StartRun(context.Context, string, time.Time) error {
	return nil
}

func (e *exampleRunRepo) UpdateCounters(context.Context, string, store.RunCounters, time.Time) error {
	return nil
}

func (e *exampleRunRepo) CompleteRun(context.Context, string, time.Time, store.RunStatus, *string) error {
	return nil
}

func (e *exampleRunRepo) GetRun(context.Context, string) (store.Run, error) {
	return e.runs[0], nil
}

func (e *exampleRunRepo) ListRuns(context.Context, *store.RunStatus, int, int) ([]store.Run, error) {
	return e.runs, nil
}

// ExampleServer_listRuns shows how to serve the /v1/runs endpoint.
func ExampleServer_listRuns() {
	repo := &exampleRunRepo{
		runs: []store.Run{{
			ID:        "0190a6b2-0000-7000-8000-0000000000aa",
			StartedAt: time.Unix(0, 0).UTC(),
			Status:    store.RunSuccess,
			Counters:  store.RunCounters{Processed: 10, Saved: 9},
		}},
	}
	server := NewServer(Deps{Runs: repo, Logger: zap.NewNop()}, Config{})

	req := httptest.NewRequest(http.MethodGet, "/v1/runs?limit=1", nil)
	rec := httptest.NewRecorder()
	server.Handler().ServeHTTP(rec, req)

	var payload struct {
		Runs []store.Run `json:"runs"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		panic(err)
	}
	fmt.Printf("returned runs: %d\n", len(payload.Runs))
	// Output:
	// returned runs: 1
}
