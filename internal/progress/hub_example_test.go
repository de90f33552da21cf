package progress

import (
	"context"
	"fmt"
	"time"

	"github.com/jpns3334444/scraper-sub000/internal/harvest"
)

type exampleCountingSink struct {
	total int
}

func (s *exampleCountingSink) Consume(_ context.Context, batch []Event) error {
	s.total += len(batch)
	return nil
}

func (s *exampleCountingSink) Close(context.Context) error {
	return nil
}

// ExampleHub_Emit demonstrates emitting an event and flushing via Close.
func ExampleHub_Emit() {
	sink := &exampleCountingSink{}
	hub := NewHub(Config{
		BufferSize:    4,
		MaxBatch:      1,
		FlushInterval: time.Second,
	}, sink)

	hub.Emit(RunStarted("0190a6b2-0000-7000-8000-000000000001", time.Unix(0, 0)))
	if err := hub.Close(context.Background()); err != nil {
		panic(err)
	}

	fmt.Printf("events forwarded: %d\n", sink.total)
	// Output:
	// events forwarded: 1
}

// ExampleSink implements a custom Sink that counts price drops.
func ExampleSink() {
	var drops int
	capture := sinkFunc(func(_ context.Context, batch []Event) error {
		for _, evt := range batch {
			if evt.Change.Changed && evt.Change.Delta < 0 {
				drops++
			}
		}
		return nil
	})
	hub := NewHub(Config{
		BufferSize:    2,
		MaxBatch:      1,
		FlushInterval: time.Second,
	}, capture)

	hub.Emit(ItemProcessed(
		"0190a6b2-0000-7000-8000-000000000002",
		harvest.ItemResult{
			Item:    harvest.WorkItem{ID: "lst-1", URL: "https://example.jp/lst-1"},
			Outcome: harvest.OutcomeStaged,
			Change:  harvest.PriceChange{Changed: true, Delta: -500000},
		},
		250*time.Millisecond,
		time.Unix(0, 0),
	))
	if err := hub.Close(context.Background()); err != nil {
		panic(err)
	}

	fmt.Printf("price drops seen: %d\n", drops)
	// Output:
	// price drops seen: 1
}

type sinkFunc func(context.Context, []Event) error

func (f sinkFunc) Consume(ctx context.Context, batch []Event) error {
	return f(ctx, batch)
}

func (sinkFunc) Close(context.Context) error {
	return nil
}
