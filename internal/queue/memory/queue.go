// Package memory provides the in-process dispatcher-to-worker queue.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/jpns3334444/scraper-sub000/internal/harvest"
)

// Queue is a bounded in-memory queue with context-aware operations. The
// dispatcher is the single producer and must stop enqueueing before Close.
type Queue struct {
	ch      chan harvest.QueueItem
	closeMu sync.Mutex
	closed  bool
}

// NewQueue constructs a queue with the provided capacity.
func NewQueue(capacity int) *Queue {
	return &Queue{
		ch: make(chan harvest.QueueItem, capacity),
	}
}

// Enqueue pushes an item into the queue or returns if the context ends.
func (q *Queue) Enqueue(ctx context.Context, item harvest.QueueItem) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("enqueue canceled: %w", ctx.Err())
	case q.ch <- item:
		return nil
	}
}

// Dequeue pops the next item, respecting context cancellation. Once the
// queue is closed and drained it returns harvest.ErrQueueClosed.
func (q *Queue) Dequeue(ctx context.Context) (harvest.QueueItem, error) {
	select {
	case <-ctx.Done():
		return harvest.QueueItem{}, fmt.Errorf("dequeue canceled: %w", ctx.Err())
	case item, ok := <-q.ch:
		if !ok {
			return harvest.QueueItem{}, harvest.ErrQueueClosed
		}
		return item, nil
	}
}

// Close marks the queue finished. Buffered items stay dequeueable; the call
// is idempotent.
func (q *Queue) Close() {
	q.closeMu.Lock()
	defer q.closeMu.Unlock()
	if q.closed {
		return
	}
	close(q.ch)
	q.closed = true
}
