package feed

import (
	"context"
	"sync"

	"github.com/ligun0805/mempool-guardian/internal/chain"
	"github.com/ligun0805/mempool-guardian/internal/metrics"
)

// Queue is a bounded FIFO that drops its oldest item when full.
type Queue struct {
	mu      sync.Mutex
	items   []chain.PendingTx
	cap     int
	notify  chan struct{}
	dropped uint64
}

func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1024
	}
	return &Queue{cap: capacity, notify: make(chan struct{}, 1), items: make([]chain.PendingTx, 0, capacity)}
}

// Push appends tx and reports whether an older item was dropped for it.
func (q *Queue) Push(tx chain.PendingTx) bool {
	q.mu.Lock()
	dropped := false
	if len(q.items) >= q.cap {
		copy(q.items, q.items[1:])
		q.items = q.items[:len(q.items)-1]
		q.dropped++
		dropped = true
	}
	q.items = append(q.items, tx)
	q.mu.Unlock()
	if dropped {
		metrics.FeedDropped.Inc()
	}
	select {
	case q.notify <- struct{}{}:
	default:
	}
	return dropped
}

// Pop blocks until an item is available or ctx is done.
func (q *Queue) Pop(ctx context.Context) (chain.PendingTx, bool) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			tx := q.items[0]
			q.items[0] = chain.PendingTx{}
			q.items = q.items[1:]
			if len(q.items) == 0 {
				q.items = make([]chain.PendingTx, 0, q.cap)
			}
			more := len(q.items) > 0
			q.mu.Unlock()
			if more {
				select {
				case q.notify <- struct{}{}:
				default:
				}
			}
			return tx, true
		}
		q.mu.Unlock()
		select {
		case <-ctx.Done():
			return chain.PendingTx{}, false
		case <-q.notify:
		}
	}
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Dropped is the number of items evicted so far.
func (q *Queue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}
