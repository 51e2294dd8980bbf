// Package aggregate implements C6, the fair-merge queue aggregator: N
// input queues merged into one, each served by its own worker goroutine
// that claims a waiting consumer's "order" before popping, so no single
// busy queue can starve the others.
package aggregate

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kalbasit/buildcache/pkg/queue"
)

// handBackInterval is how long a worker waits on its own empty queue before
// offering the order it holds to another idle worker.
const handBackInterval = 10 * time.Millisecond

type order[T any] struct {
	result chan result[T]
}

type result[T any] struct {
	value T
	ok    bool
}

// Aggregator merges a fixed set of queues into a single Pop.
type Aggregator[T any] struct {
	queues []*queue.Queue[T]
	orders chan order[T]

	stop      chan struct{}
	closeOnce sync.Once
	closed    atomic.Bool
}

// New spawns one worker per queue in queues, each waiting on orders and
// popping from its own queue to satisfy one at a time.
func New[T any](queues ...*queue.Queue[T]) *Aggregator[T] {
	a := &Aggregator[T]{
		queues: queues,
		orders: make(chan order[T]),
		stop:   make(chan struct{}),
	}

	for _, q := range queues {
		go a.serve(q)
	}

	return a
}

func (a *Aggregator[T]) serve(q *queue.Queue[T]) {
orders:
	for {
		select {
		case req := <-a.orders:
			v, ok := q.PopTimeout(0, handBackInterval)
			for !ok && !q.IsClosed() {
				select {
				case a.orders <- req:
					continue orders
				case <-a.stop:
					return
				default:
				}

				v, ok = q.PopTimeout(0, handBackInterval)
			}

			select {
			case req.result <- result[T]{value: v, ok: ok}:
			case <-a.stop:
			}
		case <-a.stop:
			return
		}
	}
}

// Pop places one order and waits for whichever queue's worker serves it
// first, honoring ctx cancellation and aggregator Close.
func (a *Aggregator[T]) Pop(ctx context.Context) (T, bool) {
	req := order[T]{result: make(chan result[T], 1)}

	select {
	case a.orders <- req:
	case <-a.stop:
		var zero T

		return zero, false
	case <-ctx.Done():
		var zero T

		return zero, false
	}

	select {
	case r := <-req.result:
		return r.value, r.ok
	case <-a.stop:
		var zero T

		return zero, false
	case <-ctx.Done():
		var zero T

		return zero, false
	}
}

// Close fails every pending order and stops dispatching new ones. Workers
// blocked inside an individual queue's Pop unblock once that queue itself
// is closed by its owner — Close does not close the source queues.
func (a *Aggregator[T]) Close() {
	a.closeOnce.Do(func() {
		a.closed.Store(true)
		close(a.stop)
	})
}

// IsClosed reports whether Close has been called.
func (a *Aggregator[T]) IsClosed() bool {
	return a.closed.Load()
}

// Drain pops directly from each source queue, in aggregation order,
// bypassing the fairness machinery. It is meant to be called after Close,
// once every source queue has also been closed by its owner, to recover
// whatever items were still in flight; it returns (zero, false) once every
// queue is drained and closed.
func (a *Aggregator[T]) Drain() (T, bool) {
	for _, q := range a.queues {
		if v, ok := q.Pop(0); ok {
			return v, true
		}
	}

	var zero T

	return zero, false
}
