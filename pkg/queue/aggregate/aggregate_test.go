package aggregate_test

import (
	"context"
	"testing"
	"time"

	"github.com/kalbasit/buildcache/pkg/queue"
	"github.com/kalbasit/buildcache/pkg/queue/aggregate"
)

func TestPopMergesBothQueues(t *testing.T) {
	t.Parallel()

	q1 := queue.New[string](0)
	q2 := queue.New[string](0)

	q1.Push("from-1", 0)
	q2.Push("from-2", 0)

	agg := aggregate.New(q1, q2)
	defer agg.Close()

	seen := map[string]bool{}

	for range 2 {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		v, ok := agg.Pop(ctx)
		cancel()

		if !ok {
			t.Fatal("expected an item")
		}

		seen[v] = true
	}

	if !seen["from-1"] || !seen["from-2"] {
		t.Fatalf("expected items from both queues, got %v", seen)
	}
}

func TestPopTimesOutWhenEmpty(t *testing.T) {
	t.Parallel()

	q1 := queue.New[int](0)
	agg := aggregate.New(q1)
	defer agg.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, ok := agg.Pop(ctx); ok {
		t.Fatal("expected timeout, not an item")
	}
}

func TestCloseFailsPendingOrders(t *testing.T) {
	t.Parallel()

	q1 := queue.New[int](0)
	agg := aggregate.New(q1)

	done := make(chan bool, 1)

	go func() {
		_, ok := agg.Pop(context.Background())
		done <- ok
	}()

	time.Sleep(10 * time.Millisecond)
	agg.Close()

	select {
	case ok := <-done:
		if ok {
			t.Fatal("expected pending order to fail on Close")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for pending order to fail")
	}
}

func TestDrainAfterCloseRecoversRemainingItems(t *testing.T) {
	t.Parallel()

	q1 := queue.New[int](0)
	q1.Push(1, 0)
	q1.Push(2, 0)
	q1.Close()

	agg := aggregate.New(q1)
	agg.Close()

	var got []int

	for {
		v, ok := agg.Drain()
		if !ok {
			break
		}

		got = append(got, v)
	}

	if len(got) != 2 {
		t.Fatalf("expected 2 drained items, got %v", got)
	}
}
