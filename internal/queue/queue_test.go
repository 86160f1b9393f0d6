package queue

import (
	"context"
	"testing"
	"time"

	"github.com/ndrandal/tickcollector/internal/metrics"
	"github.com/ndrandal/tickcollector/internal/model"
)

func tick(symbol string) *model.Tick {
	return &model.Tick{Symbol: symbol}
}

func TestOfferWithinCapacity(t *testing.T) {
	q := New(3, metrics.New())
	for i := 0; i < 3; i++ {
		if !q.Offer(tick("A")) {
			t.Fatalf("offer %d should have been accepted", i)
		}
	}
	if q.Overflow() != 0 {
		t.Fatalf("Overflow = %d, want 0", q.Overflow())
	}
}

func TestOfferOverflowCounted(t *testing.T) {
	q := New(2, metrics.New())
	q.Offer(tick("A"))
	q.Offer(tick("A"))
	if q.Offer(tick("A")) {
		t.Fatal("third offer into a capacity-2 queue should be rejected")
	}
	if q.Overflow() != 1 {
		t.Fatalf("Overflow = %d, want 1", q.Overflow())
	}
}

func TestOfferNeverBlocks(t *testing.T) {
	q := New(1, metrics.New())
	q.Offer(tick("A"))
	done := make(chan struct{})
	go func() {
		q.Offer(tick("B")) // must return immediately, not block
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Offer blocked on a full queue")
	}
}

func TestDrainBatchReturnsAvailableRows(t *testing.T) {
	q := New(10, metrics.New())
	for i := 0; i < 4; i++ {
		q.Offer(tick("A"))
	}
	batch := q.DrainBatch(context.Background(), 500, 50*time.Millisecond)
	if len(batch) != 4 {
		t.Fatalf("len(batch) = %d, want 4", len(batch))
	}
}

func TestDrainBatchRespectsMaxSize(t *testing.T) {
	q := New(10, metrics.New())
	for i := 0; i < 10; i++ {
		q.Offer(tick("A"))
	}
	batch := q.DrainBatch(context.Background(), 3, time.Second)
	if len(batch) != 3 {
		t.Fatalf("len(batch) = %d, want 3", len(batch))
	}
}

func TestDrainBatchEmptyOnTimeout(t *testing.T) {
	q := New(10, metrics.New())
	start := time.Now()
	batch := q.DrainBatch(context.Background(), 500, 30*time.Millisecond)
	if len(batch) != 0 {
		t.Fatalf("len(batch) = %d, want 0", len(batch))
	}
	if elapsed := time.Since(start); elapsed < 30*time.Millisecond {
		t.Fatalf("returned too early after %v", elapsed)
	}
}

func TestDrainBatchUnblocksOnContextCancel(t *testing.T) {
	q := New(10, metrics.New())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan []*model.Tick, 1)
	go func() {
		done <- q.DrainBatch(ctx, 500, 10*time.Second)
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case batch := <-done:
		if len(batch) != 0 {
			t.Fatalf("len(batch) = %d, want 0", len(batch))
		}
	case <-time.After(time.Second):
		t.Fatal("DrainBatch did not unblock on context cancellation")
	}
}

func TestDepthAndCapacity(t *testing.T) {
	q := New(5, metrics.New())
	q.Offer(tick("A"))
	q.Offer(tick("A"))
	if q.Depth() != 2 {
		t.Fatalf("Depth = %d, want 2", q.Depth())
	}
	if q.Capacity() != 5 {
		t.Fatalf("Capacity = %d, want 5", q.Capacity())
	}
}
