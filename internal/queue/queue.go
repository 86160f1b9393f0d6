// Package queue implements the bounded producer-to-consumer handoff between
// gateway callbacks/poll and the single persistence worker. Offer never
// blocks; overflow is a counted signal, not an error, since the poll path
// re-surfaces dropped rows on its next cycle.
package queue

import (
	"context"
	"time"

	"github.com/ndrandal/tickcollector/internal/metrics"
	"github.com/ndrandal/tickcollector/internal/model"
)

// Queue is a bounded, many-producer/single-consumer safe handoff of ticks.
type Queue struct {
	ch chan *model.Tick
	m  *metrics.Metrics
}

// New creates a Queue with the given row capacity, recording overflow into
// the shared Metrics instance rather than a counter of its own.
func New(capacity int, m *metrics.Metrics) *Queue {
	return &Queue{ch: make(chan *model.Tick, capacity), m: m}
}

// Offer is the non-blocking producer entry point. It returns true if the
// tick was accepted, false if the queue was full (counted, never blocking).
// Callers must roll back any optimistic sequence-state advance on false.
func (q *Queue) Offer(t *model.Tick) bool {
	select {
	case q.ch <- t:
		return true
	default:
		q.m.QueueOverflow.Add(1)
		return false
	}
}

// Overflow returns the cumulative count of dropped offers.
func (q *Queue) Overflow() uint64 {
	return q.m.QueueOverflow.Load()
}

// Depth returns the current number of queued rows.
func (q *Queue) Depth() int {
	return len(q.ch)
}

// Capacity returns the configured queue capacity.
func (q *Queue) Capacity() int {
	return cap(q.ch)
}

// DrainBatch blocks until either maxSize rows are collected or maxWait
// elapses, whichever comes first. If at least one row is available within
// the wait, it is returned; DrainBatch only returns an empty batch if ctx
// is cancelled or maxWait elapses before any row arrives.
func (q *Queue) DrainBatch(ctx context.Context, maxSize int, maxWait time.Duration) []*model.Tick {
	batch := make([]*model.Tick, 0, maxSize)

	deadline := time.NewTimer(maxWait)
	defer deadline.Stop()

	for len(batch) < maxSize {
		select {
		case t := <-q.ch:
			batch = append(batch, t)
		case <-deadline.C:
			return batch
		case <-ctx.Done():
			return batch
		}
	}
	return batch
}
