// Package ops implements the query cells that run inside a partition's
// loop and hand their result back to an HTTP-facing caller: a single
// customer fetch, a scripted population walk (event/segment/histogram
// queries), and the index-only property histogram. Grounded on
// original_source's oloop_customer/oloop_customer_list/oloop_histogram/
// oloop_property cells, each of which replies through what that code calls
// a "shuttle" once its cell finishes running on the partition's loop.
package ops

import (
	"context"
	"fmt"
)

// Shuttle is the one-shot reply channel a query cell uses to hand its
// result back across the loop/caller boundary, named for the same
// mechanism in the original cells (Shuttle/ShuttleLambda).
type Shuttle[T any] struct {
	ch  chan shuttleMsg[T]
}

type shuttleMsg[T any] struct {
	value T
	err   error
}

// NewShuttle returns a Shuttle ready for exactly one Reply.
func NewShuttle[T any]() *Shuttle[T] {
	return &Shuttle[T]{ch: make(chan shuttleMsg[T], 1)}
}

// Reply delivers the cell's result. Safe to call exactly once.
func (s *Shuttle[T]) Reply(v T, err error) {
	s.ch <- shuttleMsg[T]{value: v, err: err}
}

// Wait blocks until Reply is called or ctx is done.
func (s *Shuttle[T]) Wait(ctx context.Context) (T, error) {
	select {
	case msg := <-s.ch:
		return msg.value, msg.err
	case <-ctx.Done():
		var zero T
		return zero, fmt.Errorf("ops: query canceled: %w", ctx.Err())
	}
}
