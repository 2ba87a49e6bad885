package pipeline

import (
	"context"
)

// Result is the terminal outcome of one submitted event.
type Result struct {
	// Sequence is the event's per-key sequence, zero for duplicates.
	Sequence int64
	// Duplicate marks an event whose ID was already stored; the submission
	// is an accepted no-op.
	Duplicate bool
	Err       error
}

// Handle lets the submitter await the COMPLETE stage of its event.
type Handle struct {
	ch chan Result
}

func newHandle() *Handle {
	return &Handle{ch: make(chan Result, 1)}
}

func (h *Handle) resolve(r Result) {
	h.ch <- r
}

// Wait blocks until the event completes or ctx expires.
func (h *Handle) Wait(ctx context.Context) (Result, error) {
	select {
	case r := <-h.ch:
		return r, r.Err
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}
