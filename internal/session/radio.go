package session

import (
	"context"
	"sync"
)

// radio runs advertise and discovery calls off the loop, one at a time and
// in the order the loop issued them, so a stop never overtakes the start it
// undoes.
type radio struct {
	mu   sync.Mutex
	ops  []radioOp
	wake chan struct{}
}

type radioOp struct {
	fn   func(ctx context.Context)
	stop bool // still run when the session shuts down
}

func newRadio() *radio {
	return &radio{wake: make(chan struct{}, 1)}
}

func (r *radio) do(stop bool, fn func(ctx context.Context)) {
	r.mu.Lock()
	r.ops = append(r.ops, radioOp{fn: fn, stop: stop})
	r.mu.Unlock()
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *radio) take() []radioOp {
	r.mu.Lock()
	defer r.mu.Unlock()
	ops := r.ops
	r.ops = nil
	return ops
}

// run executes queued calls until ctx ends, then runs only the pending stops.
func (r *radio) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			for _, op := range r.take() {
				if op.stop {
					op.fn(ctx)
				}
			}
			return
		case <-r.wake:
			for _, op := range r.take() {
				if ctx.Err() != nil && !op.stop {
					continue
				}
				op.fn(ctx)
			}
		}
	}
}
