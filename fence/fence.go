package fence

import (
	"context"
	"sync/atomic"

	gpubroker "github.com/virtgfx/gpu-broker"
)

// State is the observable completion state of a sequence number.
type State uint8

const (
	// StateUnknown means the sequence was never registered, or its retired
	// record has already been garbage-collected after observation.
	StateUnknown State = iota

	// StatePending means the work was submitted and not yet signaled.
	StatePending

	// StateSignaled means completion was recorded. Signaled is permanent; a
	// sequence never un-signals.
	StateSignaled
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateSignaled:
		return "signaled"
	}
	return "unknown"
}

// Fence is a pollable completion token for one submitted unit of work.
type Fence struct {
	ctx      gpubroker.ContextID
	seq      gpubroker.FenceID
	done     chan struct{}
	signaled atomic.Bool
}

func newFence(ctx gpubroker.ContextID, seq gpubroker.FenceID) *Fence {
	return &Fence{
		ctx:  ctx,
		seq:  seq,
		done: make(chan struct{}),
	}
}

// Seq returns the fence's global sequence number.
func (f *Fence) Seq() gpubroker.FenceID {
	return f.seq
}

// Context returns the target context id, 0 for global fences.
func (f *Fence) Context() gpubroker.ContextID {
	return f.ctx
}

// Ready reports completion without blocking.
func (f *Fence) Ready() bool {
	return f.signaled.Load()
}

// Wait blocks until the fence signals or ctx is cancelled.
func (f *Fence) Wait(ctx context.Context) error {
	if f.signaled.Load() {
		return nil
	}
	select {
	case <-f.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (f *Fence) signal() {
	if f.signaled.CompareAndSwap(false, true) {
		close(f.done)
	}
}
