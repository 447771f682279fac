package fence

import (
	"sync"
	"sync/atomic"

	gpubroker "github.com/virtgfx/gpu-broker"
	"github.com/virtgfx/gpu-broker/errors"
)

// Sink receives completion notifications after the handler has recorded
// state. Delivery is decoupled from the signaling backend thread.
type Sink interface {
	FenceSignaled(ctx gpubroker.ContextID, seq gpubroker.FenceID)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx gpubroker.ContextID, seq gpubroker.FenceID)

func (f SinkFunc) FenceSignaled(ctx gpubroker.ContextID, seq gpubroker.FenceID) {
	f(ctx, seq)
}

// DefaultRetiredCap bounds how many retired sequence numbers are retained
// for duplicate/late completion queries before the oldest are collected.
const DefaultRetiredCap = 1024

// Options configures a Handler.
type Options struct {
	// Sink receives signal notifications. May be nil.
	Sink Sink

	// OnError receives invariant violations observed on the signal path,
	// which has no error return of its own. May be nil.
	OnError func(error)

	// RetiredCap overrides DefaultRetiredCap when positive.
	RetiredCap int
}

// Handler converts backend-specific completion signals into a single
// monotonic fence-id space. Signal is safe to call concurrently from any
// goroutine and never blocks the caller on notification delivery.
type Handler struct {
	seq atomic.Uint64

	mu      sync.Mutex
	pending map[gpubroker.FenceID]*Fence
	retired map[gpubroker.FenceID]struct{}
	retireQ []gpubroker.FenceID
	lastReg map[gpubroker.ContextID]gpubroker.FenceID
	closed  bool

	retiredCap int
	sink       Sink
	onError    func(error)

	notifyCh chan notification
	drainWG  sync.WaitGroup
	sendWG   sync.WaitGroup
}

type notification struct {
	ctx gpubroker.ContextID
	seq gpubroker.FenceID
}

// NewHandler creates a fence handler.
func NewHandler(opts Options) *Handler {
	retain := opts.RetiredCap
	if retain <= 0 {
		retain = DefaultRetiredCap
	}
	h := &Handler{
		pending:    make(map[gpubroker.FenceID]*Fence),
		retired:    make(map[gpubroker.FenceID]struct{}),
		lastReg:    make(map[gpubroker.ContextID]gpubroker.FenceID),
		retiredCap: retain,
		sink:       opts.Sink,
		onError:    opts.OnError,
		notifyCh:   make(chan notification, 256),
	}
	if h.sink != nil {
		h.drainWG.Add(1)
		go h.drain()
	}
	return h
}

func (h *Handler) drain() {
	defer h.drainWG.Done()
	for n := range h.notifyCh {
		h.sink.FenceSignaled(n.ctx, n.seq)
	}
}

// NextSeq allocates the next sequence number on the global timeline.
// Sequence numbers are strictly increasing across all contexts.
func (h *Handler) NextSeq() gpubroker.FenceID {
	return gpubroker.FenceID(h.seq.Add(1))
}

// Register records a pending fence for work that was just accepted by a
// backend. The sequence must come from NextSeq; reusing a live or retired
// sequence is an invariant violation.
func (h *Handler) Register(ctx gpubroker.ContextID, seq gpubroker.FenceID) (*Fence, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, errors.Invariant(errors.OpFence, "handler closed")
	}
	if _, live := h.pending[seq]; live {
		return nil, errors.Invariant(errors.OpFence, "sequence %d already pending", seq)
	}
	if _, done := h.retired[seq]; done {
		return nil, errors.Invariant(errors.OpFence, "sequence %d already retired", seq)
	}
	if last := h.lastReg[ctx]; seq <= last {
		return nil, errors.Invariant(errors.OpFence,
			"sequence %d not after %d for context %d", seq, last, ctx)
	}

	f := newFence(ctx, seq)
	h.pending[seq] = f
	h.lastReg[ctx] = seq
	return f, nil
}

// Signal records completion for a sequence. Called by backends from
// whatever goroutine finishes the work. Duplicate signals for an
// already-signaled sequence are a no-op. A signal for a sequence that was
// never registered, or from a context that does not own it, is an
// invariant violation reported through OnError.
func (h *Handler) Signal(ctx gpubroker.ContextID, seq gpubroker.FenceID) {
	h.mu.Lock()

	if _, done := h.retired[seq]; done {
		h.mu.Unlock()
		return
	}

	f, ok := h.pending[seq]
	if !ok {
		h.mu.Unlock()
		h.reportError(errors.Invariant(errors.OpFence,
			"signal for unregistered sequence %d from context %d", seq, ctx))
		return
	}
	if ctx != 0 && f.ctx != ctx {
		h.mu.Unlock()
		h.reportError(errors.Invariant(errors.OpFence,
			"signal for sequence %d owned by context %d arrived from context %d", seq, f.ctx, ctx))
		return
	}

	delete(h.pending, seq)
	h.retire(seq)
	deliver := h.sink != nil && !h.closed
	if deliver {
		h.sendWG.Add(1)
	}
	h.mu.Unlock()

	f.signal()
	if deliver {
		h.notify(notification{ctx: f.ctx, seq: seq})
	}
}

// retire records a signaled sequence, evicting the oldest record once the
// retention bound is hit. Caller holds h.mu.
func (h *Handler) retire(seq gpubroker.FenceID) {
	h.retired[seq] = struct{}{}
	h.retireQ = append(h.retireQ, seq)
	for len(h.retireQ) > h.retiredCap {
		old := h.retireQ[0]
		h.retireQ = h.retireQ[1:]
		delete(h.retired, old)
	}
}

func (h *Handler) notify(n notification) {
	select {
	case h.notifyCh <- n:
		h.sendWG.Done()
	default:
		// Slow sink; hand off rather than block the signaling backend.
		go func() {
			h.notifyCh <- n
			h.sendWG.Done()
		}()
	}
}

func (h *Handler) reportError(err error) {
	if h.onError != nil {
		h.onError(err)
	}
}

// Poll reports the completion state of a sequence without blocking.
func (h *Handler) Poll(seq gpubroker.FenceID) State {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.pending[seq]; ok {
		return StatePending
	}
	if _, ok := h.retired[seq]; ok {
		return StateSignaled
	}
	return StateUnknown
}

// Lookup returns the live fence for a pending sequence.
func (h *Handler) Lookup(seq gpubroker.FenceID) (*Fence, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	f, ok := h.pending[seq]
	return f, ok
}

// Observe marks a retired sequence as seen by the guest, releasing its
// retained record. Observing a pending or unknown sequence is a no-op.
func (h *Handler) Observe(seq gpubroker.FenceID) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.retired[seq]; !ok {
		return
	}
	delete(h.retired, seq)
	for i, s := range h.retireQ {
		if s == seq {
			h.retireQ = append(h.retireQ[:i], h.retireQ[i+1:]...)
			break
		}
	}
}

// Pending returns the number of unsignaled fences.
func (h *Handler) Pending() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.pending)
}

// Close signals all pending fences so no waiter hangs across teardown,
// then stops notification delivery.
func (h *Handler) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	fences := make([]*Fence, 0, len(h.pending))
	for seq, f := range h.pending {
		fences = append(fences, f)
		delete(h.pending, seq)
		h.retire(seq)
	}
	h.mu.Unlock()

	for _, f := range fences {
		f.signal()
	}

	if h.sink != nil {
		h.sendWG.Wait()
		close(h.notifyCh)
		h.drainWG.Wait()
	}
	return nil
}
