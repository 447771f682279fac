// Package fence converts backend-specific completion signals into a single
// monotonic fence-id space visible to the guest.
//
// Sequence numbers are allocated per broker instance, not per context, so a
// single global completion timeline is exposed even though multiple contexts
// submit concurrently. Within one context the backend preserves FIFO order;
// the handler verifies registration monotonicity and never reorders.
//
// Signal is safe from any goroutine and returns as soon as state is
// recorded; guest notification is delivered asynchronously through a Sink.
package fence
