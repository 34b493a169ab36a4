package pipeline

import (
	"sync/atomic"
	"time"
)

// outletPolicy selects what happens when an outlet's channel is full.
type outletPolicy int

const (
	// policyBlock waits for the consumer up to a timeout and never drops.
	// A timeout marks the consumer disconnected and disables the outlet —
	// the pipeline keeps feeding the other path.
	policyBlock outletPolicy = iota

	// policyDropOldest evicts the oldest queued value to make room. A live
	// consumer benefits more from freshness than completeness.
	policyDropOldest
)

// outlet is one fan-out path: a bounded channel plus an overflow policy.
// Each subscriber gets its own outlet so a slow consumer on one path can
// never stall the other. send is called only from the window loop; the
// counters are atomic because Snapshot reads them from other goroutines.
type outlet[T any] struct {
	ch      chan T
	policy  outletPolicy
	timeout time.Duration // policyBlock only
	stop    <-chan struct{}

	emitted      atomic.Uint64
	drops        atomic.Uint64
	disconnected atomic.Bool

	// onDisconnect is invoked once, when a policyBlock send times out.
	onDisconnect func()
	// onDrop is invoked for every value evicted or rejected under
	// policyDropOldest.
	onDrop func()
}

func newOutlet[T any](size int, policy outletPolicy, timeout time.Duration, stop <-chan struct{}) *outlet[T] {
	return &outlet[T]{
		ch:      make(chan T, size),
		policy:  policy,
		timeout: timeout,
		stop:    stop,
	}
}

// send delivers v according to the outlet's policy. It reports whether the
// value reached the channel.
func (o *outlet[T]) send(v T) bool {
	if o.disconnected.Load() {
		return false
	}

	// Fast path: room available.
	select {
	case o.ch <- v:
		o.emitted.Add(1)
		return true
	default:
	}

	switch o.policy {
	case policyDropOldest:
		// Evict the oldest queued value, then retry once. A racing
		// consumer may empty the channel in between; both selects stay
		// non-blocking.
		select {
		case <-o.ch:
			o.drops.Add(1)
			if o.onDrop != nil {
				o.onDrop()
			}
		default:
		}
		select {
		case o.ch <- v:
			o.emitted.Add(1)
			return true
		default:
			o.drops.Add(1)
			if o.onDrop != nil {
				o.onDrop()
			}
			return false
		}

	default: // policyBlock
		timer := time.NewTimer(o.timeout)
		defer timer.Stop()
		select {
		case o.ch <- v:
			o.emitted.Add(1)
			return true
		case <-o.stop:
			return false
		case <-timer.C:
			o.disconnected.Store(true)
			if o.onDisconnect != nil {
				o.onDisconnect()
			}
			return false
		}
	}
}

// close closes the outlet channel. Call only after the window loop has
// exited.
func (o *outlet[T]) close() {
	close(o.ch)
}
