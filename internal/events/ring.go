// Package events provides the bounded event channels used by every
// notification surface in this module. Producers never block: when a
// buffer fills up, the oldest event is discarded in favour of the new one,
// so a slow consumer can delay delivery but never stall a transport.
package events

import "sync/atomic"

// Ring is a bounded channel-like buffer with overwrite-oldest semantics.
//
// Writers use Send or TrySend. Readers can use C() for a normal <-chan T,
// or Receive()/TryReceive().
type Ring[T any] struct {
	ch      chan T
	metrics Metrics
}

// NewRing creates a Ring with the given capacity.
func NewRing[T any](capacity int) *Ring[T] {
	if capacity <= 0 {
		panic("events: ring capacity must be > 0")
	}
	return &Ring[T]{ch: make(chan T, capacity)}
}

// C returns the underlying receive-only channel.
// Consumers can range over this until it's closed.
func (r *Ring[T]) C() <-chan T {
	return r.ch
}

// Send inserts an item, discarding the oldest buffered one if the ring is
// full. It never blocks. Returns true if an event was dropped to make room.
func (r *Ring[T]) Send(v T) bool {
	dropped := false

	// Drop-oldest and insert are separate channel operations, so a
	// concurrent producer can refill the slot in between; retry until the
	// insert lands rather than committing to a blocking send.
	for {
		select {
		case r.ch <- v:
			r.metrics.addWritten(1)
			return dropped
		default:
		}
		select {
		case <-r.ch: // drop oldest
			r.metrics.addOverwritten(1)
			dropped = true
		default:
		}
	}
}

// TrySend attempts to insert without blocking.
// Returns true if successful, false if the buffer is full.
func (r *Ring[T]) TrySend(v T) bool {
	select {
	case r.ch <- v:
		r.metrics.addWritten(1)
		return true
	default:
		return false
	}
}

// Receive blocks until a value is available or the ring is closed.
// The ok result is false if the ring is closed.
func (r *Ring[T]) Receive() (v T, ok bool) {
	v, ok = <-r.ch
	if ok {
		r.metrics.addProcessed(1)
	}
	return
}

// TryReceive attempts a non-blocking receive.
// Returns (zero, false) if no value is ready.
func (r *Ring[T]) TryReceive() (v T, ok bool) {
	select {
	case v, ok = <-r.ch:
		if ok {
			r.metrics.addProcessed(1)
		}
		return
	default:
		var zero T
		return zero, false
	}
}

// Len returns the number of buffered elements.
func (r *Ring[T]) Len() int {
	return len(r.ch)
}

// Cap returns the ring capacity.
func (r *Ring[T]) Cap() int {
	return cap(r.ch)
}

// Close closes the underlying channel. After this, Send panics.
func (r *Ring[T]) Close() {
	close(r.ch)
}

// GetMetrics returns a snapshot of current counter values.
func (r *Ring[T]) GetMetrics() Metrics {
	return Metrics{
		Processed:   atomic.LoadInt64(&r.metrics.Processed),
		Written:     atomic.LoadInt64(&r.metrics.Written),
		Overwritten: atomic.LoadInt64(&r.metrics.Overwritten),
	}
}

// Metrics provides lock-free counters for a Ring.
type Metrics struct {
	Processed   int64
	Written     int64
	Overwritten int64
}

func (m *Metrics) addProcessed(n int) {
	atomic.AddInt64(&m.Processed, int64(n))
}

func (m *Metrics) addWritten(n int) {
	atomic.AddInt64(&m.Written, int64(n))
}

func (m *Metrics) addOverwritten(n int) {
	atomic.AddInt64(&m.Overwritten, int64(n))
}
