package download

import "sync/atomic"

// Lifecycle reference-counts outstanding transfers for whatever hosts the
// manager. Acquire is called when a transfer is accepted and Release exactly
// once when it reaches a terminal state.
type Lifecycle interface {
	Acquire()
	Release()
}

// Counter is the default Lifecycle. When the count drops back to zero it
// invokes the idle callback, which a host may use to decide shutdown. The
// manager never exits the process itself.
type Counter struct {
	n      atomic.Int64
	onIdle func()
}

// NewCounter returns a Counter that calls onIdle (if non-nil) each time the
// count returns to zero.
func NewCounter(onIdle func()) *Counter {
	return &Counter{onIdle: onIdle}
}

func (c *Counter) Acquire() {
	c.n.Add(1)
}

func (c *Counter) Release() {
	n := c.n.Add(-1)
	if n < 0 {
		// unbalanced Release; clamp so later Acquires still count correctly
		c.n.CompareAndSwap(n, 0)
		return
	}
	if n == 0 && c.onIdle != nil {
		c.onIdle()
	}
}

// Outstanding returns the current count.
func (c *Counter) Outstanding() int64 {
	return c.n.Load()
}
