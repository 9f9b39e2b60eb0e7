package vimutex

import (
	"fmt"
	"sync/atomic"
)

// Channel is a virtual interrupt: a capability that lets any thread
// raise a fixed set of events in one handler thread. Trigger never
// blocks. Only the handler may Block on it. Delivery is at least
// once, so handlers re-check their own state after waking.
type Channel struct {
	kernel  Kernel
	sel     Selector
	handler *Thread
	recall  *Thread
	events  Events
	closed  atomic.Bool
}

// Selector returns the capability slot of the channel.
func (c *Channel) Selector() Selector {
	return c.sel
}

// Handler returns the thread the channel delivers to.
func (c *Channel) Handler() *Thread {
	return c.handler
}

// Events returns the bits the channel raises.
func (c *Channel) Events() Events {
	return c.events
}

func (c *Channel) String() string {
	return fmt.Sprintf("vi:%d->%v/%#x", c.sel, c.handler, c.events)
}

// Trigger posts the channel's events to its handler and returns
// immediately. Triggering a closed channel does nothing.
func (c *Channel) Trigger() {
	if c.closed.Load() {
		return
	}
	c.kernel.Post(c.sel)
}

// Block suspends t, which must be the handler, until one of the
// channel's events is pending. It returns the pending matching bits
// without consuming them.
func (c *Channel) Block(t *Thread) Events {
	if t != c.handler {
		violation("block", t, nil, fmt.Sprintf("not the handler of %v", c))
	}
	t.Logf("BLOCK %v", c)
	return c.kernel.Wait(t, c.events)
}

// Close releases the capability slot.
func (c *Channel) Close() {
	if c.closed.CompareAndSwap(false, true) {
		c.kernel.DestroyChannel(c.sel)
		c.handler.disown(c)
	}
}
