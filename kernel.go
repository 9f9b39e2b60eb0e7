package vimutex

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gammazero/deque"
)

const (
	// DefaultCapacity is the number of capability slots a kernel
	// provides when its constructor is given a non-positive size.
	DefaultCapacity = 4096
)

// Events is a bitmask of virtual interrupt events pending for a
// thread.
type Events uint32

const (
	// MutexEvent is the event bit reserved for mutex handoff wakeups.
	MutexEvent Events = 1 << 0

	// AllEvents matches every event bit.
	AllEvents Events = ^Events(0)
)

// Selector names a capability in a kernel's capability space. The
// low 32 bits are the slot, the high 32 bits count how often the slot
// was reused, so a stale selector never reaches the slot's next
// owner. Slot 0 is never handed out.
type Selector uint64

func (s Selector) slot() uint32 {
	return uint32(s)
}

// Kernel is the boundary between the runtime and whatever schedules
// its threads. Implementations decide how a thread is suspended and
// resumed; pending event bits always live in the Thread.
type Kernel interface {
	// CreateChannel binds a new capability to handler. Posting it
	// raises events in handler and, if recall is not nil, invokes
	// recall's recall handler. It fails with ErrExhausted when no
	// slot is free.
	CreateChannel(handler, recall *Thread, events Events) (Selector, error)

	// DestroyChannel frees the slot. Later posts to sel are dropped.
	DestroyChannel(sel Selector)

	// Post delivers the events bound to sel. It never blocks.
	Post(sel Selector)

	// Wait suspends t until one of mask is pending and returns the
	// matching pending bits without consuming them. Only t itself
	// may call Wait.
	Wait(t *Thread, mask Events) Events

	// Attach and Detach set up and tear down per-thread state.
	Attach(t *Thread) error
	Detach(t *Thread)

	// Start runs fn as the body of t.
	Start(t *Thread, fn func())

	// Yield gives other threads a chance to run.
	Yield(t *Thread)

	// Join waits until every started thread has returned.
	Join(ctx context.Context) error
}

// capEntry is a live capability slot.
type capEntry struct {
	sel     Selector
	handler *Thread
	recall  *Thread
	events  Events
}

// capSpace is the capability table shared by the kernel
// implementations. Allocation is serialized; lookups on the post path
// are a single atomic load.
type capSpace struct {
	mu    sync.Mutex
	slots []atomic.Pointer[capEntry]
	gens  []uint32
	free  deque.Deque[uint32]
	next  uint32
}

func newCapSpace(caps int) *capSpace {
	if caps <= 0 {
		caps = DefaultCapacity
	}
	// slot 0 is reserved
	return &capSpace{
		slots: make([]atomic.Pointer[capEntry], caps+1),
		gens:  make([]uint32, caps+1),
		next:  1,
	}
}

func (cs *capSpace) alloc(handler, recall *Thread, events Events) (Selector, error) {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	var slot uint32
	switch {
	case cs.free.Len() > 0:
		slot = cs.free.PopFront()
	case int(cs.next) < len(cs.slots):
		slot = cs.next
		cs.next++
	default:
		return 0, ErrExhausted
	}

	sel := Selector(cs.gens[slot])<<32 | Selector(slot)
	cs.slots[slot].Store(&capEntry{sel: sel, handler: handler, recall: recall, events: events})
	return sel, nil
}

func (cs *capSpace) lookup(sel Selector) *capEntry {
	slot := sel.slot()
	if slot == 0 || int(slot) >= len(cs.slots) {
		return nil
	}
	if e := cs.slots[slot].Load(); e != nil && e.sel == sel {
		return e
	}
	return nil
}

func (cs *capSpace) release(sel Selector) {
	slot := sel.slot()
	if slot == 0 || int(slot) >= len(cs.slots) {
		return
	}

	cs.mu.Lock()
	defer cs.mu.Unlock()

	if e := cs.slots[slot].Load(); e == nil || e.sel != sel {
		return
	}
	cs.slots[slot].Store(nil)
	cs.gens[slot]++
	cs.free.PushBack(slot)
}

// inUse returns the number of live slots.
func (cs *capSpace) inUse() int {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return int(cs.next) - 1 - cs.free.Len()
}

// deliver raises the entry's events in its handler and returns the
// handler so the caller can wake it. The recall hook, if any, runs on
// the posting thread and must not block.
func (e *capEntry) deliver() *Thread {
	e.handler.raise(e.events)
	if e.recall != nil {
		e.recall.recalled(e.sel)
	}
	return e.handler
}

// NewKernel returns a parallel kernel by name: "go" for GoKernel or
// "futex" for FutexKernel.
func NewKernel(name string, caps int) (Kernel, error) {
	switch name {
	case "go":
		return NewGoKernel(caps), nil
	case "futex":
		return NewFutexKernel(caps), nil
	default:
		return nil, fmt.Errorf("vimutex: unknown kernel %q", name)
	}
}
