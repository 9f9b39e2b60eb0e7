package vimutex

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// Mutex provides mutual exclusion for threads without a kernel
// futex. The zero value is an unlocked mutex.
//
// head is the newest contender, or nil when the mutex is free. Every
// contender links to the one that arrived before it, so the chain
// runs newest to oldest and ends at the holder. Release hands the
// lock to the node linking to the holder, which makes grants FIFO
// although the chain is pushed like a stack.
type Mutex struct {
	noCopy noCopy
	name   string
	head   atomic.Pointer[Thread]
	holder atomic.Pointer[Thread] // for assertions only
}

// NewMutex returns an unlocked mutex with a diagnostic name.
func NewMutex(name string) *Mutex {
	return &Mutex{name: name}
}

func (m *Mutex) String() string {
	if m.name != "" {
		return m.name
	}
	return fmt.Sprintf("mutex@%p", m)
}

// Acquire locks m for t, suspending t until every thread that
// arrived before it has released. It panics if t cannot get a mutex
// channel, since it could never be woken without one.
func (m *Mutex) Acquire(t *Thread) {
	if debug {
		if t.waitingFor.Load() != nil {
			violation("acquire", t, m, "thread is already queued on a mutex")
		}
		if t.FetchEvents(MutexEvent) != 0 {
			violation("acquire", t, m, "stale mutex wakeup pending")
		}
	}

	if _, err := t.EnsureChannel(); err != nil {
		panic(err)
	}

	var old *Thread
	for {
		old = m.head.Load()
		t.waitingFor.Store(old)
		if m.head.CompareAndSwap(old, t) {
			break
		}
	}

	// t.waitingFor cannot be tested here: the previous holder may
	// already have cleared it.
	if old != nil {
		t.Logf("CONTEND %v", m)
		if debug {
			m.checkSelfLoop(t, old)
		}
		t.mutexBlock(m)
	}

	m.holder.Store(t)
	t.Logf("ACQUIRE %v", m)
}

// checkSelfLoop walks the chain behind t and fails if it leads back
// to t. The walk stops at the recorded holder, whose link belongs to
// whatever mutex it waits on next, so cycles through other mutexes go
// unnoticed.
func (m *Mutex) checkSelfLoop(t, old *Thread) {
	holder := m.holder.Load()
	for cur := old; cur != nil; cur = cur.waitingFor.Load() {
		if cur == t {
			// A running thread is only behind itself if it holds m.
			// Otherwise the chain was handed off and re-pushed while
			// we walked it.
			if m.holder.Load() == t {
				violation("acquire", t, m, "deadlock: thread waits on itself")
			}
			return
		}
		if cur == holder {
			return
		}
	}
}

// Release unlocks m. t must be the holder. If other threads are
// queued, the one that arrived first is woken and becomes the holder.
func (m *Mutex) Release(t *Thread) {
	if debug {
		if m.holder.Load() != t {
			violation("release", t, m, fmt.Sprintf("holder is %v", m.holder.Load()))
		}
		if m.head.Load() == nil {
			violation("release", t, m, "mutex is not locked")
		}
	}
	m.holder.Store(nil)
	t.Logf("RELEASE %v", m)

	// Uncontended: nobody pushed since t became the holder.
	if m.head.Load() == t && m.head.CompareAndSwap(t, nil) {
		return
	}

	// New arrivals only push in front of head, so the scan cannot miss
	// the successor. Only the holder ever writes another thread's link.
	n := m.head.Load()
	for next := n.waitingFor.Load(); next != nil && next != t; next = n.waitingFor.Load() {
		n = next
	}
	if n.waitingFor.Load() != t {
		violation("release", t, m, "successor not found in wait chain")
	}

	n.waitingFor.Store(nil)
	t.Logf("HANDOFF %v -> %v", m, n)
	n.mutexWakeup(t, m)
}

// Holder returns the thread recorded as holding m, or nil.
func (m *Mutex) Holder() *Thread {
	return m.holder.Load()
}

// Locked reports whether any thread holds or waits for m.
func (m *Mutex) Locked() bool {
	return m.head.Load() != nil
}

// WaitCount returns the number of threads queued behind the holder.
// The result is a snapshot and only exact while the chain is quiet.
func (m *Mutex) WaitCount() int {
	n := 0
	for cur := m.head.Load(); cur != nil; cur = cur.waitingFor.Load() {
		n++
	}
	if n > 0 {
		n--
	}
	return n
}

// Locker adapts m to sync.Locker for thread t.
func (m *Mutex) Locker(t *Thread) sync.Locker {
	return &threadLocker{m: m, t: t}
}

type threadLocker struct {
	m *Mutex
	t *Thread
}

func (l *threadLocker) Lock()   { l.m.Acquire(l.t) }
func (l *threadLocker) Unlock() { l.m.Release(l.t) }
