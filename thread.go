package vimutex

import (
	"context"
	"fmt"
	"runtime/trace"
	"strings"
	"sync"
	"sync/atomic"
)

const (
	threadTraceTaskType   = "vimutex-thread"
	threadTraceRegionType = "vimutex-region"
	traceCategory         = "vimutex"
)

// noCopy may be embedded in structs that must not be copied after
// first use. go vet's copylocks check recognizes it by its Lock and
// Unlock methods.
type noCopy struct{}

func (*noCopy) Lock()   {}
func (*noCopy) Unlock() {}

// Thread is one schedulable execution context.
//
// waitingFor is the wait-queue link. It is written by the thread
// itself when it pushes onto a Mutex chain, and cleared exactly once
// by the holder that hands the lock to it. No other writer exists.
type Thread struct {
	noCopy noCopy

	id     uint64
	name   string
	rt     *Runtime
	ctx    context.Context
	tracer *trace.Task

	waitingFor atomic.Pointer[Thread]
	channel    atomic.Pointer[Channel]
	pending    atomic.Uint32
	recall     atomic.Pointer[func(Selector)]
	closed     atomic.Bool

	// handled holds every open channel delivering to this thread.
	chmu    sync.Mutex
	handled map[*Channel]struct{}

	// kstate is owned by the Kernel the thread is attached to.
	kstate any
}

// ID returns the registry identifier of the thread.
func (t *Thread) ID() uint64 {
	return t.id
}

// Name returns the diagnostic name of the thread.
func (t *Thread) Name() string {
	return t.name
}

func (t *Thread) String() string {
	if t == nil {
		return "<nil>"
	}
	return fmt.Sprintf("%s#%d", t.name, t.id)
}

// Context returns the context passed to the thread body. It carries
// the thread itself, see ThreadFromContext.
func (t *Thread) Context() context.Context {
	return t.ctx
}

// Runtime returns the registry that created the thread.
func (t *Thread) Runtime() *Runtime {
	return t.rt
}

// FetchEvents atomically clears the pending bits in mask and returns
// the ones that were set.
func (t *Thread) FetchEvents(mask Events) Events {
	for {
		old := t.pending.Load()
		if old&uint32(mask) == 0 {
			return 0
		}
		if t.pending.CompareAndSwap(old, old&^uint32(mask)) {
			return Events(old) & mask
		}
	}
}

// PendingEvents returns the pending bits without consuming them.
func (t *Thread) PendingEvents() Events {
	return Events(t.pending.Load())
}

// Block suspends the calling thread until one of mask is pending and
// returns the matching bits. The bits stay pending; use FetchEvents
// to consume them.
func (t *Thread) Block(mask Events) Events {
	t.Logf("BLOCK %#x", mask)
	return t.rt.kernel.Wait(t, mask)
}

// Yield lets other threads run.
func (t *Thread) Yield() {
	t.rt.kernel.Yield(t)
}

// SetRecallHandler installs fn as the hook run whenever a channel
// that names t as its recall thread is triggered. fn runs on the
// triggering thread and must not block.
func (t *Thread) SetRecallHandler(fn func(sel Selector)) {
	if fn == nil {
		t.recall.Store(nil)
		return
	}
	t.recall.Store(&fn)
}

func (t *Thread) recalled(sel Selector) {
	if fn := t.recall.Load(); fn != nil {
		(*fn)(sel)
	}
}

func (t *Thread) raise(ev Events) {
	t.pending.Or(uint32(ev))
}

// WaitingFor returns the thread t is queued behind, or nil.
func (t *Thread) WaitingFor() *Thread {
	return t.waitingFor.Load()
}

// EnsureChannel creates the thread's mutex channel if it does not
// exist yet. Concurrent callers agree on a single channel; a losing
// allocation is destroyed again.
func (t *Thread) EnsureChannel() (*Channel, error) {
	if c := t.channel.Load(); c != nil {
		return c, nil
	}

	if t.closed.Load() {
		return nil, fmt.Errorf("vimutex: thread %v: %w", t, ErrClosed)
	}

	c, err := t.rt.newChannel(t, nil, MutexEvent)
	if err != nil {
		return nil, fmt.Errorf("vimutex: thread %v mutex channel: %w", t, err)
	}

	if !t.channel.CompareAndSwap(nil, c) {
		c.Close()
		return t.channel.Load(), nil
	}

	t.Logf("CHANNEL %d", c.sel)
	return c, nil
}

// mutexBlock waits for the handoff from the previous holder. The
// releaser clears waitingFor before it triggers, so both are settled
// once the event is consumed.
func (t *Thread) mutexBlock(m *Mutex) {
	t.rt.kernel.Wait(t, MutexEvent)
	ev := t.FetchEvents(MutexEvent)

	if debug {
		if ev != MutexEvent {
			violation("acquire", t, m, "woken without a mutex event")
		}
		if t.waitingFor.Load() != nil {
			violation("acquire", t, m, "woken while still queued")
		}
	}
}

// mutexWakeup is run by from, the releasing holder, on its successor
// t. The atomic update of t's pending word orders every write of the
// critical section before t resumes.
func (t *Thread) mutexWakeup(from *Thread, m *Mutex) {
	if debug && from == t {
		violation("release", t, m, "thread woke itself")
	}

	c := t.channel.Load()
	if c == nil {
		violation("release", from, m, fmt.Sprintf("successor %v has no channel", t))
	}
	c.Trigger()
}

// Close tears the thread down and closes every channel it handles.
// It must not be queued on a mutex.
func (t *Thread) Close() error {
	if debug && t.waitingFor.Load() != nil {
		violation("close", t, nil, "thread is queued on a mutex")
	}

	if !t.closed.CompareAndSwap(false, true) {
		return fmt.Errorf("vimutex: thread %v: %w", t, ErrClosed)
	}

	t.channel.Store(nil)
	t.chmu.Lock()
	handled := make([]*Channel, 0, len(t.handled))
	for c := range t.handled {
		handled = append(handled, c)
	}
	t.chmu.Unlock()
	for _, c := range handled {
		c.Close()
	}

	t.rt.kernel.Detach(t)
	t.rt.remove(t)
	t.tracer.End()
	return nil
}

// adopt records c as delivering to t. It fails once t is closed.
func (t *Thread) adopt(c *Channel) bool {
	t.chmu.Lock()
	defer t.chmu.Unlock()

	if t.closed.Load() {
		return false
	}
	if t.handled == nil {
		t.handled = make(map[*Channel]struct{})
	}
	t.handled[c] = struct{}{}
	return true
}

func (t *Thread) disown(c *Channel) {
	t.chmu.Lock()
	delete(t.handled, c)
	t.chmu.Unlock()
}

func (t *Thread) Log(msg string) {
	if trace.IsEnabled() {
		var sb strings.Builder
		sb.WriteString(t.String())
		sb.WriteRune(' ')
		sb.WriteString(msg)
		trace.Log(t.ctx, traceCategory, sb.String())
	}
}

func (t *Thread) Logf(format string, args ...any) {
	if trace.IsEnabled() {
		var sb strings.Builder
		sb.WriteString(t.String())
		sb.WriteRune(' ')
		fmt.Fprintf(&sb, format, args...)
		trace.Log(t.ctx, traceCategory, sb.String())
	}
}
