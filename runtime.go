package vimutex

import (
	"cmp"
	"context"
	"fmt"
	"runtime/trace"
	"slices"
	"sync"
	"sync/atomic"
)

// Runtime is the thread registry. It hands out threads bound to one
// Kernel and creates the channels they communicate through.
type Runtime struct {
	kernel  Kernel
	ids     atomic.Uint64
	mu      sync.Mutex
	threads map[uint64]*Thread
}

// NewRuntime creates a registry whose threads are scheduled by
// kernel.
func NewRuntime(kernel Kernel) *Runtime {
	return &Runtime{
		kernel:  kernel,
		threads: make(map[uint64]*Thread),
	}
}

// Kernel returns the kernel the runtime schedules on.
func (rt *Runtime) Kernel() Kernel {
	return rt.kernel
}

// NewThread registers a thread without starting a body for it. With
// the goroutine kernels the caller's goroutine may adopt it and use it
// as its own identity. Close it when done.
func (rt *Runtime) NewThread(ctx context.Context, name string) (*Thread, error) {
	t := &Thread{
		id:   rt.ids.Add(1),
		name: name,
		rt:   rt,
	}

	ctx, t.tracer = trace.NewTask(ctx, threadTraceTaskType)
	t.ctx = withThreadContext(ctx, t)

	if err := rt.kernel.Attach(t); err != nil {
		t.tracer.End()
		return nil, fmt.Errorf("vimutex: attach thread %v: %w", t, err)
	}

	rt.mu.Lock()
	rt.threads[t.id] = t
	rt.mu.Unlock()

	t.Log("CREATE")
	return t, nil
}

// Go creates a thread and starts fn as its body. The thread is closed
// when fn returns normally.
func (rt *Runtime) Go(ctx context.Context, name string, fn func(context.Context, *Thread)) (*Thread, error) {
	t, err := rt.NewThread(ctx, name)
	if err != nil {
		return nil, err
	}

	rt.kernel.Start(t, func() {
		region := trace.StartRegion(t.ctx, threadTraceRegionType)
		defer region.End()

		t.Log("START")
		fn(t.ctx, t)
		t.Log("EXIT")
		if err := t.Close(); err != nil {
			t.Logf("CLOSE %v", err)
		}
	})

	return t, nil
}

// NewChannel creates a channel that raises events in handler. recall
// may be nil; otherwise its recall handler runs on every trigger.
// MutexEvent is reserved for the channel behind Thread.EnsureChannel.
// The channel is closed at the latest when handler is closed.
func (rt *Runtime) NewChannel(handler, recall *Thread, events Events) (*Channel, error) {
	if events&MutexEvent != 0 {
		return nil, fmt.Errorf("vimutex: create channel for %v with events %#x: %w", handler, events, ErrReserved)
	}
	return rt.newChannel(handler, recall, events)
}

func (rt *Runtime) newChannel(handler, recall *Thread, events Events) (*Channel, error) {
	sel, err := rt.kernel.CreateChannel(handler, recall, events)
	if err != nil {
		return nil, err
	}

	c := &Channel{
		kernel:  rt.kernel,
		sel:     sel,
		handler: handler,
		recall:  recall,
		events:  events,
	}
	if !handler.adopt(c) {
		c.Close()
		return nil, fmt.Errorf("vimutex: create channel for %v: %w", handler, ErrClosed)
	}
	return c, nil
}

// Threads returns the live threads ordered by creation.
func (rt *Runtime) Threads() []*Thread {
	rt.mu.Lock()
	threads := make([]*Thread, 0, len(rt.threads))
	for _, t := range rt.threads {
		threads = append(threads, t)
	}
	rt.mu.Unlock()

	slices.SortFunc(threads, func(a, b *Thread) int {
		return cmp.Compare(a.id, b.id)
	})
	return threads
}

// Wait blocks until every thread started with Go has returned, or
// the kernel gives up. The simulator kernel runs its scheduler here.
func (rt *Runtime) Wait(ctx context.Context) error {
	return rt.kernel.Join(ctx)
}

func (rt *Runtime) remove(t *Thread) {
	rt.mu.Lock()
	delete(rt.threads, t.id)
	rt.mu.Unlock()
}
