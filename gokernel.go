package vimutex

import (
	"context"
	"fmt"
	"runtime"
	"sync"
)

// kernelBase carries the capability space shared by all kernels.
type kernelBase struct {
	caps *capSpace
}

func (k *kernelBase) CreateChannel(handler, recall *Thread, events Events) (Selector, error) {
	if handler == nil {
		return 0, fmt.Errorf("vimutex: create channel: nil handler")
	}
	if events == 0 {
		return 0, fmt.Errorf("vimutex: create channel for %v: empty event mask", handler)
	}
	return k.caps.alloc(handler, recall, events)
}

func (k *kernelBase) DestroyChannel(sel Selector) {
	k.caps.release(sel)
}

// Channels returns the number of live channels.
func (k *kernelBase) Channels() int {
	return k.caps.inUse()
}

// goroutines runs thread bodies on goroutines.
type goroutines struct {
	wg sync.WaitGroup
}

func (g *goroutines) Start(_ *Thread, fn func()) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		fn()
	}()
}

func (g *goroutines) Yield(*Thread) {
	runtime.Gosched()
}

func (g *goroutines) Join(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// GoKernel runs threads as goroutines in parallel. A blocked thread
// parks on a one-slot wake channel; posts that find the slot full are
// merged, which is fine because waiters re-check their pending bits.
type GoKernel struct {
	kernelBase
	goroutines
}

type goThread struct {
	wake chan struct{}
}

// NewGoKernel creates a goroutine kernel with caps capability slots,
// or DefaultCapacity if caps <= 0.
func NewGoKernel(caps int) *GoKernel {
	return &GoKernel{kernelBase: kernelBase{caps: newCapSpace(caps)}}
}

func (k *GoKernel) Attach(t *Thread) error {
	t.kstate = &goThread{wake: make(chan struct{}, 1)}
	return nil
}

func (k *GoKernel) Detach(*Thread) {}

func (k *GoKernel) Post(sel Selector) {
	e := k.caps.lookup(sel)
	if e == nil {
		return
	}

	h := e.deliver()
	if gt, ok := h.kstate.(*goThread); ok {
		select {
		case gt.wake <- struct{}{}:
		default:
		}
	}
}

func (k *GoKernel) Wait(t *Thread, mask Events) Events {
	gt := t.kstate.(*goThread)
	for {
		if ev := t.PendingEvents() & mask; ev != 0 {
			return ev
		}
		<-gt.wake
	}
}
