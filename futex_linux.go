//go:build linux

package vimutex

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	futexWaitPrivate = 0 | 128
	futexWakePrivate = 1 | 128
)

// FutexKernel runs threads as goroutines and parks a blocked thread
// in the host kernel with FUTEX_WAIT on its pending event word.
type FutexKernel struct {
	kernelBase
	goroutines
}

// NewFutexKernel creates a futex kernel with caps capability slots,
// or DefaultCapacity if caps <= 0.
func NewFutexKernel(caps int) *FutexKernel {
	return &FutexKernel{kernelBase: kernelBase{caps: newCapSpace(caps)}}
}

func (k *FutexKernel) Attach(*Thread) error { return nil }
func (k *FutexKernel) Detach(*Thread)       {}

func (k *FutexKernel) Post(sel Selector) {
	e := k.caps.lookup(sel)
	if e == nil {
		return
	}

	h := e.deliver()
	if err := futexWake(unsafe.Pointer(&h.pending)); err != nil {
		panic(err)
	}
}

func (k *FutexKernel) Wait(t *Thread, mask Events) Events {
	for {
		v := t.pending.Load()
		if ev := Events(v) & mask; ev != 0 {
			return ev
		}
		if err := futexWait(unsafe.Pointer(&t.pending), v); err != nil {
			panic(err)
		}
	}
}

func futexWait(addr unsafe.Pointer, val uint32) error {
	_, _, e := unix.Syscall6(unix.SYS_FUTEX,
		uintptr(addr),
		uintptr(futexWaitPrivate),
		uintptr(val),
		0, 0, 0)
	return futexError("wait", e)
}

func futexWake(addr unsafe.Pointer) error {
	_, _, e := unix.Syscall6(unix.SYS_FUTEX,
		uintptr(addr),
		uintptr(futexWakePrivate),
		1, 0, 0, 0)
	return futexError("wake", e)
}

// futexError maps the errno of a futex call. EAGAIN means the word
// changed before the wait began and EINTR means a signal cut it
// short; the caller re-reads the word in both cases. Anything else
// leaves the thread without a wakeup path.
func futexError(op string, e unix.Errno) error {
	switch e {
	case 0, unix.EAGAIN, unix.EINTR:
		return nil
	default:
		return fmt.Errorf("vimutex: futex %s: %w", op, e)
	}
}
