// Package vimutex provides a user-level blocking mutex for runtimes
// that cannot rely on a kernel futex, together with the cross-thread
// wakeup primitive it is built on.
//
// Key components:
//
//   - Channel: A capability-scoped "virtual interrupt". Any thread
//     may Trigger it without blocking; only its handler thread may
//     Block on it.
//
//   - Thread: A schedulable execution context. It owns a wait-queue
//     link, a lazily created mutex Channel and a consumable mask of
//     pending events.
//
//   - Mutex: A non-reentrant lock whose only shared word is the head
//     of a lock-free push chain of contending threads. Acquire pushes
//     with compare-and-swap; Release scans the chain for the thread
//     that arrived right after the holder and wakes it, so grants are
//     strictly FIFO.
//
//   - Kernel: The runtime boundary that allocates channels, posts
//     events and suspends threads. GoKernel and FutexKernel run
//     threads as goroutines; Sim runs them as coroutines on a
//     deterministic scheduler that can observe deadlocks.
//
//   - Runtime: The thread registry that ties threads to a Kernel.
//
// Protocol violations (reentrant acquire, release by a non-holder,
// stray wakeup events) panic with a *ProtocolError unless the package
// is built with the vimutex_nodebug tag.
package vimutex
