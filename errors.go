package vimutex

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrExhausted is returned when a kernel has no free capability
	// slot left for a new channel.
	ErrExhausted = errors.New("vimutex: capability space exhausted")

	// ErrClosed is returned when operating on a torn down thread or
	// channel.
	ErrClosed = errors.New("vimutex: closed")

	// ErrReserved is returned when a channel asks for MutexEvent,
	// which only a thread's own mutex channel may raise.
	ErrReserved = errors.New("vimutex: reserved event")

	// ErrDeadlock is reported by the simulator when every live thread
	// is blocked and nothing is runnable.
	ErrDeadlock = errors.New("vimutex: deadlock")
)

// ProtocolError is the panic value for broken mutex and channel
// invariants. It is never returned as an ordinary error.
type ProtocolError struct {
	Op     string
	Thread *Thread
	Mutex  *Mutex
	Msg    string
}

func (e *ProtocolError) Error() string {
	var sb strings.Builder
	sb.WriteString("vimutex: ")
	sb.WriteString(e.Op)
	if e.Mutex != nil {
		fmt.Fprintf(&sb, " %v", e.Mutex)
	}
	if e.Thread != nil {
		fmt.Fprintf(&sb, " by %v", e.Thread)
	}
	sb.WriteString(": ")
	sb.WriteString(e.Msg)
	return sb.String()
}

func violation(op string, t *Thread, m *Mutex, msg string) {
	panic(&ProtocolError{Op: op, Thread: t, Mutex: m, Msg: msg})
}

// DeadlockError names the threads found blocked when the simulator
// ran out of runnable threads.
type DeadlockError struct {
	Blocked []*Thread
}

func (e *DeadlockError) Error() string {
	names := make([]string, len(e.Blocked))
	for i, t := range e.Blocked {
		names[i] = t.String()
	}
	return fmt.Sprintf("%v: blocked threads [%s]", ErrDeadlock, strings.Join(names, " "))
}

func (e *DeadlockError) Unwrap() error {
	return ErrDeadlock
}
