package vimutex

import (
	"context"
	"runtime/trace"

	"github.com/gammazero/deque"
	"github.com/webriots/coro"
)

// Sim is a deterministic kernel. Every thread body runs as a
// coroutine and exactly one runs at a time; a thread only gives up
// the processor when it blocks or yields. Runnable threads are served
// in FIFO order, so a test fixes an interleaving by placing Yield
// calls. When nothing is runnable but started threads remain, Join
// reports a *DeadlockError.
//
// A Sim is not safe for use by multiple goroutines; all of its
// threads and the goroutine calling Join share it in turn.
type Sim struct {
	kernelBase
	runq    deque.Deque[*simThread]
	threads []*simThread
	current *simThread
	steps   int
}

type simThread struct {
	t       *Thread
	resume  func(struct{}) (struct{}, bool)
	cancel  func()
	suspend func() struct{}
	blocked Events
	queued  bool
	started bool
	done    bool
}

// NewSim creates a simulator with caps capability slots, or
// DefaultCapacity if caps <= 0.
func NewSim(caps int) *Sim {
	return &Sim{kernelBase: kernelBase{caps: newCapSpace(caps)}}
}

func (s *Sim) Attach(t *Thread) error {
	st := &simThread{t: t}
	t.kstate = st
	s.threads = append(s.threads, st)
	return nil
}

func (s *Sim) Detach(*Thread) {}

func (s *Sim) Start(t *Thread, fn func()) {
	st := t.kstate.(*simThread)
	st.resume, st.cancel = coro.New(
		func(_ func(struct{}) struct{}, suspend func() struct{}) (z struct{}) {
			st.suspend = suspend
			fn()
			return
		},
	)
	st.started = true
	s.ready(st)
}

func (s *Sim) Post(sel Selector) {
	e := s.caps.lookup(sel)
	if e == nil {
		return
	}

	h := e.deliver()
	st, ok := h.kstate.(*simThread)
	if !ok || st.blocked == 0 {
		return
	}
	if h.PendingEvents()&st.blocked != 0 {
		st.blocked = 0
		s.ready(st)
	}
}

func (s *Sim) Wait(t *Thread, mask Events) Events {
	st := s.self(t, "block")
	for {
		if ev := t.PendingEvents() & mask; ev != 0 {
			return ev
		}
		st.blocked = mask
		st.suspend()
	}
}

func (s *Sim) Yield(t *Thread) {
	st := s.self(t, "yield")
	s.ready(st)
	st.suspend()
}

// Join runs the scheduler until no thread is runnable.
func (s *Sim) Join(ctx context.Context) error {
	for s.runq.Len() > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}

		st := s.runq.PopFront()
		st.queued = false
		s.steps++

		trace.Logf(ctx, traceCategory, "SIM RUN %v", st.t)
		s.run(st)
	}

	if blocked := s.Blocked(); len(blocked) > 0 {
		trace.Logf(ctx, traceCategory, "SIM DEADLOCK %d", len(blocked))
		return &DeadlockError{Blocked: blocked}
	}
	return nil
}

// run resumes st until it blocks, yields or returns. A panic in the
// thread body is passed on to the caller of Join.
func (s *Sim) run(st *simThread) {
	s.current = st
	defer func() {
		s.current = nil
		if p := recover(); p != nil {
			st.done = true
			panic(p)
		}
	}()

	if _, alive := st.resume(struct{}{}); !alive {
		st.done = true
	}
}

// Blocked returns the started threads that have not finished and are
// not runnable, in creation order.
func (s *Sim) Blocked() []*Thread {
	var blocked []*Thread
	for _, st := range s.threads {
		if st.started && !st.done && !st.queued {
			blocked = append(blocked, st.t)
		}
	}
	return blocked
}

// Steps returns how many times the scheduler resumed a thread.
func (s *Sim) Steps() int {
	return s.steps
}

// Close cancels the coroutines of threads that never finished, such
// as those left behind by a deadlock.
func (s *Sim) Close() {
	for _, st := range s.threads {
		if st.started && !st.done {
			st.done = true
			st.cancel()
		}
	}
	s.runq.Clear()
}

func (s *Sim) ready(st *simThread) {
	if st.queued || st.done {
		return
	}
	st.queued = true
	s.runq.PushBack(st)
}

func (s *Sim) self(t *Thread, op string) *simThread {
	st, ok := t.kstate.(*simThread)
	if !ok || st != s.current {
		violation(op, t, nil, "not the running simulated thread")
	}
	return st
}
