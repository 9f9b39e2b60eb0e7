package vimutex

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newSimRuntime(t *testing.T) (*Runtime, *Sim) {
	sim := NewSim(0)
	t.Cleanup(sim.Close)
	return NewRuntime(sim), sim
}

func kernels() map[string]func() Kernel {
	return map[string]func() Kernel{
		"go":    func() Kernel { return NewGoKernel(0) },
		"futex": func() Kernel { return NewFutexKernel(0) },
	}
}

func protocolPanic(r *require.Assertions, fn func()) *ProtocolError {
	var perr *ProtocolError
	func() {
		defer func() {
			p := recover()
			r.NotNil(p, "expected a protocol violation")
			err, ok := p.(error)
			r.True(ok, "panic value %v is not an error", p)
			r.ErrorAs(err, &perr)
		}()
		fn()
	}()
	return perr
}

func TestMutexHandoff(t *testing.T) {
	r := require.New(t)
	rt, _ := newSimRuntime(t)
	ctx := context.Background()

	var m Mutex
	var order []string
	var t1, t2, t3 *Thread

	t1, err := rt.Go(ctx, "T1", func(_ context.Context, th *Thread) {
		m.Acquire(th)
		order = append(order, "T1")

		// Let T2 and T3 queue up.
		th.Yield()
		r.Equal(2, m.WaitCount())
		r.Same(t1, t2.WaitingFor())
		r.Same(t2, t3.WaitingFor())

		m.Release(th)
		r.Nil(t2.WaitingFor())
		r.Same(t2, t3.WaitingFor())
	})
	r.NoError(err)

	t2, err = rt.Go(ctx, "T2", func(_ context.Context, th *Thread) {
		m.Acquire(th)
		order = append(order, "T2")
		r.Same(th, m.Holder())
		r.Equal(1, m.WaitCount())

		m.Release(th)
		r.Nil(t3.WaitingFor())
	})
	r.NoError(err)

	t3, err = rt.Go(ctx, "T3", func(_ context.Context, th *Thread) {
		m.Acquire(th)
		order = append(order, "T3")
		r.Equal(0, m.WaitCount())
		m.Release(th)
	})
	r.NoError(err)

	r.NoError(rt.Wait(ctx))
	r.Equal([]string{"T1", "T2", "T3"}, order)
	r.False(m.Locked())
	r.Nil(m.Holder())
}

func TestMutexFIFO(t *testing.T) {
	r := require.New(t)
	rt, _ := newSimRuntime(t)
	ctx := context.Background()

	const n = 8
	m := NewMutex("fifo")
	var grants []int

	for i := 0; i < n; i++ {
		_, err := rt.Go(ctx, fmt.Sprintf("T%d", i), func(_ context.Context, th *Thread) {
			m.Acquire(th)
			grants = append(grants, i)
			if i == 0 {
				th.Yield()
				r.Equal(n-1, m.WaitCount())
			}
			m.Release(th)
		})
		r.NoError(err)
	}

	r.NoError(rt.Wait(ctx))
	r.Equal([]int{0, 1, 2, 3, 4, 5, 6, 7}, grants)
	r.False(m.Locked())
}

func TestMutexArrivalWhileReleasing(t *testing.T) {
	r := require.New(t)
	rt, _ := newSimRuntime(t)
	ctx := context.Background()

	m := NewMutex("late")
	var grants []string

	_, err := rt.Go(ctx, "holder", func(_ context.Context, th *Thread) {
		m.Acquire(th)
		grants = append(grants, "holder")
		th.Yield()
		th.Yield()
		m.Release(th)
	})
	r.NoError(err)

	_, err = rt.Go(ctx, "first", func(_ context.Context, th *Thread) {
		m.Acquire(th)
		grants = append(grants, "first")
		m.Release(th)
	})
	r.NoError(err)

	// Arrives after first has queued, so it sits at the head of the
	// chain and must still be served last.
	_, err = rt.Go(ctx, "second", func(_ context.Context, th *Thread) {
		th.Yield()
		m.Acquire(th)
		grants = append(grants, "second")
		m.Release(th)
	})
	r.NoError(err)

	r.NoError(rt.Wait(ctx))
	r.Equal([]string{"holder", "first", "second"}, grants)
}

func TestMutexSimExclusion(t *testing.T) {
	r := require.New(t)
	rt, sim := newSimRuntime(t)
	ctx := context.Background()

	const threads, iters = 5, 20
	m := NewMutex("sim")
	inside, total := 0, 0

	for i := 0; i < threads; i++ {
		_, err := rt.Go(ctx, fmt.Sprintf("T%d", i), func(_ context.Context, th *Thread) {
			for j := 0; j < iters; j++ {
				m.Acquire(th)
				inside++
				r.Equal(1, inside)
				th.Yield()
				total++
				inside--
				m.Release(th)
				th.Yield()
			}
		})
		r.NoError(err)
	}

	r.NoError(rt.Wait(ctx))
	r.Equal(threads*iters, total)
	r.False(m.Locked())
	r.Greater(sim.Steps(), threads*iters)
	r.Empty(rt.Threads())
}

func TestMutexExclusion(t *testing.T) {
	for name, newKernel := range kernels() {
		t.Run(name, func(t *testing.T) {
			r := require.New(t)
			rt := NewRuntime(newKernel())
			ctx := context.Background()

			const threads, iters = 8, 2000
			m := NewMutex("torture")
			var inside atomic.Int32
			total := 0

			for i := 0; i < threads; i++ {
				_, err := rt.Go(ctx, fmt.Sprintf("T%d", i), func(_ context.Context, th *Thread) {
					for j := 0; j < iters; j++ {
						m.Acquire(th)
						if inside.Add(1) != 1 {
							panic("two threads inside the critical section")
						}
						total++
						if j%64 == 0 {
							th.Yield()
						}
						inside.Add(-1)
						m.Release(th)
					}
				})
				r.NoError(err)
			}

			ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
			defer cancel()
			r.NoError(rt.Wait(ctx))
			r.Equal(threads*iters, total)
			r.False(m.Locked())
		})
	}
}

func TestMutexFIFOParallel(t *testing.T) {
	for name, newKernel := range kernels() {
		t.Run(name, func(t *testing.T) {
			r := require.New(t)
			rt := NewRuntime(newKernel())
			ctx := context.Background()

			owner, err := rt.NewThread(ctx, "owner")
			r.NoError(err)
			defer owner.Close()

			const n = 6
			m := NewMutex("fifo")
			var grants []int

			m.Acquire(owner)
			for i := 0; i < n; i++ {
				_, err := rt.Go(ctx, fmt.Sprintf("T%d", i), func(_ context.Context, th *Thread) {
					m.Acquire(th)
					grants = append(grants, i)
					m.Release(th)
				})
				r.NoError(err)
				r.Eventually(func() bool {
					return m.WaitCount() == i+1
				}, 5*time.Second, time.Millisecond)
			}
			m.Release(owner)

			ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			r.NoError(rt.Wait(ctx))
			r.Equal([]int{0, 1, 2, 3, 4, 5}, grants)
			r.False(m.Locked())
		})
	}
}

func TestMutexLocker(t *testing.T) {
	r := require.New(t)
	rt := NewRuntime(NewGoKernel(0))

	th, err := rt.NewThread(context.Background(), "main")
	r.NoError(err)
	defer th.Close()

	m := NewMutex("locker")
	l := m.Locker(th)
	l.Lock()
	r.True(m.Locked())
	r.Same(th, m.Holder())
	l.Unlock()
	r.False(m.Locked())
	r.Equal("locker", m.String())
}

func TestMutexReleaseUnheld(t *testing.T) {
	if !debug {
		t.Skip("protocol assertions disabled")
	}
	r := require.New(t)
	rt := NewRuntime(NewGoKernel(0))

	th, err := rt.NewThread(context.Background(), "main")
	r.NoError(err)
	defer th.Close()

	m := NewMutex("m")
	perr := protocolPanic(r, func() { m.Release(th) })
	r.Equal("release", perr.Op)
	r.Same(th, perr.Thread)
	r.Same(m, perr.Mutex)
	r.False(m.Locked())
	r.Nil(m.Holder())

	// Still usable afterwards.
	m.Acquire(th)
	m.Release(th)
	r.False(m.Locked())
}

func TestMutexReleaseByOther(t *testing.T) {
	if !debug {
		t.Skip("protocol assertions disabled")
	}
	r := require.New(t)
	rt := NewRuntime(NewGoKernel(0))
	ctx := context.Background()

	a, err := rt.NewThread(ctx, "a")
	r.NoError(err)
	defer a.Close()
	b, err := rt.NewThread(ctx, "b")
	r.NoError(err)
	defer b.Close()

	m := NewMutex("m")
	m.Acquire(a)
	perr := protocolPanic(r, func() { m.Release(b) })
	r.Equal("release", perr.Op)
	r.Same(a, m.Holder())

	m.Release(a)
	perr = protocolPanic(r, func() { m.Release(a) })
	r.Equal("release", perr.Op)
	r.False(m.Locked())
}

func TestMutexReentrant(t *testing.T) {
	if !debug {
		t.Skip("protocol assertions disabled")
	}
	r := require.New(t)
	rt := NewRuntime(NewGoKernel(0))

	th, err := rt.NewThread(context.Background(), "main")
	r.NoError(err)

	m := NewMutex("m")
	m.Acquire(th)
	perr := protocolPanic(r, func() { m.Acquire(th) })
	r.Equal("acquire", perr.Op)
	r.Contains(perr.Error(), "waits on itself")
}

func TestMutexSelfLoopThroughChain(t *testing.T) {
	if !debug {
		t.Skip("protocol assertions disabled")
	}
	r := require.New(t)
	rt, _ := newSimRuntime(t)
	ctx := context.Background()

	m := NewMutex("m")
	var perr *ProtocolError
	holder, err := rt.Go(ctx, "holder", func(_ context.Context, th *Thread) {
		m.Acquire(th)
		th.Yield()
		perr = protocolPanic(r, func() { m.Acquire(th) })

		// th is now linked into the chain for good; park it.
		th.Block(1 << 7)
	})
	r.NoError(err)
	waiter, err := rt.Go(ctx, "waiter", func(_ context.Context, th *Thread) {
		m.Acquire(th)
	})
	r.NoError(err)

	var derr *DeadlockError
	r.ErrorAs(rt.Wait(ctx), &derr)
	r.Equal([]*Thread{holder, waiter}, derr.Blocked)

	r.NotNil(perr)
	r.Equal("acquire", perr.Op)
	r.Same(holder, perr.Thread)
	r.Same(m, perr.Mutex)
	r.Contains(perr.Error(), "waits on itself")
}

func TestMutexSelfLoopAfterHandoff(t *testing.T) {
	r := require.New(t)
	rt := NewRuntime(NewGoKernel(0))
	ctx := context.Background()

	threads := map[string]*Thread{}
	for _, name := range []string{"a", "b", "t"} {
		th, err := rt.NewThread(ctx, name)
		r.NoError(err)
		threads[name] = th
	}
	a, b, self := threads["a"], threads["b"], threads["t"]

	// self queued behind b while walking from a; meanwhile the lock
	// went to a, then to b, and a pushed itself again in front of self.
	m := NewMutex("m")
	m.holder.Store(b)
	self.waitingFor.Store(b)
	a.waitingFor.Store(self)

	r.NotPanics(func() { m.checkSelfLoop(self, a) })

	if debug {
		m.holder.Store(self)
		perr := protocolPanic(r, func() { m.checkSelfLoop(self, a) })
		r.Contains(perr.Error(), "waits on itself")
	}
}

func TestMutexDeadlockNotDetected(t *testing.T) {
	r := require.New(t)
	rt, sim := newSimRuntime(t)
	ctx := context.Background()

	a, b := NewMutex("A"), NewMutex("B")
	t1, err := rt.Go(ctx, "T1", func(_ context.Context, th *Thread) {
		a.Acquire(th)
		th.Yield()
		b.Acquire(th)
		b.Release(th)
		a.Release(th)
	})
	r.NoError(err)
	t2, err := rt.Go(ctx, "T2", func(_ context.Context, th *Thread) {
		b.Acquire(th)
		th.Yield()
		a.Acquire(th)
		a.Release(th)
		b.Release(th)
	})
	r.NoError(err)

	err = rt.Wait(ctx)
	r.ErrorIs(err, ErrDeadlock)

	var derr *DeadlockError
	r.ErrorAs(err, &derr)
	r.Equal([]*Thread{t1, t2}, derr.Blocked)
	r.Equal([]*Thread{t1, t2}, sim.Blocked())
	r.Contains(err.Error(), "T1#")
	r.Same(t1, a.Holder())
	r.Same(t2, b.Holder())
	r.Same(t1, t2.WaitingFor())
	r.Same(t2, t1.WaitingFor())
}

func TestMutexChannelExhausted(t *testing.T) {
	r := require.New(t)
	k := NewGoKernel(1)
	rt := NewRuntime(k)
	ctx := context.Background()

	a, err := rt.NewThread(ctx, "a")
	r.NoError(err)
	b, err := rt.NewThread(ctx, "b")
	r.NoError(err)
	defer b.Close()

	m := NewMutex("m")
	m.Acquire(a)
	m.Release(a)
	r.Equal(1, k.Channels())

	func() {
		defer func() {
			p := recover()
			err, ok := p.(error)
			r.True(ok)
			r.ErrorIs(err, ErrExhausted)
		}()
		m.Acquire(b)
	}()
	r.False(m.Locked())
	r.Nil(b.WaitingFor())

	r.NoError(a.Close())
	r.Equal(0, k.Channels())

	m.Acquire(b)
	m.Release(b)
	r.Equal(1, k.Channels())
}
