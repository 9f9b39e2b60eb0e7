// Command mutex-torture hammers a single vimutex.Mutex from several
// threads and reports acquisitions per second. Any overlap inside the
// critical section aborts the program.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"sync/atomic"
	"time"

	"github.com/webriots/vimutex"
)

func main() {
	threads := flag.Int("threads", runtime.NumCPU(), "number of contending threads")
	kernel := flag.String("kernel", "futex", "kernel to run on: go or futex")
	interval := flag.Duration("interval", time.Second, "report interval")
	duration := flag.Duration("duration", 0, "stop after this long, 0 runs until interrupted")
	flag.Parse()

	k, err := vimutex.NewKernel(*kernel, 0)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if *duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *duration)
		defer cancel()
	}

	rt := vimutex.NewRuntime(k)
	mutex := vimutex.NewMutex("torture")

	var (
		acquireCount atomic.Uint64
		critical     atomic.Uint64
		perThread    = make([]atomic.Uint64, *threads)
	)

	fmt.Printf("Mutex stress test up.\n")
	for i := 0; i < *threads; i++ {
		id := uint64(i + 1)
		fmt.Printf("Starting thread %d.\n", id)

		_, err := rt.Go(ctx, "mutex-torture", func(ctx context.Context, t *vimutex.Thread) {
			for ctx.Err() == nil {
				mutex.Acquire(t)
				acq := acquireCount.Add(1)
				perThread[id-1].Add(1)

				if !critical.CompareAndSwap(0, id) {
					panic(fmt.Sprintf("thread %d entered while %d inside", id, critical.Load()))
				}
				if critical.Swap(0) != id || acquireCount.Load() != acq {
					panic(fmt.Sprintf("thread %d: critical section overlapped", id))
				}

				mutex.Release(t)
			}
		})
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	}

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	var last uint64
	for done := false; !done; {
		select {
		case <-ctx.Done():
			done = true
		case <-ticker.C:
		}

		cur := acquireCount.Load()
		fmt.Printf("acq %016x per-interval %08x critical %x\n", cur, cur-last, critical.Load())

		var sb strings.Builder
		for i := range perThread {
			fmt.Fprintf(&sb, "%16x ", perThread[i].Load())
		}
		fmt.Println(sb.String())
		last = cur
	}

	if err := rt.Wait(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
