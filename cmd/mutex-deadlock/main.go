// Command mutex-deadlock runs threads that nest two mutexes. With
// -order=same every thread takes A before B and the program keeps
// running. With -order=opposite half of the threads take B first;
// the mutex does not detect this and the program is expected to stop
// making progress.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/webriots/vimutex"
)

func main() {
	threads := flag.Int("threads", runtime.NumCPU(), "number of threads")
	kernel := flag.String("kernel", "futex", "kernel to run on: go or futex")
	order := flag.String("order", "opposite", "lock order: same or opposite")
	interval := flag.Duration("interval", time.Second, "report interval")
	duration := flag.Duration("duration", 10*time.Second, "how long to watch")
	flag.Parse()

	if *order != "same" && *order != "opposite" {
		fmt.Fprintf(os.Stderr, "unknown order %q\n", *order)
		os.Exit(2)
	}

	k, err := vimutex.NewKernel(*kernel, 0)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	rt := vimutex.NewRuntime(k)
	a, b := vimutex.NewMutex("A"), vimutex.NewMutex("B")
	var rounds atomic.Uint64

	fmt.Printf("Mutex deadlock test up.\n")
	for i := 0; i < *threads; i++ {
		m1, m2 := a, b
		if *order == "opposite" && i%2 == 1 {
			m1, m2 = b, a
		}
		fmt.Printf("Starting thread %d (%v then %v).\n", i, m1, m2)

		_, err := rt.Go(context.Background(), "mutex-deadlock", func(_ context.Context, t *vimutex.Thread) {
			for {
				m1.Acquire(t)
				m2.Acquire(t)

				m2.Release(t)
				m1.Release(t)
				rounds.Add(1)
			}
		})
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	}

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()
	deadline := time.After(*duration)

	var last uint64
	for {
		select {
		case <-deadline:
			return
		case <-ticker.C:
		}

		cur := rounds.Load()
		if cur == last {
			fmt.Printf("No progress: %v held by %v, %v held by %v.\n", a, a.Holder(), b, b.Holder())
			os.Exit(1)
		}
		fmt.Printf("Still alive... %d rounds\n", cur)
		last = cur
	}
}
