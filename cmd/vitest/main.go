// Command vitest starts one handler thread per virtual interrupt and
// triggers them from standard input: a digit triggers that handler,
// q quits. Each handler counts under a shared mutex when woken and
// prints the events it received.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/webriots/vimutex"
)

const countsPerTrigger = 100000

func main() {
	handlers := flag.Int("handlers", 4, "number of handler threads (at most 10)")
	kernel := flag.String("kernel", "futex", "kernel to run on: go or futex")
	flag.Parse()

	if *handlers < 1 || *handlers > 10 {
		fmt.Fprintln(os.Stderr, "handlers must be between 1 and 10")
		os.Exit(2)
	}

	k, err := vimutex.NewKernel(*kernel, 0)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	ctx := context.Background()
	rt := vimutex.NewRuntime(k)
	mutexPrint := vimutex.NewMutex("print")
	mutexCount := vimutex.NewMutex("count")
	var protectedCount uint64

	self, err := rt.NewThread(ctx, "vitest-main")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer self.Close()

	fmt.Println("Virtual IRQ test up.")

	irqs := make([]*vimutex.Channel, *handlers)
	ready := make(chan struct{})
	for i := range irqs {
		fmt.Printf("Starting handler %d.\n", i)

		_, err := rt.Go(ctx, "vitest-thread", func(_ context.Context, t *vimutex.Thread) {
			<-ready
			t.SetRecallHandler(func(sel vimutex.Selector) {
				// Runs on the triggering thread, so no mutex here.
				fmt.Printf("handler %d: recall via cap %d\n", i, sel)
			})

			for {
				irqs[i].Block(t)
				events := t.FetchEvents(vimutex.AllEvents &^ vimutex.MutexEvent)

				for u := 0; u < countsPerTrigger; u++ {
					mutexCount.Acquire(t)
					protectedCount++
					mutexCount.Release(t)
				}

				mutexPrint.Acquire(t)
				fmt.Printf("handler %d: events %#x\n", i, events)
				mutexPrint.Release(t)
			}
		})
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
	}

	for i, t := range rt.Threads()[1:] {
		ch, err := rt.NewChannel(t, t, vimutex.Events(2<<i))
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		fmt.Printf("Created virtual IRQ for handler %d (cap %d).\n", i, ch.Selector())
		irqs[i] = ch
	}
	close(ready)

	var ourCount uint64
	in := bufio.NewScanner(os.Stdin)
	for {
		mutexCount.Acquire(self)
		theirs := protectedCount
		mutexCount.Release(self)
		fmt.Printf("our %d vs his %d\n", ourCount, theirs)

		if !in.Scan() {
			break
		}
		line := strings.TrimSpace(in.Text())
		if line == "q" {
			break
		}
		if len(line) != 1 || line[0] < '0' || line[0] > '9' {
			continue
		}
		c := int(line[0] - '0')
		if c >= len(irqs) {
			continue
		}

		ourCount += countsPerTrigger
		mutexPrint.Acquire(self)
		fmt.Printf("Triggering handler %d.\n", c)
		irqs[c].Trigger()
		mutexPrint.Release(self)
	}

	fmt.Println("Virtual IRQ finished successfully.")
}
