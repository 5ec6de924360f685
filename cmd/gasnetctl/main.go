// Command gasnetctl drives a small in-process loopback job: it attaches
// N logical nodes over meta.Loopback and transport.LoopbackConduit, has
// node 0 send a Short echo request to every other node, and finishes with
// a barrier that every node enters. No
// third-party CLI framework is used here (the teacher's urfave/cli lives
// under cmd/cli/cli, a cluster-admin surface with no analogue in a single
// static binary like this one -- the standard flag package is the
// correct tool for a handful of int/bool knobs).
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/gasnet-go/gasnet"
	"github.com/gasnet-go/gasnet/cluster/meta"
	"github.com/gasnet-go/gasnet/segment"
	"github.com/gasnet-go/gasnet/transport"

	"github.com/prometheus/client_golang/prometheus"
)

const hEcho uint8 = 20

func main() {
	nnodes := flag.Int("nodes", 4, "logical node count")
	segSize := flag.Int64("segsize", 1<<20, "per-node segment size, bytes")
	flag.Parse()

	if err := run(*nnodes, *segSize); err != nil {
		fmt.Fprintln(os.Stderr, "gasnetctl:", err)
		os.Exit(1)
	}
}

func run(nnodes int, segSize int64) error {
	boots := meta.NewLoopbackJob(nnodes)

	segs := make([]*segment.Segment, nnodes)
	for i := range segs {
		s, err := segment.Attach(segSize, false)
		if err != nil {
			return fmt.Errorf("segment.Attach[%d]: %w", i, err)
		}
		segs[i] = s
	}
	entries := make([]segment.Entry, nnodes)
	for i, s := range segs {
		entries[i] = segment.Entry{Base: s.Base, Size: s.Size}
	}
	segTable := segment.NewTable(entries)
	conduits := transport.NewLoopbackConduits(segs)

	runtimes := make([]*gasnet.Runtime, nnodes)
	reg := prometheus.NewRegistry()
	var wg sync.WaitGroup
	errs := make([]error, nnodes)
	for i := 0; i < nnodes; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			rt, err := gasnet.Attach(gasnet.AttachConfig{
				Boot:       boots[i],
				Conduit:    conduits[i],
				SegTable:   segTable,
				MySeg:      segs[i],
				Registerer: reg,
			})
			if err != nil {
				errs[i] = err
				return
			}
			runtimes[i] = rt
		}()
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			return fmt.Errorf("attach[%d]: %w", i, err)
		}
	}

	var echoMu sync.Mutex
	echoed := make(map[int]int)
	for i, rt := range runtimes {
		i := i
		if err := rt.Handlers().RegisterShort(hEcho, transport.ClientHandlersLo, transport.ClientHandlersHi,
			func(tok transport.Token, args []uint32) {
				echoMu.Lock()
				echoed[i]++
				echoMu.Unlock()
				_ = rt.AMReplyShort(tok, hEcho, args)
			}); err != nil {
			return fmt.Errorf("register echo[%d]: %w", i, err)
		}
	}

	stop := make(chan struct{})
	for _, rt := range runtimes {
		rt := rt
		go func() {
			for {
				select {
				case <-stop:
					return
				default:
					_ = rt.AMPoll()
					time.Sleep(time.Millisecond)
				}
			}
		}()
	}

	for i := 1; i < nnodes; i++ {
		if err := runtimes[0].AMRequestShort(meta.Node(i), hEcho, []uint32{uint32(i)}); err != nil {
			close(stop)
			return fmt.Errorf("echo request to %d: %w", i, err)
		}
	}
	time.Sleep(50 * time.Millisecond)
	close(stop)

	fmt.Printf("gasnetctl: %d nodes attached, echo handler fired on: %v\n", nnodes, echoed)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	berrs := make([]error, nnodes)
	var bwg sync.WaitGroup
	for i := range boots {
		i := i
		bwg.Add(1)
		go func() {
			defer bwg.Done()
			berrs[i] = boots[i].Barrier(ctx, "gasnetctl.fini")
		}()
	}
	bwg.Wait()
	for i, err := range berrs {
		if err != nil {
			return fmt.Errorf("barrier[%d]: %w", i, err)
		}
	}
	return nil
}
