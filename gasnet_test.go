package gasnet

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/gasnet-go/gasnet/cluster/meta"
	"github.com/gasnet-go/gasnet/segment"
	"github.com/gasnet-go/gasnet/transport"
)

const hEcho uint8 = 200 // inside the client range [128,255], clear of exit's [1,4] and firehose's [10,11]

func attachTestCluster(t *testing.T, n int) ([]*Runtime, func()) {
	t.Helper()
	boots := meta.NewLoopbackJob(n)
	segs := make([]*segment.Segment, n)
	entries := make([]segment.Entry, n)
	for i := 0; i < n; i++ {
		s, err := segment.Attach(4096, false)
		if err != nil {
			t.Fatalf("segment.Attach: %v", err)
		}
		segs[i] = s
		entries[i] = segment.Entry{Base: s.Base, Size: s.Size}
	}
	segTable := segment.NewTable(entries)
	conduits := transport.NewLoopbackConduits(segs)

	runtimes := make([]*Runtime, n)
	var wg sync.WaitGroup
	wg.Add(n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		i := i
		go func() {
			defer wg.Done()
			rt, err := Attach(AttachConfig{
				Boot:     boots[i],
				Conduit:  conduits[i],
				SegTable: segTable,
				MySeg:    segs[i],
			})
			runtimes[i] = rt
			errs[i] = err
		}()
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Fatalf("node %d: Attach: %v", i, err)
		}
	}

	stop := make(chan struct{})
	var pollWg sync.WaitGroup
	pollWg.Add(n)
	for i := range runtimes {
		rt := runtimes[i]
		go func() {
			defer pollWg.Done()
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

	cleanup := func() {
		close(stop)
		pollWg.Wait()
	}
	return runtimes, cleanup
}

func TestAttachRegistersFirehoseHandlersAndLimits(t *testing.T) {
	runtimes, cleanup := attachTestCluster(t, 2)
	defer cleanup()

	for i, rt := range runtimes {
		if rt.MyNode() != meta.Node(i) {
			t.Errorf("node %d: MyNode() = %d", i, rt.MyNode())
		}
		if rt.NumNodes() != 2 {
			t.Errorf("node %d: NumNodes() = %d, want 2", i, rt.NumNodes())
		}
		lim := rt.Limits()
		if lim.MaxArgs <= 0 || lim.MaxMedium <= 0 {
			t.Errorf("node %d: expected positive limits, got %+v", i, lim)
		}
		if rt.Firehose() == nil {
			t.Errorf("node %d: expected a live firehose cache", i)
		}
	}
}

func TestEndToEndEchoAcrossAttachedRuntimes(t *testing.T) {
	runtimes, cleanup := attachTestCluster(t, 3)
	defer cleanup()

	type reply struct {
		from meta.Node
		arg  uint32
	}
	var mu sync.Mutex
	var got []reply

	for i, rt := range runtimes {
		i := i
		err := rt.Handlers().RegisterShort(hEcho, transport.ClientHandlersLo, transport.ClientHandlersHi,
			func(tok transport.Token, args []uint32) {
				mu.Lock()
				got = append(got, reply{from: AMGetMsgSource(tok), arg: args[0]})
				mu.Unlock()
				_ = runtimes[i].AMReplyShort(tok, hEcho, args)
			})
		if err != nil {
			t.Fatalf("node %d: RegisterShort: %v", i, err)
		}
	}

	origin := runtimes[0]
	for _, dest := range origin.job.Peers() {
		if err := origin.AMRequestShort(dest, hEcho, []uint32{uint32(dest) + 100}); err != nil {
			t.Fatalf("AMRequestShort to node %d: %v", dest, err)
		}
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		n := len(got)
		mu.Unlock()
		if n >= len(origin.job.Peers()) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for echoes, got %d of %d", n, len(origin.job.Peers()))
		}
		time.Sleep(time.Millisecond)
	}
}

func TestEndToEndFirehoseAcquireAcrossRuntimes(t *testing.T) {
	runtimes, cleanup := attachTestCluster(t, 2)
	defer cleanup()

	a, b := runtimes[0], runtimes[1]
	bBase, bSize := b.mySeg.Base, int64(4096)

	var mu sync.Mutex
	var fired bool
	var ferr error
	a.Firehose().AcquireRemoteRegion(b.MyNode(), bBase, bSize, func(err error) {
		mu.Lock()
		fired, ferr = true, err
		mu.Unlock()
	})

	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		done := fired
		mu.Unlock()
		if done {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for AcquireRemoteRegion to complete via FH_MOVE_REQ/REP")
		}
		time.Sleep(time.Millisecond)
	}
	if ferr != nil {
		t.Fatalf("AcquireRemoteRegion completed with error: %v", ferr)
	}
	if got := a.Firehose().RemoteBucketsUsed(b.MyNode()); got != 1 {
		t.Fatalf("RemoteBucketsUsed(b) = %d, want 1", got)
	}
}

func TestRuntimeBarrierAndString(t *testing.T) {
	runtimes, cleanup := attachTestCluster(t, 2)
	defer cleanup()

	var wg sync.WaitGroup
	wg.Add(2)
	errs := make([]error, 2)
	for i, rt := range runtimes {
		i, rt := i, rt
		go func() {
			defer wg.Done()
			errs[i] = rt.Barrier(context.Background(), "end-to-end-barrier")
		}()
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			t.Errorf("node %d: Barrier: %v", i, err)
		}
	}

	if s := runtimes[0].String(); s == "" {
		t.Fatal("expected a non-empty Runtime.String()")
	}
}
