package exit

import (
	"sync"
	"testing"
	"time"

	"github.com/gasnet-go/gasnet/cluster/meta"
	"github.com/gasnet-go/gasnet/segment"
	"github.com/gasnet-go/gasnet/transport"
)

// testCluster builds n engines wired over loopback conduits, with a poller
// goroutine per engine so cross-node AM traffic (role election, EXIT_REQ/
// EXIT_REP) makes progress while Exit() blocks the calling goroutine.
type testCluster struct {
	engs  []*transport.Engine
	boots []*meta.Loopback
	stop  chan struct{}
	wg    sync.WaitGroup
}

func newTestCluster(t *testing.T, n int) *testCluster {
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

	engs := make([]*transport.Engine, n)
	for i := 0; i < n; i++ {
		engs[i] = transport.NewEngine(transport.EngineConfig{
			Job: boots[i].Job(), Conduit: conduits[i], SegTable: segTable, MySeg: segs[i],
			SendTokens: 8, RecvTokens: 8, BufSize: 4096, MaxCredits: 8, CreditSlack: 2,
		})
	}
	c := &testCluster{engs: engs, boots: boots, stop: make(chan struct{})}
	c.wg.Add(n)
	for i := range engs {
		e := engs[i]
		go func() {
			defer c.wg.Done()
			for {
				select {
				case <-c.stop:
					return
				default:
					_ = e.AMPoll()
					time.Sleep(time.Millisecond)
				}
			}
		}()
	}
	return c
}

func (c *testCluster) Close() {
	close(c.stop)
	c.wg.Wait()
}

func TestExitSlaveInitiatedLocally(t *testing.T) {
	c := newTestCluster(t, 3)
	defer c.Close()

	codes := make([]int, 3)
	var mu sync.Mutex
	coords := make([]*Coordinator, 3)
	for i := 0; i < 3; i++ {
		i := i
		coords[i] = NewCoordinator(c.boots[i].Job(), c.engs[i], c.boots[i], func(code int) {
			mu.Lock()
			codes[i] = code
			mu.Unlock()
		})
	}

	var wg sync.WaitGroup
	wg.Add(3)
	// Every node calls Exit(7) concurrently. Whichever node wins the
	// election becomes Master; the other two are Slaves that had already
	// started exiting locally when the EXIT_REQ broadcast reached them.
	go func() { defer wg.Done(); coords[1].Exit(7) }()
	go func() { defer wg.Done(); coords[0].Exit(7) }()
	go func() { defer wg.Done(); coords[2].Exit(7) }()

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Exit() never returned on all three nodes: deadlock")
	}

	mu.Lock()
	defer mu.Unlock()
	for i, code := range codes {
		if code != 7 {
			t.Errorf("node %d: expected terminator code 7, got %d", i, code)
		}
	}
	for i, c := range coords {
		if !c.HandlersDisabled() {
			t.Errorf("node %d: handlers should be disabled after tail", i)
		}
	}
}

func TestExitRemoteInitiatedNoLocalCall(t *testing.T) {
	c := newTestCluster(t, 2)
	defer c.Close()

	var mu sync.Mutex
	codes := make([]int, 2)
	coords := make([]*Coordinator, 2)
	for i := 0; i < 2; i++ {
		i := i
		coords[i] = NewCoordinator(c.boots[i].Job(), c.engs[i], c.boots[i], func(code int) {
			mu.Lock()
			codes[i] = code
			mu.Unlock()
		})
	}

	// Only node 0 calls Exit; node 1 never calls it locally and must still
	// run Tail once its EXIT_REQ handler fires.
	coords[0].Exit(3)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		got := codes[1]
		mu.Unlock()
		if got == 3 {
			break
		}
		time.Sleep(time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if codes[0] != 3 || codes[1] != 3 {
		t.Fatalf("expected both nodes to terminate with code 3, got %v", codes)
	}
}

func TestExitDisablesHandlerDispatchAfterTail(t *testing.T) {
	c := newTestCluster(t, 2)
	defer c.Close()

	coords := make([]*Coordinator, 2)
	for i := 0; i < 2; i++ {
		coords[i] = NewCoordinator(c.boots[i].Job(), c.engs[i], c.boots[i], func(int) {})
	}

	var calls int32
	const hAfterShutdown uint8 = 210
	if err := c.engs[1].Handlers().RegisterShort(hAfterShutdown, transport.ClientHandlersLo, transport.ClientHandlersHi,
		func(tok transport.Token, args []uint32) {
			calls++
		}); err != nil {
		t.Fatal(err)
	}

	coords[0].Exit(0)
	if !coords[1].HandlersDisabled() {
		t.Fatal("expected node 1's handlers to be disabled once it has torn down too")
	}

	// A request issued after shutdown must not reach the user handler.
	// Node 0's engine is already closed by its tail, so the send is
	// refused there and the error is ignored; node 1's handler count
	// stays at zero either way.
	_ = c.engs[0].AMRequestShort(1, hAfterShutdown, nil)
	time.Sleep(20 * time.Millisecond)
	if calls != 0 {
		t.Fatalf("expected 0 handler invocations after shutdown, got %d", calls)
	}
}

func TestExitDoubleCallOnSameNodeWaitsForTail(t *testing.T) {
	c := newTestCluster(t, 1)
	defer c.Close()

	var calls int
	var mu sync.Mutex
	coord := NewCoordinator(c.boots[0].Job(), c.engs[0], c.boots[0], func(code int) {
		mu.Lock()
		calls++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); coord.Exit(1) }()
	go func() { defer wg.Done(); coord.Exit(2) }()

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("second Exit() call never returned")
	}

	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Fatalf("expected exactly one terminator invocation, got %d", calls)
	}
}
