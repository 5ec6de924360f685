package firehose

import (
	"fmt"
	"sync"

	"github.com/gasnet-go/gasnet/cluster/meta"
	"github.com/gasnet-go/gasnet/cmn/nlog"
)

// Pinner wraps the transport collaborator that actually registers/
// deregisters memory regions (spec.md §4.4: "firehose_move_callback --
// client-provided -- wraps transport register_mr"). transport.Conduit's
// RegisterMR/DeregisterMR methods satisfy this structurally.
type Pinner interface {
	RegisterMR(addr uintptr, n int) (uint64, error)
	DeregisterMR(addr uintptr, n int) error
}

// Sender is the narrow slice of transport.Engine the cache needs to run
// the move protocol: issue the FH_MOVE_REQ and reply to it.
type Sender interface {
	AMRequestMedium(dest meta.Node, handlerID uint8, args []uint32, payload []byte) error
}

// ReplyFunc lets the FH_MOVE_REQ handler answer from within dispatch; the
// caller wires it as a closure over the live transport.Token and
// Engine.AMReplyMedium (see gasnet.go), keeping this package free of any
// dependency on transport.Token's internals.
type ReplyFunc func(payload []byte) error

// request tracks one AcquireRemoteRegion call across however many buckets
// it touched; remaining counts buckets still pending a pin reply.
type request struct {
	mu        sync.Mutex
	remaining int
	done      func(error)
	fired     bool
}

func (r *request) arrive() {
	r.mu.Lock()
	r.remaining--
	fire := r.remaining == 0 && !r.fired
	if fire {
		r.fired = true
	}
	r.mu.Unlock()
	if fire {
		r.done(nil)
	}
}

// Cache is the per-process firehose bucket cache: one table, one lock,
// a local idle-FIFO and one remote idle-FIFO per peer (spec.md §5's "one
// per-process Firehose table lock").
type Cache struct {
	me     meta.Node
	params Params
	pin    Pinner
	send   Sender

	mu         sync.Mutex
	table      map[bucketKey]*Bucket
	localFifo  fifo
	remoteFifo map[meta.Node]*fifo
	remoteUsed map[meta.Node]int
	localOnly  int64 // local buckets currently in use (L > 0); idle ones in localFifo are not counted

	regionPool sync.Pool // []region scratch buffers, capacity MaxRemoteBuckets

	moveReqID, moveRepID uint8
}

func NewCache(me meta.Node, params Params, pin Pinner, send Sender, nnodes int) *Cache {
	c := &Cache{
		me:         me,
		params:     params,
		pin:        pin,
		send:       send,
		table:      make(map[bucketKey]*Bucket),
		remoteFifo: make(map[meta.Node]*fifo, nnodes),
		remoteUsed: make(map[meta.Node]int, nnodes),
	}
	for n := 0; n < nnodes; n++ {
		c.remoteFifo[meta.Node(n)] = &fifo{}
	}
	c.regionPool.New = func() any { return make([]region, 0, params.MaxRemoteBuckets) }
	return c
}

// SetHandlerIDs records which handler ids the move protocol was
// registered under, for building outgoing frames.
func (c *Cache) SetHandlerIDs(moveReq, moveRep uint8) { c.moveReqID, c.moveRepID = moveReq, moveRep }

func (c *Cache) getRegionSlice() []region  { return c.regionPool.Get().([]region)[:0] }
func (c *Cache) putRegionSlice(r []region) { c.regionPool.Put(r) } //nolint:staticcheck

// --- remote acquire / release -----------------------------------------

// AcquireRemoteRegion implements spec.md §4.4's six-step algorithm. done
// is invoked exactly once: synchronously if every touched bucket was
// already pinned and non-pending (step 6, PINNED), or later from the
// FH_MOVE_REP handler once every new/pending bucket resolves (PENDING).
func (c *Cache) AcquireRemoteRegion(peer meta.Node, addr uintptr, length int64, done func(error)) {
	req := &request{done: done}
	var newBuckets []*Bucket

	c.mu.Lock()
	start := c.params.bucketAlign(addr)
	end := c.params.bucketAlign(addr+uintptr(length)-1) + uintptr(c.params.BucketSize)
	for a := start; a < end; a += uintptr(c.params.BucketSize) {
		key := bucketKey{Node: peer, Addr: a}
		b, ok := c.table[key]
		switch {
		case ok && b.state == statePendingPin:
			b.R++
			req.remaining++
			b.pending = append(b.pending, req.arrive)
		case ok:
			if b.state == stateInFifo {
				c.remoteFifo[peer].unlink(b)
			}
			b.R++
			b.state = deriveUsedState(b.L, b.R)
		default:
			nb := &Bucket{key: key, state: statePendingPin, R: 1}
			c.table[key] = nb
			req.remaining++
			nb.pending = append(nb.pending, req.arrive)
			newBuckets = append(newBuckets, nb)
		}
	}

	var victims []*Bucket
	newRegions := c.getRegionSlice()
	oldRegions := c.getRegionSlice()
	if len(newBuckets) > 0 {
		need := c.remoteUsed[peer] + len(newBuckets) - int(c.params.RemoteBucketsM)
		for need > 0 {
			v := c.remoteFifo[peer].popFront()
			if v == nil {
				break // no idle bucket to evict: remoteUsed may exceed RemoteBucketsM
			}
			delete(c.table, v.key)
			victims = append(victims, v)
			need--
		}
		newRegions = append(newRegions, coalesce(addrsOf(newBuckets), c.params.BucketSize)...)
		oldRegions = append(oldRegions, coalesce(addrsOf(victims), c.params.BucketSize)...)
		c.remoteUsed[peer] += len(newBuckets) - len(victims)
	}
	c.mu.Unlock()

	// Victims are the PEER's memory, not ours: unpinning them is the
	// peer's job, triggered by the OldRegions list inside the FH_MOVE_REQ
	// below (see HandleMoveReq). Nothing to deregister locally here.

	if len(newBuckets) > 0 {
		payload := encodeMove(moveMsg{NewRegions: newRegions, OldRegions: oldRegions})
		if err := c.send.AMRequestMedium(peer, c.moveReqID, nil, payload); err != nil {
			nlog.Warningln("firehose: FH_MOVE_REQ to", peer, "failed:", err)
		}
	}
	c.putRegionSlice(newRegions)
	c.putRegionSlice(oldRegions)

	req.mu.Lock()
	fire := req.remaining == 0 && !req.fired
	if fire {
		req.fired = true
	}
	req.mu.Unlock()
	if fire {
		done(nil) // step 6: no new buckets, none pending -> PINNED immediately
	}
}

// ReleaseRemoteRegion decrements refcounts for [addr, addr+length) on
// peer's cache entries, pushing any bucket that reaches (R=0,L=0) onto
// the peer's idle FIFO. Idle buckets stay pinned (and in the table) until
// a later AcquireRemoteRegion needs the room: eviction always happens
// lazily there, coalesced into that call's FH_MOVE_REQ OldRegions, since
// only the peer may unpin its own memory and only the move protocol can
// tell it to (spec.md §4.4). Evicting here instead would desync this
// cache's bookkeeping from the peer's actual pin state with no message
// ever telling the peer to let go.
func (c *Cache) ReleaseRemoteRegion(peer meta.Node, addr uintptr, length int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	start := c.params.bucketAlign(addr)
	end := c.params.bucketAlign(addr+uintptr(length)-1) + uintptr(c.params.BucketSize)
	for a := start; a < end; a += uintptr(c.params.BucketSize) {
		key := bucketKey{Node: peer, Addr: a}
		b, ok := c.table[key]
		if !ok || b.R == 0 {
			continue
		}
		b.R--
		b.state = deriveUsedState(b.L, b.R)
		if b.state == stateInFifo {
			c.remoteFifo[peer].pushBack(b)
		}
	}
}

// --- local acquire / release --------------------------------------------

// AcquireLocalRegion pins [addr, addr+length) of this node's own memory
// for a local initiator (e.g. an unpinned Long source buffer), bumping L
// for each bucket and registering newly seen ones synchronously -- no
// move protocol is needed since it is our own memory.
func (c *Cache) AcquireLocalRegion(addr uintptr, length int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	start := c.params.bucketAlign(addr)
	end := c.params.bucketAlign(addr+uintptr(length)-1) + uintptr(c.params.BucketSize)
	for a := start; a < end; a += uintptr(c.params.BucketSize) {
		key := bucketKey{Node: c.me, Addr: a}
		b, ok := c.table[key]
		if !ok {
			if _, err := c.pin.RegisterMR(a, int(c.params.BucketSize)); err != nil {
				return err
			}
			b = &Bucket{key: key}
			c.table[key] = b
			c.localOnly++
		} else if b.state == stateInFifo {
			c.localFifo.unlink(b)
			c.localOnly++
		}
		b.L++
		b.state = deriveUsedState(b.L, b.R)
	}
	return nil
}

func (c *Cache) ReleaseLocalRegion(addr uintptr, length int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	start := c.params.bucketAlign(addr)
	end := c.params.bucketAlign(addr+uintptr(length)-1) + uintptr(c.params.BucketSize)
	for a := start; a < end; a += uintptr(c.params.BucketSize) {
		key := bucketKey{Node: c.me, Addr: a}
		b, ok := c.table[key]
		if !ok || b.L == 0 {
			continue
		}
		b.L--
		b.state = deriveUsedState(b.L, b.R)
		if b.state == stateInFifo {
			c.localOnly--
			c.localFifo.pushBack(b)
		}
	}
	for int64(c.localFifo.len()) > c.params.MaxVictimBuckets() {
		v := c.localFifo.popFront()
		if v == nil {
			break
		}
		delete(c.table, v.key)
		_ = c.pin.DeregisterMR(v.Addr(), int(c.params.BucketSize))
	}
}

// --- introspection -------------------------------------------------------

func (c *Cache) RemoteBucketsUsed(peer meta.Node) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remoteUsed[peer]
}

func (c *Cache) LocalOnlyBucketsPinned() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.localOnly
}

// DumpCounters is the debug/trace affordance spec'd from
// firehose_page.c's fh_dump_counters, usable from package stats on an
// interval instead of only a debugger.
func (c *Cache) DumpCounters() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := fmt.Sprintf("firehose: buckets=%d localOnly=%d", len(c.table), c.localOnly)
	for n, u := range c.remoteUsed {
		out += fmt.Sprintf(" remote[%d]=%d", n, u)
	}
	return out
}

func addrsOf(bs []*Bucket) []uintptr {
	out := make([]uintptr, len(bs))
	for i, b := range bs {
		out[i] = b.Addr()
	}
	return out
}

// coalesce collapses contiguous bucket-sized addresses into runs,
// bounding the region vector at ceil(B/2)+1 entries for B uncontiguous
// buckets (spec.md §4.4 "Coalescing").
func coalesce(addrs []uintptr, bucketSize int64) []region {
	if len(addrs) == 0 {
		return nil
	}
	sorted := append([]uintptr(nil), addrs...)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j-1] > sorted[j]; j-- {
			sorted[j-1], sorted[j] = sorted[j], sorted[j-1]
		}
	}
	var out []region
	bs := uintptr(bucketSize)
	runStart := sorted[0]
	runEnd := sorted[0] + bs
	for i := 1; i < len(sorted); i++ {
		if sorted[i] == runEnd {
			runEnd += bs
			continue
		}
		out = append(out, region{Addr: uint64(runStart), Len: uint64(runEnd - runStart)})
		runStart, runEnd = sorted[i], sorted[i]+bs
	}
	out = append(out, region{Addr: uint64(runStart), Len: uint64(runEnd - runStart)})
	return out
}
