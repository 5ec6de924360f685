package firehose

import (
	"sync"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/gasnet-go/gasnet/cluster/meta"
)

type fakePinner struct {
	mu        sync.Mutex
	nextRkey  uint64
	registered map[uintptr]int // addr -> refcount of outstanding RegisterMR calls
}

func newFakePinner() *fakePinner { return &fakePinner{registered: make(map[uintptr]int)} }

func (p *fakePinner) RegisterMR(addr uintptr, n int) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nextRkey++
	p.registered[addr]++
	return p.nextRkey, nil
}

func (p *fakePinner) DeregisterMR(addr uintptr, n int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.registered[addr]--
	return nil
}

func (p *fakePinner) count(addr uintptr) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.registered[addr]
}

// fakeSender wires cache A's FH_MOVE_REQ directly to peer's HandleMoveReq
// and loops the FH_MOVE_REP reply straight back into A's HandleMoveRep,
// modeling a synchronous single-hop round trip without a real transport.
type fakeSender struct {
	peer     *Cache
	origin   *Cache
	peerNode meta.Node
}

func (s *fakeSender) AMRequestMedium(dest meta.Node, handlerID uint8, args []uint32, payload []byte) error {
	s.peer.HandleMoveReq(payload, func(out []byte) error {
		s.origin.HandleMoveRep(s.peerNode, out)
		return nil
	})
	return nil
}

func waitDone(f func(func(error))) error {
	var err error
	done := make(chan struct{})
	f(func(e error) {
		err = e
		close(done)
	})
	<-done
	return err
}

var _ = Describe("remote region acquire/release", func() {
	const bucketSize = int64(4096)

	var (
		pinA, pinB *fakePinner
		cacheA     *Cache
		cacheB     *Cache
	)

	BeforeEach(func() {
		pinA = newFakePinner()
		pinB = newFakePinner()
		params := NewParams(1<<20, 0, 0, bucketSize, 0, 2, 64)
		cacheB = NewCache(meta.Node(1), params, pinB, nil, 2)
		cacheB.SetHandlerIDs(10, 11)
		send := &fakeSender{peer: cacheB, peerNode: meta.Node(1)}
		cacheA = NewCache(meta.Node(0), params, pinA, send, 2)
		cacheA.SetHandlerIDs(10, 11)
		send.origin = cacheA
	})

	It("pins a previously-unseen remote bucket and fires done once", func() {
		err := waitDone(func(done func(error)) {
			cacheA.AcquireRemoteRegion(meta.Node(1), bucketAddr(0), bucketSize, done)
		})
		Expect(err).To(BeNil())
		Expect(pinB.count(bucketAddr(0))).To(Equal(1))
		Expect(cacheA.RemoteBucketsUsed(meta.Node(1))).To(Equal(1))
	})

	It("returns immediately when the bucket is already Used-Both/RemoteOnly", func() {
		waitDone(func(done func(error)) { cacheA.AcquireRemoteRegion(meta.Node(1), bucketAddr(0), bucketSize, done) })
		calledSync := false
		cacheA.AcquireRemoteRegion(meta.Node(1), bucketAddr(0), bucketSize, func(error) { calledSync = true })
		Expect(calledSync).To(BeTrue())
		Expect(cacheA.RemoteBucketsUsed(meta.Node(1))).To(Equal(1))
	})

	It("idles a bucket back to the FIFO once refcount reaches zero, and re-acquire reuses it without a new pin", func() {
		waitDone(func(done func(error)) { cacheA.AcquireRemoteRegion(meta.Node(1), bucketAddr(0), bucketSize, done) })
		cacheA.ReleaseRemoteRegion(meta.Node(1), bucketAddr(0), bucketSize)
		Expect(pinB.count(bucketAddr(0))).To(Equal(1), "idling must not unpin the bucket, only queue it for eviction")

		calledSync := false
		cacheA.AcquireRemoteRegion(meta.Node(1), bucketAddr(0), bucketSize, func(error) { calledSync = true })
		Expect(calledSync).To(BeTrue())
		Expect(pinB.count(bucketAddr(0))).To(Equal(1), "re-acquiring an idle-but-still-pinned bucket must not register it again")
	})

	It("evicts the oldest idle remote bucket once RemoteBucketsM is exceeded", func() {
		params := NewParams(1<<20, bucketSize*2, 0, bucketSize, 0, 2, 64) // RemoteBucketsM == 2
		pinB2 := newFakePinner()
		cacheB2 := NewCache(meta.Node(1), params, pinB2, nil, 2)
		cacheB2.SetHandlerIDs(10, 11)
		send2 := &fakeSender{peer: cacheB2, peerNode: meta.Node(1)}
		cacheA2 := NewCache(meta.Node(0), params, pinA, send2, 2)
		cacheA2.SetHandlerIDs(10, 11)
		send2.origin = cacheA2

		budget := params.RemoteBucketsM
		Expect(budget).To(BeNumerically(">=", 1))

		// Fill the budget, then idle every bucket so they're all eviction
		// candidates, then push one more new bucket past the budget.
		for i := int64(0); i < budget; i++ {
			addr := bucketAddr(i)
			waitDone(func(done func(error)) { cacheA2.AcquireRemoteRegion(meta.Node(1), addr, bucketSize, done) })
			cacheA2.ReleaseRemoteRegion(meta.Node(1), addr, bucketSize)
		}
		extra := bucketAddr(budget)
		waitDone(func(done func(error)) { cacheA2.AcquireRemoteRegion(meta.Node(1), extra, bucketSize, done) })

		Expect(pinB2.count(bucketAddr(0))).To(Equal(0), "the oldest idle bucket should have been evicted and unpinned")
	})
})

var _ = Describe("local region acquire/release", func() {
	const bucketSize = int64(4096)

	It("pins on first acquire and unpins only once the victim FIFO exceeds its budget", func() {
		pin := newFakePinner()
		params := NewParams(bucketSize*8, bucketSize*8, bucketSize, bucketSize, 0, 1, 4)
		c := NewCache(meta.Node(0), params, pin, nil, 1)

		addr := bucketAddr(0)
		Expect(c.AcquireLocalRegion(addr, bucketSize)).To(Succeed())
		Expect(pin.count(addr)).To(Equal(1))
		Expect(c.LocalOnlyBucketsPinned()).To(Equal(int64(1)))

		c.ReleaseLocalRegion(addr, bucketSize)
		Expect(c.LocalOnlyBucketsPinned()).To(Equal(int64(0)))
		Expect(pin.count(addr)).To(Equal(1), "an idle bucket within the victim budget stays pinned")
	})
})

func bucketAddr(i int64) uintptr { return uintptr(i * 4096) }
