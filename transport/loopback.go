package transport

import (
	"fmt"
	"sync"

	"github.com/gasnet-go/gasnet/cluster/meta"
	"github.com/gasnet-go/gasnet/cmn"
	"github.com/gasnet-go/gasnet/segment"
)

// loopbackWorld is the shared hub every node's LoopbackConduit references:
// one inbound completion channel per node plus each node's attached
// segment, so RDMAWrite can copy bytes directly the way a real RDMA NIC
// would, without a network in between.
type loopbackWorld struct {
	mu       sync.Mutex
	inboxes  []chan Completion
	segments []*segment.Segment
	nextWR   uint64
}

// NewLoopbackConduits builds numNodes conduits sharing one world, for use
// with meta.NewLoopbackJob's bootstraps. segs[i] is node i's attached
// segment (see segment.Attach), used as the RDMA target for writes
// addressed to node i.
func NewLoopbackConduits(segs []*segment.Segment) []*LoopbackConduit {
	n := len(segs)
	w := &loopbackWorld{
		inboxes:  make([]chan Completion, n),
		segments: segs,
	}
	for i := range w.inboxes {
		w.inboxes[i] = make(chan Completion, 4096)
	}
	out := make([]*LoopbackConduit, n)
	for i := 0; i < n; i++ {
		out[i] = &LoopbackConduit{world: w, me: meta.Node(i)}
	}
	return out
}

// LoopbackConduit is the in-process Conduit stand-in: PostSend and
// RDMAWrite deliver synchronously into the destination's inbox/segment,
// matching the real protocol's asynchronous contract (completions are
// still reaped via PollCQ, never returned directly) without needing an
// actual NIC.
type LoopbackConduit struct {
	world *loopbackWorld
	me    meta.Node
}

func (c *LoopbackConduit) MyNode() meta.Node { return c.me }
func (c *LoopbackConduit) NumNodes() int     { return len(c.world.inboxes) }

func (c *LoopbackConduit) inbox() chan Completion { return c.world.inboxes[c.me] }

func (c *LoopbackConduit) PostSend(dest meta.Node, wrID uint64, frame []byte) error {
	if int(dest) < 0 || int(dest) >= len(c.world.inboxes) {
		return cmn.NewErrBadArg("LoopbackConduit.PostSend", fmt.Errorf("dest %d out of range", dest))
	}
	cp := make([]byte, len(frame))
	copy(cp, frame)
	c.world.inboxes[dest] <- Completion{Kind: RecvComplete, WRID: wrID, Src: c.me, Frame: cp}
	c.inbox() <- Completion{Kind: SendComplete, WRID: wrID}
	return nil
}

func (c *LoopbackConduit) PostRecv() error { return nil }

func (c *LoopbackConduit) PollCQ(max int) []Completion {
	out := make([]Completion, 0, max)
	in := c.inbox()
	for len(out) < max {
		select {
		case cp := <-in:
			out = append(out, cp)
		default:
			return out
		}
	}
	return out
}

func (c *LoopbackConduit) RegisterMR(addr uintptr, n int) (uint64, error) {
	c.world.mu.Lock()
	defer c.world.mu.Unlock()
	c.world.nextWR++
	return c.world.nextWR, nil
}

func (c *LoopbackConduit) DeregisterMR(addr uintptr, n int) error { return nil }

func (c *LoopbackConduit) RDMAWrite(dest meta.Node, rkey uint64, dstAddr uintptr, src []byte, wrID uint64) error {
	if int(dest) < 0 || int(dest) >= len(c.world.segments) {
		return cmn.NewErrBadArg("LoopbackConduit.RDMAWrite", fmt.Errorf("dest %d out of range", dest))
	}
	seg := c.world.segments[dest]
	if seg == nil || !seg.Contains(dstAddr, int64(len(src))) {
		return cmn.NewErrRDMA("LoopbackConduit.RDMAWrite", fmt.Errorf("dest_addr %#x len %d outside node %d segment", dstAddr, len(src), dest))
	}
	off := dstAddr - seg.Base
	copy(seg.Bytes()[off:], src)
	c.inbox() <- Completion{Kind: SendComplete, WRID: wrID}
	return nil
}
