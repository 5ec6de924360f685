package transport

import "github.com/gasnet-go/gasnet/cluster/meta"

// CompletionKind distinguishes the two things a conduit's combined
// completion queue can report, matching the dual-purpose poll loop the
// teacher's transport package runs per Stream (sendLoop posts, cmplLoop
// reaps) -- here both directions share one reap pass since spec.md's
// AMPoll is itself a single-call drain.
type CompletionKind uint8

const (
	SendComplete CompletionKind = iota + 1
	RecvComplete
)

// Completion is one entry off a Conduit's CQ.
type Completion struct {
	Kind  CompletionKind
	WRID  uint64
	Src   meta.Node // populated on RecvComplete: who sent it
	Frame []byte    // populated on RecvComplete; nil on SendComplete
	Err   error
}

// Conduit is the external NIC collaborator spec.md §1 places out of
// scope: posting sends, reaping completions, registering memory regions,
// and RDMA-writing into a remote's segment. gasnet depends only on this
// interface; Loopback is the in-process stand-in used by every test in
// this module.
type Conduit interface {
	MyNode() meta.Node
	NumNodes() int

	// PostSend enqueues frame for delivery to dest; its completion
	// (SendComplete, same wrID) appears on a later PollCQ once the
	// conduit has handed the bytes off.
	PostSend(dest meta.Node, wrID uint64, frame []byte) error

	// PostRecv arms one receive slot. Real conduits must re-arm after
	// every dispatched RecvComplete; Loopback's inbound channel makes
	// this a no-op, and Engine does not call it.
	PostRecv() error

	// PollCQ drains up to max completions (of either kind) without
	// blocking.
	PollCQ(max int) []Completion

	// RegisterMR/DeregisterMR pin/unpin a region for RDMA access.
	RegisterMR(addr uintptr, n int) (rkey uint64, err error)
	DeregisterMR(addr uintptr, n int) error

	// RDMAWrite copies src into dest's segment at dstAddr (already
	// validated by the caller against the destination's published
	// segment.Table) and, on completion, posts a SendComplete for wrID.
	RDMAWrite(dest meta.Node, rkey uint64, dstAddr uintptr, src []byte, wrID uint64) error
}
