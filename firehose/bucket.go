// Package firehose implements the dynamic-pinning bucket cache (spec.md
// §4.4): a two-sided cache that amortizes memory-registration cost and
// enforces a per-peer pinned-bucket budget, grounded on the bucket/FIFO/
// move-protocol design of original_source/other/firehose/firehose_page.c,
// expressed with a single table mutex (spec.md §5 "one per-process
// Firehose table lock") the way the teacher favors one lock per shared
// structure (cluster/meta's Smap lock, xact/xs/tcb.go's refcount lock)
// over fine-grained per-bucket locking.
package firehose

import "github.com/gasnet-go/gasnet/cluster/meta"

type bucketState int

const (
	stateInFifo bucketState = iota
	stateUsedLocalOnly
	stateUsedRemoteOnly
	stateUsedBoth
	statePendingPin
)

func (s bucketState) String() string {
	switch s {
	case stateInFifo:
		return "InFifo"
	case stateUsedLocalOnly:
		return "Used-LocalOnly"
	case stateUsedRemoteOnly:
		return "Used-RemoteOnly"
	case stateUsedBoth:
		return "Used-Both"
	case statePendingPin:
		return "PendingPin"
	default:
		return "?"
	}
}

// bucketKey uniquely identifies a bucket: (node, bucket_address). node ==
// the local process's own index means "memory we have pinned and
// published"; node != local means "our cache entry recording that peer
// node has pinned this bucket of its own memory on our behalf".
type bucketKey struct {
	Node meta.Node
	Addr uintptr
}

// Bucket is one entry of the cache. L is the local-initiator refcount, R
// the remote-initiator refcount; fifoPrev/fifoNext intrusive-link it into
// exactly one FIFO while R==0 and L==0 (invariant (c), spec.md §4.4).
type Bucket struct {
	key   bucketKey
	state bucketState
	L, R  int
	rkey  uint64
	lkey  uint64

	fifoPrev, fifoNext *Bucket

	// pending holds completion callbacks chained while this bucket is
	// PendingPin; FH_MOVE_REP resolution drains and runs them.
	pending []func()
}

func (b *Bucket) Node() meta.Node { return b.key.Node }
func (b *Bucket) Addr() uintptr   { return b.key.Addr }
func (b *Bucket) State() string   { return b.state.String() }

func deriveUsedState(l, r int) bucketState {
	switch {
	case l > 0 && r > 0:
		return stateUsedBoth
	case l > 0:
		return stateUsedLocalOnly
	case r > 0:
		return stateUsedRemoteOnly
	default:
		return stateInFifo
	}
}
