package transport

import "github.com/gasnet-go/gasnet/memsys"

// BouncePool hands out scratch buffers for AMLongAsync's packed-payload
// path (spec.md §4.1: a Long whose destination segment isn't reachable by
// the time the client wants to reuse its source buffer gets bounced
// through a pinned intermediate instead of blocking the caller). Backed
// by whatever memsys.MMSA it is given; the MMSA sets no limit on how
// many buffers it hands out, and the send/receive bufd arena draws from
// its own separate Slab.
type BouncePool struct {
	mm *memsys.MMSA
}

func NewBouncePool(mm *memsys.MMSA) *BouncePool { return &BouncePool{mm: mm} }

func (p *BouncePool) Get(size int) ([]byte, *memsys.Slab) {
	buf, slab := p.mm.Alloc(size)
	return buf[:size], slab
}

func (p *BouncePool) Put(slab *memsys.Slab, buf []byte) {
	slab.Free(buf)
}
