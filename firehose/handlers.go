package firehose

import (
	"github.com/gasnet-go/gasnet/cluster/meta"
	"github.com/gasnet-go/gasnet/cmn/nlog"
)

// HandleMoveReq implements the FH_MOVE_REQ handler (spec.md §4.4): pin
// each new region via the client-provided Pinner, unpin each old region,
// and reply with the populated rkeys. reply is supplied by the caller
// (gasnet.go's wiring) as a closure over the live Token/Engine since this
// package has no dependency on transport.Token's internals.
func (c *Cache) HandleMoveReq(payload []byte, reply ReplyFunc) {
	m, err := decodeMove(payload, false)
	if err != nil {
		nlog.Warningln("firehose: malformed FH_MOVE_REQ:", err)
		return
	}
	rkeys := make([]uint64, len(m.NewRegions))
	for i, r := range m.NewRegions {
		rk, err := c.pin.RegisterMR(uintptr(r.Addr), int(r.Len))
		if err != nil {
			nlog.Warningln("firehose: register_mr failed for FH_MOVE_REQ region:", err)
			continue
		}
		rkeys[i] = rk
	}
	for _, r := range m.OldRegions {
		_ = c.pin.DeregisterMR(uintptr(r.Addr), int(r.Len))
	}
	out := encodeMove(moveMsg{NewRegions: m.NewRegions, RKeys: rkeys})
	if err := reply(out); err != nil {
		nlog.Warningln("firehose: FH_MOVE_REP reply failed:", err)
	}
}

// HandleMoveRep implements the FH_MOVE_REP handler: walk each bucket in
// the reply, clear PendingPin, record its rkey, and fire every
// completion callback chained on it.
func (c *Cache) HandleMoveRep(peer meta.Node, payload []byte) {
	m, err := decodeMove(payload, true)
	if err != nil {
		nlog.Warningln("firehose: malformed FH_MOVE_REP:", err)
		return
	}
	var toFire []func()
	c.mu.Lock()
	for i, r := range m.NewRegions {
		bs := uintptr(c.params.BucketSize)
		for a := uintptr(r.Addr); a < uintptr(r.Addr)+uintptr(r.Len); a += bs {
			key := bucketKey{Node: peer, Addr: a}
			b, ok := c.table[key]
			if !ok || b.state != statePendingPin {
				continue
			}
			if i < len(m.RKeys) {
				b.rkey = m.RKeys[i]
			}
			b.state = deriveUsedState(b.L, b.R)
			toFire = append(toFire, b.pending...)
			b.pending = nil
		}
	}
	c.mu.Unlock()
	// Run callbacks outside the table lock to bound critical-section
	// depth (spec.md §4.4: "callbacks execute outside the AM handler
	// whenever possible to bound stack depth").
	for _, cb := range toFire {
		cb()
	}
}
