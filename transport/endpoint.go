package transport

import (
	"sync"

	"github.com/gasnet-go/gasnet/cmn/atomic"
)

// CEP ("connection endpoint") is the per-peer state the send path
// consults before posting a frame: the send-FIFO ordering lock (real
// conduits require in-order posting per queue pair), the outstanding-
// request credit set, and a monotonically increasing work-request id used
// to match PollCQ completions back to waiters.
type CEP struct {
	sendMu  sync.Mutex // serializes PostSend calls to this peer (send-FIFO order)
	Credits *PeerCredits
	wrID    atomic.Int64
}

func NewCEP(maxCredits, slack int) *CEP {
	return &CEP{Credits: NewPeerCredits(maxCredits, slack)}
}

func (c *CEP) nextWRID() uint64 { return uint64(c.wrID.Inc()) }

// WithSendLock runs fn while holding this peer's send-FIFO lock.
func (c *CEP) WithSendLock(fn func() error) error {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return fn()
}
