package transport

import "sync"

// PeerCredits bounds the number of AM requests this node may have
// outstanding to one peer at a time (spec.md §4.1's "request/reply credit
// protocol"): the peer only has buffer space for so many unacknowledged
// requests, so a request consumes a credit and a reply returns one.
// Credits earned here are returned to the peer in a small CmdSystem frame
// (see Engine.sendCreditReturn). Engine.reply forces that flush before
// every reply, so all owed credits go back at once; slack only sets the
// threshold for unforced PendingReturn calls.
type PeerCredits struct {
	mu        sync.Mutex
	cond      *sync.Cond
	available int
	max       int
	slack     int
	owed      int // credits earned here, not yet returned to the peer
	closed    bool
}

func NewPeerCredits(max, slack int) *PeerCredits {
	c := &PeerCredits{available: max, max: max, slack: slack}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// Acquire blocks until a credit is available or the set is closed, in
// which case it returns false.
func (c *PeerCredits) Acquire() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for c.available == 0 && !c.closed {
		c.cond.Wait()
	}
	if c.available == 0 {
		return false
	}
	c.available--
	return true
}

func (c *PeerCredits) TryAcquire() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.available == 0 {
		return false
	}
	c.available--
	return true
}

// Earn records a returnable credit for a request this node has finished
// servicing; PendingReturn reports how many are due to go back to that
// peer.
func (c *PeerCredits) Earn() {
	c.mu.Lock()
	c.owed++
	c.mu.Unlock()
}

// PendingReturn drains and returns the owed count if it has reached
// slack (or the caller forces a flush), 0 otherwise.
func (c *PeerCredits) PendingReturn(force bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.owed == 0 || (!force && c.owed < max(1, c.slack)) {
		return 0
	}
	n := c.owed
	c.owed = 0
	return n
}

// Return adds credits that a peer's CmdSystem credit-return frame sent
// back to us, capped at max.
func (c *PeerCredits) Return(n int) {
	if n <= 0 {
		return
	}
	c.mu.Lock()
	c.available += n
	if c.available > c.max {
		c.available = c.max
	}
	c.cond.Broadcast()
	c.mu.Unlock()
}

func (c *PeerCredits) Close() {
	c.mu.Lock()
	c.closed = true
	c.cond.Broadcast()
	c.mu.Unlock()
}
