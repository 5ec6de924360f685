package memsys

import (
	"sync"

	"github.com/gasnet-go/gasnet/cmn/atomic"
)

// Category flags a bufd carries, per spec.md §3.
type Category int

const (
	CatReq Category = 1 << iota
	CatReply
	CatPayload
	CatDMA
)

// Bufd is one slot in the prepinned buffer arena: a pointer into the
// arena, its owning node, category flags, and a completion pointer set
// when the descriptor is posted for a send and cleared when the
// completion is reaped (design notes: "buffer held until WR-completion").
type Bufd struct {
	ID       int
	Buf      []byte
	Owner    int // node
	Cat      Category
	Len      int
	SrcAddr  uintptr
	DstAddr  uintptr
	pending  *atomic.Int64 // non-nil while a send/RDMA WR referencing this bufd is outstanding
}

func (b *Bufd) MarkPending() { b.pending.Store(1) }
func (b *Bufd) ClearPending() { b.pending.Store(0) }
func (b *Bufd) IsPending() bool { return b.pending.Load() != 0 }

// Arena is the single per-process pool of bufds, split per spec.md §3:
// one reply scratch buffer, (sendTokens-1) request scratch buffers, and
// half of the receive tokens for requests / half for replies.
type Arena struct {
	mu      sync.Mutex
	bufs    []*Bufd
	slab    *Slab
	reqSend []*Bufd // (sendTokens - 1) request scratch buffers
	replySend *Bufd // 1 reply scratch buffer
	reqRecv []*Bufd // rcvTokens/2 receive slots for requests
	repRecv []*Bufd // the remaining rcvTokens - rcvTokens/2 slots, for replies
}

// NewArena builds the bufd arena for sendTokens send slots and rcvTokens
// receive slots, each bufSize bytes, exactly partitioned per spec.md §3.
func NewArena(sendTokens, rcvTokens, bufSize int) *Arena {
	if sendTokens < 1 {
		sendTokens = 1
	}
	slab := NewSlab(bufSize)
	a := &Arena{slab: slab}

	id := 0
	newBufd := func(cat Category) *Bufd {
		bd := &Bufd{ID: id, Buf: slab.Alloc(), Cat: cat, pending: atomic.NewInt64(0)}
		id++
		a.bufs = append(a.bufs, bd)
		return bd
	}

	a.replySend = newBufd(CatReply)
	for i := 0; i < sendTokens-1; i++ {
		a.reqSend = append(a.reqSend, newBufd(CatReq))
	}
	half := rcvTokens / 2
	for i := 0; i < half; i++ {
		a.reqRecv = append(a.reqRecv, newBufd(CatReq))
	}
	for i := 0; i < rcvTokens-half; i++ {
		a.repRecv = append(a.repRecv, newBufd(CatReply))
	}
	return a
}

func (a *Arena) ReplyScratch() *Bufd     { return a.replySend }
func (a *Arena) RequestScratch() []*Bufd { return a.reqSend }
func (a *Arena) RecvRequestSlots() []*Bufd { return a.reqRecv }
func (a *Arena) RecvReplySlots() []*Bufd   { return a.repRecv }
func (a *Arena) BufSize() int              { return a.slab.Size() }

// TokenPool is a fixed-capacity LIFO stack of bufd ids, the source of
// send slots (spec.md §3 "Token pool"); Acquire blocks on a condition
// variable when empty (spec.md §5 suspension point "token_free").
type TokenPool struct {
	mu       sync.Mutex
	cond     *sync.Cond
	stack    []*Bufd
	capacity int
	closed   bool
}

func NewTokenPool(bufs []*Bufd) *TokenPool {
	tp := &TokenPool{stack: append([]*Bufd(nil), bufs...), capacity: len(bufs)}
	tp.cond = sync.NewCond(&tp.mu)
	return tp
}

func (tp *TokenPool) Cap() int { return tp.capacity }

// Acquire blocks until a token is available or the pool is closed, in
// which case it returns nil. It never fails with "busy": per spec.md §4.1
// credit/token-starved callers block, they do not get an error back.
func (tp *TokenPool) Acquire() *Bufd {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	for len(tp.stack) == 0 && !tp.closed {
		tp.cond.Wait()
	}
	if tp.closed && len(tp.stack) == 0 {
		return nil
	}
	n := len(tp.stack) - 1
	bd := tp.stack[n]
	tp.stack = tp.stack[:n]
	return bd
}

// TryAcquire is the non-blocking counterpart: it returns nil at once when
// no token is free.
func (tp *TokenPool) TryAcquire() *Bufd {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	if len(tp.stack) == 0 {
		return nil
	}
	n := len(tp.stack) - 1
	bd := tp.stack[n]
	tp.stack = tp.stack[:n]
	return bd
}

func (tp *TokenPool) Release(bd *Bufd) {
	tp.mu.Lock()
	tp.stack = append(tp.stack, bd)
	tp.mu.Unlock()
	tp.cond.Signal()
}

func (tp *TokenPool) Len() int {
	tp.mu.Lock()
	defer tp.mu.Unlock()
	return len(tp.stack)
}

func (tp *TokenPool) Close() {
	tp.mu.Lock()
	tp.closed = true
	tp.mu.Unlock()
	tp.cond.Broadcast()
}
