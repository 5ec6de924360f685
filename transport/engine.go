package transport

import (
	"fmt"
	"runtime"
	"sync"

	"github.com/gasnet-go/gasnet/cluster/meta"
	"github.com/gasnet-go/gasnet/cmn"
	"github.com/gasnet-go/gasnet/cmn/atomic"
	"github.com/gasnet-go/gasnet/cmn/nlog"
	"github.com/gasnet-go/gasnet/memsys"
	"github.com/gasnet-go/gasnet/segment"
)

// Recorder is the optional stats collaborator the engine reports traffic
// to; package stats supplies the prometheus-backed implementation. A
// nil/noop recorder costs one interface check per event.
type Recorder interface {
	AMSent(cat Category, bytes int)
	AMRecv(cat Category, bytes int)
	CreditBlocked(peer meta.Node)
}

type noopRecorder struct{}

func (noopRecorder) AMSent(Category, int)     {}
func (noopRecorder) AMRecv(Category, int)     {}
func (noopRecorder) CreditBlocked(meta.Node)  {}

type inflightEntry struct {
	bd   *memsys.Bufd
	done bool
	cond *sync.Cond
}

// Engine is the Active Message engine: handler table, credit-gated send
// path, bufd-backed token pool, and the poll loop that reaps completions
// and dispatches. Grounded on the teacher's transport.Stream (one
// goroutine-free, poll-driven send/receive plant rather than Stream's
// dedicated sendLoop/cmplLoop goroutines, since spec.md §4.1 requires
// AMPoll to be a synchronous, caller-driven drain, not a background loop).
type Engine struct {
	job      *meta.Job
	conduit  Conduit
	handlers *HandlerTable
	arena    *memsys.Arena
	sendTok  *memsys.TokenPool
	bounce   *BouncePool
	segTable *segment.Table
	mySeg    *segment.Segment
	rec      Recorder
	cfg      *cmn.Config

	// shutdown, when set, is consulted on every dispatch: once it reports
	// true the user handler table is treated as swapped for a no-op
	// (spec.md §4.5's "disable handlers" tail step), without needing
	// dispatch to know anything about exit.Coordinator itself.
	shutdown func() bool

	ceps []*CEP

	pollMu sync.Mutex

	inflightMu sync.Mutex
	inflight   map[uint64]*inflightEntry

	closed atomic.Bool
}

type EngineConfig struct {
	Job        *meta.Job
	Conduit    Conduit
	SegTable   *segment.Table
	MySeg      *segment.Segment
	SendTokens int
	RecvTokens int
	BufSize    int
	MaxCredits int
	CreditSlack int
	Recorder   Recorder
	Config     *cmn.Config
}

func NewEngine(c EngineConfig) *Engine {
	if c.Recorder == nil {
		c.Recorder = noopRecorder{}
	}
	if c.Config == nil {
		c.Config = cmn.GCO.Get()
	}
	arena := memsys.NewArena(c.SendTokens, c.RecvTokens, c.BufSize)
	// Only the request-scratch buffers are pooled; the one reply-scratch
	// buffer is reserved so a handler can always format its reply without
	// contending for a send token (spec.md §3 arena partition).
	pool := memsys.NewTokenPool(arena.RequestScratch())
	e := &Engine{
		job:      c.Job,
		conduit:  c.Conduit,
		handlers: NewHandlerTable(),
		arena:    arena,
		sendTok:  pool,
		bounce:   NewBouncePool(memsys.DefaultPageMM()),
		segTable: c.SegTable,
		mySeg:    c.MySeg,
		rec:      c.Recorder,
		cfg:      c.Config,
		inflight: make(map[uint64]*inflightEntry),
	}
	e.ceps = make([]*CEP, c.Job.NumNodes())
	for i := range e.ceps {
		e.ceps[i] = NewCEP(c.MaxCredits, c.CreditSlack)
	}
	return e
}

func (e *Engine) Handlers() *HandlerTable { return e.handlers }

// SetShutdownCheck wires a predicate dispatch consults before running any
// user handler; exit.NewCoordinator calls this with its own
// HandlersDisabled method so the tail phase's "disable handlers" step
// actually takes effect on the next poll, rather than relying solely on
// Close (which only stops new sends/credits, not in-flight dispatch).
// Guarded by pollMu since AMPoll may already be running concurrently on
// another goroutine by the time a coordinator attaches itself.
func (e *Engine) SetShutdownCheck(fn func() bool) {
	e.pollMu.Lock()
	e.shutdown = fn
	e.pollMu.Unlock()
}

func (e *Engine) cep(n meta.Node) *CEP { return e.ceps[n] }

func (e *Engine) trackInflight(wrID uint64, bd *memsys.Bufd) *inflightEntry {
	ent := &inflightEntry{bd: bd, cond: sync.NewCond(&sync.Mutex{})}
	e.inflightMu.Lock()
	e.inflight[wrID] = ent
	e.inflightMu.Unlock()
	return ent
}

func (e *Engine) completeInflight(wrID uint64) {
	e.inflightMu.Lock()
	ent, ok := e.inflight[wrID]
	if ok {
		delete(e.inflight, wrID)
	}
	e.inflightMu.Unlock()
	if !ok {
		return
	}
	if ent.bd != nil {
		e.sendTok.Release(ent.bd)
	}
	ent.cond.L.Lock()
	ent.done = true
	ent.cond.Broadcast()
	ent.cond.L.Unlock()
}

// waitInflight blocks until wrID's send completion has been reaped,
// draining the CQ itself (and therefore dispatching any arriving AMs) the
// way a real AMRequestLong call does while its RDMA is in flight.
func (e *Engine) waitInflight(wrID uint64) error {
	for {
		e.inflightMu.Lock()
		ent, ok := e.inflight[wrID]
		e.inflightMu.Unlock()
		if !ok {
			return nil
		}
		if e.closed.Load() {
			return cmn.NewErrNotInit("Engine.waitInflight")
		}
		_ = e.AMPoll()
		runtime.Gosched()
	}
}

// --- send path -------------------------------------------------------

func (e *Engine) acquireSend(dest meta.Node) (*memsys.Bufd, error) {
	if e.closed.Load() {
		return nil, cmn.NewErrNotInit("Engine.acquireSend")
	}
	cep := e.cep(dest)
	if !cep.Credits.TryAcquire() {
		e.rec.CreditBlocked(dest)
		if !cep.Credits.Acquire() {
			return nil, cmn.NewErrNotInit("Engine.acquireSend: credits closed")
		}
	}
	bd := e.sendTok.Acquire()
	if bd == nil {
		cep.Credits.Return(1)
		return nil, cmn.NewErrNotInit("Engine.acquireSend: token pool closed")
	}
	return bd, nil
}

func (e *Engine) postRequest(dest meta.Node, f *Frame, bd *memsys.Bufd) error {
	cep := e.cep(dest)
	buf := f.Encode()
	wrID := cep.nextWRID()
	e.trackInflight(wrID, bd)
	err := cep.WithSendLock(func() error { return e.conduit.PostSend(dest, wrID, buf) })
	if err != nil {
		e.completeInflight(wrID)
		cep.Credits.Return(1)
		return err
	}
	e.rec.AMSent(f.Category, len(buf))
	return nil
}

// postControl sends a frame that does not consume an AM credit (system
// frames, and replies -- the receiving side already reserved the buffer
// space when it let the request through).
func (e *Engine) postControl(dest meta.Node, f *Frame, bd *memsys.Bufd) error {
	cep := e.cep(dest)
	buf := f.Encode()
	wrID := cep.nextWRID()
	e.trackInflight(wrID, bd)
	if err := cep.WithSendLock(func() error { return e.conduit.PostSend(dest, wrID, buf) }); err != nil {
		e.completeInflight(wrID)
		return err
	}
	e.rec.AMSent(f.Category, len(buf))
	return nil
}

func (e *Engine) AMRequestShort(dest meta.Node, handlerID uint8, args []uint32) error {
	if len(args) > MaxArgs {
		return cmn.NewErrBadArg("AMRequestShort", fmt.Errorf("numargs %d > %d", len(args), MaxArgs))
	}
	bd, err := e.acquireSend(dest)
	if err != nil {
		return err
	}
	f := &Frame{Cmd: CmdReqMessage, Category: CatShort, HandlerID: handlerID, NumArgs: uint8(len(args))}
	copy(f.Args[:], args)
	return e.postRequest(dest, f, bd)
}

func (e *Engine) AMRequestMedium(dest meta.Node, handlerID uint8, args []uint32, payload []byte) error {
	if len(args) > MaxArgs {
		return cmn.NewErrBadArg("AMRequestMedium", fmt.Errorf("numargs %d > %d", len(args), MaxArgs))
	}
	bd, err := e.acquireSend(dest)
	if err != nil {
		return err
	}
	f := &Frame{Cmd: CmdReqMessage, Category: CatMedium, HandlerID: handlerID, NumArgs: uint8(len(args)), Size: uint32(len(payload)), Payload: payload}
	copy(f.Args[:], args)
	return e.postRequest(dest, f, bd)
}

// AMRequestLong RDMA-writes src into dest's segment at destAddr, waits for
// that write to complete (so src may be safely reused on return), then
// notifies dest with a header-only frame. destAddr must lie inside dest's
// published segment (spec.md §4.1 edge case: otherwise BAD_ARG).
func (e *Engine) AMRequestLong(dest meta.Node, handlerID uint8, args []uint32, src []byte, destAddr uintptr) error {
	if err := e.checkDest(dest, destAddr, len(src)); err != nil {
		return err
	}
	bd, err := e.acquireSend(dest)
	if err != nil {
		return err
	}
	cep := e.cep(dest)
	rdmaWR := cep.nextWRID()
	e.trackInflight(rdmaWR, nil)
	if err := e.conduit.RDMAWrite(dest, 0, destAddr, src, rdmaWR); err != nil {
		e.completeInflight(rdmaWR)
		e.sendTok.Release(bd)
		cep.Credits.Return(1)
		return err
	}
	if err := e.waitInflight(rdmaWR); err != nil {
		e.sendTok.Release(bd)
		cep.Credits.Return(1)
		return err
	}
	entry, _ := e.segTable.Entry(int(dest))
	f := &Frame{Cmd: CmdReqMessage, Category: CatLong, HandlerID: handlerID, NumArgs: uint8(len(args)), Offset: uint32(destAddr - entry.Base), Size: uint32(len(src))}
	copy(f.Args[:], args)
	return e.postRequest(dest, f, bd)
}

// AMRequestLongAsync bounces src through a pinned scratch buffer and
// returns once the RDMA is merely posted, not completed: the caller's src
// may be reused immediately, at the cost of one extra copy (spec.md §4.1
// / SPEC_FULL.md supplemented feature).
func (e *Engine) AMRequestLongAsync(dest meta.Node, handlerID uint8, args []uint32, src []byte, destAddr uintptr) error {
	if err := e.checkDest(dest, destAddr, len(src)); err != nil {
		return err
	}
	scratch, slab := e.bounce.Get(len(src))
	copy(scratch, src)
	bd, err := e.acquireSend(dest)
	if err != nil {
		e.bounce.Put(slab, scratch)
		return err
	}
	cep := e.cep(dest)
	rdmaWR := cep.nextWRID()
	e.trackInflight(rdmaWR, nil)
	if err := e.conduit.RDMAWrite(dest, 0, destAddr, scratch, rdmaWR); err != nil {
		e.completeInflight(rdmaWR)
		e.sendTok.Release(bd)
		cep.Credits.Return(1)
		e.bounce.Put(slab, scratch)
		return err
	}
	go func() {
		_ = e.waitInflight(rdmaWR)
		e.bounce.Put(slab, scratch)
	}()
	entry, _ := e.segTable.Entry(int(dest))
	f := &Frame{Cmd: CmdReqMessage, Category: CatAsyncLong, HandlerID: handlerID, NumArgs: uint8(len(args)), Offset: uint32(destAddr - entry.Base), Size: uint32(len(src))}
	copy(f.Args[:], args)
	return e.postRequest(dest, f, bd)
}

func (e *Engine) checkDest(dest meta.Node, destAddr uintptr, n int) error {
	if !e.job.Valid(dest) {
		return cmn.NewErrBadArg("Engine: dest", fmt.Errorf("node %d invalid", dest))
	}
	entry, err := e.segTable.Entry(int(dest))
	if err != nil {
		return cmn.NewErrBadArg("Engine: dest segment", err)
	}
	if destAddr < entry.Base || int64(destAddr-entry.Base)+int64(n) > entry.Size {
		return cmn.NewErrBadArg("Engine: dest_addr", fmt.Errorf("addr %#x len %d outside node %d segment", destAddr, n, dest))
	}
	return nil
}

// --- reply path --------------------------------------------------------

func (e *Engine) reply(tok Token, f *Frame) error {
	if !tok.MarkReplied() {
		return cmn.NewErrBadArg("Engine.reply", fmt.Errorf("handler already replied to this token"))
	}
	dest := meta.Node(tok.Src)
	cep := e.cep(dest)
	if n := cep.Credits.PendingReturn(true); n > 0 {
		e.sendCreditReturn(dest, n)
	}
	// The reply-scratch bufd is never drawn from the send-token pool, so
	// postControl has nothing to release back to it on completion.
	return e.postControl(dest, f, nil)
}

func (e *Engine) AMReplyShort(tok Token, handlerID uint8, args []uint32) error {
	f := &Frame{Cmd: CmdReplyMessage, Category: CatShort, HandlerID: handlerID, NumArgs: uint8(len(args))}
	copy(f.Args[:], args)
	return e.reply(tok, f)
}

func (e *Engine) AMReplyMedium(tok Token, handlerID uint8, args []uint32, payload []byte) error {
	f := &Frame{Cmd: CmdReplyMessage, Category: CatMedium, HandlerID: handlerID, NumArgs: uint8(len(args)), Size: uint32(len(payload)), Payload: payload}
	copy(f.Args[:], args)
	return e.reply(tok, f)
}

func (e *Engine) AMReplyLong(tok Token, handlerID uint8, args []uint32, src []byte, destAddr uintptr) error {
	dest := meta.Node(tok.Src)
	if err := e.checkDest(dest, destAddr, len(src)); err != nil {
		return err
	}
	cep := e.cep(dest)
	wrID := cep.nextWRID()
	if err := e.conduit.RDMAWrite(dest, 0, destAddr, src, wrID); err != nil {
		return err
	}
	if err := e.waitInflight(wrID); err != nil {
		return err
	}
	entry, _ := e.segTable.Entry(int(dest))
	f := &Frame{Cmd: CmdReplyMessage, Category: CatLong, HandlerID: handlerID, NumArgs: uint8(len(args)), Offset: uint32(destAddr - entry.Base), Size: uint32(len(src))}
	copy(f.Args[:], args)
	return e.reply(tok, f)
}

func (e *Engine) sendCreditReturn(dest meta.Node, n int) {
	f := &Frame{Cmd: CmdSystem, NumArgs: 1}
	f.Args[0] = uint32(n)
	cep := e.cep(dest)
	buf := f.Encode()
	wrID := cep.nextWRID()
	e.trackInflight(wrID, nil)
	if err := cep.WithSendLock(func() error { return e.conduit.PostSend(dest, wrID, buf) }); err != nil {
		e.completeInflight(wrID)
		nlog.Warningf("transport: credit return to node %d failed: %v", dest, err)
	}
}

// AMGetMsgSource returns the node that originated the request tok answers.
func AMGetMsgSource(tok Token) meta.Node { return meta.Node(tok.Src) }

// --- receive / poll path ----------------------------------------------

const pollBatch = 64

// AMPoll drains completions off the conduit's CQ and dispatches any
// arrived requests/replies to their registered handlers. It is the only
// place user handlers run; it must never be called concurrently with
// itself on the same engine (spec.md §4.1's single-poller model).
func (e *Engine) AMPoll() error {
	e.pollMu.Lock()
	defer e.pollMu.Unlock()
	comps := e.conduit.PollCQ(pollBatch)
	for _, c := range comps {
		if c.Err != nil {
			nlog.Warningln("transport: completion error:", c.Err)
			continue
		}
		switch c.Kind {
		case SendComplete:
			e.completeInflight(c.WRID)
		case RecvComplete:
			e.dispatch(c.Src, c.Frame)
		}
	}
	return nil
}

func (e *Engine) dispatch(src meta.Node, raw []byte) {
	if e.shutdown != nil && e.shutdown() {
		return // handler table is treated as swapped for a no-op during shutdown tail
	}
	f, err := Decode(raw)
	if err != nil {
		nlog.Warningln("transport: malformed frame from", src, ":", err)
		return
	}
	if f.IsSystem() {
		e.cep(src).Credits.Return(int(f.Args[0]))
		return
	}
	entry, err := e.handlers.lookup(f.HandlerID)
	if err != nil {
		nlog.Warningln("transport: dispatch:", err)
		return
	}
	cat := f.Category
	if cat == CatAsyncLong {
		cat = CatLong // async Long frames are served by RegisterLong handlers
	}
	if entry.category != cat {
		nlog.Warningf("transport: handler %d category mismatch: registered %d, frame %d", f.HandlerID, entry.category, f.Category)
		return
	}
	e.rec.AMRecv(f.Category, len(raw))

	already := f.IsReply() // a reply handler may never itself reply
	tok := Token{Src: int(src), InFlate: 0, replied: atomic.NewBool(already)}

	// Earn this request's returnable credit before the handler runs: the
	// handler's own AMReply* call forces a PendingReturn flush on its way
	// out (see Engine.reply), and that flush must see this credit as
	// already owed, or it ships one reply short and this credit doesn't
	// reach the peer until some later, unrelated reply piggybacks it.
	if f.IsRequest() {
		e.cep(src).Credits.Earn()
	}

	switch f.Category {
	case CatShort:
		if entry.short != nil {
			entry.short(tok, f.Args[:f.NumArgs])
		}
	case CatMedium:
		if entry.medium != nil {
			entry.medium(tok, f.Args[:f.NumArgs], f.Payload)
		}
	case CatLong, CatAsyncLong:
		if entry.long != nil {
			var dest []byte
			if e.mySeg != nil {
				off := f.Offset
				dest = e.mySeg.Bytes()[off : off+f.Size]
			}
			entry.long(tok, f.Args[:f.NumArgs], dest)
		}
	}
}

func (e *Engine) Close() {
	e.closed.Store(true)
	e.sendTok.Close()
	for _, c := range e.ceps {
		c.Credits.Close()
	}
}
