package transport

import (
	"fmt"

	"github.com/gasnet-go/gasnet/cmn"
	"github.com/gasnet-go/gasnet/cmn/atomic"
)

// MaxNumHandlers bounds handler_id (spec.md §3, the frame's single byte).
const MaxNumHandlers = 256

// Reserved handler-id ranges (spec.md §3): core [1,63], extended [64,127],
// client [128,255]. 0 is never a valid handler id.
const (
	CoreHandlersLo     = 1
	CoreHandlersHi     = 63
	ExtendedHandlersLo = 64
	ExtendedHandlersHi = 127
	ClientHandlersLo   = 128
	ClientHandlersHi   = 255
)

// Token identifies the request a reply must answer; AMGetMsgSource and the
// one-reply-per-token rule are both enforced against it.
type Token struct {
	Src     int // node that sent the request this token answers
	InFlate uint64

	replied *atomic.Bool // CAS-guarded: at most one AMReply* per token (spec.md §4.1)
}

// MarkReplied claims the single allowed reply for this token, returning
// false if a reply was already sent -- the handler-in-handler /
// double-reply programming error spec.md §4.1 calls out as BAD_ARG.
func (t *Token) MarkReplied() bool { return t.replied.CAS(false, true) }

// HandlerShort/Medium/Long are the three request-side and reply-side
// signatures a client registers (spec.md §3 "AM handler table").
type HandlerShort func(tok Token, args []uint32)
type HandlerMedium func(tok Token, args []uint32, payload []byte)
type HandlerLong func(tok Token, args []uint32, dest []byte)

// handlerEntry holds whichever of the three signatures was registered;
// category is checked at dispatch so a Short frame never invokes a
// Medium-registered handler.
type handlerEntry struct {
	category Category
	short    HandlerShort
	medium   HandlerMedium
	long     HandlerLong
}

// HandlerTable is sized MAX_NUMHANDLERS and enforces registration
// bijectivity: each id may be claimed exactly once (spec.md §4.1 edge
// case "duplicate handler_id is BAD_ARG").
type HandlerTable struct {
	entries [MaxNumHandlers]*handlerEntry
}

func NewHandlerTable() *HandlerTable { return &HandlerTable{} }

func (t *HandlerTable) RegisterShort(id uint8, lo, hi int, fn HandlerShort) error {
	return t.register(id, lo, hi, &handlerEntry{category: CatShort, short: fn})
}

func (t *HandlerTable) RegisterMedium(id uint8, lo, hi int, fn HandlerMedium) error {
	return t.register(id, lo, hi, &handlerEntry{category: CatMedium, medium: fn})
}

func (t *HandlerTable) RegisterLong(id uint8, lo, hi int, fn HandlerLong) error {
	return t.register(id, lo, hi, &handlerEntry{category: CatLong, long: fn})
}

func (t *HandlerTable) register(id uint8, lo, hi int, e *handlerEntry) error {
	if int(id) < lo || int(id) > hi {
		return cmn.NewErrBadArg("HandlerTable.Register", fmt.Errorf("handler_id %d outside [%d,%d]", id, lo, hi))
	}
	if t.entries[id] != nil {
		return cmn.NewErrBadArg("HandlerTable.Register", fmt.Errorf("handler_id %d already registered", id))
	}
	t.entries[id] = e
	return nil
}

func (t *HandlerTable) lookup(id uint8) (*handlerEntry, error) {
	e := t.entries[id]
	if e == nil {
		return nil, cmn.NewErrBadArg("HandlerTable.lookup", fmt.Errorf("handler_id %d not registered", id))
	}
	return e, nil
}
