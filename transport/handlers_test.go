package transport

import (
	"testing"

	"github.com/gasnet-go/gasnet/cmn/atomic"
)

func TestHandlerTableRegistrationBijectivity(t *testing.T) {
	tbl := NewHandlerTable()
	if err := tbl.RegisterShort(10, ClientHandlersLo, ClientHandlersHi, func(Token, []uint32) {}); err != nil {
		t.Fatalf("first registration: %v", err)
	}
	if err := tbl.RegisterShort(10, ClientHandlersLo, ClientHandlersHi, func(Token, []uint32) {}); err == nil {
		t.Fatal("expected BAD_ARG on duplicate handler_id")
	}
}

func TestHandlerTableRangeEnforcement(t *testing.T) {
	tbl := NewHandlerTable()
	if err := tbl.RegisterShort(5, ClientHandlersLo, ClientHandlersHi, func(Token, []uint32) {}); err == nil {
		t.Fatal("expected BAD_ARG for handler_id outside [lo,hi]")
	}
	if err := tbl.RegisterShort(200, CoreHandlersLo, CoreHandlersHi, func(Token, []uint32) {}); err == nil {
		t.Fatal("expected BAD_ARG for handler_id outside core range")
	}
}

func TestHandlerTableLookupUnregistered(t *testing.T) {
	tbl := NewHandlerTable()
	if _, err := tbl.lookup(99); err == nil {
		t.Fatal("expected error looking up an unregistered handler_id")
	}
}

func TestTokenMarkRepliedOnce(t *testing.T) {
	tok := Token{Src: 0, replied: atomic.NewBool(false)}
	if !tok.MarkReplied() {
		t.Fatal("first MarkReplied should succeed")
	}
	if tok.MarkReplied() {
		t.Fatal("second MarkReplied on the same token must fail")
	}
}
