package atomic

import "testing"

func TestInt64IncDecAdd(t *testing.T) {
	i := NewInt64(10)
	if got := i.Inc(); got != 11 {
		t.Fatalf("Inc: got %d, want 11", got)
	}
	if got := i.Dec(); got != 10 {
		t.Fatalf("Dec: got %d, want 10", got)
	}
	if got := i.Add(5); got != 15 {
		t.Fatalf("Add: got %d, want 15", got)
	}
	i.Store(42)
	if got := i.Load(); got != 42 {
		t.Fatalf("Store/Load: got %d, want 42", got)
	}
}

func TestInt64CASAndSwap(t *testing.T) {
	i := NewInt64(1)
	if !i.CAS(1, 2) {
		t.Fatal("expected CAS(1,2) to succeed")
	}
	if i.CAS(1, 3) {
		t.Fatal("expected CAS(1,3) to fail, value is now 2")
	}
	if got := i.Swap(9); got != 2 {
		t.Fatalf("Swap returned %d, want prior value 2", got)
	}
	if i.Load() != 9 {
		t.Fatal("expected value 9 after Swap")
	}
}

func TestInt32Basic(t *testing.T) {
	i := NewInt32(0)
	i.Inc()
	i.Inc()
	i.Dec()
	if i.Load() != 1 {
		t.Fatalf("got %d, want 1", i.Load())
	}
	if !i.CAS(1, 5) || i.Load() != 5 {
		t.Fatal("CAS(1,5) should succeed and set value to 5")
	}
}

func TestBoolCASClaimsSingleWriter(t *testing.T) {
	b := NewBool(false)
	if b.Load() {
		t.Fatal("expected initial value false")
	}
	if !b.CAS(false, true) {
		t.Fatal("first CAS(false,true) must succeed")
	}
	if b.CAS(false, true) {
		t.Fatal("second CAS(false,true) must fail: already true")
	}
	if !b.Load() {
		t.Fatal("expected value true after a winning CAS")
	}
}

func TestUint32IncAndStore(t *testing.T) {
	var u Uint32
	u.Store(3)
	u.Inc()
	if u.Load() != 4 {
		t.Fatalf("got %d, want 4", u.Load())
	}
}
