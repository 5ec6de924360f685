package segment

import "testing"

func TestAlignUp(t *testing.T) {
	ps := int64(PageSize())
	if got := AlignUp(1); got != ps {
		t.Fatalf("AlignUp(1) = %d, want %d", got, ps)
	}
	if got := AlignUp(ps); got != ps {
		t.Fatalf("AlignUp(pagesize) = %d, want %d (already aligned)", got, ps)
	}
	if got := AlignUp(ps + 1); got != 2*ps {
		t.Fatalf("AlignUp(pagesize+1) = %d, want %d", got, 2*ps)
	}
}

func TestAttachAndContains(t *testing.T) {
	s, err := Attach(int64(PageSize()), false)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	defer s.Detach()

	if !s.Contains(s.Base, int64(PageSize())) {
		t.Fatal("expected the whole segment to be contained in itself")
	}
	if s.Contains(s.Base-1, 1) {
		t.Fatal("address before the segment must not be contained")
	}
	if s.Contains(s.Base, s.Size+1) {
		t.Fatal("a range extending past the segment must not be contained")
	}
}

func TestAttachPinned(t *testing.T) {
	s, err := Attach(int64(PageSize()), true)
	if err != nil {
		t.Skipf("mlock unavailable in this sandbox: %v", err)
	}
	defer s.Detach()
	if !s.pinned {
		t.Fatal("expected pinned to be set after a pinning Attach")
	}
}

func TestDetachIsIdempotent(t *testing.T) {
	s, err := Attach(int64(PageSize()), false)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if err := s.Detach(); err != nil {
		t.Fatalf("first Detach: %v", err)
	}
	if err := s.Detach(); err != nil {
		t.Fatalf("second Detach should be a no-op, got: %v", err)
	}
}

func TestTableEntryBounds(t *testing.T) {
	tbl := NewTable([]Entry{{Base: 0x1000, Size: 4096}, {Base: 0x2000, Size: 4096}})
	e, err := tbl.Entry(1)
	if err != nil || e.Base != 0x2000 {
		t.Fatalf("Entry(1) = %+v, %v", e, err)
	}
	if _, err := tbl.Entry(2); err == nil {
		t.Fatal("expected an out-of-range error for node 2")
	}
	if _, err := tbl.Entry(-1); err == nil {
		t.Fatal("expected an out-of-range error for node -1")
	}
}

func TestTableCheckAligned(t *testing.T) {
	aligned := NewTable([]Entry{{Base: 0x1000, Size: 4096}, {Base: 0x1000, Size: 4096}})
	if err := aligned.CheckAligned(); err != nil {
		t.Fatalf("expected aligned table to pass, got %v", err)
	}
	unaligned := NewTable([]Entry{{Base: 0x1000, Size: 4096}, {Base: 0x2000, Size: 4096}})
	if err := unaligned.CheckAligned(); err == nil {
		t.Fatal("expected an error for mismatched bases")
	}
	empty := NewTable(nil)
	if err := empty.CheckAligned(); err != nil {
		t.Fatalf("expected an empty table to trivially pass, got %v", err)
	}
}

func TestMaxPinnableIsBoundedAndNonNegative(t *testing.T) {
	got := MaxPinnable(4 * int64(PageSize()))
	if got < 0 {
		t.Fatalf("MaxPinnable returned negative: %d", got)
	}
	if got > 4*int64(PageSize()) {
		t.Fatalf("MaxPinnable exceeded its cap: %d", got)
	}
}
