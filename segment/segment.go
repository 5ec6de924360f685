// Package segment locates the per-node pinned region exposed to remote
// peers (spec.md §3 "Segment") and probes how much memory can
// simultaneously be pinned. The mmap-search heuristics themselves are an
// out-of-scope external collaborator per spec.md §1 -- this package only
// upholds the invariants: a contiguous, page-aligned region, and (when
// GASNET_ALIGNED_SEGMENTS is set) an identical base across nodes, checked
// post-attach. Grounded on original_source/gasnet_mmap.c and
// gasnet_internal.c's gasneti_getSystemPageSize, and wired to
// golang.org/x/sys/unix for the real mmap/mlock/munmap syscalls (an
// aistore dependency).
package segment

import (
	"fmt"
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/gasnet-go/gasnet/cmn"
)

// PageSize wraps unix.Getpagesize(), restoring the original's dynamic
// probe (original_source/gasnet_internal.c: gasneti_getSystemPageSize)
// instead of a hardcoded 4096.
func PageSize() int { return unix.Getpagesize() }

// AlignUp rounds n up to the next page boundary.
func AlignUp(n int64) int64 {
	ps := int64(PageSize())
	if n%ps == 0 {
		return n
	}
	return (n/ps + 1) * ps
}

// Segment is the contiguous, page-aligned, pinned region this node
// exposes to remote peers.
type Segment struct {
	Base uintptr
	Size int64

	mu     sync.Mutex
	mem    []byte
	pinned bool
}

// Attach mmaps (and, when requested, mlocks) a segment of at least
// reqSize bytes, rounded up to a whole page. The kernel chooses the
// address (real conduits walk candidate addresses); Attach takes no
// placement hint and records the result, which is sufficient to uphold
// this package's documented invariants.
func Attach(reqSize int64, pin bool) (*Segment, error) {
	size := AlignUp(reqSize)
	mem, err := unix.Mmap(-1, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, cmn.NewErrResource("segment.Attach", err)
	}
	base := uintptr(unsafe.Pointer(&mem[0]))
	s := &Segment{Base: base, Size: size, mem: mem}
	if pin {
		if err := unix.Mlock(mem); err != nil {
			_ = unix.Munmap(mem)
			return nil, cmn.NewErrResource("segment.Attach: mlock", err)
		}
		s.pinned = true
	}
	return s, nil
}

func (s *Segment) Bytes() []byte { return s.mem }

// Contains reports whether [addr, addr+n) lies entirely inside the
// segment -- the check spec.md §4.1 requires for every AMRequestLong
// dest_addr, failing which the call is BAD_ARG (a programming error, not
// a transport fault).
func (s *Segment) Contains(addr uintptr, n int64) bool {
	if addr < s.Base {
		return false
	}
	end := addr - s.Base + uintptr(n)
	return int64(end) <= s.Size
}

func (s *Segment) Detach() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mem == nil {
		return nil
	}
	if s.pinned {
		_ = unix.Munlock(s.mem)
	}
	err := unix.Munmap(s.mem)
	s.mem = nil
	return err
}

// Table holds every node's (base, size), published once after the
// segment-attach collective and read-only thereafter.
type Table struct {
	entries []Entry
}

type Entry struct {
	Base uintptr
	Size int64
}

func NewTable(entries []Entry) *Table { return &Table{entries: entries} }

func (t *Table) Entry(node int) (Entry, error) {
	if node < 0 || node >= len(t.entries) {
		return Entry{}, fmt.Errorf("segment: node %d out of range [0,%d)", node, len(t.entries))
	}
	return t.entries[node], nil
}

// CheckAligned verifies GASNET_ALIGNED_SEGMENTS: every node's base must
// be identical.
func (t *Table) CheckAligned() error {
	if len(t.entries) == 0 {
		return nil
	}
	base := t.entries[0].Base
	for i, e := range t.entries {
		if e.Base != base {
			return fmt.Errorf("segment: node %d base %#x != node 0 base %#x (GASNET_ALIGNED_SEGMENTS)", i, e.Base, base)
		}
	}
	return nil
}

// MaxPinnable probes the largest region this process can simultaneously
// mlock, by binary search -- the "pin probe" of spec.md's system overview
// table. Capped at maxTry bytes to keep the probe itself bounded.
func MaxPinnable(maxTry int64) int64 {
	lo, hi := int64(0), maxTry
	for hi-lo > int64(PageSize()) {
		mid := lo + (hi-lo)/2
		mid = AlignUp(mid)
		if tryPin(mid) {
			lo = mid
		} else {
			hi = mid
		}
	}
	return lo
}

func tryPin(n int64) bool {
	mem, err := unix.Mmap(-1, 0, int(n), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return false
	}
	defer unix.Munmap(mem)
	if err := unix.Mlock(mem); err != nil {
		return false
	}
	defer unix.Munlock(mem)
	return true
}
