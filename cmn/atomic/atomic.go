// Package atomic provides thin typed wrappers over sync/atomic, grounded
// on the teacher's cmn/atomic (seen as `atomic.Int64`, `atomic.Int32`,
// `.Inc()`, `.Dec()`, `.CAS()` throughout transport/send.go and
// xact/xs/tcb.go).
package atomic

import "sync/atomic"

type Int64 struct{ v int64 }

func NewInt64(v int64) *Int64     { return &Int64{v: v} }
func (i *Int64) Load() int64      { return atomic.LoadInt64(&i.v) }
func (i *Int64) Store(v int64)    { atomic.StoreInt64(&i.v, v) }
func (i *Int64) Inc() int64       { return atomic.AddInt64(&i.v, 1) }
func (i *Int64) Dec() int64       { return atomic.AddInt64(&i.v, -1) }
func (i *Int64) Add(d int64) int64 { return atomic.AddInt64(&i.v, d) }
func (i *Int64) CAS(old, new int64) bool {
	return atomic.CompareAndSwapInt64(&i.v, old, new)
}
func (i *Int64) Swap(v int64) int64 { return atomic.SwapInt64(&i.v, v) }

type Int32 struct{ v int32 }

func NewInt32(v int32) *Int32     { return &Int32{v: v} }
func (i *Int32) Load() int32      { return atomic.LoadInt32(&i.v) }
func (i *Int32) Store(v int32)    { atomic.StoreInt32(&i.v, v) }
func (i *Int32) Inc() int32       { return atomic.AddInt32(&i.v, 1) }
func (i *Int32) Dec() int32       { return atomic.AddInt32(&i.v, -1) }
func (i *Int32) Add(d int32) int32 { return atomic.AddInt32(&i.v, d) }
func (i *Int32) CAS(old, new int32) bool {
	return atomic.CompareAndSwapInt32(&i.v, old, new)
}

type Bool struct{ v int32 }

func NewBool(v bool) *Bool { b := &Bool{}; b.Store(v); return b }
func (b *Bool) Load() bool { return atomic.LoadInt32(&b.v) != 0 }
func (b *Bool) Store(v bool) {
	if v {
		atomic.StoreInt32(&b.v, 1)
	} else {
		atomic.StoreInt32(&b.v, 0)
	}
}

// CAS compares-and-swaps the boolean value; it is the only safe way to
// claim a single-writer slot (see exit.elect, which must never use a bare
// decrement per the spec's documented source-bug warning).
func (b *Bool) CAS(old, new bool) bool {
	var o, n int32
	if old {
		o = 1
	}
	if new {
		n = 1
	}
	return atomic.CompareAndSwapInt32(&b.v, o, n)
}

type Uint32 struct{ v uint32 }

func (u *Uint32) Load() uint32   { return atomic.LoadUint32(&u.v) }
func (u *Uint32) Store(v uint32) { atomic.StoreUint32(&u.v, v) }
func (u *Uint32) Inc() uint32    { return atomic.AddUint32(&u.v, 1) }
