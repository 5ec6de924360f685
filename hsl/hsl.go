// Package hsl implements Handler-Safe Locks: mutexes a client may hold
// both from ordinary thread context and from inside an AM handler running
// on the poll thread, without deadlocking the poller against itself.
// Grounded on the teacher's own lock wrappers (cmn/atomic's CAS-based
// single-writer claims, as used by xact/xs/tcb.go's refcounted
// Quiesce/Abort pair). The Lock here is not recursive: a goroutine that
// already holds a Lock and calls Lock on it again blocks forever, and
// nothing detects that case.
package hsl

import (
	"fmt"
	"sync"

	"github.com/gasnet-go/gasnet/cmn"
	"github.com/gasnet-go/gasnet/cmn/debug"
	"github.com/gasnet-go/gasnet/cmn/mono"
)

// Lock is a plain, non-recursive mutual-exclusion lock usable from both
// ordinary and handler context. Recursive acquisition by the same
// goroutine is a programming error (spec.md §4.3 edge case); it is not
// detected and deadlocks. Debug builds only assert on Unlock of a lock
// that is not held.
type Lock struct {
	mu sync.Mutex

	debugMu   sync.Mutex
	held      bool
	heldSince int64
}

func New() *Lock { return &Lock{} }

// TryLock attempts a non-blocking acquire, the form AM handlers should
// prefer: a handler that blocks on HSL_TRYLOCK failing is expected to
// requeue the work and return, keeping the poll thread live.
func (l *Lock) TryLock() bool {
	if !l.mu.TryLock() {
		return false
	}
	l.markHeld()
	return true
}

// Lock blocks until acquired. Calling it from within a handler while
// holding no other lock is fine; calling it while already holding this
// same Lock on this goroutine is the deadlock spec.md §4.3 calls out:
// this call then blocks forever, in debug and release builds alike.
func (l *Lock) Lock() {
	l.mu.Lock()
	l.markHeld()
}

func (l *Lock) Unlock() {
	l.debugMu.Lock()
	if !l.held {
		l.debugMu.Unlock()
		debug.Assertf(false, "hsl: Unlock of a lock that is not held")
		return
	}
	l.held = false
	l.debugMu.Unlock()
	l.mu.Unlock()
}

func (l *Lock) markHeld() {
	l.debugMu.Lock()
	l.held = true
	l.heldSince = mono.NanoTime()
	l.debugMu.Unlock()
}

// HeldDuration reports how long the lock has been continuously held, for
// diagnosing a handler that never returns (spec.md §4.3's "handlers must
// not block indefinitely" invariant).
func (l *Lock) HeldDuration() (held bool, d int64) {
	l.debugMu.Lock()
	defer l.debugMu.Unlock()
	if !l.held {
		return false, 0
	}
	return true, mono.Since(l.heldSince).Nanoseconds()
}

// Destroy releases nothing; it returns a BAD_ARG error if the lock is
// still held, which is a programming error (spec.md §4.3 invariant (d)),
// and nil otherwise.
func (l *Lock) Destroy() error {
	l.debugMu.Lock()
	defer l.debugMu.Unlock()
	if l.held {
		return cmn.NewErrBadArg("hsl.Lock.Destroy", fmt.Errorf("destroyed while held"))
	}
	return nil
}
