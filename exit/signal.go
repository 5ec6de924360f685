package exit

import (
	"os"
	"os/signal"
	"syscall"
)

// InstallLastDitch arms the signal-safe last-ditch path (spec.md §4.5
// tail): on SIGALRM, SIGSEGV, SIGBUS, SIGFPE, or SIGILL (and SIGABRT when
// includeAbort is set), it invokes the bootstrap's abort primitive
// exactly once, then terminates via syscall.Exit -- deliberately
// bypassing os.Exit's atexit-adjacent machinery and this package's own
// mutex-guarded Tail path, both of which are unsafe to reenter from a
// signal handler. Per the documented source bug this design avoids: the
// single-invocation guard is a CAS on lastDitchFired, never a bare
// decrement, and nothing here re-initializes a process-wide mutex.
func (c *Coordinator) InstallLastDitch(includeAbort bool) chan<- os.Signal {
	sigs := []os.Signal{syscall.SIGALRM, syscall.SIGSEGV, syscall.SIGBUS, syscall.SIGFPE, syscall.SIGILL}
	if includeAbort {
		sigs = append(sigs, syscall.SIGABRT)
	}
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, sigs...)
	go func() {
		for range ch {
			c.signalSafeExit()
		}
	}()
	return ch
}

// signalSafeExit is the body the installed handler goroutine runs. Real
// GASNet conduits do this work directly inside the signal handler frame;
// Go has no safe equivalent (the runtime does not permit arbitrary work
// in a true signal handler), so the nearest faithful rendition is a
// pre-armed goroutine parked on signal.Notify, woken only by the signals
// this function cares about.
func (c *Coordinator) signalSafeExit() {
	if !c.lastDitchFired.CAS(false, true) {
		return
	}
	if c.boot != nil {
		c.boot.Abort(1)
	}
	syscall.Exit(1)
}
