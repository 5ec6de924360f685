// Package mono provides monotonic-clock helpers, grounded on the teacher's
// cmn/mono (mono.NanoTime, mono.Since used in xact/xs/tcb.go to track the
// last-receive timestamp used by quiescence detection).
package mono

import "time"

var start = time.Now()

// NanoTime returns a monotonic nanosecond counter anchored at process
// start; safe to store in an atomic.Int64 and compare with Since.
func NanoTime() int64 { return int64(time.Since(start)) }

func Since(t int64) time.Duration { return time.Duration(NanoTime() - t) }
