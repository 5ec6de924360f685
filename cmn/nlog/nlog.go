// Package nlog is a minimal leveled logger used across gasnet, modeled on
// the teacher's own roll-your-own logger rather than an external library.
package nlog

import (
	"fmt"
	"log"
	"os"
	"sync/atomic"
)

// verbosity: module-independent global level, checked by FastV for
// hot-path call sites that would otherwise pay for formatting args
// they never print.
var verbosity int64

// well-known module tags used with FastV, mirroring the teacher's
// cos.Smodule* constants.
const (
	SmoduleTransport = "transport"
	SmoduleFirehose  = "firehose"
	SmoduleExit      = "exit"
	SmoduleAM        = "am"
)

var std = log.New(os.Stderr, "", log.LstdFlags|log.Lmicroseconds)

func SetVerbosity(v int) { atomic.StoreInt64(&verbosity, int64(v)) }

// FastV reports whether the given verbosity threshold is currently active
// for module (module is accepted for call-site readability and future
// per-module filtering; the global level is all that gates today).
func FastV(level int, module string) bool {
	_ = module
	return atomic.LoadInt64(&verbosity) >= int64(level)
}

func Infof(format string, args ...any)    { std.Output(2, "I "+fmt.Sprintf(format, args...)) }
func Infoln(args ...any)                  { std.Output(2, "I "+fmt.Sprintln(args...)) }
func Warningf(format string, args ...any) { std.Output(2, "W "+fmt.Sprintf(format, args...)) }
func Warningln(args ...any)               { std.Output(2, "W "+fmt.Sprintln(args...)) }
func Errorf(format string, args ...any)   { std.Output(2, "E "+fmt.Sprintf(format, args...)) }
func Errorln(args ...any)                 { std.Output(2, "E "+fmt.Sprintln(args...)) }

// Fatalln logs and exits the process. It must never be called from a path
// that still owes the exit coordinator a graceful shutdown attempt; see
// package exit for the coordinated alternative.
func Fatalln(args ...any) {
	std.Output(2, "F "+fmt.Sprintln(args...))
	os.Exit(1)
}
