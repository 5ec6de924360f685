// Package cos holds small utilities shared across gasnet packages,
// grounded on the teacher's cmn/cos (StopCh, JoinWords, SizeofI64,
// ToSizeIEC, Assert, IsEOF, Close all appear under that name in
// transport/send.go and transport/bundle/stream_bundle.go).
package cos

import (
	"fmt"
	"io"
	"strings"
)

const SizeofI64 = 8

// StopCh is a close-once broadcast channel, grounded on cmn.StopCh /
// cmn.NewStopCh used pervasively in transport/send.go for lastCh/stopCh.
type StopCh struct {
	ch   chan struct{}
	once chan struct{}
}

func NewStopCh() *StopCh {
	return &StopCh{ch: make(chan struct{}), once: make(chan struct{}, 1)}
}

func (s *StopCh) Close() {
	select {
	case s.once <- struct{}{}:
		close(s.ch)
	default:
	}
}

func (s *StopCh) Listen() <-chan struct{} { return s.ch }

func JoinWords(words ...string) string { return strings.Join(words, "/") }

// ToSizeIEC formats n using IEC binary units (KiB, MiB, ...), rounded to
// `digits` decimals.
func ToSizeIEC(n int64, digits int) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%dB", n)
	}
	div, exp := int64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	val := float64(n) / float64(div)
	return fmt.Sprintf("%.*f%ciB", digits, val, "KMGTPE"[exp])
}

// Trunc bounds a diagnostic string to n runes, the structural fix for the
// REDESIGN FLAG calling out the elan-conduit's unbounded sprintf into a
// fixed 255-byte buffer: it works on a Go string, so there is no fixed
// backing array to overrun. No diagnostic path in this module calls it.
func Trunc(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}

func IsEOF(err error) bool { return err == io.EOF }

// ReadOpenCloser is a reader that can be closed and reopened from the
// start. Nothing in this module implements or consumes it.
type ReadOpenCloser interface {
	io.ReadCloser
	Open() (io.ReadCloser, error)
}

func Close(c io.Closer) {
	if c == nil {
		return
	}
	_ = c.Close()
}

func Assert(cond bool, args ...any) {
	if !cond {
		panic(fmt.Sprint(args...))
	}
}
