// Package transport implements gasnet's Active Message wire frame, the
// send/receive plant (prepinned bufds, bounded-flight token pool,
// completion reaping, poll loop), and the AM engine itself. Grounded on
// the teacher's transport package (transport/send.go's insHeader /
// insString / insByte binary layout, transport/api.go's Stream/Extra
// shape), reworked from object-stream framing to the fixed, conduit-private
// AM frame of spec.md §3.
package transport

import (
	"encoding/binary"
	"fmt"

	"github.com/gasnet-go/gasnet/cmn"
)

// Cmd is the first byte of every AM frame.
type Cmd uint8

const (
	CmdReqMessage Cmd = iota + 1
	CmdReplyMessage
	CmdSystem
)

// Category is the second byte of every AM frame.
type Category uint8

const (
	CatShort Category = iota + 1
	CatMedium
	CatLong
	CatAsyncLong
)

// MaxArgs bounds numargs (spec.md §6 accessor MaxArgs).
const MaxArgs = 16

// frameHeaderLen is the fixed portion preceding args[]/payload[]:
// cmd(1) | category(1) | handler_id(1) | numargs(1) | offset(4) | size(4)
const frameHeaderLen = 1 + 1 + 1 + 1 + 4 + 4

// Frame is the packed, byte-exact layout of spec.md §3:
//
//	cmd(1) | category(1) | handler_id(1) | numargs(1)
//	offset(4) | size(4)
//	args[numargs * 4]
//	payload[size]      (Medium only)
//
// Long and AsyncLong frames never carry their data in the frame: the data
// is RDMA-written into the destination segment first, and size gives its
// length there. Decode reads payload bytes for Medium frames only.
type Frame struct {
	Cmd       Cmd
	Category  Category
	HandlerID uint8
	NumArgs   uint8
	Offset    uint32 // dest_addr offset within destination segment, Long only
	Size      uint32 // payload size (Medium) or RDMA-written length (Long)
	Args      [MaxArgs]uint32
	Payload   []byte // inline payload, Medium only
}

// Encode serializes f into a fresh []byte, sized exactly to its contents.
func (f *Frame) Encode() []byte {
	buf := make([]byte, frameHeaderLen+int(f.NumArgs)*4+len(f.Payload))
	buf[0] = byte(f.Cmd)
	buf[1] = byte(f.Category)
	buf[2] = f.HandlerID
	buf[3] = f.NumArgs
	binary.BigEndian.PutUint32(buf[4:8], f.Offset)
	binary.BigEndian.PutUint32(buf[8:12], f.Size)
	off := frameHeaderLen
	for i := 0; i < int(f.NumArgs); i++ {
		binary.BigEndian.PutUint32(buf[off:off+4], f.Args[i])
		off += 4
	}
	copy(buf[off:], f.Payload)
	return buf
}

// Decode parses buf into a Frame. The returned Frame's Payload aliases buf;
// callers that retain it past the current poll pass must copy.
func Decode(buf []byte) (*Frame, error) {
	if len(buf) < frameHeaderLen {
		return nil, cmn.NewErrRawMsg("transport.Decode", fmt.Errorf("short frame: %d bytes", len(buf)))
	}
	f := &Frame{
		Cmd:       Cmd(buf[0]),
		Category:  Category(buf[1]),
		HandlerID: buf[2],
		NumArgs:   buf[3],
		Offset:    binary.BigEndian.Uint32(buf[4:8]),
		Size:      binary.BigEndian.Uint32(buf[8:12]),
	}
	if f.NumArgs > MaxArgs {
		return nil, cmn.NewErrRawMsg("transport.Decode", fmt.Errorf("numargs %d > MaxArgs %d", f.NumArgs, MaxArgs))
	}
	off := frameHeaderLen
	need := off + int(f.NumArgs)*4
	if len(buf) < need {
		return nil, cmn.NewErrRawMsg("transport.Decode", fmt.Errorf("short frame: %d bytes, need %d", len(buf), need))
	}
	for i := 0; i < int(f.NumArgs); i++ {
		f.Args[i] = binary.BigEndian.Uint32(buf[off : off+4])
		off += 4
	}
	// Size means different things per category: for Medium it is the
	// length of the payload packed right after args[] in this same frame;
	// for Long/AsyncLong it is the RDMA length already delivered straight
	// into the destination segment by RDMAWrite, with nothing trailing
	// the header here (engine.dispatch slices mySeg using Offset/Size
	// instead). Only Medium's Size is ever in-frame trailing bytes.
	if f.Category == CatMedium {
		if len(buf) < off+int(f.Size) {
			return nil, cmn.NewErrRawMsg("transport.Decode", fmt.Errorf("short payload: have %d, want %d", len(buf)-off, f.Size))
		}
		f.Payload = buf[off : off+int(f.Size)]
	}
	return f, nil
}

func (f *Frame) IsRequest() bool { return f.Cmd == CmdReqMessage }
func (f *Frame) IsReply() bool   { return f.Cmd == CmdReplyMessage }
func (f *Frame) IsSystem() bool  { return f.Cmd == CmdSystem }
