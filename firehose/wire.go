package firehose

import (
	"encoding/binary"

	"github.com/gasnet-go/gasnet/cmn"
)

// region is the wire pair spec.md §6 names: region = { addr: u64, len: u64 }.
type region struct {
	Addr uint64
	Len  uint64
}

const regionWireLen = 8 + 8

// moveMsg is the FH_MOVE_REQ/FH_MOVE_REP payload: new_regions, then
// old_regions (old_regions is always empty on a reply). rkeys on a reply
// are carried one-per-new-region in RKeys, parallel to NewRegions.
type moveMsg struct {
	NewRegions []region
	OldRegions []region
	RKeys      []uint64 // populated on FH_MOVE_REP only
}

func encodeMove(m moveMsg) []byte {
	n := 4 + len(m.NewRegions)*regionWireLen + len(m.OldRegions)*regionWireLen + len(m.RKeys)*8
	buf := make([]byte, n)
	binary.BigEndian.PutUint16(buf[0:2], uint16(len(m.NewRegions)))
	binary.BigEndian.PutUint16(buf[2:4], uint16(len(m.OldRegions)))
	off := 4
	for _, r := range m.NewRegions {
		binary.BigEndian.PutUint64(buf[off:off+8], r.Addr)
		binary.BigEndian.PutUint64(buf[off+8:off+16], r.Len)
		off += regionWireLen
	}
	for _, r := range m.OldRegions {
		binary.BigEndian.PutUint64(buf[off:off+8], r.Addr)
		binary.BigEndian.PutUint64(buf[off+8:off+16], r.Len)
		off += regionWireLen
	}
	for _, k := range m.RKeys {
		binary.BigEndian.PutUint64(buf[off:off+8], k)
		off += 8
	}
	return buf
}

func decodeMove(buf []byte, withRKeys bool) (moveMsg, error) {
	if len(buf) < 4 {
		return moveMsg{}, cmn.NewErrRawMsg("firehose.decodeMove", errShort)
	}
	numNew := int(binary.BigEndian.Uint16(buf[0:2]))
	numOld := int(binary.BigEndian.Uint16(buf[2:4]))
	off := 4
	need := off + numNew*regionWireLen + numOld*regionWireLen
	if withRKeys {
		need += numNew * 8
	}
	if len(buf) < need {
		return moveMsg{}, cmn.NewErrRawMsg("firehose.decodeMove", errShort)
	}
	m := moveMsg{}
	for i := 0; i < numNew; i++ {
		m.NewRegions = append(m.NewRegions, region{
			Addr: binary.BigEndian.Uint64(buf[off : off+8]),
			Len:  binary.BigEndian.Uint64(buf[off+8 : off+16]),
		})
		off += regionWireLen
	}
	for i := 0; i < numOld; i++ {
		m.OldRegions = append(m.OldRegions, region{
			Addr: binary.BigEndian.Uint64(buf[off : off+8]),
			Len:  binary.BigEndian.Uint64(buf[off+8 : off+16]),
		})
		off += regionWireLen
	}
	if withRKeys {
		for i := 0; i < numNew; i++ {
			m.RKeys = append(m.RKeys, binary.BigEndian.Uint64(buf[off:off+8]))
			off += 8
		}
	}
	return m, nil
}

type shortFrameErr string

func (e shortFrameErr) Error() string { return string(e) }

const errShort = shortFrameErr("short FH_MOVE frame")
