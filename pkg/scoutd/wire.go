package scoutd

import (
	"encoding/binary"
	"fmt"

	"github.com/scoutfs/scoutd/pkg/errs"
	"github.com/scoutfs/scoutd/pkg/types"
)

// Fixed payload lengths for commands whose request/response shape never
// varies; validated by the dispatcher before the handler ever runs.
const (
	greetingReqLen    = 8 + 8 + 8 + 8 // fsid, version, server_term, flags
	allocInodesReqLen = 8         // count
	allocInodesRspLen = 8 + 8     // ino, nr
	getRootsRspLen    = 16 * 3    // fs, logs, srch block refs
	advanceSeqRspLen  = 8         // seq
	getLastSeqRspLen  = 8         // seq
	volOptReqLen      = 8         // bit
	setVolOptReqLen   = 8 + 8     // bit, value
	volOptRspLen      = 8         // value
	farewellRspLen    = 1         // held (0/1)
)

func decodeGreeting(buf []byte) (fsid, version, serverTerm uint64, flags types.MountedClientFlags, err error) {
	if len(buf) != greetingReqLen {
		return 0, 0, 0, 0, fmt.Errorf("%w: greeting payload wrong length", errs.Inval)
	}
	fsid = binary.LittleEndian.Uint64(buf[0:])
	version = binary.LittleEndian.Uint64(buf[8:])
	serverTerm = binary.LittleEndian.Uint64(buf[16:])
	flags = types.MountedClientFlags(binary.LittleEndian.Uint64(buf[24:]))
	return fsid, version, serverTerm, flags, nil
}

func decodeCount(buf []byte) uint64 {
	return binary.LittleEndian.Uint64(buf)
}

func encodeAllocInodes(ino, nr uint64) []byte {
	buf := make([]byte, allocInodesRspLen)
	binary.LittleEndian.PutUint64(buf[0:], ino)
	binary.LittleEndian.PutUint64(buf[8:], nr)
	return buf
}

func encodeRoots(fs, logs, srch types.BlockRef) []byte {
	buf := make([]byte, getRootsRspLen)
	putRef := func(off int, r types.BlockRef) {
		binary.LittleEndian.PutUint64(buf[off:], r.Blkno)
		binary.LittleEndian.PutUint64(buf[off+8:], r.Seq)
	}
	putRef(0, fs)
	putRef(16, logs)
	putRef(32, srch)
	return buf
}

func encodeSeq(seq uint64) []byte {
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, seq)
	return buf
}

func decodeVolOptBit(buf []byte) types.VolOptBit {
	return types.VolOptBit(binary.LittleEndian.Uint64(buf))
}

func decodeSetVolOpt(buf []byte) (types.VolOptBit, uint64, error) {
	if len(buf) != setVolOptReqLen {
		return 0, 0, fmt.Errorf("%w: set_volopt payload wrong length", errs.Inval)
	}
	return types.VolOptBit(binary.LittleEndian.Uint64(buf[0:])), binary.LittleEndian.Uint64(buf[8:]), nil
}

func encodeVolOptValue(v uint64) []byte {
	buf := make([]byte, volOptRspLen)
	binary.LittleEndian.PutUint64(buf, v)
	return buf
}

func encodeFarewell(held bool) []byte {
	if held {
		return []byte{1}
	}
	return []byte{0}
}
