// Package super encodes and decodes the super block — the root persistent
// structure with two alternating on-disk copies — and picks the newer
// valid copy at mount time. Layout and CRC follow the block format
// original_source/kmod/src/block.c uses for every metadata block.
package super

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/scoutfs/scoutd/pkg/device"
	"github.com/scoutfs/scoutd/pkg/errs"
	"github.com/scoutfs/scoutd/pkg/types"
)

// The two copies live at fixed block numbers near the start of the
// device; real layouts reserve more for the rest of the metadata region,
// but only the super block's own location matters to this package.
const (
	BlknoCopy0 = 0
	BlknoCopy1 = 1
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

func putExtent(buf []byte, off int, e types.Extent) {
	binary.LittleEndian.PutUint64(buf[off:], e.Start)
	binary.LittleEndian.PutUint64(buf[off+8:], e.Len)
}

func getExtent(buf []byte, off int) types.Extent {
	return types.Extent{
		Start: binary.LittleEndian.Uint64(buf[off:]),
		Len:   binary.LittleEndian.Uint64(buf[off+8:]),
	}
}

func putRef(buf []byte, off int, r types.BlockRef) {
	binary.LittleEndian.PutUint64(buf[off:], r.Blkno)
	binary.LittleEndian.PutUint64(buf[off+8:], r.Seq)
}

func getRef(buf []byte, off int) types.BlockRef {
	return types.BlockRef{
		Blkno: binary.LittleEndian.Uint64(buf[off:]),
		Seq:   binary.LittleEndian.Uint64(buf[off+8:]),
	}
}

// Encode renders sb into a fresh, fully-stamped 4 KiB block buffer at
// blkno with the given seq.
func Encode(sb types.SuperBlock, blkno, seq, fsid uint64) []byte {
	buf := make([]byte, types.BlockSize)
	off := types.HeaderSize

	binary.LittleEndian.PutUint64(buf[off:], sb.FSID)
	off += 8
	binary.LittleEndian.PutUint32(buf[off:], sb.Version)
	off += 4
	binary.LittleEndian.PutUint64(buf[off:], sb.Seq)
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], sb.NextIno)
	off += 8
	binary.LittleEndian.PutUint64(buf[off:], sb.NextTransSeq)
	off += 8

	for _, r := range []types.BlockRef{sb.FSRoot, sb.LogsRoot, sb.SrchRoot, sb.TransSeqsRoot, sb.MountedClientsRoot} {
		putRef(buf, off, r)
		off += 16
	}

	for _, e := range sb.ServerMetaAvail {
		putExtent(buf, off, e)
		off += 16
	}
	for _, e := range sb.ServerMetaFreed {
		putExtent(buf, off, e)
		off += 16
	}

	binary.LittleEndian.PutUint32(buf[off:], sb.ActiveBank)
	off += 8

	putExtent(buf, off, sb.DataAlloc)
	off += 16

	binary.LittleEndian.PutUint64(buf[off:], uint64(sb.VolOpt.SetBits))
	off += 8
	for _, v := range sb.VolOpt.Values {
		binary.LittleEndian.PutUint64(buf[off:], v)
		off += 8
	}

	binary.LittleEndian.PutUint64(buf[8:], fsid)
	binary.LittleEndian.PutUint64(buf[16:], blkno)
	binary.LittleEndian.PutUint64(buf[24:], seq)

	binary.LittleEndian.PutUint32(buf[0:], crc32.Checksum(buf[4:], crcTable))

	return buf
}

// Decode reverses Encode, verifying the block header first.
func Decode(buf []byte, wantFSID, wantBlkno uint64) (types.SuperBlock, error) {
	var sb types.SuperBlock

	if len(buf) != types.BlockSize {
		return sb, fmt.Errorf("super block must be %d bytes, got %d: %w", types.BlockSize, len(buf), errs.Inval)
	}

	crc := crc32.Checksum(buf[4:], crcTable)
	if binary.LittleEndian.Uint32(buf[0:]) != crc {
		return sb, fmt.Errorf("super block crc mismatch: %w", errs.IO)
	}
	if binary.LittleEndian.Uint64(buf[8:]) != wantFSID {
		return sb, fmt.Errorf("super block fsid mismatch: %w", errs.IO)
	}
	if binary.LittleEndian.Uint64(buf[16:]) != wantBlkno {
		return sb, fmt.Errorf("super block blkno mismatch: %w", errs.IO)
	}

	off := types.HeaderSize
	sb.FSID = binary.LittleEndian.Uint64(buf[off:])
	off += 8
	sb.Version = binary.LittleEndian.Uint32(buf[off:])
	off += 4
	sb.Seq = binary.LittleEndian.Uint64(buf[off:])
	off += 8
	sb.NextIno = binary.LittleEndian.Uint64(buf[off:])
	off += 8
	sb.NextTransSeq = binary.LittleEndian.Uint64(buf[off:])
	off += 8

	refs := []*types.BlockRef{&sb.FSRoot, &sb.LogsRoot, &sb.SrchRoot, &sb.TransSeqsRoot, &sb.MountedClientsRoot}
	for _, r := range refs {
		*r = getRef(buf, off)
		off += 16
	}

	for i := range sb.ServerMetaAvail {
		sb.ServerMetaAvail[i] = getExtent(buf, off)
		off += 16
	}
	for i := range sb.ServerMetaFreed {
		sb.ServerMetaFreed[i] = getExtent(buf, off)
		off += 16
	}

	sb.ActiveBank = binary.LittleEndian.Uint32(buf[off:])
	off += 8

	sb.DataAlloc = getExtent(buf, off)
	off += 16

	sb.VolOpt.SetBits = types.VolOptBit(binary.LittleEndian.Uint64(buf[off:]))
	off += 8
	for i := range sb.VolOpt.Values {
		sb.VolOpt.Values[i] = binary.LittleEndian.Uint64(buf[off:])
		off += 8
	}

	return sb, nil
}

// Load reads both super block copies and returns the valid one with the
// higher seq, the alternation scheme's "most recent, always at least one
// good" guarantee.
func Load(dev *device.Device, fsid uint64) (types.SuperBlock, error) {
	var best *types.SuperBlock
	for _, blkno := range []uint64{BlknoCopy0, BlknoCopy1} {
		buf, err := dev.ReadBlock(blkno)
		if err != nil {
			continue
		}
		sb, err := Decode(buf, fsid, blkno)
		if err != nil {
			continue
		}
		if best == nil || sb.Seq > best.Seq {
			s := sb
			best = &s
		}
	}
	if best == nil {
		return types.SuperBlock{}, fmt.Errorf("no valid super block copy found: %w", errs.IO)
	}
	return *best, nil
}

// Write encodes sb and writes it to whichever copy slot is older (the
// commit coordinator's "write the *other* bank slot" step), so a crash
// mid-write always leaves the previous copy intact.
func Write(dev *device.Device, sb types.SuperBlock, fsid, seq uint64) error {
	blkno := BlknoCopy0
	if seq%2 == 1 {
		blkno = BlknoCopy1
	}
	buf := Encode(sb, uint64(blkno), seq, fsid)
	return dev.WriteBlock(uint64(blkno), buf)
}
