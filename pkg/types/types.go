// Package types holds the on-disk and wire data structures shared across
// scoutd's packages: block headers and references, the super block, and the
// per-client records the server keeps in its B-trees.
package types

const (
	// BlockSize is the fixed size of every metadata block.
	BlockSize = 4096

	// HeaderSize is the size of the block header prefix.
	HeaderSize = 32
)

// BlockHeader is the fixed prefix of every metadata block, little-endian on
// disk: {crc, _pad, fsid, blkno, seq}.
type BlockHeader struct {
	CRC   uint32
	_     uint32
	FSID  uint64
	Blkno uint64
	Seq   uint64
}

// BlockRef is a {blkno, seq} pair: a pointer to a block plus the
// transaction sequence it was written in, used to detect concurrent
// replacement ("stale") of the referenced block.
type BlockRef struct {
	Blkno uint64
	Seq   uint64
}

// IsZero reports whether the reference points to no block.
func (r BlockRef) IsZero() bool {
	return r.Blkno == 0 && r.Seq == 0
}

// Extent is a contiguous run of blocks: [Start, Start+Len).
type Extent struct {
	Start uint64
	Len   uint64
}

// SuperBlock is the root persistent structure. Two copies are kept at
// well-known offsets and written alternately by the commit coordinator.
type SuperBlock struct {
	FSID         uint64
	Version      uint32
	Seq          uint64
	NextIno      uint64
	NextTransSeq uint64

	// B-tree roots (§3); each points at a pkg/btree bucket, addressed
	// here by name rather than by on-disk blkno since the B-tree
	// container itself is bbolt-backed rather than our own raw blocks.
	FSRoot            BlockRef
	LogsRoot          BlockRef
	SrchRoot          BlockRef
	TransSeqsRoot     BlockRef
	MountedClientsRoot BlockRef

	// ServerMetaAvail/ServerMetaFreed record only the lead extent of
	// each bank's avail/freed list; the remaining extents of those lists
	// are not persisted, neither here nor in the meta_avail_*/meta_freed_*
	// B-tree buckets, which nothing writes.
	ServerMetaAvail [2]Extent
	ServerMetaFreed [2]Extent
	ActiveBank      uint32 // 0 or 1: which ServerMeta* bank is active

	DataAlloc Extent

	VolOpt VolOptRecord
}

// LogTreeRecord is the per-client private B-tree and allocator staging
// area: (rid, nr) -> log_trees.
type LogTreeRecord struct {
	Rid             uint64
	Nr              uint64
	MetaAvail       Extent
	MetaFreed       Extent
	DataAvail       Extent
	DataFreed       Extent
	ItemRoot        BlockRef
	BloomRef        BlockRef
	SrchFile        BlockRef
	DataAllocZones  []byte // bitmap, one bit per zone
	DataAllocZoneBlocks uint64
}

// MountedClientFlags is a bitmask on a mounted-client record.
type MountedClientFlags uint32

const (
	// FlagQuorum marks a mount as quorum-eligible.
	FlagQuorum MountedClientFlags = 1 << iota
)

// MountedClientRecord is (rid) -> {flags}.
type MountedClientRecord struct {
	Rid   uint64
	Flags MountedClientFlags
}

// TransSeqItem attests that Rid has an open transaction at Seq.
type TransSeqItem struct {
	Seq uint64
	Rid uint64
}

// VolOptBit indexes a single volume option.
type VolOptBit uint64

const (
	// DataAllocZoneBlocksBit enables zoned data allocation with the
	// given blocks-per-zone value.
	DataAllocZoneBlocksBit VolOptBit = 1 << iota
)

// VolOptRecord is the persistent volume-options bitmask plus values.
type VolOptRecord struct {
	SetBits VolOptBit
	Values  [64]uint64
}
