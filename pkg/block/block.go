// Package block implements the metadata block cache and the commit-time
// dirty-block write-out, the COW engine every B-tree in the server is built
// on. It mirrors the kernel module's block layer (per-block consistency
// lock, verified-once header checking, ordered dirty-set write-out) using
// Go primitives in place of buffer heads and an rbtree.
package block

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/scoutfs/scoutd/pkg/device"
	"github.com/scoutfs/scoutd/pkg/errs"
	"github.com/scoutfs/scoutd/pkg/metrics"
	"github.com/scoutfs/scoutd/pkg/types"
)

// MaxStaleRetries bounds how many times a caller should retry an operation
// that keeps losing a stale-ref race before giving up and surfacing an I/O
// error. Block itself only returns errs.Stale; callers that hold the ref
// own the retry loop.
const MaxStaleRetries = 10

var crcTable = crc32.MakeTable(crc32.Castagnoli)

// entry is one cached block: its data and a per-block lock for structural
// consistency, independent of whether the cache holds a read or write lock
// on it for the I/O itself.
type entry struct {
	mu       sync.RWMutex
	data     []byte
	verified bool
	dirty    bool
}

// Cache is the block cache and dirty-block tracker for one open device.
type Cache struct {
	dev  *device.Device
	fsid uint64

	mu    sync.Mutex
	cache map[uint64]*entry
}

// New creates a block cache reading from and writing to dev.
func New(dev *device.Device, fsid uint64) *Cache {
	return &Cache{
		dev:   dev,
		fsid:  fsid,
		cache: make(map[uint64]*entry),
	}
}

func writeHeader(buf []byte, h types.BlockHeader) {
	binary.LittleEndian.PutUint32(buf[0:4], h.CRC)
	binary.LittleEndian.PutUint64(buf[8:16], h.FSID)
	binary.LittleEndian.PutUint64(buf[16:24], h.Blkno)
	binary.LittleEndian.PutUint64(buf[24:32], h.Seq)
}

func readHeader(buf []byte) types.BlockHeader {
	return types.BlockHeader{
		CRC:   binary.LittleEndian.Uint32(buf[0:4]),
		FSID:  binary.LittleEndian.Uint64(buf[8:16]),
		Blkno: binary.LittleEndian.Uint64(buf[16:24]),
		Seq:   binary.LittleEndian.Uint64(buf[24:32]),
	}
}

// computeCRC returns the CRC32C of buf excluding the header's CRC field,
// matching scoutfs_crc_block.
func computeCRC(buf []byte) uint32 {
	return crc32.Checksum(buf[4:], crcTable)
}

func stampCRC(buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:4], computeCRC(buf))
}

// verifyHeader checks CRC, fsid, and blkno, the same three checks
// verify_block_header makes before trusting a block read off disk.
func verifyHeader(buf []byte, fsid, blkno uint64) error {
	h := readHeader(buf)
	if h.CRC != computeCRC(buf) {
		return fmt.Errorf("blkno %d: crc mismatch: %w", blkno, errs.IO)
	}
	if h.FSID != fsid {
		return fmt.Errorf("blkno %d: fsid mismatch (got %d want %d): %w", blkno, h.FSID, fsid, errs.IO)
	}
	if h.Blkno != blkno {
		return fmt.Errorf("blkno %d: header blkno mismatch (got %d): %w", blkno, h.Blkno, errs.IO)
	}
	return nil
}

func (c *Cache) lookup(blkno uint64) (*entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.cache[blkno]
	return e, ok
}

func (c *Cache) insert(blkno uint64, e *entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache[blkno] = e
}

// Read returns blkno's current contents, reading through to the device and
// verifying the header on first read only — matches the kernel's
// BH_ScoutfsVerified caching so a hot block isn't re-checksummed on every
// access.
func (c *Cache) Read(blkno uint64) ([]byte, error) {
	if e, ok := c.lookup(blkno); ok {
		e.mu.RLock()
		defer e.mu.RUnlock()
		return e.data, nil
	}

	data, err := c.dev.ReadBlock(blkno)
	if err != nil {
		return nil, err
	}
	if err := verifyHeader(data, c.fsid, blkno); err != nil {
		return nil, err
	}

	e := &entry{data: data, verified: true}
	c.insert(blkno, e)
	return data, nil
}

// ReadRef reads the block ref points at and confirms the on-disk header's
// seq still matches ref.Seq. A mismatch means the block was COW'd out from
// under the caller since the ref was last read, and is reported as
// errs.Stale so the caller can re-fetch the owning structure and retry, up
// to MaxStaleRetries times.
func (c *Cache) ReadRef(ref types.BlockRef) ([]byte, error) {
	data, err := c.Read(ref.Blkno)
	if err != nil {
		return nil, err
	}
	if readHeader(data).Seq != ref.Seq {
		c.evict(ref.Blkno)
		return nil, fmt.Errorf("blkno %d: seq mismatch (want %d): %w", ref.Blkno, ref.Seq, errs.Stale)
	}
	return data, nil
}

func (c *Cache) evict(blkno uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.cache, blkno)
}

// Dirty marks an already-cached block dirty for the in-progress
// transaction and returns its buffer for in-place mutation. curSeq is
// stamped into the header at write-out time, not here, since a block may
// be dirtied and mutated many times before one commit writes it once.
func (c *Cache) Dirty(blkno uint64) ([]byte, error) {
	data, err := c.Read(blkno)
	if err != nil {
		return nil, err
	}
	e, _ := c.lookup(blkno)
	e.mu.Lock()
	e.dirty = true
	e.mu.Unlock()
	return data, nil
}

// DirtyAlloc creates a new, zero-filled dirty block at blkno (freshly
// handed out by the allocator) and stamps its fsid/blkno header fields.
func (c *Cache) DirtyAlloc(blkno uint64) ([]byte, error) {
	data := make([]byte, types.BlockSize)
	writeHeader(data, types.BlockHeader{FSID: c.fsid, Blkno: blkno})
	e := &entry{data: data, verified: true, dirty: true}
	c.insert(blkno, e)
	return data, nil
}

// DirtyRef implements the copy-on-write path for a reference embedded in a
// parent structure: if the referenced block was already dirtied in the
// current transaction (ref.Seq == curSeq) it is returned as-is for further
// in-place mutation. Otherwise a same-locality replacement is allocated via
// allocSame, the old block's payload is copied into it, the old block is
// freed under its own (now-previous) seq via free, and ref is updated to
// point at the new block. A zero ref allocates a fresh block instead of
// copying.
func (c *Cache) DirtyRef(ref *types.BlockRef, curSeq uint64, allocSame func(old uint64) (uint64, error), free func(types.BlockRef) error) ([]byte, error) {
	if !ref.IsZero() && ref.Seq == curSeq {
		return c.Dirty(ref.Blkno)
	}

	var oldData []byte
	if !ref.IsZero() {
		d, err := c.ReadRef(*ref)
		if err != nil {
			return nil, err
		}
		oldData = d
	}

	newBlkno, err := allocSame(ref.Blkno)
	if err != nil {
		return nil, err
	}

	buf, err := c.DirtyAlloc(newBlkno)
	if err != nil {
		return nil, err
	}
	if oldData != nil {
		copy(buf[types.HeaderSize:], oldData[types.HeaderSize:])
	}

	if !ref.IsZero() {
		old := *ref
		if err := free(old); err != nil {
			return nil, err
		}
		c.Forget(old.Blkno)
	}

	ref.Blkno = newBlkno
	ref.Seq = curSeq
	return buf, nil
}

// Forget drops blkno from the cache and dirty set without writing it,
// used when a block is freed within the same transaction that dirtied it.
func (c *Cache) Forget(blkno uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.cache, blkno)
}

// WriteDirtyAll stamps curSeq and a fresh CRC into every dirty block and
// writes them out in blkno order, fanning the actual I/O out across a
// worker group. A block whose write fails is left dirty for the next
// commit attempt to retry, matching scoutfs_block_write_dirty's handling
// of write_dirty_all across an error.
func (c *Cache) WriteDirtyAll(curSeq uint64) error {
	c.mu.Lock()
	var blknos []uint64
	for blkno, e := range c.cache {
		if e.dirty {
			blknos = append(blknos, blkno)
		}
	}
	c.mu.Unlock()

	sort.Slice(blknos, func(i, j int) bool { return blknos[i] < blknos[j] })

	var g errgroup.Group
	var mu sync.Mutex
	var failed []uint64

	for _, blkno := range blknos {
		blkno := blkno
		g.Go(func() error {
			e, ok := c.lookup(blkno)
			if !ok {
				return nil
			}

			e.mu.Lock()
			writeHeader(e.data, types.BlockHeader{FSID: c.fsid, Blkno: blkno, Seq: curSeq})
			stampCRC(e.data)
			buf := append([]byte(nil), e.data...)
			e.mu.Unlock()

			if err := c.dev.WriteBlock(blkno, buf); err != nil {
				mu.Lock()
				failed = append(failed, blkno)
				mu.Unlock()
				return err
			}

			e.mu.Lock()
			e.dirty = false
			e.mu.Unlock()
			return nil
		})
	}

	writeErr := g.Wait()
	if writeErr != nil {
		return fmt.Errorf("write_dirty_all: %d of %d dirty blocks failed: %w", len(failed), len(blknos), writeErr)
	}

	return c.dev.Sync()
}

// CacheEntries implements metrics.BlockCacheStats.
func (c *Cache) CacheEntries() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.cache)
}

// DirtyBlocks implements metrics.BlockCacheStats.
func (c *Cache) DirtyBlocks() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, e := range c.cache {
		if e.dirty {
			n++
		}
	}
	return n
}

var _ metrics.BlockCacheStats = (*Cache)(nil)

// Payload returns the mutable portion of a block buffer, after the header.
func Payload(buf []byte) []byte {
	return buf[types.HeaderSize:]
}

// Zero clears a block's payload in place, leaving the header untouched.
func Zero(buf []byte) {
	z := make([]byte, len(buf)-types.HeaderSize)
	copy(buf[types.HeaderSize:], z)
}

// ZeroFrom clears buf's payload starting at byte offset off.
func ZeroFrom(buf []byte, off int) {
	if off < types.HeaderSize {
		off = types.HeaderSize
	}
	for i := off; i < len(buf); i++ {
		buf[i] = 0
	}
}

// Equal reports whether two block payloads (excluding header) are
// bytewise identical, used by tests asserting COW copies round-trip.
func Equal(a, b []byte) bool {
	return bytes.Equal(Payload(a), Payload(b))
}
