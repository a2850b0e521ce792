// Package logtree implements GET_LOG_TREES, COMMIT_LOG_TREES, and
// reclaim_log_trees: the per-client private B-tree and allocator staging
// area each mount works against between commits. Extent bookkeeping is
// layered directly on pkg/alloc's List/Pool primitives; a log-tree
// record's avail/freed fields are modeled as a single representative
// extent rather than a full list, a simplification noted in the design
// ledger.
package logtree

import (
	"encoding/binary"
	"fmt"
	"sort"
	"sync"

	"github.com/scoutfs/scoutd/pkg/alloc"
	"github.com/scoutfs/scoutd/pkg/btree"
	"github.com/scoutfs/scoutd/pkg/errs"
	"github.com/scoutfs/scoutd/pkg/types"
)

func key(rid, nr uint64) []byte {
	b := make([]byte, 16)
	binary.BigEndian.PutUint64(b[0:8], rid)
	binary.BigEndian.PutUint64(b[8:16], nr)
	return b
}

func decodeKey(k []byte) (rid, nr uint64, err error) {
	if len(k) != 16 {
		return 0, 0, fmt.Errorf("%w: logtree key must be 16 bytes", errs.Inval)
	}
	return binary.BigEndian.Uint64(k[0:8]), binary.BigEndian.Uint64(k[8:16]), nil
}

// fixedRecordSize is the encoded length of every fixed-width field in a
// log-tree record; DataAllocZones follows as a length-prefixed bitmap,
// making the full record variable-length.
const fixedRecordSize = 8*17 + 4

func encodeRecord(lt types.LogTreeRecord) []byte {
	buf := make([]byte, fixedRecordSize+len(lt.DataAllocZones))
	off := 0
	put := func(v uint64) {
		binary.BigEndian.PutUint64(buf[off:], v)
		off += 8
	}
	put(lt.Rid)
	put(lt.Nr)
	put(lt.MetaAvail.Start)
	put(lt.MetaAvail.Len)
	put(lt.MetaFreed.Start)
	put(lt.MetaFreed.Len)
	put(lt.DataAvail.Start)
	put(lt.DataAvail.Len)
	put(lt.DataFreed.Start)
	put(lt.DataFreed.Len)
	put(lt.ItemRoot.Blkno)
	put(lt.ItemRoot.Seq)
	put(lt.BloomRef.Blkno)
	put(lt.BloomRef.Seq)
	put(lt.SrchFile.Blkno)
	put(lt.SrchFile.Seq)
	put(lt.DataAllocZoneBlocks)
	binary.BigEndian.PutUint32(buf[off:], uint32(len(lt.DataAllocZones)))
	off += 4
	copy(buf[off:], lt.DataAllocZones)
	return buf
}

func decodeRecord(buf []byte) (types.LogTreeRecord, error) {
	var lt types.LogTreeRecord
	if len(buf) < fixedRecordSize {
		return lt, fmt.Errorf("%w: logtree record too short", errs.Inval)
	}
	off := 0
	get := func() uint64 {
		v := binary.BigEndian.Uint64(buf[off:])
		off += 8
		return v
	}
	lt.Rid = get()
	lt.Nr = get()
	lt.MetaAvail = types.Extent{Start: get(), Len: get()}
	lt.MetaFreed = types.Extent{Start: get(), Len: get()}
	lt.DataAvail = types.Extent{Start: get(), Len: get()}
	lt.DataFreed = types.Extent{Start: get(), Len: get()}
	lt.ItemRoot = types.BlockRef{Blkno: get(), Seq: get()}
	lt.BloomRef = types.BlockRef{Blkno: get(), Seq: get()}
	lt.SrchFile = types.BlockRef{Blkno: get(), Seq: get()}
	lt.DataAllocZoneBlocks = get()
	zoneLen := binary.BigEndian.Uint32(buf[off:])
	off += 4
	if len(buf)-off != int(zoneLen) {
		return lt, fmt.Errorf("%w: logtree record zone bitmap length mismatch", errs.Inval)
	}
	if zoneLen > 0 {
		lt.DataAllocZones = append([]byte(nil), buf[off:off+int(zoneLen)]...)
	}
	return lt, nil
}

// EncodeRecord serializes a log-tree record for wire transfer (COMMIT_LOG_TREES).
func EncodeRecord(lt types.LogTreeRecord) []byte {
	return encodeRecord(lt)
}

// DecodeRecord parses a log-tree record received over the wire.
func DecodeRecord(buf []byte) (types.LogTreeRecord, error) {
	return decodeRecord(buf)
}

// Manager owns the logs B-tree and the server's meta/data allocator
// reserves that GET_LOG_TREES refills from and reclaim drains into.
type Manager struct {
	store      *btree.Store
	serverMeta *alloc.Server
	dataAlloc  *alloc.List

	mu         sync.Mutex // serializes zoned data_avail refill against m.dataAlloc
	zoneBlocks uint64
}

// NewManager creates a log-tree manager. dataAlloc is the server's single
// data_alloc extent pool; serverMeta is the server's dual-bank meta
// allocator.
func NewManager(store *btree.Store, serverMeta *alloc.Server, dataAlloc *alloc.List) *Manager {
	return &Manager{store: store, serverMeta: serverMeta, dataAlloc: dataAlloc}
}

// SetZoneBlocks sets the zone granularity used to re-stamp data_alloc_zones
// when the data_alloc_zone_blocks volume option is set; 0 disables zoning.
func (m *Manager) SetZoneBlocks(zoneBlocks uint64) {
	m.zoneBlocks = zoneBlocks
}

func (m *Manager) loadLatest(rid uint64) (types.LogTreeRecord, bool, error) {
	var latest types.LogTreeRecord
	found := false
	err := m.store.Iterate(btree.BucketLogs, key(rid, 0), func(k, v []byte) bool {
		itemRid, _, derr := decodeKey(k)
		if derr != nil || itemRid != rid {
			return false
		}
		rec, derr := decodeRecord(v)
		if derr != nil {
			return false
		}
		latest = rec
		found = true
		return true
	})
	return latest, found, err
}

func singleList(e types.Extent) *alloc.List {
	l := alloc.NewList()
	if e.Len > 0 {
		l.Load([]types.Extent{e})
	}
	return l
}

// leadExtent returns l's first extent, splicing any remaining extents back
// into pool rather than discarding them. A fill against a fragmented pool
// can return more than one non-adjacent extent; the record only ever holds
// one, so the rest must go back rather than leak.
func leadExtent(l *alloc.List, pool *alloc.List) types.Extent {
	snap := l.Snapshot()
	if len(snap) == 0 {
		return types.Extent{}
	}
	if len(snap) > 1 {
		rest := alloc.NewList()
		rest.Load(snap[1:])
		alloc.SpliceList(pool, rest)
	}
	return snap[0]
}

// GetLogTrees issues or refreshes rid's log_trees record: splices its old
// meta_freed into the server's other-bank freed (now stable), drains
// data_freed into data_alloc, and refills meta_avail/data_avail from the
// server's reserves. When data_alloc_zone_blocks is set, data_avail is
// refilled zone-aware (§4.E steps 2 and 4): every log-tree record's stored
// zone bitmap is translated to the current granularity, the caller's
// exclusive/vacant zones are recomputed, the refill prefers those zones
// over ones other mounts hold, and data_alloc_zones is re-stamped from the
// result.
func (m *Manager) GetLogTrees(rid uint64) (types.LogTreeRecord, error) {
	rec, found, err := m.loadLatest(rid)
	if err != nil {
		return types.LogTreeRecord{}, err
	}
	if !found {
		rec = types.LogTreeRecord{Rid: rid, Nr: 1}
	}

	metaFreed := singleList(rec.MetaFreed)
	alloc.SpliceList(m.serverMeta.Next().Freed, metaFreed)
	rec.MetaFreed = types.Extent{}

	dataFreed := singleList(rec.DataFreed)
	alloc.EmptyList(m.dataAlloc, dataFreed)
	rec.DataFreed = types.Extent{}

	metaAvail := singleList(rec.MetaAvail)
	alloc.FillList(metaAvail, m.serverMeta.Active().Avail, alloc.MetaFillLo, alloc.MetaFillTarget)
	rec.MetaAvail = leadExtent(metaAvail, m.serverMeta.Active().Avail)

	if m.zoneBlocks == 0 {
		dataAvail := singleList(rec.DataAvail)
		alloc.FillList(dataAvail, m.dataAlloc, alloc.DataFillLo, alloc.DataFillTarget)
		rec.DataAvail = leadExtent(dataAvail, m.dataAlloc)
		rec.DataAllocZones = nil
		rec.DataAllocZoneBlocks = 0
	} else if err := m.fillDataAvailZoned(&rec, m.zoneBlocks); err != nil {
		return types.LogTreeRecord{}, err
	}

	if err := m.save(rec); err != nil {
		return types.LogTreeRecord{}, err
	}
	return rec, nil
}

// zoneOwners maps a zone index, at a given granularity, to the set of rids
// whose stored data_alloc_zones bitmap covers it.
type zoneOwners map[uint64]map[uint64]struct{}

// collectZoneOwners walks every persisted log-tree record and translates
// its stored bitmap (recorded at that record's own DataAllocZoneBlocks
// resolution) to zoneBlocks via extents-in-zones translation, the
// recompute §4.E step 2 requires before every GET_LOG_TREES response.
func (m *Manager) collectZoneOwners(zoneBlocks uint64) (zoneOwners, error) {
	owners := make(zoneOwners)
	err := m.store.Iterate(btree.BucketLogs, nil, func(k, v []byte) bool {
		other, derr := decodeRecord(v)
		if derr != nil || other.DataAllocZoneBlocks == 0 || len(other.DataAllocZones) == 0 {
			return true
		}
		markZonesFromBitmap(other.DataAllocZones, other.DataAllocZoneBlocks, zoneBlocks, func(zone uint64) {
			if owners[zone] == nil {
				owners[zone] = make(map[uint64]struct{})
			}
			owners[zone][other.Rid] = struct{}{}
		})
		return true
	})
	return owners, err
}

// zonePreference ranks a zone for rid's refill: 0 (most preferred) when the
// zone is exclusive to rid, 1 when no one holds it (vacant), 2 when any
// other rid holds it.
func zonePreference(zone, rid uint64, owners zoneOwners) int {
	switch set := owners[zone]; len(set) {
	case 0:
		return 1
	case 1:
		if _, mine := set[rid]; mine {
			return 0
		}
	}
	return 2
}

// fillDataAvailZoned implements §4.E steps 2-4: recompute this rid's
// exclusive/vacant zones against every other log-tree record, refill
// data_avail preferring extents in those zones over ones other mounts
// hold, and re-stamp data_alloc_zones from the refreshed data_avail.
func (m *Manager) fillDataAvailZoned(rec *types.LogTreeRecord, zoneBlocks uint64) error {
	owners, err := m.collectZoneOwners(zoneBlocks)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	dataAvail := singleList(rec.DataAvail)
	if dataAvail.Total() < alloc.DataFillLo {
		segments := splitByZone(m.dataAlloc.Snapshot(), zoneBlocks)
		sort.SliceStable(segments, func(i, j int) bool {
			zi, zj := segments[i].Start/zoneBlocks, segments[j].Start/zoneBlocks
			return zonePreference(zi, rec.Rid, owners) < zonePreference(zj, rec.Rid, owners)
		})
		ordered := alloc.NewList()
		ordered.Load(segments)

		alloc.FillList(dataAvail, ordered, alloc.DataFillLo, alloc.DataFillTarget)
		m.dataAlloc.Load(ordered.Snapshot())
	}

	rec.DataAvail = leadExtent(dataAvail, m.dataAlloc)

	rec.DataAllocZoneBlocks = zoneBlocks
	rec.DataAllocZones = zonesForExtent(rec.DataAvail, zoneBlocks)
	return nil
}

// splitByZone splits extents at zone boundaries so every segment belongs
// to exactly one zone, letting the caller rank and reorder by zone.
func splitByZone(extents []types.Extent, zoneBlocks uint64) []types.Extent {
	var out []types.Extent
	for _, e := range extents {
		start, end := e.Start, e.Start+e.Len
		for start < end {
			zoneEnd := (start/zoneBlocks + 1) * zoneBlocks
			segEnd := end
			if zoneEnd < segEnd {
				segEnd = zoneEnd
			}
			out = append(out, types.Extent{Start: start, Len: segEnd - start})
			start = segEnd
		}
	}
	return out
}

// markZonesFromBitmap translates a bitmap recorded at oldZoneBlocks
// granularity into the zones it covers at newZoneBlocks granularity,
// calling mark for each (the extents-in-zones translation §4.E step 2
// requires when zone_blocks has changed since a record was last stamped).
func markZonesFromBitmap(bitmap []byte, oldZoneBlocks, newZoneBlocks uint64, mark func(zone uint64)) {
	for i := 0; i < len(bitmap)*8; i++ {
		if bitmap[i/8]&(1<<(uint(i)%8)) == 0 {
			continue
		}
		start := uint64(i) * oldZoneBlocks
		end := start + oldZoneBlocks - 1
		for z := start / newZoneBlocks; z <= end/newZoneBlocks; z++ {
			mark(z)
		}
	}
}

// zonesForExtent builds a zone bitmap covering every zone e intersects at
// the given granularity.
func zonesForExtent(e types.Extent, zoneBlocks uint64) []byte {
	if e.Len == 0 || zoneBlocks == 0 {
		return nil
	}
	last := (e.Start + e.Len - 1) / zoneBlocks
	bitmap := make([]byte, last/8+1)
	for z := e.Start / zoneBlocks; z <= last; z++ {
		bitmap[z/8] |= 1 << (z % 8)
	}
	return bitmap
}

func (m *Manager) save(rec types.LogTreeRecord) error {
	return m.store.Put(btree.BucketLogs, key(rec.Rid, rec.Nr), encodeRecord(rec))
}

// CommitLogTrees persists the caller's updated log-tree record,
// overwriting whatever is stored at (lt.Rid, lt.Nr). Srch log rotation
// on a large compaction file is left to the caller that owns the srch
// subsystem; this only persists the record itself.
func (m *Manager) CommitLogTrees(lt types.LogTreeRecord) error {
	return m.save(lt)
}

// ReclaimLogTrees reclaims rid's allocators on departure: both meta_freed
// and meta_avail splice into the server's other-bank freed, data_avail
// and data_freed drain into data_alloc, and the zone bitmap is cleared.
// The record itself is retained — only its allocators are reclaimed — so
// a later merge pass can still consume its item trees.
func (m *Manager) ReclaimLogTrees(rid uint64) error {
	rec, found, err := m.loadLatest(rid)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}

	metaFreed := singleList(rec.MetaFreed)
	alloc.SpliceList(m.serverMeta.Next().Freed, metaFreed)

	metaAvail := singleList(rec.MetaAvail)
	alloc.SpliceList(m.serverMeta.Next().Freed, metaAvail)

	dataAvail := singleList(rec.DataAvail)
	alloc.EmptyList(m.dataAlloc, dataAvail)

	dataFreed := singleList(rec.DataFreed)
	alloc.EmptyList(m.dataAlloc, dataFreed)

	rec.MetaFreed = types.Extent{}
	rec.MetaAvail = types.Extent{}
	rec.DataAvail = types.Extent{}
	rec.DataFreed = types.Extent{}
	rec.DataAllocZones = nil
	rec.DataAllocZoneBlocks = 0

	return m.save(rec)
}
