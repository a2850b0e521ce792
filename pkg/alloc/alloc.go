// Package alloc implements the dual-pool extent allocator described in the
// server's allocator section: an avail/freed pair per mutator, with the
// server additionally keeping two banks so the previous transaction's
// allocator state survives until its super block write lands. There is no
// corpus library for delayed-reuse extent bookkeeping; this is built
// directly against the specification and original_source/kmod/src/server.c's
// bank-swap discipline using plain Go slices and a mutex.
package alloc

import (
	"fmt"
	"sync"

	"github.com/scoutfs/scoutd/pkg/errs"
	"github.com/scoutfs/scoutd/pkg/types"
)

// Fill policy thresholds the server uses to decide when to top up a
// mutator's avail list from its own reserves.
const (
	MetaFillLo     = 64
	MetaFillTarget = 256
	DataFillLo     = 1024
	DataFillTarget = 4096
)

// List is one avail or freed extent list.
type List struct {
	mu      sync.Mutex
	extents []types.Extent
}

// NewList creates an empty extent list.
func NewList() *List {
	return &List{}
}

// Total returns the number of blocks across every extent in the list.
func (l *List) Total() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.total()
}

func (l *List) total() uint64 {
	var n uint64
	for _, e := range l.extents {
		n += e.Len
	}
	return n
}

// Snapshot returns a copy of the list's extents, for persisting to the
// B-tree or for tests.
func (l *List) Snapshot() []types.Extent {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]types.Extent, len(l.extents))
	copy(out, l.extents)
	return out
}

// Load replaces the list's contents, used when restoring allocator state
// from a persisted root.
func (l *List) Load(extents []types.Extent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.extents = append([]types.Extent(nil), extents...)
}

// push adds an extent, merging with an adjacent extent if one abuts it so
// the list doesn't fragment under repeated free/alloc churn.
func (l *List) push(e types.Extent) {
	for i, cur := range l.extents {
		if cur.Start+cur.Len == e.Start {
			l.extents[i].Len += e.Len
			return
		}
		if e.Start+e.Len == cur.Start {
			l.extents[i].Start = e.Start
			l.extents[i].Len += e.Len
			return
		}
	}
	l.extents = append(l.extents, e)
}

// Alloc reserves n contiguous blocks from the list's best-fit extent (the
// smallest one still big enough to satisfy n), returning errs.NoSpc if no
// single extent is big enough.
func (l *List) Alloc(n uint64) (types.Extent, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	best := -1
	for i, e := range l.extents {
		if e.Len >= n && (best == -1 || e.Len < l.extents[best].Len) {
			best = i
		}
	}
	if best == -1 {
		return types.Extent{}, fmt.Errorf("alloc %d blocks: %w", n, errs.NoSpc)
	}

	e := l.extents[best]
	out := types.Extent{Start: e.Start, Len: n}
	if e.Len == n {
		l.extents = append(l.extents[:best], l.extents[best+1:]...)
	} else {
		l.extents[best] = types.Extent{Start: e.Start + n, Len: e.Len - n}
	}
	return out, nil
}

// AllocSame reserves a single block as close to near as possible, for
// COW locality: the extent containing or nearest to near is preferred.
func (l *List) AllocSame(near uint64) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	best := -1
	var bestDist uint64
	for i, e := range l.extents {
		if e.Len == 0 {
			continue
		}
		var dist uint64
		if near >= e.Start && near < e.Start+e.Len {
			dist = 0
		} else if near < e.Start {
			dist = e.Start - near
		} else {
			dist = near - (e.Start + e.Len - 1)
		}
		if best == -1 || dist < bestDist {
			best, bestDist = i, dist
		}
	}
	if best == -1 {
		return 0, fmt.Errorf("alloc_same near %d: %w", near, errs.NoSpc)
	}

	e := l.extents[best]
	blkno := e.Start
	if e.Len == 1 {
		l.extents = append(l.extents[:best], l.extents[best+1:]...)
	} else {
		l.extents[best] = types.Extent{Start: e.Start + 1, Len: e.Len - 1}
	}
	return blkno, nil
}

// Free pushes an extent back onto the list.
func (l *List) Free(start, length uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.push(types.Extent{Start: start, Len: length})
}

// drainInto moves up to n blocks from src into dst, returning the number
// of blocks actually moved (short if src has fewer than n available).
func drainInto(dst, src *List, n uint64) uint64 {
	src.mu.Lock()
	defer src.mu.Unlock()

	moved := uint64(0)
	for moved < n && len(src.extents) > 0 {
		e := src.extents[0]
		take := e.Len
		if take > n-moved {
			take = n - moved
		}

		dst.mu.Lock()
		dst.push(types.Extent{Start: e.Start, Len: take})
		dst.mu.Unlock()

		if take == e.Len {
			src.extents = src.extents[1:]
		} else {
			src.extents[0] = types.Extent{Start: e.Start + take, Len: e.Len - take}
		}
		moved += take
	}
	return moved
}

// Move transfers up to n blocks from src to dst. Zone-aware locality
// (preferring zones exclusive to a mount, avoiding zones other mounts hold
// non-vacant) is owned by the caller selecting which List to move from —
// Move itself is zone-agnostic plumbing.
func Move(dst, src *List, n uint64) uint64 {
	return drainInto(dst, src, n)
}

// FillList tops dst up from src when it has run low: if dst.Total() < lo,
// move from src until dst reaches target (or src runs dry).
func FillList(dst, src *List, lo, target uint64) uint64 {
	if dst.Total() >= lo {
		return 0
	}
	need := target - dst.Total()
	return drainInto(dst, src, need)
}

// EmptyList drains all of src into dst in one call, returning the number
// of blocks moved.
func EmptyList(dst, src *List) uint64 {
	src.mu.Lock()
	total := src.total()
	src.mu.Unlock()
	return drainInto(dst, src, total)
}

// SpliceList moves all of src's extents to dst by list-head splice,
// without merging or reordering — the cheap path when dst is known empty.
func SpliceList(dst, src *List) {
	src.mu.Lock()
	moved := src.extents
	src.extents = nil
	src.mu.Unlock()

	dst.mu.Lock()
	dst.extents = append(dst.extents, moved...)
	dst.mu.Unlock()
}

// Pool is one mutator's avail/freed pair, plus the seq it last allocated
// under — freeing an extent allocated in the current seq recycles it
// straight back to Avail instead of parking it on Freed.
type Pool struct {
	Avail *List
	Freed *List

	mu       sync.Mutex
	allocSeq map[uint64]uint64 // start blkno -> seq allocated under
}

// NewPool creates an empty avail/freed pool.
func NewPool() *Pool {
	return &Pool{
		Avail:    NewList(),
		Freed:    NewList(),
		allocSeq: make(map[uint64]uint64),
	}
}

// Alloc reserves n blocks from Avail, remembering curSeq so an
// intra-transaction Free can recycle them immediately.
func (p *Pool) Alloc(n, curSeq uint64) (types.Extent, error) {
	e, err := p.Avail.Alloc(n)
	if err != nil {
		return types.Extent{}, err
	}
	p.mu.Lock()
	p.allocSeq[e.Start] = curSeq
	p.mu.Unlock()
	return e, nil
}

// Free releases an extent that was allocated under seq. If seq matches
// curSeq it is recycled directly into Avail; otherwise it is parked on
// Freed until the next commit makes it reusable.
func (p *Pool) Free(seq, curSeq, start, length uint64) {
	p.mu.Lock()
	allocatedSeq, tracked := p.allocSeq[start]
	delete(p.allocSeq, start)
	p.mu.Unlock()

	if tracked && allocatedSeq == curSeq && seq == curSeq {
		p.Avail.Free(start, length)
		return
	}
	p.Freed.Free(start, length)
}

// Bank is one of the server's two {avail, freed} generations.
type Bank struct {
	Pool *Pool
}

func newBank() Bank {
	return Bank{Pool: NewPool()}
}

// Server is the server-side dual-bank metadata/data allocator: two banks
// so the previous transaction's allocator state survives until its super
// block write lands, then the banks swap.
type Server struct {
	mu     sync.Mutex
	banks  [2]Bank
	active int

	fillLo, fillTarget uint64
}

// NewServer creates a server allocator with the given fill-policy
// thresholds (MetaFillLo/MetaFillTarget or DataFillLo/DataFillTarget).
func NewServer(fillLo, fillTarget uint64) *Server {
	return &Server{
		banks:      [2]Bank{newBank(), newBank()},
		fillLo:     fillLo,
		fillTarget: fillTarget,
	}
}

// Active returns the currently active bank's pool.
func (s *Server) Active() *Pool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.banks[s.active].Pool
}

// Next returns the other bank's pool, the one the commit worker is
// preparing while the active bank's prior generation is still live.
func (s *Server) Next() *Pool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.banks[1-s.active].Pool
}

// ActiveIndex returns which bank (0 or 1) is currently active.
func (s *Server) ActiveIndex() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// FlipBank swaps the active bank, the commit coordinator's step 8.
func (s *Server) FlipBank() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active = 1 - s.active
}

// PrepareCommit folds the active bank's pending in-memory changes into a
// form ready to persist; the dual-pool model here keeps everything
// already expressed as persistable extent lists, so this step does
// nothing and always returns nil.
func (s *Server) PrepareCommit() error {
	return nil
}

// AvailBlocks reports the active bank's avail extent total alongside
// avail+freed combined, for gauge sampling.
func (s *Server) AvailBlocks() (server, total uint64) {
	a := s.Active()
	return a.Avail.Total(), a.Avail.Total() + a.Freed.Total()
}

// FreedBlocks reports the active bank's freed extent total.
func (s *Server) FreedBlocks() uint64 {
	return s.Active().Freed.Total()
}

