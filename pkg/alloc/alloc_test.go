package alloc

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/scoutfs/scoutd/pkg/errs"
	"github.com/scoutfs/scoutd/pkg/types"
)

func TestListAllocExactFit(t *testing.T) {
	l := NewList()
	l.Load([]types.Extent{{Start: 100, Len: 10}})

	e, err := l.Alloc(10)
	require.NoError(t, err)
	require.Equal(t, types.Extent{Start: 100, Len: 10}, e)
	require.Equal(t, uint64(0), l.Total())
}

func TestListAllocSplitsExtent(t *testing.T) {
	l := NewList()
	l.Load([]types.Extent{{Start: 100, Len: 10}})

	e, err := l.Alloc(4)
	require.NoError(t, err)
	require.Equal(t, types.Extent{Start: 100, Len: 4}, e)
	require.Equal(t, uint64(6), l.Total())
}

func TestListAllocNoSpace(t *testing.T) {
	l := NewList()
	l.Load([]types.Extent{{Start: 100, Len: 2}})

	_, err := l.Alloc(10)
	require.ErrorIs(t, err, errs.NoSpc)
}

func TestListAllocSameLocality(t *testing.T) {
	l := NewList()
	l.Load([]types.Extent{{Start: 0, Len: 5}, {Start: 1000, Len: 5}})

	blkno, err := l.AllocSame(1002)
	require.NoError(t, err)
	require.Equal(t, uint64(1000), blkno)
}

func TestListFreeMergesAdjacent(t *testing.T) {
	l := NewList()
	l.Free(100, 5)
	l.Free(105, 5)
	require.Equal(t, uint64(10), l.Total())
	require.Equal(t, []types.Extent{{Start: 100, Len: 10}}, l.Snapshot())
}

func TestFillListTopsUpBelowLo(t *testing.T) {
	dst := NewList()
	dst.Load([]types.Extent{{Start: 0, Len: 5}})
	src := NewList()
	src.Load([]types.Extent{{Start: 1000, Len: 1000}})

	moved := FillList(dst, src, 10, 50)
	require.Equal(t, uint64(45), moved)
	require.Equal(t, uint64(50), dst.Total())
}

func TestFillListNoopAboveLo(t *testing.T) {
	dst := NewList()
	dst.Load([]types.Extent{{Start: 0, Len: 20}})
	src := NewList()
	src.Load([]types.Extent{{Start: 1000, Len: 1000}})

	moved := FillList(dst, src, 10, 50)
	require.Equal(t, uint64(0), moved)
	require.Equal(t, uint64(20), dst.Total())
}

func TestEmptyListDrainsAll(t *testing.T) {
	dst := NewList()
	src := NewList()
	src.Load([]types.Extent{{Start: 0, Len: 3}, {Start: 100, Len: 7}})

	moved := EmptyList(dst, src)
	require.Equal(t, uint64(10), moved)
	require.Equal(t, uint64(0), src.Total())
	require.Equal(t, uint64(10), dst.Total())
}

func TestSpliceListMovesWithoutMerging(t *testing.T) {
	dst := NewList()
	src := NewList()
	src.Load([]types.Extent{{Start: 0, Len: 3}, {Start: 100, Len: 7}})

	SpliceList(dst, src)
	require.Equal(t, uint64(0), src.Total())
	require.Equal(t, []types.Extent{{Start: 0, Len: 3}, {Start: 100, Len: 7}}, dst.Snapshot())
}

func TestPoolFreeSameSeqRecyclesToAvail(t *testing.T) {
	p := NewPool()
	p.Avail.Load([]types.Extent{{Start: 0, Len: 100}})

	e, err := p.Alloc(10, 5)
	require.NoError(t, err)

	p.Free(5, 5, e.Start, e.Len)
	require.Equal(t, uint64(100), p.Avail.Total())
	require.Equal(t, uint64(0), p.Freed.Total())
}

func TestPoolFreeDifferentSeqGoesToFreed(t *testing.T) {
	p := NewPool()
	p.Avail.Load([]types.Extent{{Start: 0, Len: 100}})

	e, err := p.Alloc(10, 5)
	require.NoError(t, err)

	p.Free(5, 6, e.Start, e.Len)
	require.Equal(t, uint64(90), p.Avail.Total())
	require.Equal(t, uint64(10), p.Freed.Total())
}

func TestServerFlipBankSwapsActive(t *testing.T) {
	s := NewServer(MetaFillLo, MetaFillTarget)
	require.Equal(t, 0, s.ActiveIndex())
	first := s.Active()

	s.FlipBank()
	require.Equal(t, 1, s.ActiveIndex())
	require.NotSame(t, first, s.Active())

	s.FlipBank()
	require.Equal(t, 0, s.ActiveIndex())
	require.Same(t, first, s.Active())
}
