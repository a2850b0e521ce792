package transseq

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/scoutfs/scoutd/pkg/btree"
)

func openTestStore(t *testing.T) *btree.Store {
	t.Helper()
	s, err := btree.Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestAdvanceSeqAllocatesIncreasingSeq(t *testing.T) {
	m := NewManager(openTestStore(t), 1)

	s1, err := m.AdvanceSeq(100)
	require.NoError(t, err)
	require.Equal(t, uint64(1), s1)

	s2, err := m.AdvanceSeq(200)
	require.NoError(t, err)
	require.Equal(t, uint64(2), s2)
}

func TestAdvanceSeqRetiresPriorItemForSameRid(t *testing.T) {
	m := NewManager(openTestStore(t), 1)

	_, err := m.AdvanceSeq(100)
	require.NoError(t, err)
	_, err = m.AdvanceSeq(100)
	require.NoError(t, err)

	n, err := m.store.Count(btree.BucketTransSeqs)
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestGetLastSeqWithNoOpenTransactions(t *testing.T) {
	m := NewManager(openTestStore(t), 5)
	last, err := m.GetLastSeq()
	require.NoError(t, err)
	require.Equal(t, uint64(4), last)
}

func TestGetLastSeqReflectsMinLiveSeq(t *testing.T) {
	m := NewManager(openTestStore(t), 1)

	_, err := m.AdvanceSeq(1)
	require.NoError(t, err)
	_, err = m.AdvanceSeq(2)
	require.NoError(t, err)
	_, err = m.AdvanceSeq(3)
	require.NoError(t, err)

	last, err := m.GetLastSeq()
	require.NoError(t, err)
	require.Equal(t, uint64(0), last) // min live seq is 1, so last == 0

	require.NoError(t, m.RemoveRid(1))
	last, err = m.GetLastSeq()
	require.NoError(t, err)
	require.Equal(t, uint64(1), last) // min live seq is now 2
}
