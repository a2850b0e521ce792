package btree

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/scoutfs/scoutd/pkg/errs"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestPutGetDelete(t *testing.T) {
	s := openTestStore(t)

	key := EncodeKey(42)
	require.NoError(t, s.Put(BucketFS, key, []byte("hello")))

	v, err := s.Get(BucketFS, key)
	require.NoError(t, err)
	require.Equal(t, []byte("hello"), v)

	require.NoError(t, s.Delete(BucketFS, key))
	_, err = s.Get(BucketFS, key)
	require.ErrorIs(t, err, errs.NoEnt)
}

func TestEncodeDecodeKeyRoundTrip(t *testing.T) {
	for _, v := range []uint64{0, 1, 42, 1 << 40} {
		k := EncodeKey(v)
		got, err := DecodeKey(k)
		require.NoError(t, err)
		require.Equal(t, v, got)
	}
}

func TestDecodeKeyWrongLength(t *testing.T) {
	_, err := DecodeKey([]byte{1, 2, 3})
	require.ErrorIs(t, err, errs.Inval)
}

func TestIterateOrdersByKey(t *testing.T) {
	s := openTestStore(t)

	for _, v := range []uint64{5, 1, 3} {
		require.NoError(t, s.Put(BucketLogs, EncodeKey(v), EncodeKey(v)))
	}

	var seen []uint64
	err := s.Iterate(BucketLogs, nil, func(k, v []byte) bool {
		n, derr := DecodeKey(k)
		require.NoError(t, derr)
		seen = append(seen, n)
		return true
	})
	require.NoError(t, err)
	require.Equal(t, []uint64{1, 3, 5}, seen)
}

func TestIterateSeekFrom(t *testing.T) {
	s := openTestStore(t)
	for _, v := range []uint64{1, 2, 3, 4} {
		require.NoError(t, s.Put(BucketLogs, EncodeKey(v), nil))
	}

	var seen []uint64
	err := s.Iterate(BucketLogs, EncodeKey(3), func(k, v []byte) bool {
		n, _ := DecodeKey(k)
		seen = append(seen, n)
		return true
	})
	require.NoError(t, err)
	require.Equal(t, []uint64{3, 4}, seen)
}

func TestIterateStopsEarly(t *testing.T) {
	s := openTestStore(t)
	for _, v := range []uint64{1, 2, 3, 4} {
		require.NoError(t, s.Put(BucketLogs, EncodeKey(v), nil))
	}

	count := 0
	err := s.Iterate(BucketLogs, nil, func(k, v []byte) bool {
		count++
		return count < 2
	})
	require.NoError(t, err)
	require.Equal(t, 2, count)
}

func TestCount(t *testing.T) {
	s := openTestStore(t)
	n, err := s.Count(BucketMountedClients)
	require.NoError(t, err)
	require.Equal(t, 0, n)

	require.NoError(t, s.Put(BucketMountedClients, EncodeKey(1), nil))
	require.NoError(t, s.Put(BucketMountedClients, EncodeKey(2), nil))

	n, err = s.Count(BucketMountedClients)
	require.NoError(t, err)
	require.Equal(t, 2, n)
}

func TestUnknownBucket(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Get("nonexistent", EncodeKey(1))
	require.ErrorIs(t, err, errs.Inval)
}
