package block

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/scoutfs/scoutd/pkg/device"
	"github.com/scoutfs/scoutd/pkg/errs"
	"github.com/scoutfs/scoutd/pkg/types"
)

const testFSID = 0xF00D

func openTestDevice(t *testing.T, blocks int) *device.Device {
	t.Helper()
	path := filepath.Join(t.TempDir(), "image.scoutfs")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, f.Truncate(int64(blocks)*types.BlockSize))
	require.NoError(t, f.Close())

	d, err := device.Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func TestDirtyAllocAndWriteRoundTrip(t *testing.T) {
	dev := openTestDevice(t, 4)
	c := New(dev, testFSID)

	buf, err := c.DirtyAlloc(1)
	require.NoError(t, err)
	copy(Payload(buf), []byte("hello world"))

	require.NoError(t, c.WriteDirtyAll(7))
	require.Equal(t, 0, c.DirtyBlocks())

	c2 := New(dev, testFSID)
	got, err := c2.Read(1)
	require.NoError(t, err)
	require.Equal(t, byte('h'), Payload(got)[0])
}

func TestReadRefDetectsStale(t *testing.T) {
	dev := openTestDevice(t, 4)
	c := New(dev, testFSID)

	buf, err := c.DirtyAlloc(1)
	require.NoError(t, err)
	copy(Payload(buf), []byte("v1"))
	require.NoError(t, c.WriteDirtyAll(1))

	_, err = c.ReadRef(types.BlockRef{Blkno: 1, Seq: 999})
	require.ErrorIs(t, err, errs.Stale)

	data, err := c.ReadRef(types.BlockRef{Blkno: 1, Seq: 1})
	require.NoError(t, err)
	require.Equal(t, byte('v'), Payload(data)[0])
}

func TestDirtyRefCOWsOnDifferentSeq(t *testing.T) {
	dev := openTestDevice(t, 8)
	c := New(dev, testFSID)

	buf, err := c.DirtyAlloc(2)
	require.NoError(t, err)
	copy(Payload(buf), []byte("original"))
	require.NoError(t, c.WriteDirtyAll(1))

	ref := types.BlockRef{Blkno: 2, Seq: 1}
	nextFree := uint64(3)
	allocSame := func(old uint64) (uint64, error) {
		b := nextFree
		nextFree++
		return b, nil
	}
	var freed []types.BlockRef
	free := func(r types.BlockRef) error {
		freed = append(freed, r)
		return nil
	}

	newBuf, err := c.DirtyRef(&ref, 2, allocSame, free)
	require.NoError(t, err)
	require.Equal(t, uint64(3), ref.Blkno)
	require.Equal(t, uint64(2), ref.Seq)
	require.Len(t, freed, 1)
	require.Equal(t, uint64(2), freed[0].Blkno)
	require.Equal(t, byte('o'), Payload(newBuf)[0])
}

func TestDirtyRefReusesSameTransactionBlock(t *testing.T) {
	dev := openTestDevice(t, 4)
	c := New(dev, testFSID)

	buf, err := c.DirtyAlloc(1)
	require.NoError(t, err)
	writeHeader(buf, types.BlockHeader{FSID: testFSID, Blkno: 1, Seq: 5})

	ref := types.BlockRef{Blkno: 1, Seq: 5}
	allocSame := func(old uint64) (uint64, error) {
		t.Fatal("allocSame should not be called when ref.Seq == curSeq")
		return 0, nil
	}
	free := func(r types.BlockRef) error {
		t.Fatal("free should not be called when ref.Seq == curSeq")
		return nil
	}

	_, err = c.DirtyRef(&ref, 5, allocSame, free)
	require.NoError(t, err)
	require.Equal(t, uint64(1), ref.Blkno)
}

func TestVerifyHeaderCatchesFSIDMismatch(t *testing.T) {
	dev := openTestDevice(t, 4)
	c := New(dev, testFSID)

	buf, err := c.DirtyAlloc(1)
	require.NoError(t, err)
	writeHeader(buf, types.BlockHeader{FSID: 0xBAD, Blkno: 1})
	stampCRC(buf)
	require.NoError(t, dev.WriteBlock(1, buf))

	c2 := New(dev, testFSID)
	_, err = c2.Read(1)
	require.ErrorIs(t, err, errs.IO)
}

func TestWriteDirtyAllCleansEveryDirtyBlock(t *testing.T) {
	dev := openTestDevice(t, 8)
	c := New(dev, testFSID)

	for _, blkno := range []uint64{5, 1, 3} {
		_, err := c.DirtyAlloc(blkno)
		require.NoError(t, err)
	}
	require.Equal(t, 3, c.DirtyBlocks())
	require.NoError(t, c.WriteDirtyAll(1))
	require.Equal(t, 0, c.DirtyBlocks())
	require.Equal(t, 3, c.CacheEntries())
}

func TestForgetRemovesFromCache(t *testing.T) {
	dev := openTestDevice(t, 4)
	c := New(dev, testFSID)

	_, err := c.DirtyAlloc(1)
	require.NoError(t, err)
	require.Equal(t, 1, c.CacheEntries())

	c.Forget(1)
	require.Equal(t, 0, c.CacheEntries())
}
