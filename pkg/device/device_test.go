package device

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/scoutfs/scoutd/pkg/errs"
	"github.com/scoutfs/scoutd/pkg/types"
)

func makeTestImage(t *testing.T, blocks int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "image.scoutfs")
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, f.Truncate(int64(blocks)*types.BlockSize))
	require.NoError(t, f.Close())
	return path
}

func TestOpenCloseReleasesLock(t *testing.T) {
	path := makeTestImage(t, 4)

	d, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, d.Close())

	d2, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, d2.Close())
}

func TestSecondOpenIsTransient(t *testing.T) {
	path := makeTestImage(t, 4)

	d, err := Open(path)
	require.NoError(t, err)
	defer d.Close()

	_, err = Open(path)
	require.ErrorIs(t, err, errs.Again)
}

func TestReadWriteBlockRoundTrip(t *testing.T) {
	path := makeTestImage(t, 4)
	d, err := Open(path)
	require.NoError(t, err)
	defer d.Close()

	data := make([]byte, types.BlockSize)
	for i := range data {
		data[i] = byte(i % 251)
	}

	require.NoError(t, d.WriteBlock(2, data))
	got, err := d.ReadBlock(2)
	require.NoError(t, err)
	require.Equal(t, data, got)
}

func TestWriteBlockWrongSize(t *testing.T) {
	path := makeTestImage(t, 4)
	d, err := Open(path)
	require.NoError(t, err)
	defer d.Close()

	err = d.WriteBlock(0, []byte("short"))
	require.ErrorIs(t, err, errs.Inval)
}

func TestSize(t *testing.T) {
	path := makeTestImage(t, 8)
	d, err := Open(path)
	require.NoError(t, err)
	defer d.Close()

	n, err := d.Size()
	require.NoError(t, err)
	require.Equal(t, uint64(8), n)
}
