package scoutctl_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/scoutfs/scoutd/pkg/scoutctl"
	"github.com/scoutfs/scoutd/pkg/scoutd"
	"github.com/scoutfs/scoutd/pkg/types"
)

func newRunningServer(t *testing.T) *scoutd.Server {
	t.Helper()

	devPath := filepath.Join(t.TempDir(), "image.scoutfs")
	f, err := os.Create(devPath)
	require.NoError(t, err)
	require.NoError(t, f.Truncate(int64(64)*types.BlockSize))
	require.NoError(t, f.Close())

	s, err := scoutd.New(scoutd.Config{
		DevicePath:        devPath,
		DBPath:            filepath.Join(t.TempDir(), "test.db"),
		FSID:              1,
		Version:           1,
		BindAddr:          "127.0.0.1:0",
		MajorityThreshold: 1,
	})
	require.NoError(t, err)
	require.NoError(t, s.Start())
	t.Cleanup(func() { _ = s.Stop() })
	return s
}

func TestClientGreetingAndAllocInodes(t *testing.T) {
	s := newRunningServer(t)

	c, err := scoutctl.Dial(s.Addr(), 5)
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Greeting(1, 1, 0, false))

	ino, nr, err := c.AllocInodes(4)
	require.NoError(t, err)
	require.Equal(t, uint64(1), ino)
	require.Equal(t, uint64(4), nr)
}

func TestClientGreetingRejectsWrongFSID(t *testing.T) {
	s := newRunningServer(t)

	c, err := scoutctl.Dial(s.Addr(), 1)
	require.NoError(t, err)
	defer c.Close()

	err = c.Greeting(99, 1, 0, false)
	require.Error(t, err)
}

func TestClientFarewellAfterGreeting(t *testing.T) {
	s := newRunningServer(t)

	c, err := scoutctl.Dial(s.Addr(), 9)
	require.NoError(t, err)
	defer c.Close()

	require.NoError(t, c.Greeting(1, 1, 0, false))

	held, err := c.Farewell()
	require.NoError(t, err)
	require.False(t, held)
}

func TestClientSetGetClearVolOpt(t *testing.T) {
	s := newRunningServer(t)

	c, err := scoutctl.Dial(s.Addr(), 1)
	require.NoError(t, err)
	defer c.Close()

	_, err = c.GetVolOpt(types.DataAllocZoneBlocksBit)
	require.Error(t, err) // not set yet

	require.NoError(t, c.SetVolOpt(types.DataAllocZoneBlocksBit, 17))

	value, err := c.GetVolOpt(types.DataAllocZoneBlocksBit)
	require.NoError(t, err)
	require.Equal(t, uint64(17), value)

	require.NoError(t, c.ClearVolOpt(types.DataAllocZoneBlocksBit))
	_, err = c.GetVolOpt(types.DataAllocZoneBlocksBit)
	require.Error(t, err)
}

func TestClientGetRootsAndLastSeq(t *testing.T) {
	s := newRunningServer(t)

	c, err := scoutctl.Dial(s.Addr(), 1)
	require.NoError(t, err)
	defer c.Close()

	_, err = c.GetRoots()
	require.NoError(t, err)

	_, err = c.GetLastSeq()
	require.NoError(t, err)
}
