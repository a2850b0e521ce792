package scoutd

import (
	"encoding/binary"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/scoutfs/scoutd/pkg/rpc"
	"github.com/scoutfs/scoutd/pkg/types"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()

	devPath := filepath.Join(t.TempDir(), "image.scoutfs")
	f, err := os.Create(devPath)
	require.NoError(t, err)
	require.NoError(t, f.Truncate(int64(64)*types.BlockSize))
	require.NoError(t, f.Close())

	s, err := New(Config{
		DevicePath:        devPath,
		DBPath:            filepath.Join(t.TempDir(), "test.db"),
		FSID:              1,
		Version:           1,
		BindAddr:          "127.0.0.1:0",
		MajorityThreshold: 1,
	})
	require.NoError(t, err)
	s.metaAlloc.Active().Avail.Load([]types.Extent{{Start: 10, Len: 10000}})
	s.dataAlloc.Load([]types.Extent{{Start: 100000, Len: 100000}})

	t.Cleanup(func() { _ = s.Stop() })
	return s
}

func greetingPayload(fsid, version, serverTerm uint64) []byte {
	return greetingPayloadWithFlags(fsid, version, serverTerm, 0)
}

func greetingPayloadWithFlags(fsid, version, serverTerm uint64, flags types.MountedClientFlags) []byte {
	buf := make([]byte, greetingReqLen)
	binary.LittleEndian.PutUint64(buf[0:], fsid)
	binary.LittleEndian.PutUint64(buf[8:], version)
	binary.LittleEndian.PutUint64(buf[16:], serverTerm)
	binary.LittleEndian.PutUint64(buf[24:], uint64(flags))
	return buf
}

func TestGreetingThenAllocInodes(t *testing.T) {
	s := newTestServer(t)

	_, code := s.dispatcher.Dispatch(&rpc.Request{Cmd: rpc.CmdGreeting, Rid: 5, Payload: greetingPayload(1, 1, 0)})
	require.Equal(t, int32(0), code)

	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, 3)
	payload, code := s.dispatcher.Dispatch(&rpc.Request{Cmd: rpc.CmdAllocInodes, Rid: 5, Payload: buf})
	require.Equal(t, int32(0), code)
	require.Len(t, payload, 16)
	ino := binary.LittleEndian.Uint64(payload[0:])
	nr := binary.LittleEndian.Uint64(payload[8:])
	require.Equal(t, uint64(1), ino)
	require.Equal(t, uint64(3), nr)
}

func TestGreetingRejectsFSIDMismatch(t *testing.T) {
	s := newTestServer(t)

	_, code := s.dispatcher.Dispatch(&rpc.Request{Cmd: rpc.CmdGreeting, Rid: 1, Payload: greetingPayload(99, 1, 0)})
	require.Equal(t, int32(-22), code)
}

func TestGetLogTreesRoundTrip(t *testing.T) {
	s := newTestServer(t)

	payload, code := s.dispatcher.Dispatch(&rpc.Request{Cmd: rpc.CmdGetLogTrees, Rid: 7})
	require.Equal(t, int32(0), code)
	require.Greater(t, len(payload), 0)
}

func TestAdvanceSeqThenGetLastSeq(t *testing.T) {
	s := newTestServer(t)

	payload, code := s.dispatcher.Dispatch(&rpc.Request{Cmd: rpc.CmdAdvanceSeq, Rid: 1})
	require.Equal(t, int32(0), code)
	seq := binary.LittleEndian.Uint64(payload)
	require.Equal(t, uint64(1), seq)

	payload, code = s.dispatcher.Dispatch(&rpc.Request{Cmd: rpc.CmdGetLastSeq, Rid: 1})
	require.Equal(t, int32(0), code)
	last := binary.LittleEndian.Uint64(payload)
	require.Equal(t, uint64(0), last) // seq 1 is still open, so the last closed seq is 0
}

func TestGreetingQuorumFlagHeldOnFarewell(t *testing.T) {
	devPath := filepath.Join(t.TempDir(), "image.scoutfs")
	f, err := os.Create(devPath)
	require.NoError(t, err)
	require.NoError(t, f.Truncate(int64(64)*types.BlockSize))
	require.NoError(t, f.Close())

	s, err := New(Config{
		DevicePath:        devPath,
		DBPath:            filepath.Join(t.TempDir(), "test.db"),
		FSID:              1,
		Version:           1,
		BindAddr:          "127.0.0.1:0",
		MajorityThreshold: 2,
	})
	require.NoError(t, err)
	s.metaAlloc.Active().Avail.Load([]types.Extent{{Start: 10, Len: 10000}})
	s.dataAlloc.Load([]types.Extent{{Start: 100000, Len: 100000}})
	t.Cleanup(func() { _ = s.Stop() })

	_, code := s.dispatcher.Dispatch(&rpc.Request{Cmd: rpc.CmdGreeting, Rid: 1, Payload: greetingPayloadWithFlags(1, 1, 0, types.FlagQuorum)})
	require.Equal(t, int32(0), code)
	_, code = s.dispatcher.Dispatch(&rpc.Request{Cmd: rpc.CmdGreeting, Rid: 2, Payload: greetingPayloadWithFlags(1, 1, 0, types.FlagQuorum)})
	require.Equal(t, int32(0), code)

	payload, code := s.dispatcher.Dispatch(&rpc.Request{Cmd: rpc.CmdFarewell, Rid: 1})
	require.Equal(t, int32(0), code)
	require.Equal(t, []byte{1}, payload) // held: only 1 quorum mount would remain, below the threshold of 2
}

func TestFarewellNonQuorumProceeds(t *testing.T) {
	s := newTestServer(t)

	_, code := s.dispatcher.Dispatch(&rpc.Request{Cmd: rpc.CmdGreeting, Rid: 9, Payload: greetingPayload(1, 1, 0)})
	require.Equal(t, int32(0), code)

	payload, code := s.dispatcher.Dispatch(&rpc.Request{Cmd: rpc.CmdFarewell, Rid: 9})
	require.Equal(t, int32(0), code)
	require.Equal(t, []byte{0}, payload) // not held
}

func TestSetGetClearVolOpt(t *testing.T) {
	s := newTestServer(t)
	s.volopts.RegisterValidator(volOptTestBit, func(uint64) error { return nil })

	setBuf := make([]byte, 16)
	binary.LittleEndian.PutUint64(setBuf[0:], uint64(volOptTestBit))
	binary.LittleEndian.PutUint64(setBuf[8:], 42)
	_, code := s.dispatcher.Dispatch(&rpc.Request{Cmd: rpc.CmdSetVolOpt, Payload: setBuf})
	require.Equal(t, int32(0), code)

	getBuf := make([]byte, 8)
	binary.LittleEndian.PutUint64(getBuf, uint64(volOptTestBit))
	payload, code := s.dispatcher.Dispatch(&rpc.Request{Cmd: rpc.CmdGetVolOpt, Payload: getBuf})
	require.Equal(t, int32(0), code)
	require.Equal(t, uint64(42), binary.LittleEndian.Uint64(payload))

	_, code = s.dispatcher.Dispatch(&rpc.Request{Cmd: rpc.CmdClearVolOpt, Payload: getBuf})
	require.Equal(t, int32(0), code)

	_, code = s.dispatcher.Dispatch(&rpc.Request{Cmd: rpc.CmdGetVolOpt, Payload: getBuf})
	require.Equal(t, int32(-2), code) // no longer set
}

func TestAllocInodesSaturatesAtUint64Max(t *testing.T) {
	s := newTestServer(t)
	s.super.NextIno = math.MaxUint64 - 2

	ino, nr, err := s.AllocInodes(10)
	require.NoError(t, err)
	require.Equal(t, uint64(math.MaxUint64-2), ino)
	require.Equal(t, uint64(2), nr) // clamped: only 2 inodes remain before overflow
	require.Equal(t, uint64(math.MaxUint64), s.super.NextIno)

	_, _, err = s.AllocInodes(1)
	require.Error(t, err) // no room left at all
}

func TestCommitPersistsNextTransSeq(t *testing.T) {
	s := newTestServer(t)

	_, code := s.dispatcher.Dispatch(&rpc.Request{Cmd: rpc.CmdAdvanceSeq, Rid: 3})
	require.Equal(t, int32(0), code)

	require.Equal(t, s.transseqs.Next(), s.super.NextTransSeq)
	require.Equal(t, uint64(2), s.super.NextTransSeq)
}

func TestSetVolOptRejectsReservedBit(t *testing.T) {
	s := newTestServer(t)

	buf := make([]byte, 16)
	binary.LittleEndian.PutUint64(buf[0:], uint64(volOptTestBit)<<1)
	binary.LittleEndian.PutUint64(buf[8:], 1)
	_, code := s.dispatcher.Dispatch(&rpc.Request{Cmd: rpc.CmdSetVolOpt, Payload: buf})
	require.Equal(t, int32(-22), code)
}

func TestUnavailableCommandsReportIO(t *testing.T) {
	s := newTestServer(t)
	_, code := s.dispatcher.Dispatch(&rpc.Request{Cmd: rpc.CmdLock})
	require.Equal(t, int32(-5), code)
}

func TestStartStopAcceptsConnections(t *testing.T) {
	s := newTestServer(t)
	require.NoError(t, s.Start())
	require.NoError(t, s.Stop())
}

const volOptTestBit = types.DataAllocZoneBlocksBit
