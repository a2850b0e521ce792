package scoutd

import (
	"github.com/scoutfs/scoutd/pkg/btree"
	"github.com/scoutfs/scoutd/pkg/errs"
	"github.com/scoutfs/scoutd/pkg/logtree"
	"github.com/scoutfs/scoutd/pkg/rpc"
	"github.com/scoutfs/scoutd/pkg/types"
	"github.com/scoutfs/scoutd/pkg/volopt"
)

func (s *Server) buildDispatcher() *rpc.Dispatcher {
	// CmdCommitLogTrees carries a variable-length record (data_alloc_zones
	// is a bitmap) and is deliberately left out of this map; its decoder
	// validates its own length.
	d := rpc.NewDispatcher(rpc.ExpectedLen{
		rpc.CmdGreeting:    greetingReqLen,
		rpc.CmdAllocInodes: allocInodesReqLen,
		rpc.CmdGetLogTrees: 0,
		rpc.CmdGetRoots:    0,
		rpc.CmdAdvanceSeq:  0,
		rpc.CmdGetLastSeq:  0,
		rpc.CmdGetVolOpt:   volOptReqLen,
		rpc.CmdSetVolOpt:   setVolOptReqLen,
		rpc.CmdClearVolOpt: volOptReqLen,
		rpc.CmdFarewell:    0,
	})

	d.Register(rpc.CmdGreeting, s.handleGreeting)
	d.Register(rpc.CmdAllocInodes, s.handleAllocInodes)
	d.Register(rpc.CmdGetLogTrees, s.handleGetLogTrees)
	d.Register(rpc.CmdCommitLogTrees, s.handleCommitLogTrees)
	d.Register(rpc.CmdGetRoots, s.handleGetRoots)
	d.Register(rpc.CmdAdvanceSeq, s.handleAdvanceSeq)
	d.Register(rpc.CmdGetLastSeq, s.handleGetLastSeq)
	d.Register(rpc.CmdGetVolOpt, s.handleGetVolOpt)
	d.Register(rpc.CmdSetVolOpt, s.handleSetVolOpt)
	d.Register(rpc.CmdClearVolOpt, s.handleClearVolOpt)
	d.Register(rpc.CmdFarewell, s.handleFarewell)

	// LOCK, LOCK_RECOVER, SRCH_GET_COMPACT, SRCH_COMMIT_COMPACT, and
	// OPEN_INO_MAP forward to external collaborators (the lock server, the
	// srch-compaction subsystem, the open-inode-map subsystem) that this
	// exercise's scope does not implement; they report IO rather than
	// silently succeeding.
	for _, cmd := range []rpc.Cmd{rpc.CmdLock, rpc.CmdLockRecover, rpc.CmdSrchGetCompact, rpc.CmdSrchCommitCompact, rpc.CmdOpenInoMap} {
		d.Register(cmd, handleUnavailable)
	}

	return d
}

func handleUnavailable(req *rpc.Request) ([]byte, error) {
	return nil, errs.IO
}

func (s *Server) handleGreeting(req *rpc.Request) ([]byte, error) {
	fsid, version, serverTerm, flags, err := decodeGreeting(req.Payload)
	if err != nil {
		return nil, err
	}

	s.superMu.Lock()
	wantFSID, wantVersion := s.super.FSID, uint64(s.super.Version)
	s.superMu.Unlock()

	release := s.commitC.AcquireShared()
	if err := s.registry.Greeting(req.Rid, fsid, version, serverTerm, wantFSID, wantVersion, flags); err != nil {
		release()
		return nil, err
	}

	if serverTerm == 0 {
		if err := s.store.Put(btree.BucketMountedClients, btree.EncodeKey(req.Rid), putLEUint32(uint32(flags))); err != nil {
			release()
			return nil, err
		}
	}
	release()

	if err := s.commitC.ApplyCommit(); err != nil {
		return nil, err
	}
	return nil, nil
}

func (s *Server) handleAllocInodes(req *rpc.Request) ([]byte, error) {
	count := decodeCount(req.Payload)
	ino, nr, err := s.AllocInodes(count)
	if err != nil {
		return nil, err
	}
	return encodeAllocInodes(ino, nr), nil
}

func (s *Server) handleGetLogTrees(req *rpc.Request) ([]byte, error) {
	release := s.commitC.AcquireShared()
	rec, err := s.logtrees.GetLogTrees(req.Rid)
	release()
	if err != nil {
		return nil, err
	}
	if err := s.commitC.ApplyCommit(); err != nil {
		return nil, err
	}
	return logtree.EncodeRecord(rec), nil
}

func (s *Server) handleCommitLogTrees(req *rpc.Request) ([]byte, error) {
	rec, err := logtree.DecodeRecord(req.Payload)
	if err != nil {
		return nil, err
	}

	release := s.commitC.AcquireShared()
	err = s.logtrees.CommitLogTrees(rec)
	release()
	if err != nil {
		return nil, err
	}
	return nil, s.commitC.ApplyCommit()
}

func (s *Server) handleGetRoots(req *rpc.Request) ([]byte, error) {
	fs, logs, srch := s.roots.Get()
	return encodeRoots(fs, logs, srch), nil
}

func (s *Server) handleAdvanceSeq(req *rpc.Request) ([]byte, error) {
	release := s.commitC.AcquireShared()
	seq, err := s.transseqs.AdvanceSeq(req.Rid)
	release()
	if err != nil {
		return nil, err
	}
	if err := s.commitC.ApplyCommit(); err != nil {
		return nil, err
	}
	return encodeSeq(seq), nil
}

func (s *Server) handleGetLastSeq(req *rpc.Request) ([]byte, error) {
	seq, err := s.transseqs.GetLastSeq()
	if err != nil {
		return nil, err
	}
	return encodeSeq(seq), nil
}

func (s *Server) handleGetVolOpt(req *rpc.Request) ([]byte, error) {
	bit := decodeVolOptBit(req.Payload)
	rec := s.volopts.Get()
	if !volopt.IsSet(rec, bit) {
		return nil, errs.NoEnt
	}
	return encodeVolOptValue(rec.Values[bitIndexForWire(bit)]), nil
}

func (s *Server) handleSetVolOpt(req *rpc.Request) ([]byte, error) {
	bit, value, err := decodeSetVolOpt(req.Payload)
	if err != nil {
		return nil, err
	}
	if err := s.volopts.Set(bit, value); err != nil {
		return nil, err
	}
	if bit == volopt.DataAllocZoneBlocksBit {
		s.logtrees.SetZoneBlocks(value)
	}
	return nil, nil
}

func (s *Server) handleClearVolOpt(req *rpc.Request) ([]byte, error) {
	bit := decodeVolOptBit(req.Payload)
	if err := s.volopts.Clear(bit); err != nil {
		return nil, err
	}
	if bit == volopt.DataAllocZoneBlocksBit {
		s.logtrees.SetZoneBlocks(0)
	}
	return nil, nil
}

func (s *Server) handleFarewell(req *rpc.Request) ([]byte, error) {
	held, err := s.registry.Farewell(req.Rid)
	if err != nil {
		return nil, err
	}
	return encodeFarewell(held), nil
}

// bitIndexForWire mirrors volopt's internal bitIndex; duplicated here since
// GET_VOLOPT's response needs the slot index and volopt does not export it.
func bitIndexForWire(bit types.VolOptBit) int {
	i := 0
	for b := bit; b > 1; b >>= 1 {
		i++
	}
	return i
}
