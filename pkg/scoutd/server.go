// Package scoutd wires the block, allocator, commit, log-tree, trans-seq,
// volopt, and client-lifecycle packages into one running leader-side
// server, the same composition-root role pkg/manager played for the
// teacher's Raft-backed control plane — generalized here to a single
// elected leader whose quorum election happens outside this process.
package scoutd

import (
	"fmt"
	"math"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/scoutfs/scoutd/pkg/alloc"
	"github.com/scoutfs/scoutd/pkg/block"
	"github.com/scoutfs/scoutd/pkg/btree"
	"github.com/scoutfs/scoutd/pkg/clients"
	"github.com/scoutfs/scoutd/pkg/commit"
	"github.com/scoutfs/scoutd/pkg/device"
	"github.com/scoutfs/scoutd/pkg/errs"
	"github.com/scoutfs/scoutd/pkg/events"
	"github.com/scoutfs/scoutd/pkg/log"
	"github.com/scoutfs/scoutd/pkg/logtree"
	"github.com/scoutfs/scoutd/pkg/metrics"
	"github.com/scoutfs/scoutd/pkg/rpc"
	"github.com/scoutfs/scoutd/pkg/super"
	"github.com/scoutfs/scoutd/pkg/transseq"
	"github.com/scoutfs/scoutd/pkg/types"
	"github.com/scoutfs/scoutd/pkg/volopt"
)

// Config holds everything needed to stand up a server.
type Config struct {
	DevicePath        string
	DBPath            string
	FSID              uint64
	Version           uint64
	BindAddr          string
	RecoveryTimeout   time.Duration
	MajorityThreshold int
	MaxDataZones      uint64
}

// Server composes one volume's full leader-side engine.
type Server struct {
	cfg Config

	dev    *device.Device
	blocks *block.Cache
	store  *btree.Store

	metaAlloc *alloc.Server
	dataAlloc *alloc.List

	logtrees  *logtree.Manager
	transseqs *transseq.Manager
	volopts   *volopt.Manager
	broker    *events.Broker
	registry  *clients.Registry
	commitC   *commit.Coordinator
	roots     StableRoots

	dispatcher *rpc.Dispatcher
	listener   net.Listener
	collector  *metrics.Collector

	superMu sync.Mutex
	super   types.SuperBlock

	shuttingDown atomic.Bool
	wg           sync.WaitGroup
	stopOnce     sync.Once
	stopErr      error
}

// New opens the device and B-tree store, loads or initializes the super
// block, and wires every component's manager. It does not yet accept
// connections; call Start for that.
func New(cfg Config) (*Server, error) {
	dev, err := device.Open(cfg.DevicePath)
	if err != nil {
		return nil, fmt.Errorf("open device: %w", err)
	}

	store, err := btree.Open(cfg.DBPath)
	if err != nil {
		_ = dev.Close()
		return nil, fmt.Errorf("open btree store: %w", err)
	}

	sb, err := super.Load(dev, cfg.FSID)
	if err != nil {
		sb = types.SuperBlock{FSID: cfg.FSID, Version: uint32(cfg.Version), NextIno: 1, NextTransSeq: 1}
		log.Logger.Warn().Err(err).Msg("no valid super block found, initializing fresh volume")
	}

	s := &Server{
		cfg:       cfg,
		dev:       dev,
		blocks:    block.New(dev, cfg.FSID),
		store:     store,
		metaAlloc: alloc.NewServer(alloc.MetaFillLo, alloc.MetaFillTarget),
		dataAlloc: alloc.NewList(),
		super:     sb,
	}

	if sb.ActiveBank == 1 {
		s.metaAlloc.FlipBank() // NewServer always starts at bank 0; align with the persisted active bank
	}
	s.metaAlloc.Active().Avail.Load([]types.Extent{sb.ServerMetaAvail[sb.ActiveBank]})
	s.metaAlloc.Active().Freed.Load([]types.Extent{sb.ServerMetaFreed[sb.ActiveBank]})
	s.dataAlloc.Load([]types.Extent{sb.DataAlloc})
	s.roots.Publish(sb.FSRoot, sb.LogsRoot, sb.SrchRoot)

	s.logtrees = logtree.NewManager(store, s.metaAlloc, s.dataAlloc)
	s.transseqs = transseq.NewManager(store, sb.NextTransSeq)
	s.broker = events.NewBroker()

	s.volopts = volopt.NewManager(sb.VolOpt, s.persistVolOpt)
	if cfg.MaxDataZones > 0 {
		s.volopts.RegisterValidator(volopt.DataAllocZoneBlocksBit,
			volopt.ValidateDataAllocZoneBlocks(alloc.DataFillTarget, s.dataAlloc.Total(), cfg.MaxDataZones))
	}
	if volopt.IsSet(sb.VolOpt, volopt.DataAllocZoneBlocksBit) {
		s.logtrees.SetZoneBlocks(sb.VolOpt.Values[bitIndexForWire(volopt.DataAllocZoneBlocksBit)])
	}

	majority := cfg.MajorityThreshold
	if majority <= 0 {
		majority = 1
	}
	s.registry = clients.NewRegistry(s, s, s.broker, majority)
	if cfg.RecoveryTimeout > 0 {
		s.registry.SetRecoveryTimeout(cfg.RecoveryTimeout)
	}

	s.commitC = commit.New(sb.Seq+1, s.commitStep)
	s.dispatcher = s.buildDispatcher()
	s.collector = metrics.NewCollector(s.blocks, allocStats{meta: s.metaAlloc, data: s.dataAlloc}, s.registry)

	return s, nil
}

// Start seeds the recovery set from the persisted mounted-client registry,
// starts the event broker, and begins accepting RPC connections.
func (s *Server) Start() error {
	s.broker.Start()
	s.collector.Start()

	mounted, err := s.loadMountedClients()
	if err != nil {
		return fmt.Errorf("load mounted clients: %w", err)
	}
	s.registry.StartRecovery(mounted)

	ln, err := net.Listen("tcp", s.cfg.BindAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.cfg.BindAddr, err)
	}
	s.listener = ln

	metrics.RegisterComponent("device", true, "open")
	metrics.RegisterComponent("commit", true, "running")
	metrics.RegisterComponent("rpc", true, "listening")

	s.wg.Add(1)
	go s.acceptLoop()

	log.Logger.Info().Str("addr", ln.Addr().String()).Msg("scoutd listening")
	return nil
}

// Addr returns the RPC listener's actual address; useful when BindAddr
// used a ":0" port for the OS to pick one.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.shuttingDown.Load() {
				return
			}
			log.Logger.Warn().Err(err).Msg("accept failed")
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.dispatcher.Serve(conn)
		}()
	}
}

// Stop implements the abort sequence (§4.F): stop accepting new work, let
// in-flight farewell/reclaim work finish, close the socket, and tear down
// storage in the reverse order it was opened.
func (s *Server) Stop() error {
	s.stopOnce.Do(func() {
		s.shuttingDown.Store(true)
		s.collector.Stop()
		s.registry.Shutdown()

		if s.listener != nil {
			_ = s.listener.Close()
		}
		s.broker.Stop()
		s.wg.Wait()

		if err := s.store.Close(); err != nil {
			s.stopErr = fmt.Errorf("close btree store: %w", err)
			return
		}
		s.stopErr = s.dev.CloseWithDirtyCheck(s.blocks.DirtyBlocks())
	})
	return s.stopErr
}

func (s *Server) loadMountedClients() ([]types.MountedClientRecord, error) {
	var out []types.MountedClientRecord
	err := s.store.Iterate(btree.BucketMountedClients, nil, func(k, v []byte) bool {
		rid, derr := btree.DecodeKey(k)
		if derr != nil || len(v) != 4 {
			return true
		}
		out = append(out, types.MountedClientRecord{Rid: rid, Flags: types.MountedClientFlags(leUint32(v))})
		return true
	})
	return out, err
}

func leUint32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func putLEUint32(v uint32) []byte {
	return []byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}
}

func (s *Server) persistVolOpt(rec types.VolOptRecord) error {
	s.superMu.Lock()
	s.super.VolOpt = rec
	s.superMu.Unlock()
	return s.commitC.ApplyCommit()
}

// commitStep is the commit worker's single exclusive-hold pass (§4.C).
func (s *Server) commitStep(seq uint64) error {
	next := s.metaAlloc.Next()
	active := s.metaAlloc.Active()

	alloc.FillList(next.Avail, active.Avail, alloc.MetaFillLo, alloc.MetaFillTarget)
	alloc.Move(next.Freed, active.Freed, active.Freed.Total())

	if err := s.metaAlloc.PrepareCommit(); err != nil {
		return err
	}

	if err := s.blocks.WriteDirtyAll(seq); err != nil {
		return err
	}

	s.superMu.Lock()
	sb := s.super
	otherBank := 1 - sb.ActiveBank
	sb.ServerMetaAvail[otherBank] = leadExtent(next.Avail)
	sb.ServerMetaFreed[otherBank] = leadExtent(next.Freed)
	sb.DataAlloc = leadExtent(s.dataAlloc)
	sb.Seq = seq
	sb.NextTransSeq = s.transseqs.Next()
	s.superMu.Unlock()

	if err := super.Write(s.dev, sb, s.cfg.FSID, seq); err != nil {
		return err
	}

	s.roots.Publish(sb.FSRoot, sb.LogsRoot, sb.SrchRoot)

	s.metaAlloc.FlipBank()

	s.superMu.Lock()
	sb.ActiveBank = otherBank
	s.super = sb
	s.superMu.Unlock()

	return nil
}

// allocStats adapts this server's dual-bank meta allocator and single
// data_alloc list to the "meta"/"data" pool shape metrics.AllocStats
// expects. Unlike meta, data_alloc is never banked, so its avail/total
// both read from the same list and its freed side is always zero.
type allocStats struct {
	meta *alloc.Server
	data *alloc.List
}

func (a allocStats) AvailBlocks(pool string) (server, total uint64) {
	switch pool {
	case "meta":
		return a.meta.AvailBlocks()
	case "data":
		n := a.data.Total()
		return n, n
	default:
		return 0, 0
	}
}

func (a allocStats) FreedBlocks(pool string) uint64 {
	switch pool {
	case "meta":
		return a.meta.FreedBlocks()
	default:
		return 0
	}
}

var _ metrics.AllocStats = allocStats{}

func leadExtent(l *alloc.List) types.Extent {
	snap := l.Snapshot()
	if len(snap) == 0 {
		return types.Extent{}
	}
	return snap[0]
}

// Fence implements clients.Fencer. Making a client actually unreachable is
// an external, hardware- or cluster-manager-specific procedure (STONITH,
// SCSI reservation, network isolation); this server only sequences around
// it and trusts a nonerror return as "fencing succeeded".
func (s *Server) Fence(rid uint64) error {
	log.Logger.Warn().Uint64("rid", rid).Msg("requesting external fence of unresponsive client")
	return nil
}

// ReclaimRid implements clients.Reclaimer: release of the departed or
// fenced rid's trans-seq items, log-tree allocators, and mounted-client
// record, folded into the next commit batch. Lock release, srch-compaction
// cancellation, and open-ino-map cleanup are owned by their respective
// external subsystems and are out of scope here.
func (s *Server) ReclaimRid(rid uint64, clearLeader bool) error {
	if err := s.transseqs.RemoveRid(rid); err != nil {
		return err
	}
	if err := s.logtrees.ReclaimLogTrees(rid); err != nil {
		return err
	}
	if err := s.store.Delete(btree.BucketMountedClients, btree.EncodeKey(rid)); err != nil {
		return err
	}
	return s.commitC.ApplyCommit()
}

var _ clients.Fencer = (*Server)(nil)
var _ clients.Reclaimer = (*Server)(nil)

// AllocInodes reserves a contiguous inode range, advancing next_ino. If
// count would overflow next_ino past U64_MAX, it is clamped and the
// (shorter) clamped count is returned rather than wrapping. Once next_ino
// has reached U64_MAX no inode is left and it fails with errs.NoSpc.
func (s *Server) AllocInodes(count uint64) (ino, nr uint64, err error) {
	if count == 0 {
		return 0, 0, fmt.Errorf("%w: alloc_inodes count must be nonzero", errs.Inval)
	}
	s.superMu.Lock()
	ino = s.super.NextIno
	if room := math.MaxUint64 - ino; count > room {
		count = room
	}
	if count == 0 {
		s.superMu.Unlock()
		return 0, 0, fmt.Errorf("%w: next_ino exhausted", errs.NoSpc)
	}
	s.super.NextIno = ino + count
	s.superMu.Unlock()

	if err := s.commitC.ApplyCommit(); err != nil {
		return 0, 0, err
	}
	return ino, count, nil
}
