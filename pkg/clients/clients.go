// Package clients implements the per-rid lifecycle state machine
// (Absent -> Greeting -> Active -> Farewelling -> Reclaimed), the
// server-startup recovery window, fencing on recovery timeout, and
// farewell's quorum majority-hold rule. The recovery-timeout watcher is
// grounded on the teacher's reconciler heartbeat-timeout ticker
// (pkg/reconciler); lifecycle notifications reuse pkg/events' broker.
package clients

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/scoutfs/scoutd/pkg/errs"
	"github.com/scoutfs/scoutd/pkg/events"
	"github.com/scoutfs/scoutd/pkg/log"
	"github.com/scoutfs/scoutd/pkg/metrics"
	"github.com/scoutfs/scoutd/pkg/types"
)

// State is a client's lifecycle state on the server.
type State string

const (
	StateAbsent      State = "absent"
	StateGreeting    State = "greeting"
	StateActive      State = "active"
	StateFarewelling State = "farewelling"
	StateReclaimed   State = "reclaimed"
)

// DefaultRecoveryTimeout is how long a mounted client from the prior
// server generation has to complete every recovery step before it is
// fenced.
const DefaultRecoveryTimeout = 30 * time.Second

// RecoverySteps are the subsystems that must each mark a rid recovered
// before that rid's recovery is considered complete.
var RecoverySteps = []string{"greeting", "lock", "open_ino_map"}

// Fencer makes a rid unreachable; implemented by an external fencing
// subsystem the spec treats as a collaborator, not a component this
// package owns.
type Fencer interface {
	Fence(rid uint64) error
}

// Reclaimer performs reclaim_rid's full step sequence — release locks,
// remove trans-seqs, reclaim log trees, cancel srch compactions, remove
// the open-ino-map entry, optionally clear the quorum leader block,
// delete the mounted-client record — inside one commit batch.
type Reclaimer interface {
	ReclaimRid(rid uint64, clearLeader bool) error
}

type client struct {
	rid     uint64
	state   State
	flags   types.MountedClientFlags
	steps   map[string]bool
	deadline time.Time
}

func newClient(rid uint64, flags types.MountedClientFlags) *client {
	return &client{rid: rid, flags: flags, state: StateAbsent, steps: make(map[string]bool)}
}

func (c *client) recoveryComplete() bool {
	for _, s := range RecoverySteps {
		if !c.steps[s] {
			return false
		}
	}
	return true
}

// Registry tracks every rid's lifecycle state and drives recovery,
// fencing, and farewell.
type Registry struct {
	mu      sync.Mutex
	clients map[uint64]*client

	recoveryTimeout time.Duration
	recovering      bool

	majorityThreshold int // quorum-eligible mounts the cluster needs to stay above

	fencer    Fencer
	reclaimer Reclaimer
	broker    *events.Broker

	pendingFarewells []uint64

	shuttingDown bool
	stopCh       chan struct{}
}

// NewRegistry creates a client registry. majorityThreshold is the number
// of quorum-eligible mounts the remaining cluster must stay above for a
// quorum-eligible farewell to proceed immediately.
func NewRegistry(fencer Fencer, reclaimer Reclaimer, broker *events.Broker, majorityThreshold int) *Registry {
	return &Registry{
		clients:           make(map[uint64]*client),
		recoveryTimeout:   DefaultRecoveryTimeout,
		majorityThreshold: majorityThreshold,
		fencer:            fencer,
		reclaimer:         reclaimer,
		broker:            broker,
		stopCh:            make(chan struct{}),
	}
}

// SetRecoveryTimeout overrides the default 30s recovery window.
func (r *Registry) SetRecoveryTimeout(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.recoveryTimeout = d
}

// StartRecovery seeds the recovery set from the super block's persisted
// mounted-client records at server startup and begins the timeout
// watcher. Every rid starts with no recovery steps complete.
func (r *Registry) StartRecovery(mounted []types.MountedClientRecord) {
	r.mu.Lock()
	deadline := time.Now().Add(r.recoveryTimeout)
	for _, m := range mounted {
		c := newClient(m.Rid, m.Flags)
		c.deadline = deadline
		r.clients[m.Rid] = c
	}
	r.recovering = len(mounted) > 0
	r.mu.Unlock()

	go r.watchRecovery()
}

func (r *Registry) watchRecovery() {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if r.checkRecovery() {
				return
			}
		case <-r.stopCh:
			return
		}
	}
}

// checkRecovery fences any rid whose recovery deadline has passed without
// completing every step, and returns true once recovery is over (either
// every rid completed, or there's nothing left outstanding).
func (r *Registry) checkRecovery() bool {
	r.mu.Lock()
	if !r.recovering {
		r.mu.Unlock()
		return true
	}

	now := time.Now()
	var toFence []uint64
	outstanding := 0
	for rid, c := range r.clients {
		if c.state == StateReclaimed || c.recoveryComplete() {
			continue
		}
		if now.After(c.deadline) {
			toFence = append(toFence, rid)
			continue
		}
		outstanding++
	}
	r.mu.Unlock()

	for _, rid := range toFence {
		r.fenceAndReclaim(rid)
	}

	r.mu.Lock()
	done := outstanding == 0 && len(toFence) == 0
	if done {
		r.recovering = false
	}
	r.mu.Unlock()

	if done {
		if r.broker != nil {
			r.broker.Publish(&events.Event{Type: events.EventRecoveryComplete, Message: "recovery window closed"})
		}
	}
	return done
}

func (r *Registry) fenceAndReclaim(rid uint64) {
	log.Logger.Warn().Uint64("rid", rid).Msg("recovery timeout, fencing client")
	metrics.FencesTotal.Inc()

	if r.fencer != nil {
		if err := r.fencer.Fence(rid); err != nil {
			log.Logger.Error().Err(err).Uint64("rid", rid).Msg("fence failed")
			return
		}
	}
	if r.broker != nil {
		r.broker.Publish(&events.Event{Type: events.EventClientFenced, Rid: rid})
	}

	if r.reclaimer != nil {
		if err := r.reclaimer.ReclaimRid(rid, true); err != nil {
			log.Logger.Error().Err(err).Uint64("rid", rid).Msg("reclaim after fence failed, aborting")
		}
	}

	r.mu.Lock()
	if c, ok := r.clients[rid]; ok {
		c.state = StateReclaimed
	}
	r.mu.Unlock()
}

// MarkRecoveryStep records that step is satisfied for rid.
func (r *Registry) MarkRecoveryStep(rid uint64, step string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.clients[rid]
	if !ok {
		return
	}
	c.steps[step] = true
}

// Greeting validates a GREETING request and registers or resumes rid.
// serverTerm == 0 means a fresh mount: the mounted-client record is
// inserted idempotently (an existing record is not an error). A nonzero
// serverTerm is a reconnect and never re-inserts. flags carries the
// mount's quorum eligibility; a reconnecting rid keeps its previously
// recorded flags rather than the ones passed here, since a reconnect
// cannot change what it mounted as.
func (r *Registry) Greeting(rid, fsid, version, serverTerm, wantFSID, wantVersion uint64, flags types.MountedClientFlags) error {
	if fsid != wantFSID || version != wantVersion {
		return fmt.Errorf("greeting rid %d: fsid/version mismatch: %w", rid, errs.Inval)
	}

	// serverTerm == 0 identifies a fresh mount whose mounted-client
	// record insert must be idempotent (AlreadyExists is success, not
	// an error); serverTerm != 0 is a reconnect and never re-inserts.
	// The insert itself lives in the mounted_clients B-tree, owned by
	// the caller wiring this registry to pkg/btree — this registry
	// only tracks the in-memory lifecycle state.
	r.mu.Lock()
	c, ok := r.clients[rid]
	if !ok {
		c = newClient(rid, flags)
		r.clients[rid] = c
	}
	c.state = StateGreeting
	c.steps["greeting"] = true
	c.state = StateActive
	r.mu.Unlock()

	if r.broker != nil {
		r.broker.Publish(&events.Event{Type: events.EventClientGreeted, Rid: rid})
		r.broker.Publish(&events.Event{Type: events.EventClientActive, Rid: rid})
	}
	return nil
}

// Farewell queues rid's departure. Non-quorum-eligible farewells always
// proceed immediately. Quorum-eligible farewells are held back unless the
// remaining quorum-eligible mount count (after this one leaves) would
// still exceed majorityThreshold, or every remaining quorum-eligible mount
// is also in the requesting set (draining the whole cluster). Before
// responding, reclaim_rid(rid, false) runs; a retransmitted farewell for
// an already-reclaimed rid succeeds immediately.
func (r *Registry) Farewell(rid uint64) (held bool, err error) {
	r.mu.Lock()
	c, ok := r.clients[rid]
	if !ok || c.state == StateReclaimed {
		r.mu.Unlock()
		return false, nil // already gone: retransmit succeeds trivially
	}

	quorumEligible := c.flags&types.FlagQuorum != 0
	if !quorumEligible {
		c.state = StateFarewelling
		r.mu.Unlock()
		return r.finishFarewell(rid, false)
	}

	requesting := make(map[uint64]bool, len(r.pendingFarewells))
	for _, p := range r.pendingFarewells {
		requesting[p] = true
	}

	remaining := 0
	remainingNotRequesting := 0
	for other, oc := range r.clients {
		if other == rid || oc.state == StateReclaimed {
			continue
		}
		if oc.flags&types.FlagQuorum != 0 {
			remaining++
			if !requesting[other] {
				remainingNotRequesting++
			}
		}
	}

	requestingEqualsRemaining := remainingNotRequesting == 0
	if remaining > r.majorityThreshold || requestingEqualsRemaining {
		c.state = StateFarewelling
		r.mu.Unlock()
		return r.finishFarewell(rid, false)
	}

	r.pendingFarewells = append(r.pendingFarewells, rid)
	r.mu.Unlock()

	if r.broker != nil {
		r.broker.Publish(&events.Event{Type: events.EventClientFarewell, Rid: rid, Message: "held for quorum"})
	}
	return true, nil
}

func (r *Registry) finishFarewell(rid uint64, held bool) (bool, error) {
	if r.broker != nil {
		r.broker.Publish(&events.Event{Type: events.EventClientFarewell, Rid: rid})
	}

	if r.reclaimer != nil {
		if err := r.reclaimer.ReclaimRid(rid, false); err != nil {
			return false, fmt.Errorf("reclaim rid %d during farewell: %w", rid, err)
		}
	}

	r.mu.Lock()
	if c, ok := r.clients[rid]; ok {
		c.state = StateReclaimed
	}
	r.mu.Unlock()

	if r.broker != nil {
		r.broker.Publish(&events.Event{Type: events.EventClientReclaimed, Rid: rid})
	}
	return held, nil
}

// ReevaluatePendingFarewells re-checks held-back quorum farewells after
// the mounted set changes (a reclaim completing, a new mount), releasing
// any that now satisfy the majority threshold.
func (r *Registry) ReevaluatePendingFarewells() {
	r.mu.Lock()
	pending := r.pendingFarewells
	r.pendingFarewells = nil
	r.mu.Unlock()

	var stillHeld []uint64
	for _, rid := range pending {
		held, err := r.Farewell(rid)
		if err != nil {
			log.Logger.Error().Err(err).Uint64("rid", rid).Msg("held farewell failed on reevaluation")
			continue
		}
		if held {
			stillHeld = append(stillHeld, rid)
		}
	}

	r.mu.Lock()
	r.pendingFarewells = append(r.pendingFarewells, stillHeld...)
	r.mu.Unlock()
}

// NewRid generates a new random mount identifier (rid) for a fresh mount.
func NewRid() uint64 {
	id := uuid.New()
	var v uint64
	for _, b := range id[:8] {
		v = v<<8 | uint64(b)
	}
	return v
}

// Shutdown sets the shutting-down flag, preventing new worker runs from
// being enqueued; callers drain outstanding work themselves per the
// documented abort ordering before tearing down subsystems.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	r.shuttingDown = true
	r.mu.Unlock()
	close(r.stopCh)
}

// Mounted implements metrics.ClientStats.
func (r *Registry) Mounted() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, c := range r.clients {
		if c.state == StateActive || c.state == StateGreeting || c.state == StateFarewelling {
			n++
		}
	}
	return n
}

// Recovering implements metrics.ClientStats.
func (r *Registry) Recovering() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.recovering {
		return 0
	}
	n := 0
	for _, c := range r.clients {
		if !c.recoveryComplete() && c.state != StateReclaimed {
			n++
		}
	}
	return n
}

// StateOf returns rid's current lifecycle state, StateAbsent if unknown.
func (r *Registry) StateOf(rid uint64) State {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.clients[rid]
	if !ok {
		return StateAbsent
	}
	return c.state
}

var _ metrics.ClientStats = (*Registry)(nil)
