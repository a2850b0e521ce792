// Package commit implements the two-level commit latch and the single
// commit worker that batches concurrent handler mutations into one
// transaction write: Idle -> Draining -> Writing -> Publishing -> Idle.
// The shape — one goroutine allowed to apply state at a time, everyone
// else queuing behind it and getting folded into the next batch — mirrors
// the teacher's single-writer Raft-apply discipline, generalized here into
// an explicit shared/exclusive latch rather than leaning on Raft's own
// serialization.
package commit

import (
	"fmt"
	"sync"

	"github.com/scoutfs/scoutd/pkg/log"
	"github.com/scoutfs/scoutd/pkg/metrics"
)

// State names the commit state machine's current phase.
type State string

const (
	StateIdle       State = "idle"
	StateDraining   State = "draining"
	StateWriting    State = "writing"
	StatePublishing State = "publishing"
)

// Step is the server-supplied function that performs one commit's actual
// work: refilling banks from meta_avail, draining meta_freed, allocator
// prepare_commit, write_dirty_all, writing the super block, and publishing
// the new stable roots. Step runs with the coordinator's exclusive hold,
// so it is the only code touching persistent state at that moment.
type Step func(seq uint64) error

type waiter struct {
	done   chan struct{}
	result error
}

// Coordinator serializes commits behind a shared/exclusive latch: request
// handlers take the shared hold to make their in-memory changes, then
// queue a waiter and block; the commit worker takes the exclusive hold
// once all current shared holders have released, runs one Step for the
// whole queued batch, and wakes every waiter with the batch's result.
type Coordinator struct {
	latch sync.RWMutex

	mu      sync.Mutex
	state   State
	waiters []*waiter
	nextSeq uint64
	pending bool
	trigger chan struct{}

	step Step
}

// New creates a commit coordinator starting at startSeq (the super
// block's current seq + 1) that applies batches via step.
func New(startSeq uint64, step Step) *Coordinator {
	c := &Coordinator{
		state:   StateIdle,
		nextSeq: startSeq,
		trigger: make(chan struct{}, 1),
		step:    step,
	}
	go c.run()
	return c
}

// AcquireShared takes the latch's shared hold for a request handler's
// mutation window and returns a function that releases it.
func (c *Coordinator) AcquireShared() func() {
	c.latch.RLock()
	c.mu.Lock()
	c.state = StateDraining
	c.mu.Unlock()
	return c.latch.RUnlock
}

// CurrentSeq returns the sequence number the in-progress transaction will
// commit under — the value callers should stamp into blocks they dirty.
func (c *Coordinator) CurrentSeq() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nextSeq
}

// State returns the coordinator's current phase, for health/readiness
// reporting.
func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ApplyCommit queues the caller as a waiter on the in-progress or next
// commit batch and blocks until that batch completes, returning its
// shared result. Call this after making in-memory mutations and while
// still holding (or having just released) the shared hold: the handler's
// pattern is take shared hold -> mutate -> ApplyCommit -> respond.
func (c *Coordinator) ApplyCommit() error {
	w := &waiter{done: make(chan struct{})}

	c.mu.Lock()
	c.waiters = append(c.waiters, w)
	c.mu.Unlock()

	select {
	case c.trigger <- struct{}{}:
	default:
	}

	<-w.done
	return w.result
}

func (c *Coordinator) run() {
	for range c.trigger {
		c.runOneBatch()
	}
}

func (c *Coordinator) runOneBatch() {
	c.latch.Lock()
	defer c.latch.Unlock()

	c.mu.Lock()
	batch := c.waiters
	c.waiters = nil
	seq := c.nextSeq
	c.state = StateWriting
	c.mu.Unlock()

	if len(batch) == 0 {
		c.mu.Lock()
		c.state = StateIdle
		c.mu.Unlock()
		return
	}

	timer := metrics.NewTimer()
	err := c.step(seq)
	timer.ObserveDuration(metrics.CommitDuration)
	metrics.CommitBatchSize.Observe(float64(len(batch)))

	result := "ok"
	if err != nil {
		result = "error"
		log.Logger.Error().Err(err).Uint64("seq", seq).Int("batch_size", len(batch)).Msg("commit failed")
	} else {
		c.mu.Lock()
		c.nextSeq++
		c.mu.Unlock()
	}
	metrics.CommitsTotal.WithLabelValues(result).Inc()

	c.mu.Lock()
	c.state = StatePublishing
	c.mu.Unlock()

	for _, w := range batch {
		w.result = err
		close(w.done)
	}

	c.mu.Lock()
	c.state = StateIdle
	c.mu.Unlock()
}

// WrapHandlerError gives a handler's returned error consistent framing
// when a commit step itself failed versus when the handler's own
// validation failed before ever reaching ApplyCommit.
func WrapHandlerError(cmd string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", cmd, err)
}
