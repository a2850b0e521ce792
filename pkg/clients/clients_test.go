package clients

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/scoutfs/scoutd/pkg/types"
)

type fakeReclaimer struct {
	mu       sync.Mutex
	reclaimed []uint64
	err      error
}

func (f *fakeReclaimer) ReclaimRid(rid uint64, clearLeader bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.reclaimed = append(f.reclaimed, rid)
	return nil
}

type fakeFencer struct {
	mu     sync.Mutex
	fenced []uint64
}

func (f *fakeFencer) Fence(rid uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fenced = append(f.fenced, rid)
	return nil
}

func TestGreetingTransitionsToActive(t *testing.T) {
	r := NewRegistry(nil, &fakeReclaimer{}, nil, 1)

	err := r.Greeting(1, 10, 2, 0, 10, 2, 0)
	require.NoError(t, err)
	require.Equal(t, StateActive, r.StateOf(1))
}

func TestGreetingRejectsMismatch(t *testing.T) {
	r := NewRegistry(nil, &fakeReclaimer{}, nil, 1)
	err := r.Greeting(1, 99, 2, 0, 10, 2, 0)
	require.Error(t, err)
}

func TestRepeatedGreetingIsIdempotent(t *testing.T) {
	r := NewRegistry(nil, &fakeReclaimer{}, nil, 1)
	require.NoError(t, r.Greeting(1, 10, 2, 0, 10, 2, 0))
	require.NoError(t, r.Greeting(1, 10, 2, 0, 10, 2, 0))
	require.Equal(t, StateActive, r.StateOf(1))
}

func TestFarewellNonQuorumAlwaysProceeds(t *testing.T) {
	reclaimer := &fakeReclaimer{}
	r := NewRegistry(nil, reclaimer, nil, 3)
	require.NoError(t, r.Greeting(1, 10, 2, 0, 10, 2, 0))

	held, err := r.Farewell(1)
	require.NoError(t, err)
	require.False(t, held)
	require.Equal(t, StateReclaimed, r.StateOf(1))
	require.Equal(t, []uint64{1}, reclaimer.reclaimed)
}

func TestRepeatedFarewellSucceedsAfterFirst(t *testing.T) {
	reclaimer := &fakeReclaimer{}
	r := NewRegistry(nil, reclaimer, nil, 3)
	require.NoError(t, r.Greeting(1, 10, 2, 0, 10, 2, 0))

	_, err := r.Farewell(1)
	require.NoError(t, err)

	held, err := r.Farewell(1)
	require.NoError(t, err)
	require.False(t, held)
	require.Len(t, reclaimer.reclaimed, 1) // second farewell is a no-op
}

func TestFarewellQuorumHeldWhenBelowMajority(t *testing.T) {
	r := NewRegistry(nil, &fakeReclaimer{}, nil, 2)
	r.mu.Lock()
	r.clients[1] = newClient(1, types.FlagQuorum)
	r.clients[2] = newClient(2, types.FlagQuorum)
	r.clients[1].state = StateActive
	r.clients[2].state = StateActive
	r.mu.Unlock()

	held, err := r.Farewell(1)
	require.NoError(t, err)
	require.True(t, held) // only 1 quorum mount (2) would remain, below majority 2
}

func TestFarewellQuorumProceedsWhenRequestingSetIsEverybody(t *testing.T) {
	r := NewRegistry(nil, &fakeReclaimer{}, nil, 3)
	r.mu.Lock()
	r.clients[1] = newClient(1, types.FlagQuorum)
	r.clients[1].state = StateActive
	r.mu.Unlock()

	held, err := r.Farewell(1)
	require.NoError(t, err)
	require.False(t, held) // rid 1 is the only quorum mount, remaining == 0
}

func TestRecoveryTimeoutFencesClient(t *testing.T) {
	fencer := &fakeFencer{}
	reclaimer := &fakeReclaimer{}
	r := NewRegistry(fencer, reclaimer, nil, 1)
	r.SetRecoveryTimeout(10 * time.Millisecond)

	r.StartRecovery([]types.MountedClientRecord{{Rid: 7}})

	require.Eventually(t, func() bool {
		return r.StateOf(7) == StateReclaimed
	}, time.Second, 5*time.Millisecond)

	fencer.mu.Lock()
	defer fencer.mu.Unlock()
	require.Equal(t, []uint64{7}, fencer.fenced)
}

func TestRecoveryCompletesWhenAllStepsMarked(t *testing.T) {
	r := NewRegistry(nil, &fakeReclaimer{}, nil, 1)
	r.SetRecoveryTimeout(time.Second)
	r.StartRecovery([]types.MountedClientRecord{{Rid: 1}})

	for _, s := range RecoverySteps {
		r.MarkRecoveryStep(1, s)
	}

	require.Eventually(t, func() bool {
		return r.Recovering() == 0
	}, time.Second, 10*time.Millisecond)
}

func TestMountedAndRecoveringCounts(t *testing.T) {
	r := NewRegistry(nil, &fakeReclaimer{}, nil, 1)
	require.NoError(t, r.Greeting(1, 10, 2, 0, 10, 2, 0))
	require.NoError(t, r.Greeting(2, 10, 2, 0, 10, 2, 0))

	require.Equal(t, 2, r.Mounted())
	require.Equal(t, 0, r.Recovering())
}
