package commit

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestApplyCommitAdvancesSeq(t *testing.T) {
	var applied []uint64
	var mu sync.Mutex

	c := New(1, func(seq uint64) error {
		mu.Lock()
		applied = append(applied, seq)
		mu.Unlock()
		return nil
	})

	release := c.AcquireShared()
	release()
	err := c.ApplyCommit()
	require.NoError(t, err)

	mu.Lock()
	require.Equal(t, []uint64{1}, applied)
	mu.Unlock()
	require.Equal(t, uint64(2), c.CurrentSeq())
}

func TestApplyCommitPropagatesStepError(t *testing.T) {
	boom := errors.New("write failed")
	c := New(1, func(seq uint64) error { return boom })

	err := c.ApplyCommit()
	require.ErrorIs(t, err, boom)
	// a failed commit never advances seq: no partial commit is visible.
	require.Equal(t, uint64(1), c.CurrentSeq())
}

func TestConcurrentWaitersShareOneBatchResult(t *testing.T) {
	release := make(chan struct{})

	c := New(1, func(seq uint64) error {
		<-release
		return nil
	})

	const n = 5
	var wg sync.WaitGroup
	results := make([]error, n)
	hold := c.AcquireShared()
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = c.ApplyCommit()
		}(i)
	}

	// the shared hold keeps the commit worker from taking a batch until
	// every goroutine has had a chance to enqueue; then unblock the step
	time.Sleep(50 * time.Millisecond)
	hold()
	close(release)
	wg.Wait()

	for _, err := range results {
		require.NoError(t, err)
	}
	require.Equal(t, uint64(2), c.CurrentSeq())
}

func TestStateStartsIdle(t *testing.T) {
	c := New(1, func(seq uint64) error { return nil })
	require.Equal(t, StateIdle, c.State())
}
