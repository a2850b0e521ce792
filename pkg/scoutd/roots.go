package scoutd

import (
	"sync"
	"sync/atomic"

	"github.com/scoutfs/scoutd/pkg/types"
)

// StableRoots publishes the fs/logs/srch B-tree roots the commit worker's
// step 7 makes visible after each commit, using the same seqlock-style
// wait-free read path as pkg/volopt: readers never block behind a
// publishing writer, they just retry.
type StableRoots struct {
	seq atomic.Uint64

	mu   sync.Mutex
	fs   types.BlockRef
	logs types.BlockRef
	srch types.BlockRef
}

// Get returns a consistent {fs, logs, srch} snapshot.
func (r *StableRoots) Get() (fs, logs, srch types.BlockRef) {
	for {
		s1 := r.seq.Load()
		if s1&1 != 0 {
			continue
		}
		fs, logs, srch = r.fs, r.logs, r.srch
		s2 := r.seq.Load()
		if s1 == s2 {
			return
		}
	}
}

// Publish atomically swaps in a new snapshot.
func (r *StableRoots) Publish(fs, logs, srch types.BlockRef) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq.Add(1)
	r.fs, r.logs, r.srch = fs, logs, srch
	r.seq.Add(1)
}
