// Package transseq manages the trans_seqs B-tree: one item per mounted
// client with an open transaction, keyed so the lowest live seq is always
// the first key in iteration order.
package transseq

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/scoutfs/scoutd/pkg/btree"
	"github.com/scoutfs/scoutd/pkg/errs"
)

// Manager owns next_trans_seq and the trans_seqs B-tree.
type Manager struct {
	store *btree.Store

	mu   sync.Mutex
	next uint64 // next_trans_seq
}

// NewManager creates a trans-seq manager starting from startNext
// (the super block's persisted next_trans_seq).
func NewManager(store *btree.Store, startNext uint64) *Manager {
	if startNext == 0 {
		startNext = 1
	}
	return &Manager{store: store, next: startNext}
}

// key encodes (seq, rid) so cursor order matches seq order, matching
// trans_seqs's own (seq, rid) composite key.
func key(seq, rid uint64) []byte {
	b := make([]byte, 16)
	binary.BigEndian.PutUint64(b[0:8], seq)
	binary.BigEndian.PutUint64(b[8:16], rid)
	return b
}

func decodeKey(k []byte) (seq, rid uint64, err error) {
	if len(k) != 16 {
		return 0, 0, fmt.Errorf("%w: trans_seqs key must be 16 bytes", errs.Inval)
	}
	return binary.BigEndian.Uint64(k[0:8]), binary.BigEndian.Uint64(k[8:16]), nil
}

// removeRid deletes every trans_seqs item owned by rid.
func (m *Manager) removeRid(rid uint64) error {
	var toDelete [][]byte
	err := m.store.Iterate(btree.BucketTransSeqs, nil, func(k, v []byte) bool {
		_, itemRid, derr := decodeKey(k)
		if derr == nil && itemRid == rid {
			toDelete = append(toDelete, append([]byte(nil), k...))
		}
		return true
	})
	if err != nil {
		return err
	}
	for _, k := range toDelete {
		if err := m.store.Delete(btree.BucketTransSeqs, k); err != nil {
			return err
		}
	}
	return nil
}

// AdvanceSeq retires rid's existing trans-seq items, allocates the next
// seq, inserts rid's new item, and returns the seq.
func (m *Manager) AdvanceSeq(rid uint64) (uint64, error) {
	if err := m.removeRid(rid); err != nil {
		return 0, err
	}

	m.mu.Lock()
	seq := m.next
	m.next++
	m.mu.Unlock()

	if err := m.store.Put(btree.BucketTransSeqs, key(seq, rid), nil); err != nil {
		return 0, err
	}
	return seq, nil
}

// GetLastSeq returns (min live seq - 1), or next_trans_seq - 1 if no
// transaction is currently open.
func (m *Manager) GetLastSeq() (uint64, error) {
	var minSeq uint64
	found := false
	err := m.store.Iterate(btree.BucketTransSeqs, nil, func(k, v []byte) bool {
		seq, _, derr := decodeKey(k)
		if derr == nil {
			minSeq = seq
			found = true
		}
		return false // first key in order is the minimum
	})
	if err != nil {
		return 0, err
	}

	m.mu.Lock()
	next := m.next
	m.mu.Unlock()

	if found {
		if minSeq == 0 {
			return 0, fmt.Errorf("trans_seqs item with seq 0: %w", errs.IO)
		}
		return minSeq - 1, nil
	}
	return next - 1, nil
}

// RemoveRid removes all of rid's trans-seq items, used during farewell
// and reclaim processing.
func (m *Manager) RemoveRid(rid uint64) error {
	return m.removeRid(rid)
}

// Next returns the next seq that would be handed out, without advancing.
func (m *Manager) Next() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.next
}
