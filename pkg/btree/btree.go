// Package btree provides the persistent, copy-on-write ordered key/value
// container the server keeps its B-trees in: fs, logs, srch, trans_seqs,
// mounted_clients, and the allocator's avail/freed extent lists. It is a
// thin adapter over bbolt, following the same bucket-per-collection
// open/CRUD/cursor shape the teacher used for its own persistent store.
package btree

import (
	"encoding/binary"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/scoutfs/scoutd/pkg/errs"
)

// Bucket names, one per persistent root named in the super block.
const (
	BucketFS              = "fs"
	BucketLogs            = "logs"
	BucketSrch            = "srch"
	BucketTransSeqs       = "trans_seqs"
	BucketMountedClients  = "mounted_clients"
	BucketMetaAvailBank0  = "meta_avail_0"
	BucketMetaAvailBank1  = "meta_avail_1"
	BucketMetaFreedBank0  = "meta_freed_0"
	BucketMetaFreedBank1  = "meta_freed_1"
	BucketDataAlloc       = "data_alloc"
)

var allBuckets = []string{
	BucketFS,
	BucketLogs,
	BucketSrch,
	BucketTransSeqs,
	BucketMountedClients,
	BucketMetaAvailBank0,
	BucketMetaAvailBank1,
	BucketMetaFreedBank0,
	BucketMetaFreedBank1,
	BucketDataAlloc,
}

// Store is the persistent B-tree container for a single volume.
type Store struct {
	db *bolt.DB
}

// Open opens (creating if necessary) the B-tree container at path and
// ensures every named bucket exists.
func Open(path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open btree store: %w", err)
	}

	s := &Store{db: db}
	if err := s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("create bucket %s: %w", name, err)
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, err
	}

	return s, nil
}

// Close closes the underlying container.
func (s *Store) Close() error {
	return s.db.Close()
}

// Update runs fn in a read-write transaction. Every mutation the server
// makes across fs/logs/srch/trans_seqs/mounted_clients/alloc buckets
// within one commit batch must go through a single Update call so that the
// persisted roots advance atomically, the same guarantee the commit
// coordinator's COW super-block swap relies on.
func (s *Store) Update(fn func(*bolt.Tx) error) error {
	return s.db.Update(fn)
}

// View runs fn in a read-only transaction.
func (s *Store) View(fn func(*bolt.Tx) error) error {
	return s.db.View(fn)
}

// EncodeKey renders v as a big-endian 8-byte key so lexicographic bucket
// order matches numeric order, the ordering cursor-based range scans and
// GET_LOG_TREES/reclaim_log_trees iteration depend on.
func EncodeKey(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

// DecodeKey is the inverse of EncodeKey.
func DecodeKey(b []byte) (uint64, error) {
	if len(b) != 8 {
		return 0, fmt.Errorf("%w: btree key must be 8 bytes, got %d", errs.Inval, len(b))
	}
	return binary.BigEndian.Uint64(b), nil
}

// Get fetches value for key in bucket, returning errs.NoEnt if absent.
func (s *Store) Get(bucket string, key []byte) ([]byte, error) {
	var out []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return fmt.Errorf("bucket %s: %w", bucket, errs.Inval)
		}
		v := b.Get(key)
		if v == nil {
			return errs.NoEnt
		}
		out = append([]byte(nil), v...)
		return nil
	})
	return out, err
}

// Put writes key/value into bucket.
func (s *Store) Put(bucket string, key, value []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return fmt.Errorf("bucket %s: %w", bucket, errs.Inval)
		}
		return b.Put(key, value)
	})
}

// Delete removes key from bucket. Deleting an absent key is not an error,
// matching bbolt's own semantics.
func (s *Store) Delete(bucket string, key []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return fmt.Errorf("bucket %s: %w", bucket, errs.Inval)
		}
		return b.Delete(key)
	})
}

// Iterate walks bucket in key order from the first key >= from (or the
// whole bucket if from is nil), calling fn for each entry until fn returns
// false or the bucket is exhausted.
func (s *Store) Iterate(bucket string, from []byte, fn func(k, v []byte) bool) error {
	return s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return fmt.Errorf("bucket %s: %w", bucket, errs.Inval)
		}
		c := b.Cursor()
		var k, v []byte
		if from == nil {
			k, v = c.First()
		} else {
			k, v = c.Seek(from)
		}
		for ; k != nil; k, v = c.Next() {
			if !fn(k, v) {
				break
			}
		}
		return nil
	})
}

// Count returns the number of entries in bucket.
func (s *Store) Count(bucket string) (int, error) {
	n := 0
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket([]byte(bucket))
		if b == nil {
			return fmt.Errorf("bucket %s: %w", bucket, errs.Inval)
		}
		n = b.Stats().KeyN
		return nil
	})
	return n, err
}
