// Package volopt implements the volume-options bitmask with a seqlock-style
// read path: readers retry on a concurrent writer instead of blocking,
// giving GET_VOLOPT a wait-free snapshot the way roots_seqcount does for
// the stable B-tree roots.
package volopt

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/scoutfs/scoutd/pkg/errs"
	"github.com/scoutfs/scoutd/pkg/types"
)

// Bit is a single volume-option bit. Only DataAllocZoneBlocksBit is
// currently defined; every other bit is reserved and must be zero.
type Bit = types.VolOptBit

const DataAllocZoneBlocksBit = types.DataAllocZoneBlocksBit

// definedBits is the set of volume-option bits this server understands.
// Every other bit is reserved and must be zero on set/clear.
const definedBits = DataAllocZoneBlocksBit

// Validator checks a candidate value for a bit before it's accepted by
// Set, returning errs.Inval on a range violation.
type Validator func(value uint64) error

// Manager holds the in-memory volume-options snapshot plus the sequence
// counter readers spin on.
type Manager struct {
	seq atomic.Uint64 // odd while a writer is in flight, even otherwise

	mu      sync.Mutex // serializes writers; seqlock only protects readers
	record  types.VolOptRecord
	persist func(types.VolOptRecord) error

	validators map[Bit]Validator
}

// NewManager creates a volume-options manager seeded from the super
// block's persisted record. persist is called to write the updated
// record through the commit coordinator before it's published in memory.
func NewManager(initial types.VolOptRecord, persist func(types.VolOptRecord) error) *Manager {
	return &Manager{
		record:     initial,
		persist:    persist,
		validators: make(map[Bit]Validator),
	}
}

// RegisterValidator installs the range check SET_VOLOPT runs for bit
// before accepting a new value.
func (m *Manager) RegisterValidator(bit Bit, v Validator) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.validators[bit] = v
}

// Get returns a wait-free snapshot of the current record.
func (m *Manager) Get() types.VolOptRecord {
	for {
		s1 := m.seq.Load()
		if s1&1 != 0 {
			continue // writer in flight, retry
		}
		rec := m.record
		s2 := m.seq.Load()
		if s1 == s2 {
			return rec
		}
	}
}

// Set validates value against bit's registered validator, persists the
// updated record via persist, and only then publishes it in memory. On a
// persist failure the in-memory record is left untouched (there is
// nothing to roll back since the write never happened).
func (m *Manager) Set(bit Bit, value uint64) error {
	if bit&^definedBits != 0 {
		return fmt.Errorf("volopt bit %#x: %w", bit, errs.Inval)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if v, ok := m.validators[bit]; ok {
		if err := v(value); err != nil {
			return err
		}
	}

	next := m.record
	next.SetBits |= bit
	next.Values[bitIndex(bit)] = value

	if m.persist != nil {
		if err := m.persist(next); err != nil {
			return err
		}
	}

	m.publish(next)
	return nil
}

// Clear unsets bit and zeros its value.
func (m *Manager) Clear(bit Bit) error {
	if bit&^definedBits != 0 {
		return fmt.Errorf("volopt bit %#x: %w", bit, errs.Inval)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	next := m.record
	next.SetBits &^= bit
	next.Values[bitIndex(bit)] = 0

	if m.persist != nil {
		if err := m.persist(next); err != nil {
			return err
		}
	}

	m.publish(next)
	return nil
}

func (m *Manager) publish(rec types.VolOptRecord) {
	m.seq.Add(1) // odd: writer in flight
	m.record = rec
	m.seq.Add(1) // even: done
}

func bitIndex(bit Bit) int {
	i := 0
	for b := bit; b > 1; b >>= 1 {
		i++
	}
	return i
}

// IsSet reports whether bit is set in rec.
func IsSet(rec types.VolOptRecord, bit Bit) bool {
	return rec.SetBits&bit != 0
}

// ValidateDataAllocZoneBlocks enforces SET_VOLOPT's documented range:
// value must be at least dataFillTarget and at most totalDataBlocks, and
// must not produce more than maxZones zones.
func ValidateDataAllocZoneBlocks(dataFillTarget, totalDataBlocks, maxZones uint64) Validator {
	return func(value uint64) error {
		if value < dataFillTarget {
			return fmt.Errorf("data_alloc_zone_blocks %d < fill target %d: %w", value, dataFillTarget, errs.Inval)
		}
		if value > totalDataBlocks {
			return fmt.Errorf("data_alloc_zone_blocks %d > total data blocks %d: %w", value, totalDataBlocks, errs.Inval)
		}
		if value == 0 {
			return fmt.Errorf("data_alloc_zone_blocks must be nonzero: %w", errs.Inval)
		}
		zones := totalDataBlocks / value
		if zones > maxZones {
			return fmt.Errorf("data_alloc_zone_blocks %d yields %d zones, over max %d: %w", value, zones, maxZones, errs.Inval)
		}
		return nil
	}
}
