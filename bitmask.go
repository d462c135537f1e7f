package reflex

import (
	"math/bits"
)

// Bitmask is a 256-bit bitmask used for tracking active script slots on an
// entity. It supports up to 256 unique script identifiers per process.
type Bitmask [4]uint64

// Set sets the bit at the given slot.
func (m *Bitmask) Set(id ScriptSlot) {
	m[id/64] |= 1 << (id % 64)
}

// Clear clears the bit at the given slot.
func (m *Bitmask) Clear(id ScriptSlot) {
	m[id/64] &^= 1 << (id % 64)
}

// Has returns true if the bit at the given slot is set.
func (m *Bitmask) Has(id ScriptSlot) bool {
	return m[id/64]&(1<<(id%64)) != 0
}

// IsZero returns true if no bits are set.
func (m *Bitmask) IsZero() bool {
	return m[0] == 0 && m[1] == 0 && m[2] == 0 && m[3] == 0
}

// Count returns the number of bits set.
func (m *Bitmask) Count() int {
	return bits.OnesCount64(m[0]) +
		bits.OnesCount64(m[1]) +
		bits.OnesCount64(m[2]) +
		bits.OnesCount64(m[3])
}

// Clone returns a copy of the bitmask.
func (m Bitmask) Clone() Bitmask {
	return m
}

// Equals returns true if both bitmasks are identical.
func (m *Bitmask) Equals(other Bitmask) bool {
	return m[0] == other[0] &&
		m[1] == other[1] &&
		m[2] == other[2] &&
		m[3] == other[3]
}
