package reflex

import (
	"fmt"
	"sync"
	"sync/atomic"
)

// ScriptSlot is a small numeric handle for a script identifier.
// Valid slots range from 0 to 255.
type ScriptSlot uint8

// MaxScripts is the maximum number of distinct script identifiers
// supported by the slot registry.
const MaxScripts = 255

// slotRegistry interns script identifiers into ScriptSlots with lock-free
// reads. Slots are assigned sequentially on first use and never reused;
// they exist so entities can track active attachments in a Bitmask instead
// of scanning their attachment lists every tick.
type slotRegistry struct {
	// slots maps script identifier to ScriptSlot using sync.Map for
	// lock-free reads. This is the hot path - identifiers are interned
	// once but looked up every tick.
	slots sync.Map // map[string]ScriptSlot

	// ids stores identifiers indexed by ScriptSlot. Written once during
	// interning and read-only afterward.
	ids [MaxScripts]string

	// nextSlot is the next available slot (atomic for lock-free allocation)
	nextSlot atomic.Uint32

	// idsMu protects writes to the ids array during interning.
	idsMu sync.RWMutex
}

// intern returns the slot for a script identifier, assigning one if needed.
func (r *slotRegistry) intern(scriptID string) ScriptSlot {
	// Fast path: lock-free read.
	if slot, ok := r.slots.Load(scriptID); ok {
		return slot.(ScriptSlot)
	}

	// Slow path: allocate a slot atomically before attempting to store,
	// so each interning attempt gets a unique slot. The limit check runs
	// on the untruncated counter; once it passes MaxScripts it must never
	// wrap back into the slot range.
	n := r.nextSlot.Add(1) - 1
	if n >= MaxScripts {
		panic(fmt.Sprintf("reflex: script slot limit exceeded (max %d identifiers)", MaxScripts))
	}
	newSlot := ScriptSlot(n)

	actual, loaded := r.slots.LoadOrStore(scriptID, newSlot)
	if loaded {
		// Another goroutine interned this identifier first. Our
		// allocated slot is wasted, but that is rare.
		return actual.(ScriptSlot)
	}

	r.idsMu.Lock()
	r.ids[newSlot] = scriptID
	r.idsMu.Unlock()

	return newSlot
}

// lookup returns the slot for an identifier without interning.
func (r *slotRegistry) lookup(scriptID string) (ScriptSlot, bool) {
	if slot, ok := r.slots.Load(scriptID); ok {
		return slot.(ScriptSlot), true
	}
	return 0, false
}

// scriptID returns the identifier interned at the given slot.
func (r *slotRegistry) scriptID(slot ScriptSlot) string {
	r.idsMu.RLock()
	defer r.idsMu.RUnlock()
	return r.ids[slot]
}

// count returns the number of interned identifiers.
func (r *slotRegistry) count() int {
	return int(r.nextSlot.Load())
}
