package reflex

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultHistoryDepth is the default bound on a script's version chain:
// the current entry plus two predecessors.
const DefaultHistoryDepth = 3

// Cache is the versioned script cache. It maps script identifiers to chains
// of versioned entries, installs new versions atomically, materializes
// behavior instances lazily and supports rollback to the previous version.
//
// Concurrency:
// Installs and rollbacks for one identifier are serialized on a per-slot
// mutex; operations on different identifiers proceed fully in parallel.
// Entries are published through atomic pointers, so once Install returns on
// one goroutine, Acquire on any other goroutine observes the new version.
type Cache struct {
	// service materializes behavior instances from compiled units.
	service CompileService

	// slots maps script identifier -> *cacheSlot. Slots are never removed
	// except by Clear; Remove leaves an empty slot behind so concurrent
	// holders of the slot pointer stay valid.
	slots sync.Map

	// version is the global monotonic version counter.
	version atomic.Uint64

	// count is the number of identifiers with a live chain.
	count atomic.Int64

	// historyDepth bounds each chain to historyDepth-1 predecessors.
	historyDepth int

	log *slog.Logger
}

// cacheSlot holds the chain for a single script identifier.
type cacheSlot struct {
	// mu serializes installs, rollback, removal and first instantiation
	// for this identifier.
	mu sync.Mutex

	// head is the current entry, nil when the identifier was removed.
	head atomic.Pointer[cacheEntry]
}

// cacheEntry is one version in a script's chain. Everything except the
// instance and previous pointers is immutable after publication.
type cacheEntry struct {
	version     uint64
	unit        CompiledUnit
	lastUpdated time.Time

	// previous links to the predecessor entry. Atomic because pruning
	// severs links on entries that are already published.
	previous atomic.Pointer[cacheEntry]

	// instance holds the lazily materialized behavior, nil while the
	// entry is uninstantiated.
	instance atomic.Pointer[instanceBox]
}

// instanceBox wraps a behavior so it can live in an atomic pointer.
type instanceBox struct {
	behavior Behavior
}

// CacheOption configures a Cache.
type CacheOption func(*Cache)

// WithHistoryDepth bounds each version chain to depth entries in total
// (the current entry plus depth-1 predecessors). Values below 1 are
// clamped to 1, which disables rollback entirely.
func WithHistoryDepth(depth int) CacheOption {
	return func(c *Cache) {
		if depth < 1 {
			depth = 1
		}
		c.historyDepth = depth
	}
}

// WithCacheLogger sets the logger used by the cache.
func WithCacheLogger(log *slog.Logger) CacheOption {
	return func(c *Cache) {
		if log != nil {
			c.log = log
		}
	}
}

// NewCache creates a cache backed by the given compile service.
// The service may be nil; installs and metadata queries still work, but
// Acquire returns ErrNoCompileService.
func NewCache(service CompileService, opts ...CacheOption) *Cache {
	c := &Cache{
		service:      service,
		historyDepth: DefaultHistoryDepth,
		log:          slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// HistoryLimit returns the configured chain bound.
func (c *Cache) HistoryLimit() int { return c.historyDepth }

// getSlot returns the slot for an identifier, or nil if it was never seen.
func (c *Cache) getSlot(scriptID string) *cacheSlot {
	if v, ok := c.slots.Load(scriptID); ok {
		return v.(*cacheSlot)
	}
	return nil
}

// getOrCreateSlot returns the slot for an identifier, creating it if needed.
func (c *Cache) getOrCreateSlot(scriptID string) *cacheSlot {
	if v, ok := c.slots.Load(scriptID); ok {
		return v.(*cacheSlot)
	}
	v, _ := c.slots.LoadOrStore(scriptID, &cacheSlot{})
	return v.(*cacheSlot)
}

// lockSlot returns the locked live slot for an identifier, creating it if
// needed. A concurrent Clear can detach a slot between lookup and lock;
// writers must not publish into a detached slot, so the lookup is re-checked
// under the lock and retried.
func (c *Cache) lockSlot(scriptID string) *cacheSlot {
	for {
		slot := c.getOrCreateSlot(scriptID)
		slot.mu.Lock()
		if v, ok := c.slots.Load(scriptID); ok && v.(*cacheSlot) == slot {
			return slot
		}
		slot.mu.Unlock()
	}
}

// Install atomically installs a new version of a script. The previous entry,
// if any, becomes the new entry's predecessor and the chain is pruned to the
// configured history bound. Returns the assigned version number, which is
// strictly increasing across all identifiers.
func (c *Cache) Install(scriptID string, unit CompiledUnit) (uint64, error) {
	if scriptID == "" {
		return 0, ErrEmptyScriptID
	}
	if unit == nil {
		return 0, fmt.Errorf("install %q: nil unit", scriptID)
	}

	slot := c.lockSlot(scriptID)
	defer slot.mu.Unlock()

	version := c.version.Add(1)
	entry := &cacheEntry{
		version:     version,
		unit:        unit,
		lastUpdated: time.Now(),
	}

	old := slot.head.Load()
	if old != nil {
		entry.previous.Store(old)
	} else {
		c.count.Add(1)
	}
	pruneChain(entry, c.historyDepth)
	slot.head.Store(entry)

	c.log.Debug("reflex: installed script version",
		"script", scriptID,
		"version", version,
		"type", unit.TypeName())
	return version, nil
}

// Restore installs a unit under a caller-supplied version number without
// advancing the global counter. It exists to put back a known historical
// snapshot; the current entry, if any, still becomes the predecessor.
// Restored version numbers that do not exceed the current one break the
// strictly-increasing ordering and are logged.
func (c *Cache) Restore(scriptID string, unit CompiledUnit, version uint64) error {
	if scriptID == "" {
		return ErrEmptyScriptID
	}
	if unit == nil {
		return fmt.Errorf("restore %q: nil unit", scriptID)
	}

	slot := c.lockSlot(scriptID)
	defer slot.mu.Unlock()

	entry := &cacheEntry{
		version:     version,
		unit:        unit,
		lastUpdated: time.Now(),
	}

	old := slot.head.Load()
	if old != nil {
		if version <= old.version {
			c.log.Warn("reflex: restored version does not advance",
				"script", scriptID,
				"restored", version,
				"current", old.version)
		}
		entry.previous.Store(old)
	} else {
		c.count.Add(1)
	}
	pruneChain(entry, c.historyDepth)
	slot.head.Store(entry)
	return nil
}

// pruneChain severs the chain beyond maxDepth entries counted from head.
// The detached sub-chain becomes unreachable. O(maxDepth) regardless of how
// much history was ever created.
func pruneChain(head *cacheEntry, maxDepth int) {
	cur := head
	for i := 0; i < maxDepth-1; i++ {
		next := cur.previous.Load()
		if next == nil {
			return
		}
		cur = next
	}
	cur.previous.Store(nil)
}

// Acquire returns the behavior instance for the current version of a script,
// materializing it through the compile service on first access. Exactly one
// instantiation happens per version even under concurrent first access;
// losers of the race observe the winner's instance.
//
// Returns ErrUnknownScript for identifiers that were never installed or were
// removed, and a *InstantiateError when execution or Init fails. A failed
// instantiation leaves the entry uninstantiated, so the next Acquire retries.
func (c *Cache) Acquire(scriptID string) (Behavior, error) {
	if scriptID == "" {
		return nil, ErrEmptyScriptID
	}
	slot := c.getSlot(scriptID)
	if slot == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownScript, scriptID)
	}

	// Fast path: already instantiated.
	head := slot.head.Load()
	if head == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownScript, scriptID)
	}
	if box := head.instance.Load(); box != nil {
		return box.behavior, nil
	}

	slot.mu.Lock()
	defer slot.mu.Unlock()

	// Re-read the head: an install may have swapped it while we waited,
	// and another acquirer may have won the instantiation race.
	head = slot.head.Load()
	if head == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownScript, scriptID)
	}
	if box := head.instance.Load(); box != nil {
		return box.behavior, nil
	}

	if c.service == nil {
		return nil, ErrNoCompileService
	}

	behavior, err := c.service.Execute(head.unit)
	if err == nil && behavior == nil {
		err = fmt.Errorf("execute returned no instance")
	}
	if err == nil {
		err = behavior.Init()
	}
	if err != nil {
		return nil, &InstantiateError{ScriptID: scriptID, Version: head.version, Err: err}
	}

	head.instance.Store(&instanceBox{behavior: behavior})
	return behavior, nil
}

// Instance returns the current version and instance without creating one.
// The instance is nil while the entry is uninstantiated. The boolean reports
// whether the identifier is known.
func (c *Cache) Instance(scriptID string) (uint64, Behavior, bool) {
	head := c.currentEntry(scriptID)
	if head == nil {
		return 0, nil, false
	}
	if box := head.instance.Load(); box != nil {
		return head.version, box.behavior, true
	}
	return head.version, nil, true
}

// Version returns the current version number of a script.
func (c *Cache) Version(scriptID string) (uint64, bool) {
	head := c.currentEntry(scriptID)
	if head == nil {
		return 0, false
	}
	return head.version, true
}

// TypeName returns the type name of the script's current compiled unit.
func (c *Cache) TypeName(scriptID string) (string, bool) {
	head := c.currentEntry(scriptID)
	if head == nil {
		return "", false
	}
	return head.unit.TypeName(), true
}

// Contains reports whether the identifier has a live chain.
func (c *Cache) Contains(scriptID string) bool {
	return c.currentEntry(scriptID) != nil
}

// Rollback swaps the current entry for its predecessor. Returns false when
// no predecessor exists; it never fails otherwise. The restored entry is
// always uninstantiated afterwards, so the next Acquire materializes a
// fresh instance from the predecessor's compiled unit.
func (c *Cache) Rollback(scriptID string) bool {
	slot := c.getSlot(scriptID)
	if slot == nil {
		return false
	}

	slot.mu.Lock()
	defer slot.mu.Unlock()

	head := slot.head.Load()
	if head == nil {
		return false
	}
	prev := head.previous.Load()
	if prev == nil {
		return false
	}

	// Old instances are never resurrected.
	prev.instance.Store(nil)
	slot.head.Store(prev)

	c.log.Info("reflex: rolled back script",
		"script", scriptID,
		"from", head.version,
		"to", prev.version)
	return true
}

// ClearInstance discards the instance of the current entry without changing
// its version, returning the entry to the uninstantiated state. Returns
// false for unknown identifiers.
func (c *Cache) ClearInstance(scriptID string) bool {
	slot := c.getSlot(scriptID)
	if slot == nil {
		return false
	}

	slot.mu.Lock()
	defer slot.mu.Unlock()

	head := slot.head.Load()
	if head == nil {
		return false
	}
	head.instance.Store(nil)
	return true
}

// Remove deletes the identifier and its whole chain. Returns false for
// unknown identifiers.
func (c *Cache) Remove(scriptID string) bool {
	slot := c.getSlot(scriptID)
	if slot == nil {
		return false
	}

	slot.mu.Lock()
	defer slot.mu.Unlock()

	if slot.head.Load() == nil {
		return false
	}
	slot.head.Store(nil)
	c.count.Add(-1)
	return true
}

// Clear removes every script and resets the global version counter to zero.
// Each slot is tombstoned under its lock, so a concurrent Install either
// completes before its slot is detached and is discarded with it, or retries
// onto a fresh slot. Clear is meant for resetting a simulation between runs;
// version numbers handed out before the reset may be reissued afterwards.
func (c *Cache) Clear() {
	c.slots.Range(func(key, v any) bool {
		slot := v.(*cacheSlot)
		slot.mu.Lock()
		slot.head.Store(nil)
		c.slots.Delete(key)
		slot.mu.Unlock()
		return true
	})
	c.count.Store(0)
	c.version.Store(0)
}

// Count returns the number of scripts with a live chain.
func (c *Cache) Count() int {
	return int(c.count.Load())
}

// CurrentVersion returns the value of the global version counter: the
// version number assigned by the most recent Install.
func (c *Cache) CurrentVersion() uint64 {
	return c.version.Load()
}

// HistoryDepth returns the number of predecessor entries reachable from the
// current entry of a script, or 0 for unknown identifiers.
func (c *Cache) HistoryDepth(scriptID string) int {
	head := c.currentEntry(scriptID)
	if head == nil {
		return 0
	}
	depth := 0
	for e := head.previous.Load(); e != nil; e = e.previous.Load() {
		depth++
	}
	return depth
}

// TotalEntries returns the sum of all chain lengths, current entries
// included.
func (c *Cache) TotalEntries() int {
	total := 0
	c.slots.Range(func(_, v any) bool {
		for e := v.(*cacheSlot).head.Load(); e != nil; e = e.previous.Load() {
			total++
		}
		return true
	})
	return total
}

// ScriptIDs returns the identifiers of all live scripts, sorted.
func (c *Cache) ScriptIDs() []string {
	var ids []string
	c.slots.Range(func(k, v any) bool {
		if v.(*cacheSlot).head.Load() != nil {
			ids = append(ids, k.(string))
		}
		return true
	})
	sort.Strings(ids)
	return ids
}

// ScriptDiagnostics describes the current state of one cached script.
type ScriptDiagnostics struct {
	ScriptID        string
	Version         uint64
	TypeName        string
	Instantiated    bool
	LastUpdated     time.Time
	HasPrevious     bool
	PreviousVersion uint64
}

// Diagnostics returns a snapshot of every live script, sorted by identifier.
func (c *Cache) Diagnostics() []ScriptDiagnostics {
	var out []ScriptDiagnostics
	c.slots.Range(func(k, v any) bool {
		head := v.(*cacheSlot).head.Load()
		if head == nil {
			return true
		}
		d := ScriptDiagnostics{
			ScriptID:     k.(string),
			Version:      head.version,
			TypeName:     head.unit.TypeName(),
			Instantiated: head.instance.Load() != nil,
			LastUpdated:  head.lastUpdated,
		}
		if prev := head.previous.Load(); prev != nil {
			d.HasPrevious = true
			d.PreviousVersion = prev.version
		}
		out = append(out, d)
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ScriptID < out[j].ScriptID })
	return out
}

// currentEntry returns the current entry for an identifier, nil when the
// identifier is unknown or removed.
func (c *Cache) currentEntry(scriptID string) *cacheEntry {
	slot := c.getSlot(scriptID)
	if slot == nil {
		return nil
	}
	return slot.head.Load()
}
