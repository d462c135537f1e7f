package reflex

import "sort"

// Attachment binds one script identifier, a priority and an active flag to
// an entity. An entity may carry any number of attachments with distinct
// identifiers; execution order is a pure function of (priority descending,
// insertion order ascending).
type Attachment struct {
	// ScriptID names the script's slot in the cache.
	ScriptID string

	// Priority orders execution; higher priorities run first.
	Priority int

	// Active controls whether the scheduler executes this attachment.
	// Toggling it never removes or reorders the record.
	Active bool

	// slot is the interned numeric handle for ScriptID.
	slot ScriptSlot
}

// addAttachment appends a record in insertion order. Caller provides the
// interned slot. Duplicate identifiers on one entity are rejected.
func (e *Entity) addAttachment(scriptID string, priority int, slot ScriptSlot) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed.Load() {
		return ErrEntityClosed
	}
	for _, a := range e.attachments {
		if a.ScriptID == scriptID {
			return ErrDuplicateAttachment
		}
	}

	e.attachments = append(e.attachments, &Attachment{
		ScriptID: scriptID,
		Priority: priority,
		Active:   true,
		slot:     slot,
	})
	e.mask.Set(slot)
	e.rebuildSortedLocked()
	return nil
}

// removeAttachment deletes the record for a script identifier.
func (e *Entity) removeAttachment(scriptID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	for i, a := range e.attachments {
		if a.ScriptID == scriptID {
			e.attachments = append(e.attachments[:i], e.attachments[i+1:]...)
			e.mask.Clear(a.slot)
			e.rebuildSortedLocked()
			return true
		}
	}
	return false
}

// setActive flips the active flag of a record in place. The record is never
// removed or reordered, so no structural change hits the entity's storage.
func (e *Entity) setActive(scriptID string, active bool) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	for _, a := range e.attachments {
		if a.ScriptID == scriptID {
			a.Active = active
			if active {
				e.mask.Set(a.slot)
			} else {
				e.mask.Clear(a.slot)
			}
			return true
		}
	}
	return false
}

// rebuildSortedLocked recomputes the (priority desc, insertion order asc)
// view. Called by Add/Remove under the write lock; SetActive never rebuilds,
// so re-activating restores the exact previous order. Caller must hold e.mu
// for writing.
func (e *Entity) rebuildSortedLocked() {
	e.sorted = make([]*Attachment, len(e.attachments))
	copy(e.sorted, e.attachments)
	sort.SliceStable(e.sorted, func(i, j int) bool {
		return e.sorted[i].Priority > e.sorted[j].Priority
	})
}

// activeOrdered returns a snapshot of the active attachments in execution
// order. The snapshot is safe to iterate without holding the entity lock;
// mutations during a tick take effect on the next one.
func (e *Entity) activeOrdered() []Attachment {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]Attachment, 0, len(e.sorted))
	for _, a := range e.sorted {
		if a.Active {
			out = append(out, *a)
		}
	}
	return out
}

// Attachments returns a snapshot of all attachment records in insertion
// order, active or not.
func (e *Entity) Attachments() []Attachment {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]Attachment, len(e.attachments))
	for i, a := range e.attachments {
		out[i] = *a
	}
	return out
}

// AttachmentCount returns the number of attachment records on the entity,
// regardless of their active flag.
func (e *Entity) AttachmentCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.attachments)
}
