package reflex

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// ScriptFailure records one isolated script failure: a script whose
// instance could not be resolved, or whose hook panicked. Failures never
// abort the tick; they are recorded here and execution continues with the
// next attachment.
type ScriptFailure struct {
	ScriptID string
	Entity   uuid.UUID
	Tick     uint64
	Time     time.Time
	Err      error
}

// failureRingSize bounds the retained failure history.
const failureRingSize = 64

// failureRing is a fixed-size ring of the most recent script failures.
type failureRing struct {
	mu    sync.Mutex
	buf   [failureRingSize]ScriptFailure
	next  int
	size  int
	total uint64
}

// record appends a failure, evicting the oldest when full.
func (r *failureRing) record(f ScriptFailure) {
	r.mu.Lock()
	r.buf[r.next] = f
	r.next = (r.next + 1) % failureRingSize
	if r.size < failureRingSize {
		r.size++
	}
	r.total++
	r.mu.Unlock()
}

// recent returns the retained failures, oldest first.
func (r *failureRing) recent() []ScriptFailure {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]ScriptFailure, 0, r.size)
	start := r.next - r.size
	if start < 0 {
		start += failureRingSize
	}
	for i := 0; i < r.size; i++ {
		out = append(out, r.buf[(start+i)%failureRingSize])
	}
	return out
}

// totalCount returns the number of failures ever recorded.
func (r *failureRing) totalCount() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.total
}
