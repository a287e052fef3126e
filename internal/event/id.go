package event

import (
	"fmt"
	"sync"
	"time"
)

// idState guards the monotonic id sequence. Two ids generated in the same
// nanosecond still sort in issue order because the sequence number ticks.
var idState struct {
	mu   sync.Mutex
	last int64
	seq  uint32
}

// NewID returns a sortable id of the form <prefix>_<unixnano>-<seq>.
// IDs are strictly monotonic within a process; the repository enforces
// global uniqueness at insert.
func NewID(prefix string) string {
	idState.mu.Lock()
	defer idState.mu.Unlock()

	now := time.Now().UnixNano()
	if now <= idState.last {
		idState.seq++
	} else {
		idState.last = now
		idState.seq = 0
	}
	return fmt.Sprintf("%s_%d-%04d", prefix, idState.last, idState.seq)
}

// NewAlertID returns an id for an AlertEvent.
func NewAlertID() string { return NewID("alt") }

// NewActionID returns an id for an ActionRecord.
func NewActionID() string { return NewID("act") }
