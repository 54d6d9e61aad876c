package node

import (
	"sync"

	"github.com/ttheew/symphony/pkg/types"
)

// DefaultLogLimit is the per-deployment log ring size.
const DefaultLogLimit = 3000

// LogRing is a bounded in-memory buffer of a deployment's log output. The
// oldest entries are overwritten once the ring is full.
type LogRing struct {
	mu      sync.Mutex
	entries []types.LogEntry
	next    int
	full    bool
}

// NewLogRing creates a ring holding up to limit entries.
func NewLogRing(limit int) *LogRing {
	if limit <= 0 {
		limit = DefaultLogLimit
	}
	return &LogRing{entries: make([]types.LogEntry, limit)}
}

// Append adds an entry, evicting the oldest when full.
func (r *LogRing) Append(entry types.LogEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[r.next] = entry
	r.next++
	if r.next == len(r.entries) {
		r.next = 0
		r.full = true
	}
}

// Len returns the number of retained entries.
func (r *LogRing) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.full {
		return len(r.entries)
	}
	return r.next
}

// Tail returns up to n of the most recent entries in chronological order.
// n <= 0 returns everything retained.
func (r *LogRing) Tail(n int) []types.LogEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	size := r.next
	if r.full {
		size = len(r.entries)
	}
	if n <= 0 || n > size {
		n = size
	}

	out := make([]types.LogEntry, 0, n)
	start := r.next - n
	if start < 0 {
		start += len(r.entries)
	}
	for i := 0; i < n; i++ {
		out = append(out, r.entries[(start+i)%len(r.entries)])
	}
	return out
}
