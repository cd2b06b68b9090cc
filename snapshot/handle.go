// Package snapshot keeps many concurrent readers on stable point-in-time
// index views while writes continue, and decides when new writes become
// searchable (reopen) and durable (commit).
package snapshot

import (
	"sync"
	"sync/atomic"

	"github.com/EUDAT-DTR/DTR-sub002/index"
)

// Handle is a reference-counted wrapper around one read-only snapshot.
// The underlying snapshot is physically closed exactly when the handle is
// superseded and its refcount has dropped to zero; the closing decision is
// a pure function of those two facts.
type Handle struct {
	snap       index.Snapshot
	refs       atomic.Int64
	superseded atomic.Bool
	closeOnce  sync.Once
}

func newHandle(snap index.Snapshot) *Handle {
	return &Handle{snap: snap}
}

// Snapshot returns the wrapped read view. Valid until Release.
func (h *Handle) Snapshot() index.Snapshot { return h.snap }

func (h *Handle) acquire() {
	h.refs.Add(1)
}

// Release returns the handle. The final release of a superseded handle
// closes the snapshot.
func (h *Handle) Release() {
	if h.refs.Add(-1) == 0 && h.superseded.Load() {
		h.close()
	}
}

// supersede marks the handle stale and closes it if nobody holds it. Both
// supersede and Release re-check the other's flag after storing their own,
// so every interleaving closes the snapshot exactly once.
func (h *Handle) supersede() {
	h.superseded.Store(true)
	if h.refs.Load() == 0 {
		h.close()
	}
}

func (h *Handle) close() {
	h.closeOnce.Do(func() {
		h.snap.Close()
	})
}
