// Package txlog defines the contract of the repository's append-only
// transaction log and provides an in-memory implementation. The log is an
// external collaborator of the search subsystem: it is consumed strictly
// read-only here.
package txlog

import (
	"github.com/EUDAT-DTR/DTR-sub002/core"
)

// Cursor iterates transactions in log order. Callers must Close it.
type Cursor interface {
	// Next returns the next transaction, or ok=false when exhausted.
	Next() (tx core.Transaction, ok bool)
	Close() error
}

// Log is the read-side contract of the transaction log.
type Log interface {
	// LastTimestamp returns the timestamp of the newest transaction, or 0
	// for an empty log.
	LastTimestamp() int64
	// ScanFrom returns a cursor positioned at the first transaction with
	// a timestamp strictly greater than ts.
	ScanFrom(ts int64) (Cursor, error)
	// Subscribe registers for append notifications. The returned
	// subscription must be cancelled to release it; cancellation is what
	// gives shutdown a deterministic ordering.
	Subscribe() *Subscription
}

// Subscription delivers one notification per appended transaction on C.
// Notifications are wakeups, not deliveries: when the channel is full the
// notification is dropped and the subscriber's periodic cycle picks the
// transaction up from the log itself.
type Subscription struct {
	C      chan core.Transaction
	cancel func()
}

// Cancel deregisters the subscription and closes C.
func (s *Subscription) Cancel() {
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}
