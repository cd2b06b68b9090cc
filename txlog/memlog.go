package txlog

import (
	"sort"
	"sync"
	"time"

	"github.com/EUDAT-DTR/DTR-sub002/core"
)

// MemLog is an in-memory transaction log with monotonically non-decreasing
// timestamps. It backs the embedded deployment mode and tests.
type MemLog struct {
	mu          sync.RWMutex
	txs         []core.Transaction
	subscribers map[int]*Subscription
	nextSubID   int
	clock       func() int64
}

// NewMemLog creates an empty log stamping appends with wall-clock
// milliseconds.
func NewMemLog() *MemLog {
	return &MemLog{
		subscribers: make(map[int]*Subscription),
		clock:       func() int64 { return time.Now().UnixMilli() },
	}
}

// NewMemLogWithClock creates a log with an injected timestamp source.
func NewMemLogWithClock(clock func() int64) *MemLog {
	l := NewMemLog()
	l.clock = clock
	return l
}

// Append records a transaction and notifies subscribers. The assigned
// timestamp never decreases even if the clock does.
func (l *MemLog) Append(objectID string, action core.Action) core.Transaction {
	l.mu.Lock()
	ts := l.clock()
	if ts < 1 {
		ts = 1 // zero is the empty-log watermark, never a real timestamp
	}
	if n := len(l.txs); n > 0 && l.txs[n-1].Timestamp >= ts {
		ts = l.txs[n-1].Timestamp + 1
	}
	tx := core.Transaction{Timestamp: ts, ObjectID: objectID, Action: action}
	l.txs = append(l.txs, tx)
	// Sends happen under the lock so Cancel cannot close a channel out
	// from under us; they never block because they are best-effort.
	for _, s := range l.subscribers {
		select {
		case s.C <- tx:
		default: // slow subscriber, the periodic cycle will catch up
		}
	}
	l.mu.Unlock()
	return tx
}

func (l *MemLog) LastTimestamp() int64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.txs) == 0 {
		return 0
	}
	return l.txs[len(l.txs)-1].Timestamp
}

// ScanFrom returns a cursor over transactions with timestamps strictly
// greater than ts. The cursor reads a stable copy of the matching suffix.
func (l *MemLog) ScanFrom(ts int64) (Cursor, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	start := sort.Search(len(l.txs), func(i int) bool {
		return l.txs[i].Timestamp > ts
	})
	tail := make([]core.Transaction, len(l.txs)-start)
	copy(tail, l.txs[start:])
	return &sliceCursor{txs: tail}, nil
}

func (l *MemLog) Subscribe() *Subscription {
	l.mu.Lock()
	defer l.mu.Unlock()
	id := l.nextSubID
	l.nextSubID++
	sub := &Subscription{C: make(chan core.Transaction, 64)}
	sub.cancel = func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if _, ok := l.subscribers[id]; ok {
			delete(l.subscribers, id)
			close(sub.C)
		}
	}
	l.subscribers[id] = sub
	return sub
}

type sliceCursor struct {
	txs []core.Transaction
	pos int
}

func (c *sliceCursor) Next() (core.Transaction, bool) {
	if c.pos >= len(c.txs) {
		return core.Transaction{}, false
	}
	tx := c.txs[c.pos]
	c.pos++
	return tx, true
}

func (c *sliceCursor) Close() error { return nil }
