package core

import (
	"context"
	"sync"
	"time"
)

// Watermarks tracks sync progress as three monotone timestamps: the latest
// transaction seen in the log, the latest whose effect reached the index
// writer, and the latest visible through a published snapshot. Indexing
// progress and snapshot-publishing progress are waited on independently so
// a freshness rendezvous can observe the two stages separately.
type Watermarks struct {
	mu         sync.Mutex
	indexed    *sync.Cond
	searchable *sync.Cond

	seenTS       int64
	indexedTS    int64
	searchableTS int64
}

// NewWatermarks creates a tracker with all watermarks at zero.
func NewWatermarks() *Watermarks {
	w := &Watermarks{}
	w.indexed = sync.NewCond(&w.mu)
	w.searchable = sync.NewCond(&w.mu)
	return w
}

// ReportSeen records that a transaction with the given timestamp was
// observed in the log. Lower timestamps are ignored.
func (w *Watermarks) ReportSeen(ts int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if ts > w.seenTS {
		w.seenTS = ts
	}
}

// ReportIndexed records indexing progress and wakes indexed-stage waiters.
func (w *Watermarks) ReportIndexed(ts int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if ts > w.seenTS {
		w.seenTS = ts
	}
	if ts > w.indexedTS {
		w.indexedTS = ts
		w.indexed.Broadcast()
	}
}

// ReportSearchable records that a reopen published writes up to ts and
// wakes searchable-stage waiters.
func (w *Watermarks) ReportSearchable(ts int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if ts > w.searchableTS {
		w.searchableTS = ts
		w.searchable.Broadcast()
	}
}

func (w *Watermarks) Seen() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seenTS
}

func (w *Watermarks) Indexed() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.indexedTS
}

func (w *Watermarks) Searchable() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.searchableTS
}

// WaitIndexed blocks until the indexed watermark reaches ts or the context
// is cancelled.
func (w *Watermarks) WaitIndexed(ctx context.Context, ts int64) error {
	return w.wait(ctx, w.indexed, func() bool { return w.indexedTS >= ts })
}

// WaitSearchable blocks until the searchable watermark reaches ts or the
// context is cancelled.
func (w *Watermarks) WaitSearchable(ctx context.Context, ts int64) error {
	return w.wait(ctx, w.searchable, func() bool { return w.searchableTS >= ts })
}

// wait blocks on a condition variable while also honoring context
// cancellation. A helper goroutine waits for the broadcast; on
// cancellation we broadcast ourselves so it can re-check and exit.
func (w *Watermarks) wait(ctx context.Context, cond *sync.Cond, done func() bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	waitDone := make(chan struct{})
	go func() {
		for !done() && ctx.Err() == nil {
			cond.Wait()
		}
		close(waitDone)
	}()

	select {
	case <-waitDone:
	case <-ctx.Done():
		// The helper may be between its ctx check and cond.Wait, in which
		// case a single broadcast is lost. Keep broadcasting until it
		// observes the cancellation and exits.
		for {
			cond.Broadcast()
			select {
			case <-waitDone:
			case <-time.After(time.Millisecond):
				continue
			}
			break
		}
	}

	// waitDone also closes on cancellation; only the condition itself
	// decides success.
	if done() {
		return nil
	}
	return ctx.Err()
}
