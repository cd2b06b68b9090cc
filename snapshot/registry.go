package snapshot

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/EUDAT-DTR/DTR-sub002/core"
	"github.com/EUDAT-DTR/DTR-sub002/index"
	"github.com/EUDAT-DTR/DTR-sub002/metrics"
)

// EngineFactory opens (or creates) a fresh index engine. It is invoked at
// registry construction and again whenever a commit failure forces the
// writer to be rebuilt.
type EngineFactory func() (index.Engine, error)

// Options tunes the reopen/commit scheduler.
type Options struct {
	// MinReopenInterval bounds reopen frequency; waiter-triggered reopens
	// are debounced to land exactly this long after the previous one.
	MinReopenInterval time.Duration
	// MaxReopenInterval bounds staleness: a reopen is forced once
	// 0.9×MaxReopenInterval has elapsed with unpublished data.
	MaxReopenInterval time.Duration
	// CommitInterval is the period of the durable-commit task.
	CommitInterval time.Duration
	// OnCommit runs after every successful commit (scan status persist).
	OnCommit func()
	Logger   *slog.Logger
}

// Registry owns the (writer, current-handle) pair and schedules reopens
// and commits. One RWMutex protects the pair as a unit: document updates,
// searches, reopens and commits take the read side; only writer recreation
// after a commit failure takes the write side.
type Registry struct {
	factory EngineFactory
	opts    Options
	logger  *slog.Logger
	marks   *core.Watermarks
	tracer  trace.Tracer

	pairMu sync.RWMutex
	engine index.Engine

	mu           sync.Mutex // pointer swap + scheduler bookkeeping
	current      *Handle
	lastReopen   time.Time
	reopenQueued bool
	reopenTimer  *time.Timer
	pendingTS    int64 // indexed watermark not yet published
	publishedTS  int64

	reopenMu sync.Mutex // serializes snapshot construction

	wg           sync.WaitGroup
	shutdownChan chan struct{}
	stopOnce     sync.Once
}

// NewRegistry builds the registry, opens the engine, and publishes an
// initial snapshot.
func NewRegistry(factory EngineFactory, marks *core.Watermarks, opts Options) (*Registry, error) {
	engine, err := factory()
	if err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	r := &Registry{
		factory:      factory,
		opts:         opts,
		logger:       opts.Logger.With("component", "SnapshotRegistry"),
		marks:        marks,
		tracer:       otel.Tracer("snapshot"),
		engine:       engine,
		shutdownChan: make(chan struct{}),
	}
	snap, err := engine.OpenSnapshot()
	if err != nil {
		engine.Close()
		return nil, err
	}
	r.current = newHandle(snap)
	r.lastReopen = time.Now()
	return r, nil
}

// Start launches the periodic force-reopen and commit loops.
func (r *Registry) Start() {
	r.startForceReopenLoop()
	r.startCommitLoop()
}

// Stop halts the loops, commits once more, supersedes the current handle
// and closes the writer. Idempotent.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() {
		close(r.shutdownChan)
		r.wg.Wait()

		r.mu.Lock()
		if r.reopenTimer != nil {
			r.reopenTimer.Stop()
		}
		current := r.current
		r.current = nil
		r.mu.Unlock()
		if current != nil {
			current.supersede()
		}

		r.pairMu.RLock()
		if err := r.engine.Commit(context.Background()); err != nil {
			r.logger.Error("Final commit on shutdown failed.", "error", err)
		} else if r.opts.OnCommit != nil {
			r.opts.OnCommit()
		}
		r.engine.Close()
		r.pairMu.RUnlock()
		r.logger.Info("Snapshot registry stopped.")
	})
}

// WithEngine runs fn against the current writer under the pair's read
// lock. The sync engine routes every document update through here.
func (r *Registry) WithEngine(fn func(index.Engine) error) error {
	r.pairMu.RLock()
	defer r.pairMu.RUnlock()
	return fn(r.engine)
}

// Sortable reports whether the writer can natively sort by a field.
func (r *Registry) Sortable(field string) bool {
	r.pairMu.RLock()
	defer r.pairMu.RUnlock()
	return r.engine.Sortable(field)
}

// MarkDirty records that writes up to the given indexed watermark await
// publication.
func (r *Registry) MarkDirty(ts int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ts > r.pendingTS {
		r.pendingTS = ts
	}
}

// Acquire returns the current handle with its refcount raised, performing
// a queued reopen first. Returns nil once the registry is stopped.
// Callers must Release the handle.
func (r *Registry) Acquire() *Handle {
	r.mu.Lock()
	queued := r.reopenQueued
	r.mu.Unlock()
	if queued {
		r.doReopen("acquire")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	h := r.current
	if h == nil {
		return nil // stopped; the last handle is already superseded
	}
	h.acquire()
	return h
}

// RequestReopen asks for new writes to become searchable. Non-expedited
// requests queue a reopen for the next Acquire once the debounce interval
// allows. Expedited requests (freshness rendezvous) additionally arm a
// timer so the reopen happens even with no searchers, landing exactly
// MinReopenInterval after the previous reopen to coalesce bursts.
func (r *Registry) RequestReopen(expedite bool) {
	r.mu.Lock()
	elapsed := time.Since(r.lastReopen)
	if elapsed >= r.opts.MinReopenInterval {
		r.reopenQueued = true
		r.mu.Unlock()
		if expedite {
			r.doReopen("expedite")
		}
		return
	}

	if expedite && r.reopenTimer == nil {
		delay := r.opts.MinReopenInterval - elapsed
		r.reopenTimer = time.AfterFunc(delay, func() {
			r.mu.Lock()
			r.reopenTimer = nil
			r.reopenQueued = true
			r.mu.Unlock()
			r.doReopen("debounce")
		})
	}
	r.mu.Unlock()
}

// doReopen opens a new snapshot from the current writer state and swaps
// it in. Construction happens outside the swap lock so acquires are never
// blocked for longer than the pointer swap itself.
func (r *Registry) doReopen(reason string) {
	r.reopenMu.Lock()
	defer r.reopenMu.Unlock()

	select {
	case <-r.shutdownChan:
		return
	default:
	}

	r.mu.Lock()
	if !r.reopenQueued && r.pendingTS <= r.publishedTS {
		r.mu.Unlock()
		return // someone else already published the pending writes
	}
	publishTS := r.pendingTS
	r.mu.Unlock()

	_, span := r.tracer.Start(context.Background(), "SnapshotRegistry.Reopen")
	defer span.End()

	r.pairMu.RLock()
	snap, err := r.engine.OpenSnapshot()
	r.pairMu.RUnlock()
	if err != nil {
		r.logger.Error("Reopen failed; the previous snapshot stays current.", "reason", reason, "error", err)
		return
	}

	h := newHandle(snap)
	r.mu.Lock()
	prev := r.current
	r.current = h
	r.lastReopen = time.Now()
	r.reopenQueued = false
	if publishTS > r.publishedTS {
		r.publishedTS = publishTS
	}
	r.mu.Unlock()

	if prev != nil {
		prev.supersede()
	}
	if r.marks != nil {
		r.marks.ReportSearchable(publishTS)
	}
	metrics.SnapshotReopens.Inc()
	r.logger.Debug("Published new snapshot.", "reason", reason, "searchable_watermark", publishTS)
}

// startForceReopenLoop guarantees the staleness upper bound: if more than
// 0.9×MaxReopenInterval has passed since the last reopen and unpublished
// data exists, reopen now, waiters or not.
func (r *Registry) startForceReopenLoop() {
	interval := r.opts.MaxReopenInterval / 4
	if interval <= 0 {
		interval = time.Second
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.mu.Lock()
				stale := time.Since(r.lastReopen) > time.Duration(0.9*float64(r.opts.MaxReopenInterval))
				dirty := r.pendingTS > r.publishedTS
				if stale && dirty {
					r.reopenQueued = true
				}
				queued := r.reopenQueued
				r.mu.Unlock()
				if stale && dirty && queued {
					r.doReopen("max_interval")
				}
			case <-r.shutdownChan:
				return
			}
		}
	}()
}

func (r *Registry) startCommitLoop() {
	if r.opts.CommitInterval <= 0 {
		r.logger.Info("Periodic commits are disabled.")
		return
	}
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.opts.CommitInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				r.commit()
			case <-r.shutdownChan:
				return
			}
		}
	}()
}

// commit makes writes durable. On failure the writer is in an
// indeterminate state, so the whole (writer, registry) pair is torn down
// and rebuilt from the last durable commit; this is the one place the
// exclusive side of the pair lock is taken.
func (r *Registry) commit() {
	ctx, span := r.tracer.Start(context.Background(), "SnapshotRegistry.Commit")
	defer span.End()

	r.pairMu.RLock()
	err := r.engine.Commit(ctx)
	r.pairMu.RUnlock()
	if err == nil {
		metrics.Commits.Inc()
		if r.opts.OnCommit != nil {
			r.opts.OnCommit()
		}
		return
	}

	metrics.CommitFailures.Inc()
	r.logger.Error("Commit failed, recreating the index writer.", "error", err)
	r.recreateEngine()
}

func (r *Registry) recreateEngine() {
	r.pairMu.Lock()
	defer r.pairMu.Unlock()

	r.engine.Close()
	engine, err := r.factory()
	if err != nil {
		r.logger.Error("Writer recreation failed; keeping the closed writer until the next commit cycle.", "error", err)
		return
	}
	snap, err := engine.OpenSnapshot()
	if err != nil {
		r.logger.Error("Snapshot after writer recreation failed.", "error", err)
		engine.Close()
		return
	}
	r.engine = engine

	h := newHandle(snap)
	r.mu.Lock()
	prev := r.current
	r.current = h
	r.lastReopen = time.Now()
	r.reopenQueued = false
	r.mu.Unlock()
	if prev != nil {
		prev.supersede()
	}
	r.logger.Warn("Index writer recreated after commit failure.")
}
