// Package reindex repairs the index after a document-builder upgrade: a
// one-shot sweep finds documents stamped with an obsolete builder version
// and rebuilds them. Steady-state consistency is the sync engine's job;
// the sweeper only exists for upgrades and skipped-document repair.
package reindex

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"

	"github.com/EUDAT-DTR/DTR-sub002/core"
	"github.com/EUDAT-DTR/DTR-sub002/docbuilder"
	"github.com/EUDAT-DTR/DTR-sub002/index"
	"github.com/EUDAT-DTR/DTR-sub002/objectstore"
	"github.com/EUDAT-DTR/DTR-sub002/snapshot"
)

// Sweeper rebuilds documents whose builderVersion no longer matches the
// active builder. Re-triggerable; each Sweep call is one full pass.
type Sweeper struct {
	registry   *snapshot.Registry
	store      objectstore.Store
	builder    docbuilder.Builder
	repoID     string
	numWorkers int
	logger     *slog.Logger
}

func NewSweeper(registry *snapshot.Registry, store objectstore.Store, builder docbuilder.Builder, repoID string, numWorkers int, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	if numWorkers <= 0 {
		numWorkers = 1
	}
	return &Sweeper{
		registry:   registry,
		store:      store,
		builder:    builder,
		repoID:     repoID,
		numWorkers: numWorkers,
		logger:     logger.With("component", "ReindexSweeper"),
	}
}

// Sweep queries a stable snapshot for stale documents, rebuilds each one
// on a worker pool, and waits for the pool to drain before releasing the
// snapshot. Returns how many documents were rebuilt.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	marker := docbuilder.VersionMarker(s.builder)
	handle := s.registry.Acquire()
	if handle == nil {
		return 0, &core.StorageError{Op: "acquiring snapshot", Err: errors.New("index is shut down")}
	}
	defer handle.Release()

	hits, err := handle.Snapshot().Search(ctx, index.NeedsReindexQuery(marker), nil, 0)
	if err != nil {
		return 0, err
	}
	if len(hits) == 0 {
		s.logger.Info("Reindex sweep found nothing to do.", "builder_version", marker)
		return 0, nil
	}
	s.logger.Info("Reindex sweep starting.", "builder_version", marker, "stale_documents", len(hits))

	var rebuilt atomic.Int64
	pool := newWorkerPool(s.numWorkers, s.numWorkers*2, func(ctx context.Context, objectID string) {
		if err := s.rebuild(ctx, objectID); err != nil {
			s.logger.Warn("Rebuilding document failed, leaving it for the next sweep.",
				"objectid", objectID, "error", err)
			return
		}
		rebuilt.Add(1)
	}, s.logger)
	pool.Start()
	for _, hit := range hits {
		if ctx.Err() != nil {
			break
		}
		pool.Submit(ctx, hit.ObjectID)
	}
	pool.Stop()

	n := int(rebuilt.Load())
	if n > 0 {
		s.registry.RequestReopen(false)
	}
	s.logger.Info("Reindex sweep finished.", "rebuilt", n)
	return n, ctx.Err()
}

func (s *Sweeper) rebuild(ctx context.Context, objectID string) error {
	doc, err := s.builder.Build(ctx, s.store, s.repoID, objectID)
	if err != nil {
		if core.IsNotFound(err) {
			return s.registry.WithEngine(func(e index.Engine) error {
				return e.DeleteDocument(ctx, objectID)
			})
		}
		return err
	}
	return s.registry.WithEngine(func(e index.Engine) error {
		return e.ReplaceDocument(ctx, doc)
	})
}
