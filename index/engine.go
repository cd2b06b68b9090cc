// Package index defines the narrow contract of the inverted-index engine
// and provides an in-memory implementation with durable commits. The
// engine's internals (postings layout, scoring formula, on-disk segment
// format) are deliberately behind this contract; the sync and search
// machinery only ever needs the operations below.
package index

import (
	"context"

	"github.com/EUDAT-DTR/DTR-sub002/core"
)

// Hit is one ranked search result with its stored fields.
type Hit struct {
	ObjectID string
	Score    float64
	Fields   map[string][]string
}

// Snapshot is an immutable point-in-time read view. Callers obtain
// snapshots through the snapshot handle registry, never directly.
type Snapshot interface {
	// Search executes a parsed query, returning up to limit hits ranked
	// by score, or ordered by sortFields when given. Every sort field
	// passed here must be natively sortable; the caller post-sorts the
	// rest.
	Search(ctx context.Context, q *Query, sortFields []core.SortField, limit int) ([]Hit, error)
	Close() error
}

// Engine is the write-and-publish side of the index.
type Engine interface {
	// ReplaceDocument atomically supersedes the document stored under the
	// given object id, creating it if absent.
	ReplaceDocument(ctx context.Context, doc core.IndexDocument) error
	// DeleteDocument removes the document by object id. Deleting an
	// absent document is not an error.
	DeleteDocument(ctx context.Context, objectID string) error
	// Commit makes all writes so far durable.
	Commit(ctx context.Context) error
	// OpenSnapshot publishes the current writer state as a new read view.
	OpenSnapshot() (Snapshot, error)
	// Sortable reports whether the engine can natively sort by a field.
	Sortable(field string) bool
	Close() error
}
