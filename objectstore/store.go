// Package objectstore defines the contract of the repository's object
// store and provides a badger-backed implementation. Objects are bags of
// attributes plus named elements which carry their own attributes; the
// search subsystem reads them to derive index documents.
package objectstore

import "context"

// ObjectRecord is a whole object's indexable state, as fetched from a
// remote peer in one round trip.
type ObjectRecord struct {
	ObjectID   string
	Attributes map[string]string
	Elements   map[string]map[string]string
}

// Store is the local read contract used during document derivation.
type Store interface {
	Exists(ctx context.Context, objectID string) (bool, error)
	GetAttributes(ctx context.Context, objectID string) (map[string]string, error)
	ListElements(ctx context.Context, objectID string) ([]string, error)
	GetElementAttributes(ctx context.Context, objectID, element string) (map[string]string, error)
}

// Remote is the federation-facing variant: it additionally fetches a whole
// object across the network.
type Remote interface {
	FetchObject(ctx context.Context, objectID string) (*ObjectRecord, error)
}

// RecordStore adapts a fetched ObjectRecord to the Store contract so that
// remotely-fetched objects flow through the same document builder as local
// ones.
type RecordStore struct {
	Record *ObjectRecord
}

func (r RecordStore) Exists(ctx context.Context, objectID string) (bool, error) {
	return objectID == r.Record.ObjectID, nil
}

func (r RecordStore) GetAttributes(ctx context.Context, objectID string) (map[string]string, error) {
	return r.Record.Attributes, nil
}

func (r RecordStore) ListElements(ctx context.Context, objectID string) ([]string, error) {
	names := make([]string, 0, len(r.Record.Elements))
	for name := range r.Record.Elements {
		names = append(names, name)
	}
	return names, nil
}

func (r RecordStore) GetElementAttributes(ctx context.Context, objectID, element string) (map[string]string, error) {
	return r.Record.Elements[element], nil
}
