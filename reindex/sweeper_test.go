package reindex

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/EUDAT-DTR/DTR-sub002/core"
	"github.com/EUDAT-DTR/DTR-sub002/docbuilder"
	"github.com/EUDAT-DTR/DTR-sub002/index"
	"github.com/EUDAT-DTR/DTR-sub002/objectstore"
	"github.com/EUDAT-DTR/DTR-sub002/snapshot"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T) *snapshot.Registry {
	t.Helper()
	dir := t.TempDir()
	r, err := snapshot.NewRegistry(func() (index.Engine, error) {
		return index.Open(filepath.Join(dir, "index"), nil)
	}, core.NewWatermarks(), snapshot.Options{
		MinReopenInterval: time.Millisecond,
		MaxReopenInterval: time.Hour,
	})
	require.NoError(t, err)
	t.Cleanup(r.Stop)
	return r
}

func putStaleDoc(t *testing.T, registry *snapshot.Registry, objectID string) {
	t.Helper()
	doc := core.NewIndexDocument(objectID, "repo-a", "attr:1")
	doc.Set(core.ObjectAttributeField("type"), "Widget")
	require.NoError(t, registry.WithEngine(func(e index.Engine) error {
		return e.ReplaceDocument(context.Background(), doc)
	}))
	publish(registry)
}

// publish queues a reopen so the next Acquire sees the writes above.
func publish(registry *snapshot.Registry) {
	time.Sleep(2 * time.Millisecond)
	registry.RequestReopen(false)
}

func searchAll(t *testing.T, registry *snapshot.Registry) []index.Hit {
	t.Helper()
	publish(registry)
	handle := registry.Acquire()
	defer handle.Release()
	hits, err := handle.Snapshot().Search(context.Background(), index.All(), nil, 0)
	require.NoError(t, err)
	return hits
}

func TestSweepRebuildsStaleDocuments(t *testing.T) {
	registry := newTestRegistry(t)
	ctx := context.Background()

	store := objectstore.RecordStore{Record: &objectstore.ObjectRecord{
		ObjectID:   "obj/stale",
		Attributes: map[string]string{"type": "Gadget"},
	}}
	putStaleDoc(t, registry, "obj/stale")

	builder := &docbuilder.AttributeBuilder{}
	sweeper := NewSweeper(registry, store, builder, "repo-a", 2, nil)
	rebuilt, err := sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rebuilt)

	hits := searchAll(t, registry)
	require.Len(t, hits, 1)
	marker := docbuilder.VersionMarker(builder)
	assert.Equal(t, marker, hits[0].Fields[core.FieldBuilderVersion][0])
	assert.Equal(t, "Gadget", hits[0].Fields[core.ObjectAttributeField("type")][0])
}

func TestSweepDeletesVanishedObjects(t *testing.T) {
	registry := newTestRegistry(t)
	ctx := context.Background()

	// The store knows nothing about the stale document's object.
	store := objectstore.RecordStore{Record: &objectstore.ObjectRecord{ObjectID: "obj/other"}}
	putStaleDoc(t, registry, "obj/gone")

	sweeper := NewSweeper(registry, store, &docbuilder.AttributeBuilder{}, "repo-a", 2, nil)
	rebuilt, err := sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, rebuilt)
	assert.Empty(t, searchAll(t, registry))
}

func TestSweepLeavesCurrentDocumentsAlone(t *testing.T) {
	registry := newTestRegistry(t)
	ctx := context.Background()

	builder := &docbuilder.AttributeBuilder{}
	store := objectstore.RecordStore{Record: &objectstore.ObjectRecord{
		ObjectID:   "obj/current",
		Attributes: map[string]string{"type": "Widget"},
	}}
	doc, err := builder.Build(ctx, store, "repo-a", "obj/current")
	require.NoError(t, err)
	require.NoError(t, registry.WithEngine(func(e index.Engine) error {
		return e.ReplaceDocument(ctx, doc)
	}))
	publish(registry)

	sweeper := NewSweeper(registry, store, builder, "repo-a", 2, nil)
	rebuilt, err := sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, rebuilt)
}

func TestSweepEmptyIndex(t *testing.T) {
	registry := newTestRegistry(t)
	sweeper := NewSweeper(registry, objectstore.RecordStore{Record: &objectstore.ObjectRecord{}}, &docbuilder.AttributeBuilder{}, "repo-a", 2, nil)
	rebuilt, err := sweeper.Sweep(context.Background())
	require.NoError(t, err)
	assert.Zero(t, rebuilt)
}

func TestSweepAfterRegistryStop(t *testing.T) {
	registry := newTestRegistry(t)
	registry.Stop()

	sweeper := NewSweeper(registry, objectstore.RecordStore{Record: &objectstore.ObjectRecord{}}, &docbuilder.AttributeBuilder{}, "repo-a", 2, nil)
	_, err := sweeper.Sweep(context.Background())
	require.Error(t, err)
	assert.True(t, core.IsStorageError(err))
}
