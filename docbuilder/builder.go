// Package docbuilder maps one object's store state to index fields. The
// builder is pluggable per deployment and versioned: the version marker is
// stamped into every document it produces, and a version bump is what
// makes the reindex sweeper rebuild old documents.
package docbuilder

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/EUDAT-DTR/DTR-sub002/core"
	"github.com/EUDAT-DTR/DTR-sub002/objectstore"
)

// Reserved object attributes the builder maps onto document timestamps.
const (
	attrCreatedAt  = "internal.created"
	attrModifiedAt = "internal.modified"
)

// Builder derives an index document from an object's store state.
type Builder interface {
	// ID names the builder; Version counts its mapping revisions. The
	// pair forms the builderVersion marker.
	ID() string
	Version() int
	Build(ctx context.Context, store objectstore.Store, repoID, objectID string) (core.IndexDocument, error)
}

// VersionMarker composes the builderVersion document field value.
func VersionMarker(b Builder) string {
	return fmt.Sprintf("%s:%d", b.ID(), b.Version())
}

// AttributeBuilder is the default builder: one field per object attribute
// and per (element, attribute) pair, plus the reserved identity and
// timestamp fields.
type AttributeBuilder struct {
	// Now is the clock for the indexedAt stamp; nil means time.Now.
	Now func() time.Time
}

func (b *AttributeBuilder) ID() string   { return "attr" }
func (b *AttributeBuilder) Version() int { return 3 }

func (b *AttributeBuilder) Build(ctx context.Context, store objectstore.Store, repoID, objectID string) (core.IndexDocument, error) {
	exists, err := store.Exists(ctx, objectID)
	if err != nil {
		return nil, fmt.Errorf("checking object %s: %w", objectID, err)
	}
	if !exists {
		return nil, &core.NotFoundError{ObjectID: objectID}
	}

	doc := core.NewIndexDocument(objectID, repoID, VersionMarker(b))

	attrs, err := store.GetAttributes(ctx, objectID)
	if err != nil {
		return nil, fmt.Errorf("reading attributes of %s: %w", objectID, err)
	}
	for name, value := range attrs {
		doc.Add(core.ObjectAttributeField(name), value)
	}
	doc.Set(core.FieldCreatedAt, attrs[attrCreatedAt])
	doc.Set(core.FieldModifiedAt, attrs[attrModifiedAt])

	elements, err := store.ListElements(ctx, objectID)
	if err != nil {
		return nil, fmt.Errorf("listing elements of %s: %w", objectID, err)
	}
	for _, element := range elements {
		elAttrs, err := store.GetElementAttributes(ctx, objectID, element)
		if err != nil {
			if core.IsNotFound(err) {
				continue // element vanished between list and read
			}
			return nil, fmt.Errorf("reading element %s of %s: %w", element, objectID, err)
		}
		for name, value := range elAttrs {
			doc.Add(core.ElementAttributeField(element, name), value)
		}
	}

	now := time.Now
	if b.Now != nil {
		now = b.Now
	}
	doc.Set(core.FieldIndexedAt, strconv.FormatInt(now().UnixMilli(), 10))
	return doc, nil
}
