package objectstore

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/EUDAT-DTR/DTR-sub002/core"
)

// Key layout, NUL-separated so object ids may contain any printable rune:
//
//	o<NUL><objectID><NUL>a<NUL><attribute>            -> value
//	o<NUL><objectID><NUL>e<NUL><element><NUL><attr>   -> value
const keySep = "\x00"

// BadgerStore is the embedded object store implementation.
type BadgerStore struct {
	db     *badger.DB
	logger *slog.Logger
}

// OpenBadger opens (or creates) an object store in dir.
func OpenBadger(dir string, logger *slog.Logger) (*BadgerStore, error) {
	opts := badger.DefaultOptions(dir)
	opts.Logger = nil // badger's own logger is too chatty for a library
	db, err := badger.Open(opts)
	if err != nil {
		return nil, &core.StorageError{Op: "open object store", Err: err}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &BadgerStore{db: db, logger: logger.With("component", "BadgerStore")}, nil
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}

func attrKey(objectID, attribute string) []byte {
	return []byte("o" + keySep + objectID + keySep + "a" + keySep + attribute)
}

func elemAttrKey(objectID, element, attribute string) []byte {
	return []byte("o" + keySep + objectID + keySep + "e" + keySep + element + keySep + attribute)
}

func objectPrefix(objectID string) []byte {
	return []byte("o" + keySep + objectID + keySep)
}

// SetAttribute writes one object attribute.
func (s *BadgerStore) SetAttribute(ctx context.Context, objectID, attribute, value string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(attrKey(objectID, attribute), []byte(value))
	})
	if err != nil {
		return &core.StorageError{Op: "set attribute", Err: err}
	}
	return nil
}

// DeleteAttribute removes one object attribute.
func (s *BadgerStore) DeleteAttribute(ctx context.Context, objectID, attribute string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(attrKey(objectID, attribute))
	})
	if err != nil {
		return &core.StorageError{Op: "delete attribute", Err: err}
	}
	return nil
}

// SetElementAttribute writes one attribute of a named element.
func (s *BadgerStore) SetElementAttribute(ctx context.Context, objectID, element, attribute, value string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(elemAttrKey(objectID, element, attribute), []byte(value))
	})
	if err != nil {
		return &core.StorageError{Op: "set element attribute", Err: err}
	}
	return nil
}

// DeleteElement removes an element and all its attributes.
func (s *BadgerStore) DeleteElement(ctx context.Context, objectID, element string) error {
	prefix := []byte("o" + keySep + objectID + keySep + "e" + keySep + element + keySep)
	return s.deletePrefix(prefix, "delete element")
}

// DeleteObject removes an object wholesale.
func (s *BadgerStore) DeleteObject(ctx context.Context, objectID string) error {
	return s.deletePrefix(objectPrefix(objectID), "delete object")
}

func (s *BadgerStore) deletePrefix(prefix []byte, op string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		iopts := badger.DefaultIteratorOptions
		iopts.PrefetchValues = false
		iopts.Prefix = prefix
		it := txn.NewIterator(iopts)
		defer it.Close()
		var keys [][]byte
		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		for _, k := range keys {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return &core.StorageError{Op: op, Err: err}
	}
	return nil
}

func (s *BadgerStore) Exists(ctx context.Context, objectID string) (bool, error) {
	var exists bool
	err := s.db.View(func(txn *badger.Txn) error {
		iopts := badger.DefaultIteratorOptions
		iopts.PrefetchValues = false
		iopts.Prefix = objectPrefix(objectID)
		it := txn.NewIterator(iopts)
		defer it.Close()
		it.Rewind()
		exists = it.Valid()
		return nil
	})
	if err != nil {
		return false, &core.StorageError{Op: "exists", Err: err}
	}
	return exists, nil
}

func (s *BadgerStore) GetAttributes(ctx context.Context, objectID string) (map[string]string, error) {
	attrs := make(map[string]string)
	prefix := []byte("o" + keySep + objectID + keySep + "a" + keySep)
	err := s.db.View(func(txn *badger.Txn) error {
		iopts := badger.DefaultIteratorOptions
		iopts.Prefix = prefix
		it := txn.NewIterator(iopts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			name := string(item.Key()[len(prefix):])
			val, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			attrs[name] = string(val)
		}
		return nil
	})
	if err != nil {
		return nil, &core.StorageError{Op: "get attributes", Err: err}
	}
	return attrs, nil
}

func (s *BadgerStore) ListElements(ctx context.Context, objectID string) ([]string, error) {
	prefix := []byte("o" + keySep + objectID + keySep + "e" + keySep)
	seen := make(map[string]struct{})
	var elements []string
	err := s.db.View(func(txn *badger.Txn) error {
		iopts := badger.DefaultIteratorOptions
		iopts.PrefetchValues = false
		iopts.Prefix = prefix
		it := txn.NewIterator(iopts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			rest := string(it.Item().Key()[len(prefix):])
			element, _, ok := strings.Cut(rest, keySep)
			if !ok {
				return fmt.Errorf("malformed element key %q", it.Item().Key())
			}
			if _, dup := seen[element]; !dup {
				seen[element] = struct{}{}
				elements = append(elements, element)
			}
		}
		return nil
	})
	if err != nil {
		return nil, &core.StorageError{Op: "list elements", Err: err}
	}
	return elements, nil
}

func (s *BadgerStore) GetElementAttributes(ctx context.Context, objectID, element string) (map[string]string, error) {
	prefix := []byte("o" + keySep + objectID + keySep + "e" + keySep + element + keySep)
	attrs := make(map[string]string)
	err := s.db.View(func(txn *badger.Txn) error {
		iopts := badger.DefaultIteratorOptions
		iopts.Prefix = prefix
		it := txn.NewIterator(iopts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			name := string(item.Key()[len(prefix):])
			val, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			attrs[name] = string(val)
		}
		return nil
	})
	if err != nil {
		return nil, &core.StorageError{Op: "get element attributes", Err: err}
	}
	if len(attrs) == 0 {
		return nil, &core.NotFoundError{ObjectID: objectID, Element: element}
	}
	return attrs, nil
}
