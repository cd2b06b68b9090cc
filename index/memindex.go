package index

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/RoaringBitmap/roaring/roaring64"

	"github.com/EUDAT-DTR/DTR-sub002/core"
)

const (
	currentFileName   = "CURRENT"
	segmentFilePrefix = "segment"

	// allField aggregates every full-text token so bare terms match
	// anywhere in a document.
	allField = "_all"
)

// postingsKey composes the postings map key for one (field, token) pair.
// Exact-match entries use the field's "!" variant.
func postingsKey(field, token string) string {
	return field + "\x00" + token
}

// MemIndex is the in-memory inverted index. Postings are roaring bitmaps
// of internal doc ids; stored documents are retained whole. Commits write
// a JSON segment plus a CURRENT pointer, which Open replays on startup.
type MemIndex struct {
	mu     sync.RWMutex
	dir    string
	logger *slog.Logger

	nextID   uint64
	byObject map[string]uint64
	docs     map[uint64]core.IndexDocument
	postings map[string]*roaring64.Bitmap
	live     *roaring64.Bitmap
	dirty    bool
}

// Open opens (or creates) an index in dir, replaying the last committed
// segment if one exists.
func Open(dir string, logger *slog.Logger) (*MemIndex, error) {
	if logger == nil {
		logger = slog.Default()
	}
	idx := &MemIndex{
		dir:      dir,
		logger:   logger.With("component", "MemIndex"),
		nextID:   1,
		byObject: make(map[string]uint64),
		docs:     make(map[uint64]core.IndexDocument),
		postings: make(map[string]*roaring64.Bitmap),
		live:     roaring64.New(),
	}
	if dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, &core.StorageError{Op: "create index dir", Err: err}
		}
		if err := idx.load(); err != nil {
			return nil, err
		}
	}
	return idx, nil
}

func (idx *MemIndex) load() error {
	currentPath := filepath.Join(idx.dir, currentFileName)
	nameBytes, err := os.ReadFile(currentPath)
	if os.IsNotExist(err) {
		return nil // fresh index
	}
	if err != nil {
		return &core.StorageError{Op: "read CURRENT", Err: err}
	}
	segPath := filepath.Join(idx.dir, strings.TrimSpace(string(nameBytes)))
	data, err := os.ReadFile(segPath)
	if err != nil {
		return &core.StorageError{Op: "read segment", Err: err}
	}
	var docs []core.IndexDocument
	if err := json.Unmarshal(data, &docs); err != nil {
		return &core.StorageError{Op: "decode segment", Err: fmt.Errorf("%s: %w", segPath, err)}
	}
	for _, doc := range docs {
		idx.insertLocked(doc)
	}
	idx.dirty = false
	idx.logger.Info("Index loaded from committed segment.", "segment", segPath, "documents", len(docs))
	return nil
}

func (idx *MemIndex) ReplaceDocument(ctx context.Context, doc core.IndexDocument) error {
	id := doc.ID()
	if id == "" {
		return &core.ApplicationError{Message: "document has no id field"}
	}
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.insertLocked(doc)
	idx.dirty = true
	return nil
}

func (idx *MemIndex) DeleteDocument(ctx context.Context, objectID string) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if internal, ok := idx.byObject[objectID]; ok {
		idx.removeLocked(internal)
		delete(idx.byObject, objectID)
		idx.dirty = true
	}
	return nil
}

func (idx *MemIndex) insertLocked(doc core.IndexDocument) {
	if old, ok := idx.byObject[doc.ID()]; ok {
		idx.removeLocked(old)
	}
	internal := idx.nextID
	idx.nextID++
	idx.byObject[doc.ID()] = internal
	idx.docs[internal] = doc
	idx.live.Add(internal)
	for field, values := range doc {
		for _, value := range values {
			for _, tok := range tokenize(value) {
				idx.addPosting(postingsKey(field, tok), internal)
				idx.addPosting(postingsKey(allField, tok), internal)
			}
			idx.addPosting(postingsKey(core.ExactField(field), exactKey(value)), internal)
		}
	}
}

func (idx *MemIndex) removeLocked(internal uint64) {
	doc, ok := idx.docs[internal]
	if !ok {
		return
	}
	for field, values := range doc {
		for _, value := range values {
			for _, tok := range tokenize(value) {
				idx.dropPosting(postingsKey(field, tok), internal)
				idx.dropPosting(postingsKey(allField, tok), internal)
			}
			idx.dropPosting(postingsKey(core.ExactField(field), exactKey(value)), internal)
		}
	}
	delete(idx.docs, internal)
	idx.live.Remove(internal)
}

func (idx *MemIndex) addPosting(key string, internal uint64) {
	bm, ok := idx.postings[key]
	if !ok {
		bm = roaring64.New()
		idx.postings[key] = bm
	}
	bm.Add(internal)
}

func (idx *MemIndex) dropPosting(key string, internal uint64) {
	if bm, ok := idx.postings[key]; ok {
		bm.Remove(internal)
		if bm.IsEmpty() {
			delete(idx.postings, key)
		}
	}
}

// Commit writes the live documents as a JSON segment, then swings the
// CURRENT pointer to it. The rename makes the swing atomic; a crash before
// it leaves the previous segment authoritative.
func (idx *MemIndex) Commit(ctx context.Context) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if idx.dir == "" {
		idx.dirty = false
		return nil // ephemeral index, nothing to persist
	}
	docs := make([]core.IndexDocument, 0, len(idx.docs))
	it := idx.live.Iterator()
	for it.HasNext() {
		docs = append(docs, idx.docs[it.Next()])
	}
	data, err := json.Marshal(docs)
	if err != nil {
		return &core.StorageError{Op: "encode segment", Err: err}
	}

	segName := fmt.Sprintf("%s_%d.json", segmentFilePrefix, idx.nextID)
	segPath := filepath.Join(idx.dir, segName)
	if err := writeFileAtomic(segPath, data); err != nil {
		return &core.StorageError{Op: "write segment", Err: err}
	}
	if err := writeFileAtomic(filepath.Join(idx.dir, currentFileName), []byte(segName)); err != nil {
		return &core.StorageError{Op: "write CURRENT", Err: err}
	}
	idx.dirty = false
	idx.logger.Debug("Index committed.", "segment", segName, "documents", len(docs))
	return nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// Sortable reports native sortability. Only the reserved identity and
// timestamp fields have engine-maintained sort keys; attribute fields are
// post-sorted by the caller.
func (idx *MemIndex) Sortable(field string) bool {
	switch field {
	case core.FieldID, core.FieldRepoID, core.FieldBuilderVersion,
		core.FieldCreatedAt, core.FieldModifiedAt, core.FieldIndexedAt:
		return true
	}
	return false
}

func (idx *MemIndex) Close() error { return nil }

// OpenSnapshot clones the postings and document maps under the read lock.
// Bitmaps are cloned so later writer mutations cannot leak into the view.
func (idx *MemIndex) OpenSnapshot() (Snapshot, error) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	snap := &memSnapshot{
		docs:     make(map[uint64]core.IndexDocument, len(idx.docs)),
		postings: make(map[string]*roaring64.Bitmap, len(idx.postings)),
		live:     idx.live.Clone(),
	}
	for id, doc := range idx.docs {
		snap.docs[id] = doc
	}
	for key, bm := range idx.postings {
		snap.postings[key] = bm.Clone()
	}
	return snap, nil
}

type memSnapshot struct {
	docs     map[uint64]core.IndexDocument
	postings map[string]*roaring64.Bitmap
	live     *roaring64.Bitmap
}

func (s *memSnapshot) Close() error { return nil }

func (s *memSnapshot) Search(ctx context.Context, q *Query, sortFields []core.SortField, limit int) ([]Hit, error) {
	if q == nil {
		return nil, &core.ApplicationError{Message: "nil query"}
	}
	var leaves []*roaring64.Bitmap
	matched, err := s.eval(q, &leaves)
	if err != nil {
		return nil, err
	}

	hits := make([]Hit, 0, matched.GetCardinality())
	it := matched.Iterator()
	for it.HasNext() {
		internal := it.Next()
		doc, ok := s.docs[internal]
		if !ok {
			continue
		}
		hits = append(hits, Hit{
			ObjectID: doc.ID(),
			Score:    s.score(internal, leaves),
			Fields:   doc,
		})
	}

	if len(sortFields) > 0 {
		sortHitsByFields(hits, sortFields)
	} else {
		sort.SliceStable(hits, func(i, j int) bool {
			if hits[i].Score != hits[j].Score {
				return hits[i].Score > hits[j].Score
			}
			return hits[i].ObjectID < hits[j].ObjectID
		})
	}

	if limit > 0 && len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// score sums a df-damped contribution for every matched leaf containing
// the document. Scoring internals are not part of the engine contract;
// callers only rely on the ordering being deterministic.
func (s *memSnapshot) score(internal uint64, leaves []*roaring64.Bitmap) float64 {
	var score float64
	for _, leaf := range leaves {
		if leaf.Contains(internal) {
			score += 1.0 / math.Log2(2.0+float64(leaf.GetCardinality()))
		}
	}
	if score == 0 {
		score = 1.0 // match-all and pure-NOT queries rank uniformly
	}
	return score
}

func sortHitsByFields(hits []Hit, sortFields []core.SortField) {
	sort.SliceStable(hits, func(i, j int) bool {
		for _, sf := range sortFields {
			a := firstValue(hits[i].Fields, sf.Field)
			b := firstValue(hits[j].Fields, sf.Field)
			if a == b {
				continue
			}
			if sf.Order == core.SortDescending {
				return a > b
			}
			return a < b
		}
		return hits[i].ObjectID < hits[j].ObjectID
	})
}

func firstValue(fields map[string][]string, field string) string {
	if vs := fields[field]; len(vs) > 0 {
		return vs[0]
	}
	return ""
}

func (s *memSnapshot) eval(q *Query, leaves *[]*roaring64.Bitmap) (*roaring64.Bitmap, error) {
	switch q.Kind {
	case AllQuery:
		return s.live.Clone(), nil
	case TermQuery:
		// A term with embedded punctuation (an escaped object id, say)
		// tokenizes to several tokens; it matches as their conjunction.
		toks := tokenize(q.Term)
		if len(toks) == 0 {
			return roaring64.New(), nil
		}
		result := s.lookup(q.Field, toks[0], false).Clone()
		*leaves = append(*leaves, s.lookup(q.Field, toks[0], false))
		for _, tok := range toks[1:] {
			bm := s.lookup(q.Field, tok, false)
			*leaves = append(*leaves, bm)
			result.And(bm)
		}
		return result, nil
	case PhraseQuery:
		if q.Field == "" {
			// A fieldless phrase degrades to the AND of its tokens.
			toks := tokenize(q.Term)
			if len(toks) == 0 {
				return roaring64.New(), nil
			}
			result := s.lookup("", toks[0], false).Clone()
			*leaves = append(*leaves, s.lookup("", toks[0], false))
			for _, tok := range toks[1:] {
				bm := s.lookup("", tok, false)
				*leaves = append(*leaves, bm)
				result.And(bm)
			}
			return result, nil
		}
		bm := s.lookup(q.Field, exactKey(q.Term), true)
		*leaves = append(*leaves, bm)
		return bm.Clone(), nil
	case AndQuery:
		result := s.live.Clone()
		for _, child := range q.Children {
			bm, err := s.eval(child, leaves)
			if err != nil {
				return nil, err
			}
			result.And(bm)
		}
		return result, nil
	case OrQuery:
		result := roaring64.New()
		for _, child := range q.Children {
			bm, err := s.eval(child, leaves)
			if err != nil {
				return nil, err
			}
			result.Or(bm)
		}
		return result, nil
	case NotQuery:
		bm, err := s.eval(q.Children[0], leaves)
		if err != nil {
			return nil, err
		}
		result := s.live.Clone()
		result.AndNot(bm)
		return result, nil
	default:
		return nil, &core.ApplicationError{Message: fmt.Sprintf("unknown query kind %d", q.Kind)}
	}
}

// lookup resolves one (field, key) pair to its postings. Unprefixed,
// non-reserved field names also try their objatt_ spelling so callers can
// write type:Widget for the attribute field objatt_type.
func (s *memSnapshot) lookup(field, key string, exact bool) *roaring64.Bitmap {
	fields := candidateFields(field, exact)
	if len(fields) == 1 {
		if bm, ok := s.postings[postingsKey(fields[0], key)]; ok {
			return bm
		}
		return roaring64.New()
	}
	result := roaring64.New()
	for _, f := range fields {
		if bm, ok := s.postings[postingsKey(f, key)]; ok {
			result.Or(bm)
		}
	}
	return result
}

func candidateFields(field string, exact bool) []string {
	if field == "" {
		return []string{allField}
	}
	variant := func(f string) string {
		if exact {
			return core.ExactField(f)
		}
		return f
	}
	switch field {
	case core.FieldID, core.FieldRepoID, core.FieldBuilderVersion,
		core.FieldCreatedAt, core.FieldModifiedAt, core.FieldIndexedAt:
		return []string{variant(field)}
	}
	if strings.HasPrefix(field, "objatt_") || strings.HasPrefix(field, "elatt_") {
		return []string{variant(field)}
	}
	return []string{variant(field), variant("objatt_" + field)}
}

// tokenize lowercases and splits on non-alphanumeric runes.
func tokenize(value string) []string {
	lower := strings.ToLower(value)
	return strings.FieldsFunc(lower, func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9')
	})
}

// exactKey is the normalized exact-match key of a stored value.
func exactKey(value string) string {
	return strings.ToLower(value)
}
