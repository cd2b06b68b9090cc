package search

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/EUDAT-DTR/DTR-sub002/core"
	"github.com/EUDAT-DTR/DTR-sub002/index"
	"github.com/EUDAT-DTR/DTR-sub002/snapshot"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type collectSink struct {
	infos []core.QueryInfo
	hits  []core.SearchHit
}

func (s *collectSink) Info(info core.QueryInfo) error {
	s.infos = append(s.infos, info)
	return nil
}

func (s *collectSink) Hit(hit core.SearchHit) error {
	s.hits = append(s.hits, hit)
	return nil
}

func (s *collectSink) ids() []string {
	ids := make([]string, len(s.hits))
	for i, h := range s.hits {
		ids[i] = h.ObjectID
	}
	return ids
}

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

func putDoc(t *testing.T, registry *snapshot.Registry, objectID string, fields map[string]string) {
	t.Helper()
	doc := core.NewIndexDocument(objectID, "repo-a", "attr:3")
	for name, value := range fields {
		doc.Set(name, value)
	}
	require.NoError(t, registry.WithEngine(func(e index.Engine) error {
		return e.ReplaceDocument(context.Background(), doc)
	}))
}

func publish(registry *snapshot.Registry) {
	time.Sleep(2 * time.Millisecond)
	registry.RequestReopen(false)
}

func TestSearchBasics(t *testing.T) {
	registry := newTestRegistry(t)
	putDoc(t, registry, "obj/a", map[string]string{core.ObjectAttributeField("type"): "Widget"})
	putDoc(t, registry, "obj/b", map[string]string{core.ObjectAttributeField("type"): "Gadget"})
	publish(registry)

	c := NewCoordinator(registry, nil, nil, nil, nil, Options{})
	sink := &collectSink{}
	require.NoError(t, c.Search(context.Background(), core.SearchRequest{Query: "type:Widget"}, sink))

	require.Len(t, sink.infos, 1)
	require.Len(t, sink.hits, 1)
	assert.Equal(t, "obj/a", sink.hits[0].ObjectID)
	assert.Equal(t, "repo-a", sink.hits[0].RepoID)
	assert.Equal(t, []string{"Widget"}, sink.hits[0].Fields[core.ObjectAttributeField("type")])
}

func TestEmptyQueryRejected(t *testing.T) {
	registry := newTestRegistry(t)
	c := NewCoordinator(registry, nil, nil, nil, nil, Options{})
	err := c.Search(context.Background(), core.SearchRequest{Query: "  "}, &collectSink{})
	require.Error(t, err)
	assert.True(t, core.IsApplicationError(err))
}

func TestMalformedQueryIsApplicationError(t *testing.T) {
	registry := newTestRegistry(t)
	c := NewCoordinator(registry, nil, nil, nil, nil, Options{})
	err := c.Search(context.Background(), core.SearchRequest{Query: "type:("}, &collectSink{})
	require.Error(t, err)
	assert.True(t, core.IsApplicationError(err))
	assert.NotEmpty(t, err.Error())
}

func TestUnescapedSlashAutoEscaped(t *testing.T) {
	registry := newTestRegistry(t)
	putDoc(t, registry, "prefix/1", nil)
	publish(registry)

	c := NewCoordinator(registry, nil, nil, nil, nil, Options{})
	sink := &collectSink{}
	require.NoError(t, c.Search(context.Background(), core.SearchRequest{Query: "id:prefix/1"}, sink))
	assert.Equal(t, []string{"prefix/1"}, sink.ids())
}

func TestPaginationSortedByID(t *testing.T) {
	registry := newTestRegistry(t)
	for i := 1; i <= 1000; i++ {
		putDoc(t, registry, fmt.Sprintf("obj/%04d", i), map[string]string{
			core.ObjectAttributeField("type"): "Widget",
		})
	}
	publish(registry)

	c := NewCoordinator(registry, nil, nil, nil, nil, Options{})
	sink := &collectSink{}
	require.NoError(t, c.Search(context.Background(), core.SearchRequest{
		Query:      "type:Widget",
		SortFields: []core.SortField{{Field: core.FieldID, Order: core.SortAscending}},
		PageSize:   10,
		PageOffset: 5,
	}, sink))

	want := make([]string, 0, 10)
	for i := 51; i <= 60; i++ {
		want = append(want, fmt.Sprintf("obj/%04d", i))
	}
	assert.Equal(t, want, sink.ids())
	require.Len(t, sink.infos, 1)
	assert.True(t, sink.infos[0].HasMore)
	assert.True(t, sink.infos[0].More)
}

func TestPostSortOnAttributeField(t *testing.T) {
	registry := newTestRegistry(t)
	putDoc(t, registry, "obj/a", map[string]string{
		core.ObjectAttributeField("type"): "Widget",
		core.ObjectAttributeField("name"): "zebra",
	})
	putDoc(t, registry, "obj/b", map[string]string{
		core.ObjectAttributeField("type"): "Widget",
		core.ObjectAttributeField("name"): "aardvark",
	})
	publish(registry)

	c := NewCoordinator(registry, nil, nil, nil, nil, Options{})
	sink := &collectSink{}
	require.NoError(t, c.Search(context.Background(), core.SearchRequest{
		Query:      "type:Widget",
		SortFields: []core.SortField{{Field: core.ObjectAttributeField("name"), Order: core.SortAscending}},
	}, sink))
	assert.Equal(t, []string{"obj/b", "obj/a"}, sink.ids())
}

func TestPermissionFiltering(t *testing.T) {
	registry := newTestRegistry(t)
	for i := 1; i <= 20; i++ {
		putDoc(t, registry, fmt.Sprintf("obj/%02d", i), map[string]string{
			core.ObjectAttributeField("type"): "Widget",
		})
	}
	publish(registry)

	evenOnly := core.AuthorizerFunc(func(ctx context.Context, callerID, objectID, operation string) bool {
		var n int
		fmt.Sscanf(objectID, "obj/%02d", &n)
		return n%2 == 0
	})
	c := NewCoordinator(registry, nil, evenOnly, nil, nil, Options{})

	t.Run("page is a permitted subset in ranked order", func(t *testing.T) {
		sink := &collectSink{}
		require.NoError(t, c.Search(context.Background(), core.SearchRequest{
			Query:      "type:Widget",
			SortFields: []core.SortField{{Field: core.FieldID, Order: core.SortAscending}},
			PageSize:   3,
			PageOffset: 1,
		}, sink))
		assert.Equal(t, []string{"obj/08", "obj/10", "obj/12"}, sink.ids())
	})

	t.Run("total matches counts permitted documents only", func(t *testing.T) {
		sink := &collectSink{}
		require.NoError(t, c.Search(context.Background(), core.SearchRequest{
			Query:           "type:Widget",
			PageSize:        3,
			GetTotalMatches: true,
		}, sink))
		require.Len(t, sink.infos, 1)
		assert.True(t, sink.infos[0].HasTotalMatches)
		assert.Equal(t, 10, sink.infos[0].TotalMatches)
		assert.Len(t, sink.hits, 3)
		assert.True(t, sink.infos[0].More)
	})

	t.Run("insecure mode skips filtering", func(t *testing.T) {
		open := NewCoordinator(registry, nil, evenOnly, nil, nil, Options{Insecure: true})
		sink := &collectSink{}
		require.NoError(t, open.Search(context.Background(), core.SearchRequest{
			Query:           "type:Widget",
			GetTotalMatches: true,
		}, sink))
		assert.Equal(t, 20, sink.infos[0].TotalMatches)
	})
}

func TestNoMoreOnLastPage(t *testing.T) {
	registry := newTestRegistry(t)
	for i := 1; i <= 5; i++ {
		putDoc(t, registry, fmt.Sprintf("obj/%d", i), map[string]string{
			core.ObjectAttributeField("type"): "Widget",
		})
	}
	publish(registry)

	c := NewCoordinator(registry, nil, nil, nil, nil, Options{})
	sink := &collectSink{}
	require.NoError(t, c.Search(context.Background(), core.SearchRequest{
		Query:           "type:Widget",
		PageSize:        10,
		GetTotalMatches: true,
	}, sink))
	assert.Len(t, sink.hits, 5)
	assert.False(t, sink.infos[0].More)
}

func TestReturnedFieldsSubsetAndAlias(t *testing.T) {
	registry := newTestRegistry(t)
	stored := core.ElementAttributeField("my/el", "mimetype")
	putDoc(t, registry, "obj/a", map[string]string{
		core.ObjectAttributeField("type"): "Widget",
		stored:                            "text/plain",
	})
	publish(registry)

	c := NewCoordinator(registry, nil, nil, nil, nil, Options{})
	sink := &collectSink{}
	logical := "elatt_my/el_mimetype"
	require.NoError(t, c.Search(context.Background(), core.SearchRequest{
		Query:          "type:Widget",
		ReturnedFields: []string{logical},
	}, sink))
	require.Len(t, sink.hits, 1)
	assert.Equal(t, map[string][]string{logical: {"text/plain"}}, sink.hits[0].Fields)
}

// fakeWaiter counts rendezvous invocations.
type fakeWaiter struct {
	calls int
	err   error
}

func (w *fakeWaiter) BlockUntilUpToDate(ctx context.Context) error {
	w.calls++
	return w.err
}

func TestRequireUpToDateWaits(t *testing.T) {
	registry := newTestRegistry(t)
	putDoc(t, registry, "obj/a", nil)
	publish(registry)

	waiter := &fakeWaiter{}
	c := NewCoordinator(registry, waiter, nil, nil, nil, Options{})
	require.NoError(t, c.Search(context.Background(), core.SearchRequest{
		Query:           "id:obj",
		RequireUpToDate: true,
	}, &collectSink{}))
	assert.Equal(t, 1, waiter.calls)

	waiter.err = errors.New("sync stalled")
	err := c.Search(context.Background(), core.SearchRequest{
		Query:           "id:obj",
		RequireUpToDate: true,
	}, &collectSink{})
	require.Error(t, err)
}

// fakePeers serves canned hits per address.
type fakePeers struct {
	mu   sync.Mutex
	hits map[string][]core.SearchHit
	errs map[string]error
	seen []core.SearchRequest
}

func (p *fakePeers) Search(ctx context.Context, address string, req core.SearchRequest, sink core.ResultSink) error {
	p.mu.Lock()
	p.seen = append(p.seen, req)
	p.mu.Unlock()
	if err := p.errs[address]; err != nil {
		return err
	}
	for _, hit := range p.hits[address] {
		if err := sink.Hit(hit); err != nil {
			return err
		}
	}
	return nil
}

func TestFederationMergesPeerResults(t *testing.T) {
	registry := newTestRegistry(t)
	putDoc(t, registry, "obj/local", map[string]string{core.ObjectAttributeField("type"): "Widget"})
	publish(registry)

	peers := &fakePeers{hits: map[string][]core.SearchHit{
		"peer-b:9611": {{ObjectID: "obj/b", RepoID: "repo-b"}},
		"peer-c:9611": {{ObjectID: "obj/c", RepoID: "repo-c"}},
	}}
	targets := func() []string { return []string{"peer-b:9611", "peer-c:9611"} }

	c := NewCoordinator(registry, nil, nil, peers, targets, Options{})
	sink := &collectSink{}
	require.NoError(t, c.Search(context.Background(), core.SearchRequest{
		Query:    "type:Widget",
		Federate: true,
	}, sink))

	assert.ElementsMatch(t, []string{"obj/local", "obj/b", "obj/c"}, sink.ids())
	repoOf := make(map[string]string)
	for _, h := range sink.hits {
		repoOf[h.ObjectID] = h.RepoID
	}
	assert.Equal(t, "repo-b", repoOf["obj/b"])
	assert.Equal(t, "repo-c", repoOf["obj/c"])
}

func TestFederationSubRequestsDoNotFederate(t *testing.T) {
	registry := newTestRegistry(t)
	putDoc(t, registry, "obj/local", nil)
	publish(registry)

	peers := &fakePeers{}
	c := NewCoordinator(registry, nil, nil, peers, func() []string { return []string{"peer:1"} }, Options{})
	require.NoError(t, c.Search(context.Background(), core.SearchRequest{
		Query:    "id:obj",
		Federate: true,
	}, &collectSink{}))
	require.Len(t, peers.seen, 1)
	assert.False(t, peers.seen[0].Federate)
}

func TestFederationPeerFailureTolerated(t *testing.T) {
	registry := newTestRegistry(t)
	putDoc(t, registry, "obj/local", map[string]string{core.ObjectAttributeField("type"): "Widget"})
	publish(registry)

	peers := &fakePeers{
		hits: map[string][]core.SearchHit{"peer-ok:1": {{ObjectID: "obj/ok", RepoID: "repo-ok"}}},
		errs: map[string]error{"peer-down:1": errors.New("connection refused")},
	}
	targets := func() []string { return []string{"peer-down:1", "peer-ok:1"} }

	c := NewCoordinator(registry, nil, nil, peers, targets, Options{})
	sink := &collectSink{}
	require.NoError(t, c.Search(context.Background(), core.SearchRequest{
		Query:    "type:Widget",
		Federate: true,
	}, sink))
	assert.ElementsMatch(t, []string{"obj/local", "obj/ok"}, sink.ids())
}

func TestFederationRejectsUnsupportedCombinations(t *testing.T) {
	registry := newTestRegistry(t)
	c := NewCoordinator(registry, nil, nil, nil, nil, Options{})
	for name, req := range map[string]core.SearchRequest{
		"page size":       {Query: "a", Federate: true, PageSize: 10},
		"sort fields":     {Query: "a", Federate: true, SortFields: []core.SortField{{Field: "id"}}},
		"returned fields": {Query: "a", Federate: true, ReturnedFields: []string{"id"}},
	} {
		t.Run(name, func(t *testing.T) {
			err := c.Search(context.Background(), req, &collectSink{})
			require.Error(t, err)
			assert.True(t, core.IsApplicationError(err))
		})
	}
}

func TestSearchAfterShutdownFails(t *testing.T) {
	registry := newTestRegistry(t)
	registry.Stop()

	c := NewCoordinator(registry, nil, nil, nil, nil, Options{})
	err := c.Search(context.Background(), core.SearchRequest{Query: "type:Widget"}, &collectSink{})
	require.Error(t, err)
	assert.True(t, core.IsStorageError(err))
}
