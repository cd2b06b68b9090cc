package server

import (
	"bufio"
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/EUDAT-DTR/DTR-sub002/core"
	"github.com/EUDAT-DTR/DTR-sub002/objectstore"
	"github.com/EUDAT-DTR/DTR-sub002/syncer"
	"github.com/EUDAT-DTR/DTR-sub002/txlog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSearch struct {
	hits []core.SearchHit
	err  error
	seen []core.SearchRequest
}

func (f *fakeSearch) Search(ctx context.Context, req core.SearchRequest, sink core.ResultSink) error {
	f.seen = append(f.seen, req)
	if f.err != nil {
		return f.err
	}
	if err := sink.Info(core.QueryInfo{HasTotalMatches: true, TotalMatches: len(f.hits)}); err != nil {
		return err
	}
	for _, hit := range f.hits {
		if err := sink.Hit(hit); err != nil {
			return err
		}
	}
	return nil
}

type fakeSync struct {
	reindexed []string
	blockErr  error
	blocked   int
}

func (f *fakeSync) BlockUntilUpToDate(ctx context.Context) error {
	f.blocked++
	return f.blockErr
}

func (f *fakeSync) ReindexObject(ctx context.Context, objectID string) error {
	f.reindexed = append(f.reindexed, objectID)
	return nil
}

type fakeSweep struct {
	swept int
}

func (f *fakeSweep) Sweep(ctx context.Context) (int, error) {
	f.swept++
	return 0, nil
}

type serverHarness struct {
	addr    net.Addr
	search  *fakeSearch
	sync    *fakeSync
	sweeper *fakeSweep
	log     *txlog.MemLog
}

func startServer(t *testing.T) *serverHarness {
	t.Helper()
	h := &serverHarness{
		search:  &fakeSearch{},
		sync:    &fakeSync{},
		sweeper: &fakeSweep{},
		log:     txlog.NewMemLog(),
	}
	store := objectstore.RecordStore{Record: &objectstore.ObjectRecord{
		ObjectID:   "obj/1",
		Attributes: map[string]string{"type": "Widget"},
		Elements:   map[string]map[string]string{"content": {"mimetype": "text/plain"}},
	}}
	srv := NewTCPServer(h.search, h.sync, h.sweeper, h.log, store, "repo-a", nil)
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go srv.Start(lis)
	t.Cleanup(srv.Stop)
	h.addr = lis.Addr()
	return h
}

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

func TestSearchOverTheWire(t *testing.T) {
	h := startServer(t)
	h.search.hits = []core.SearchHit{
		{ObjectID: "obj/1", RepoID: "repo-a", Score: 1.5, Fields: map[string][]string{"id": {"obj/1"}}},
		{ObjectID: "obj/2", RepoID: "repo-a", Score: 0.5},
	}

	client := NewPeerClient(nil)
	sink := &collectSink{}
	err := client.Search(context.Background(), h.addr.String(), core.SearchRequest{
		Query:           "type:Widget",
		PageSize:        10,
		GetTotalMatches: true,
		CallerID:        "alice",
	}, sink)
	require.NoError(t, err)

	require.Len(t, sink.infos, 1)
	assert.True(t, sink.infos[0].HasTotalMatches)
	assert.Equal(t, 2, sink.infos[0].TotalMatches)
	require.Len(t, sink.hits, 2)
	assert.Equal(t, "obj/1", sink.hits[0].ObjectID)
	assert.Equal(t, 1.5, sink.hits[0].Score)
	assert.Equal(t, []string{"obj/1"}, sink.hits[0].Fields["id"])

	require.Len(t, h.search.seen, 1)
	assert.Equal(t, "type:Widget", h.search.seen[0].Query)
	assert.Equal(t, 10, h.search.seen[0].PageSize)
	assert.Equal(t, "alice", h.search.seen[0].CallerID)
}

func TestSearchErrorStatus(t *testing.T) {
	h := startServer(t)
	h.search.err = &core.ApplicationError{Message: "bad query syntax: unexpected token"}

	client := NewPeerClient(nil)
	err := client.Search(context.Background(), h.addr.String(), core.SearchRequest{Query: "type:("}, &collectSink{})
	require.Error(t, err)
	assert.True(t, core.IsApplicationError(err))
	assert.Contains(t, err.Error(), "bad query syntax")
}

func TestUnknownOperation(t *testing.T) {
	h := startServer(t)
	conn, err := net.Dial("tcp", h.addr.String())
	require.NoError(t, err)
	defer conn.Close()

	w := bufio.NewWriter(conn)
	require.NoError(t, WriteFrame(w, 99, nil))
	require.NoError(t, w.Flush())

	r := bufio.NewReader(conn)
	op, payload, err := ReadFrame(r)
	require.NoError(t, err)
	assert.Equal(t, OpStatus, ResponseOp(op))
	var status StatusPacket
	require.NoError(t, status.UnmarshalBinary(payload))
	assert.Equal(t, StatusError, status.Status)
	assert.Equal(t, uint32(core.CodeOperationNotAvailable), status.Code)

	op, _, err = ReadFrame(r)
	require.NoError(t, err)
	assert.Equal(t, OpDone, ResponseOp(op))
}

func TestReindexOperations(t *testing.T) {
	h := startServer(t)
	conn, err := net.Dial("tcp", h.addr.String())
	require.NoError(t, err)
	defer conn.Close()

	w := bufio.NewWriter(conn)
	r := bufio.NewReader(conn)

	// One object.
	require.NoError(t, WriteFrame(w, byte(OpReindex), &ReindexRequestPacket{ObjectID: "obj/1"}))
	require.NoError(t, w.Flush())
	readOKAndDone(t, r)
	assert.Equal(t, []string{"obj/1"}, h.sync.reindexed)

	// No object id: full sweep.
	require.NoError(t, WriteFrame(w, byte(OpReindex), &ReindexRequestPacket{}))
	require.NoError(t, w.Flush())
	readOKAndDone(t, r)
	assert.Equal(t, 1, h.sweeper.swept)
}

func TestIndexUpToDateOperation(t *testing.T) {
	h := startServer(t)
	conn, err := net.Dial("tcp", h.addr.String())
	require.NoError(t, err)
	defer conn.Close()

	w := bufio.NewWriter(conn)
	r := bufio.NewReader(conn)
	require.NoError(t, WriteFrame(w, byte(OpIndexUpToDate), nil))
	require.NoError(t, w.Flush())
	readOKAndDone(t, r)
	assert.Equal(t, 1, h.sync.blocked)
}

func readOKAndDone(t *testing.T, r *bufio.Reader) {
	t.Helper()
	op, payload, err := ReadFrame(r)
	require.NoError(t, err)
	require.Equal(t, OpStatus, ResponseOp(op))
	var status StatusPacket
	require.NoError(t, status.UnmarshalBinary(payload))
	require.Equal(t, StatusOK, status.Status)
	op, _, err = ReadFrame(r)
	require.NoError(t, err)
	require.Equal(t, OpDone, ResponseOp(op))
}

func TestPeerPullAndFetch(t *testing.T) {
	h := startServer(t)
	h.log.Append("obj/1", core.ActionAddObject)
	h.log.Append("obj/2", core.ActionUpdateAttribute)

	client := NewPeerClient(nil)
	peer, err := client.Dial(context.Background(), h.addr.String())
	require.NoError(t, err)
	defer peer.Close()

	repoID, txs, err := peer.Pull(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "repo-a", repoID)
	require.Len(t, txs, 2)
	assert.Equal(t, "obj/1", txs[0].Tx.ObjectID)
	assert.Equal(t, core.ActionAddObject, txs[0].Tx.Action)
	assert.Equal(t, localServerID, txs[0].ServerID)

	// Resuming from the first marker returns only the second transaction.
	repoID, txs2, err := peer.Pull(context.Background(), map[string]int64{localServerID: txs[0].Tx.Timestamp})
	require.NoError(t, err)
	assert.Equal(t, "repo-a", repoID)
	require.Len(t, txs2, 1)
	assert.Equal(t, "obj/2", txs2[0].Tx.ObjectID)

	record, err := peer.FetchObject(context.Background(), "obj/1")
	require.NoError(t, err)
	assert.Equal(t, "Widget", record.Attributes["type"])
	assert.Equal(t, "text/plain", record.Elements["content"]["mimetype"])

	_, err = peer.FetchObject(context.Background(), "obj/absent")
	require.Error(t, err)
	assert.True(t, core.IsNotFound(err))
}

func TestPacketRoundTrips(t *testing.T) {
	t.Run("search request", func(t *testing.T) {
		in := &SearchRequestPacket{
			RequestID:       "req-1",
			Query:           "type:Widget AND name:zebra",
			ReturnedFields:  []string{"id", "objatt_type"},
			SortFields:      []core.SortField{{Field: "id"}, {Field: "modifiedat", Order: core.SortDescending}},
			PageSize:        10,
			PageOffset:      5,
			GetTotalMatches: true,
			Federate:        true,
			CallerID:        "alice",
		}
		data, err := in.MarshalBinary()
		require.NoError(t, err)
		var out SearchRequestPacket
		require.NoError(t, out.UnmarshalBinary(data))
		assert.Equal(t, in, &out)
	})

	t.Run("peer batch", func(t *testing.T) {
		in := &PeerTransactionsResponsePacket{
			RepoID: "repo-b",
			Transactions: []syncer.PeerTransaction{
				{ServerID: "main", Tx: core.Transaction{Timestamp: 7, ObjectID: "obj/1", Action: core.ActionDeleteElement}},
			},
		}
		data, err := in.MarshalBinary()
		require.NoError(t, err)
		var out PeerTransactionsResponsePacket
		require.NoError(t, out.UnmarshalBinary(data))
		assert.Equal(t, in, &out)
	})

	t.Run("truncated payload fails", func(t *testing.T) {
		in := &StatusPacket{Status: StatusError, Code: core.CodeNotFound, Message: "object 'x' not found"}
		data, err := in.MarshalBinary()
		require.NoError(t, err)
		var out StatusPacket
		require.Error(t, out.UnmarshalBinary(data[:3]))
	})
}

func TestSearchEngineFailureBeforeStream(t *testing.T) {
	h := startServer(t)
	h.search.err = errors.New("engine exploded")

	client := NewPeerClient(nil)
	err := client.Search(context.Background(), h.addr.String(), core.SearchRequest{Query: "a"}, &collectSink{})
	require.Error(t, err)
	assert.True(t, core.IsStorageError(err))
}

// stuckSync blocks the freshness wait until its context is cancelled, the
// way a suppressed consume loop would.
type stuckSync struct {
	entered chan struct{}
}

func (s *stuckSync) BlockUntilUpToDate(ctx context.Context) error {
	close(s.entered)
	<-ctx.Done()
	return ctx.Err()
}

func (s *stuckSync) ReindexObject(ctx context.Context, objectID string) error { return nil }

func TestStopUnblocksBlockedConnections(t *testing.T) {
	stuck := &stuckSync{entered: make(chan struct{})}
	srv := NewTCPServer(&fakeSearch{}, stuck, &fakeSweep{}, txlog.NewMemLog(),
		objectstore.RecordStore{Record: &objectstore.ObjectRecord{ObjectID: "obj/1"}}, "repo-a", nil)
	lis, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go srv.Start(lis)

	conn, err := net.Dial("tcp", lis.Addr().String())
	require.NoError(t, err)
	defer conn.Close()
	w := bufio.NewWriter(conn)
	require.NoError(t, WriteFrame(w, byte(OpIndexUpToDate), nil))
	require.NoError(t, w.Flush())
	<-stuck.entered

	stopped := make(chan struct{})
	go func() {
		srv.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop hung on a connection blocked in a freshness wait")
	}
}
