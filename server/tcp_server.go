// Package server exposes the search subsystem over a framed TCP protocol
// and serves the peer-facing operations federation consumers use. Every
// response is a status frame followed by zero or more result frames and a
// terminating done frame.
package server

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/EUDAT-DTR/DTR-sub002/core"
	"github.com/EUDAT-DTR/DTR-sub002/objectstore"
	"github.com/EUDAT-DTR/DTR-sub002/syncer"
	"github.com/EUDAT-DTR/DTR-sub002/txlog"
)

// peerBatchLimit bounds one peer-transactions response.
const peerBatchLimit = 1000

// drainTimeout bounds how long Stop waits for in-flight connections.
const drainTimeout = 5 * time.Second

// localServerID tags the local log's stream in per-server markers.
const localServerID = "main"

// SearchService runs one search, streaming into the sink.
type SearchService interface {
	Search(ctx context.Context, req core.SearchRequest, sink core.ResultSink) error
}

// SyncService is the sync engine surface the wire operations need.
type SyncService interface {
	BlockUntilUpToDate(ctx context.Context) error
	ReindexObject(ctx context.Context, objectID string) error
}

// SweepService reindexes the whole index.
type SweepService interface {
	Sweep(ctx context.Context) (int, error)
}

// TCPServer accepts connections and dispatches request frames.
type TCPServer struct {
	search  SearchService
	sync    SyncService
	sweeper SweepService
	log     txlog.Log
	store   objectstore.Store
	repoID  string
	logger  *slog.Logger

	listener  net.Listener
	connWg    sync.WaitGroup
	conns     map[net.Conn]struct{}
	isStarted bool
	quit      chan struct{}
	baseCtx   context.Context
	cancel    context.CancelFunc
	mu        sync.Mutex
}

func NewTCPServer(search SearchService, sync SyncService, sweeper SweepService, log txlog.Log, store objectstore.Store, repoID string, logger *slog.Logger) *TCPServer {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &TCPServer{
		search:  search,
		sync:    sync,
		sweeper: sweeper,
		log:     log,
		store:   store,
		repoID:  repoID,
		logger:  logger.With("component", "TCPServer"),
		conns:   make(map[net.Conn]struct{}),
		quit:    make(chan struct{}),
		baseCtx: ctx,
		cancel:  cancel,
	}
}

// Start runs the accept loop until Stop. Blocking; run it in a goroutine.
func (s *TCPServer) Start(lis net.Listener) error {
	s.mu.Lock()
	if s.isStarted {
		s.mu.Unlock()
		return fmt.Errorf("server already started")
	}
	s.listener = lis
	s.isStarted = true
	s.mu.Unlock()
	s.logger.Info("TCP server listening", "address", lis.Addr().String())

	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.quit:
				return nil
			default:
				return fmt.Errorf("failed to accept connection: %w", err)
			}
		}
		s.connWg.Add(1)
		go s.handleConnection(conn)
	}
}

// Stop closes the listener, cancels in-flight handlers, drops their
// connections, and waits a bounded time for them to drain.
func (s *TCPServer) Stop() {
	s.mu.Lock()
	if !s.isStarted {
		s.mu.Unlock()
		return
	}
	s.isStarted = false
	s.mu.Unlock()

	close(s.quit)
	if s.listener != nil {
		s.listener.Close()
	}

	// Unblock handlers parked in long operations (freshness waits,
	// sweeps), then close the connections so blocked reads return too.
	s.cancel()
	s.mu.Lock()
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.connWg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(drainTimeout):
		s.logger.Warn("Connections did not drain in time, shutting down anyway.")
	}
	s.logger.Info("TCP server stopped.")
}

func (s *TCPServer) handleConnection(conn net.Conn) {
	defer s.connWg.Done()
	defer conn.Close()
	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
	}()
	s.logger.Debug("Accepted connection", "remote_addr", conn.RemoteAddr())
	reader := bufio.NewReader(conn)
	writer := bufio.NewWriter(conn)

	ctx := s.baseCtx
	for {
		op, payload, err := ReadFrame(reader)
		if err != nil {
			return // EOF or a broken frame; either way the conversation is over
		}
		if err := s.handleRequest(ctx, RequestOp(op), payload, writer); err != nil {
			s.logger.Warn("Writing response failed, dropping connection.", "error", err)
			return
		}
		if err := writer.Flush(); err != nil {
			return
		}
	}
}

func (s *TCPServer) handleRequest(ctx context.Context, op RequestOp, payload []byte, w *bufio.Writer) error {
	switch op {
	case OpSearch:
		return s.handleSearch(ctx, payload, w)
	case OpReindex:
		return s.handleReindex(ctx, payload, w)
	case OpIndexUpToDate:
		return s.handleIndexUpToDate(ctx, w)
	case OpPeerTransactions:
		return s.handlePeerTransactions(payload, w)
	case OpPeerObject:
		return s.handlePeerObject(ctx, payload, w)
	default:
		err := &core.OperationNotAvailableError{Operation: fmt.Sprintf("%d", op)}
		if werr := writeErrorStatus(w, err); werr != nil {
			return werr
		}
		return WriteFrame(w, byte(OpDone), nil)
	}
}

func writeErrorStatus(w *bufio.Writer, err error) error {
	return WriteFrame(w, byte(OpStatus), &StatusPacket{
		Status:  StatusError,
		Code:    uint32(core.ErrorCode(err)),
		Message: err.Error(),
	})
}

func writeOKStatus(w *bufio.Writer) error {
	return WriteFrame(w, byte(OpStatus), &StatusPacket{Status: StatusOK})
}

// frameSink streams a search response. The status frame is deferred until
// the coordinator produces its info frame, so a validation failure can
// still become an error status.
type frameSink struct {
	w       *bufio.Writer
	started bool
	err     error
}

func (f *frameSink) Info(info core.QueryInfo) error {
	if err := writeOKStatus(f.w); err != nil {
		f.err = err
		return err
	}
	f.started = true
	err := WriteFrame(f.w, byte(OpQueryInfo), &QueryInfoPacket{
		HasTotalMatches: info.HasTotalMatches,
		TotalMatches:    uint64(info.TotalMatches),
		HasMore:         info.HasMore,
		More:            info.More,
	})
	f.err = err
	return err
}

func (f *frameSink) Hit(hit core.SearchHit) error {
	err := WriteFrame(f.w, byte(OpResult), &ResultPacket{
		ObjectID: hit.ObjectID,
		RepoID:   hit.RepoID,
		Score:    hit.Score,
		Fields:   hit.Fields,
	})
	f.err = err
	return err
}

func (s *TCPServer) handleSearch(ctx context.Context, payload []byte, w *bufio.Writer) error {
	var req SearchRequestPacket
	if err := req.UnmarshalBinary(payload); err != nil {
		if werr := writeErrorStatus(w, &core.ApplicationError{Message: err.Error()}); werr != nil {
			return werr
		}
		return WriteFrame(w, byte(OpDone), nil)
	}
	requestID := req.RequestID
	if requestID == "" {
		requestID = uuid.NewString()
	}
	logger := s.logger.With("request_id", requestID)
	logger.Debug("Handling search.", "query", req.Query, "federate", req.Federate)

	sink := &frameSink{w: w}
	err := s.search.Search(ctx, req.ToRequest(), sink)
	if sink.err != nil {
		return sink.err // the connection is broken, nothing more to say
	}
	if err != nil {
		if sink.started {
			// Results already streamed under an OK status; the caller sees a
			// truncated stream terminated by the done frame.
			logger.Warn("Search failed mid-stream.", "error", err)
		} else {
			if !core.IsApplicationError(err) {
				logger.Warn("Search failed.", "error", err)
			}
			if werr := writeErrorStatus(w, err); werr != nil {
				return werr
			}
		}
	}
	return WriteFrame(w, byte(OpDone), nil)
}

func (s *TCPServer) handleReindex(ctx context.Context, payload []byte, w *bufio.Writer) error {
	var req ReindexRequestPacket
	if err := req.UnmarshalBinary(payload); err != nil {
		if werr := writeErrorStatus(w, &core.ApplicationError{Message: err.Error()}); werr != nil {
			return werr
		}
		return WriteFrame(w, byte(OpDone), nil)
	}
	var err error
	if req.ObjectID == "" {
		_, err = s.sweeper.Sweep(ctx)
	} else {
		err = s.sync.ReindexObject(ctx, req.ObjectID)
	}
	if err != nil {
		if werr := writeErrorStatus(w, err); werr != nil {
			return werr
		}
	} else if werr := writeOKStatus(w); werr != nil {
		return werr
	}
	return WriteFrame(w, byte(OpDone), nil)
}

func (s *TCPServer) handleIndexUpToDate(ctx context.Context, w *bufio.Writer) error {
	if err := s.sync.BlockUntilUpToDate(ctx); err != nil {
		if werr := writeErrorStatus(w, err); werr != nil {
			return werr
		}
	} else if werr := writeOKStatus(w); werr != nil {
		return werr
	}
	return WriteFrame(w, byte(OpDone), nil)
}

// handlePeerTransactions serves this repository's own stream to a
// federation consumer, resuming from the consumer's markers.
func (s *TCPServer) handlePeerTransactions(payload []byte, w *bufio.Writer) error {
	var req PeerTransactionsRequestPacket
	if err := req.UnmarshalBinary(payload); err != nil {
		if werr := writeErrorStatus(w, &core.ApplicationError{Message: err.Error()}); werr != nil {
			return werr
		}
		return WriteFrame(w, byte(OpDone), nil)
	}
	cursor, err := s.log.ScanFrom(req.Since[localServerID])
	if err != nil {
		if werr := writeErrorStatus(w, err); werr != nil {
			return werr
		}
		return WriteFrame(w, byte(OpDone), nil)
	}
	defer cursor.Close()

	resp := PeerTransactionsResponsePacket{RepoID: s.repoID}
	for len(resp.Transactions) < peerBatchLimit {
		tx, ok := cursor.Next()
		if !ok {
			break
		}
		resp.Transactions = append(resp.Transactions, syncer.PeerTransaction{
			ServerID: localServerID,
			Tx:       tx,
		})
	}
	if err := writeOKStatus(w); err != nil {
		return err
	}
	if err := WriteFrame(w, byte(OpPeerBatch), &resp); err != nil {
		return err
	}
	return WriteFrame(w, byte(OpDone), nil)
}

func (s *TCPServer) handlePeerObject(ctx context.Context, payload []byte, w *bufio.Writer) error {
	var req PeerObjectRequestPacket
	if err := req.UnmarshalBinary(payload); err != nil {
		if werr := writeErrorStatus(w, &core.ApplicationError{Message: err.Error()}); werr != nil {
			return werr
		}
		return WriteFrame(w, byte(OpDone), nil)
	}
	record, err := s.fetchRecord(ctx, req.ObjectID)
	if err != nil {
		if werr := writeErrorStatus(w, err); werr != nil {
			return werr
		}
		return WriteFrame(w, byte(OpDone), nil)
	}
	if err := writeOKStatus(w); err != nil {
		return err
	}
	if err := WriteFrame(w, byte(OpObject), &ObjectPacket{Record: *record}); err != nil {
		return err
	}
	return WriteFrame(w, byte(OpDone), nil)
}

func (s *TCPServer) fetchRecord(ctx context.Context, objectID string) (*objectstore.ObjectRecord, error) {
	exists, err := s.store.Exists(ctx, objectID)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, &core.NotFoundError{ObjectID: objectID}
	}
	attrs, err := s.store.GetAttributes(ctx, objectID)
	if err != nil {
		return nil, err
	}
	elements, err := s.store.ListElements(ctx, objectID)
	if err != nil {
		return nil, err
	}
	record := &objectstore.ObjectRecord{
		ObjectID:   objectID,
		Attributes: attrs,
		Elements:   make(map[string]map[string]string, len(elements)),
	}
	for _, element := range elements {
		elAttrs, err := s.store.GetElementAttributes(ctx, objectID, element)
		if err != nil {
			if core.IsNotFound(err) {
				continue
			}
			return nil, err
		}
		record.Elements[element] = elAttrs
	}
	return record, nil
}
