package server

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net"

	"github.com/google/uuid"

	"github.com/EUDAT-DTR/DTR-sub002/core"
	"github.com/EUDAT-DTR/DTR-sub002/objectstore"
	"github.com/EUDAT-DTR/DTR-sub002/syncer"
)

// PeerClient talks the framed protocol to federation targets. It is both
// the search coordinator's fan-out transport and the sync engine's peer
// dialer.
type PeerClient struct {
	dialer net.Dialer
	logger *slog.Logger
}

func NewPeerClient(logger *slog.Logger) *PeerClient {
	if logger == nil {
		logger = slog.Default()
	}
	return &PeerClient{logger: logger.With("component", "PeerClient")}
}

// statusToError rebuilds the typed error a peer's error status encodes.
func statusToError(status *StatusPacket) error {
	switch status.Code {
	case core.CodeApplicationError:
		return &core.ApplicationError{Message: status.Message}
	case core.CodeNotFound:
		return &core.NotFoundError{ObjectID: status.Message}
	case core.CodeOperationNotAvailable:
		return &core.OperationNotAvailableError{Operation: status.Message}
	default:
		return &core.StorageError{Op: "peer request", Err: fmt.Errorf("%s", status.Message)}
	}
}

func (c *PeerClient) connect(ctx context.Context, address string) (net.Conn, error) {
	conn, err := c.dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", address, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}
	return conn, nil
}

// roundTrip sends one request frame and reads the opening status frame.
// The buffered reader must be the connection's only reader; read-ahead
// bytes belong to it.
func roundTrip(w *bufio.Writer, r *bufio.Reader, op RequestOp, req IPacket) error {
	if err := WriteFrame(w, byte(op), req); err != nil {
		return err
	}
	if err := w.Flush(); err != nil {
		return err
	}
	frameOp, payload, err := ReadFrame(r)
	if err != nil {
		return err
	}
	if ResponseOp(frameOp) != OpStatus {
		return fmt.Errorf("expected status frame, got op %d", frameOp)
	}
	var status StatusPacket
	if err := status.UnmarshalBinary(payload); err != nil {
		return err
	}
	if status.Status != StatusOK {
		return statusToError(&status)
	}
	return nil
}

// Search dispatches one sub-search to a peer and streams its records into
// the sink.
func (c *PeerClient) Search(ctx context.Context, address string, req core.SearchRequest, sink core.ResultSink) error {
	conn, err := c.connect(ctx, address)
	if err != nil {
		return err
	}
	defer conn.Close()

	pkt := &SearchRequestPacket{
		RequestID:       uuid.NewString(),
		Query:           req.Query,
		ReturnedFields:  req.ReturnedFields,
		SortFields:      req.SortFields,
		PageSize:        uint32(req.PageSize),
		PageOffset:      uint32(req.PageOffset),
		GetTotalMatches: req.GetTotalMatches,
		RequireUpToDate: req.RequireUpToDate,
		Federate:        req.Federate,
		CallerID:        req.CallerID,
	}
	w := bufio.NewWriter(conn)
	r := bufio.NewReader(conn)
	if err := roundTrip(w, r, OpSearch, pkt); err != nil {
		return err
	}
	for {
		op, payload, err := ReadFrame(r)
		if err != nil {
			return err
		}
		switch ResponseOp(op) {
		case OpQueryInfo:
			var info QueryInfoPacket
			if err := info.UnmarshalBinary(payload); err != nil {
				return err
			}
			if err := sink.Info(core.QueryInfo{
				TotalMatches:    int(info.TotalMatches),
				HasTotalMatches: info.HasTotalMatches,
				More:            info.More,
				HasMore:         info.HasMore,
			}); err != nil {
				return err
			}
		case OpResult:
			var result ResultPacket
			if err := result.UnmarshalBinary(payload); err != nil {
				return err
			}
			if err := sink.Hit(core.SearchHit{
				ObjectID: result.ObjectID,
				RepoID:   result.RepoID,
				Score:    result.Score,
				Fields:   result.Fields,
			}); err != nil {
				return err
			}
		case OpDone:
			return nil
		default:
			return fmt.Errorf("unexpected frame op %d in search response", op)
		}
	}
}

// Dial opens a peer connection for the sync engine's federation sweep.
func (c *PeerClient) Dial(ctx context.Context, address string) (syncer.Peer, error) {
	conn, err := c.connect(ctx, address)
	if err != nil {
		return nil, err
	}
	return &peerConn{
		conn: conn,
		r:    bufio.NewReader(conn),
		w:    bufio.NewWriter(conn),
	}, nil
}

type peerConn struct {
	conn net.Conn
	r    *bufio.Reader
	w    *bufio.Writer
}

func (p *peerConn) Close() error { return p.conn.Close() }

// readUntilDone reads one body frame of the given op, then the done frame.
func readUntilDone(r *bufio.Reader, want ResponseOp, body IPacket) error {
	op, payload, err := ReadFrame(r)
	if err != nil {
		return err
	}
	if ResponseOp(op) != want {
		return fmt.Errorf("expected frame op %d, got %d", want, op)
	}
	if err := body.UnmarshalBinary(payload); err != nil {
		return err
	}
	op, _, err = ReadFrame(r)
	if err != nil {
		return err
	}
	if ResponseOp(op) != OpDone {
		return fmt.Errorf("expected done frame, got op %d", op)
	}
	return nil
}

func (p *peerConn) Pull(ctx context.Context, since map[string]int64) (string, []syncer.PeerTransaction, error) {
	if deadline, ok := ctx.Deadline(); ok {
		p.conn.SetDeadline(deadline)
	}
	if err := roundTrip(p.w, p.r, OpPeerTransactions, &PeerTransactionsRequestPacket{Since: since}); err != nil {
		return "", nil, err
	}
	var resp PeerTransactionsResponsePacket
	if err := readUntilDone(p.r, OpPeerBatch, &resp); err != nil {
		return "", nil, err
	}
	return resp.RepoID, resp.Transactions, nil
}

func (p *peerConn) FetchObject(ctx context.Context, objectID string) (*objectstore.ObjectRecord, error) {
	if deadline, ok := ctx.Deadline(); ok {
		p.conn.SetDeadline(deadline)
	}
	if err := roundTrip(p.w, p.r, OpPeerObject, &PeerObjectRequestPacket{ObjectID: objectID}); err != nil {
		return nil, err
	}
	var resp ObjectPacket
	if err := readUntilDone(p.r, OpObject, &resp); err != nil {
		return nil, err
	}
	return &resp.Record, nil
}
