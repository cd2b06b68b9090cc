package server

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/EUDAT-DTR/DTR-sub002/core"
	"github.com/EUDAT-DTR/DTR-sub002/objectstore"
	"github.com/EUDAT-DTR/DTR-sub002/syncer"
)

// ProtocolVersion is the wire protocol version stamped on every frame.
const ProtocolVersion byte = 1

// RequestOp identifies a request frame; ResponseOp a response frame.
type RequestOp byte
type ResponseOp byte

const (
	OpSearch           RequestOp = 1
	OpReindex          RequestOp = 2
	OpIndexUpToDate    RequestOp = 3
	OpPeerTransactions RequestOp = 4
	OpPeerObject       RequestOp = 5
)

const (
	OpStatus    ResponseOp = 100
	OpQueryInfo ResponseOp = 101
	OpResult    ResponseOp = 102
	OpPeerBatch ResponseOp = 103
	OpObject    ResponseOp = 104
	// OpDone terminates a response's frame stream.
	OpDone ResponseOp = 109
)

// Frame status codes.
const (
	StatusOK    byte = 1
	StatusError byte = 2
)

const maxFramePayload = 16 << 20

// IPacket is one frame payload.
type IPacket interface {
	MarshalBinary() ([]byte, error)
	UnmarshalBinary(data []byte) error
}

// WriteFrame writes one frame: version, op, payload length, payload.
func WriteFrame(w io.Writer, op byte, payload IPacket) error {
	var body []byte
	var err error
	if payload != nil {
		body, err = payload.MarshalBinary()
		if err != nil {
			return err
		}
	}
	header := make([]byte, 6)
	header[0] = ProtocolVersion
	header[1] = op
	binary.BigEndian.PutUint32(header[2:6], uint32(len(body)))
	if _, err := w.Write(header); err != nil {
		return err
	}
	_, err = w.Write(body)
	return err
}

// ReadFrame reads one frame header and payload.
func ReadFrame(r io.Reader) (op byte, payload []byte, err error) {
	header := make([]byte, 6)
	if _, err := io.ReadFull(r, header); err != nil {
		return 0, nil, err
	}
	if header[0] != ProtocolVersion {
		return 0, nil, fmt.Errorf("unsupported protocol version %d", header[0])
	}
	length := binary.BigEndian.Uint32(header[2:6])
	if length > maxFramePayload {
		return 0, nil, fmt.Errorf("frame payload too large: %d bytes", length)
	}
	payload = make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, err
	}
	return header[1], payload, nil
}

func writeString(buf *bytes.Buffer, s string) {
	lenBytes := make([]byte, 2)
	binary.BigEndian.PutUint16(lenBytes, uint16(len(s)))
	buf.Write(lenBytes)
	buf.WriteString(s)
}

func readString(data []byte, offset int) (string, int, error) {
	if len(data) < offset+2 {
		return "", 0, fmt.Errorf("data too short for string length at offset %d", offset)
	}
	n := int(binary.BigEndian.Uint16(data[offset : offset+2]))
	offset += 2
	if len(data) < offset+n {
		return "", 0, fmt.Errorf("data too short for string content at offset %d", offset)
	}
	return string(data[offset : offset+n]), offset + n, nil
}

func writeUint32(buf *bytes.Buffer, v uint32) {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	buf.Write(b)
}

func readUint32(data []byte, offset int) (uint32, int, error) {
	if len(data) < offset+4 {
		return 0, 0, fmt.Errorf("data too short for uint32 at offset %d", offset)
	}
	return binary.BigEndian.Uint32(data[offset : offset+4]), offset + 4, nil
}

func writeUint64(buf *bytes.Buffer, v uint64) {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	buf.Write(b)
}

func readUint64(data []byte, offset int) (uint64, int, error) {
	if len(data) < offset+8 {
		return 0, 0, fmt.Errorf("data too short for uint64 at offset %d", offset)
	}
	return binary.BigEndian.Uint64(data[offset : offset+8]), offset + 8, nil
}

// SearchRequestPacket carries a search request.
type SearchRequestPacket struct {
	RequestID       string
	Query           string
	ReturnedFields  []string
	SortFields      []core.SortField
	PageSize        uint32
	PageOffset      uint32
	GetTotalMatches bool
	RequireUpToDate bool
	Federate        bool
	CallerID        string
}

func (p *SearchRequestPacket) MarshalBinary() ([]byte, error) {
	buf := new(bytes.Buffer)
	writeString(buf, p.RequestID)
	writeString(buf, p.Query)
	writeString(buf, p.CallerID)
	writeUint32(buf, p.PageSize)
	writeUint32(buf, p.PageOffset)
	var flags byte
	if p.GetTotalMatches {
		flags |= 1
	}
	if p.RequireUpToDate {
		flags |= 2
	}
	if p.Federate {
		flags |= 4
	}
	buf.WriteByte(flags)
	writeUint32(buf, uint32(len(p.ReturnedFields)))
	for _, f := range p.ReturnedFields {
		writeString(buf, f)
	}
	writeUint32(buf, uint32(len(p.SortFields)))
	for _, sf := range p.SortFields {
		writeString(buf, sf.Field)
		if sf.Order == core.SortDescending {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}
	}
	return buf.Bytes(), nil
}

func (p *SearchRequestPacket) UnmarshalBinary(data []byte) error {
	var err error
	offset := 0
	if p.RequestID, offset, err = readString(data, offset); err != nil {
		return err
	}
	if p.Query, offset, err = readString(data, offset); err != nil {
		return err
	}
	if p.CallerID, offset, err = readString(data, offset); err != nil {
		return err
	}
	if p.PageSize, offset, err = readUint32(data, offset); err != nil {
		return err
	}
	if p.PageOffset, offset, err = readUint32(data, offset); err != nil {
		return err
	}
	if len(data) < offset+1 {
		return fmt.Errorf("data too short for flags")
	}
	flags := data[offset]
	offset++
	p.GetTotalMatches = flags&1 != 0
	p.RequireUpToDate = flags&2 != 0
	p.Federate = flags&4 != 0
	var n uint32
	if n, offset, err = readUint32(data, offset); err != nil {
		return err
	}
	p.ReturnedFields = nil
	for i := uint32(0); i < n; i++ {
		var f string
		if f, offset, err = readString(data, offset); err != nil {
			return err
		}
		p.ReturnedFields = append(p.ReturnedFields, f)
	}
	if n, offset, err = readUint32(data, offset); err != nil {
		return err
	}
	p.SortFields = nil
	for i := uint32(0); i < n; i++ {
		var sf core.SortField
		if sf.Field, offset, err = readString(data, offset); err != nil {
			return err
		}
		if len(data) < offset+1 {
			return fmt.Errorf("data too short for sort order")
		}
		if data[offset] == 1 {
			sf.Order = core.SortDescending
		}
		offset++
		p.SortFields = append(p.SortFields, sf)
	}
	return nil
}

// ToRequest converts the packet to the coordinator's request type.
func (p *SearchRequestPacket) ToRequest() core.SearchRequest {
	return core.SearchRequest{
		Query:           p.Query,
		ReturnedFields:  p.ReturnedFields,
		SortFields:      p.SortFields,
		PageSize:        int(p.PageSize),
		PageOffset:      int(p.PageOffset),
		GetTotalMatches: p.GetTotalMatches,
		RequireUpToDate: p.RequireUpToDate,
		Federate:        p.Federate,
		CallerID:        p.CallerID,
	}
}

// ReindexRequestPacket asks for one object to be re-derived; an empty
// object id sweeps the whole index.
type ReindexRequestPacket struct {
	ObjectID string
}

func (p *ReindexRequestPacket) MarshalBinary() ([]byte, error) {
	buf := new(bytes.Buffer)
	writeString(buf, p.ObjectID)
	return buf.Bytes(), nil
}

func (p *ReindexRequestPacket) UnmarshalBinary(data []byte) error {
	var err error
	p.ObjectID, _, err = readString(data, 0)
	return err
}

// StatusPacket opens every response.
type StatusPacket struct {
	Status  byte
	Code    uint32
	Message string
}

func (p *StatusPacket) MarshalBinary() ([]byte, error) {
	buf := new(bytes.Buffer)
	buf.WriteByte(p.Status)
	writeUint32(buf, p.Code)
	writeString(buf, p.Message)
	return buf.Bytes(), nil
}

func (p *StatusPacket) UnmarshalBinary(data []byte) error {
	if len(data) < 1 {
		return fmt.Errorf("data too short for status")
	}
	p.Status = data[0]
	var err error
	offset := 1
	if p.Code, offset, err = readUint32(data, offset); err != nil {
		return err
	}
	p.Message, _, err = readString(data, offset)
	return err
}

// QueryInfoPacket precedes a search's result frames.
type QueryInfoPacket struct {
	HasTotalMatches bool
	TotalMatches    uint64
	HasMore         bool
	More            bool
}

func (p *QueryInfoPacket) MarshalBinary() ([]byte, error) {
	buf := new(bytes.Buffer)
	var flags byte
	if p.HasTotalMatches {
		flags |= 1
	}
	if p.HasMore {
		flags |= 2
	}
	if p.More {
		flags |= 4
	}
	buf.WriteByte(flags)
	writeUint64(buf, p.TotalMatches)
	return buf.Bytes(), nil
}

func (p *QueryInfoPacket) UnmarshalBinary(data []byte) error {
	if len(data) < 1 {
		return fmt.Errorf("data too short for query info flags")
	}
	flags := data[0]
	p.HasTotalMatches = flags&1 != 0
	p.HasMore = flags&2 != 0
	p.More = flags&4 != 0
	var err error
	p.TotalMatches, _, err = readUint64(data, 1)
	return err
}

// ResultPacket is one search hit.
type ResultPacket struct {
	ObjectID string
	RepoID   string
	Score    float64
	Fields   map[string][]string
}

func (p *ResultPacket) MarshalBinary() ([]byte, error) {
	buf := new(bytes.Buffer)
	writeString(buf, p.ObjectID)
	writeString(buf, p.RepoID)
	writeUint64(buf, math.Float64bits(p.Score))
	writeUint32(buf, uint32(len(p.Fields)))
	for name, values := range p.Fields {
		writeString(buf, name)
		writeUint32(buf, uint32(len(values)))
		for _, v := range values {
			writeString(buf, v)
		}
	}
	return buf.Bytes(), nil
}

func (p *ResultPacket) UnmarshalBinary(data []byte) error {
	var err error
	offset := 0
	if p.ObjectID, offset, err = readString(data, offset); err != nil {
		return err
	}
	if p.RepoID, offset, err = readString(data, offset); err != nil {
		return err
	}
	var bits uint64
	if bits, offset, err = readUint64(data, offset); err != nil {
		return err
	}
	p.Score = math.Float64frombits(bits)
	var nFields uint32
	if nFields, offset, err = readUint32(data, offset); err != nil {
		return err
	}
	p.Fields = make(map[string][]string, nFields)
	for i := uint32(0); i < nFields; i++ {
		var name string
		if name, offset, err = readString(data, offset); err != nil {
			return err
		}
		var nValues uint32
		if nValues, offset, err = readUint32(data, offset); err != nil {
			return err
		}
		values := make([]string, 0, nValues)
		for j := uint32(0); j < nValues; j++ {
			var v string
			if v, offset, err = readString(data, offset); err != nil {
				return err
			}
			values = append(values, v)
		}
		p.Fields[name] = values
	}
	return nil
}

// PeerTransactionsRequestPacket carries the consumer's per-server markers.
type PeerTransactionsRequestPacket struct {
	Since map[string]int64
}

func (p *PeerTransactionsRequestPacket) MarshalBinary() ([]byte, error) {
	buf := new(bytes.Buffer)
	writeUint32(buf, uint32(len(p.Since)))
	for server, ts := range p.Since {
		writeString(buf, server)
		writeUint64(buf, uint64(ts))
	}
	return buf.Bytes(), nil
}

func (p *PeerTransactionsRequestPacket) UnmarshalBinary(data []byte) error {
	var err error
	var n uint32
	offset := 0
	if n, offset, err = readUint32(data, offset); err != nil {
		return err
	}
	p.Since = make(map[string]int64, n)
	for i := uint32(0); i < n; i++ {
		var server string
		if server, offset, err = readString(data, offset); err != nil {
			return err
		}
		var ts uint64
		if ts, offset, err = readUint64(data, offset); err != nil {
			return err
		}
		p.Since[server] = int64(ts)
	}
	return nil
}

// PeerTransactionsResponsePacket is the serving repository's stream slice.
type PeerTransactionsResponsePacket struct {
	RepoID       string
	Transactions []syncer.PeerTransaction
}

func (p *PeerTransactionsResponsePacket) MarshalBinary() ([]byte, error) {
	buf := new(bytes.Buffer)
	writeString(buf, p.RepoID)
	writeUint32(buf, uint32(len(p.Transactions)))
	for _, ptx := range p.Transactions {
		writeString(buf, ptx.ServerID)
		writeUint64(buf, uint64(ptx.Tx.Timestamp))
		writeString(buf, ptx.Tx.ObjectID)
		buf.WriteByte(byte(ptx.Tx.Action))
	}
	return buf.Bytes(), nil
}

func (p *PeerTransactionsResponsePacket) UnmarshalBinary(data []byte) error {
	var err error
	offset := 0
	if p.RepoID, offset, err = readString(data, offset); err != nil {
		return err
	}
	var n uint32
	if n, offset, err = readUint32(data, offset); err != nil {
		return err
	}
	p.Transactions = nil
	for i := uint32(0); i < n; i++ {
		var ptx syncer.PeerTransaction
		if ptx.ServerID, offset, err = readString(data, offset); err != nil {
			return err
		}
		var ts uint64
		if ts, offset, err = readUint64(data, offset); err != nil {
			return err
		}
		ptx.Tx.Timestamp = int64(ts)
		if ptx.Tx.ObjectID, offset, err = readString(data, offset); err != nil {
			return err
		}
		if len(data) < offset+1 {
			return fmt.Errorf("data too short for action")
		}
		ptx.Tx.Action = core.Action(data[offset])
		offset++
		p.Transactions = append(p.Transactions, ptx)
	}
	return nil
}

// PeerObjectRequestPacket fetches one whole object.
type PeerObjectRequestPacket struct {
	ObjectID string
}

func (p *PeerObjectRequestPacket) MarshalBinary() ([]byte, error) {
	buf := new(bytes.Buffer)
	writeString(buf, p.ObjectID)
	return buf.Bytes(), nil
}

func (p *PeerObjectRequestPacket) UnmarshalBinary(data []byte) error {
	var err error
	p.ObjectID, _, err = readString(data, 0)
	return err
}

// ObjectPacket is one whole object record.
type ObjectPacket struct {
	Record objectstore.ObjectRecord
}

func (p *ObjectPacket) MarshalBinary() ([]byte, error) {
	buf := new(bytes.Buffer)
	writeString(buf, p.Record.ObjectID)
	writeUint32(buf, uint32(len(p.Record.Attributes)))
	for name, value := range p.Record.Attributes {
		writeString(buf, name)
		writeString(buf, value)
	}
	writeUint32(buf, uint32(len(p.Record.Elements)))
	for element, attrs := range p.Record.Elements {
		writeString(buf, element)
		writeUint32(buf, uint32(len(attrs)))
		for name, value := range attrs {
			writeString(buf, name)
			writeString(buf, value)
		}
	}
	return buf.Bytes(), nil
}

func (p *ObjectPacket) UnmarshalBinary(data []byte) error {
	var err error
	offset := 0
	if p.Record.ObjectID, offset, err = readString(data, offset); err != nil {
		return err
	}
	var nAttrs uint32
	if nAttrs, offset, err = readUint32(data, offset); err != nil {
		return err
	}
	p.Record.Attributes = make(map[string]string, nAttrs)
	for i := uint32(0); i < nAttrs; i++ {
		var name, value string
		if name, offset, err = readString(data, offset); err != nil {
			return err
		}
		if value, offset, err = readString(data, offset); err != nil {
			return err
		}
		p.Record.Attributes[name] = value
	}
	var nElements uint32
	if nElements, offset, err = readUint32(data, offset); err != nil {
		return err
	}
	p.Record.Elements = make(map[string]map[string]string, nElements)
	for i := uint32(0); i < nElements; i++ {
		var element string
		if element, offset, err = readString(data, offset); err != nil {
			return err
		}
		var nElAttrs uint32
		if nElAttrs, offset, err = readUint32(data, offset); err != nil {
			return err
		}
		attrs := make(map[string]string, nElAttrs)
		for j := uint32(0); j < nElAttrs; j++ {
			var name, value string
			if name, offset, err = readString(data, offset); err != nil {
				return err
			}
			if value, offset, err = readString(data, offset); err != nil {
				return err
			}
			attrs[name] = value
		}
		p.Record.Elements[element] = attrs
	}
	return nil
}
