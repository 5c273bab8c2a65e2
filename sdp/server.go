/*
NAME
  server.go

DESCRIPTION
  server.go implements the SDP server side: PDU id dispatch for
  ServiceSearch, ServiceAttribute and ServiceSearchAttribute requests
  against the local record database, with continuation-state chunking of
  oversized responses.

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

package sdp

import (
	"encoding/binary"
	"sync"

	"github.com/ausocean/btstack/internal/logging"
	"github.com/ausocean/btstack/internal/transport"
)

// maxResponseChunk bounds how many attribute-list bytes the server packs
// into a single response PDU before handing the remainder out via
// continuation state.
const maxResponseChunk = 512

// Server answers SDP requests against db for the request PDUs a caller
// passes to Handle. It implements OnOpen and OnClose but has no OnData, so
// the caller receives the PDUs from L2CAP and sends Handle's replies.
type Server struct {
	db  *DB
	log logging.Logger

	mu      sync.Mutex
	pending map[uint16]*serverContinuation // channel -> in-flight continuation
}

// serverContinuation holds the remaining bytes of a response too large for
// one PDU, keyed by the channel and transaction that requested it.
type serverContinuation struct {
	txn  uint16
	rest []byte
}

// NewServer returns a Server backed by db.
func NewServer(db *DB, log logging.Logger) *Server {
	if log == nil {
		log = logging.Discard
	}
	return &Server{db: db, log: log, pending: make(map[uint16]*serverContinuation)}
}

// OnOpen implements transport.ChannelHandler.
func (s *Server) OnOpen(channel uint16) {}

// OnClose implements transport.ChannelHandler.
func (s *Server) OnClose(channel uint16) {
	s.mu.Lock()
	delete(s.pending, channel)
	s.mu.Unlock()
}

// Handle processes one inbound request PDU on channel and returns the
// reply bytes to send back (the caller is responsible for the actual
// L2CAP.Send, since Server holds no L2CAP of its own).
func (s *Server) Handle(channel uint16, req []byte) []byte {
	if len(req) < 1 {
		return encodeErrorResponse(0, ErrInvalidPDUSize)
	}
	if len(req) < 3 {
		return encodeErrorResponse(0, ErrInvalidPDUSize)
	}
	txn := binary.BigEndian.Uint16(req[1:3])

	switch req[0] {
	case PDUServiceSearchRequest:
		return s.handleServiceSearch(channel, txn, req)
	case PDUServiceAttributeRequest:
		return s.handleServiceAttribute(channel, txn, req)
	case PDUServiceSearchAttrRequest:
		return s.handleServiceSearchAttribute(channel, txn, req)
	default:
		return encodeErrorResponse(txn, ErrInvalidRequestSyntax)
	}
}

func (s *Server) handleServiceSearch(channel uint16, txn uint16, req []byte) []byte {
	if len(req) < 5 {
		return encodeErrorResponse(txn, ErrInvalidPDUSize)
	}
	patternElem, _, err := Decode(req[5:])
	if err != nil {
		return encodeErrorResponse(txn, ErrInvalidRequestSyntax)
	}
	pattern := collectUUIDs(patternElem)
	records := s.db.Search(pattern)

	buf := make([]byte, 0, 4+len(records)*4)
	for _, r := range records {
		h := make([]byte, 4)
		binary.BigEndian.PutUint32(h, r.Handle)
		buf = append(buf, h...)
	}

	resp := []byte{PDUServiceSearchResponse}
	resp = appendU16(resp, txn)
	params := make([]byte, 0, 4+len(buf))
	params = appendU16(params, uint16(len(records)))
	params = appendU16(params, uint16(len(records)))
	params = append(params, buf...)
	params = append(params, 0) // no continuation.
	resp = appendU16(resp, uint16(len(params)))
	resp = append(resp, params...)
	return resp
}

func (s *Server) handleServiceAttribute(channel uint16, txn uint16, req []byte) []byte {
	if len(req) < 9 {
		return encodeErrorResponse(txn, ErrInvalidPDUSize)
	}
	handle := binary.BigEndian.Uint32(req[5:9])
	r := s.db.Lookup(handle)
	if r == nil {
		return encodeErrorResponse(txn, ErrInvalidServiceRecordHandle)
	}
	attrList := encodeAttributeList(r, nil)
	return s.chunkedResponse(channel, txn, PDUServiceAttributeResponse, attrList)
}

func (s *Server) handleServiceSearchAttribute(channel uint16, txn uint16, req []byte) []byte {
	if len(req) < 5 {
		return encodeErrorResponse(txn, ErrInvalidPDUSize)
	}
	patternElem, n, err := Decode(req[5:])
	if err != nil {
		return encodeErrorResponse(txn, ErrInvalidRequestSyntax)
	}
	pattern := collectUUIDs(patternElem)
	off := 5 + n
	if len(req) < off+2 {
		return encodeErrorResponse(txn, ErrInvalidPDUSize)
	}
	off += 2 // max_attr_bytes, unused: the server applies its own chunk cap.
	if len(req) <= off {
		return encodeErrorResponse(txn, ErrInvalidPDUSize)
	}
	if _, n2, err := Decode(req[off:]); err == nil {
		off += n2
	} else {
		return encodeErrorResponse(txn, ErrInvalidRequestSyntax)
	}
	if len(req) <= off {
		return encodeErrorResponse(txn, ErrInvalidPDUSize)
	}
	contLen := int(req[off])
	off++
	var contState []byte
	if contLen > 0 {
		if len(req) < off+contLen {
			return encodeErrorResponse(txn, ErrInvalidPDUSize)
		}
		contState = req[off : off+contLen]
	}

	if len(contState) > 0 {
		s.mu.Lock()
		pc, ok := s.pending[channel]
		s.mu.Unlock()
		if !ok || pc.txn != txn {
			return encodeErrorResponse(txn, ErrInvalidContinuationState)
		}
		return s.chunkedResponse(channel, txn, PDUServiceSearchAttrResponse, pc.rest)
	}

	records := s.db.Search(pattern)
	wrapped, _ := Encode(nil, wrapRecordSeqs(records))
	return s.chunkedResponse(channel, txn, PDUServiceSearchAttrResponse, wrapped)
}

// wrapRecordSeqs builds the DES(DES(attr,val)*) structure the
// ServiceSearchAttribute response body is specified to contain.
func wrapRecordSeqs(records []*ServiceRecord) Element {
	seqs := make([]Element, 0, len(records))
	for _, r := range records {
		seqs = append(seqs, recordElement(r))
	}
	return NewSequence(seqs...)
}

func recordElement(r *ServiceRecord) Element {
	var kids []Element
	for id, enc := range r.Attributes {
		e, _, err := Decode(enc)
		if err != nil {
			continue
		}
		kids = append(kids, NewUint(uint64(id), 2), e)
	}
	return NewSequence(kids...)
}

func encodeAttributeList(r *ServiceRecord, buf []byte) []byte {
	enc, _ := Encode(buf, recordElement(r))
	return enc
}

// chunkedResponse splits body across one or more response PDUs; only the
// first chunk is returned synchronously, with the remainder stashed for
// follow-up continuation requests on the same channel.
func (s *Server) chunkedResponse(channel uint16, txn uint16, pduID byte, body []byte) []byte {
	n := len(body)
	if n > maxResponseChunk {
		n = maxResponseChunk
	}
	chunk := body[:n]
	rest := body[n:]

	if len(rest) > 0 {
		s.mu.Lock()
		s.pending[channel] = &serverContinuation{txn: txn, rest: rest}
		s.mu.Unlock()
	} else {
		s.mu.Lock()
		delete(s.pending, channel)
		s.mu.Unlock()
	}

	resp := []byte{pduID}
	resp = appendU16(resp, txn)
	params := make([]byte, 0, 2+len(chunk)+5)
	params = appendU16(params, uint16(len(chunk)))
	params = append(params, chunk...)
	if len(rest) > 0 {
		cs := contStateBytes(len(rest))
		params = append(params, byte(len(cs)))
		params = append(params, cs...)
	} else {
		params = append(params, 0)
	}
	resp = appendU16(resp, uint16(len(params)))
	resp = append(resp, params...)
	return resp
}

// contStateBytes encodes the opaque continuation-state token; here simply
// the remaining byte count, since the server retains the actual remainder
// keyed by channel.
func contStateBytes(remaining int) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, uint32(remaining))
	return b
}

func appendU16(buf []byte, v uint16) []byte {
	tmp := make([]byte, 2)
	binary.BigEndian.PutUint16(tmp, v)
	return append(buf, tmp...)
}

func encodeErrorResponse(txn uint16, code ErrorCode) []byte {
	resp := []byte{PDUErrorResponse}
	resp = appendU16(resp, txn)
	params := appendU16(nil, uint16(code))
	resp = appendU16(resp, uint16(len(params)))
	resp = append(resp, params...)
	return resp
}
