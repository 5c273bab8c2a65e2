/*
NAME
  client.go

DESCRIPTION
  client.go implements the SDP client side: ServiceSearchAttribute request
  dispatch with continuation-state accumulation, a per-peer serialized
  query queue, and a bounded-TTL result cache.

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

package sdp

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/ausocean/btstack/internal/logging"
	"github.com/ausocean/btstack/internal/transport"
)

// PDU ids used on the wire.
const (
	PDUErrorResponse              byte = 0x01
	PDUServiceSearchRequest       byte = 0x02
	PDUServiceSearchResponse      byte = 0x03
	PDUServiceAttributeRequest    byte = 0x04
	PDUServiceAttributeResponse   byte = 0x05
	PDUServiceSearchAttrRequest   byte = 0x06
	PDUServiceSearchAttrResponse  byte = 0x07
)

// DefaultCacheTTL is the default lifetime of a cached query result.
const DefaultCacheTTL = 60 * time.Second

// AttrIDRangeAll is the {0x0000, 0xFFFF} attribute range requested when a
// caller wants every attribute a record carries.
var AttrIDRangeAll = NewSequence(NewUint(0x0000FFFF, 4))

func attrIDRangeElement() Element {
	// A single uint32 element with the high 16 bits as the range start and
	// the low 16 bits as the range end encodes the whole 0x0000-0xFFFF
	// range in one attribute id range entry, per the SDP attribute ID
	// list convention.
	return NewUint(0x0000FFFF, 4)
}

type cacheKey struct {
	peer    transport.ConnHandle
	pattern string
}

type cacheEntry struct {
	records []*ServiceRecord
	expires time.Time
}

// pendingQuery tracks one in-flight ServiceSearchAttribute exchange on a
// peer's channel.
type pendingQuery struct {
	txn      uint16
	pattern  [][]byte
	accum    []byte
	done     chan queryResult
}

type queryResult struct {
	records []*ServiceRecord
	err     error
}

// peerState is per-peer SDP client state: a dedicated channel and a
// serialized queue of queries.
type peerState struct {
	mu      sync.Mutex
	channel uint16
	pending *pendingQuery
	queue   []func()
	nextTxn uint16
}

// Client is the SDP client: it issues ServiceSearchAttribute queries over
// a per-peer L2CAP channel opened at PSM 0x0001, accumulating continuation
// chunks and caching decoded results.
type Client struct {
	l2cap  transport.L2CAP
	log    logging.Logger
	ttl    time.Duration

	mu    sync.Mutex
	peers map[transport.ConnHandle]*peerState
	cache map[cacheKey]cacheEntry
}

// NewClient returns a Client using l2cap for transport and log for
// diagnostics, with the default cache TTL.
func NewClient(l2cap transport.L2CAP, log logging.Logger) *Client {
	if log == nil {
		log = logging.Discard
	}
	return &Client{
		l2cap: l2cap,
		log:   log,
		ttl:   DefaultCacheTTL,
		peers: make(map[transport.ConnHandle]*peerState),
		cache: make(map[cacheKey]cacheEntry),
	}
}

// SetCacheTTL overrides the default 60s cache TTL.
func (c *Client) SetCacheTTL(d time.Duration) { c.ttl = d }

func patternKey(pattern [][]byte) string {
	parts := make([]string, len(pattern))
	for i, u := range pattern {
		parts[i] = hex.EncodeToString(u)
	}
	return strings.Join(parts, ",")
}

// Search issues a ServiceSearchAttribute query for every record matching
// pattern on the peer reachable via conn, serialized behind any other
// queries already outstanding to the same peer. A cache hit short-circuits
// the round trip entirely.
func (c *Client) Search(ctx context.Context, conn transport.ConnHandle, pattern [][]byte) ([]*ServiceRecord, error) {
	key := cacheKey{peer: conn, pattern: patternKey(pattern)}

	c.mu.Lock()
	if e, ok := c.cache[key]; ok && time.Now().Before(e.expires) {
		c.mu.Unlock()
		return e.records, nil
	}
	ps, ok := c.peers[conn]
	if !ok {
		ps = &peerState{}
		c.peers[conn] = ps
	}
	c.mu.Unlock()

	resultCh := make(chan queryResult, 1)
	c.enqueue(ctx, conn, ps, pattern, resultCh)

	select {
	case res := <-resultCh:
		if res.err != nil {
			return nil, res.err
		}
		c.mu.Lock()
		c.cache[key] = cacheEntry{records: res.records, expires: time.Now().Add(c.ttl)}
		c.mu.Unlock()
		return res.records, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// enqueue appends a query job for peer ps, running it immediately if the
// queue was empty (serializing it behind any job already running
// otherwise).
func (c *Client) enqueue(ctx context.Context, conn transport.ConnHandle, ps *peerState, pattern [][]byte, resultCh chan queryResult) {
	job := func() { c.runQuery(ctx, conn, ps, pattern, resultCh) }

	ps.mu.Lock()
	running := len(ps.queue) > 0 || ps.pending != nil
	ps.queue = append(ps.queue, job)
	ps.mu.Unlock()

	if !running {
		c.drainQueue(ps)
	}
}

func (c *Client) drainQueue(ps *peerState) {
	for {
		ps.mu.Lock()
		if len(ps.queue) == 0 {
			ps.mu.Unlock()
			return
		}
		job := ps.queue[0]
		ps.queue = ps.queue[1:]
		ps.mu.Unlock()
		job()
	}
}

// runQuery opens the peer's SDP channel on first use, sends the initial
// ServiceSearchAttribute PDU, and blocks until OnData has accumulated the
// full response (cont_state_len == 0) or the channel closes tears it down.
func (c *Client) runQuery(ctx context.Context, conn transport.ConnHandle, ps *peerState, pattern [][]byte, resultCh chan queryResult) {
	ps.mu.Lock()
	if ps.channel == 0 {
		ps.mu.Unlock()
		channel, err := c.l2cap.OpenChannel(ctx, conn, transport.PSMSDP)
		if err != nil {
			resultCh <- queryResult{err: errors.Wrap(err, "sdp: opening client channel")}
			return
		}
		ps.mu.Lock()
		ps.channel = channel
	}
	txn := ps.nextTxn
	ps.nextTxn++
	pq := &pendingQuery{txn: txn, pattern: pattern, done: make(chan queryResult, 1)}
	ps.pending = pq
	channel := ps.channel
	ps.mu.Unlock()

	req := buildServiceSearchAttrRequest(txn, pattern, nil)
	if err := c.l2cap.Send(channel, req); err != nil {
		resultCh <- queryResult{err: errors.Wrap(err, "sdp: sending query")}
		return
	}

	select {
	case res := <-pq.done:
		resultCh <- res
	case <-ctx.Done():
		resultCh <- queryResult{err: ctx.Err()}
	}

	ps.mu.Lock()
	ps.pending = nil
	empty := len(ps.queue) == 0
	if empty {
		ch := ps.channel
		ps.channel = 0
		ps.mu.Unlock()
		if ch != 0 {
			_ = c.l2cap.Close(ch)
		}
		return
	}
	ps.mu.Unlock()
}

// OnData implements transport.ChannelHandler: it demultiplexes inbound
// ServiceSearchAttribute responses, accumulating continuation chunks until
// the continuation state is empty, then decodes the full record list and
// completes the corresponding pending query.
func (c *Client) OnData(channel uint16, b []byte) {
	conn, ps := c.findPeerByChannel(channel)
	if ps == nil {
		c.log.Log(logging.Warning, "sdp: data on unbound client channel", "channel", channel)
		return
	}
	ps.mu.Lock()
	pq := ps.pending
	ps.mu.Unlock()
	if pq == nil {
		return
	}

	records, done, followup, err := c.acceptResponseChunk(pq, b)
	if err != nil {
		pq.done <- queryResult{err: err}
		return
	}
	if !done {
		if followup != nil {
			if err := c.l2cap.Send(channel, followup); err != nil {
				pq.done <- queryResult{err: errors.Wrap(err, "sdp: sending continuation request")}
			}
		}
		return
	}
	_ = conn
	pq.done <- queryResult{records: records}
}

// OnOpen implements transport.ChannelHandler.
func (c *Client) OnOpen(channel uint16) {}

// OnClose implements transport.ChannelHandler: any query still pending on
// this channel fails with a transport error per the SDP query timeout
// taxonomy.
func (c *Client) OnClose(channel uint16) {
	_, ps := c.findPeerByChannel(channel)
	if ps == nil {
		return
	}
	ps.mu.Lock()
	pq := ps.pending
	ps.channel = 0
	ps.mu.Unlock()
	if pq != nil {
		pq.done <- queryResult{err: newProtocolError(ErrInsufficientResources, "sdp: channel closed mid-query")}
	}
}

func (c *Client) findPeerByChannel(channel uint16) (transport.ConnHandle, *peerState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for conn, ps := range c.peers {
		ps.mu.Lock()
		ch := ps.channel
		ps.mu.Unlock()
		if ch == channel {
			return conn, ps
		}
	}
	return 0, nil
}

// acceptResponseChunk parses one ServiceSearchAttributeResponse PDU,
// appends its attribute-list chunk to pq's accumulator, and reports
// whether the continuation state is now empty (response complete). When
// more chunks remain, it also returns the encoded follow-up request.
func (c *Client) acceptResponseChunk(pq *pendingQuery, b []byte) (records []*ServiceRecord, done bool, followup []byte, err error) {
	if len(b) < 1 {
		return nil, false, nil, errors.New("sdp: empty response PDU")
	}
	if b[0] == PDUErrorResponse {
		return nil, false, nil, parseErrorResponse(b)
	}
	if b[0] != PDUServiceSearchAttrResponse {
		return nil, false, nil, errors.Errorf("sdp: unexpected PDU id %#02x in response", b[0])
	}
	if len(b) < 7 {
		return nil, false, nil, errors.New("sdp: truncated ServiceSearchAttributeResponse header")
	}
	// b[1:3] txn, b[3:5] param length (unused directly; we trust chunk
	// framing below), b[5:7] attribute-list byte count.
	chunkLen := int(binary.BigEndian.Uint16(b[5:7]))
	off := 7
	if len(b) < off+chunkLen {
		return nil, false, nil, errors.New("sdp: truncated attribute-list chunk")
	}
	pq.accum = append(pq.accum, b[off:off+chunkLen]...)
	off += chunkLen

	if off >= len(b) {
		return nil, false, nil, errors.New("sdp: missing continuation-state length")
	}
	contLen := int(b[off])
	off++
	if contLen == 0 {
		recs, perr := decodeRecordList(pq.accum)
		if perr != nil {
			return nil, false, nil, perr
		}
		return recs, true, nil, nil
	}
	if len(b) < off+contLen {
		return nil, false, nil, errors.New("sdp: truncated continuation state")
	}
	contState := b[off : off+contLen]
	follow := buildServiceSearchAttrRequest(pq.txn, pq.pattern, contState)
	return nil, false, follow, nil
}

func parseErrorResponse(b []byte) error {
	if len(b) < 5 {
		return errors.New("sdp: truncated error response")
	}
	code := ErrorCode(binary.BigEndian.Uint16(b[3:5]))
	return newProtocolError(code, "sdp: server returned error response")
}

// buildServiceSearchAttrRequest encodes the ServiceSearchAttribute request
// PDU: [0x06][txn:u16][len:u16] DES(pattern) [max_attr_bytes:u16]
// DES(attr_id_range) [cont_state_len][cont_state].
func buildServiceSearchAttrRequest(txn uint16, pattern [][]byte, contState []byte) []byte {
	patternElems := make([]Element, len(pattern))
	for i, u := range pattern {
		patternElems[i] = NewUUID(u)
	}
	patternElem := NewSequence(patternElems...)

	var params []byte
	params, _ = Encode(params, patternElem)
	maxAttrBytes := make([]byte, 2)
	binary.BigEndian.PutUint16(maxAttrBytes, 0xFFFF)
	params = append(params, maxAttrBytes...)
	params, _ = Encode(params, NewSequence(attrIDRangeElement()))
	params = append(params, byte(len(contState)))
	params = append(params, contState...)

	buf := make([]byte, 0, 5+len(params))
	buf = append(buf, PDUServiceSearchAttrRequest)
	txnB := make([]byte, 2)
	binary.BigEndian.PutUint16(txnB, txn)
	buf = append(buf, txnB...)
	lenB := make([]byte, 2)
	binary.BigEndian.PutUint16(lenB, uint16(len(params)))
	buf = append(buf, lenB...)
	buf = append(buf, params...)
	return buf
}

// decodeRecordList parses the accumulated attribute-list bytes: a
// sequence of per-record sequences, each a flat list of (attr_id, value)
// element pairs.
func decodeRecordList(buf []byte) ([]*ServiceRecord, error) {
	outer, _, err := Decode(buf)
	if err != nil {
		return nil, errors.Wrap(err, "sdp: decoding accumulated record list")
	}
	var records []*ServiceRecord
	for _, recElem := range outer.Seq {
		r := &ServiceRecord{Attributes: make(map[uint16][]byte)}
		for i := 0; i+1 < len(recElem.Seq); i += 2 {
			idElem := recElem.Seq[i]
			valElem := recElem.Seq[i+1]
			enc, err := Encode(nil, valElem)
			if err != nil {
				return nil, errors.Wrap(err, "sdp: re-encoding attribute value")
			}
			r.Attributes[uint16(idElem.Uint)] = enc
		}
		r.decodeConvenience()
		records = append(records, r)
	}
	return records, nil
}
