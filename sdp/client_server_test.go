package sdp

import (
	"strings"
	"testing"
)

func manyRecords(n int) *DB {
	db := NewDB()
	for i := 0; i < n; i++ {
		r := &ServiceRecord{}
		r.SetAttribute(AttrServiceClassIDList, NewSequence(NewUUID([]byte{0x11, 0x01})))
		r.SetAttribute(AttrServiceName, NewText(strings.Repeat("x", 64)))
		db.Register(r)
	}
	return db
}

// TestServiceSearchAttributeSingleChunk checks a small result fits in one
// response PDU (no continuation).
func TestServiceSearchAttributeSingleChunk(t *testing.T) {
	db := manyRecords(1)
	server := NewServer(db, nil)
	client := NewClient(nil, nil)

	req := buildServiceSearchAttrRequest(1, nil, nil)
	resp := server.Handle(0x41, req)

	pq := &pendingQuery{txn: 1, pattern: nil}
	records, done, followup, err := client.acceptResponseChunk(pq, resp)
	if err != nil {
		t.Fatalf("acceptResponseChunk: %v", err)
	}
	if !done || followup != nil {
		t.Fatalf("expected a complete response in one chunk")
	}
	if len(records) != 1 {
		t.Fatalf("got %d records, want 1", len(records))
	}
}

// TestServiceSearchAttributeContinuation checks that a result too large
// for one response PDU is accumulated across continuation round-trips
// until cont_state_len == 0, per the SDP continuation-state protocol.
func TestServiceSearchAttributeContinuation(t *testing.T) {
	db := manyRecords(40) // large enough to exceed maxResponseChunk.
	server := NewServer(db, nil)
	client := NewClient(nil, nil)

	req := buildServiceSearchAttrRequest(7, nil, nil)
	resp := server.Handle(0x41, req)

	pq := &pendingQuery{txn: 7, pattern: nil}
	var records []*ServiceRecord
	rounds := 0
	for {
		rounds++
		if rounds > 1000 {
			t.Fatal("continuation loop did not converge")
		}
		recs, done, followup, err := client.acceptResponseChunk(pq, resp)
		if err != nil {
			t.Fatalf("acceptResponseChunk round %d: %v", rounds, err)
		}
		if done {
			records = recs
			break
		}
		if followup == nil {
			t.Fatalf("round %d: not done but no followup request produced", rounds)
		}
		resp = server.Handle(0x41, followup)
	}
	if rounds < 2 {
		t.Fatalf("expected continuation to span multiple response PDUs, got %d round(s)", rounds)
	}
	if len(records) != 40 {
		t.Fatalf("got %d records after continuation, want 40", len(records))
	}
}

// TestServerRejectsUnknownHandle checks the invalid-service-handle error
// mapping.
func TestServerRejectsUnknownHandle(t *testing.T) {
	db := NewDB()
	server := NewServer(db, nil)

	req := []byte{PDUServiceAttributeRequest, 0, 9, 0, 0, 0, 0, 0, 0}
	resp := server.Handle(0x41, req)
	if resp[0] != PDUErrorResponse {
		t.Fatalf("PDU id = %#02x, want error response", resp[0])
	}
}

// TestServerRejectsShortRequest checks the invalid-PDU-size error mapping.
func TestServerRejectsShortRequest(t *testing.T) {
	db := NewDB()
	server := NewServer(db, nil)
	resp := server.Handle(0x41, []byte{PDUServiceSearchRequest})
	if resp[0] != PDUErrorResponse {
		t.Fatalf("PDU id = %#02x, want error response", resp[0])
	}
}
