/*
NAME
  record.go

DESCRIPTION
  record.go implements ServiceRecord and the service record database: an
  attribute map protected for concurrent access, monotonic handle
  allocation, and UUID pattern search.

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

package sdp

import (
	"bytes"
	"sync"

	"github.com/pkg/errors"
)

// Well-known attribute IDs (Bluetooth Assigned Numbers).
const (
	AttrServiceRecordHandle     uint16 = 0x0000
	AttrServiceClassIDList      uint16 = 0x0001
	AttrServiceID               uint16 = 0x0003
	AttrProtocolDescriptorList  uint16 = 0x0004
	AttrBrowseGroupList         uint16 = 0x0005
	AttrBluetoothProfileDescriptorList uint16 = 0x0009
	AttrServiceName             uint16 = 0x0100 // offset by language base, simplified here.
)

// HandleServerRecord is the reserved handle for the SDP server's own
// service record.
const HandleServerRecord uint32 = 0x00000000

// firstAllocatableHandle is the first handle allocated to a registered
// record.
const firstAllocatableHandle uint32 = 0x00010000

// ServiceRecord is an attribute map plus decoded convenience fields.
type ServiceRecord struct {
	Handle uint32

	// Attributes maps a 16-bit attribute ID to its already-encoded data
	// element bytes, as stored and transmitted on the wire.
	Attributes map[uint16][]byte

	// Decoded convenience fields, derived from Attributes when the
	// record is registered.
	ServiceClasses     [][]byte // raw UUID bytes
	ProtocolUUIDs      [][]byte
	ProfileDescriptors [][]byte
	BrowseGroups       [][]byte
	RFCOMMChannel      uint8
	HasRFCOMMChannel   bool
	L2CAPPSM           uint16
	HasL2CAPPSM        bool
	GOEPPSM            uint16
	HasGOEPPSM         bool
	Names              []string
}

// SetAttribute encodes e and stores it under id, and is the only way
// production code should populate a record's wire attributes (decoded
// convenience fields are derived separately by decodeConvenience).
func (r *ServiceRecord) SetAttribute(id uint16, e Element) error {
	enc, err := Encode(nil, e)
	if err != nil {
		return errors.Wrapf(err, "sdp: encoding attribute %#04x", id)
	}
	if r.Attributes == nil {
		r.Attributes = make(map[uint16][]byte)
	}
	r.Attributes[id] = enc
	return nil
}

// decodeConvenience rebuilds the decoded convenience fields from
// Attributes; called whenever a record is registered or its attributes
// change.
func (r *ServiceRecord) decodeConvenience() {
	r.ServiceClasses = nil
	r.ProtocolUUIDs = nil
	r.ProfileDescriptors = nil
	r.BrowseGroups = nil
	r.HasRFCOMMChannel = false
	r.HasL2CAPPSM = false
	r.HasGOEPPSM = false
	r.Names = nil

	if b, ok := r.Attributes[AttrServiceClassIDList]; ok {
		if e, _, err := Decode(b); err == nil {
			r.ServiceClasses = collectUUIDs(e)
		}
	}
	if b, ok := r.Attributes[AttrBrowseGroupList]; ok {
		if e, _, err := Decode(b); err == nil {
			r.BrowseGroups = collectUUIDs(e)
		}
	}
	if b, ok := r.Attributes[AttrBluetoothProfileDescriptorList]; ok {
		if e, _, err := Decode(b); err == nil {
			r.ProfileDescriptors = collectUUIDs(e)
		}
	}
	if b, ok := r.Attributes[AttrProtocolDescriptorList]; ok {
		if e, _, err := Decode(b); err == nil {
			r.decodeProtocolList(e)
		}
	}
	for id, b := range r.Attributes {
		if id < AttrServiceName {
			continue
		}
		if e, _, err := Decode(b); err == nil && e.Type == TypeText {
			r.Names = append(r.Names, e.Text)
		}
	}
}

// decodeProtocolList walks a ProtocolDescriptorList element (a sequence of
// sequences, each starting with a protocol UUID) pulling out the protocol
// UUIDs plus RFCOMM channel / L2CAP / GOEP PSM parameters when present.
func (r *ServiceRecord) decodeProtocolList(e Element) {
	for _, proto := range e.Seq {
		if len(proto.Seq) == 0 {
			continue
		}
		head := proto.Seq[0]
		if head.Type != TypeUUID {
			continue
		}
		r.ProtocolUUIDs = append(r.ProtocolUUIDs, head.UUID)
		if len(proto.Seq) < 2 {
			continue
		}
		param := proto.Seq[1]
		switch {
		case isL2CAPUUID(head.UUID):
			r.L2CAPPSM = uint16(param.Uint)
			r.HasL2CAPPSM = true
		case isRFCOMMUUID(head.UUID):
			r.RFCOMMChannel = uint8(param.Uint)
			r.HasRFCOMMChannel = true
		case isGOEPUUID(head.UUID):
			r.GOEPPSM = uint16(param.Uint)
			r.HasGOEPPSM = true
		}
	}
}

var (
	uuidL2CAP = []byte{0x01, 0x00}
	uuidRFCOMM = []byte{0x00, 0x03}
	uuidOBEX  = []byte{0x00, 0x08}
)

func isL2CAPUUID(u []byte) bool  { return bytes.Equal(u, uuidL2CAP) }
func isRFCOMMUUID(u []byte) bool { return bytes.Equal(u, uuidRFCOMM) }
func isGOEPUUID(u []byte) bool   { return bytes.Equal(u, uuidOBEX) }

func collectUUIDs(e Element) [][]byte {
	var out [][]byte
	switch e.Type {
	case TypeUUID:
		out = append(out, e.UUID)
	case TypeSequence, TypeAlternative:
		for _, child := range e.Seq {
			out = append(out, collectUUIDs(child)...)
		}
	}
	return out
}

// matchesUUID reports whether u appears anywhere in r's service classes,
// protocol UUIDs, or profile descriptor keys.
func (r *ServiceRecord) matchesUUID(u []byte) bool {
	for _, list := range [][][]byte{r.ServiceClasses, r.ProtocolUUIDs, r.ProfileDescriptors} {
		for _, candidate := range list {
			if bytes.Equal(candidate, u) {
				return true
			}
		}
	}
	return false
}

// Matches reports whether r matches every UUID in pattern (an empty
// pattern matches every record, per the SDP pattern idempotence
// invariant).
func (r *ServiceRecord) Matches(pattern [][]byte) bool {
	for _, u := range pattern {
		if !r.matchesUUID(u) {
			return false
		}
	}
	return true
}

// DB is the handle->ServiceRecord map, protected for concurrent access
// with read-dominant locking: lookups and searches take the read lock,
// register/unregister take the write lock.
type DB struct {
	mu      sync.RWMutex
	records map[uint32]*ServiceRecord
	next    uint32
}

// NewDB returns an empty database, with the reserved server record handle
// already excluded from allocation.
func NewDB() *DB {
	return &DB{records: make(map[uint32]*ServiceRecord), next: firstAllocatableHandle}
}

// Register assigns r a new monotonic handle (overwriting any handle r
// already carries), decodes its convenience fields, and inserts it.
func (d *DB) Register(r *ServiceRecord) uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	r.Handle = d.next
	d.next++
	r.decodeConvenience()
	if err := r.SetAttribute(AttrServiceRecordHandle, NewUint(uint64(r.Handle), 4)); err == nil {
		// Attribute re-set above already updated r.Attributes; nothing
		// further to do.
	}
	d.records[r.Handle] = r
	return r.Handle
}

// RegisterServerRecord installs the SDP server's own record at the
// reserved handle 0x00000000.
func (d *DB) RegisterServerRecord(r *ServiceRecord) {
	d.mu.Lock()
	defer d.mu.Unlock()
	r.Handle = HandleServerRecord
	r.decodeConvenience()
	d.records[r.Handle] = r
}

// Unregister removes the record at handle, if present.
func (d *DB) Unregister(handle uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.records, handle)
}

// Lookup returns the record at handle, or nil if none.
func (d *DB) Lookup(handle uint32) *ServiceRecord {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.records[handle]
}

// Search returns every record matching pattern (a set of UUIDs; a record
// matches if every pattern UUID appears in its service-class, protocol, or
// profile-descriptor lists). An empty pattern matches every record.
func (d *DB) Search(pattern [][]byte) []*ServiceRecord {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var out []*ServiceRecord
	for _, r := range d.records {
		if r.Matches(pattern) {
			out = append(out, r)
		}
	}
	return out
}
