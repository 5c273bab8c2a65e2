package sdp

import "testing"

func sppRecord() *ServiceRecord {
	r := &ServiceRecord{}
	r.SetAttribute(AttrServiceClassIDList, NewSequence(NewUUID([]byte{0x11, 0x01})))
	r.SetAttribute(AttrProtocolDescriptorList, NewSequence(
		NewSequence(NewUUID(uuidL2CAP), NewUint(25, 2)),
		NewSequence(NewUUID(uuidRFCOMM), NewUint(3, 1)),
	))
	return r
}

func TestRegisterAllocatesMonotonicHandles(t *testing.T) {
	db := NewDB()
	r1 := db.Register(sppRecord())
	r2 := db.Register(sppRecord())
	if r1 != firstAllocatableHandle {
		t.Fatalf("first handle = %#x, want %#x", r1, firstAllocatableHandle)
	}
	if r2 != firstAllocatableHandle+1 {
		t.Fatalf("second handle = %#x, want %#x", r2, firstAllocatableHandle+1)
	}
}

func TestRegisterServerRecordReservesZero(t *testing.T) {
	db := NewDB()
	db.RegisterServerRecord(&ServiceRecord{})
	if db.Lookup(HandleServerRecord) == nil {
		t.Fatal("server record not found at reserved handle")
	}
	r := db.Register(sppRecord())
	if r == HandleServerRecord {
		t.Fatal("a registered record collided with the reserved server handle")
	}
}

func TestSearchPatternMatching(t *testing.T) {
	db := NewDB()
	db.Register(sppRecord())

	sppUUID := []byte{0x11, 0x01}
	found := db.Search([][]byte{sppUUID})
	if len(found) != 1 {
		t.Fatalf("Search(spp) = %d records, want 1", len(found))
	}

	other := []byte{0x11, 0x02}
	if got := db.Search([][]byte{other}); len(got) != 0 {
		t.Fatalf("Search(other) = %d records, want 0", len(got))
	}

	if got := db.Search(nil); len(got) != 1 {
		t.Fatalf("Search(nil) = %d records, want 1 (all records)", len(got))
	}
}

func TestDecodeConvenienceExtractsRFCOMMChannel(t *testing.T) {
	r := sppRecord()
	r.decodeConvenience()
	if !r.HasRFCOMMChannel || r.RFCOMMChannel != 3 {
		t.Fatalf("RFCOMM channel = %d (has=%v), want 3", r.RFCOMMChannel, r.HasRFCOMMChannel)
	}
	if !r.HasL2CAPPSM || r.L2CAPPSM != 25 {
		t.Fatalf("L2CAP PSM = %d (has=%v), want 25", r.L2CAPPSM, r.HasL2CAPPSM)
	}
}
