package sdp

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestElementRoundTrip(t *testing.T) {
	cases := []Element{
		{Type: TypeNil},
		NewUint(42, 1),
		NewUint(0xBEEF, 2),
		NewUint(0xDEADBEEF, 4),
		NewInt(-1, 2),
		NewUUID([]byte{0x01, 0x00}),
		NewUUID(append([]byte{0x00, 0x00, 0x11, 0x01}, make([]byte, 12)...)),
		NewBool(true),
		NewBool(false),
		NewText("hello sdp"),
		NewURL("https://example.com/a2dp"),
		NewSequence(NewUint(1, 1), NewText("nested"), NewSequence(NewUint(2, 2))),
	}
	for i, e := range cases {
		enc, err := Encode(nil, e)
		if err != nil {
			t.Fatalf("case %d: Encode: %v", i, err)
		}
		dec, n, err := Decode(enc)
		if err != nil {
			t.Fatalf("case %d: Decode: %v", i, err)
		}
		if n != len(enc) {
			t.Fatalf("case %d: decoded %d bytes, want %d", i, n, len(enc))
		}
		if diff := cmp.Diff(e, dec); diff != "" {
			t.Fatalf("case %d: round trip mismatch (-want +got):\n%s", i, diff)
		}
	}
}

// TestLargeVariableLength checks the 2-byte length-field size index is
// chosen for a body beyond 255 bytes, and that such a body round-trips.
func TestLargeVariableLength(t *testing.T) {
	long := make([]byte, 300)
	for i := range long {
		long[i] = byte(i)
	}
	e := NewText(string(long))
	enc, err := Encode(nil, e)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if sizeIdx := enc[0] & 0x07; sizeIdx != 6 {
		t.Fatalf("size index = %d, want 6 for a 300-byte body", sizeIdx)
	}
	dec, n, err := Decode(enc)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if n != len(enc) || dec.Text != e.Text {
		t.Fatalf("round trip mismatch")
	}
}

func TestDecodeTruncated(t *testing.T) {
	e := NewUint(1, 4)
	enc, _ := Encode(nil, e)
	if _, _, err := Decode(enc[:2]); err == nil {
		t.Fatal("Decode(truncated) = nil error, want error")
	}
}
