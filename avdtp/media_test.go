package avdtp

import (
	"encoding/binary"
	"testing"

	"github.com/ausocean/btstack/internal/transport"
)

// TestBuildNextSbcSequence reproduces spec.md §8 scenario 4: given a
// 119-byte SBC frame and samples_per_frame=128, three successive
// buildNextSbc calls produce packets with (seq, ts) of (0,0), (1,128),
// (2,256), and the 13-byte header is bit-exact.
func TestBuildNextSbcSequence(t *testing.T) {
	sess := NewAvdtpSession(transport.ConnHandle(1), 0xAABBCCDD)
	frame := make([]byte, 119)
	for i := range frame {
		frame[i] = byte(i)
	}

	wantSeq := []uint16{0, 1, 2}
	wantTS := []uint32{0, 128, 256}

	for i := 0; i < 3; i++ {
		buf := buildNextSbc(sess, frame, 128, nil)
		if len(buf) != rtpHeadSize+a2dpHeadSize+len(frame) {
			t.Fatalf("packet %d: length %d, want %d", i, len(buf), rtpHeadSize+a2dpHeadSize+len(frame))
		}
		if buf[0] != rtpVersion<<6 {
			t.Fatalf("packet %d: version/flags byte %#02x", i, buf[0])
		}
		if buf[1]&0x7F != rtpPTSBC {
			t.Fatalf("packet %d: payload type %#02x, want %#02x", i, buf[1]&0x7F, rtpPTSBC)
		}
		seq := binary.BigEndian.Uint16(buf[2:4])
		ts := binary.BigEndian.Uint32(buf[4:8])
		if seq != wantSeq[i] {
			t.Fatalf("packet %d: seq %d, want %d", i, seq, wantSeq[i])
		}
		if ts != wantTS[i] {
			t.Fatalf("packet %d: ts %d, want %d", i, ts, wantTS[i])
		}
		if hdr := buf[12]; hdr&0x0F != 1 || hdr&0x30 != 0x30 {
			t.Fatalf("packet %d: A2DP header %#02x, want frame count 1, starting+last set", i, hdr)
		}
	}
}

func TestMediaPacketParseRoundTrip(t *testing.T) {
	sess := NewAvdtpSession(transport.ConnHandle(1), 0x01020304)
	frame := []byte{1, 2, 3, 4, 5}
	buf := buildNextSbc(sess, frame, 128, nil)

	pkt, err := ParseMediaPacket(buf)
	if err != nil {
		t.Fatalf("ParseMediaPacket: %v", err)
	}
	if pkt.Seq != 0 || pkt.Timestamp != 0 || pkt.FrameCount != 1 {
		t.Fatalf("unexpected parsed fields: %+v", pkt)
	}
	if len(pkt.Frames) != 1 || string(pkt.Frames[0]) != string(frame) {
		t.Fatalf("unexpected parsed frame: %+v", pkt.Frames)
	}
}

func TestRTPMonotonicityAcrossStreamingSegment(t *testing.T) {
	sess := NewAvdtpSession(transport.ConnHandle(1), 1)
	sess.resetMediaCounters()
	frame := make([]byte, 10)

	var lastSeq uint16
	var lastTS uint32
	for i := 0; i < 5; i++ {
		buf := buildNextSbc(sess, frame, 128, nil)
		seq := binary.BigEndian.Uint16(buf[2:4])
		ts := binary.BigEndian.Uint32(buf[4:8])
		if i > 0 {
			if seq != lastSeq+1 {
				t.Fatalf("packet %d: seq did not advance by 1: got %d after %d", i, seq, lastSeq)
			}
			if ts != lastTS+128 {
				t.Fatalf("packet %d: ts did not advance by 128: got %d after %d", i, ts, lastTS)
			}
		}
		lastSeq, lastTS = seq, ts
	}
}
