/*
NAME
  media.go

DESCRIPTION
  media.go assembles and parses A2DP media packets: an RTP header per
  RFC 3550 (V=2, PT=96, big-endian) followed by the A2DP payload header
  and one or more SBC codec frames. The buffer-reuse shape of Bytes is
  adapted from protocol/rtp.Packet.Bytes.

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

package avdtp

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

const (
	rtpVersion   = 2
	rtpPTSBC     = 96
	rtpHeadSize  = 12
	a2dpHeadSize = 1
)

// MaxFramesPerPacket is the largest A2DP payload header frame count (4
// bits).
const MaxFramesPerPacket = 15

// MediaPacket is one assembled or parsed A2DP media packet.
type MediaPacket struct {
	Marker    bool
	Seq       uint16
	Timestamp uint32
	SSRC      uint32

	FrameCount uint8
	Starting   bool
	Last       bool

	Frames [][]byte // one or more codec frames, concatenated in wire order.
}

// Bytes encodes p into buf, reusing buf's backing array when it has
// sufficient capacity, and returns the encoded slice.
func (p *MediaPacket) Bytes(buf []byte) []byte {
	payloadLen := 0
	for _, f := range p.Frames {
		payloadLen += len(f)
	}
	required := rtpHeadSize + a2dpHeadSize + payloadLen

	if buf == nil || required > cap(buf) {
		buf = make([]byte, required)
	}
	buf = buf[:required]

	buf[0] = rtpVersion << 6
	m := byte(0)
	if p.Marker {
		m = 0x80
	}
	buf[1] = m | rtpPTSBC
	binary.BigEndian.PutUint16(buf[2:4], p.Seq)
	binary.BigEndian.PutUint32(buf[4:8], p.Timestamp)
	binary.BigEndian.PutUint32(buf[8:12], p.SSRC)

	var hdr byte = p.FrameCount & 0x0F
	if p.Starting {
		hdr |= 0x10
	}
	if p.Last {
		hdr |= 0x20
	}
	buf[12] = hdr

	idx := rtpHeadSize + a2dpHeadSize
	for _, f := range p.Frames {
		copy(buf[idx:], f)
		idx += len(f)
	}
	return buf
}

// ParseMediaPacket decodes b into a MediaPacket. The codec frame region
// is returned as a single slice in Frames[0]; callers that batched
// multiple SBC frames into one packet must split it themselves using the
// negotiated frame length, since A2DP does not delimit individual frames
// within a packet.
func ParseMediaPacket(b []byte) (*MediaPacket, error) {
	if len(b) < rtpHeadSize+a2dpHeadSize {
		return nil, errors.New("avdtp: media packet shorter than header")
	}
	if b[0]>>6 != rtpVersion {
		return nil, errors.Errorf("avdtp: RTP version %d, want 2", b[0]>>6)
	}
	p := &MediaPacket{
		Marker:    b[1]&0x80 != 0,
		Seq:       binary.BigEndian.Uint16(b[2:4]),
		Timestamp: binary.BigEndian.Uint32(b[4:8]),
		SSRC:      binary.BigEndian.Uint32(b[8:12]),
	}
	hdr := b[12]
	p.FrameCount = hdr & 0x0F
	p.Starting = hdr&0x10 != 0
	p.Last = hdr&0x20 != 0
	if payload := b[13:]; len(payload) > 0 {
		p.Frames = [][]byte{append([]byte(nil), payload...)}
	}
	return p, nil
}

// buildNextSbc assembles the next single-SBC-frame media packet for sess,
// advancing its RTP sequence and timestamp counters by samplesPerFrame.
func buildNextSbc(sess *AvdtpSession, frame []byte, samplesPerFrame uint32, buf []byte) []byte {
	seq, ts := sess.advance(samplesPerFrame)
	p := &MediaPacket{
		Marker:     true,
		Seq:        seq,
		Timestamp:  ts,
		FrameCount: 1,
		Starting:   true,
		Last:       true,
		Frames:     [][]byte{frame},
		SSRC:       sess.SSRC,
	}
	return p.Bytes(buf)
}

// batchSbcFrames packs as many whole SBC frames as fit within mtu bytes
// (minus the 13-byte header) into one packet, up to MaxFramesPerPacket,
// per the §4.4 packing rule. It returns the packet bytes and the number
// of frames consumed from frames.
func batchSbcFrames(sess *AvdtpSession, frames [][]byte, samplesPerFrame uint32, mtu int, buf []byte) ([]byte, int) {
	if len(frames) == 0 {
		return nil, 0
	}
	frameSize := len(frames[0])
	n := (mtu - rtpHeadSize - a2dpHeadSize) / frameSize
	if n > MaxFramesPerPacket {
		n = MaxFramesPerPacket
	}
	if n > len(frames) {
		n = len(frames)
	}
	if n <= 0 {
		n = 1
	}
	seq, ts := sess.advance(samplesPerFrame * uint32(n))
	p := &MediaPacket{
		Marker:     true,
		Seq:        seq,
		Timestamp:  ts,
		FrameCount: uint8(n),
		Starting:   true,
		Last:       true,
		Frames:     frames[:n],
		SSRC:       sess.SSRC,
	}
	return p.Bytes(buf), n
}
