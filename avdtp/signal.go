/*
NAME
  signal.go

DESCRIPTION
  signal.go implements the stateless AVDTP signaling PDU codec: the
  2-byte transaction header, Discover/GetCapabilities/SetConfiguration/
  Open/Start/Close/Suspend/Abort bodies, and the service capability TLV
  encoding used by SetConfiguration and the GetCapabilities response,
  per Bluetooth A2DP/AVDTP. Fragmentation (packet types START/CONTINUE/
  END) is out of scope; every PDU here is a single packet.

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

package avdtp

import (
	"github.com/pkg/errors"

	"github.com/ausocean/btstack/internal/bitw"
)

// Packet type, carried in the high 2 bits of the transaction byte's low
// nibble. Only PacketSingle is produced or accepted; fragmentation is out
// of scope.
const (
	PacketSingle   uint8 = 0
	PacketStart    uint8 = 1
	PacketContinue uint8 = 2
	PacketEnd      uint8 = 3
)

// Message type, carried in the low 2 bits of the transaction byte.
const (
	MsgCommand       uint8 = 0
	MsgGeneralReject uint8 = 1
	MsgAccept        uint8 = 2
	MsgReject        uint8 = 3
)

// Signal IDs, carried in the low 6 bits of the second header byte.
const (
	SignalDiscover           uint8 = 0x01
	SignalGetCapabilities    uint8 = 0x02
	SignalSetConfiguration   uint8 = 0x03
	SignalGetConfiguration   uint8 = 0x04
	SignalReconfigure        uint8 = 0x05
	SignalOpen               uint8 = 0x06
	SignalStart              uint8 = 0x07
	SignalClose              uint8 = 0x08
	SignalSuspend            uint8 = 0x09
	SignalAbort              uint8 = 0x0A
	SignalSecurityControl    uint8 = 0x0B
	SignalGetAllCapabilities uint8 = 0x0C
	SignalDelayReport        uint8 = 0x0D
)

// MediaType identifies the capability's media type nibble.
const MediaTypeAudio uint8 = 0x00

// ServiceCategory is the 1-byte tag of a service capability TLV.
type ServiceCategory uint8

const (
	CatMediaTransport ServiceCategory = 0x01
	CatReporting      ServiceCategory = 0x02
	CatRecovery       ServiceCategory = 0x03
	CatContentProt    ServiceCategory = 0x04
	CatHeaderComp     ServiceCategory = 0x05
	CatMultiplexing   ServiceCategory = 0x06
	CatMediaCodec     ServiceCategory = 0x07
	CatDelayReporting ServiceCategory = 0x08
)

// CodecType identifies the codec carried by a MediaCodec capability.
const CodecSBC uint8 = 0x00

// header is the 2-byte transaction header common to every AVDTP PDU.
type header struct {
	Label       uint8
	PacketType  uint8
	MessageType uint8
	SignalID    uint8
}

func encodeHeader(h header) []byte {
	return []byte{h.Label<<4 | h.PacketType<<2 | h.MessageType, h.SignalID & 0x3F}
}

func decodeHeader(b []byte) (header, []byte, error) {
	if len(b) < 2 {
		return header{}, nil, errors.New("avdtp: PDU shorter than header")
	}
	return header{
		Label:       b[0] >> 4,
		PacketType:  (b[0] >> 2) & 0x03,
		MessageType: b[0] & 0x03,
		SignalID:    b[1] & 0x3F,
	}, b[2:], nil
}

// encodeSeid packs a SEID into the upper 6 bits of a byte, as every SEID
// reference on the wire requires.
func encodeSeid(seid uint8) byte { return seid << 2 }

func decodeSeid(b byte) uint8 { return b >> 2 }

// Capability is one service capability TLV: a 1-byte category, 1-byte
// length, and category-specific payload.
type Capability struct {
	Category ServiceCategory
	Payload  []byte
}

func encodeCapabilities(caps []Capability) []byte {
	var out []byte
	for _, c := range caps {
		out = append(out, byte(c.Category), byte(len(c.Payload)))
		out = append(out, c.Payload...)
	}
	return out
}

func decodeCapabilities(b []byte) ([]Capability, error) {
	var caps []Capability
	for len(b) > 0 {
		if len(b) < 2 {
			return nil, errors.New("avdtp: truncated capability TLV")
		}
		n := int(b[1])
		if len(b) < 2+n {
			return nil, errors.New("avdtp: capability length exceeds PDU")
		}
		caps = append(caps, Capability{Category: ServiceCategory(b[0]), Payload: append([]byte(nil), b[2:2+n]...)})
		b = b[2+n:]
	}
	return caps, nil
}

// SBCCapability is the decoded MediaCodec capability payload for SBC, per
// A2DP 1.3 Appendix A.2.
type SBCCapability struct {
	SamplingFreq   uint8 // 4-bit mask: 0x8=16kHz, 0x4=32kHz, 0x2=44.1kHz, 0x1=48kHz.
	ChannelMode    uint8 // 4-bit mask: 0x8=Mono, 0x4=DualChannel, 0x2=Stereo, 0x1=JointStereo.
	BlockLength    uint8 // 4-bit mask.
	Subbands       uint8 // 2-bit mask.
	Allocation     uint8 // 2-bit mask.
	MinBitpool     uint8
	MaxBitpool     uint8
}

// sbcSampleRates maps each single-bit SamplingFreq value to its rate, in
// the order A2DP assigns the mask (per 4.10 of SPEC_FULL.md's RTP/SBC
// media sink convenience).
var sbcSampleRates = map[uint8]int{0x8: 16000, 0x4: 32000, 0x2: 44100, 0x1: 48000}

// sbcChannelCounts maps each single-bit ChannelMode value to its channel
// count; Mono is 1, every other mode carries 2 channels.
var sbcChannelCounts = map[uint8]int{0x8: 1, 0x4: 2, 0x2: 2, 0x1: 2}

// SampleRateHz returns the sample rate a negotiated (single-bit)
// SamplingFreq selects, or 0 if c.SamplingFreq does not carry exactly one
// of the four defined bits (e.g. an un-negotiated capabilities-query mask
// with more than one bit set).
func (c SBCCapability) SampleRateHz() int { return sbcSampleRates[c.SamplingFreq] }

// Channels returns the channel count a negotiated (single-bit)
// ChannelMode selects, or 0 if c.ChannelMode does not carry exactly one
// of the four defined bits.
func (c SBCCapability) Channels() int { return sbcChannelCounts[c.ChannelMode] }

// EncodeSBCCapability returns the MediaCodec service capability TLV
// carrying c, ready to append to a GetCapabilities response or a
// SetConfiguration command. The two packed nibble/sub-nibble bytes
// (sampling freq/channel mode, and block length/subbands/allocation)
// are written MSB-first with bitw, the same bit-packing the SBC frame
// encoder uses for its joint-stereo mask, scale factors and samples.
func EncodeSBCCapability(c SBCCapability) Capability {
	w := bitw.NewWriter()
	w.WriteByte(MediaTypeAudio << 4)
	w.WriteByte(CodecSBC)
	w.WriteBits(uint64(c.SamplingFreq), 4)
	w.WriteBits(uint64(c.ChannelMode), 4)
	w.WriteBits(uint64(c.BlockLength), 4)
	w.WriteBits(uint64(c.Subbands), 2)
	w.WriteBits(uint64(c.Allocation), 2)
	w.WriteByte(c.MinBitpool)
	w.WriteByte(c.MaxBitpool)
	payload, err := w.Bytes()
	if err != nil {
		// Writer only errs on the underlying io.Writer, which here is an
		// in-memory bytes.Buffer that never fails to write.
		panic(err)
	}
	return Capability{Category: CatMediaCodec, Payload: payload}
}

// DecodeSBCCapability extracts an SBCCapability from a MediaCodec
// capability's payload.
func DecodeSBCCapability(payload []byte) (SBCCapability, error) {
	if len(payload) != 6 {
		return SBCCapability{}, errors.Errorf("avdtp: SBC capability payload length %d, want 6", len(payload))
	}
	if payload[1] != CodecSBC {
		return SBCCapability{}, errors.Errorf("avdtp: codec type %#02x is not SBC", payload[1])
	}
	r := bitw.NewReader(payload[2:4])
	freq, _ := r.ReadBits(4)
	mode, _ := r.ReadBits(4)
	blockLen, _ := r.ReadBits(4)
	subbands, _ := r.ReadBits(2)
	alloc, err := r.ReadBits(2)
	if err != nil {
		return SBCCapability{}, errors.Wrap(err, "avdtp: decoding SBC capability bit fields")
	}
	return SBCCapability{
		SamplingFreq: uint8(freq),
		ChannelMode:  uint8(mode),
		BlockLength:  uint8(blockLen),
		Subbands:     uint8(subbands),
		Allocation:   uint8(alloc),
		MinBitpool:   payload[4],
		MaxBitpool:   payload[5],
	}, nil
}

// EndpointInfo is one entry in a Discover response: a remote SEP summary.
type EndpointInfo struct {
	SEID    uint8
	InUse   bool
	Source  bool // true = Source (TSEP=0), false = Sink (TSEP=1).
	Audio   bool // media type audio vs video; only audio is produced here.
}

func encodeDiscoverResponse(eps []EndpointInfo) []byte {
	out := make([]byte, 0, 2*len(eps))
	for _, e := range eps {
		b0 := encodeSeid(e.SEID)
		if e.InUse {
			b0 |= 0x02
		}
		var b1 byte
		if !e.Source {
			b1 |= 0x08 // TSEP bit.
		}
		out = append(out, b0, b1)
	}
	return out
}

func decodeDiscoverResponse(b []byte) ([]EndpointInfo, error) {
	if len(b)%2 != 0 {
		return nil, errors.New("avdtp: discover response length not a multiple of 2")
	}
	eps := make([]EndpointInfo, 0, len(b)/2)
	for i := 0; i < len(b); i += 2 {
		eps = append(eps, EndpointInfo{
			SEID:   decodeSeid(b[i]),
			InUse:  b[i]&0x02 != 0,
			Source: b[i+1]&0x08 == 0,
			Audio:  true,
		})
	}
	return eps, nil
}

// setConfigParams is the body of a SetConfiguration/Reconfigure command:
// the acceptor SEID this command targets plus (for SetConfiguration only)
// the initiator's own SEID, followed by the capability list being set.
type setConfigParams struct {
	AcpSeid uint8
	IntSeid uint8
	Caps    []Capability
}

func encodeSetConfiguration(p setConfigParams) []byte {
	out := []byte{encodeSeid(p.AcpSeid), encodeSeid(p.IntSeid)}
	return append(out, encodeCapabilities(p.Caps)...)
}

func decodeSetConfiguration(b []byte) (setConfigParams, error) {
	if len(b) < 2 {
		return setConfigParams{}, errors.New("avdtp: set configuration PDU too short")
	}
	caps, err := decodeCapabilities(b[2:])
	if err != nil {
		return setConfigParams{}, err
	}
	return setConfigParams{AcpSeid: decodeSeid(b[0]), IntSeid: decodeSeid(b[1]), Caps: caps}, nil
}

func encodeReconfigure(acpSeid uint8, caps []Capability) []byte {
	out := []byte{encodeSeid(acpSeid)}
	return append(out, encodeCapabilities(caps)...)
}

// encodeRejectWithCategory encodes the category+error body of a
// SetConfiguration reject; encodeReject encodes the error-only reject for
// commands with no category.
func encodeRejectWithCategory(category ServiceCategory, code ErrorCode) []byte {
	return []byte{byte(category), byte(code)}
}

func encodeReject(code ErrorCode) []byte { return []byte{byte(code)} }
