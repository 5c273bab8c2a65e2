package avdtp

import "testing"

func TestDiscoverResponseRoundTrip(t *testing.T) {
	eps := []EndpointInfo{
		{SEID: 1, Source: true, Audio: true},
		{SEID: 2, Source: false, InUse: true, Audio: true},
	}
	got, err := decodeDiscoverResponse(encodeDiscoverResponse(eps))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got) != 2 || got[0].SEID != 1 || !got[0].Source || got[1].SEID != 2 || got[1].Source || !got[1].InUse {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

func TestSBCCapabilityRoundTrip(t *testing.T) {
	want := SBCCapability{
		SamplingFreq: 0x2, // 44.1kHz bit per A2DP's mask ordering.
		ChannelMode:  0x4, // DualChannel bit.
		BlockLength:  0x1,
		Subbands:     0x2,
		Allocation:   0x1,
		MinBitpool:   2,
		MaxBitpool:   53,
	}
	tlv := EncodeSBCCapability(want)
	if tlv.Category != CatMediaCodec {
		t.Fatalf("expected CatMediaCodec, got %v", tlv.Category)
	}
	got, err := DecodeSBCCapability(tlv.Payload)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got != want {
		t.Fatalf("SBC capability round trip mismatch: got %+v, want %+v", got, want)
	}
}

func TestSBCCapabilitySampleRateAndChannels(t *testing.T) {
	c := SBCCapability{SamplingFreq: 0x2, ChannelMode: 0x1}
	if got := c.SampleRateHz(); got != 44100 {
		t.Fatalf("SampleRateHz() = %d, want 44100", got)
	}
	if got := c.Channels(); got != 2 {
		t.Fatalf("Channels() = %d, want 2", got)
	}
	mono := SBCCapability{SamplingFreq: 0x1, ChannelMode: 0x8}
	if got := mono.SampleRateHz(); got != 48000 {
		t.Fatalf("SampleRateHz() = %d, want 48000", got)
	}
	if got := mono.Channels(); got != 1 {
		t.Fatalf("Channels() = %d, want 1", got)
	}
	unnegotiated := SBCCapability{SamplingFreq: 0xF, ChannelMode: 0xF}
	if got := unnegotiated.SampleRateHz(); got != 0 {
		t.Fatalf("SampleRateHz() for a multi-bit mask = %d, want 0", got)
	}
}

func TestSetConfigurationRoundTrip(t *testing.T) {
	caps := []Capability{EncodeSBCCapability(SBCCapability{MaxBitpool: 53, MinBitpool: 2})}
	body := encodeSetConfiguration(setConfigParams{AcpSeid: 2, IntSeid: 1, Caps: caps})
	got, err := decodeSetConfiguration(body)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.AcpSeid != 2 || got.IntSeid != 1 || len(got.Caps) != 1 {
		t.Fatalf("set configuration round trip mismatch: %+v", got)
	}
}

func TestHeaderRoundTrip(t *testing.T) {
	h := header{Label: 7, PacketType: PacketSingle, MessageType: MsgCommand, SignalID: SignalDiscover}
	got, rest, err := decodeHeader(encodeHeader(h))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got != h {
		t.Fatalf("header round trip mismatch: got %+v, want %+v", got, h)
	}
	if len(rest) != 0 {
		t.Fatalf("expected no trailing bytes, got %d", len(rest))
	}
}
