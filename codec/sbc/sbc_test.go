package sbc

import (
	"testing"
)

func defaultParams() Params {
	return Params{
		FreqIndex:  Freq44100,
		Mode:       JointStereo,
		NBlocks:    16,
		NSubbands:  8,
		Allocation: Loudness,
		Bitpool:    53,
	}
}

// TestFrameLenMatchesFormula checks the SBC round-trip sanity invariant:
// encoding silence produces a frame whose length matches Params.FrameLen
// for every valid parameter combination.
func TestFrameLenMatchesFormula(t *testing.T) {
	freqs := []FreqIndex{Freq16000, Freq32000, Freq44100, Freq48000}
	modes := []ChannelMode{Mono, DualChannel, Stereo, JointStereo}
	blocks := []int{4, 8, 12, 16}
	subbandsOpts := []int{4, 8}
	allocs := []AllocationMethod{Loudness, SNR}
	bitpools := []int{2, 32, 53, 250}

	for _, freq := range freqs {
		for _, mode := range modes {
			for _, nb := range blocks {
				for _, sb := range subbandsOpts {
					for _, alloc := range allocs {
						for _, bp := range bitpools {
							p := Params{FreqIndex: freq, Mode: mode, NBlocks: nb, NSubbands: sb, Allocation: alloc, Bitpool: bp}
							enc, err := NewEncoder(p)
							if err != nil {
								t.Fatalf("NewEncoder(%+v): %v", p, err)
							}
							spf := p.SamplesPerFrame()
							left := make([]int16, spf)
							var right []int16
							if p.Mode != Mono {
								right = make([]int16, spf)
							}
							frame, err := enc.Encode(left, right)
							if err != nil {
								t.Fatalf("Encode(%+v): %v", p, err)
							}
							want := p.FrameLen()
							if len(frame) != want {
								t.Errorf("%+v: frame length = %d, want %d", p, len(frame), want)
							}
							if frame[0] != SyncwordSBC {
								t.Errorf("%+v: syncword = %#x, want %#x", p, frame[0], SyncwordSBC)
							}
						}
					}
				}
			}
		}
	}
}

// TestBitAllocationBudget checks scenario 6: for nchannels=2, nsubbands=8,
// nblocks=16, bitpool=53 in JointStereo, the sum of nbits[ch][sb] over all
// (ch,sb), plus joint-stereo mask bits, equals 53 exactly.
func TestBitAllocationBudget(t *testing.T) {
	p := defaultParams()
	sf := [][]uint8{
		{2, 3, 0, 5, 6, 1, 0, 4},
		{1, 3, 0, 4, 6, 2, 0, 3},
	}
	nbits := allocateBits(p, sf)
	total := 0
	for c := range nbits {
		for _, n := range nbits[c] {
			if n < 0 || n > 16 {
				t.Fatalf("nbits out of range: %d", n)
			}
			total += n
		}
	}
	maskBits := p.NSubbands // one mask bit per subband, last forced to 0.
	if total+maskBits != p.Bitpool {
		t.Errorf("sum(nbits)=%d + maskBits=%d = %d, want bitpool=%d", total, maskBits, total+maskBits, p.Bitpool)
	}
}

// TestCRCMatchesOnDecode checks the SBC bit-exact-vectors invariant: the
// CRC stored in an encoded frame matches a fresh CRC-8/0x1D computation
// over the header and side-info bits, for every channel mode.
func TestCRCMatchesOnDecode(t *testing.T) {
	for _, mode := range []ChannelMode{Mono, DualChannel, Stereo, JointStereo} {
		p := defaultParams()
		p.Mode = mode
		enc, err := NewEncoder(p)
		if err != nil {
			t.Fatalf("NewEncoder(%v): %v", mode, err)
		}
		spf := p.SamplesPerFrame()
		left := make([]int16, spf)
		var right []int16
		if mode != Mono {
			right = make([]int16, spf)
		}
		for i := range left {
			left[i] = int16(i * 37)
			if right != nil {
				right[i] = int16(i * -23)
			}
		}
		frame, err := enc.Encode(left, right)
		if err != nil {
			t.Fatalf("Encode(%v): %v", mode, err)
		}
		ok, err := VerifyCRC(frame, p)
		if err != nil {
			t.Fatalf("VerifyCRC(%v): %v", mode, err)
		}
		if !ok {
			t.Errorf("VerifyCRC(%v) = false, want true", mode)
		}
	}
}

// TestResetClearsHistoryDeterministically checks that Reset produces the
// same output as a freshly configured Encoder for the same input.
func TestResetClearsHistoryDeterministically(t *testing.T) {
	p := defaultParams()
	encA, err := NewEncoder(p)
	if err != nil {
		t.Fatalf("NewEncoder: %v", err)
	}
	spf := p.SamplesPerFrame()
	left := make([]int16, spf)
	right := make([]int16, spf)
	for i := range left {
		left[i] = int16(1000 + i)
		right[i] = int16(-1000 - i)
	}

	frameA, err := encA.Encode(left, right)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	// Encode a second, different frame to dirty the history, then reset
	// and re-encode the original input; the result must match frameA.
	other := make([]int16, spf)
	for i := range other {
		other[i] = int16(i * 999)
	}
	if _, err := encA.Encode(other, other); err != nil {
		t.Fatalf("Encode (dirty): %v", err)
	}
	encA.Reset()
	frameB, err := encA.Encode(left, right)
	if err != nil {
		t.Fatalf("Encode (post-reset): %v", err)
	}
	if len(frameA) != len(frameB) {
		t.Fatalf("frame length changed after reset: %d vs %d", len(frameA), len(frameB))
	}
	for i := range frameA {
		if frameA[i] != frameB[i] {
			t.Errorf("byte %d differs after reset: %#x vs %#x", i, frameA[i], frameB[i])
		}
	}
}

// TestInvalidParams checks that Validate rejects out-of-range fields.
func TestInvalidParams(t *testing.T) {
	cases := []Params{
		{NBlocks: 5, NSubbands: 8, Bitpool: 53},
		{NBlocks: 16, NSubbands: 6, Bitpool: 53},
		{NBlocks: 16, NSubbands: 8, Bitpool: 1},
		{NBlocks: 16, NSubbands: 8, Bitpool: 251},
	}
	for _, p := range cases {
		if err := p.Validate(); err == nil {
			t.Errorf("Validate(%+v) = nil, want error", p)
		}
	}
}
