/*
NAME
  sbc.go

DESCRIPTION
  Package sbc implements the SBC (sub-band codec) PCM encoder used as the
  default A2DP media codec: a fixed analysis filterbank feeding a
  scale-factor and bit-allocation stage, followed by CRC-protected frame
  synthesis.

  The encoder's filter-bank history is owned exclusively by the Encoder
  value; callers must not share one Encoder across concurrent encode calls
  (see Reset for how to start a fresh stream without reconfiguring).

LICENSE
  Copyright (C) 2024 the Australian Ocean Lab (AusOcean). All Rights Reserved.

  The Software and all intellectual property rights associated
  therewith, including but not limited to copyrights, trademarks,
  patents, and trade secrets, are and will remain the exclusive
  property of the Australian Ocean Lab (AusOcean).
*/

// Package sbc implements PCM-to-SBC frame encoding: the A2DP default codec,
// built from a polyphase analysis filter, per-subband scale factors, a
// loudness/SNR bit allocator and a CRC-8 protected frame assembler.
package sbc

import "github.com/pkg/errors"

// ChannelMode selects how the two input channels are encoded into a frame.
type ChannelMode uint8

const (
	Mono ChannelMode = iota
	DualChannel
	Stereo
	JointStereo
)

// AllocationMethod selects the bit-allocation strategy.
type AllocationMethod uint8

const (
	Loudness AllocationMethod = iota
	SNR
)

// Syncwords for the two frame flavors this package produces.
const (
	SyncwordSBC  byte = 0x9C
	SyncwordMSBC byte = 0xAD
)

// Params is the 6-tuple (plus mSBC flag) that SbcFrameParams names in the
// data model: once an Encoder is Configure'd with a Params value, that
// value must not change without a Reset of the filter-bank history.
type Params struct {
	FreqIndex  FreqIndex
	Mode       ChannelMode
	NBlocks    int // one of 4, 8, 12, 16
	NSubbands  int // one of 4, 8
	Allocation AllocationMethod
	Bitpool    int // [2, 250]
	MSBC       bool
}

// FreqIndex enumerates the four sampling frequencies the SBC header can
// name.
type FreqIndex uint8

const (
	Freq16000 FreqIndex = iota
	Freq32000
	Freq44100
	Freq48000
)

// SampleRate returns the sampling frequency in Hz for f.
func (f FreqIndex) SampleRate() int {
	switch f {
	case Freq16000:
		return 16000
	case Freq32000:
		return 32000
	case Freq44100:
		return 44100
	case Freq48000:
		return 48000
	default:
		return 0
	}
}

// Validate checks p against the invariants in the data model: nblocks in
// {4,8,12,16}, nsubbands in {4,8}, bitpool in [2,250].
func (p Params) Validate() error {
	switch p.NBlocks {
	case 4, 8, 12, 16:
	default:
		return errors.Errorf("sbc: invalid nblocks %d", p.NBlocks)
	}
	switch p.NSubbands {
	case 4, 8:
	default:
		return errors.Errorf("sbc: invalid nsubbands %d", p.NSubbands)
	}
	if p.Bitpool < 2 || p.Bitpool > 250 {
		return errors.Errorf("sbc: bitpool %d out of range [2,250]", p.Bitpool)
	}
	return nil
}

// channels returns 1 for Mono, 2 otherwise.
func (p Params) channels() int {
	if p.Mode == Mono {
		return 1
	}
	return 2
}

// SamplesPerFrame returns nblocks*nsubbands, the number of PCM samples per
// channel consumed by one call to Encode.
func (p Params) SamplesPerFrame() int { return p.NBlocks * p.NSubbands }

// FrameLen returns the deterministic encoded frame length (header
// included) per spec §4.2. DualChannel carries an independent bitpool
// budget per channel (so the sample-bit term is doubled); Mono, Stereo and
// JointStereo share one bitpool budget across both channels.
func (p Params) FrameLen() int {
	ch := p.channels()
	mult := 1
	if p.Mode == DualChannel {
		mult = 2
	}
	nbits := 4*p.NSubbands*ch + p.NBlocks*p.Bitpool*mult + p.jointBits()
	return 4 + (nbits+7)/8
}

func (p Params) jointBits() int {
	if p.Mode == JointStereo {
		return p.NSubbands
	}
	return 0
}

// Encoder holds the persistent filter-bank history for one PCM->SBC
// stream. Exactly one goroutine may call Encode on a given Encoder at a
// time (see package docs).
type Encoder struct {
	params  Params
	history [2]analysisHistory // per channel
}

// NewEncoder returns an Encoder configured with p. It is equivalent to
// calling (&Encoder{}).Configure(p).
func NewEncoder(p Params) (*Encoder, error) {
	e := &Encoder{}
	if err := e.Configure(p); err != nil {
		return nil, err
	}
	return e, nil
}

// Configure sets e's parameters and resets the filter-bank history. Per
// the data model invariant, configuration changes always imply a history
// reset — there is no way to reconfigure without one.
func (e *Encoder) Configure(p Params) error {
	if err := p.Validate(); err != nil {
		return err
	}
	e.params = p
	e.Reset()
	return nil
}

// Params returns e's current configuration.
func (e *Encoder) Params() Params { return e.params }

// Reset clears the filter-bank history without changing the configured
// parameters, as required when starting a new stream segment.
func (e *Encoder) Reset() {
	e.history[0] = newAnalysisHistory(e.params.NSubbands)
	e.history[1] = newAnalysisHistory(e.params.NSubbands)
}

// Encode consumes one frame's worth of PCM samples per channel (exactly
// SamplesPerFrame() int16 samples each, interleaved per-channel-not-at-all
// — i.e. left and right are separate slices) and returns the encoded SBC
// frame. For Mono, right is ignored and may be nil.
func (e *Encoder) Encode(left, right []int16) ([]byte, error) {
	p := e.params
	spf := p.SamplesPerFrame()
	if len(left) != spf {
		return nil, errors.Errorf("sbc: left channel has %d samples, want %d", len(left), spf)
	}
	ch := p.channels()
	if ch == 2 && len(right) != spf {
		return nil, errors.Errorf("sbc: right channel has %d samples, want %d", len(right), spf)
	}

	// Step 1: analysis filter -> subband samples[block][channel][subband].
	samples := make([][][]int32, p.NBlocks)
	for b := 0; b < p.NBlocks; b++ {
		samples[b] = make([][]int32, ch)
		left_block := left[b*p.NSubbands : (b+1)*p.NSubbands]
		samples[b][0] = analyze(&e.history[0], left_block)
		if ch == 2 {
			right_block := right[b*p.NSubbands : (b+1)*p.NSubbands]
			samples[b][1] = analyze(&e.history[1], right_block)
		}
	}

	// Step 2: scale factors (+ optional joint-stereo coupling).
	sf, jointMask := computeScaleFactors(p, samples)

	// Step 3: bit allocation.
	nbits := allocateBits(p, sf)

	// Step 4+5: frame assembly (includes CRC).
	return assembleFrame(p, sf, jointMask, nbits, samples)
}
