package sbc

import (
	"github.com/ausocean/btstack/internal/bitw"
	"github.com/pkg/errors"
)

func blocksIndex(n int) byte {
	switch n {
	case 4:
		return 0
	case 8:
		return 1
	case 12:
		return 2
	case 16:
		return 3
	}
	return 0
}

func subbandsIndex(n int) byte {
	if n == 8 {
		return 1
	}
	return 0
}

// assembleFrame packs the computed scale factors, joint-stereo mask and
// bit allocation into the final CRC-protected SBC frame, per spec §4.2
// steps 4-5.
func assembleFrame(p Params, sf [][]uint8, jointMask []bool, nbits [][]int, samples [][][]int32) ([]byte, error) {
	ch := p.channels()
	sb := p.NSubbands
	nb := p.NBlocks

	sync := SyncwordSBC
	if p.MSBC {
		sync = SyncwordMSBC
	}

	header1 := freqCode(p.FreqIndex)<<6 | blocksIndex(nb)<<4 | channelModeCode(p.Mode)<<2 | allocCode(p.Allocation)<<1 | subbandsIndex(sb)
	header2 := byte(p.Bitpool)

	crc := crcInit
	crc = crc8Byte(crc, header1)
	crc = crc8Byte(crc, header2)

	w := bitw.NewWriter()

	// Joint-stereo mask, written in reversed subband order "for
	// historical reasons" (spec §4.2 step 4); folded into the CRC in the
	// same order it is written.
	if p.Mode == JointStereo && ch == 2 {
		for s := sb - 1; s >= 0; s-- {
			var bit byte
			if jointMask[s] {
				bit = 1
			}
			crc = crc8Bit(crc, bit)
			if err := w.WriteBits(uint64(bit), 1); err != nil {
				return nil, errors.Wrap(err, "sbc: writing joint-stereo mask")
			}
		}
	}

	// Scale factors, channel-major then subband order, 4 bits each.
	for c := 0; c < ch; c++ {
		for s := 0; s < sb; s++ {
			v := sf[c][s]
			crc = crc8Bits(crc, uint32(v), 4)
			if err := w.WriteBits(uint64(v), 4); err != nil {
				return nil, errors.Wrap(err, "sbc: writing scale factor")
			}
		}
	}

	// Quantized samples, block-major, channel-major, subband-major.
	// These are not covered by the CRC (spec §4.2 step 5).
	for b := 0; b < nb; b++ {
		for c := 0; c < ch; c++ {
			for s := 0; s < sb; s++ {
				nb := nbits[c][s]
				if nb == 0 {
					continue
				}
				q := quantize(samples[b][c][s], sf[c][s], nb)
				if err := w.WriteBits(uint64(q), uint8(nb)); err != nil {
					return nil, errors.Wrap(err, "sbc: writing quantized sample")
				}
			}
		}
	}

	if err := w.Align(); err != nil {
		return nil, errors.Wrap(err, "sbc: aligning frame")
	}
	body, err := w.Bytes()
	if err != nil {
		return nil, errors.Wrap(err, "sbc: flushing frame")
	}

	frame := make([]byte, 0, 4+len(body))
	frame = append(frame, sync, header1, header2, crc)
	frame = append(frame, body...)
	return frame, nil
}

// VerifyCRC recomputes the CRC-8 over frame's header bytes and side-info
// region (joint-stereo mask + scale factors) under params and reports
// whether it matches the CRC byte stored in the frame.
func VerifyCRC(frame []byte, p Params) (bool, error) {
	if len(frame) < 4 {
		return false, errors.New("sbc: frame too short to contain a header")
	}
	ch := p.channels()
	sb := p.NSubbands

	crc := crcInit
	crc = crc8Byte(crc, frame[1])
	crc = crc8Byte(crc, frame[2])

	r := bitw.NewReader(frame[4:])
	if p.Mode == JointStereo && ch == 2 {
		for s := 0; s < sb; s++ {
			bit, err := r.ReadBits(1)
			if err != nil {
				return false, errors.Wrap(err, "sbc: reading joint-stereo mask")
			}
			crc = crc8Bit(crc, byte(bit))
		}
	}
	for c := 0; c < ch; c++ {
		for s := 0; s < sb; s++ {
			v, err := r.ReadBits(4)
			if err != nil {
				return false, errors.Wrap(err, "sbc: reading scale factor")
			}
			crc = crc8Bits(crc, uint32(v), 4)
		}
	}
	return crc == frame[3], nil
}

// quantize implements spec §4.2 step 4's quantization formula:
//
//	range = (1<<nbit)-1
//	q = clamp( (((s*range) >> (scf+1)) + range) >> 1, 0, range )
func quantize(s int32, scf uint8, nbit int) uint32 {
	rng := int64(1<<uint(nbit)) - 1
	v := (int64(s) * rng) >> (uint(scf) + 1)
	v = (v + rng) >> 1
	if v < 0 {
		v = 0
	}
	if v > rng {
		v = rng
	}
	return uint32(v)
}

func freqCode(f FreqIndex) byte        { return byte(f) }
func channelModeCode(m ChannelMode) byte { return byte(m) }
func allocCode(a AllocationMethod) byte { return byte(a) }
