package sbc

import "math/bits"

// scaleFactorOf returns 31 - clz(max(|s|)) over vals, or 0 if every value
// is zero, per spec §4.2 step 2.
func scaleFactorOf(vals []int32) uint8 {
	var max uint32
	for _, v := range vals {
		a := v
		if a < 0 {
			a = -a
		}
		if uint32(a) > max {
			max = uint32(a)
		}
	}
	if max == 0 {
		return 0
	}
	return uint8(31 - bits.LeadingZeros32(max))
}

// computeScaleFactors computes the per-(channel,subband) scale factors for
// every block's worth of analysis output, returning sf[ch][sb] and, for
// JointStereo, the per-subband joint mask (true where sum/diff coupling
// wins over independent left/right encoding). samples is indexed
// samples[block][ch][sb].
func computeScaleFactors(p Params, samples [][][]int32) (sf [][]uint8, jointMask []bool) {
	ch := p.channels()
	sb := p.NSubbands
	nb := p.NBlocks

	column := func(c, s int) []int32 {
		out := make([]int32, nb)
		for b := 0; b < nb; b++ {
			out[b] = samples[b][c][s]
		}
		return out
	}

	sf = make([][]uint8, ch)
	for c := 0; c < ch; c++ {
		sf[c] = make([]uint8, sb)
		for s := 0; s < sb; s++ {
			sf[c][s] = scaleFactorOf(column(c, s))
		}
	}

	if p.Mode != JointStereo || ch != 2 {
		return sf, nil
	}

	jointMask = make([]bool, sb)
	for s := 0; s < sb; s++ {
		if s == sb-1 {
			// The last subband is never joint-coded per spec §4.2 step 2.
			continue
		}
		l := column(0, s)
		r := column(1, s)
		sum := make([]int32, nb)
		diff := make([]int32, nb)
		for b := 0; b < nb; b++ {
			sum[b] = l[b] + r[b]
			diff[b] = l[b] - r[b]
		}
		scfSum := scaleFactorOf(sum)
		scfDiff := scaleFactorOf(diff)
		if int(scfSum)+int(scfDiff) < int(sf[0][s])+int(sf[1][s]) {
			jointMask[s] = true
			sf[0][s] = scfSum
			sf[1][s] = scfDiff
			// Replace the raw samples with their sum/diff coupling so
			// quantization operates on the coupled values, per spec.
			for b := 0; b < nb; b++ {
				samples[b][0][s] = sum[b]
				samples[b][1][s] = diff[b]
			}
		}
	}
	return sf, jointMask
}
