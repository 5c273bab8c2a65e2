package sbc

// analysisHistory is the per-channel state of the polyphase analysis
// filter: the last 10*nsubbands input samples (5 "parity slots" of
// 2*nsubbands each). No accumulators are carried between blocks; the only
// state that persists across blocks is this sample history.
type analysisHistory struct {
	subbands int
	window   []int16 // length 10*subbands, Q2.13
	dct      [][]int16
	order    []int

	// buf is the sample history, shifted on each push, most recent
	// samples at the end.
	buf []int16
}

func newAnalysisHistory(subbands int) analysisHistory {
	return analysisHistory{
		subbands: subbands,
		window:   windowCoeffs(subbands),
		dct:      dctMatrix(subbands),
		order:    shuffleOrder(subbands),
		buf:      make([]int16, 10*subbands),
	}
}

// push shifts in nsubbands new samples, discarding the oldest nsubbands.
func (h *analysisHistory) push(samples []int16) {
	n := h.subbands
	copy(h.buf, h.buf[n:])
	copy(h.buf[len(h.buf)-n:], samples)
}

// analyze runs one block (nsubbands input samples) through the analysis
// filter and returns nsubbands output subband sample values, already
// index-shuffled per the order required by spec §4.2 step 1.
func analyze(h *analysisHistory, pcmBlock []int16) []int32 {
	h.push(pcmBlock)

	m := h.subbands
	// Windowing stage: y[i] = (buf[i]*window[i] + 2^14) >> 15, producing
	// 2*m partial sums (folded across the 5 parity slots) feeding the DCT.
	y := make([]int32, 2*m)
	for i := 0; i < 2*m; i++ {
		var acc int32
		for slot := 0; slot < 5; slot++ {
			idx := slot*2*m + i
			prod := int32(h.buf[idx]) * int32(h.window[idx])
			acc += (prod + (1 << 14)) >> 15
		}
		y[i] = acc
	}

	// DCT stage: s[k] = (sum_i y[i]*M[k][i] + 2^12) >> 13, saturated.
	raw := make([]int32, m)
	for k := 0; k < m; k++ {
		var acc int64
		for i := 0; i < 2*m; i++ {
			acc += int64(y[i]) * int64(h.dct[k][i])
		}
		v := int32((acc + (1 << 12)) >> 13)
		raw[k] = int32(saturateI16(v))
	}

	// Apply the required index-shuffling order.
	out := make([]int32, m)
	for k := 0; k < m; k++ {
		out[k] = raw[h.order[k]]
	}
	return out
}
