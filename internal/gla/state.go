package gla

import (
	"math"

	"github.com/samcharles93/linattn/internal/tensor"
)

// advanceChunk folds one chunk of keys and values into the running [K, V]
// recurrent state. On entry state holds the snapshot "everything strictly
// before this chunk"; on return it additionally contains the chunk's own
// key/value outer products, with every term decayed to the chunk's final
// position.
//
// The cumulative gate log at the last position of the chunk (gn) is the
// common rescaling reference: the carried-in state decays by exp(gn) and row
// i contributes k_i * exp(gn - gc_i), keeping every exponent argument <= 0
// for monotone log-gates.
//
// h selects the head lane; bos is the sequence's absolute start position and
// [cs, ce) the chunk's position range relative to it.
func advanceChunk(state tensor.Mat, k, v, gc *tensor.Seq, h, bos, cs, ce int) {
	K := k.D
	V := v.D
	gn := gc.Row(bos+ce-1, h)
	for d := 0; d < K; d++ {
		decay := float32(math.Exp(float64(gn[d])))
		srow := state.Row(d)
		for u := 0; u < V; u++ {
			srow[u] *= decay
		}
	}
	for i := cs; i < ce; i++ {
		krow := k.Row(bos+i, h)
		grow := gc.Row(bos+i, h)
		vrow := v.Row(bos+i, h)
		for d := 0; d < K; d++ {
			kg := float32(float64(krow[d]) * math.Exp(float64(gn[d]-grow[d])))
			if kg == 0 {
				continue
			}
			srow := state.Row(d)
			for u := 0; u < V; u++ {
				srow[u] += kg * vrow[u]
			}
		}
	}
}
