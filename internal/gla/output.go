package gla

import (
	"math"

	"github.com/samcharles93/linattn/internal/tensor"
)

// outputChunk combines the intra-chunk scores with the inter-chunk state
// contribution for one chunk:
//
//	out = causal(A) @ v + (q * scale * exp(gc)) @ state
//
// state must be the snapshot as of the chunk's start; the chunk's own
// contribution to the recurrence is covered by the score term. The causal
// structure of A is exactly what intraChunkScores established: entries with
// j > pos are zero and are skipped.
func outputChunk(out *tensor.Seq, q, v, gc, A *tensor.Seq, state tensor.Mat, h, bos, cs, ce int, scale float64) {
	K := q.D
	V := v.D
	for i := cs; i < ce; i++ {
		orow := out.Row(bos+i, h)
		qrow := q.Row(bos+i, h)
		grow := gc.Row(bos+i, h)
		for d := 0; d < K; d++ {
			w := float32(float64(qrow[d]) * scale * math.Exp(float64(grow[d])))
			if w == 0 {
				continue
			}
			srow := state.Row(d)
			for u := 0; u < V; u++ {
				orow[u] += w * srow[u]
			}
		}
		arow := A.Row(bos+i, h)
		for j := cs; j <= i; j++ {
			a := arow[j-cs]
			if a == 0 {
				continue
			}
			vrow := v.Row(bos+j, h)
			for u := 0; u < V; u++ {
				orow[u] += a * vrow[u]
			}
		}
	}
}
