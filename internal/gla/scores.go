package gla

import (
	"math"

	"github.com/samcharles93/linattn/internal/tensor"
)

// intraChunkScores fills the causal score rows for one chunk of one
// (sequence, head) lane. Scores land in A, which mirrors the input layout
// with D equal to the chunk size: A.Row(pos, h)[j-cs] is the weight position
// pos places on in-chunk position j.
//
// The chunk is walked in sub-blocks of subSize positions. For a query
// sub-block attending to a strictly earlier key sub-block the scores are a
// dense block product of gate-rescaled rows, with the query sub-block's
// first position as the shared rescaling reference. The diagonal sub-block
// is computed row by row under a strict pos >= j mask; its exponent spread
// is small, and the element-wise form keeps the precision a batched
// formulation loses.
//
// Entries with j > pos stay exactly zero. Every score carries the caller's
// scale factor.
func intraChunkScores(A, q, k, gc *tensor.Seq, scratch *laneScratch, h, bos, cs, ce, subSize int, scale float64) {
	K := q.D
	for si := cs; si < ce; si += subSize {
		siEnd := min(si+subSize, ce)
		gn := gc.Row(bos+si, h)

		// Rescaled query rows, shared by every earlier key sub-block.
		qg := scratch.qg
		for i := si; i < siEnd; i++ {
			qrow := q.Row(bos+i, h)
			grow := gc.Row(bos+i, h)
			dst := qg[(i-si)*K : (i-si)*K+K]
			for d := 0; d < K; d++ {
				dst[d] = float32(float64(qrow[d]) * math.Exp(float64(grow[d]-gn[d])) * scale)
			}
		}

		for sj := cs; sj < si; sj += subSize {
			sjEnd := min(sj+subSize, ce)
			kg := scratch.kg
			for j := sj; j < sjEnd; j++ {
				krow := k.Row(bos+j, h)
				grow := gc.Row(bos+j, h)
				dst := kg[(j-sj)*K : (j-sj)*K+K]
				for d := 0; d < K; d++ {
					dst[d] = float32(float64(krow[d]) * math.Exp(float64(gn[d]-grow[d])))
				}
			}
			for i := si; i < siEnd; i++ {
				arow := A.Row(bos+i, h)
				qrow := qg[(i-si)*K : (i-si)*K+K]
				for j := sj; j < sjEnd; j++ {
					krow := kg[(j-sj)*K : (j-sj)*K+K]
					var sum float32
					for d := 0; d < K; d++ {
						sum += qrow[d] * krow[d]
					}
					arow[j-cs] = sum
				}
			}
		}

		// Diagonal sub-block, strict causal mask, element-wise.
		for j := si; j < siEnd; j++ {
			krow := k.Row(bos+j, h)
			gk := gc.Row(bos+j, h)
			for i := j; i < siEnd; i++ {
				qrow := q.Row(bos+i, h)
				grow := gc.Row(bos+i, h)
				var sum float64
				for d := 0; d < K; d++ {
					sum += float64(qrow[d]) * float64(krow[d]) * math.Exp(float64(grow[d]-gk[d]))
				}
				A.Row(bos+i, h)[j-cs] = float32(sum * scale)
			}
		}
	}
}

// laneScratch holds per-lane reusable buffers so the hot loops allocate
// nothing.
type laneScratch struct {
	qg, kg []float32
}

func newLaneScratch(subSize, k int) *laneScratch {
	return &laneScratch{
		qg: make([]float32, subSize*k),
		kg: make([]float32, subSize*k),
	}
}
