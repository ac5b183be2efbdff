package gla

import "github.com/samcharles93/linattn/internal/tensor"

// ChunkLocalCumsum computes, independently for every chunk of chunkSize
// positions, the inclusive running sum of the log-gates from the chunk's
// first position. The result has the same shape as g. Accumulation happens
// in float64 regardless of the storage precision so that long chunks do not
// lose low-order bits.
//
// boundaries, when non-nil, delimits packed variable-length sequences inside
// a B == 1 tensor; chunks never straddle a boundary.
func ChunkLocalCumsum(g *tensor.Seq, chunkSize int, boundaries []int) *tensor.Seq {
	out := tensor.NewSeq(g.B, g.T, g.H, g.D)
	width := g.H * g.D
	acc := make([]float64, width)
	for _, sg := range segments(g, boundaries) {
		for cs := 0; cs < sg.length; cs += chunkSize {
			for j := range acc {
				acc[j] = 0
			}
			ce := min(cs+chunkSize, sg.length)
			for t := cs; t < ce; t++ {
				base := (sg.bos + t) * width
				for j := 0; j < width; j++ {
					acc[j] += float64(g.Data[base+j])
					out.Data[base+j] = float32(acc[j])
				}
			}
		}
	}
	return out
}

// segment describes one independent sequence inside a (possibly packed)
// batch: bos is the absolute start position, length its number of steps.
type segment struct {
	bos, length int
}

func segments(s *tensor.Seq, boundaries []int) []segment {
	if boundaries == nil {
		segs := make([]segment, s.B)
		for b := range segs {
			segs[b] = segment{bos: b * s.T, length: s.T}
		}
		return segs
	}
	segs := make([]segment, len(boundaries)-1)
	for n := range segs {
		segs[n] = segment{bos: boundaries[n], length: boundaries[n+1] - boundaries[n]}
	}
	return segs
}
