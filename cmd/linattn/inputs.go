package main

import (
	"math/rand"

	"github.com/samcharles93/linattn/internal/tensor"
)

func randSeq(r *rand.Rand, b, t, h, d int) *tensor.Seq {
	s := tensor.NewSeq(b, t, h, d)
	for i := range s.Data {
		s.Data[i] = r.Float32()*2 - 1
	}
	return s
}

// gateSeq fills log-space forget gates in [lo, hi]; both bounds must be
// negative so the recurrence decays.
func gateSeq(r *rand.Rand, b, t, h, d int, lo, hi float64) *tensor.Seq {
	s := tensor.NewSeq(b, t, h, d)
	for i := range s.Data {
		s.Data[i] = float32(lo + r.Float64()*(hi-lo))
	}
	return s
}

func levelSeq(r *rand.Rand, b, t, h, d int) *tensor.Seq {
	s := tensor.NewSeq(b, t, h, d)
	for i := range s.Data {
		s.Data[i] = float32(0.1 + 0.9*r.Float64())
	}
	return s
}

// levelColumns is the level-scale width the hierarchical engine expects for
// a dense sequence of t positions at chunk size bt.
func levelColumns(t, bt int) int {
	intra := 1
	for 1<<intra <= bt {
		intra++
	}
	chunks := (t + bt - 1) / bt
	inter := 0
	for 1<<inter < chunks {
		inter++
	}
	return intra + inter
}
