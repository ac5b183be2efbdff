package loglinear

import (
	"math"

	"github.com/samcharles93/linattn/internal/tensor"
)

// levelSet is one lane's hierarchy of [K, V] key/value summaries. Buffer l
// holds the aggregate of a run of 2^l consecutive full chunks, and the set
// behaves like a binary counter over the number of chunks consumed: buffer l
// is populated exactly when bit l of the chunk count is set.
type levelSet struct {
	bufs []tensor.Mat
	k, v int
}

func newLevelSet(n, k, v int) *levelSet {
	ls := &levelSet{
		bufs: make([]tensor.Mat, n),
		k:    k,
		v:    v,
	}
	for i := range ls.bufs {
		ls.bufs[i] = tensor.NewMat(k, v)
	}
	return ls
}

// decay scales every buffer by exp(glast), folding one chunk's total forget
// gate into all outstanding summaries.
func (ls *levelSet) decay(glast float64) {
	f := float32(math.Exp(glast))
	for _, b := range ls.bufs {
		for i := range b.Data {
			b.Data[i] *= f
		}
	}
}

// absorb adds one key row, pre-decayed to the chunk's final position, into
// the level-0 buffer.
func (ls *levelSet) absorb(krow, vrow []float32, w float64) {
	b := ls.bufs[0]
	for d, kd := range krow {
		kg := float32(float64(kd) * w)
		if kg == 0 {
			continue
		}
		row := b.Row(d)
		for u, vu := range vrow {
			row[u] += kg * vu
		}
	}
}

// carry merges completed runs upward after chunk index c has been consumed,
// exactly like the carry chain of incrementing a binary counter: the mask
// (^c & (c+1)) - 1 selects every level whose run just closed.
func (ls *levelSet) carry(c int) {
	mask := (^c & (c + 1)) - 1
	for l := 0; l+1 < len(ls.bufs) && mask&(1<<l) != 0; l++ {
		src := ls.bufs[l]
		dst := ls.bufs[l+1]
		for i, x := range src.Data {
			dst.Data[i] += x
		}
		src.Zero()
	}
}
