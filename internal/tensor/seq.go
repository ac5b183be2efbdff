package tensor

import "math/rand"

// Seq is a dense [B, T, H, D] sequence tensor stored flat in row-major order:
// batch, time step, head, feature. The element (b, t, h, d) lives at
// ((b*T+t)*H+h)*D+d, so a (head, feature) row for one position is contiguous
// and one head's lane walks the buffer with stride H*D.
//
// Variable-length batches are packed with B == 1 and positions addressed
// through absolute offsets, which is why most kernels index positions as
// b*T+t rather than through (b, t) pairs.
type Seq struct {
	B, T, H, D int
	Data       []float32
}

// NewSeq allocates a zero-filled sequence tensor.
func NewSeq(b, t, h, d int) *Seq {
	if b < 0 || t < 0 || h < 0 || d < 0 {
		panic("negative dimension for sequence tensor")
	}
	return &Seq{
		B:    b,
		T:    t,
		H:    h,
		D:    d,
		Data: make([]float32, b*t*h*d),
	}
}

// SeqFromData creates a sequence tensor viewing existing data.
func SeqFromData(b, t, h, d int, data []float32) *Seq {
	if b*t*h*d != len(data) {
		panic("data length mismatch")
	}
	return &Seq{B: b, T: t, H: h, D: d, Data: data}
}

// Row returns the D-element feature vector at absolute position pos (b*T+t)
// for head h, as a mutable view.
func (s *Seq) Row(pos, h int) []float32 {
	base := (pos*s.H + h) * s.D
	return s.Data[base : base+s.D]
}

// At reads a single element.
func (s *Seq) At(b, t, h, d int) float32 {
	return s.Data[((b*s.T+t)*s.H+h)*s.D+d]
}

// Set writes a single element.
func (s *Seq) Set(b, t, h, d int, v float32) {
	s.Data[((b*s.T+t)*s.H+h)*s.D+d] = v
}

// Clone returns a deep copy.
func (s *Seq) Clone() *Seq {
	out := NewSeq(s.B, s.T, s.H, s.D)
	copy(out.Data, s.Data)
	return out
}

// Zero resets every element to zero.
func (s *Seq) Zero() {
	for i := range s.Data {
		s.Data[i] = 0
	}
}

// SameShape reports whether two tensors have identical dimensions.
func (s *Seq) SameShape(o *Seq) bool {
	return s.B == o.B && s.T == o.T && s.H == o.H && s.D == o.D
}

// FillRandSeq fills the tensor with reproducible pseudo-random values in
// (-0.5, 0.5). The seed controls the sequence.
func FillRandSeq(s *Seq, seed int64) {
	rng := rand.New(rand.NewSource(seed))
	for i := range s.Data {
		s.Data[i] = rng.Float32() - 0.5
	}
}

// State holds one [K, V] recurrent state matrix per (sequence, head) pair,
// stored flat as [N, H, K, V]. N is the number of independent sequences,
// which matches the batch size for dense batches and the boundary count for
// packed variable-length input.
type State struct {
	N, H, K, V int
	Data       []float32
}

// NewState allocates a zero state.
func NewState(n, h, k, v int) *State {
	if n < 0 || h < 0 || k < 0 || v < 0 {
		panic("negative dimension for state tensor")
	}
	return &State{
		N:    n,
		H:    h,
		K:    k,
		V:    v,
		Data: make([]float32, n*h*k*v),
	}
}

// Mat returns the [K, V] state matrix for sequence n and head h as a view.
func (st *State) Mat(n, h int) Mat {
	base := (n*st.H + h) * st.K * st.V
	return MatFromData(st.K, st.V, st.Data[base:base+st.K*st.V])
}

// Clone returns a deep copy.
func (st *State) Clone() *State {
	out := NewState(st.N, st.H, st.K, st.V)
	copy(out.Data, st.Data)
	return out
}
