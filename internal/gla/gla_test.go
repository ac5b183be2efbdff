package gla

import (
	"math"
	"testing"

	"github.com/samcharles93/linattn/internal/tensor"
)

// referenceRecurrence runs the sequential gated recurrence in float64:
//
//	S_t = diag(exp(g_t)) S_{t-1} + k_t v_t^T
//	o_t = scale * S_t^T q_t
//
// It is the ground truth every chunked configuration must reproduce.
func referenceRecurrence(q, k, v, g *tensor.Seq, scale float64, init *tensor.State, bounds []int) (*tensor.Seq, *tensor.State) {
	K := q.D
	V := v.D
	segs := segments(q, bounds)
	out := tensor.NewSeq(v.B, v.T, v.H, v.D)
	final := tensor.NewState(len(segs), q.H, K, V)

	for n, sg := range segs {
		for h := 0; h < q.H; h++ {
			state := make([]float64, K*V)
			if init != nil {
				src := init.Mat(n, h)
				for i, x := range src.Data {
					state[i] = float64(x)
				}
			}
			for t := 0; t < sg.length; t++ {
				qrow := q.Row(sg.bos+t, h)
				krow := k.Row(sg.bos+t, h)
				vrow := v.Row(sg.bos+t, h)
				grow := g.Row(sg.bos+t, h)
				for d := 0; d < K; d++ {
					decay := math.Exp(float64(grow[d]))
					for u := 0; u < V; u++ {
						state[d*V+u] = decay*state[d*V+u] + float64(krow[d])*float64(vrow[u])
					}
				}
				orow := out.Row(sg.bos+t, h)
				for u := 0; u < V; u++ {
					var sum float64
					for d := 0; d < K; d++ {
						sum += state[d*V+u] * float64(qrow[d])
					}
					orow[u] = float32(sum * scale)
				}
			}
			dst := final.Mat(n, h)
			for i := range dst.Data {
				dst.Data[i] = float32(state[i])
			}
		}
	}
	return out, final
}

// fillGates writes log-space forget gates in [-1.5, -0.02], i.e. decay
// factors in roughly [0.22, 0.98].
func fillGates(g *tensor.Seq, seed int64) {
	tmp := tensor.NewSeq(g.B, g.T, g.H, g.D)
	tensor.FillRandSeq(tmp, seed)
	for i, x := range tmp.Data {
		g.Data[i] = -0.02 - 1.48*(x+0.5)
	}
}

func testInputs(t *testing.T, b, T, h, k, v int, seed int64) (q, kk, vv, g *tensor.Seq) {
	t.Helper()
	q = tensor.NewSeq(b, T, h, k)
	kk = tensor.NewSeq(b, T, h, k)
	vv = tensor.NewSeq(b, T, h, v)
	g = tensor.NewSeq(b, T, h, k)
	tensor.FillRandSeq(q, seed)
	tensor.FillRandSeq(kk, seed+1)
	tensor.FillRandSeq(vv, seed+2)
	fillGates(g, seed+3)
	return q, kk, vv, g
}

func compareSlices(t *testing.T, got, want []float32, tol float32) {
	t.Helper()
	if len(got) != len(want) {
		t.Fatalf("length mismatch: got %d want %d", len(got), len(want))
	}
	for i := range got {
		g := got[i]
		w := want[i]
		if g < w-tol || g > w+tol {
			t.Fatalf("mismatch at %d: got %v want %v±%v", i, g, w, tol)
		}
	}
}

func TestChunkMatchesSequentialReference(t *testing.T) {
	q, k, v, g := testInputs(t, 2, 100, 3, 12, 8, 1)

	res, err := Chunk(Config{ChunkSize: 32}, q, k, v, g, Options{OutputFinalState: true})
	if err != nil {
		t.Fatal(err)
	}

	scale := 1 / math.Sqrt(float64(q.D))
	wantOut, wantFinal := referenceRecurrence(q, k, v, g, scale, nil, nil)
	compareSlices(t, res.Out.Data, wantOut.Data, 1e-4)
	compareSlices(t, res.FinalState.Data, wantFinal.Data, 1e-4)
}

func TestChunkLargeHeadDims(t *testing.T) {
	q, k, v, g := testInputs(t, 1, 128, 2, 64, 64, 7)

	res, err := Chunk(Config{ChunkSize: 64}, q, k, v, g, Options{OutputFinalState: true})
	if err != nil {
		t.Fatal(err)
	}
	st := res.FinalState
	if st == nil || st.N != 1 || st.H != 2 || st.K != 64 || st.V != 64 {
		t.Fatalf("final state shape: got %+v, want [1,2,64,64]", st)
	}

	scale := 1 / math.Sqrt(float64(q.D))
	wantOut, _ := referenceRecurrence(q, k, v, g, scale, nil, nil)
	compareSlices(t, res.Out.Data, wantOut.Data, 5e-4)
}

func TestChunkSizeInvariance(t *testing.T) {
	q, k, v, g := testInputs(t, 1, 96, 2, 16, 16, 3)

	var base *tensor.Seq
	for _, bt := range []int{16, 32, 64} {
		res, err := Chunk(Config{ChunkSize: bt, SubChunkSize: 16}, q, k, v, g, Options{})
		if err != nil {
			t.Fatalf("chunk size %d: %v", bt, err)
		}
		if base == nil {
			base = res.Out
			continue
		}
		compareSlices(t, res.Out.Data, base.Data, 1e-4)
	}
}

func TestChunkCustomScale(t *testing.T) {
	q, k, v, g := testInputs(t, 1, 48, 1, 8, 8, 11)

	res, err := Chunk(Config{ChunkSize: 16, Scale: 0.25}, q, k, v, g, Options{})
	if err != nil {
		t.Fatal(err)
	}

	wantOut, _ := referenceRecurrence(q, k, v, g, 0.25, nil, nil)
	compareSlices(t, res.Out.Data, wantOut.Data, 1e-4)
}

func TestZeroGatesReduceToLinearAttention(t *testing.T) {
	q, k, v, _ := testInputs(t, 1, 64, 2, 8, 8, 5)
	g := tensor.NewSeq(1, 64, 2, 8)

	res, err := Chunk(Config{ChunkSize: 32}, q, k, v, g, Options{})
	if err != nil {
		t.Fatal(err)
	}

	// With zero log-gates the recurrence is a plain causal sum of
	// key/value outer products.
	scale := 1 / math.Sqrt(float64(q.D))
	wantOut, _ := referenceRecurrence(q, k, v, g, scale, nil, nil)
	compareSlices(t, res.Out.Data, wantOut.Data, 1e-4)
}

func TestStreamingContinuation(t *testing.T) {
	const (
		T     = 96
		split = 32
	)
	q, k, v, g := testInputs(t, 1, T, 2, 8, 8, 9)

	full, err := Chunk(Config{ChunkSize: 32}, q, k, v, g, Options{OutputFinalState: true})
	if err != nil {
		t.Fatal(err)
	}

	slice := func(s *tensor.Seq, lo, hi int) *tensor.Seq {
		width := s.H * s.D
		return tensor.SeqFromData(1, hi-lo, s.H, s.D, s.Data[lo*width:hi*width])
	}
	head, err := Chunk(Config{ChunkSize: 32},
		slice(q, 0, split), slice(k, 0, split), slice(v, 0, split), slice(g, 0, split),
		Options{OutputFinalState: true})
	if err != nil {
		t.Fatal(err)
	}
	tail, err := Chunk(Config{ChunkSize: 32},
		slice(q, split, T), slice(k, split, T), slice(v, split, T), slice(g, split, T),
		Options{InitialState: head.FinalState, OutputFinalState: true})
	if err != nil {
		t.Fatal(err)
	}

	width := q.H * v.D
	compareSlices(t, head.Out.Data, full.Out.Data[:split*width], 1e-4)
	compareSlices(t, tail.Out.Data, full.Out.Data[split*width:], 1e-4)
	compareSlices(t, tail.FinalState.Data, full.FinalState.Data, 1e-4)
}

func TestVarlenMatchesPerSequenceRuns(t *testing.T) {
	const T = 100
	bounds := []int{0, 40, 64, 100}
	q, k, v, g := testInputs(t, 1, T, 2, 8, 8, 13)

	packed, err := Chunk(Config{ChunkSize: 32}, q, k, v, g,
		Options{SeqBoundaries: bounds, OutputFinalState: true})
	if err != nil {
		t.Fatal(err)
	}

	width := q.H * q.D
	vwidth := q.H * v.D
	for n := 0; n+1 < len(bounds); n++ {
		lo, hi := bounds[n], bounds[n+1]
		sq := tensor.SeqFromData(1, hi-lo, q.H, q.D, q.Data[lo*width:hi*width])
		sk := tensor.SeqFromData(1, hi-lo, k.H, k.D, k.Data[lo*width:hi*width])
		sv := tensor.SeqFromData(1, hi-lo, v.H, v.D, v.Data[lo*vwidth:hi*vwidth])
		sg := tensor.SeqFromData(1, hi-lo, g.H, g.D, g.Data[lo*width:hi*width])
		single, err := Chunk(Config{ChunkSize: 32}, sq, sk, sv, sg, Options{OutputFinalState: true})
		if err != nil {
			t.Fatalf("sequence %d: %v", n, err)
		}
		compareSlices(t, packed.Out.Data[lo*vwidth:hi*vwidth], single.Out.Data, 1e-4)

		base := n * packed.FinalState.H * packed.FinalState.K * packed.FinalState.V
		compareSlices(t, packed.FinalState.Data[base:base+len(single.FinalState.Data)],
			single.FinalState.Data, 1e-4)
	}
}

func TestCausality(t *testing.T) {
	q, k, v, g := testInputs(t, 1, 64, 1, 8, 8, 17)

	base, err := Chunk(Config{ChunkSize: 32}, q, k, v, g, Options{})
	if err != nil {
		t.Fatal(err)
	}

	// Perturb every input at position 40: outputs before 40 must not move.
	const cut = 40
	for _, s := range []*tensor.Seq{q, k, v, g} {
		row := s.Row(cut, 0)
		for d := range row {
			row[d] += 3
		}
	}
	perturbed, err := Chunk(Config{ChunkSize: 32}, q, k, v, g, Options{})
	if err != nil {
		t.Fatal(err)
	}

	width := v.H * v.D
	for i := 0; i < cut*width; i++ {
		if base.Out.Data[i] != perturbed.Out.Data[i] {
			t.Fatalf("position %d changed after future perturbation: %v vs %v",
				i/width, base.Out.Data[i], perturbed.Out.Data[i])
		}
	}
	moved := false
	for i := cut * width; i < len(base.Out.Data); i++ {
		if base.Out.Data[i] != perturbed.Out.Data[i] {
			moved = true
			break
		}
	}
	if !moved {
		t.Fatal("perturbation had no effect at or after the perturbed position")
	}
}

func TestFinalStateSuppression(t *testing.T) {
	q, k, v, g := testInputs(t, 1, 48, 2, 8, 8, 19)

	with, err := Chunk(Config{ChunkSize: 16}, q, k, v, g, Options{OutputFinalState: true})
	if err != nil {
		t.Fatal(err)
	}
	without, err := Chunk(Config{ChunkSize: 16}, q, k, v, g, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if without.FinalState != nil {
		t.Fatal("final state returned despite not being requested")
	}
	compareSlices(t, without.Out.Data, with.Out.Data, 0)
}

func TestChunkSizeClampedToSequenceLength(t *testing.T) {
	q, k, v, g := testInputs(t, 1, 20, 1, 4, 4, 23)

	// T == 20 clamps the default chunk of 64 down to 32; the run must
	// still agree with the recurrence.
	res, err := Chunk(Config{}, q, k, v, g, Options{})
	if err != nil {
		t.Fatal(err)
	}
	scale := 1 / math.Sqrt(float64(q.D))
	wantOut, _ := referenceRecurrence(q, k, v, g, scale, nil, nil)
	compareSlices(t, res.Out.Data, wantOut.Data, 1e-4)
}

func TestChunkValidation(t *testing.T) {
	q, k, v, g := testInputs(t, 2, 32, 2, 8, 8, 29)

	cases := []struct {
		name string
		run  func() error
	}{
		{"key shape", func() error {
			bad := tensor.NewSeq(2, 32, 2, 4)
			_, err := Chunk(Config{}, q, bad, v, g, Options{})
			return err
		}},
		{"gate shape", func() error {
			bad := tensor.NewSeq(2, 32, 2, 4)
			_, err := Chunk(Config{}, q, k, v, bad, Options{})
			return err
		}},
		{"value time", func() error {
			bad := tensor.NewSeq(2, 16, 2, 8)
			_, err := Chunk(Config{}, q, k, bad, g, Options{})
			return err
		}},
		{"boundaries with batch", func() error {
			_, err := Chunk(Config{}, q, k, v, g, Options{SeqBoundaries: []int{0, 32}})
			return err
		}},
		{"initial state sequences", func() error {
			_, err := Chunk(Config{}, q, k, v, g, Options{InitialState: tensor.NewState(3, 2, 8, 8)})
			return err
		}},
		{"initial state dims", func() error {
			_, err := Chunk(Config{}, q, k, v, g, Options{InitialState: tensor.NewState(2, 2, 4, 8)})
			return err
		}},
		{"chunk multiple", func() error {
			_, err := Chunk(Config{ChunkSize: 24, SubChunkSize: 16}, q, k, v, g, Options{})
			return err
		}},
	}
	for _, tc := range cases {
		if err := tc.run(); err == nil {
			t.Errorf("%s: expected an error", tc.name)
		}
	}
}

func TestBoundaryValidation(t *testing.T) {
	q, k, v, g := testInputs(t, 1, 32, 1, 4, 4, 31)

	for _, bad := range [][]int{
		{0},
		{4, 32},
		{0, 16},
		{0, 16, 16, 32},
		{0, 20, 10, 32},
	} {
		if _, err := Chunk(Config{}, q, k, v, g, Options{SeqBoundaries: bad}); err == nil {
			t.Errorf("boundaries %v: expected an error", bad)
		}
	}
}

func BenchmarkChunk(b *testing.B) {
	q := tensor.NewSeq(1, 2048, 4, 64)
	k := tensor.NewSeq(1, 2048, 4, 64)
	v := tensor.NewSeq(1, 2048, 4, 64)
	g := tensor.NewSeq(1, 2048, 4, 64)
	tensor.FillRandSeq(q, 1)
	tensor.FillRandSeq(k, 2)
	tensor.FillRandSeq(v, 3)
	fillGates(g, 4)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := Chunk(Config{}, q, k, v, g, Options{}); err != nil {
			b.Fatal(err)
		}
	}
}
