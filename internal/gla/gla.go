// Package gla implements chunked gated linear attention: an O(T) scan over
// fixed-size time chunks that is exactly equivalent to the sequential
// recurrence
//
//	S_t = diag(exp(g_t)) S_{t-1} + k_t v_t^T
//	o_t = scale * S_t^T q_t
//
// with a per-position, per-key-dimension log-space forget gate g. Each chunk
// contributes a causal intra-chunk score matrix plus a projection of the
// carried-in recurrent state; states propagate across chunks through a
// decayed rank-BT update.
package gla

import (
	"fmt"
	"math"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/samcharles93/linattn/internal/tensor"
)

const (
	defaultChunkSize    = 64
	defaultSubChunkSize = 16
	minChunkSize        = 16
)

// Config carries the execution parameters of the chunked scan. These are
// performance knobs: any valid combination produces the same output up to
// floating-point rounding.
type Config struct {
	// ChunkSize is the number of positions processed as one parallel unit
	// (default 64). It is clamped to the sequence length's next power of
	// two, never below 16.
	ChunkSize int
	// SubChunkSize splits each chunk for the score engine (default 16).
	// ChunkSize must be an exact multiple of it.
	SubChunkSize int
	// Scale multiplies every attention score; 0 means 1/sqrt(K).
	Scale float64
	// SaveGateCumsum keeps the chunk-local gate cumulative sums from the
	// forward pass for reuse in Backward. When false they are recomputed,
	// trading compute for memory.
	SaveGateCumsum bool
}

// Options selects the optional inputs and outputs of a forward call.
type Options struct {
	// InitialState, when non-nil, seeds the recurrence with one [K, V]
	// matrix per (sequence, head); otherwise the first chunk sees a zero
	// state.
	InitialState *tensor.State
	// OutputFinalState requests the final recurrent state for streaming
	// continuation. Suppressing it never changes the primary output.
	OutputFinalState bool
	// SeqBoundaries packs variable-length sequences: a monotone list of
	// N+1 offsets delimiting N sequences inside a B == 1 tensor.
	SeqBoundaries []int
}

// Result holds the forward outputs together with the intermediates Backward
// needs.
type Result struct {
	// Out has the shape of v.
	Out *tensor.Seq
	// FinalState is nil unless Options.OutputFinalState was set.
	FinalState *tensor.State

	cfg     Config
	q, k, v *tensor.Seq
	g       *tensor.Seq // raw log-gates, kept for cumsum recompute
	gc      *tensor.Seq // chunk-local cumsums, kept only with SaveGateCumsum
	scores  *tensor.Seq // intra-chunk score rows, [B, T, H, ChunkSize]
	initial *tensor.State
	bounds  []int
}

// Gradients is the output of Result.Backward.
type Gradients struct {
	DQ, DK, DV, DG *tensor.Seq
	// DInitialState is nil unless the forward call was seeded with an
	// initial state.
	DInitialState *tensor.State
}

// Chunk runs the chunked gated linear attention forward pass.
//
// Shapes: q, k, g are [B, T, H, K]; v is [B, T, H, V]; g holds log-space
// gates before cumulative summing. With opts.SeqBoundaries set, B must be 1
// and the boundary list supplies the true sequence count. All precondition
// violations are rejected here, before any lane is dispatched.
func Chunk(cfg Config, q, k, v, g *tensor.Seq, opts Options) (*Result, error) {
	if err := validateForward(q, k, v, g, opts); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults(q)
	if cfg.ChunkSize%cfg.SubChunkSize != 0 {
		return nil, fmt.Errorf("gla: chunk size %d is not a multiple of sub-chunk size %d", cfg.ChunkSize, cfg.SubChunkSize)
	}

	e := &engine{
		cfg:    cfg,
		q:      q,
		k:      k,
		v:      v,
		g:      g,
		gc:     ChunkLocalCumsum(g, cfg.ChunkSize, opts.SeqBoundaries),
		segs:   segments(q, opts.SeqBoundaries),
		init:   opts.InitialState,
		out:    tensor.NewSeq(v.B, v.T, v.H, v.D),
		scores: tensor.NewSeq(q.B, q.T, q.H, cfg.ChunkSize),
	}
	if opts.OutputFinalState {
		e.final = tensor.NewState(len(e.segs), q.H, q.D, v.D)
	}

	e.parallelLanes(func(n, h int) {
		e.forwardLane(n, h)
	})

	res := &Result{
		Out:        e.out,
		FinalState: e.final,
		cfg:        cfg,
		q:          q,
		k:          k,
		v:          v,
		g:          g,
		scores:     e.scores,
		initial:    opts.InitialState,
		bounds:     opts.SeqBoundaries,
	}
	if cfg.SaveGateCumsum {
		res.gc = e.gc
	}
	return res, nil
}

type engine struct {
	cfg            Config
	q, k, v, g, gc *tensor.Seq
	segs           []segment
	init           *tensor.State
	out            *tensor.Seq
	scores         *tensor.Seq
	final          *tensor.State
}

func (e *engine) forwardLane(n, h int) {
	sg := e.segs[n]
	BT := e.cfg.ChunkSize
	scale := e.cfg.Scale
	scratch := newLaneScratch(e.cfg.SubChunkSize, e.q.D)

	state := tensor.NewMat(e.q.D, e.v.D)
	if e.init != nil {
		src := e.init.Mat(n, h)
		copy(state.Data, src.Data)
	}
	for cs := 0; cs < sg.length; cs += BT {
		ce := min(cs+BT, sg.length)
		intraChunkScores(e.scores, e.q, e.k, e.gc, scratch, h, sg.bos, cs, ce, e.cfg.SubChunkSize, scale)
		outputChunk(e.out, e.q, e.v, e.gc, e.scores, state, h, sg.bos, cs, ce, scale)
		advanceChunk(state, e.k, e.v, e.gc, h, sg.bos, cs, ce)
	}
	if e.final != nil {
		dst := e.final.Mat(n, h)
		copy(dst.Data, state.Data)
	}
}

// parallelLanes runs fn once per (sequence, head) lane. Lanes share no
// mutable data: each writes disjoint output rows and owns its state matrix,
// so the only ordering constraint is the chunk order inside a lane, which fn
// must preserve itself.
func (e *engine) parallelLanes(fn func(n, h int)) {
	var eg errgroup.Group
	eg.SetLimit(runtime.GOMAXPROCS(0))
	for n := range e.segs {
		for h := 0; h < e.q.H; h++ {
			eg.Go(func() error {
				fn(n, h)
				return nil
			})
		}
	}
	// Lane workers cannot fail; the group exists for bounded fan-out.
	_ = eg.Wait()
}

func (c Config) withDefaults(q *tensor.Seq) Config {
	if c.ChunkSize <= 0 {
		c.ChunkSize = defaultChunkSize
	}
	if limit := max(minChunkSize, nextPow2(q.T)); c.ChunkSize > limit {
		c.ChunkSize = limit
	}
	if c.SubChunkSize <= 0 {
		c.SubChunkSize = min(defaultSubChunkSize, c.ChunkSize)
	}
	if c.Scale == 0 {
		c.Scale = 1 / math.Sqrt(float64(q.D))
	}
	return c
}

func validateForward(q, k, v, g *tensor.Seq, opts Options) error {
	if !q.SameShape(k) {
		return fmt.Errorf("gla: query shape [%d,%d,%d,%d] does not match key shape [%d,%d,%d,%d]",
			q.B, q.T, q.H, q.D, k.B, k.T, k.H, k.D)
	}
	if !q.SameShape(g) {
		return fmt.Errorf("gla: gate shape [%d,%d,%d,%d] does not match query shape [%d,%d,%d,%d]",
			g.B, g.T, g.H, g.D, q.B, q.T, q.H, q.D)
	}
	if v.B != q.B || v.T != q.T || v.H != q.H {
		return fmt.Errorf("gla: value shape [%d,%d,%d,%d] does not match query batch/time/heads [%d,%d,%d]",
			v.B, v.T, v.H, v.D, q.B, q.T, q.H)
	}
	nseq := q.B
	if opts.SeqBoundaries != nil {
		if q.B != 1 {
			return fmt.Errorf("gla: batch size must be 1 with sequence boundaries, got %d; flatten variable-length inputs first", q.B)
		}
		if err := validateBoundaries(opts.SeqBoundaries, q.T); err != nil {
			return err
		}
		nseq = len(opts.SeqBoundaries) - 1
	}
	if st := opts.InitialState; st != nil {
		if st.N != nseq {
			return fmt.Errorf("gla: initial state has %d sequences, want %d", st.N, nseq)
		}
		if st.H != q.H || st.K != q.D || st.V != v.D {
			return fmt.Errorf("gla: initial state shape [%d,%d,%d,%d] does not match [%d,%d,%d,%d]",
				st.N, st.H, st.K, st.V, nseq, q.H, q.D, v.D)
		}
	}
	return nil
}

func validateBoundaries(bounds []int, total int) error {
	if len(bounds) < 2 {
		return fmt.Errorf("gla: sequence boundaries need at least 2 offsets, got %d", len(bounds))
	}
	if bounds[0] != 0 {
		return fmt.Errorf("gla: sequence boundaries must start at 0, got %d", bounds[0])
	}
	if last := bounds[len(bounds)-1]; last != total {
		return fmt.Errorf("gla: sequence boundaries must end at %d, got %d", total, last)
	}
	for i := 1; i < len(bounds); i++ {
		if bounds[i] <= bounds[i-1] {
			return fmt.Errorf("gla: sequence boundaries must be strictly increasing, got %d after %d", bounds[i], bounds[i-1])
		}
	}
	return nil
}

func nextPow2(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}
