// Package loglinear implements chunked log-linear attention: a gated linear
// attention variant whose recurrent memory is a hierarchy of O(log T)
// key/value summaries instead of a single state matrix. Buffer l aggregates
// a run of 2^l consecutive chunks and the set of populated buffers follows
// the binary representation of the number of chunks consumed, so each query
// combines at most log2(T) inter-chunk reads, each weighted by a learned
// per-level scale.
//
// The forward pass is exact; the hierarchy is not differentiated, so
// Backward reports ErrBackwardUnsupported.
package loglinear

import (
	"errors"
	"fmt"
	"math"
	"runtime"

	"golang.org/x/sync/errgroup"

	"github.com/samcharles93/linattn/internal/tensor"
)

const (
	defaultChunkSize = 64
	minChunkSize     = 16

	// maxTreeLevel bounds the inter-chunk hierarchy; with the default
	// chunk size this caps sequences below 2^17 positions.
	maxTreeLevel = 10
)

// ErrBackwardUnsupported is returned by Result.Backward: the hierarchical
// recurrence only implements inference.
var ErrBackwardUnsupported = errors.New("loglinear: backward pass is not supported")

// Config carries the execution parameters of the chunked scan.
type Config struct {
	// ChunkSize is the number of positions per chunk (default 64). It
	// must be a power of two no smaller than 16, since the intra-chunk
	// level masks halve it recursively.
	ChunkSize int
}

// Options selects the optional inputs and outputs of a forward call.
type Options struct {
	// InitialState resumes a streamed sequence from a prior call's final
	// state.
	InitialState *State
	// OutputFinalState requests a resumable state. Suppressing it never
	// changes the primary output.
	OutputFinalState bool
	// SeqBoundaries packs variable-length sequences: a monotone list of
	// N+1 offsets delimiting N sequences inside a B == 1 tensor.
	SeqBoundaries []int
}

// State is the resumable inter-call state of a streamed sequence. Because
// level buffers only fold in completed chunks, the trailing partial chunk is
// deferred: its raw rows ride along and are replayed at the start of the
// next call.
type State struct {
	// Levels holds the key/value summary hierarchy, one [N, H, K, V]
	// tensor per level.
	Levels []*tensor.State
	// Offsets counts the positions consumed so far per sequence.
	Offsets []int
	// Trailing partial-chunk rows, one ChunkSize-position buffer per
	// sequence, zero-padded past the deferred length Offsets[n] %
	// ChunkSize.
	PrevQ, PrevK, PrevV, PrevG, PrevL *tensor.Seq
	// ChunkSize records the chunking the state was produced under; a
	// resuming call must use the same value.
	ChunkSize int
}

// Result holds the forward outputs.
type Result struct {
	// Out has the shape of v.
	Out *tensor.Seq
	// FinalState is nil unless Options.OutputFinalState was set.
	FinalState *State
}

// Backward exists for interface symmetry with the gated linear attention
// engine and always fails.
func (r *Result) Backward(do *tensor.Seq, dht *State) error {
	return ErrBackwardUnsupported
}

// Chunk runs the chunked log-linear attention forward pass.
//
// Shapes: q, k are [B, T, H, K]; v is [B, T, H, V]; g is [B, T, H, 1], one
// log-space forget gate per position and head; l is [B, T, H, L] with one
// learned scale per hierarchy level, intra-chunk levels first. With
// opts.SeqBoundaries set, B must be 1.
func Chunk(cfg Config, q, k, v, g, l *tensor.Seq, opts Options) (*Result, error) {
	cfg = cfg.withDefaults()
	if err := validate(cfg, q, k, v, g, l, opts); err != nil {
		return nil, err
	}

	segs := segments(q, opts.SeqBoundaries)
	bt := cfg.ChunkSize

	// The hierarchy depth follows the longest sequence, counting positions
	// already consumed by a resumed stream.
	maxChunks := 0
	for n, sg := range segs {
		total := sg.length
		if opts.InitialState != nil {
			total += opts.InitialState.Offsets[n]
		}
		maxChunks = max(maxChunks, (total+bt-1)/bt)
	}
	maxLevel := ceilLog2(maxChunks) - 1
	if maxLevel > maxTreeLevel {
		return nil, fmt.Errorf("loglinear: sequence needs hierarchy level %d, above the maximum %d (%d-position cap)",
			maxLevel, maxTreeLevel, (1<<(maxTreeLevel+1))*bt)
	}
	intra := numIntraLevels(bt)
	if need := intra + max(maxLevel+1, 0); l.D < need {
		return nil, fmt.Errorf("loglinear: level tensor has %d levels, need %d (%d intra-chunk + %d inter-chunk)",
			l.D, need, intra, max(maxLevel+1, 0))
	}

	e := &llEngine{
		cfg:      cfg,
		q:        q,
		k:        k,
		v:        v,
		g:        g,
		l:        l,
		segs:     segs,
		init:     opts.InitialState,
		lut:      levelTable(bt),
		intra:    intra,
		maxLevel: maxLevel,
		out:      tensor.NewSeq(v.B, v.T, v.H, v.D),
	}
	if opts.OutputFinalState {
		e.final = newState(len(segs), q.H, q.D, v.D, maxLevel+2, bt, l.D)
	}

	e.parallelLanes(func(n, h int) {
		e.forwardLane(n, h)
	})

	if e.final != nil {
		for n, sg := range e.segs {
			e.final.Offsets[n] = sg.length
			if e.init != nil {
				e.final.Offsets[n] += e.init.Offsets[n]
			}
		}
	}
	return &Result{Out: e.out, FinalState: e.final}, nil
}

func newState(n, h, k, v, nlevels, bt, nl int) *State {
	st := &State{
		Levels:    make([]*tensor.State, nlevels),
		Offsets:   make([]int, n),
		PrevQ:     tensor.NewSeq(n, bt, h, k),
		PrevK:     tensor.NewSeq(n, bt, h, k),
		PrevV:     tensor.NewSeq(n, bt, h, v),
		PrevG:     tensor.NewSeq(n, bt, h, 1),
		PrevL:     tensor.NewSeq(n, bt, h, nl),
		ChunkSize: bt,
	}
	for i := range st.Levels {
		st.Levels[i] = tensor.NewState(n, h, k, v)
	}
	return st
}

type llEngine struct {
	cfg      Config
	q, k, v  *tensor.Seq
	g, l     *tensor.Seq
	segs     []segment
	init     *State
	lut      []int
	intra    int
	maxLevel int
	out      *tensor.Seq
	final    *State
}

// laneRow resolves chunk-grid position p of a lane to a row of either the
// deferred partial chunk carried in the resumed state or the fresh input.
func laneRow(s, prev *tensor.Seq, n, h, bos, prevLen, bt, p int) []float32 {
	if p < prevLen {
		return prev.Row(n*bt+p, h)
	}
	return s.Row(bos+p-prevLen, h)
}

func (e *llEngine) forwardLane(n, h int) {
	sg := e.segs[n]
	bt := e.cfg.ChunkSize
	K := e.q.D
	V := e.v.D

	offset, prevLen := 0, 0
	if e.init != nil {
		offset = e.init.Offsets[n]
		prevLen = offset % bt
	}
	firstChunk := offset / bt
	total := prevLen + sg.length

	var pq, pk, pv, pg, pl *tensor.Seq
	if e.init != nil {
		pq, pk, pv, pg, pl = e.init.PrevQ, e.init.PrevK, e.init.PrevV, e.init.PrevG, e.init.PrevL
	}
	qrow := func(p int) []float32 { return laneRow(e.q, pq, n, h, sg.bos, prevLen, bt, p) }
	krow := func(p int) []float32 { return laneRow(e.k, pk, n, h, sg.bos, prevLen, bt, p) }
	vrow := func(p int) []float32 { return laneRow(e.v, pv, n, h, sg.bos, prevLen, bt, p) }
	grow := func(p int) float64 { return float64(laneRow(e.g, pg, n, h, sg.bos, prevLen, bt, p)[0]) }
	lrow := func(p int) []float32 { return laneRow(e.l, pl, n, h, sg.bos, prevLen, bt, p) }

	levels := newLevelSet(e.maxLevel+2, K, V)
	if e.init != nil {
		for lv := 0; lv < len(levels.bufs) && lv < len(e.init.Levels); lv++ {
			if firstChunk&(1<<lv) != 0 {
				copy(levels.bufs[lv].Data, e.init.Levels[lv].Mat(n, h).Data)
			}
		}
	}

	gc := make([]float64, bt)
	nt := (total + bt - 1) / bt
	for it := 0; it < nt; it++ {
		cs := it * bt
		clen := min(bt, total-cs)
		ci := firstChunk + it

		var acc float64
		for i := 0; i < clen; i++ {
			acc += grow(cs + i)
			gc[i] = acc
		}

		for i := 0; i < clen; i++ {
			p := cs + i
			if p < prevLen {
				continue // replayed row, output already emitted last call
			}
			orow := e.out.Row(sg.bos+p-prevLen, h)
			qi := qrow(p)
			li := lrow(p)

			for j := 0; j <= i; j++ {
				lw := li[e.lut[i*bt+j]]
				if lw == 0 {
					continue
				}
				kj := krow(cs + j)
				var dot float64
				for d := 0; d < K; d++ {
					dot += float64(qi[d]) * float64(kj[d])
				}
				w := float32(dot*math.Exp(gc[i]-gc[j])) * lw
				if w == 0 {
					continue
				}
				vj := vrow(cs + j)
				for u := 0; u < V; u++ {
					orow[u] += w * vj[u]
				}
			}

			for lv := 0; lv <= e.maxLevel; lv++ {
				if ci&(1<<lv) == 0 {
					continue
				}
				lw := float64(li[e.intra+lv]) * math.Exp(gc[i])
				if lw == 0 {
					continue
				}
				buf := levels.bufs[lv]
				for d := 0; d < K; d++ {
					qg := float32(float64(qi[d]) * lw)
					if qg == 0 {
						continue
					}
					brow := buf.Row(d)
					for u := 0; u < V; u++ {
						orow[u] += qg * brow[u]
					}
				}
			}
		}

		// Only completed chunks enter the hierarchy; a trailing partial
		// chunk is deferred to the next call through the state.
		if clen == bt {
			glast := gc[bt-1]
			levels.decay(glast)
			for i := 0; i < bt; i++ {
				levels.absorb(krow(cs+i), vrow(cs+i), math.Exp(glast-gc[i]))
			}
			levels.carry(ci)
		}
	}

	if e.final == nil {
		return
	}
	for lv, buf := range levels.bufs {
		copy(e.final.Levels[lv].Mat(n, h).Data, buf.Data)
	}
	tail := total % bt
	base := (total / bt) * bt
	for i := 0; i < tail; i++ {
		copy(e.final.PrevQ.Row(n*bt+i, h), qrow(base+i))
		copy(e.final.PrevK.Row(n*bt+i, h), krow(base+i))
		copy(e.final.PrevV.Row(n*bt+i, h), vrow(base+i))
		e.final.PrevG.Row(n*bt+i, h)[0] = float32(grow(base + i))
		copy(e.final.PrevL.Row(n*bt+i, h), lrow(base+i))
	}
}

func (e *llEngine) parallelLanes(fn func(n, h int)) {
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
	_ = eg.Wait()
}

func (c Config) withDefaults() Config {
	if c.ChunkSize <= 0 {
		c.ChunkSize = defaultChunkSize
	}
	return c
}

func validate(cfg Config, q, k, v, g, l *tensor.Seq, opts Options) error {
	if cfg.ChunkSize < minChunkSize || cfg.ChunkSize&(cfg.ChunkSize-1) != 0 {
		return fmt.Errorf("loglinear: chunk size must be a power of two >= %d, got %d", minChunkSize, cfg.ChunkSize)
	}
	if !q.SameShape(k) {
		return fmt.Errorf("loglinear: query shape [%d,%d,%d,%d] does not match key shape [%d,%d,%d,%d]",
			q.B, q.T, q.H, q.D, k.B, k.T, k.H, k.D)
	}
	if v.B != q.B || v.T != q.T || v.H != q.H {
		return fmt.Errorf("loglinear: value shape [%d,%d,%d,%d] does not match query batch/time/heads [%d,%d,%d]",
			v.B, v.T, v.H, v.D, q.B, q.T, q.H)
	}
	if g.B != q.B || g.T != q.T || g.H != q.H || g.D != 1 {
		return fmt.Errorf("loglinear: gate shape [%d,%d,%d,%d] must be [%d,%d,%d,1]",
			g.B, g.T, g.H, g.D, q.B, q.T, q.H)
	}
	if l.B != q.B || l.T != q.T || l.H != q.H {
		return fmt.Errorf("loglinear: level scale shape [%d,%d,%d,%d] does not match query batch/time/heads [%d,%d,%d]",
			l.B, l.T, l.H, l.D, q.B, q.T, q.H)
	}
	nseq := q.B
	if opts.SeqBoundaries != nil {
		if q.B != 1 {
			return fmt.Errorf("loglinear: batch size must be 1 with sequence boundaries, got %d; flatten variable-length inputs first", q.B)
		}
		if err := validateBoundaries(opts.SeqBoundaries, q.T); err != nil {
			return err
		}
		nseq = len(opts.SeqBoundaries) - 1
	}
	if st := opts.InitialState; st != nil {
		if st.ChunkSize != cfg.ChunkSize {
			return fmt.Errorf("loglinear: resumed state was chunked at %d, run uses %d", st.ChunkSize, cfg.ChunkSize)
		}
		if len(st.Offsets) != nseq {
			return fmt.Errorf("loglinear: resumed state covers %d sequences, want %d", len(st.Offsets), nseq)
		}
		for n, off := range st.Offsets {
			if off < 0 {
				return fmt.Errorf("loglinear: negative offset %d for sequence %d", off, n)
			}
		}
		for _, prev := range []*tensor.Seq{st.PrevQ, st.PrevK, st.PrevV, st.PrevG, st.PrevL} {
			if prev == nil || prev.B != nseq || prev.T != cfg.ChunkSize || prev.H != q.H {
				return fmt.Errorf("loglinear: resumed state is missing or misshaped deferred-chunk rows")
			}
		}
		if st.PrevQ.D != q.D || st.PrevV.D != v.D || st.PrevL.D != l.D {
			return fmt.Errorf("loglinear: resumed state feature widths do not match the inputs")
		}
		for i, lvl := range st.Levels {
			if lvl == nil || lvl.N != nseq || lvl.H != q.H || lvl.K != q.D || lvl.V != v.D {
				return fmt.Errorf("loglinear: resumed state level %d has the wrong shape", i)
			}
		}
	}
	return nil
}

func validateBoundaries(bounds []int, total int) error {
	if len(bounds) < 2 {
		return fmt.Errorf("loglinear: sequence boundaries need at least 2 offsets, got %d", len(bounds))
	}
	if bounds[0] != 0 {
		return fmt.Errorf("loglinear: sequence boundaries must start at 0, got %d", bounds[0])
	}
	if last := bounds[len(bounds)-1]; last != total {
		return fmt.Errorf("loglinear: sequence boundaries must end at %d, got %d", total, last)
	}
	for i := 1; i < len(bounds); i++ {
		if bounds[i] <= bounds[i-1] {
			return fmt.Errorf("loglinear: sequence boundaries must be strictly increasing, got %d after %d", bounds[i], bounds[i-1])
		}
	}
	return nil
}

// segment describes one independent sequence inside a (possibly packed)
// batch.
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

func ceilLog2(n int) int {
	l := 0
	for 1<<l < n {
		l++
	}
	return l
}
