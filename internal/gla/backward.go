package gla

import (
	"fmt"
	"math"

	"github.com/samcharles93/linattn/internal/tensor"
)

// Backward computes gradients with respect to every forward input, given the
// output gradient do and an optional gradient dht flowing into the final
// recurrent state. It mirrors the forward pipeline in reverse: a reverse
// scan propagates the state gradient chunk by chunk while the intra-chunk
// score gradients are recovered from the saved score rows.
//
// The gate cumulative sums are reused when the forward ran with
// SaveGateCumsum, and recomputed from the raw gates otherwise.
func (r *Result) Backward(do *tensor.Seq, dht *tensor.State) (*Gradients, error) {
	if !do.SameShape(r.v) {
		return nil, fmt.Errorf("gla: output gradient shape [%d,%d,%d,%d] does not match value shape [%d,%d,%d,%d]",
			do.B, do.T, do.H, do.D, r.v.B, r.v.T, r.v.H, r.v.D)
	}
	segs := segments(r.q, r.bounds)
	if dht != nil {
		if dht.N != len(segs) || dht.H != r.q.H || dht.K != r.q.D || dht.V != r.v.D {
			return nil, fmt.Errorf("gla: final state gradient shape [%d,%d,%d,%d] does not match [%d,%d,%d,%d]",
				dht.N, dht.H, dht.K, dht.V, len(segs), r.q.H, r.q.D, r.v.D)
		}
	}

	gc := r.gc
	if gc == nil {
		gc = ChunkLocalCumsum(r.g, r.cfg.ChunkSize, r.bounds)
	}

	grads := &Gradients{
		DQ: tensor.NewSeq(r.q.B, r.q.T, r.q.H, r.q.D),
		DK: tensor.NewSeq(r.k.B, r.k.T, r.k.H, r.k.D),
		DV: tensor.NewSeq(r.v.B, r.v.T, r.v.H, r.v.D),
		DG: tensor.NewSeq(r.g.B, r.g.T, r.g.H, r.g.D),
	}
	if r.initial != nil {
		grads.DInitialState = tensor.NewState(len(segs), r.q.H, r.q.D, r.v.D)
	}

	e := &engine{
		cfg:    r.cfg,
		q:      r.q,
		k:      r.k,
		v:      r.v,
		g:      r.g,
		gc:     gc,
		segs:   segs,
		init:   r.initial,
		scores: r.scores,
	}
	e.parallelLanes(func(n, h int) {
		e.backwardLane(n, h, grads, do, dht)
	})
	return grads, nil
}

func (e *engine) backwardLane(n, h int, grads *Gradients, do *tensor.Seq, dht *tensor.State) {
	sg := e.segs[n]
	BT := e.cfg.ChunkSize
	K := e.q.D
	V := e.v.D
	scale := e.cfg.Scale
	nt := (sg.length + BT - 1) / BT

	// Recompute the per-chunk state snapshots in forward order.
	snaps := make([]tensor.Mat, nt)
	state := tensor.NewMat(K, V)
	if e.init != nil {
		copy(state.Data, e.init.Mat(n, h).Data)
	}
	for c := 0; c < nt; c++ {
		snaps[c] = state.Clone()
		cs := c * BT
		advanceChunk(state, e.k, e.v, e.gc, h, sg.bos, cs, min(cs+BT, sg.length))
	}

	// dh tracks the gradient flowing into the state produced by the chunk
	// currently being processed (the state its successor consumed).
	dh := tensor.NewMat(K, V)
	if dht != nil {
		copy(dh.Data, dht.Mat(n, h).Data)
	}

	bt := BT
	dA := make([]float32, bt*bt)
	dq := make([]float32, bt*K)
	dk := make([]float32, bt*K)
	dgk := make([]float64, K)

	for c := nt - 1; c >= 0; c-- {
		cs := c * BT
		ce := min(cs+BT, sg.length)
		clen := ce - cs
		gn := e.gc.Row(sg.bos+ce-1, h)
		snap := snaps[c]

		// Score gradient: dA = causal(do @ v^T) * scale.
		for i := cs; i < ce; i++ {
			dorow := do.Row(sg.bos+i, h)
			for j := cs; j <= i; j++ {
				vrow := e.v.Row(sg.bos+j, h)
				var sum float64
				for u := 0; u < V; u++ {
					sum += float64(dorow[u]) * float64(vrow[u])
				}
				dA[(i-cs)*bt+(j-cs)] = float32(sum * scale)
			}
		}

		for i := range dq[:clen*K] {
			dq[i] = 0
			dk[i] = 0
		}
		for d := range dgk {
			dgk[d] = 0
		}

		for i := cs; i < ce; i++ {
			li := i - cs
			krow := e.k.Row(sg.bos+i, h)
			grow := e.gc.Row(sg.bos+i, h)
			dorow := do.Row(sg.bos+i, h)
			dvrow := grads.DV.Row(sg.bos+i, h)

			// dq_intra[i] = sum_{j<=i} dA[i][j] * k_j * exp(gc_i - gc_j)
			for j := cs; j <= i; j++ {
				da := dA[li*bt+(j-cs)]
				if da == 0 {
					continue
				}
				kj := e.k.Row(sg.bos+j, h)
				gj := e.gc.Row(sg.bos+j, h)
				dst := dq[li*K : li*K+K]
				for d := 0; d < K; d++ {
					dst[d] += da * float32(float64(kj[d])*math.Exp(float64(grow[d]-gj[d])))
				}
			}
			// dk_intra[i] = sum_{j>=i} dA[j][i] * q_j * exp(gc_j - gc_i)
			for j := i; j < ce; j++ {
				da := dA[(j-cs)*bt+li]
				if da == 0 {
					continue
				}
				qj := e.q.Row(sg.bos+j, h)
				gj := e.gc.Row(sg.bos+j, h)
				dst := dk[li*K : li*K+K]
				for d := 0; d < K; d++ {
					dst[d] += da * float32(float64(qj[d])*math.Exp(float64(gj[d]-grow[d])))
				}
			}
			// dv_intra[i] = sum_{j>=i} A[j][i] * do_j (A carries the scale).
			for j := i; j < ce; j++ {
				a := e.scores.Row(sg.bos+j, h)[li]
				if a == 0 {
					continue
				}
				doj := do.Row(sg.bos+j, h)
				for u := 0; u < V; u++ {
					dvrow[u] += a * doj[u]
				}
			}

			// Inter contributions through the carried-in snapshot and the
			// state gradient dh.
			dst := dq[li*K : li*K+K]
			for d := 0; d < K; d++ {
				srow := snap.Row(d)
				var sum float64
				for u := 0; u < V; u++ {
					sum += float64(dorow[u]) * float64(srow[u])
				}
				dst[d] += float32(sum * scale * math.Exp(float64(grow[d])))
			}
			vrow := e.v.Row(sg.bos+i, h)
			dst = dk[li*K : li*K+K]
			for d := 0; d < K; d++ {
				dhrow := dh.Row(d)
				var sum float64
				for u := 0; u < V; u++ {
					sum += float64(vrow[u]) * float64(dhrow[u])
				}
				dkInter := sum * math.Exp(float64(gn[d]-grow[d]))
				dst[d] += float32(dkInter)
				dgk[d] += dkInter * float64(krow[d])
			}
			for d := 0; d < K; d++ {
				kg := float32(float64(krow[d]) * math.Exp(float64(gn[d]-grow[d])))
				if kg == 0 {
					continue
				}
				dhrow := dh.Row(d)
				for u := 0; u < V; u++ {
					dvrow[u] += kg * dhrow[u]
				}
			}
		}

		// Decay-path gate gradient shared by every position of the chunk.
		for d := 0; d < K; d++ {
			srow := snap.Row(d)
			dhrow := dh.Row(d)
			var sum float64
			for u := 0; u < V; u++ {
				sum += float64(srow[u]) * float64(dhrow[u])
			}
			dgk[d] += sum * math.Exp(float64(gn[d]))
		}

		// dg for raw gates: suffix sums of q*dq - k*dk plus the decay term.
		for d := 0; d < K; d++ {
			var suffix float64
			for i := ce - 1; i >= cs; i-- {
				li := i - cs
				qv := float64(e.q.Row(sg.bos+i, h)[d]) * float64(dq[li*K+d])
				kv := float64(e.k.Row(sg.bos+i, h)[d]) * float64(dk[li*K+d])
				suffix += qv - kv
				grads.DG.Row(sg.bos+i, h)[d] = float32(suffix + dgk[d])
			}
		}

		// Flush lane gradients for this chunk.
		for i := cs; i < ce; i++ {
			li := i - cs
			dqrow := grads.DQ.Row(sg.bos+i, h)
			dkrow := grads.DK.Row(sg.bos+i, h)
			copy(dqrow, dq[li*K:li*K+K])
			copy(dkrow, dk[li*K:li*K+K])
		}

		// Propagate the state gradient to the preceding chunk:
		// dh_c = exp(gn) (.) dh_{c+1} + (scale * q * exp(gc))^T @ do.
		for d := 0; d < K; d++ {
			decay := float32(math.Exp(float64(gn[d])))
			dhrow := dh.Row(d)
			for u := 0; u < V; u++ {
				dhrow[u] *= decay
			}
		}
		for i := cs; i < ce; i++ {
			qrow := e.q.Row(sg.bos+i, h)
			grow := e.gc.Row(sg.bos+i, h)
			dorow := do.Row(sg.bos+i, h)
			for d := 0; d < K; d++ {
				qg := float32(float64(qrow[d]) * scale * math.Exp(float64(grow[d])))
				if qg == 0 {
					continue
				}
				dhrow := dh.Row(d)
				for u := 0; u < V; u++ {
					dhrow[u] += qg * dorow[u]
				}
			}
		}
	}

	if grads.DInitialState != nil {
		copy(grads.DInitialState.Mat(n, h).Data, dh.Data)
	}
}
