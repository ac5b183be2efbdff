package main

import (
	"context"
	"fmt"
	"math"
	"math/bits"
	"math/rand"

	"github.com/urfave/cli/v3"
	"gonum.org/v1/gonum/mat"

	"github.com/samcharles93/linattn/internal/gla"
	"github.com/samcharles93/linattn/internal/loglinear"
	"github.com/samcharles93/linattn/internal/logger"
	"github.com/samcharles93/linattn/internal/tensor"
)

func verifyCmd() *cli.Command {
	var tolerance float64

	flags := append([]cli.Flag{}, shapeFlags()...)
	flags = append(flags, engineFlags()...)
	flags = append(flags, loggingFlags()...)
	flags = append(flags,
		&cli.Float64Flag{
			Name:        "tolerance",
			Usage:       "maximum allowed absolute deviation from the dense reference",
			Value:       1e-3,
			Destination: &tolerance,
		},
	)

	return &cli.Command{
		Name:  "verify",
		Usage: "Check an engine against a dense quadratic reference",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			applyEngineConfig(cmd, LoadConfig())
			log := newLogger()

			var (
				maxDiff float64
				err     error
			)
			switch engineName {
			case "gla":
				maxDiff, err = verifyGLA(log)
			case "loglinear":
				maxDiff, err = verifyLogLinear(log)
			default:
				return cli.Exit(fmt.Sprintf("error: unknown engine %q", engineName), 1)
			}
			if err != nil {
				return cli.Exit(fmt.Sprintf("error: %v", err), 1)
			}

			fmt.Printf("engine:    %s\n", engineName)
			fmt.Printf("shape:     B=%d T=%d H=%d K=%d V=%d\n", batch, seqLen, heads, dimK, dimV)
			fmt.Printf("max diff:  %.3g\n", maxDiff)
			fmt.Printf("tolerance: %.3g\n", tolerance)
			if maxDiff > tolerance {
				return cli.Exit("verification FAILED", 1)
			}
			fmt.Println("verification OK")
			return nil
		},
	}
}

// verifyGLA compares the chunked scan against a dense causal product built
// from globally cumulated gates. Gates are kept mild so the global form
// stays inside float64 range.
func verifyGLA(log logger.Logger) (float64, error) {
	b, t, h := int(batch), int(seqLen), int(heads)
	dk, dv := int(dimK), int(dimV)
	r := rand.New(rand.NewSource(seed))

	q := randSeq(r, b, t, h, dk)
	k := randSeq(r, b, t, h, dk)
	v := randSeq(r, b, t, h, dv)
	g := gateSeq(r, b, t, h, dk, -0.05, -0.01)

	cfg := gla.Config{ChunkSize: int(chunkSize), SubChunkSize: int(subChunkSize), Scale: scale}
	res, err := gla.Chunk(cfg, q, k, v, g, gla.Options{})
	if err != nil {
		return 0, err
	}

	effScale := scale
	if effScale == 0 {
		effScale = 1 / math.Sqrt(float64(dk))
	}

	var maxDiff float64
	for n := range b {
		for hd := range h {
			qt := mat.NewDense(t, dk, nil)
			kt := mat.NewDense(t, dk, nil)
			vt := mat.NewDense(t, dv, nil)
			gc := make([]float64, dk)
			for p := range t {
				pos := n*t + p
				qr, kr, gr := q.Row(pos, hd), k.Row(pos, hd), g.Row(pos, hd)
				for d := range dk {
					gc[d] += float64(gr[d])
					qt.Set(p, d, float64(qr[d])*math.Exp(gc[d]))
					kt.Set(p, d, float64(kr[d])*math.Exp(-gc[d]))
				}
				vr := v.Row(pos, hd)
				for d := range dv {
					vt.Set(p, d, float64(vr[d]))
				}
			}

			scores := mat.NewDense(t, t, nil)
			scores.Mul(qt, kt.T())
			for i := range t {
				for j := range t {
					if j > i {
						scores.Set(i, j, 0)
						continue
					}
					scores.Set(i, j, scores.At(i, j)*effScale)
				}
			}
			out := mat.NewDense(t, dv, nil)
			out.Mul(scores, vt)

			maxDiff = math.Max(maxDiff, laneDiff(res.Out, out, n*t, t, hd))
		}
	}
	log.Debug("gla verification complete", "max_diff", maxDiff)
	return maxDiff, nil
}

// verifyLogLinear compares the hierarchical engine against the dense masked
// product: score(i,j) = (q_i . k_j) * exp(gc_i - gc_j) * l_i[level(i,j)].
func verifyLogLinear(log logger.Logger) (float64, error) {
	b, t, h := int(batch), int(seqLen), int(heads)
	dk, dv := int(dimK), int(dimV)
	bt := int(chunkSize)
	if bt <= 0 {
		bt = 64
	}
	r := rand.New(rand.NewSource(seed))

	q := randSeq(r, b, t, h, dk)
	k := randSeq(r, b, t, h, dk)
	v := randSeq(r, b, t, h, dv)
	g := gateSeq(r, b, t, h, 1, -0.05, -0.01)
	l := levelSeq(r, b, t, h, levelColumns(t, bt))

	res, err := loglinear.Chunk(loglinear.Config{ChunkSize: int(chunkSize)}, q, k, v, g, l, loglinear.Options{})
	if err != nil {
		return 0, err
	}

	intra := 1
	for 1<<intra <= bt {
		intra++
	}

	var maxDiff float64
	for n := range b {
		for hd := range h {
			qt := mat.NewDense(t, dk, nil)
			kt := mat.NewDense(t, dk, nil)
			vt := mat.NewDense(t, dv, nil)
			gc := make([]float64, t)
			acc := 0.0
			for p := range t {
				pos := n*t + p
				acc += float64(g.Row(pos, hd)[0])
				gc[p] = acc
				qr, kr, vr := q.Row(pos, hd), k.Row(pos, hd), v.Row(pos, hd)
				for d := range dk {
					qt.Set(p, d, float64(qr[d]))
					kt.Set(p, d, float64(kr[d]))
				}
				for d := range dv {
					vt.Set(p, d, float64(vr[d]))
				}
			}

			scores := mat.NewDense(t, t, nil)
			scores.Mul(qt, kt.T())
			for i := range t {
				lr := l.Row(n*t+i, hd)
				for j := range t {
					if j > i {
						scores.Set(i, j, 0)
						continue
					}
					ci, cj := i/bt, j/bt
					col := 0
					if ci == cj {
						col = bits.Len(uint((i % bt) ^ (j % bt)))
					} else {
						col = intra + levelOfChunk(ci, cj)
					}
					scores.Set(i, j, scores.At(i, j)*math.Exp(gc[i]-gc[j])*float64(lr[col]))
				}
			}
			out := mat.NewDense(t, dv, nil)
			out.Mul(scores, vt)

			maxDiff = math.Max(maxDiff, laneDiff(res.Out, out, n*t, t, hd))
		}
	}
	log.Debug("loglinear verification complete", "max_diff", maxDiff)
	return maxDiff, nil
}

// levelOfChunk locates the tree buffer that holds key chunk cj when the
// query sits in chunk ct. Set bits of ct are laid out high to low, the
// highest owning the earliest chunks.
func levelOfChunk(ct, cj int) int {
	start := 0
	for lv := 62; lv >= 0; lv-- {
		if ct&(1<<lv) == 0 {
			continue
		}
		if cj < start+1<<lv {
			return lv
		}
		start += 1 << lv
	}
	return 0
}

func laneDiff(got *tensor.Seq, want *mat.Dense, base, t, hd int) float64 {
	var maxDiff float64
	_, dv := want.Dims()
	for p := range t {
		row := got.Row(base+p, hd)
		for d := range dv {
			maxDiff = math.Max(maxDiff, math.Abs(float64(row[d])-want.At(p, d)))
		}
	}
	return maxDiff
}
