package main

import (
	"context"
	"fmt"
	"math/rand"
	"runtime"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/linattn/internal/gla"
	"github.com/samcharles93/linattn/internal/loglinear"
)

func benchCmd() *cli.Command {
	var (
		warmupRuns int64
		benchRuns  int64
		backward   bool
	)

	flags := append([]cli.Flag{}, shapeFlags()...)
	flags = append(flags, engineFlags()...)
	flags = append(flags, loggingFlags()...)
	flags = append(flags,
		&cli.Int64Flag{
			Name:        "warmup",
			Usage:       "number of warmup runs",
			Value:       1,
			Destination: &warmupRuns,
		},
		&cli.Int64Flag{
			Name:        "runs",
			Usage:       "number of benchmark runs",
			Value:       5,
			Destination: &benchRuns,
		},
		&cli.BoolFlag{
			Name:        "backward",
			Usage:       "also time the gla backward pass",
			Destination: &backward,
		},
	)

	return &cli.Command{
		Name:  "bench",
		Usage: "Run standardized attention benchmarks",
		Flags: flags,
		Action: func(ctx context.Context, cmd *cli.Command) error {
			applyEngineConfig(cmd, LoadConfig())
			log := newLogger()

			if backward && engineName != "gla" {
				return cli.Exit("error: --backward is only supported by the gla engine", 1)
			}

			b, t, h := int(batch), int(seqLen), int(heads)
			dk, dv := int(dimK), int(dimV)
			r := rand.New(rand.NewSource(seed))

			fmt.Println("=== linattn benchmark ===")
			fmt.Printf("Engine:   %s\n", engineName)
			fmt.Printf("Shape:    B=%d T=%d H=%d K=%d V=%d\n", b, t, h, dk, dv)
			fmt.Printf("CPUs:     %d\n", runtime.NumCPU())
			fmt.Printf("GOMAXPROCS: %d\n", runtime.GOMAXPROCS(0))
			fmt.Printf("Warmup:   %d runs\n", warmupRuns)
			fmt.Printf("Runs:     %d\n", benchRuns)
			fmt.Println()

			var step func() (time.Duration, time.Duration, error)
			switch engineName {
			case "gla":
				q := randSeq(r, b, t, h, dk)
				k := randSeq(r, b, t, h, dk)
				v := randSeq(r, b, t, h, dv)
				g := gateSeq(r, b, t, h, dk, -1.5, -0.02)
				do := randSeq(r, b, t, h, dv)
				cfg := gla.Config{
					ChunkSize:      int(chunkSize),
					SubChunkSize:   int(subChunkSize),
					Scale:          scale,
					SaveGateCumsum: backward,
				}
				step = func() (time.Duration, time.Duration, error) {
					start := time.Now()
					res, err := gla.Chunk(cfg, q, k, v, g, gla.Options{})
					if err != nil {
						return 0, 0, err
					}
					fwd := time.Since(start)
					if !backward {
						return fwd, 0, nil
					}
					start = time.Now()
					if _, err := res.Backward(do, nil); err != nil {
						return 0, 0, err
					}
					return fwd, time.Since(start), nil
				}
			case "loglinear":
				bt := int(chunkSize)
				if bt <= 0 {
					bt = 64
				}
				q := randSeq(r, b, t, h, dk)
				k := randSeq(r, b, t, h, dk)
				v := randSeq(r, b, t, h, dv)
				g := gateSeq(r, b, t, h, 1, -1.5, -0.02)
				l := levelSeq(r, b, t, h, levelColumns(t, bt))
				cfg := loglinear.Config{ChunkSize: int(chunkSize)}
				step = func() (time.Duration, time.Duration, error) {
					start := time.Now()
					_, err := loglinear.Chunk(cfg, q, k, v, g, l, loglinear.Options{})
					return time.Since(start), 0, err
				}
			default:
				return cli.Exit(fmt.Sprintf("error: unknown engine %q", engineName), 1)
			}

			for i := range int(warmupRuns) {
				log.Info("warmup run", "run", i+1)
				if _, _, err := step(); err != nil {
					return cli.Exit(fmt.Sprintf("error: warmup run %d: %v", i+1, err), 1)
				}
			}

			type runResult struct {
				Forward  time.Duration
				Backward time.Duration
				TokPS    float64
			}
			results := make([]runResult, 0, benchRuns)
			tokens := float64(b * t * h)

			for i := range int(benchRuns) {
				log.Info("benchmark run", "run", i+1)
				fwd, bwd, err := step()
				if err != nil {
					return cli.Exit(fmt.Sprintf("error: benchmark run %d: %v", i+1, err), 1)
				}
				results = append(results, runResult{
					Forward:  fwd,
					Backward: bwd,
					TokPS:    tokens / fwd.Seconds(),
				})
			}

			fmt.Println("=== Results ===")
			fmt.Printf("%-6s %12s %12s %14s\n", "Run", "Forward", "Backward", "Rows/s")
			var sumFwd, sumBwd time.Duration
			var sumTPS float64
			for i, res := range results {
				fmt.Printf("%-6d %12s %12s %14.0f\n",
					i+1, res.Forward.Round(time.Microsecond), res.Backward.Round(time.Microsecond), res.TokPS)
				sumFwd += res.Forward
				sumBwd += res.Backward
				sumTPS += res.TokPS
			}
			n := time.Duration(len(results))
			fmt.Println()
			fmt.Printf("%-6s %12s %12s %14.0f\n", "mean",
				(sumFwd / n).Round(time.Microsecond), (sumBwd / n).Round(time.Microsecond),
				sumTPS/float64(len(results)))
			return nil
		},
	}
}
