package main

import "github.com/urfave/cli/v3"

var (
	batch        int64
	seqLen       int64
	heads        int64
	dimK         int64
	dimV         int64
	chunkSize    int64
	subChunkSize int64
	scale        float64
	seed         int64
	engineName   string
	logLevel     string
	logFormat    string
	debug        bool
)

func shapeFlags() []cli.Flag {
	return []cli.Flag{
		&cli.Int64Flag{
			Name:        "batch",
			Aliases:     []string{"b"},
			Usage:       "number of sequences",
			Value:       2,
			Destination: &batch,
		},
		&cli.Int64Flag{
			Name:        "seq-len",
			Aliases:     []string{"t"},
			Usage:       "sequence length in positions",
			Value:       256,
			Destination: &seqLen,
		},
		&cli.Int64Flag{
			Name:        "heads",
			Aliases:     []string{"H"},
			Usage:       "number of attention heads",
			Value:       4,
			Destination: &heads,
		},
		&cli.Int64Flag{
			Name:        "dim-k",
			Usage:       "key dimension per head",
			Value:       64,
			Destination: &dimK,
		},
		&cli.Int64Flag{
			Name:        "dim-v",
			Usage:       "value dimension per head",
			Value:       64,
			Destination: &dimV,
		},
		&cli.Int64Flag{
			Name:        "seed",
			Usage:       "seed for input generation",
			Value:       42,
			Destination: &seed,
		},
	}
}

func engineFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "engine",
			Aliases:     []string{"e"},
			Usage:       "attention engine (gla, loglinear)",
			Value:       "gla",
			Destination: &engineName,
		},
		&cli.Int64Flag{
			Name:        "chunk-size",
			Usage:       "chunk size (power of two, min 16; 0 uses the engine default)",
			Destination: &chunkSize,
		},
		&cli.Int64Flag{
			Name:        "sub-chunk-size",
			Usage:       "gla sub-chunk size (0 uses the engine default)",
			Destination: &subChunkSize,
		},
		&cli.Float64Flag{
			Name:        "scale",
			Usage:       "gla score scale (0 uses 1/sqrt(dim-k))",
			Destination: &scale,
		},
	}
}

func loggingFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:        "log-level",
			Usage:       "log level (debug, info, warn, error)",
			Value:       "info",
			Destination: &logLevel,
		},
		&cli.StringFlag{
			Name:        "log-format",
			Usage:       "log format (pretty, json, text)",
			Value:       "pretty",
			Destination: &logFormat,
		},
		&cli.BoolFlag{
			Name:        "debug",
			Usage:       "enable debug logging (shorthand for --log-level=debug)",
			Destination: &debug,
		},
	}
}
