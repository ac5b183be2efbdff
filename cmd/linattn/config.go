package main

import (
	"os"
	"path/filepath"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"
)

// Config represents the linattn configuration file
// (~/.config/linattn/config.yaml). Numeric fields are pointers so we can
// distinguish "not set" from zero values.
type Config struct {
	// Engine defaults
	Engine       string `yaml:"engine"`
	ChunkSize    *int64 `yaml:"chunk_size"`
	SubChunkSize *int64 `yaml:"sub_chunk_size"`
	Seed         *int64 `yaml:"seed"`

	// Output
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// Server
	ServerAddress string `yaml:"server_address"`
}

func configPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "linattn", "config.yaml")
}

// applyEngineConfig applies config file defaults to engine command variables
// when the corresponding CLI flag was not explicitly set.
func applyEngineConfig(c *cli.Command, cfg Config) {
	if cfg.Engine != "" && !c.IsSet("engine") {
		engineName = cfg.Engine
	}
	if cfg.ChunkSize != nil && !c.IsSet("chunk-size") {
		chunkSize = *cfg.ChunkSize
	}
	if cfg.SubChunkSize != nil && !c.IsSet("sub-chunk-size") {
		subChunkSize = *cfg.SubChunkSize
	}
	if cfg.Seed != nil && !c.IsSet("seed") {
		seed = *cfg.Seed
	}
	if cfg.LogLevel != "" && !c.IsSet("log-level") {
		logLevel = cfg.LogLevel
	}
	if cfg.LogFormat != "" && !c.IsSet("log-format") {
		logFormat = cfg.LogFormat
	}
}

// applyServeConfig applies config file defaults to serve command variables.
func applyServeConfig(c *cli.Command, cfg Config, addr *string) {
	if cfg.ServerAddress != "" && !c.IsSet("addr") {
		*addr = cfg.ServerAddress
	}
	if cfg.LogLevel != "" && !c.IsSet("log-level") {
		logLevel = cfg.LogLevel
	}
	if cfg.LogFormat != "" && !c.IsSet("log-format") {
		logFormat = cfg.LogFormat
	}
}

// LoadConfig reads the config file. Returns a zero Config if the file doesn't exist.
func LoadConfig() Config {
	path := configPath()
	if path == "" {
		return Config{}
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}
	}
	return cfg
}
