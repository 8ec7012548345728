package main

import (
	"flag"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the optional YAML file passed with -config. Pointer fields
// distinguish "not set" from zero values.
type Config struct {
	Rows      *int     `yaml:"rows"`
	Cols      *int     `yaml:"cols"`
	Window    *int     `yaml:"window"`
	BatchSize *int     `yaml:"batch_size"`
	Fill      *float64 `yaml:"fill"`
	Sentinel  *float64 `yaml:"sentinel"`
	Policy    string   `yaml:"policy"`
	Workers   *int     `yaml:"workers"`

	Backend  string `yaml:"backend"`
	MaxBytes string `yaml:"max_bytes"`

	ListenAddress string `yaml:"listen_address"`
	FlightAddress string `yaml:"flight_address"`
	MaxCells      *int64 `yaml:"max_cells"`
	CacheSize     *int   `yaml:"cache_size"`

	LogLevel string `yaml:"log_level"`
}

// LoadConfig reads a config file. An empty path yields a zero Config.
func LoadConfig(path string) (Config, error) {
	var cfg Config
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// setFlags returns the names of flags given explicitly on the command line.
func setFlags(fs *flag.FlagSet) map[string]bool {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})
	return set
}

// apply copies config values into opts where the flag was not set explicitly.
func (cfg Config) apply(opts *options, set map[string]bool) {
	if cfg.Rows != nil && !set["rows"] {
		opts.Rows = *cfg.Rows
	}
	if cfg.Cols != nil && !set["cols"] {
		opts.Cols = *cfg.Cols
	}
	if cfg.Window != nil && !set["window"] {
		opts.Window = *cfg.Window
	}
	if cfg.BatchSize != nil && !set["batch"] {
		opts.BatchSize = *cfg.BatchSize
	}
	if cfg.Fill != nil && !set["fill"] {
		opts.Fill = *cfg.Fill
	}
	if cfg.Sentinel != nil && !set["sentinel"] {
		opts.Sentinel = *cfg.Sentinel
	}
	if cfg.Policy != "" && !set["policy"] {
		opts.Policy = cfg.Policy
	}
	if cfg.Workers != nil && !set["workers"] {
		opts.Workers = *cfg.Workers
	}
	if cfg.Backend != "" && !set["backend"] {
		opts.Backend = cfg.Backend
	}
	if cfg.MaxBytes != "" && !set["max-bytes"] {
		opts.MaxBytes = cfg.MaxBytes
	}
	if cfg.ListenAddress != "" && !set["listen"] {
		opts.ListenAddr = cfg.ListenAddress
	}
	if cfg.FlightAddress != "" && !set["flight"] {
		opts.FlightAddr = cfg.FlightAddress
	}
	if cfg.MaxCells != nil && !set["max-cells"] {
		opts.MaxCells = *cfg.MaxCells
	}
	if cfg.CacheSize != nil && !set["cache-size"] {
		opts.CacheSize = *cfg.CacheSize
	}
	if cfg.LogLevel != "" && !set["log-level"] {
		opts.LogLevel = cfg.LogLevel
	}
}
