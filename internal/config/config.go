// Package config loads the TOML-backed Options that parameterize a
// runner/jobserver invocation (nproc, rundir root, log level, exec
// timeout). It is a convenience layer: callers may set the runner.Runner
// fields and construct jobserver.Options directly in code instead.
package config

import (
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration is a time.Duration that unmarshals from TOML strings like
// "60s" or "2m".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", string(text), err)
	}
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Options is the top-level dfm configuration document.
type Options struct {
	General   General   `toml:"general"`
	Jobserver Jobserver `toml:"jobserver"`
	History   History   `toml:"history"`
	Loader    Loader    `toml:"loader"`
}

// General controls scheduling and execution defaults.
type General struct {
	Nproc        int      `toml:"nproc"`        // default: runtime.NumCPU()
	RundirRoot   string   `toml:"rundir_root"`  // default: "./rundir"
	LogLevel     string   `toml:"log_level"`    // default: "info"
	ExecTimeout  Duration `toml:"exec_timeout"` // default: 0 (no timeout)
	SaveExecData bool     `toml:"save_exec_data"`
}

// Jobserver configures the POSIX jobserver token pool.
type Jobserver struct {
	Enabled bool   `toml:"enabled"`
	Fifo    string `toml:"fifo"` // explicit FIFO path; empty generates one per run
}

// History configures the sqlite-backed run-history store.
type History struct {
	Enabled bool   `toml:"enabled"`
	DBPath  string `toml:"db_path"` // default: "<rundir_root>/history.db"
}

// Loader configures the YAML package search path.
type Loader struct {
	SearchPath []string `toml:"search_path"`
}

// Load reads and validates a dfm TOML configuration file, applying
// defaults for any field left unset.
func Load(path string) (*Options, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	var opts Options
	if _, err := toml.Decode(string(data), &opts); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}

	applyDefaults(&opts)

	if err := validate(&opts); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return &opts, nil
}

func applyDefaults(opts *Options) {
	if opts.General.Nproc <= 0 {
		opts.General.Nproc = runtime.NumCPU()
	}
	if opts.General.RundirRoot == "" {
		opts.General.RundirRoot = "./rundir"
	}
	if opts.General.LogLevel == "" {
		opts.General.LogLevel = "info"
	}
	if opts.History.Enabled && opts.History.DBPath == "" {
		opts.History.DBPath = opts.General.RundirRoot + "/history.db"
	}
}

func validate(opts *Options) error {
	switch opts.General.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("general.log_level must be one of debug, info, warn, error, got %q", opts.General.LogLevel)
	}
	if opts.General.Nproc < 1 {
		return fmt.Errorf("general.nproc must be >= 1")
	}
	if opts.General.ExecTimeout.Duration < 0 {
		return fmt.Errorf("general.exec_timeout cannot be negative")
	}
	return nil
}
