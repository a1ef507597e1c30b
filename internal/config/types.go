// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/yfractal/sdb/pkg/scanner"
)

// Status represents the status of a configuration load.
type Status uint8

const (
	// StatusOK indicates the configuration was parsed and validated.
	StatusOK Status = 1 << iota
	// StatusInvalid indicates the configuration was rejected.
	StatusInvalid
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusInvalid:
		return "invalid"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}

// Config is the content of the sdb configuration file.
type Config struct {
	Scan    ScanConfig    `yaml:"scan"`
	Cluster ClusterConfig `yaml:"cluster"`
	Export  ExportConfig  `yaml:"export"`
	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// ScanConfig selects what is sampled. A disabled scan stops the current
// session.
type ScanConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Filter   string        `yaml:"filter"`
	Arg      string        `yaml:"arg"`
	Interval time.Duration `yaml:"interval"`

	// MaxConsecutiveFailures aborts a session after that many failed pull
	// passes in a row (0 = never)
	MaxConsecutiveFailures int `yaml:"max_consecutive_failures"`
}

// SessionSpec returns the session this section asks for.
func (s ScanConfig) SessionSpec() scanner.SessionSpec {
	return scanner.SessionSpec{
		FilterKind: s.Filter,
		FilterArg:  s.Arg,
		Interval:   s.Interval,
	}
}

type ClusterConfig struct {
	// Workers is the number of worker processes (0 = single process)
	Workers int `yaml:"workers"`

	// ShutdownTimeout bounds how long a worker waits for its sampler to stop
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	// MaxRestarts bounds restarts of a crashing worker (0 = never restart)
	MaxRestarts int `yaml:"max_restarts"`

	// RestartBackoffMax caps the delay between two restarts of a worker
	RestartBackoffMax time.Duration `yaml:"restart_backoff_max"`
}

type ExportConfig struct {
	Debug DebugExportConfig `yaml:"debug"`
	Pprof PprofExportConfig `yaml:"pprof"`
}

type DebugExportConfig struct {
	Enabled bool   `yaml:"enabled"`
	Level   string `yaml:"level"`
	Format  string `yaml:"format"`
}

type PprofExportConfig struct {
	Enabled       bool          `yaml:"enabled"`
	Dir           string        `yaml:"dir"`
	FlushInterval time.Duration `yaml:"flush_interval"`
}

type LoggingConfig struct {
	// Verbosity is the logr V level enabled (0 = info only)
	Verbosity   int  `yaml:"verbosity"`
	Development bool `yaml:"development"`
}

type MetricsConfig struct {
	// Addr is the listen address of the Prometheus endpoint ("" = disabled)
	Addr string `yaml:"addr"`
	Path string `yaml:"path"`
}

// Defaults returns the configuration used for keys missing from the file.
func Defaults() Config {
	return Config{
		Scan: ScanConfig{
			Enabled:  true,
			Filter:   scanner.FilterKindNameContains,
			Arg:      scanner.WorkerPoolThreadMarker,
			Interval: time.Millisecond,
		},
		Cluster: ClusterConfig{
			ShutdownTimeout:   5 * time.Second,
			MaxRestarts:       3,
			RestartBackoffMax: 10 * time.Second,
		},
		Export: ExportConfig{
			Debug: DebugExportConfig{Level: "details", Format: "text"},
			Pprof: PprofExportConfig{Dir: "profiles", FlushInterval: 10 * time.Second},
		},
		Metrics: MetricsConfig{Path: "/metrics"},
	}
}

// Validate checks the configuration. Filters are resolved against the
// scanner filter registry.
func (c Config) Validate() error {
	var errs []error

	if c.Scan.Interval < 0 {
		errs = append(errs, fmt.Errorf("scan.interval: %w", scanner.ErrInvalidInterval))
	}
	if _, err := scanner.LookupFilter(c.Scan.Filter, c.Scan.Arg); err != nil {
		errs = append(errs, fmt.Errorf("scan.filter: %w", err))
	}
	if c.Scan.MaxConsecutiveFailures < 0 {
		errs = append(errs, errors.New("scan.max_consecutive_failures must be >= 0"))
	}
	if c.Cluster.Workers < 0 {
		errs = append(errs, errors.New("cluster.workers must be >= 0"))
	}
	if c.Cluster.ShutdownTimeout <= 0 {
		errs = append(errs, errors.New("cluster.shutdown_timeout must be positive"))
	}
	if c.Cluster.MaxRestarts < 0 {
		errs = append(errs, errors.New("cluster.max_restarts must be >= 0"))
	}
	if c.Export.Pprof.Enabled && c.Export.Pprof.Dir == "" {
		errs = append(errs, errors.New("export.pprof.dir cannot be empty"))
	}
	if c.Logging.Verbosity < 0 {
		errs = append(errs, errors.New("logging.verbosity must be >= 0"))
	}

	return errors.Join(errs...)
}

// Update is one (re)load of the configuration file. When Status is
// StatusInvalid, Err tells why and Config holds the last valid
// configuration.
type Update struct {
	Path   string
	Config Config
	Status Status
	Err    error
}
