// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package pprof

import (
	"errors"
	"time"
)

// Config holds configuration for the pprof file consumer
type Config struct {
	// Dir is where profiles are written
	Dir string

	// FlushInterval is how often the aggregated profile is written out
	FlushInterval time.Duration

	// MaxStacks bounds the number of distinct stacks held between flushes.
	// Samples of new stacks are dropped once it is reached.
	MaxStacks int

	// FilePrefix is prepended to every file name
	FilePrefix string
}

// DefaultConfig returns a sensible default configuration
func DefaultConfig() Config {
	return Config{
		Dir:           "profiles",
		FlushInterval: 10 * time.Second,
		MaxStacks:     10000,
		FilePrefix:    "sdb",
	}
}

// Validate checks if the configuration is valid
func (c Config) Validate() error {
	if c.Dir == "" {
		return errors.New("profile directory cannot be empty")
	}
	if c.FlushInterval <= 0 {
		return errors.New("flush interval must be positive")
	}
	if c.MaxStacks <= 0 {
		return errors.New("max stacks must be positive")
	}
	return nil
}
