// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package pprof

import (
	"flag"
	"time"
)

// Command-line flag variables (populated by init())
var (
	flagEnabled       *bool
	flagDir           *string
	flagFlushInterval *time.Duration
)

func init() {
	flagEnabled = flag.Bool("enable-pprof-files", false, "Write aggregated samples as pprof files")
	flagDir = flag.String("pprof-dir", "profiles", "Directory for pprof files")
	flagFlushInterval = flag.Duration("pprof-flush-interval", 10*time.Second, "How often a pprof file is written")
}

// IsEnabled returns whether the pprof file consumer is enabled via flags
func IsEnabled() bool {
	return flagEnabled != nil && *flagEnabled
}

// GetConfigFromFlags builds a Config from the package's command-line flags
func GetConfigFromFlags() Config {
	config := DefaultConfig()

	if flagDir != nil && *flagDir != "" {
		config.Dir = *flagDir
	}
	if flagFlushInterval != nil && *flagFlushInterval > 0 {
		config.FlushInterval = *flagFlushInterval
	}
	return config
}
