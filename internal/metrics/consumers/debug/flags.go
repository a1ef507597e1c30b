// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package debug

import "flag"

var (
	flagEnabled *bool
	flagLevel   *string
	flagFormat  *string
)

func init() {
	flagEnabled = flag.Bool("enable-debug-samples", false, "Log every captured stack sample")
	flagLevel = flag.String("debug-samples-level", "details", "Sample log verbosity: basic, details or verbose")
	flagFormat = flag.String("debug-samples-format", "text", "Sample log format: text or json")
}

// IsEnabled returns whether the debug consumer is enabled via flags
func IsEnabled() bool {
	return flagEnabled != nil && *flagEnabled
}

// GetConfigFromFlags builds a Config from the package's command-line flags
func GetConfigFromFlags() (Config, error) {
	config := DefaultConfig()

	if flagLevel != nil {
		level, err := ParseLogLevel(*flagLevel)
		if err != nil {
			return Config{}, err
		}
		config.LogLevel = level
	}
	if flagFormat != nil && *flagFormat != "" {
		config.LogFormat = LogFormat(*flagFormat)
	}
	return config, config.Validate()
}
