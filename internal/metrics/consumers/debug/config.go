// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package debug

import "fmt"

// LogLevel determines the verbosity of debug output
type LogLevel int

const (
	LogLevelBasic   LogLevel = 0 // thread and frame count only
	LogLevelDetails LogLevel = 1 // include the stack
	LogLevelVerbose LogLevel = 2 // include files, lines and trace ids
)

// Common errors
var (
	ErrInvalidLogLevel  = fmt.Errorf("log level must be basic (%d), details (%d), or verbose (%d)", LogLevelBasic, LogLevelDetails, LogLevelVerbose)
	ErrInvalidLogFormat = fmt.Errorf("log format must be '%s' or '%s'", LogFormatJSON, LogFormatText)
)

// String returns the string representation of the log level
func (l LogLevel) String() string {
	switch l {
	case LogLevelBasic:
		return "basic"
	case LogLevelDetails:
		return "details"
	case LogLevelVerbose:
		return "verbose"
	default:
		return fmt.Sprintf("unknown(%d)", int(l))
	}
}

// ParseLogLevel accepts the names returned by LogLevel.String.
func ParseLogLevel(s string) (LogLevel, error) {
	switch s {
	case "basic":
		return LogLevelBasic, nil
	case "details", "":
		return LogLevelDetails, nil
	case "verbose":
		return LogLevelVerbose, nil
	default:
		return 0, fmt.Errorf("%w: got %q", ErrInvalidLogLevel, s)
	}
}

// LogFormat determines the output format
type LogFormat string

const (
	LogFormatJSON LogFormat = "json" // structured JSON output
	LogFormatText LogFormat = "text" // human-readable text format
)

func (f LogFormat) String() string {
	return string(f)
}

func (f LogFormat) IsValid() bool {
	return f == LogFormatJSON || f == LogFormatText
}

type Config struct {
	LogLevel  LogLevel
	LogFormat LogFormat

	IncludeTimestamp bool

	// MaxFrames truncates logged stacks (0 = no limit)
	MaxFrames int

	// EventTypeFilter only logs events of these types (empty = all)
	EventTypeFilter []string

	// ThreadFilter only logs samples of threads with these names (empty = all)
	ThreadFilter []string

	// StatsEvery logs consumer statistics every n events (0 = never)
	StatsEvery uint64
}

// DefaultConfig returns a sensible default configuration
func DefaultConfig() Config {
	return Config{
		LogLevel:         LogLevelDetails,
		LogFormat:        LogFormatText,
		IncludeTimestamp: true,
		MaxFrames:        32,
		StatsEvery:       1000,
	}
}

// Validate ensures the configuration is valid
func (c *Config) Validate() error {
	if c.LogLevel < LogLevelBasic || c.LogLevel > LogLevelVerbose {
		return ErrInvalidLogLevel
	}

	if !c.LogFormat.IsValid() {
		return ErrInvalidLogFormat
	}

	if c.MaxFrames < 0 {
		c.MaxFrames = 0
	}

	return nil
}

func (c *Config) ShouldLogEventType(eventType string) bool {
	return matchesAny(c.EventTypeFilter, eventType)
}

func (c *Config) ShouldLogThread(name string) bool {
	return matchesAny(c.ThreadFilter, name)
}

func matchesAny(filters []string, value string) bool {
	if len(filters) == 0 {
		return true
	}
	for _, filter := range filters {
		if filter == value {
			return true
		}
	}
	return false
}
