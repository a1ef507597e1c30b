// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package config

import (
	"flag"

	"github.com/go-logr/logr"
)

var defaultPath string

func init() {
	flag.StringVar(&defaultPath, "config", "",
		"Path to the YAML configuration file; built-in defaults are used when empty")
}

// Path returns the configuration file given on the command line.
func Path() string {
	return defaultPath
}

// LoadDefault loads the file given with -config. Without one, it returns the
// defaults and a nil watcher.
func LoadDefault(logger logr.Logger) (Config, *FSWatcher, error) {
	if defaultPath == "" {
		cfg := Defaults()
		return cfg, nil, cfg.Validate()
	}
	w, err := NewFSWatcher(defaultPath, logger)
	if err != nil {
		return Config{}, nil, err
	}
	return w.Current(), w, nil
}
