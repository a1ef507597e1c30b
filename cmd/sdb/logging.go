// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package main

import (
	"fmt"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/yfractal/sdb/internal/config"
)

// newLogger builds the process logger. logr V(n) maps to zap level -n, so
// verbosity n enables V(0) through V(n).
func newLogger(cfg config.LoggingConfig) (logr.Logger, func(), error) {
	zapCfg := zap.NewProductionConfig()
	if cfg.Development {
		zapCfg = zap.NewDevelopmentConfig()
	}
	zapCfg.Level = zap.NewAtomicLevelAt(zapcore.Level(-cfg.Verbosity))

	zapLog, err := zapCfg.Build()
	if err != nil {
		return logr.Discard(), func() {}, fmt.Errorf("failed to build zap logger: %w", err)
	}
	return zapr.NewLogger(zapLog), func() { _ = zapLog.Sync() }, nil
}
