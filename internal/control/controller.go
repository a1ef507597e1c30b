// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package control applies scan configuration to a profiler, at startup and
// on every config reload.
package control

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-logr/logr"

	"github.com/yfractal/sdb/internal/config"
	"github.com/yfractal/sdb/internal/metrics"
	"github.com/yfractal/sdb/pkg/scanner"
)

const eventSource = "config"

// ScanTarget is the part of scanner.Profiler the controller drives.
type ScanTarget interface {
	RestoreSession(spec scanner.SessionSpec) (*scanner.Session, error)
	StopScanning()
	Session() *scanner.Session
}

// Forker is the part of scanner.Profiler a master drives before it starts
// workers.
type Forker interface {
	OnBeforeFork(ctx context.Context) error
}

// SessionPublisher receives a SessionEvent for every session change.
// metrics.Router implements it.
type SessionPublisher interface {
	PublishSession(source string, session metrics.SessionEvent) error
}

type Controller struct {
	target    ScanTarget
	publisher SessionPublisher
	logger    logr.Logger

	mu      sync.Mutex
	applied *config.ScanConfig
}

func NewController(target ScanTarget, publisher SessionPublisher, logger logr.Logger) *Controller {
	return &Controller{
		target:    target,
		publisher: publisher,
		logger:    logger.WithName("control"),
	}
}

// Apply starts, replaces or stops the scan session so that it matches scan.
// Applying the configuration currently in effect is a no-op.
func (c *Controller) Apply(scan config.ScanConfig) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.applied != nil && *c.applied == scan {
		c.logger.V(2).Info("scan configuration unchanged")
		return nil
	}

	if !scan.Enabled {
		if s := c.target.Session(); s != nil {
			c.target.StopScanning()
			c.publish(metrics.SessionEvent{SessionID: s.ID, Filter: s.Filter.String(), Interval: s.Interval, Stopped: true})
			c.logger.Info("scanning disabled", "session", s.ID)
		}
		c.applied = &scan
		return nil
	}

	s, err := c.target.RestoreSession(scan.SessionSpec())
	if err != nil {
		return fmt.Errorf("failed to start scan session: %w", err)
	}
	c.publish(metrics.SessionEvent{SessionID: s.ID, Filter: s.Filter.String(), Interval: s.Interval})
	c.applied = &scan
	return nil
}

// ApplyAsMaster suspends sampling in this process before applying scan. The
// session is kept for the workers and never sampled here, including after
// later reloads through Run.
func (c *Controller) ApplyAsMaster(ctx context.Context, forker Forker, scan config.ScanConfig) error {
	if err := forker.OnBeforeFork(ctx); err != nil {
		return fmt.Errorf("failed to suspend sampling: %w", err)
	}
	return c.Apply(scan)
}

// Adopt records scan as already in effect, for a session started by other
// means.
func (c *Controller) Adopt(scan config.ScanConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.applied = &scan
	if s := c.target.Session(); s != nil {
		c.publish(metrics.SessionEvent{SessionID: s.ID, Filter: s.Filter.String(), Interval: s.Interval})
	}
}

// Run applies every valid update until updates is closed or ctx is done.
// Invalid updates leave the running session untouched.
func (c *Controller) Run(ctx context.Context, updates <-chan config.Update) {
	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-updates:
			if !ok {
				return
			}
			if u.Status != config.StatusOK {
				c.logger.Info("ignoring invalid configuration", "path", u.Path, "error", fmt.Sprint(u.Err))
				continue
			}
			if err := c.Apply(u.Config.Scan); err != nil {
				c.logger.Error(err, "failed to apply scan configuration", "path", u.Path)
			}
		}
	}
}

func (c *Controller) publish(ev metrics.SessionEvent) {
	if c.publisher == nil {
		return
	}
	if err := c.publisher.PublishSession(eventSource, ev); err != nil {
		c.logger.V(1).Info("failed to publish session event", "error", err.Error())
	}
}
