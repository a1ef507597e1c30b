// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package pprof aggregates stack samples into pprof profiles and writes them
// to disk as gzipped protobuf files that "go tool pprof" reads directly.
package pprof

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"

	"github.com/yfractal/sdb/internal/metrics"
	"github.com/yfractal/sdb/pkg/sampler"
)

var _ metrics.Consumer = (*Consumer)(nil)

const (
	consumerName = "pprof-file"
)

type Consumer struct {
	config Config
	logger logr.Logger

	mu      sync.Mutex
	current *builder
	session string
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	healthy   atomic.Bool
	lastError atomic.Pointer[error]

	samplesReceived atomic.Uint64
	samplesDropped  atomic.Uint64
	filesWritten    atomic.Uint64
	writeErrors     atomic.Uint64
	lastFile        atomic.Pointer[string]
}

func NewConsumer(config Config, logger logr.Logger) (*Consumer, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	consumer := &Consumer{
		config:  config,
		logger:  logger.WithName(consumerName),
		current: newBuilder(time.Now()),
	}
	consumer.healthy.Store(true)
	return consumer, nil
}

func (c *Consumer) Name() string {
	return consumerName
}

// HandleEvent adds sample events to the profile being built. Other events
// are ignored.
func (c *Consumer) HandleEvent(event metrics.Event) error {
	switch data := event.Data.(type) {
	case *sampler.Sample:
		c.samplesReceived.Add(1)

		c.mu.Lock()
		defer c.mu.Unlock()
		if !c.current.add(data, c.config.MaxStacks) {
			c.samplesDropped.Add(1)
			return fmt.Errorf("profile full: %d distinct stacks", c.current.stacks())
		}
		c.session = data.SessionID.String()
	case *metrics.SessionEvent:
		c.logger.V(1).Info("session changed", "session", data.SessionID, "stopped", data.Stopped)
	}
	return nil
}

func (c *Consumer) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ctx != nil {
		return fmt.Errorf("consumer already started")
	}
	if err := os.MkdirAll(c.config.Dir, 0o755); err != nil {
		return fmt.Errorf("creating profile directory: %w", err)
	}

	c.ctx, c.cancel = context.WithCancel(ctx)
	c.wg.Add(1)
	go c.flushWorker()

	c.logger.Info("pprof file consumer started",
		"dir", c.config.Dir,
		"flush_interval", c.config.FlushInterval)
	return nil
}

// Stop flushes what is buffered and waits for the flush worker.
func (c *Consumer) Stop() {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.wg.Wait()
}

func (c *Consumer) flushWorker() {
	defer c.wg.Done()

	ticker := time.NewTicker(c.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			c.flushAndLog()
			return
		case <-ticker.C:
			c.flushAndLog()
		}
	}
}

func (c *Consumer) flushAndLog() {
	if _, err := c.Flush(); err != nil {
		c.writeErrors.Add(1)
		c.lastError.Store(&err)
		c.healthy.Store(false)
		c.logger.Error(err, "failed to write profile")
	}
}

// Flush writes the samples gathered since the previous flush and returns the
// file name. Nothing is written, and "" returned, when there are none.
func (c *Consumer) Flush() (string, error) {
	now := time.Now()

	c.mu.Lock()
	b, session := c.current, c.session
	c.current = newBuilder(now)
	c.mu.Unlock()

	if b.stacks() == 0 {
		return "", nil
	}

	prof, err := b.finish(now,
		fmt.Sprintf("session: %s", session),
		fmt.Sprintf("pid: %d", os.Getpid()))
	if err != nil {
		return "", fmt.Errorf("building profile: %w", err)
	}

	name := filepath.Join(c.config.Dir,
		fmt.Sprintf("%s-%d-%d.pb.gz", c.config.FilePrefix, os.Getpid(), b.start.UnixNano()))
	if err := writeFile(name, prof.Write); err != nil {
		return "", err
	}

	c.filesWritten.Add(1)
	c.lastFile.Store(&name)
	c.healthy.Store(true)
	c.logger.V(1).Info("profile written", "file", name, "samples", len(prof.Sample))
	return name, nil
}

// LastFile returns the most recently written profile.
func (c *Consumer) LastFile() string {
	if p := c.lastFile.Load(); p != nil {
		return *p
	}
	return ""
}

func (c *Consumer) Health() metrics.ConsumerHealth {
	var lastErr error
	if errPtr := c.lastError.Load(); errPtr != nil {
		lastErr = *errPtr
	}

	return metrics.ConsumerHealth{
		Healthy:     c.healthy.Load(),
		LastError:   lastErr,
		EventsCount: c.samplesReceived.Load(),
		ErrorsCount: c.writeErrors.Load() + c.samplesDropped.Load(),
	}
}
