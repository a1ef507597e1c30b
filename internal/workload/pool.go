// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package workload runs a named pool of worker threads registered with the
// profiler. Worker names carry the worker-pool marker so that
// ScanWorkerPoolThreads selects them.
package workload

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/go-logr/logr"

	"github.com/yfractal/sdb/pkg/scanner"
)

var (
	ErrPoolClosed     = errors.New("worker pool is closed")
	ErrPoolNotStarted = errors.New("worker pool is not started")
)

// Spawner starts registered threads. scanner.Profiler implements it.
type Spawner interface {
	Go(ctx context.Context, name string, fn func(ctx context.Context) error, opts ...scanner.SpawnOption) *scanner.Thread
}

// Job is a unit of work. TraceID is published on the worker thread while Fn
// runs so samples taken meanwhile can be correlated with the request.
type Job struct {
	TraceID uint64
	Fn      func(ctx context.Context) error
}

type Config struct {
	// Name prefixes every worker thread name
	Name string

	// Size is the number of worker threads
	Size int

	// QueueSize bounds the number of jobs waiting for a worker
	QueueSize int

	// LockOSThread pins each worker to its own OS thread
	LockOSThread bool
}

func DefaultConfig() Config {
	return Config{
		Name:      scanner.WorkerPoolThreadMarker,
		Size:      4,
		QueueSize: 64,
	}
}

func (c Config) Validate() error {
	if c.Name == "" {
		return errors.New("pool name cannot be empty")
	}
	if c.Size <= 0 {
		return fmt.Errorf("pool size must be positive, got %d", c.Size)
	}
	if c.QueueSize < 0 {
		return fmt.Errorf("queue size must be >= 0, got %d", c.QueueSize)
	}
	return nil
}

type Stats struct {
	Workers   int
	Queued    int
	Completed uint64
	Failed    uint64
}

type Pool struct {
	config  Config
	spawner Spawner
	logger  logr.Logger

	mu      sync.RWMutex
	jobs    chan Job
	workers []*scanner.Thread
	started bool
	closed  bool

	completed atomic.Uint64
	failed    atomic.Uint64
}

func NewPool(spawner Spawner, config Config, logger logr.Logger) (*Pool, error) {
	if spawner == nil {
		return nil, errors.New("spawner cannot be nil")
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid pool config: %w", err)
	}
	return &Pool{
		config:  config,
		spawner: spawner,
		logger:  logger.WithName("workload").WithValues("pool", config.Name),
		jobs:    make(chan Job, config.QueueSize),
	}, nil
}

// WorkerName returns the thread name of the i-th worker of a pool.
func WorkerName(pool string, i int) string {
	return fmt.Sprintf("%s %03d", pool, i)
}

// Start spawns the worker threads. Workers exit once Close is called or ctx
// is cancelled.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrPoolClosed
	}
	if p.started {
		return nil
	}

	var opts []scanner.SpawnOption
	if p.config.LockOSThread {
		opts = append(opts, scanner.WithLockOSThread())
	}

	for i := 1; i <= p.config.Size; i++ {
		p.workers = append(p.workers, p.spawner.Go(ctx, WorkerName(p.config.Name, i), p.work, opts...))
	}
	p.started = true

	p.logger.Info("worker pool started", "workers", p.config.Size)
	return nil
}

// Submit queues job, blocking while the queue is full.
func (p *Pool) Submit(ctx context.Context, job Job) error {
	if job.Fn == nil {
		return errors.New("job has no function")
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return ErrPoolClosed
	}
	if !p.started {
		return ErrPoolNotStarted
	}

	select {
	case p.jobs <- job:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting jobs, lets the workers drain the queue and waits for
// them to exit.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	close(p.jobs)
	workers := p.workers
	p.mu.Unlock()

	for _, w := range workers {
		select {
		case <-w.Done():
		case <-ctx.Done():
			return fmt.Errorf("waiting for worker %s: %w", w.Name(), ctx.Err())
		}
	}

	p.logger.Info("worker pool stopped", "completed", p.completed.Load(), "failed", p.failed.Load())
	return nil
}

func (p *Pool) Workers() []*scanner.Thread {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]*scanner.Thread(nil), p.workers...)
}

func (p *Pool) Stats() Stats {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return Stats{
		Workers:   len(p.workers),
		Queued:    len(p.jobs),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
	}
}

func (p *Pool) work(ctx context.Context) error {
	self, _ := scanner.ThreadFromContext(ctx)

	for {
		select {
		case <-ctx.Done():
			return nil
		case job, ok := <-p.jobs:
			if !ok {
				return nil
			}
			p.run(ctx, self, job)
		}
	}
}

func (p *Pool) run(ctx context.Context, self *scanner.Thread, job Job) {
	if self != nil {
		self.SetTraceID(job.TraceID)
		defer self.SetTraceID(0)
	}

	if err := job.Fn(ctx); err != nil {
		p.failed.Add(1)
		p.logger.V(1).Info("job failed", "traceID", job.TraceID, "error", err.Error())
		return
	}
	p.completed.Add(1)
}
