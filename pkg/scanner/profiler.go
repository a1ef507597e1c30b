// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package scanner

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"runtime/pprof"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"
)

// checkRuntime reports whether goroutine labels show up in goroutine
// profiles, which samplers depend on.
var checkRuntime = func() error {
	if runtime.Compiler != "gc" {
		return fmt.Errorf("%w: compiler %q", ErrUnsupportedRuntime, runtime.Compiler)
	}
	if pprof.Lookup("goroutine") == nil {
		return fmt.Errorf("%w: no goroutine profile", ErrUnsupportedRuntime)
	}
	return nil
}

// Profiler is the process-wide profiling context. It owns the thread
// registry, the current scan session and the sampler goroutine.
//
// Lock order is Profiler.mu, then the registry lock, then the scheduler lock.
// The scheduler goroutine only ever takes the last two.
type Profiler struct {
	logger    logr.Logger
	sampler   Sampler
	schedOpts []SchedulerOption

	registry *Registry
	calc     *calculator

	mu        sync.Mutex
	sched     *Scheduler
	forkState    ForkState
	shuttingDown bool
	closed       bool

	registered   atomic.Uint64
	deregistered atomic.Uint64
}

type Option func(p *Profiler)

func WithLogger(logger logr.Logger) Option {
	return func(p *Profiler) {
		p.logger = logger
	}
}

// WithSchedulerOptions configures every scheduler the Profiler starts.
func WithSchedulerOptions(opts ...SchedulerOption) Option {
	return func(p *Profiler) {
		p.schedOpts = append(p.schedOpts, opts...)
	}
}

// New checks the runtime and builds an idle Profiler. No goroutine is
// started until the first session.
func New(sampler Sampler, opts ...Option) (*Profiler, error) {
	if err := checkRuntime(); err != nil {
		return nil, err
	}
	if sampler == nil {
		return nil, fmt.Errorf("sampler cannot be nil")
	}

	p := &Profiler{
		logger:  logr.Discard(),
		sampler: sampler,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.logger = p.logger.WithName("scanner")
	p.registry = NewRegistry(p.logger)
	p.calc = newCalculator(p.logger)
	p.registry.SetObserver(p.calc)

	return p, nil
}

// ScanAllThreads samples every registered thread.
func (p *Profiler) ScanAllThreads(interval time.Duration) (*Session, error) {
	return p.ScanFilteredThreads(AllThreads(), interval)
}

// ScanWorkerPoolThreads samples the request-serving threads of the worker
// pool.
func (p *Profiler) ScanWorkerPoolThreads(interval time.Duration) (*Session, error) {
	return p.ScanFilteredThreads(WorkerPoolThreads(), interval)
}

// ScanFilteredThreads replaces the current session, if any, with one
// sampling the threads selected by filter.
func (p *Profiler) ScanFilteredThreads(filter Filter, interval time.Duration) (*Session, error) {
	s, err := NewSession(filter, interval)
	if err != nil {
		return nil, err
	}
	if err := p.startSession(s); err != nil {
		return nil, err
	}
	return s, nil
}

// RestoreSession starts the session described by spec, typically one
// handed over by a master process.
func (p *Profiler) RestoreSession(spec SessionSpec) (*Session, error) {
	s, err := spec.Session()
	if err != nil {
		return nil, fmt.Errorf("failed to restore scan session: %w", err)
	}
	if err := p.startSession(s); err != nil {
		return nil, err
	}
	return s, nil
}

func (p *Profiler) startSession(s *Session) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrClosed
	}
	if p.shuttingDown {
		return ErrShuttingDown
	}
	p.registry.Do(func(live []*Thread) {
		p.calc.setSession(s, live)
	})
	p.logger.Info("scan session started",
		"session", s.ID,
		"filter", s.Filter.String(),
		"interval", s.Interval)

	err := p.startSchedulerLocked()
	if errors.Is(err, ErrForkPending) {
		p.logger.V(1).Info("sampler start deferred to workers", "session", s.ID)
		return nil
	}
	return err
}

// StopScanning ends the current session. The sampler goroutine parks until
// the next one.
func (p *Profiler) StopScanning() {
	p.mu.Lock()
	defer p.mu.Unlock()

	var stopped *Session
	p.registry.Do(func(live []*Thread) {
		stopped = p.calc.session
		p.calc.setSession(nil, live)
	})
	if stopped != nil {
		p.logger.Info("scan session stopped", "session", stopped.ID)
	}
}

// Rescan recomputes the scan set and hands it to the sampler even if its
// membership did not change.
func (p *Profiler) Rescan() {
	p.registry.Do(func(live []*Thread) {
		if p.calc.session != nil {
			p.calc.recompute(live, true)
		}
	})
}

// Session returns the current session or nil.
func (p *Profiler) Session() *Session {
	var s *Session
	p.registry.Do(func([]*Thread) {
		s = p.calc.session
	})
	return s
}

func (p *Profiler) hasSession() bool {
	return p.Session() != nil
}

// ScanSet returns the scan set of the last recompute.
func (p *Profiler) ScanSet() ScanSet {
	var set ScanSet
	p.registry.Do(func([]*Thread) {
		set = p.calc.current
	})
	return set
}

// Threads returns the registered threads in registration order.
func (p *Profiler) Threads() []*Thread {
	return p.registry.Snapshot()
}

// State returns the scheduler state. A process without a sampler goroutine
// is idle, or stopped once closed.
func (p *Profiler) State() State {
	p.mu.Lock()
	sched, closed := p.sched, p.closed
	p.mu.Unlock()

	switch {
	case sched != nil:
		return sched.State()
	case closed:
		return StateStopped
	default:
		return StateIdle
	}
}

// Stats is a point-in-time summary used by metrics and logs.
type Stats struct {
	Threads      int
	ScanSetSize  int
	Generation   uint64
	Session      *Session
	ForkState    ForkState
	Registered   uint64
	Deregistered uint64
	Scheduler    SchedulerStats
}

func (p *Profiler) Stats() Stats {
	p.mu.Lock()
	sched, fork := p.sched, p.forkState
	p.mu.Unlock()

	st := Stats{
		ForkState:    fork,
		Registered:   p.registered.Load(),
		Deregistered: p.deregistered.Load(),
	}
	p.registry.Do(func(live []*Thread) {
		st.Threads = len(live)
		st.ScanSetSize = p.calc.current.Len()
		st.Generation = p.calc.current.Generation
		st.Session = p.calc.session
	})
	if sched != nil {
		st.Scheduler = sched.Stats()
	} else {
		st.Scheduler.State = p.State()
	}
	return st
}

// Register implements LifecycleHooks for hosts that manage goroutines
// themselves.
func (p *Profiler) Register(t *Thread) bool {
	ok := p.registry.Register(t)
	if ok {
		p.registered.Add(1)
	}
	return ok
}

// Deregister implements LifecycleHooks. Unknown threads are ignored.
func (p *Profiler) Deregister(t *Thread) bool {
	ok := p.registry.Deregister(t)
	if ok {
		p.deregistered.Add(1)
	}
	return ok
}

// Go runs fn on a new registered goroutine named name.
func (p *Profiler) Go(ctx context.Context, name string, fn func(ctx context.Context) error, opts ...SpawnOption) *Thread {
	opts = append([]SpawnOption{WithSpawnLogger(p.logger)}, opts...)
	return Spawn(ctx, p, name, fn, opts...)
}

// Attach registers the calling goroutine under name and labels it. The
// returned context carries the Thread; detach undoes both.
func (p *Profiler) Attach(ctx context.Context, name string) (*Thread, context.Context, func()) {
	return attach(ctx, p, name)
}

// Close ends the session and stops the sampler goroutine. The Profiler
// cannot be used afterwards.
func (p *Profiler) Close(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true
	p.registry.Do(func(live []*Thread) {
		p.calc.setSession(nil, live)
	})
	return p.stopSchedulerLocked(ctx)
}

func (p *Profiler) startSchedulerLocked() error {
	if p.closed {
		return ErrClosed
	}
	if p.shuttingDown {
		return ErrShuttingDown
	}
	if p.forkState == ForkParentAwaitingFork {
		return ErrForkPending
	}
	if p.sched != nil {
		return nil
	}

	opts := append([]SchedulerOption{WithSchedulerLogger(p.logger)}, p.schedOpts...)
	opts = append(opts, WithSessionAbortHandler(func(s *Session, _ error) {
		p.abortSession(s)
	}))
	sched, err := NewScheduler(p.sampler, opts...)
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}
	if err := sched.Start(); err != nil {
		return err
	}

	p.sched = sched
	p.registry.Do(func(live []*Thread) {
		p.calc.setTarget(sched, live)
	})
	return nil
}

func (p *Profiler) stopSchedulerLocked(ctx context.Context) error {
	if p.sched == nil {
		return nil
	}
	sched := p.sched
	p.sched = nil
	p.registry.Do(func(live []*Thread) {
		p.calc.setTarget(nil, live)
	})
	return sched.Stop(ctx)
}

// abortSession runs on the sampler goroutine. It must not take p.mu: Stop
// may hold it while joining that goroutine.
func (p *Profiler) abortSession(s *Session) {
	p.registry.Do(func(live []*Thread) {
		if p.calc.session != s {
			return
		}
		p.calc.setSession(nil, live)
	})
}
