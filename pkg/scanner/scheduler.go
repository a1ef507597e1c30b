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
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-logr/logr"
)

// Sampler captures stacks of the given threads. Pull may run for as long as
// it likes; it must return once ctx is done. context.Cause(ctx) tells why:
// ErrRescanPending, ErrSessionStopped or ErrSchedulerStopping. threads is
// never modified while Pull runs.
type Sampler interface {
	Pull(ctx context.Context, threads []*Thread, interval time.Duration) error
}

// SamplerFunc adapts a function to the Sampler interface.
type SamplerFunc func(ctx context.Context, threads []*Thread, interval time.Duration) error

func (f SamplerFunc) Pull(ctx context.Context, threads []*Thread, interval time.Duration) error {
	return f(ctx, threads, interval)
}

// State is the scheduler state.
type State int

const (
	// StateIdle: no session.
	StateIdle State = iota
	// StateArmed: a session exists and the sampler is parked or about to pass.
	StateArmed
	// StateRunning: a pull pass is in flight.
	StateRunning
	// StateStopping: Stop was called, the sampler goroutine has not exited yet.
	StateStopping
	// StateStopped: the sampler goroutine exited, or never started and Stop was called.
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateArmed:
		return "armed"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

const (
	defaultJoinTries = 5
	defaultJoinStep  = 200 * time.Millisecond
)

var errNotJoined = errors.New("sampler goroutine still running")

// SchedulerStats is a point-in-time view of the scheduler counters.
type SchedulerStats struct {
	State            State
	Pending          bool
	Arms             uint64
	Passes           uint64
	Failures         uint64
	Threads          int
	Generation       uint64
	SessionAborts    uint64
	LastPassDuration time.Duration
}

// Scheduler owns the sampler goroutine. It is a monitor: pending and the
// latest scan set are set and consumed under mu, and the sampler waits on
// cond under the same lock, so a signal can never be lost. The sampler is
// always called with mu released.
type Scheduler struct {
	mu   sync.Mutex
	cond *sync.Cond

	sampler Sampler
	logger  logr.Logger

	state      State
	pending    bool
	stopping   bool
	started    bool
	set        ScanSet
	cancelPass context.CancelCauseFunc
	lastPass   time.Duration

	preempt     bool
	maxFailures int
	failures    int
	onAbort     func(*Session, error)
	// abortedSession is refused by Arm until another session is armed.
	abortedSession *Session

	joinTries uint
	joinStep  time.Duration
	done      chan struct{}

	arms    atomic.Uint64
	passes  atomic.Uint64
	failed  atomic.Uint64
	aborted atomic.Uint64
}

type SchedulerOption func(s *Scheduler)

func WithSchedulerLogger(logger logr.Logger) SchedulerOption {
	return func(s *Scheduler) {
		s.logger = logger
	}
}

// WithPreemption controls whether arming a new scan set cancels the pass in
// flight. It is on by default. When off, the new set is only picked up after
// the sampler returns on its own.
func WithPreemption(enabled bool) SchedulerOption {
	return func(s *Scheduler) {
		s.preempt = enabled
	}
}

// WithMaxConsecutiveFailures aborts the session after n failed passes in a
// row. Zero keeps re-arming forever.
func WithMaxConsecutiveFailures(n int) SchedulerOption {
	return func(s *Scheduler) {
		s.maxFailures = n
	}
}

// WithSessionAbortHandler is called, without any scheduler lock held, when a
// session is aborted because of WithMaxConsecutiveFailures.
func WithSessionAbortHandler(fn func(*Session, error)) SchedulerOption {
	return func(s *Scheduler) {
		s.onAbort = fn
	}
}

// WithJoinPolicy bounds how long Stop waits for the sampler goroutine: tries
// waits of step each, with backoff in between.
func WithJoinPolicy(tries uint, step time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		s.joinTries = tries
		s.joinStep = step
	}
}

func NewScheduler(sampler Sampler, opts ...SchedulerOption) (*Scheduler, error) {
	if sampler == nil {
		return nil, fmt.Errorf("sampler cannot be nil")
	}

	s := &Scheduler{
		sampler:   sampler,
		logger:    logr.Discard(),
		preempt:   true,
		joinTries: defaultJoinTries,
		joinStep:  defaultJoinStep,
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.cond = sync.NewCond(&s.mu)
	s.logger = s.logger.WithName("scheduler")

	return s, nil
}

// Arm hands the scheduler a new scan set and wakes the sampler. If a pass is
// in flight no second pass is started: the set is kept as pending and picked
// up as soon as the current pass returns.
func (s *Scheduler) Arm(set ScanSet) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.arms.Add(1)
	if s.stopping {
		s.logger.V(1).Info("ignoring scan set, scheduler is stopping", "generation", set.Generation)
		return
	}
	if set.Session != nil && set.Session == s.abortedSession {
		s.logger.V(1).Info("ignoring scan set of aborted session", "generation", set.Generation, "session", set.Session.ID)
		return
	}
	if set.Session != nil {
		s.abortedSession = nil
	}

	s.set = set
	s.pending = true
	switch s.state {
	case StateIdle:
		s.state = StateArmed
	case StateRunning:
		if s.preempt && s.cancelPass != nil {
			s.cancelPass(ErrRescanPending)
		}
	}
	s.cond.Signal()

	s.logger.V(2).Info("armed", "generation", set.Generation, "threads", set.Len(), "state", s.state)
}

// Disarm drops the pending scan set after the session was stopped. A pass in
// flight is cancelled and the scheduler returns to idle once it returns.
func (s *Scheduler) Disarm() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopping {
		return
	}
	s.pending = false
	s.set = ScanSet{}
	if s.state == StateRunning {
		if s.cancelPass != nil {
			s.cancelPass(ErrSessionStopped)
		}
		return
	}
	s.state = StateIdle
}

// Start launches the sampler goroutine. Calling Start twice is a no-op.
// A stopped scheduler cannot be restarted; build a new one.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopping {
		return ErrSchedulerStopped
	}
	if s.started {
		return nil
	}
	s.started = true
	go s.run()

	s.logger.V(1).Info("sampler goroutine started")
	return nil
}

// Started reports whether the sampler goroutine was launched.
func (s *Scheduler) Started() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

// Stop asks the sampler goroutine to exit and waits for it. A pass in flight
// is cancelled with ErrSchedulerStopping. The wait is bounded by ctx and the
// join policy; ErrShutdownTimeout is returned when it expires.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		if !s.stopping {
			s.stopping = true
			s.pending = false
			s.state = StateStopped
			close(s.done)
		}
		s.mu.Unlock()
		return nil
	}
	if !s.stopping {
		s.stopping = true
		s.pending = false
		if s.state != StateStopped {
			s.state = StateStopping
		}
		if s.cancelPass != nil {
			s.cancelPass(ErrSchedulerStopping)
		}
		s.cond.Broadcast()
		s.logger.V(1).Info("stopping sampler goroutine")
	}
	s.mu.Unlock()

	return s.join(ctx)
}

// Done is closed once the sampler goroutine has exited.
func (s *Scheduler) Done() <-chan struct{} {
	return s.done
}

func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Scheduler) Stats() SchedulerStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	return SchedulerStats{
		State:            s.state,
		Pending:          s.pending,
		Arms:             s.arms.Load(),
		Passes:           s.passes.Load(),
		Failures:         s.failed.Load(),
		Threads:          s.set.Len(),
		Generation:       s.set.Generation,
		SessionAborts:    s.aborted.Load(),
		LastPassDuration: s.lastPass,
	}
}

func (s *Scheduler) join(ctx context.Context) error {
	operation := func() (struct{}, error) {
		select {
		case <-s.done:
			return struct{}{}, nil
		case <-ctx.Done():
			return struct{}{}, backoff.Permanent(ctx.Err())
		case <-time.After(s.joinStep):
			return struct{}{}, errNotJoined
		}
	}

	_, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(s.joinTries),
		backoff.WithNotify(func(err error, next time.Duration) {
			s.logger.Info("waiting for sampler pass to return", "retryIn", next)
		}),
	)
	if err != nil {
		s.logger.Error(err, "sampler goroutine did not exit")
		return fmt.Errorf("%w: %w", ErrShutdownTimeout, err)
	}
	s.logger.V(1).Info("sampler goroutine exited")
	return nil
}

func (s *Scheduler) run() {
	defer close(s.done)

	s.mu.Lock()
	for {
		for !s.pending && !s.stopping {
			s.cond.Wait()
		}
		if s.stopping {
			break
		}

		s.pending = false
		set := s.set
		passCtx, cancel := context.WithCancelCause(ContextWithSession(context.Background(), set.Session))
		s.cancelPass = cancel
		s.state = StateRunning
		s.mu.Unlock()

		start := time.Now()
		err := s.pull(passCtx, set)
		cause := context.Cause(passCtx)
		cancel(nil)

		s.mu.Lock()
		s.cancelPass = nil
		s.lastPass = time.Since(start)
		s.passes.Add(1)

		abort := s.recordPassLocked(set, err, cause)
		if abort != nil {
			s.mu.Unlock()
			s.abortSession(set.Session, abort)
			s.mu.Lock()
		}

		if s.stopping {
			break
		}
		if s.set.Session == nil {
			s.state = StateIdle
		} else {
			s.state = StateArmed
		}
	}
	s.state = StateStopped
	s.mu.Unlock()
}

func (s *Scheduler) pull(ctx context.Context, set ScanSet) (err error) {
	if set.Session == nil {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("sampler panicked: %v\n%s", r, debug.Stack())
		}
	}()

	s.logger.V(2).Info("pull pass starting",
		"generation", set.Generation,
		"threads", set.Len(),
		"interval", set.Session.Interval)
	return s.sampler.Pull(ctx, set.Threads, set.Session.Interval)
}

// recordPassLocked classifies the outcome of a pass. It returns a non-nil
// error when the session must be aborted.
func (s *Scheduler) recordPassLocked(set ScanSet, err, cause error) error {
	if err == nil || (cause != nil && (errors.Is(err, context.Canceled) || errors.Is(err, cause))) {
		s.failures = 0
		s.logger.V(2).Info("pull pass returned", "generation", set.Generation, "cause", cause)
		return nil
	}

	s.failures++
	s.failed.Add(1)
	s.logger.Error(err, "pull pass failed",
		"generation", set.Generation,
		"threads", set.Len(),
		"consecutiveFailures", s.failures)

	if s.maxFailures <= 0 || s.failures < s.maxFailures {
		return nil
	}

	s.failures = 0
	s.aborted.Add(1)
	s.abortedSession = set.Session
	if s.set.Session == set.Session {
		s.pending = false
		s.set = ScanSet{}
	}
	return fmt.Errorf("aborting session after %d consecutive failures: %w", s.maxFailures, err)
}

func (s *Scheduler) abortSession(session *Session, err error) {
	s.logger.Error(err, "scan session aborted", "session", session.ID)
	if s.onAbort != nil {
		s.onAbort(session, err)
	}
}
