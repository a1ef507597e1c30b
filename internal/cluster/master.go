// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package cluster

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-logr/logr"

	"github.com/yfractal/sdb/pkg/channel"
	"github.com/yfractal/sdb/pkg/scanner"
)

var ErrWorkerFailed = errors.New("worker failed")

// MasterHooks are the profiler operations the master needs.
type MasterHooks interface {
	OnBeforeFork(ctx context.Context) error
	Session() *scanner.Session
}

type Config struct {
	// Workers is the number of worker processes to supervise
	Workers int

	// MaxRestarts bounds how many times a failing worker is restarted
	MaxRestarts int

	RestartBackoffInitial time.Duration
	RestartBackoffMax     time.Duration

	// ShutdownTimeout is how long a worker may take to exit after SIGTERM
	// before it is killed
	ShutdownTimeout time.Duration

	// Executable and Args start a worker. Executable defaults to the running
	// binary and Args to the arguments of this process.
	Executable string
	Args       []string

	// Env is the base environment of the workers (defaults to os.Environ)
	Env []string

	Stdout io.Writer
	Stderr io.Writer
}

func (c Config) withDefaults() (Config, error) {
	if c.Workers <= 0 {
		return c, fmt.Errorf("workers must be positive, got %d", c.Workers)
	}
	if c.MaxRestarts < 0 {
		return c, fmt.Errorf("max restarts must be >= 0, got %d", c.MaxRestarts)
	}
	if c.Executable == "" {
		exe, err := os.Executable()
		if err != nil {
			return c, fmt.Errorf("failed to resolve executable: %w", err)
		}
		c.Executable = exe
		if c.Args == nil {
			c.Args = os.Args[1:]
		}
	}
	if c.Env == nil {
		c.Env = os.Environ()
	}
	if c.RestartBackoffInitial <= 0 {
		c.RestartBackoffInitial = backoff.DefaultInitialInterval
	}
	if c.RestartBackoffMax <= 0 {
		c.RestartBackoffMax = backoff.DefaultMaxInterval
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 5 * time.Second
	}
	if c.Stdout == nil {
		c.Stdout = os.Stdout
	}
	if c.Stderr == nil {
		c.Stderr = os.Stderr
	}
	return c, nil
}

type WorkerEventType string

const (
	WorkerStarted WorkerEventType = "started"
	WorkerExited  WorkerEventType = "exited"
	WorkerGaveUp  WorkerEventType = "gave-up"
)

type WorkerEvent struct {
	Type    WorkerEventType
	Worker  int
	PID     int
	Attempt int
	Err     error
	Time    time.Time
}

// Master supervises worker processes.
type Master struct {
	config Config
	hooks  MasterHooks
	logger logr.Logger

	onEvent func(WorkerEvent)

	mu     sync.Mutex
	pids   map[int]int
	starts int
}

type MasterOption func(m *Master)

// WithEventHandler registers fn to be called from the master loop for every
// worker event.
func WithEventHandler(fn func(WorkerEvent)) MasterOption {
	return func(m *Master) {
		m.onEvent = fn
	}
}

func NewMaster(hooks MasterHooks, config Config, logger logr.Logger, opts ...MasterOption) (*Master, error) {
	if hooks == nil {
		return nil, errors.New("hooks cannot be nil")
	}
	cfg, err := config.withDefaults()
	if err != nil {
		return nil, fmt.Errorf("invalid cluster config: %w", err)
	}
	m := &Master{
		config: cfg,
		hooks:  hooks,
		logger: logger.WithName("cluster.master"),
		pids:   make(map[int]int),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Run suspends sampling in this process, starts the workers and supervises
// them until they all exited for good. Every worker start, restarts
// included, is handed the session current at that time. Cancelling ctx terminates the
// workers. The returned error joins the errors of the workers that could not
// be kept running.
func (m *Master) Run(ctx context.Context) error {
	if err := m.hooks.OnBeforeFork(ctx); err != nil {
		return fmt.Errorf("failed to prepare fork: %w", err)
	}

	inputs := make([]<-chan WorkerEvent, 0, m.config.Workers)
	for i := 1; i <= m.config.Workers; i++ {
		events := make(chan WorkerEvent, 4)
		inputs = append(inputs, events)
		go func() {
			defer close(events)
			m.supervise(ctx, i, events)
		}()
	}

	m.logger.Info("workers starting", "workers", m.config.Workers)

	var errs []error
	for ev := range channel.Merge(inputs...) {
		m.record(ev)
		if ev.Type == WorkerGaveUp {
			errs = append(errs, fmt.Errorf("%w: worker %d: %w", ErrWorkerFailed, ev.Worker, ev.Err))
		}
		if m.onEvent != nil {
			m.onEvent(ev)
		}
	}

	m.logger.Info("all workers exited")
	return errors.Join(errs...)
}

// PIDs returns the pid of every running worker by index.
func (m *Master) PIDs() map[int]int {
	m.mu.Lock()
	defer m.mu.Unlock()

	pids := make(map[int]int, len(m.pids))
	for k, v := range m.pids {
		pids[k] = v
	}
	return pids
}

// Starts returns how many worker processes were started in total.
func (m *Master) Starts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.starts
}

func (m *Master) encodedSession() (string, error) {
	s := m.hooks.Session()
	if s == nil {
		return "", nil
	}
	if err := s.Filter.CheckPortable(); err != nil {
		m.logger.Info("scan session filter cannot be rebuilt in workers, workers start without a session",
			"filter", s.Filter.String(), "reason", err.Error())
		return "", nil
	}
	enc, err := s.Spec().Encode()
	if err != nil {
		return "", err
	}
	return enc, nil
}

func (m *Master) record(ev WorkerEvent) {
	log := m.logger.WithValues("worker", ev.Worker, "pid", ev.PID, "attempt", ev.Attempt)

	m.mu.Lock()
	defer m.mu.Unlock()

	switch ev.Type {
	case WorkerStarted:
		m.pids[ev.Worker] = ev.PID
		m.starts++
		log.V(1).Info("worker started")
	case WorkerExited:
		delete(m.pids, ev.Worker)
		if ev.Err != nil {
			log.Info("worker exited", "error", ev.Err.Error())
		} else {
			log.V(1).Info("worker exited")
		}
	case WorkerGaveUp:
		log.Error(ev.Err, "worker will not be restarted")
	}
}

func (m *Master) supervise(ctx context.Context, worker int, events chan<- WorkerEvent) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = m.config.RestartBackoffInitial
	bo.MaxInterval = m.config.RestartBackoffMax

	attempt := 0
	operation := func() (struct{}, error) {
		attempt++
		session, err := m.encodedSession()
		if err != nil {
			return struct{}{}, backoff.Permanent(fmt.Errorf("failed to encode scan session: %w", err))
		}
		err = m.runWorker(ctx, worker, attempt, workerEnv(m.config.Env, worker, session), events)
		if ctx.Err() != nil {
			return struct{}{}, nil
		}
		return struct{}{}, err
	}

	_, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(uint(m.config.MaxRestarts)+1),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			m.logger.Info("restarting worker", "worker", worker, "in", next, "error", err.Error())
		}),
	)
	if err != nil && ctx.Err() == nil {
		events <- WorkerEvent{Type: WorkerGaveUp, Worker: worker, Attempt: attempt, Err: err, Time: time.Now()}
	}
}

func (m *Master) runWorker(ctx context.Context, worker, attempt int, env []string, events chan<- WorkerEvent) error {
	cmd := exec.CommandContext(ctx, m.config.Executable, m.config.Args...)
	cmd.Env = env
	cmd.Stdout = m.config.Stdout
	cmd.Stderr = m.config.Stderr
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = m.config.ShutdownTimeout

	if err := cmd.Start(); err != nil {
		return backoff.Permanent(fmt.Errorf("failed to start worker %d: %w", worker, err))
	}
	pid := cmd.Process.Pid
	events <- WorkerEvent{Type: WorkerStarted, Worker: worker, PID: pid, Attempt: attempt, Time: time.Now()}

	err := cmd.Wait()
	events <- WorkerEvent{Type: WorkerExited, Worker: worker, PID: pid, Attempt: attempt, Err: err, Time: time.Now()}
	return err
}
