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
	"time"

	"github.com/go-logr/logr"

	"github.com/yfractal/sdb/pkg/scanner"
)

var (
	ErrNotWorker     = errors.New("process was not started as a worker")
	ErrParentExited  = errors.New("master process exited")
	defaultWatchTick = time.Second
)

// WorkerHooks are the profiler operations a worker needs.
type WorkerHooks interface {
	OnAfterForkInWorker(ctx context.Context) error
	OnBeforeWorkerShutdown(ctx context.Context) error
	RestoreSession(spec scanner.SessionSpec) (*scanner.Session, error)
}

// Worker is the worker side of a cluster.
type Worker struct {
	Index int

	hooks  WorkerHooks
	logger logr.Logger
	cancel context.CancelCauseFunc
	done   chan struct{}
}

// StartWorker must run before the worker starts any registered thread. It
// resets the inherited profiler state, restores the master's scan session
// and returns a context cancelled with ErrParentExited once the master is
// gone.
func StartWorker(ctx context.Context, hooks WorkerHooks, logger logr.Logger) (*Worker, context.Context, error) {
	index, ok := WorkerIndex()
	if !ok {
		return nil, nil, ErrNotWorker
	}
	logger = logger.WithName("cluster.worker").WithValues("worker", index)

	if err := hooks.OnAfterForkInWorker(ctx); err != nil {
		return nil, nil, fmt.Errorf("failed to reset profiler in worker: %w", err)
	}

	spec, found, err := SessionFromEnv()
	switch {
	case err != nil:
		logger.Error(err, "ignoring session handed down by master")
	case found:
		s, err := hooks.RestoreSession(spec)
		if err != nil {
			logger.Error(err, "failed to restore scan session", "filter", spec.FilterKind)
		} else {
			logger.Info("scan session restored", "session", s.ID, "filter", s.Filter.String(), "interval", s.Interval)
		}
	}

	wctx, cancel := context.WithCancelCause(ctx)
	w := &Worker{
		Index:  index,
		hooks:  hooks,
		logger: logger,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go w.watchParent(wctx, parentPID(), defaultWatchTick)

	return w, wctx, nil
}

// Shutdown cancels the worker context and stops the profiler sampler,
// waiting at most until ctx is done.
func (w *Worker) Shutdown(ctx context.Context) error {
	w.cancel(nil)
	<-w.done

	if err := w.hooks.OnBeforeWorkerShutdown(ctx); err != nil {
		return fmt.Errorf("failed to stop sampler: %w", err)
	}
	w.logger.V(1).Info("worker shut down")
	return nil
}

func (w *Worker) watchParent(ctx context.Context, ppid int, tick time.Duration) {
	defer close(w.done)

	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if parentPID() != ppid {
				w.logger.Info("master process exited, stopping worker", "ppid", ppid)
				w.cancel(ErrParentExited)
				return
			}
		}
	}
}
