// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package scanner

import (
	"context"
	"fmt"
)

// ForkState tracks where the process stands in a master/worker deployment.
type ForkState int

const (
	// ForkUnforked is a standalone process. It samples as soon as a session starts.
	ForkUnforked ForkState = iota
	// ForkParentAwaitingFork is a master that will start workers. It never samples.
	ForkParentAwaitingFork
	// ForkWorker is a worker started by a master.
	ForkWorker
)

func (s ForkState) String() string {
	switch s {
	case ForkUnforked:
		return "unforked"
	case ForkParentAwaitingFork:
		return "parent-awaiting-fork"
	case ForkWorker:
		return "worker"
	default:
		return fmt.Sprintf("unknown(%d)", int(s))
	}
}

// ForkCoordinator is the set of hooks a process manager calls at the
// matching points of a worker's life. Profiler implements it.
type ForkCoordinator interface {
	OnBeforeFork(ctx context.Context) error
	OnAfterForkInWorker(ctx context.Context) error
	OnBeforeWorkerShutdown(ctx context.Context) error
}

var _ ForkCoordinator = (*Profiler)(nil)

// OnBeforeFork marks the process as a master about to start workers. A
// running sampler goroutine is stopped and joined; the session is kept so it
// can be handed to the workers. Until OnAfterForkInWorker no sampler starts.
func (p *Profiler) OnBeforeFork(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrClosed
	}
	p.forkState = ForkParentAwaitingFork
	p.logger.V(1).Info("fork pending, sampling suspended in this process")
	return p.stopSchedulerLocked(ctx)
}

// OnAfterForkInWorker must run first thing in a new worker. Handles
// inherited from the master do not describe goroutines of this process, so
// the registry is emptied. If a session exists a fresh sampler goroutine is
// started for it.
func (p *Profiler) OnAfterForkInWorker(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrClosed
	}
	if p.shuttingDown {
		return ErrShuttingDown
	}
	p.forkState = ForkWorker
	if err := p.stopSchedulerLocked(ctx); err != nil {
		return err
	}
	p.registry.Reset()

	if !p.hasSession() {
		p.logger.V(1).Info("worker started without a scan session")
		return nil
	}
	return p.startSchedulerLocked()
}

// OnBeforeWorkerShutdown stops the sampler goroutine and blocks until the
// last pass returned, or until ctx and the join policy give up. No session or
// sampler can be started afterwards.
func (p *Profiler) OnBeforeWorkerShutdown(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.shuttingDown = true
	p.logger.V(1).Info("worker shutting down, stopping sampler")
	return p.stopSchedulerLocked(ctx)
}

// ForkState returns the current fork state.
func (p *Profiler) ForkState() ForkState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.forkState
}
