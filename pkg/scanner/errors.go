// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package scanner

import "errors"

var (
	// ErrUnsupportedRuntime is returned by New when the Go runtime cannot
	// produce labelled goroutine profiles.
	ErrUnsupportedRuntime = errors.New("runtime does not support labelled goroutine profiles")

	// ErrInvalidInterval is returned when a session is started with a negative interval.
	ErrInvalidInterval = errors.New("sampling interval must be >= 0")

	// ErrSchedulerStopped is returned when starting a scheduler that already exited.
	ErrSchedulerStopped = errors.New("scheduler is stopped")

	// ErrSchedulerStopping is the cancellation cause of a pass interrupted by Stop.
	ErrSchedulerStopping = errors.New("scheduler is stopping")

	// ErrRescanPending is the cancellation cause of a pass whose scan set was superseded.
	ErrRescanPending = errors.New("newer scan set pending")

	// ErrSessionStopped is the cancellation cause of a pass whose session was stopped.
	ErrSessionStopped = errors.New("scan session stopped")

	// ErrShutdownTimeout is returned when the sampler goroutine could not be
	// joined within the shutdown bound.
	ErrShutdownTimeout = errors.New("timed out waiting for sampler to exit")

	// ErrForkPending is returned when a sampler start is attempted in a master
	// process waiting to start workers.
	ErrForkPending = errors.New("sampler start deferred until after fork")

	// ErrShuttingDown is returned when a session or sampler is started after
	// OnBeforeWorkerShutdown.
	ErrShuttingDown = errors.New("worker is shutting down")

	// ErrUnknownFilter is returned by LookupFilter for unregistered filter kinds.
	ErrUnknownFilter = errors.New("unknown filter kind")

	// ErrClosed is returned by operations on a closed Profiler.
	ErrClosed = errors.New("profiler is closed")
)
