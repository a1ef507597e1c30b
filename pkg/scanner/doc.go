// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

// Package scanner keeps the set of live application goroutines ("threads")
// and drives a background sampler over the subset selected by a filter.
//
// The moving parts are:
//
//   - Registry: every thread started through Spawn (or Profiler.Go/Attach) is
//     registered before its body runs and deregistered after it returns, even
//     when it panics.
//   - Session: the active filter and sampling interval. Replaced as a whole.
//   - The scan set: Registry filtered by the Session, recomputed inside the
//     registry critical section on every mutation.
//   - Scheduler: a monitor around one sampler goroutine. Arm hands it the
//     latest scan set; the sampler itself always runs without any lock held.
//   - ForkCoordinator: keeps the sampler out of a master process that is about
//     to start workers and rebuilds it inside each worker.
//
// Example usage:
//
//	p, err := scanner.New(sampler.New(sink), scanner.WithLogger(logger))
//	if err != nil {
//		return err
//	}
//	defer p.Close(ctx)
//
//	p.Go(ctx, "srv tp 001", serve)
//	if _, err := p.ScanWorkerPoolThreads(time.Millisecond); err != nil {
//		return err
//	}
package scanner
