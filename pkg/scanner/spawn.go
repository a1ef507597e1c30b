// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package scanner

import (
	"context"
	"fmt"
	"runtime"
	"runtime/pprof"
	"sync"

	"github.com/go-logr/logr"
)

// Goroutine labels attached to every registered thread. Samplers use them to
// map goroutine stacks back to Threads.
const (
	LabelThreadID   = "sdb.thread_id"
	LabelThreadName = "sdb.thread_name"
)

// LifecycleHooks is called around every thread body: Register before the body
// runs, Deregister after it returned or panicked. Registry and Profiler
// implement it.
type LifecycleHooks interface {
	Register(t *Thread) bool
	Deregister(t *Thread) bool
}

type spawnOptions struct {
	lockOSThread bool
	logger       logr.Logger
}

type SpawnOption func(o *spawnOptions)

// WithLockOSThread pins the goroutine to its OS thread for its lifetime and
// records the thread id in Thread.NativeID.
func WithLockOSThread() SpawnOption {
	return func(o *spawnOptions) {
		o.lockOSThread = true
	}
}

func WithSpawnLogger(logger logr.Logger) SpawnOption {
	return func(o *spawnOptions) {
		o.logger = logger
	}
}

type threadKey struct{}

// ThreadFromContext returns the Thread whose body received ctx.
func ThreadFromContext(ctx context.Context) (*Thread, bool) {
	t, ok := ctx.Value(threadKey{}).(*Thread)
	return t, ok && t != nil
}

func labelsFor(t *Thread) pprof.LabelSet {
	return pprof.Labels(LabelThreadID, t.id.String(), LabelThreadName, t.name)
}

// Spawn starts fn on a new goroutine registered with hooks. Registration
// completes before Spawn returns, and deregistration completes before the
// Thread's Done channel is closed. A panic in fn is recovered and reported
// by Thread.Err.
func Spawn(ctx context.Context, hooks LifecycleHooks, name string, fn func(ctx context.Context) error, opts ...SpawnOption) *Thread {
	o := spawnOptions{logger: logr.Discard()}
	for _, opt := range opts {
		opt(&o)
	}

	t := NewThread(name)
	hooks.Register(t)

	go func() {
		if o.lockOSThread {
			runtime.LockOSThread()
			defer runtime.UnlockOSThread()
			t.nativeID.Store(currentTID())
		}

		var err error
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("thread %s panicked: %v", t, r)
				o.logger.Error(err, "thread body panicked", "thread", t.Name(), "id", t.ID())
			}
			hooks.Deregister(t)
			t.finish(err)
		}()

		t.setEntry(entryFunction())
		t.markStarted()
		ctx := context.WithValue(ctx, threadKey{}, t)
		pprof.Do(ctx, labelsFor(t), func(ctx context.Context) {
			err = fn(ctx)
		})
	}()

	return t
}

// attach registers the calling goroutine. The returned detach func restores
// the goroutine labels of ctx and deregisters; calling it more than once is
// a no-op.
func attach(ctx context.Context, hooks LifecycleHooks, name string) (*Thread, context.Context, func()) {
	t := NewThread(name)
	t.setEntry(entryFunction())
	hooks.Register(t)
	t.markStarted()

	labelled := pprof.WithLabels(context.WithValue(ctx, threadKey{}, t), labelsFor(t))
	pprof.SetGoroutineLabels(labelled)

	var once sync.Once
	detach := func() {
		once.Do(func() {
			pprof.SetGoroutineLabels(ctx)
			hooks.Deregister(t)
			t.finish(nil)
		})
	}
	return t, labelled, detach
}

// GoexitFunction is the runtime frame every goroutine stack bottoms out in.
const GoexitFunction = "runtime.goexit"

// entryFunction returns the outermost function of the calling goroutine.
func entryFunction() string {
	pcs := make([]uintptr, 64)
	for {
		n := runtime.Callers(1, pcs)
		if n < len(pcs) {
			pcs = pcs[:n]
			break
		}
		pcs = make([]uintptr, 2*len(pcs))
	}

	var entry string
	frames := runtime.CallersFrames(pcs)
	for {
		frame, more := frames.Next()
		if frame.Function != "" && frame.Function != GoexitFunction {
			entry = frame.Function
		}
		if !more {
			break
		}
	}
	return entry
}
