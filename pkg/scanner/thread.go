// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package scanner

import (
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// ThreadID identifies a Thread within a process. IDs are never reused.
type ThreadID uint64

func (id ThreadID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

var lastThreadID atomic.Uint64

// Thread is the handle of an application goroutine known to the Registry.
//
// Name is fixed at creation so filters evaluated against it stay pure.
type Thread struct {
	id        ThreadID
	name      string
	startedAt time.Time

	alive    atomic.Bool
	nativeID atomic.Int64
	traceID  atomic.Uint64
	entry    atomic.Pointer[string]

	done    chan struct{}
	errOnce sync.Once
	err     error
}

// NewThread allocates a handle. It is not registered until passed to a
// Registry, usually through Spawn.
func NewThread(name string) *Thread {
	return &Thread{
		id:        ThreadID(lastThreadID.Add(1)),
		name:      name,
		startedAt: time.Now(),
		done:      make(chan struct{}),
	}
}

func (t *Thread) ID() ThreadID { return t.id }

func (t *Thread) Name() string { return t.name }

func (t *Thread) StartedAt() time.Time { return t.startedAt }

// Alive reports whether the thread body has started and not yet returned.
func (t *Thread) Alive() bool { return t.alive.Load() }

// NativeID returns the OS thread id the goroutine is locked to, or 0 when the
// goroutine was not started with WithLockOSThread.
func (t *Thread) NativeID() int64 { return t.nativeID.Load() }

// TraceID returns the trace id of the request currently served by the thread.
func (t *Thread) TraceID() uint64 { return t.traceID.Load() }

// SetTraceID records the trace id of the request the thread is serving.
// Samples taken while it is set carry it. Zero clears it.
func (t *Thread) SetTraceID(id uint64) { t.traceID.Store(id) }

// EntryFunction returns the outermost function of the goroutine running the
// thread body, or "" when the thread was never started through Spawn or
// Attach. Goroutines started by the body inherit its labels but not its
// entry function.
func (t *Thread) EntryFunction() string {
	if e := t.entry.Load(); e != nil {
		return *e
	}
	return ""
}

// Done is closed once the thread has returned and been deregistered.
func (t *Thread) Done() <-chan struct{} { return t.done }

// Wait blocks until the thread has finished and returns the error of its body.
func (t *Thread) Wait() error {
	<-t.done
	return t.err
}

// Err returns the error of a finished thread. Only meaningful after Done.
func (t *Thread) Err() error {
	select {
	case <-t.done:
		return t.err
	default:
		return nil
	}
}

func (t *Thread) String() string {
	return t.name + "#" + t.id.String()
}

func (t *Thread) markStarted() {
	t.alive.Store(true)
}

func (t *Thread) setEntry(fn string) {
	t.entry.Store(&fn)
}

func (t *Thread) finish(err error) {
	t.errOnce.Do(func() {
		t.err = err
		t.alive.Store(false)
		close(t.done)
	})
}
