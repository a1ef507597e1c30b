// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package scanner

import (
	"container/list"
	"sync"

	"github.com/go-logr/logr"
)

// Observer is notified of registry changes. It runs inside the registry
// critical section and must not block or call back into the Registry.
type Observer interface {
	RegistryChanged(live []*Thread)
}

// Registry is the set of live threads. Insertion order is preserved so that
// snapshots are deterministic.
type Registry struct {
	mu       sync.Mutex
	threads  *list.List
	index    map[ThreadID]*list.Element
	observer Observer
	logger   logr.Logger
}

func NewRegistry(logger logr.Logger) *Registry {
	return &Registry{
		threads: list.New(),
		index:   make(map[ThreadID]*list.Element),
		logger:  logger.WithName("registry"),
	}
}

// SetObserver installs the observer invoked after every mutation.
func (r *Registry) SetObserver(o Observer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observer = o
}

// Register adds t to the live set. Registering a thread twice is a no-op
// and returns false.
func (r *Registry) Register(t *Thread) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.index[t.ID()]; exists {
		r.logger.V(1).Info("ignoring duplicate registration", "thread", t.Name(), "id", t.ID())
		return false
	}
	r.index[t.ID()] = r.threads.PushBack(t)
	r.logger.V(2).Info("thread registered", "thread", t.Name(), "id", t.ID(), "live", len(r.index))

	r.notifyLocked()
	return true
}

// Deregister removes t from the live set. Removing an unknown thread is a
// no-op and returns false.
func (r *Registry) Deregister(t *Thread) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	elem, exists := r.index[t.ID()]
	if !exists {
		r.logger.V(1).Info("ignoring deregistration of unknown thread", "thread", t.Name(), "id", t.ID())
		return false
	}
	r.threads.Remove(elem)
	delete(r.index, t.ID())
	r.logger.V(2).Info("thread deregistered", "thread", t.Name(), "id", t.ID(), "live", len(r.index))

	r.notifyLocked()
	return true
}

// Snapshot returns a copy of the live set in registration order.
func (r *Registry) Snapshot() []*Thread {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

// Len returns the number of live threads.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.index)
}

// Contains reports whether t is currently registered.
func (r *Registry) Contains(t *Thread) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.index[t.ID()]
	return ok
}

// Do runs fn with the current snapshot inside the registry critical section.
// Used to change the session and recompute the scan set atomically.
func (r *Registry) Do(fn func(live []*Thread)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(r.snapshotLocked())
}

// Reset drops every entry. Only valid in a freshly started worker, where the
// handles inherited from the master do not describe running goroutines.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	dropped := len(r.index)
	r.threads.Init()
	clear(r.index)
	r.logger.V(1).Info("registry reset", "dropped", dropped)

	r.notifyLocked()
}

func (r *Registry) notifyLocked() {
	if r.observer == nil {
		return
	}
	r.observer.RegistryChanged(r.snapshotLocked())
}

func (r *Registry) snapshotLocked() []*Thread {
	live := make([]*Thread, 0, len(r.index))
	for e := r.threads.Front(); e != nil; e = e.Next() {
		live = append(live, e.Value.(*Thread))
	}
	return live
}
