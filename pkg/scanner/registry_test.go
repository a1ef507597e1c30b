// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package scanner

import (
	"testing"

	"github.com/go-logr/logr/testr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingObserver struct {
	notifications [][]*Thread
}

func (o *recordingObserver) RegistryChanged(live []*Thread) {
	o.notifications = append(o.notifications, live)
}

func TestRegistry_RegisterDeregister(t *testing.T) {
	r := NewRegistry(testr.New(t))
	obs := &recordingObserver{}
	r.SetObserver(obs)

	a, b, c := NewThread("a"), NewThread("b"), NewThread("c")
	assert.True(t, r.Register(a))
	assert.True(t, r.Register(b))
	assert.True(t, r.Register(c))
	assert.Equal(t, []*Thread{a, b, c}, r.Snapshot())

	assert.True(t, r.Deregister(b))
	assert.Equal(t, []*Thread{a, c}, r.Snapshot())
	assert.Equal(t, 2, r.Len())
	assert.False(t, r.Contains(b))
	assert.True(t, r.Contains(c))

	require.Len(t, obs.notifications, 4)
	assert.Equal(t, []*Thread{a, c}, obs.notifications[3])
}

func TestRegistry_DuplicateAndUnknownAreNoOps(t *testing.T) {
	r := NewRegistry(testr.New(t))
	obs := &recordingObserver{}
	r.SetObserver(obs)

	a := NewThread("a")
	require.True(t, r.Register(a))
	assert.False(t, r.Register(a))
	assert.Equal(t, 1, r.Len())

	assert.True(t, r.Deregister(a))
	assert.False(t, r.Deregister(a))
	assert.False(t, r.Deregister(NewThread("never-registered")))
	assert.Zero(t, r.Len())

	// Only the two effective mutations notify.
	assert.Len(t, obs.notifications, 2)
}

func TestRegistry_Reset(t *testing.T) {
	r := NewRegistry(testr.New(t))
	obs := &recordingObserver{}
	r.SetObserver(obs)

	r.Register(NewThread("a"))
	r.Register(NewThread("b"))
	r.Reset()

	assert.Empty(t, r.Snapshot())
	require.Len(t, obs.notifications, 3)
	assert.Empty(t, obs.notifications[2])

	// The registry is usable after a reset.
	c := NewThread("c")
	assert.True(t, r.Register(c))
	assert.Equal(t, []*Thread{c}, r.Snapshot())
}

func TestRegistry_SnapshotIsACopy(t *testing.T) {
	r := NewRegistry(testr.New(t))
	a := NewThread("a")
	r.Register(a)

	snap := r.Snapshot()
	r.Deregister(a)
	assert.Equal(t, []*Thread{a}, snap)
}

func TestThread_IDsAreUnique(t *testing.T) {
	seen := make(map[ThreadID]bool)
	for i := 0; i < 100; i++ {
		th := NewThread("t")
		assert.False(t, seen[th.ID()])
		seen[th.ID()] = true
	}
}

func TestThread_Finish(t *testing.T) {
	th := NewThread("worker-1")
	assert.Equal(t, "worker-1#"+th.ID().String(), th.String())
	assert.Nil(t, th.Err())

	th.markStarted()
	assert.True(t, th.Alive())

	th.SetTraceID(42)
	assert.Equal(t, uint64(42), th.TraceID())

	th.finish(assert.AnError)
	th.finish(nil)
	assert.False(t, th.Alive())
	assert.ErrorIs(t, th.Wait(), assert.AnError)
	assert.ErrorIs(t, th.Err(), assert.AnError)
}
