// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package scanner

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/go-logr/logr/testr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingArmer struct {
	armed    []ScanSet
	disarmed int
}

func (a *recordingArmer) Arm(set ScanSet) { a.armed = append(a.armed, set) }

func (a *recordingArmer) Disarm() { a.disarmed++ }

func selectedBy(filter Filter, live []*Thread) []*Thread {
	var out []*Thread
	for _, t := range live {
		if filter.Match(t) {
			out = append(out, t)
		}
	}
	return out
}

func TestCalculator_ScanSetFollowsRegistry(t *testing.T) {
	logger := testr.New(t)
	r := NewRegistry(logger)
	calc := newCalculator(logger)
	r.SetObserver(calc)
	target := &recordingArmer{}

	session, err := NewSession(NameContains("srv tp"), time.Millisecond)
	require.NoError(t, err)
	r.Do(func(live []*Thread) {
		calc.setTarget(target, live)
		calc.setSession(session, live)
	})

	rng := rand.New(rand.NewSource(1))
	names := []string{"srv tp 001", "srv tp 002", "reactor", "bg"}
	var live []*Thread
	for i := 0; i < 500; i++ {
		if len(live) == 0 || rng.Intn(2) == 0 {
			th := NewThread(names[rng.Intn(len(names))])
			r.Register(th)
			live = append(live, th)
		} else {
			idx := rng.Intn(len(live))
			r.Deregister(live[idx])
			live = append(live[:idx], live[idx+1:]...)
		}

		var current ScanSet
		r.Do(func([]*Thread) { current = calc.current })
		assert.Equal(t, selectedBy(session.Filter, r.Snapshot()), nilIfEmpty(current.Threads))
	}

	// Every published set matched the registry at its time, in order.
	for i := 1; i < len(target.armed); i++ {
		assert.Greater(t, target.armed[i].Generation, target.armed[i-1].Generation)
	}
}

func nilIfEmpty(threads []*Thread) []*Thread {
	if len(threads) == 0 {
		return nil
	}
	return threads
}

func TestCalculator_UnchangedMembershipIsNotPublished(t *testing.T) {
	logger := testr.New(t)
	r := NewRegistry(logger)
	calc := newCalculator(logger)
	r.SetObserver(calc)
	target := &recordingArmer{}

	session, err := NewSession(NameContains("worker"), 0)
	require.NoError(t, err)
	r.Do(func(live []*Thread) {
		calc.setTarget(target, live)
		calc.setSession(session, live)
	})
	require.Len(t, target.armed, 1)

	other := NewThread("other")
	r.Register(other)
	r.Deregister(other)
	assert.Len(t, target.armed, 1, "non-matching threads do not wake the sampler")

	w := NewThread("worker-1")
	r.Register(w)
	require.Len(t, target.armed, 2)
	assert.Equal(t, []*Thread{w}, target.armed[1].Threads)

	r.Do(func(live []*Thread) { calc.recompute(live, true) })
	assert.Len(t, target.armed, 3)

	r.Do(func(live []*Thread) { calc.setSession(nil, live) })
	assert.Equal(t, 1, target.disarmed)
	assert.Zero(t, calc.current.Len())

	r.Register(NewThread("worker-2"))
	assert.Len(t, target.armed, 3, "no session, no scan set")
}

func TestNew_UnsupportedRuntime(t *testing.T) {
	orig := checkRuntime
	t.Cleanup(func() { checkRuntime = orig })
	checkRuntime = func() error { return errors.Join(ErrUnsupportedRuntime, errors.New("no labels")) }

	p, err := New(SamplerFunc(func(context.Context, []*Thread, time.Duration) error { return nil }))
	assert.ErrorIs(t, err, ErrUnsupportedRuntime)
	assert.Nil(t, p)
}
