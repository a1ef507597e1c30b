// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package scanner_test

import (
	"context"
	"errors"
	"runtime/pprof"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-logr/logr/testr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yfractal/sdb/pkg/scanner"
)

// blockingSampler records each pass and parks until the pass is cancelled.
type blockingSampler struct {
	mu       sync.Mutex
	calls    [][]*scanner.Thread
	fail     bool
	inFlight atomic.Int32
}

func (s *blockingSampler) Pull(ctx context.Context, threads []*scanner.Thread, interval time.Duration) error {
	s.inFlight.Add(1)
	defer s.inFlight.Add(-1)

	s.mu.Lock()
	s.calls = append(s.calls, threads)
	fail := s.fail
	s.mu.Unlock()

	if fail {
		return errors.New("capture failed")
	}
	<-ctx.Done()
	return nil
}

func (s *blockingSampler) Calls() [][]*scanner.Thread {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]*scanner.Thread(nil), s.calls...)
}

func (s *blockingSampler) LastCall() []*scanner.Thread {
	calls := s.Calls()
	if len(calls) == 0 {
		return nil
	}
	return calls[len(calls)-1]
}

func newProfiler(t *testing.T, sampler scanner.Sampler, opts ...scanner.Option) *scanner.Profiler {
	t.Helper()
	opts = append([]scanner.Option{scanner.WithLogger(testr.New(t))}, opts...)
	p, err := scanner.New(sampler, opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, p.Close(ctx))
	})
	return p
}

// goBlocked starts a thread that runs until the returned func is called.
func goBlocked(t *testing.T, p *scanner.Profiler, name string) (*scanner.Thread, func()) {
	t.Helper()
	release := make(chan struct{})
	th := p.Go(context.Background(), name, func(ctx context.Context) error {
		<-release
		return nil
	})
	var once sync.Once
	stop := func() {
		once.Do(func() { close(release) })
		require.NoError(t, th.Wait())
	}
	t.Cleanup(stop)
	return th, stop
}

func TestProfiler_FilteredScanFollowsThreads(t *testing.T) {
	sampler := &blockingSampler{}
	p := newProfiler(t, sampler)

	t1, stopT1 := goBlocked(t, p, "worker-1")
	_, err := p.ScanFilteredThreads(scanner.NameContains("worker"), time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, []*scanner.Thread{t1}, p.ScanSet().Threads)

	goBlocked(t, p, "other")
	assert.Equal(t, []*scanner.Thread{t1}, p.ScanSet().Threads)

	// Wait returns after deregistration, so the scan set is already updated.
	stopT1()
	assert.Empty(t, p.ScanSet().Threads)
	assert.Len(t, p.Threads(), 1)
}

func TestProfiler_FirstThreadArmsOnce(t *testing.T) {
	sampler := &blockingSampler{}
	p := newProfiler(t, sampler)

	_, err := p.ScanAllThreads(0)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return len(sampler.Calls()) == 1
	}, 5*time.Second, 5*time.Millisecond)
	assert.Empty(t, sampler.LastCall())

	before := p.Stats().Scheduler.Arms
	t1, _ := goBlocked(t, p, "t1")
	assert.Equal(t, before+1, p.Stats().Scheduler.Arms)

	require.Eventually(t, func() bool {
		last := sampler.LastCall()
		return len(last) == 1 && last[0] == t1
	}, 5*time.Second, 5*time.Millisecond)
}

func TestProfiler_RegistryMatchesRunningThreads(t *testing.T) {
	sampler := &blockingSampler{}
	p := newProfiler(t, sampler)
	_, err := p.ScanWorkerPoolThreads(time.Millisecond)
	require.NoError(t, err)

	var wg sync.WaitGroup
	release := make(chan struct{})
	threads := make([]*scanner.Thread, 0, 20)
	for i := 0; i < 20; i++ {
		name := "srv tp"
		if i%2 == 1 {
			name = "reactor"
		}
		th := p.Go(context.Background(), name, func(ctx context.Context) error {
			<-release
			return nil
		})
		threads = append(threads, th)
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = th.Wait()
		}()
	}

	assert.ElementsMatch(t, threads, p.Threads())
	assert.Len(t, p.ScanSet().Threads, 10)

	close(release)
	wg.Wait()
	assert.Empty(t, p.Threads())
	assert.Empty(t, p.ScanSet().Threads)

	st := p.Stats()
	assert.Equal(t, uint64(20), st.Registered)
	assert.Equal(t, uint64(20), st.Deregistered)
}

func TestProfiler_SessionReplacement(t *testing.T) {
	sampler := &blockingSampler{}
	p := newProfiler(t, sampler)

	a, _ := goBlocked(t, p, "srv tp 001")
	b, _ := goBlocked(t, p, "reactor")

	first, err := p.ScanWorkerPoolThreads(time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, []*scanner.Thread{a}, p.ScanSet().Threads)

	second, err := p.ScanAllThreads(2 * time.Millisecond)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, second, p.Session())
	assert.Equal(t, []*scanner.Thread{a, b}, p.ScanSet().Threads)

	require.Eventually(t, func() bool {
		return len(sampler.LastCall()) == 2
	}, 5*time.Second, 5*time.Millisecond)

	p.StopScanning()
	assert.Nil(t, p.Session())
	assert.Empty(t, p.ScanSet().Threads)
	require.Eventually(t, func() bool {
		return p.State() == scanner.StateIdle
	}, 5*time.Second, 5*time.Millisecond)

	_, err = p.ScanAllThreads(-time.Second)
	assert.ErrorIs(t, err, scanner.ErrInvalidInterval)
	assert.Nil(t, p.Session(), "a rejected session does not replace anything")
}

func TestProfiler_Rescan(t *testing.T) {
	sampler := &blockingSampler{}
	p := newProfiler(t, sampler)

	p.Rescan()
	assert.Zero(t, p.Stats().Scheduler.Arms)

	_, err := p.ScanAllThreads(time.Millisecond)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(sampler.Calls()) == 1 }, 5*time.Second, 5*time.Millisecond)

	generation := p.ScanSet().Generation
	p.Rescan()
	assert.Greater(t, p.ScanSet().Generation, generation)
	require.Eventually(t, func() bool { return len(sampler.Calls()) == 2 }, 5*time.Second, 5*time.Millisecond)
}

func TestProfiler_ForkLifecycle(t *testing.T) {
	ctx := context.Background()
	sampler := &blockingSampler{}
	p := newProfiler(t, sampler)

	_, err := p.ScanAllThreads(time.Millisecond)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return sampler.inFlight.Load() == 1 }, 5*time.Second, 5*time.Millisecond)

	// Master: the sampler is stopped and stays stopped.
	require.NoError(t, p.OnBeforeFork(ctx))
	assert.Equal(t, scanner.ForkParentAwaitingFork, p.ForkState())
	assert.Zero(t, sampler.inFlight.Load())
	assert.Equal(t, scanner.StateIdle, p.State())

	inherited := scanner.NewThread("srv tp inherited")
	p.Register(inherited)
	_, err = p.ScanWorkerPoolThreads(time.Millisecond)
	require.NoError(t, err)
	passes := len(sampler.Calls())
	time.Sleep(20 * time.Millisecond)
	assert.Len(t, sampler.Calls(), passes, "master never samples")
	assert.Equal(t, scanner.StateIdle, p.State())

	// Worker: fresh registry, fresh sampler goroutine.
	require.NoError(t, p.OnAfterForkInWorker(ctx))
	assert.Equal(t, scanner.ForkWorker, p.ForkState())
	assert.Empty(t, p.Threads())
	require.Eventually(t, func() bool { return sampler.inFlight.Load() == 1 }, 5*time.Second, 5*time.Millisecond)

	own, _ := goBlocked(t, p, "srv tp 001")
	require.Eventually(t, func() bool {
		last := sampler.LastCall()
		return len(last) == 1 && last[0] == own
	}, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, p.OnBeforeWorkerShutdown(ctx))
	assert.Zero(t, sampler.inFlight.Load())
}

func TestProfiler_MasterNeverStartsSampler(t *testing.T) {
	ctx := context.Background()
	sampler := &blockingSampler{}
	p := newProfiler(t, sampler)

	require.NoError(t, p.OnBeforeFork(ctx))
	goBlocked(t, p, "srv tp 001")
	s, err := p.ScanWorkerPoolThreads(time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, s, p.Session(), "the session is kept for the workers")

	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, sampler.Calls())
	assert.Equal(t, scanner.StateIdle, p.State())
	assert.Zero(t, p.Stats().Scheduler.Arms)
}

func TestProfiler_NoSamplingAfterWorkerShutdown(t *testing.T) {
	ctx := context.Background()
	sampler := &blockingSampler{}
	p := newProfiler(t, sampler)

	require.NoError(t, p.OnAfterForkInWorker(ctx))
	require.NoError(t, p.OnBeforeWorkerShutdown(ctx))

	_, err := p.ScanAllThreads(time.Millisecond)
	assert.ErrorIs(t, err, scanner.ErrShuttingDown)
	_, err = p.RestoreSession(scanner.SessionSpec{FilterKind: scanner.FilterKindAll, Interval: time.Millisecond})
	assert.ErrorIs(t, err, scanner.ErrShuttingDown)
	assert.ErrorIs(t, p.OnAfterForkInWorker(ctx), scanner.ErrShuttingDown)

	goBlocked(t, p, "srv tp 001")
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, sampler.Calls())
	assert.Nil(t, p.Session())
	assert.Equal(t, scanner.StateIdle, p.State())
}

func TestProfiler_WorkerWithoutSession(t *testing.T) {
	sampler := &blockingSampler{}
	p := newProfiler(t, sampler)

	require.NoError(t, p.OnAfterForkInWorker(context.Background()))
	assert.Equal(t, scanner.StateIdle, p.State())
	assert.Empty(t, sampler.Calls())

	spec := scanner.SessionSpec{FilterKind: scanner.FilterKindNamePrefix, FilterArg: "srv", Interval: time.Millisecond}
	s, err := p.RestoreSession(spec)
	require.NoError(t, err)
	assert.Equal(t, "srv", s.Filter.Arg)
	require.Eventually(t, func() bool { return len(sampler.Calls()) == 1 }, 5*time.Second, 5*time.Millisecond)

	_, err = p.RestoreSession(scanner.SessionSpec{FilterKind: "regex"})
	assert.ErrorIs(t, err, scanner.ErrUnknownFilter)
}

func TestProfiler_AbortsFailingSession(t *testing.T) {
	sampler := &blockingSampler{fail: true}
	p := newProfiler(t, sampler,
		scanner.WithSchedulerOptions(scanner.WithMaxConsecutiveFailures(1)))

	goBlocked(t, p, "t1")
	_, err := p.ScanAllThreads(time.Millisecond)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return p.Session() == nil && p.State() == scanner.StateIdle
	}, 5*time.Second, 5*time.Millisecond)
	assert.Len(t, p.Threads(), 1, "aborting a session leaves the registry alone")
	assert.Equal(t, uint64(1), p.Stats().Scheduler.SessionAborts)
}

func TestProfiler_AbortWhileThreadsChurn(t *testing.T) {
	sampler := &blockingSampler{fail: true}
	p := newProfiler(t, sampler,
		scanner.WithSchedulerOptions(scanner.WithMaxConsecutiveFailures(1)))

	stop := make(chan struct{})
	churned := make(chan struct{})
	go func() {
		defer close(churned)
		for {
			select {
			case <-stop:
				return
			default:
			}
			th := p.Go(context.Background(), "churn", func(ctx context.Context) error { return nil })
			_ = th.Wait()
		}
	}()

	_, err := p.ScanAllThreads(0)
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return p.Session() == nil && p.State() == scanner.StateIdle
	}, 5*time.Second, time.Millisecond)

	passes := len(sampler.Calls())
	time.Sleep(20 * time.Millisecond)
	close(stop)
	<-churned

	assert.Len(t, sampler.Calls(), passes, "no pass after the session was aborted")
	assert.Equal(t, uint64(1), p.Stats().Scheduler.SessionAborts)
}

func TestProfiler_Close(t *testing.T) {
	sampler := &blockingSampler{}
	p, err := scanner.New(sampler, scanner.WithLogger(testr.New(t)))
	require.NoError(t, err)

	_, err = p.ScanAllThreads(time.Millisecond)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return sampler.inFlight.Load() == 1 }, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, p.Close(context.Background()))
	require.NoError(t, p.Close(context.Background()))
	assert.Zero(t, sampler.inFlight.Load())
	assert.Equal(t, scanner.StateStopped, p.State())

	_, err = p.ScanAllThreads(time.Millisecond)
	assert.ErrorIs(t, err, scanner.ErrClosed)
	assert.ErrorIs(t, p.OnBeforeFork(context.Background()), scanner.ErrClosed)
}

func TestSpawn_Lifecycle(t *testing.T) {
	p := newProfiler(t, &blockingSampler{})

	var gotName string
	var gotThread *scanner.Thread
	th := p.Go(context.Background(), "srv tp 007", func(ctx context.Context) error {
		gotName, _ = pprof.Label(ctx, scanner.LabelThreadName)
		gotThread, _ = scanner.ThreadFromContext(ctx)
		return assert.AnError
	})

	assert.ErrorIs(t, th.Wait(), assert.AnError)
	assert.Equal(t, "srv tp 007", gotName)
	assert.Same(t, th, gotThread)
	assert.Contains(t, th.EntryFunction(), "scanner.Spawn")
	assert.False(t, th.Alive())
	assert.Empty(t, p.Threads())
}

func TestSpawn_PanicIsRecovered(t *testing.T) {
	p := newProfiler(t, &blockingSampler{})

	th := p.Go(context.Background(), "doomed", func(ctx context.Context) error {
		panic("boom")
	})

	err := th.Wait()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
	assert.Empty(t, p.Threads())
}

func TestSpawn_LockOSThread(t *testing.T) {
	p := newProfiler(t, &blockingSampler{})

	th := p.Go(context.Background(), "pinned", func(ctx context.Context) error {
		return nil
	}, scanner.WithLockOSThread())
	require.NoError(t, th.Wait())
	assert.GreaterOrEqual(t, th.NativeID(), int64(0))
}

func TestProfiler_Attach(t *testing.T) {
	p := newProfiler(t, &blockingSampler{})

	th, ctx, detach := p.Attach(context.Background(), "host-owned")
	assert.True(t, th.Alive())
	assert.Equal(t, "testing.tRunner", th.EntryFunction())
	assert.Equal(t, []*scanner.Thread{th}, p.Threads())

	label, ok := pprof.Label(ctx, scanner.LabelThreadID)
	require.True(t, ok)
	assert.Equal(t, th.ID().String(), label)

	detach()
	detach()
	assert.Empty(t, p.Threads())
	assert.False(t, th.Alive())
	assert.Equal(t, uint64(1), p.Stats().Deregistered)
	assert.False(t, p.Deregister(th))
}
