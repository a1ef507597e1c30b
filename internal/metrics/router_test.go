// Copyright Antimetal, Inc. All rights reserved.
//
// Use of this source code is governed by a source available license that can be found in the
// LICENSE file or at:
// https://polyformproject.org/wp-content/uploads/2020/06/PolyForm-Shield-1.0.0.txt

package metrics

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yfractal/sdb/pkg/sampler"
	"github.com/yfractal/sdb/pkg/scanner"
)

// mockConsumer implements the Consumer interface for testing
type mockConsumer struct {
	name   string
	events []Event
	err    error
	mu     sync.Mutex
}

func newMockConsumer(name string) *mockConsumer {
	return &mockConsumer{name: name}
}

func (m *mockConsumer) Name() string {
	return m.name
}

func (m *mockConsumer) HandleEvent(event Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return m.err
}

func (m *mockConsumer) Start(ctx context.Context) error {
	return nil
}

func (m *mockConsumer) Health() ConsumerHealth {
	m.mu.Lock()
	defer m.mu.Unlock()
	return ConsumerHealth{Healthy: true, EventsCount: uint64(len(m.events))}
}

func (m *mockConsumer) getEvents() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Event{}, m.events...)
}

func startRouter(t *testing.T) (*Router, context.CancelFunc) {
	t.Helper()
	router := NewRouter(Origin{Hostname: "host-a", PID: 42, Worker: 3}, logr.Discard())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.NoError(t, router.Start(ctx))
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return router, cancel
}

func TestRouter_ConcurrentPublish(t *testing.T) {
	router, _ := startRouter(t)

	consumer := newMockConsumer("test-consumer")
	require.NoError(t, router.RegisterConsumer(consumer))

	var wg sync.WaitGroup
	numGoroutines := 10
	eventsPerGoroutine := 100

	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < eventsPerGoroutine; j++ {
				err := router.Publish(Event{
					Timestamp: time.Now(),
					Source:    "test",
					EventType: EventTypeSample,
					Data:      id*eventsPerGoroutine + j,
				})
				assert.NoError(t, err)
			}
		}(i)
	}
	wg.Wait()

	assert.Len(t, consumer.getEvents(), numGoroutines*eventsPerGoroutine)
	assert.Equal(t, uint64(numGoroutines*eventsPerGoroutine), router.GetStats().Published)
}

func TestRouter_PublishAfterClose(t *testing.T) {
	router, cancel := startRouter(t)

	event := Event{Timestamp: time.Now(), Source: "test", EventType: EventTypeSample}
	require.NoError(t, router.Publish(event))

	cancel()
	require.Eventually(t, func() bool {
		return errors.Is(router.Publish(event), ErrRouterClosed)
	}, time.Second, 5*time.Millisecond)
}

func TestRouter_ConsumerRegistration(t *testing.T) {
	router, _ := startRouter(t)

	require.NoError(t, router.RegisterConsumer(newMockConsumer("consumer1")))

	err := router.RegisterConsumer(newMockConsumer("consumer1"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already registered")

	require.NoError(t, router.RegisterConsumer(newMockConsumer("consumer2")))
	assert.Equal(t, 2, router.GetStats().ConsumerCount)

	require.NoError(t, router.UnregisterConsumer("consumer1"))
	assert.Equal(t, 1, router.GetStats().ConsumerCount)

	assert.Error(t, router.UnregisterConsumer("non-existent"))
}

func TestRouter_FailingConsumerDoesNotBlockOthers(t *testing.T) {
	router, _ := startRouter(t)

	broken := newMockConsumer("broken")
	broken.err = errors.New("disk full")
	healthy := newMockConsumer("healthy")
	require.NoError(t, router.RegisterConsumer(broken))
	require.NoError(t, router.RegisterConsumer(healthy))

	err := router.PublishBatch([]Event{{EventType: EventTypeSample}})
	assert.ErrorContains(t, err, "disk full")
	assert.Len(t, healthy.getEvents(), 1)
	assert.Equal(t, uint64(1), router.GetStats().Failed)
}

func TestRouter_EmitSample(t *testing.T) {
	router, _ := startRouter(t)
	consumer := newMockConsumer("c")
	require.NoError(t, router.RegisterConsumer(consumer))

	th := scanner.NewThread("srv tp 001")
	ts := time.Now()
	require.NoError(t, router.Emit(sampler.Sample{
		Time:       ts,
		ThreadID:   th.ID(),
		ThreadName: th.Name(),
		Frames:     []sampler.Frame{{Function: "main.serve"}},
		Count:      1,
	}))
	require.NoError(t, router.PublishSession("config", SessionEvent{Filter: "all", Interval: time.Millisecond}))

	events := consumer.getEvents()
	require.Len(t, events, 2)

	ev := events[0]
	assert.Equal(t, EventTypeSample, ev.EventType)
	assert.Equal(t, "sampler", ev.Source)
	assert.Equal(t, "host-a", ev.Hostname)
	assert.Equal(t, 42, ev.PID)
	assert.Equal(t, 3, ev.Worker)
	assert.Equal(t, ts, ev.Timestamp)
	sample, ok := ev.Data.(*sampler.Sample)
	require.True(t, ok)
	assert.Equal(t, th.ID(), sample.ThreadID)

	assert.Equal(t, EventTypeSession, events[1].EventType)
	assert.IsType(t, &SessionEvent{}, events[1].Data)
}

func TestLocalOrigin(t *testing.T) {
	o := LocalOrigin(2)
	assert.NotZero(t, o.PID)
	assert.Equal(t, 2, o.Worker)
}
